// Package wire defines the JSON payloads shared by the agent transport and
// the authority's pull/push endpoints.
package wire

import "github.com/LotlineLogistics/dispatch/internal/assignment"

const (
	// DefaultPullLimit is the page size used when a pull request omits one.
	DefaultPullLimit = 100
	// MaxPullLimit caps the page size the authority will honor.
	MaxPullLimit = 500
	// MaxPushBatch caps the number of mutations in one push request.
	MaxPushBatch = 50
)

// PullRequest asks for every record in the scope changed since the checkpoint.
// The checkpoint is an opaque token issued by a previous pull response; empty
// means a full resync.
type PullRequest struct {
	DayKey     string `json:"day"`
	Checkpoint string `json:"checkpoint,omitempty"`
	Limit      int    `json:"limit,omitempty"`
}

// PullResponse carries one page of changed records ordered by server update
// time ascending, plus the advanced checkpoint.
type PullResponse struct {
	Records    []assignment.Record `json:"records"`
	Checkpoint string              `json:"checkpoint"`
	HasMore    bool                `json:"has_more"`
}

// Mutation is one queued intent as it crosses the wire.
type Mutation struct {
	ID              string         `json:"id"`
	TargetRecordID  string         `json:"target_record_id"`
	Patch           map[string]any `json:"patch"`
	CreatedAtMillis int64          `json:"created_at_ms"`
}

// PushRequest submits a batch of mutations in creation order.
type PushRequest struct {
	Mutations []Mutation `json:"mutations"`
}

// MutationStatus enumerates the server's per-entry adjudication.
type MutationStatus string

const (
	// MutationAccepted means the patch was applied server-side.
	MutationAccepted MutationStatus = "accepted"
	// MutationRejected means the entry failed validation and will not be retried.
	MutationRejected MutationStatus = "rejected"
	// MutationConflict means the server had already moved past the client's view.
	MutationConflict MutationStatus = "conflict"
)

// MutationResult is the server's decision for one mutation. ServerDoc is
// present only on conflict and is directly usable by the local store's
// upsert path.
type MutationResult struct {
	MutationID string             `json:"mutation_id"`
	Status     MutationStatus     `json:"status"`
	Error      string             `json:"error,omitempty"`
	ServerDoc  *assignment.Record `json:"server_doc,omitempty"`
}

// PushResponse carries per-entry results in request order.
type PushResponse struct {
	Results []MutationResult `json:"results"`
}
