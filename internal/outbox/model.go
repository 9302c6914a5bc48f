package outbox

import (
	"encoding/json"

	"github.com/LotlineLogistics/dispatch/internal/assignment"
)

// Status enumerates the lifecycle of a queued mutation entry.
type Status string

const (
	// StatusPending marks an entry awaiting delivery.
	StatusPending Status = "pending"
	// StatusInFlight marks an entry claimed by an in-progress push batch.
	StatusInFlight Status = "inFlight"
	// StatusFailed marks an entry that will not be retried without operator action.
	StatusFailed Status = "failed"
)

// Entry is one durable, queued intent to patch a record. ID doubles as the
// idempotency key the server deduplicates on.
type Entry struct {
	ID              string `gorm:"column:id;primaryKey;size:190;not null"`
	TargetRecordID  string `gorm:"column:target_record_id;size:190;not null;index:idx_outbox_target"`
	PatchJSON       string `gorm:"column:patch_json;type:text;not null"`
	CreatedAtMillis int64  `gorm:"column:created_at_ms;not null;index:idx_outbox_created"`
	Status          Status `gorm:"column:status;size:16;not null;default:'pending'"`
	RetryCount      int    `gorm:"column:retry_count;not null;default:0"`
	LastError       string `gorm:"column:last_error;type:text;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (Entry) TableName() string {
	return "outbox_entries"
}

// Patch decodes the stored patch payload.
func (e Entry) Patch() (assignment.Patch, error) {
	var patch assignment.Patch
	if err := json.Unmarshal([]byte(e.PatchJSON), &patch); err != nil {
		return nil, err
	}
	return patch, nil
}
