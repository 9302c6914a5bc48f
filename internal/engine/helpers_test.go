package engine

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/LotlineLogistics/dispatch/internal/assignment"
	"github.com/LotlineLogistics/dispatch/internal/outbox"
	"github.com/LotlineLogistics/dispatch/internal/wire"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type fixture struct {
	db          *gorm.DB
	store       *assignment.Store
	queue       *outbox.Queue
	checkpoints *CheckpointStore
}

type sequenceIDProvider struct {
	next int
}

func (p *sequenceIDProvider) NewID() (string, error) {
	p.next++
	return fmt.Sprintf("entry-%03d", p.next), nil
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	if err := db.AutoMigrate(&assignment.Record{}, &outbox.Entry{}, &Checkpoint{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	store, err := assignment.NewStore(assignment.StoreConfig{Database: db})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	queue, err := outbox.NewQueue(outbox.QueueConfig{
		Database:   db,
		IDProvider: &sequenceIDProvider{},
	})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	checkpoints, err := NewCheckpointStore(db, nil)
	if err != nil {
		t.Fatalf("new checkpoint store: %v", err)
	}
	return &fixture{db: db, store: store, queue: queue, checkpoints: checkpoints}
}

func mustScope(t *testing.T, tenant, day string) assignment.Scope {
	t.Helper()
	scope, err := assignment.NewScope(tenant, day)
	if err != nil {
		t.Fatalf("new scope: %v", err)
	}
	return scope
}

func serverRecord(id, tenant, day, van string, stamp int64) assignment.Record {
	return assignment.Record{
		ID:                    id,
		TenantID:              tenant,
		DayKey:                day,
		VanLabel:              van,
		KeyStatus:             "ON_BOARD",
		ServerUpdatedAtMillis: stamp,
	}
}

// fakePullTransport replays a scripted sequence of pull responses.
type fakePullTransport struct {
	pages    []wire.PullResponse
	errAfter int // return an error once this many pages served; -1 disables
	requests []wire.PullRequest
	served   int
}

func (f *fakePullTransport) Pull(_ context.Context, request wire.PullRequest) (wire.PullResponse, error) {
	f.requests = append(f.requests, request)
	if f.errAfter >= 0 && f.served >= f.errAfter {
		return wire.PullResponse{}, fmt.Errorf("transport down")
	}
	if f.served >= len(f.pages) {
		return wire.PullResponse{Records: []assignment.Record{}, Checkpoint: request.Checkpoint}, nil
	}
	page := f.pages[f.served]
	f.served++
	return page, nil
}

// fakePushTransport adjudicates with a scripted responder.
type fakePushTransport struct {
	respond  func(request wire.PushRequest) (wire.PushResponse, error)
	requests []wire.PushRequest
}

func (f *fakePushTransport) Push(_ context.Context, request wire.PushRequest) (wire.PushResponse, error) {
	f.requests = append(f.requests, request)
	return f.respond(request)
}

func acceptAll(request wire.PushRequest) (wire.PushResponse, error) {
	results := make([]wire.MutationResult, 0, len(request.Mutations))
	for _, mutation := range request.Mutations {
		results = append(results, wire.MutationResult{
			MutationID: mutation.ID,
			Status:     wire.MutationAccepted,
		})
	}
	return wire.PushResponse{Results: results}, nil
}

func waitForStatus(t *testing.T, orchestrator *Orchestrator, want Status, within time.Duration) {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		if orchestrator.State().Status == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("status never reached %q, last seen %q", want, orchestrator.State().Status)
}
