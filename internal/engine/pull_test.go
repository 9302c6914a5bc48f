package engine

import (
	"context"
	"testing"

	"github.com/LotlineLogistics/dispatch/internal/assignment"
	"github.com/LotlineLogistics/dispatch/internal/wire"
)

func newTestPuller(t *testing.T, f *fixture, transport PullTransport) *Puller {
	t.Helper()
	puller, err := NewPuller(PullerConfig{
		Transport:   transport,
		Store:       f.store,
		Checkpoints: f.checkpoints,
	})
	if err != nil {
		t.Fatalf("new puller: %v", err)
	}
	return puller
}

func TestPullerWalksAllPagesAndAdvancesCheckpoint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	scope := mustScope(t, "tenant-1", "2024-01-15")

	transport := &fakePullTransport{
		errAfter: -1,
		pages: []wire.PullResponse{
			{
				Records: []assignment.Record{
					serverRecord("a-1", "tenant-1", "2024-01-15", "V-01", 100),
					serverRecord("a-2", "tenant-1", "2024-01-15", "V-02", 150),
				},
				Checkpoint: "150",
				HasMore:    true,
			},
			{
				Records: []assignment.Record{
					serverRecord("a-3", "tenant-1", "2024-01-15", "V-03", 300),
				},
				Checkpoint: "300",
				HasMore:    false,
			},
		},
	}

	puller := newTestPuller(t, f, transport)
	if err := puller.Run(ctx, scope); err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(transport.requests) != 2 {
		t.Fatalf("expected 2 page requests, got %d", len(transport.requests))
	}
	if transport.requests[0].Checkpoint != "" {
		t.Fatalf("first request must start from empty checkpoint, got %q", transport.requests[0].Checkpoint)
	}
	if transport.requests[1].Checkpoint != "150" {
		t.Fatalf("second request must resume from page checkpoint, got %q", transport.requests[1].Checkpoint)
	}

	records, err := f.store.Find(ctx, scope)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 replicated records, got %d", len(records))
	}

	position, err := f.checkpoints.Position(ctx, scope.Key())
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	if position != 300 {
		t.Fatalf("checkpoint not at final page, got %d", position)
	}
}

func TestPullerPreservesPendingLocalEdit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	scope := mustScope(t, "tenant-1", "2024-01-15")

	if err := f.store.UpsertFromServer(ctx, serverRecord("a-1", "tenant-1", "2024-01-15", "V-01", 100)); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := f.store.ApplyOptimisticPatch(ctx, "a-1", assignment.Patch{assignment.FieldKeyStatus: "WITH_DRIVER"}); err != nil {
		t.Fatalf("patch: %v", err)
	}

	newer := serverRecord("a-1", "tenant-1", "2024-01-15", "V-01", 400)
	transport := &fakePullTransport{
		errAfter: -1,
		pages: []wire.PullResponse{
			{Records: []assignment.Record{newer}, Checkpoint: "400", HasMore: false},
		},
	}

	puller := newTestPuller(t, f, transport)
	if err := puller.Run(ctx, scope); err != nil {
		t.Fatalf("run: %v", err)
	}

	stored, err := f.store.Get(ctx, "a-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.KeyStatus != "WITH_DRIVER" {
		t.Fatalf("pending edit clobbered by pull: %q", stored.KeyStatus)
	}

	// The checkpoint still advances; the record just is not overwritten.
	position, err := f.checkpoints.Position(ctx, scope.Key())
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	if position != 400 {
		t.Fatalf("checkpoint held back: %d", position)
	}
}

func TestPullerAbortKeepsLastAdvancedCheckpoint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	scope := mustScope(t, "tenant-1", "2024-01-15")

	transport := &fakePullTransport{
		errAfter: 1,
		pages: []wire.PullResponse{
			{
				Records:    []assignment.Record{serverRecord("a-1", "tenant-1", "2024-01-15", "V-01", 100)},
				Checkpoint: "100",
				HasMore:    true,
			},
		},
	}

	puller := newTestPuller(t, f, transport)
	if err := puller.Run(ctx, scope); err == nil {
		t.Fatalf("expected transport failure to surface")
	}

	position, err := f.checkpoints.Position(ctx, scope.Key())
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	if position != 100 {
		t.Fatalf("checkpoint must hold the last completed page, got %d", position)
	}

	// The page that did land stays applied.
	if _, err := f.store.Get(ctx, "a-1"); err != nil {
		t.Fatalf("first page record lost: %v", err)
	}
}

func TestPullerStopsWhenCheckpointCannotAdvance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	scope := mustScope(t, "tenant-1", "2024-01-15")

	transport := &fakePullTransport{
		errAfter: -1,
		pages: []wire.PullResponse{
			{
				Records:    []assignment.Record{serverRecord("a-1", "tenant-1", "2024-01-15", "V-01", 100)},
				Checkpoint: "",
				HasMore:    true,
			},
		},
	}

	puller := newTestPuller(t, f, transport)
	if err := puller.Run(ctx, scope); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(transport.requests) != 1 {
		t.Fatalf("puller must not loop on a stalled checkpoint, made %d requests", len(transport.requests))
	}
}

func TestPullerRejectsMalformedCheckpointToken(t *testing.T) {
	f := newFixture(t)
	scope := mustScope(t, "tenant-1", "2024-01-15")

	transport := &fakePullTransport{
		errAfter: -1,
		pages: []wire.PullResponse{
			{Records: []assignment.Record{}, Checkpoint: "not-a-checkpoint", HasMore: false},
		},
	}

	puller := newTestPuller(t, f, transport)
	if err := puller.Run(context.Background(), scope); err == nil {
		t.Fatalf("expected malformed checkpoint to abort the cycle")
	}
}
