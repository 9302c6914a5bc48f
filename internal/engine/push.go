package engine

import (
	"context"

	"github.com/LotlineLogistics/dispatch/internal/assignment"
	"github.com/LotlineLogistics/dispatch/internal/outbox"
	"github.com/LotlineLogistics/dispatch/internal/wire"
	"go.uber.org/zap"
)

const (
	opPusherNew = "engine.pusher.new"
	opPushRun   = "engine.push"
)

// PushTransport is the slice of the authority client the pusher needs.
type PushTransport interface {
	Push(ctx context.Context, request wire.PushRequest) (wire.PushResponse, error)
}

// PusherConfig wires the push protocol's collaborators.
type PusherConfig struct {
	Transport  PushTransport
	Store      *assignment.Store
	Queue      *outbox.Queue
	BatchLimit int
	Logger     *zap.Logger
}

// Pusher delivers queued mutations in creation order and resolves each entry
// against the server's per-item adjudication.
type Pusher struct {
	transport  PushTransport
	store      *assignment.Store
	queue      *outbox.Queue
	batchLimit int
	logger     *zap.Logger
}

// NewPusher constructs a Pusher.
func NewPusher(cfg PusherConfig) (*Pusher, error) {
	if cfg.Transport == nil {
		return nil, newEngineError(opPusherNew, "missing_transport", errMissingTransport)
	}
	if cfg.Store == nil {
		return nil, newEngineError(opPusherNew, "missing_store", errMissingStore)
	}
	if cfg.Queue == nil {
		return nil, newEngineError(opPusherNew, "missing_queue", errMissingQueue)
	}
	batchLimit := cfg.BatchLimit
	if batchLimit <= 0 || batchLimit > wire.MaxPushBatch {
		batchLimit = wire.MaxPushBatch
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Pusher{
		transport:  cfg.Transport,
		store:      cfg.Store,
		queue:      cfg.Queue,
		batchLimit: batchLimit,
		logger:     logger,
	}, nil
}

// Run claims one batch and pushes it. A transport failure before the server
// adjudicates reverts the entire batch to pending with bumped retry counts.
// No-op when the queue has nothing pending.
func (p *Pusher) Run(ctx context.Context) error {
	batch, err := p.queue.ClaimBatch(ctx, p.batchLimit)
	if err != nil {
		return newEngineError(opPushRun, "claim_failed", err)
	}
	if len(batch) == 0 {
		return nil
	}

	mutations := make([]wire.Mutation, 0, len(batch))
	deliverable := make([]outbox.Entry, 0, len(batch))
	for _, entry := range batch {
		patch, err := entry.Patch()
		if err != nil {
			// The patch was validated at enqueue time; an unreadable payload
			// means local corruption, which only an operator can resolve.
			p.logger.Error("outbox entry carries unreadable patch",
				zap.String("entry_id", entry.ID), zap.Error(err))
			if failErr := p.queue.Fail(ctx, entry.ID, "unreadable patch payload"); failErr != nil {
				return newEngineError(opPushRun, "fail_transition_failed", failErr)
			}
			if err := p.reconcilePendingFlag(ctx, entry.TargetRecordID); err != nil {
				return err
			}
			continue
		}
		mutations = append(mutations, wire.Mutation{
			ID:              entry.ID,
			TargetRecordID:  entry.TargetRecordID,
			Patch:           patch,
			CreatedAtMillis: entry.CreatedAtMillis,
		})
		deliverable = append(deliverable, entry)
	}
	if len(mutations) == 0 {
		return nil
	}

	response, err := p.transport.Push(ctx, wire.PushRequest{Mutations: mutations})
	if err != nil {
		p.logger.Warn("push batch failed, requeueing",
			zap.Int("batch_size", len(mutations)), zap.Error(err))
		for _, entry := range deliverable {
			if requeueErr := p.queue.Requeue(ctx, entry.ID, err.Error()); requeueErr != nil {
				return newEngineError(opPushRun, "requeue_failed", requeueErr)
			}
			// A retry-ceiling breach flips the entry to failed, which drops
			// its claim on the record's pending flag.
			if reconcileErr := p.reconcilePendingFlag(ctx, entry.TargetRecordID); reconcileErr != nil {
				return reconcileErr
			}
		}
		return newEngineError(opPushRun, "batch_submit_failed", err)
	}

	entriesByID := make(map[string]outbox.Entry, len(deliverable))
	for _, entry := range deliverable {
		entriesByID[entry.ID] = entry
	}

	for _, result := range response.Results {
		entry, known := entriesByID[result.MutationID]
		if !known {
			p.logger.Warn("server adjudicated unknown mutation",
				zap.String("mutation_id", result.MutationID))
			continue
		}
		delete(entriesByID, result.MutationID)

		switch result.Status {
		case wire.MutationAccepted:
			if err := p.queue.Resolve(ctx, entry.ID); err != nil {
				return newEngineError(opPushRun, "resolve_failed", err)
			}
			if err := p.reconcilePendingFlag(ctx, entry.TargetRecordID); err != nil {
				return err
			}

		case wire.MutationConflict:
			// The client was wrong about ordering, not about connectivity.
			// Drop the stale intent and let the authoritative document flow
			// back through the same upsert path the pull protocol uses.
			if err := p.queue.Resolve(ctx, entry.ID); err != nil {
				return newEngineError(opPushRun, "resolve_failed", err)
			}
			if err := p.reconcilePendingFlag(ctx, entry.TargetRecordID); err != nil {
				return err
			}
			if result.ServerDoc != nil {
				if err := p.store.UpsertFromServer(ctx, *result.ServerDoc); err != nil {
					return newEngineError(opPushRun, "conflict_upsert_failed", err)
				}
			}
			p.logger.Info("mutation superseded by server state",
				zap.String("entry_id", entry.ID),
				zap.String("record_id", entry.TargetRecordID))

		case wire.MutationRejected:
			if err := p.queue.Fail(ctx, entry.ID, result.Error); err != nil {
				return newEngineError(opPushRun, "fail_transition_failed", err)
			}
			if err := p.reconcilePendingFlag(ctx, entry.TargetRecordID); err != nil {
				return err
			}
			p.logger.Warn("mutation rejected by server",
				zap.String("entry_id", entry.ID),
				zap.String("record_id", entry.TargetRecordID),
				zap.String("cause", result.Error))

		default:
			p.logger.Warn("server returned unknown mutation status",
				zap.String("entry_id", entry.ID),
				zap.String("status", string(result.Status)))
		}
	}

	// Entries the server never adjudicated go back to pending for the next
	// cycle.
	for entryID, entry := range entriesByID {
		if err := p.queue.Requeue(ctx, entryID, "no adjudication in server response"); err != nil {
			return newEngineError(opPushRun, "requeue_failed", err)
		}
		if err := p.reconcilePendingFlag(ctx, entry.TargetRecordID); err != nil {
			return err
		}
	}

	p.logger.Info("push batch complete", zap.Int("batch_size", len(mutations)))
	return nil
}

// reconcilePendingFlag re-derives a record's pending flag from the queue so
// the flag is true iff at least one unresolved entry still references it.
func (p *Pusher) reconcilePendingFlag(ctx context.Context, recordID string) error {
	hasPending, err := p.queue.HasPendingFor(ctx, recordID)
	if err != nil {
		return newEngineError(opPushRun, "pending_check_failed", err)
	}
	if hasPending {
		return nil
	}
	if err := p.store.MarkPendingCleared(ctx, recordID); err != nil {
		return newEngineError(opPushRun, "pending_clear_failed", err)
	}
	return nil
}
