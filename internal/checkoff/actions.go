// Package checkoff translates front-line operator gestures into whitelisted
// field patches, applied optimistically and queued for delivery.
package checkoff

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/LotlineLogistics/dispatch/internal/assignment"
	"github.com/LotlineLogistics/dispatch/internal/outbox"
	"go.uber.org/zap"
)

// Key custody states a checkoff can set.
const (
	KeyStatusOnBoard    = "ON_BOARD"
	KeyStatusWithDriver = "WITH_DRIVER"
)

var (
	errMissingStore = errors.New("assignment store dependency is required")
	errMissingQueue = errors.New("outbox queue dependency is required")
)

const (
	opActionsNew = "checkoff.actions.new"
	opCheckoff   = "checkoff.apply"
)

// ActionError carries a dotted operation code alongside the underlying cause.
type ActionError struct {
	code string
	err  error
}

func (e *ActionError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ActionError) Unwrap() error {
	return e.err
}

func newActionError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ActionError{code: code, err: cause}
}

// EditNotifier is the slice of the orchestrator the builders nudge after a
// successful local edit.
type EditNotifier interface {
	NotifyLocalEdit()
}

// ActionsConfig wires the mutation builders' collaborators.
type ActionsConfig struct {
	Store    *assignment.Store
	Queue    *outbox.Queue
	Notifier EditNotifier
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Actions builds and applies checkoff mutations. Validation failures return
// synchronously; delivery outcomes surface through the sync state, never
// here.
type Actions struct {
	store    *assignment.Store
	queue    *outbox.Queue
	notifier EditNotifier
	clock    func() time.Time
	logger   *zap.Logger
}

// NewActions constructs Actions.
func NewActions(cfg ActionsConfig) (*Actions, error) {
	if cfg.Store == nil {
		return nil, newActionError(opActionsNew, "missing_store", errMissingStore)
	}
	if cfg.Queue == nil {
		return nil, newActionError(opActionsNew, "missing_queue", errMissingQueue)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Actions{
		store:    cfg.Store,
		queue:    cfg.Queue,
		notifier: cfg.Notifier,
		clock:    clock,
		logger:   logger,
	}, nil
}

// HandKeysToDriver records key custody passing to the named driver.
func (a *Actions) HandKeysToDriver(ctx context.Context, recordID, driverName string) (assignment.Record, error) {
	return a.apply(ctx, recordID, assignment.Patch{
		assignment.FieldKeyStatus: KeyStatusWithDriver,
		assignment.FieldKeyHolder: driverName,
	})
}

// ReturnKeysToBoard records keys going back on the board.
func (a *Actions) ReturnKeysToBoard(ctx context.Context, recordID string) (assignment.Record, error) {
	return a.apply(ctx, recordID, assignment.Patch{
		assignment.FieldKeyStatus: KeyStatusOnBoard,
		assignment.FieldKeyHolder: "",
	})
}

// MarkCardGiven toggles the fuel-card handoff state.
func (a *Actions) MarkCardGiven(ctx context.Context, recordID string, given bool) (assignment.Record, error) {
	return a.apply(ctx, recordID, assignment.Patch{
		assignment.FieldCardGiven: given,
	})
}

// MarkVerified stamps the verification checkoff with the acting operator.
func (a *Actions) MarkVerified(ctx context.Context, recordID, operator string) (assignment.Record, error) {
	return a.apply(ctx, recordID, assignment.Patch{
		assignment.FieldVerified:         true,
		assignment.FieldVerifiedAtMillis: a.clock().UTC().UnixMilli(),
		assignment.FieldVerifiedBy:       operator,
	})
}

// MarkRolledOut stamps the rollout checkoff with the acting operator.
func (a *Actions) MarkRolledOut(ctx context.Context, recordID, operator string) (assignment.Record, error) {
	return a.apply(ctx, recordID, assignment.Patch{
		assignment.FieldRolledOut:         true,
		assignment.FieldRolledOutAtMillis: a.clock().UTC().UnixMilli(),
		assignment.FieldRolledOutBy:       operator,
	})
}

// OverrideCartLocation records a cart staged somewhere other than its listed
// location.
func (a *Actions) OverrideCartLocation(ctx context.Context, recordID, location string) (assignment.Record, error) {
	return a.apply(ctx, recordID, assignment.Patch{
		assignment.FieldCartOverride: location,
	})
}

// SetNotes replaces the free-text notes on the assignment.
func (a *Actions) SetNotes(ctx context.Context, recordID, notes string) (assignment.Record, error) {
	return a.apply(ctx, recordID, assignment.Patch{
		assignment.FieldNotes: notes,
	})
}

// apply validates the patch, durably queues the intent, then applies the
// optimistic edit. Enqueue-before-patch keeps the crash window on the side
// the startup repair can fix (a queued entry with no local edit re-applies
// harmlessly; a local edit with no entry would strand the pending flag).
func (a *Actions) apply(ctx context.Context, recordID string, patch assignment.Patch) (assignment.Record, error) {
	if err := assignment.ValidatePatch(patch); err != nil {
		return assignment.Record{}, err
	}
	if _, err := a.store.Get(ctx, recordID); err != nil {
		return assignment.Record{}, err
	}

	entryID, err := a.queue.Enqueue(ctx, recordID, patch)
	if err != nil {
		return assignment.Record{}, err
	}

	record, err := a.store.ApplyOptimisticPatch(ctx, recordID, patch)
	if err != nil {
		// Roll the orphaned intent back so the queue/record invariant holds.
		if resolveErr := a.queue.Resolve(ctx, entryID); resolveErr != nil {
			a.logger.Error("failed to roll back orphaned outbox entry",
				zap.String("entry_id", entryID), zap.Error(resolveErr))
		}
		return assignment.Record{}, err
	}

	a.logger.Debug("checkoff applied",
		zap.String("record_id", recordID),
		zap.String("entry_id", entryID))

	if a.notifier != nil {
		a.notifier.NotifyLocalEdit()
	}
	return record, nil
}
