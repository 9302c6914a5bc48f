package engine

import (
	"context"
	"errors"
	"time"

	"github.com/LotlineLogistics/dispatch/internal/assignment"
	"github.com/LotlineLogistics/dispatch/internal/outbox"
	"go.uber.org/zap"
)

var (
	errMissingPuller = errors.New("puller dependency is required")
	errMissingPusher = errors.New("pusher dependency is required")
	errMissingProbe  = errors.New("connectivity probe dependency is required")
)

const (
	defaultSyncInterval   = 30 * time.Second
	defaultDebounceQuiet  = 2 * time.Second
	defaultBackoffInitial = 5 * time.Second
	defaultBackoffMax     = 5 * time.Minute
)

const opOrchestratorNew = "engine.orchestrator.new"

// Pinger is the connectivity probe slice of the authority client.
type Pinger interface {
	Ping(ctx context.Context) error
}

// OrchestratorConfig wires the sync orchestrator's collaborators and policy
// knobs. Zero durations fall back to defaults.
type OrchestratorConfig struct {
	Scope          assignment.Scope
	Puller         *Puller
	Pusher         *Pusher
	Queue          *outbox.Queue
	Probe          Pinger
	Interval       time.Duration
	DebounceQuiet  time.Duration
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	Clock          func() time.Time
	Logger         *zap.Logger
}

// Orchestrator owns scheduling: the periodic full cycle, the debounced
// post-edit push, connectivity transitions, and cycle backoff. All cycles run
// on one goroutine, so a new cycle is simply never scheduled while one is
// outstanding; there is no mid-flight cancellation.
type Orchestrator struct {
	scope          assignment.Scope
	puller         *Puller
	pusher         *Pusher
	queue          *outbox.Queue
	probe          Pinger
	interval       time.Duration
	debounceQuiet  time.Duration
	backoffInitial time.Duration
	backoffMax     time.Duration
	clock          func() time.Time
	logger         *zap.Logger

	tracker     *StateTracker
	editSignal  chan struct{}
	failures    int
	nextAttempt time.Time
}

// NewOrchestrator constructs an Orchestrator.
func NewOrchestrator(cfg OrchestratorConfig) (*Orchestrator, error) {
	if cfg.Puller == nil {
		return nil, newEngineError(opOrchestratorNew, "missing_puller", errMissingPuller)
	}
	if cfg.Pusher == nil {
		return nil, newEngineError(opOrchestratorNew, "missing_pusher", errMissingPusher)
	}
	if cfg.Queue == nil {
		return nil, newEngineError(opOrchestratorNew, "missing_queue", errMissingQueue)
	}
	if cfg.Probe == nil {
		return nil, newEngineError(opOrchestratorNew, "missing_probe", errMissingProbe)
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultSyncInterval
	}
	quiet := cfg.DebounceQuiet
	if quiet <= 0 {
		quiet = defaultDebounceQuiet
	}
	backoffInitial := cfg.BackoffInitial
	if backoffInitial <= 0 {
		backoffInitial = defaultBackoffInitial
	}
	backoffMax := cfg.BackoffMax
	if backoffMax <= 0 {
		backoffMax = defaultBackoffMax
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Orchestrator{
		scope:          cfg.Scope,
		puller:         cfg.Puller,
		pusher:         cfg.Pusher,
		queue:          cfg.Queue,
		probe:          cfg.Probe,
		interval:       interval,
		debounceQuiet:  quiet,
		backoffInitial: backoffInitial,
		backoffMax:     backoffMax,
		clock:          clock,
		logger:         logger,
		tracker:        NewStateTracker(),
		editSignal:     make(chan struct{}, 1),
	}, nil
}

// State returns the current operator-visible sync state.
func (o *Orchestrator) State() SyncState {
	return o.tracker.Current()
}

// WatchState subscribes to sync state updates.
func (o *Orchestrator) WatchState(ctx context.Context) (<-chan SyncState, func()) {
	return o.tracker.Watch(ctx)
}

// NotifyLocalEdit restarts the debounce window so a burst of UI taps
// coalesces into a single push. Fire-and-forget from the caller's view.
func (o *Orchestrator) NotifyLocalEdit() {
	select {
	case o.editSignal <- struct{}{}:
	default:
	}
}

// Run drives the orchestrator until ctx is done. An immediate full cycle
// establishes initial state; afterwards the periodic tick runs Pull then
// Push and the debounced trigger runs Push only.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.refreshPendingCount(ctx)
	o.runCycle(ctx, true)

	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	debounce := time.NewTimer(o.debounceQuiet)
	if !debounce.Stop() {
		<-debounce.C
	}
	defer debounce.Stop()
	debounceArmed := false

	for {
		select {
		case <-ctx.Done():
			o.logger.Info("sync orchestrator stopped", zap.String("scope", o.scope.Key()))
			return nil

		case <-ticker.C:
			o.runCycle(ctx, true)

		case <-o.editSignal:
			o.refreshPendingCount(ctx)
			if debounceArmed && !debounce.Stop() {
				<-debounce.C
			}
			debounce.Reset(o.debounceQuiet)
			debounceArmed = true

		case <-debounce.C:
			debounceArmed = false
			o.runCycle(ctx, false)
		}
	}
}

// runCycle executes one sync cycle. full cycles run Pull then Push; debounced
// cycles push only. Backoff gates periodic retries after consecutive
// failures; a post-edit push is allowed through regardless so fresh intent is
// never held hostage to an old error.
func (o *Orchestrator) runCycle(ctx context.Context, full bool) {
	if full && o.clock().Before(o.nextAttempt) {
		return
	}

	if err := o.probe.Ping(ctx); err != nil {
		o.tracker.update(func(state *SyncState) {
			state.Status = StatusOffline
		})
		o.logger.Debug("authority unreachable", zap.Error(err))
		return
	}

	wasOffline := o.tracker.Current().Status == StatusOffline
	if wasOffline {
		o.logger.Info("connectivity restored", zap.String("scope", o.scope.Key()))
		// Reconnect always earns a full cycle.
		full = true
	}

	o.tracker.update(func(state *SyncState) {
		state.Status = StatusSyncing
	})

	var cycleErr error
	if full {
		cycleErr = o.puller.Run(ctx, o.scope)
	}
	if cycleErr == nil {
		cycleErr = o.pusher.Run(ctx)
	}

	o.refreshPendingCount(ctx)

	if cycleErr != nil {
		o.failures++
		o.nextAttempt = o.clock().Add(o.backoff())
		o.tracker.update(func(state *SyncState) {
			state.Status = StatusError
			state.LastError = cycleErr.Error()
		})
		o.logger.Warn("sync cycle failed",
			zap.String("scope", o.scope.Key()),
			zap.Int("consecutive_failures", o.failures),
			zap.Error(cycleErr))
		return
	}

	o.failures = 0
	o.nextAttempt = time.Time{}
	completedAt := o.clock()
	o.tracker.update(func(state *SyncState) {
		state.Status = StatusOnline
		state.LastSyncAt = completedAt
		state.LastError = ""
	})
}

func (o *Orchestrator) backoff() time.Duration {
	delay := o.backoffInitial
	for i := 1; i < o.failures; i++ {
		delay *= 2
		if delay >= o.backoffMax {
			return o.backoffMax
		}
	}
	if delay > o.backoffMax {
		delay = o.backoffMax
	}
	return delay
}

func (o *Orchestrator) refreshPendingCount(ctx context.Context) {
	count, err := o.queue.PendingCount(ctx)
	if err != nil {
		o.logger.Warn("pending count refresh failed", zap.Error(err))
		return
	}
	o.tracker.update(func(state *SyncState) {
		state.PendingCount = count
	})
}
