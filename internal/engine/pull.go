package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/LotlineLogistics/dispatch/internal/assignment"
	"github.com/LotlineLogistics/dispatch/internal/wire"
	"go.uber.org/zap"
)

var (
	errMissingDatabase    = errors.New("database handle is required")
	errMissingTransport   = errors.New("transport dependency is required")
	errMissingStore       = errors.New("assignment store dependency is required")
	errMissingQueue       = errors.New("outbox queue dependency is required")
	errMissingCheckpoints = errors.New("checkpoint store dependency is required")
	noOpLogger            = zap.NewNop()
)

const (
	opPullerNew = "engine.puller.new"
	opPullRun   = "engine.pull"
)

// EngineError carries a dotted operation code alongside the underlying cause.
type EngineError struct {
	code string
	err  error
}

func (e *EngineError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *EngineError) Unwrap() error {
	return e.err
}

// Code returns the dotted operation code.
func (e *EngineError) Code() string {
	return e.code
}

func newEngineError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &EngineError{code: code, err: cause}
}

// PullTransport is the slice of the authority client the puller needs.
type PullTransport interface {
	Pull(ctx context.Context, request wire.PullRequest) (wire.PullResponse, error)
}

// PullerConfig wires the pull protocol's collaborators.
type PullerConfig struct {
	Transport   PullTransport
	Store       *assignment.Store
	Checkpoints *CheckpointStore
	PageLimit   int
	Logger      *zap.Logger
}

// Puller runs checkpoint-driven incremental replication of server state into
// the local document store.
type Puller struct {
	transport   PullTransport
	store       *assignment.Store
	checkpoints *CheckpointStore
	pageLimit   int
	logger      *zap.Logger
}

// NewPuller constructs a Puller.
func NewPuller(cfg PullerConfig) (*Puller, error) {
	if cfg.Transport == nil {
		return nil, newEngineError(opPullerNew, "missing_transport", errMissingTransport)
	}
	if cfg.Store == nil {
		return nil, newEngineError(opPullerNew, "missing_store", errMissingStore)
	}
	if cfg.Checkpoints == nil {
		return nil, newEngineError(opPullerNew, "missing_checkpoints", errMissingCheckpoints)
	}
	pageLimit := cfg.PageLimit
	if pageLimit <= 0 {
		pageLimit = wire.DefaultPullLimit
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Puller{
		transport:   cfg.Transport,
		store:       cfg.Store,
		checkpoints: cfg.Checkpoints,
		pageLimit:   pageLimit,
		logger:      logger,
	}, nil
}

// Run pulls every page changed since the scope's checkpoint and upserts the
// records locally. A transport or parse failure aborts the cycle and leaves
// the checkpoint at its last successfully advanced value; queued mutations
// are never touched.
func (p *Puller) Run(ctx context.Context, scope assignment.Scope) error {
	started := time.Now()
	position, err := p.checkpoints.Position(ctx, scope.Key())
	if err != nil {
		p.logger.Error("checkpoint read failed", zap.String("scope", scope.Key()), zap.Error(err))
		return newEngineError(opPullRun, "checkpoint_read_failed", err)
	}

	pages := 0
	pulled := 0
	for {
		response, err := p.transport.Pull(ctx, wire.PullRequest{
			DayKey:     scope.Day.String(),
			Checkpoint: EncodeCheckpoint(position),
			Limit:      p.pageLimit,
		})
		if err != nil {
			p.logger.Warn("pull page failed",
				zap.String("scope", scope.Key()), zap.Int("pages", pages), zap.Error(err))
			return newEngineError(opPullRun, "page_fetch_failed", err)
		}

		for _, record := range response.Records {
			if err := p.store.UpsertFromServer(ctx, record); err != nil {
				return newEngineError(opPullRun, "upsert_failed", err)
			}
		}

		next, err := ParseCheckpoint(response.Checkpoint)
		if err != nil {
			return newEngineError(opPullRun, "bad_checkpoint", err)
		}
		if next > position {
			if err := p.checkpoints.Advance(ctx, scope.Key(), next); err != nil {
				return newEngineError(opPullRun, "checkpoint_advance_failed", err)
			}
		}

		pages++
		pulled += len(response.Records)
		if !response.HasMore {
			break
		}
		if next <= position {
			// A server claiming more pages without advancing the checkpoint
			// would loop forever; stop and let the next cycle resume.
			p.logger.Warn("pull terminated, checkpoint did not advance",
				zap.String("scope", scope.Key()), zap.Int64("position_ms", position))
			break
		}
		position = next
	}

	p.logger.Info("pull cycle complete",
		zap.String("scope", scope.Key()),
		zap.Int("pages", pages),
		zap.Int("records", pulled),
		zap.Duration("elapsed", time.Since(started)))
	return nil
}
