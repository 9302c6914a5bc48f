package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrBadCheckpoint indicates a checkpoint token that is not one of ours.
var ErrBadCheckpoint = errors.New("engine: malformed checkpoint token")

// Checkpoint persists the high-water mark of the last successfully pulled
// record for a scope. Position only ever moves forward.
type Checkpoint struct {
	Scope          string `gorm:"column:scope;primaryKey;size:384;not null"`
	PositionMillis int64  `gorm:"column:position_ms;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (Checkpoint) TableName() string {
	return "sync_checkpoints"
}

// EncodeCheckpoint renders a position as the opaque wire token.
func EncodeCheckpoint(positionMillis int64) string {
	if positionMillis <= 0 {
		return ""
	}
	return strconv.FormatInt(positionMillis, 10)
}

// ParseCheckpoint decodes a wire token; the empty token is position zero.
func ParseCheckpoint(token string) (int64, error) {
	if token == "" {
		return 0, nil
	}
	position, err := strconv.ParseInt(token, 10, 64)
	if err != nil || position < 0 {
		return 0, fmt.Errorf("%w: %q", ErrBadCheckpoint, token)
	}
	return position, nil
}

// CheckpointStore reads and monotonically advances per-scope checkpoints.
type CheckpointStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewCheckpointStore constructs a CheckpointStore.
func NewCheckpointStore(db *gorm.DB, logger *zap.Logger) (*CheckpointStore, error) {
	if db == nil {
		return nil, errMissingDatabase
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CheckpointStore{db: db, logger: logger}, nil
}

// Position returns the stored position for a scope key, zero when the scope
// has never been pulled.
func (s *CheckpointStore) Position(ctx context.Context, scopeKey string) (int64, error) {
	var checkpoint Checkpoint
	err := s.db.WithContext(ctx).Where("scope = ?", scopeKey).Take(&checkpoint).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return checkpoint.PositionMillis, nil
}

// Advance moves the scope's checkpoint forward. A position at or behind the
// stored value is a no-op, so a stale or empty page can never regress it.
func (s *CheckpointStore) Advance(ctx context.Context, scopeKey string, positionMillis int64) error {
	if positionMillis <= 0 {
		return nil
	}
	var checkpoint Checkpoint
	err := s.db.WithContext(ctx).Where("scope = ?", scopeKey).Take(&checkpoint).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		checkpoint = Checkpoint{Scope: scopeKey, PositionMillis: positionMillis}
	case err != nil:
		return err
	default:
		if positionMillis <= checkpoint.PositionMillis {
			return nil
		}
		checkpoint.PositionMillis = positionMillis
	}
	if err := s.db.WithContext(ctx).Save(&checkpoint).Error; err != nil {
		return err
	}
	s.logger.Debug("checkpoint advanced",
		zap.String("scope", scopeKey), zap.Int64("position_ms", positionMillis))
	return nil
}
