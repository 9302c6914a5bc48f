package assignment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

const (
	opStoreNew          = "assignment.store.new"
	opUpsertFromServer  = "assignment.upsert_from_server"
	opApplyPatch        = "assignment.apply_optimistic_patch"
	opMarkPendingClear  = "assignment.mark_pending_cleared"
	opFindAssignments   = "assignment.find"
	opGetAssignment     = "assignment.get"
)

// StoreError carries a dotted operation code alongside the underlying cause.
type StoreError struct {
	code string
	err  error
}

func (e *StoreError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *StoreError) Unwrap() error {
	return e.err
}

// Code returns the dotted operation code.
func (e *StoreError) Code() string {
	return e.code
}

func newStoreError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &StoreError{code: code, err: cause}
}

// StoreConfig wires the local document store's collaborators.
type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store is the persistent, queryable local cache of assignment records.
// Writes are serialized so a reactive snapshot never observes a partial
// patch; reads are unrestricted.
type Store struct {
	db      *gorm.DB
	clock   func() time.Time
	logger  *zap.Logger
	watches *watchHub
	writeMu sync.Mutex
}

// NewStore constructs a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newStoreError(opStoreNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{
		db:      cfg.Database,
		clock:   clock,
		logger:  logger,
		watches: newWatchHub(),
	}, nil
}

// UpsertFromServer replaces the local record with the server document. When
// the local record carries an unacknowledged optimistic edit the incoming
// document is discarded wholesale: the in-flight edit wins until the push
// cycle resolves it.
func (s *Store) UpsertFromServer(ctx context.Context, doc Record) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var existing Record
	err := s.db.WithContext(ctx).Where("id = ?", doc.ID).Take(&existing).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		doc.PendingSync = false
		doc.LocalUpdatedAtMillis = 0
	case err != nil:
		s.logError(opUpsertFromServer, "record_select_failed", err, zap.String("record_id", doc.ID))
		return newStoreError(opUpsertFromServer, "record_select_failed", err)
	default:
		if existing.PendingSync {
			s.logger.Debug("server document discarded, local edit pending",
				zap.String("record_id", doc.ID))
			return nil
		}
		doc.PendingSync = false
		doc.LocalUpdatedAtMillis = existing.LocalUpdatedAtMillis
	}

	if err := s.db.WithContext(ctx).Save(&doc).Error; err != nil {
		s.logError(opUpsertFromServer, "record_save_failed", err, zap.String("record_id", doc.ID))
		return newStoreError(opUpsertFromServer, "record_save_failed", err)
	}

	s.notifyScope(ctx, doc.Scope())
	return nil
}

// ApplyOptimisticPatch merges whitelisted fields into the record, stamps the
// local edit clock, and raises the pending flag. Validation failures are
// synchronous and leave the record untouched.
func (s *Store) ApplyOptimisticPatch(ctx context.Context, recordID string, patch Patch) (Record, error) {
	if err := ValidatePatch(patch); err != nil {
		return Record{}, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var record Record
	err := s.db.WithContext(ctx).Where("id = ?", recordID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Record{}, fmt.Errorf("%w: %s", ErrUnknownRecord, recordID)
	}
	if err != nil {
		s.logError(opApplyPatch, "record_select_failed", err, zap.String("record_id", recordID))
		return Record{}, newStoreError(opApplyPatch, "record_select_failed", err)
	}

	if err := ApplyPatch(&record, patch); err != nil {
		return Record{}, err
	}
	record.LocalUpdatedAtMillis = s.clock().UTC().UnixMilli()
	record.PendingSync = true

	if err := s.db.WithContext(ctx).Save(&record).Error; err != nil {
		s.logError(opApplyPatch, "record_save_failed", err, zap.String("record_id", recordID))
		return Record{}, newStoreError(opApplyPatch, "record_save_failed", err)
	}

	s.notifyScope(ctx, record.Scope())
	return record, nil
}

// MarkPendingCleared drops the pending flag once no queue entry references
// the record any longer.
func (s *Store) MarkPendingCleared(ctx context.Context, recordID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var record Record
	err := s.db.WithContext(ctx).Where("id = ?", recordID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %s", ErrUnknownRecord, recordID)
	}
	if err != nil {
		s.logError(opMarkPendingClear, "record_select_failed", err, zap.String("record_id", recordID))
		return newStoreError(opMarkPendingClear, "record_select_failed", err)
	}
	if !record.PendingSync {
		return nil
	}

	record.PendingSync = false
	if err := s.db.WithContext(ctx).Save(&record).Error; err != nil {
		s.logError(opMarkPendingClear, "record_save_failed", err, zap.String("record_id", recordID))
		return newStoreError(opMarkPendingClear, "record_save_failed", err)
	}

	s.notifyScope(ctx, record.Scope())
	return nil
}

// Get returns a single record by identifier, tombstones included.
func (s *Store) Get(ctx context.Context, recordID string) (Record, error) {
	var record Record
	err := s.db.WithContext(ctx).Where("id = ?", recordID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Record{}, fmt.Errorf("%w: %s", ErrUnknownRecord, recordID)
	}
	if err != nil {
		s.logError(opGetAssignment, "query_failed", err, zap.String("record_id", recordID))
		return Record{}, newStoreError(opGetAssignment, "query_failed", err)
	}
	return record, nil
}

// Find returns the live (non-tombstoned) records for a scope in stable van
// order.
func (s *Store) Find(ctx context.Context, scope Scope) ([]Record, error) {
	var records []Record
	if err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND day_key = ? AND deleted = ?", scope.Tenant.String(), scope.Day.String(), false).
		Order("van_label ASC, id ASC").
		Find(&records).Error; err != nil {
		s.logError(opFindAssignments, "query_failed", err, zap.String("scope", scope.Key()))
		return nil, newStoreError(opFindAssignments, "query_failed", err)
	}
	return records, nil
}

// Watch subscribes to a scope's snapshot. The current snapshot is re-emitted
// after every store write touching the scope until ctx is done or the cleanup
// function runs.
func (s *Store) Watch(ctx context.Context, scope Scope) (<-chan []Record, func()) {
	return s.watches.subscribe(ctx, scope.Key())
}

func (s *Store) notifyScope(ctx context.Context, scope Scope) {
	if !s.watches.hasSubscribers(scope.Key()) {
		return
	}
	snapshot, err := s.Find(ctx, scope)
	if err != nil {
		s.logger.Warn("watch snapshot refresh failed",
			zap.String("scope", scope.Key()), zap.Error(err))
		return
	}
	s.watches.publish(scope.Key(), snapshot)
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("assignment store error", attrs...)
}
