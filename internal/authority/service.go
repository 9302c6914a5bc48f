// Package authority is the reference implementation of the server side of
// the replication protocol: checkpoint-paged pulls and last-write-wins
// adjudication of pushed mutations, with mandatory idempotency-key
// deduplication.
package authority

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/LotlineLogistics/dispatch/internal/assignment"
	"github.com/LotlineLogistics/dispatch/internal/wire"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

const (
	opServiceNew     = "authority.service.new"
	opListChanged    = "authority.list_changed"
	opApplyMutations = "authority.apply_mutations"
	opPutAssignment  = "authority.put_assignment"
)

const (
	rejectUnknownRecord = "unknown_record"
	rejectForeignTenant = "unknown_record"
	rejectInvalidField  = "invalid_field"
)

// ServiceError carries a dotted operation code alongside the underlying cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the dotted operation code.
func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// ServiceConfig wires the authority's collaborators.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service owns the authoritative assignment state for every tenant.
type Service struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger

	stampMu   sync.Mutex
	lastStamp int64
}

// NewService constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:     cfg.Database,
		clock:  clock,
		logger: logger,
	}, nil
}

// ChangedPage is one page of the changed-records feed for a scope.
type ChangedPage struct {
	Records    []assignment.Record
	Checkpoint int64
	HasMore    bool
}

// ListChanged returns up to limit records in the tenant+day scope whose
// server update time is strictly past the checkpoint, ordered by update time
// ascending with the record id as tiebreak. The returned checkpoint is the
// update time of the last record, or the request checkpoint when the page is
// empty.
func (s *Service) ListChanged(ctx context.Context, tenant assignment.TenantID, day assignment.DayKey, checkpointMillis int64, limit int) (ChangedPage, error) {
	if limit <= 0 {
		limit = wire.DefaultPullLimit
	}
	if limit > wire.MaxPullLimit {
		limit = wire.MaxPullLimit
	}

	var records []assignment.Record
	if err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND day_key = ? AND server_updated_at_ms > ?",
			tenant.String(), day.String(), checkpointMillis).
		Order("server_updated_at_ms ASC, id ASC").
		Limit(limit + 1).
		Find(&records).Error; err != nil {
		s.logError(opListChanged, "query_failed", err, zap.String("tenant", tenant.String()))
		return ChangedPage{}, newServiceError(opListChanged, "query_failed", err)
	}

	page := ChangedPage{Checkpoint: checkpointMillis}
	if len(records) > limit {
		page.HasMore = true
		records = records[:limit]
	}
	page.Records = records
	if len(records) > 0 {
		page.Checkpoint = records[len(records)-1].ServerUpdatedAtMillis
	}
	return page, nil
}

// ApplyMutations adjudicates a push batch in order. Per entry: a duplicate
// mutation id replays the recorded outcome; an invalid patch or a record
// outside the tenant's scope rejects; otherwise the last-write-wins rule
// decides: accept iff the client's creation time is strictly newer than the
// record's server update time.
func (s *Service) ApplyMutations(ctx context.Context, tenant assignment.TenantID, mutations []wire.Mutation) ([]wire.MutationResult, error) {
	if len(mutations) > wire.MaxPushBatch {
		return nil, newServiceError(opApplyMutations, "batch_too_large",
			fmt.Errorf("%d mutations exceeds cap of %d", len(mutations), wire.MaxPushBatch))
	}

	results := make([]wire.MutationResult, 0, len(mutations))
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, mutation := range mutations {
			result, err := s.applyOne(tx, tenant, mutation)
			if err != nil {
				return err
			}
			results = append(results, result)
		}
		return nil
	})
	if txErr != nil {
		return nil, txErr
	}
	return results, nil
}

func (s *Service) applyOne(tx *gorm.DB, tenant assignment.TenantID, mutation wire.Mutation) (wire.MutationResult, error) {
	var replay AppliedMutation
	err := tx.Where("mutation_id = ?", mutation.ID).Take(&replay).Error
	if err == nil {
		return s.replayOutcome(tx, tenant, replay)
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		s.logError(opApplyMutations, "dedup_select_failed", err, zap.String("mutation_id", mutation.ID))
		return wire.MutationResult{}, newServiceError(opApplyMutations, "dedup_select_failed", err)
	}

	if validateErr := assignment.ValidatePatch(assignment.Patch(mutation.Patch)); validateErr != nil {
		return s.recordOutcome(tx, mutation, wire.MutationResult{
			MutationID: mutation.ID,
			Status:     wire.MutationRejected,
			Error:      fmt.Sprintf("%s: %v", rejectInvalidField, validateErr),
		})
	}

	var record assignment.Record
	err = tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", mutation.TargetRecordID).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return s.recordOutcome(tx, mutation, wire.MutationResult{
			MutationID: mutation.ID,
			Status:     wire.MutationRejected,
			Error:      rejectUnknownRecord,
		})
	}
	if err != nil {
		s.logError(opApplyMutations, "record_select_failed", err, zap.String("record_id", mutation.TargetRecordID))
		return wire.MutationResult{}, newServiceError(opApplyMutations, "record_select_failed", err)
	}
	// A record in another tenant's scope is indistinguishable from a missing
	// one: tenancy is never leaked through rejection messages.
	if record.TenantID != tenant.String() {
		return s.recordOutcome(tx, mutation, wire.MutationResult{
			MutationID: mutation.ID,
			Status:     wire.MutationRejected,
			Error:      rejectForeignTenant,
		})
	}

	if mutation.CreatedAtMillis <= record.ServerUpdatedAtMillis {
		doc := record
		return s.recordOutcome(tx, mutation, wire.MutationResult{
			MutationID: mutation.ID,
			Status:     wire.MutationConflict,
			ServerDoc:  &doc,
		})
	}

	if err := assignment.ApplyPatch(&record, assignment.Patch(mutation.Patch)); err != nil {
		return s.recordOutcome(tx, mutation, wire.MutationResult{
			MutationID: mutation.ID,
			Status:     wire.MutationRejected,
			Error:      fmt.Sprintf("%s: %v", rejectInvalidField, err),
		})
	}
	record.ServerUpdatedAtMillis = s.nextStamp()
	if err := tx.Save(&record).Error; err != nil {
		s.logError(opApplyMutations, "record_save_failed", err, zap.String("record_id", record.ID))
		return wire.MutationResult{}, newServiceError(opApplyMutations, "record_save_failed", err)
	}

	return s.recordOutcome(tx, mutation, wire.MutationResult{
		MutationID: mutation.ID,
		Status:     wire.MutationAccepted,
	})
}

// replayOutcome reconstructs the response for a deduplicated mutation. A
// conflict replay re-attaches the record's current document so the client
// can still self-heal.
func (s *Service) replayOutcome(tx *gorm.DB, tenant assignment.TenantID, replay AppliedMutation) (wire.MutationResult, error) {
	result := wire.MutationResult{
		MutationID: replay.MutationID,
		Status:     replay.Status,
		Error:      replay.Error,
	}
	if replay.Status == wire.MutationConflict {
		var record assignment.Record
		err := tx.Where("id = ? AND tenant_id = ?", replay.RecordID, tenant.String()).Take(&record).Error
		if err == nil {
			result.ServerDoc = &record
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			s.logError(opApplyMutations, "replay_select_failed", err, zap.String("record_id", replay.RecordID))
			return wire.MutationResult{}, newServiceError(opApplyMutations, "replay_select_failed", err)
		}
	}
	s.logger.Debug("mutation replayed from dedup log",
		zap.String("mutation_id", replay.MutationID),
		zap.String("status", string(replay.Status)))
	return result, nil
}

func (s *Service) recordOutcome(tx *gorm.DB, mutation wire.Mutation, result wire.MutationResult) (wire.MutationResult, error) {
	applied := AppliedMutation{
		MutationID:      mutation.ID,
		RecordID:        mutation.TargetRecordID,
		Status:          result.Status,
		Error:           result.Error,
		AppliedAtMillis: s.clock().UTC().UnixMilli(),
	}
	if err := tx.Create(&applied).Error; err != nil {
		s.logError(opApplyMutations, "dedup_insert_failed", err, zap.String("mutation_id", mutation.ID))
		return wire.MutationResult{}, newServiceError(opApplyMutations, "dedup_insert_failed", err)
	}
	return result, nil
}

// PutAssignment stores or replaces an assignment, stamping its server update
// time. This is the staging seam the import pipeline writes through.
func (s *Service) PutAssignment(ctx context.Context, record assignment.Record) (assignment.Record, error) {
	if record.ID == "" || record.TenantID == "" || record.DayKey == "" {
		return assignment.Record{}, newServiceError(opPutAssignment, "incomplete_identity",
			fmt.Errorf("id, tenant_id, and day_key are required"))
	}
	record.PendingSync = false
	record.LocalUpdatedAtMillis = 0
	record.ServerUpdatedAtMillis = s.nextStamp()
	if err := s.db.WithContext(ctx).Save(&record).Error; err != nil {
		s.logError(opPutAssignment, "record_save_failed", err, zap.String("record_id", record.ID))
		return assignment.Record{}, newServiceError(opPutAssignment, "record_save_failed", err)
	}
	return record, nil
}

// nextStamp returns the server clock in millis, nudged forward so update
// times are strictly increasing and usable as checkpoint positions.
func (s *Service) nextStamp() int64 {
	s.stampMu.Lock()
	defer s.stampMu.Unlock()
	now := s.clock().UTC().UnixMilli()
	if now <= s.lastStamp {
		now = s.lastStamp + 1
	}
	s.lastStamp = now
	return now
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("authority service error", attrs...)
}
