package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/LotlineLogistics/dispatch/internal/assignment"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultRetryCeiling = 5

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	// ErrUnknownEntry indicates that no queue entry exists for the identifier.
	ErrUnknownEntry = errors.New("outbox: unknown entry")
	noOpLogger      = zap.NewNop()
)

const (
	opQueueNew      = "outbox.queue.new"
	opEnqueue       = "outbox.enqueue"
	opListPending   = "outbox.list_pending"
	opMarkInFlight  = "outbox.mark_in_flight"
	opResolve       = "outbox.resolve"
	opRequeue       = "outbox.requeue"
	opFail          = "outbox.fail"
	opRetryFailed   = "outbox.retry_failed"
	opPendingCount  = "outbox.pending_count"
	opPendingTarget = "outbox.has_pending_for"
)

// QueueError carries a dotted operation code alongside the underlying cause.
type QueueError struct {
	code string
	err  error
}

func (e *QueueError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *QueueError) Unwrap() error {
	return e.err
}

// Code returns the dotted operation code.
func (e *QueueError) Code() string {
	return e.code
}

func newQueueError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &QueueError{code: code, err: cause}
}

// IDProvider issues idempotency keys for new entries.
type IDProvider interface {
	NewID() (string, error)
}

// QueueConfig wires the mutation queue's collaborators.
type QueueConfig struct {
	Database     *gorm.DB
	Clock        func() time.Time
	IDProvider   IDProvider
	Logger       *zap.Logger
	RetryCeiling int
}

// Queue is the ordered, persisted log of not-yet-confirmed local edits.
// Enqueue and batch claiming share one mutex so a push in progress and a
// fresh edit never race into the same network call.
type Queue struct {
	db           *gorm.DB
	clock        func() time.Time
	idProvider   IDProvider
	logger       *zap.Logger
	retryCeiling int

	mu            sync.Mutex
	lastCreatedAt int64
}

// NewQueue constructs a Queue.
func NewQueue(cfg QueueConfig) (*Queue, error) {
	if cfg.Database == nil {
		return nil, newQueueError(opQueueNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newQueueError(opQueueNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	ceiling := cfg.RetryCeiling
	if ceiling <= 0 {
		ceiling = defaultRetryCeiling
	}
	return &Queue{
		db:           cfg.Database,
		clock:        clock,
		idProvider:   cfg.IDProvider,
		logger:       logger,
		retryCeiling: ceiling,
	}, nil
}

// Enqueue validates the patch against the mutable whitelist and appends a
// pending entry. Returns the entry's idempotency key.
func (q *Queue) Enqueue(ctx context.Context, targetRecordID string, patch assignment.Patch) (string, error) {
	if targetRecordID == "" {
		return "", fmt.Errorf("%w: empty target record id", assignment.ErrUnknownRecord)
	}
	if err := assignment.ValidatePatch(patch); err != nil {
		return "", err
	}
	payload, err := json.Marshal(patch)
	if err != nil {
		q.logError(opEnqueue, "patch_encode_failed", err, zap.String("record_id", targetRecordID))
		return "", newQueueError(opEnqueue, "patch_encode_failed", err)
	}
	entryID, err := q.idProvider.NewID()
	if err != nil {
		q.logError(opEnqueue, "id_generation_failed", err)
		return "", newQueueError(opEnqueue, "id_generation_failed", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	entry := Entry{
		ID:              entryID,
		TargetRecordID:  targetRecordID,
		PatchJSON:       string(payload),
		CreatedAtMillis: q.nextCreatedAtLocked(),
		Status:          StatusPending,
	}
	if err := q.db.WithContext(ctx).Create(&entry).Error; err != nil {
		q.logError(opEnqueue, "entry_insert_failed", err, zap.String("entry_id", entryID))
		return "", newQueueError(opEnqueue, "entry_insert_failed", err)
	}
	return entryID, nil
}

// nextCreatedAtLocked returns the client clock in millis, nudged forward so
// two edits landing in the same millisecond keep a total order.
func (q *Queue) nextCreatedAtLocked() int64 {
	now := q.clock().UTC().UnixMilli()
	if now <= q.lastCreatedAt {
		now = q.lastCreatedAt + 1
	}
	q.lastCreatedAt = now
	return now
}

// ListPending returns pending entries in creation order.
func (q *Queue) ListPending(ctx context.Context) ([]Entry, error) {
	return q.listPending(ctx, 0)
}

func (q *Queue) listPending(ctx context.Context, limit int) ([]Entry, error) {
	query := q.db.WithContext(ctx).
		Where("status = ?", StatusPending).
		Order("created_at_ms ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var entries []Entry
	if err := query.Find(&entries).Error; err != nil {
		q.logError(opListPending, "query_failed", err)
		return nil, newQueueError(opListPending, "query_failed", err)
	}
	return entries, nil
}

// MarkInFlight transitions the identified pending entries to inFlight. It is
// the only exit from pending.
func (q *Queue) MarkInFlight(ctx context.Context, entryIDs []string) error {
	if len(entryIDs) == 0 {
		return nil
	}
	if err := q.db.WithContext(ctx).Model(&Entry{}).
		Where("id IN ? AND status = ?", entryIDs, StatusPending).
		Update("status", StatusInFlight).Error; err != nil {
		q.logError(opMarkInFlight, "update_failed", err)
		return newQueueError(opMarkInFlight, "update_failed", err)
	}
	return nil
}

// ClaimBatch snapshots up to limit pending entries in creation order and
// marks the whole snapshot inFlight, atomically with respect to Enqueue.
func (q *Queue) ClaimBatch(ctx context.Context, limit int) ([]Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries, err := q.listPending(ctx, limit)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		ids = append(ids, entry.ID)
	}
	if err := q.MarkInFlight(ctx, ids); err != nil {
		return nil, err
	}
	for index := range entries {
		entries[index].Status = StatusInFlight
	}
	return entries, nil
}

// Resolve removes an entry whose intent the server has adjudicated.
func (q *Queue) Resolve(ctx context.Context, entryID string) error {
	result := q.db.WithContext(ctx).Where("id = ?", entryID).Delete(&Entry{})
	if result.Error != nil {
		q.logError(opResolve, "delete_failed", result.Error, zap.String("entry_id", entryID))
		return newQueueError(opResolve, "delete_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownEntry, entryID)
	}
	return nil
}

// Requeue reverts an inFlight entry to pending after a transport failure,
// bumping its retry count. Past the ceiling the entry moves to failed
// instead of retrying forever.
func (q *Queue) Requeue(ctx context.Context, entryID, cause string) error {
	var entry Entry
	err := q.db.WithContext(ctx).Where("id = ?", entryID).Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %s", ErrUnknownEntry, entryID)
	}
	if err != nil {
		q.logError(opRequeue, "entry_select_failed", err, zap.String("entry_id", entryID))
		return newQueueError(opRequeue, "entry_select_failed", err)
	}

	entry.RetryCount++
	entry.LastError = cause
	if entry.RetryCount > q.retryCeiling {
		entry.Status = StatusFailed
		q.logger.Warn("outbox entry exhausted retries",
			zap.String("entry_id", entryID),
			zap.String("record_id", entry.TargetRecordID),
			zap.Int("retry_count", entry.RetryCount))
	} else {
		entry.Status = StatusPending
	}

	if err := q.db.WithContext(ctx).Save(&entry).Error; err != nil {
		q.logError(opRequeue, "entry_save_failed", err, zap.String("entry_id", entryID))
		return newQueueError(opRequeue, "entry_save_failed", err)
	}
	return nil
}

// Fail marks an entry terminally failed with the server's error message.
func (q *Queue) Fail(ctx context.Context, entryID, cause string) error {
	result := q.db.WithContext(ctx).Model(&Entry{}).
		Where("id = ?", entryID).
		Updates(map[string]any{"status": StatusFailed, "last_error": cause})
	if result.Error != nil {
		q.logError(opFail, "update_failed", result.Error, zap.String("entry_id", entryID))
		return newQueueError(opFail, "update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownEntry, entryID)
	}
	return nil
}

// RetryFailed resets every failed entry to pending with a fresh retry
// budget. Returns the number of entries revived.
func (q *Queue) RetryFailed(ctx context.Context) (int64, error) {
	result := q.db.WithContext(ctx).Model(&Entry{}).
		Where("status = ?", StatusFailed).
		Updates(map[string]any{"status": StatusPending, "retry_count": 0, "last_error": ""})
	if result.Error != nil {
		q.logError(opRetryFailed, "update_failed", result.Error)
		return 0, newQueueError(opRetryFailed, "update_failed", result.Error)
	}
	return result.RowsAffected, nil
}

// ListFailed returns failed entries in creation order for operator review.
func (q *Queue) ListFailed(ctx context.Context) ([]Entry, error) {
	var entries []Entry
	if err := q.db.WithContext(ctx).
		Where("status = ?", StatusFailed).
		Order("created_at_ms ASC").
		Find(&entries).Error; err != nil {
		q.logError(opListPending, "query_failed", err)
		return nil, newQueueError(opListPending, "query_failed", err)
	}
	return entries, nil
}

// PendingCount counts entries not yet resolved (pending or inFlight).
func (q *Queue) PendingCount(ctx context.Context) (int64, error) {
	var count int64
	if err := q.db.WithContext(ctx).Model(&Entry{}).
		Where("status IN ?", []Status{StatusPending, StatusInFlight}).
		Count(&count).Error; err != nil {
		q.logError(opPendingCount, "query_failed", err)
		return 0, newQueueError(opPendingCount, "query_failed", err)
	}
	return count, nil
}

// HasPendingFor reports whether any unresolved entry still references the
// record. Failed entries do not hold the pending flag.
func (q *Queue) HasPendingFor(ctx context.Context, recordID string) (bool, error) {
	var count int64
	if err := q.db.WithContext(ctx).Model(&Entry{}).
		Where("target_record_id = ? AND status IN ?", recordID, []Status{StatusPending, StatusInFlight}).
		Count(&count).Error; err != nil {
		q.logError(opPendingTarget, "query_failed", err, zap.String("record_id", recordID))
		return false, newQueueError(opPendingTarget, "query_failed", err)
	}
	return count > 0, nil
}

func (q *Queue) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	q.logger.Error("outbox queue error", attrs...)
}
