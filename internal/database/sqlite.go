package database

import (
	"fmt"

	"github.com/LotlineLogistics/dispatch/internal/assignment"
	"github.com/LotlineLogistics/dispatch/internal/authority"
	"github.com/LotlineLogistics/dispatch/internal/engine"
	"github.com/LotlineLogistics/dispatch/internal/outbox"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// OpenAgent establishes the agent's local SQLite store, migrates the schema,
// and repairs any pending flags stranded by a crash between enqueue and
// optimistic apply.
func OpenAgent(path string, logger *zap.Logger) (*gorm.DB, error) {
	db, err := open(path)
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(&assignment.Record{}, &outbox.Entry{}, &engine.Checkpoint{}); err != nil {
		return nil, err
	}

	if err := repairOrphanPending(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("agent database initialized", zap.String("path", path))
	}
	return db, nil
}

// OpenAuthority establishes the authority's SQLite store and migrates its
// schema.
func OpenAuthority(path string, logger *zap.Logger) (*gorm.DB, error) {
	db, err := open(path)
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(&assignment.Record{}, &authority.AppliedMutation{}); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("authority database initialized", zap.String("path", path))
	}
	return db, nil
}

func open(path string) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	return db, nil
}

// repairOrphanPending clears pending flags on records no unresolved outbox
// entry references. The invariant is pending_sync iff a pending or inFlight
// entry targets the record; a crash mid-edit can leave the flag stranded.
func repairOrphanPending(db *gorm.DB, logger *zap.Logger) error {
	result := db.Exec(`
		UPDATE assignments SET pending_sync = 0
		WHERE pending_sync = 1
		  AND id NOT IN (
			SELECT target_record_id FROM outbox_entries
			WHERE status IN ('pending', 'inFlight')
		  );`)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected > 0 && logger != nil {
		logger.Warn("cleared stranded pending flags", zap.Int64("records", result.RowsAffected))
	}

	// The mirror case: inFlight entries from an interrupted push go back to
	// pending so the next cycle retries them.
	revert := db.Exec(`UPDATE outbox_entries SET status = 'pending' WHERE status = 'inFlight';`)
	if revert.Error != nil {
		return revert.Error
	}
	if revert.RowsAffected > 0 && logger != nil {
		logger.Info("reverted interrupted in-flight entries", zap.Int64("entries", revert.RowsAffected))
	}
	return nil
}
