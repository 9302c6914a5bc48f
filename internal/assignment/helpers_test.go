package assignment

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	if err := db.AutoMigrate(&Record{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func newTestStore(t *testing.T, clock func() time.Time) (*Store, *gorm.DB) {
	t.Helper()
	db := openTestDatabase(t)
	store, err := NewStore(StoreConfig{Database: db, Clock: clock})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store, db
}

func mustScope(t *testing.T, tenant, day string) Scope {
	t.Helper()
	scope, err := NewScope(tenant, day)
	if err != nil {
		t.Fatalf("new scope: %v", err)
	}
	return scope
}

func serverRecord(id, tenant, day, van string, stamp int64) Record {
	return Record{
		ID:                    id,
		TenantID:              tenant,
		DayKey:                day,
		VanLabel:              van,
		KeyStatus:             "ON_BOARD",
		ServerUpdatedAtMillis: stamp,
	}
}
