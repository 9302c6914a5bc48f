package authority

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/LotlineLogistics/dispatch/internal/assignment"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestService(t *testing.T, clock func() time.Time) *Service {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	if err := db.AutoMigrate(&assignment.Record{}, &AppliedMutation{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	service, err := NewService(ServiceConfig{Database: db, Clock: clock})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return service
}

func fixedClock(millis int64) func() time.Time {
	return func() time.Time {
		return time.UnixMilli(millis).UTC()
	}
}

func mustTenant(t *testing.T, raw string) assignment.TenantID {
	t.Helper()
	tenant, err := assignment.NewTenantID(raw)
	if err != nil {
		t.Fatalf("new tenant: %v", err)
	}
	return tenant
}

func mustDay(t *testing.T, raw string) assignment.DayKey {
	t.Helper()
	day, err := assignment.NewDayKey(raw)
	if err != nil {
		t.Fatalf("new day: %v", err)
	}
	return day
}

func mustPut(t *testing.T, service *Service, record assignment.Record) assignment.Record {
	t.Helper()
	stored, err := service.PutAssignment(context.Background(), record)
	if err != nil {
		t.Fatalf("put %s: %v", record.ID, err)
	}
	return stored
}

func stagedRecord(id, tenant, day, van string) assignment.Record {
	return assignment.Record{
		ID:        id,
		TenantID:  tenant,
		DayKey:    day,
		VanLabel:  van,
		KeyStatus: "ON_BOARD",
	}
}
