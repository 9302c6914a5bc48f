package integration

import (
	"context"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/LotlineLogistics/dispatch/internal/assignment"
	"github.com/LotlineLogistics/dispatch/internal/auth"
	"github.com/LotlineLogistics/dispatch/internal/authority"
	"github.com/LotlineLogistics/dispatch/internal/checkoff"
	"github.com/LotlineLogistics/dispatch/internal/database"
	"github.com/LotlineLogistics/dispatch/internal/engine"
	"github.com/LotlineLogistics/dispatch/internal/outbox"
	"github.com/LotlineLogistics/dispatch/internal/transport"
	"github.com/gin-gonic/gin"
)

const (
	testTenant = "tenant-1"
	testDay    = "2024-01-15"
)

type harness struct {
	service *authority.Service
	server  *httptest.Server

	store   *assignment.Store
	queue   *outbox.Queue
	actions *checkoff.Actions
	puller  *engine.Puller
	pusher  *engine.Pusher
	scope   assignment.Scope
}

type passthroughNotifier struct{}

func (passthroughNotifier) NotifyLocalEdit() {}

func newHarness(t *testing.T) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)
	name := strings.ReplaceAll(t.Name(), "/", "_")

	// Authority side.
	serverDB, err := database.OpenAuthority(fmt.Sprintf("file:%s_srv?mode=memory&cache=shared", name), nil)
	if err != nil {
		t.Fatalf("open authority database: %v", err)
	}
	service, err := authority.NewService(authority.ServiceConfig{Database: serverDB})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	issuer := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("integration-secret"),
		Issuer:        "dispatch-auth",
		Audience:      "dispatch-authority",
	})
	handler, err := authority.NewHTTPHandler(authority.Dependencies{
		TokenValidator: issuer,
		Service:        service,
	})
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	token, _, err := issuer.IssueAgentToken("device-1", testTenant)
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}

	// Agent side.
	agentDB, err := database.OpenAgent(fmt.Sprintf("file:%s_agent?mode=memory&cache=shared", name), nil)
	if err != nil {
		t.Fatalf("open agent database: %v", err)
	}
	store, err := assignment.NewStore(assignment.StoreConfig{Database: agentDB})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	queue, err := outbox.NewQueue(outbox.QueueConfig{
		Database:   agentDB,
		IDProvider: outbox.NewUUIDProvider(),
	})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	client, err := transport.NewClient(transport.ClientConfig{
		BaseURL:     server.URL,
		BearerToken: token,
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	checkpoints, err := engine.NewCheckpointStore(agentDB, nil)
	if err != nil {
		t.Fatalf("new checkpoint store: %v", err)
	}
	puller, err := engine.NewPuller(engine.PullerConfig{
		Transport:   client,
		Store:       store,
		Checkpoints: checkpoints,
	})
	if err != nil {
		t.Fatalf("new puller: %v", err)
	}
	pusher, err := engine.NewPusher(engine.PusherConfig{
		Transport: client,
		Store:     store,
		Queue:     queue,
	})
	if err != nil {
		t.Fatalf("new pusher: %v", err)
	}
	actions, err := checkoff.NewActions(checkoff.ActionsConfig{
		Store:    store,
		Queue:    queue,
		Notifier: passthroughNotifier{},
	})
	if err != nil {
		t.Fatalf("new actions: %v", err)
	}

	scope, err := assignment.NewScope(testTenant, testDay)
	if err != nil {
		t.Fatalf("new scope: %v", err)
	}

	return &harness{
		service: service,
		server:  server,
		store:   store,
		queue:   queue,
		actions: actions,
		puller:  puller,
		pusher:  pusher,
		scope:   scope,
	}
}

func (h *harness) seedServer(t *testing.T, id, van string) assignment.Record {
	t.Helper()
	record, err := h.service.PutAssignment(context.Background(), assignment.Record{
		ID:        id,
		TenantID:  testTenant,
		DayKey:    testDay,
		VanLabel:  van,
		KeyStatus: checkoff.KeyStatusOnBoard,
	})
	if err != nil {
		t.Fatalf("seed server record %s: %v", id, err)
	}
	return record
}

func TestMorningRosterReplicatesToAgent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.seedServer(t, "a-1", "V-01")
	h.seedServer(t, "a-2", "V-02")

	if err := h.puller.Run(ctx, h.scope); err != nil {
		t.Fatalf("pull: %v", err)
	}

	records, err := h.store.Find(ctx, h.scope)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("roster not replicated, got %d records", len(records))
	}
	if records[0].VanLabel != "V-01" || records[1].VanLabel != "V-02" {
		t.Fatalf("van order lost: %+v", records)
	}

	// A second pull with nothing changed moves no data.
	if err := h.puller.Run(ctx, h.scope); err != nil {
		t.Fatalf("repeat pull: %v", err)
	}
}

func TestCheckoffRoundTripsThroughPush(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.seedServer(t, "a-1", "V-01")
	if err := h.puller.Run(ctx, h.scope); err != nil {
		t.Fatalf("pull: %v", err)
	}

	if _, err := h.actions.HandKeysToDriver(ctx, "a-1", "J. Reyes"); err != nil {
		t.Fatalf("hand keys: %v", err)
	}

	local, err := h.store.Get(ctx, "a-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !local.PendingSync || local.KeyStatus != checkoff.KeyStatusWithDriver {
		t.Fatalf("optimistic edit not visible: %+v", local)
	}

	if err := h.pusher.Run(ctx); err != nil {
		t.Fatalf("push: %v", err)
	}

	local, err = h.store.Get(ctx, "a-1")
	if err != nil {
		t.Fatalf("get after push: %v", err)
	}
	if local.PendingSync {
		t.Fatalf("pending flag survived acceptance")
	}

	count, err := h.queue.PendingCount(ctx)
	if err != nil {
		t.Fatalf("pending count: %v", err)
	}
	if count != 0 {
		t.Fatalf("queue not drained: %d", count)
	}

	// The edit is now authoritative and flows back through pull.
	tenant, _ := assignment.NewTenantID(testTenant)
	day, _ := assignment.NewDayKey(testDay)
	page, err := h.service.ListChanged(ctx, tenant, day, 0, 100)
	if err != nil {
		t.Fatalf("list changed: %v", err)
	}
	if page.Records[0].KeyStatus != checkoff.KeyStatusWithDriver || page.Records[0].KeyHolder != "J. Reyes" {
		t.Fatalf("server state not updated: %+v", page.Records[0])
	}
}

func TestStaleEditConflictHealsFromServer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.seedServer(t, "a-1", "V-01")
	if err := h.puller.Run(ctx, h.scope); err != nil {
		t.Fatalf("pull: %v", err)
	}

	// The agent records its edit first.
	if _, err := h.actions.SetNotes(ctx, "a-1", "agent view"); err != nil {
		t.Fatalf("set notes: %v", err)
	}

	// Dispatch re-imports the assignment after the edit was created, so the
	// server stamp passes the edit's creation time.
	time.Sleep(5 * time.Millisecond)
	reimported := h.seedServer(t, "a-1", "V-01")
	if reimported.ServerUpdatedAtMillis <= 0 {
		t.Fatalf("reimport not stamped")
	}

	if err := h.pusher.Run(ctx); err != nil {
		t.Fatalf("push: %v", err)
	}

	local, err := h.store.Get(ctx, "a-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if local.PendingSync {
		t.Fatalf("conflicted edit still pending")
	}
	if local.Notes != "" {
		t.Fatalf("stale edit survived conflict: %q", local.Notes)
	}
	if local.ServerUpdatedAtMillis != reimported.ServerUpdatedAtMillis {
		t.Fatalf("server document not healed in: %d vs %d",
			local.ServerUpdatedAtMillis, reimported.ServerUpdatedAtMillis)
	}

	count, err := h.queue.PendingCount(ctx)
	if err != nil {
		t.Fatalf("pending count: %v", err)
	}
	if count != 0 {
		t.Fatalf("conflicted entry not resolved: %d", count)
	}
}

func TestRejectedEditFailsTerminally(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// A record the server has never heard of, held only in the local cache.
	ghost := assignment.Record{
		ID:       "ghost-1",
		TenantID: testTenant,
		DayKey:   testDay,
		VanLabel: "V-99",
	}
	if err := h.store.UpsertFromServer(ctx, ghost); err != nil {
		t.Fatalf("seed local: %v", err)
	}
	if _, err := h.actions.SetNotes(ctx, "ghost-1", "x"); err != nil {
		t.Fatalf("set notes: %v", err)
	}

	if err := h.pusher.Run(ctx); err != nil {
		t.Fatalf("push: %v", err)
	}

	failed, err := h.queue.ListFailed(ctx)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(failed) != 1 || failed[0].LastError != "unknown_record" {
		t.Fatalf("rejection not recorded: %+v", failed)
	}

	local, err := h.store.Get(ctx, "ghost-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if local.PendingSync {
		t.Fatalf("terminally failed edit still holds the pending flag")
	}
}

func TestOrchestratorDrivesEndToEndSync(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h.seedServer(t, "a-1", "V-01")

	client, err := transport.NewClient(transport.ClientConfig{
		BaseURL: h.server.URL,
	})
	if err != nil {
		t.Fatalf("new probe client: %v", err)
	}

	orchestrator, err := engine.NewOrchestrator(engine.OrchestratorConfig{
		Scope:         h.scope,
		Puller:        h.puller,
		Pusher:        h.pusher,
		Queue:         h.queue,
		Probe:         client,
		Interval:      50 * time.Millisecond,
		DebounceQuiet: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = orchestrator.Run(ctx)
	}()
	defer func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
		}
	}()

	// The initial full cycle replicates the roster.
	waitFor(t, 2*time.Second, func() bool {
		records, err := h.store.Find(context.Background(), h.scope)
		return err == nil && len(records) == 1
	}, "roster never replicated")

	if _, err := h.actions.MarkVerified(context.Background(), "a-1", "lead-2"); err != nil {
		t.Fatalf("mark verified: %v", err)
	}
	orchestrator.NotifyLocalEdit()

	// The debounced push delivers and the queue drains.
	waitFor(t, 2*time.Second, func() bool {
		count, err := h.queue.PendingCount(context.Background())
		return err == nil && count == 0
	}, "edit never delivered")

	tenant, _ := assignment.NewTenantID(testTenant)
	day, _ := assignment.NewDayKey(testDay)
	page, err := h.service.ListChanged(context.Background(), tenant, day, 0, 100)
	if err != nil {
		t.Fatalf("list changed: %v", err)
	}
	if !page.Records[0].Verified || page.Records[0].VerifiedBy != "lead-2" {
		t.Fatalf("verification never reached the authority: %+v", page.Records[0])
	}
}

func waitFor(t *testing.T, within time.Duration, condition func() bool, message string) {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("%s", message)
}
