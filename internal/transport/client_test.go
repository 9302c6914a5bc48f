package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/LotlineLogistics/dispatch/internal/assignment"
	"github.com/LotlineLogistics/dispatch/internal/wire"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client, err := NewClient(ClientConfig{
		BaseURL:     server.URL,
		BearerToken: "token-123",
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client, server
}

func TestNewClientRequiresBaseURL(t *testing.T) {
	if _, err := NewClient(ClientConfig{}); err == nil {
		t.Fatalf("expected missing base url to be rejected")
	}
	if _, err := NewClient(ClientConfig{BaseURL: "   "}); err == nil {
		t.Fatalf("expected blank base url to be rejected")
	}
}

func TestPullSendsAuthAndDecodesResponse(t *testing.T) {
	var gotAuth, gotPath string
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path

		var request wire.PullRequest
		if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if request.DayKey != "2024-01-15" || request.Checkpoint != "100" {
			t.Errorf("request fields lost: %+v", request)
		}

		_ = json.NewEncoder(w).Encode(wire.PullResponse{
			Records:    []assignment.Record{{ID: "a-1", TenantID: "tenant-1", DayKey: "2024-01-15"}},
			Checkpoint: "200",
			HasMore:    true,
		})
	}))

	response, err := client.Pull(context.Background(), wire.PullRequest{DayKey: "2024-01-15", Checkpoint: "100"})
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	if gotAuth != "Bearer token-123" {
		t.Fatalf("bearer token not sent: %q", gotAuth)
	}
	if gotPath != "/v1/assignments/pull" {
		t.Fatalf("unexpected path %q", gotPath)
	}
	if len(response.Records) != 1 || response.Checkpoint != "200" || !response.HasMore {
		t.Fatalf("response mangled: %+v", response)
	}
}

func TestPushDecodesResults(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/assignments/push" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(wire.PushResponse{Results: []wire.MutationResult{{
			MutationID: "m-1",
			Status:     wire.MutationAccepted,
		}}})
	}))

	response, err := client.Push(context.Background(), wire.PushRequest{Mutations: []wire.Mutation{{ID: "m-1"}}})
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if len(response.Results) != 1 || response.Results[0].Status != wire.MutationAccepted {
		t.Fatalf("results mangled: %+v", response)
	}
}

func TestNon2xxSurfacesAsServerStatus(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
	}))

	_, err := client.Pull(context.Background(), wire.PullRequest{DayKey: "2024-01-15"})
	if !errors.Is(err, ErrServerStatus) {
		t.Fatalf("expected ErrServerStatus, got %v", err)
	}
}

func TestPingChecksHealthEndpoint(t *testing.T) {
	healthy := true
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if !healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))

	if err := client.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}

	healthy = false
	if err := client.Ping(context.Background()); !errors.Is(err, ErrServerStatus) {
		t.Fatalf("expected ErrServerStatus, got %v", err)
	}
}

func TestPingFailsWhenServerGone(t *testing.T) {
	client, server := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()
	if err := client.Ping(context.Background()); err == nil {
		t.Fatalf("expected connection failure")
	}
}
