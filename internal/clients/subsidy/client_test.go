package subsidy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/coursebridge/assignments-backend/internal/platform/logger"
)

func newTestClient(t *testing.T, baseURL string, maxRetries int) Client {
	t.Helper()
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	c, err := New(log, Config{
		BaseURL:    baseURL,
		APIToken:   "test-token",
		Timeout:    5 * time.Second,
		MaxRetries: maxRetries,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestPolicyParsesRecord(t *testing.T) {
	policyID := uuid.New()
	subsidyID := uuid.New()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("Authorization = %q", got)
		}
		wantPath := "/api/v1/subsidy-access-policies/" + policyID.String() + "/"
		if r.URL.Path != wantPath {
			t.Errorf("path = %q, want %q", r.URL.Path, wantPath)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{
			"uuid": %q,
			"subsidy_uuid": %q,
			"active": true,
			"subsidy_active_datetime": "2025-01-01T00:00:00Z",
			"subsidy_expiration_datetime": "2026-06-30 23:59:59.500000Z"
		}`, policyID, subsidyID)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 0)
	p, err := c.Policy(context.Background(), policyID)
	if err != nil {
		t.Fatalf("Policy: %v", err)
	}
	if p.UUID != policyID {
		t.Errorf("UUID = %s, want %s", p.UUID, policyID)
	}
	if p.SubsidyUUID != subsidyID {
		t.Errorf("SubsidyUUID = %s, want %s", p.SubsidyUUID, subsidyID)
	}
	if !p.Active {
		t.Error("Active = false, want true")
	}
	if p.SubsidyActiveDatetime == nil || !p.SubsidyActiveDatetime.Equal(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("SubsidyActiveDatetime = %v", p.SubsidyActiveDatetime)
	}
	wantExp := time.Date(2026, 6, 30, 23, 59, 59, 500000000, time.UTC)
	if p.SubsidyExpirationDatetime == nil || !p.SubsidyExpirationDatetime.Equal(wantExp) {
		t.Errorf("SubsidyExpirationDatetime = %v, want %v", p.SubsidyExpirationDatetime, wantExp)
	}
}

func TestSubsidyExpirationNullDatetime(t *testing.T) {
	policyID := uuid.New()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{
			"uuid": %q,
			"subsidy_uuid": "",
			"active": false,
			"subsidy_active_datetime": "",
			"subsidy_expiration_datetime": ""
		}`, policyID)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 0)
	exp, err := c.SubsidyExpiration(context.Background(), policyID)
	if err != nil {
		t.Fatalf("SubsidyExpiration: %v", err)
	}
	if exp != nil {
		t.Errorf("expiration = %v, want nil", exp)
	}
}

func TestPolicyRetriesServerErrors(t *testing.T) {
	policyID := uuid.New()
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "upstream flake", http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"uuid": %q, "subsidy_uuid": %q, "active": true}`, policyID, uuid.New())
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 2)
	p, err := c.Policy(context.Background(), policyID)
	if err != nil {
		t.Fatalf("Policy: %v", err)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("calls = %d, want 2", got)
	}
	if p.SubsidyExpirationDatetime != nil {
		t.Errorf("expiration = %v, want nil", p.SubsidyExpirationDatetime)
	}
}

func TestPolicyNotFoundDoesNotRetry(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "no such policy", http.StatusNotFound)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 3)
	_, err := c.Policy(context.Background(), uuid.New())
	if err == nil {
		t.Fatal("expected error")
	}
	var he *HTTPError
	if !errors.As(err, &he) {
		t.Fatalf("error = %T %v, want *HTTPError", err, err)
	}
	if he.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", he.StatusCode)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("calls = %d, want 1", got)
	}
}
