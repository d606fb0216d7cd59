//go:build integration

// Package integration exercises the outbox + dispatch path against a real
// Postgres instance and a stub HTTP target, the way the teacher's
// integration suite drove a live backend over TEST_ADDR — here the fixed
// point is TEST_DSN instead of a listening server, since this bridge has no
// HTTP surface of its own beyond /metrics and /healthz.
package integration

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/ats-log/hr-sync-bridge/dispatch"
	"github.com/ats-log/hr-sync-bridge/httpclient"
	"github.com/ats-log/hr-sync-bridge/store"
	"github.com/ats-log/hr-sync-bridge/store/postgres"
)

func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("TEST_DSN")
	if dsn == "" {
		t.Skip("TEST_DSN not set; skipping integration test")
	}
	return dsn
}

func openTestDB(t *testing.T) *postgres.DB {
	t.Helper()
	dsn := testDSN(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db, err := postgres.Open(ctx, dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.EnsureSchema(ctx); err != nil {
		db.Close()
		t.Fatalf("ensure schema: %v", err)
	}
	t.Cleanup(db.Close)
	return db
}

// TestOutboxInsertThenClaim exercises the dedup-on-insert and lease-claim
// atomicity that only a real Postgres instance (unique constraints,
// FOR UPDATE SKIP LOCKED) can verify end-to-end.
func TestOutboxInsertThenClaim(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	evt := &store.Event{
		EventType: store.EventLeaveUpsert, Operation: store.OpInsert,
		LeaveKey:       store.LeaveKey{CompanyID: 1, EmployeeType: 1, SourceID: 999001, LeaveDate: "2024-06-01", Situation: 3},
		PayloadVersion: "1", PayloadHash: [32]byte{1, 2, 3},
		PayloadJSON: `{"cpf":"12345678909","descricao":"ferias","datainicio":"2024-06-01"}`,
	}

	inserted, err := db.InsertEvent(ctx, evt)
	if err != nil {
		t.Fatalf("insert event: %v", err)
	}
	if !inserted {
		t.Fatal("expected first insert to succeed")
	}

	dupInserted, err := db.InsertEvent(ctx, evt)
	if err != nil {
		t.Fatalf("duplicate insert: %v", err)
	}
	if dupInserted {
		t.Fatal("expected duplicate insert (same natural key + hash + pending status) to be rejected")
	}

	claimed, err := db.Claim(ctx, store.EventLeaveUpsert, 10, 5, time.Now())
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	var found bool
	for _, c := range claimed {
		if c.LeaveKey.SourceID == 999001 {
			found = true
			if c.Status != store.StatusProcessing {
				t.Errorf("expected claimed row status PROCESSING, got %v", c.Status)
			}
		}
	}
	if !found {
		t.Fatal("expected the inserted row among claimed events")
	}
}

// TestDispatchEngineEndToEnd drives dispatch.Engine against a live outbox
// and a stub target server, verifying the full claim→POST→settle cycle
// lands the row DONE.
func TestDispatchEngineEndToEnd(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/login":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"token":"test-token"}`))
		case "/afastamentos":
			_, _ = w.Write([]byte(`{"id":0}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	evt := &store.Event{
		EventType: store.EventLeaveUpsert, Operation: store.OpInsert,
		LeaveKey:       store.LeaveKey{CompanyID: 1, EmployeeType: 1, SourceID: 999002, LeaveDate: "2024-06-02", Situation: 3},
		PayloadVersion: "1", PayloadHash: [32]byte{4, 5, 6},
		PayloadJSON: `{"cpf":"12345678909","descricao":"ferias","datainicio":"2024-06-02"}`,
	}
	if _, err := db.InsertEvent(ctx, evt); err != nil {
		t.Fatalf("insert event: %v", err)
	}

	client := httpclient.New(httpclient.Config{
		LoginURL: server.URL + "/login", BaseURL: server.URL, User: "u", Password: "p",
	})
	engine := dispatch.New(db, client, nil, store.EventLeaveUpsert, "afastamentos", "/afastamentos", dispatch.Config{
		BatchSize: 10, MaxAttempts: 3, LockTimeout: time.Minute,
		RetryBaseSeconds: 60, RetryMaxSeconds: 3600, Concurrency: 2,
	})

	if _, err := engine.RunOneCycle(ctx); err != nil {
		t.Fatalf("run cycle: %v", err)
	}

	claimed, err := db.Claim(ctx, store.EventLeaveUpsert, 10, 3, time.Now())
	if err != nil {
		t.Fatalf("reclaim check: %v", err)
	}
	for _, c := range claimed {
		if c.LeaveKey.SourceID == 999002 {
			t.Fatal("expected settled row to no longer be claimable")
		}
	}
}
