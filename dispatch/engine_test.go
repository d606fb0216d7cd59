package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ats-log/hr-sync-bridge/httpclient"
	"github.com/ats-log/hr-sync-bridge/store"
)

// memOutbox is an in-memory fake of store.Outbox, modeling the same
// claim/settle atomicity the Postgres implementation provides (lease
// ownership checked by LockID on every settlement).
type memOutbox struct {
	mu       sync.Mutex
	rows     []*store.Event
	lockSeq  int
}

func newMemOutbox(rows []*store.Event) *memOutbox {
	return &memOutbox{rows: rows}
}

func (m *memOutbox) InsertEvent(ctx context.Context, e *store.Event) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lockSeq++
	cp := *e
	cp.ID = int64(m.lockSeq)
	cp.Status = store.StatusPending
	m.rows = append(m.rows, &cp)
	return true, nil
}

func (m *memOutbox) SweepExpiredLeases(ctx context.Context, eventType store.EventType, lockTimeout time.Duration, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	swept := 0
	for _, r := range m.rows {
		if r.EventType != eventType || r.Status != store.StatusProcessing {
			continue
		}
		if r.LockedAt != nil && r.LockedAt.Before(now.Add(-lockTimeout)) {
			r.Status = store.StatusError
			r.LockID = nil
			r.LockedAt = nil
			msg := "lease expired"
			r.LastError = &msg
			swept++
		}
	}
	return swept, nil
}

func (m *memOutbox) Claim(ctx context.Context, eventType store.EventType, limit int, maxAttempts int, now time.Time) ([]*store.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var claimed []*store.Event
	for _, r := range m.rows {
		if len(claimed) >= limit {
			break
		}
		if r.EventType != eventType {
			continue
		}
		if r.Status != store.StatusPending && r.Status != store.StatusError {
			continue
		}
		if r.Attempts >= maxAttempts {
			continue
		}
		if r.NextRetryAt != nil && r.NextRetryAt.After(now) {
			continue
		}
		m.lockSeq++
		lockID := fmt.Sprintf("lock-%d", m.lockSeq)
		lockedAt := now
		r.Status = store.StatusProcessing
		r.LockID = &lockID
		r.LockedAt = &lockedAt
		cp := *r
		claimed = append(claimed, &cp)
	}
	return claimed, nil
}

func (m *memOutbox) findByID(id int64) *store.Event {
	for _, r := range m.rows {
		if r.ID == id {
			return r
		}
	}
	return nil
}

func (m *memOutbox) SettleSuccess(ctx context.Context, id int64, lockID string, httpStatus int, responseSummary string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.findByID(id)
	if r == nil || r.LockID == nil || *r.LockID != lockID {
		return false, nil
	}
	r.Status = store.StatusDone
	r.Attempts++
	r.LockID = nil
	r.LockedAt = nil
	r.HTTPStatus = &httpStatus
	r.ResponseSummary = &responseSummary
	r.ProcessedAt = &now
	r.LastError = nil
	r.NextRetryAt = nil
	return true, nil
}

func (m *memOutbox) SettleFailure(ctx context.Context, id int64, lockID string, lastError string, httpStatus *int, nextRetryAt *time.Time, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.findByID(id)
	if r == nil || r.LockID == nil || *r.LockID != lockID {
		return false, nil
	}
	r.Status = store.StatusError
	r.Attempts++
	r.LockID = nil
	r.LockedAt = nil
	r.LastError = &lastError
	r.HTTPStatus = httpStatus
	r.NextRetryAt = nextRetryAt
	return true, nil
}

func newTestServer(t *testing.T, postStatus int, postBody string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"token":"test-token"}`))
	})
	mux.HandleFunc("/post", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(postStatus)
		_, _ = w.Write([]byte(postBody))
	})
	return httptest.NewServer(mux)
}

func leaveEvent(id int64) *store.Event {
	return &store.Event{
		ID: id, EventType: store.EventLeaveUpsert, Operation: store.OpInsert,
		LeaveKey: store.LeaveKey{CompanyID: 1, EmployeeType: 1, SourceID: id, LeaveDate: "2024-05-10", Situation: 3},
		PayloadVersion: "1", Status: store.StatusPending,
		PayloadJSON: `{"cpf":"12345678909","descricao":"ferias","datainicio":"2024-05-01","dataafastamento":"2024-05-10"}`,
	}
}

func TestInterpretResponseSuccessPredicate(t *testing.T) {
	cases := []struct {
		name    string
		resp    *httpclient.Response
		success bool
	}{
		{"200 empty body", &httpclient.Response{StatusCode: 200}, true},
		{"201 id zero", &httpclient.Response{StatusCode: 201, JSON: map[string]any{"id": float64(0), "mensagem": "ok"}}, true},
		{"200 no id field", &httpclient.Response{StatusCode: 200, JSON: map[string]any{"foo": float64(1)}}, true},
		{"200 nonzero id", &httpclient.Response{StatusCode: 200, JSON: map[string]any{"id": float64(17)}}, false},
		{"500 error", &httpclient.Response{StatusCode: 500, RawText: "oops"}, false},
		{"401 unauthorized", &httpclient.Response{StatusCode: 401, JSON: map[string]any{"mensagem": "bad creds"}}, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, _ := interpretResponse(c.resp)
			if got != c.success {
				t.Fatalf("interpretResponse(%+v) = %v, want %v", c.resp, got, c.success)
			}
		})
	}
}

func TestComputeBackoffMonotonic(t *testing.T) {
	now := time.Unix(0, 0)
	base, max := 60, 3600
	var last time.Duration
	for attempt := 1; attempt <= 8; attempt++ {
		got := computeBackoff(attempt, base, max, now).Sub(now)
		if got < last {
			t.Fatalf("attempt %d: backoff %v is less than previous %v", attempt, got, last)
		}
		if got > time.Duration(max)*time.Second {
			t.Fatalf("attempt %d: backoff %v exceeds max %ds", attempt, got, max)
		}
		last = got
	}
	if last != time.Duration(max)*time.Second {
		t.Fatalf("expected backoff to saturate at max=%ds, got %v", max, last)
	}
}

func TestRunOneCycleAllFailuresExhaustRetries(t *testing.T) {
	server := newTestServer(t, 500, `{"mensagem":"down"}`)
	defer server.Close()

	client := httpclient.New(httpclient.Config{LoginURL: server.URL + "/login", BaseURL: server.URL, User: "u", Password: "p"})

	var rows []*store.Event
	for i := int64(1); i <= 50; i++ {
		rows = append(rows, leaveEvent(i))
	}
	ob := newMemOutbox(rows)

	engine := New(ob, client, nil, store.EventLeaveUpsert, "afastamentos", "/post", Config{
		BatchSize: 10, MaxAttempts: 3, LockTimeout: time.Minute, RetryBaseSeconds: 60, RetryMaxSeconds: 3600, Concurrency: 4,
	})
	// Fake clock advancing well past any computed backoff between cycles, so
	// the test doesn't depend on real wall-clock sleeps to re-claim retried rows.
	fake := time.Now()
	engine.clock = func() time.Time {
		fake = fake.Add(time.Hour)
		return fake
	}

	ctx := context.Background()
	// batch=10 over 50 rows with max=3: every cycle moves the clock past the
	// backoff, so each group of 10 is claimed on three consecutive cycles
	// before the next group; 15 cycles exhaust 3 attempts on every row.
	for pass := 0; pass < 3; pass++ {
		for i := 0; i < 5; i++ {
			if _, err := engine.RunOneCycle(ctx); err != nil {
				t.Fatalf("cycle: %v", err)
			}
		}
	}

	for _, r := range ob.rows {
		if r.Status != store.StatusError {
			t.Fatalf("event %d: status = %v, want ERROR", r.ID, r.Status)
		}
		if r.Attempts != 3 {
			t.Fatalf("event %d: attempts = %d, want 3", r.ID, r.Attempts)
		}
		if r.NextRetryAt != nil {
			t.Fatalf("event %d: expected NextRetryAt nil (permanent failure), got %v", r.ID, r.NextRetryAt)
		}
	}
}

func TestConcurrentWorkersClaimRowExactlyOnce(t *testing.T) {
	var postCount int
	var mu sync.Mutex
	mux := http.NewServeMux()
	mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"token":"test-token"}`))
	})
	mux.HandleFunc("/post", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		postCount++
		mu.Unlock()
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.Write([]byte(`{"id":0}`))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	client := httpclient.New(httpclient.Config{LoginURL: server.URL + "/login", BaseURL: server.URL, User: "u", Password: "p"})
	ob := newMemOutbox([]*store.Event{leaveEvent(1)})

	cfg := Config{BatchSize: 10, MaxAttempts: 3, LockTimeout: time.Minute, RetryBaseSeconds: 60, RetryMaxSeconds: 3600, Concurrency: 1}
	workerA := New(ob, client, nil, store.EventLeaveUpsert, "afastamentos", "/post", cfg)
	workerB := New(ob, client, nil, store.EventLeaveUpsert, "afastamentos", "/post", cfg)

	ctx := context.Background()
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); _, _ = workerA.RunOneCycle(ctx) }()
	go func() { defer wg.Done(); _, _ = workerB.RunOneCycle(ctx) }()
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if postCount != 1 {
		t.Fatalf("expected exactly one POST across both workers, got %d", postCount)
	}
	if ob.rows[0].Status != store.StatusDone {
		t.Fatalf("expected row DONE, got %v", ob.rows[0].Status)
	}
}

func TestLeaseExpirySweepResetsToError(t *testing.T) {
	past := time.Now().Add(-time.Hour)
	lockID := "stale-lock"
	rows := []*store.Event{
		{ID: 1, EventType: store.EventLeaveUpsert, Status: store.StatusProcessing, LockID: &lockID, LockedAt: &past},
	}
	ob := newMemOutbox(rows)

	swept, err := ob.SweepExpiredLeases(context.Background(), store.EventLeaveUpsert, time.Minute, time.Now())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if swept != 1 {
		t.Fatalf("expected 1 swept lease, got %d", swept)
	}
	if ob.rows[0].Status != store.StatusError {
		t.Fatalf("expected swept row reset to ERROR, got %v", ob.rows[0].Status)
	}
	if ob.rows[0].LockID != nil {
		t.Fatal("expected LockID cleared after sweep")
	}
}
