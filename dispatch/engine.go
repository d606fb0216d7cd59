// Package dispatch implements the DispatchEngine of spec §4.4: lease-based
// claim from the outbox, per-row field mapping/enrichment, POST via
// HttpClient, and settlement with exponential backoff. Bounded-concurrency
// shape grounded on manager/manager.go's bulkStart.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/ats-log/hr-sync-bridge/httpclient"
	"github.com/ats-log/hr-sync-bridge/mapping"
	"github.com/ats-log/hr-sync-bridge/metrics"
	"github.com/ats-log/hr-sync-bridge/registry"
	"github.com/ats-log/hr-sync-bridge/store"
)

// Store is the subset of store.Store the dispatch side needs.
type Store interface {
	store.Outbox
}

// Config tunes one Engine's claim batch, lease timeout, and backoff curve
// (§4.4.1, §4.4.4), all sourced from config.Config at startup.
type Config struct {
	BatchSize        int
	MaxAttempts      int
	LockTimeout      time.Duration
	RetryBaseSeconds int
	RetryMaxSeconds  int
	Concurrency      int
}

// Report summarizes one RunOneCycle invocation.
type Report struct {
	Swept           int
	Claimed         int
	Succeeded       int
	Failed          int
	PermanentFailed int
}

// Engine drains one outbox event type to one HTTP endpoint.
type Engine struct {
	st           Store
	client       *httpclient.Client
	reg          *registry.Registry
	eventType    store.EventType
	endpointType string // registry.Endpoint.Type this engine's events target ("motoristas"/"afastamentos")
	fallbackPath string // used when the active registry profile has no matching endpoint
	cfg          Config
	clock        func() time.Time
	metrics      *metrics.Dispatch
}

// WithMetrics attaches a metrics.Dispatch for Run to report against.
// Optional; RunOneCycle never touches it directly so unit tests stay
// metrics-free.
func (e *Engine) WithMetrics(m *metrics.Dispatch) *Engine {
	e.metrics = m
	return e
}

// New constructs an Engine. fallbackPath covers the single-tenant
// configuration surface (§6.4's API_MOTORISTA_ENDPOINT/API_AFASTAMENTO_ENDPOINT)
// for installs that never populate the client registry.
func New(st Store, client *httpclient.Client, reg *registry.Registry, eventType store.EventType, endpointType, fallbackPath string, cfg Config) *Engine {
	return &Engine{st: st, client: client, reg: reg, eventType: eventType, endpointType: endpointType, fallbackPath: fallbackPath, cfg: cfg, clock: time.Now}
}

// RunOneCycle executes one sweep+claim+settle pass (§4.4).
func (e *Engine) RunOneCycle(ctx context.Context) (Report, error) {
	var report Report
	now := e.clock()

	swept, err := e.st.SweepExpiredLeases(ctx, e.eventType, e.cfg.LockTimeout, now)
	if err != nil {
		return report, fmt.Errorf("dispatch: sweep expired leases: %w", err)
	}
	report.Swept = swept

	events, err := e.st.Claim(ctx, e.eventType, e.cfg.BatchSize, e.cfg.MaxAttempts, now)
	if err != nil {
		return report, fmt.Errorf("dispatch: claim: %w", err)
	}
	report.Claimed = len(events)
	if len(events) == 0 {
		return report, nil
	}

	concurrency := e.cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	sem := make(chan struct{}, concurrency)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, evt := range events {
		evt := evt
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			ok, permanent := e.settle(ctx, evt, now)
			mu.Lock()
			if ok {
				report.Succeeded++
			} else {
				report.Failed++
				if permanent {
					report.PermanentFailed++
				}
			}
			mu.Unlock()
		}()
	}
	wg.Wait()
	return report, nil
}

// Run drives RunOneCycle on a ticker until ctx is cancelled, matching the
// same ticker-loop shape as sync.LeaveEngine.Run.
func (e *Engine) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Printf("dispatch: %s engine stopping", e.eventType)
			return
		case <-ticker.C:
			report, err := e.RunOneCycle(ctx)
			if e.metrics != nil {
				label := string(e.eventType)
				e.metrics.LeasesSwept.WithLabelValues(label).Add(float64(report.Swept))
				e.metrics.Claimed.WithLabelValues(label).Add(float64(report.Claimed))
				e.metrics.Succeeded.WithLabelValues(label).Add(float64(report.Succeeded))
				e.metrics.Failed.WithLabelValues(label).Add(float64(report.Failed))
				e.metrics.PermanentFailed.WithLabelValues(label).Add(float64(report.PermanentFailed))
				if err != nil {
					e.metrics.CycleErrors.WithLabelValues(label).Inc()
				}
			}
			if err != nil {
				log.Printf("dispatch: %s cycle failed: %v", e.eventType, err)
				continue
			}
			if report.Claimed > 0 || report.Swept > 0 {
				log.Printf("dispatch: %s cycle done: swept=%d claimed=%d succeeded=%d failed=%d permanent=%d",
					e.eventType, report.Swept, report.Claimed, report.Succeeded, report.Failed, report.PermanentFailed)
			}
		}
	}
}

// settle performs §4.4.2 steps 1-5 for one claimed row. Returns ok=true iff
// the row was settled DONE; ok=false covers both ERROR settlement and a
// stolen lease (rowcount 0 on the settling UPDATE), both non-fatal to the
// cycle (§7: "silently give up"). permanent reports whether this was the
// row's final attempt (NextRetryAt left nil).
func (e *Engine) settle(ctx context.Context, evt *store.Event, now time.Time) (ok bool, permanent bool) {
	lockID := ""
	if evt.LockID != nil {
		lockID = *evt.LockID
	}

	var parsed map[string]any
	if err := json.Unmarshal([]byte(evt.PayloadJSON), &parsed); err != nil {
		permanent = e.fail(ctx, evt, lockID, fmt.Sprintf("parse payload: %v", err), nil, now)
		return false, permanent
	}

	path, rules := e.resolveTarget()
	if path == "" {
		permanent = e.fail(ctx, evt, lockID, "no endpoint configured for "+string(e.eventType), nil, now)
		return false, permanent
	}

	var outPayload map[string]any
	if len(rules) > 0 {
		env := mapping.Envelope{Payload: parsed, Event: eventEnvelope(evt), Colunas: map[string]any{}}
		mapped, err := mapping.Apply(rules, env)
		if err != nil {
			permanent = e.fail(ctx, evt, lockID, err.Error(), nil, now)
			return false, permanent
		}
		outPayload = mapped
	} else {
		outPayload = defaultEnrich(parsed, nil)
	}

	if err := validateMandatory(e.eventType, outPayload); err != nil {
		permanent = e.fail(ctx, evt, lockID, err.Error(), nil, now)
		return false, permanent
	}

	resp, err := e.client.Post(ctx, path, outPayload)
	if err != nil {
		permanent = e.fail(ctx, evt, lockID, err.Error(), nil, now)
		return false, permanent
	}

	if success, _ := interpretResponse(resp); success {
		settled, err := e.st.SettleSuccess(ctx, evt.ID, lockID, resp.StatusCode, truncate(resp.RawText, 1000), now)
		if err != nil {
			log.Printf("dispatch: settle success event=%d: %v", evt.ID, err)
			return false, false
		}
		if !settled {
			log.Printf("dispatch: lease stolen settling success for event=%d", evt.ID)
		}
		return settled, false
	}

	_, msg := interpretResponse(resp)
	status := resp.StatusCode
	permanent = e.fail(ctx, evt, lockID, msg, &status, now)
	return false, permanent
}

// fail settles a row as ERROR, computing the next backoff deadline (or
// leaving it nil when MaxAttempts has been exhausted). Returns true iff this
// was a permanent failure.
func (e *Engine) fail(ctx context.Context, evt *store.Event, lockID, lastError string, httpStatus *int, now time.Time) bool {
	attempts := evt.Attempts + 1
	var nextRetry *time.Time
	if attempts < e.cfg.MaxAttempts {
		t := computeBackoff(attempts, e.cfg.RetryBaseSeconds, e.cfg.RetryMaxSeconds, now)
		nextRetry = &t
	}
	ok, err := e.st.SettleFailure(ctx, evt.ID, lockID, lastError, httpStatus, nextRetry, now)
	if err != nil {
		log.Printf("dispatch: settle failure event=%d: %v", evt.ID, err)
		return false
	}
	if !ok {
		log.Printf("dispatch: lease stolen settling failure for event=%d", evt.ID)
		return false
	}
	return nextRetry == nil
}

// resolveTarget picks the POST path and mapping rules for this engine's
// event type: the active registry profile's matching endpoint when present,
// else the statically configured fallback path with no mapping rules
// (default enrichment applies).
func (e *Engine) resolveTarget() (path string, rules []mapping.Rule) {
	if e.reg != nil {
		if p := e.reg.Active(); p != nil {
			for _, ep := range p.Endpoints {
				if ep.Type == e.endpointType && ep.Active {
					return ep.Path, ep.MappingRules
				}
			}
		}
	}
	return e.fallbackPath, nil
}

// eventEnvelope exposes the outbox row's own key fields under the
// mapping package's "event.*" namespace (§4.5).
func eventEnvelope(evt *store.Event) map[string]any {
	out := map[string]any{
		"event_type":   string(evt.EventType),
		"operation":    string(evt.Operation),
		"source_table": evt.SourceTable,
		"attempts":     evt.Attempts,
	}
	switch evt.EventType {
	case store.EventEmployeeUpsert:
		out["source_id"] = evt.EmployeeKey.SourceID
		out["company_id"] = evt.EmployeeKey.CompanyID
	case store.EventLeaveUpsert:
		out["company_id"] = evt.LeaveKey.CompanyID
		out["employee_type"] = evt.LeaveKey.EmployeeType
		out["source_id"] = evt.LeaveKey.SourceID
		out["leave_date"] = evt.LeaveKey.LeaveDate
		out["situation"] = evt.LeaveKey.Situation
	}
	return out
}

// defaultEnrich applies §4.4.2 step 2's non-mapper path: an optional union
// merge of reflectively-fetched mirror-row columns into the parsed payload,
// without overwriting keys the payload already carries. Grounded on
// montar_payload_afastamentos.py's union-payload fallback (SPEC_FULL.md §9);
// colunas is empty until the outbox gains mirror-row projection, so today
// this is an identity pass-through.
func defaultEnrich(payload map[string]any, colunas map[string]any) map[string]any {
	out := make(map[string]any, len(payload)+len(colunas))
	for k, v := range payload {
		out[k] = v
	}
	for k, v := range colunas {
		if _, exists := out[k]; !exists {
			out[k] = v
		}
	}
	return out
}

// validateMandatory enforces §4.4.2 step 3's required-key check against the
// post-mapping/post-enrichment payload.
func validateMandatory(t store.EventType, payload map[string]any) error {
	var required []string
	switch t {
	case store.EventEmployeeUpsert:
		required = []string{"cpf", "nome", "dataadmissao"}
	case store.EventLeaveUpsert:
		required = []string{"cpf", "descricao", "datainicio"}
	}
	for _, key := range required {
		if isEmpty(payload[key]) {
			return fmt.Errorf("dispatch: missing mandatory field %q", key)
		}
	}
	return nil
}

func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	default:
		return false
	}
}

// interpretResponse applies the §4.4.3 success predicate: HTTP status in
// [200,300) AND (body not a JSON object OR its id field is absent or zero).
// On failure, extracts mensagem (truncated to 1000 chars) for LastError.
func interpretResponse(resp *httpclient.Response) (success bool, lastError string) {
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false, extractMensagem(resp)
	}
	if resp.JSON == nil {
		return true, ""
	}
	id, has := resp.JSON["id"]
	if !has || isZeroID(id) {
		return true, ""
	}
	return false, extractMensagem(resp)
}

func isZeroID(v any) bool {
	switch t := v.(type) {
	case float64:
		return t == 0
	case int:
		return t == 0
	case string:
		return t == "" || t == "0"
	case nil:
		return true
	default:
		return false
	}
}

func extractMensagem(resp *httpclient.Response) string {
	if resp.JSON != nil {
		if msg, ok := resp.JSON["mensagem"].(string); ok && msg != "" {
			return truncate(msg, 1000)
		}
	}
	return truncate(resp.RawText, 1000)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// computeBackoff implements §4.4.4: delay(n) = min(retryMax, retryBase*2^(n-1)).
func computeBackoff(attempts, baseSeconds, maxSeconds int, now time.Time) time.Time {
	delay := baseSeconds
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= maxSeconds {
			delay = maxSeconds
			break
		}
	}
	if delay > maxSeconds {
		delay = maxSeconds
	}
	return now.Add(time.Duration(delay) * time.Second)
}
