// Package sync implements the SyncEngine of spec §4.3: cursor-driven reads
// from SRC, change detection against HashStates, and event insertion into
// the DST outbox. Loop/ticker shape grounded on manager/manager.go's
// reconciliation loop.
package sync

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/ats-log/hr-sync-bridge/hash"
	"github.com/ats-log/hr-sync-bridge/metrics"
	"github.com/ats-log/hr-sync-bridge/payload"
	"github.com/ats-log/hr-sync-bridge/source"
	"github.com/ats-log/hr-sync-bridge/store"
)

// observe records one cycle's report against the shared sync metrics, keyed
// by the watched table name. m may be nil when the caller hasn't wired
// metrics (e.g. unit tests), in which case this is a no-op.
func observe(m *metrics.Sync, table string, report CycleReport, cycleErr error) {
	if m == nil {
		return
	}
	m.RowsRead.WithLabelValues(table).Add(float64(report.SourceRowsRead))
	m.ValidPayloads.WithLabelValues(table).Add(float64(report.ValidPayloads))
	m.EventsGenerated.WithLabelValues(table).Add(float64(report.EventsGenerated))
	m.EventsInserted.WithLabelValues(table).Add(float64(report.EventsInserted))
	if report.CursorReset {
		m.CursorResets.WithLabelValues(table).Inc()
	}
	if cycleErr != nil {
		m.CycleErrors.WithLabelValues(table).Inc()
	}
}

// CycleReport summarizes one runOneCycle invocation (§4.3).
type CycleReport struct {
	SourceRowsRead  int
	ValidPayloads   int
	EventsGenerated int
	EventsInserted  int
	CursorReset     bool
}

// Store is the subset of store.Store the sync side needs.
type Store interface {
	store.Cursors
	store.HashStates
	store.Outbox
}

// leaveReader is the subset of *source.Reader the leave engine depends on,
// narrowed to an interface so unit tests can drive RunOneCycle against a
// fake instead of a live SRC connection.
type leaveReader interface {
	ReadLeavesByCursor(ctx context.Context, cursor source.LeaveCursorTuple, limit int, startDate, sentinelDate time.Time, situationWhitelist []int64) ([]source.LeaveRow, error)
}

// employeeReader is the subset of *source.Reader the employee engine
// depends on, narrowed for the same reason as leaveReader.
type employeeReader interface {
	ListChangedEmployeeKeys(ctx context.Context, table source.EmployeeTable, limit int, lastChangeAt time.Time, lastID int64) ([]source.EmployeeRow, error)
	ReadEmployeesByKeys(ctx context.Context, table source.EmployeeTable, ids []int64) ([]source.EmployeeRow, error)
}

var leaveSentinel = store.LeaveCursor{}

// LeaveEngine advances the leave-of-absence cursor (spec §4.3, leave
// variant — the algorithm §4.3 describes directly).
type LeaveEngine struct {
	reader         leaveReader
	st             Store
	sourceDatabase string
	batchSize      int
	dataInicio     time.Time
	sentinelDate   time.Time
	metrics        *metrics.Sync
}

// WithMetrics attaches a metrics.Sync for Run to report against. Optional;
// RunOneCycle never touches it directly so unit tests stay metrics-free.
func (e *LeaveEngine) WithMetrics(m *metrics.Sync) *LeaveEngine {
	e.metrics = m
	return e
}

// NewLeaveEngine constructs a LeaveEngine. sentinelDate is the pre-1901
// marker the source uses in place of NULL on its changed-date column
// (§4.1: "commonly carries a sentinel (pre-1901)").
func NewLeaveEngine(reader leaveReader, st Store, sourceDatabase string, batchSize int, dataInicio time.Time) *LeaveEngine {
	return &LeaveEngine{
		reader: reader, st: st, sourceDatabase: sourceDatabase, batchSize: batchSize,
		dataInicio: dataInicio, sentinelDate: time.Date(1901, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

// RunOneCycle executes the full algorithm of §4.3 once.
func (e *LeaveEngine) RunOneCycle(ctx context.Context) (CycleReport, error) {
	var report CycleReport

	cursor, err := e.st.GetLeaveCursor(ctx, e.sourceDatabase)
	if err != nil {
		return report, fmt.Errorf("sync: load leave cursor: %w", err)
	}
	current := leaveSentinel
	if cursor != nil {
		current = *cursor
		current.SourceDatabase = "" // compare against the sentinel on the tuple alone
	}

	rows, err := e.reader.ReadLeavesByCursor(ctx, source.LeaveCursorTuple{
		CompanyID: current.CompanyID, EmployeeType: current.EmployeeType, EmployeeID: current.EmployeeID,
		LeaveDate: current.LeaveDate, LeaveTime: current.LeaveTime, SeqNumber: current.SeqNumber,
	}, e.batchSize, e.dataInicio, e.sentinelDate, nil)
	if err != nil {
		return report, fmt.Errorf("sync: read leaves by cursor: %w", err)
	}
	report.SourceRowsRead = len(rows)

	if len(rows) == 0 && current != leaveSentinel {
		if err := e.st.SetLeaveCursor(ctx, store.LeaveCursor{SourceDatabase: e.sourceDatabase}); err != nil {
			return report, fmt.Errorf("sync: reset leave cursor: %w", err)
		}
		report.CursorReset = true
		log.Printf("sync: leave cycle empty, cursor reset to sentinel")
		return report, nil
	}
	if len(rows) == 0 {
		return report, nil
	}

	type built struct {
		key         store.LeaveKey
		naturalKey  string
		payloadJSON string
		sum         [32]byte
	}
	var items []built
	for _, row := range rows {
		p, ok := payload.BuildLeave(row)
		if !ok {
			continue
		}
		report.ValidPayloads++

		key := store.LeaveKey{
			CompanyID: row.CompanyID, EmployeeType: row.EmployeeType, SourceID: row.SourceID,
			LeaveDate: row.LeaveDate, Situation: row.Situation,
		}
		sum, canonicalJSON, err := hash.Sum(p)
		if err != nil {
			return report, fmt.Errorf("sync: hash leave payload: %w", err)
		}
		nk := (&store.Event{EventType: store.EventLeaveUpsert, LeaveKey: key}).NaturalKey()
		items = append(items, built{key: key, naturalKey: nk, payloadJSON: canonicalJSON, sum: sum})
	}

	keys := make([]string, len(items))
	for i, it := range items {
		keys[i] = it.naturalKey
	}
	priorHashes, err := e.st.GetHashes(ctx, e.sourceDatabase, keys)
	if err != nil {
		return report, fmt.Errorf("sync: load prior hashes: %w", err)
	}

	var newHashes []store.HashRecord
	for _, it := range items {
		prior, hadPrior := priorHashes[it.naturalKey]
		if hadPrior && prior == it.sum {
			continue // unchanged; no event (§4.3 step 7)
		}
		report.EventsGenerated++

		op := store.OpUpdate
		if !hadPrior {
			op = store.OpInsert
		}
		evt := &store.Event{
			EventType: store.EventLeaveUpsert, Operation: op, LeaveKey: it.key,
			PayloadVersion: payload.PayloadVersion, PayloadHash: it.sum, PayloadJSON: it.payloadJSON,
			SourceTable: "leave_of_absence",
		}
		inserted, err := e.st.InsertEvent(ctx, evt)
		if err != nil {
			return report, fmt.Errorf("sync: insert leave event: %w", err)
		}
		if inserted {
			report.EventsInserted++
		}
		newHashes = append(newHashes, store.HashRecord{SourceDatabase: e.sourceDatabase, NaturalKey: it.naturalKey, PayloadHash: it.sum})
	}

	if err := e.st.SetHashes(ctx, e.sourceDatabase, newHashes); err != nil {
		return report, fmt.Errorf("sync: persist hashes: %w", err)
	}

	last := rows[len(rows)-1]
	if err := e.st.SetLeaveCursor(ctx, store.LeaveCursor{
		SourceDatabase: e.sourceDatabase, CompanyID: last.CompanyID, EmployeeType: last.EmployeeType,
		EmployeeID: last.SourceID, LeaveDate: last.LeaveDate, LeaveTime: last.LeaveTime, SeqNumber: last.SeqNumber,
	}); err != nil {
		return report, fmt.Errorf("sync: advance leave cursor: %w", err)
	}

	return report, nil
}

// Run drives RunOneCycle on a ticker until ctx is cancelled, matching the
// teacher's reconciliation-loop shape (manager/manager.go): a cooperative
// stop signal checked between cycles and during the inter-cycle sleep
// (§5).
func (e *LeaveEngine) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Printf("sync: leave engine stopping")
			return
		case <-ticker.C:
			report, err := e.RunOneCycle(ctx)
			observe(e.metrics, "leave_of_absence", report, err)
			if err != nil {
				log.Printf("sync: leave cycle failed: %v", err)
				continue
			}
			log.Printf("sync: leave cycle done: read=%d valid=%d generated=%d inserted=%d reset=%v",
				report.SourceRowsRead, report.ValidPayloads, report.EventsGenerated, report.EventsInserted, report.CursorReset)
		}
	}
}

// EmployeeEngine advances the two independently-tracked employee source
// tables (§4.3, employee variant).
type EmployeeEngine struct {
	reader         employeeReader
	st             Store
	sourceDatabase string
	tables         []source.EmployeeTable
	batchSize      int
	metrics        *metrics.Sync
}

// employeeCursorUpdate is a cursor advance (or, when reset is true, a
// restart-to-zero) for one watched table, computed during the read phase
// of RunOneCycle but not persisted until the insert/hash phase succeeds —
// otherwise a later failure would silently skip the rows it covers on the
// next cycle (§4.3: "any exception aborts the cycle without advancing the
// cursor").
type employeeCursorUpdate struct {
	cursor store.EmployeeCursor
	reset  bool
}

// WithMetrics attaches a metrics.Sync for Run to report against.
func (e *EmployeeEngine) WithMetrics(m *metrics.Sync) *EmployeeEngine {
	e.metrics = m
	return e
}

// NewEmployeeEngine constructs an EmployeeEngine watching the given tables
// independently, per §4.3: "Watches two source tables independently,
// unioning their produced ids into one work set."
func NewEmployeeEngine(reader employeeReader, st Store, sourceDatabase string, tables []source.EmployeeTable, batchSize int) *EmployeeEngine {
	return &EmployeeEngine{reader: reader, st: st, sourceDatabase: sourceDatabase, tables: tables, batchSize: batchSize}
}

// RunOneCycle reads each watched table's changes, builds payloads, and
// emits events for changed rows. Primary-table (tables[0]) changes force
// emission even when the payload hash matches the prior one, modeling a
// revert that must still be transmitted (§4.3, a deliberate asymmetry with
// leave; LeaveEngine does NOT force emission).
func (e *EmployeeEngine) RunOneCycle(ctx context.Context) (CycleReport, error) {
	var report CycleReport
	var changedIDs []int64
	primaryChanged := map[int64]bool{}
	var pendingCursors []employeeCursorUpdate

	for i, table := range e.tables {
		cursor, err := e.st.GetEmployeeCursor(ctx, e.sourceDatabase, table.Name)
		if err != nil {
			return report, fmt.Errorf("sync: load employee cursor %s: %w", table.Name, err)
		}
		var lastChangeAt time.Time
		var lastID int64
		if cursor != nil {
			lastChangeAt, lastID = cursor.LastChangeAt, cursor.LastSourceID
		}

		rows, err := e.reader.ListChangedEmployeeKeys(ctx, table, e.batchSize, lastChangeAt, lastID)
		if err != nil {
			return report, fmt.Errorf("sync: list changed employees %s: %w", table.Name, err)
		}
		report.SourceRowsRead += len(rows)
		if len(rows) == 0 {
			if table.DateColumn == "" && lastID > 0 {
				// id-scan fallback exhausted: restart from zero next cycle
				// (§4.1 "restarting from zero when exhausted"). LastChangeAt
				// stays zero since this table never tracks one.
				pendingCursors = append(pendingCursors, employeeCursorUpdate{
					cursor: store.EmployeeCursor{SourceDatabase: e.sourceDatabase, SourceTable: table.Name},
					reset:  true,
				})
			}
			continue
		}

		for _, r := range rows {
			changedIDs = append(changedIDs, r.SourceID)
			if i == 0 {
				primaryChanged[r.SourceID] = true
			}
		}

		last := rows[len(rows)-1]
		newCursor := store.EmployeeCursor{SourceDatabase: e.sourceDatabase, SourceTable: table.Name, LastSourceID: last.SourceID}
		if !last.ChangedAt.IsZero() {
			newCursor.LastChangeAt = last.ChangedAt
		} else {
			newCursor.LastChangeAt = lastChangeAt
		}
		pendingCursors = append(pendingCursors, employeeCursorUpdate{cursor: newCursor})
	}

	if len(changedIDs) == 0 {
		if err := e.commitCursors(ctx, pendingCursors, &report); err != nil {
			return report, err
		}
		return report, nil
	}
	changedIDs = dedupInt64(changedIDs)

	primaryTable := e.tables[0]
	rows, err := e.reader.ReadEmployeesByKeys(ctx, primaryTable, changedIDs)
	if err != nil {
		return report, fmt.Errorf("sync: read employees by keys: %w", err)
	}

	type built struct {
		key         store.EmployeeKey
		naturalKey  string
		payloadJSON string
		sum         [32]byte
		force       bool
	}
	var items []built
	for _, row := range rows {
		p, ok := payload.BuildEmployee(row)
		if !ok {
			continue
		}
		report.ValidPayloads++

		key := store.EmployeeKey{SourceID: row.SourceID, CompanyID: row.CompanyID}
		sum, canonicalJSON, err := hash.Sum(p)
		if err != nil {
			return report, fmt.Errorf("sync: hash employee payload: %w", err)
		}
		nk := (&store.Event{EventType: store.EventEmployeeUpsert, EmployeeKey: key}).NaturalKey()
		items = append(items, built{key: key, naturalKey: nk, payloadJSON: canonicalJSON, sum: sum, force: primaryChanged[row.SourceID]})
	}

	keys := make([]string, len(items))
	for i, it := range items {
		keys[i] = it.naturalKey
	}
	priorHashes, err := e.st.GetHashes(ctx, e.sourceDatabase, keys)
	if err != nil {
		return report, fmt.Errorf("sync: load prior employee hashes: %w", err)
	}

	var newHashes []store.HashRecord
	for _, it := range items {
		prior, hadPrior := priorHashes[it.naturalKey]
		unchanged := hadPrior && prior == it.sum
		if unchanged && !it.force {
			continue
		}
		report.EventsGenerated++

		op := store.OpUpdate
		if !hadPrior {
			op = store.OpInsert
		}
		evt := &store.Event{
			EventType: store.EventEmployeeUpsert, Operation: op, EmployeeKey: it.key,
			PayloadVersion: payload.PayloadVersion, PayloadHash: it.sum, PayloadJSON: it.payloadJSON,
			SourceTable: primaryTable.Name,
		}
		inserted, err := e.st.InsertEvent(ctx, evt)
		if err != nil {
			return report, fmt.Errorf("sync: insert employee event: %w", err)
		}
		if inserted {
			report.EventsInserted++
		}
		newHashes = append(newHashes, store.HashRecord{SourceDatabase: e.sourceDatabase, NaturalKey: it.naturalKey, PayloadHash: it.sum})
	}

	if err := e.st.SetHashes(ctx, e.sourceDatabase, newHashes); err != nil {
		return report, fmt.Errorf("sync: persist employee hashes: %w", err)
	}

	if err := e.commitCursors(ctx, pendingCursors, &report); err != nil {
		return report, err
	}

	return report, nil
}

// commitCursors persists the per-table cursor advances computed during the
// read phase. Called only after hashing and event insertion have both
// succeeded, so a failure anywhere upstream leaves the stored cursors
// untouched and the next cycle re-reads the same rows instead of skipping
// them (§4.3).
func (e *EmployeeEngine) commitCursors(ctx context.Context, updates []employeeCursorUpdate, report *CycleReport) error {
	for _, u := range updates {
		if err := e.st.SetEmployeeCursor(ctx, u.cursor); err != nil {
			return fmt.Errorf("sync: advance employee cursor %s: %w", u.cursor.SourceTable, err)
		}
		if u.reset {
			report.CursorReset = true
			log.Printf("sync: employee id-scan exhausted for %s, cursor reset to zero", u.cursor.SourceTable)
		}
	}
	return nil
}

// Run drives RunOneCycle on a ticker until ctx is cancelled.
func (e *EmployeeEngine) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Printf("sync: employee engine stopping")
			return
		case <-ticker.C:
			report, err := e.RunOneCycle(ctx)
			observe(e.metrics, e.tables[0].Name, report, err)
			if err != nil {
				log.Printf("sync: employee cycle failed: %v", err)
				continue
			}
			log.Printf("sync: employee cycle done: read=%d valid=%d generated=%d inserted=%d",
				report.SourceRowsRead, report.ValidPayloads, report.EventsGenerated, report.EventsInserted)
		}
	}
}

func dedupInt64(in []int64) []int64 {
	seen := make(map[int64]bool, len(in))
	out := make([]int64, 0, len(in))
	for _, v := range in {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}
