// Package store defines the persistence abstraction for the sync/dispatch
// bridge: the outbox event table, hash-state side table, and per-source
// cursors, all owned exclusively by this package.
package store

import (
	"context"
	"time"
)

// ---- event type / status ----

// EventType classifies an outbox event by the source table it came from.
type EventType string

const (
	EventEmployeeUpsert EventType = "employee-upsert"
	EventLeaveUpsert    EventType = "leave-upsert"
)

// Status is the lifecycle state of an outbox row.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusDone       Status = "DONE"
	StatusError      Status = "ERROR"
)

// Operation records whether an event represents a first sighting or a change.
type Operation string

const (
	OpInsert Operation = "I"
	OpUpdate Operation = "U"
)

// ---- natural keys ----

// EmployeeKey identifies an employee-master row. CompanyID is an optional
// disambiguator for multi-tenant source installs; zero means "not set".
type EmployeeKey struct {
	SourceID  int64
	CompanyID int64
}

// LeaveKey identifies a leave-of-absence row. Ordered lexicographically by
// field declaration order, matching the cursor tuple order in §3.
type LeaveKey struct {
	CompanyID    int64
	EmployeeType int64
	SourceID     int64
	LeaveDate    string // YYYY-MM-DD
	Situation    int64
}

// ---- domain types ----

// Event is one outbox row: a detected change queued for dispatch.
type Event struct {
	ID              int64
	EventType       EventType
	Operation       Operation
	EmployeeKey     EmployeeKey
	LeaveKey        LeaveKey
	PayloadVersion  string
	PayloadHash     [32]byte
	PayloadJSON     string
	Status          Status
	Attempts        int
	SourceTable     string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	LockID          *string
	LockedAt        *time.Time
	NextRetryAt     *time.Time
	LastError       *string
	HTTPStatus      *int
	ResponseSummary *string
	ProcessedAt     *time.Time
}

// NaturalKey returns a stable string form used as the key of chunked hash
// lookups. Claim ordering does not use it; its final tiebreaker is the row id.
func (e *Event) NaturalKey() string {
	switch e.EventType {
	case EventEmployeeUpsert:
		return employeeNaturalKey(e.EmployeeKey)
	default:
		return leaveNaturalKey(e.LeaveKey)
	}
}

func employeeNaturalKey(k EmployeeKey) string {
	return keyJoin("emp", k.CompanyID, k.SourceID)
}

func leaveNaturalKey(k LeaveKey) string {
	return keyJoin("lv", k.CompanyID, k.EmployeeType, k.SourceID, k.LeaveDate, k.Situation)
}

func keyJoin(parts ...any) string {
	s := ""
	for i, p := range parts {
		if i > 0 {
			s += "|"
		}
		s += toString(p)
	}
	return s
}

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case int64:
		return itoa(t)
	default:
		return ""
	}
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// EmployeeCursor is the resume position for one employee source table.
type EmployeeCursor struct {
	SourceDatabase   string
	SourceTable      string
	LastChangeAt     time.Time
	LastSourceID     int64
}

// LeaveCursor is the resume position for the leave-of-absence stream.
type LeaveCursor struct {
	SourceDatabase string
	CompanyID      int64
	EmployeeType   int64
	EmployeeID     int64
	LeaveDate      string
	LeaveTime      string
	SeqNumber      int64
}

// HashRecord is the last-seen payload fingerprint for one natural key.
type HashRecord struct {
	SourceDatabase string
	NaturalKey     string
	PayloadHash    [32]byte
	UpdatedAt      time.Time
}

// ---- store interfaces ----

// Cursors persists SyncEngine resume positions: one row per employee source
// table, and one leave cursor per source database.
type Cursors interface {
	GetEmployeeCursor(ctx context.Context, sourceDatabase, sourceTable string) (*EmployeeCursor, error)
	SetEmployeeCursor(ctx context.Context, c EmployeeCursor) error
	GetLeaveCursor(ctx context.Context, sourceDatabase string) (*LeaveCursor, error)
	SetLeaveCursor(ctx context.Context, c LeaveCursor) error
}

// HashStates persists the last-emitted payload hash per natural key, the
// basis of change detection (§3, §4.3 step 6-7).
type HashStates interface {
	// GetHashes returns the hash for every key in keys that has a prior
	// record; keys with no prior record are simply absent from the map.
	// Chunked internally at 300 keys per query (§4.3 step 6).
	GetHashes(ctx context.Context, sourceDatabase string, keys []string) (map[string][32]byte, error)
	SetHashes(ctx context.Context, sourceDatabase string, records []HashRecord) error
}

// Outbox is the durable event queue: insertion from the sync side, claim and
// settlement from the dispatch side.
type Outbox interface {
	// InsertEvent appends an event with the race-safe insert-guard of the
	// Invariant UX unique constraint; a duplicate is swallowed and reported
	// via inserted=false, not an error (§7: "Unique-violation on outbox
	// insert ... Swallow").
	InsertEvent(ctx context.Context, e *Event) (inserted bool, err error)

	// SweepExpiredLeases resets PROCESSING rows whose lease has expired
	// back to ERROR (§4.4.1). Returns the number of rows swept.
	SweepExpiredLeases(ctx context.Context, eventType EventType, lockTimeout time.Duration, now time.Time) (int, error)

	// Claim atomically selects up to limit dispatchable rows and stamps
	// them PROCESSING under a fresh lock id (§4.4.1).
	Claim(ctx context.Context, eventType EventType, limit int, maxAttempts int, now time.Time) ([]*Event, error)

	// SettleSuccess marks a claimed row DONE. ok reports whether this
	// worker still held the lease (rowcount>0); false means the lease was
	// stolen and the caller must silently move on (§4.4.2, §7).
	SettleSuccess(ctx context.Context, id int64, lockID string, httpStatus int, responseSummary string, now time.Time) (ok bool, err error)

	// SettleFailure marks a claimed row ERROR, scheduling nextRetryAt (nil
	// for permanent failure once attempts reaches the max).
	SettleFailure(ctx context.Context, id int64, lockID string, lastError string, httpStatus *int, nextRetryAt *time.Time, now time.Time) (ok bool, err error)
}

// Store aggregates the full persistence surface plus lifecycle management
// and schema bootstrap, mirroring the teacher's single top-level interface.
type Store interface {
	Cursors
	HashStates
	Outbox

	// EnsureSchema runs embedded migrations, creating the outbox, cursor,
	// and hash-state tables if absent (§6.2: "created at startup with
	// IF-NOT-EXISTS guards").
	EnsureSchema(ctx context.Context) error

	Close()
}
