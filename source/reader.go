// Package source implements the read-only SourceReader against SRC, the
// upstream HR database, per spec §4.1 and §6.1.
package source

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// identifierRe is the validation gate for any reflectively-discovered
// identifier before it is interpolated into SQL (§6.1, §9): only
// alphanumeric-and-underscore names starting with a letter or underscore.
var identifierRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidateIdentifier returns an error if name cannot safely be interpolated
// into a SQL statement as a column or table name.
func ValidateIdentifier(name string) error {
	if !identifierRe.MatchString(name) {
		return fmt.Errorf("source: invalid identifier %q", name)
	}
	return nil
}

// EmployeeRow is one reflectively-mapped row of the employee-master table
// plus its joined lookup columns.
type EmployeeRow struct {
	SourceID      int64
	CompanyID     int64
	Name          string
	CPF           string
	BirthDate     any
	Gender        string
	AdmissionDate any
	Matricula     string
	Address       EmployeeAddress
	ChangedAt     time.Time
	SourceTable   string // which of the two sibling tables produced this row
}

// EmployeeAddress mirrors the joined address lookup columns.
type EmployeeAddress struct {
	Rua, Numero, Complemento, Bairro, Cidade, UF, CEP string
	Latitude, Longitude                               float64
}

// LeaveRow is one reflectively-mapped row of the leave-of-absence table.
type LeaveRow struct {
	CompanyID          int64
	EmployeeType        int64
	SourceID            int64
	CPF                 string
	Description         string
	SituationDescription string
	Situation           int64
	LeaveDate           string
	LeaveTime           string
	StartDate           any
	EndDate             any
	EndTime             string
	Rescisao            any
	SeqNumber           int64
	ChangedDate         any
}

// EmployeeTable names one of the two independently-tracked employee source
// tables (§4.3: "Watches two source tables independently").
type EmployeeTable struct {
	Name       string // validated via ValidateIdentifier
	DateColumn string
	IDColumn   string
}

// Reader performs parameterized, cursor-ordered reads against SRC.
type Reader struct {
	pool   *pgxpool.Pool
	schema string
}

// NewReader wraps an existing SRC connection pool.
func NewReader(pool *pgxpool.Pool, schema string) *Reader {
	return &Reader{pool: pool, schema: schema}
}

// ListChangedEmployeeKeys returns ids with a change timestamp greater than
// (lastChangeAt, lastID) in tuple order, for one employee source table
// (§4.1). When table.DateColumn is empty, falls back to an id-ordered scan
// that restarts from zero once exhausted.
func (r *Reader) ListChangedEmployeeKeys(ctx context.Context, table EmployeeTable, limit int, lastChangeAt time.Time, lastID int64) ([]EmployeeRow, error) {
	if err := ValidateIdentifier(table.Name); err != nil {
		return nil, err
	}
	if err := ValidateIdentifier(table.IDColumn); err != nil {
		return nil, err
	}

	if table.DateColumn == "" {
		query := fmt.Sprintf(`
			SELECT %s FROM %s.%s
			WHERE %s > $1
			ORDER BY %s ASC
			LIMIT $2`, table.IDColumn, r.schema, table.Name, table.IDColumn, table.IDColumn)
		startID := lastID
		rows, err := r.pool.Query(ctx, query, startID, limit)
		if err != nil {
			return nil, fmt.Errorf("source: list changed (id-scan) %s: %w", table.Name, err)
		}
		defer rows.Close()
		var out []EmployeeRow
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				return nil, fmt.Errorf("source: scan id-scan row: %w", err)
			}
			out = append(out, EmployeeRow{SourceID: id, SourceTable: table.Name})
		}
		if len(out) == 0 && lastID > 0 {
			// Exhausted: restart from zero on the next cycle (caller resets
			// the cursor per §4.3 step 4).
			return nil, nil
		}
		return out, rows.Err()
	}

	if err := ValidateIdentifier(table.DateColumn); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`
		SELECT %s, %s FROM %s.%s
		WHERE (%s, %s) > ($1, $2)
		ORDER BY %s ASC, %s ASC
		LIMIT $3`,
		table.IDColumn, table.DateColumn, r.schema, table.Name,
		table.DateColumn, table.IDColumn, table.DateColumn, table.IDColumn)
	rows, err := r.pool.Query(ctx, query, lastChangeAt, lastID, limit)
	if err != nil {
		return nil, fmt.Errorf("source: list changed %s: %w", table.Name, err)
	}
	defer rows.Close()
	var out []EmployeeRow
	for rows.Next() {
		var id int64
		var changedAt time.Time
		if err := rows.Scan(&id, &changedAt); err != nil {
			return nil, fmt.Errorf("source: scan changed row: %w", err)
		}
		out = append(out, EmployeeRow{SourceID: id, ChangedAt: changedAt, SourceTable: table.Name})
	}
	return out, rows.Err()
}

// ReadEmployeesByKeys joins the base table with the enderecos address table
// (street, number, district, city, UF, CEP, coordinates) for the given source
// ids. No separate country or city lookup tables are joined.
func (r *Reader) ReadEmployeesByKeys(ctx context.Context, table EmployeeTable, ids []int64) ([]EmployeeRow, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	if err := ValidateIdentifier(table.Name); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`
		SELECT e.source_id, e.company_id, e.name, e.cpf, e.birth_date, e.gender,
		       e.admission_date, e.matricula,
		       COALESCE(a.rua, ''), COALESCE(a.numero, ''), COALESCE(a.complemento, ''),
		       COALESCE(a.bairro, ''), COALESCE(a.cidade, ''), COALESCE(a.uf, ''),
		       COALESCE(a.cep, ''), COALESCE(a.latitude, 0), COALESCE(a.longitude, 0)
		FROM %s.%s e
		LEFT JOIN %s.enderecos a ON a.source_id = e.source_id
		WHERE e.source_id = ANY($1)
		ORDER BY e.source_id ASC`, r.schema, table.Name, r.schema)
	rows, err := r.pool.Query(ctx, query, ids)
	if err != nil {
		return nil, fmt.Errorf("source: read employees by keys: %w", err)
	}
	defer rows.Close()
	var out []EmployeeRow
	for rows.Next() {
		var row EmployeeRow
		row.SourceTable = table.Name
		if err := rows.Scan(&row.SourceID, &row.CompanyID, &row.Name, &row.CPF, &row.BirthDate, &row.Gender,
			&row.AdmissionDate, &row.Matricula,
			&row.Address.Rua, &row.Address.Numero, &row.Address.Complemento, &row.Address.Bairro,
			&row.Address.Cidade, &row.Address.UF, &row.Address.CEP, &row.Address.Latitude, &row.Address.Longitude,
		); err != nil {
			return nil, fmt.Errorf("source: scan employee: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// defaultSituationWhitelist is the closed set of leave-situation codes
// eligible for sync (§4.1: "A whitelist of situation codes (closed set, ~35
// values)"). ReadLeavesByCursor uses it when its situationWhitelist argument
// is nil; a non-nil argument replaces it.
var defaultSituationWhitelist = []int64{
	1, 2, 3, 4, 5, 6, 7, 8, 9, 10,
	11, 12, 13, 14, 15, 16, 17, 18, 19, 20,
	21, 22, 23, 24, 25, 26, 27, 28, 29, 30,
	31, 32, 33, 34, 35,
}

// ReadLeavesByCursor reads up to limit leave rows after cursor, applying the
// §4.1 date-floor and situation-whitelist filters. startDate is the
// configured rescan floor (AFASTAMENTO_SYNC_DATA_INICIO); sentinelDate is
// the pre-1901 marker the source uses in place of NULL.
func (r *Reader) ReadLeavesByCursor(ctx context.Context, cursor LeaveCursorTuple, limit int, startDate, sentinelDate time.Time, situationWhitelist []int64) ([]LeaveRow, error) {
	if situationWhitelist == nil {
		situationWhitelist = defaultSituationWhitelist
	}
	query := `
		SELECT l.company_id, l.employee_type, l.source_id, COALESCE(e.cpf, ''),
		       COALESCE(l.descricao, ''), COALESCE(s.descricao, ''), l.situacao,
		       l.leave_date, l.leave_time, l.start_date, l.end_date, COALESCE(l.end_time, ''),
		       l.rescisao, l.seq_number, l.changed_date
		FROM leave_of_absence l
		LEFT JOIN employee_master e ON e.source_id = l.source_id
		LEFT JOIN situacao_lookup s ON s.codigo = l.situacao
		WHERE (l.company_id, l.employee_type, l.source_id, l.leave_date, l.leave_time, l.seq_number) > ($1,$2,$3,$4,$5,$6)
		  AND (CASE WHEN l.changed_date > $7 THEN l.changed_date ELSE l.leave_date::timestamptz END) >= $8
		  AND l.situacao = ANY($9)
		ORDER BY l.company_id ASC, l.employee_type ASC, l.source_id ASC, l.leave_date ASC, l.leave_time ASC, l.seq_number ASC
		LIMIT $10`
	rows, err := r.pool.Query(ctx, query,
		cursor.CompanyID, cursor.EmployeeType, cursor.EmployeeID, cursor.LeaveDate, cursor.LeaveTime, cursor.SeqNumber,
		sentinelDate, startDate, situationWhitelist, limit)
	if err != nil {
		return nil, fmt.Errorf("source: read leaves by cursor: %w", err)
	}
	defer rows.Close()
	var out []LeaveRow
	for rows.Next() {
		var row LeaveRow
		if err := rows.Scan(&row.CompanyID, &row.EmployeeType, &row.SourceID, &row.CPF,
			&row.Description, &row.SituationDescription, &row.Situation,
			&row.LeaveDate, &row.LeaveTime, &row.StartDate, &row.EndDate, &row.EndTime,
			&row.Rescisao, &row.SeqNumber, &row.ChangedDate,
		); err != nil {
			return nil, fmt.Errorf("source: scan leave: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// LeaveCursorTuple is the SRC-side cursor shape, matching store.LeaveCursor
// minus the source-database field (owned by DST, not SRC).
type LeaveCursorTuple struct {
	CompanyID    int64
	EmployeeType int64
	EmployeeID   int64
	LeaveDate    string
	LeaveTime    string
	SeqNumber    int64
}
