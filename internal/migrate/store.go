package migrate

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Store persists the ledger and the history log. The runner is written
// against this interface so alternate engines only need a new Dialect, or
// in the extreme a whole new Store.
type Store interface {
	// EnsureSchema creates both tables if missing. Safe to call repeatedly.
	EnsureSchema(ctx context.Context) error
	// UpsertRecord writes the ledger row for rec.Version, inserting or
	// replacing so at most one row per version ever exists.
	UpsertRecord(ctx context.Context, rec Record) error
	// SetStatus updates only the status column of an existing ledger row.
	SetStatus(ctx context.Context, version, status string) error
	// AppliedRecords returns ledger rows with status applied, ascending
	// by version.
	AppliedRecords(ctx context.Context) ([]Record, error)
	// AppendHistory inserts one audit entry. Entries are never updated.
	AppendHistory(ctx context.Context, e HistoryEntry) error
	// History returns up to limit entries, most recent first.
	History(ctx context.Context, limit int) ([]HistoryEntry, error)
}

const (
	DefaultLedgerTable  = "schema_migrations"
	DefaultHistoryTable = "schema_migration_history"
)

// SQLStore is the database/sql implementation of Store.
type SQLStore struct {
	DB           *sql.DB
	Dialect      Dialect
	LedgerTable  string
	HistoryTable string
}

func NewSQLStore(db *sql.DB, dialect Dialect, ledgerTable, historyTable string) *SQLStore {
	if ledgerTable == "" {
		ledgerTable = DefaultLedgerTable
	}
	if historyTable == "" {
		historyTable = DefaultHistoryTable
	}
	return &SQLStore{DB: db, Dialect: dialect, LedgerTable: ledgerTable, HistoryTable: historyTable}
}

func (s *SQLStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.DB.ExecContext(ctx, s.Dialect.CreateLedgerSQL(s.LedgerTable)); err != nil {
		return fmt.Errorf("create ledger table %s: %w", s.LedgerTable, err)
	}
	if _, err := s.DB.ExecContext(ctx, s.Dialect.CreateHistorySQL(s.HistoryTable)); err != nil {
		return fmt.Errorf("create history table %s: %w", s.HistoryTable, err)
	}
	return nil
}

func (s *SQLStore) UpsertRecord(ctx context.Context, rec Record) error {
	_, err := s.DB.ExecContext(ctx, s.Dialect.UpsertRecordSQL(s.LedgerTable),
		rec.Version, rec.Name, s.timeValue(rec.AppliedAt), rec.ExecutionTimeMS,
		rec.Checksum, rec.Status, nullString(rec.ErrorMessage),
	)
	return err
}

func (s *SQLStore) SetStatus(ctx context.Context, version, status string) error {
	_, err := s.DB.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s SET status=? WHERE version=?`, s.LedgerTable),
		status, version,
	)
	return err
}

func (s *SQLStore) AppliedRecords(ctx context.Context) ([]Record, error) {
	rows, err := s.DB.QueryContext(ctx, fmt.Sprintf(
		`SELECT version, name, applied_at, execution_time_ms, checksum, status, error_message FROM %s WHERE status='applied' ORDER BY version ASC`,
		s.LedgerTable,
	))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		var rec Record
		var appliedAt, errMsg sql.NullString
		if err := rows.Scan(&rec.Version, &rec.Name, &appliedAt, &rec.ExecutionTimeMS, &rec.Checksum, &rec.Status, &errMsg); err != nil {
			return nil, err
		}
		if rec.AppliedAt, err = parseStoredTime(appliedAt); err != nil {
			return nil, fmt.Errorf("ledger row %s: %w", rec.Version, err)
		}
		rec.ErrorMessage = errMsg.String
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLStore) AppendHistory(ctx context.Context, e HistoryEntry) error {
	executedBy := e.ExecutedBy
	if executedBy == "" {
		executedBy = "system"
	}
	_, err := s.DB.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (version, name, action, status, execution_time_ms, error_message, executed_at, executed_by) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		s.HistoryTable,
	),
		e.Version, e.Name, string(e.Action), e.Status, e.ExecutionTimeMS,
		nullString(e.ErrorMessage), s.timeValue(e.ExecutedAt), executedBy,
	)
	return err
}

func (s *SQLStore) History(ctx context.Context, limit int) ([]HistoryEntry, error) {
	// executed_at alone can tie within a clock tick; id breaks the tie in
	// insertion order.
	rows, err := s.DB.QueryContext(ctx, fmt.Sprintf(
		`SELECT id, version, name, action, status, execution_time_ms, error_message, executed_at, executed_by FROM %s ORDER BY executed_at DESC, id DESC LIMIT ?`,
		s.HistoryTable,
	), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		var action string
		var executedAt, errMsg sql.NullString
		if err := rows.Scan(&e.ID, &e.Version, &e.Name, &action, &e.Status, &e.ExecutionTimeMS, &errMsg, &executedAt, &e.ExecutedBy); err != nil {
			return nil, err
		}
		e.Action = Direction(action)
		e.ErrorMessage = errMsg.String
		if e.ExecutedAt, err = parseStoredTime(executedAt); err != nil {
			return nil, fmt.Errorf("history row %d: %w", e.ID, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLStore) timeValue(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return s.Dialect.TimeValue(t)
}

// parseStoredTime reads timestamps back as strings regardless of engine:
// sqlite stores RFC3339 text, and database/sql renders mysql DATETIME
// values (returned as time.Time under parseTime) the same way.
func parseStoredTime(v sql.NullString) (time.Time, error) {
	if !v.Valid || v.String == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v.String)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", v.String, err)
	}
	return t, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
