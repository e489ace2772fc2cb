// Package sqlite implements ports.Ledger on a SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/frlp-jornadas/certship/internal/domain"
	"github.com/frlp-jornadas/certship/internal/ports"
)

//go:embed schema.sql
var schemaSQL string

// Ledger stores delivery outcomes in an append-only table.
type Ledger struct {
	db  *sql.DB
	now func() time.Time
}

// Open creates or opens the database at path and applies the schema.
func Open(path string) (*Ledger, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to execute schema: %w", err)
	}

	return &Ledger{db: db, now: time.Now}, nil
}

// applyPragmas sets required SQLite configuration. synchronous=FULL makes
// every committed insert durable before Append returns.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA busy_timeout = 5000",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

// Scan folds every row in insertion order. An empty table is a first run.
func (l *Ledger) Scan(ctx context.Context) (domain.ReconciliationState, error) {
	entries, err := l.ReadEntries(ctx)
	if err != nil {
		return domain.ReconciliationState{}, err
	}

	state := domain.NewReconciliationState(len(entries) == 0)
	for _, e := range entries {
		state.Apply(e)
	}
	return state, nil
}

// ReadEntries returns every row ordered by id.
func (l *Ledger) ReadEntries(ctx context.Context) ([]domain.LedgerEntry, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT run_id, recipient, name, item, outcome, stage, reason, created_at
		FROM deliveries
		ORDER BY id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query deliveries: %w", err)
	}
	defer rows.Close()

	var entries []domain.LedgerEntry
	for rows.Next() {
		var (
			e              domain.LedgerEntry
			outcome, stage string
			createdAt      string
		)
		if err := rows.Scan(&e.RunID, &e.Recipient, &e.DisplayName, &e.ItemKey, &outcome, &stage, &e.Reason, &createdAt); err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		switch outcome {
		case "success":
			e.Outcome = domain.OutcomeSuccess
		case "failure":
			e.Outcome = domain.OutcomeFailure
		default:
			continue
		}
		e.Stage = domain.FailureStage(stage)
		e.Timestamp, _ = time.Parse(time.RFC3339Nano, createdAt)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate deliveries: %w", err)
	}
	return entries, nil
}

// Append inserts one outcome row.
func (l *Ledger) Append(ctx context.Context, e domain.LedgerEntry) error {
	ts := e.Timestamp
	if ts.IsZero() {
		ts = l.now()
	}

	_, err := l.db.ExecContext(ctx, `
		INSERT INTO deliveries (run_id, recipient, name, item, outcome, stage, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, e.RunID, e.Recipient, e.DisplayName, e.ItemKey, e.Outcome.String(), string(e.Stage), e.Reason, ts.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("%w: insert delivery: %v", domain.ErrLedgerWrite, err)
	}
	return nil
}

// Note stores an informational event with its fields encoded as JSON.
func (l *Ledger) Note(ctx context.Context, event string, fields ...ports.Field) error {
	m := make(map[string]any, len(fields))
	for _, f := range fields {
		if err, ok := f.Value.(error); ok {
			m[f.Key] = err.Error()
			continue
		}
		m[f.Key] = f.Value
	}
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode note fields: %w", err)
	}

	_, err = l.db.ExecContext(ctx, `
		INSERT INTO notes (event, fields, created_at) VALUES (?, ?, ?)
	`, event, string(data), l.now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert note: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (l *Ledger) Close() error {
	if l.db == nil {
		return nil
	}
	return l.db.Close()
}

var _ ports.Ledger = (*Ledger)(nil)
