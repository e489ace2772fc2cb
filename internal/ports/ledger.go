package ports

import (
	"context"

	"github.com/frlp-jornadas/certship/internal/domain"
)

// Ledger is the append-only history of delivery outcomes.
// It is the only persisted reconciliation state.
type Ledger interface {
	// Scan folds the full history into a reconciliation state.
	// A missing or empty history yields an empty first-run state, never an error.
	Scan(ctx context.Context) (domain.ReconciliationState, error)

	// Append persists one outcome durably.
	// Failures wrap domain.ErrLedgerWrite.
	Append(ctx context.Context, entry domain.LedgerEntry) error

	// Note records an informational event. Backends without an audit trail
	// may discard it.
	Note(ctx context.Context, event string, fields ...Field) error

	// Close releases the underlying handle.
	Close() error
}
