package ports

import (
	"context"

	"github.com/frlp-jornadas/certship/internal/domain"
)

// RecordSource yields validated recipient records in a stable order.
// The sequence is lazy, finite and not restartable.
type RecordSource interface {
	// Next returns the next record.
	// Returns io.EOF when the source is exhausted.
	Next(ctx context.Context) (domain.Record, error)

	// Close releases all resources held by the source.
	Close() error
}
