package domain

import "errors"

// Domain errors represent error conditions in the certship domain.
// Adapters wrap them with context; callers match with errors.Is.
var (
	// ErrConnection is returned when the outbound channel cannot be reached.
	// Fatal: the run cannot make progress without a channel.
	ErrConnection = errors.New("certship: connection failed")

	// ErrAuth is returned when the channel rejects the credentials. Fatal.
	ErrAuth = errors.New("certship: authentication failed")

	// ErrSend is returned when a single message could not be delivered.
	// Recoverable: the identity is recorded as failed and the session rotates.
	ErrSend = errors.New("certship: send failed")

	// ErrArtifactGeneration is returned when the artifact for a record could
	// not be produced. Recoverable.
	ErrArtifactGeneration = errors.New("certship: artifact generation failed")

	// ErrLedgerParse marks a ledger line that matches no known grammar.
	// It never aborts a scan; the line is skipped.
	ErrLedgerParse = errors.New("certship: unparsable ledger line")

	// ErrLedgerWrite is returned when an outcome could not be persisted.
	// Fatal: the ledger is the source of truth for future runs.
	ErrLedgerWrite = errors.New("certship: ledger write failed")

	// ErrInvalidConfig is returned when configuration validation fails.
	ErrInvalidConfig = errors.New("certship: invalid configuration")
)

// IsFatal reports whether err must abort the whole run.
func IsFatal(err error) bool {
	return errors.Is(err, ErrConnection) ||
		errors.Is(err, ErrAuth) ||
		errors.Is(err, ErrLedgerWrite)
}
