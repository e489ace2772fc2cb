package ports

import "github.com/frlp-jornadas/certship/internal/domain"

// MessageComposer builds the message delivered for a record.
type MessageComposer interface {
	Compose(rec domain.Record, artifact Artifact) (Message, error)
}
