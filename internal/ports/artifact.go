package ports

import (
	"context"

	"github.com/frlp-jornadas/certship/internal/domain"
)

// Artifact is a file produced for one record.
type Artifact struct {
	// Path is the location of the file on disk
	Path string

	// ContentType is the MIME type of the file (e.g. "image/png")
	ContentType string

	// Transient artifacts are owned by the dispatch iteration that created
	// them and are removed after a successful delivery.
	Transient bool
}

// ArtifactGenerator produces the artifact delivered to a record.
// Failures wrap domain.ErrArtifactGeneration.
type ArtifactGenerator interface {
	Generate(ctx context.Context, rec domain.Record) (Artifact, error)
}
