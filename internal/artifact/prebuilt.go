package artifact

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/frlp-jornadas/certship/internal/domain"
	"github.com/frlp-jornadas/certship/internal/ports"
)

// Prebuilt resolves artifacts generated ahead of time. Record.ArtifactPath
// is taken relative to Dir. Resolved artifacts are never transient.
type Prebuilt struct {
	Dir string
}

// NewPrebuilt returns a resolver rooted at dir.
func NewPrebuilt(dir string) *Prebuilt {
	return &Prebuilt{Dir: dir}
}

// Generate implements ports.ArtifactGenerator.
func (p *Prebuilt) Generate(ctx context.Context, rec domain.Record) (ports.Artifact, error) {
	if err := ctx.Err(); err != nil {
		return ports.Artifact{}, err
	}
	if rec.ArtifactPath == "" {
		return ports.Artifact{}, fmt.Errorf("%w: record has no artifact path", domain.ErrArtifactGeneration)
	}

	rel := filepath.Clean(filepath.FromSlash(rec.ArtifactPath))
	if filepath.IsAbs(rel) || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return ports.Artifact{}, fmt.Errorf("%w: artifact path %q escapes %s", domain.ErrArtifactGeneration, rec.ArtifactPath, p.Dir)
	}
	path := filepath.Join(p.Dir, rel)

	info, err := os.Stat(path)
	if err != nil {
		return ports.Artifact{}, fmt.Errorf("%w: %v", domain.ErrArtifactGeneration, err)
	}
	if info.IsDir() {
		return ports.Artifact{}, fmt.Errorf("%w: %s is a directory", domain.ErrArtifactGeneration, path)
	}

	return ports.Artifact{
		Path:        path,
		ContentType: mime.TypeByExtension(strings.ToLower(filepath.Ext(path))),
	}, nil
}

var _ ports.ArtifactGenerator = (*Prebuilt)(nil)
