package source

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/frlp-jornadas/certship/internal/domain"
	"github.com/frlp-jornadas/certship/internal/ports"
)

//go:embed manifest.schema.json
var manifestSchema string

const manifestSchemaURL = "manifest.schema.json"

// ManifestEntry is one element of a certificate manifest.
type ManifestEntry struct {
	FullName   string       `json:"nombre_completo"`
	Document   TextOrNumber `json:"documento,omitempty"`
	FileNumber TextOrNumber `json:"legajo,omitempty"`
	Recipient  string       `json:"correo_destinatario"`
	FileName   string       `json:"nombre_pdf_generado"`
	Subfolder  string       `json:"subcarpeta_dia"`
}

// TextOrNumber decodes a JSON string or number and keeps its text.
// Spreadsheet exports write document numbers either way.
type TextOrNumber string

// UnmarshalJSON implements json.Unmarshaler.
func (t *TextOrNumber) UnmarshalJSON(b []byte) error {
	switch {
	case len(b) > 0 && b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*t = TextOrNumber(strings.TrimSpace(s))
	case string(b) == "null":
		*t = ""
	default:
		*t = TextOrNumber(b)
	}
	return nil
}

// ManifestSource yields the entries of a JSON manifest in file order.
type ManifestSource struct {
	entries []ManifestEntry
	next    int
}

// NewManifestSource reads and validates the manifest at path.
func NewManifestSource(path string) (*ManifestSource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	entries, err := ParseManifest(data)
	if err != nil {
		return nil, fmt.Errorf("manifest %s: %w", path, err)
	}
	return &ManifestSource{entries: entries}, nil
}

// ParseManifest validates data against the manifest schema and decodes it.
func ParseManifest(data []byte) ([]ManifestEntry, error) {
	schema, err := compileManifestSchema()
	if err != nil {
		return nil, err
	}

	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	if err := schema.Validate(inst); err != nil {
		return nil, fmt.Errorf("invalid: %w", err)
	}

	var entries []ManifestEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return entries, nil
}

func compileManifestSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(manifestSchema))
	if err != nil {
		return nil, fmt.Errorf("load manifest schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(manifestSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add manifest schema: %w", err)
	}
	return c.Compile(manifestSchemaURL)
}

// Len returns the number of entries.
func (s *ManifestSource) Len() int {
	return len(s.entries)
}

// Next returns the next record, or io.EOF at the end of the manifest.
func (s *ManifestSource) Next(ctx context.Context) (domain.Record, error) {
	if err := ctx.Err(); err != nil {
		return domain.Record{}, err
	}
	if s.next >= len(s.entries) {
		return domain.Record{}, io.EOF
	}
	e := s.entries[s.next]
	s.next++
	return e.Record(), nil
}

// Close is a no-op.
func (s *ManifestSource) Close() error {
	return nil
}

// Record converts the entry. The artifact path is relative to the
// artifacts directory.
func (e ManifestEntry) Record() domain.Record {
	return domain.Record{
		Recipient:    NormalizeAddress(e.Recipient),
		DisplayName:  collapseSpaces(e.FullName),
		ItemKey:      e.Subfolder,
		DocumentID:   string(e.Document),
		FileNumber:   string(e.FileNumber),
		Group:        e.Subfolder,
		ArtifactPath: path.Join(e.Subfolder, e.FileName),
	}
}

// NewManifestEntry builds the manifest entry for a record whose artifact
// was written as fileName under the item subfolder.
func NewManifestEntry(rec domain.Record, fileName string) ManifestEntry {
	return ManifestEntry{
		FullName:   rec.DisplayName,
		Document:   TextOrNumber(rec.DocumentID),
		FileNumber: TextOrNumber(rec.FileNumber),
		Recipient:  rec.Recipient,
		FileName:   fileName,
		Subfolder:  rec.ItemKey,
	}
}

var _ ports.RecordSource = (*ManifestSource)(nil)
