// Package source provides record sources: a directory of registration CSV
// files and a JSON manifest of pre-generated artifacts.
package source

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/frlp-jornadas/certship/internal/adapters/log"
	"github.com/frlp-jornadas/certship/internal/domain"
	"github.com/frlp-jornadas/certship/internal/ports"
)

// CleanPrefix marks files written by the cleaning step.
const CleanPrefix = "limpio_"

// Outputs of the cleaning step that never hold recipients.
var reportPrefixes = []string{"errores_", "dominios_"}

// Directory names that hold files but do not name a group.
var containerDirs = map[string]bool{
	"inscripciones-limpias": true,
	"procesadas":            true,
}

// Column synonyms, in priority order.
var (
	addressColumns    = []string{"Mail", "Mail UTN", "Correo", "Email", "correo_destinatario"}
	fullNameColumns   = []string{"Apellido y Nombres", "Nombre completo", "nombre_completo"}
	firstNameColumns  = []string{"Nombre"}
	lastNameColumns   = []string{"Apellido"}
	documentColumns   = []string{"DNI", "Documento"}
	fileNumberColumns = []string{"Legajo"}
)

// CSVOptions configures a CSVDirSource.
type CSVOptions struct {
	// Prefix restricts the walk to files whose name starts with it
	Prefix string

	Logger ports.Logger
}

// CSVDirSource yields one record per data row of every CSV file under a
// root directory. Files are visited in lexical path order; rows in file
// order. Unreadable files are logged and skipped.
type CSVDirSource struct {
	root   string
	files  []string
	next   int
	cur    *csvFile
	logger ports.Logger
}

// NewCSVDirSource lists the CSV files under root.
func NewCSVDirSource(root string, opts CSVOptions) (*CSVDirSource, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.NewNoopLogger()
	}

	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		name := d.Name()
		if !strings.EqualFold(filepath.Ext(name), ".csv") {
			return nil
		}
		if opts.Prefix != "" && !strings.HasPrefix(name, opts.Prefix) {
			return nil
		}
		for _, p := range reportPrefixes {
			if strings.HasPrefix(name, p) {
				return nil
			}
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", root, err)
	}

	logger.Debug("csv files found", ports.String("root", root), ports.Int("count", len(files)))
	return &CSVDirSource{root: root, files: files, logger: logger}, nil
}

// Files returns the CSV paths that will be read, in order.
func (s *CSVDirSource) Files() []string {
	return s.files
}

// Next returns the next record, or io.EOF when every file is exhausted.
func (s *CSVDirSource) Next(ctx context.Context) (domain.Record, error) {
	for {
		if err := ctx.Err(); err != nil {
			return domain.Record{}, err
		}

		if s.cur == nil {
			if s.next >= len(s.files) {
				return domain.Record{}, io.EOF
			}
			path := s.files[s.next]
			s.next++

			f, err := openCSV(path, s.root)
			if err != nil {
				s.logger.Warn("skipping csv file", ports.Err(err), ports.String("path", path))
				continue
			}
			s.logger.Info("reading csv file", ports.String("path", path), ports.String("item", f.item))
			s.cur = f
		}

		rec, err := s.cur.next()
		if errors.Is(err, io.EOF) {
			s.cur = nil
			continue
		}
		if err != nil {
			s.logger.Warn("skipping rest of csv file", ports.Err(err), ports.String("path", s.cur.path))
			s.cur = nil
			continue
		}
		return rec, nil
	}
}

// Close releases nothing; files are read whole.
func (s *CSVDirSource) Close() error {
	s.cur = nil
	return nil
}

// csvFile is one open CSV file with its header mapping.
type csvFile struct {
	path  string
	item  string
	group string
	r     *csv.Reader
	cols  columnMap
}

func openCSV(path, root string) (*csvFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))

	r := csv.NewReader(bytes.NewReader(data))
	r.Comma = SniffDelimiter(data)
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("empty file")
		}
		return nil, fmt.Errorf("read header: %w", err)
	}

	cols := mapColumns(header)
	if len(cols.address) == 0 {
		return nil, fmt.Errorf("no address column in header %q", header)
	}

	return &csvFile{
		path:  path,
		item:  ItemKey(path),
		group: groupOf(path, root),
		r:     r,
		cols:  cols,
	}, nil
}

func (f *csvFile) next() (domain.Record, error) {
	row, err := f.r.Read()
	if err != nil {
		return domain.Record{}, err
	}
	return domain.Record{
		Recipient:   NormalizeAddress(f.cols.first(row, f.cols.address)),
		DisplayName: f.cols.name(row),
		ItemKey:     f.item,
		DocumentID:  f.cols.first(row, f.cols.document),
		FileNumber:  f.cols.first(row, f.cols.fileNumber),
		Group:       f.group,
	}, nil
}

// columnMap holds header indexes for each field, in synonym priority order.
type columnMap struct {
	address    []int
	fullName   []int
	firstName  []int
	lastName   []int
	document   []int
	fileNumber []int
}

func mapColumns(header []string) columnMap {
	find := func(names []string) []int {
		var idx []int
		for _, n := range names {
			for i, h := range header {
				if strings.EqualFold(strings.TrimSpace(h), n) {
					idx = append(idx, i)
				}
			}
		}
		return idx
	}
	return columnMap{
		address:    find(addressColumns),
		fullName:   find(fullNameColumns),
		firstName:  find(firstNameColumns),
		lastName:   find(lastNameColumns),
		document:   find(documentColumns),
		fileNumber: find(fileNumberColumns),
	}
}

// first returns the first non-blank value among idx.
func (c columnMap) first(row []string, idx []int) string {
	for _, i := range idx {
		if i < len(row) {
			if v := strings.TrimSpace(row[i]); v != "" {
				return v
			}
		}
	}
	return ""
}

func (c columnMap) name(row []string) string {
	if full := c.first(row, c.fullName); full != "" {
		return collapseSpaces(full)
	}
	return collapseSpaces(c.first(row, c.firstName) + " " + c.first(row, c.lastName))
}

// SniffDelimiter picks ';' or ',' by counting them in the header line.
func SniffDelimiter(data []byte) rune {
	line := data
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		line = data[:i]
	}
	if bytes.Count(line, []byte(";")) > bytes.Count(line, []byte(",")) {
		return ';'
	}
	return ','
}

// ItemKey derives the item key from a CSV path: the file name without its
// extension and without the clean-output prefix.
func ItemKey(path string) string {
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	return strings.TrimPrefix(base, CleanPrefix)
}

// groupOf returns the nearest ancestor directory below root that is not a
// container directory.
func groupOf(path, root string) string {
	root = filepath.Clean(root)
	dir := filepath.Dir(path)
	for dir != root && dir != "." && dir != string(filepath.Separator) {
		name := filepath.Base(dir)
		if !containerDirs[name] {
			return name
		}
		dir = filepath.Dir(dir)
	}
	return ""
}

// NormalizeAddress trims and lower-cases an email address.
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

func collapseSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

var _ ports.RecordSource = (*CSVDirSource)(nil)
