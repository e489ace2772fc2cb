// Package cleaning validates raw registration exports and writes the
// clean files read by the CSV record source, together with an error
// report and a per-domain address count.
package cleaning

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/frlp-jornadas/certship/internal/adapters/fs"
	"github.com/frlp-jornadas/certship/internal/adapters/log"
	"github.com/frlp-jornadas/certship/internal/ports"
	"github.com/frlp-jornadas/certship/internal/source"
)

// OutputDir is the directory, inside each department, that receives the
// cleaning outputs.
const OutputDir = "inscripciones-limpias"

// Output file prefixes.
const (
	ErrorsPrefix  = "errores_"
	DomainsPrefix = "dominios_"
)

var (
	cleanHeader  = []string{"Apellido", "Nombre", "DNI", "Legajo", "Mail"}
	errorsHeader = []string{"Fila", "Apellido", "Nombre", "DNI", "Legajo", "Mail", "Errores"}
	domainHeader = []string{"Dominio", "Conteo"}
)

var mailPattern = regexp.MustCompile(`^[^@]+@[^@]+\.[^@]+$`)

// Registration is one row of a raw registration export.
type Registration struct {
	Apellido string
	Nombre   string
	DNI      string `validate:"number"`
	Legajo   string `validate:"number"`
	Mail     string `validate:"mailaddr"`
}

// Reasons reported for each failing field.
var reasons = map[string]string{
	"DNI":    "DNI no numérico",
	"Legajo": "Legajo no numérico",
	"Mail":   "Mail formato inválido",
}

// Result describes the files written for one input.
type Result struct {
	Input       string
	CleanPath   string
	ErrorsPath  string // empty when every row was valid
	DomainsPath string
	Clean       int
	Rejected    int
}

// Cleaner validates registration files.
type Cleaner struct {
	validate *validator.Validate
	title    cases.Caser
	logger   ports.Logger
}

// New returns a Cleaner.
func New(logger ports.Logger) *Cleaner {
	if logger == nil {
		logger = log.NewNoopLogger()
	}
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("mailaddr", func(fl validator.FieldLevel) bool {
		return mailPattern.MatchString(fl.Field().String())
	})
	return &Cleaner{
		validate: v,
		title:    cases.Title(language.Spanish),
		logger:   logger,
	}
}

// Validate returns the rejection reasons of r, in column order.
func (c *Cleaner) Validate(r Registration) []string {
	err := c.validate.Struct(r)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []string{err.Error()}
	}
	out := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if reason, ok := reasons[fe.Field()]; ok {
			out = append(out, reason)
			continue
		}
		out = append(out, fe.Field()+" "+fe.Tag())
	}
	return out
}

// BaseName derives the output base name from a raw export file name:
// extension and the "(respuestas)" suffix removed, spaces as underscores.
func BaseName(path string) string {
	name := filepath.Base(path)
	name = strings.TrimSuffix(name, filepath.Ext(name))
	name = strings.TrimSpace(strings.ReplaceAll(name, "(respuestas)", ""))
	return strings.ReplaceAll(name, " ", "_")
}

// Dir cleans every CSV file directly inside each department directory of
// root. Files that cannot be processed are logged and skipped.
func (c *Cleaner) Dir(root string) ([]Result, error) {
	depts, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", root, err)
	}

	var results []Result
	for _, d := range depts {
		if !d.IsDir() {
			continue
		}
		deptPath := filepath.Join(root, d.Name())
		files, err := os.ReadDir(deptPath)
		if err != nil {
			c.logger.Warn("skipping department", ports.Err(err), ports.String("path", deptPath))
			continue
		}
		for _, f := range files {
			if f.IsDir() || !strings.EqualFold(filepath.Ext(f.Name()), ".csv") {
				continue
			}
			res, err := c.File(filepath.Join(deptPath, f.Name()), filepath.Join(deptPath, OutputDir))
			if err != nil {
				c.logger.Warn("skipping registration file", ports.Err(err), ports.String("path", f.Name()))
				continue
			}
			results = append(results, res)
		}
	}
	return results, nil
}

// File cleans one raw export and writes its outputs into outDir.
func (c *Cleaner) File(path, outDir string) (Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Result{}, err
	}
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))

	r := csv.NewReader(bytes.NewReader(data))
	r.Comma = source.SniffDelimiter(data)
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if err != nil {
		return Result{}, fmt.Errorf("read header of %s: %w", path, err)
	}
	idx, err := columnIndex(header)
	if err != nil {
		return Result{}, fmt.Errorf("%s: %w", path, err)
	}

	base := BaseName(path)
	res := Result{
		Input:       path,
		CleanPath:   filepath.Join(outDir, source.CleanPrefix+base+".csv"),
		DomainsPath: filepath.Join(outDir, DomainsPrefix+base+".csv"),
	}

	clean := [][]string{cleanHeader}
	rejected := [][]string{errorsHeader}
	domains := map[string]int{}

	for row := 1; ; row++ {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Result{}, fmt.Errorf("%s row %d: %w", path, row, err)
		}

		raw := Registration{
			Apellido: field(rec, idx["Apellido"]),
			Nombre:   field(rec, idx["Nombre"]),
			DNI:      field(rec, idx["DNI"]),
			Legajo:   field(rec, idx["Legajo"]),
			Mail:     field(rec, idx["Mail"]),
		}
		trimmed := Registration{
			Apellido: c.title.String(strings.TrimSpace(raw.Apellido)),
			Nombre:   c.title.String(strings.TrimSpace(raw.Nombre)),
			DNI:      strings.TrimSpace(raw.DNI),
			Legajo:   strings.TrimSpace(raw.Legajo),
			Mail:     strings.TrimSpace(raw.Mail),
		}

		if errs := c.Validate(trimmed); len(errs) > 0 {
			rejected = append(rejected, []string{
				strconv.Itoa(row), raw.Apellido, raw.Nombre, raw.DNI, raw.Legajo, raw.Mail,
				strings.Join(errs, "; "),
			})
			continue
		}

		clean = append(clean, []string{
			trimmed.Apellido, trimmed.Nombre,
			trimLeadingZeros(trimmed.DNI), trimLeadingZeros(trimmed.Legajo),
			trimmed.Mail,
		})
		domains[trimmed.Mail[strings.LastIndex(trimmed.Mail, "@")+1:]]++
	}

	res.Clean = len(clean) - 1
	res.Rejected = len(rejected) - 1

	if err := writeCSV(res.CleanPath, clean); err != nil {
		return Result{}, err
	}
	if res.Rejected > 0 {
		res.ErrorsPath = filepath.Join(outDir, ErrorsPrefix+base+".csv")
		if err := writeCSV(res.ErrorsPath, rejected); err != nil {
			return Result{}, err
		}
	}
	if err := writeCSV(res.DomainsPath, domainRows(domains)); err != nil {
		return Result{}, err
	}

	c.logger.Info("registration file cleaned",
		ports.String("input", path),
		ports.Int("clean", res.Clean),
		ports.Int("rejected", res.Rejected),
	)
	return res, nil
}

func columnIndex(header []string) (map[string]int, error) {
	idx := make(map[string]int, len(cleanHeader))
	for i, h := range header {
		idx[strings.TrimSpace(h)] = i
	}
	var missing []string
	for _, col := range cleanHeader {
		if _, ok := idx[col]; !ok {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing columns %s", strings.Join(missing, ", "))
	}
	return idx, nil
}

func field(rec []string, i int) string {
	if i < len(rec) {
		return rec[i]
	}
	return ""
}

func trimLeadingZeros(s string) string {
	if t := strings.TrimLeft(s, "0"); t != "" {
		return t
	}
	return "0"
}

func domainRows(counts map[string]int) [][]string {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	rows := [][]string{domainHeader}
	for _, k := range keys {
		rows = append(rows, []string{k, strconv.Itoa(counts[k])})
	}
	return rows
}

func writeCSV(path string, rows [][]string) error {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.WriteAll(rows); err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := fs.WriteFileAtomic(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
