package source

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Catalog maps item codes to human-readable item names.
type Catalog map[string]string

// LoadCatalog reads a ';'-separated "code;name" table. Rows with fewer
// than two fields are ignored.
func LoadCatalog(path string) (Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))

	r := csv.NewReader(bytes.NewReader(data))
	r.Comma = ';'
	r.FieldsPerRecord = -1

	c := Catalog{}
	for {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse catalog %s: %w", path, err)
		}
		if len(row) < 2 {
			continue
		}
		code, name := strings.TrimSpace(row[0]), strings.TrimSpace(row[1])
		if code == "" || name == "" {
			continue
		}
		c[code] = name
	}
	return c, nil
}

// Name returns the catalog name of item, or a title-cased form of the key
// with underscores as spaces when the item is not listed.
func (c Catalog) Name(item string) string {
	if name, ok := c[item]; ok {
		return name
	}
	return HumanizeKey(item)
}

// HumanizeKey turns a file-derived key such as "redes_de_datos" into
// "Redes De Datos".
func HumanizeKey(key string) string {
	s := strings.TrimSpace(strings.ReplaceAll(key, "_", " "))
	return cases.Title(language.Spanish).String(s)
}
