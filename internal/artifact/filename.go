package artifact

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/frlp-jornadas/certship/internal/domain"
)

var nameReplacer = strings.NewReplacer(
	" ", "-",
	",", "",
	".", "",
	"'", "",
	"/", "",
	`\`, "",
)

// ASCIIFold decomposes s and drops every non-ASCII rune, so "Pérez"
// becomes "Perez".
func ASCIIFold(s string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.Predicate(func(r rune) bool {
		return r > unicode.MaxASCII
	})))
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

// FileName returns the artifact file name of a record:
// "<name>-<document>-certificado<ext>", with the name folded to
// lower-case ASCII and the document stripped of dots and dashes.
func FileName(rec domain.Record, ext string) string {
	name := strings.Join(strings.Fields(ASCIIFold(rec.DisplayName)), " ")
	name = strings.ToLower(nameReplacer.Replace(name))
	if name == "" {
		name = "sin-nombre"
	}

	doc := strings.NewReplacer(".", "", "-", "").Replace(strings.TrimSpace(rec.DocumentID))
	if doc == "" {
		return name + "-certificado" + ext
	}
	return name + "-" + doc + "-certificado" + ext
}
