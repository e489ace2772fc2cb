package smtp

import (
	"bytes"
	_ "embed"
	"encoding/base64"
	"fmt"
	htmltemplate "html/template"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	texttemplate "text/template"
	"time"

	"github.com/google/uuid"

	"github.com/frlp-jornadas/certship/internal/domain"
	"github.com/frlp-jornadas/certship/internal/ports"
)

// ContentID is the Content-ID of an inline artifact, referenced from the
// body as cid:certificado.
const ContentID = "certificado"

// DefaultSubject is used when no subject template is configured.
const DefaultSubject = "Certificado de asistencia - {{.ItemName}} - Jornadas de Formación Profesional"

//go:embed templates/certificado.html
var defaultBody string

// ComposerConfig holds message settings.
type ComposerConfig struct {
	// From is the envelope sender and the From header address
	From string

	// Alias is the display name of From
	Alias string

	ReplyTo string
	XMailer string

	// SubjectTemplate is a text/template; empty uses DefaultSubject
	SubjectTemplate string

	// BodyTemplate is an html/template; empty uses the embedded default
	BodyTemplate string

	// ItemName maps an item key to a display name. nil uses the key.
	ItemName func(item string) string
}

// TemplateData is passed to the subject and body templates.
type TemplateData struct {
	Name      string
	Item      string
	ItemName  string
	Group     string
	Inline    bool
	ContentID string
}

// Composer implements ports.MessageComposer.
type Composer struct {
	cfg      ComposerConfig
	subject  *texttemplate.Template
	body     *htmltemplate.Template
	now      func() time.Time
	newID    func() string
	boundary string
}

// ComposerOption configures a Composer.
type ComposerOption func(*Composer)

// WithClock sets the time source for the Date header.
func WithClock(now func() time.Time) ComposerOption {
	return func(c *Composer) { c.now = now }
}

// WithMessageIDs sets the generator for the local part of Message-ID.
func WithMessageIDs(newID func() string) ComposerOption {
	return func(c *Composer) { c.newID = newID }
}

// WithBoundary fixes the MIME boundary.
func WithBoundary(b string) ComposerOption {
	return func(c *Composer) { c.boundary = b }
}

// NewComposer parses the templates in cfg.
func NewComposer(cfg ComposerConfig, opts ...ComposerOption) (*Composer, error) {
	if _, err := mail.ParseAddress(cfg.From); err != nil {
		return nil, fmt.Errorf("%w: from address %q: %v", domain.ErrInvalidConfig, cfg.From, err)
	}

	subjectSrc := cfg.SubjectTemplate
	if subjectSrc == "" {
		subjectSrc = DefaultSubject
	}
	subject, err := texttemplate.New("subject").Option("missingkey=error").Parse(subjectSrc)
	if err != nil {
		return nil, fmt.Errorf("%w: subject template: %v", domain.ErrInvalidConfig, err)
	}

	bodySrc := cfg.BodyTemplate
	if bodySrc == "" {
		bodySrc = defaultBody
	}
	body, err := htmltemplate.New("body").Option("missingkey=error").Parse(bodySrc)
	if err != nil {
		return nil, fmt.Errorf("%w: body template: %v", domain.ErrInvalidConfig, err)
	}

	if cfg.ItemName == nil {
		cfg.ItemName = func(item string) string { return item }
	}

	c := &Composer{
		cfg:     cfg,
		subject: subject,
		body:    body,
		now:     time.Now,
		newID:   func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Compose renders the message for rec with artifact attached. Images are
// embedded inline under ContentID; anything else is a regular attachment.
func (c *Composer) Compose(rec domain.Record, artifact ports.Artifact) (ports.Message, error) {
	content, err := os.ReadFile(artifact.Path)
	if err != nil {
		return ports.Message{}, fmt.Errorf("read artifact: %w", err)
	}

	contentType := artifact.ContentType
	if contentType == "" {
		contentType = mime.TypeByExtension(filepath.Ext(artifact.Path))
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	inline := strings.HasPrefix(contentType, "image/")

	data := TemplateData{
		Name:      rec.DisplayName,
		Item:      rec.ItemKey,
		ItemName:  c.cfg.ItemName(rec.ItemKey),
		Group:     rec.Group,
		Inline:    inline,
		ContentID: ContentID,
	}

	var subject strings.Builder
	if err := c.subject.Execute(&subject, data); err != nil {
		return ports.Message{}, fmt.Errorf("render subject: %w", err)
	}
	var html bytes.Buffer
	if err := c.body.Execute(&html, data); err != nil {
		return ports.Message{}, fmt.Errorf("render body: %w", err)
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if c.boundary != "" {
		if err := mw.SetBoundary(c.boundary); err != nil {
			return ports.Message{}, err
		}
	}

	kind := "mixed"
	if inline {
		kind = "related"
	}
	c.writeHeaders(&buf, rec.Recipient, strings.TrimSpace(subject.String()), kind, mw.Boundary())

	if err := writeHTMLPart(mw, html.Bytes()); err != nil {
		return ports.Message{}, err
	}
	if err := writeArtifactPart(mw, filepath.Base(artifact.Path), contentType, inline, content); err != nil {
		return ports.Message{}, err
	}
	if err := mw.Close(); err != nil {
		return ports.Message{}, err
	}

	return ports.Message{
		From: c.cfg.From,
		To:   rec.Recipient,
		Data: buf.Bytes(),
	}, nil
}

func (c *Composer) writeHeaders(w io.Writer, to, subject, kind, boundary string) {
	from := (&mail.Address{Name: c.cfg.Alias, Address: c.cfg.From}).String()
	if c.cfg.Alias == "" {
		from = c.cfg.From
	}

	domainPart := "localhost"
	if at := strings.LastIndexByte(c.cfg.From, '@'); at >= 0 {
		domainPart = c.cfg.From[at+1:]
	}

	header := func(k, v string) { fmt.Fprintf(w, "%s: %s\r\n", k, v) }
	header("From", from)
	header("To", to)
	if c.cfg.ReplyTo != "" {
		header("Reply-To", c.cfg.ReplyTo)
	}
	header("Subject", mime.QEncoding.Encode("utf-8", subject))
	header("Date", c.now().Format(time.RFC1123Z))
	header("Message-ID", "<"+c.newID()+"@"+domainPart+">")
	header("MIME-Version", "1.0")
	if c.cfg.XMailer != "" {
		header("X-Mailer", c.cfg.XMailer)
	}
	header("Content-Type", fmt.Sprintf("multipart/%s; boundary=%q", kind, boundary))
	io.WriteString(w, "\r\n")
}

func writeHTMLPart(mw *multipart.Writer, html []byte) error {
	h := textproto.MIMEHeader{}
	h["Content-Type"] = []string{"text/html; charset=utf-8"}
	h["Content-Transfer-Encoding"] = []string{"quoted-printable"}

	part, err := mw.CreatePart(h)
	if err != nil {
		return err
	}
	qp := quotedprintable.NewWriter(part)
	if _, err := qp.Write(html); err != nil {
		return err
	}
	return qp.Close()
}

func writeArtifactPart(mw *multipart.Writer, name, contentType string, inline bool, content []byte) error {
	h := textproto.MIMEHeader{}
	h["Content-Type"] = []string{mime.FormatMediaType(contentType, map[string]string{"name": name})}
	h["Content-Transfer-Encoding"] = []string{"base64"}
	if inline {
		h["Content-ID"] = []string{"<" + ContentID + ">"}
		h["Content-Disposition"] = []string{mime.FormatMediaType("inline", map[string]string{"filename": name})}
	} else {
		h["Content-Disposition"] = []string{mime.FormatMediaType("attachment", map[string]string{"filename": name})}
	}

	part, err := mw.CreatePart(h)
	if err != nil {
		return err
	}

	encoded := base64.StdEncoding.EncodeToString(content)
	for len(encoded) > 76 {
		if _, err := io.WriteString(part, encoded[:76]+"\r\n"); err != nil {
			return err
		}
		encoded = encoded[76:]
	}
	_, err = io.WriteString(part, encoded+"\r\n")
	return err
}

var _ ports.MessageComposer = (*Composer)(nil)
