// Package cliconfig holds the command-line configuration and its layered
// loading: defaults, then file, then environment, then flags.
package cliconfig

import (
	"fmt"
	"net/mail"
	"strconv"
	"strings"
	"time"

	"github.com/frlp-jornadas/certship/internal/adapters/smtp"
	"github.com/frlp-jornadas/certship/internal/app"
	"github.com/frlp-jornadas/certship/internal/domain"
)

// Record source kinds.
const (
	SourceCSV      = "csv"
	SourceManifest = "manifest"
)

// Ledger backends.
const (
	LedgerFile   = "file"
	LedgerSQLite = "sqlite"
)

// Artifact kinds.
const (
	ArtifactQR       = "qr"
	ArtifactPrebuilt = "prebuilt"
)

// DefaultSMTPHost is the institutional relay.
const DefaultSMTPHost = "smtp.office365.com"

// Config holds CLI configuration for certship.
type Config struct {
	SourcePath   string
	SourceKind   string
	SourcePrefix string
	CatalogPath  string

	LedgerPath    string
	LedgerBackend string

	RotationThreshold int
	ResendAll         bool
	FailureCooldown   time.Duration
	DryRun            bool
	Limit             int

	SMTPHost               string
	SMTPPort               int
	SMTPUsername           string
	SMTPPassword           string
	SMTPFrom               string
	SMTPAlias              string
	ReplyTo                string
	SMTPTimeout            time.Duration
	SMTPInsecureSkipVerify bool

	SubjectTemplate  string
	BodyTemplatePath string
	XMailer          string

	ArtifactKind  string
	ArtifactsDir  string
	TemplateImage string
	FontPath      string
	WorkDir       string
	Headline      string

	PushgatewayURL string

	LogLevel  string
	LogFormat string
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		SourcePath:        "inscripciones",
		SourceKind:        SourceCSV,
		SourcePrefix:      "limpio_",
		LedgerPath:        "envios.log",
		LedgerBackend:     LedgerFile,
		RotationThreshold: app.DefaultRotationThreshold,
		SMTPHost:          DefaultSMTPHost,
		SMTPPort:          587,
		SMTPTimeout:       smtp.DefaultTimeout,
		SubjectTemplate:   smtp.DefaultSubject,
		XMailer:           "certship",
		ArtifactKind:      ArtifactQR,
		ArtifactsDir:      "certificados",
		TemplateImage:     "template.jpg",
		LogLevel:          "info",
		LogFormat:         "console",
	}
}

// Validate checks the configuration for errors and sets derived defaults.
// Errors wrap domain.ErrInvalidConfig.
func (c *Config) Validate() error {
	if c.SourcePath == "" {
		return invalid("source-path is required")
	}
	switch c.SourceKind {
	case SourceCSV, SourceManifest:
	default:
		return invalid("source-kind must be %q or %q, got %q", SourceCSV, SourceManifest, c.SourceKind)
	}

	if c.LedgerPath == "" {
		return invalid("ledger-path is required")
	}
	switch c.LedgerBackend {
	case LedgerFile, LedgerSQLite:
	default:
		return invalid("ledger-backend must be %q or %q, got %q", LedgerFile, LedgerSQLite, c.LedgerBackend)
	}

	switch c.ArtifactKind {
	case ArtifactQR, ArtifactPrebuilt:
	default:
		return invalid("artifact-kind must be %q or %q, got %q", ArtifactQR, ArtifactPrebuilt, c.ArtifactKind)
	}
	// Manifest entries name pre-generated files
	if c.SourceKind == SourceManifest {
		c.ArtifactKind = ArtifactPrebuilt
	}

	if c.RotationThreshold < 1 {
		return invalid("rotation-threshold must be at least 1")
	}
	if c.Limit < 0 {
		return invalid("limit must not be negative")
	}
	if c.FailureCooldown < 0 {
		return invalid("failure-cooldown must not be negative")
	}

	if c.SMTPFrom == "" {
		c.SMTPFrom = c.SMTPUsername
	}
	if c.SMTPPort <= 0 || c.SMTPPort > 65535 {
		return invalid("smtp-port %d out of range", c.SMTPPort)
	}
	if c.SMTPTimeout <= 0 {
		c.SMTPTimeout = smtp.DefaultTimeout
	}

	c.PushgatewayURL = strings.TrimSuffix(c.PushgatewayURL, "/")
	return nil
}

// ValidateSend checks the settings needed to actually deliver mail.
func (c *Config) ValidateSend() error {
	if c.SMTPHost == "" {
		return invalid("smtp-host is required")
	}
	if c.SMTPFrom == "" {
		return invalid("smtp-from (or smtp-username) is required")
	}
	if _, err := mail.ParseAddress(c.SMTPFrom); err != nil {
		return invalid("smtp-from %q: %v", c.SMTPFrom, err)
	}
	return nil
}

// Redacted returns a copy safe to log.
func (c Config) Redacted() Config {
	if c.SMTPPassword != "" {
		c.SMTPPassword = "*****"
	}
	return c
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", domain.ErrInvalidConfig, fmt.Sprintf(format, args...))
}

// configSetter helps apply configuration values while respecting flag precedence.
// It only applies values if the corresponding flag hasn't been explicitly set.
type configSetter struct {
	changed map[string]bool
}

// newConfigSetter creates a new setter with the given changed flags map.
func newConfigSetter(changed map[string]bool) *configSetter {
	return &configSetter{changed: changed}
}

// setString sets a string value if not empty and flag not changed.
func (s *configSetter) setString(flag, value string, dst *string) {
	if value == "" || s.changed[flag] {
		return
	}
	*dst = value
}

// setInt sets an int value if positive and flag not changed.
func (s *configSetter) setInt(flag string, value int, dst *int) {
	if value <= 0 || s.changed[flag] {
		return
	}
	*dst = value
}

// setDuration parses and sets a duration from string if valid and flag not changed.
func (s *configSetter) setDuration(flag, value string, dst *time.Duration) error {
	if value == "" || s.changed[flag] {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", flag, err)
	}
	*dst = d
	return nil
}

// setBool sets a bool value from a pointer if not nil and flag not changed.
func (s *configSetter) setBool(flag string, value *bool, dst *bool) {
	if value == nil || s.changed[flag] {
		return
	}
	*dst = *value
}

// setIntFromString parses a string to int and sets the destination if valid.
// Used for environment variables that come as strings.
func (s *configSetter) setIntFromString(flag, value string, dst *int) error {
	if value == "" || s.changed[flag] {
		return nil
	}
	i, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", flag, err)
	}
	if i <= 0 {
		return nil
	}
	*dst = i
	return nil
}

// setBoolFromString parses a string to bool and sets the destination.
// Accepts "true", "1" as true, anything else as false.
// Used for environment variables that come as strings.
func (s *configSetter) setBoolFromString(flag, value string, dst *bool) {
	if value == "" || s.changed[flag] {
		return
	}
	*dst = value == "true" || value == "1"
}
