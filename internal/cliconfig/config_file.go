package cliconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// FileConfig mirrors Config but uses strings for durations to make TOML friendly.
type FileConfig struct {
	SourcePath   string `toml:"source_path" yaml:"source_path"`
	SourceKind   string `toml:"source_kind" yaml:"source_kind"`
	SourcePrefix string `toml:"source_prefix" yaml:"source_prefix"`
	CatalogPath  string `toml:"catalog_path" yaml:"catalog_path"`

	LedgerPath    string `toml:"ledger_path" yaml:"ledger_path"`
	LedgerBackend string `toml:"ledger_backend" yaml:"ledger_backend"`

	RotationThreshold int    `toml:"rotation_threshold" yaml:"rotation_threshold"`
	ResendAll         *bool  `toml:"resend_all" yaml:"resend_all"`
	FailureCooldown   string `toml:"failure_cooldown" yaml:"failure_cooldown"`
	DryRun            *bool  `toml:"dry_run" yaml:"dry_run"`
	Limit             int    `toml:"limit" yaml:"limit"`

	SMTPHost               string `toml:"smtp_host" yaml:"smtp_host"`
	SMTPPort               int    `toml:"smtp_port" yaml:"smtp_port"`
	SMTPUsername           string `toml:"smtp_username" yaml:"smtp_username"`
	SMTPPassword           string `toml:"smtp_password" yaml:"smtp_password"`
	SMTPFrom               string `toml:"smtp_from" yaml:"smtp_from"`
	SMTPAlias              string `toml:"smtp_alias" yaml:"smtp_alias"`
	ReplyTo                string `toml:"reply_to" yaml:"reply_to"`
	SMTPTimeout            string `toml:"smtp_timeout" yaml:"smtp_timeout"`
	SMTPInsecureSkipVerify *bool  `toml:"smtp_insecure_skip_verify" yaml:"smtp_insecure_skip_verify"`

	SubjectTemplate  string `toml:"subject_template" yaml:"subject_template"`
	BodyTemplatePath string `toml:"body_template_path" yaml:"body_template_path"`
	XMailer          string `toml:"x_mailer" yaml:"x_mailer"`

	ArtifactKind  string `toml:"artifact_kind" yaml:"artifact_kind"`
	ArtifactsDir  string `toml:"artifacts_dir" yaml:"artifacts_dir"`
	TemplateImage string `toml:"template_image" yaml:"template_image"`
	FontPath      string `toml:"font_path" yaml:"font_path"`
	WorkDir       string `toml:"work_dir" yaml:"work_dir"`
	Headline      string `toml:"headline" yaml:"headline"`

	PushgatewayURL string `toml:"pushgateway_url" yaml:"pushgateway_url"`

	LogLevel  string `toml:"log_level" yaml:"log_level"`
	LogFormat string `toml:"log_format" yaml:"log_format"`
}

// LoadFileConfig reads and parses a config file. Files ending in .yaml or
// .yml are parsed as YAML; anything else as TOML.
func LoadFileConfig(path string) (FileConfig, error) {
	var fc FileConfig
	b, err := os.ReadFile(path)
	if err != nil {
		return fc, err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &fc); err != nil {
			return fc, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		if err := toml.Unmarshal(b, &fc); err != nil {
			return fc, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	return fc, nil
}

// DefaultConfigPath returns the default configuration file path.
// Returns ~/.certship/config.toml if user home directory is accessible.
func DefaultConfigPath() string {
	if h, err := os.UserHomeDir(); err == nil {
		return filepath.Join(h, ".certship", "config.toml")
	}
	return ""
}

// ApplyFileConfig applies configuration from a file to the Config struct.
// It respects flags that have been explicitly set (changed map).
func ApplyFileConfig(cfg *Config, fc FileConfig, changed map[string]bool) error {
	s := newConfigSetter(changed)

	s.setString("source-path", fc.SourcePath, &cfg.SourcePath)
	s.setString("source-kind", fc.SourceKind, &cfg.SourceKind)
	s.setString("source-prefix", fc.SourcePrefix, &cfg.SourcePrefix)
	s.setString("catalog", fc.CatalogPath, &cfg.CatalogPath)
	s.setString("ledger-path", fc.LedgerPath, &cfg.LedgerPath)
	s.setString("ledger-backend", fc.LedgerBackend, &cfg.LedgerBackend)

	s.setString("smtp-host", fc.SMTPHost, &cfg.SMTPHost)
	s.setString("smtp-username", fc.SMTPUsername, &cfg.SMTPUsername)
	s.setString("smtp-password", fc.SMTPPassword, &cfg.SMTPPassword)
	s.setString("smtp-from", fc.SMTPFrom, &cfg.SMTPFrom)
	s.setString("smtp-alias", fc.SMTPAlias, &cfg.SMTPAlias)
	s.setString("reply-to", fc.ReplyTo, &cfg.ReplyTo)

	s.setString("subject", fc.SubjectTemplate, &cfg.SubjectTemplate)
	s.setString("body-template", fc.BodyTemplatePath, &cfg.BodyTemplatePath)
	s.setString("x-mailer", fc.XMailer, &cfg.XMailer)

	s.setString("artifact-kind", fc.ArtifactKind, &cfg.ArtifactKind)
	s.setString("artifacts-dir", fc.ArtifactsDir, &cfg.ArtifactsDir)
	s.setString("template-image", fc.TemplateImage, &cfg.TemplateImage)
	s.setString("font", fc.FontPath, &cfg.FontPath)
	s.setString("work-dir", fc.WorkDir, &cfg.WorkDir)
	s.setString("headline", fc.Headline, &cfg.Headline)

	s.setString("pushgateway-url", fc.PushgatewayURL, &cfg.PushgatewayURL)
	s.setString("log-level", fc.LogLevel, &cfg.LogLevel)
	s.setString("log-format", fc.LogFormat, &cfg.LogFormat)

	if err := s.setDuration("failure-cooldown", fc.FailureCooldown, &cfg.FailureCooldown); err != nil {
		return err
	}
	if err := s.setDuration("smtp-timeout", fc.SMTPTimeout, &cfg.SMTPTimeout); err != nil {
		return err
	}

	s.setInt("rotation-threshold", fc.RotationThreshold, &cfg.RotationThreshold)
	s.setInt("limit", fc.Limit, &cfg.Limit)
	s.setInt("smtp-port", fc.SMTPPort, &cfg.SMTPPort)

	s.setBool("resend-all", fc.ResendAll, &cfg.ResendAll)
	s.setBool("dry-run", fc.DryRun, &cfg.DryRun)
	s.setBool("smtp-insecure-skip-verify", fc.SMTPInsecureSkipVerify, &cfg.SMTPInsecureSkipVerify)

	return nil
}

// FileExists checks if a file exists at the given path.
func FileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}
