package cliconfig

import (
	"os"

	"github.com/joho/godotenv"
)

// LoadDotEnv loads KEY=VALUE pairs from path into the process
// environment without overriding variables that are already set. A
// missing file is not an error.
func LoadDotEnv(path string) error {
	if path == "" || !FileExists(path) {
		return nil
	}
	return godotenv.Load(path)
}

// ApplyEnvConfig applies configuration from environment variables (CERTSHIP_*).
// The legacy EMAIL_SENDER, EMAIL_PASSWORD and EMAIL_ALIAS variables are
// honoured when the CERTSHIP_ equivalent is unset.
// It respects flags that have been explicitly set (changed map).
// Returns error if any environment variable has an invalid format.
func ApplyEnvConfig(cfg *Config, changed map[string]bool) error {
	s := newConfigSetter(changed)

	s.setString("smtp-username", os.Getenv("EMAIL_SENDER"), &cfg.SMTPUsername)
	s.setString("smtp-from", os.Getenv("EMAIL_SENDER"), &cfg.SMTPFrom)
	s.setString("smtp-password", os.Getenv("EMAIL_PASSWORD"), &cfg.SMTPPassword)
	s.setString("smtp-alias", os.Getenv("EMAIL_ALIAS"), &cfg.SMTPAlias)

	s.setString("source-path", os.Getenv("CERTSHIP_SOURCE_PATH"), &cfg.SourcePath)
	s.setString("source-kind", os.Getenv("CERTSHIP_SOURCE_KIND"), &cfg.SourceKind)
	s.setString("source-prefix", os.Getenv("CERTSHIP_SOURCE_PREFIX"), &cfg.SourcePrefix)
	s.setString("catalog", os.Getenv("CERTSHIP_CATALOG_PATH"), &cfg.CatalogPath)
	s.setString("ledger-path", os.Getenv("CERTSHIP_LEDGER_PATH"), &cfg.LedgerPath)
	s.setString("ledger-backend", os.Getenv("CERTSHIP_LEDGER_BACKEND"), &cfg.LedgerBackend)

	s.setString("smtp-host", os.Getenv("CERTSHIP_SMTP_HOST"), &cfg.SMTPHost)
	s.setString("smtp-username", os.Getenv("CERTSHIP_SMTP_USERNAME"), &cfg.SMTPUsername)
	s.setString("smtp-password", os.Getenv("CERTSHIP_SMTP_PASSWORD"), &cfg.SMTPPassword)
	s.setString("smtp-from", os.Getenv("CERTSHIP_SMTP_FROM"), &cfg.SMTPFrom)
	s.setString("smtp-alias", os.Getenv("CERTSHIP_SMTP_ALIAS"), &cfg.SMTPAlias)
	s.setString("reply-to", os.Getenv("CERTSHIP_REPLY_TO"), &cfg.ReplyTo)

	s.setString("subject", os.Getenv("CERTSHIP_SUBJECT_TEMPLATE"), &cfg.SubjectTemplate)
	s.setString("body-template", os.Getenv("CERTSHIP_BODY_TEMPLATE_PATH"), &cfg.BodyTemplatePath)
	s.setString("x-mailer", os.Getenv("CERTSHIP_X_MAILER"), &cfg.XMailer)

	s.setString("artifact-kind", os.Getenv("CERTSHIP_ARTIFACT_KIND"), &cfg.ArtifactKind)
	s.setString("artifacts-dir", os.Getenv("CERTSHIP_ARTIFACTS_DIR"), &cfg.ArtifactsDir)
	s.setString("template-image", os.Getenv("CERTSHIP_TEMPLATE_IMAGE"), &cfg.TemplateImage)
	s.setString("font", os.Getenv("CERTSHIP_FONT_PATH"), &cfg.FontPath)
	s.setString("work-dir", os.Getenv("CERTSHIP_WORK_DIR"), &cfg.WorkDir)
	s.setString("headline", os.Getenv("CERTSHIP_HEADLINE"), &cfg.Headline)

	s.setString("pushgateway-url", os.Getenv("CERTSHIP_PUSHGATEWAY_URL"), &cfg.PushgatewayURL)
	s.setString("log-level", os.Getenv("CERTSHIP_LOG_LEVEL"), &cfg.LogLevel)
	s.setString("log-format", os.Getenv("CERTSHIP_LOG_FORMAT"), &cfg.LogFormat)

	if err := s.setDuration("failure-cooldown", os.Getenv("CERTSHIP_FAILURE_COOLDOWN"), &cfg.FailureCooldown); err != nil {
		return err
	}
	if err := s.setDuration("smtp-timeout", os.Getenv("CERTSHIP_SMTP_TIMEOUT"), &cfg.SMTPTimeout); err != nil {
		return err
	}

	if err := s.setIntFromString("rotation-threshold", os.Getenv("CERTSHIP_ROTATION_THRESHOLD"), &cfg.RotationThreshold); err != nil {
		return err
	}
	if err := s.setIntFromString("limit", os.Getenv("CERTSHIP_LIMIT"), &cfg.Limit); err != nil {
		return err
	}
	if err := s.setIntFromString("smtp-port", os.Getenv("CERTSHIP_SMTP_PORT"), &cfg.SMTPPort); err != nil {
		return err
	}

	s.setBoolFromString("resend-all", os.Getenv("CERTSHIP_RESEND_ALL"), &cfg.ResendAll)
	s.setBoolFromString("dry-run", os.Getenv("CERTSHIP_DRY_RUN"), &cfg.DryRun)
	s.setBoolFromString("smtp-insecure-skip-verify", os.Getenv("CERTSHIP_SMTP_INSECURE_SKIP_VERIFY"), &cfg.SMTPInsecureSkipVerify)

	return nil
}
