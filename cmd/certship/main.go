package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"runtime/debug"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	pflag "github.com/spf13/pflag"

	"github.com/frlp-jornadas/certship/internal/cliconfig"
)

const helpDescription = `
Deliver attendance certificates and QR codes of the Jornadas de Formación
Profesional by email.

Every outcome is appended to a delivery ledger. Re-running the command only
sends what has not been confirmed yet, so an interrupted batch resumes where
it stopped.

Configure via file ($HOME/.certship/config.toml or YAML), CERTSHIP_*
environment variables, a .env file, or flags.
`

var exampleUsage = strings.TrimSpace(`
  certship clean inscripciones
  certship send --source-path inscripciones --dry-run
  certship send --ledger-path envios.log --rotation-threshold 10
  certship generate --artifacts-dir certificados
  certship send --source-kind manifest --source-path certificados/certificados_a_enviar.json
  certship ledger
  certship watch
`)

func getVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "dev"
}

// cli carries the resolved configuration and logger to subcommands.
type cli struct {
	cfg     cliconfig.Config
	cfgPath string
	envFile string
	log     zerolog.Logger
}

func main() {
	c := &cli{
		cfg: cliconfig.DefaultConfig(),
		log: cliconfig.Logger("info", "console"),
	}

	root := &cobra.Command{
		Use:     "certship",
		Short:   "Send conference certificates by email, resuming from a delivery ledger",
		Long:    strings.TrimSpace(helpDescription),
		Example: exampleUsage,
		Version: fmt.Sprintf("%s %s/%s", getVersion(), runtime.GOOS, runtime.GOARCH),
		// Bare invocation sends
		RunE:              func(cmd *cobra.Command, args []string) error { return c.send(cmd.Context()) },
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return c.load(cmd) },
		SilenceUsage:      true,
		SilenceErrors:     true,
	}

	c.bindFlags(root.PersistentFlags())

	root.AddCommand(
		c.sendCommand(),
		c.watchCommand(),
		c.cleanCommand(),
		c.generateCommand(),
		c.ledgerCommand(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		c.log.Error().Err(err).Msg("certship")
		stop()
		os.Exit(1)
	}
}

func (c *cli) bindFlags(f *pflag.FlagSet) {
	cfg := &c.cfg

	f.StringVar(&c.cfgPath, "config", "", "path to config file, TOML or YAML (default: $HOME/.certship/config.toml)")
	f.StringVar(&c.envFile, "env-file", ".env", "dotenv file with credentials")

	f.StringVar(&cfg.SourcePath, "source-path", cfg.SourcePath, "directory of registration CSV files, or manifest file")
	f.StringVar(&cfg.SourceKind, "source-kind", cfg.SourceKind, "record source: csv or manifest")
	f.StringVar(&cfg.SourcePrefix, "source-prefix", cfg.SourcePrefix, "only read CSV files whose name starts with this prefix")
	f.StringVar(&cfg.CatalogPath, "catalog", cfg.CatalogPath, "';'-separated code;name table of item names")

	f.StringVar(&cfg.LedgerPath, "ledger-path", cfg.LedgerPath, "delivery ledger location")
	f.StringVar(&cfg.LedgerBackend, "ledger-backend", cfg.LedgerBackend, "ledger backend: file or sqlite")

	f.IntVar(&cfg.RotationThreshold, "rotation-threshold", cfg.RotationThreshold, "sends per SMTP session before reconnecting")
	f.BoolVar(&cfg.ResendAll, "resend-all", cfg.ResendAll, "send to every record, already confirmed ones included")
	f.DurationVar(&cfg.FailureCooldown, "failure-cooldown", cfg.FailureCooldown, "pause before reconnecting after a failed send (0 disables)")
	f.BoolVar(&cfg.DryRun, "dry-run", cfg.DryRun, "report what would be sent without sending")
	f.IntVar(&cfg.Limit, "limit", cfg.Limit, "stop after this many attempts (0 = unlimited)")

	f.StringVar(&cfg.SMTPHost, "smtp-host", cfg.SMTPHost, "SMTP server host")
	f.IntVar(&cfg.SMTPPort, "smtp-port", cfg.SMTPPort, "SMTP server port (465 uses implicit TLS)")
	f.StringVar(&cfg.SMTPUsername, "smtp-username", cfg.SMTPUsername, "SMTP user")
	f.StringVar(&cfg.SMTPPassword, "smtp-password", cfg.SMTPPassword, "SMTP password")
	f.StringVar(&cfg.SMTPFrom, "smtp-from", cfg.SMTPFrom, "sender address (defaults to smtp-username)")
	f.StringVar(&cfg.SMTPAlias, "smtp-alias", cfg.SMTPAlias, "sender display name")
	f.StringVar(&cfg.ReplyTo, "reply-to", cfg.ReplyTo, "Reply-To address")
	f.DurationVar(&cfg.SMTPTimeout, "smtp-timeout", cfg.SMTPTimeout, "SMTP dial and command timeout")
	f.BoolVar(&cfg.SMTPInsecureSkipVerify, "smtp-insecure-skip-verify", cfg.SMTPInsecureSkipVerify, "skip TLS certificate verification (testing only)")

	f.StringVar(&cfg.SubjectTemplate, "subject", cfg.SubjectTemplate, "subject template")
	f.StringVar(&cfg.BodyTemplatePath, "body-template", cfg.BodyTemplatePath, "HTML body template file")
	f.StringVar(&cfg.XMailer, "x-mailer", cfg.XMailer, "X-Mailer header")

	f.StringVar(&cfg.ArtifactKind, "artifact-kind", cfg.ArtifactKind, "artifact: qr (generated) or prebuilt")
	f.StringVar(&cfg.ArtifactsDir, "artifacts-dir", cfg.ArtifactsDir, "directory of pre-generated artifacts")
	f.StringVar(&cfg.TemplateImage, "template-image", cfg.TemplateImage, "QR background template (PNG or JPEG)")
	f.StringVar(&cfg.FontPath, "font", cfg.FontPath, "OpenType font for the QR headline (default: built-in bitmap face)")
	f.StringVar(&cfg.WorkDir, "work-dir", cfg.WorkDir, "directory for transient artifacts (default: system temp)")
	f.StringVar(&cfg.Headline, "headline", cfg.Headline, "text drawn above the item name")

	f.StringVar(&cfg.PushgatewayURL, "pushgateway-url", cfg.PushgatewayURL, "push run metrics to this Prometheus Pushgateway")
	f.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level: debug, info, warn, error")
	f.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "log format: console or json")

	for _, hidden := range []string{"smtp-insecure-skip-verify"} {
		if err := f.MarkHidden(hidden); err != nil {
			c.log.Info().Err(err).Msg("failed to hide flag")
		}
	}
}

// load resolves the configuration: defaults, file, .env, environment,
// then flags.
func (c *cli) load(cmd *cobra.Command) error {
	cfgFile := c.cfgPath
	if cfgFile == "" {
		cfgFile = cliconfig.DefaultConfigPath()
	}

	// Build set of changed flags
	changed := map[string]bool{}
	cmd.Flags().Visit(func(f *pflag.Flag) { changed[f.Name] = true })

	if cfgFile != "" && cliconfig.FileExists(cfgFile) {
		fc, err := cliconfig.LoadFileConfig(cfgFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if err := cliconfig.ApplyFileConfig(&c.cfg, fc, changed); err != nil {
			return err
		}
	} else if c.cfgPath != "" {
		return fmt.Errorf("config file %s not found", c.cfgPath)
	}

	if err := cliconfig.LoadDotEnv(c.envFile); err != nil {
		return fmt.Errorf("load %s: %w", c.envFile, err)
	}
	if err := cliconfig.ApplyEnvConfig(&c.cfg, changed); err != nil {
		return err
	}

	if err := c.cfg.Validate(); err != nil {
		return err
	}

	c.log = cliconfig.Logger(c.cfg.LogLevel, c.cfg.LogFormat)
	c.log.Debug().Interface("config", c.cfg.Redacted()).Msg("configuration")
	return nil
}
