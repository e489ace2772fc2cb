package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/frlp-jornadas/certship/internal/adapters/fs"
	logAdapter "github.com/frlp-jornadas/certship/internal/adapters/log"
	"github.com/frlp-jornadas/certship/internal/adapters/smtp"
	"github.com/frlp-jornadas/certship/internal/adapters/sqlite"
	"github.com/frlp-jornadas/certship/internal/artifact"
	"github.com/frlp-jornadas/certship/internal/cliconfig"
	"github.com/frlp-jornadas/certship/internal/domain"
	"github.com/frlp-jornadas/certship/internal/ports"
	"github.com/frlp-jornadas/certship/internal/source"
)

// ledgerStore is a ledger whose full history can be listed.
type ledgerStore interface {
	ports.Ledger
	ReadEntries(ctx context.Context) ([]domain.LedgerEntry, error)
}

func (c *cli) logger() ports.Logger {
	return logAdapter.NewZerologAdapterWithLogger(c.log)
}

func (c *cli) openLedger() (ledgerStore, error) {
	switch c.cfg.LedgerBackend {
	case cliconfig.LedgerSQLite:
		l, err := sqlite.Open(c.cfg.LedgerPath)
		if err != nil {
			return nil, fmt.Errorf("open ledger: %w", err)
		}
		return l, nil
	default:
		return fs.NewFileLedger(c.cfg.LedgerPath, c.logger()), nil
	}
}

func (c *cli) openSource() (ports.RecordSource, error) {
	if c.cfg.SourceKind == cliconfig.SourceManifest {
		return source.NewManifestSource(c.cfg.SourcePath)
	}
	return source.NewCSVDirSource(c.cfg.SourcePath, source.CSVOptions{
		Prefix: c.cfg.SourcePrefix,
		Logger: c.logger(),
	})
}

// catalog loads the item name table. Without one, item keys are
// humanised.
func (c *cli) catalog() (source.Catalog, error) {
	if c.cfg.CatalogPath == "" {
		return source.Catalog{}, nil
	}
	return source.LoadCatalog(c.cfg.CatalogPath)
}

func (c *cli) qrGenerator(cat source.Catalog, outDir string, keep bool) *artifact.QRGenerator {
	return artifact.NewQRGenerator(artifact.QRConfig{
		TemplatePath: c.cfg.TemplateImage,
		FontPath:     c.cfg.FontPath,
		OutputDir:    outDir,
		Keep:         keep,
		Headline:     c.cfg.Headline,
		ItemName:     cat.Name,
	}, c.logger())
}

func (c *cli) generator(cat source.Catalog) ports.ArtifactGenerator {
	if c.cfg.ArtifactKind == cliconfig.ArtifactPrebuilt {
		return artifact.NewPrebuilt(c.cfg.ArtifactsDir)
	}
	return c.qrGenerator(cat, c.cfg.WorkDir, false)
}

func (c *cli) composer(cat source.Catalog) (*smtp.Composer, error) {
	var body string
	if c.cfg.BodyTemplatePath != "" {
		b, err := os.ReadFile(c.cfg.BodyTemplatePath)
		if err != nil {
			return nil, fmt.Errorf("%w: read body template: %v", domain.ErrInvalidConfig, err)
		}
		body = string(b)
	}
	return smtp.NewComposer(smtp.ComposerConfig{
		From:            c.cfg.SMTPFrom,
		Alias:           c.cfg.SMTPAlias,
		ReplyTo:         c.cfg.ReplyTo,
		XMailer:         c.cfg.XMailer,
		SubjectTemplate: c.cfg.SubjectTemplate,
		BodyTemplate:    body,
		ItemName:        cat.Name,
	})
}

func (c *cli) dialer() *smtp.Dialer {
	return smtp.NewDialer(smtp.Config{
		Host:               c.cfg.SMTPHost,
		Port:               c.cfg.SMTPPort,
		Username:           c.cfg.SMTPUsername,
		Password:           c.cfg.SMTPPassword,
		Timeout:            c.cfg.SMTPTimeout,
		InsecureSkipVerify: c.cfg.SMTPInsecureSkipVerify,
	}, c.logger())
}

func newRunID() string {
	return uuid.NewString()
}

// watchRoot is the directory watched for input changes.
func (c *cli) watchRoot() string {
	if c.cfg.SourceKind == cliconfig.SourceManifest {
		return filepath.Dir(c.cfg.SourcePath)
	}
	return c.cfg.SourcePath
}

func closeQuietly(c interface{ Close() error }, log ports.Logger, what string) {
	if err := c.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		log.Warn("close failed", ports.Err(err), ports.String("resource", what))
	}
}
