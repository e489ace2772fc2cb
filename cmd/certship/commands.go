package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/frlp-jornadas/certship/internal/adapters/fs"
	"github.com/frlp-jornadas/certship/internal/app"
	"github.com/frlp-jornadas/certship/internal/cleaning"
	"github.com/frlp-jornadas/certship/internal/cliconfig"
	"github.com/frlp-jornadas/certship/internal/domain"
	"github.com/frlp-jornadas/certship/internal/metrics"
	"github.com/frlp-jornadas/certship/internal/ports"
	"github.com/frlp-jornadas/certship/internal/source"
	"github.com/frlp-jornadas/certship/internal/watch"
)

// ManifestName is the manifest written by generate.
const ManifestName = "certificados_a_enviar.json"

func (c *cli) sendCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "send",
		Short: "Deliver every record not yet confirmed in the ledger (default command)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.send(cmd.Context())
		},
	}
}

// send performs one dispatch run.
func (c *cli) send(ctx context.Context) error {
	logger := c.logger()

	if !c.cfg.DryRun {
		if err := c.cfg.ValidateSend(); err != nil {
			return err
		}
	}

	cat, err := c.catalog()
	if err != nil {
		return err
	}
	composer, err := c.composer(cat)
	if err != nil {
		return err
	}

	src, err := c.openSource()
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer closeQuietly(src, logger, "source")

	ledger, err := c.openLedger()
	if err != nil {
		return err
	}
	defer closeQuietly(ledger, logger, "ledger")

	runID := newRunID()
	recorder := metrics.NewRecorder()

	d := app.NewDispatcher(
		app.DispatcherConfig{
			RotationThreshold: c.cfg.RotationThreshold,
			ResendAll:         c.cfg.ResendAll,
			DryRun:            c.cfg.DryRun,
			Limit:             c.cfg.Limit,
			FailureCooldown:   c.cfg.FailureCooldown,
			RunID:             runID,
		},
		src,
		c.generator(cat),
		composer,
		c.dialer(),
		ledger,
		app.WithLogger(logger),
		app.WithObserver(recorder),
	)

	c.log.Info().
		Str("run_id", runID).
		Str("source", c.cfg.SourcePath).
		Str("ledger", c.cfg.LedgerPath).
		Bool("dry_run", c.cfg.DryRun).
		Msg("run starting")

	_, runErr := d.Run(ctx)

	if c.cfg.PushgatewayURL != "" && !c.cfg.DryRun {
		// The run context may be cancelled already
		if err := recorder.Push(context.WithoutCancel(ctx), c.cfg.PushgatewayURL, runID); err != nil {
			logger.Warn("metrics push failed", ports.Err(err))
		}
	}
	return runErr
}

func (c *cli) watchCommand() *cobra.Command {
	var (
		debounce  = watch.DefaultDebounce
		retryBase = watch.DefaultRetryBase
		retryMax  = watch.DefaultRetryMax
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Run send now and again whenever source files change",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := c.logger()
			w := watch.New(c.watchRoot(), c.send,
				watch.WithDebounce(debounce),
				watch.WithLogger(logger),
				watch.WithRetry(retryBase, retryMax),
			)
			c.log.Info().Str("root", c.watchRoot()).Dur("debounce", debounce).Msg("watching for changes")
			return w.Run(cmd.Context())
		},
	}
	cmd.Flags().DurationVar(&debounce, "debounce", debounce, "quiet period after the last change before running")
	cmd.Flags().DurationVar(&retryBase, "retry-base", retryBase, "first retry delay after a failed run (0 disables retries)")
	cmd.Flags().DurationVar(&retryMax, "retry-max", retryMax, "maximum retry delay")
	return cmd
}

func (c *cli) cleanCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "clean [dir]",
		Short: "Validate raw registration exports and write clean, error and domain files",
		Long: `Reads every CSV file directly inside each department directory of dir
(default: source-path) and writes, into <department>/inscripciones-limpias:
  limpio_<name>.csv    rows with numeric DNI and Legajo and a valid Mail
  errores_<name>.csv   rejected rows with their row number and reasons
  dominios_<name>.csv  count of clean addresses per email domain`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root := c.cfg.SourcePath
			if len(args) == 1 {
				root = args[0]
			}

			results, err := cleaning.New(c.logger()).Dir(root)
			if err != nil {
				return err
			}

			var clean, rejected int
			for _, r := range results {
				clean += r.Clean
				rejected += r.Rejected
				if r.ErrorsPath != "" {
					c.log.Warn().Str("errors", r.ErrorsPath).Int("rejected", r.Rejected).Msg("rows rejected")
				}
			}
			c.log.Info().Int("files", len(results)).Int("clean", clean).Int("rejected", rejected).Msg("cleaning complete")
			return nil
		},
	}
}

func (c *cli) generateCommand() *cobra.Command {
	var manifestPath string

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Pre-generate QR artifacts for every record and write a manifest",
		Long: `Generates one QR image per record under artifacts-dir/<item>/ and writes
a JSON manifest that "send --source-kind manifest" can deliver from.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if manifestPath == "" {
				manifestPath = filepath.Join(c.cfg.ArtifactsDir, ManifestName)
			}
			return c.generate(cmd.Context(), manifestPath)
		},
	}
	cmd.Flags().StringVar(&manifestPath, "manifest", "", "manifest output path (default: <artifacts-dir>/"+ManifestName+")")
	return cmd
}

func (c *cli) generate(ctx context.Context, manifestPath string) error {
	logger := c.logger()

	cat, err := c.catalog()
	if err != nil {
		return err
	}
	src, err := source.NewCSVDirSource(c.cfg.SourcePath, source.CSVOptions{Prefix: c.cfg.SourcePrefix, Logger: logger})
	if err != nil {
		return err
	}
	defer closeQuietly(src, logger, "source")

	gen := c.qrGenerator(cat, c.cfg.ArtifactsDir, true)

	entries := []source.ManifestEntry{}
	var failed int
	for {
		rec, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		if !rec.HasRecipient() {
			continue
		}

		a, err := gen.Generate(ctx, rec)
		if err != nil {
			if !errors.Is(err, domain.ErrArtifactGeneration) {
				return err
			}
			failed++
			logger.Error("generate failed", ports.Err(err), ports.String("recipient", rec.Recipient), ports.String("item", rec.ItemKey))
			continue
		}

		// Prebuilt resolves <artifacts-dir>/<item>/<file>, which is where
		// a kept QR image is written.
		entries = append(entries, source.NewManifestEntry(rec, filepath.Base(a.Path)))
	}

	if err := fs.WriteJSONAtomic(manifestPath, entries); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	c.log.Info().
		Str("manifest", manifestPath).
		Int("generated", len(entries)).
		Int("failed", failed).
		Msg("generation complete")
	return nil
}

func (c *cli) ledgerCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Show confirmed and failed deliveries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.showLedger(cmd.Context(), cmd.OutOrStdout())
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "import <legacy-log>",
		Short: "Append the outcomes of a log written by the earlier scripts to the ledger",
		Long: `Reads "Correo enviado a ..." and "Error al enviar correo a ..." lines and
appends them, in order, to the configured ledger.

Talk titles logged as "para la charla: Redes Neuronales" are keyed as
"redes_neuronales", so they match CSV files named limpio_redes_neuronales.csv.
Files whose names contain upper-case letters do not match imported entries.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.importLedger(cmd.Context(), args[0])
		},
	})
	return cmd
}

func (c *cli) showLedger(ctx context.Context, out io.Writer) error {
	ledger, err := c.openLedger()
	if err != nil {
		return err
	}
	defer closeQuietly(ledger, c.logger(), "ledger")

	entries, err := ledger.ReadEntries(ctx)
	if err != nil {
		return err
	}
	state := domain.NewReconciliationState(len(entries) == 0)
	for _, e := range entries {
		state.Apply(e)
	}

	failed := make([]domain.Identity, 0, len(state.Failed))
	for id := range state.Failed {
		failed = append(failed, id)
	}
	sort.Slice(failed, func(i, j int) bool {
		if failed[i].Item != failed[j].Item {
			return failed[i].Item < failed[j].Item
		}
		return failed[i].Recipient < failed[j].Recipient
	})

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "entries\t%d\n", len(entries))
	fmt.Fprintf(tw, "confirmed\t%d\n", len(state.Confirmed))
	fmt.Fprintf(tw, "failed\t%d\n", len(state.Failed))
	if len(failed) > 0 {
		fmt.Fprintln(tw)
		fmt.Fprintln(tw, "ITEM\tRECIPIENT")
		for _, id := range failed {
			fmt.Fprintf(tw, "%s\t%s\n", id.Item, id.Recipient)
		}
	}
	return tw.Flush()
}

func (c *cli) importLedger(ctx context.Context, legacyPath string) error {
	if c.cfg.LedgerBackend != cliconfig.LedgerSQLite && samePath(legacyPath, c.cfg.LedgerPath) {
		return fmt.Errorf("%s is already the ledger", legacyPath)
	}

	entries, err := fs.NewFileLedger(legacyPath, c.logger()).ReadEntries(ctx)
	if err != nil {
		return err
	}

	ledger, err := c.openLedger()
	if err != nil {
		return err
	}
	defer closeQuietly(ledger, c.logger(), "ledger")

	for _, e := range entries {
		if err := ledger.Append(ctx, e); err != nil {
			return err
		}
	}
	c.log.Info().Str("from", legacyPath).Int("entries", len(entries)).Msg("legacy log imported")
	return nil
}

func samePath(a, b string) bool {
	aa, errA := filepath.Abs(a)
	bb, errB := filepath.Abs(b)
	return errA == nil && errB == nil && aa == bb
}
