package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/frlp-jornadas/certship/internal/domain"
	"github.com/frlp-jornadas/certship/internal/ports"
)

// DispatcherConfig contains configuration for the dispatch loop.
type DispatcherConfig struct {
	// RotationThreshold is the maximum number of sends per channel session
	RotationThreshold int

	// ResendAll attempts every record, confirmed ones included
	ResendAll bool

	// DryRun reports what would be sent without generating or sending
	DryRun bool

	// Limit stops the run after this many attempts (0 = unlimited)
	Limit int

	// FailureCooldown is the initial pause before reopening the channel
	// after a failed send (0 disables it)
	FailureCooldown time.Duration

	// RunID tags every ledger entry written by this run
	RunID string
}

// Dispatcher drives records from the source through reconciliation,
// artifact generation and the channel session, recording every outcome
// in the ledger.
type Dispatcher struct {
	config    DispatcherConfig
	source    ports.RecordSource
	generator ports.ArtifactGenerator
	composer  ports.MessageComposer
	dialer    ports.ChannelDialer
	ledger    ports.Ledger
	logger    ports.Logger
	observer  Observer
	now       func() time.Time
	remove    func(path string) error
}

// Option configures optional behavior of a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger. The default discards all messages.
func WithLogger(logger ports.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithObserver registers an observer. Observers are called in registration order.
func WithObserver(o Observer) Option {
	return func(d *Dispatcher) {
		if existing, ok := d.observer.(multiObserver); ok {
			d.observer = append(existing, o)
			return
		}
		d.observer = multiObserver{o}
	}
}

// WithClock overrides the time source used for ledger timestamps.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		d.now = now
	}
}

// NewDispatcher creates a new dispatcher with the given dependencies.
func NewDispatcher(
	config DispatcherConfig,
	source ports.RecordSource,
	generator ports.ArtifactGenerator,
	composer ports.MessageComposer,
	dialer ports.ChannelDialer,
	ledger ports.Ledger,
	opts ...Option,
) *Dispatcher {
	if config.RotationThreshold < 1 {
		config.RotationThreshold = DefaultRotationThreshold
	}
	d := &Dispatcher{
		config:    config,
		source:    source,
		generator: generator,
		composer:  composer,
		dialer:    dialer,
		ledger:    ledger,
		logger:    noopLogger{},
		observer:  multiObserver{},
		now:       time.Now,
		remove:    os.Remove,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run processes the source to exhaustion and returns the run summary.
//
// Per-record failures are recorded in the ledger and do not stop the run.
// Connection, authentication and ledger write failures abort it; the ledger
// is left as-is so the next run resumes where this one stopped.
func (d *Dispatcher) Run(ctx context.Context) (domain.Summary, error) {
	var sum domain.Summary

	state, err := d.ledger.Scan(ctx)
	if err != nil {
		return sum, fmt.Errorf("scan ledger: %w", err)
	}
	d.logger.Info("ledger scanned",
		ports.Int("confirmed", len(state.Confirmed)),
		ports.Int("failed", len(state.Failed)),
		ports.Bool("first_run", state.IsFirstRun),
		ports.Bool("resend_all", d.config.ResendAll),
	)

	session := NewSession(d.dialer, d.config.RotationThreshold, d.logger, &sessionEvents{d: d, ctx: ctx}, d.config.FailureCooldown)
	defer session.Close()

	attempted := make(map[domain.Identity]struct{})

	for {
		if err := ctx.Err(); err != nil {
			return d.finish(session, sum), err
		}
		if d.config.Limit > 0 && sum.Attempted+sum.Planned >= d.config.Limit {
			d.logger.Info("limit reached", ports.Int("limit", d.config.Limit))
			break
		}

		rec, err := d.source.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return d.finish(session, sum), fmt.Errorf("read source: %w", err)
		}
		sum.Read++

		if err := d.process(ctx, session, state, attempted, rec, &sum); err != nil {
			return d.finish(session, sum), err
		}
	}

	sum = d.finish(session, sum)
	if sum.Attempted > 0 {
		d.note(ctx, "run_finished",
			ports.Int("attempted", sum.Attempted),
			ports.Int("succeeded", sum.Succeeded),
			ports.Int("failed", sum.Failed),
		)
	}
	return sum, nil
}

// process handles one record. Only fatal errors are returned.
func (d *Dispatcher) process(
	ctx context.Context,
	session *Session,
	state domain.ReconciliationState,
	attempted map[domain.Identity]struct{},
	rec domain.Record,
	sum *domain.Summary,
) error {
	if !rec.HasRecipient() {
		sum.SkippedBlank++
		d.logger.Warn("record without recipient",
			ports.String("name", rec.DisplayName),
			ports.String("item", rec.ItemKey),
		)
		return nil
	}

	id := rec.Identity()
	if !ShouldSend(id, state, d.config.ResendAll) {
		sum.SkippedConfirmed++
		return nil
	}
	if _, dup := attempted[id]; dup {
		sum.SkippedDuplicate++
		d.logger.Debug("duplicate identity in source", ports.String("identity", id.String()))
		return nil
	}
	attempted[id] = struct{}{}

	if d.config.DryRun {
		sum.Planned++
		d.logger.Info("would send",
			ports.String("recipient", rec.Recipient),
			ports.String("item", rec.ItemKey),
			ports.Bool("retry", state.IsFailed(id)),
		)
		return nil
	}

	sum.Attempted++

	artifact, err := d.generator.Generate(ctx, rec)
	if err != nil {
		sum.ArtifactFailures++
		return d.recordFailure(ctx, rec, domain.StageArtifact, err, sum)
	}

	if err := session.Ensure(ctx); err != nil {
		d.discard(artifact)
		return err
	}

	msg, err := d.composer.Compose(rec, artifact)
	if err != nil {
		d.discard(artifact)
		return d.recordFailure(ctx, rec, domain.StageSend, fmt.Errorf("compose message: %w", err), sum)
	}

	start := time.Now()
	if err := session.Send(ctx, msg); err != nil {
		if domain.IsFatal(err) {
			d.discard(artifact)
			return err
		}
		d.discard(artifact)
		return d.recordFailure(ctx, rec, domain.StageSend, err, sum)
	}
	took := time.Since(start)

	// The message is out; the outcome must be recorded even if the run
	// was cancelled while sending.
	if err := d.ledger.Append(context.WithoutCancel(ctx), domain.LedgerEntry{
		Recipient:   rec.Recipient,
		DisplayName: rec.DisplayName,
		ItemKey:     rec.ItemKey,
		Outcome:     domain.OutcomeSuccess,
		RunID:       d.config.RunID,
		Timestamp:   d.now(),
	}); err != nil {
		return err
	}
	sum.Succeeded++

	d.logger.Info("delivered",
		ports.String("recipient", rec.Recipient),
		ports.String("item", rec.ItemKey),
		ports.Duration("duration", took),
	)
	d.observer.OnDelivered(id, took)

	d.discard(artifact)
	return nil
}

// recordFailure logs a recoverable failure and appends it to the ledger.
// Only a ledger write failure is returned.
func (d *Dispatcher) recordFailure(ctx context.Context, rec domain.Record, stage domain.FailureStage, cause error, sum *domain.Summary) error {
	sum.Failed++

	d.logger.Error("delivery failed",
		ports.Err(cause),
		ports.String("recipient", rec.Recipient),
		ports.String("item", rec.ItemKey),
		ports.String("stage", string(stage)),
	)
	d.observer.OnDeliveryFailed(rec.Identity(), stage)

	return d.ledger.Append(context.WithoutCancel(ctx), domain.LedgerEntry{
		Recipient:   rec.Recipient,
		DisplayName: rec.DisplayName,
		ItemKey:     rec.ItemKey,
		Outcome:     domain.OutcomeFailure,
		Stage:       stage,
		Reason:      cause.Error(),
		RunID:       d.config.RunID,
		Timestamp:   d.now(),
	})
}

// discard removes a transient artifact. Failures are logged, never fatal.
func (d *Dispatcher) discard(a ports.Artifact) {
	if !a.Transient || a.Path == "" {
		return
	}
	if err := d.remove(a.Path); err != nil && !os.IsNotExist(err) {
		d.logger.Warn("remove artifact failed", ports.Err(err), ports.String("path", a.Path))
	}
}

// finish closes the session and folds its counters into the summary.
func (d *Dispatcher) finish(session *Session, sum domain.Summary) domain.Summary {
	session.Close()
	sum.Rotations = session.Rotations()

	d.logger.Info("run summary",
		ports.Int("read", sum.Read),
		ports.Int("attempted", sum.Attempted),
		ports.Int("succeeded", sum.Succeeded),
		ports.Int("failed", sum.Failed),
		ports.Int("artifact_failures", sum.ArtifactFailures),
		ports.Int("skipped_confirmed", sum.SkippedConfirmed),
		ports.Int("skipped_blank", sum.SkippedBlank),
		ports.Int("skipped_duplicate", sum.SkippedDuplicate),
		ports.Int("planned", sum.Planned),
		ports.Int("rotations", sum.Rotations),
	)
	return sum
}

// note writes an informational ledger line. Failures are logged only;
// outcome entries are the ones that must be durable.
func (d *Dispatcher) note(ctx context.Context, event string, fields ...ports.Field) {
	fields = append([]ports.Field{ports.String("run_id", d.config.RunID)}, fields...)
	if err := d.ledger.Note(ctx, event, fields...); err != nil {
		d.logger.Warn("ledger note failed", ports.Err(err), ports.String("event", event))
	}
}

// sessionEvents forwards session transitions to the ledger and observers.
type sessionEvents struct {
	d   *Dispatcher
	ctx context.Context
}

func (e *sessionEvents) OnSessionOpened() {
	e.d.logger.Info("session opened")
	e.d.note(e.ctx, "session_opened")
	e.d.observer.OnSessionOpened()
}

func (e *sessionEvents) OnSessionClosed(reason CloseReason, sends int) {
	e.d.logger.Info("session closed", ports.String("reason", string(reason)), ports.Int("sends", sends))
	e.d.note(e.ctx, "session_closed", ports.String("reason", string(reason)), ports.Int("sends", sends))
	e.d.observer.OnSessionClosed(reason, sends)
}

func (e *sessionEvents) OnDelivered(id domain.Identity, took time.Duration)             {}
func (e *sessionEvents) OnDeliveryFailed(id domain.Identity, stage domain.FailureStage) {}

// noopLogger discards all log messages.
type noopLogger struct{}

func (noopLogger) Debug(msg string, fields ...ports.Field) {}
func (noopLogger) Info(msg string, fields ...ports.Field)  {}
func (noopLogger) Warn(msg string, fields ...ports.Field)  {}
func (noopLogger) Error(msg string, fields ...ports.Field) {}
