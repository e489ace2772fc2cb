package app

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/frlp-jornadas/certship/internal/domain"
	"github.com/frlp-jornadas/certship/internal/ports"
)

type dispatchFixture struct {
	source    *sliceSource
	generator *fakeGenerator
	dialer    *fakeDialer
	composer  ports.MessageComposer
	ledger    *memLedger
	observer  *recordingObserver
	removed   []string
}

func newFixture(ledger *memLedger, records ...domain.Record) *dispatchFixture {
	if ledger == nil {
		ledger = &memLedger{}
	}
	return &dispatchFixture{
		source:    &sliceSource{records: records},
		generator: &fakeGenerator{},
		dialer:    &fakeDialer{},
		composer:  fakeComposer{},
		ledger:    ledger,
		observer:  &recordingObserver{},
	}
}

func (f *dispatchFixture) run(t *testing.T, cfg DispatcherConfig) (domain.Summary, error) {
	t.Helper()
	return f.runContext(t, context.Background(), cfg)
}

func (f *dispatchFixture) runContext(t *testing.T, ctx context.Context, cfg DispatcherConfig) (domain.Summary, error) {
	t.Helper()
	d := NewDispatcher(cfg, f.source, f.generator, f.composer, f.dialer, f.ledger,
		WithLogger(mockLogger{}),
		WithObserver(f.observer),
		WithClock(func() time.Time { return time.Date(2025, 9, 18, 10, 0, 0, 0, time.UTC) }),
	)
	d.remove = func(path string) error {
		f.removed = append(f.removed, path)
		return nil
	}
	return d.Run(ctx)
}

func TestDispatcher_FirstRunSendsAll(t *testing.T) {
	f := newFixture(nil,
		rec("ana@example.org", "redes-101"),
		rec("beto@example.org", "redes-101"),
		rec("caro@example.org", "ia-202"),
	)

	sum, err := f.run(t, DispatcherConfig{RotationThreshold: 2, RunID: "run-1"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if sum.Succeeded != 3 || sum.Attempted != 3 || sum.Failed != 0 {
		t.Errorf("summary = %+v, want 3 attempted and succeeded", sum)
	}
	want := []string{"ana@example.org", "beto@example.org", "caro@example.org"}
	if got := f.dialer.recipients(); !reflect.DeepEqual(got, want) {
		t.Errorf("sent to %v, want %v", got, want)
	}
	// Threshold 2 with 3 sends: one rotation, two channels
	if f.dialer.opens != 2 || f.dialer.closes != 2 {
		t.Errorf("opens=%d closes=%d, want 2 and 2", f.dialer.opens, f.dialer.closes)
	}
	if sum.Rotations != 1 {
		t.Errorf("rotations = %d, want 1", sum.Rotations)
	}
	if len(f.removed) != 3 {
		t.Errorf("removed %d artifacts, want 3", len(f.removed))
	}
	for _, e := range f.ledger.entries {
		if e.Outcome != domain.OutcomeSuccess || e.RunID != "run-1" {
			t.Errorf("unexpected entry %+v", e)
		}
	}
	if f.observer.delivered != 3 {
		t.Errorf("observer delivered = %d, want 3", f.observer.delivered)
	}
}

func TestDispatcher_ConfirmedRecordSkipped(t *testing.T) {
	ledger := &memLedger{entries: []domain.LedgerEntry{
		{Recipient: "ana@example.org", ItemKey: "redes-101", Outcome: domain.OutcomeSuccess},
	}}
	f := newFixture(ledger, rec("ana@example.org", "redes-101"))

	sum, err := f.run(t, DispatcherConfig{})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if sum.SkippedConfirmed != 1 || sum.Attempted != 0 {
		t.Errorf("summary = %+v, want one confirmed skip", sum)
	}
	if f.generator.calls != 0 {
		t.Errorf("generator called %d times, want 0", f.generator.calls)
	}
	if f.dialer.opens != 0 {
		t.Errorf("dialer opened %d times, want 0", f.dialer.opens)
	}
	if len(ledger.entries) != 1 || len(ledger.notes) != 0 {
		t.Errorf("ledger grew: entries=%d notes=%v", len(ledger.entries), ledger.notes)
	}
}

func TestDispatcher_MidBatchFailureRetriedNextRun(t *testing.T) {
	records := []domain.Record{
		rec("ana@example.org", "redes-101"),
		rec("beto@example.org", "redes-101"),
		rec("caro@example.org", "redes-101"),
	}
	f := newFixture(nil, records...)
	f.dialer.failOn = map[int]error{2: errors.New("554 transaction failed")}

	sum, err := f.run(t, DispatcherConfig{RotationThreshold: 10})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if sum.Succeeded != 2 || sum.Failed != 1 {
		t.Errorf("summary = %+v, want 2 succeeded 1 failed", sum)
	}
	wantOutcomes := []string{
		"success:ana@example.org",
		"failure:beto@example.org",
		"success:caro@example.org",
	}
	if got := f.ledger.outcomes(); !reflect.DeepEqual(got, wantOutcomes) {
		t.Errorf("ledger = %v, want %v", got, wantOutcomes)
	}
	// The failure forces a fresh channel for the next record
	if f.dialer.opens != 2 {
		t.Errorf("opens = %d, want 2", f.dialer.opens)
	}
	if f.ledger.entries[1].Stage != domain.StageSend {
		t.Errorf("failure stage = %q, want send", f.ledger.entries[1].Stage)
	}
	if len(f.observer.failed) != 1 {
		t.Errorf("observer failures = %d, want 1", len(f.observer.failed))
	}

	// Second run retries only the failed identity
	second := newFixture(f.ledger, records...)
	sum, err = second.run(t, DispatcherConfig{})
	if err != nil {
		t.Fatalf("second Run() error = %v", err)
	}
	if got := second.dialer.recipients(); !reflect.DeepEqual(got, []string{"beto@example.org"}) {
		t.Errorf("second run sent to %v, want only beto", got)
	}
	if sum.SkippedConfirmed != 2 || sum.Succeeded != 1 {
		t.Errorf("second summary = %+v", sum)
	}

	// Third run is a no-op
	third := newFixture(f.ledger, records...)
	sum, err = third.run(t, DispatcherConfig{})
	if err != nil {
		t.Fatalf("third Run() error = %v", err)
	}
	if sum.Attempted != 0 || third.dialer.opens != 0 {
		t.Errorf("third run attempted %d with %d opens, want none", sum.Attempted, third.dialer.opens)
	}
}

func TestDispatcher_ArtifactFailureRecorded(t *testing.T) {
	f := newFixture(nil,
		rec("ana@example.org", "redes-101"),
		rec("beto@example.org", "ia-202"),
	)
	f.generator.failItems = map[string]bool{"redes-101": true}

	sum, err := f.run(t, DispatcherConfig{})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if sum.ArtifactFailures != 1 || sum.Failed != 1 || sum.Succeeded != 1 {
		t.Errorf("summary = %+v", sum)
	}
	if f.ledger.entries[0].Stage != domain.StageArtifact {
		t.Errorf("stage = %q, want artifact", f.ledger.entries[0].Stage)
	}
	if got := f.dialer.recipients(); !reflect.DeepEqual(got, []string{"beto@example.org"}) {
		t.Errorf("sent to %v", got)
	}
}

func TestDispatcher_ConnectionFailureAborts(t *testing.T) {
	f := newFixture(nil,
		rec("ana@example.org", "redes-101"),
		rec("beto@example.org", "redes-101"),
	)
	f.dialer.openErr = fmt.Errorf("%w: dial tcp 10.0.0.1:587: i/o timeout", domain.ErrConnection)

	sum, err := f.run(t, DispatcherConfig{})
	if !errors.Is(err, domain.ErrConnection) {
		t.Fatalf("Run() error = %v, want ErrConnection", err)
	}
	if len(f.ledger.entries) != 0 {
		t.Errorf("ledger entries = %d, want 0", len(f.ledger.entries))
	}
	if sum.Attempted != 1 || sum.Read != 1 {
		t.Errorf("summary = %+v, want abort on first record", sum)
	}
	if len(f.removed) != 1 {
		t.Errorf("removed = %v, want the pending artifact cleaned up", f.removed)
	}
}

func TestDispatcher_LedgerWriteFailureAborts(t *testing.T) {
	ledger := &memLedger{appendErr: fmt.Errorf("%w: disk full", domain.ErrLedgerWrite)}
	f := newFixture(ledger,
		rec("ana@example.org", "redes-101"),
		rec("beto@example.org", "redes-101"),
	)

	_, err := f.run(t, DispatcherConfig{})
	if !errors.Is(err, domain.ErrLedgerWrite) {
		t.Fatalf("Run() error = %v, want ErrLedgerWrite", err)
	}
	if got := f.dialer.recipients(); len(got) != 1 {
		t.Errorf("sent to %v, want the run to stop after the first send", got)
	}
	if f.dialer.closes != f.dialer.opens {
		t.Errorf("opens=%d closes=%d, session leaked", f.dialer.opens, f.dialer.closes)
	}
}

func TestDispatcher_SkipsBlankAndDuplicates(t *testing.T) {
	f := newFixture(nil,
		rec("", "redes-101"),
		rec("ana@example.org", "redes-101"),
		rec("ana@example.org", "redes-101"),
		rec("ana@example.org", "ia-202"),
	)

	sum, err := f.run(t, DispatcherConfig{})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if sum.Read != 4 || sum.SkippedBlank != 1 || sum.SkippedDuplicate != 1 || sum.Succeeded != 2 {
		t.Errorf("summary = %+v", sum)
	}
}

func TestDispatcher_DryRun(t *testing.T) {
	f := newFixture(nil,
		rec("ana@example.org", "redes-101"),
		rec("beto@example.org", "redes-101"),
	)

	sum, err := f.run(t, DispatcherConfig{DryRun: true})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if sum.Planned != 2 || sum.Attempted != 0 {
		t.Errorf("summary = %+v, want 2 planned", sum)
	}
	if f.generator.calls != 0 || f.dialer.opens != 0 || len(f.ledger.entries) != 0 {
		t.Error("dry run must not generate, connect or record")
	}
}

func TestDispatcher_Limit(t *testing.T) {
	f := newFixture(nil,
		rec("ana@example.org", "redes-101"),
		rec("beto@example.org", "redes-101"),
		rec("caro@example.org", "redes-101"),
	)

	sum, err := f.run(t, DispatcherConfig{Limit: 2})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if sum.Attempted != 2 || sum.Read != 2 {
		t.Errorf("summary = %+v, want 2 attempted", sum)
	}
}

func TestDispatcher_ResendAll(t *testing.T) {
	ledger := &memLedger{entries: []domain.LedgerEntry{
		{Recipient: "ana@example.org", ItemKey: "redes-101", Outcome: domain.OutcomeSuccess},
	}}
	f := newFixture(ledger, rec("ana@example.org", "redes-101"))

	sum, err := f.run(t, DispatcherConfig{ResendAll: true})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if sum.Succeeded != 1 {
		t.Errorf("summary = %+v, want confirmed record resent", sum)
	}
}

func TestDispatcher_CanceledContext(t *testing.T) {
	f := newFixture(nil, rec("ana@example.org", "redes-101"))
	d := NewDispatcher(DispatcherConfig{}, f.source, f.generator, fakeComposer{}, f.dialer, f.ledger)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := d.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Run() error = %v, want context.Canceled", err)
	}
	if f.generator.calls != 0 {
		t.Errorf("generator called %d times after cancel", f.generator.calls)
	}
}

func TestDispatcher_TransientArtifactRemovedOnFailure(t *testing.T) {
	tests := []struct {
		name     string
		failOn   map[int]error
		composer ports.MessageComposer
	}{
		{name: "send rejected", failOn: map[int]error{1: errors.New("554 rejected")}, composer: fakeComposer{}},
		{name: "compose failed", composer: failingComposer{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(nil, rec("ana@example.org", "redes-101"))
			f.dialer.failOn = tt.failOn
			f.composer = tt.composer

			sum, err := f.run(t, DispatcherConfig{})
			if err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			if sum.Failed != 1 {
				t.Errorf("summary = %+v, want 1 failed", sum)
			}
			want := []string{"/tmp/ana@example.org-redes-101.png"}
			if !reflect.DeepEqual(f.removed, want) {
				t.Errorf("removed = %v, want %v", f.removed, want)
			}
			if got := f.ledger.outcomes(); !reflect.DeepEqual(got, []string{"failure:ana@example.org"}) {
				t.Errorf("ledger = %v", got)
			}
		})
	}
}

func TestDispatcher_CancelDuringSendKeepsOutcome(t *testing.T) {
	records := []domain.Record{
		rec("ana@example.org", "redes-101"),
		rec("beto@example.org", "redes-101"),
	}
	ledger := &memLedger{}
	f := newFixture(ledger, records...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// The signal arrives while the first message is on the wire
	f.dialer.onSend = func(attempt int) {
		if attempt == 1 {
			cancel()
		}
	}

	sum, err := f.runContext(t, ctx, DispatcherConfig{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
	if sum.Succeeded != 1 {
		t.Errorf("summary = %+v, want the delivered message counted", sum)
	}
	if got := ledger.outcomes(); !reflect.DeepEqual(got, []string{"success:ana@example.org"}) {
		t.Fatalf("ledger = %v, want ana confirmed", got)
	}

	// Resuming sends only to the identity that was never attempted
	second := newFixture(ledger, records...)
	if _, err := second.run(t, DispatcherConfig{}); err != nil {
		t.Fatalf("second Run() error = %v", err)
	}
	if got := second.dialer.recipients(); !reflect.DeepEqual(got, []string{"beto@example.org"}) {
		t.Errorf("second run sent to %v, want only beto", got)
	}
}
