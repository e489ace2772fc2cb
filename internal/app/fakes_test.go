package app

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/frlp-jornadas/certship/internal/domain"
	"github.com/frlp-jornadas/certship/internal/ports"
)

// mockLogger implements ports.Logger for testing.
type mockLogger struct{}

func (mockLogger) Debug(msg string, fields ...ports.Field) {}
func (mockLogger) Info(msg string, fields ...ports.Field)  {}
func (mockLogger) Warn(msg string, fields ...ports.Field)  {}
func (mockLogger) Error(msg string, fields ...ports.Field) {}

// fakeChannel records messages and fails the sends listed in failOn
// (1-based, counted across all channels of a dialer).
type fakeChannel struct {
	dialer *fakeDialer
	closed bool
}

func (c *fakeChannel) Send(ctx context.Context, msg ports.Message) error {
	d := c.dialer
	d.mu.Lock()
	defer d.mu.Unlock()
	if c.closed {
		return errors.New("send on closed channel")
	}
	d.attempts++
	if d.onSend != nil {
		d.onSend(d.attempts)
	}
	if err, ok := d.failOn[d.attempts]; ok {
		return err
	}
	d.sent = append(d.sent, msg)
	return nil
}

func (c *fakeChannel) Close() error {
	c.dialer.mu.Lock()
	defer c.dialer.mu.Unlock()
	c.closed = true
	c.dialer.closes++
	return nil
}

// fakeDialer opens fakeChannels and counts opens and closes.
type fakeDialer struct {
	mu       sync.Mutex
	opens    int
	closes   int
	attempts int
	openErr  error
	failOn   map[int]error
	onSend   func(attempt int)
	sent     []ports.Message
}

func (d *fakeDialer) Open(ctx context.Context) (ports.Channel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.openErr != nil {
		return nil, d.openErr
	}
	d.opens++
	return &fakeChannel{dialer: d}, nil
}

func (d *fakeDialer) recipients() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.sent))
	for _, m := range d.sent {
		out = append(out, m.To)
	}
	return out
}

// sliceSource yields records from a slice, then io.EOF.
type sliceSource struct {
	records []domain.Record
	pos     int
	closed  bool
}

func (s *sliceSource) Next(ctx context.Context) (domain.Record, error) {
	if s.pos >= len(s.records) {
		return domain.Record{}, io.EOF
	}
	rec := s.records[s.pos]
	s.pos++
	return rec, nil
}

func (s *sliceSource) Close() error {
	s.closed = true
	return nil
}

// fakeGenerator returns transient artifacts named after the record and
// fails for the items listed in failItems.
type fakeGenerator struct {
	calls     int
	failItems map[string]bool
}

func (g *fakeGenerator) Generate(ctx context.Context, rec domain.Record) (ports.Artifact, error) {
	g.calls++
	if g.failItems[rec.ItemKey] {
		return ports.Artifact{}, errors.New("template missing")
	}
	return ports.Artifact{
		Path:        "/tmp/" + rec.Recipient + "-" + rec.ItemKey + ".png",
		ContentType: "image/png",
		Transient:   true,
	}, nil
}

// fakeComposer builds a message addressed to the record recipient.
type fakeComposer struct{}

func (fakeComposer) Compose(rec domain.Record, artifact ports.Artifact) (ports.Message, error) {
	return ports.Message{
		From: "jornadas@example.org",
		To:   rec.Recipient,
		Data: []byte("certificate for " + rec.ItemKey),
	}, nil
}

// failingComposer fails every message.
type failingComposer struct{}

func (failingComposer) Compose(rec domain.Record, artifact ports.Artifact) (ports.Message, error) {
	return ports.Message{}, errors.New("template: missing key")
}

// memLedger is an in-memory ports.Ledger. Like database/sql, it refuses
// writes under a cancelled context.
type memLedger struct {
	entries   []domain.LedgerEntry
	notes     []string
	appendErr error
}

func (l *memLedger) Scan(ctx context.Context) (domain.ReconciliationState, error) {
	state := domain.NewReconciliationState(len(l.entries) == 0)
	for _, e := range l.entries {
		state.Apply(e)
	}
	return state, nil
}

func (l *memLedger) Append(ctx context.Context, e domain.LedgerEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if l.appendErr != nil {
		return l.appendErr
	}
	l.entries = append(l.entries, e)
	return nil
}

func (l *memLedger) Note(ctx context.Context, event string, fields ...ports.Field) error {
	l.notes = append(l.notes, event)
	return nil
}

func (l *memLedger) Close() error { return nil }

func (l *memLedger) outcomes() []string {
	out := make([]string, 0, len(l.entries))
	for _, e := range l.entries {
		out = append(out, e.Outcome.String()+":"+e.Recipient)
	}
	return out
}

// recordingObserver counts session and delivery events.
type recordingObserver struct {
	BaseObserver
	opened    int
	closed    []CloseReason
	delivered int
	failed    []domain.FailureStage
}

func (o *recordingObserver) OnSessionOpened() { o.opened++ }

func (o *recordingObserver) OnSessionClosed(reason CloseReason, sends int) {
	o.closed = append(o.closed, reason)
}

func (o *recordingObserver) OnDelivered(id domain.Identity, took time.Duration) { o.delivered++ }

func (o *recordingObserver) OnDeliveryFailed(id domain.Identity, stage domain.FailureStage) {
	o.failed = append(o.failed, stage)
}

func rec(recipient, item string) domain.Record {
	return domain.Record{
		Recipient:   recipient,
		DisplayName: "Name " + recipient,
		ItemKey:     item,
	}
}
