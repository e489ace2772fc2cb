package fs

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/frlp-jornadas/certship/internal/adapters/log"
	"github.com/frlp-jornadas/certship/internal/domain"
	"github.com/frlp-jornadas/certship/internal/ports"
)

// Event names of outcome lines. Every other line is informational.
const (
	EventDelivered      = "delivered"
	EventDeliveryFailed = "delivery_failed"
)

const maxLineSize = 1 << 20

// Lines written by the earlier mailing scripts, recognised on scan only.
var legacyPatterns = []struct {
	re      *regexp.Regexp
	outcome domain.Outcome
	hasName bool
}{
	{regexp.MustCompile(`Correo enviado a (.+?) \((.+?)\) \[subcarpeta: (.+?)\]`), domain.OutcomeSuccess, true},
	{regexp.MustCompile(`Error al enviar correo a (.+?) \((.+?)\) \[subcarpeta: (.+?)\]`), domain.OutcomeFailure, true},
	{regexp.MustCompile(`Correo enviado a (.+?) para la charla: (.+?)\s*$`), domain.OutcomeSuccess, false},
	{regexp.MustCompile(`Error al enviar correo a (.+?) para la charla (.+?)(?::\s|:?$)`), domain.OutcomeFailure, false},
}

// legacyTalkKey turns a talk title logged by the earlier scripts
// ("Redes Neuronales") back into the file stem it came from
// ("redes_neuronales").
func legacyTalkKey(title string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(title)), " ", "_")
}

// FileLedger implements ports.Ledger as an append-only JSON-lines file.
// The file is created on the first write, so a run that only skips leaves
// no trace.
type FileLedger struct {
	path   string
	logger ports.Logger

	mu  sync.Mutex
	out *syncWriter
	enc zerolog.Logger
}

// NewFileLedger creates a ledger backed by the file at path.
func NewFileLedger(path string, logger ports.Logger) *FileLedger {
	if logger == nil {
		logger = log.NewNoopLogger()
	}
	return &FileLedger{path: path, logger: logger}
}

// Path returns the ledger file path.
func (l *FileLedger) Path() string {
	return l.path
}

// Scan reads the whole file in order and folds every outcome line into a
// reconciliation state. A missing or empty file is a first run.
// Malformed lines are skipped.
func (l *FileLedger) Scan(ctx context.Context) (domain.ReconciliationState, error) {
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return domain.NewReconciliationState(true), nil
		}
		return domain.ReconciliationState{}, fmt.Errorf("open ledger: %w", err)
	}
	defer f.Close()

	state, lines, err := scanEntries(ctx, f, func(lineNo int, err error) {
		l.logger.Warn("skipping ledger line", ports.Err(err), ports.Int("line", lineNo), ports.String("path", l.path))
	})
	if err != nil {
		return domain.ReconciliationState{}, fmt.Errorf("read ledger: %w", err)
	}
	state.IsFirstRun = lines == 0
	return state, nil
}

// ReadEntries returns every outcome entry in file order. A missing file
// yields no entries.
func (l *FileLedger) ReadEntries(ctx context.Context) ([]domain.LedgerEntry, error) {
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	defer f.Close()

	var entries []domain.LedgerEntry
	err = eachLine(ctx, f, func(lineNo int, line []byte) {
		e, ok, err := ParseLine(line)
		if err != nil || !ok {
			return
		}
		entries = append(entries, e)
	})
	return entries, err
}

func scanEntries(ctx context.Context, r io.Reader, skip func(int, error)) (domain.ReconciliationState, int, error) {
	state := domain.NewReconciliationState(false)
	lines := 0
	err := eachLine(ctx, r, func(lineNo int, line []byte) {
		lines++
		e, ok, err := ParseLine(line)
		if err != nil {
			skip(lineNo, err)
			return
		}
		if ok {
			state.Apply(e)
		}
	})
	return state, lines, err
}

// eachLine calls fn for every non-blank line.
func eachLine(ctx context.Context, r io.Reader, fn func(lineNo int, line []byte)) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		if lineNo%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		fn(lineNo, line)
	}
	return sc.Err()
}

// ledgerLine is the decoded form of a JSON ledger line.
type ledgerLine struct {
	Event     string    `json:"event"`
	Recipient string    `json:"recipient"`
	Name      string    `json:"name"`
	Item      string    `json:"item"`
	Stage     string    `json:"stage"`
	Reason    string    `json:"reason"`
	RunID     string    `json:"run_id"`
	Time      time.Time `json:"time"`
}

// ParseLine decodes one ledger line. ok is false for informational lines.
// A line that looks like JSON but does not decode, or an outcome line
// without an identity, returns an error wrapping domain.ErrLedgerParse.
func ParseLine(line []byte) (entry domain.LedgerEntry, ok bool, err error) {
	if len(line) > 0 && line[0] == '{' {
		var ll ledgerLine
		if err := json.Unmarshal(line, &ll); err != nil {
			return domain.LedgerEntry{}, false, fmt.Errorf("%w: %v", domain.ErrLedgerParse, err)
		}
		var outcome domain.Outcome
		switch ll.Event {
		case EventDelivered:
			outcome = domain.OutcomeSuccess
		case EventDeliveryFailed:
			outcome = domain.OutcomeFailure
		default:
			return domain.LedgerEntry{}, false, nil
		}
		if ll.Recipient == "" || ll.Item == "" {
			return domain.LedgerEntry{}, false, fmt.Errorf("%w: %s line without recipient or item", domain.ErrLedgerParse, ll.Event)
		}
		return domain.LedgerEntry{
			Recipient:   ll.Recipient,
			DisplayName: ll.Name,
			ItemKey:     ll.Item,
			Outcome:     outcome,
			Stage:       domain.FailureStage(ll.Stage),
			Reason:      ll.Reason,
			RunID:       ll.RunID,
			Timestamp:   ll.Time,
		}, true, nil
	}

	text := string(line)
	for _, p := range legacyPatterns {
		m := p.re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		e := domain.LedgerEntry{
			Recipient: strings.ToLower(strings.TrimSpace(m[1])),
			Outcome:   p.outcome,
		}
		if p.hasName {
			e.DisplayName = strings.TrimSpace(m[2])
			e.ItemKey = strings.TrimSpace(m[3])
		} else {
			e.ItemKey = legacyTalkKey(m[2])
		}
		if p.outcome == domain.OutcomeFailure {
			e.Stage = domain.StageSend
		}
		return e, true, nil
	}
	return domain.LedgerEntry{}, false, nil
}

// Append writes one outcome line and syncs it to disk before returning.
func (l *FileLedger) Append(ctx context.Context, e domain.LedgerEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.openLocked(); err != nil {
		return err
	}

	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	var ev *zerolog.Event
	var event string
	switch e.Outcome {
	case domain.OutcomeSuccess:
		ev, event = l.enc.Info(), EventDelivered
	case domain.OutcomeFailure:
		ev, event = l.enc.Error(), EventDeliveryFailed
	default:
		return fmt.Errorf("%w: unknown outcome %d", domain.ErrLedgerWrite, e.Outcome)
	}

	ev = ev.Str("run_id", e.RunID).
		Str("event", event)
	if e.Outcome == domain.OutcomeFailure {
		ev = ev.Str("stage", string(e.Stage))
	}
	ev = ev.Str("recipient", e.Recipient).
		Str("name", e.DisplayName).
		Str("item", e.ItemKey)
	if e.Reason != "" {
		ev = ev.Str("reason", e.Reason)
	}
	ev.Time("time", ts).Msg(strings.ReplaceAll(event, "_", " "))

	return l.out.takeErr()
}

// Note writes an informational line.
func (l *FileLedger) Note(ctx context.Context, event string, fields ...ports.Field) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.openLocked(); err != nil {
		return err
	}

	ev := l.enc.Info()
	for _, f := range fields {
		ev = log.AddField(ev, f)
	}
	ev.Str("event", event).Time("time", time.Now()).Msg(strings.ReplaceAll(event, "_", " "))

	return l.out.takeErr()
}

// Close closes the file if it was opened.
func (l *FileLedger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.out == nil {
		return nil
	}
	err := l.out.f.Close()
	l.out = nil
	return err
}

func (l *FileLedger) openLocked() error {
	if l.out != nil {
		return nil
	}
	if dir := filepath.Dir(l.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("%w: %v", domain.ErrLedgerWrite, err)
		}
	}
	f, err := os.OpenFile(l.path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrLedgerWrite, err)
	}
	l.out = &syncWriter{f: f}
	l.enc = zerolog.New(l.out).Level(zerolog.DebugLevel)
	return nil
}

// syncWriter writes each zerolog line and fsyncs it. zerolog drops writer
// errors, so the first one is kept for the caller.
type syncWriter struct {
	f   *os.File
	err error
}

func (w *syncWriter) Write(p []byte) (int, error) {
	n, err := w.f.Write(p)
	if err == nil {
		err = w.f.Sync()
	}
	if err != nil && w.err == nil {
		w.err = err
	}
	return n, err
}

func (w *syncWriter) takeErr() error {
	err := w.err
	w.err = nil
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrLedgerWrite, err)
	}
	return nil
}

var _ ports.Ledger = (*FileLedger)(nil)
