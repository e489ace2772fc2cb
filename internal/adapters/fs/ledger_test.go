package fs

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/frlp-jornadas/certship/internal/domain"
	"github.com/frlp-jornadas/certship/internal/ports"
)

func writeLedger(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "envios.log")
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
		t.Fatalf("write ledger: %v", err)
	}
	return path
}

func TestFileLedger_ScanMissingIsFirstRun(t *testing.T) {
	l := NewFileLedger(filepath.Join(t.TempDir(), "none.log"), nil)

	state, err := l.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	if !state.IsFirstRun {
		t.Error("missing ledger should be a first run")
	}
	if len(state.Confirmed) != 0 || len(state.Failed) != 0 {
		t.Errorf("state not empty: %+v", state)
	}
}

func TestFileLedger_ScanEmptyIsFirstRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.log")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	state, err := NewFileLedger(path, nil).Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	if !state.IsFirstRun {
		t.Error("empty ledger should be a first run")
	}
}

func TestFileLedger_ScanOrder(t *testing.T) {
	success := `{"level":"info","event":"delivered","recipient":"a@x.com","name":"Ana","item":"c01","time":"2025-09-18T10:00:00Z","message":"delivered"}`
	failure := `{"level":"error","event":"delivery_failed","stage":"send","recipient":"a@x.com","name":"Ana","item":"c01","reason":"554","time":"2025-09-18T10:01:00Z","message":"delivery failed"}`
	id := domain.Identity{Recipient: "a@x.com", Item: "c01"}

	tests := []struct {
		name          string
		lines         []string
		wantConfirmed bool
		wantFailed    bool
	}{
		{"success then failure", []string{success, failure}, false, true},
		{"failure then success", []string{failure, success}, true, false},
		{"success only", []string{success}, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state, err := NewFileLedger(writeLedger(t, tt.lines...), nil).Scan(context.Background())
			if err != nil {
				t.Fatalf("Scan() error = %v", err)
			}
			if state.IsFirstRun {
				t.Error("non-empty ledger reported as first run")
			}
			if got := state.IsConfirmed(id); got != tt.wantConfirmed {
				t.Errorf("IsConfirmed = %v, want %v", got, tt.wantConfirmed)
			}
			if got := state.IsFailed(id); got != tt.wantFailed {
				t.Errorf("IsFailed = %v, want %v", got, tt.wantFailed)
			}
		})
	}
}

func TestFileLedger_ScanSkipsMalformedAndInformational(t *testing.T) {
	path := writeLedger(t,
		`{"level":"info","event":"session_opened","run_id":"r1","message":"session opened"}`,
		`{"level":"info","event":"delivered","recipient":"a@x.com","item":"c01"`,
		`{"level":"info","event":"delivered","item":"c01"}`,
		`2025-09-18 10:00:00,000 - INFO - Conexión SMTP establecida`,
		`{"level":"info","event":"delivered","recipient":"b@x.com","name":"Beto","item":"c02","message":"delivered"}`,
	)

	state, err := NewFileLedger(path, nil).Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	if len(state.Confirmed) != 1 || len(state.Failed) != 0 {
		t.Fatalf("confirmed=%d failed=%d, want 1 and 0", len(state.Confirmed), len(state.Failed))
	}
	if !state.IsConfirmed(domain.Identity{Recipient: "b@x.com", Item: "c02"}) {
		t.Error("valid line after malformed ones was not applied")
	}
}

func TestParseLine_Legacy(t *testing.T) {
	tests := []struct {
		name   string
		line   string
		wantOK bool
		want   domain.LedgerEntry
	}{
		{
			name:   "sent with subfolder",
			line:   "2025-05-20 09:12:01,442 - INFO - Correo enviado a Ana@X.com (Ana Pérez) [subcarpeta: dia-1]",
			wantOK: true,
			want:   domain.LedgerEntry{Recipient: "ana@x.com", DisplayName: "Ana Pérez", ItemKey: "dia-1", Outcome: domain.OutcomeSuccess},
		},
		{
			name:   "failed with subfolder",
			line:   "2025-05-20 09:12:05,001 - ERROR - Error al enviar correo a beto@x.com (Beto Gómez) [subcarpeta: dia-2]: timed out",
			wantOK: true,
			want:   domain.LedgerEntry{Recipient: "beto@x.com", DisplayName: "Beto Gómez", ItemKey: "dia-2", Outcome: domain.OutcomeFailure, Stage: domain.StageSend},
		},
		{
			name:   "sent for talk",
			line:   "Correo enviado a caro@x.com para la charla: ia-202",
			wantOK: true,
			want:   domain.LedgerEntry{Recipient: "caro@x.com", ItemKey: "ia-202", Outcome: domain.OutcomeSuccess},
		},
		{
			name:   "failed for talk",
			line:   "Error al enviar correo a caro@x.com para la charla ia-202: (535, b'Authentication unsuccessful')",
			wantOK: true,
			want:   domain.LedgerEntry{Recipient: "caro@x.com", ItemKey: "ia-202", Outcome: domain.OutcomeFailure, Stage: domain.StageSend},
		},
		{
			name:   "sent for titled talk",
			line:   "2025-05-20 10:01:13,220 - INFO - Correo enviado a dani@x.com para la charla: Redes Neuronales",
			wantOK: true,
			want:   domain.LedgerEntry{Recipient: "dani@x.com", ItemKey: "redes_neuronales", Outcome: domain.OutcomeSuccess},
		},
		{
			name:   "failed for titled talk",
			line:   "2025-05-20 10:01:19,804 - ERROR - Error al enviar correo a dani@x.com para la charla Redes Neuronales: timed out",
			wantOK: true,
			want:   domain.LedgerEntry{Recipient: "dani@x.com", ItemKey: "redes_neuronales", Outcome: domain.OutcomeFailure, Stage: domain.StageSend},
		},
		{
			name:   "informational",
			line:   "Reconectando al servidor SMTP...",
			wantOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok, err := ParseLine([]byte(tt.line))
			if err != nil {
				t.Fatalf("ParseLine() error = %v", err)
			}
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if ok && got != tt.want {
				t.Errorf("ParseLine() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestParseLine_MalformedJSON(t *testing.T) {
	_, ok, err := ParseLine([]byte(`{"event":"delivered",`))
	if !errors.Is(err, domain.ErrLedgerParse) {
		t.Fatalf("error = %v, want ErrLedgerParse", err)
	}
	if ok {
		t.Error("malformed line reported ok")
	}
}

func TestFileLedger_AppendThenScan(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "sub", "envios.log")
	ts := time.Date(2025, 9, 18, 10, 0, 0, 0, time.UTC)

	l := NewFileLedger(path, nil)
	entries := []domain.LedgerEntry{
		{Recipient: "a@x.com", DisplayName: "Ana", ItemKey: "c01", Outcome: domain.OutcomeSuccess, RunID: "r1", Timestamp: ts},
		{Recipient: "b@x.com", DisplayName: "Beto", ItemKey: "c01", Outcome: domain.OutcomeFailure, Stage: domain.StageArtifact, Reason: "template missing", RunID: "r1", Timestamp: ts},
	}
	for _, e := range entries {
		if err := l.Append(ctx, e); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}
	if err := l.Note(ctx, "session_closed", ports.String("reason", "end_of_input")); err != nil {
		t.Fatalf("Note() error = %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want 3:\n%s", len(lines), data)
	}
	if !strings.Contains(lines[0], `"event":"delivered"`) {
		t.Errorf("success line not greppable: %s", lines[0])
	}
	if !strings.Contains(lines[1], `"stage":"artifact"`) || !strings.Contains(lines[1], `"level":"error"`) {
		t.Errorf("failure line missing stage or level: %s", lines[1])
	}

	got, err := NewFileLedger(path, nil).ReadEntries(ctx)
	if err != nil {
		t.Fatalf("ReadEntries() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("ReadEntries() = %d entries, want 2", len(got))
	}
	for i := range entries {
		if !got[i].Timestamp.Equal(entries[i].Timestamp) {
			t.Errorf("entry %d timestamp = %v, want %v", i, got[i].Timestamp, entries[i].Timestamp)
		}
		got[i].Timestamp = entries[i].Timestamp
		if got[i] != entries[i] {
			t.Errorf("entry %d = %+v, want %+v", i, got[i], entries[i])
		}
	}

	state, err := NewFileLedger(path, nil).Scan(ctx)
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	if !state.IsConfirmed(domain.Identity{Recipient: "a@x.com", Item: "c01"}) {
		t.Error("a@x.com not confirmed")
	}
	if !state.IsFailed(domain.Identity{Recipient: "b@x.com", Item: "c01"}) {
		t.Error("b@x.com not failed")
	}
}

func TestFileLedger_AppendWriteFailure(t *testing.T) {
	dir := t.TempDir()
	// A directory in place of the file makes the open fail
	path := filepath.Join(dir, "ledger")
	if err := os.Mkdir(path, 0o755); err != nil {
		t.Fatal(err)
	}

	err := NewFileLedger(path, nil).Append(context.Background(), domain.LedgerEntry{
		Recipient: "a@x.com", ItemKey: "c01", Outcome: domain.OutcomeSuccess,
	})
	if !errors.Is(err, domain.ErrLedgerWrite) {
		t.Fatalf("Append() error = %v, want ErrLedgerWrite", err)
	}
	if !domain.IsFatal(err) {
		t.Error("ledger write failure must be fatal")
	}
}

func TestWriteJSONAtomic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "manifest.json")

	if err := WriteJSONAtomic(path, []map[string]string{{"documento": "123"}}); err != nil {
		t.Fatalf("WriteJSONAtomic() error = %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(data), `"documento": "123"`) {
		t.Errorf("unexpected content: %s", data)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Errorf("temp file left behind: %v", err)
	}
}
