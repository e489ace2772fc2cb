package watch

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func waitFor(t *testing.T, cond func() bool, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func startWatcher(t *testing.T, root string, run RunFunc) (cancel func()) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	w := New(root, run, WithDebounce(50*time.Millisecond))

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	return func() {
		stop()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Run() error = %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Error("Run() did not return after cancel")
		}
	}
}

func TestWatcher_RunsOnStartAndOnChange(t *testing.T) {
	root := t.TempDir()
	var runs atomic.Int32

	stop := startWatcher(t, root, func(ctx context.Context) error {
		runs.Add(1)
		return nil
	})
	defer stop()

	waitFor(t, func() bool { return runs.Load() == 1 }, 2*time.Second)

	if err := os.WriteFile(filepath.Join(root, "limpio_ia.csv"), []byte("Mail\n"), 0644); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return runs.Load() >= 2 }, 2*time.Second)
}

func TestWatcher_WatchesNewSubdirectories(t *testing.T) {
	root := t.TempDir()
	var runs atomic.Int32

	stop := startWatcher(t, root, func(ctx context.Context) error {
		runs.Add(1)
		return nil
	})
	defer stop()

	waitFor(t, func() bool { return runs.Load() == 1 }, 2*time.Second)

	sub := filepath.Join(root, "sistemas")
	if err := os.Mkdir(sub, 0755); err != nil {
		t.Fatal(err)
	}
	// Give the watcher time to register the new directory
	time.Sleep(100 * time.Millisecond)

	if err := os.WriteFile(filepath.Join(sub, "redes.csv"), []byte("Mail\n"), 0644); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return runs.Load() >= 2 }, 2*time.Second)
}

func TestWatcher_IgnoresOtherFiles(t *testing.T) {
	root := t.TempDir()
	var runs atomic.Int32

	stop := startWatcher(t, root, func(ctx context.Context) error {
		runs.Add(1)
		return nil
	})
	defer stop()

	waitFor(t, func() bool { return runs.Load() == 1 }, 2*time.Second)

	if err := os.WriteFile(filepath.Join(root, "envios.log"), []byte("x\n"), 0644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(300 * time.Millisecond)

	if got := runs.Load(); got != 1 {
		t.Errorf("runs = %d, want 1", got)
	}
}

func TestWatcher_RunsNeverOverlap(t *testing.T) {
	w := New(t.TempDir(), nil, WithDebounce(time.Millisecond))

	var active, maxActive, runs atomic.Int32
	w.run = func(ctx context.Context) error {
		n := active.Add(1)
		if n > maxActive.Load() {
			maxActive.Store(n)
		}
		time.Sleep(30 * time.Millisecond)
		active.Add(-1)
		runs.Add(1)
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.runner(ctx)

	for i := 0; i < 10; i++ {
		w.schedule(0)
		time.Sleep(5 * time.Millisecond)
	}
	waitFor(t, func() bool { return active.Load() == 0 && runs.Load() >= 2 }, 2*time.Second)
	time.Sleep(100 * time.Millisecond)

	if got := maxActive.Load(); got != 1 {
		t.Errorf("max concurrent runs = %d, want 1", got)
	}
	// Ten schedules during ~50ms of runs coalesce
	if got := runs.Load(); got >= 10 {
		t.Errorf("runs = %d, want fewer than 10", got)
	}
}

func TestInputFiles(t *testing.T) {
	tests := map[string]bool{
		"a/limpio_ia.csv":             true,
		"certificados_a_enviar.JSON":  true,
		"envios.log":                  false,
		"qr-123.png":                  false,
		"inscripciones-limpias/.lock": false,
	}
	for path, want := range tests {
		if got := InputFiles(path); got != want {
			t.Errorf("InputFiles(%q) = %v, want %v", path, got, want)
		}
	}
}

func TestWatcher_RetriesFailedRun(t *testing.T) {
	root := t.TempDir()
	var runs atomic.Int32

	ctx, stop := context.WithCancel(context.Background())
	w := New(root, func(ctx context.Context) error {
		if runs.Add(1) < 3 {
			return os.ErrDeadlineExceeded
		}
		return nil
	}, WithDebounce(50*time.Millisecond), WithRetry(20*time.Millisecond, 40*time.Millisecond))

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	waitFor(t, func() bool { return runs.Load() == 3 }, 2*time.Second)

	// Success resets the backoff and no further runs are queued
	time.Sleep(200 * time.Millisecond)
	if got := runs.Load(); got != 3 {
		t.Errorf("runs = %d, want 3", got)
	}

	stop()
	if err := <-done; err != nil {
		t.Errorf("Run() error = %v", err)
	}
}

func TestBackoff_DoublesUpToMax(t *testing.T) {
	b := newBackoff(100*time.Millisecond, 300*time.Millisecond)
	within := func(d, want time.Duration) bool {
		return d >= want*8/10 && d <= want*12/10
	}

	for i, want := range []time.Duration{100, 200, 300, 300} {
		want *= time.Millisecond
		if d := b.Next(); !within(d, want) {
			t.Errorf("Next() #%d = %v, want ~%v", i, d, want)
		}
	}
	b.Reset()
	if d := b.Next(); !within(d, 100*time.Millisecond) {
		t.Errorf("Next() after Reset = %v, want ~100ms", d)
	}
}
