package tailer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/therealutkarshpriyadarshi/nodeagent/internal/logging"
	"github.com/therealutkarshpriyadarshi/nodeagent/internal/metrics"
)

type delivered struct {
	line   string
	offset int64
}

// startTailer runs a tailer in the background and returns the delivered
// lines, the Run result and a cancel func
func startTailer(t *testing.T, cfg Config, start int64) (<-chan delivered, <-chan error, context.CancelFunc) {
	t.Helper()

	if cfg.PollInterval == 0 {
		cfg.PollInterval = 10 * time.Millisecond
	}
	if cfg.MissingFileDelay == 0 {
		cfg.MissingFileDelay = 20 * time.Millisecond
	}

	tl := New(cfg, logging.Nop(), metrics.NewCollector())
	lines := make(chan delivered, 100)
	done := make(chan error, 1)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		done <- tl.Run(ctx, start, func(ctx context.Context, line string, offset int64) error {
			lines <- delivered{line: line, offset: offset}
			return nil
		})
	}()

	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
		}
	})

	return lines, done, cancel
}

func expectLine(t *testing.T, lines <-chan delivered, want delivered) {
	t.Helper()

	select {
	case got := <-lines:
		if got != want {
			t.Fatalf("Expected %+v, got %+v", want, got)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("Timed out waiting for %+v", want)
	}
}

func expectNoLine(t *testing.T, lines <-chan delivered, wait time.Duration) {
	t.Helper()

	select {
	case got := <-lines:
		t.Fatalf("Unexpected line %+v", got)
	case <-time.After(wait):
	}
}

func appendFile(t *testing.T, path, data string) {
	t.Helper()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatalf("Failed to open log file: %v", err)
	}
	defer f.Close()

	if _, err := f.WriteString(data); err != nil {
		t.Fatalf("Failed to write to log file: %v", err)
	}
}

func TestTailerCompleteLinesOnly(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "access.log")
	appendFile(t, logFile, "line1\nline2\npart")

	lines, _, _ := startTailer(t, Config{Path: logFile}, 0)

	expectLine(t, lines, delivered{"line1", 6})
	expectLine(t, lines, delivered{"line2", 12})
	expectNoLine(t, lines, 100*time.Millisecond)

	appendFile(t, logFile, "ial\n")
	expectLine(t, lines, delivered{"partial", 20})
}

func TestTailerStartOffset(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "access.log")
	appendFile(t, logFile, "old line\n")

	lines, _, _ := startTailer(t, Config{Path: logFile}, 9)

	expectNoLine(t, lines, 50*time.Millisecond)

	appendFile(t, logFile, "new line\n")
	expectLine(t, lines, delivered{"new line", 18})
}

func TestTailerStripsCarriageReturn(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "access.log")
	appendFile(t, logFile, "windows\r\n")

	lines, _, _ := startTailer(t, Config{Path: logFile}, 0)

	expectLine(t, lines, delivered{"windows", 9})
}

func TestTailerWaitsForMissingFile(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "access.log")

	lines, _, _ := startTailer(t, Config{Path: logFile}, 0)

	expectNoLine(t, lines, 60*time.Millisecond)

	appendFile(t, logFile, "hello\n")
	expectLine(t, lines, delivered{"hello", 6})
}

func TestTailerReopensAtLastOffset(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "access.log")
	appendFile(t, logFile, "one\n")

	lines, _, _ := startTailer(t, Config{Path: logFile}, 0)
	expectLine(t, lines, delivered{"one", 4})

	if err := os.Remove(logFile); err != nil {
		t.Fatalf("Failed to remove log file: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	// The recreated file is read from the last delivered offset
	appendFile(t, logFile, "one\ntwo\n")
	expectLine(t, lines, delivered{"two", 8})
}

func TestTailerHandlerError(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "access.log")
	appendFile(t, logFile, "boom\n")

	errBoom := errors.New("boom")
	tl := New(Config{Path: logFile, PollInterval: 10 * time.Millisecond}, logging.Nop(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	err := tl.Run(ctx, 0, func(ctx context.Context, line string, offset int64) error {
		return errBoom
	})
	if !errors.Is(err, errBoom) {
		t.Fatalf("Expected handler error, got %v", err)
	}
	if tl.Offset() != 0 {
		t.Errorf("Offset should not advance past a failed line, got %d", tl.Offset())
	}
}

func TestTailerStopsOnCancel(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "access.log")
	appendFile(t, logFile, "")

	_, done, cancel := startTailer(t, Config{Path: logFile}, 0)

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Expected nil on cancel, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Tailer did not stop after cancel")
	}
}

func TestTailerRateLimit(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "access.log")
	appendFile(t, logFile, "a\nb\nc\n")

	lines, _, _ := startTailer(t, Config{Path: logFile, MaxLinesPerSecond: 20}, 0)

	start := time.Now()
	expectLine(t, lines, delivered{"a", 2})
	expectLine(t, lines, delivered{"b", 4})
	expectLine(t, lines, delivered{"c", 6})

	// Burst of 20 lets the first lines through without delay
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Rate limited delivery took too long: %v", elapsed)
	}
}

func TestNewDefaults(t *testing.T) {
	tl := New(Config{Path: "/tmp/x.log"}, nil, nil)

	if tl.cfg.PollInterval != DefaultPollInterval {
		t.Errorf("Expected poll interval %v, got %v", DefaultPollInterval, tl.cfg.PollInterval)
	}
	if tl.cfg.MissingFileDelay != DefaultMissingFileDelay {
		t.Errorf("Expected missing file delay %v, got %v", DefaultMissingFileDelay, tl.cfg.MissingFileDelay)
	}
	if tl.limiter != nil {
		t.Error("Limiter should be disabled by default")
	}
}
