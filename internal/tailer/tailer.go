package tailer

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/time/rate"

	"github.com/therealutkarshpriyadarshi/nodeagent/internal/logging"
	"github.com/therealutkarshpriyadarshi/nodeagent/internal/metrics"
)

const (
	DefaultPollInterval     = 100 * time.Millisecond
	DefaultMissingFileDelay = 5 * time.Second

	readBufferSize = 64 * 1024
)

var errFileGone = errors.New("file disappeared")

// Config holds tailer configuration
type Config struct {
	Path             string
	PollInterval     time.Duration
	MissingFileDelay time.Duration
	// MaxLinesPerSecond limits line delivery; 0 disables the limit
	MaxLinesPerSecond float64
}

// LineHandler receives one complete line (without its terminator) and the
// byte offset just past it. A non-nil error stops the tailer.
type LineHandler func(ctx context.Context, line string, offset int64) error

// Tailer follows a single growing file from a byte offset
type Tailer struct {
	cfg     Config
	logger  *logging.Logger
	metrics *metrics.Collector
	limiter *rate.Limiter

	offset int64
}

type handlerError struct {
	err error
}

func (e *handlerError) Error() string { return e.err.Error() }
func (e *handlerError) Unwrap() error { return e.err }

// New creates a new Tailer. m may be nil.
func New(cfg Config, logger *logging.Logger, m *metrics.Collector) *Tailer {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.MissingFileDelay <= 0 {
		cfg.MissingFileDelay = DefaultMissingFileDelay
	}
	if logger == nil {
		logger = logging.Nop()
	}

	t := &Tailer{
		cfg:     cfg,
		logger:  logger.WithComponent("tailer").WithField("path", cfg.Path),
		metrics: m,
	}

	if cfg.MaxLinesPerSecond > 0 {
		burst := int(cfg.MaxLinesPerSecond)
		if burst < 1 {
			burst = 1
		}
		t.limiter = rate.NewLimiter(rate.Limit(cfg.MaxLinesPerSecond), burst)
	}

	return t
}

// Run follows the file starting at start until ctx is cancelled (returns nil)
// or the handler fails (returns the handler's error). A missing file or a
// read error is logged and retried after MissingFileDelay.
func (t *Tailer) Run(ctx context.Context, start int64, handler LineHandler) error {
	if start < 0 {
		start = 0
	}
	t.offset = start

	wake, closeWatch := t.watch()
	defer closeWatch()

	missing := false
	for {
		if ctx.Err() != nil {
			return nil
		}

		file, err := os.Open(t.cfg.Path)
		if err != nil {
			if os.IsNotExist(err) {
				if !missing {
					t.logger.Warn().
						Dur("retry_in", t.cfg.MissingFileDelay).
						Msg("Log file not found, waiting")
				}
				missing = true
				if t.metrics != nil {
					t.metrics.TailerFileMissing.Inc()
				}
			} else {
				t.logger.Error().Err(err).Msg("Failed to open log file")
				t.countReadError()
			}

			if !t.wait(ctx, t.cfg.MissingFileDelay, wake) {
				return nil
			}
			continue
		}

		if missing {
			t.logger.Info().Msg("Log file appeared")
			missing = false
		}

		err = t.follow(ctx, file, wake, handler)
		file.Close()

		var herr *handlerError
		switch {
		case err == nil:
			return nil
		case errors.As(err, &herr):
			return herr.err
		case errors.Is(err, errFileGone):
			t.logger.Warn().Int64("offset", t.offset).Msg("Log file disappeared")
		default:
			t.logger.Error().Err(err).Int64("offset", t.offset).Msg("Error reading log file")
			t.countReadError()
		}

		if !t.wait(ctx, t.cfg.MissingFileDelay, wake) {
			return nil
		}
	}
}

// Offset returns the byte offset just past the last delivered line. It is
// only meaningful once Run has returned.
func (t *Tailer) Offset() int64 {
	return t.offset
}

// follow reads complete lines from an open file. It returns nil when ctx is
// done and a non-nil error when the file must be reopened or the handler
// failed.
func (t *Tailer) follow(ctx context.Context, file *os.File, wake <-chan struct{}, handler LineHandler) error {
	if stat, err := file.Stat(); err == nil && stat.Size() < t.offset {
		t.logger.Warn().
			Int64("size", stat.Size()).
			Int64("offset", t.offset).
			Msg("Log file is smaller than the saved offset, waiting for it to grow")
	}

	if _, err := file.Seek(t.offset, io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek to offset %d: %w", t.offset, err)
	}

	t.logger.Debug().Int64("offset", t.offset).Msg("Following log file")

	reader := bufio.NewReaderSize(file, readBufferSize)
	var partial []byte
	shrinkWarned := false

	for {
		if ctx.Err() != nil {
			return nil
		}

		chunk, err := reader.ReadBytes('\n')
		if len(chunk) > 0 {
			if chunk[len(chunk)-1] != '\n' {
				partial = append(partial, chunk...)
			} else {
				line := chunk
				if len(partial) > 0 {
					line = append(partial, chunk...)
					partial = nil
				}

				if err := t.deliver(ctx, line, handler); err != nil {
					return err
				}
				if ctx.Err() != nil {
					return nil
				}
				continue
			}
		}

		if err == nil {
			continue
		}
		if err != io.EOF {
			return fmt.Errorf("failed to read: %w", err)
		}

		// No new data: make sure the file is still there before idling
		stat, statErr := os.Stat(t.cfg.Path)
		if statErr != nil {
			if os.IsNotExist(statErr) {
				return errFileGone
			}
			return fmt.Errorf("failed to stat: %w", statErr)
		}
		if size := stat.Size(); size < t.offset+int64(len(partial)) {
			if !shrinkWarned {
				t.logger.Warn().
					Int64("size", size).
					Int64("offset", t.offset).
					Msg("Log file shrank below the read offset")
				shrinkWarned = true
			}
		} else {
			shrinkWarned = false
		}

		if !t.wait(ctx, t.cfg.PollInterval, wake) {
			return nil
		}
	}
}

// deliver hands one newline-terminated line to the handler and advances the
// offset past it
func (t *Tailer) deliver(ctx context.Context, line []byte, handler LineHandler) error {
	if t.limiter != nil && !t.limiter.Allow() {
		if t.metrics != nil {
			t.metrics.TailerRateLimited.Inc()
		}
		if err := t.limiter.Wait(ctx); err != nil {
			// Only cancellation makes Wait fail here; the line is re-read on resume
			return nil
		}
	}

	next := t.offset + int64(len(line))
	text := string(bytes.TrimRight(line, "\r\n"))

	if t.metrics != nil {
		t.metrics.TailerLinesRead.Inc()
		t.metrics.TailerBytesRead.Add(float64(len(line)))
	}

	if err := handler(ctx, text, next); err != nil {
		return &handlerError{err: err}
	}
	t.offset = next
	return nil
}

// wait blocks for d or until a wake-up arrives. It returns false when ctx is
// done.
func (t *Tailer) wait(ctx context.Context, d time.Duration, wake <-chan struct{}) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	case <-wake:
		return true
	}
}

// watch subscribes to write and create events on the tailed file. Polling
// continues to work when the watcher cannot be set up; the returned channel
// is then nil.
func (t *Tailer) watch() (<-chan struct{}, func()) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		t.logger.Warn().Err(err).Msg("Failed to create file watcher, falling back to polling")
		return nil, func() {}
	}

	// Watch the directory so the file can be created or replaced
	dir := filepath.Dir(t.cfg.Path)
	if err := watcher.Add(dir); err != nil {
		t.logger.Warn().Err(err).Str("dir", dir).Msg("Failed to watch log directory, falling back to polling")
		watcher.Close()
		return nil, func() {}
	}

	target := filepath.Clean(t.cfg.Path)
	wake := make(chan struct{}, 1)
	done := make(chan struct{})

	go func() {
		defer close(done)
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				select {
				case wake <- struct{}{}:
				default:
				}

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				t.logger.Debug().Err(err).Msg("File watcher error")
			}
		}
	}()

	return wake, func() {
		watcher.Close()
		<-done
	}
}

func (t *Tailer) countReadError() {
	if t.metrics != nil {
		t.metrics.TailerReadErrors.Inc()
	}
}
