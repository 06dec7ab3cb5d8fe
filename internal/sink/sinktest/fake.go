// Package sinktest provides an in-memory sink.Client for tests.
package sinktest

import (
	"context"
	"errors"
	"sync"

	"github.com/therealutkarshpriyadarshi/nodeagent/internal/sink"
)

var (
	ErrInjected = errors.New("injected sink failure")
	ErrClosed   = errors.New("fake sink closed")
)

// Fake is an in-memory sink.Client with failure injection. A single Fake
// survives Close and re-dial so tests can observe state across engine restarts.
type Fake struct {
	mu sync.Mutex

	kv     map[string]string
	pushes [][][]byte
	sets   []string
	dials  int
	pings  int
	closes int
	closed bool

	failDials  int
	failPings  int
	failPushes int
	failGets   int
	failSets   int

	onPush func(records [][]byte)
}

// New returns an empty fake sink
func New() *Fake {
	return &Fake{kv: make(map[string]string)}
}

// Dial implements sink.Dialer, handing out the fake itself
func (f *Fake) Dial(ctx context.Context, url string) (sink.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.dials++
	if f.failDials > 0 {
		f.failDials--
		return nil, ErrInjected
	}
	f.closed = false
	return f, nil
}

func (f *Fake) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.pings++
	if f.failPings != 0 {
		if f.failPings > 0 {
			f.failPings--
		}
		return ErrInjected
	}
	return nil
}

func (f *Fake) Push(ctx context.Context, key string, records [][]byte) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return ErrClosed
	}
	if f.failPushes != 0 {
		if f.failPushes > 0 {
			f.failPushes--
		}
		f.mu.Unlock()
		return ErrInjected
	}

	batch := make([][]byte, len(records))
	copy(batch, records)
	f.pushes = append(f.pushes, batch)
	hook := f.onPush
	f.mu.Unlock()

	if hook != nil {
		hook(batch)
	}
	return nil
}

func (f *Fake) Get(ctx context.Context, key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failGets != 0 {
		if f.failGets > 0 {
			f.failGets--
		}
		return "", false, ErrInjected
	}
	v, ok := f.kv[key]
	return v, ok, nil
}

func (f *Fake) Set(ctx context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrClosed
	}
	if f.failSets != 0 {
		if f.failSets > 0 {
			f.failSets--
		}
		return ErrInjected
	}
	f.kv[key] = value
	f.sets = append(f.sets, value)
	return nil
}

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.closes++
	f.closed = true
	return nil
}

// FailDials makes the next n dials fail
func (f *Fake) FailDials(n int) {
	f.mu.Lock()
	f.failDials = n
	f.mu.Unlock()
}

// FailPings makes the next n pings fail; a negative n fails every ping
func (f *Fake) FailPings(n int) {
	f.mu.Lock()
	f.failPings = n
	f.mu.Unlock()
}

// FailPushes makes the next n pushes fail; a negative n fails every push
func (f *Fake) FailPushes(n int) {
	f.mu.Lock()
	f.failPushes = n
	f.mu.Unlock()
}

// FailGets makes the next n gets fail; a negative n fails every get
func (f *Fake) FailGets(n int) {
	f.mu.Lock()
	f.failGets = n
	f.mu.Unlock()
}

// FailSets makes the next n sets fail; a negative n fails every set
func (f *Fake) FailSets(n int) {
	f.mu.Lock()
	f.failSets = n
	f.mu.Unlock()
}

// OnPush registers a hook called after each successful push
func (f *Fake) OnPush(fn func(records [][]byte)) {
	f.mu.Lock()
	f.onPush = fn
	f.mu.Unlock()
}

// Store seeds a key
func (f *Fake) Store(key, value string) {
	f.mu.Lock()
	f.kv[key] = value
	f.mu.Unlock()
}

// Value returns the value at key
func (f *Fake) Value(key string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.kv[key]
	return v, ok
}

// Pushes returns the records of every successful push call, in call order
func (f *Fake) Pushes() [][][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][][]byte, len(f.pushes))
	copy(out, f.pushes)
	return out
}

// Records returns every pushed record flattened in push order
func (f *Fake) Records() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out [][]byte
	for _, batch := range f.pushes {
		out = append(out, batch...)
	}
	return out
}

// Sets returns every value successfully written with Set, in call order
func (f *Fake) Sets() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sets))
	copy(out, f.sets)
	return out
}

// Dials returns the number of Dial calls
func (f *Fake) Dials() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dials
}

// Pings returns the number of Ping calls
func (f *Fake) Pings() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pings
}

// Closes returns the number of Close calls
func (f *Fake) Closes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}
