package forwarder

import (
	"sync"
	"time"

	"github.com/therealutkarshpriyadarshi/nodeagent/pkg/types"
)

// Batcher holds events waiting for delivery together with the read offset
// they were consumed up to. Both are guarded by one mutex so a detached
// batch always pairs with the offset that covers exactly its events.
type Batcher struct {
	maxSize int
	now     func() time.Time

	mu        sync.Mutex
	events    []*types.LogEvent
	offset    int64
	lastFlush time.Time
}

// NewBatcher creates a batcher that reports full at maxSize events
func NewBatcher(maxSize int, now func() time.Time) *Batcher {
	if maxSize < 1 {
		maxSize = 1
	}
	if now == nil {
		now = time.Now
	}

	return &Batcher{
		maxSize:   maxSize,
		now:       now,
		events:    make([]*types.LogEvent, 0, maxSize),
		lastFlush: now(),
	}
}

// Add appends an event consumed up to offset. It returns true when the
// buffer has reached the batch size.
func (b *Batcher) Add(event *types.LogEvent, offset int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.events = append(b.events, event)
	b.advanceLocked(offset)

	return len(b.events) >= b.maxSize
}

// Advance records that input up to offset was consumed without producing
// an event
func (b *Batcher) Advance(offset int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.advanceLocked(offset)
}

func (b *Batcher) advanceLocked(offset int64) {
	if offset > b.offset {
		b.offset = offset
	}
}

// Detach takes the buffered events, leaving an empty buffer for new appends,
// and returns them with the offset they cover
func (b *Batcher) Detach() ([]*types.LogEvent, int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.events) == 0 {
		return nil, b.offset
	}

	batch := b.events
	b.events = make([]*types.LogEvent, 0, b.maxSize)

	return batch, b.offset
}

// Restore puts a batch that could not be delivered back in front of
// anything appended since it was detached
func (b *Batcher) Restore(batch []*types.LogEvent) {
	if len(batch) == 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	restored := make([]*types.LogEvent, 0, len(batch)+len(b.events))
	restored = append(restored, batch...)
	restored = append(restored, b.events...)
	b.events = restored
}

// MarkFlushed records a successful delivery
func (b *Batcher) MarkFlushed() {
	b.mu.Lock()
	b.lastFlush = b.now()
	b.mu.Unlock()
}

// Due reports whether the buffer holds events and interval has passed since
// the last successful delivery
func (b *Batcher) Due(interval time.Duration) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.events) > 0 && b.now().Sub(b.lastFlush) >= interval
}

// SetOffset initializes the consumed offset
func (b *Batcher) SetOffset(offset int64) {
	b.mu.Lock()
	b.offset = offset
	b.mu.Unlock()
}

// Offset returns the consumed offset
func (b *Batcher) Offset() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.offset
}

// Len returns the number of buffered events
func (b *Batcher) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

// State returns the number of buffered events and the consumed offset
func (b *Batcher) State() (int, int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events), b.offset
}
