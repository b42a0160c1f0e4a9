package decoder

import (
	"context"
	"sync"
)

// Accumulator collects partial notification payloads until a full frame
// has arrived. Append may be called from a notification callback while
// another goroutine waits.
type Accumulator struct {
	size   int
	mu     sync.Mutex
	buf    []byte
	signal chan struct{}
}

func NewAccumulator(size int) *Accumulator {
	return &Accumulator{
		size:   size,
		buf:    make([]byte, 0, size),
		signal: make(chan struct{}, 1),
	}
}

// Append adds a chunk. Chunks arriving after completion are kept so that an
// oversized frame is reported as corrupt rather than silently truncated.
func (a *Accumulator) Append(chunk []byte) {
	a.mu.Lock()
	a.buf = append(a.buf, chunk...)
	a.mu.Unlock()

	select {
	case a.signal <- struct{}{}:
	default:
	}
}

func (a *Accumulator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buf)
}

func (a *Accumulator) IsComplete() bool {
	return a.Len() >= a.size
}

// Bytes returns a copy of the collected data.
func (a *Accumulator) Bytes() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]byte, len(a.buf))
	copy(out, a.buf)

	return out
}

func (a *Accumulator) Reset() {
	a.mu.Lock()
	a.buf = a.buf[:0]
	a.mu.Unlock()

	select {
	case <-a.signal:
	default:
	}
}

// Wait blocks until the frame is complete or ctx is done, and reports
// whether the frame completed.
func (a *Accumulator) Wait(ctx context.Context) bool {
	for {
		if a.IsComplete() {
			return true
		}

		select {
		case <-a.signal:
		case <-ctx.Done():
			return a.IsComplete()
		}
	}
}
