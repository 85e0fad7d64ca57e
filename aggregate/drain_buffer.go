package aggregate

import (
	"sync"

	"github.com/gravwell/buffer"
	"github.com/sandboxreport/sandboxcore/report"
)

// explicitAccessBuffer backs the "small write-side buffer of
// explicitly-reported accesses that a downstream consumer drains
// without waiting for process termination" (spec.md §4.4). It is
// built on gravwell/buffer's ring, the same dependency the teacher
// uses to decouple a fast producer from a slower consumer without an
// unbounded channel.
type explicitAccessBuffer struct {
	mtx sync.Mutex
	ring *buffer.Ring
}

func newExplicitAccessBuffer(capacity int) *explicitAccessBuffer {
	if capacity <= 0 {
		capacity = 256
	}
	return &explicitAccessBuffer{ring: buffer.NewRing(capacity)}
}

// Push enqueues an access, overwriting the oldest undrained entry if
// the ring is full — a drain-buffer is advisory, not an audit log; the
// authoritative record is Aggregator.explicitlyReported.
func (b *explicitAccessBuffer) Push(a *report.FileAccess) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	b.ring.Push(a)
}

// Drain removes and returns up to n buffered accesses, oldest first.
func (b *explicitAccessBuffer) Drain(n int) []*report.FileAccess {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	out := make([]*report.FileAccess, 0, n)
	for i := 0; i < n; i++ {
		v, ok := b.ring.Pop()
		if !ok {
			break
		}
		out = append(out, v.(*report.FileAccess))
	}
	return out
}
