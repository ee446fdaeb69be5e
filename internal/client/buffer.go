package client

import (
	"sync"

	"github.com/omochice/resilient-chat/pkg/protocol"
)

// OutboundBuffer holds envelopes that could not be transmitted yet, in
// enqueue order. It does no de-duplication and tracks no acknowledgements.
type OutboundBuffer struct {
	mu    sync.Mutex
	items []protocol.Envelope
	max   int
}

// NewOutboundBuffer returns a buffer holding at most max envelopes.
// max <= 0 means unbounded.
func NewOutboundBuffer(max int) *OutboundBuffer {
	return &OutboundBuffer{max: max}
}

// Push appends env. When the buffer is capped and full the newest envelope
// is rejected with ErrBufferFull; queued envelopes are never evicted.
func (b *OutboundBuffer) Push(env protocol.Envelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.max > 0 && len(b.items) >= b.max {
		return ErrBufferFull
	}
	b.items = append(b.items, env)
	return nil
}

// Drain removes and returns everything queued, oldest first.
func (b *OutboundBuffer) Drain() []protocol.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	items := b.items
	b.items = nil
	return items
}

// Len returns the number of queued envelopes.
func (b *OutboundBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}
