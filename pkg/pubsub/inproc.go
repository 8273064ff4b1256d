// Package pubsub provides BroadcastPort adapters for propagating lock
// state between client instances. Every adapter implements the same
// narrow interface; the gate converges no matter which transport
// delivers a change first.
package pubsub

import (
	"context"
	"sync"

	"github.com/mossnet/chatsync/pkg/chatsync"
)

// InProc is an in-process broadcast channel: every instance attached to
// the same InProc sees every published change, including its own (the
// gate's apply is idempotent, so the loopback is harmless).
type InProc struct {
	mu       sync.Mutex
	handlers []func(chatsync.LockChange)
}

// NewInProc creates an empty in-process channel.
func NewInProc() *InProc { return &InProc{} }

func (p *InProc) Publish(_ context.Context, change chatsync.LockChange) error {
	p.mu.Lock()
	handlers := make([]func(chatsync.LockChange), len(p.handlers))
	copy(handlers, p.handlers)
	p.mu.Unlock()
	for _, fn := range handlers {
		fn(change)
	}
	return nil
}

func (p *InProc) Subscribe(_ context.Context, handler func(chatsync.LockChange)) error {
	p.mu.Lock()
	p.handlers = append(p.handlers, handler)
	p.mu.Unlock()
	return nil
}
