package connection

import (
	"context"
	"sync"

	"github.com/dgnsrekt/karaoke-sync/internal/transport"
)

// Direct is a Provider holding a single link.
type Direct struct {
	dial    transport.DialFunc
	handler transport.Handler

	mu   sync.Mutex
	link transport.Link
}

// NewDirect creates a Direct provider. Links it dials report to h.
func NewDirect(dial transport.DialFunc, h transport.Handler) *Direct {
	return &Direct{dial: dial, handler: h}
}

// Acquire dials a fresh link, closing the previous one.
func (d *Direct) Acquire(ctx context.Context, token string) (transport.Link, error) {
	link, err := d.dial(ctx, token, d.handler)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	prev := d.link
	d.link = link
	d.mu.Unlock()

	if prev != nil {
		prev.Close()
	}
	return link, nil
}

// Failover has nothing to fall back to.
func (d *Direct) Failover(failed transport.Link) transport.Link {
	d.mu.Lock()
	if d.link != nil && d.link.Generation() == failed.Generation() {
		d.link = nil
	}
	d.mu.Unlock()
	return nil
}

// Shutdown closes the held link.
func (d *Direct) Shutdown() {
	d.mu.Lock()
	link := d.link
	d.link = nil
	d.mu.Unlock()

	if link != nil {
		link.Close()
	}
}
