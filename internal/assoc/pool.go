package assoc

import (
	"context"
	"log/slog"
	"time"
)

// Pool bounds concurrent associations to one node and reuses healthy
// ones across operations. Check-out and check-in are atomic via channel
// semantics; no lock is shared across pools, so nodes stay independent.
//
// An association is owned exclusively by the caller between Checkout and
// Checkin.
type Pool struct {
	node  Node
	opts  Options
	slots chan struct{}     // capacity = node max-associations
	free  chan *Association // idle associations, capacity = slots
	open  func(ctx context.Context) (*Association, error)
}

// NewPool creates a pool for one node with the given concurrency cap.
func NewPool(node Node, maxAssoc int, opts Options) *Pool {
	if maxAssoc <= 0 {
		maxAssoc = 1
	}
	p := &Pool{
		node:  node,
		opts:  opts,
		slots: make(chan struct{}, maxAssoc),
		free:  make(chan *Association, maxAssoc),
	}
	for i := 0; i < maxAssoc; i++ {
		p.slots <- struct{}{}
	}
	p.open = func(ctx context.Context) (*Association, error) {
		return Open(ctx, node, opts)
	}
	return p
}

// SetOpener overrides association establishment. Tests use this to wire
// the in-process peer.
func (p *Pool) SetOpener(open func(ctx context.Context) (*Association, error)) {
	p.open = open
}

// Node returns the node this pool serves.
func (p *Pool) Node() Node { return p.node }

// Checkout acquires a slot, then hands out an idle association or dials
// a new one. Blocks while the node is at its concurrency cap.
func (p *Pool) Checkout(ctx context.Context) (*Association, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.slots:
	}

	for {
		select {
		case a := <-p.free:
			if a.Expired() {
				p.retire(a)
				continue
			}
			return a, nil
		default:
			a, err := p.open(ctx)
			if err != nil {
				p.slots <- struct{}{} // slot back on failed open
				return nil, err
			}
			return a, nil
		}
	}
}

// Checkin returns an association to the pool. A broken or expired
// association is released instead of reused; its slot is freed either
// way.
func (p *Pool) Checkin(a *Association, broken bool) {
	if broken || a.Expired() {
		p.retire(a)
	} else {
		p.free <- a
	}
	p.slots <- struct{}{}
}

func (p *Pool) retire(a *Association) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Release(ctx); err != nil {
		slog.Debug("association release failed, aborted",
			"node", p.node.Key(),
			"error", err,
		)
	}
}

// Close releases every idle association. In-flight associations are the
// responsibility of their current owners.
func (p *Pool) Close() {
	for {
		select {
		case a := <-p.free:
			p.retire(a)
		default:
			return
		}
	}
}
