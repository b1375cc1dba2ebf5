package guard

import (
	"context"
	"sync"

	"ngoportal.org/internal/obs"
	"ngoportal.org/internal/session"
)

// Source is a read-only session view.
type Source interface {
	Snapshot() session.Snapshot
	Watch(ctx context.Context) <-chan session.Snapshot
}

// Navigator re-evaluates the latest path against the latest snapshot
// whenever either changes.
type Navigator struct {
	src Source

	mu      sync.Mutex
	path    string
	hasPath bool
	changed chan struct{}

	decisions chan Decision
}

func NewNavigator(src Source) *Navigator {
	return &Navigator{
		src:       src,
		changed:   make(chan struct{}, 1),
		decisions: make(chan Decision, 1),
	}
}

// Navigate records a navigation intent. Only the newest path is kept.
func (n *Navigator) Navigate(p string) {
	n.mu.Lock()
	n.path = p
	n.hasPath = true
	n.mu.Unlock()
	select {
	case n.changed <- struct{}{}:
	default:
	}
}

// Decisions delivers the newest decision; superseded ones are dropped.
func (n *Navigator) Decisions() <-chan Decision {
	return n.decisions
}

// Run evaluates until ctx ends or the source stops. Snapshot changes only
// trigger evaluation; the snapshot used is always read fresh from the source.
func (n *Navigator) Run(ctx context.Context) error {
	snaps := n.src.Watch(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-snaps:
			if !ok {
				return nil
			}
		case <-n.changed:
		}
		n.mu.Lock()
		p, ok := n.path, n.hasPath
		n.mu.Unlock()
		if !ok {
			continue
		}
		n.emit(Evaluate(n.src.Snapshot(), p))
	}
}

func (n *Navigator) emit(d Decision) {
	obs.ObserveGuardDecision(d.Action.String())
	select {
	case <-n.decisions:
	default:
	}
	n.decisions <- d
}
