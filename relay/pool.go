package relay

import "sync/atomic"

// Pool holds the current relay catalogue. Readers get an immutable snapshot;
// the refresher swaps in a new catalogue without disturbing them.
type Pool struct {
	current atomic.Pointer[Catalogue]
}

// NewPool returns a pool seeded with initial, which may be nil.
func NewPool(initial *Catalogue) *Pool {
	p := &Pool{}
	if initial != nil {
		p.current.Store(initial)
	}
	return p
}

// Snapshot returns the current catalogue, or nil before the first load.
func (p *Pool) Snapshot() *Catalogue {
	return p.current.Load()
}

// Replace installs cat as the current catalogue. The pool takes ownership.
func (p *Pool) Replace(cat *Catalogue) {
	p.current.Store(cat)
}

// ETag returns the ETag of the current catalogue.
func (p *Pool) ETag() string {
	if c := p.current.Load(); c != nil {
		return c.ETag
	}
	return ""
}
