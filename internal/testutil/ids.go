package testutil

import "sync"

// FixedIDs returns predetermined ids for testing. It mirrors the shape of
// the production UUID generator but yields a known sequence so traces and
// golden files stay stable.
//
// Panics when exhausted; running out means the test created more sessions
// or requests than it expected.
type FixedIDs struct {
	mu  sync.Mutex
	ids []string
	idx int
}

// NewFixedIDs creates a generator that returns ids in order.
func NewFixedIDs(ids ...string) *FixedIDs {
	return &FixedIDs{ids: ids}
}

// Generate returns the next predetermined id.
func (g *FixedIDs) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.idx >= len(g.ids) {
		panic("FixedIDs: all ids exhausted")
	}
	id := g.ids[g.idx]
	g.idx++
	return id
}
