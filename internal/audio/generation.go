package audio

import "sync/atomic"

// Generation hands out monotonically increasing tokens. Async work captures
// the token at launch and applies its result only if the token is still
// current when it completes.
type Generation struct {
	n atomic.Uint64
}

// Next invalidates every outstanding token and returns a fresh one.
func (g *Generation) Next() uint64 { return g.n.Add(1) }

func (g *Generation) Current() uint64 { return g.n.Load() }

func (g *Generation) Valid(token uint64) bool { return g.n.Load() == token }
