package watcher

import "sync/atomic"

// runGuard is a non-blocking lock held while a triggered sync runs. A fire
// that finds it held records a rerun instead of waiting.
type runGuard struct {
	state atomic.Int32 // 0 = idle, 1 = running
	rerun atomic.Int32 // highest Reason requested while running
}

// TryAcquire takes the guard without blocking.
func (g *runGuard) TryAcquire() bool {
	return g.state.CompareAndSwap(0, 1)
}

// Release frees the guard and returns the rerun reason requested while it
// was held, or 0. Only the goroutine that acquired the guard may call it.
func (g *runGuard) Release() Reason {
	g.state.Store(0)
	return Reason(g.rerun.Swap(0))
}

// RequestRerun records r unless a more important reason is already pending.
func (g *runGuard) RequestRerun(r Reason) {
	for {
		cur := g.rerun.Load()
		if cur >= int32(r) || g.rerun.CompareAndSwap(cur, int32(r)) {
			return
		}
	}
}

// takeRerun clears and returns the pending rerun reason.
func (g *runGuard) takeRerun() Reason {
	return Reason(g.rerun.Swap(0))
}
