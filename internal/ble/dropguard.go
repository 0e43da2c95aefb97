package ble

import "sync"

// dropGuard routes a connection's drop event to its OnDisconnect callback
// exactly once. The platform stack can report the drop before the session
// has registered its callback; in that case the callback fires at
// registration time instead of being lost.
type dropGuard struct {
	mu      sync.Mutex
	cb      func()
	dropped bool
}

// OnDisconnect registers the callback. If the link already dropped, the
// callback fires immediately.
func (g *dropGuard) OnDisconnect(cb func()) {
	g.mu.Lock()
	g.cb = cb
	fire := g.dropped
	g.mu.Unlock()
	if fire {
		cb()
	}
}

// fire marks the link dropped and invokes the registered callback, if any.
// Subsequent calls are no-ops.
func (g *dropGuard) fire() {
	g.mu.Lock()
	cb := g.cb
	already := g.dropped
	g.dropped = true
	g.mu.Unlock()
	if cb != nil && !already {
		cb()
	}
}
