// Package geatimer provides a free-running millisecond tick source and a
// group of named countdown timers armed against it. The single-wire
// framer runs its protocol timeouts (interbyte, reflection, ACK, idle and
// collision cooldowns) through one Group, polled once per millisecond by
// the goroutine that also owns the byte stream, so timer callbacks never
// race byte handling.
package geatimer

import "time"

// Ticks is a free-running millisecond counter. Production code backs this
// with wall-clock time; tests back it with a fake that advances on demand.
type Ticks interface {
	Now() uint32
}

// WallClock is the production Ticks implementation: milliseconds since
// construction, truncated to 32 bits. Wraparound is harmless; deadlines
// compare modulo 2^32.
type WallClock struct {
	start time.Time
}

// NewWallClock returns a Ticks backed by the real clock, epoched at the
// moment of construction.
func NewWallClock() *WallClock {
	return &WallClock{start: time.Now()}
}

func (w *WallClock) Now() uint32 {
	return uint32(time.Since(w.start).Milliseconds())
}

// timer is one armed countdown.
type timer struct {
	armed   bool
	expires uint32
	fn      func()
}

// Group holds a fixed set of named timers, armed and polled by millisecond
// ticks. It never allocates once constructed: timers are pre-declared by
// name and only Start/Stop/Tick touch them afterward.
type Group struct {
	ticks Ticks
	slots map[string]*timer
}

// NewGroup constructs a Group backed by ticks. Timers are declared with
// Declare before use.
func NewGroup(ticks Ticks) *Group {
	return &Group{ticks: ticks, slots: make(map[string]*timer)}
}

// Declare registers a named timer slot. Must be called once per name before
// Start/Stop/Tick reference it.
func (g *Group) Declare(name string) {
	if _, ok := g.slots[name]; !ok {
		g.slots[name] = &timer{}
	}
}

// Start (re)arms the named timer to fire fn after durationMs milliseconds
// have elapsed, replacing any previously armed callback for that name.
func (g *Group) Start(name string, durationMs uint32, fn func()) {
	t := g.slots[name]
	t.armed = true
	t.expires = g.ticks.Now() + durationMs
	t.fn = fn
}

// Stop disarms the named timer without firing it.
func (g *Group) Stop(name string) {
	if t, ok := g.slots[name]; ok {
		t.armed = false
		t.fn = nil
	}
}

// Armed reports whether the named timer is currently counting down.
func (g *Group) Armed(name string) bool {
	t, ok := g.slots[name]
	return ok && t.armed
}

// Tick advances the group by one millisecond tick, firing and disarming any
// timer whose deadline has passed. Call once per tick from the I-goroutine.
func (g *Group) Tick() {
	now := g.ticks.Now()
	for _, t := range g.slots {
		if t.armed && now-t.expires < 1<<31 {
			t.armed = false
			fn := t.fn
			t.fn = nil
			if fn != nil {
				fn()
			}
		}
	}
}
