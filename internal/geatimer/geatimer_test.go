package geatimer

import "testing"

// fakeTicks is a manually advanced millisecond counter.
type fakeTicks struct{ t uint32 }

func (f *fakeTicks) Now() uint32 { return f.t }

func tickTo(g *Group, ft *fakeTicks, target uint32) {
	for ft.t < target {
		ft.t++
		g.Tick()
	}
}

func TestTimerFiresAtDeadline(t *testing.T) {
	ft := &fakeTicks{}
	g := NewGroup(ft)
	g.Declare("a")

	fired := 0
	g.Start("a", 5, func() { fired++ })
	tickTo(g, ft, 4)
	if fired != 0 {
		t.Fatalf("fired early at t=%d", ft.t)
	}
	tickTo(g, ft, 5)
	if fired != 1 {
		t.Fatalf("fired = %d at deadline, want 1", fired)
	}
	tickTo(g, ft, 20)
	if fired != 1 {
		t.Fatal("timer fired again without being rearmed")
	}
}

func TestStopPreventsFiring(t *testing.T) {
	ft := &fakeTicks{}
	g := NewGroup(ft)
	g.Declare("a")

	fired := false
	g.Start("a", 3, func() { fired = true })
	g.Stop("a")
	tickTo(g, ft, 10)
	if fired {
		t.Fatal("stopped timer fired")
	}
	if g.Armed("a") {
		t.Fatal("stopped timer still armed")
	}
}

func TestRestartReplacesDeadline(t *testing.T) {
	ft := &fakeTicks{}
	g := NewGroup(ft)
	g.Declare("a")

	fired := 0
	g.Start("a", 3, func() { fired++ })
	tickTo(g, ft, 2)
	g.Start("a", 5, func() { fired++ })
	tickTo(g, ft, 6)
	if fired != 0 {
		t.Fatalf("fired = %d before new deadline", fired)
	}
	tickTo(g, ft, 7)
	if fired != 1 {
		t.Fatalf("fired = %d at new deadline, want 1", fired)
	}
}

func TestIndependentTimers(t *testing.T) {
	ft := &fakeTicks{}
	g := NewGroup(ft)
	g.Declare("fast")
	g.Declare("slow")

	var order []string
	g.Start("slow", 8, func() { order = append(order, "slow") })
	g.Start("fast", 2, func() { order = append(order, "fast") })
	tickTo(g, ft, 10)
	if len(order) != 2 || order[0] != "fast" || order[1] != "slow" {
		t.Fatalf("order = %v", order)
	}
}

// A callback rearming its own timer must not be re-fired within the same
// Tick; the rearmed deadline is in the future.
func TestRearmFromCallback(t *testing.T) {
	ft := &fakeTicks{}
	g := NewGroup(ft)
	g.Declare("a")

	fired := 0
	var rearm func()
	rearm = func() {
		fired++
		if fired < 3 {
			g.Start("a", 2, rearm)
		}
	}
	g.Start("a", 2, rearm)
	tickTo(g, ft, 6)
	if fired != 3 {
		t.Fatalf("fired = %d, want 3", fired)
	}
}

func TestWallClockMonotonic(t *testing.T) {
	w := NewWallClock()
	a := w.Now()
	b := w.Now()
	if b < a {
		t.Fatalf("wall clock went backwards: %d -> %d", a, b)
	}
}
