package clock

import (
	"sync/atomic"
	"testing"
	"time"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeClock_AfterFuncFiresOnAdvance(t *testing.T) {
	c := Fake(epoch)
	var fired atomic.Int32
	var firedAt time.Time

	c.AfterFunc(2*time.Second, func() {
		fired.Add(1)
		firedAt = c.Now()
	})

	c.Advance(time.Second)
	if fired.Load() != 0 {
		t.Fatal("fired too early")
	}
	c.Advance(time.Second)
	if fired.Load() != 1 {
		t.Fatalf("expected 1 call, got %d", fired.Load())
	}
	if !firedAt.Equal(epoch.Add(2 * time.Second)) {
		t.Errorf("expected Now at deadline, got %v", firedAt)
	}

	c.Advance(10 * time.Second)
	if fired.Load() != 1 {
		t.Errorf("one-shot fired again: %d", fired.Load())
	}
}

func TestFakeClock_Stop(t *testing.T) {
	c := Fake(epoch)
	var fired atomic.Int32
	timer := c.AfterFunc(time.Second, func() { fired.Add(1) })

	if !timer.Stop() {
		t.Error("expected Stop to report pending timer")
	}
	if timer.Stop() {
		t.Error("second Stop should report false")
	}
	c.Advance(time.Minute)
	if fired.Load() != 0 {
		t.Error("stopped timer fired")
	}
	if c.PendingCount() != 0 {
		t.Errorf("expected no pending waiters, got %d", c.PendingCount())
	}
}

func TestFakeClock_OrderAndChaining(t *testing.T) {
	c := Fake(epoch)
	var order []string

	c.AfterFunc(3*time.Second, func() { order = append(order, "b") })
	c.AfterFunc(time.Second, func() {
		order = append(order, "a")
		// Scheduled from a callback, still due inside this Advance.
		c.AfterFunc(time.Second, func() { order = append(order, "a2") })
	})

	c.Advance(5 * time.Second)

	want := []string{"a", "a2", "b"}
	if len(order) != len(want) {
		t.Fatalf("expected %v, got %v", want, order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("position %d: got %q, want %q", i, order[i], want[i])
		}
	}

	sched := c.Scheduled()
	if len(sched) != 3 || sched[0] != 3*time.Second || sched[2] != time.Second {
		t.Errorf("unexpected schedule %v", sched)
	}
	if !c.Now().Equal(epoch.Add(5 * time.Second)) {
		t.Errorf("unexpected Now %v", c.Now())
	}
}

func TestFakeClock_Ticker(t *testing.T) {
	c := Fake(epoch)
	tk := c.NewTicker(500 * time.Millisecond)

	c.Advance(500 * time.Millisecond)
	select {
	case <-tk.C:
	default:
		t.Fatal("expected a tick")
	}

	// Ticks beyond the buffer are dropped.
	c.Advance(2 * time.Second)
	<-tk.C
	select {
	case <-tk.C:
		t.Fatal("expected dropped ticks")
	default:
	}

	tk.Stop()
	c.Advance(time.Second)
	select {
	case <-tk.C:
		t.Fatal("stopped ticker ticked")
	default:
	}
}

func TestFakeClock_WaitForTimers(t *testing.T) {
	c := Fake(epoch)
	done := make(chan struct{})
	go func() {
		c.AfterFunc(time.Second, func() { close(done) })
	}()

	c.WaitForTimers(1)
	c.Advance(time.Second)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("callback did not run")
	}
}

func TestFakeClock_Set(t *testing.T) {
	c := Fake(epoch)
	later := epoch.Add(time.Hour)
	c.Set(later)
	if !c.Now().Equal(later) {
		t.Errorf("expected %v, got %v", later, c.Now())
	}
}

func TestRealClockImplementsClock(t *testing.T) {
	var _ Clock = Real()
	var _ Clock = Fake(epoch)

	fired := make(chan struct{})
	Real().AfterFunc(time.Millisecond, func() { close(fired) })
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("real AfterFunc did not fire")
	}
}
