package abuse

import (
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time       { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestRateLimitRollingWindow(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	c := New(clock.now)

	for i := 0; i < RateCap; i++ {
		if !c.CheckRate("1.2.3.4") {
			t.Fatalf("attempt %d: expected CheckRate true before cap reached", i)
		}
		c.RecordAttempt("1.2.3.4")
	}
	if c.CheckRate("1.2.3.4") {
		t.Fatal("expected CheckRate false after 10 attempts within window")
	}

	clock.advance(RateWindow)
	if !c.CheckRate("1.2.3.4") {
		t.Fatal("expected CheckRate true once the window has rolled")
	}
}

func TestLockoutAfterThreeFailures(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	c := New(clock.now)

	for i := 0; i < LockoutThreshold; i++ {
		c.RecordFailure("1.2.3.4")
	}
	if !c.IsLocked("1.2.3.4") {
		t.Fatal("expected lockout after 3 consecutive failures")
	}

	clock.advance(LockoutDuration - time.Second)
	if !c.IsLocked("1.2.3.4") {
		t.Fatal("expected still locked just before duration elapses")
	}

	clock.advance(2 * time.Second)
	if c.IsLocked("1.2.3.4") {
		t.Fatal("expected lockout cleared after duration elapses")
	}
}

func TestSuccessClearsLockout(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	c := New(clock.now)

	c.RecordFailure("k")
	c.RecordFailure("k")
	c.RecordSuccess("k")
	c.RecordFailure("k")
	if c.IsLocked("k") {
		t.Fatal("expected a single post-success failure to not re-trigger lockout")
	}
}

func TestIndependentKeys(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	c := New(clock.now)

	for i := 0; i < LockoutThreshold; i++ {
		c.RecordFailure("attacker")
	}
	if c.IsLocked("victim") {
		t.Fatal("lockout must be scoped per key")
	}
}
