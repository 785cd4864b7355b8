package registry

import (
	"regexp"
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time  { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestRegistry() (*Registry, *fakeClock) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	return New(clock.now), clock
}

func TestGenerateUnusedMatchesFormat(t *testing.T) {
	r, _ := newTestRegistry()
	re := regexp.MustCompile(`^\d{6}$`)
	for i := 0; i < 20; i++ {
		code, err := r.GenerateUnused("peer-1")
		if err != nil {
			t.Fatalf("GenerateUnused: %v", err)
		}
		if !re.MatchString(code) {
			t.Fatalf("code %q does not match ^\\d{6}$", code)
		}
		r.Expire(code)
	}
}

func TestValidateExpiresAfterTTL(t *testing.T) {
	r, clock := newTestRegistry()
	r.Register("000042", "peer-1")

	if !r.Validate("000042") {
		t.Fatal("expected freshly-registered code to validate")
	}

	clock.advance(TTL)
	if !r.Validate("000042") {
		t.Fatal("expected code to still validate exactly at TTL boundary")
	}

	clock.advance(time.Second)
	if r.Validate("000042") {
		t.Fatal("expected code to be expired past TTL")
	}

	// Validate must have evicted it.
	if _, ok := r.ReceiverOf("000042"); ok {
		t.Fatal("expected expired code to be evicted by Validate")
	}
}

func TestValidateNeverRegistered(t *testing.T) {
	r, _ := newTestRegistry()
	if r.Validate("999999") {
		t.Fatal("expected unregistered code to fail validation")
	}
}

func TestExpireRemovesCode(t *testing.T) {
	r, _ := newTestRegistry()
	r.Register("123456", "peer-1")
	r.Expire("123456")
	if r.Validate("123456") {
		t.Fatal("expected explicitly expired code to fail validation")
	}
}

func TestReceiverOfLiveCode(t *testing.T) {
	r, _ := newTestRegistry()
	r.Register("123456", "peer-9")
	got, ok := r.ReceiverOf("123456")
	if !ok || got != "peer-9" {
		t.Fatalf("ReceiverOf = (%q, %v), want (peer-9, true)", got, ok)
	}
}

func TestGenerateUnusedAvoidsActiveCodes(t *testing.T) {
	r, _ := newTestRegistry()
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		code, err := r.GenerateUnused("peer")
		if err != nil {
			t.Fatalf("GenerateUnused: %v", err)
		}
		if seen[code] {
			t.Fatalf("code %q generated twice while still active", code)
		}
		seen[code] = true
	}
}
