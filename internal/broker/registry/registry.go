// Package registry implements the Code Registry (spec.md §4.1): short-lived
// six-digit rendezvous codes that map to a receiver's peer id. Grounded on
// rustyguts-bken's channel_state.go locking discipline (a single mutex
// guarding a map) adapted to the code/TTL
// domain instead of presence/channels.
package registry

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"
)

// CodeLength is the fixed decimal length of a code (spec.md §4.1, L=6).
const CodeLength = 6

// TTL is how long a registered code stays active (spec.md §4.1).
const TTL = 300 * time.Second

// maxSpace is 10^CodeLength, the size of the code namespace.
var maxSpace = pow10(CodeLength)

func pow10(n int) int64 {
	v := int64(1)
	for i := 0; i < n; i++ {
		v *= 10
	}
	return v
}

// ErrCapacityExhausted is returned by GenerateUnused when the code space is
// saturated even after sweeping expired entries (spec.md §4.1).
var ErrCapacityExhausted = errors.New("registry: capacity exhausted")

type entry struct {
	receiverPeerID string
	createdAt      time.Time
}

// Registry is the process-wide Code Registry (spec.md §3 Code, ownership
// §3: "the Room Manager exclusively owns Rooms and the Codes registered
// against them" — Registry is the mechanism the Room Manager drives).
type Registry struct {
	mu      sync.Mutex
	codes   map[string]entry
	now     func() time.Time
	retries int
}

// New returns an empty Registry. now defaults to time.Now; tests inject a
// fake clock the way rustyguts-bken's room_test.go does.
func New(now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{
		codes:   make(map[string]entry),
		now:     now,
		retries: 100,
	}
}

// Register maps code to receiverPeerID, creating or replacing the entry's
// timestamp. Callers are expected to have obtained code from
// GenerateUnused or to be registering a caller-supplied code (e.g. a test).
func (r *Registry) Register(code, receiverPeerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codes[code] = entry{receiverPeerID: receiverPeerID, createdAt: r.now()}
}

// Validate reports whether code is registered and unexpired. Expired codes
// are evicted as a side effect (spec.md §4.1: "validate returns false for
// expired codes and additionally evicts them").
func (r *Registry) Validate(code string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.codes[code]
	if !ok {
		return false
	}
	if r.now().Sub(e.createdAt) > TTL {
		delete(r.codes, code)
		return false
	}
	return true
}

// Expire removes code unconditionally (spec.md §4.1 expire; also used when
// a Room empties, spec.md §4.3 "On peer close").
func (r *Registry) Expire(code string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.codes, code)
}

// ReceiverOf returns the receiver peer id registered against code, if any
// and unexpired.
func (r *Registry) ReceiverOf(code string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.codes[code]
	if !ok || r.now().Sub(e.createdAt) > TTL {
		return "", false
	}
	return e.receiverPeerID, true
}

// GenerateUnused mints a fresh six-digit code and registers it against
// receiverPeerID, following spec.md §4.1's generation policy: draw
// uniformly from a cryptographically-adequate PRNG, retry up to 100 times
// avoiding active codes, then sweep expired codes and retry another 100×.
func (r *Registry) GenerateUnused(receiverPeerID string) (string, error) {
	for round := 0; round < 2; round++ {
		for i := 0; i < r.retries; i++ {
			code, err := randomCode()
			if err != nil {
				return "", fmt.Errorf("registry: generate code: %w", err)
			}
			r.mu.Lock()
			if e, exists := r.codes[code]; !exists || r.now().Sub(e.createdAt) > TTL {
				r.codes[code] = entry{receiverPeerID: receiverPeerID, createdAt: r.now()}
				r.mu.Unlock()
				return code, nil
			}
			r.mu.Unlock()
		}
		r.sweepExpired()
	}
	return "", ErrCapacityExhausted
}

// sweepExpired evicts every expired code; called between generation rounds.
func (r *Registry) sweepExpired() {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	for code, e := range r.codes {
		if now.Sub(e.createdAt) > TTL {
			delete(r.codes, code)
		}
	}
}

// Len reports the number of currently-registered (not necessarily
// unexpired) codes; used by operational metrics logging.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.codes)
}

func randomCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(maxSpace))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", CodeLength, n.Int64()), nil
}
