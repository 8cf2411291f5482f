package testutil

import (
	"crypto/rand"
	"crypto/rsa"
	"sync"
	"testing"
	"time"
)

// FakeClock is a manually advanced time source.
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewFakeClock returns a clock frozen at start.
func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward (or backward for negative d).
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Set jumps the clock to t.
func (c *FakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

var (
	keyOnce sync.Once
	keys    [2]*rsa.PrivateKey
	keyErr  error
)

func loadKeys(t testing.TB) {
	t.Helper()
	keyOnce.Do(func() {
		for i := range keys {
			keys[i], keyErr = rsa.GenerateKey(rand.Reader, 2048)
			if keyErr != nil {
				return
			}
		}
	})
	if keyErr != nil {
		t.Fatalf("generate rsa fixture: %v", keyErr)
	}
}

// RSAKey returns a 2048-bit key shared by every test in the package binary.
func RSAKey(t testing.TB) *rsa.PrivateKey {
	loadKeys(t)
	return keys[0]
}

// OtherRSAKey returns a second fixture key distinct from RSAKey.
func OtherRSAKey(t testing.TB) *rsa.PrivateKey {
	loadKeys(t)
	return keys[1]
}
