// Package testutil holds small helpers shared by fuzz targets.
package testutil

import (
	"testing"
	"time"
)

// DefaultFuzzTimeout bounds one fuzz execution.
const DefaultFuzzTimeout = 100 * time.Millisecond

// CapBytes truncates fuzz input to max bytes.
func CapBytes(b []byte, max int) []byte {
	if max <= 0 || len(b) <= max {
		return b
	}
	return b[:max]
}

// WithTimeout fails the test when fn runs longer than d.
func WithTimeout(t testing.TB, d time.Duration, fn func()) {
	t.Helper()
	if d <= 0 {
		d = DefaultFuzzTimeout
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatalf("timeout after %s", d)
	}
}
