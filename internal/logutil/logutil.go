// Package logutil rate-limits repetitive hot-path log lines by key.
package logutil

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	mu    sync.Mutex
	last  = make(map[string]time.Time)
	sweep = time.Now()
)

// allow reports whether key may log again and records the attempt.
// Stale keys are swept opportunistically so the map stays bounded.
func allow(key string, interval time.Duration) bool {
	now := time.Now()
	mu.Lock()
	defer mu.Unlock()
	if now.Sub(last[key]) < interval {
		return false
	}
	last[key] = now
	if now.Sub(sweep) > 2*interval {
		for k, ts := range last {
			if now.Sub(ts) > 4*interval {
				delete(last, k)
			}
		}
		sweep = now
	}
	return true
}

// Warnf logs at warn level, at most once per interval for a given key.
func Warnf(key string, interval time.Duration, format string, args ...any) {
	if key == "" || !allow(key, interval) {
		return
	}
	logrus.Warnf(format, args...)
}
