// Package budget bounds aggregate outbound pull-response bytes with a
// lock-free token bucket. Serving threads debit it per packet and skip
// responses once it runs dry; a periodic grant refills it.
package budget

import "go.uber.org/atomic"

// DataBudget is safe for concurrent use by any number of takers and
// updaters.
type DataBudget struct {
	bytes         atomic.Uint64
	lastTimestamp atomic.Uint64
}

func New() *DataBudget {
	return &DataBudget{}
}

// Update applies updater to the balance if at least intervalMs have
// passed since the last grant, and reports whether it did. now is in
// milliseconds. Only one caller per interval wins; the rest are no-ops.
func (b *DataBudget) Update(now, intervalMs uint64, updater func(uint64) uint64) bool {
	last := b.lastTimestamp.Load()
	if now < last+intervalMs {
		return false
	}
	// Align the grant clock to interval boundaries so a late caller
	// does not stretch the next interval.
	aligned := now - (now-last)%intervalMs
	if !b.lastTimestamp.CompareAndSwap(last, aligned) {
		return false
	}
	for {
		cur := b.bytes.Load()
		if b.bytes.CompareAndSwap(cur, updater(cur)) {
			return true
		}
	}
}

// Take debits n bytes, or refuses without partial debit.
func (b *DataBudget) Take(n uint64) bool {
	for {
		cur := b.bytes.Load()
		if cur < n {
			return false
		}
		if b.bytes.CompareAndSwap(cur, cur-n) {
			return true
		}
	}
}

// Remaining returns the current balance.
func (b *DataBudget) Remaining() uint64 {
	return b.bytes.Load()
}
