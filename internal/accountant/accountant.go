// Package accountant tracks the invoker's aggregate memory budget. It is
// the single contended global described in spec §5: every admission
// decision and every container teardown goes through it, and its updates
// are linearisable with respect to the pool's decision step.
package accountant

import (
	"fmt"
	"sync"
)

// Accountant holds the totally-ordered memory counters from spec §4.F.
type Accountant struct {
	mu       sync.Mutex
	usedMB   int64
	limitMB  int64
}

// New creates an Accountant with the given aggregate memory limit.
func New(limitMB int64) *Accountant {
	return &Accountant{limitMB: limitMB}
}

// TryReserve attempts to reserve n MB. On success it returns 0. On
// failure it returns the shortfall — how many more MB would need to be
// freed for the reservation to succeed — so the pool can decide how much
// to evict.
func (a *Accountant) TryReserve(n int64) (shortfall int64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	free := a.limitMB - a.usedMB
	if free >= n {
		a.usedMB += n
		return 0
	}
	return n - free
}

// Release returns n MB to the budget. Calling Release more times than the
// corresponding TryReserve reservations would underflow the budget; that
// is an invariant breach and is fatal (spec §7), so Release panics rather
// than silently producing a negative used value that would corrupt later
// admission decisions.
func (a *Accountant) Release(n int64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if n > a.usedMB {
		panic(fmt.Sprintf("accountant: release of %dMB would underflow used=%dMB", n, a.usedMB))
	}
	a.usedMB -= n
}

// UsedMB returns the current aggregate memory in use.
func (a *Accountant) UsedMB() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.usedMB
}

// LimitMB returns the configured aggregate memory cap.
func (a *Accountant) LimitMB() int64 {
	return a.limitMB
}

// FreeMB returns the headroom currently available.
func (a *Accountant) FreeMB() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.limitMB - a.usedMB
}
