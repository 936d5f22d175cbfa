package mqtt

import (
	"sync"
	"time"

	"github.com/nugget/toolwire/internal/mcp"
)

// DailyInvocations counts tool invocations since local midnight. It is
// safe for concurrent use.
type DailyInvocations struct {
	mu       sync.Mutex
	calls    int64
	failures int64
	resetDay int // day-of-year of last reset
	loc      *time.Location
	now      func() time.Time
}

// NewDailyInvocations creates a counter that rolls over at midnight in
// loc. If loc is nil, [time.Local] is used.
func NewDailyInvocations(loc *time.Location) *DailyInvocations {
	if loc == nil {
		loc = time.Local
	}
	d := &DailyInvocations{loc: loc, now: time.Now}
	d.resetDay = d.now().In(loc).YearDay()
	return d
}

// Observe counts one invocation. Any outcome other than
// [mcp.OutcomeOK] is a failure.
func (d *DailyInvocations) Observe(outcome string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	d.calls++
	if outcome != mcp.OutcomeOK {
		d.failures++
	}
}

// Snapshot returns today's totals.
func (d *DailyInvocations) Snapshot() (calls, failures int64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	return d.calls, d.failures
}

// maybeReset zeroes the counters after midnight. Must be called with
// d.mu held.
func (d *DailyInvocations) maybeReset() {
	today := d.now().In(d.loc).YearDay()
	if today != d.resetDay {
		d.calls = 0
		d.failures = 0
		d.resetDay = today
	}
}
