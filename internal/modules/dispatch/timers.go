// README: Per-request offer timer table.
package dispatch

import (
	"sync"
	"time"

	"okada/internal/types"
)

// Timers owns the scheduled offer-timeout task for each live request.
// Offers are sequential, so a request holds at most one timer: arming a
// new one replaces the old, and every terminal transition cancels the
// entry so an orphaned timer cannot fire against a resolved request.
// A fired timer's entry lingers until the next Arm or Cancel for that
// request; stopping a dead timer is a no-op.
type Timers struct {
	mu sync.Mutex
	m  map[types.ID]*time.Timer
}

func NewTimers() *Timers {
	return &Timers{m: make(map[types.ID]*time.Timer)}
}

func (t *Timers) Arm(requestID types.ID, d time.Duration, fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if old, ok := t.m[requestID]; ok {
		old.Stop()
	}
	t.m[requestID] = time.AfterFunc(d, fn)
}

func (t *Timers) Cancel(requestID types.ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if timer, ok := t.m[requestID]; ok {
		timer.Stop()
		delete(t.m, requestID)
	}
}

// Tracked is test support.
func (t *Timers) Tracked() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.m)
}
