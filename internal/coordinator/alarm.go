package coordinator

import (
	"context"
	"time"
)

// armAlarm schedules a single deadline timer for planID, grounded on
// spec.md §4.4: "arm a single alarm at initialize; on fire, if status is
// non-terminal, call markFailed". Re-initializing a plan (idempotent
// Initialize) never re-arms — the first alarm owns the deadline.
func (c *Coordinator) armAlarm(planID string, timeout time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.alarms[planID]; exists {
		return
	}
	c.alarms[planID] = time.AfterFunc(timeout, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, err := c.MarkFailed(ctx, planID, "Processing timeout exceeded"); err != nil && c.deps.Log != nil {
			c.deps.Log.Error().Err(err).Str("planId", planID).Msg("deadline alarm: markFailed failed")
		}
	})
}

// disarmAlarm cancels a plan's pending deadline timer once it reaches a
// terminal status, freeing the goroutine backing time.AfterFunc.
func (c *Coordinator) disarmAlarm(planID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.alarms[planID]; ok {
		t.Stop()
		delete(c.alarms, planID)
	}
}
