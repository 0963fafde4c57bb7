package interrupt

import (
	"log"
	"sync"
	"time"

	"github.com/ent0n29/voicegate/internal/session"
)

// DefaultCooldown suppresses repeated barge-ins from one burst of speech.
const DefaultCooldown = 200 * time.Millisecond

// Target is the session side of an interruption.
type Target interface {
	TryInterrupt(now time.Time, cooldown time.Duration) (session.Stopper, bool)
	ClearInterrupted(at time.Time)
}

// Controller cuts off the active response when the user talks over it.
type Controller struct {
	cooldown time.Duration
	now      func() time.Time
	onFire   func()

	mu     sync.Mutex
	timers []*time.Timer
	closed bool
}

// NewController builds a controller. onFire runs after each effective
// interruption and may be nil.
func NewController(cooldown time.Duration, onFire func()) *Controller {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &Controller{cooldown: cooldown, now: time.Now, onFire: onFire}
}

// Trigger stops target's active stream if it is responding and outside the
// cooldown. Repeated calls inside the cooldown are no-ops.
func (c *Controller) Trigger(target Target, sessionID string) bool {
	at := c.now()
	stream, ok := target.TryInterrupt(at, c.cooldown)
	if !ok {
		return false
	}
	if stream != nil {
		stream.Stop()
	}
	log.Printf("[interrupt] session=%s response interrupted", sessionID)
	if c.onFire != nil {
		c.onFire()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		target.ClearInterrupted(at)
		return true
	}
	var t *time.Timer
	t = time.AfterFunc(c.cooldown, func() {
		target.ClearInterrupted(at)
		c.mu.Lock()
		c.forgetLocked(t)
		c.mu.Unlock()
	})
	c.timers = append(c.timers, t)
	return true
}

func (c *Controller) forgetLocked(t *time.Timer) {
	for i, cur := range c.timers {
		if cur == t {
			c.timers = append(c.timers[:i], c.timers[i+1:]...)
			return
		}
	}
}

// Close cancels pending cooldown timers.
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for _, t := range c.timers {
		t.Stop()
	}
	c.timers = nil
	return nil
}
