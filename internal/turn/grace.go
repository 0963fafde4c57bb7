package turn

import (
	"sync"
	"time"
)

// DefaultGracePeriod bounds how long a borderline utterance can hang.
const DefaultGracePeriod = time.Second

// GraceTimer arms a single deadline at a time. Every arming gets a new
// generation; the fire callback receives it and the owner must Claim it,
// which succeeds at most once and only for the latest arming.
type GraceTimer struct {
	d    time.Duration
	fire func(gen uint64)

	mu    sync.Mutex
	gen   uint64
	armed bool
	timer *time.Timer
}

func NewGraceTimer(d time.Duration, fire func(gen uint64)) *GraceTimer {
	if d <= 0 {
		d = DefaultGracePeriod
	}
	return &GraceTimer{d: d, fire: fire}
}

// Reset starts or restarts the countdown.
func (g *GraceTimer) Reset() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.timer != nil {
		g.timer.Stop()
	}
	g.gen++
	g.armed = true
	gen := g.gen
	g.timer = time.AfterFunc(g.d, func() { g.fire(gen) })
	return gen
}

// Stop disarms the timer; a fire already in flight will fail to Claim.
func (g *GraceTimer) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
	g.gen++
	g.armed = false
}

// Claim consumes the fire for gen.
func (g *GraceTimer) Claim(gen uint64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.armed || gen != g.gen {
		return false
	}
	g.armed = false
	g.timer = nil
	return true
}

func (g *GraceTimer) Armed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.armed
}
