package generation

import (
	"sync"
	"time"
)

// BreakerConfig controls the per-kind provider circuit. After Trip
// consecutive provider faults, new jobs of that kind are refused before
// charging for BaseDelay, doubling with each further fault up to MaxDelay.
// A fault older than ResetAfter no longer counts. Trip < 0 disables it.
type BreakerConfig struct {
	Trip       int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	ResetAfter time.Duration
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.Trip == 0 {
		c.Trip = 5
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 30 * time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 10 * time.Minute
	}
	if c.ResetAfter <= 0 {
		c.ResetAfter = 15 * time.Minute
	}
	return c
}

type circuit struct {
	fails       int
	openUntil   time.Time
	lastFailure time.Time
}

type breaker struct {
	cfg BreakerConfig
	now func() time.Time

	mu sync.Mutex
	m  map[Kind]*circuit
}

func newBreaker(cfg BreakerConfig) *breaker {
	return &breaker{cfg: cfg.withDefaults(), now: time.Now, m: map[Kind]*circuit{}}
}

func (b *breaker) enabled() bool { return b != nil && b.cfg.Trip > 0 }

// getLocked applies the idle reset.
func (b *breaker) getLocked(kind Kind, now time.Time) *circuit {
	c := b.m[kind]
	if c == nil {
		c = &circuit{}
		b.m[kind] = c
	}
	if !c.lastFailure.IsZero() && now.Sub(c.lastFailure) > b.cfg.ResetAfter {
		*c = circuit{}
	}
	return c
}

// open reports whether kind is refusing jobs and until when.
func (b *breaker) open(kind Kind) (bool, time.Time) {
	if !b.enabled() {
		return false, time.Time{}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	c := b.getLocked(kind, now)
	if now.Before(c.openUntil) {
		return true, c.openUntil
	}
	return false, time.Time{}
}

// record counts one finished job. Only provider faults trip the circuit.
func (b *breaker) record(kind Kind, fault bool) {
	if !b.enabled() {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	c := b.getLocked(kind, now)
	if !fault {
		*c = circuit{}
		return
	}
	c.fails++
	c.lastFailure = now
	if c.fails < b.cfg.Trip {
		return
	}
	d := b.cfg.BaseDelay
	for i := 0; i < c.fails-b.cfg.Trip && d < b.cfg.MaxDelay; i++ {
		d *= 2
	}
	if d > b.cfg.MaxDelay {
		d = b.cfg.MaxDelay
	}
	c.openUntil = now.Add(d)
}

func (b *breaker) reset(kind Kind) {
	if b == nil {
		return
	}
	b.mu.Lock()
	delete(b.m, kind)
	b.mu.Unlock()
}

// OpenCircuits lists kinds currently refusing jobs.
func (o *Orchestrator) OpenCircuits() map[Kind]time.Time {
	out := map[Kind]time.Time{}
	if !o.breaker.enabled() {
		return out
	}
	o.breaker.mu.Lock()
	defer o.breaker.mu.Unlock()
	now := o.breaker.now()
	for k, c := range o.breaker.m {
		if now.Before(c.openUntil) {
			out[k] = c.openUntil
		}
	}
	return out
}
