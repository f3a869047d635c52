// Package sched provides the condition-variable primitive the interrupt
// fabric and protocol handlers block on while waiting for work: a packet to
// arrive, a timer to fire, or an ARP entry to resolve.
//
// It is grounded on the original sched_ctx in platform/linux/sched.c: a
// condition variable paired with a waiter count and a sticky "interrupted"
// flag. Go's sync.Cond has no timed wait, so Cond is built on a
// generation-counter channel instead: every Wake closes the current
// generation's channel and starts a new one, and waiters select on the
// channel they captured under the lock.
package sched

import (
	"errors"
	"sync"
	"time"
)

// Cond is a broadcast-only, timeout-capable condition variable with the
// same interrupt semantics as the original sched_ctx: once Interrupt is
// called, every current and future Sleep call fails immediately with
// ErrInterrupted until the last waiter present at interrupt time has woken,
// at which point the flag clears and Sleep resumes blocking normally.
//
// Unlike sync.Cond, Cond does not store the associated lock: the caller
// passes its sync.Locker to each Sleep call, mirroring sched_sleep's
// explicit mutex_t * parameter.
type Cond struct {
	mu          sync.Mutex // guards the fields below
	gen         chan struct{}
	waiters     int
	interrupted bool
}

// ErrInterrupted is returned by Sleep when the wait ends because of
// Interrupt rather than a WakeAll or a timeout.
var ErrInterrupted = errors.New("sched: interrupted")

// New creates a ready-to-use Cond.
func New() *Cond {
	return &Cond{gen: make(chan struct{})}
}

// Sleep atomically unlocks mu and blocks until WakeAll is called, the
// deadline passes, or the condition is interrupted, then reacquires mu
// before returning. A nil deadline blocks indefinitely.
func (c *Cond) Sleep(mu sync.Locker, deadline *time.Time) error {
	c.mu.Lock()
	if c.interrupted {
		c.mu.Unlock()
		return ErrInterrupted
	}
	c.waiters++
	gen := c.gen
	c.mu.Unlock()

	mu.Unlock()
	defer mu.Lock()

	if deadline == nil {
		<-gen
	} else {
		timer := time.NewTimer(time.Until(*deadline))
		defer timer.Stop()
		select {
		case <-gen:
		case <-timer.C:
		}
	}

	c.mu.Lock()
	c.waiters--
	interrupted := c.interrupted
	if interrupted && c.waiters == 0 {
		c.interrupted = false
	}
	c.mu.Unlock()

	if interrupted {
		return ErrInterrupted
	}
	return nil
}

// WakeAll wakes every goroutine currently blocked in Sleep, same as
// sched_wakeup's pthread_cond_broadcast.
func (c *Cond) WakeAll() {
	c.mu.Lock()
	old := c.gen
	c.gen = make(chan struct{})
	c.mu.Unlock()
	close(old)
}

// Interrupt sets the sticky interrupted flag and wakes every current
// waiter. While the flag is set, new Sleep calls return immediately with
// ErrInterrupted. The flag clears automatically once every waiter that was
// blocked at the moment of the interrupt has returned from Sleep.
func (c *Cond) Interrupt() {
	c.mu.Lock()
	c.interrupted = true
	if c.waiters == 0 {
		// No one to wake and clear the flag later; clear it now so a
		// subsequent Sleep isn't spuriously rejected.
		c.interrupted = false
		c.mu.Unlock()
		return
	}
	old := c.gen
	c.gen = make(chan struct{})
	c.mu.Unlock()
	close(old)
}

// Waiters reports the number of goroutines currently blocked in Sleep.
// Intended for tests and diagnostics.
func (c *Cond) Waiters() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.waiters
}
