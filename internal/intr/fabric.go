// Package intr implements the interrupt fabric: the single servicing
// goroutine that every device driver, the softirq-driven protocol input
// path, the periodic timer service, and the administrative event bus all
// feed into.
//
// It is grounded on platform/linux/intr.c, which runs a dedicated POSIX
// thread blocked in sigwait() over a handful of real-time signals (one per
// registered IRQ, plus SIGHUP for shutdown and SIGUSR1 for the softirq).
// Go has no equivalent to blocking a goroutine on an arbitrary signal
// number, so the fabric replaces the signal set with a single buffered
// `chan int` that RaiseIRQ and the fabric's own internal signals feed, and
// replaces intr_init's pthread_barrier with a channel close.
package intr

import (
	"sync"
	"time"

	"github.com/behrlich/go-netstack/internal/constants"
	"github.com/behrlich/go-netstack/internal/interfaces"
)

// Reserved signal numbers, analogous to SIGUSR1 in the original: always
// below IRQBase, so they never collide with a driver's IRQ. Termination
// doesn't need one of these — it goes through the dedicated done channel,
// the Go analogue of SIGHUP's role in the original's sigwait() set.
const (
	sigSoftIRQ = -2
	sigEvent   = -3
)

// IRQBase is the first IRQ number available to drivers, re-exported from
// constants for callers that only import this package.
const IRQBase = constants.IRQBase

// IRQHandler services a raised IRQ. irq is the number it was requested
// with; dev is the opaque value passed to RequestIRQ.
type IRQHandler func(irq int, dev any) error

type irqEntry struct {
	irq     int
	handler IRQHandler
	shared  bool
	name    string
	dev     any
}

type timerEntry struct {
	interval time.Duration
	last     time.Time
	handler  func()
}

type subscriber struct {
	handler func(arg any)
	arg     any
}

// Fabric is the interrupt servicing context: one goroutine that drains a
// signal channel and, on each fabric tick, advances timers. Softirq
// draining and event fan-out are invoked synchronously on that same
// goroutine, so none of these ever run concurrently with each other,
// matching the original single intr_thread.
type Fabric struct {
	log interfaces.Logger

	mu      sync.Mutex
	irqs    []irqEntry
	timers  []timerEntry
	subs    []subscriber
	softirq IRQHandler // registered via RequestIRQ-style hook by the stack

	sig      chan int
	armed    chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a Fabric. A nil logger disables logging.
func New(logger interfaces.Logger) *Fabric {
	return &Fabric{
		log:   logger,
		sig:   make(chan int, 64),
		armed: make(chan struct{}),
		done:  make(chan struct{}),
	}
}

func (f *Fabric) logf(format string, args ...any) {
	if f.log != nil {
		f.log.Debugf(format, args...)
	}
}

// RequestIRQ registers handler h for irq. Two handlers may share the same
// irq only if both set shared=true, mirroring INTR_IRQ_SHARED. New
// registrations are inserted at the head, so a shared IRQ's handlers fire
// in reverse registration (LIFO) order, matching the original's
// insert-at-head irq list.
func (f *Fabric) RequestIRQ(irq int, h IRQHandler, shared bool, name string, dev any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.irqs {
		if e.irq == irq && !(e.shared && shared) {
			return &irqConflictError{irq: irq}
		}
	}
	f.irqs = append([]irqEntry{{irq: irq, handler: h, shared: shared, name: name, dev: dev}}, f.irqs...)
	f.logf("irq registered irq=%d name=%s shared=%v", irq, name, shared)
	return nil
}

type irqConflictError struct{ irq int }

func (e *irqConflictError) Error() string {
	return "intr: irq conflicts with already-registered handler"
}

// RaiseIRQ signals irq to the servicing goroutine, the Go analogue of
// pthread_kill(tid, irq). It never blocks the caller on handler execution.
func (f *Fabric) RaiseIRQ(irq int) error {
	select {
	case f.sig <- irq:
		return nil
	default:
		return &irqConflictError{irq: irq} // queue full; treated as a raise failure
	}
}

// RaiseSoftIRQ schedules the stack's softirq drain to run on the next
// servicing-loop iteration, the Go analogue of raising SIGUSR1.
func (f *Fabric) RaiseSoftIRQ() {
	select {
	case f.sig <- sigSoftIRQ:
	default:
	}
}

// RaiseEvent schedules every subscriber to be invoked on the next
// servicing-loop iteration.
func (f *Fabric) RaiseEvent() {
	select {
	case f.sig <- sigEvent:
	default:
	}
}

// RegisterTimer installs a periodic handler invoked from the servicing
// goroutine on the first tick at which more than interval has elapsed since
// its last firing.
// New timers are inserted at the head, matching the original's
// insert-at-head list discipline.
func (f *Fabric) RegisterTimer(interval time.Duration, h func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.timers = append([]timerEntry{{interval: interval, last: time.Now(), handler: h}}, f.timers...)
}

// Subscribe registers h to be invoked with arg whenever RaiseEvent fires.
func (f *Fabric) Subscribe(h func(arg any), arg any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = append([]subscriber{{handler: h, arg: arg}}, f.subs...)
}

// Run starts the servicing goroutine and blocks until it has installed its
// ticker, mirroring pthread_barrier_wait in intr_run.
func (f *Fabric) Run() error {
	f.wg.Add(1)
	go f.loop()
	<-f.armed
	return nil
}

func (f *Fabric) loop() {
	defer f.wg.Done()
	ticker := time.NewTicker(constants.TickInterval)
	defer ticker.Stop()
	close(f.armed)

	f.logf("fabric loop start")
	for {
		select {
		case <-f.done:
			f.logf("fabric loop terminated")
			return
		case sig := <-f.sig:
			f.service(sig)
		case <-ticker.C:
			f.advanceTimers()
		}
	}
}

func (f *Fabric) service(sig int) {
	switch sig {
	case sigSoftIRQ:
		f.mu.Lock()
		h := f.softirq
		f.mu.Unlock()
		if h != nil {
			_ = h(sigSoftIRQ, nil)
		}
	case sigEvent:
		f.mu.Lock()
		subs := append([]subscriber(nil), f.subs...)
		f.mu.Unlock()
		for _, s := range subs {
			s.handler(s.arg)
		}
	default:
		f.mu.Lock()
		entries := append([]irqEntry(nil), f.irqs...)
		f.mu.Unlock()
		for _, e := range entries {
			if e.irq == sig {
				f.logf("irq delivered irq=%d name=%s", e.irq, e.name)
				if err := e.handler(e.irq, e.dev); err != nil {
					f.logf("irq handler error irq=%d name=%s err=%v", e.irq, e.name, err)
				}
			}
		}
	}
}

func (f *Fabric) advanceTimers() {
	now := time.Now()
	f.mu.Lock()
	timers := f.timers
	f.mu.Unlock()
	for i := range timers {
		t := &timers[i]
		if t.interval < now.Sub(t.last) {
			t.last = now
			t.handler()
		}
	}
}

// RegisterSoftIRQHandler installs the stack's softirq drain callback. Only
// one softirq handler exists at a time, replacing whatever was registered
// before, matching the single fixed SIGUSR1 handler in intr_thread.
func (f *Fabric) RegisterSoftIRQHandler(h IRQHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.softirq = h
}

// Shutdown signals the servicing goroutine to terminate and waits for it
// to exit, the Go analogue of pthread_kill(tid, SIGHUP) + pthread_join.
func (f *Fabric) Shutdown() {
	f.stopOnce.Do(func() {
		close(f.done)
	})
	f.wg.Wait()
}
