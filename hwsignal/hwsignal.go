// Package hwsignal is the async-event router (spec.md §4.2): the single
// place periodic timer ticks, child-process notifications, and
// internally-raised "go do this between instructions" events funnel
// through before they touch CPUState.
//
// Grounded in virtio/net.go's signal.Notify(rxKick, syscall.SIGIO)
// goroutine-plus-channel pattern (generalized from one device's RX kick
// to a general signal router) and in gmofishsauce-wut4's interrupt-class
// constants (Irr/Icr/Imr registers) for the idea of separate fatal vs.
// non-fatal event masks.
package hwsignal

import (
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
)

// Class categorizes a queued event the way spec.md §4.2 splits emergency,
// periodic, IO, child, and internal-notifier signals.
type Class int

const (
	ClassEmergency Class = iota
	ClassPeriodic
	ClassIO
	ClassChild
	ClassInternal
)

// Event is one entry in the signal save ring.
type Event struct {
	Class Class
	Sig   os.Signal
}

const ringSize = 50

// Router serializes delivery of host async events into the single-
// threaded dispatcher loop, the way spec.md's handle_signals does: a
// signal handler (here, a goroutine reading from a channel) never touches
// CPUState directly, it only appends to SIGNAL_save and lets
// Router.Drain replay everything from the loopstep boundary.
type Router struct {
	mu   sync.Mutex
	ring [ringSize]Event
	head int
	n    int

	inHandle int32 // reentrancy counter, mirrors in_handle_signals

	fatalMask    uint32
	nonfatalMask uint32

	ch   chan os.Signal
	stop chan struct{}
	wg   sync.WaitGroup
}

// New starts the background goroutine translating host signals into
// queued Events. notify lists the signals to subscribe to; callers
// typically pass syscall.SIGALRM (periodic), syscall.SIGIO (IO), and
// syscall.SIGCHLD (child).
func New(notify ...os.Signal) *Router {
	r := &Router{
		ch:   make(chan os.Signal, ringSize),
		stop: make(chan struct{}),
	}

	signal.Notify(r.ch, notify...)

	r.wg.Add(1)

	go r.loop()

	return r
}

func classify(sig os.Signal) Class {
	switch sig {
	case syscall.SIGALRM, syscall.SIGVTALRM:
		return ClassPeriodic
	case syscall.SIGIO:
		return ClassIO
	case syscall.SIGCHLD:
		return ClassChild
	case syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT:
		return ClassEmergency
	default:
		return ClassInternal
	}
}

func (r *Router) loop() {
	defer r.wg.Done()

	for {
		select {
		case sig := <-r.ch:
			r.push(Event{Class: classify(sig), Sig: sig})
		case <-r.stop:
			return
		}
	}
}

func (r *Router) push(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	slot := (r.head + r.n) % ringSize
	if r.n == ringSize {
		// Ring is full: drop the oldest, the same overwrite-on-overflow
		// behavior as a fixed-size SIGNAL_save.
		r.head = (r.head + 1) % ringSize
		r.n--
	}

	r.ring[slot] = e
	r.n++
}

// Raise queues an internally-generated event (spec.md's "internal
// notifier source"), e.g. the terminal reader goroutine signaling that
// host stdin has bytes ready.
func (r *Router) Raise(e Event) {
	r.push(e)
}

// Pending reports whether any event awaits delivery.
func (r *Router) Pending() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.n > 0
}

// Drain hands every queued event to handle in FIFO order and empties the
// ring. It tracks reentrancy the way in_handle_signals does: if handle
// itself causes Drain to be re-entered (e.g. by raising another signal
// synchronously), the nested call returns immediately and the event is
// left queued for the outer call to pick up on its next pass.
func (r *Router) Drain(handle func(Event)) {
	if !atomic.CompareAndSwapInt32(&r.inHandle, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&r.inHandle, 0)

	for {
		r.mu.Lock()
		if r.n == 0 {
			r.mu.Unlock()

			return
		}

		e := r.ring[r.head]
		r.head = (r.head + 1) % ringSize
		r.n--
		r.mu.Unlock()

		handle(e)
	}
}

// Close stops the background goroutine and un-registers the host signal
// subscription.
func (r *Router) Close() {
	signal.Stop(r.ch)
	close(r.stop)
	r.wg.Wait()
}
