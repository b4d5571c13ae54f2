package bluelet

import (
	"fmt"
	"runtime"
	"time"

	"github.com/google/uuid"
)

// FiberFunc is the body of a fiber: a computation that suspends by
// calling y.Yield and either returns its terminal value or an error.
// A normal `return value, nil` is equivalent to `return y.Yield(End(value))`
// without waiting for a reply (see Yielder.Yield).
type FiberFunc func(y *Yielder) (interface{}, error)

type fiberState int

const (
	fiberRunning fiberState = iota
	fiberFinished
	fiberFailed
	fiberCancelled
)

// Fiber is the scheduler's handle on a live or terminated computation.
// It is returned by Scheduler bookkeeping (Spawn registers one
// internally; Join/Kill take one) but a fiber never touches its own
// handle directly — only the Yielder it was given.
type Fiber struct {
	ID uuid.UUID

	chResume chan resumeMsg
	chYield  chan yieldMsg

	state   fiberState
	result  interface{}
	failErr error

	delegateParent *Fiber
	joinWaiters    []*Fiber
	joinTarget     *Fiber

	cancelRequested bool

	// bookkeeping for whichever wait queue currently holds this fiber;
	// only one of these is meaningful at a time.
	waitFD      int
	waitIsWrite bool
	deadline    time.Time
	heapIndex   int
}

type resumeMsg struct {
	value     interface{}
	err       error
	forceKill bool
}

type yieldMsg struct {
	terminal bool
	event    Event
	value    interface{}
	err      error
}

func newFiber() *Fiber {
	return &Fiber{
		ID:        uuid.New(),
		chResume:  make(chan resumeMsg),
		chYield:   make(chan yieldMsg),
		heapIndex: -1,
		waitFD:    -1,
	}
}

// start launches the fiber's driver goroutine. The goroutine blocks
// immediately on the initial resume so that no fiber code runs until
// the scheduler explicitly advances it — this is what keeps "exactly
// one fiber executing at any instant" true despite fibers living on
// their own goroutines.
func (f *Fiber) start(fn FiberFunc) {
	go func() {
		kick := <-f.chResume
		if kick.forceKill {
			return
		}
		defer func() {
			if r := recover(); r != nil {
				f.chYield <- yieldMsg{terminal: true, err: fmt.Errorf("bluelet: fiber panic: %v", r)}
			}
		}()
		y := &Yielder{fiber: f}
		value, err := fn(y)
		f.chYield <- yieldMsg{terminal: true, value: value, err: err}
	}()
}

// Yielder is the only way a FiberFunc may suspend. It is supplied by
// the scheduler and must not be retained past the fiber's lifetime.
type Yielder struct {
	fiber *Fiber
}

// Yield hands ev to the scheduler and blocks until the fiber is
// resumed. It returns the value the scheduler resumed with, or the
// error it injected — the same shape whether that error came from a
// failed I/O operation, a Join target's failure, Kill, a delegated
// child's own terminal error, or a FiberFailure injected into the root
// from a failed spawned fiber.
func (y *Yielder) Yield(ev Event) (interface{}, error) {
	f := y.fiber
	if end, ok := ev.(endEvent); ok {
		f.chYield <- yieldMsg{terminal: true, value: end.value}
		runtime.Goexit()
	}

	f.chYield <- yieldMsg{event: ev}
	msg := <-f.chResume
	if msg.forceKill {
		runtime.Goexit()
	}
	return msg.value, msg.err
}
