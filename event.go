package bluelet

import "time"

// Event is a tagged descriptor of what a fiber is waiting for. A fiber
// suspends by handing one to (*Yielder).Yield and resumes when the
// scheduler has satisfied it. The concrete variants are unexported;
// fibers only ever see Event through the constructors below, a closed
// taxonomy the scheduler's handleYield switches over exhaustively.
type Event interface {
	isEvent()
}

type nullEvent struct{}

func (nullEvent) isEvent() {}

// Null yields control to the scheduler without waiting on anything; the
// fiber goes to the back of the ready worklist and resumes with a nil
// value before the scheduler next polls for I/O.
func Null() Event { return nullEvent{} }

type spawnEvent struct {
	fn FiberFunc
}

func (spawnEvent) isEvent() {}

// Spawn schedules fn as a new, independent fiber. The yielder resumes
// immediately with the new fiber's *Fiber handle (for Join or Kill);
// fn's terminal failure (if any) is not
// seen by the spawner, only by the root fiber (see FiberFailure).
func Spawn(fn FiberFunc) Event { return spawnEvent{fn: fn} }

type sleepEvent struct {
	d time.Duration
}

func (sleepEvent) isEvent() {}

// Sleep resumes the fiber once the monotonic clock has advanced by at
// least d.
func Sleep(d time.Duration) Event { return sleepEvent{d: d} }

type endEvent struct {
	value interface{}
}

func (endEvent) isEvent() {}

// End terminates the current fiber with an explicit return value. If a
// parent delegated into this fiber (see Delegate), the parent's yield
// resumes with value. Most fibers can just `return value, nil` instead;
// End exists for the case where a terminal value needs to be produced
// from a point other than the function's own return statement.
func End(value interface{}) Event { return endEvent{value: value} }

type delegateEvent struct {
	fn FiberFunc
}

func (delegateEvent) isEvent() {}

// Delegate suspends the caller and runs fn as a nested sub-fiber. When
// fn terminates (by returning or by yielding End), the caller's yield
// resumes with fn's terminal value; if fn fails, the caller's yield
// returns that error instead.
func Delegate(fn FiberFunc) Event { return delegateEvent{fn: fn} }

type killEvent struct {
	target *Fiber
}

func (killEvent) isEvent() {}

// Kill requests cancellation of target. target is given a chance to run
// its finalization scopes (deferred cleanup) on its next resumption.
func Kill(target *Fiber) Event { return killEvent{target: target} }

type joinEvent struct {
	target *Fiber
}

func (joinEvent) isEvent() {}

// Join suspends the caller until target terminates, then resumes with
// target's terminal value, or with target's terminal error wrapped in a
// *FiberFailure (ErrCancelled as is, if target was killed).
func Join(target *Fiber) Event { return joinEvent{target: target} }

type connectEvent struct {
	host string
	port int
}

func (connectEvent) isEvent() {}

// Connect resolves and dials host:port; the yielder resumes with a
// *Connection once the outbound socket is writable, or with an *IoError.
func Connect(host string, port int) Event { return connectEvent{host: host, port: port} }

type acceptEvent struct {
	listener *Listener
}

func (acceptEvent) isEvent() {}

type readableEvent struct {
	conn    *Connection
	bufsize int
}

func (readableEvent) isEvent() {}

type writableEvent struct {
	conn    *Connection
	data    []byte
	sendAll bool
}

func (writableEvent) isEvent() {}
