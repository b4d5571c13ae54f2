//go:build linux || darwin || netbsd || freebsd || openbsd || dragonfly

package bluelet

import (
	"container/heap"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const defaultPollInterval = 200 * time.Millisecond

// Option configures a Scheduler at construction via functional options
// rather than a config struct.
type Option func(*Scheduler)

// WithLogger attaches a *zap.SugaredLogger the scheduler reports run
// start and finish, context interrupts, failures propagated to the root,
// and teardown through. The default is a no-op logger.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Scheduler) { s.log = l }
}

// WithContext ties the run to ctx: cancellation is injected into the
// root fiber as ErrInterrupted, the run's cooperative-shutdown trigger.
func WithContext(ctx context.Context) Option {
	return func(s *Scheduler) { s.ctx = ctx }
}

// WithPollInterval bounds how long a single poller.wait call may block
// while a context is in play, so cancellation is noticed promptly. It
// has no effect without WithContext.
func WithPollInterval(d time.Duration) Option {
	return func(s *Scheduler) { s.pollInterval = d }
}

type waitKind int

const (
	waitRead waitKind = iota
	waitWrite
	waitAccept
	waitConnect
)

// ioWait is the scheduler's record of a fiber parked on a single fd —
// a completion request tied to the yield site a fiber is suspended at.
type ioWait struct {
	fiber *Fiber
	kind  waitKind
	fd    int

	conn     *Connection
	listener *Listener

	bufsize int

	data    []byte
	sendAll bool

	connAddr net.Addr
}

// advanceItem is one entry of the scheduler's FIFO worklist: a fiber to
// hand a resumeMsg to and then process whatever it yields next.
type advanceItem struct {
	fiber *Fiber
	msg   resumeMsg
}

// Scheduler is the single-goroutine turn loop driving every fiber.
// Every method below runs on the goroutine that called Run and is not
// safe to call concurrently, with one exception: forgetConn and
// forgetListener (reached through Connection.Close/Listener.Close) may
// be called from other goroutines — CloseAll in particular closes a
// batch of connections concurrently — so they and the tracking/
// teardown code touching the same maps go through handleMu.
type Scheduler struct {
	root       *Fiber
	rootDone   bool
	rootResult interface{}
	rootErr    error

	fibers map[*Fiber]struct{}

	reads  map[int]*ioWait
	writes map[int]*ioWait

	sleeping sleepHeap

	advanceReq []advanceItem

	// handleMu guards listeners/conns against Close calls arriving from
	// outside the scheduler's own goroutine — CloseAll in particular
	// closes a batch of connections through real concurrent goroutines,
	// each of which forgets its connection from this bookkeeping.
	// Every other field above is touched only from the single goroutine
	// running Run, so it needs no lock.
	handleMu  sync.Mutex
	listeners map[*Listener]struct{}
	conns     map[*Connection]struct{}

	// pendingDials holds the fd of every outbound socket still mid-
	// Connect (EINPROGRESS, parked in writes awaiting writability).
	// It has no owning *Connection yet, so it isn't reachable through
	// conns; unregisterWait and teardown both drain it directly so a
	// fiber killed or torn down mid-dial never leaks the raw fd.
	pendingDials map[int]struct{}

	poller *poller

	log *zap.SugaredLogger

	ctx           context.Context
	pollInterval  time.Duration
	interruptSent bool
}

func newScheduler(opts ...Option) *Scheduler {
	s := &Scheduler{
		fibers:       make(map[*Fiber]struct{}),
		reads:        make(map[int]*ioWait),
		writes:       make(map[int]*ioWait),
		listeners:    make(map[*Listener]struct{}),
		conns:        make(map[*Connection]struct{}),
		pendingDials: make(map[int]struct{}),
		poller:       newPoller(),
		log:          zap.NewNop().Sugar(),
		pollInterval: defaultPollInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run drives fn as the root fiber to completion, servicing every other
// fiber it spawns or delegates into along the way, and returns the root
// fiber's terminal value or error. It does not return until the whole
// fiber tree (everything reachable by Spawn/Delegate from fn) is either
// finished or forcibly torn down.
func Run(fn FiberFunc, opts ...Option) (interface{}, error) {
	s := newScheduler(opts...)

	s.root = newFiber()
	s.fibers[s.root] = struct{}{}
	s.root.start(fn)
	s.enqueueAdvance(s.root, resumeMsg{})

	s.log.Debugw("bluelet: run starting")
	result, err := s.runLoop()
	s.log.Debugw("bluelet: run finished", "err", err)
	return result, err
}

func (s *Scheduler) runLoop() (interface{}, error) {
	defer s.teardown()

	for {
		s.drain()
		if s.rootDone {
			return s.rootResult, s.rootErr
		}

		s.checkInterrupt()
		if s.rootDone {
			continue
		}

		timeout := s.computeTimeout()
		events, err := s.poller.wait(s.readFDs(), s.writeFDs(), timeout)
		if err != nil {
			if err == ErrInterrupted {
				continue
			}
			return s.rootResult, err
		}

		s.fireReady(events)
		s.wakeExpiredSleepers()
	}
}

func (s *Scheduler) enqueueAdvance(f *Fiber, msg resumeMsg) {
	s.advanceReq = append(s.advanceReq, advanceItem{fiber: f, msg: msg})
}

// drain processes the FIFO worklist to exhaustion: every fiber made
// ready this turn (by I/O completion, a timer firing, a Join/Kill
// resolving, or a fresh Spawn) gets advanced exactly once before the
// scheduler polls again — immediate events always drain before the
// next blocking poll.
func (s *Scheduler) drain() {
	for len(s.advanceReq) > 0 {
		item := s.advanceReq[0]
		s.advanceReq = s.advanceReq[1:]

		f := item.fiber
		if f.state != fiberRunning {
			continue
		}

		if item.msg.forceKill {
			f.chResume <- item.msg
			s.finish(f, nil, ErrCancelled)
			continue
		}

		f.chResume <- item.msg
		y := <-f.chYield
		s.handleYield(f, y)
	}
}

func (s *Scheduler) handleYield(f *Fiber, y yieldMsg) {
	if y.terminal {
		s.finish(f, y.value, y.err)
		return
	}

	switch ev := y.event.(type) {
	case nullEvent:
		s.enqueueAdvance(f, resumeMsg{})

	case spawnEvent:
		child := newFiber()
		s.fibers[child] = struct{}{}
		child.start(ev.fn)
		s.enqueueAdvance(child, resumeMsg{})
		s.enqueueAdvance(f, resumeMsg{value: child})

	case sleepEvent:
		f.deadline = time.Now().Add(ev.d)
		heap.Push(&s.sleeping, f)

	case delegateEvent:
		child := newFiber()
		child.delegateParent = f
		s.fibers[child] = struct{}{}
		child.start(ev.fn)
		s.enqueueAdvance(child, resumeMsg{})

	case killEvent:
		s.processKill(ev.target)
		s.enqueueAdvance(f, resumeMsg{})

	case joinEvent:
		s.processJoin(f, ev.target)

	case connectEvent:
		s.registerConnect(f, ev.host, ev.port)

	case acceptEvent:
		s.registerAccept(f, ev.listener)

	case readableEvent:
		s.registerRead(f, ev.conn, ev.bufsize)

	case writableEvent:
		s.registerWrite(f, ev.conn, ev.data, ev.sendAll)

	default:
		s.enqueueAdvance(f, resumeMsg{err: fmt.Errorf("bluelet: unhandled event %T", y.event)})
	}
}

// finish records a fiber's terminal outcome and propagates it: to
// anyone Join-ing it, to its delegation parent if it was a sub-fiber,
// or — for an independent fiber that fails with no one watching — into
// the root. An uncaught failure always surfaces at the top, whether
// the failing fiber was delegated into or merely spawned.
func (s *Scheduler) finish(f *Fiber, value interface{}, err error) {
	f.result = value
	f.failErr = err
	switch {
	case err == ErrCancelled:
		f.state = fiberCancelled
	case err != nil:
		f.state = fiberFailed
	default:
		f.state = fiberFinished
	}

	waiters := f.joinWaiters
	f.joinWaiters = nil
	for _, w := range waiters {
		w.joinTarget = nil
		s.enqueueAdvance(w, s.joinResumeMsg(f))
	}

	delete(s.fibers, f)

	if f == s.root {
		s.rootDone = true
		s.rootResult = value
		s.rootErr = err
		return
	}

	if parent := f.delegateParent; parent != nil {
		if err != nil {
			s.enqueueAdvance(parent, resumeMsg{err: err})
		} else {
			s.enqueueAdvance(parent, resumeMsg{value: value})
		}
		return
	}

	if err != nil && err != ErrCancelled && len(waiters) == 0 {
		s.log.Warnw("bluelet: unwatched fiber failed, propagating to root", "fiber", f.ID, "err", err)
		s.injectIntoRoot(&FiberFailure{FiberID: f.ID.String(), Err: err})
	}
}

func (s *Scheduler) joinResumeMsg(target *Fiber) resumeMsg {
	switch {
	case target.failErr == ErrCancelled:
		return resumeMsg{err: ErrCancelled}
	case target.failErr != nil:
		return resumeMsg{err: &FiberFailure{FiberID: target.ID.String(), Err: target.failErr}}
	default:
		return resumeMsg{value: target.result}
	}
}

// injectIntoRoot delivers err to the root fiber at its current
// suspension point, the same mechanism Kill uses to break a fiber out
// of whatever it is waiting on.
func (s *Scheduler) injectIntoRoot(err error) {
	if s.root.state != fiberRunning {
		return
	}
	s.unregisterWait(s.root)
	s.enqueueAdvance(s.root, resumeMsg{err: err})
}

// processKill implements the two-stage cancellation protocol: the
// first Kill injects ErrCancelled at the target's current suspension
// point so its finalization scopes (defers) run; if the target
// swallows that and yields again anyway, a second Kill force-terminates
// it unconditionally.
func (s *Scheduler) processKill(target *Fiber) {
	if target == nil || target.state != fiberRunning {
		return
	}
	if target.cancelRequested {
		s.unregisterWait(target)
		s.advanceReq = append(s.advanceReq, advanceItem{fiber: target, msg: resumeMsg{forceKill: true}})
		return
	}
	target.cancelRequested = true
	s.unregisterWait(target)
	s.enqueueAdvance(target, resumeMsg{err: ErrCancelled})
}

func (s *Scheduler) processJoin(f *Fiber, target *Fiber) {
	if target == nil {
		s.enqueueAdvance(f, resumeMsg{err: fmt.Errorf("bluelet: join of nil fiber")})
		return
	}
	if target.state != fiberRunning {
		s.enqueueAdvance(f, s.joinResumeMsg(target))
		return
	}
	target.joinWaiters = append(target.joinWaiters, f)
	f.joinTarget = target
}

func (s *Scheduler) checkInterrupt() {
	if s.ctx == nil || s.interruptSent {
		return
	}
	select {
	case <-s.ctx.Done():
	default:
		return
	}
	s.interruptSent = true
	s.log.Debugw("bluelet: context cancelled, interrupting root")
	s.injectIntoRoot(ErrInterrupted)
}

func (s *Scheduler) registerRead(f *Fiber, conn *Connection, bufsize int) {
	data, err, ok := conn.tryRead(bufsize)
	if ok {
		if err != nil {
			s.enqueueAdvance(f, resumeMsg{err: err})
		} else {
			s.enqueueAdvance(f, resumeMsg{value: data})
		}
		return
	}
	s.trackConn(conn)
	f.waitFD = conn.fd
	f.waitIsWrite = false
	s.reads[conn.fd] = &ioWait{fiber: f, kind: waitRead, fd: conn.fd, conn: conn, bufsize: bufsize}
}

func (s *Scheduler) registerWrite(f *Fiber, conn *Connection, data []byte, sendAll bool) {
	n, err, ok := conn.tryWriteOnce(data)
	if !ok {
		s.trackConn(conn)
		f.waitFD = conn.fd
		f.waitIsWrite = true
		s.writes[conn.fd] = &ioWait{fiber: f, kind: waitWrite, fd: conn.fd, conn: conn, data: data, sendAll: sendAll}
		return
	}
	if err != nil {
		s.enqueueAdvance(f, resumeMsg{err: err})
		return
	}
	if !sendAll {
		s.enqueueAdvance(f, resumeMsg{value: n})
		return
	}
	remaining := data[n:]
	if len(remaining) == 0 {
		s.enqueueAdvance(f, resumeMsg{value: nil})
		return
	}
	s.trackConn(conn)
	f.waitFD = conn.fd
	f.waitIsWrite = true
	s.writes[conn.fd] = &ioWait{fiber: f, kind: waitWrite, fd: conn.fd, conn: conn, data: remaining, sendAll: true}
}

func (s *Scheduler) registerAccept(f *Fiber, l *Listener) {
	conn, err, ok := l.tryAccept()
	if ok {
		if err != nil {
			s.enqueueAdvance(f, resumeMsg{err: err})
			return
		}
		s.trackConn(conn)
		s.enqueueAdvance(f, resumeMsg{value: conn})
		return
	}
	s.trackListener(l)
	f.waitFD = l.fd
	f.waitIsWrite = false
	s.reads[l.fd] = &ioWait{fiber: f, kind: waitAccept, fd: l.fd, listener: l}
}

func (s *Scheduler) registerConnect(f *Fiber, host string, port int) {
	fd, addr, err, done := dialNonblocking(host, port)
	if err != nil {
		s.enqueueAdvance(f, resumeMsg{err: err})
		return
	}
	if done {
		conn := &Connection{fd: fd, raddr: addr}
		s.trackConn(conn)
		s.enqueueAdvance(f, resumeMsg{value: conn})
		return
	}
	f.waitFD = fd
	f.waitIsWrite = true
	s.writes[fd] = &ioWait{fiber: f, kind: waitConnect, fd: fd, connAddr: addr}
	s.pendingDials[fd] = struct{}{}
}

func (s *Scheduler) trackConn(c *Connection) {
	c.owner = s
	s.handleMu.Lock()
	s.conns[c] = struct{}{}
	s.handleMu.Unlock()
}

func (s *Scheduler) trackListener(l *Listener) {
	l.owner = s
	s.handleMu.Lock()
	s.listeners[l] = struct{}{}
	s.handleMu.Unlock()
}

// fireReady dispatches the poller's ready list. Order follows whatever
// the poller returned it in; no weighting is applied.
func (s *Scheduler) fireReady(events []pollEvent) {
	for _, pe := range events {
		if pe.readable {
			if w, ok := s.reads[pe.fd]; ok {
				delete(s.reads, pe.fd)
				w.fiber.waitFD = -1
				s.completeRead(w)
			}
		}
		if pe.writable {
			if w, ok := s.writes[pe.fd]; ok {
				delete(s.writes, pe.fd)
				w.fiber.waitFD = -1
				s.completeWrite(w)
			}
		}
	}
}

func (s *Scheduler) completeRead(w *ioWait) {
	switch w.kind {
	case waitAccept:
		conn, err, ok := w.listener.tryAccept()
		if !ok {
			s.reparkRead(w)
			return
		}
		if err != nil {
			s.enqueueAdvance(w.fiber, resumeMsg{err: err})
			return
		}
		s.trackConn(conn)
		s.enqueueAdvance(w.fiber, resumeMsg{value: conn})

	case waitRead:
		data, err, ok := w.conn.tryRead(w.bufsize)
		if !ok {
			s.reparkRead(w)
			return
		}
		if err != nil {
			s.enqueueAdvance(w.fiber, resumeMsg{err: err})
			return
		}
		s.enqueueAdvance(w.fiber, resumeMsg{value: data})
	}
}

func (s *Scheduler) completeWrite(w *ioWait) {
	switch w.kind {
	case waitConnect:
		delete(s.pendingDials, w.fd)
		if err := connectError(w.fd); err != nil {
			unix.Close(w.fd)
			s.enqueueAdvance(w.fiber, resumeMsg{err: err})
			return
		}
		conn := &Connection{fd: w.fd, raddr: w.connAddr}
		s.trackConn(conn)
		s.enqueueAdvance(w.fiber, resumeMsg{value: conn})

	case waitWrite:
		n, err, ok := w.conn.tryWriteOnce(w.data)
		if !ok {
			s.reparkWrite(w)
			return
		}
		if err != nil {
			s.enqueueAdvance(w.fiber, resumeMsg{err: err})
			return
		}
		if !w.sendAll {
			s.enqueueAdvance(w.fiber, resumeMsg{value: n})
			return
		}
		remaining := w.data[n:]
		if len(remaining) == 0 {
			s.enqueueAdvance(w.fiber, resumeMsg{value: nil})
			return
		}
		w.data = remaining
		s.reparkWrite(w)
	}
}

func (s *Scheduler) reparkRead(w *ioWait) {
	s.reads[w.fd] = w
	w.fiber.waitFD = w.fd
	w.fiber.waitIsWrite = false
}

func (s *Scheduler) reparkWrite(w *ioWait) {
	s.writes[w.fd] = w
	w.fiber.waitFD = w.fd
	w.fiber.waitIsWrite = true
}

func (s *Scheduler) wakeExpiredSleepers() {
	now := time.Now()
	for s.sleeping.Len() > 0 && !s.sleeping[0].deadline.After(now) {
		f := heap.Pop(&s.sleeping).(*Fiber)
		s.enqueueAdvance(f, resumeMsg{})
	}
}

func (s *Scheduler) computeTimeout() time.Duration {
	timeout := time.Duration(-1)
	if s.sleeping.Len() > 0 {
		timeout = time.Until(s.sleeping[0].deadline)
		if timeout < 0 {
			timeout = 0
		}
	}
	if s.ctx != nil {
		if timeout < 0 || timeout > s.pollInterval {
			timeout = s.pollInterval
		}
	}
	return timeout
}

func (s *Scheduler) readFDs() map[int]*Fiber {
	m := make(map[int]*Fiber, len(s.reads))
	for fd, w := range s.reads {
		m[fd] = w.fiber
	}
	return m
}

func (s *Scheduler) writeFDs() map[int]*Fiber {
	m := make(map[int]*Fiber, len(s.writes))
	for fd, w := range s.writes {
		m[fd] = w.fiber
	}
	return m
}

// unregisterWait pulls f out of whichever single wait queue currently
// holds it — an fd interest set, the sleep heap, or another fiber's
// join-waiter list — so it can be resumed out of band (Kill, an
// injected failure, or an interrupt).
func (s *Scheduler) unregisterWait(f *Fiber) {
	if f.waitFD >= 0 {
		if f.waitIsWrite {
			delete(s.writes, f.waitFD)
			if _, dialing := s.pendingDials[f.waitFD]; dialing {
				delete(s.pendingDials, f.waitFD)
				unix.Close(f.waitFD)
			}
		} else {
			delete(s.reads, f.waitFD)
		}
		f.waitFD = -1
	}
	if f.heapIndex >= 0 {
		heap.Remove(&s.sleeping, f.heapIndex)
	}
	if f.joinTarget != nil {
		t := f.joinTarget
		for i, w := range t.joinWaiters {
			if w == f {
				t.joinWaiters = append(t.joinWaiters[:i], t.joinWaiters[i+1:]...)
				break
			}
		}
		f.joinTarget = nil
	}
}

func (s *Scheduler) forgetListener(l *Listener) {
	s.handleMu.Lock()
	delete(s.listeners, l)
	s.handleMu.Unlock()
}

func (s *Scheduler) forgetConn(c *Connection) {
	s.handleMu.Lock()
	delete(s.conns, c)
	s.handleMu.Unlock()
}

// teardown runs once, via defer, however runLoop exits: it force-kills
// every fiber still alive besides the one that already finished
// (usually the root) and closes every socket the scheduler still
// tracks, so Run never leaks a goroutine or an fd.
func (s *Scheduler) teardown() {
	for f := range s.fibers {
		if f.state != fiberRunning {
			continue
		}
		s.unregisterWait(f)
		f.chResume <- resumeMsg{forceKill: true}
		f.state = fiberCancelled
	}
	s.handleMu.Lock()
	for l := range s.listeners {
		unix.Close(l.fd)
	}
	for c := range s.conns {
		unix.Close(c.fd)
	}
	s.handleMu.Unlock()
	for fd := range s.pendingDials {
		unix.Close(fd)
		delete(s.pendingDials, fd)
	}
	s.log.Debugw("bluelet: teardown complete", "fibers", len(s.fibers), "listeners", len(s.listeners), "conns", len(s.conns))
}
