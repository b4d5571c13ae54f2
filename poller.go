//go:build linux || darwin || netbsd || freebsd || openbsd || dragonfly

package bluelet

import (
	"time"

	"golang.org/x/sys/unix"
)

// pollEvent reports which of a polled fd's interest sets fired,
// generalized from an epoll-specific batch to whatever the local
// unix.Poll backend returns.
type pollEvent struct {
	fd       int
	readable bool
	writable bool
}

// poller adapts unix.Poll — the direct descendant of the triple-set
// select(2) call — to the scheduler's fd interest bookkeeping.
// Swapping this for an edge-triggered epoll/kqueue backend is an
// implementation detail invisible to fibers; a single poll(2) call per
// turn is the simplest faithful choice and is explicitly sanctioned.
type poller struct{}

func newPoller() *poller { return &poller{} }

// wait blocks until one of the fds in reads/writes is ready, or until
// timeout elapses. timeout < 0 blocks indefinitely (no sleepers
// pending); timeout == 0 polls once without blocking. With no fds to
// watch it just sleeps for timeout, or returns at once if timeout < 0.
func (p *poller) wait(reads, writes map[int]*Fiber, timeout time.Duration) ([]pollEvent, error) {
	if len(reads) == 0 && len(writes) == 0 {
		if timeout < 0 {
			return nil, nil
		}
		time.Sleep(timeout)
		return nil, nil
	}

	interest := make(map[int]int16, len(reads)+len(writes))
	for fd := range reads {
		interest[fd] |= unix.POLLIN
	}
	for fd := range writes {
		interest[fd] |= unix.POLLOUT
	}

	fds := make([]unix.PollFd, 0, len(interest))
	for fd, events := range interest {
		fds = append(fds, unix.PollFd{Fd: int32(fd), Events: events})
	}

	ms := -1
	if timeout >= 0 {
		ms = int(timeout / time.Millisecond)
	}

	n, err := unix.Poll(fds, ms)
	if err != nil {
		if err == unix.EINTR {
			return nil, ErrInterrupted
		}
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}

	events := make([]pollEvent, 0, n)
	for _, pf := range fds {
		if pf.Revents == 0 {
			continue
		}
		events = append(events, pollEvent{
			fd:       int(pf.Fd),
			readable: pf.Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0,
			writable: pf.Revents&(unix.POLLOUT|unix.POLLERR) != 0,
		})
	}
	return events, nil
}
