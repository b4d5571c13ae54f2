package bluelet

import (
	"time"

	"golang.org/x/sync/errgroup"
)

// SleepFor is sugar for y.Yield(Sleep(d)) that discards the
// (always-nil) resume value, for callers that only care about the
// error an injected cancellation or interrupt might carry.
func SleepFor(y *Yielder, d time.Duration) error {
	_, err := y.Yield(Sleep(d))
	return err
}

// ConnectFiber dials host:port and type-asserts the result, sparing
// callers the Connect(...).(type) boilerplate every delegated dialer
// otherwise repeats (see cmd/crawler).
func ConnectFiber(y *Yielder, host string, port int) (*Connection, error) {
	v, err := y.Yield(Connect(host, port))
	if err != nil {
		return nil, err
	}
	return v.(*Connection), nil
}

// Server is a fiber that opens a Listener on host:port and spawns
// handler(conn) for each accepted connection. On cancellation or
// interrupt it kills every outstanding handler fiber —
// whose own deferred conn.Close() runs as part of that fiber's
// finalization scope even when force-terminated, since runtime.Goexit
// still unwinds defers — and closes the listener before returning.
func Server(host string, port int, handler func(*Connection) FiberFunc) FiberFunc {
	return func(y *Yielder) (interface{}, error) {
		l, err := NewListener(host, port)
		if err != nil {
			return nil, err
		}

		var handlers []*Fiber

		shutdown := func() {
			for _, h := range handlers {
				y.Yield(Kill(h))
			}
			l.Close()
		}

		for {
			v, err := y.Yield(l.Accept())
			if err != nil {
				shutdown()
				if err == ErrCancelled || err == ErrInterrupted {
					return nil, nil
				}
				return nil, err
			}
			conn := v.(*Connection)

			hv, _ := y.Yield(Spawn(func(y2 *Yielder) (interface{}, error) {
				defer conn.Close()
				return handler(conn)(y2)
			}))
			handlers = append(handlers, hv.(*Fiber))
		}
	}
}

// CloseAll closes every connection in conns concurrently via a real
// errgroup.Group rather than one at a time through the fiber
// scheduler: a raw fd Close is a plain syscall with no cooperative
// suspension point, so routing it through Yield would buy nothing.
// Used by cmd/crawler to tear down its fan-out of fetches, and
// exercised directly by socket_test.go.
func CloseAll(conns []*Connection) error {
	var g errgroup.Group
	for _, c := range conns {
		c := c
		g.Go(func() error { return c.Close() })
	}
	return g.Wait()
}
