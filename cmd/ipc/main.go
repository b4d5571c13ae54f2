// Command ipc builds a framed, bidirectional channel on top of a pair
// of connected loopback sockets: two fibers exchange arbitrary values,
// each message delimited by a random sentinel and serialized with
// encoding/gob (see DESIGN.md for why gob is the justified stdlib
// choice here).
package main

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/google/uuid"

	"github.com/sampsyo/bluelet"
)

func init() {
	gob.Register("")
	gob.Register(0)
	gob.Register(map[string]string{})
	gob.Register([]interface{}{})
}

// Endpoint is one side of a framed, bidirectional channel built on top
// of a raw Connection.
type Endpoint struct {
	conn     *bluelet.Connection
	sentinel []byte
}

func (e *Endpoint) put(y *bluelet.Yielder, v interface{}) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&v); err != nil {
		return err
	}
	_, err := y.Yield(e.conn.SendAll(append(buf.Bytes(), e.sentinel...)))
	return err
}

func (e *Endpoint) get(y *bluelet.Yielder) (interface{}, error) {
	v, err := y.Yield(e.conn.ReadLine(e.sentinel))
	if err != nil {
		return nil, err
	}
	line, _ := v.([]byte)
	if line == nil {
		return nil, fmt.Errorf("ipc: channel closed")
	}
	payload := line[:len(line)-len(e.sentinel)]
	var out interface{}
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

func channel(host string, port int) bluelet.FiberFunc {
	return func(y *bluelet.Yielder) (interface{}, error) {
		listener, err := bluelet.NewListener(host, port)
		if err != nil {
			return nil, err
		}

		listenFiber, err := y.Yield(bluelet.Spawn(func(y2 *bluelet.Yielder) (interface{}, error) {
			return y2.Yield(listener.Accept())
		}))
		if err != nil {
			return nil, err
		}

		clientConn, err := bluelet.ConnectFiber(y, host, port)
		if err != nil {
			return nil, err
		}

		serverSide, err := y.Yield(bluelet.Join(listenFiber.(*bluelet.Fiber)))
		if err != nil {
			return nil, err
		}
		listener.Close()

		sentinel := uuid.New()
		sentinelBytes := sentinel[:]

		return [2]*Endpoint{
			{conn: serverSide.(*bluelet.Connection), sentinel: sentinelBytes},
			{conn: clientConn, sentinel: sentinelBytes},
		}, nil
	}
}

func thread1(ep *Endpoint) bluelet.FiberFunc {
	return func(y *bluelet.Yielder) (interface{}, error) {
		for _, v := range []interface{}{"hello!", 123, map[string]string{"foo": "bar"}} {
			if err := ep.put(y, v); err != nil {
				return nil, err
			}
		}
		v, err := ep.get(y)
		if err != nil {
			return nil, err
		}
		fmt.Println(v)
		return nil, nil
	}
}

func thread2(ep *Endpoint) bluelet.FiberFunc {
	return func(y *bluelet.Yielder) (interface{}, error) {
		for i := 0; i < 3; i++ {
			v, err := ep.get(y)
			if err != nil {
				return nil, err
			}
			fmt.Println(v)
		}
		return nil, ep.put(y, []interface{}{"test", 1234, "foo"})
	}
}

func main() {
	if _, err := bluelet.Run(rootFiber); err != nil {
		fmt.Println("ipc:", err)
	}
}

func rootFiber(y *bluelet.Yielder) (interface{}, error) {
	v, err := y.Yield(bluelet.Delegate(channel("127.0.0.1", 4915)))
	if err != nil {
		return nil, err
	}
	eps := v.([2]*Endpoint)

	h1, err := y.Yield(bluelet.Spawn(thread1(eps[0])))
	if err != nil {
		return nil, err
	}
	h2, err := y.Yield(bluelet.Spawn(thread2(eps[1])))
	if err != nil {
		return nil, err
	}
	if _, err := y.Yield(bluelet.Join(h1.(*bluelet.Fiber))); err != nil {
		return nil, err
	}
	if _, err := y.Yield(bluelet.Join(h2.(*bluelet.Fiber))); err != nil {
		return nil, err
	}
	return nil, nil
}
