package bluelet

import (
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// loopbackPair returns two ends of a connected TCP loopback socket as
// raw *Connection values, bypassing the scheduler entirely — useful
// for tests that want one side driven by a fiber and the other side
// driven by a plain goroutine.
var nextLoopbackPort = 40100

func loopbackPair(t *testing.T) (*Connection, *Connection) {
	t.Helper()
	nextLoopbackPort++
	port := nextLoopbackPort

	l, err := NewListener("127.0.0.1", port)
	require.NoError(t, err)
	defer l.Close()

	acceptedCh := make(chan *Connection, 1)
	go func() {
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			c, err, ok := l.tryAccept()
			if !ok {
				time.Sleep(time.Millisecond)
				continue
			}
			if err == nil {
				acceptedCh <- c
			}
			return
		}
	}()

	fd, addr, err, done := dialNonblocking("127.0.0.1", port)
	require.NoError(t, err)
	if !done {
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			if cerr := connectError(fd); cerr == nil {
				break
			}
			time.Sleep(time.Millisecond)
		}
	}
	a := &Connection{fd: fd, raddr: addr}

	select {
	case b := <-acceptedCh:
		return a, b
	case <-time.After(2 * time.Second):
		t.Fatal("loopbackPair: accept never completed")
		return nil, nil
	}
}

// rawSend writes data to c's fd directly, retrying on EAGAIN, without
// going through the fiber scheduler.
func rawSend(c *Connection, data []byte) {
	for len(data) > 0 {
		n, err, ok := c.tryWriteOnce(data)
		if !ok {
			time.Sleep(time.Millisecond)
			continue
		}
		if err != nil {
			return
		}
		data = data[n:]
	}
}

// rawRecv reads once from c's fd directly, retrying on EAGAIN, without
// going through the fiber scheduler.
func rawRecv(c *Connection, buf []byte) (int, error) {
	for {
		data, err, ok := c.tryRead(len(buf))
		if !ok {
			time.Sleep(time.Millisecond)
			continue
		}
		if err != nil {
			return 0, err
		}
		return copy(buf, data), nil
	}
}

func dialTCP(t *testing.T, host string, port int) (net.Conn, error) {
	t.Helper()
	return net.DialTimeout("tcp", net.JoinHostPort(host, strconv.Itoa(port)), 2*time.Second)
}

func readFull(r io.Reader, buf []byte) (int, error) {
	return io.ReadFull(r, buf)
}
