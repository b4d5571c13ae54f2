//go:build linux || darwin || netbsd || freebsd || openbsd || dragonfly

package bluelet

import (
	"fmt"
	"net"
	"strconv"

	"golang.org/x/sys/unix"
)

const listenBacklog = 128

// Listener wraps a bound, listening stream socket. Accept is only ever
// called through the scheduler (via the acceptEvent it yields), the
// same "fiber never touches a raw fd" boundary Connection keeps.
type Listener struct {
	fd    int
	addr  *net.TCPAddr
	owner *Scheduler
}

// NewListener constructs a non-blocking listening socket bound to
// host:port, address-reuse enabled, with a small backlog.
func NewListener(host string, port int) (*Listener, error) {
	resolved, err := net.ResolveTCPAddr("tcp4", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, &IoError{Op: "resolve", Err: err}
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, &IoError{Op: "socket", Err: err}
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, &IoError{Op: "setsockopt", Err: err}
	}

	sa := &unix.SockaddrInet4{Port: port}
	if ip4 := resolved.IP.To4(); ip4 != nil {
		copy(sa.Addr[:], ip4)
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, &IoError{Op: "bind", Err: err}
	}
	if err := unix.Listen(fd, listenBacklog); err != nil {
		unix.Close(fd)
		return nil, &IoError{Op: "listen", Err: err}
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, &IoError{Op: "setnonblock", Err: err}
	}

	return &Listener{fd: fd, addr: resolved}, nil
}

// Accept yields an Event that resumes with a freshly accepted
// *Connection once the listener is read-ready.
func (l *Listener) Accept() Event { return acceptEvent{listener: l} }

// Close closes the listening socket and drops it from the set of
// handles the scheduler closes at teardown. A fiber still waiting on
// this listener's Accept is not unregistered or resumed.
func (l *Listener) Close() error {
	if l.owner != nil {
		l.owner.forgetListener(l)
	}
	return unix.Close(l.fd)
}

// Addr returns the address the listener is bound to.
func (l *Listener) Addr() net.Addr { return l.addr }

func (l *Listener) tryAccept() (*Connection, error, bool) {
	nfd, sa, err := unix.Accept4(l.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err == unix.EAGAIN {
		return nil, nil, false
	}
	if err != nil {
		return nil, &IoError{Op: "accept", Err: err}, true
	}
	return &Connection{fd: nfd, raddr: sockaddrToAddr(sa)}, nil, true
}

// Connection wraps a connected stream socket. Every method returns an
// Event; the bytes actually move only once the scheduler fires it.
type Connection struct {
	fd    int
	raddr net.Addr

	// lineBuf retains bytes read past a ReadLine separator so the next
	// ReadLine call doesn't lose them; Recv does not read from it.
	// Unlike a single shared
	// swap buffer reused per-turn across any fd, this buffer
	// is per-connection because ReadLine must survive across many
	// turns without handing unconsumed bytes back to the caller.
	lineBuf []byte

	owner *Scheduler
}

// Recv yields an Event that resumes with up to bufsize bytes (possibly
// empty, signalling EOF) once the connection is read-ready.
func (c *Connection) Recv(bufsize int) Event {
	return readableEvent{conn: c, bufsize: bufsize}
}

// Send yields an Event that resumes with the number of bytes written
// by a single non-blocking send once the connection is write-ready;
// it does not retry partial writes.
func (c *Connection) Send(data []byte) Event {
	return writableEvent{conn: c, data: data, sendAll: false}
}

// SendAll yields an Event that resumes with nil only once every byte
// of data has been accepted by the socket, retrying partial writes
// internally across as many turns as it takes.
func (c *Connection) SendAll(data []byte) Event {
	return writableEvent{conn: c, data: data, sendAll: true}
}

// Close closes the underlying socket.
func (c *Connection) Close() error {
	if c.owner != nil {
		c.owner.forgetConn(c)
	}
	return unix.Close(c.fd)
}

// RemoteAddr returns the address of the connected peer.
func (c *Connection) RemoteAddr() net.Addr { return c.raddr }

func (c *Connection) tryRead(bufsize int) ([]byte, error, bool) {
	buf := make([]byte, bufsize)
	n, err := unix.Read(c.fd, buf)
	if err == unix.EAGAIN {
		return nil, nil, false
	}
	if err != nil {
		return nil, &IoError{Op: "read", Err: err}, true
	}
	return buf[:n], nil, true
}

func (c *Connection) tryWriteOnce(data []byte) (int, error, bool) {
	n, err := unix.Write(c.fd, data)
	if err == unix.EAGAIN {
		return 0, nil, false
	}
	if err != nil {
		return 0, &IoError{Op: "write", Err: err}, true
	}
	return n, nil, true
}

func sockaddrToAddr(sa unix.Sockaddr) net.Addr {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: append([]byte(nil), v.Addr[:]...), Port: v.Port}
	case *unix.SockaddrInet6:
		return &net.TCPAddr{IP: append([]byte(nil), v.Addr[:]...), Port: v.Port}
	default:
		return nil
	}
}

func dialNonblocking(host string, port int) (int, net.Addr, error, bool) {
	resolved, err := net.ResolveTCPAddr("tcp4", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return -1, nil, &IoError{Op: "resolve", Err: err}, true
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, nil, &IoError{Op: "socket", Err: err}, true
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, nil, &IoError{Op: "setnonblock", Err: err}, true
	}

	sa := &unix.SockaddrInet4{Port: port}
	if ip4 := resolved.IP.To4(); ip4 != nil {
		copy(sa.Addr[:], ip4)
	}

	err = unix.Connect(fd, sa)
	addr := net.Addr(resolved)
	if err == nil {
		return fd, addr, nil, true // connected immediately (common on loopback)
	}
	if err == unix.EINPROGRESS {
		return fd, addr, nil, false // caller must wait for writability
	}
	unix.Close(fd)
	return -1, nil, &IoError{Op: "connect", Err: err}, true
}

func connectError(fd int) error {
	errno, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return &IoError{Op: "getsockopt", Err: err}
	}
	if errno != 0 {
		return &IoError{Op: "connect", Err: fmt.Errorf("%s", unix.Errno(errno))}
	}
	return nil
}
