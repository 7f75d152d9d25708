// Package stream adapts net.Conn-based transports (unix socket, tcp) into
// the Stream abstraction the daemon's endpoints read and write messages
// through, and parses DBus bus addresses ("unix:path=/run/busd/bus",
// "tcp:host=...,port=...,family=ipv4") into listeners and dialers.
package stream

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/alljoyn-go/busd/internal/wire"
)

// Stream is the transport-agnostic connection an endpoint's rx/tx workers
// operate on. Implementations must make WriteMessage safe to call from one
// goroutine while ReadMessage runs in another; they need not support
// concurrent writers.
type Stream interface {
	ReadMessage() (*wire.Message, error)
	WriteMessage(m *wire.Message) error
	Close() error

	// ReadReady is closed once a ReadMessage call has failed or the
	// stream has been closed, letting a select-based idle timer
	// distinguish "nothing to read yet" from "never going to get
	// anything again".
	ReadReady() <-chan struct{}

	RemoteAddr() net.Addr
}

// connStream implements Stream over any net.Conn.
type connStream struct {
	conn   net.Conn
	reader *bufio.Reader

	writeMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
}

func newConnStream(conn net.Conn) *connStream {
	return &connStream{
		conn:   conn,
		reader: bufio.NewReaderSize(conn, 4096),
		closed: make(chan struct{}),
	}
}

// Wrap adapts an already-accepted or already-dialed net.Conn into a
// Stream. Exported so callers that need the raw net.Conn first (to read
// SO_PEERCRED before the SASL handshake begins) can still hand the
// connection off to a RemoteEndpoint afterwards.
func Wrap(conn net.Conn) Stream {
	return newConnStream(conn)
}

// PeerCredentials reads the SO_PEERCRED uid/gid/pid off a Unix domain
// socket connection. It reports ok=false for any non-Unix transport
// (TCP carries no kernel-verified peer identity), in which case the
// EXTERNAL mechanism must be refused.
func PeerCredentials(conn net.Conn) (uid, gid, pid int, ok bool) {
	uc, isUnix := conn.(*net.UnixConn)
	if !isUnix {
		return 0, 0, 0, false
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		return 0, 0, 0, false
	}
	var cred *unix.Ucred
	var credErr error
	raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if credErr != nil || cred == nil {
		return 0, 0, 0, false
	}
	return int(cred.Uid), int(cred.Gid), int(cred.Pid), true
}

func (s *connStream) ReadReady() <-chan struct{} { return s.closed }

func (s *connStream) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }

func (s *connStream) ReadMessage() (*wire.Message, error) {
	hdr := make([]byte, wire.FixedHeaderLen)
	if _, err := readFull(s.reader, hdr); err != nil {
		s.markClosed()
		return nil, err
	}
	order, bodyLen, err := wire.BodyLength(hdr)
	if err != nil {
		s.markClosed()
		return nil, err
	}
	// hdr's last 4 bytes are the header-field array's own length prefix
	// (DBus arrays are length-prefixed); the array's element bytes follow
	// immediately, padded out to an 8-byte boundary before the body.
	arrayLen := order.Uint32(hdr[wire.FixedHeaderLen-4:])

	rest := make([]byte, arrayLen)
	if arrayLen > 0 {
		if _, err := readFull(s.reader, rest); err != nil {
			s.markClosed()
			return nil, err
		}
	}

	consumed := wire.FixedHeaderLen + int(arrayLen)
	padding := (8 - consumed%8) % 8
	if padding > 0 {
		pad := make([]byte, padding)
		if _, err := readFull(s.reader, pad); err != nil {
			s.markClosed()
			return nil, err
		}
	}

	body := make([]byte, bodyLen)
	if bodyLen > 0 {
		if _, err := readFull(s.reader, body); err != nil {
			s.markClosed()
			return nil, err
		}
	}

	full := make([]byte, 0, wire.FixedHeaderLen+len(rest)+padding+len(body))
	full = append(full, hdr...)
	full = append(full, rest...)
	full = append(full, make([]byte, padding)...)
	full = append(full, body...)

	return wire.Unmarshal(full)
}

func (s *connStream) WriteMessage(m *wire.Message) error {
	buf, err := m.Marshal()
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err = s.conn.Write(buf)
	return err
}

func (s *connStream) Close() error {
	s.markClosed()
	return s.conn.Close()
}

func (s *connStream) markClosed() {
	s.closeOnce.Do(func() { close(s.closed) })
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		k, err := r.Read(buf[n:])
		n += k
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

// Address describes a parsed bus address of the form
// "transport:key=value,key=value".
type Address struct {
	Transport string
	Options   map[string]string
}

// ParseAddress parses a DBus-style address spec. Only the first
// transport segment is honored; fallback lists ("addr1;addr2") are a
// client-side concern this daemon does not need.
func ParseAddress(addr string) (Address, error) {
	if addr == "" {
		return Address{}, errors.New("stream: empty address")
	}
	if semi := strings.IndexByte(addr, ';'); semi >= 0 {
		addr = addr[:semi]
	}
	idx := strings.IndexByte(addr, ':')
	if idx < 0 {
		return Address{}, fmt.Errorf("stream: malformed address %q", addr)
	}
	a := Address{Transport: addr[:idx], Options: map[string]string{}}
	for _, kv := range strings.Split(addr[idx+1:], ",") {
		if kv == "" {
			continue
		}
		pair := strings.SplitN(kv, "=", 2)
		if len(pair) != 2 {
			return Address{}, fmt.Errorf("stream: malformed address option %q", kv)
		}
		key, err := url.QueryUnescape(pair[0])
		if err != nil {
			return Address{}, err
		}
		val, err := url.QueryUnescape(pair[1])
		if err != nil {
			return Address{}, err
		}
		a.Options[key] = val
	}
	return a, nil
}

// Listener accepts Streams, the server-side counterpart to Dial.
type Listener struct {
	net.Listener
}

// Listen creates a listening socket for addr ("unix:path=..." or
// "tcp:host=...,port=...").
func Listen(addr string) (*Listener, error) {
	a, err := ParseAddress(addr)
	if err != nil {
		return nil, err
	}
	switch a.Transport {
	case "unix":
		path, network, err := unixPath(a)
		if err != nil {
			return nil, err
		}
		ln, err := net.Listen(network, path)
		if err != nil {
			return nil, err
		}
		return &Listener{ln}, nil
	case "tcp":
		network, address, err := tcpAddress(a)
		if err != nil {
			return nil, err
		}
		ln, err := net.Listen(network, address)
		if err != nil {
			return nil, err
		}
		return &Listener{ln}, nil
	default:
		return nil, fmt.Errorf("stream: unsupported listen transport %q", a.Transport)
	}
}

// Accept blocks for the next incoming connection and wraps it as a Stream.
func (l *Listener) Accept() (Stream, error) {
	conn, err := l.AcceptConn()
	if err != nil {
		return nil, err
	}
	return newConnStream(conn), nil
}

// AcceptConn blocks for the next incoming connection and returns the raw
// net.Conn, for callers that need PeerCredentials before handing the
// connection to Wrap.
func (l *Listener) AcceptConn() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetKeepAlive(true)
		tc.SetKeepAlivePeriod(30 * time.Second)
	}
	return conn, nil
}

// Dial connects to addr and wraps the connection as a Stream, the
// bus2bus client side of establishing a link to a peer daemon.
func Dial(addr string) (Stream, error) {
	a, err := ParseAddress(addr)
	if err != nil {
		return nil, err
	}
	switch a.Transport {
	case "unix":
		path, network, err := unixPath(a)
		if err != nil {
			return nil, err
		}
		conn, err := net.Dial(network, path)
		if err != nil {
			return nil, err
		}
		return newConnStream(conn), nil
	case "tcp":
		network, address, err := tcpAddress(a)
		if err != nil {
			return nil, err
		}
		conn, err := net.Dial(network, address)
		if err != nil {
			return nil, err
		}
		return newConnStream(conn), nil
	default:
		return nil, fmt.Errorf("stream: unsupported dial transport %q", a.Transport)
	}
}

func unixPath(a Address) (path, network string, err error) {
	if abstract, ok := a.Options["abstract"]; ok {
		return "@" + abstract, "unix", nil
	}
	if p, ok := a.Options["path"]; ok {
		return p, "unix", nil
	}
	return "", "", errors.New("stream: unix transport requires 'path' or 'abstract'")
}

func tcpAddress(a Address) (network, address string, err error) {
	switch a.Options["family"] {
	case "", "ipv4":
		network = "tcp4"
	case "ipv6":
		network = "tcp6"
	default:
		return "", "", fmt.Errorf("stream: unknown tcp family %q", a.Options["family"])
	}
	return network, a.Options["host"] + ":" + a.Options["port"], nil
}
