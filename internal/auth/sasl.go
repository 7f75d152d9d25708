// Package auth implements the server (acceptor) side of the DBus SASL
// text handshake and the Hello/BusHello exchange that follows it: a new
// connection authenticates with EXTERNAL or DBUS_COOKIE_SHA1, sends
// BEGIN, then (for client links) issues a method_call to Hello and
// receives back the unique name bound to it.
package auth

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
)

// Mechanism is one SASL mechanism the server accepts, implementing the
// server/"challenger" side: InitialResponse carries whatever bytes the
// client sent on the AUTH line, ProcessData handles each subsequent DATA
// line until the mechanism is satisfied.
type Mechanism interface {
	Name() string

	// Authorize inspects the client's initial response (may be empty)
	// and returns ok=true if authentication is already complete, or a
	// non-nil challenge to send back as a DATA line.
	Authorize(initialResponse []byte) (ok bool, challenge []byte, err error)

	// ProcessData handles one DATA response from the client, continuing
	// the exchange started by Authorize.
	ProcessData(data []byte) (ok bool, challenge []byte, err error)
}

var (
	// ErrRejected is returned when every configured mechanism declines
	// an AUTH attempt.
	ErrRejected = errors.New("auth: rejected")
	// ErrMalformedLine is returned for SASL lines that don't parse.
	ErrMalformedLine = errors.New("auth: malformed SASL line")
)

// Result is what a successful handshake yields.
type Result struct {
	Mechanism  string
	UnixFDs    bool
}

// Negotiate runs the server side of the SASL handshake over rw, trying
// mechanisms in the order the client proposes them against the supplied
// factory. It returns once BEGIN has been read, leaving rw positioned at
// the first byte of the binary message stream.
func Negotiate(rw io.ReadWriter, mechanisms map[string]func() Mechanism) (*Result, error) {
	r := bufio.NewReaderSize(oneByteReader{rw}, 16)

	// The handshake must begin with a single NUL byte, sent by the
	// client to identify itself over a unix socket (the credentials
	// byte the kernel associates with SCM_CREDENTIALS).
	nul := make([]byte, 1)
	if _, err := io.ReadFull(r, nul); err != nil {
		return nil, fmt.Errorf("auth: reading leading NUL: %w", err)
	}

	var current Mechanism
	var authed bool
	var negotiatedFDs bool

	for {
		line, err := readSASLLine(r)
		if err != nil {
			return nil, err
		}

		fields := bytes.Fields(line)
		if len(fields) == 0 {
			writeLine(rw, "ERROR")
			continue
		}
		cmd := string(fields[0])

		switch cmd {
		case "AUTH":
			if len(fields) < 2 {
				writeLine(rw, "REJECTED")
				continue
			}
			mechName := string(fields[1])
			factory, ok := mechanisms[mechName]
			if !ok {
				writeLine(rw, "REJECTED "+supportedNames(mechanisms))
				continue
			}
			current = factory()
			authed = false
			var resp []byte
			if len(fields) > 2 {
				resp, err = decodeHex(fields[2])
				if err != nil {
					writeLine(rw, "ERROR "+err.Error())
					current = nil
					continue
				}
			}
			ok2, challenge, err := current.Authorize(resp)
			if err != nil {
				writeLine(rw, "REJECTED "+supportedNames(mechanisms))
				current = nil
				continue
			}
			if ok2 {
				authed = true
				writeLine(rw, "OK")
				continue
			}
			writeLine(rw, "DATA "+encodeHex(challenge))

		case "DATA":
			if current == nil {
				writeLine(rw, "ERROR")
				continue
			}
			var data []byte
			if len(fields) > 1 {
				data, err = decodeHex(fields[1])
				if err != nil {
					writeLine(rw, "ERROR "+err.Error())
					continue
				}
			}
			ok2, challenge, err := current.ProcessData(data)
			if err != nil {
				writeLine(rw, "REJECTED "+supportedNames(mechanisms))
				current = nil
				continue
			}
			if ok2 {
				authed = true
				writeLine(rw, "OK")
				continue
			}
			writeLine(rw, "DATA "+encodeHex(challenge))

		case "CANCEL":
			current = nil
			writeLine(rw, "REJECTED "+supportedNames(mechanisms))

		case "NEGOTIATE_UNIX_FD":
			negotiatedFDs = true
			writeLine(rw, "AGREE_UNIX_FD")

		case "BEGIN":
			if current == nil || !authed {
				return nil, ErrRejected
			}
			return &Result{Mechanism: current.Name(), UnixFDs: negotiatedFDs}, nil

		case "ERROR":
			writeLine(rw, "REJECTED "+supportedNames(mechanisms))

		default:
			writeLine(rw, "ERROR")
		}
	}
}

// oneByteReader hands out at most one byte per Read, so the bufio.Reader
// Negotiate layers on top never pulls bytes past the BEGIN line.
type oneByteReader struct{ r io.Reader }

func (o oneByteReader) Read(p []byte) (int, error) {
	if len(p) > 1 {
		p = p[:1]
	}
	return o.r.Read(p)
}

func readSASLLine(r *bufio.Reader) ([]byte, error) {
	line, err := r.ReadBytes('\n')
	if err != nil {
		return nil, err
	}
	return bytes.TrimRight(line, "\r\n"), nil
}

func writeLine(w io.Writer, s string) {
	w.Write([]byte(s + "\r\n"))
}

func supportedNames(m map[string]func() Mechanism) string {
	var names []string
	for n := range m {
		names = append(names, n)
	}
	out := ""
	for i, n := range names {
		if i > 0 {
			out += " "
		}
		out += n
	}
	return out
}
