package auth

import (
	"errors"
	"strconv"
)

// External implements the server side of the EXTERNAL mechanism: the
// client's initial response is its uid (decimal, hex-encoded on the
// wire); the server checks it against the uid presented by the kernel
// for the connecting socket (PeerUID), which the caller obtains via
// SO_PEERCRED/LOCAL_PEERCRED before starting the handshake.
type External struct {
	// PeerUID is the uid the transport observed for the connecting
	// peer. A zero value with AllowAnyUID unset accepts only uid 0.
	PeerUID     int
	AllowAnyUID bool

	authorizedUID int
}

func (e *External) Name() string { return "EXTERNAL" }

func (e *External) Authorize(initialResponse []byte) (bool, []byte, error) {
	if len(initialResponse) == 0 {
		// Some clients send the uid via a DATA line instead of on
		// the initial AUTH line; ask for it.
		return false, nil, nil
	}
	uid, err := strconv.Atoi(string(initialResponse))
	if err != nil {
		return false, nil, errors.New("auth: malformed EXTERNAL uid")
	}
	if !e.AllowAnyUID && uid != e.PeerUID {
		return false, nil, errors.New("auth: EXTERNAL uid mismatch")
	}
	e.authorizedUID = uid
	return true, nil, nil
}

func (e *External) ProcessData(data []byte) (bool, []byte, error) {
	return e.Authorize(data)
}

// AuthorizedUID returns the uid accepted by a completed handshake.
func (e *External) AuthorizedUID() int { return e.authorizedUID }
