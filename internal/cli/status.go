// Package cli implements the control socket "busd status" talks to, and
// the client/formatter pair the busd binary's subcommands use to reach
// it: a small JSON-over-HTTP server bound to a Unix domain socket,
// grounded on the control-socket daemon/client split in kryptco-kr's
// src/daemon/control.
package cli

// Status is a point-in-time snapshot of a running daemon, the payload
// behind GET /status.
type Status struct {
	GUID           string `json:"guid"`
	NameCount      int    `json:"name_count"`
	BusToBusCount  int    `json:"bus_to_bus_count"`
	AdvertiseCount int    `json:"advertise_count"`
}

// StatusProvider is whatever running daemon the control server is
// reporting on.
type StatusProvider interface {
	Status() Status
}
