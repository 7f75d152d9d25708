// Package policy models the bus's access-control decision as a pure
// predicate, deliberately stopping short of any configuration-file
// format: parsing policy XML/INI is a host-integration concern outside
// this module's scope, not something the router needs to know about.
package policy

import "github.com/alljoyn-go/busd/internal/wire"

// Credentials identifies the process on one side of a policy check.
type Credentials struct {
	UID int
	GID int
}

// Predicate decides whether a message may pass between a sender and an
// (optional) receiver. Receiver is the zero value for sender-side checks
// and rule-table fan-out against a destination-less message.
type Predicate func(msg *wire.Message, sender Credentials, receiver *Credentials) bool

// AllowAll is the default predicate: every message passes. Bus
// deployments that need restriction supply their own Predicate built
// from whatever configuration mechanism they prefer.
func AllowAll(msg *wire.Message, sender Credentials, receiver *Credentials) bool {
	return true
}

// Engine wraps the two predicates the router needs: one for ordinary
// delivery, one for eavesdropping (rule-table fan-out against messages
// not addressed to the listening endpoint).
type Engine struct {
	Deliver   Predicate
	Eavesdrop Predicate
}

// NewAllowAllEngine returns an Engine that permits everything, the
// default until a deployment wires in its own predicates.
func NewAllowAllEngine() *Engine {
	return &Engine{Deliver: AllowAll, Eavesdrop: AllowAll}
}

// CheckDeliver runs the delivery predicate, defaulting to allow if none
// was configured.
func (e *Engine) CheckDeliver(msg *wire.Message, sender Credentials, receiver *Credentials) bool {
	if e == nil || e.Deliver == nil {
		return true
	}
	return e.Deliver(msg, sender, receiver)
}

// CheckEavesdrop runs the eavesdrop predicate.
func (e *Engine) CheckEavesdrop(msg *wire.Message, sender Credentials, receiver *Credentials) bool {
	if e == nil || e.Eavesdrop == nil {
		return true
	}
	return e.Eavesdrop(msg, sender, receiver)
}
