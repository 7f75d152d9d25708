// Package matchrule decodes and evaluates DBus match rules: the boolean
// predicates clients register via AddMatch/RemoveMatch that the router
// consults when fanning a broadcast out to an endpoint's rule table.
package matchrule

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/alljoyn-go/busd/internal/wire"
)

// Rule is a decoded match rule. Zero-valued fields are wildcards: an empty
// Interface matches any interface, a zero SessionID matches any session,
// and so on. Unlike stock DBus, this bus also matches on SessionID so
// session-scoped broadcasts can be filtered the same way interface/member
// ones are.
type Rule struct {
	Type      wire.Type
	Sender    string
	Path      wire.ObjectPath
	PathNS    string // path_namespace, matches path and any descendant
	Interface string
	Member    string
	Arg0      string
	SessionID uint32
	HasType   bool
}

// Parse decodes a DBus match-rule string, e.g.
// "type='signal',interface='org.alljoyn.Bus',member='ExchangeNames'".
func Parse(spec string) (Rule, error) {
	var r Rule
	for _, kv := range splitTopLevel(spec) {
		kv = strings.TrimSpace(kv)
		if kv == "" {
			continue
		}
		eq := strings.IndexByte(kv, '=')
		if eq < 0 {
			return Rule{}, fmt.Errorf("matchrule: malformed clause %q", kv)
		}
		key := strings.TrimSpace(kv[:eq])
		val := strings.TrimSpace(kv[eq+1:])
		val = strings.Trim(val, "'")

		switch key {
		case "type":
			t, err := parseType(val)
			if err != nil {
				return Rule{}, err
			}
			r.Type = t
			r.HasType = true
		case "sender":
			r.Sender = val
		case "path":
			r.Path = wire.ObjectPath(val)
		case "path_namespace":
			r.PathNS = val
		case "interface":
			r.Interface = val
		case "member":
			r.Member = val
		case "arg0":
			r.Arg0 = val
		case "session":
			n, err := strconv.ParseUint(val, 10, 32)
			if err != nil {
				return Rule{}, fmt.Errorf("matchrule: bad session id %q: %w", val, err)
			}
			r.SessionID = uint32(n)
		case "destination", "eavesdrop":
			// Accepted but not filtered on: destination-addressed
			// messages never reach rule-table fan-out in the
			// first place, and eavesdrop is a policy decision.
		default:
			return Rule{}, fmt.Errorf("matchrule: unknown key %q", key)
		}
	}
	return r, nil
}

func parseType(s string) (wire.Type, error) {
	switch s {
	case "signal":
		return wire.TypeSignal, nil
	case "method_call":
		return wire.TypeMethodCall, nil
	case "method_return":
		return wire.TypeMethodReturn, nil
	case "error":
		return wire.TypeError, nil
	}
	return wire.TypeInvalid, fmt.Errorf("matchrule: unknown type %q", s)
}

// splitTopLevel splits on commas that are not inside a quoted value.
func splitTopLevel(s string) []string {
	var out []string
	inQuote := false
	start := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\'':
			inQuote = !inQuote
		case ',':
			if !inQuote {
				out = append(out, s[start:i])
				start = i + 1
			}
		}
	}
	out = append(out, s[start:])
	return out
}

// Match reports whether msg satisfies r. arg0 is the message's first body
// argument if it is a string, passed in separately since extracting it
// requires the caller to already have unmarshalled the body.
func (r Rule) Match(msg *wire.Message, arg0 string) bool {
	if r.HasType && r.Type != msg.Type {
		return false
	}
	if r.Sender != "" && r.Sender != msg.Sender {
		return false
	}
	if r.Path != "" && r.Path != msg.Path {
		return false
	}
	if r.PathNS != "" && !pathUnderNamespace(msg.Path, r.PathNS) {
		return false
	}
	if r.Interface != "" && r.Interface != msg.Interface {
		return false
	}
	if r.Member != "" && r.Member != msg.Member {
		return false
	}
	if r.Arg0 != "" && r.Arg0 != arg0 {
		return false
	}
	if r.SessionID != 0 && r.SessionID != msg.SessionID {
		return false
	}
	return true
}

func pathUnderNamespace(path wire.ObjectPath, ns string) bool {
	p := string(path)
	if p == ns {
		return true
	}
	return strings.HasPrefix(p, ns+"/")
}

// String renders r back to DBus match-rule syntax, the form used by
// ListActivatableNames-style introspection and logging.
func (r Rule) String() string {
	var parts []string
	if r.HasType {
		parts = append(parts, fmt.Sprintf("type='%s'", r.Type))
	}
	if r.Sender != "" {
		parts = append(parts, fmt.Sprintf("sender='%s'", r.Sender))
	}
	if r.Path != "" {
		parts = append(parts, fmt.Sprintf("path='%s'", r.Path))
	}
	if r.PathNS != "" {
		parts = append(parts, fmt.Sprintf("path_namespace='%s'", r.PathNS))
	}
	if r.Interface != "" {
		parts = append(parts, fmt.Sprintf("interface='%s'", r.Interface))
	}
	if r.Member != "" {
		parts = append(parts, fmt.Sprintf("member='%s'", r.Member))
	}
	if r.Arg0 != "" {
		parts = append(parts, fmt.Sprintf("arg0='%s'", r.Arg0))
	}
	if r.SessionID != 0 {
		parts = append(parts, fmt.Sprintf("session='%d'", r.SessionID))
	}
	return strings.Join(parts, ",")
}
