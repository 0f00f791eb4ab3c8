// Package permission implements the allow-pattern policy that authorizes
// transport operations. A Policy maps actor roles to pattern sets and may
// carry origin-based overrides that replace the role set entirely for
// matching origins.
//
// Pattern precedence, per list: a literal "*" allows every message type,
// then exact string equality, then the prefix form "prefix:*" which matches
// any type beginning with "prefix:". No other wildcard forms are supported.
//
// Origin overrides are declared as an ordered slice, not a map: when more
// than one override pattern matches an origin, the first declared wins.
// Declaration order is the documented precedence.
package permission

import (
	"fmt"
	"strings"
)

// Operation identifies what an actor is trying to do with a message type.
type Operation string

// Supported operations.
const (
	OpSend      Operation = "send"
	OpHandle    Operation = "handle"
	OpBroadcast Operation = "broadcast"
)

// ReasonBroadcastNotAllowed is the decision reason when a set's Broadcast
// flag is false, regardless of its pattern lists.
const ReasonBroadcastNotAllowed = "BroadcastNotAllowed"

// Actor identifies the principal attempting an operation.
type Actor struct {
	// Role selects the role-based pattern set, e.g. "content", "sidebar".
	Role string `json:"role"`

	// Origin optionally identifies where the actor runs, e.g. a URL or
	// endpoint name. Used only for origin-override matching.
	Origin string `json:"origin,omitempty"`
}

// Set holds the allow-pattern lists for one role or origin.
type Set struct {
	// CanSend lists message-type patterns the actor may send as requests
	// or publish as events.
	CanSend []string `json:"canSend,omitempty"`

	// CanHandle lists message-type patterns the actor may receive and
	// dispatch to local handlers.
	CanHandle []string `json:"canHandle,omitempty"`

	// CanBroadcast gates fan-out broadcast. When false, broadcast is
	// rejected regardless of the pattern lists. Broadcast message types
	// are matched against CanSend.
	CanBroadcast bool `json:"canBroadcast,omitempty"`
}

// OriginOverride replaces the role-based set for actors whose origin matches
// Pattern. Patterns use the same wildcard rules as message-type patterns.
type OriginOverride struct {
	Pattern string `json:"pattern"`
	Set     Set    `json:"set"`
}

// Policy is the complete authorization policy for one transport.
type Policy struct {
	// Roles maps actor role to its pattern set.
	Roles map[string]Set `json:"roles,omitempty"`

	// OriginOverrides is evaluated in declaration order; the first pattern
	// matching the actor's origin replaces the role set for that check.
	OriginOverrides []OriginOverride `json:"originOverrides,omitempty"`

	// AllowUndefined is the decision for actors whose role has no set and
	// no matching origin override.
	AllowUndefined bool `json:"allowUndefined,omitempty"`
}

// Decision is the outcome of a permission check. Reason is populated only
// on rejection.
type Decision struct {
	Allowed bool
	Reason  string
}

// Check evaluates whether the actor may perform op on msgType. It never
// returns an error: unknown roles fall back to AllowUndefined.
func (p *Policy) Check(msgType string, actor Actor, op Operation) Decision {
	set, found := p.lookup(actor)
	if !found {
		if p.AllowUndefined {
			return Decision{Allowed: true}
		}
		return Decision{
			Allowed: false,
			Reason:  fmt.Sprintf("no permission set for role %q", actor.Role),
		}
	}

	if op == OpBroadcast && !set.CanBroadcast {
		return Decision{Allowed: false, Reason: ReasonBroadcastNotAllowed}
	}

	var patterns []string
	switch op {
	case OpHandle:
		patterns = set.CanHandle
	default:
		// OpSend and OpBroadcast both match against the send list.
		patterns = set.CanSend
	}

	if matchAny(patterns, msgType) {
		return Decision{Allowed: true}
	}

	return Decision{
		Allowed: false,
		Reason:  fmt.Sprintf("role %q may not %s message type %q", actor.Role, op, msgType),
	}
}

// lookup resolves the effective set for an actor: the first origin override
// whose pattern matches the actor's origin wins outright, otherwise the
// role-based set applies.
func (p *Policy) lookup(actor Actor) (Set, bool) {
	if actor.Origin != "" {
		for _, override := range p.OriginOverrides {
			if Match(override.Pattern, actor.Origin) {
				return override.Set, true
			}
		}
	}

	set, ok := p.Roles[actor.Role]
	return set, ok
}

// Match reports whether a single pattern matches the value under the
// supported wildcard rules.
func Match(pattern, value string) bool {
	if pattern == "*" {
		return true
	}
	if pattern == value {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, ":*"); ok {
		return strings.HasPrefix(value, prefix+":")
	}
	return false
}

func matchAny(patterns []string, value string) bool {
	// Literal "*" takes precedence over the other forms; scanning the list
	// once covers all three rules because each pattern is self-describing.
	for _, pattern := range patterns {
		if Match(pattern, value) {
			return true
		}
	}
	return false
}
