// Package client implements the CLI-side half of the tunnel: dialling
// the server, driving the interactive shell frontend, and the local
// port-forward listener.
package client

import (
	"fmt"
	"regexp"

	"atbws/internal/proto"
)

// replPattern matches the `[@]user/name` positional argument: an
// optional leading '@', a username, a slash, and a workspace name.
var replPattern = regexp.MustCompile(`^@?([A-Za-z0-9_.-]+)/([A-Za-z0-9_.-]+)$`)

// Repl identifies a workspace by owner and name, as typed on the
// command line.
type Repl struct {
	User string
	Name string
}

// ParseRepl parses the `[@]user/name` positional argument.
func ParseRepl(s string) (Repl, error) {
	m := replPattern.FindStringSubmatch(s)
	if m == nil {
		return Repl{}, fmt.Errorf("invalid repl %q: expected [@]user/name", s)
	}
	return Repl{User: m[1], Name: m[2]}, nil
}

// Host returns the workspace hostname the tunnel dials. The domain
// scheme is an external-infrastructure detail not fixed by the wire
// protocol; this is the one place it's assumed.
func (r Repl) Host() string {
	return fmt.Sprintf("%s.%s.repl.co", r.Name, r.User)
}

// Connection selects what a tunnel is used for.
type Connection struct {
	Shell bool
	Port  uint16
}

// ToMessage builds the wire ConnectionType message for this selection.
func (c Connection) ToMessage() proto.ConnectionType {
	if c.Shell {
		return proto.ConnectionType{Port: 0}
	}
	return proto.ConnectionType{Port: c.Port}
}

// Settings bundles everything the client connection task
// needs to dial and authenticate a tunnel.
type Settings struct {
	Repl       Repl
	Key        string
	Connection Connection
}
