package api

import "fmt"

// Role is the kind of node in the mesh.
type Role string

const (
	Controller Role = "controller"
	Synth      Role = "synth"
)

func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case Controller, Synth:
		return Role(s), nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// Other returns the complementary role a node connects to.
func (r Role) Other() Role {
	if r == Controller {
		return Synth
	}
	return Controller
}

// Discovery returns the list request type a node of this role sends after registration.
func (r Role) Discovery() MT {
	if r == Controller {
		return RequestSynths
	}
	return RequestControllers
}

// Offers tells if the node of this role makes offers to newly discovered peers.
// Controllers dial synths, synths only answer.
func (r Role) Offers() bool { return r == Controller }

// Discovers tells if the message announces peers of the complementary role.
func (r Role) Discovers(t MT) bool {
	if r == Controller {
		return t == SynthsList || t == SynthJoined
	}
	return t == ControllersList || t == ControllerJoined
}

// Departs tells if the message announces a departure of a complementary role peer.
func (r Role) Departs(t MT) bool {
	if r == Controller {
		return t == SynthLeft
	}
	return t == ControllerLeft
}

func (r Role) String() string { return string(r) }
