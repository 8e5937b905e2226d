package session

import "github.com/giongto35/synthmesh/pkg/api"

// Negotiator is the peer connection side of a session.
// Calls may block for a while, the session makes them one at a time.
// Callbacks can be invoked from any goroutine.
type Negotiator interface {
	CreateOffer() (api.Description, error)
	CreateAnswer() (api.Description, error)
	SetLocalDescription(api.Description) error
	SetRemoteDescription(api.Description) error
	AddCandidate(api.Candidate) error
	// CreateChannel opens a new ordered data channel, used by the offering side.
	CreateChannel(label string) (Channel, error)
	// OnChannel is called when the remote side opens a data channel.
	OnChannel(func(Channel))
	// OnCandidate is called for every gathered local ICE candidate.
	OnCandidate(func(api.Candidate))
	// OnFailure is called when the connection is lost or can't be made.
	OnFailure(func(error))
	Close() error
}

// Channel is a bidirectional ordered message channel over the connection.
type Channel interface {
	Label() string
	Send(data []byte) error
	OnOpen(func())
	OnClose(func())
	OnError(func(error))
	OnMessage(func(data []byte))
	Close() error
}

// Factory makes a new negotiator for each session.
type Factory interface {
	NewNegotiator() (Negotiator, error)
}

type FactoryFunc func() (Negotiator, error)

func (f FactoryFunc) NewNegotiator() (Negotiator, error) { return f() }

// Signaler is the relay side of a session.
// Send returns false if the message could not be queued.
type Signaler interface {
	Send(api.Signal) bool
}
