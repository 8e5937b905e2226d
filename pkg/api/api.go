// Package api defines the messages exchanged by controller and synth nodes.
//
// Relay (signaling) messages are flat JSON objects discriminated by the type field:
//
//	type   - (required) one of the predefined message types;
//	source - the id of the sending node;
//	target - the id of the receiving node;
//	data   - negotiation payload (session description or ICE candidate).
//
// Discovery messages carry lists or single ids of the other role instead of data.
//
// Example:
//
//	{"type":"offer","source":"c1","target":"s1","data":{"type":"offer","sdp":"v=0..."}}
package api

import (
	"errors"
	"fmt"

	"github.com/goccy/go-json"
)

type MT string

const (
	Register           MT = "register"
	RequestSynths      MT = "request-synths"
	RequestControllers MT = "request-controllers"
	SynthsList         MT = "synths-list"
	ControllersList    MT = "controllers-list"
	SynthJoined        MT = "synth-joined"
	SynthLeft          MT = "synth-left"
	ControllerJoined   MT = "controller-joined"
	ControllerLeft     MT = "controller-left"
	Offer              MT = "offer"
	Answer             MT = "answer"
	Ice                MT = "ice"
)

// IsNegotiation tells if the message belongs to the offer/answer/ice exchange.
func (t MT) IsNegotiation() bool { return t == Offer || t == Answer || t == Ice }

var (
	ErrMalformed = errors.New("malformed")
	ErrNoSource  = fmt.Errorf("%w: no source", ErrMalformed)
)

// Signal is a relay message.
type Signal struct {
	Type         MT              `json:"type"`
	ClientId     string          `json:"client_id,omitempty"`
	Source       string          `json:"source,omitempty"`
	Target       string          `json:"target,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
	Synths       []string        `json:"synths,omitempty"`
	Controllers  []string        `json:"controllers,omitempty"`
	SynthId      string          `json:"synth_id,omitempty"`
	ControllerId string          `json:"controller_id,omitempty"`
}

// Description is a session description in the browser-compatible JSON form.
type Description struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Candidate is a single ICE candidate in the browser-compatible JSON form.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// ParseSignal decodes a relay message. A message without a type is malformed.
func ParseSignal(data []byte) (Signal, error) {
	var s Signal
	if err := json.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if s.Type == "" {
		return s, fmt.Errorf("%w: no type", ErrMalformed)
	}
	return s, nil
}

// Validate checks the fields a negotiation message can't go without.
func (s Signal) Validate() error {
	if !s.Type.IsNegotiation() {
		return nil
	}
	if s.Source == "" || s.Source == "undefined" || s.Source == "null" {
		return ErrNoSource
	}
	if len(s.Data) == 0 || string(s.Data) == "null" {
		return fmt.Errorf("%w: no data", ErrMalformed)
	}
	return nil
}

// Ids returns discovered peer ids of a list or a joined/left message.
func (s Signal) Ids() []string {
	switch s.Type {
	case SynthsList:
		return s.Synths
	case ControllersList:
		return s.Controllers
	case SynthJoined, SynthLeft:
		return nonEmpty(s.SynthId)
	case ControllerJoined, ControllerLeft:
		return nonEmpty(s.ControllerId)
	}
	return nil
}

func nonEmpty(id string) []string {
	if id == "" {
		return nil
	}
	return []string{id}
}

func (s Signal) Description() (d Description, err error) {
	err = unwrap(s.Data, &d)
	if err == nil && d.SDP == "" {
		err = fmt.Errorf("%w: empty sdp", ErrMalformed)
	}
	return
}

func (s Signal) Candidate() (c Candidate, err error) {
	err = unwrap(s.Data, &c)
	return
}

func unwrap(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

func NewRegister(id string) Signal { return Signal{Type: Register, ClientId: id} }

func NewDiscovery(self Role, id string) Signal { return Signal{Type: self.Discovery(), Source: id} }

func NewOffer(source, target string, d Description) (Signal, error) {
	return wrap(Offer, source, target, d)
}

func NewAnswer(source, target string, d Description) (Signal, error) {
	return wrap(Answer, source, target, d)
}

func NewIce(source, target string, c Candidate) (Signal, error) {
	return wrap(Ice, source, target, c)
}

func wrap(t MT, source, target string, v any) (Signal, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return Signal{}, err
	}
	return Signal{Type: t, Source: source, Target: target, Data: b}, nil
}
