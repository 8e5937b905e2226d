package session

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/giongto35/synthmesh/pkg/api"
	"github.com/giongto35/synthmesh/pkg/logger"
)

// Side tells which part of the offer/answer exchange a session plays.
type Side uint8

const (
	Initiator Side = iota
	Responder
)

func (s Side) String() string {
	if s == Initiator {
		return "initiator"
	}
	return "responder"
}

type State uint8

const (
	Idle State = iota
	OfferSent
	OfferReceived
	AnswerSent
	AnswerReceived
	Connected
	Failed
	Closed
)

var stateNames = [...]string{"idle", "offer-sent", "offer-received", "answer-sent", "answer-received",
	"connected", "failed", "closed"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

func (s State) IsTerminal() bool { return s == Failed || s == Closed }

// Info is a point-in-time copy of a session.
type Info struct {
	Id           string
	Side         Side
	State        State
	Connected    bool
	Pending      int
	Created      time.Time
	LastActivity time.Time
}

// PeerSession is the state of the connection with one remote node.
type PeerSession struct {
	id   string
	side Side
	log  *logger.Logger

	mu        sync.Mutex
	state     State
	neg       Negotiator
	channel   Channel
	remoteSet bool
	// remote candidates which came before the remote description
	pending   []api.Candidate
	opened    bool
	connected bool
	deadline  *time.Timer
	created   time.Time
	activity  time.Time
	// prev is the torn down session this one replaced under the same id
	prev *PeerSession
	// gone is closed once the session has told about its end
	gone chan struct{}

	ops   serial
	ended atomic.Bool
}

func newPeerSession(id string, side Side, log *logger.Logger) *PeerSession {
	now := time.Now()
	return &PeerSession{
		id:       id,
		side:     side,
		log:      log.Peer(api.Short(id)),
		created:  now,
		activity: now,
		gone:     make(chan struct{}),
	}
}

func (s *PeerSession) Id() string { return s.id }
func (s *PeerSession) Side() Side { return s.side }

func (s *PeerSession) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *PeerSession) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *PeerSession) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		Id:           s.id,
		Side:         s.side,
		State:        s.state,
		Connected:    s.connected,
		Pending:      len(s.pending),
		Created:      s.created,
		LastActivity: s.activity,
	}
}

// attach sets the negotiator unless the session is already gone.
func (s *PeerSession) attach(neg Negotiator) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended.Load() {
		return false
	}
	s.neg = neg
	return true
}

// is checks the session is still alive and in the want state.
func (s *PeerSession) is(want State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.ended.Load() && s.state == want
}

// transit moves the session from one state into another.
func (s *PeerSession) transit(from, to State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended.Load() || s.state != from {
		return false
	}
	s.state = to
	return true
}

// remoteApplied marks the remote description as set
// and hands out all the candidates queued before that.
func (s *PeerSession) remoteApplied(to State) ([]api.Candidate, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended.Load() {
		return nil, false
	}
	s.remoteSet = true
	s.state = to
	queue := s.pending
	s.pending = nil
	return queue, true
}

// queue keeps the candidate until the remote description is set.
// Returns false if the candidate can be applied right away.
func (s *PeerSession) queue(c api.Candidate) (queued bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.remoteSet {
		return false
	}
	s.pending = append(s.pending, c)
	return true
}

// settled waits until the replaced session, if any, has told about its end,
// so a peer never looks connected before its previous disconnect.
func (s *PeerSession) settled() {
	s.mu.Lock()
	prev := s.prev
	s.mu.Unlock()
	if prev == nil {
		return
	}
	<-prev.gone
	s.mu.Lock()
	s.prev = nil
	s.mu.Unlock()
}

func (s *PeerSession) touch() {
	s.mu.Lock()
	s.activity = time.Now()
	s.mu.Unlock()
}

// readyChannel returns the channel if the session can carry messages.
func (s *PeerSession) readyChannel() Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected || s.ended.Load() {
		return nil
	}
	return s.channel
}
