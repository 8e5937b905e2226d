// Package session manages the peer connections of a node.
//
// Every remote node gets at most one session which goes through
// the offer/answer exchange over the relay until its data channel is open:
//
//	initiator: idle -> offer-sent -> answer-received -> connected
//	responder: idle -> offer-received -> answer-sent -> connected
//
// Any failure, channel close or explicit disconnect moves
// the session into the failed or closed state and removes it.
// A new session can be made for the same node afterwards.
package session

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/giongto35/synthmesh/pkg/api"
	"github.com/giongto35/synthmesh/pkg/config"
	"github.com/giongto35/synthmesh/pkg/logger"
	"github.com/giongto35/synthmesh/pkg/monitoring"
)

var (
	ErrNoSession     = errors.New("no session")
	ErrNotConnected  = errors.New("not connected")
	ErrClosed        = errors.New("closed")
	ErrBadPeer       = errors.New("bad peer id")
	ErrTimeout       = errors.New("negotiation timeout")
	ErrPeerLeft      = errors.New("peer left")
	ErrChannelClosed = errors.New("channel closed")
)

// Inbound is a message received from a connected peer.
type Inbound struct {
	Peer string
	api.Message
	// Raw is the message as it came from the channel.
	Raw []byte
}

// Manager keeps the sessions of a node with all the peers of the opposite role.
//
// The handlers are called one at a time from a single goroutine,
// so for any peer they see connect, messages and disconnect in that order.
type Manager struct {
	id      string
	role    api.Role
	conf    config.Session
	peers   *Registry
	factory Factory
	signal  Signaler
	log     *logger.Logger
	metrics *monitoring.Metrics

	events serial
	closed atomic.Bool

	mu           sync.RWMutex
	onConnect    func(peer string)
	onDisconnect func(peer string, err error)
	onMessage    func(Inbound)
}

func NewManager(id string, role api.Role, conf config.Session, factory Factory, signal Signaler, log *logger.Logger) *Manager {
	if conf.ChannelLabel == "" {
		conf.ChannelLabel = "data"
	}
	return &Manager{
		id:      id,
		role:    role,
		conf:    conf,
		peers:   NewRegistry(),
		factory: factory,
		signal:  signal,
		log:     log.Tag("session"),
	}
}

func (m *Manager) WithMetrics(metrics *monitoring.Metrics) *Manager { m.metrics = metrics; return m }

func (m *Manager) Id() string         { return m.id }
func (m *Manager) Role() api.Role     { return m.role }

func (m *Manager) OnPeerConnected(fn func(peer string)) {
	m.mu.Lock()
	m.onConnect = fn
	m.mu.Unlock()
}

// OnPeerDisconnected sets the handler of removed sessions.
// The err param is the cause, nil when the session was closed locally.
func (m *Manager) OnPeerDisconnected(fn func(peer string, err error)) {
	m.mu.Lock()
	m.onDisconnect = fn
	m.mu.Unlock()
}

func (m *Manager) OnMessage(fn func(Inbound)) {
	m.mu.Lock()
	m.onMessage = fn
	m.mu.Unlock()
}

// Dispatch handles a relay message.
func (m *Manager) Dispatch(sig api.Signal) {
	if m.closed.Load() {
		return
	}
	switch {
	case sig.Type.IsNegotiation():
		if err := sig.Validate(); err != nil {
			m.drop(sig, "malformed", err)
			return
		}
		if sig.Target != "" && sig.Target != m.id {
			m.drop(sig, "misrouted", nil)
			return
		}
		if sig.Source == m.id {
			m.drop(sig, "loop", nil)
			return
		}
		switch sig.Type {
		case api.Offer:
			m.onOffer(sig)
		case api.Answer:
			m.onAnswer(sig)
		case api.Ice:
			m.onIce(sig)
		}
	case m.role.Discovers(sig.Type):
		if !m.role.Offers() {
			return
		}
		for _, id := range sig.Ids() {
			if id == m.id {
				continue
			}
			if err := m.Connect(id); err != nil {
				m.log.Warn().Err(err).Str(logger.PeerField, api.Short(id)).Msg("Couldn't connect")
			}
		}
	case m.role.Departs(sig.Type):
		for _, id := range sig.Ids() {
			s := m.peers.Find(id)
			if s == nil {
				continue
			}
			// closing a negotiator may take a while, the relay reader must not wait for it
			if e := m.end(s, ErrPeerLeft); e != nil {
				go m.release(e)
			}
		}
	default:
		m.log.Debug().Msgf("Skipped relay message [%v]", sig.Type)
	}
}

// Disconnect closes the session with the peer.
// Returns false if there was no session.
func (m *Manager) Disconnect(id string) bool {
	s := m.peers.Find(id)
	if s == nil {
		return false
	}
	return m.teardown(s, nil)
}

// Close tears down all the sessions, the manager is not usable after that.
func (m *Manager) Close() {
	if !m.closed.CompareAndSwap(false, true) {
		return
	}
	for _, s := range m.peers.values() {
		m.teardown(s, ErrClosed)
	}
	m.log.Debug().Msg("Closed")
}

// ConnectedPeers returns sorted ids of the peers with an open channel.
func (m *Manager) ConnectedPeers() []string { return m.peers.Connected() }

// Peers returns a copy of all the sessions.
func (m *Manager) Peers() []Info { return m.peers.Infos() }

func (m *Manager) IsConnected(id string) bool {
	s := m.peers.Find(id)
	return s != nil && s.IsConnected()
}

func (m *Manager) drop(sig api.Signal, reason string, err error) {
	m.metrics.Dropped(reason)
	ev := m.log.Debug()
	if err != nil {
		ev = m.log.Warn().Err(err)
	}
	ev.Str(logger.DirectionField, logger.In).
		Str(logger.PeerField, api.Short(sig.Source)).
		Msgf("Dropped [%v], %v", sig.Type, reason)
}

func (m *Manager) connected(id string) {
	m.events.Do(func() {
		m.mu.RLock()
		fn := m.onConnect
		m.mu.RUnlock()
		if fn != nil {
			m.safe(func() { fn(id) })
		}
	})
}

func (m *Manager) disconnected(id string, err error) {
	m.events.Do(func() {
		m.mu.RLock()
		fn := m.onDisconnect
		m.mu.RUnlock()
		if fn != nil {
			m.safe(func() { fn(id, err) })
		}
	})
}

func (m *Manager) message(in Inbound) {
	m.events.Do(func() {
		m.mu.RLock()
		fn := m.onMessage
		m.mu.RUnlock()
		if fn != nil {
			m.safe(func() { fn(in) })
		}
	})
}

// safe keeps handler panics away from the event loop.
func (m *Manager) safe(fn func()) {
	defer func() {
		if err := recover(); err != nil {
			m.log.Error().Msgf("handler panic: %v", err)
		}
	}()
	fn()
}

func reasonOf(err error) string {
	switch {
	case err == nil:
		return "closed"
	case errors.Is(err, ErrPeerLeft):
		return "left"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrChannelClosed):
		return "channel"
	case errors.Is(err, ErrClosed):
		return "shutdown"
	}
	return "failed"
}

func isFailure(err error) bool {
	switch reasonOf(err) {
	case "failed", "timeout":
		return true
	}
	return false
}

func badPeer(id string) error { return fmt.Errorf("%w: %q", ErrBadPeer, id) }
