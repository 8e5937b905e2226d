package session

import (
	"fmt"

	"github.com/giongto35/synthmesh/pkg/logger"
)

// bind makes the channel the message channel of the session.
// A session keeps just one channel, extra ones are closed.
func (m *Manager) bind(s *PeerSession, ch Channel) {
	s.mu.Lock()
	if s.ended.Load() || s.channel != nil {
		s.mu.Unlock()
		s.log.Debug().Msgf("Extra channel [%v] closed", ch.Label())
		_ = ch.Close()
		return
	}
	s.channel = ch
	s.mu.Unlock()

	ch.OnOpen(func() {
		s.mu.Lock()
		s.opened = true
		s.mu.Unlock()
		s.log.Debug().Msgf("Channel [%v] is open", ch.Label())
		m.promote(s)
	})
	ch.OnClose(func() { m.teardown(s, ErrChannelClosed) })
	ch.OnError(func(err error) {
		s.log.Warn().Err(err).Msg("Channel error")
		m.teardown(s, fmt.Errorf("channel: %w", err))
	})
	ch.OnMessage(func(data []byte) { m.receive(s, data) })
}

// promote marks the session connected once both the remote description
// has been applied and the channel is open, whatever came first.
func (m *Manager) promote(s *PeerSession) {
	s.settled()
	s.mu.Lock()
	ready := !s.ended.Load() && !s.connected && s.opened && s.remoteSet &&
		(s.state == AnswerReceived || s.state == AnswerSent)
	if ready {
		s.state = Connected
		s.connected = true
		if s.deadline != nil {
			s.deadline.Stop()
			s.deadline = nil
		}
		m.metrics.PeerConnected()
		// queued under the lock so no disconnect can go before it
		m.connected(s.id)
	}
	s.mu.Unlock()
	if ready {
		s.log.Info().Msg("Connected")
	}
}

// teardown is the only way a session ends.
// It releases everything the session holds, removes it from the registry
// and tells about the disconnect, just once, no matter how many times called.
func (m *Manager) teardown(s *PeerSession, cause error) bool {
	e := m.end(s, cause)
	if e == nil {
		return false
	}
	m.release(e)
	return true
}

// ending is a session which has reached its terminal state
// but still holds its channel and negotiator.
type ending struct {
	s            *PeerSession
	cause        error
	final        State
	wasConnected bool
	ch           Channel
	neg          Negotiator
}

// end moves the session into its terminal state, nil if it has ended before.
// From this moment the registry lets a new session in under the same id.
func (m *Manager) end(s *PeerSession, cause error) *ending {
	if !s.ended.CompareAndSwap(false, true) {
		return nil
	}
	e := &ending{s: s, cause: cause, final: Closed}
	if isFailure(cause) {
		e.final = Failed
	}

	s.mu.Lock()
	e.wasConnected = s.connected
	s.connected = false
	s.state = e.final
	e.ch, e.neg = s.channel, s.neg
	timer := s.deadline
	s.deadline = nil
	s.pending = nil
	s.mu.Unlock()

	s.ops.Close()
	if timer != nil {
		timer.Stop()
	}
	return e
}

// release closes the channel and the negotiator of the ended session
// before taking it out of the registry.
func (m *Manager) release(e *ending) {
	s := e.s
	if e.ch != nil {
		_ = e.ch.Close()
	}
	if e.neg != nil {
		if err := e.neg.Close(); err != nil {
			s.log.Debug().Err(err).Msg("negotiator close")
		}
	}
	m.peers.remove(s)

	reason := reasonOf(e.cause)
	m.metrics.SessionRemoved(reason, e.wasConnected)
	if m.peers.Find(s.id) == nil {
		m.metrics.Forget(s.id)
	}
	ev := s.log.Info()
	if e.final == Failed {
		ev = s.log.Warn().Err(e.cause)
	}
	ev.Str(logger.DirectionField, logger.Close).Msgf("Disconnected, %v", reason)

	m.disconnected(s.id, e.cause)
	close(s.gone)
}
