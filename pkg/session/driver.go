package session

import (
	"fmt"
	"time"

	"github.com/giongto35/synthmesh/pkg/api"
	"github.com/giongto35/synthmesh/pkg/logger"
)

// Connect starts a session with the peer as the offering side.
// Does nothing if there is a session with the peer already.
func (m *Manager) Connect(id string) error {
	if m.closed.Load() {
		return ErrClosed
	}
	if id == "" || id == m.id {
		return badPeer(id)
	}
	s, made := m.peers.Create(id, func() *PeerSession { return newPeerSession(id, Initiator, m.log) })
	if !made {
		s.log.Debug().Msg("Already known")
		return nil
	}
	m.metrics.SessionCreated(Initiator.String())
	if m.closed.Load() {
		m.teardown(s, ErrClosed)
		return ErrClosed
	}
	s.log.Info().Str(logger.DirectionField, logger.Out).Msg("Connecting")
	if err := m.startInitiator(s); err != nil {
		m.teardown(s, err)
		return err
	}
	return nil
}

func (m *Manager) startInitiator(s *PeerSession) error {
	neg, err := m.negotiator(s)
	if neg == nil {
		return err
	}
	ch, err := neg.CreateChannel(m.conf.ChannelLabel)
	if err != nil {
		return fmt.Errorf("create channel: %w", err)
	}
	m.bind(s, ch)
	s.ops.Do(func() {
		if !s.is(Idle) || !m.peers.holds(s) {
			return
		}
		offer, err := neg.CreateOffer()
		if err != nil {
			m.teardown(s, fmt.Errorf("create offer: %w", err))
			return
		}
		if err = neg.SetLocalDescription(offer); err != nil {
			m.teardown(s, fmt.Errorf("set local offer: %w", err))
			return
		}
		if !s.transit(Idle, OfferSent) {
			return
		}
		m.signalOut(api.NewOffer(m.id, s.id, offer))
	})
	return nil
}

func (m *Manager) onOffer(sig api.Signal) {
	d, err := sig.Description()
	if err != nil {
		m.drop(sig, "malformed", err)
		return
	}
	s, made := m.peers.Create(sig.Source, func() *PeerSession { return newPeerSession(sig.Source, Responder, m.log) })
	if !made {
		m.drop(sig, "duplicate", nil)
		return
	}
	m.metrics.SessionCreated(Responder.String())
	s.log.Info().Str(logger.DirectionField, logger.In).Msg("Offer")
	if err := m.startResponder(s, d); err != nil {
		m.teardown(s, err)
	}
}

func (m *Manager) startResponder(s *PeerSession, offer api.Description) error {
	neg, err := m.negotiator(s)
	if neg == nil {
		return err
	}
	neg.OnChannel(func(ch Channel) { m.bind(s, ch) })
	if !s.transit(Idle, OfferReceived) {
		return nil
	}
	s.ops.Do(func() {
		if !s.is(OfferReceived) || !m.peers.holds(s) {
			return
		}
		if err := neg.SetRemoteDescription(offer); err != nil {
			m.teardown(s, fmt.Errorf("set remote offer: %w", err))
			return
		}
		queue, ok := s.remoteApplied(OfferReceived)
		if !ok || !m.addCandidates(s, neg, queue) {
			return
		}
		answer, err := neg.CreateAnswer()
		if err != nil {
			m.teardown(s, fmt.Errorf("create answer: %w", err))
			return
		}
		if err = neg.SetLocalDescription(answer); err != nil {
			m.teardown(s, fmt.Errorf("set local answer: %w", err))
			return
		}
		if !s.transit(OfferReceived, AnswerSent) {
			return
		}
		m.signalOut(api.NewAnswer(m.id, s.id, answer))
		m.promote(s)
	})
	return nil
}

func (m *Manager) onAnswer(sig api.Signal) {
	s := m.peers.Find(sig.Source)
	if s == nil {
		m.drop(sig, "no session", nil)
		return
	}
	if s.side != Initiator {
		m.drop(sig, "unexpected", nil)
		return
	}
	d, err := sig.Description()
	if err != nil {
		m.drop(sig, "malformed", err)
		return
	}
	s.ops.Do(func() {
		if !s.is(OfferSent) || !m.peers.holds(s) {
			m.drop(sig, "unexpected", nil)
			return
		}
		neg := s.negotiator()
		if err := neg.SetRemoteDescription(d); err != nil {
			m.teardown(s, fmt.Errorf("set remote answer: %w", err))
			return
		}
		queue, ok := s.remoteApplied(AnswerReceived)
		if !ok || !m.addCandidates(s, neg, queue) {
			return
		}
		m.promote(s)
	})
}

// onIce applies remote candidates strictly after the remote description.
// Candidates which come earlier wait in the session.
func (m *Manager) onIce(sig api.Signal) {
	s := m.peers.Find(sig.Source)
	if s == nil {
		m.drop(sig, "no session", nil)
		return
	}
	c, err := sig.Candidate()
	if err != nil {
		m.drop(sig, "malformed", err)
		return
	}
	if s.queue(c) {
		s.log.Trace().Msg("ICE queued")
		return
	}
	s.ops.Do(func() {
		if s.ended.Load() {
			return
		}
		m.addCandidates(s, s.negotiator(), []api.Candidate{c})
	})
}

func (m *Manager) addCandidates(s *PeerSession, neg Negotiator, cs []api.Candidate) bool {
	for _, c := range cs {
		if s.ended.Load() {
			return false
		}
		if err := neg.AddCandidate(c); err != nil {
			m.teardown(s, fmt.Errorf("add candidate: %w", err))
			return false
		}
	}
	return true
}

// negotiator makes a new negotiator for the session.
// It returns nil if the session is gone in the meantime.
func (m *Manager) negotiator(s *PeerSession) (Negotiator, error) {
	neg, err := m.factory.NewNegotiator()
	if err != nil {
		return nil, fmt.Errorf("negotiator: %w", err)
	}
	if !s.attach(neg) {
		_ = neg.Close()
		return nil, nil
	}
	// local candidates go after the description,
	// they can't be gathered before it has been set in the same queue
	neg.OnCandidate(func(c api.Candidate) {
		s.ops.Do(func() {
			if s.ended.Load() {
				return
			}
			m.signalOut(api.NewIce(m.id, s.id, c))
		})
	})
	neg.OnFailure(func(err error) { m.teardown(s, fmt.Errorf("connection: %w", err)) })
	if t := m.conf.NegotiationTimeout; t > 0 {
		s.arm(t, func() {
			if !s.IsConnected() {
				m.teardown(s, ErrTimeout)
			}
		})
	}
	return neg, nil
}

func (m *Manager) signalOut(sig api.Signal, err error) {
	if err != nil {
		m.log.Error().Err(err).Msgf("Couldn't make [%v]", sig.Type)
		return
	}
	if !m.signal.Send(sig) {
		m.metrics.Dropped("relay")
		m.log.Warn().
			Str(logger.DirectionField, logger.Out).
			Str(logger.PeerField, api.Short(sig.Target)).
			Msgf("Relay is down, [%v] is lost", sig.Type)
		return
	}
	m.log.Trace().Str(logger.DirectionField, logger.Out).Str(logger.PeerField, api.Short(sig.Target)).Msgf("%v", sig.Type)
}

func (s *PeerSession) negotiator() Negotiator {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.neg
}

// arm starts the negotiation deadline timer.
func (s *PeerSession) arm(t time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended.Load() {
		return
	}
	s.deadline = time.AfterFunc(t, fn)
}
