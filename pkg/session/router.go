package session

import (
	"github.com/giongto35/synthmesh/pkg/api"
	"github.com/giongto35/synthmesh/pkg/logger"

	"github.com/goccy/go-json"
)

// SendToPeer sends the message to a connected peer.
// The msg param is either raw bytes or a value encoded as JSON.
// Nothing is queued, the message is dropped if the peer is not connected.
func (m *Manager) SendToPeer(id string, msg any) bool {
	s := m.peers.Find(id)
	if s == nil {
		m.log.Debug().Str(logger.PeerField, api.Short(id)).Msg("Send to unknown peer")
		return false
	}
	data, err := encode(msg)
	if err != nil {
		s.log.Error().Err(err).Msg("Couldn't encode the message")
		return false
	}
	return m.write(s, data)
}

// Broadcast sends the message to all the connected peers.
// Returns the number of peers which have got it.
func (m *Manager) Broadcast(msg any) int {
	data, err := encode(msg)
	if err != nil {
		m.log.Error().Err(err).Msg("Couldn't encode the message")
		return 0
	}
	n := 0
	for _, s := range m.peers.values() {
		if s.IsConnected() && m.write(s, data) {
			n++
		}
	}
	return n
}

func (m *Manager) write(s *PeerSession, data []byte) bool {
	ch := s.readyChannel()
	if ch == nil {
		s.log.Debug().Str(logger.DirectionField, logger.Out).Msg("Not connected, message dropped")
		m.metrics.Dropped("not connected")
		return false
	}
	if err := ch.Send(data); err != nil {
		s.log.Warn().Err(err).Str(logger.DirectionField, logger.Out).Msg("Send failed")
		m.metrics.Dropped("send")
		return false
	}
	m.metrics.Out()
	return true
}

func (m *Manager) receive(s *PeerSession, data []byte) {
	s.touch()
	msg, err := api.ParseMessage(data)
	if err != nil {
		s.log.Warn().Err(err).Str(logger.DirectionField, logger.In).Msg("Bad message skipped")
		m.metrics.Dropped("malformed")
		return
	}
	m.metrics.In(string(msg.Type))
	s.log.Trace().Str(logger.DirectionField, logger.In).Msgf("%v", msg.Type)
	m.message(Inbound{Peer: s.id, Message: msg, Raw: data})
}

func encode(msg any) ([]byte, error) {
	switch v := msg.(type) {
	case []byte:
		return v, nil
	case json.RawMessage:
		return v, nil
	}
	return json.Marshal(msg)
}
