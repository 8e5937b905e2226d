package webrtc

import (
	"errors"
	"sync"

	"github.com/giongto35/synthmesh/pkg/api"
	"github.com/giongto35/synthmesh/pkg/logger"
	"github.com/giongto35/synthmesh/pkg/session"
	"github.com/pion/webrtc/v4"
)

var (
	ErrConnectionFailed = errors.New("peer connection failed")
	ErrConnectionClosed = errors.New("peer connection closed")
)

// Peer is a pion peer connection with a single data channel.
type Peer struct {
	conn *webrtc.PeerConnection
	log  *logger.Logger

	mu        sync.Mutex
	onFailure func(error)
	failed    bool
}

func newPeer(conn *webrtc.PeerConnection, log *logger.Logger) *Peer {
	p := &Peer{conn: conn, log: log}
	conn.OnConnectionStateChange(p.handleState)
	conn.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		p.log.Debug().Str(".state", state.String()).Msg("ICE")
	})
	return p
}

func (p *Peer) CreateOffer() (api.Description, error) {
	offer, err := p.conn.CreateOffer(nil)
	if err != nil {
		return api.Description{}, err
	}
	return fromPion(offer), nil
}

func (p *Peer) CreateAnswer() (api.Description, error) {
	answer, err := p.conn.CreateAnswer(nil)
	if err != nil {
		return api.Description{}, err
	}
	return fromPion(answer), nil
}

func (p *Peer) SetLocalDescription(d api.Description) error {
	return p.conn.SetLocalDescription(toPion(d))
}

func (p *Peer) SetRemoteDescription(d api.Description) error {
	if err := p.conn.SetRemoteDescription(toPion(d)); err != nil {
		p.log.Error().Err(err).Msg("Set remote description from peer failed")
		return err
	}
	p.log.Debug().Msg("Set Remote Description")
	return nil
}

func (p *Peer) AddCandidate(c api.Candidate) error {
	err := p.conn.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	})
	if err != nil {
		return err
	}
	p.log.Trace().Str("candidate", c.Candidate).Msg("Ice")
	return nil
}

// CreateChannel makes an ordered not negotiated data channel.
func (p *Peer) CreateChannel(label string) (session.Channel, error) {
	ordered := true
	ch, err := p.conn.CreateDataChannel(label, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return nil, err
	}
	return newChannel(ch), nil
}

func (p *Peer) OnChannel(fn func(session.Channel)) {
	p.conn.OnDataChannel(func(ch *webrtc.DataChannel) {
		p.log.Debug().Str("label", ch.Label()).Msg("Remote data channel")
		fn(newChannel(ch))
	})
}

func (p *Peer) OnCandidate(fn func(api.Candidate)) {
	p.conn.OnICECandidate(func(ice *webrtc.ICECandidate) {
		// ICE gathering finish condition
		if ice == nil {
			p.log.Debug().Msg("ICE gathering was complete probably")
			return
		}
		c := ice.ToJSON()
		fn(api.Candidate{
			Candidate:        c.Candidate,
			SDPMid:           c.SDPMid,
			SDPMLineIndex:    c.SDPMLineIndex,
			UsernameFragment: c.UsernameFragment,
		})
	})
}

func (p *Peer) OnFailure(fn func(error)) {
	p.mu.Lock()
	p.onFailure = fn
	p.mu.Unlock()
}

func (p *Peer) Close() error {
	if p.conn.ConnectionState() == webrtc.PeerConnectionStateClosed {
		return nil
	}
	return p.conn.Close()
}

// handleState reports only terminal states,
// disconnected may still recover into connected.
func (p *Peer) handleState(state webrtc.PeerConnectionState) {
	p.log.Debug().Str(".state", state.String()).Msg("Connection")
	var err error
	switch state {
	case webrtc.PeerConnectionStateFailed:
		p.log.Warn().Msgf("WebRTC connection fail! ice: %v, gathering: %v, signalling: %v",
			p.conn.ICEConnectionState(), p.conn.ICEGatheringState(), p.conn.SignalingState())
		err = ErrConnectionFailed
	case webrtc.PeerConnectionStateClosed:
		err = ErrConnectionClosed
	default:
		return
	}
	p.mu.Lock()
	fn, first := p.onFailure, !p.failed
	p.failed = true
	p.mu.Unlock()
	if fn != nil && first {
		fn(err)
	}
}

func fromPion(d webrtc.SessionDescription) api.Description {
	return api.Description{Type: d.Type.String(), SDP: d.SDP}
}

func toPion(d api.Description) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.NewSDPType(d.Type), SDP: d.SDP}
}
