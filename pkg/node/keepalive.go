package node

import (
	"context"
	"time"

	"github.com/giongto35/synthmesh/pkg/api"
	"github.com/giongto35/synthmesh/pkg/logger"
)

// keepalive pings connected peers and disconnects the silent ones.
func (n *Node) keepalive(ctx context.Context) {
	defer close(n.done)

	var ping, sweep <-chan time.Time
	if d := n.conf.PingInterval; d > 0 {
		t := time.NewTicker(d)
		defer t.Stop()
		ping = t.C
	}
	if d := n.conf.IdleTimeout; d > 0 {
		t := time.NewTicker(max(d/2, 10*time.Millisecond))
		defer t.Stop()
		sweep = t.C
	}
	for {
		select {
		case <-ping:
			n.peers.Broadcast(api.NewPing())
		case <-sweep:
			n.sweep(n.conf.IdleTimeout)
		case <-ctx.Done():
			return
		}
	}
}

func (n *Node) sweep(idle time.Duration) {
	now := time.Now()
	for _, p := range n.peers.Peers() {
		if !p.Connected || now.Sub(p.LastActivity) < idle {
			continue
		}
		n.log.Info().Str(logger.PeerField, api.Short(p.Id)).Msgf("No messages for %v, disconnecting", idle)
		n.peers.Disconnect(p.Id)
	}
}

// pong records the round trip of one of our pings.
func (n *Node) pong(peer string, m api.Message) {
	if m.PingTimestamp <= 0 {
		return
	}
	rtt := max(api.Now()-m.PingTimestamp, 0)
	n.latency.Put(peer, time.Duration(rtt)*time.Millisecond)
	n.metrics.Latency(peer, rtt)
	n.log.Trace().Str(logger.PeerField, api.Short(peer)).Msgf("rtt %vms, one way %vms", rtt, m.Latency)
}
