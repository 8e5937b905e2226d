// Package node puts together the relay connection and peer sessions of a controller or synth.
package node

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/giongto35/synthmesh/pkg/api"
	"github.com/giongto35/synthmesh/pkg/com"
	"github.com/giongto35/synthmesh/pkg/config"
	"github.com/giongto35/synthmesh/pkg/logger"
	"github.com/giongto35/synthmesh/pkg/monitoring"
	"github.com/giongto35/synthmesh/pkg/relay"
	"github.com/giongto35/synthmesh/pkg/service"
	"github.com/giongto35/synthmesh/pkg/session"
)

type Node struct {
	service.RunnableService

	id      string
	role    api.Role
	conf    config.Session
	relay   *relay.Client
	peers   *session.Manager
	metrics *monitoring.Metrics
	log     *logger.Logger

	latency *com.Map[string, time.Duration]

	mu           sync.RWMutex
	onMessage    func(peer string, m api.Message)
	onConnect    func(peer string)
	onDisconnect func(peer string, err error)

	cancel context.CancelFunc
	done   chan struct{}
}

// New makes a node out of the config with the negotiators made by factory.
// An empty node id is replaced with a random one.
func New(conf config.NodeConfig, factory session.Factory, log *logger.Logger) (*Node, error) {
	role, err := api.ParseRole(conf.Node.Role)
	if err != nil {
		return nil, err
	}
	if factory == nil {
		return nil, errors.New("no negotiator factory")
	}
	id := conf.Node.Id
	if id == "" {
		id = api.NewId()
	}

	metrics := monitoring.NewMetrics(role.String())
	client := relay.New(id, role, conf.Relay, log).WithMetrics(metrics)
	peers := session.NewManager(id, role, conf.Session, factory, client, log).WithMetrics(metrics)

	n := &Node{
		id:      id,
		role:    role,
		conf:    conf.Session,
		relay:   client,
		peers:   peers,
		metrics: metrics,
		log:     log,
		latency: com.NewMap[string, time.Duration](),
		done:    make(chan struct{}),
	}
	client.OnMessage(peers.Dispatch)
	peers.OnPeerConnected(n.connected)
	peers.OnPeerDisconnected(n.disconnected)
	peers.OnMessage(n.inbound)
	return n, nil
}

func (n *Node) Id() string                   { return n.id }
func (n *Node) Role() api.Role               { return n.role }
func (n *Node) Metrics() *monitoring.Metrics { return n.metrics }
func (n *Node) Relay() *relay.Client         { return n.relay }
func (n *Node) Sessions() *session.Manager   { return n.peers }

// OnMessage sets the handler of application messages, pings and pongs are handled by the node.
func (n *Node) OnMessage(fn func(peer string, m api.Message)) {
	n.mu.Lock()
	n.onMessage = fn
	n.mu.Unlock()
}

func (n *Node) OnPeerConnected(fn func(peer string)) {
	n.mu.Lock()
	n.onConnect = fn
	n.mu.Unlock()
}

func (n *Node) OnPeerDisconnected(fn func(peer string, err error)) {
	n.mu.Lock()
	n.onDisconnect = fn
	n.mu.Unlock()
}

func (n *Node) Run() {
	ctx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel
	n.log.Info().Msgf("Starting %v", api.Short(n.id))
	n.relay.Run()
	go n.keepalive(ctx)
}

func (n *Node) Shutdown(ctx context.Context) error {
	if n.cancel != nil {
		n.cancel()
		<-n.done
	}
	n.peers.Close()
	return n.relay.Shutdown(ctx)
}

// Send sends a message of the type to a connected peer.
func (n *Node) Send(peer string, t api.PT, data any) bool {
	m, err := api.NewMessage(t, data)
	if err != nil {
		n.log.Error().Err(err).Msgf("Couldn't make [%v]", t)
		return false
	}
	return n.peers.SendToPeer(peer, m)
}

// Broadcast sends a message of the type to all the connected peers.
func (n *Node) Broadcast(t api.PT, data any) int {
	m, err := api.NewMessage(t, data)
	if err != nil {
		n.log.Error().Err(err).Msgf("Couldn't make [%v]", t)
		return 0
	}
	return n.peers.Broadcast(m)
}

// Latency returns the last measured round trip time to the peer.
func (n *Node) Latency(peer string) (time.Duration, bool) {
	d, err := n.latency.Find(peer)
	return d, err == nil
}

func (n *Node) ConnectedPeers() []string { return n.peers.ConnectedPeers() }
func (n *Node) Peers() []session.Info    { return n.peers.Peers() }

func (n *Node) connected(peer string) {
	n.mu.RLock()
	fn := n.onConnect
	n.mu.RUnlock()
	if fn != nil {
		fn(peer)
	}
}

func (n *Node) disconnected(peer string, err error) {
	n.latency.RemoveByKey(peer)
	n.mu.RLock()
	fn := n.onDisconnect
	n.mu.RUnlock()
	if fn != nil {
		fn(peer, err)
	}
}

func (n *Node) inbound(in session.Inbound) {
	switch in.Type {
	case api.Ping:
		n.peers.SendToPeer(in.Peer, api.NewPong(in.Message))
		return
	case api.Pong:
		n.pong(in.Peer, in.Message)
		return
	}
	n.mu.RLock()
	fn := n.onMessage
	n.mu.RUnlock()
	if fn != nil {
		fn(in.Peer, in.Message)
	}
}

func (n *Node) String() string { return n.role.String() + "::" + n.id }
