// Package relaytest provides an in-process signaling relay for tests.
//
// The hub learns the role of a node from its discovery request,
// answers with the list of the opposite role nodes, announces joins and leaves,
// and forwards offer, answer and ice messages to their targets.
package relaytest

import (
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/giongto35/synthmesh/pkg/api"
	"github.com/giongto35/synthmesh/pkg/config"
	"github.com/giongto35/synthmesh/pkg/logger"
	"github.com/giongto35/synthmesh/pkg/network/websocket"

	"github.com/goccy/go-json"
)

type Hub struct {
	server *httptest.Server

	mu       sync.Mutex
	nodes    map[string]*node
	received []api.Signal
}

type node struct {
	id     string
	role   api.Role
	ws     *websocket.WS
	silent bool
}

// New starts a hub closed at the end of the test.
func New(t testing.TB) *Hub {
	h := &Hub{nodes: map[string]*node{}}
	h.server = httptest.NewServer(http.HandlerFunc(h.serve))
	t.Cleanup(h.Close)
	return h
}

// Address is the host:port of the hub.
func (h *Hub) Address() string { return strings.TrimPrefix(h.server.URL, "http://") }

// Config returns the relay config of a node connecting to the hub.
func (h *Hub) Config() config.Relay {
	return config.Relay{Address: h.Address(), Endpoint: "/ws", ReconnectDelay: 50 * time.Millisecond}
}

func (h *Hub) Close() {
	h.mu.Lock()
	for _, n := range h.nodes {
		n.ws.Close()
	}
	h.mu.Unlock()
	h.server.Close()
}

// Received returns all the messages of the type the hub has got so far.
func (h *Hub) Received(t api.MT) []api.Signal {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []api.Signal
	for _, s := range h.received {
		if s.Type == t {
			out = append(out, s)
		}
	}
	return out
}

// Nodes returns sorted ids of the nodes with a role.
func (h *Hub) Nodes() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var ids []string
	for id, n := range h.nodes {
		if n.role != "" {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

// Drop closes the connection of the node, as if the relay has lost it.
func (h *Hub) Drop(id string) bool {
	h.mu.Lock()
	n := h.nodes[id]
	h.mu.Unlock()
	if n == nil {
		return false
	}
	n.ws.Close()
	return true
}

// Cut closes the connection of the node without telling the others it has left.
func (h *Hub) Cut(id string) bool {
	h.mu.Lock()
	n := h.nodes[id]
	if n != nil {
		n.silent = true
	}
	h.mu.Unlock()
	if n == nil {
		return false
	}
	n.ws.Close()
	return true
}

// Inject sends raw data to the node.
func (h *Hub) Inject(id string, data []byte) bool {
	h.mu.Lock()
	n := h.nodes[id]
	h.mu.Unlock()
	return n != nil && n.ws.Write(data)
}

func (h *Hub) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.DefaultUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	ws := websocket.NewServerWithConn(conn, websocket.Options{}, logger.Nop())
	var self *node
	done := ws.Listen(func(data []byte) { self = h.handle(ws, self, data) })
	<-done
	if self != nil {
		h.leave(self)
	}
}

func (h *Hub) handle(ws *websocket.WS, self *node, data []byte) *node {
	sig, err := api.ParseSignal(data)
	if err != nil {
		return self
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.received = append(h.received, sig)

	switch sig.Type {
	case api.Register:
		if sig.ClientId == "" {
			return self
		}
		self = &node{id: sig.ClientId, ws: ws}
		h.nodes[self.id] = self
	case api.RequestSynths, api.RequestControllers:
		if self == nil {
			return self
		}
		role := api.Controller
		if sig.Type == api.RequestControllers {
			role = api.Synth
		}
		first := self.role == ""
		self.role = role
		var ids []string
		for id, n := range h.nodes {
			if n.role == role.Other() {
				ids = append(ids, id)
			}
		}
		slices.Sort(ids)
		list := api.Signal{Type: api.SynthsList, Synths: ids}
		if role == api.Synth {
			list = api.Signal{Type: api.ControllersList, Controllers: ids}
		}
		send(ws, list)
		if first {
			h.announce(self, true)
		}
	case api.Offer, api.Answer, api.Ice:
		if target := h.nodes[sig.Target]; target != nil {
			target.ws.Write(data)
		}
	}
	return self
}

func (h *Hub) leave(n *node) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.nodes[n.id] != n {
		return
	}
	delete(h.nodes, n.id)
	if n.role != "" && !n.silent {
		h.announce(n, false)
	}
}

// announce tells the opposite role nodes about n, must be called under the lock.
func (h *Hub) announce(n *node, joined bool) {
	var sig api.Signal
	switch {
	case n.role == api.Synth && joined:
		sig = api.Signal{Type: api.SynthJoined, SynthId: n.id}
	case n.role == api.Synth:
		sig = api.Signal{Type: api.SynthLeft, SynthId: n.id}
	case joined:
		sig = api.Signal{Type: api.ControllerJoined, ControllerId: n.id}
	default:
		sig = api.Signal{Type: api.ControllerLeft, ControllerId: n.id}
	}
	for _, other := range h.nodes {
		if other.role == n.role.Other() {
			send(other.ws, sig)
		}
	}
}

func send(ws *websocket.WS, sig api.Signal) {
	if data, err := json.Marshal(sig); err == nil {
		ws.Write(data)
	}
}
