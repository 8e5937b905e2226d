package session

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/giongto35/synthmesh/pkg/api"
	"github.com/giongto35/synthmesh/pkg/config"
	"github.com/giongto35/synthmesh/pkg/logger"
)

const timeout = 2 * time.Second

var errTest = errors.New("test")

type fakeNeg struct {
	mu sync.Mutex

	calls     []string
	remoteSet bool
	early     bool // a candidate was added before the remote description
	closed    bool
	addErr    error
	gate      chan struct{}
	closeGate chan struct{}
	channel   *fakeChannel

	onChannel   func(Channel)
	onCandidate func(api.Candidate)
	onFailure   func(error)
}

func (n *fakeNeg) record(call string) { n.mu.Lock(); n.calls = append(n.calls, call); n.mu.Unlock() }

func (n *fakeNeg) Calls() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.calls...)
}

func (n *fakeNeg) CreateOffer() (api.Description, error) {
	n.record("create:offer")
	return api.Description{Type: "offer", SDP: "local-offer"}, nil
}

func (n *fakeNeg) CreateAnswer() (api.Description, error) {
	n.record("create:answer")
	return api.Description{Type: "answer", SDP: "local-answer"}, nil
}

func (n *fakeNeg) SetLocalDescription(d api.Description) error { n.record("local:" + d.Type); return nil }

func (n *fakeNeg) SetRemoteDescription(d api.Description) error {
	n.mu.Lock()
	gate := n.gate
	n.mu.Unlock()
	if gate != nil {
		<-gate
	}
	n.mu.Lock()
	n.remoteSet = true
	n.calls = append(n.calls, "remote:"+d.Type)
	n.mu.Unlock()
	return nil
}

func (n *fakeNeg) AddCandidate(c api.Candidate) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.remoteSet {
		n.early = true
	}
	if n.addErr != nil {
		return n.addErr
	}
	n.calls = append(n.calls, "ice:"+c.Candidate)
	return nil
}

func (n *fakeNeg) CreateChannel(label string) (Channel, error) {
	ch := &fakeChannel{label: label}
	n.mu.Lock()
	n.channel = ch
	n.mu.Unlock()
	return ch, nil
}

func (n *fakeNeg) OnChannel(fn func(Channel))          { n.mu.Lock(); n.onChannel = fn; n.mu.Unlock() }
func (n *fakeNeg) OnCandidate(fn func(api.Candidate)) { n.mu.Lock(); n.onCandidate = fn; n.mu.Unlock() }
func (n *fakeNeg) OnFailure(fn func(error))           { n.mu.Lock(); n.onFailure = fn; n.mu.Unlock() }

func (n *fakeNeg) Close() error {
	n.mu.Lock()
	gate := n.closeGate
	n.mu.Unlock()
	if gate != nil {
		<-gate
	}
	n.mu.Lock()
	n.closed = true
	n.mu.Unlock()
	return nil
}

// holdClose makes Close wait until the returned channel is closed.
func (n *fakeNeg) holdClose() chan struct{} {
	gate := make(chan struct{})
	n.mu.Lock()
	n.closeGate = gate
	n.mu.Unlock()
	return gate
}

func (n *fakeNeg) IsClosed() bool { n.mu.Lock(); defer n.mu.Unlock(); return n.closed }

// remoteChannel imitates a channel opened by the remote side.
func (n *fakeNeg) remoteChannel(label string) *fakeChannel {
	ch := &fakeChannel{label: label}
	n.mu.Lock()
	n.channel = ch
	fn := n.onChannel
	n.mu.Unlock()
	fn(ch)
	return ch
}

func (n *fakeNeg) Channel() *fakeChannel { n.mu.Lock(); defer n.mu.Unlock(); return n.channel }

func (n *fakeNeg) candidate(c string) {
	n.mu.Lock()
	fn := n.onCandidate
	n.mu.Unlock()
	fn(api.Candidate{Candidate: c})
}

func (n *fakeNeg) fail(err error) {
	n.mu.Lock()
	fn := n.onFailure
	n.mu.Unlock()
	fn(err)
}

type fakeChannel struct {
	label string

	mu      sync.Mutex
	open    func()
	close   func()
	onErr   func(error)
	onMsg   func([]byte)
	sent    [][]byte
	closed  bool
	sendErr error
}

func (c *fakeChannel) Label() string { return c.label }

func (c *fakeChannel) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("closed channel")
	}
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, data)
	return nil
}

func (c *fakeChannel) OnOpen(fn func())            { c.mu.Lock(); c.open = fn; c.mu.Unlock() }
func (c *fakeChannel) OnClose(fn func())           { c.mu.Lock(); c.close = fn; c.mu.Unlock() }
func (c *fakeChannel) OnError(fn func(error))      { c.mu.Lock(); c.onErr = fn; c.mu.Unlock() }
func (c *fakeChannel) OnMessage(fn func(d []byte)) { c.mu.Lock(); c.onMsg = fn; c.mu.Unlock() }

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	fn := c.close
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
	return nil
}

func (c *fakeChannel) Open() {
	c.mu.Lock()
	fn := c.open
	c.mu.Unlock()
	fn()
}

func (c *fakeChannel) Receive(data []byte) {
	c.mu.Lock()
	fn := c.onMsg
	c.mu.Unlock()
	fn(data)
}

func (c *fakeChannel) Sent() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.sent...)
}

func (c *fakeChannel) IsClosed() bool { c.mu.Lock(); defer c.mu.Unlock(); return c.closed }

type fakeRelay struct {
	mu   sync.Mutex
	down bool
	out  chan api.Signal
}

func (r *fakeRelay) Send(sig api.Signal) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.down {
		return false
	}
	r.out <- sig
	return true
}

type harness struct {
	m      *Manager
	relay  *fakeRelay
	negs   chan *fakeNeg
	events chan string
	causes chan error
}

func newHarness(t *testing.T, id string, role api.Role, conf config.Session) *harness {
	t.Helper()
	h := &harness{
		relay:  &fakeRelay{out: make(chan api.Signal, 128)},
		negs:   make(chan *fakeNeg, 16),
		events: make(chan string, 128),
		causes: make(chan error, 128),
	}
	factory := FactoryFunc(func() (Negotiator, error) {
		n := &fakeNeg{}
		h.negs <- n
		return n, nil
	})
	h.m = NewManager(id, role, conf, factory, h.relay, logger.Nop())
	h.m.OnPeerConnected(func(peer string) { h.events <- "connect:" + peer })
	h.m.OnPeerDisconnected(func(peer string, err error) {
		h.causes <- err
		h.events <- "disconnect:" + peer
	})
	h.m.OnMessage(func(in Inbound) { h.events <- "message:" + in.Peer + ":" + string(in.Type) })
	t.Cleanup(h.m.Close)
	return h
}

func (h *harness) neg(t *testing.T) *fakeNeg {
	t.Helper()
	select {
	case n := <-h.negs:
		return n
	case <-time.After(timeout):
		t.Fatal("no negotiator has been made")
	}
	return nil
}

func (h *harness) noNeg(t *testing.T) {
	t.Helper()
	select {
	case <-h.negs:
		t.Fatal("unexpected negotiator")
	case <-time.After(50 * time.Millisecond):
	}
}

// signal waits for a relay message of the type skipping the others.
func (h *harness) signal(t *testing.T, mt api.MT) api.Signal {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case sig := <-h.relay.out:
			if sig.Type == mt {
				return sig
			}
		case <-deadline:
			t.Fatalf("no [%v] has been sent", mt)
			return api.Signal{}
		}
	}
}

func (h *harness) expect(t *testing.T, want string) {
	t.Helper()
	select {
	case got := <-h.events:
		if got != want {
			t.Fatalf("got event %v, want %v", got, want)
		}
	case <-time.After(timeout):
		t.Fatalf("no %v event", want)
	}
}

func (h *harness) cause(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.causes:
		return err
	case <-time.After(timeout):
		t.Fatal("no disconnect")
	}
	return nil
}

func (h *harness) noEvent(t *testing.T) {
	t.Helper()
	select {
	case got := <-h.events:
		t.Fatalf("unexpected event %v", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func offerFrom(source, target string) api.Signal {
	s, _ := api.NewOffer(source, target, api.Description{Type: "offer", SDP: "remote-offer"})
	return s
}

func answerFrom(source, target string) api.Signal {
	s, _ := api.NewAnswer(source, target, api.Description{Type: "answer", SDP: "remote-answer"})
	return s
}

func iceFrom(source, target, candidate string) api.Signal {
	s, _ := api.NewIce(source, target, api.Candidate{Candidate: candidate})
	return s
}

func synths(ids ...string) api.Signal { return api.Signal{Type: api.SynthsList, Synths: ids} }

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %v", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
