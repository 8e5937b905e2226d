package session

import (
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/giongto35/synthmesh/pkg/api"
	"github.com/giongto35/synthmesh/pkg/config"
)

var conf = config.Session{ChannelLabel: "data"}

// connected makes a controller with one connected synth.
func connected(t *testing.T, synth string) (*harness, *fakeNeg) {
	t.Helper()
	h := newHarness(t, "c1", api.Controller, conf)
	h.m.Dispatch(synths(synth))
	n := h.neg(t)
	offer := h.signal(t, api.Offer)
	if offer.Source != "c1" || offer.Target != synth {
		t.Fatalf("wrong offer routing %v -> %v", offer.Source, offer.Target)
	}
	h.m.Dispatch(answerFrom(synth, "c1"))
	n.Channel().Open()
	h.expect(t, "connect:"+synth)
	return h, n
}

func TestControllerConnects(t *testing.T) {
	h, n := connected(t, "s1")

	if got := h.m.ConnectedPeers(); !slices.Equal(got, []string{"s1"}) {
		t.Errorf("connected peers %v", got)
	}
	peers := h.m.Peers()
	if len(peers) != 1 || peers[0].State != Connected || peers[0].Side != Initiator {
		t.Errorf("wrong session info %+v", peers)
	}
	want := []string{"create:offer", "local:offer", "remote:answer"}
	if got := n.Calls(); !slices.Equal(got, want) {
		t.Errorf("calls %v, want %v", got, want)
	}
	if n.Channel().Label() != "data" {
		t.Errorf("wrong channel label %v", n.Channel().Label())
	}
}

func TestChannelOpensBeforeAnswer(t *testing.T) {
	h := newHarness(t, "c1", api.Controller, conf)
	h.m.Dispatch(api.Signal{Type: api.SynthJoined, SynthId: "s1"})
	n := h.neg(t)
	h.signal(t, api.Offer)

	n.Channel().Open()
	h.noEvent(t)
	if h.m.IsConnected("s1") {
		t.Fatal("connected without an answer")
	}
	h.m.Dispatch(answerFrom("s1", "c1"))
	h.expect(t, "connect:s1")
}

func TestSynthAnswers(t *testing.T) {
	h := newHarness(t, "s1", api.Synth, conf)
	h.m.Dispatch(offerFrom("c1", "s1"))
	n := h.neg(t)

	answer := h.signal(t, api.Answer)
	if answer.Source != "s1" || answer.Target != "c1" {
		t.Fatalf("wrong answer routing %v -> %v", answer.Source, answer.Target)
	}
	d, err := answer.Description()
	if err != nil || d.SDP != "local-answer" {
		t.Fatalf("wrong answer %v %v", d, err)
	}
	n.remoteChannel("data").Open()
	h.expect(t, "connect:c1")

	want := []string{"remote:offer", "create:answer", "local:answer"}
	if got := n.Calls(); !slices.Equal(got, want) {
		t.Errorf("calls %v, want %v", got, want)
	}
	if info := h.m.Peers(); len(info) != 1 || info[0].Side != Responder {
		t.Errorf("wrong session info %+v", info)
	}
}

func TestExtraChannelClosed(t *testing.T) {
	h := newHarness(t, "s1", api.Synth, conf)
	h.m.Dispatch(offerFrom("c1", "s1"))
	n := h.neg(t)
	h.signal(t, api.Answer)
	first := n.remoteChannel("data")
	second := n.remoteChannel("other")

	if !second.IsClosed() || first.IsClosed() {
		t.Fatal("only the extra channel should be closed")
	}
	first.Open()
	h.expect(t, "connect:c1")
}

func TestSynthDoesNotOffer(t *testing.T) {
	h := newHarness(t, "s1", api.Synth, conf)
	h.m.Dispatch(api.Signal{Type: api.ControllersList, Controllers: []string{"c1", "c2"}})
	h.m.Dispatch(api.Signal{Type: api.ControllerJoined, ControllerId: "c3"})
	h.noNeg(t)
	if len(h.m.Peers()) != 0 {
		t.Error("synth should only answer")
	}
}

func TestDuplicateDiscovery(t *testing.T) {
	h := newHarness(t, "c1", api.Controller, conf)
	h.m.Dispatch(synths("s1", "c1"))
	h.m.Dispatch(synths("s1"))
	h.m.Dispatch(api.Signal{Type: api.SynthJoined, SynthId: "s1"})
	if err := h.m.Connect("s1"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	h.neg(t)
	h.signal(t, api.Offer)
	h.noNeg(t)
	if n := len(h.m.Peers()); n != 1 {
		t.Errorf("got %v sessions, want 1", n)
	}
	if err := h.m.Connect("c1"); !errors.Is(err, ErrBadPeer) {
		t.Errorf("connect to itself: %v", err)
	}
}

func TestIceOrder(t *testing.T) {
	h := newHarness(t, "s1", api.Synth, conf)
	gate := make(chan struct{})
	factory := h.m.factory
	h.m.factory = FactoryFunc(func() (Negotiator, error) {
		n, err := factory.NewNegotiator()
		n.(*fakeNeg).gate = gate
		return n, err
	})

	h.m.Dispatch(offerFrom("c1", "s1"))
	n := h.neg(t)
	h.m.Dispatch(iceFrom("c1", "s1", "a"))
	h.m.Dispatch(iceFrom("c1", "s1", "b"))
	eventually(t, "queued candidates", func() bool { return h.m.Peers()[0].Pending == 2 })
	close(gate)
	h.signal(t, api.Answer)
	h.m.Dispatch(iceFrom("c1", "s1", "c"))
	h.m.Dispatch(iceFrom("c1", "s1", "d"))

	want := []string{"remote:offer", "ice:a", "ice:b", "create:answer", "local:answer", "ice:c", "ice:d"}
	eventually(t, "all candidates", func() bool { return len(n.Calls()) == len(want) })
	if got := n.Calls(); !slices.Equal(got, want) {
		t.Errorf("calls %v, want %v", got, want)
	}
	n.mu.Lock()
	early := n.early
	n.mu.Unlock()
	if early {
		t.Error("a candidate was added before the remote description")
	}
}

func TestIceBeforeAnswer(t *testing.T) {
	h := newHarness(t, "c1", api.Controller, conf)
	h.m.Dispatch(synths("s1"))
	n := h.neg(t)
	h.signal(t, api.Offer)
	h.m.Dispatch(iceFrom("s1", "c1", "x"))
	h.m.Dispatch(answerFrom("s1", "c1"))
	h.m.Dispatch(iceFrom("s1", "c1", "y"))

	want := []string{"create:offer", "local:offer", "remote:answer", "ice:x", "ice:y"}
	eventually(t, "all candidates", func() bool { return len(n.Calls()) == len(want) })
	if got := n.Calls(); !slices.Equal(got, want) {
		t.Errorf("calls %v, want %v", got, want)
	}
}

func TestLocalCandidatesAfterOffer(t *testing.T) {
	h := newHarness(t, "c1", api.Controller, conf)
	h.m.Dispatch(synths("s1"))
	n := h.neg(t)
	h.signal(t, api.Offer)
	n.candidate("local")

	ice := h.signal(t, api.Ice)
	c, err := ice.Candidate()
	if err != nil || c.Candidate != "local" || ice.Source != "c1" || ice.Target != "s1" {
		t.Errorf("wrong ice %+v %v", ice, err)
	}
}

func TestUnexpectedAnswer(t *testing.T) {
	h := newHarness(t, "c1", api.Controller, conf)
	h.m.Dispatch(answerFrom("s9", "c1"))
	if len(h.m.Peers()) != 0 {
		t.Fatal("answer must not make a session")
	}

	h2 := newHarness(t, "s2", api.Synth, conf)
	h2.m.Dispatch(offerFrom("c1", "s2"))
	rn := h2.neg(t)
	h2.signal(t, api.Answer)
	h2.m.Dispatch(answerFrom("c1", "s2"))
	time.Sleep(50 * time.Millisecond)
	if slices.Contains(rn.Calls(), "remote:answer") {
		t.Error("responder applied an answer")
	}
}

func TestDuplicateAnswer(t *testing.T) {
	h, n := connected(t, "s1")
	h.m.Dispatch(answerFrom("s1", "c1"))
	time.Sleep(50 * time.Millisecond)
	count := 0
	for _, c := range n.Calls() {
		if c == "remote:answer" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("answer has been applied %v times", count)
	}
	if !h.m.IsConnected("s1") {
		t.Error("duplicate answer broke the session")
	}
}

func TestDuplicateOffer(t *testing.T) {
	h := newHarness(t, "s1", api.Synth, conf)
	h.m.Dispatch(offerFrom("c1", "s1"))
	h.neg(t)
	h.signal(t, api.Answer)
	h.m.Dispatch(offerFrom("c1", "s1"))
	h.noNeg(t)
}

func TestMalformedDropped(t *testing.T) {
	h := newHarness(t, "s1", api.Synth, conf)
	bad := []api.Signal{
		{Type: api.Offer, Target: "s1", Data: []byte(`{"type":"offer","sdp":"x"}`)},
		{Type: api.Offer, Source: "undefined", Data: []byte(`{"type":"offer","sdp":"x"}`)},
		{Type: api.Offer, Source: "null", Data: []byte(`{"type":"offer","sdp":"x"}`)},
		{Type: api.Offer, Source: "c1", Data: []byte(`null`)},
		{Type: api.Offer, Source: "c1"},
		{Type: api.Offer, Source: "c1", Data: []byte(`"garbage"`)},
		{Type: api.Offer, Source: "c1", Data: []byte(`{"type":"offer","sdp":""}`)},
		{Type: api.Ice, Source: "c1", Data: []byte(`[1,2]`)},
		{Type: api.Offer, Source: "c1", Target: "s2", Data: []byte(`{"type":"offer","sdp":"x"}`)},
		{Type: api.Offer, Source: "s1", Data: []byte(`{"type":"offer","sdp":"x"}`)},
		{Type: "whatever", Source: "c1"},
	}
	for _, sig := range bad {
		h.m.Dispatch(sig)
	}
	h.noNeg(t)
	if len(h.m.Peers()) != 0 {
		t.Errorf("malformed messages made sessions: %+v", h.m.Peers())
	}

	// the node keeps working
	h.m.Dispatch(offerFrom("c1", "s1"))
	h.neg(t)
	h.signal(t, api.Answer)
}

func TestTeardownOnce(t *testing.T) {
	h, n := connected(t, "s1")
	ch := n.Channel()

	ch.Close()
	n.fail(errTest)
	h.m.Dispatch(api.Signal{Type: api.SynthLeft, SynthId: "s1"})
	if h.m.Disconnect("s1") {
		t.Error("second disconnect should be a no-op")
	}

	h.expect(t, "disconnect:s1")
	h.noEvent(t)
	if !errors.Is(h.cause(t), ErrChannelClosed) {
		t.Error("wrong disconnect cause")
	}
	if !n.IsClosed() {
		t.Error("negotiator is not closed")
	}
	if len(h.m.Peers()) != 0 || len(h.m.ConnectedPeers()) != 0 {
		t.Error("session is still registered")
	}
	if h.m.SendToPeer("s1", api.NewPing()) {
		t.Error("sent to a removed peer")
	}
}

func TestPeerLeft(t *testing.T) {
	h, n := connected(t, "s1")
	h.m.Dispatch(api.Signal{Type: api.SynthLeft, SynthId: "s1"})
	h.expect(t, "disconnect:s1")
	if !errors.Is(h.cause(t), ErrPeerLeft) {
		t.Error("wrong disconnect cause")
	}
	if !n.IsClosed() || !n.Channel().IsClosed() {
		t.Error("resources are not released")
	}
}

func TestFailureIsolated(t *testing.T) {
	h, n1 := connected(t, "s1")
	h.m.Dispatch(synths("s2"))
	n2 := h.neg(t)
	h.signal(t, api.Offer)
	h.m.Dispatch(answerFrom("s2", "c1"))
	n2.Channel().Open()
	h.expect(t, "connect:s2")

	n1.fail(errTest)
	h.expect(t, "disconnect:s1")
	if !errors.Is(h.cause(t), errTest) {
		t.Error("wrong disconnect cause")
	}
	if got := h.m.ConnectedPeers(); !slices.Equal(got, []string{"s2"}) {
		t.Errorf("connected peers %v", got)
	}
}

func TestCandidateFailure(t *testing.T) {
	h, n := connected(t, "s1")
	n.mu.Lock()
	n.addErr = errTest
	n.mu.Unlock()
	h.m.Dispatch(iceFrom("s1", "c1", "bad"))
	h.expect(t, "disconnect:s1")
}

func TestReconnectAfterTeardown(t *testing.T) {
	h, _ := connected(t, "s1")
	h.m.Dispatch(api.Signal{Type: api.SynthLeft, SynthId: "s1"})
	h.expect(t, "disconnect:s1")

	h.m.Dispatch(api.Signal{Type: api.SynthJoined, SynthId: "s1"})
	n := h.neg(t)
	h.signal(t, api.Offer)
	h.m.Dispatch(answerFrom("s1", "c1"))
	n.Channel().Open()
	h.expect(t, "connect:s1")
}

func TestNegotiationTimeout(t *testing.T) {
	c := conf
	c.NegotiationTimeout = 50 * time.Millisecond
	h := newHarness(t, "c1", api.Controller, c)
	h.m.Dispatch(synths("s1"))
	n := h.neg(t)
	h.expect(t, "disconnect:s1")
	if !errors.Is(h.cause(t), ErrTimeout) {
		t.Error("wrong disconnect cause")
	}
	if !n.IsClosed() || len(h.m.Peers()) != 0 {
		t.Error("timed out session is not removed")
	}
}

func TestNoTimeoutOnceConnected(t *testing.T) {
	c := conf
	c.NegotiationTimeout = 100 * time.Millisecond
	h := newHarness(t, "s1", api.Synth, c)
	h.m.Dispatch(offerFrom("c1", "s1"))
	n := h.neg(t)
	h.signal(t, api.Answer)
	n.remoteChannel("data").Open()
	h.expect(t, "connect:c1")
	time.Sleep(200 * time.Millisecond)
	h.noEvent(t)
}

func TestSendToPeer(t *testing.T) {
	h := newHarness(t, "c1", api.Controller, conf)
	h.m.Dispatch(synths("s1"))
	n := h.neg(t)
	h.signal(t, api.Offer)
	if h.m.SendToPeer("s1", api.NewPing()) {
		t.Fatal("sent before connection")
	}
	if h.m.SendToPeer("s7", api.NewPing()) {
		t.Fatal("sent to unknown peer")
	}
	h.m.Dispatch(answerFrom("s1", "c1"))
	ch := n.Channel()
	ch.Open()
	h.expect(t, "connect:s1")

	if !h.m.SendToPeer("s1", []byte(`{"type":"status","timestamp":1}`)) {
		t.Fatal("couldn't send")
	}
	if !h.m.SendToPeer("s1", api.NewPing()) {
		t.Fatal("couldn't send")
	}
	sent := ch.Sent()
	if len(sent) != 2 {
		t.Fatalf("channel got %v messages", len(sent))
	}
	if m, err := api.ParseMessage(sent[1]); err != nil || m.Type != api.Ping {
		t.Errorf("wrong message %s", sent[1])
	}
	if h.m.SendToPeer("s1", func() {}) {
		t.Error("sent a value which can't be encoded")
	}

	ch.mu.Lock()
	ch.sendErr = errTest
	ch.mu.Unlock()
	if h.m.SendToPeer("s1", api.NewPing()) {
		t.Error("send error is not reported")
	}
}

func TestBroadcast(t *testing.T) {
	h, n1 := connected(t, "s1")
	h.m.Dispatch(api.Signal{Type: api.SynthJoined, SynthId: "s2"})
	n2 := h.neg(t)
	h.signal(t, api.Offer)
	h.m.Dispatch(answerFrom("s2", "c1"))
	n2.Channel().Open()
	h.expect(t, "connect:s2")
	// still negotiating
	h.m.Dispatch(api.Signal{Type: api.SynthJoined, SynthId: "s3"})
	n3 := h.neg(t)
	h.signal(t, api.Offer)

	if got := h.m.Broadcast(api.NewPing()); got != 2 {
		t.Errorf("broadcast reached %v peers, want 2", got)
	}
	if len(n1.Channel().Sent()) != 1 || len(n2.Channel().Sent()) != 1 || len(n3.Channel().Sent()) != 0 {
		t.Error("wrong broadcast recipients")
	}
}

func TestInbound(t *testing.T) {
	h, n := connected(t, "s1")
	before := h.m.Peers()[0].LastActivity
	time.Sleep(5 * time.Millisecond)

	n.Channel().Receive([]byte(`not a json`))
	n.Channel().Receive([]byte(`{"timestamp":1}`))
	n.Channel().Receive([]byte(`{"type":"status","timestamp":1,"data":{"load":1}}`))
	n.Channel().Receive([]byte(`{"type":"pong","timestamp":2}`))
	h.expect(t, "message:s1:status")
	h.expect(t, "message:s1:pong")
	if !h.m.Peers()[0].LastActivity.After(before) {
		t.Error("activity is not updated")
	}
	if !h.m.IsConnected("s1") {
		t.Error("bad messages broke the session")
	}
}

func TestHandlerPanic(t *testing.T) {
	h, n := connected(t, "s1")
	h.m.OnMessage(func(in Inbound) {
		if in.Type == api.Command {
			panic("boom")
		}
		h.events <- "message:" + in.Peer + ":" + string(in.Type)
	})
	n.Channel().Receive([]byte(`{"type":"command","timestamp":1}`))
	n.Channel().Receive([]byte(`{"type":"status","timestamp":1}`))
	h.expect(t, "message:s1:status")
}

func TestRelayDown(t *testing.T) {
	h := newHarness(t, "c1", api.Controller, conf)
	h.relay.mu.Lock()
	h.relay.down = true
	h.relay.mu.Unlock()
	h.m.Dispatch(synths("s1"))
	n := h.neg(t)
	eventually(t, "offer made", func() bool { return h.m.Peers()[0].State == OfferSent })
	if n.IsClosed() {
		t.Error("lost signal should not fail the session")
	}
}

func TestDisconnect(t *testing.T) {
	h, n := connected(t, "s1")
	if !h.m.Disconnect("s1") {
		t.Fatal("no session to disconnect")
	}
	h.expect(t, "disconnect:s1")
	if h.cause(t) != nil {
		t.Error("local disconnect should have no cause")
	}
	if !n.IsClosed() || h.m.Disconnect("s1") {
		t.Error("session is not removed")
	}
}

func TestClose(t *testing.T) {
	h, _ := connected(t, "s1")
	h.m.Dispatch(synths("s2"))
	h.neg(t)
	h.m.Close()

	var got []string
	for range 2 {
		select {
		case ev := <-h.events:
			got = append(got, ev)
		case <-time.After(timeout):
			t.Fatalf("not all the peers are disconnected, got %v", got)
		}
	}
	slices.Sort(got)
	if !slices.Equal(got, []string{"disconnect:s1", "disconnect:s2"}) {
		t.Errorf("got %v", got)
	}
	if err := h.m.Connect("s3"); !errors.Is(err, ErrClosed) {
		t.Errorf("connect after close: %v", err)
	}
}

func TestRelayDropKeepsPeers(t *testing.T) {
	h, n := connected(t, "s1")
	h.relay.mu.Lock()
	h.relay.down = true
	h.relay.mu.Unlock()

	n.candidate("late")
	h.m.Dispatch(synths("s2"))
	h.neg(t)
	if !h.m.IsConnected("s1") || !h.m.SendToPeer("s1", api.NewPing()) {
		t.Error("relay loss broke the peer")
	}
	h.noEvent(t)
}

func TestUnexpectedChannelClose(t *testing.T) {
	h, n := connected(t, "s1")
	n.Channel().Close()
	h.expect(t, "disconnect:s1")
	if !n.IsClosed() {
		t.Error("negotiator is not closed")
	}
	// a fresh discovery after that makes a new session
	h.m.Dispatch(synths("s1"))
	h.neg(t)
	h.signal(t, api.Offer)
}

func TestOfferWhileTearingDown(t *testing.T) {
	h := newHarness(t, "s1", api.Synth, conf)
	h.m.Dispatch(offerFrom("c1", "s1"))
	old := h.neg(t)
	h.signal(t, api.Answer)
	old.remoteChannel("data").Open()
	h.expect(t, "connect:c1")

	release := old.holdClose()
	go old.Channel().Close()
	eventually(t, "session ended", func() bool {
		p := h.m.Peers()
		return len(p) == 1 && p[0].State.IsTerminal()
	})

	// the controller has restarted and offers again
	h.m.Dispatch(offerFrom("c1", "s1"))
	fresh := h.neg(t)
	h.signal(t, api.Answer)
	go fresh.remoteChannel("data").Open()
	h.noEvent(t)

	close(release)
	h.expect(t, "disconnect:c1")
	h.expect(t, "connect:c1")
	if !old.IsClosed() || fresh.IsClosed() {
		t.Error("wrong negotiator closed")
	}
	peers := h.m.Peers()
	if len(peers) != 1 || peers[0].State != Connected || !h.m.IsConnected("c1") {
		t.Errorf("the new session is not kept %+v", peers)
	}
}

func TestDepartureDoesNotBlockRelay(t *testing.T) {
	h, n := connected(t, "s1")
	release := n.holdClose()

	done := make(chan struct{})
	go func() {
		h.m.Dispatch(api.Signal{Type: api.SynthLeft, SynthId: "s1"})
		h.m.Dispatch(api.Signal{Type: api.SynthJoined, SynthId: "s1"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		t.Fatal("relay messages wait for a negotiator close")
	}
	fresh := h.neg(t)
	if offer := h.signal(t, api.Offer); offer.Target != "s1" {
		t.Errorf("offer to %v", offer.Target)
	}

	close(release)
	h.expect(t, "disconnect:s1")
	if !errors.Is(h.cause(t), ErrPeerLeft) {
		t.Error("wrong disconnect cause")
	}
	eventually(t, "negotiator closed", n.IsClosed)
	h.m.Dispatch(answerFrom("s1", "c1"))
	fresh.Channel().Open()
	h.expect(t, "connect:s1")
}
