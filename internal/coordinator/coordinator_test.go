package coordinator

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/studycircle/voice-signaling/internal/protocol"
)

// fakeTransport is a scripted MediaTransport: it records every call and lets
// tests emit candidate and state events as if ICE were running.
type fakeTransport struct {
	mu       sync.Mutex
	hooks    TransportHooks
	remoteID string
	seq      int

	offersCreated  int
	answersCreated int
	localDescs     []webrtc.SessionDescription
	remoteDescs    []webrtc.SessionDescription
	candidates     []webrtc.ICECandidateInit
	closed         bool
}

func (f *fakeTransport) CreateOffer() (webrtc.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offersCreated++
	return webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  fmt.Sprintf("offer-%s-%d", f.remoteID, f.offersCreated),
	}, nil
}

func (f *fakeTransport) CreateAnswer() (webrtc.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answersCreated++
	return webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  fmt.Sprintf("answer-%s-%d", f.remoteID, f.answersCreated),
	}, nil
}

func (f *fakeTransport) SetLocalDescription(sdp webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.localDescs = append(f.localDescs, sdp)
	return nil
}

func (f *fakeTransport) SetRemoteDescription(sdp webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remoteDescs = append(f.remoteDescs, sdp)
	return nil
}

func (f *fakeTransport) AddICECandidate(c webrtc.ICECandidateInit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candidates = append(f.candidates, c)
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) emitState(s webrtc.PeerConnectionState) {
	f.hooks.OnStateChange(s)
}

func (f *fakeTransport) emitCandidate(c webrtc.ICECandidateInit) {
	f.hooks.OnICECandidate(c)
}

type transportSnapshot struct {
	offersCreated  int
	answersCreated int
	localDescs     []webrtc.SessionDescription
	remoteDescs    []webrtc.SessionDescription
	candidates     []webrtc.ICECandidateInit
	closed         bool
}

func (f *fakeTransport) snapshot() transportSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return transportSnapshot{
		offersCreated:  f.offersCreated,
		answersCreated: f.answersCreated,
		localDescs:     append([]webrtc.SessionDescription(nil), f.localDescs...),
		remoteDescs:    append([]webrtc.SessionDescription(nil), f.remoteDescs...),
		candidates:     append([]webrtc.ICECandidateInit(nil), f.candidates...),
		closed:         f.closed,
	}
}

type fakeFactory struct {
	mu    sync.Mutex
	built []*fakeTransport
}

func (f *fakeFactory) New(remoteID string, hooks TransportHooks) (MediaTransport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tr := &fakeTransport{remoteID: remoteID, hooks: hooks, seq: len(f.built)}
	f.built = append(f.built, tr)
	return tr, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.built)
}

func (f *fakeFactory) at(i int) *fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.built[i]
}

// captureSignaler records envelopes the coordinator sends upstream.
type captureSignaler struct {
	mu   sync.Mutex
	sent []protocol.Message
}

func (s *captureSignaler) Send(m protocol.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, m)
	return nil
}

func (s *captureSignaler) messages() []protocol.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.Message(nil), s.sent...)
}

func (s *captureSignaler) countOf(kind protocol.Type) int {
	n := 0
	for _, m := range s.messages() {
		if m.EnvelopeType() == kind {
			n++
		}
	}
	return n
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// runOnLoop executes fn inside the coordinator's event loop and waits for it.
func runOnLoop(t *testing.T, c *Coordinator, fn func()) {
	t.Helper()
	done := make(chan struct{})
	c.post(func() {
		fn()
		close(done)
	})
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("event loop did not run posted function")
	}
}

type fixture struct {
	coord    *Coordinator
	signaler *captureSignaler
	factory  *fakeFactory
}

func newFixture(t *testing.T, localID string, opts func(*Config)) *fixture {
	t.Helper()
	signaler := &captureSignaler{}
	factory := &fakeFactory{}
	cfg := Config{
		LocalID:            localID,
		Signaler:           signaler,
		NewTransport:       factory.New,
		FailureDebounce:    time.Hour,
		NegotiationTimeout: time.Hour,
	}
	if opts != nil {
		opts(&cfg)
	}
	coord := New(cfg)
	t.Cleanup(coord.Close)
	return &fixture{coord: coord, signaler: signaler, factory: factory}
}

func user(id string) protocol.User {
	return protocol.User{ParticipantID: id}
}

func TestLowerIDInitiates(t *testing.T) {
	f := newFixture(t, "alice", nil)

	f.coord.HandleEnvelope(protocol.NewRoomState([]protocol.User{user("alice"), user("bob")}, 2))

	waitFor(t, "offer to bob", func() bool { return f.signaler.countOf(protocol.TypeOffer) == 1 })
	offer := f.signaler.messages()[0].(protocol.Offer)
	if offer.SenderID != "alice" || offer.TargetID != "bob" {
		t.Fatalf("offer routing: %+v", offer)
	}
	if got := f.coord.LinkState("bob"); got != LinkOffering {
		t.Fatalf("link state %v, want offering", got)
	}
}

func TestHigherIDWaitsForOffer(t *testing.T) {
	f := newFixture(t, "bob", nil)

	f.coord.HandleEnvelope(protocol.NewRoomState([]protocol.User{user("alice"), user("bob")}, 2))

	// Bob sorts above alice, so he must not originate anything.
	time.Sleep(50 * time.Millisecond)
	if n := f.signaler.countOf(protocol.TypeOffer); n != 0 {
		t.Fatalf("responder sent %d offers", n)
	}
	if got := f.coord.LinkState("alice"); got != LinkIdle {
		t.Fatalf("link state %v, want idle", got)
	}
}

func TestResponderAnswersAndConnects(t *testing.T) {
	f := newFixture(t, "bob", nil)

	f.coord.HandleEnvelope(protocol.NewRoomState([]protocol.User{user("alice"), user("bob")}, 2))
	f.coord.HandleEnvelope(protocol.NewOffer("alice", "bob", webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer, SDP: "offer-1",
	}))

	waitFor(t, "answer to alice", func() bool { return f.signaler.countOf(protocol.TypeAnswer) == 1 })
	if got := f.coord.LinkState("alice"); got != LinkAnswering {
		t.Fatalf("link state %v, want answering", got)
	}

	tr := f.factory.at(0)
	if got := tr.snapshot().remoteDescs; len(got) != 1 || got[0].SDP != "offer-1" {
		t.Fatalf("remote description not applied: %+v", got)
	}

	tr.emitState(webrtc.PeerConnectionStateConnected)
	waitFor(t, "connected", func() bool { return f.coord.LinkState("alice") == LinkConnected })
}

func TestInitiatorConnectsOnAnswer(t *testing.T) {
	f := newFixture(t, "alice", nil)

	f.coord.HandleEnvelope(protocol.NewJoin("bob", "Bob"))
	waitFor(t, "offer", func() bool { return f.signaler.countOf(protocol.TypeOffer) == 1 })

	f.coord.HandleEnvelope(protocol.NewAnswer("bob", "alice", webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer, SDP: "answer-1",
	}))
	waitFor(t, "connected", func() bool { return f.coord.LinkState("bob") == LinkConnected })

	if got := f.factory.at(0).snapshot().remoteDescs; len(got) != 1 {
		t.Fatalf("answer applied %d times, want 1", len(got))
	}
}

func TestDuplicateAnswerIsNoOp(t *testing.T) {
	f := newFixture(t, "alice", nil)

	f.coord.HandleEnvelope(protocol.NewJoin("bob", ""))
	waitFor(t, "offer", func() bool { return f.signaler.countOf(protocol.TypeOffer) == 1 })

	answer := protocol.NewAnswer("bob", "alice", webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer, SDP: "answer-1",
	})
	f.coord.HandleEnvelope(answer)
	waitFor(t, "connected", func() bool { return f.coord.LinkState("bob") == LinkConnected })

	// Duplicate delivery of the same answer must not touch the transport
	// again: reapplying a remote description is unsafe.
	f.coord.HandleEnvelope(answer)
	f.coord.HandleEnvelope(answer)
	time.Sleep(50 * time.Millisecond)

	if got := f.factory.at(0).snapshot().remoteDescs; len(got) != 1 {
		t.Fatalf("remote description applied %d times, want 1", len(got))
	}
	if got := f.coord.LinkState("bob"); got != LinkConnected {
		t.Fatalf("link state %v, want connected", got)
	}
}

func TestStaleAnswerWithoutLinkIsDropped(t *testing.T) {
	f := newFixture(t, "alice", nil)

	f.coord.HandleEnvelope(protocol.NewAnswer("ghost", "alice", webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer, SDP: "answer-1",
	}))
	time.Sleep(50 * time.Millisecond)

	if n := f.factory.count(); n != 0 {
		t.Fatalf("stale answer created %d transports", n)
	}
}

func TestGlareInitiatorKeepsItsOffer(t *testing.T) {
	f := newFixture(t, "alice", nil)

	f.coord.HandleEnvelope(protocol.NewJoin("bob", ""))
	waitFor(t, "offer", func() bool { return f.signaler.countOf(protocol.TypeOffer) == 1 })

	// Bob raced an offer at us. Alice is the deterministic initiator, so
	// her offer stands and bob's is ignored.
	f.coord.HandleEnvelope(protocol.NewOffer("bob", "alice", webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer, SDP: "bob-offer",
	}))
	time.Sleep(50 * time.Millisecond)

	if n := f.signaler.countOf(protocol.TypeAnswer); n != 0 {
		t.Fatalf("initiator answered during glare (%d answers)", n)
	}
	if got := f.coord.LinkState("bob"); got != LinkOffering {
		t.Fatalf("link state %v, want offering", got)
	}

	// The race resolves to a single negotiation: bob demotes and answers.
	f.coord.HandleEnvelope(protocol.NewAnswer("bob", "alice", webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer, SDP: "answer-1",
	}))
	waitFor(t, "connected", func() bool { return f.coord.LinkState("bob") == LinkConnected })
}

func TestGlareNonInitiatorDemotesAndAnswers(t *testing.T) {
	f := newFixture(t, "bob", nil)

	// Force bob into offering toward alice, as a stale membership view
	// would: the wire can present an offer to a side that already sent
	// its own.
	runOnLoop(t, f.coord, func() {
		link := &peerLink{remoteID: "alice", state: LinkIdle}
		f.coord.links["alice"] = link
		f.coord.startOffer(link)
	})
	waitFor(t, "bob's own offer", func() bool { return f.signaler.countOf(protocol.TypeOffer) == 1 })
	firstTransport := f.factory.at(0)

	// Alice's competing offer arrives. Bob is not the deterministic
	// initiator, so he discards his own offer and answers hers.
	f.coord.HandleEnvelope(protocol.NewOffer("alice", "bob", webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer, SDP: "alice-offer",
	}))
	waitFor(t, "demoted answer", func() bool { return f.signaler.countOf(protocol.TypeAnswer) == 1 })

	if !firstTransport.snapshot().closed {
		t.Fatal("discarded offer's transport was not released")
	}
	if f.factory.count() != 2 {
		t.Fatalf("expected a fresh transport for the answer, built %d", f.factory.count())
	}
	if got := f.factory.at(1).snapshot().remoteDescs; len(got) != 1 || got[0].SDP != "alice-offer" {
		t.Fatalf("alice's offer not applied on fresh transport: %+v", got)
	}
	if got := f.coord.LinkState("alice"); got != LinkAnswering {
		t.Fatalf("link state %v, want answering", got)
	}
}

func TestCandidatesBufferedUntilRemoteDescription(t *testing.T) {
	f := newFixture(t, "bob", nil)

	early := []webrtc.ICECandidateInit{
		{Candidate: "candidate:0"},
		{Candidate: "candidate:1"},
		{Candidate: "candidate:2"},
	}
	for _, cand := range early {
		f.coord.HandleEnvelope(protocol.NewICECandidate("alice", "bob", cand))
	}
	time.Sleep(20 * time.Millisecond)
	if f.factory.count() != 0 {
		t.Fatal("candidates alone must not build a transport")
	}

	f.coord.HandleEnvelope(protocol.NewOffer("alice", "bob", webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer, SDP: "offer-1",
	}))
	waitFor(t, "answer", func() bool { return f.signaler.countOf(protocol.TypeAnswer) == 1 })

	got := f.factory.at(0).snapshot().candidates
	if len(got) != 3 {
		t.Fatalf("flushed %d candidates, want 3", len(got))
	}
	for i, cand := range got {
		if cand.Candidate != fmt.Sprintf("candidate:%d", i) {
			t.Fatalf("candidates flushed out of order: %+v", got)
		}
	}

	// Post-description candidates apply immediately.
	f.coord.HandleEnvelope(protocol.NewICECandidate("alice", "bob", webrtc.ICECandidateInit{Candidate: "candidate:3"}))
	waitFor(t, "late candidate", func() bool {
		return len(f.factory.at(0).snapshot().candidates) == 4
	})
}

func TestLeaveClosesLinkAndReleasesTransport(t *testing.T) {
	f := newFixture(t, "alice", nil)

	f.coord.HandleEnvelope(protocol.NewJoin("bob", ""))
	waitFor(t, "offer", func() bool { return f.signaler.countOf(protocol.TypeOffer) == 1 })

	f.coord.HandleEnvelope(protocol.NewLeave("bob", protocol.ReasonLeft))
	waitFor(t, "transport released", func() bool { return f.factory.at(0).snapshot().closed })

	if members := f.coord.Members(); len(members) != 0 {
		t.Fatalf("bob still in membership: %+v", members)
	}

	// Candidates for the departed peer must not resurrect the link.
	f.coord.HandleEnvelope(protocol.NewICECandidate("bob", "alice", webrtc.ICECandidateInit{Candidate: "candidate:9"}))
	time.Sleep(20 * time.Millisecond)
	if f.factory.count() != 1 {
		t.Fatalf("departed peer rebuilt a transport")
	}
}

func TestRejoinRestartsNegotiation(t *testing.T) {
	f := newFixture(t, "alice", nil)

	f.coord.HandleEnvelope(protocol.NewJoin("bob", ""))
	waitFor(t, "first offer", func() bool { return f.signaler.countOf(protocol.TypeOffer) == 1 })

	f.coord.HandleEnvelope(protocol.NewLeave("bob", protocol.ReasonLeft))
	f.coord.HandleEnvelope(protocol.NewJoin("bob", ""))
	waitFor(t, "fresh offer after rejoin", func() bool { return f.signaler.countOf(protocol.TypeOffer) == 2 })

	if f.factory.count() != 2 {
		t.Fatalf("rejoin reused the dead transport (%d built)", f.factory.count())
	}
}

func TestTransientTransportFailureIsDebounced(t *testing.T) {
	f := newFixture(t, "alice", func(cfg *Config) {
		cfg.FailureDebounce = 60 * time.Millisecond
	})

	f.coord.HandleEnvelope(protocol.NewJoin("bob", ""))
	waitFor(t, "offer", func() bool { return f.signaler.countOf(protocol.TypeOffer) == 1 })
	f.coord.HandleEnvelope(protocol.NewAnswer("bob", "alice", webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer, SDP: "answer-1",
	}))
	waitFor(t, "connected", func() bool { return f.coord.LinkState("bob") == LinkConnected })

	tr := f.factory.at(0)
	tr.emitState(webrtc.PeerConnectionStateDisconnected)
	time.Sleep(20 * time.Millisecond)
	tr.emitState(webrtc.PeerConnectionStateConnected)

	// The hiccup was shorter than the debounce: no renegotiation.
	time.Sleep(100 * time.Millisecond)
	if n := f.signaler.countOf(protocol.TypeOffer); n != 1 {
		t.Fatalf("transient failure triggered %d extra offers", n-1)
	}
	if got := f.coord.LinkState("bob"); got != LinkConnected {
		t.Fatalf("link state %v, want connected", got)
	}
}

func TestPersistentFailureRetriesOnceThenSurfaces(t *testing.T) {
	var downMu sync.Mutex
	var down []string

	f := newFixture(t, "alice", func(cfg *Config) {
		cfg.FailureDebounce = 30 * time.Millisecond
		cfg.OnPeerDown = func(remoteID string) {
			downMu.Lock()
			down = append(down, remoteID)
			downMu.Unlock()
		}
	})

	f.coord.HandleEnvelope(protocol.NewJoin("bob", ""))
	waitFor(t, "offer", func() bool { return f.signaler.countOf(protocol.TypeOffer) == 1 })
	f.coord.HandleEnvelope(protocol.NewAnswer("bob", "alice", webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer, SDP: "answer-1",
	}))
	waitFor(t, "connected", func() bool { return f.coord.LinkState("bob") == LinkConnected })

	// First sustained failure: one unsolicited re-offer.
	f.factory.at(0).emitState(webrtc.PeerConnectionStateFailed)
	waitFor(t, "re-offer", func() bool { return f.signaler.countOf(protocol.TypeOffer) == 2 })
	if f.factory.count() != 2 {
		t.Fatalf("re-offer did not rebuild the transport (%d built)", f.factory.count())
	}

	f.coord.HandleEnvelope(protocol.NewAnswer("bob", "alice", webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer, SDP: "answer-2",
	}))
	waitFor(t, "reconnected", func() bool { return f.coord.LinkState("bob") == LinkConnected })

	// Second sustained failure inside the same negotiation cycle... the
	// successful reconnect reset the budget, so one more retry is allowed.
	f.factory.at(1).emitState(webrtc.PeerConnectionStateFailed)
	waitFor(t, "second re-offer", func() bool { return f.signaler.countOf(protocol.TypeOffer) == 3 })

	// No answer this time; the retry's transport also fails.
	f.factory.at(2).emitState(webrtc.PeerConnectionStateFailed)
	waitFor(t, "peer down surfaced", func() bool {
		downMu.Lock()
		defer downMu.Unlock()
		return len(down) == 1 && down[0] == "bob"
	})
	if got := f.coord.LinkState("bob"); got != LinkFailed {
		t.Fatalf("link state %v, want failed", got)
	}
}

func TestStalledNegotiationSurfacesAsFailed(t *testing.T) {
	var downMu sync.Mutex
	downCount := 0

	f := newFixture(t, "alice", func(cfg *Config) {
		cfg.NegotiationTimeout = 40 * time.Millisecond
		cfg.OnPeerDown = func(string) {
			downMu.Lock()
			downCount++
			downMu.Unlock()
		}
	})

	f.coord.HandleEnvelope(protocol.NewJoin("bob", ""))
	waitFor(t, "offer", func() bool { return f.signaler.countOf(protocol.TypeOffer) == 1 })

	// No answer ever arrives: one retry, then the failure surfaces
	// instead of hanging in offering forever.
	waitFor(t, "retry offer", func() bool { return f.signaler.countOf(protocol.TypeOffer) == 2 })
	waitFor(t, "failure surfaced", func() bool {
		downMu.Lock()
		defer downMu.Unlock()
		return downCount == 1
	})
	if got := f.coord.LinkState("bob"); got != LinkFailed {
		t.Fatalf("link state %v, want failed", got)
	}
}

func TestSnapshotReconciliation(t *testing.T) {
	f := newFixture(t, "bob", nil)

	f.coord.HandleEnvelope(protocol.NewRoomState([]protocol.User{user("alice"), user("bob")}, 2))
	waitFor(t, "alice in members", func() bool { return len(f.coord.Members()) == 2 })

	// Stale poll result must not roll the view back.
	f.coord.HandleSnapshot([]protocol.User{user("bob")}, 1)
	time.Sleep(20 * time.Millisecond)
	if got := f.coord.Members(); len(got) != 2 {
		t.Fatalf("stale snapshot applied: %+v", got)
	}

	// A newer poll result revealing a missed leave closes the link.
	f.coord.HandleEnvelope(protocol.NewOffer("alice", "bob", webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer, SDP: "offer-1",
	}))
	waitFor(t, "answer", func() bool { return f.signaler.countOf(protocol.TypeAnswer) == 1 })

	f.coord.HandleSnapshot([]protocol.User{user("bob")}, 5)
	waitFor(t, "missed leave reconciled", func() bool {
		return f.factory.at(0).snapshot().closed
	})
	if got := f.coord.Members(); len(got) != 1 || got[0].ParticipantID != "bob" {
		t.Fatalf("members after reconciliation: %+v", got)
	}

	// A later push revealing a rejoin restarts cleanly.
	f.coord.HandleEnvelope(protocol.NewJoin("alice", ""))
	time.Sleep(20 * time.Millisecond)
	if got := f.coord.LinkState("alice"); got != LinkIdle {
		t.Fatalf("responder link state %v after rejoin, want idle", got)
	}
}

func TestCloseReleasesEverything(t *testing.T) {
	f := newFixture(t, "alice", nil)

	f.coord.HandleEnvelope(protocol.NewRoomState([]protocol.User{user("alice"), user("bob"), user("carol")}, 3))
	waitFor(t, "offers", func() bool { return f.signaler.countOf(protocol.TypeOffer) == 2 })

	f.coord.Close()

	for i := 0; i < f.factory.count(); i++ {
		if !f.factory.at(i).snapshot().closed {
			t.Fatalf("transport %d not released on close", i)
		}
	}
}

func TestLocalCandidatesAreForwarded(t *testing.T) {
	f := newFixture(t, "alice", nil)

	f.coord.HandleEnvelope(protocol.NewJoin("bob", ""))
	waitFor(t, "offer", func() bool { return f.signaler.countOf(protocol.TypeOffer) == 1 })

	f.factory.at(0).emitCandidate(webrtc.ICECandidateInit{Candidate: "candidate:local-0"})
	waitFor(t, "candidate envelope", func() bool {
		return f.signaler.countOf(protocol.TypeICECandidate) == 1
	})

	for _, m := range f.signaler.messages() {
		if cand, ok := m.(protocol.ICECandidate); ok {
			if cand.SenderID != "alice" || cand.TargetID != "bob" {
				t.Fatalf("candidate routing: %+v", cand)
			}
		}
	}
}

func TestRepeatJoinWithNewDisplayNameNotifiesObservers(t *testing.T) {
	var mu sync.Mutex
	var lists [][]protocol.User
	f := newFixture(t, "alice", func(cfg *Config) {
		cfg.OnMembers = func(users []protocol.User) {
			mu.Lock()
			lists = append(lists, users)
			mu.Unlock()
		}
	})

	f.coord.HandleEnvelope(protocol.NewJoin("bob", "Bob"))
	waitFor(t, "first membership callback", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(lists) == 1
	})

	// Bob reconnects under a new name: same identity, fresh join envelope.
	f.coord.HandleEnvelope(protocol.NewJoin("bob", "Bobby"))
	waitFor(t, "rename callback", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(lists) == 2
	})

	mu.Lock()
	last := lists[len(lists)-1]
	mu.Unlock()
	if len(last) != 1 || last[0].DisplayName != "Bobby" {
		t.Fatalf("rename not delivered: %+v", last)
	}

	// A byte-identical repeat join must not re-notify.
	f.coord.HandleEnvelope(protocol.NewJoin("bob", "Bobby"))
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	n := len(lists)
	mu.Unlock()
	if n != 2 {
		t.Fatalf("duplicate join re-notified observers: %d callbacks", n)
	}
}
