package negotiation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/pickup-matching/internal/models"
)

type fakeStore struct {
	req      models.PackageRequest
	reveals  int
	msgs     []models.Message
	failSend bool
}

func (f *fakeStore) GetRequest(id string) (models.PackageRequest, bool) {
	if id != f.req.ID {
		return models.PackageRequest{}, false
	}
	return f.req, true
}

func (f *fakeStore) RevealRequest(id string) error {
	if id != f.req.ID {
		return errors.New("not found")
	}
	f.reveals++
	f.req.IsHidden = false
	return nil
}

func (f *fakeStore) SendMessage(requestID string, msg models.Message) error {
	if f.failSend {
		return errors.New("send failed")
	}
	f.msgs = append(f.msgs, msg)
	return nil
}

func (f *fakeStore) last() models.Message { return f.msgs[len(f.msgs)-1] }

func testRequest(reward int) models.PackageRequest {
	return models.PackageRequest{
		ID:             "req1",
		Requester:      models.User{ID: "requester", Rating: 4.9, Karma: 600},
		Location:       "Meitar Center post office",
		Reward:         reward,
		Status:         models.StatusPending,
		IsHidden:       true,
		TrackingNumber: "RR123456789IL",
	}
}

func collector() models.User { return models.User{ID: "collector"} }

// gate that fails the test if the wait is ever armed
func noWaitGate(t *testing.T) Gate {
	return Gate{Threshold: 5, Wait: time.Hour, After: func(time.Duration) <-chan time.Time {
		t.Error("incentive gate must not arm for this reward")
		ch := make(chan time.Time, 1)
		ch <- time.Time{}
		return ch
	}}
}

func instantGate() Gate {
	return Gate{Threshold: 5, Wait: time.Hour, After: func(time.Duration) <-chan time.Time {
		ch := make(chan time.Time, 1)
		ch <- time.Time{}
		return ch
	}}
}

func TestFullDealFlowWithoutGate(t *testing.T) {
	store := &fakeStore{req: testRequest(25)}
	s := newSession(store.req, collector(), store, noWaitGate(t), nil)

	if err := s.Propose("collector", 25); err != nil {
		t.Fatalf("propose: %v", err)
	}
	if s.DealStatus() != models.DealProposed {
		t.Fatalf("expected proposed, got %s", s.DealStatus())
	}
	if m := store.last(); m.Type != models.MessageDealProposal || m.Price != 25 {
		t.Fatalf("expected proposal message with price, got %+v", m)
	}

	if err := s.Accept("requester"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if m := store.last(); m.Type != models.MessageDealSuccess || m.SenderID != models.SystemSenderID {
		t.Fatalf("expected system deal success message, got %+v", m)
	}

	if err := s.Reveal(context.Background(), "collector"); err != nil {
		t.Fatalf("reveal: %v", err)
	}
	if s.DealStatus() != models.DealCompleted {
		t.Fatalf("expected completed, got %s", s.DealStatus())
	}
	if store.reveals != 1 || store.req.IsHidden {
		t.Fatalf("reveal must unhide the request exactly once, reveals=%d hidden=%v", store.reveals, store.req.IsHidden)
	}
	m := store.last()
	if m.Type != models.MessageSensitiveDetails || m.Tracking != "RR123456789IL" || m.Location == "" {
		t.Fatalf("sensitive details message must carry the real tracking and location, got %+v", m)
	}
}

func TestRevealIdempotent(t *testing.T) {
	store := &fakeStore{req: testRequest(25)}
	s := newSession(store.req, collector(), store, noWaitGate(t), nil)
	mustReachAccepted(t, s)

	if err := s.Reveal(context.Background(), "collector"); err != nil {
		t.Fatalf("first reveal: %v", err)
	}
	msgCount := len(store.msgs)
	// a retried tap is a no-op, not an error
	if err := s.Reveal(context.Background(), "collector"); err != nil {
		t.Fatalf("duplicate reveal must be a no-op, got %v", err)
	}
	if len(store.msgs) != msgCount {
		t.Fatal("duplicate reveal must not append another system message")
	}
	if store.reveals != 1 {
		t.Fatalf("duplicate reveal must not re-fire side effects, reveals=%d", store.reveals)
	}
}

func TestIncentiveGateHoldsFreeDeal(t *testing.T) {
	store := &fakeStore{req: testRequest(0)}
	fire := make(chan time.Time)
	gate := Gate{Threshold: 5, Wait: 5 * time.Second, After: func(time.Duration) <-chan time.Time { return fire }}
	s := newSession(store.req, collector(), store, gate, nil)
	mustReachAccepted(t, s)

	done := make(chan error, 1)
	go func() { done <- s.Reveal(context.Background(), "collector") }()

	// before the wait elapses nothing may be disclosed
	time.Sleep(10 * time.Millisecond)
	if s.DealStatus() != models.DealAccepted {
		t.Fatalf("mid-wait status must stay accepted, got %s", s.DealStatus())
	}
	if store.reveals != 0 || !store.req.IsHidden {
		t.Fatal("mid-wait the request must stay hidden")
	}

	fire <- time.Time{}
	if err := <-done; err != nil {
		t.Fatalf("reveal after wait: %v", err)
	}
	if s.DealStatus() != models.DealCompleted || store.req.IsHidden {
		t.Fatal("after the wait elapses the reveal must complete")
	}
}

func TestIncentiveGateDiscardedOnCancel(t *testing.T) {
	store := &fakeStore{req: testRequest(0)}
	fire := make(chan time.Time)
	gate := Gate{Threshold: 5, Wait: 5 * time.Second, After: func(time.Duration) <-chan time.Time { return fire }}
	s := newSession(store.req, collector(), store, gate, nil)
	mustReachAccepted(t, s)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Reveal(ctx, "collector") }()
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if s.DealStatus() != models.DealAccepted || store.reveals != 0 {
		t.Fatal("cancelled wait must leave no state change")
	}

	// no persisted partial progress: a fresh reveal restarts the wait
	s.gate = instantGate()
	if err := s.Reveal(context.Background(), "collector"); err != nil {
		t.Fatalf("restarted reveal: %v", err)
	}
	if s.DealStatus() != models.DealCompleted {
		t.Fatal("restarted reveal must complete")
	}
}

func TestGateAppliesToSubThresholdRewards(t *testing.T) {
	g := Gate{Threshold: 5}
	if !g.Applies(0) || !g.Applies(4) {
		t.Fatal("zero and sub-threshold rewards must be gated")
	}
	if g.Applies(5) || g.Applies(25) {
		t.Fatal("rewards at or above threshold must not be gated")
	}
	// reward zero stays gated even with a zero threshold
	if !(Gate{Threshold: 0}).Applies(0) {
		t.Fatal("a favor deal is always gated")
	}
}

func TestStrangerRejectedEverywhere(t *testing.T) {
	store := &fakeStore{req: testRequest(25)}
	s := newSession(store.req, collector(), store, noWaitGate(t), nil)

	if err := s.Send("stranger", "hi"); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("send: expected ErrNotParticipant, got %v", err)
	}
	if err := s.Propose("stranger", 10); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("propose: expected ErrNotParticipant, got %v", err)
	}
	mustReachAccepted(t, s)
	if err := s.Reveal(context.Background(), "stranger"); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("reveal: expected ErrNotParticipant, got %v", err)
	}
	if len(store.msgs) != 2 { // proposal + success only
		t.Fatalf("rejected actions must not append messages, got %d", len(store.msgs))
	}
}

func TestNoBackEdges(t *testing.T) {
	store := &fakeStore{req: testRequest(25)}
	s := newSession(store.req, collector(), store, noWaitGate(t), nil)

	if err := s.Reveal(context.Background(), "collector"); !errors.Is(err, ErrBadTransition) {
		t.Fatalf("reveal from NONE: expected ErrBadTransition, got %v", err)
	}
	if err := s.Accept("requester"); !errors.Is(err, ErrBadTransition) {
		t.Fatalf("accept from NONE: expected ErrBadTransition, got %v", err)
	}

	if err := s.Propose("collector", 25); err != nil {
		t.Fatal(err)
	}
	if err := s.Propose("requester", 30); !errors.Is(err, ErrBadTransition) {
		t.Fatalf("second proposal: expected ErrBadTransition, got %v", err)
	}
	if err := s.Accept("collector"); !errors.Is(err, ErrSelfAccept) {
		t.Fatalf("self accept: expected ErrSelfAccept, got %v", err)
	}
	if err := s.Accept("requester"); err != nil {
		t.Fatal(err)
	}
	if err := s.Reveal(context.Background(), "requester"); err != nil {
		t.Fatal(err)
	}

	// terminal: no further proposals, but free text stays open
	if err := s.Propose("collector", 10); !errors.Is(err, ErrBadTransition) {
		t.Fatalf("propose after COMPLETED: expected ErrBadTransition, got %v", err)
	}
	if err := s.Send("collector", "see you at the locker"); err != nil {
		t.Fatalf("advisory text after COMPLETED must be allowed, got %v", err)
	}
}

func TestMessageTimestampsStrictlyOrdered(t *testing.T) {
	store := &fakeStore{req: testRequest(25)}
	s := newSession(store.req, collector(), store, noWaitGate(t), nil)
	frozen := time.Now()
	s.now = func() time.Time { return frozen }

	for i := 0; i < 5; i++ {
		if err := s.Send("collector", "m"); err != nil {
			t.Fatal(err)
		}
	}
	for i := 1; i < len(store.msgs); i++ {
		if !store.msgs[i].Timestamp.After(store.msgs[i-1].Timestamp) {
			t.Fatalf("timestamps must be strictly increasing, %v !> %v",
				store.msgs[i].Timestamp, store.msgs[i-1].Timestamp)
		}
	}
}

func mustReachAccepted(t *testing.T, s *Session) {
	t.Helper()
	if err := s.Propose("collector", s.reward); err != nil {
		t.Fatal(err)
	}
	if err := s.Accept("requester"); err != nil {
		t.Fatal(err)
	}
}
