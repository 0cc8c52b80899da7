package storage

import (
	"testing"
	"time"

	"github.com/example/pickup-matching/internal/models"
)

func testRequest(id, city, community string) models.PackageRequest {
	return models.PackageRequest{
		ID: id,
		Requester: models.User{
			ID: "r-" + id, Name: "Requester", Rating: 4.9, Karma: 600,
			City: city, Community: community,
		},
		Location:       "post office",
		Reward:         20,
		Type:           models.TypeSmall,
		Status:         models.StatusPending,
		IsHidden:       true,
		TrackingNumber: "LP987654321IL",
	}
}

func TestStatusForwardOnly(t *testing.T) {
	s := NewMemoryStore()
	id, err := s.CreateRequest(testRequest("a", "Meitar", "Carmit"))
	if err != nil {
		t.Fatal(err)
	}

	if err := s.UpdateRequestStatus(id, models.StatusAccepted, "c1"); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateRequestStatus(id, models.StatusCompleted, ""); err != nil {
		t.Fatal(err)
	}
	req, _ := s.GetRequest(id)
	if req.Status != models.StatusCompleted || req.CollectorID != "c1" {
		t.Fatalf("unexpected record: %+v", req)
	}

	// regression is a successful no-op, not a conflict
	if err := s.UpdateRequestStatus(id, models.StatusPending, ""); err != nil {
		t.Fatalf("regression must be a no-op, got %v", err)
	}
	req, _ = s.GetRequest(id)
	if req.Status != models.StatusCompleted {
		t.Fatal("status must never move backwards")
	}
}

func TestCompletedAtStampedOnce(t *testing.T) {
	s := NewMemoryStore()
	now := time.Now()
	s.now = func() time.Time { return now }
	id, _ := s.CreateRequest(testRequest("a", "Meitar", "Carmit"))

	if err := s.UpdateRequestStatus(id, models.StatusCompleted, "c1"); err != nil {
		t.Fatal(err)
	}
	req, _ := s.GetRequest(id)
	if req.CompletedAt == nil || !req.CompletedAt.Equal(now) {
		t.Fatalf("completedAt not stamped: %+v", req.CompletedAt)
	}

	s.now = func() time.Time { return now.Add(time.Hour) }
	if err := s.UpdateRequestStatus(id, models.StatusCompleted, ""); err != nil {
		t.Fatal(err)
	}
	req, _ = s.GetRequest(id)
	if !req.CompletedAt.Equal(now) {
		t.Fatal("completedAt must be stamped exactly once")
	}
}

func TestUnknownStatusRejected(t *testing.T) {
	s := NewMemoryStore()
	id, _ := s.CreateRequest(testRequest("a", "Meitar", "Carmit"))
	if err := s.UpdateRequestStatus(id, "lost", ""); err != ErrUnknownStatus {
		t.Fatalf("expected ErrUnknownStatus, got %v", err)
	}
	if err := s.UpdateRequestStatus("missing", models.StatusAccepted, ""); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCompletionCreditsKarma(t *testing.T) {
	s := NewMemoryStore()
	s.UpsertUser(models.User{ID: "r-a", Karma: 100})
	s.UpsertUser(models.User{ID: "c1", Karma: 50})
	id, _ := s.CreateRequest(testRequest("a", "Meitar", "Carmit"))

	if err := s.UpdateRequestStatus(id, models.StatusAccepted, "c1"); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateRequestStatus(id, models.StatusCompleted, ""); err != nil {
		t.Fatal(err)
	}
	if u, _ := s.GetUser("r-a"); u.Karma != 100+completionKarma {
		t.Fatalf("requester karma not credited: %d", u.Karma)
	}
	if u, _ := s.GetUser("c1"); u.Karma != 50+completionKarma {
		t.Fatalf("collector karma not credited: %d", u.Karma)
	}
}

func TestUpsertKeepsKarmaMonotonic(t *testing.T) {
	s := NewMemoryStore()
	s.UpsertUser(models.User{ID: "u1", Name: "Rina", Karma: 100})

	// a profile edit based on a read taken before a completion credit
	s.UpsertUser(models.User{ID: "u1", Name: "Rina L.", Karma: 40})
	u, _ := s.GetUser("u1")
	if u.Karma != 100 {
		t.Fatalf("stale upsert must not roll karma back, got %d", u.Karma)
	}
	if u.Name != "Rina L." {
		t.Fatalf("profile fields must still update, got %q", u.Name)
	}

	s.UpsertUser(models.User{ID: "u1", Name: "Rina L.", Karma: 150})
	if u, _ := s.GetUser("u1"); u.Karma != 150 {
		t.Fatalf("higher karma must win, got %d", u.Karma)
	}
}

func TestSubscriptionKeying(t *testing.T) {
	s := NewMemoryStore()
	if _, err := s.CreateRequest(testRequest("a", "Meitar", "Carmit")); err != nil {
		t.Fatal(err)
	}
	if _, err := s.CreateRequest(testRequest("b", "Meitar", "Nofim")); err != nil {
		t.Fatal(err)
	}
	if _, err := s.CreateRequest(testRequest("c", "Tel Aviv", "Florentin")); err != nil {
		t.Fatal(err)
	}

	local := s.Subscribe(FilterKey{City: "Meitar", Community: "Carmit"})
	defer local.Cancel()
	snap := <-local.C
	if len(snap) != 1 || snap[0].ID != "a" {
		t.Fatalf("local key must scope to the community, got %v", ids(snap))
	}

	universal := s.Subscribe(FilterKey{City: "Meitar", Universal: true})
	defer universal.Cancel()
	snap = <-universal.C
	if len(snap) != 2 {
		t.Fatalf("universal key must span the city, got %v", ids(snap))
	}
}

func TestSubscriptionSeesUpdates(t *testing.T) {
	s := NewMemoryStore()
	sub := s.Subscribe(FilterKey{City: "Meitar", Community: "Carmit"})
	defer sub.Cancel()
	if snap := <-sub.C; len(snap) != 0 {
		t.Fatalf("initial snapshot must be empty, got %v", ids(snap))
	}

	id, _ := s.CreateRequest(testRequest("a", "Meitar", "Carmit"))
	if snap := <-sub.C; len(snap) != 1 {
		t.Fatalf("create must be broadcast, got %v", ids(snap))
	}

	// completion drops the request out of the keyed snapshot
	_ = s.UpdateRequestStatus(id, models.StatusCompleted, "c1")
	if snap := <-sub.C; len(snap) != 0 {
		t.Fatalf("completed request must leave the snapshot, got %v", ids(snap))
	}
}

func TestSubscriptionLatestWins(t *testing.T) {
	s := NewMemoryStore()
	sub := s.Subscribe(FilterKey{City: "Meitar", Community: "Carmit"})
	defer sub.Cancel()

	// nobody reading: several writes must not block
	for i := 0; i < 10; i++ {
		if _, err := s.CreateRequest(testRequest(string(rune('a'+i)), "Meitar", "Carmit")); err != nil {
			t.Fatal(err)
		}
	}
	snap := <-sub.C
	if len(snap) != 10 {
		t.Fatalf("late reader must get the latest snapshot, got %d", len(snap))
	}
}

func TestCancelStopsDelivery(t *testing.T) {
	s := NewMemoryStore()
	sub := s.Subscribe(FilterKey{City: "Meitar", Community: "Carmit"})
	<-sub.C
	sub.Cancel()
	if _, err := s.CreateRequest(testRequest("a", "Meitar", "Carmit")); err != nil {
		t.Fatal(err)
	}
	select {
	case snap := <-sub.C:
		if len(snap) != 0 {
			t.Fatal("cancelled subscription must not receive new snapshots")
		}
	default:
	}
}

func TestMessageLogOrdered(t *testing.T) {
	s := NewMemoryStore()
	id, _ := s.CreateRequest(testRequest("a", "Meitar", "Carmit"))
	base := time.Now()

	// append out of order; replay must be timestamp-ordered
	_ = s.SendMessage(id, models.Message{ID: "m2", SenderID: "c1", Type: models.MessageText, Text: "two", Timestamp: base.Add(2 * time.Second)})
	_ = s.SendMessage(id, models.Message{ID: "m1", SenderID: "c1", Type: models.MessageText, Text: "one", Timestamp: base.Add(1 * time.Second)})
	_ = s.SendMessage(id, models.Message{ID: "m3", SenderID: "c1", Type: models.MessageText, Text: "three", Timestamp: base.Add(3 * time.Second)})

	log := s.Messages(id)
	if len(log) != 3 || log[0].ID != "m1" || log[1].ID != "m2" || log[2].ID != "m3" {
		t.Fatalf("log must replay in timestamp order, got %v", log)
	}

	if err := s.SendMessage("missing", models.Message{Text: "x"}); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMessageSubscription(t *testing.T) {
	s := NewMemoryStore()
	id, _ := s.CreateRequest(testRequest("a", "Meitar", "Carmit"))
	sub := s.SubscribeMessages(id)
	defer sub.Cancel()
	<-sub.C

	_ = s.SendMessage(id, models.Message{ID: "m1", SenderID: "c1", Type: models.MessageText, Text: "hello"})
	log := <-sub.C
	if len(log) != 1 || log[0].Text != "hello" {
		t.Fatalf("message subscription must see the append, got %v", log)
	}
}

func TestRevealRequestIdempotent(t *testing.T) {
	s := NewMemoryStore()
	id, _ := s.CreateRequest(testRequest("a", "Meitar", "Carmit"))
	if err := s.RevealRequest(id); err != nil {
		t.Fatal(err)
	}
	req, _ := s.GetRequest(id)
	if req.IsHidden {
		t.Fatal("reveal must unhide")
	}
	if err := s.RevealRequest(id); err != nil {
		t.Fatalf("second reveal must be a no-op, got %v", err)
	}
}

func ids(reqs []models.PackageRequest) []string {
	out := make([]string, 0, len(reqs))
	for _, r := range reqs {
		out = append(out, r.ID)
	}
	return out
}
