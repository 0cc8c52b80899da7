package negotiation

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/pickup-matching/internal/models"
	"github.com/example/pickup-matching/internal/observability"
)

var (
	ErrNotParticipant = errors.New("actor has no role in this session")
	ErrBadTransition  = errors.New("transition not legal from current deal status")
	ErrSelfAccept     = errors.New("a proposal cannot be accepted by its proposer")
	ErrRequestGone    = errors.New("underlying request no longer exists")
	ErrEmptyMessage   = errors.New("empty message")
	ErrSessionClosed  = errors.New("session torn down")
)

// Store is the slice of the sync contract the state machine needs: the
// authoritative request record, the one-time unhide write, and the ordered
// message log.
type Store interface {
	GetRequest(id string) (models.PackageRequest, bool)
	RevealRequest(id string) error
	SendMessage(requestID string, msg models.Message) error
}

// Gate is the incentive gate: zero and sub-threshold rewards must sit
// through a timed, non-skippable wait before the reveal fires. After is
// injectable so tests do not sleep; nil means time.After.
type Gate struct {
	Threshold int
	Wait      time.Duration
	After     func(time.Duration) <-chan time.Time
}

func (g Gate) Applies(reward int) bool {
	return reward == 0 || reward < g.Threshold
}

func (g Gate) after() <-chan time.Time {
	if g.After != nil {
		return g.After(g.Wait)
	}
	return time.After(g.Wait)
}

// Session drives one claimed request from anonymous listing to disclosed
// handoff: none -> proposed -> accepted -> completed, no back-edges.
// It is owned jointly by the requester and the collector who opened it.
type Session struct {
	mu sync.Mutex

	requestID   string
	requesterID string
	collectorID string

	deal       models.DealStatus
	proposedBy string
	reward     int

	store  Store
	gate   Gate
	logger *slog.Logger
	now    func() time.Time
	lastTS time.Time

	done   chan struct{}
	closed bool
}

func newSession(req models.PackageRequest, collector models.User, store Store, gate Gate, logger *slog.Logger) *Session {
	return &Session{
		requestID:   req.ID,
		requesterID: req.Requester.ID,
		collectorID: collector.ID,
		deal:        models.DealNone,
		reward:      req.Reward,
		store:       store,
		gate:        gate,
		logger:      logger,
		now:         time.Now,
		done:        make(chan struct{}),
	}
}

// close marks the session dead and wakes any reveal parked in the
// incentive wait. Idempotent.
func (s *Session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
}

func (s *Session) RequestID() string { return s.requestID }

func (s *Session) CollectorID() string { return s.collectorID }

func (s *Session) DealStatus() models.DealStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deal
}

func (s *Session) Participant(id string) bool {
	return id != "" && (id == s.requesterID || id == s.collectorID)
}

// Send appends a free-text message. Allowed in every state; after
// COMPLETED the exchange is advisory only.
func (s *Session) Send(senderID, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.Participant(senderID) {
		return ErrNotParticipant
	}
	if text == "" {
		return ErrEmptyMessage
	}
	return s.append(models.Message{SenderID: senderID, Type: models.MessageText, Text: text})
}

// Propose moves NONE -> PROPOSED, recording the offered price in the log.
// Either party may issue the proposal.
func (s *Session) Propose(actorID string, price int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.Participant(actorID) {
		return ErrNotParticipant
	}
	if s.deal != models.DealNone {
		return ErrBadTransition
	}
	if price < 0 {
		return errors.New("negative price")
	}
	if err := s.append(models.Message{SenderID: actorID, Type: models.MessageDealProposal, Price: price}); err != nil {
		return err
	}
	s.reward = price
	s.proposedBy = actorID
	s.deal = models.DealProposed
	return nil
}

// Accept moves PROPOSED -> ACCEPTED. Only the counterparty of the proposer
// may accept; there is no decline transition, acceptance is the sole exit.
func (s *Session) Accept(actorID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.Participant(actorID) {
		return ErrNotParticipant
	}
	if s.deal != models.DealProposed {
		return ErrBadTransition
	}
	if actorID == s.proposedBy {
		return ErrSelfAccept
	}
	if err := s.append(models.Message{SenderID: models.SystemSenderID, Type: models.MessageDealSuccess}); err != nil {
		return err
	}
	s.deal = models.DealAccepted
	return nil
}

// Reveal moves ACCEPTED -> COMPLETED: unhides the underlying request,
// appends the sensitive-details message with the real tracking number and
// exact location, and terminates the deal. When the incentive gate applies
// the caller sits through the wait first; cancelling ctx or tearing the
// session down mid-wait discards the wait with no state change, so a
// reopened session starts it over.
// Calling Reveal on an already-COMPLETED session is a no-op, not an error,
// since network retries of a user tap are expected.
func (s *Session) Reveal(ctx context.Context, actorID string) error {
	s.mu.Lock()
	if !s.Participant(actorID) {
		s.mu.Unlock()
		return ErrNotParticipant
	}
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	switch s.deal {
	case models.DealCompleted:
		s.mu.Unlock()
		return nil
	case models.DealAccepted:
	default:
		s.mu.Unlock()
		return ErrBadTransition
	}
	gated := s.gate.Applies(s.reward)
	s.mu.Unlock()

	if gated {
		observability.IncentiveWaitsTotal.Inc()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return ErrSessionClosed
		case <-s.gate.after():
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// the timer and a teardown can fire together; the closed flag wins
	if s.closed {
		return ErrSessionClosed
	}
	switch s.deal {
	case models.DealCompleted:
		// a concurrent reveal won the race
		return nil
	case models.DealAccepted:
	default:
		return ErrBadTransition
	}

	req, ok := s.store.GetRequest(s.requestID)
	if !ok {
		return ErrRequestGone
	}
	if err := s.store.RevealRequest(s.requestID); err != nil {
		return err
	}
	if err := s.append(models.Message{
		SenderID: models.SystemSenderID,
		Type:     models.MessageSensitiveDetails,
		Tracking: req.TrackingNumber,
		Location: req.Location,
	}); err != nil {
		// the request is already unhidden, so the participant can still
		// read the record; log and complete rather than wedge the session
		s.logf("sensitive details message append failed", "request_id", s.requestID, "error", err)
	}
	s.deal = models.DealCompleted
	observability.RevealsTotal.Inc()
	return nil
}

// append stamps and forwards a message to the store. Timestamps are forced
// strictly increasing within the session so replay order is unambiguous.
func (s *Session) append(msg models.Message) error {
	ts := s.now()
	if !ts.After(s.lastTS) {
		ts = s.lastTS.Add(time.Nanosecond)
	}
	s.lastTS = ts
	msg.ID = uuid.NewString()
	msg.Timestamp = ts
	return s.store.SendMessage(s.requestID, msg)
}

func (s *Session) logf(msg string, args ...any) {
	if s.logger != nil {
		s.logger.Error(msg, args...)
	}
}
