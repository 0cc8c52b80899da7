package negotiation

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/example/pickup-matching/internal/models"
	"github.com/example/pickup-matching/internal/observability"
)

var (
	ErrRequestClaimed = errors.New("request already has an active session with another collector")
	ErrOwnRequest     = errors.New("cannot open a session against your own request")
	ErrNotPending     = errors.New("request is not pending")
)

// Manager owns the negotiation sessions, at most one active per request.
// It also answers reveal-authorization queries for the feed projection.
type Manager struct {
	mu       sync.Mutex
	store    Store
	gate     Gate
	logger   *slog.Logger
	sessions map[string]*Session // keyed by request id
}

func NewManager(store Store, gate Gate, logger *slog.Logger) *Manager {
	return &Manager{store: store, gate: gate, logger: logger, sessions: make(map[string]*Session)}
}

// Open creates (or returns) the session for a pending request. A second
// collector knocking on a claimed request is rejected; the collector who
// already holds the session gets it back.
func (m *Manager) Open(requestID string, collector models.User) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[requestID]; ok {
		if s.collectorID == collector.ID {
			return s, nil
		}
		return nil, ErrRequestClaimed
	}
	req, ok := m.store.GetRequest(requestID)
	if !ok {
		return nil, ErrRequestGone
	}
	if req.Requester.ID == collector.ID {
		return nil, ErrOwnRequest
	}
	if req.Status != models.StatusPending {
		return nil, ErrNotPending
	}
	s := newSession(req, collector, m.store, m.gate, m.logger)
	m.sessions[requestID] = s
	observability.SessionsActive.Inc()
	return s, nil
}

func (m *Manager) Get(requestID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[requestID]
	return s, ok
}

// Close tears the session down, abandoned or archived. Any incentive wait
// in flight is discarded with it; reopening starts the gate over.
func (m *Manager) Close(requestID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[requestID]; ok {
		s.close()
		delete(m.sessions, requestID)
		observability.SessionsActive.Dec()
	}
}

// RevealAuthorized satisfies the feed's Authorizer: a viewer may read the
// raw tracking number only through a session of their own that completed
// the reveal transition.
func (m *Manager) RevealAuthorized(viewerID, requestID string) bool {
	m.mu.Lock()
	s, ok := m.sessions[requestID]
	m.mu.Unlock()
	if !ok {
		return false
	}
	return s.DealStatus() == models.DealCompleted && s.Participant(viewerID)
}
