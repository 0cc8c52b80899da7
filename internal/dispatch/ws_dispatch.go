package dispatch

import (
	"errors"
	"log"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/example/pickup-matching/internal/models"
)

// FeedAlert tells a connected collector that a request landed in their
// scope. It carries the public listing fields only.
type FeedAlert struct {
	RequestID string             `json:"request_id"`
	City      string             `json:"city"`
	Community string             `json:"community"`
	Reward    int                `json:"reward"`
	Type      models.PackageType `json:"type"`
	Deadline  string             `json:"deadline"`
}

var ErrNoSession = errors.New("no ws session")

// WSSession represents one connected collector socket.
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex

	city      string
	community string
	universal bool
}

func (s *WSSession) Send(alert FeedAlert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(alert)
}

// inScope mirrors the feed's coarse match: universal sessions key on city,
// local ones on community.
func (s *WSSession) inScope(alert FeedAlert) bool {
	if s.universal {
		return s.city == alert.City
	}
	return s.community == alert.Community
}

// WSRegistry holds collector sessions keyed by user id.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
}

func NewWSRegistry() *WSRegistry { return &WSRegistry{sessions: make(map[string]*WSSession)} }

func (r *WSRegistry) Add(collectorID string, conn *websocket.Conn, city, community string, universal bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[collectorID] = &WSSession{conn: conn, city: city, community: community, universal: universal}
}

func (r *WSRegistry) Remove(collectorID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, collectorID)
}

// Alert pushes to one collector.
func (r *WSRegistry) Alert(collectorID string, alert FeedAlert) error {
	r.mu.RLock()
	s, ok := r.sessions[collectorID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	if err := s.Send(alert); err != nil {
		log.Printf("ws send error: %v", err)
		return err
	}
	return nil
}

// Broadcast pushes the alert to every connected collector whose declared
// scope covers it. Send failures are logged and skipped.
func (r *WSRegistry) Broadcast(alert FeedAlert) {
	r.mu.RLock()
	targets := make([]*WSSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		if s.inScope(alert) {
			targets = append(targets, s)
		}
	}
	r.mu.RUnlock()
	for _, s := range targets {
		if err := s.Send(alert); err != nil {
			log.Printf("ws broadcast error: %v", err)
		}
	}
}
