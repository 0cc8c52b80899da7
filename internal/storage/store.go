package storage

import (
	"errors"

	"github.com/example/pickup-matching/internal/models"
)

// FilterKey identifies one feed subscription. Snapshots are keyed by the
// viewer's city, community and universal flag; a viewer whose key changes
// (profile edit, universal toggle) cancels and re-issues the subscription.
type FilterKey struct {
	City      string
	Community string
	Universal bool
}

// Matches mirrors the server-side query of the reference store: active
// requests in the city, narrowed to the community for local collectors.
// Redaction and risk gating stay client-side, so this is a coarse filter
// only and the core re-derives visibility on every snapshot.
func (k FilterKey) Matches(req models.PackageRequest) bool {
	if req.Status != models.StatusPending && req.Status != models.StatusAccepted {
		return false
	}
	if req.Requester.City != k.City {
		return false
	}
	if !k.Universal && req.Requester.Community != k.Community {
		return false
	}
	return true
}

// Subscription is a live, eventually-consistent snapshot stream. C always
// carries the full current result set for the key, latest wins.
type Subscription struct {
	C      <-chan []models.PackageRequest
	cancel func()
}

func (s *Subscription) Cancel() {
	if s.cancel != nil {
		s.cancel()
	}
}

// MessageSubscription streams the full ordered log of one session.
type MessageSubscription struct {
	C      <-chan []models.Message
	cancel func()
}

func (s *MessageSubscription) Cancel() {
	if s.cancel != nil {
		s.cancel()
	}
}

// RequestStore is the sync contract the core consumes. The store owns
// retry/backoff and durability; the core only assumes forward-only status
// transitions and ordered message logs.
type RequestStore interface {
	CreateRequest(req models.PackageRequest) (string, error)
	GetRequest(id string) (models.PackageRequest, bool)
	UpdateRequestStatus(id string, status models.RequestStatus, collectorID string) error
	RevealRequest(id string) error
	Subscribe(key FilterKey) *Subscription

	SendMessage(requestID string, msg models.Message) error
	Messages(requestID string) []models.Message
	SubscribeMessages(requestID string) *MessageSubscription
}

var (
	ErrNotFound      = errors.New("request not found")
	ErrUnknownStatus = errors.New("unknown target status")
)
