package models

import (
	"errors"
	"time"
)

// PackageType is the advertised parcel size.
type PackageType string

const (
	TypeSmall  PackageType = "small"
	TypeMedium PackageType = "medium"
	TypeLarge  PackageType = "large"
)

// RequestStatus moves forward only: pending -> accepted -> completed.
type RequestStatus string

const (
	StatusPending   RequestStatus = "pending"
	StatusAccepted  RequestStatus = "accepted"
	StatusCompleted RequestStatus = "completed"
)

var statusRank = map[RequestStatus]int{
	StatusPending:   0,
	StatusAccepted:  1,
	StatusCompleted: 2,
}

// Known reports whether s is one of the defined statuses.
func (s RequestStatus) Known() bool {
	_, ok := statusRank[s]
	return ok
}

// Before reports whether s is strictly earlier than t in the lifecycle.
func (s RequestStatus) Before(t RequestStatus) bool {
	return statusRank[s] < statusRank[t]
}

// DealStatus tracks a negotiation session: none -> proposed -> accepted -> completed.
type DealStatus string

const (
	DealNone      DealStatus = "none"
	DealProposed  DealStatus = "proposed"
	DealAccepted  DealStatus = "accepted"
	DealCompleted DealStatus = "completed"
)

type User struct {
	ID                   string  `json:"id"`
	Name                 string  `json:"name"`
	Avatar               string  `json:"avatar"`
	Karma                int     `json:"karma"`
	Rating               float64 `json:"rating"` // 0..5, 0 means unrated
	CollectorRating      float64 `json:"collectorRating,omitempty"`
	RequesterRating      float64 `json:"requesterRating,omitempty"`
	City                 string  `json:"city"`
	Community            string  `json:"community"`
	IsCollectorMode      bool    `json:"isCollectorMode"`
	IsUniversalCollector bool    `json:"isUniversalCollector"`
}

// PackageRequest is one parcel awaiting pickup. Requester is a snapshot
// taken at creation time, not a live reference.
type PackageRequest struct {
	ID             string        `json:"id"`
	Requester      User          `json:"requester"`
	Location       string        `json:"location"`
	Distance       string        `json:"distance"` // display only
	Reward         int           `json:"reward"`   // 0 means a favor deal
	Deadline       string        `json:"deadline"`
	Type           PackageType   `json:"type"`
	Status         RequestStatus `json:"status"`
	IsHidden       bool          `json:"isHidden"`
	TrackingNumber string        `json:"trackingNumber,omitempty"`
	IsAiVerified   bool          `json:"isAiVerified,omitempty"`
	CollectorID    string        `json:"collectorId,omitempty"`
	CreatedAt      time.Time     `json:"createdAt"`
	CompletedAt    *time.Time    `json:"completedAt,omitempty"`
}

var (
	ErrNoRequester    = errors.New("request has no requester")
	ErrNegativeReward = errors.New("request has negative reward")
	ErrUnknownStatus  = errors.New("request has unknown status")
)

// Validate rejects records that must never reach a feed.
func (r *PackageRequest) Validate() error {
	if r.Requester.ID == "" {
		return ErrNoRequester
	}
	if r.Reward < 0 {
		return ErrNegativeReward
	}
	if !r.Status.Known() {
		return ErrUnknownStatus
	}
	return nil
}

// MessageType discriminates chat log entries.
type MessageType string

const (
	MessageText             MessageType = "text"
	MessageDealProposal     MessageType = "deal_proposal"
	MessageDealSuccess      MessageType = "deal_success"
	MessageSensitiveDetails MessageType = "sensitive_details"
)

// SystemSenderID marks messages appended by the negotiation engine itself.
const SystemSenderID = "system"

type Message struct {
	ID        string      `json:"id"`
	SenderID  string      `json:"senderId"`
	Type      MessageType `json:"type"`
	Text      string      `json:"text,omitempty"`
	Price     int         `json:"price,omitempty"`
	Tracking  string      `json:"trackingNumber,omitempty"`
	Location  string      `json:"location,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}
