package feed

import (
	"time"

	"github.com/example/pickup-matching/internal/models"
	"github.com/example/pickup-matching/internal/observability"
	"github.com/example/pickup-matching/internal/risk"
)

// RedactedTracking is what every unauthorized viewer sees in place of a
// tracking number. It is a real string, never an empty value, so consumers
// that expect a string keep working without ever holding the raw field.
const RedactedTracking = "**********"

// LocationProvider supplies a viewer's current city. The reference design
// simulates location with a fixed city string; a GPS-backed implementation
// can be swapped in without touching the matching logic.
type LocationProvider interface {
	CurrentCity(viewer models.User) string
}

// StaticLocation pins every viewer to one city.
type StaticLocation string

func (s StaticLocation) CurrentCity(models.User) string { return string(s) }

// HomeCityLocation falls back to the viewer's registered city.
type HomeCityLocation struct{}

func (HomeCityLocation) CurrentCity(viewer models.User) string { return viewer.City }

// RequestView is the redacted projection handed to viewers. It carries the
// tracking number only when the viewer is authorized; otherwise Tracking is
// the fixed placeholder and TrackingRedacted is set so clients never cache
// a value they were not given.
type RequestView struct {
	ID               string               `json:"id"`
	Requester        models.User          `json:"requester"`
	Location         string               `json:"location"`
	Distance         string               `json:"distance"`
	Reward           int                  `json:"reward"`
	Deadline         string               `json:"deadline"`
	Type             models.PackageType   `json:"type"`
	Status           models.RequestStatus `json:"status"`
	Tracking         string               `json:"trackingNumber"`
	TrackingRedacted bool                 `json:"trackingRedacted"`
	IsAiVerified     bool                 `json:"isAiVerified"`
	RequesterRisk    risk.Level           `json:"requesterRisk"`
	Badges           []string             `json:"badges,omitempty"`
}

// Authorizer reports whether a viewer has completed the reveal transition
// for a given request. A nil Authorizer authorizes nobody.
type Authorizer interface {
	RevealAuthorized(viewerID, requestID string) bool
}

// Matcher decides feed membership and field-level redaction per viewer.
// All methods are pure with respect to their inputs; Now is injectable
// for tests and defaults to time.Now.
type Matcher struct {
	Location  LocationProvider
	Retention time.Duration
	Now       func() time.Time
}

func NewMatcher(loc LocationProvider, retention time.Duration) *Matcher {
	return &Matcher{Location: loc, Retention: retention, Now: time.Now}
}

// Visible applies the matching rule for a single (viewer, request) pair.
// It assumes the record already passed Eligible; callers filtering a raw
// snapshot should use Filter instead.
func (m *Matcher) Visible(viewer models.User, req models.PackageRequest) bool {
	observability.FeedEvaluationsTotal.Inc()
	if viewer.IsUniversalCollector {
		// Universal mode trades community affinity for geographic breadth.
		return req.Requester.City == m.currentCity(viewer)
	}
	return req.Requester.Community == viewer.Community
}

// Eligible applies the gates that run before any matching: record
// validation, the completed-request retention window, and the hard
// HIGH-risk exclusion.
func (m *Matcher) Eligible(req models.PackageRequest) bool {
	if err := req.Validate(); err != nil {
		return false
	}
	if req.Status == models.StatusCompleted {
		if req.CompletedAt == nil || m.now().Sub(*req.CompletedAt) > m.Retention {
			return false
		}
	}
	if risk.Classify(req.Requester).Level == risk.LevelHigh {
		observability.RiskBlockedTotal.Inc()
		return false
	}
	return true
}

// Project builds the redacted view of req for viewer. The raw tracking
// number is copied in only when the viewer owns the request, the request
// is no longer hidden, or auth confirms a completed reveal.
func (m *Matcher) Project(viewer models.User, req models.PackageRequest, auth Authorizer) RequestView {
	a := risk.Classify(req.Requester)
	v := RequestView{
		ID:               req.ID,
		Requester:        req.Requester,
		Location:         req.Location,
		Distance:         req.Distance,
		Reward:           req.Reward,
		Deadline:         req.Deadline,
		Type:             req.Type,
		Status:           req.Status,
		Tracking:         RedactedTracking,
		TrackingRedacted: true,
		IsAiVerified:     req.IsAiVerified,
		RequesterRisk:    a.Level,
		Badges:           a.Badges,
	}
	if m.trackingAllowed(viewer, req, auth) {
		v.Tracking = req.TrackingNumber
		v.TrackingRedacted = false
	}
	return v
}

// Filter evaluates one snapshot for one viewer: eligibility gates, then the
// matching rule, then redaction. An empty or nil snapshot yields an empty
// feed; it never falls back to previously seen data.
func (m *Matcher) Filter(viewer models.User, snapshot []models.PackageRequest, auth Authorizer) []RequestView {
	out := make([]RequestView, 0, len(snapshot))
	for _, req := range snapshot {
		if !m.Eligible(req) {
			continue
		}
		if !m.Visible(viewer, req) {
			continue
		}
		out = append(out, m.Project(viewer, req, auth))
	}
	return out
}

func (m *Matcher) trackingAllowed(viewer models.User, req models.PackageRequest, auth Authorizer) bool {
	if viewer.ID != "" && viewer.ID == req.Requester.ID {
		return true
	}
	if !req.IsHidden {
		return true
	}
	return auth != nil && auth.RevealAuthorized(viewer.ID, req.ID)
}

func (m *Matcher) currentCity(viewer models.User) string {
	if m.Location == nil {
		return viewer.City
	}
	return m.Location.CurrentCity(viewer)
}

func (m *Matcher) now() time.Time {
	if m.Now == nil {
		return time.Now()
	}
	return m.Now()
}

// HiddenAtCreation decides the isHidden flag for a new request: anything
// under the incentive threshold is always created hidden, everything else
// follows the configured default.
func HiddenAtCreation(reward, incentiveThreshold int, redactByDefault bool) bool {
	if reward < incentiveThreshold {
		return true
	}
	return redactByDefault
}
