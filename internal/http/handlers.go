package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/pickup-matching/internal/config"
	"github.com/example/pickup-matching/internal/dispatch"
	"github.com/example/pickup-matching/internal/feed"
	"github.com/example/pickup-matching/internal/feedcache"
	"github.com/example/pickup-matching/internal/ingest"
	"github.com/example/pickup-matching/internal/models"
	"github.com/example/pickup-matching/internal/negotiation"
	"github.com/example/pickup-matching/internal/observability"
	"github.com/example/pickup-matching/internal/payments"
	"github.com/example/pickup-matching/internal/pricing"
	"github.com/example/pickup-matching/internal/risk"
	"github.com/example/pickup-matching/internal/scan"
	"github.com/example/pickup-matching/internal/storage"
)

// riskVerified derives the trust signal stamped on new requests from
// high-trust requesters at ingestion time.
func riskVerified(u models.User) bool {
	return risk.Classify(u).Level == risk.LevelLow
}

type Server struct {
	cfg      config.ServerConfig
	logger   *slog.Logger
	store    *storage.MemoryStore
	matcher  *feed.Matcher
	sessions *negotiation.Manager
	advisor  *pricing.Advisor
	scanner  scan.Interpreter

	cache  *feedcache.Cache         // optional
	kafka  *ingest.KafkaProducer    // optional
	wsreg  *dispatch.WSRegistry
	push   *dispatch.PushDispatcher // optional
	escrow *payments.RewardEscrow   // optional

	holdMu sync.Mutex
	holds  map[string]string // request id -> payment intent id

	mux *mux.Router
}

func NewServer(cfg config.ServerConfig, logger *slog.Logger) *Server {
	store := storage.NewMemoryStore()
	if cfg.PGDSN != "" {
		if pg, err := storage.NewPostgresArchive(cfg.PGDSN); err == nil {
			store.WithArchive(pg)
		} else {
			logger.Warn("postgres archive unavailable", "error", err)
		}
	}

	var loc feed.LocationProvider = feed.HomeCityLocation{}
	if cfg.CurrentCity != "" {
		loc = feed.StaticLocation(cfg.CurrentCity)
	}

	gate := negotiation.Gate{Threshold: cfg.IncentiveThreshold, Wait: cfg.IncentiveWait}

	s := &Server{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		matcher:  feed.NewMatcher(loc, cfg.RetentionWindow),
		sessions: negotiation.NewManager(store, gate, logger),
		advisor:  pricing.NewAdvisor(10 * time.Minute),
		scanner:  scan.NewHTTPInterpreter(cfg.ScanEndpoint, cfg.ScanAPIKey),
		wsreg:    dispatch.NewWSRegistry(),
		holds:    make(map[string]string),
		mux:      mux.NewRouter(),
	}

	if cfg.RedisAddr != "" {
		s.cache = feedcache.New(cfg.RedisAddr, cfg.RedisPassword)
	}
	if len(cfg.KafkaBrokers) > 0 {
		s.kafka = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
	}
	if cfg.PushEndpoint != "" {
		s.push = dispatch.NewPushDispatcher(cfg.PushEndpoint, cfg.PushKey)
	}
	if os.Getenv("STRIPE_API_KEY") != "" {
		s.escrow = payments.NewRewardEscrow()
	}

	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/v1/users", s.handleUpsertUser).Methods("POST")
	s.mux.HandleFunc("/api/v1/users/{id}", s.handleGetUser).Methods("GET")

	s.mux.HandleFunc("/api/v1/requests", s.handleCreateRequest).Methods("POST")
	s.mux.HandleFunc("/api/v1/feed", s.handleFeed).Methods("GET")
	s.mux.HandleFunc("/api/v1/pricing", s.handlePricing).Methods("GET")
	s.mux.HandleFunc("/api/v1/requests/{id}/status", s.handleUpdateStatus).Methods("POST")

	s.mux.HandleFunc("/api/v1/requests/{id}/session", s.handleOpenSession).Methods("POST")
	s.mux.HandleFunc("/api/v1/requests/{id}/session", s.handleCloseSession).Methods("DELETE")
	s.mux.HandleFunc("/api/v1/requests/{id}/messages", s.handleSendMessage).Methods("POST")
	s.mux.HandleFunc("/api/v1/requests/{id}/messages", s.handleListMessages).Methods("GET")
	s.mux.HandleFunc("/api/v1/requests/{id}/propose", s.handlePropose).Methods("POST")
	s.mux.HandleFunc("/api/v1/requests/{id}/accept", s.handleAccept).Methods("POST")
	s.mux.HandleFunc("/api/v1/requests/{id}/reveal", s.handleReveal).Methods("POST")

	s.mux.HandleFunc("/ws/{collector_id}", s.handleWS)

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

// --- users ---

func (s *Server) handleUpsertUser(w http.ResponseWriter, r *http.Request) {
	var u models.User
	if err := json.NewDecoder(r.Body).Decode(&u); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if u.ID == "" {
		http.Error(w, "missing user id", http.StatusBadRequest)
		return
	}
	if u.Karma < 0 {
		http.Error(w, "karma must be non-negative", http.StatusBadRequest)
		return
	}
	s.store.UpsertUser(u)
	// a changed city/community/universal flag invalidates the viewer's
	// subscription key; clients cancel and re-subscribe on this signal
	writeJSON(w, map[string]any{"id": u.ID, "filterKey": s.filterKeyFor(u)})
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	u, ok := s.store.GetUser(mux.Vars(r)["id"])
	if !ok {
		http.Error(w, "user not found", http.StatusNotFound)
		return
	}
	writeJSON(w, u)
}

// --- requests ---

type createRequestBody struct {
	Location       string             `json:"location"`
	Distance       string             `json:"distance"`
	DistanceKm     float64            `json:"distanceKm"`
	Reward         int                `json:"reward"`
	Deadline       string             `json:"deadline"`
	Type           models.PackageType `json:"type"`
	TrackingNumber string             `json:"trackingNumber"`
	ScanText       string             `json:"scanText,omitempty"`
	ScanImage      []byte             `json:"scanImage,omitempty"`
}

func (s *Server) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	requester, ok := s.viewer(w, r)
	if !ok {
		return
	}
	var body createRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	// the scan interpreter is fallible and optional: a failure degrades to
	// whatever the requester typed, never to a request error
	if body.ScanText != "" || len(body.ScanImage) > 0 {
		if res, err := s.scanner.Interpret(r.Context(), body.ScanImage, body.ScanText); err != nil {
			s.logger.Warn("scan interpreter failed, falling back to manual entry", "error", err)
		} else {
			if body.TrackingNumber == "" {
				body.TrackingNumber = res.TrackingNumber
			}
			if body.Location == "" {
				body.Location = res.Location
			}
			if body.Deadline == "" {
				body.Deadline = res.Deadline
			}
		}
	}
	if body.Location == "" {
		body.Location = requester.City
	}

	req := models.PackageRequest{
		Requester:      requester,
		Location:       body.Location,
		Distance:       body.Distance,
		Reward:         body.Reward,
		Deadline:       body.Deadline,
		Type:           body.Type,
		Status:         models.StatusPending,
		TrackingNumber: body.TrackingNumber,
		IsHidden:       feed.HiddenAtCreation(body.Reward, s.cfg.IncentiveThreshold, s.cfg.RedactByDefault),
		IsAiVerified:   riskVerified(requester),
	}
	id, err := s.store.CreateRequest(req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	req.ID = id
	observability.RequestsCreatedTotal.Inc()
	s.publishEvent(ingest.EventRequestCreated, req)
	s.cachePut(r.Context(), req)
	// alerts announce only what a feed would show; the same eligibility
	// gates apply, so a high-risk requester's creation stays silent
	if s.matcher.Eligible(req) {
		s.wsreg.Broadcast(dispatch.FeedAlert{
			RequestID: id,
			City:      requester.City,
			Community: requester.Community,
			Reward:    req.Reward,
			Type:      req.Type,
			Deadline:  req.Deadline,
		})
	}

	resp := map[string]any{"id": id, "isHidden": req.IsHidden}
	if body.DistanceKm > 0 {
		resp["recommendation"] = s.advisor.Recommend(body.Type, body.DistanceKm)
	}
	writeJSON(w, resp)
}

func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	viewer, ok := s.viewer(w, r)
	if !ok {
		return
	}
	sub := s.store.Subscribe(s.filterKeyFor(viewer))
	defer sub.Cancel()

	var snapshot []models.PackageRequest
	select {
	case snapshot = <-sub.C:
	case <-r.Context().Done():
		return
	}
	// visibility and redaction are re-derived here on every snapshot; the
	// store's key is a coarse filter and is never trusted for redaction
	writeJSON(w, s.matcher.Filter(viewer, snapshot, s.sessions))
}

func (s *Server) handlePricing(w http.ResponseWriter, r *http.Request) {
	t := models.PackageType(r.URL.Query().Get("type"))
	km, _ := strconv.ParseFloat(r.URL.Query().Get("distance_km"), 64)
	writeJSON(w, s.advisor.Recommend(t, km))
}

type statusBody struct {
	Status      models.RequestStatus `json:"status"`
	CollectorID string               `json:"collectorId,omitempty"`
}

func (s *Server) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.viewer(w, r)
	if !ok {
		return
	}
	id := mux.Vars(r)["id"]
	req, found := s.store.GetRequest(id)
	if !found {
		http.Error(w, "request not found", http.StatusNotFound)
		return
	}
	if !s.mayUpdateStatus(actor, req) {
		http.Error(w, "no role in this request", http.StatusForbidden)
		return
	}
	var body statusBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.store.UpdateRequestStatus(id, body.Status, body.CollectorID); err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			http.Error(w, err.Error(), http.StatusNotFound)
		default:
			http.Error(w, err.Error(), http.StatusBadRequest)
		}
		return
	}
	updated, _ := s.store.GetRequest(id)
	s.publishEvent(ingest.EventStatusChanged, updated)
	s.notify(updated.Requester.ID, dispatch.FeedAlert{
		RequestID: id,
		City:      updated.Requester.City,
		Community: updated.Requester.Community,
		Reward:    updated.Reward,
		Type:      updated.Type,
		Deadline:  updated.Deadline,
	})
	if body.Status == models.StatusCompleted {
		s.captureHold(r.Context(), id)
		s.sessions.Close(id) // archived with the request
		s.cacheRemove(r.Context(), updated)
	} else {
		s.cachePut(r.Context(), updated)
	}
	w.WriteHeader(http.StatusNoContent)
}

// mayUpdateStatus rejects status writes from parties with no role:
// the requester, the recorded collector, or the active session's collector.
func (s *Server) mayUpdateStatus(actor models.User, req models.PackageRequest) bool {
	if actor.ID == req.Requester.ID || (req.CollectorID != "" && actor.ID == req.CollectorID) {
		return true
	}
	if sess, ok := s.sessions.Get(req.ID); ok {
		return sess.Participant(actor.ID)
	}
	// an unclaimed pending request may be accepted by the claiming collector
	return req.Status == models.StatusPending
}

// --- negotiation ---

func (s *Server) handleOpenSession(w http.ResponseWriter, r *http.Request) {
	collector, ok := s.viewer(w, r)
	if !ok {
		return
	}
	sess, err := s.sessions.Open(mux.Vars(r)["id"], collector)
	if err != nil {
		s.negotiationError(w, err)
		return
	}
	writeJSON(w, map[string]any{"requestId": sess.RequestID(), "dealStatus": sess.DealStatus()})
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.viewer(w, r)
	if !ok {
		return
	}
	id := mux.Vars(r)["id"]
	sess, found := s.sessions.Get(id)
	if !found {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if !sess.Participant(actor.ID) {
		http.Error(w, "no role in this session", http.StatusForbidden)
		return
	}
	// abandoning before completion releases any held reward
	if sess.DealStatus() != models.DealCompleted {
		s.cancelHold(r.Context(), id)
	}
	s.sessions.Close(id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) withSession(w http.ResponseWriter, r *http.Request) (*negotiation.Session, models.User, bool) {
	actor, ok := s.viewer(w, r)
	if !ok {
		return nil, models.User{}, false
	}
	sess, found := s.sessions.Get(mux.Vars(r)["id"])
	if !found {
		http.Error(w, "no active session", http.StatusNotFound)
		return nil, models.User{}, false
	}
	return sess, actor, true
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	sess, actor, ok := s.withSession(w, r)
	if !ok {
		return
	}
	var body struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := sess.Send(actor.ID, body.Text); err != nil {
		s.negotiationError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	sess, actor, ok := s.withSession(w, r)
	if !ok {
		return
	}
	if !sess.Participant(actor.ID) {
		http.Error(w, "no role in this session", http.StatusForbidden)
		return
	}
	writeJSON(w, s.store.Messages(sess.RequestID()))
}

func (s *Server) handlePropose(w http.ResponseWriter, r *http.Request) {
	sess, actor, ok := s.withSession(w, r)
	if !ok {
		return
	}
	var body struct {
		Price int `json:"price"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := sess.Propose(actor.ID, body.Price); err != nil {
		s.negotiationError(w, err)
		return
	}
	writeJSON(w, map[string]any{"dealStatus": sess.DealStatus()})
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	sess, actor, ok := s.withSession(w, r)
	if !ok {
		return
	}
	if err := sess.Accept(actor.ID); err != nil {
		s.negotiationError(w, err)
		return
	}
	if req, found := s.store.GetRequest(sess.RequestID()); found && req.Reward > 0 {
		s.placeHold(r.Context(), req)
	}
	writeJSON(w, map[string]any{"dealStatus": sess.DealStatus()})
}

func (s *Server) handleReveal(w http.ResponseWriter, r *http.Request) {
	sess, actor, ok := s.withSession(w, r)
	if !ok {
		return
	}
	// blocks through the incentive wait when the gate applies; client
	// disconnect cancels the wait with no state change
	if err := sess.Reveal(r.Context(), actor.ID); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return
		}
		s.negotiationError(w, err)
		return
	}
	s.publishRevealed(sess.RequestID())
	writeJSON(w, map[string]any{"dealStatus": sess.DealStatus()})
}

func (s *Server) publishRevealed(requestID string) {
	if req, found := s.store.GetRequest(requestID); found {
		s.publishEvent(ingest.EventRequestReveal, req)
	}
}

func (s *Server) negotiationError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, negotiation.ErrNotParticipant):
		http.Error(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, negotiation.ErrBadTransition),
		errors.Is(err, negotiation.ErrSelfAccept),
		errors.Is(err, negotiation.ErrRequestClaimed),
		errors.Is(err, negotiation.ErrOwnRequest),
		errors.Is(err, negotiation.ErrNotPending),
		errors.Is(err, negotiation.ErrSessionClosed):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, negotiation.ErrRequestGone):
		http.Error(w, err.Error(), http.StatusNotFound)
	default:
		http.Error(w, err.Error(), http.StatusBadRequest)
	}
}

// --- websocket ---

var upgrader = websocket.Upgrader{}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["collector_id"]
	u, ok := s.store.GetUser(id)
	if !ok {
		http.Error(w, "unknown collector", http.StatusNotFound)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, "upgrade failed", http.StatusBadRequest)
		return
	}
	city := u.City
	if u.IsUniversalCollector {
		city = s.matcher.Location.CurrentCity(u)
	}
	s.wsreg.Add(id, conn, city, u.Community, u.IsUniversalCollector)
	go func() {
		defer func() {
			s.wsreg.Remove(id)
			conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// notify reaches a user over their live socket when one exists, falling
// back to the push provider otherwise.
func (s *Server) notify(userID string, alert dispatch.FeedAlert) {
	if err := s.wsreg.Alert(userID, alert); err == nil {
		return
	}
	if s.push == nil {
		return
	}
	if err := s.push.Alert(userID, alert); err != nil {
		s.logger.Warn("push alert failed", "user_id", userID, "error", err)
	}
}

// --- escrow bookkeeping ---

func (s *Server) placeHold(ctx context.Context, req models.PackageRequest) {
	if s.escrow == nil {
		return
	}
	piID, err := s.escrow.Hold(ctx, int64(req.Reward)*100, "ils", req.Requester.ID)
	if err != nil {
		s.logger.Warn("reward hold failed", "request_id", req.ID, "error", err)
		return
	}
	s.holdMu.Lock()
	s.holds[req.ID] = piID
	s.holdMu.Unlock()
}

func (s *Server) captureHold(ctx context.Context, requestID string) {
	piID, ok := s.takeHold(requestID)
	if !ok || s.escrow == nil {
		return
	}
	if err := s.escrow.Capture(ctx, piID); err != nil {
		s.logger.Warn("reward capture failed", "request_id", requestID, "error", err)
	}
}

func (s *Server) cancelHold(ctx context.Context, requestID string) {
	piID, ok := s.takeHold(requestID)
	if !ok || s.escrow == nil {
		return
	}
	if err := s.escrow.Cancel(ctx, piID); err != nil {
		s.logger.Warn("reward release failed", "request_id", requestID, "error", err)
	}
}

func (s *Server) takeHold(requestID string) (string, bool) {
	s.holdMu.Lock()
	defer s.holdMu.Unlock()
	piID, ok := s.holds[requestID]
	if ok {
		delete(s.holds, requestID)
	}
	return piID, ok
}

// --- helpers ---

func (s *Server) viewer(w http.ResponseWriter, r *http.Request) (models.User, bool) {
	id := r.Header.Get("X-User-ID")
	if id == "" {
		http.Error(w, "missing X-User-ID", http.StatusUnauthorized)
		return models.User{}, false
	}
	u, ok := s.store.GetUser(id)
	if !ok {
		http.Error(w, "unknown user", http.StatusUnauthorized)
		return models.User{}, false
	}
	return u, true
}

func (s *Server) filterKeyFor(u models.User) storage.FilterKey {
	city := u.City
	if u.IsUniversalCollector {
		city = s.matcher.Location.CurrentCity(u)
	}
	return storage.FilterKey{City: city, Community: u.Community, Universal: u.IsUniversalCollector}
}

func (s *Server) publishEvent(t ingest.EventType, req models.PackageRequest) {
	if s.kafka == nil {
		return
	}
	if err := s.kafka.PublishEvent(ingest.NewRequestEvent(t, req)); err != nil {
		s.logger.Warn("event publish failed", "request_id", req.ID, "error", err)
	}
}

func (s *Server) cachePut(ctx context.Context, req models.PackageRequest) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Put(ctx, req); err != nil {
		s.logger.Warn("feed cache put failed", "request_id", req.ID, "error", err)
	}
}

func (s *Server) cacheRemove(ctx context.Context, req models.PackageRequest) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Remove(ctx, req); err != nil {
		s.logger.Warn("feed cache remove failed", "request_id", req.ID, "error", err)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
