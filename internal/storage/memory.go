package storage

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/pickup-matching/internal/models"
)

// karma credited to both parties when a pickup completes
const completionKarma = 25

// Archive receives best-effort durable write-through of every mutation.
// The memory store stays authoritative for reads and subscriptions.
type Archive interface {
	SaveRequest(req models.PackageRequest) error
	UpdateRequest(req models.PackageRequest) error
	SaveMessage(requestID string, msg models.Message) error
}

// MemoryStore is the in-process implementation of the sync contract.
// Subscribers get the full current result set for their key on every
// mutation, latest snapshot wins; a slow consumer never blocks a write.
type MemoryStore struct {
	mu       sync.RWMutex
	requests map[string]models.PackageRequest
	messages map[string][]models.Message
	users    map[string]models.User

	nextSub int
	subs    map[int]*reqSub
	msgSubs map[int]*msgSub
	archive Archive
	now     func() time.Time
}

type reqSub struct {
	key FilterKey
	ch  chan []models.PackageRequest
}

type msgSub struct {
	requestID string
	ch        chan []models.Message
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests: make(map[string]models.PackageRequest),
		messages: make(map[string][]models.Message),
		users:    make(map[string]models.User),
		subs:     make(map[int]*reqSub),
		msgSubs:  make(map[int]*msgSub),
		now:      time.Now,
	}
}

// WithArchive attaches a durable write-through target.
func (m *MemoryStore) WithArchive(a Archive) *MemoryStore {
	m.archive = a
	return m
}

// --- users ---

// UpsertUser writes a profile. Karma only ever grows here, so a stale
// profile edit cannot roll back credits granted since the client's read.
func (m *MemoryStore) UpsertUser(u models.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.users[u.ID]; ok && prev.Karma > u.Karma {
		u.Karma = prev.Karma
	}
	m.users[u.ID] = u
}

func (m *MemoryStore) GetUser(id string) (models.User, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	return u, ok
}

// --- requests ---

func (m *MemoryStore) CreateRequest(req models.PackageRequest) (string, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Status == "" {
		req.Status = models.StatusPending
	}
	if err := req.Validate(); err != nil {
		return "", err
	}
	m.mu.Lock()
	if req.CreatedAt.IsZero() {
		req.CreatedAt = m.now()
	}
	m.requests[req.ID] = req
	m.broadcastLocked()
	m.mu.Unlock()
	if m.archive != nil {
		_ = m.archive.SaveRequest(req)
	}
	return req.ID, nil
}

func (m *MemoryStore) GetRequest(id string) (models.PackageRequest, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	req, ok := m.requests[id]
	return req, ok
}

// UpdateRequestStatus accepts forward transitions only. Asking for a state
// the record already reached (or passed) is a successful no-op; there is no
// version check, a known gap of this design.
func (m *MemoryStore) UpdateRequestStatus(id string, status models.RequestStatus, collectorID string) error {
	if !status.Known() {
		return ErrUnknownStatus
	}
	m.mu.Lock()
	req, ok := m.requests[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	if !req.Status.Before(status) {
		m.mu.Unlock()
		return nil
	}
	req.Status = status
	if collectorID != "" {
		req.CollectorID = collectorID
	}
	if status == models.StatusCompleted && req.CompletedAt == nil {
		ts := m.now()
		req.CompletedAt = &ts
		m.creditCompletionLocked(req)
	}
	m.requests[id] = req
	m.broadcastLocked()
	m.mu.Unlock()
	if m.archive != nil {
		_ = m.archive.UpdateRequest(req)
	}
	return nil
}

// RevealRequest flips isHidden off. Idempotent.
func (m *MemoryStore) RevealRequest(id string) error {
	m.mu.Lock()
	req, ok := m.requests[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	if !req.IsHidden {
		m.mu.Unlock()
		return nil
	}
	req.IsHidden = false
	m.requests[id] = req
	m.broadcastLocked()
	m.mu.Unlock()
	if m.archive != nil {
		_ = m.archive.UpdateRequest(req)
	}
	return nil
}

func (m *MemoryStore) creditCompletionLocked(req models.PackageRequest) {
	for _, id := range []string{req.Requester.ID, req.CollectorID} {
		if u, ok := m.users[id]; ok {
			u.Karma += completionKarma
			m.users[id] = u
		}
	}
}

// --- request subscriptions ---

func (m *MemoryStore) Subscribe(key FilterKey) *Subscription {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	sub := &reqSub{key: key, ch: make(chan []models.PackageRequest, 1)}
	m.subs[id] = sub
	pushSnapshot(sub.ch, m.snapshotLocked(key))
	m.mu.Unlock()

	return &Subscription{
		C: sub.ch,
		cancel: func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
		},
	}
}

func (m *MemoryStore) snapshotLocked(key FilterKey) []models.PackageRequest {
	out := make([]models.PackageRequest, 0)
	for _, req := range m.requests {
		if key.Matches(req) {
			out = append(out, req)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func (m *MemoryStore) broadcastLocked() {
	for _, sub := range m.subs {
		pushSnapshot(sub.ch, m.snapshotLocked(sub.key))
	}
	for _, sub := range m.msgSubs {
		pushLog(sub.ch, m.logLocked(sub.requestID))
	}
}

// --- messages ---

func (m *MemoryStore) SendMessage(requestID string, msg models.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	m.mu.Lock()
	if _, ok := m.requests[requestID]; !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = m.now()
	}
	log := append(m.messages[requestID], msg)
	// append-only log, replayed strictly timestamp-ordered
	sort.SliceStable(log, func(i, j int) bool { return log[i].Timestamp.Before(log[j].Timestamp) })
	m.messages[requestID] = log
	for _, sub := range m.msgSubs {
		if sub.requestID == requestID {
			pushLog(sub.ch, m.logLocked(requestID))
		}
	}
	m.mu.Unlock()
	if m.archive != nil {
		_ = m.archive.SaveMessage(requestID, msg)
	}
	return nil
}

func (m *MemoryStore) Messages(requestID string) []models.Message {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.logLocked(requestID)
}

func (m *MemoryStore) logLocked(requestID string) []models.Message {
	log := m.messages[requestID]
	out := make([]models.Message, len(log))
	copy(out, log)
	return out
}

func (m *MemoryStore) SubscribeMessages(requestID string) *MessageSubscription {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	sub := &msgSub{requestID: requestID, ch: make(chan []models.Message, 1)}
	m.msgSubs[id] = sub
	pushLog(sub.ch, m.logLocked(requestID))
	m.mu.Unlock()

	return &MessageSubscription{
		C: sub.ch,
		cancel: func() {
			m.mu.Lock()
			delete(m.msgSubs, id)
			m.mu.Unlock()
		},
	}
}

// pushSnapshot delivers latest-wins without ever blocking the writer.
func pushSnapshot(ch chan []models.PackageRequest, snap []models.PackageRequest) {
	for {
		select {
		case ch <- snap:
			return
		default:
			select {
			case <-ch:
			default:
			}
		}
	}
}

func pushLog(ch chan []models.Message, log []models.Message) {
	for {
		select {
		case ch <- log:
			return
		default:
			select {
			case <-ch:
			default:
			}
		}
	}
}
