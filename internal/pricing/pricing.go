package pricing

import (
	"fmt"
	"sync"
	"time"

	"github.com/example/pickup-matching/internal/models"
)

// Recommendation is advisory only; the requester may publish at any price.
type Recommendation struct {
	Price  int    `json:"price"`
	Reason string `json:"reason"`
}

// Advisor computes size-and-distance based price suggestions with a small
// TTL cache in front, since the same (type, distance) pairs repeat heavily
// within one community.
type Advisor struct {
	mu    sync.RWMutex
	cache map[string]cacheEntry
	ttl   time.Duration
}

type cacheEntry struct {
	v  Recommendation
	ts time.Time
}

func NewAdvisor(ttl time.Duration) *Advisor {
	return &Advisor{cache: make(map[string]cacheEntry), ttl: ttl}
}

func (a *Advisor) Recommend(t models.PackageType, distanceKm float64) Recommendation {
	k := keyFor(t, distanceKm)
	a.mu.RLock()
	e, ok := a.cache[k]
	a.mu.RUnlock()
	if ok && time.Since(e.ts) <= a.ttl {
		return e.v
	}
	r := recommend(t, distanceKm)
	a.mu.Lock()
	a.cache[k] = cacheEntry{v: r, ts: time.Now()}
	a.mu.Unlock()
	return r
}

func recommend(t models.PackageType, distanceKm float64) Recommendation {
	price := 15
	switch t {
	case models.TypeMedium:
		price += 5
	case models.TypeLarge:
		price += 15
	}
	if distanceKm > 5 {
		price += 10
	}
	return Recommendation{
		Price:  price,
		Reason: fmt.Sprintf("based on a %s parcel over %.1f km, the suggested price is %d", t, distanceKm, price),
	}
}

func keyFor(t models.PackageType, distanceKm float64) string {
	return fmt.Sprintf("%s|%.1f", t, distanceKm)
}
