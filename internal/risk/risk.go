package risk

import "github.com/example/pickup-matching/internal/models"

// Level is the trust bucket a requester falls into.
type Level string

const (
	LevelLow    Level = "LOW"
	LevelMedium Level = "MEDIUM"
	LevelHigh   Level = "HIGH"
)

const (
	BadgeAIVerified = "AI_VERIFIED"
	BadgeTopRated   = "TOP_RATED"
)

// Assessment is the classifier output. Badges are only ever present on LOW.
type Assessment struct {
	Level  Level
	Badges []string
}

// Classify scores a user's trustworthiness. Pure and deterministic.
//
// A rating of exactly 0 means an unrated account and is never HIGH on its
// own; the HIGH band requires an actual bad track record (0 < rating < 4.0).
func Classify(u models.User) Assessment {
	if u.Rating > 0 && u.Rating < 4.0 {
		return Assessment{Level: LevelHigh}
	}
	if u.Rating >= 4.8 && u.Karma > 500 {
		return Assessment{Level: LevelLow, Badges: []string{BadgeAIVerified, BadgeTopRated}}
	}
	return Assessment{Level: LevelMedium}
}
