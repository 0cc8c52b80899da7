package storage

import (
	"database/sql"
	"encoding/json"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/pickup-matching/internal/models"
)

// PostgresArchive persists requests and chat messages behind the memory
// store. The requester snapshot is stored as JSON, matching the
// denormalized wire shape.
type PostgresArchive struct {
	db *sql.DB
}

func NewPostgresArchive(dsn string) (*PostgresArchive, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresArchive{db: db}, nil
}

func (p *PostgresArchive) SaveRequest(r models.PackageRequest) error {
	requester, err := json.Marshal(r.Requester)
	if err != nil {
		return err
	}
	_, err = p.db.Exec(`INSERT INTO requests(id, requester, location, distance, reward, deadline, type, status, is_hidden, tracking_number, is_ai_verified, collector_id, created_at, completed_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		r.ID, requester, r.Location, r.Distance, r.Reward, r.Deadline, r.Type, r.Status, r.IsHidden, r.TrackingNumber, r.IsAiVerified, nullable(r.CollectorID), r.CreatedAt, r.CompletedAt)
	return err
}

func (p *PostgresArchive) UpdateRequest(r models.PackageRequest) error {
	_, err := p.db.Exec(`UPDATE requests SET status=$1, is_hidden=$2, collector_id=$3, completed_at=$4, updated_at=$5 WHERE id=$6`,
		r.Status, r.IsHidden, nullable(r.CollectorID), r.CompletedAt, time.Now(), r.ID)
	return err
}

func (p *PostgresArchive) SaveMessage(requestID string, m models.Message) error {
	_, err := p.db.Exec(`INSERT INTO messages(id, request_id, sender_id, type, body, price, tracking_number, location, sent_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		m.ID, requestID, m.SenderID, m.Type, m.Text, m.Price, m.Tracking, m.Location, m.Timestamp)
	return err
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
