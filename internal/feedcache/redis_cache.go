package feedcache

import (
	"context"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/example/pickup-matching/internal/models"
)

// Cache mirrors active requests into Redis, keyed per (city, community),
// so feed reads stay warm across store restarts. Tracking numbers are
// deliberately never written here: redaction is client-enforced and the
// cache must not become a second place to leak from.
type Cache struct {
	client *redis.Client
}

func New(addr, password string) *Cache {
	return &Cache{client: redis.NewClient(&redis.Options{Addr: addr, Password: password})}
}

func NewFromClient(c *redis.Client) *Cache { return &Cache{client: c} }

func (c *Cache) Put(ctx context.Context, req models.PackageRequest) error {
	if err := c.client.SAdd(ctx, feedKey(req.Requester.City, req.Requester.Community), req.ID).Err(); err != nil {
		return err
	}
	return c.client.HSet(ctx, requestKey(req.ID), map[string]interface{}{
		"id":        req.ID,
		"city":      req.Requester.City,
		"community": req.Requester.Community,
		"name":      req.Requester.Name,
		"reward":    strconv.Itoa(req.Reward),
		"status":    string(req.Status),
		"type":      string(req.Type),
		"location":  req.Location,
		"deadline":  req.Deadline,
		"hidden":    strconv.FormatBool(req.IsHidden),
	}).Err()
}

func (c *Cache) Remove(ctx context.Context, req models.PackageRequest) error {
	if err := c.client.SRem(ctx, feedKey(req.Requester.City, req.Requester.Community), req.ID).Err(); err != nil {
		return err
	}
	return c.client.Del(ctx, requestKey(req.ID)).Err()
}

// Requests loads the cached partial records for one community feed.
// Entries missing their hash (expired or half-written) are skipped.
func (c *Cache) Requests(ctx context.Context, city, community string) ([]models.PackageRequest, error) {
	ids, err := c.client.SMembers(ctx, feedKey(city, community)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]models.PackageRequest, 0, len(ids))
	for _, id := range ids {
		h, err := c.client.HGetAll(ctx, requestKey(id)).Result()
		if err != nil || len(h) == 0 {
			continue
		}
		req := models.PackageRequest{
			ID:       id,
			Location: h["location"],
			Deadline: h["deadline"],
			Type:     models.PackageType(h["type"]),
			Status:   models.RequestStatus(h["status"]),
		}
		req.Requester.City = h["city"]
		req.Requester.Community = h["community"]
		req.Requester.Name = h["name"]
		if v, err := strconv.Atoi(h["reward"]); err == nil {
			req.Reward = v
		}
		req.IsHidden = h["hidden"] == "true"
		out = append(out, req)
	}
	return out, nil
}

func (c *Cache) Close() error { return c.client.Close() }

func feedKey(city, community string) string { return "feed:" + city + ":" + community }

func requestKey(id string) string { return "request:" + id }
