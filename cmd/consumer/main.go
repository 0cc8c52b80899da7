package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/pickup-matching/internal/feedcache"
	"github.com/example/pickup-matching/internal/ingest"
	"github.com/example/pickup-matching/internal/models"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_events_consumed_total",
		Help: "Total request events consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_events_invalid_total",
		Help: "Total invalid events received",
	})
	cacheUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_cache_updates_total",
		Help: "Total successful feed cache updates",
	})
	cacheErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_cache_errors_total",
		Help: "Total feed cache errors",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, cacheUpdates, cacheErrors)
}

func main() {
	// allow some flags for local runs
	var metricsAddr string
	flag.StringVar(&metricsAddr, "metrics-addr", ":2112", "address to serve prometheus metrics on")
	flag.Parse()

	brokersEnv := os.Getenv("KAFKA_BROKERS")
	if brokersEnv == "" {
		brokersEnv = os.Getenv("KAFKA_BROKER")
	}
	brokers := []string{}
	if brokersEnv != "" {
		for _, b := range strings.Split(brokersEnv, ",") {
			if s := strings.TrimSpace(b); s != "" {
				brokers = append(brokers, s)
			}
		}
	} else {
		brokers = []string{"localhost:9092"}
	}

	topic := os.Getenv("KAFKA_TOPIC")
	if topic == "" {
		topic = "request-events"
	}
	group := os.Getenv("KAFKA_GROUP")
	if group == "" {
		group = "pickup-matching-consumer"
	}

	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}
	rc := redis.NewClient(&redis.Options{Addr: redisAddr})
	cache := feedcache.NewFromClient(rc)

	// start metrics and health server
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			// readiness: check redis connectivity
			if err := rc.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis not ready", 503)
				return
			}
			w.WriteHeader(200)
			w.Write([]byte("ready"))
		})
		log.Printf("metrics/health listening on %s", metricsAddr)
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: brokers, Topic: topic, GroupID: group, MinBytes: 10e3, MaxBytes: 10e6})
	defer func() {
		_ = r.Close()
		_ = rc.Close()
	}()

	log.Printf("consumer listening topic=%s brokers=%v group=%s", topic, brokers, group)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Println("shutting down consumer")
				return
			}
			log.Printf("kafka read error: %v; backing off %s", err, backoff)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		// reset backoff on success
		backoff = time.Second

		msgsConsumed.Inc()

		var ev ingest.RequestEvent
		if err := json.Unmarshal(m.Value, &ev); err != nil {
			msgsInvalid.Inc()
			log.Printf("invalid event: %v", err)
			continue
		}
		if ev.RequestID == "" || ev.Request.Requester.ID == "" {
			msgsInvalid.Inc()
			continue
		}

		// Try updating the feed cache with retries and small backoff
		if err := updateCacheWithRetry(ctx, cache, ev, 3, 200*time.Millisecond); err != nil {
			cacheErrors.Inc()
			log.Printf("cache update failed for request=%s: %v", ev.RequestID, err)
			continue
		}
		cacheUpdates.Inc()
	}
}

// CacheUpdater defines the small subset of cache operations we need for tests and production.
type CacheUpdater interface {
	Put(ctx context.Context, req models.PackageRequest) error
	Remove(ctx context.Context, req models.PackageRequest) error
}

// updateCacheWithRetry mirrors one request event into the feed cache with
// retry/backoff. Completed requests leave the cache; everything else is
// upserted. Tracking numbers never enter the cache.
func updateCacheWithRetry(ctx context.Context, c CacheUpdater, ev ingest.RequestEvent, attempts int, delay time.Duration) error {
	req := ev.Request
	req.TrackingNumber = ""
	for i := 0; i < attempts; i++ {
		var err error
		if req.Status == models.StatusCompleted {
			err = c.Remove(ctx, req)
		} else {
			err = c.Put(ctx, req)
		}
		if err == nil {
			return nil
		}
		if i == attempts-1 {
			return err
		}
		time.Sleep(delay)
		delay *= 2
	}
	return nil
}
