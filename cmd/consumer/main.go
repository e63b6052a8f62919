package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total ride event messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	redisUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_redis_updates_total",
		Help: "Total successful ride status projections",
	})
	redisErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_redis_errors_total",
		Help: "Total redis errors",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, redisUpdates, redisErrors)
}

func main() {
	cfg, err := config.LoadConsumerConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := logging.NewLogger("ride-status-projector", cfg.LogLevel)

	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	radapter := &redisAdapter{c: rc}

	// metrics and health server
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := rc.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis not ready", http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(200)
			w.Write([]byte("ready"))
		})
		logger.Info("metrics/health listening", "addr", cfg.MetricsAddr)
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			logger.Error("metrics server stopped", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaRideTopic, GroupID: cfg.KafkaGroup, MinBytes: 1, MaxBytes: 10e6})
	defer func() {
		_ = r.Close()
		_ = rc.Close()
	}()

	logger.Info("consumer listening", "topic", cfg.KafkaRideTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroup)

	p := &projector{rc: radapter, ttl: cfg.StatusTTL, attempts: cfg.RetryAttempts, delay: cfg.RetryDelay, logger: logger}
	consume(ctx, r, p, logger)
}

// MessageReader is the part of kafka.Reader the loop uses.
type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
}

func consume(ctx context.Context, r MessageReader, p *projector, logger *slog.Logger) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down consumer")
				return
			}
			logger.Warn("kafka read error", "error", err, "backoff", backoff)
			if !sleep(ctx, backoff) {
				return
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second
		msgsConsumed.Inc()
		p.handle(ctx, m.Value)
	}
}

type projector struct {
	rc       RedisUpdater
	ttl      time.Duration
	attempts int
	delay    time.Duration
	logger   *slog.Logger
}

var errInvalidEvent = errors.New("ride event without ride id or status")

func decodeEvent(b []byte) (models.RideEvent, error) {
	var ev models.RideEvent
	if err := json.Unmarshal(b, &ev); err != nil {
		return ev, err
	}
	if ev.RideID == "" || ev.Status == "" {
		return ev, errInvalidEvent
	}
	return ev, nil
}

func (p *projector) handle(ctx context.Context, value []byte) {
	ev, err := decodeEvent(value)
	if err != nil {
		msgsInvalid.Inc()
		p.logger.Warn("invalid message", "error", err)
		return
	}
	if err := updateRedisWithRetry(ctx, p.rc, ev, p.ttl, p.attempts, p.delay); err != nil {
		redisErrors.Inc()
		p.logger.Error("redis update failed", "ride_id", ev.RideID, "error", err)
		return
	}
	redisUpdates.Inc()
}

// RedisUpdater defines the small subset of redis operations we need for tests and production.
type RedisUpdater interface {
	HSet(ctx context.Context, key string, values map[string]interface{}) error
	Expire(ctx context.Context, key string, ttl time.Duration) error
}

type redisAdapter struct{ c *redis.Client }

func (r *redisAdapter) HSet(ctx context.Context, key string, values map[string]interface{}) error {
	return r.c.HSet(ctx, key, values).Err()
}

func (r *redisAdapter) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return r.c.Expire(ctx, key, ttl).Err()
}

func statusKey(rideID string) string { return "ride:status:" + rideID }

// updateRedisWithRetry writes the ride's latest status hash, retrying with
// doubling delay. A zero ttl leaves the key without expiry.
func updateRedisWithRetry(ctx context.Context, rc RedisUpdater, ev models.RideEvent, ttl time.Duration, attempts int, delay time.Duration) error {
	key := statusKey(ev.RideID)
	fields := map[string]interface{}{
		"status":     string(ev.Status),
		"event":      ev.Type,
		"rider_id":   ev.RiderID,
		"captain_id": ev.CaptainID,
		"at":         ev.At.UTC().Format(time.RFC3339Nano),
	}
	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			if !sleep(ctx, delay) {
				return ctx.Err()
			}
			delay *= 2
		}
		if err = rc.HSet(ctx, key, fields); err != nil {
			continue
		}
		if ttl > 0 {
			if err = rc.Expire(ctx, key, ttl); err != nil {
				continue
			}
		}
		return nil
	}
	return fmt.Errorf("project ride %s after %d attempts: %w", ev.RideID, attempts, err)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
