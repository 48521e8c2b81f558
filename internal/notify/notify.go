// Package notify publishes operational alerts with per-key deduplication
// so a flapping tenant produces one alert per window, not one per sweep.
package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"log/slog"

	redis "github.com/redis/go-redis/v9"
)

// Alert is one operational event worth a human's attention.
type Alert struct {
	Type       string
	TenantID   string
	TenantCode string
	Message    string
	OccurredAt time.Time
}

// Well-known alert types.
const (
	TypeTenantUnhealthy = "tenant_unhealthy"
	TypeBackupFailed    = "backup_failed"
	TypeRollbackFailed  = "rollback_failed"
)

// Sink delivers an alert that passed deduplication.
type Sink interface {
	Deliver(ctx context.Context, alert Alert) error
}

// Deduper decides whether an alert key fires within the current window.
// First reports true exactly once per key per window.
type Deduper interface {
	First(ctx context.Context, key string, window time.Duration) bool
	Close()
}

// Service fans alerts through the deduper into the sink.
type Service struct {
	dedup  Deduper
	sink   Sink
	logger *slog.Logger
	window time.Duration
}

func New(dedup Deduper, sink Sink, logger *slog.Logger, window time.Duration) *Service {
	if logger != nil {
		logger = logger.With("component", "notify")
	}
	if window <= 0 {
		window = time.Hour
	}
	return &Service{dedup: dedup, sink: sink, logger: logger, window: window}
}

// Publish delivers the alert unless the same tenant and type already
// fired within the window. Delivery failures are logged, never returned;
// alerting must not fail the operation that raised the alert.
func (s *Service) Publish(ctx context.Context, alert Alert) {
	key := fmt.Sprintf("alert:%s:%s", alert.TenantCode, alert.Type)
	if !s.dedup.First(ctx, key, s.window) {
		return
	}
	if err := s.sink.Deliver(ctx, alert); err != nil {
		s.logger.Error("alert delivery failed", "type", alert.Type, "tenant_code", alert.TenantCode, "error", err)
	}
}

// LogSink writes alerts to the structured log. The default sink when no
// external channel is configured.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Deliver(_ context.Context, alert Alert) error {
	s.Logger.Warn("alert",
		"type", alert.Type,
		"tenant_id", alert.TenantID,
		"tenant_code", alert.TenantCode,
		"message", alert.Message,
		"occurred_at", alert.OccurredAt.UTC().Format(time.RFC3339),
	)
	return nil
}

// redisDeduper claims alert keys with SET NX EX so deduplication holds
// across control plane restarts and replicas.
type redisDeduper struct {
	client  *redis.Client
	logger  *slog.Logger
	prefix  string
	timeout time.Duration
}

// NewRedisDeduper constructs a Redis backed deduper.
func NewRedisDeduper(addr, password string, db int, logger *slog.Logger) (Deduper, error) {
	opts := &redis.Options{Addr: addr, Password: password, DB: db}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return &redisDeduper{
		client:  client,
		logger:  logger,
		prefix:  "controlplane:",
		timeout: 250 * time.Millisecond,
	}, nil
}

func (d *redisDeduper) First(ctx context.Context, key string, window time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	ok, err := d.client.SetNX(ctx, d.prefix+key, 1, window).Result()
	if err != nil {
		// Fail open: a noisy duplicate beats a silently dropped alert.
		if d.logger != nil {
			d.logger.Error("alert dedup error", "op", "setnx", "error", err)
		}
		return true
	}
	return ok
}

func (d *redisDeduper) Close() {
	if d.client != nil {
		_ = d.client.Close()
	}
}

// memoryDeduper is the in-process fallback when Redis is not configured.
// Windows reset on restart.
type memoryDeduper struct {
	mu   sync.Mutex
	seen map[string]time.Time
	now  func() time.Time
}

// NewMemoryDeduper constructs a process-local deduper.
func NewMemoryDeduper() Deduper {
	return &memoryDeduper{seen: make(map[string]time.Time), now: time.Now}
}

func (d *memoryDeduper) First(_ context.Context, key string, window time.Duration) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if until, ok := d.seen[key]; ok && now.Before(until) {
		return false
	}
	d.seen[key] = now.Add(window)

	// Drop lapsed entries so the map does not grow with tenant churn.
	for k, until := range d.seen {
		if now.After(until) {
			delete(d.seen, k)
		}
	}
	return true
}

func (d *memoryDeduper) Close() {}
