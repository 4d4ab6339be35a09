package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	redisLatency metric.Float64Histogram
)

// Cache is the optional Redis fast path for the push cooldown: a key per
// (organization, user) whose TTL is the cooldown window. All methods are
// nil-safe; without Redis the fan-out falls back to the notification audit
// table, so the relay runs fine single-instance with no cache at all.
type Cache struct {
	client *redis.Client
}

// New creates a new Redis cache connection. An empty DSN disables the cache
// and returns (nil, nil).
func New(dsn string) (*Cache, error) {
	if dsn == "" {
		return nil, nil
	}

	var err error

	// Initialize metrics
	meter := otel.Meter("redis-client")
	redisLatency, err = meter.Float64Histogram("redis.command.latency", metric.WithUnit("ms"))
	if err != nil {
		return nil, fmt.Errorf("failed to create redis.command.latency instrument: %w", err)
	}

	opt, err := redis.ParseURL(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opt)

	// Test connection with tracing
	ctx, span := otel.Tracer("redis-client").Start(context.Background(), "redis.ping")
	defer span.End()
	if err := client.Ping(ctx).Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to ping Redis")
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	span.SetStatus(codes.Ok, "Redis connected successfully")

	return &Cache{client: client}, nil
}

// NewWithClient wraps an existing client. Used by tests with miniredis.
func NewWithClient(client *redis.Client) *Cache {
	return &Cache{client: client}
}

// GetClient returns the underlying Redis client (instrumented operations should use Cache methods)
func (c *Cache) GetClient() *redis.Client {
	if c == nil {
		return nil
	}
	// Direct access to client bypasses tracing/metrics, use with caution.
	return c.client
}

// Close closes the Redis client
func (c *Cache) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

func cooldownKey(userID, organizationID int64) string {
	return fmt.Sprintf("push_cooldown:%d:%d", organizationID, userID)
}

// StampPush marks the user as just-notified for the length of the cooldown
// window.
func (c *Cache) StampPush(ctx context.Context, userID, organizationID int64, window time.Duration) error {
	if c == nil || c.client == nil {
		return nil
	}

	start := time.Now()
	ctx, span := otel.Tracer("redis-client").Start(ctx, "redis.stamp_push",
		trace.WithAttributes(attribute.Int64("user.id", userID), attribute.Int64("org.id", organizationID)))
	defer func() {
		if redisLatency != nil {
			redisLatency.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attribute.String("redis.command", "stamp_push")))
		}
		span.End()
	}()

	err := c.client.Set(ctx, cooldownKey(userID, organizationID), time.Now().UTC().Format(time.RFC3339Nano), window).Err()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to stamp push cooldown")
	}
	return err
}

// WithinCooldown reports whether the user was push-notified within the
// cooldown window. A miss, a nil cache, or a Redis fault all return false;
// the caller then consults the audit table.
func (c *Cache) WithinCooldown(ctx context.Context, userID, organizationID int64) (bool, error) {
	if c == nil || c.client == nil {
		return false, nil
	}

	start := time.Now()
	ctx, span := otel.Tracer("redis-client").Start(ctx, "redis.within_cooldown",
		trace.WithAttributes(attribute.Int64("user.id", userID), attribute.Int64("org.id", organizationID)))
	defer func() {
		if redisLatency != nil {
			redisLatency.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attribute.String("redis.command", "within_cooldown")))
		}
		span.End()
	}()

	n, err := c.client.Exists(ctx, cooldownKey(userID, organizationID)).Result()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to check push cooldown")
		return false, err
	}
	return n > 0, nil
}
