// Package redis provides Redis caching, token revocation, and pub/sub
// functionality.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ironpxe/ironpxe/internal/config"
	"github.com/ironpxe/ironpxe/internal/domain"
)

// ErrCacheMiss indicates the key was not found in cache.
var ErrCacheMiss = errors.New("cache miss")

// Cache wraps a Redis client for caching operations.
type Cache struct {
	client *redis.Client
	logger *zap.Logger
}

// NewCache creates a new Redis cache connection.
func NewCache(cfg config.RedisConfig, logger *zap.Logger) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Connected to Redis", zap.String("addr", cfg.Address()))

	return &Cache{client: client, logger: logger}, nil
}

// Close closes the Redis connection.
func (c *Cache) Close() error {
	return c.client.Close()
}

// Health checks if Redis is reachable.
func (c *Cache) Health(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// =============================================================================
// Generic Cache Operations
// =============================================================================

// Get retrieves a value from cache and unmarshals it into dest.
func (c *Cache) Get(ctx context.Context, key string, dest interface{}) error {
	val, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return ErrCacheMiss
	}
	if err != nil {
		return fmt.Errorf("redis get error: %w", err)
	}

	return json.Unmarshal([]byte(val), dest)
}

// Set stores a value in cache with a TTL.
func (c *Cache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}

	return c.client.Set(ctx, key, data, ttl).Err()
}

// Delete removes a key from cache.
func (c *Cache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}

// =============================================================================
// Disk Scan Cache
// =============================================================================

func diskKey(nodeID, device string) string {
	return fmt.Sprintf("disk:%s:%s", nodeID, device)
}

// GetDisk retrieves a cached disk scan.
func (c *Cache) GetDisk(ctx context.Context, nodeID, device string) (*domain.DiskInfo, error) {
	var d domain.DiskInfo
	if err := c.Get(ctx, diskKey(nodeID, device), &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// SetDisk caches a disk scan.
func (c *Cache) SetDisk(ctx context.Context, d *domain.DiskInfo, ttl time.Duration) error {
	return c.Set(ctx, diskKey(d.NodeID, d.Device), d, ttl)
}

// DeleteDisk invalidates a cached disk scan.
func (c *Cache) DeleteDisk(ctx context.Context, nodeID, device string) error {
	return c.Delete(ctx, diskKey(nodeID, device))
}

// =============================================================================
// Session Token Revocation
// =============================================================================

func revocationKey(sessionID string) string {
	return "revoked:session:" + sessionID
}

// RevokeSession marks every token minted for a session as revoked. The TTL
// should cover the longest remaining token lifetime.
func (c *Cache) RevokeSession(ctx context.Context, sessionID string, ttl time.Duration) error {
	return c.client.Set(ctx, revocationKey(sessionID), "1", ttl).Err()
}

// IsSessionRevoked reports whether a session's tokens have been revoked.
func (c *Cache) IsSessionRevoked(ctx context.Context, sessionID string) (bool, error) {
	n, err := c.client.Exists(ctx, revocationKey(sessionID)).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists error: %w", err)
	}
	return n > 0, nil
}

// =============================================================================
// Pub/Sub Operations for Real-time Updates
// =============================================================================

// Event represents a real-time event.
type Event struct {
	Type       string      `json:"type"` // "session.progress", "node.updated", etc.
	ResourceID string      `json:"resource_id"`
	Data       interface{} `json:"data,omitempty"`
	Timestamp  time.Time   `json:"timestamp"`
}

// Publish publishes an event to a channel.
func (c *Cache) Publish(ctx context.Context, channel string, event Event) error {
	event.Timestamp = time.Now()
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return c.client.Publish(ctx, channel, data).Err()
}

// Subscribe subscribes to a channel and returns a message channel.
func (c *Cache) Subscribe(ctx context.Context, channels ...string) <-chan Event {
	pubsub := c.client.Subscribe(ctx, channels...)
	events := make(chan Event, 100)

	go func() {
		defer close(events)
		defer pubsub.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-pubsub.Channel():
				var event Event
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					c.logger.Warn("Failed to unmarshal event", zap.Error(err))
					continue
				}
				events <- event
			}
		}
	}()

	return events
}

// PublishSessionEvent publishes a clone-session event for other control
// plane replicas.
func (c *Cache) PublishSessionEvent(ctx context.Context, eventType string, session *domain.CloneSession) error {
	return c.Publish(ctx, "events:session", Event{
		Type:       eventType,
		ResourceID: session.ID,
		Data:       session,
	})
}

// PublishNodeEvent publishes a node-related event.
func (c *Cache) PublishNodeEvent(ctx context.Context, eventType string, node *domain.Node) error {
	return c.Publish(ctx, "events:node", Event{
		Type:       eventType,
		ResourceID: node.ID,
		Data:       node,
	})
}
