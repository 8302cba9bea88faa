package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const (
	DefaultChannelPrefix = "contractflow:"
	DefaultTimeout       = 5 * time.Second
	DefaultRetries       = 3
	defaultBackoff       = 500 * time.Millisecond
)

// RedisConfig configures the Redis pub/sub publisher.
type RedisConfig struct {
	// URL is the Redis connection URL: redis://[:password@]host:port[/db].
	URL string
	// ChannelPrefix is prepended to the outbox topic to form the channel name.
	ChannelPrefix string
	Timeout       time.Duration
	// Retries is the number of retries after the first failed attempt.
	Retries int
	// Backoff is the delay before the first retry; it doubles per retry.
	Backoff time.Duration
}

// RedisPublisher publishes outbox payloads with Redis PUBLISH.
type RedisPublisher struct {
	config RedisConfig
	client *goredis.Client
}

func NewRedisPublisher(cfg RedisConfig) (*RedisPublisher, error) {
	if cfg.URL == "" {
		return nil, errors.New("outbox: redis publisher requires a URL")
	}
	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("outbox: invalid redis URL: %w", err)
	}
	if cfg.Retries < 0 {
		return nil, fmt.Errorf("outbox: retries must be >= 0, got %d", cfg.Retries)
	}
	if cfg.ChannelPrefix == "" {
		cfg.ChannelPrefix = DefaultChannelPrefix
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = defaultBackoff
	}
	return &RedisPublisher{config: cfg, client: goredis.NewClient(opts)}, nil
}

// Channel returns the channel a topic is published on.
func (p *RedisPublisher) Channel(topic string) string {
	return p.config.ChannelPrefix + topic
}

// Publish sends payload to the topic's channel, retrying with exponential
// backoff.
func (p *RedisPublisher) Publish(ctx context.Context, topic string, payload []byte) error {
	attempts := 1 + p.config.Retries
	var lastErr error
	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("outbox: publish canceled: %w", err)
		}
		if i > 0 {
			backoff := time.Duration(1<<uint(i-1)) * p.config.Backoff
			select {
			case <-ctx.Done():
				return fmt.Errorf("outbox: publish canceled during backoff: %w", ctx.Err())
			case <-time.After(backoff):
			}
		}

		publishCtx, cancel := context.WithTimeout(ctx, p.config.Timeout)
		lastErr = p.client.Publish(publishCtx, p.Channel(topic), payload).Err()
		cancel()
		if lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("outbox: publish failed after %d attempts: %w", attempts, lastErr)
}

func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
