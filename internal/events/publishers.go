package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	redis "github.com/redis/go-redis/v9"

	"streamrelay/internal/redisconn"
)

// LogPublisher writes every notification to the operational event log.
type LogPublisher struct {
	logger *slog.Logger
}

func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(ctx context.Context, event SessionEnded) error {
	attrs := []any{
		"session_id", event.SessionID,
		"title", event.Title,
		"destination", event.Destination,
		"source_kind", event.SourceKind,
		"elapsed", FormatElapsed(event.Elapsed),
		"reason", string(event.Reason),
	}
	if event.ExitError != "" {
		attrs = append(attrs, "exit_error", event.ExitError)
	}
	p.logger.InfoContext(ctx, event.Summary(), attrs...)
	return nil
}

const (
	DefaultStream = "relayd:events"
	DefaultMaxLen = 10000
)

// RedisPublisherConfig configures the Redis Streams publisher.
type RedisPublisherConfig struct {
	redisconn.Config `mapstructure:",squash"`
	Stream           string `mapstructure:"stream"`
	MaxLen           int64  `mapstructure:"max-len"`
}

// RedisPublisher appends notifications to a Redis stream for external
// notifiers such as a chat bot.
type RedisPublisher struct {
	client redis.UniversalClient
	stream string
	maxLen int64
}

func NewRedisPublisher(ctx context.Context, cfg RedisPublisherConfig) (*RedisPublisher, error) {
	client, err := redisconn.NewClient(ctx, cfg.Config)
	if err != nil {
		return nil, err
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		stream = DefaultStream
	}
	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = DefaultMaxLen
	}
	return &RedisPublisher{client: client, stream: stream, maxLen: maxLen}, nil
}

func (p *RedisPublisher) Publish(ctx context.Context, event SessionEnded) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	err = p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Approx: true,
		Values: []interface{}{"type", TypeSessionEnded, "payload", string(payload)},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", p.stream, err)
	}
	return nil
}

func (p *RedisPublisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
