package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/manpreetbhatti/lattice-collab/internal/session"
)

const queueSize = 4096

// NewRedisClient connects to addr and checks the connection.
func NewRedisClient(ctx context.Context, addr string) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connect redis %s: %w", addr, err)
	}
	return rdb, nil
}

// RedisPublisher publishes committed operations as JSON Messages on the
// channel prefix+sessionID. Publish only queues; Run does the network work.
type RedisPublisher struct {
	rdb    *redis.Client
	prefix string
	queue  chan session.Broadcast
	logger *slog.Logger
}

func NewRedisPublisher(rdb *redis.Client, prefix string, logger *slog.Logger) *RedisPublisher {
	return &RedisPublisher{
		rdb:    rdb,
		prefix: prefix,
		queue:  make(chan session.Broadcast, queueSize),
		logger: logger,
	}
}

// Channel is the redis channel carrying operations of sessionID.
func (p *RedisPublisher) Channel(sessionID string) string {
	return p.prefix + sessionID
}

func (p *RedisPublisher) Publish(b session.Broadcast) {
	select {
	case p.queue <- b:
	default:
		p.logger.Error("redis feed queue full, dropping operation",
			"session_id", b.SessionID, "version", b.Version)
	}
}

// Run sends queued operations until ctx is cancelled.
func (p *RedisPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case b := <-p.queue:
			data, err := json.Marshal(messageFor(b))
			if err != nil {
				p.logger.Error("encode feed message", "error", err)
				continue
			}
			if err := p.rdb.Publish(ctx, p.Channel(b.SessionID), data).Err(); err != nil {
				p.logger.Warn("redis publish failed",
					"session_id", b.SessionID, "version", b.Version, "error", err)
			}
		}
	}
}

// Subscribe streams the operations of sessionID. The returned channel is
// closed when ctx is cancelled.
func (p *RedisPublisher) Subscribe(ctx context.Context, sessionID string) (<-chan Message, error) {
	pubsub := p.rdb.Subscribe(ctx, p.Channel(sessionID))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, err
	}

	out := make(chan Message)
	go func() {
		defer close(out)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var m Message
				if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
					p.logger.Warn("bad feed message", "channel", msg.Channel, "error", err)
					continue
				}
				select {
				case out <- m:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
