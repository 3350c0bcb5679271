package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const connectTimeout = 5 * time.Second

// RedisClient is a thin publish/subscribe client interface.
type RedisClient interface {
	Publish(ctx context.Context, channel string, message interface{}) error
	Subscribe(ctx context.Context, channel string) (<-chan Message, error)
	Close() error
}

// Message is a received pub/sub message.
type Message struct {
	Channel string
	Payload []byte
	Time    time.Time
}

// envelope is the wire format: the payload plus the publish timestamp, so
// consumers can detect stale notifications after an outage.
type envelope struct {
	PublishedAt time.Time       `json:"published_at"`
	Payload     json.RawMessage `json:"payload"`
}

type redisClient struct {
	client *redis.Client
}

// NewRedisClient connects to redis and returns a pub/sub client.
func NewRedisClient(addr, password string, db int) (RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &redisClient{client: client}, nil
}

// Publish serializes the message as JSON and publishes it on the channel.
func (r *redisClient) Publish(ctx context.Context, channel string, message interface{}) error {
	payload, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	wrapped, err := json.Marshal(envelope{PublishedAt: time.Now().UTC(), Payload: payload})
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return r.client.Publish(ctx, channel, wrapped).Err()
}

// Subscribe subscribes to a channel and streams messages until ctx is done.
func (r *redisClient) Subscribe(ctx context.Context, channel string) (<-chan Message, error) {
	pubsub := r.client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		return nil, fmt.Errorf("failed to subscribe to channel: %w", err)
	}

	messageCh := make(chan Message)
	go func() {
		defer close(messageCh)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				messageCh <- decode(msg)
			case <-ctx.Done():
				return
			}
		}
	}()

	return messageCh, nil
}

func decode(msg *redis.Message) Message {
	out := Message{Channel: msg.Channel, Time: time.Now()}
	var env envelope
	if err := json.Unmarshal([]byte(msg.Payload), &env); err == nil && len(env.Payload) > 0 {
		out.Payload = env.Payload
		out.Time = env.PublishedAt
		return out
	}
	out.Payload = []byte(msg.Payload)
	return out
}

// Close closes the underlying redis connection.
func (r *redisClient) Close() error {
	return r.client.Close()
}
