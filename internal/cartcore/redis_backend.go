package cartcore

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisStateKey         = "cartsync:state"
	redisNotifyChannel    = "cartsync:state-changed"
	redisOperationTimeout = 5 * time.Second
)

// RedisStateBackend keeps the cart snapshot under a single key and
// publishes on a channel after every save, giving subscribers the same
// cross-context change signal the file backend gets from the filesystem.
type RedisStateBackend struct {
	client  *redis.Client
	key     string
	channel string
}

func NewRedisStateBackend(dsn string) (StateBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	opts, err := redis.ParseURL(dsn)
	if err != nil {
		return nil, err
	}
	return &RedisStateBackend{
		client:  redis.NewClient(opts),
		key:     redisStateKey,
		channel: redisNotifyChannel,
	}, nil
}

func (b *RedisStateBackend) Load() (*persistedState, error) {
	if b == nil {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisOperationTimeout)
	defer cancel()
	payload, err := b.client.Get(ctx, b.key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var snapshot persistedState
	if err := json.Unmarshal([]byte(payload), &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

func (b *RedisStateBackend) Save(state *persistedState) error {
	if b == nil || state == nil {
		return nil
	}
	payload, err := json.Marshal(state)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisOperationTimeout)
	defer cancel()
	if err := b.client.Set(ctx, b.key, string(payload), 0).Err(); err != nil {
		return err
	}
	return b.client.Publish(ctx, b.channel, b.key).Err()
}

func (b *RedisStateBackend) Watch(ctx context.Context, onChange func()) error {
	if b == nil || onChange == nil {
		return ErrInvalidInput
	}
	sub := b.client.Subscribe(ctx, b.channel)
	defer func() { _ = sub.Close() }()
	messages := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-messages:
			if !ok {
				return nil
			}
			onChange()
		}
	}
}

func (b *RedisStateBackend) Close() error {
	if b == nil || b.client == nil {
		return nil
	}
	return b.client.Close()
}
