package credentials

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/migadu/nestlink/config"
	"github.com/migadu/nestlink/logger"
)

const (
	redisFieldUserID = "user_id"
	redisFieldToken  = "token"
)

// RedisStore keeps the credential in a Redis hash and announces every write
// on a pub/sub channel.
type RedisStore struct {
	client  *redis.Client
	key     string
	channel string
}

// NewRedisStore connects and pings the server.
func NewRedisStore(ctx context.Context, cfg config.RedisCredentialsConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}

	return NewRedisStoreWithClient(client, cfg.GetKey(), cfg.GetChannel()), nil
}

func NewRedisStoreWithClient(client *redis.Client, key, channel string) *RedisStore {
	return &RedisStore{client: client, key: key, channel: channel}
}

func (s *RedisStore) Load(ctx context.Context) (Credential, error) {
	vals, err := s.client.HMGet(ctx, s.key, redisFieldUserID, redisFieldToken).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Credential{}, nil
		}
		return Credential{}, fmt.Errorf("failed to read credentials hash %s: %w", s.key, err)
	}
	var c Credential
	if v, ok := vals[0].(string); ok {
		c.UserID = v
	}
	if v, ok := vals[1].(string); ok {
		c.Token = v
	}
	return c, nil
}

func (s *RedisStore) Save(ctx context.Context, c Credential) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.key, redisFieldUserID, c.UserID, redisFieldToken, c.Token)
		pipe.Publish(ctx, s.channel, "set")
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save credentials: %w", err)
	}
	return nil
}

func (s *RedisStore) Clear(ctx context.Context) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.key)
		pipe.Publish(ctx, s.channel, "clear")
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to clear credentials: %w", err)
	}
	return nil
}

// Watch subscribes to the change channel. Notifications are coalesced: a
// burst of writes yields at least one signal.
func (s *RedisStore) Watch(ctx context.Context) <-chan struct{} {
	out := make(chan struct{}, 1)
	sub := s.client.Subscribe(ctx, s.channel)

	go func() {
		defer close(out)
		defer sub.Close()

		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-msgs:
				if !ok {
					logger.Warn("[CREDENTIALS] redis subscription closed", "channel", s.channel)
					return
				}
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}
	}()
	return out
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
