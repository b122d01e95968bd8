// Package redisstate implements repository.StateRepository on go-redis:
// per-room pub/sub channels for cross-instance fanout plus SET NX PX lock
// claims so every gateway instance serving a room agrees on lock ownership.
package redisstate

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"collaborative-diagram/internal/domain"
	"collaborative-diagram/internal/repository"
)

type RedisStateRepository struct {
	client    *redis.Client
	keyPrefix string
}

func NewRedisStateRepository(client *redis.Client, keyPrefix string) *RedisStateRepository {
	if client == nil {
		panic("redis client cannot be nil for RedisStateRepository")
	}
	if keyPrefix == "" {
		keyPrefix = "dc:"
	}
	return &RedisStateRepository{client: client, keyPrefix: keyPrefix}
}

func (r *RedisStateRepository) roomChannel(roomID string) string {
	return fmt.Sprintf("%sroom:%s", r.keyPrefix, roomID)
}

func (r *RedisStateRepository) lockKey(roomID, elementID string) string {
	return fmt.Sprintf("%sroom:%s:lock:%s", r.keyPrefix, roomID, elementID)
}

// Publish sends the envelope to the room's channel. Subscriber count is only
// logged; zero subscribers is normal for single-instance deployments.
func (r *RedisStateRepository) Publish(ctx context.Context, roomID string, env domain.Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	cmd := r.client.Publish(ctx, r.roomChannel(roomID), payload)
	if err := cmd.Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	logrus.WithFields(logrus.Fields{
		"channel":     r.roomChannel(roomID),
		"event":       env.Event,
		"subscribers": cmd.Val(),
	}).Debug("Envelope published to fanout bus")
	return nil
}

type redisSubscription struct {
	pubsub *redis.PubSub
	events chan domain.Envelope
}

func (s *redisSubscription) Events() <-chan domain.Envelope { return s.events }

func (s *redisSubscription) Close() error { return s.pubsub.Close() }

// Subscribe opens the room channel and decodes frames in a goroutine that
// exits when the subscription is closed. Undecodable frames are dropped.
func (r *RedisStateRepository) Subscribe(ctx context.Context, roomID string) (repository.Subscription, error) {
	pubsub := r.client.Subscribe(ctx, r.roomChannel(roomID))
	// Force the subscription to be established before returning so callers
	// never miss events published right after Subscribe.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis subscribe: %w", err)
	}

	sub := &redisSubscription{
		pubsub: pubsub,
		events: make(chan domain.Envelope, 64),
	}
	go func() {
		defer close(sub.events)
		for msg := range pubsub.Channel() {
			var env domain.Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				logrus.WithError(err).WithField("channel", msg.Channel).Warn("Dropping undecodable fanout frame")
				continue
			}
			select {
			case sub.events <- env:
			default:
				logrus.WithField("channel", msg.Channel).Warn("Fanout subscriber buffer full, dropping frame")
			}
		}
	}()
	return sub, nil
}

// AcquireLock claims the element with SET NX PX. Re-acquisition by the
// current owner renews the TTL and succeeds.
func (r *RedisStateRepository) AcquireLock(ctx context.Context, roomID, elementID, userID string, ttl time.Duration) (bool, string, error) {
	key := r.lockKey(roomID, elementID)
	ok, err := r.client.SetNX(ctx, key, userID, ttl).Result()
	if err != nil {
		return false, "", fmt.Errorf("redis setnx: %w", err)
	}
	if ok {
		return true, "", nil
	}
	owner, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		// Claim expired between SETNX and GET; retry once.
		ok, err = r.client.SetNX(ctx, key, userID, ttl).Result()
		if err != nil {
			return false, "", fmt.Errorf("redis setnx retry: %w", err)
		}
		if ok {
			return true, "", nil
		}
		// Another claimant won the retry; report who so callers can
		// roll back their optimistic grant.
		owner, err = r.client.Get(ctx, key).Result()
		if err == redis.Nil {
			return false, "", nil
		}
		if err != nil {
			return false, "", fmt.Errorf("redis get lock owner: %w", err)
		}
		if owner == userID {
			return true, "", nil
		}
		return false, owner, nil
	}
	if err != nil {
		return false, "", fmt.Errorf("redis get lock owner: %w", err)
	}
	if owner == userID {
		if err := r.client.PExpire(ctx, key, ttl).Err(); err != nil {
			return false, "", fmt.Errorf("redis pexpire: %w", err)
		}
		return true, "", nil
	}
	return false, owner, nil
}

func (r *RedisStateRepository) RenewLock(ctx context.Context, roomID, elementID, userID string, ttl time.Duration) error {
	key := r.lockKey(roomID, elementID)
	owner, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("redis get lock owner: %w", err)
	}
	if owner != userID {
		return nil
	}
	if err := r.client.PExpire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("redis pexpire: %w", err)
	}
	return nil
}

// ReleaseLock drops the claim if owned by userID. The GET/DEL pair is not
// atomic; the TTL bounds the damage of the narrow race, same tradeoff the
// rate limiter makes with INCR/EXPIRE.
func (r *RedisStateRepository) ReleaseLock(ctx context.Context, roomID, elementID, userID string) error {
	key := r.lockKey(roomID, elementID)
	owner, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("redis get lock owner: %w", err)
	}
	if owner != userID {
		return nil
	}
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}
