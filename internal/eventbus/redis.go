/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package eventbus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/friendsincode/nmstereo/internal/events"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const redisChannelPrefix = "nmstereo:events:"

// RedisBus implements a Redis-backed event bus for distributed systems.
type RedisBus struct {
	client     *redis.Client
	ownsClient bool
	logger     zerolog.Logger
	nodeID     string
	local      *localSubs

	mu       sync.Mutex
	channels map[events.EventType]*redis.PubSub

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Circuit breaker state
	useFallback bool
	failCount   int
	maxFails    int
}

// RedisConfig contains Redis connection configuration.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	// Connection pooling
	PoolSize     int
	MinIdleConns int

	// Timeouts
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Circuit breaker
	MaxFailures   int
	CheckInterval time.Duration
}

// DefaultRedisConfig returns default Redis configuration.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		MaxFailures:   5,
		CheckInterval: 30 * time.Second,
	}
}

// NewRedisBus creates a Redis-backed event bus.
// Falls back to local delivery only if Redis is unavailable.
func NewRedisBus(cfg RedisConfig, nodeID string, logger zerolog.Logger) *RedisBus {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	pingErr := client.Ping(pingCtx).Err()

	rb := newRedisBus(client, nodeID, cfg, pingErr != nil, logger)
	rb.ownsClient = true
	if pingErr != nil {
		logger.Warn().Err(pingErr).Msg("Redis connection failed, using in-memory fallback")
		return rb
	}

	logger.Info().Str("addr", cfg.Addr).Msg("Redis event bus initialized")
	return rb
}

// NewRedisBusWithClient creates a bus on an existing client.
func NewRedisBusWithClient(client *redis.Client, nodeID string, cfg RedisConfig, logger zerolog.Logger) *RedisBus {
	return newRedisBus(client, nodeID, cfg, false, logger)
}

func newRedisBus(client *redis.Client, nodeID string, cfg RedisConfig, fallback bool, logger zerolog.Logger) *RedisBus {
	defaults := DefaultRedisConfig()
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = defaults.MaxFailures
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = defaults.CheckInterval
	}
	if nodeID == "" {
		nodeID = NewNodeID()
	}
	logger = logger.With().Str("component", "redis_eventbus").Logger()
	ctx, cancel := context.WithCancel(context.Background())
	rb := &RedisBus{
		client:      client,
		logger:      logger,
		nodeID:      nodeID,
		local:       newLocalSubs(logger),
		channels:    make(map[events.EventType]*redis.PubSub),
		ctx:         ctx,
		cancel:      cancel,
		maxFails:    cfg.MaxFailures,
		useFallback: fallback,
	}
	rb.wg.Add(1)
	go rb.reconnectLoop(cfg.CheckInterval)
	return rb
}

// Subscribe registers a subscriber for an event type.
func (rb *RedisBus) Subscribe(eventType events.EventType) events.Subscriber {
	sub, _ := rb.local.add(eventType)

	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.useFallback {
		return sub
	}

	rb.subscribeLocked(eventType)
	return sub
}

// subscribeLocked opens the Redis subscription for eventType once. Callers hold rb.mu.
func (rb *RedisBus) subscribeLocked(eventType events.EventType) {
	if _, exists := rb.channels[eventType]; exists {
		return
	}
	pubsub := rb.client.Subscribe(rb.ctx, redisChannelPrefix+string(eventType))

	// Wait for the subscription so events published right after are not missed.
	recvCtx, cancel := context.WithTimeout(rb.ctx, 5*time.Second)
	_, err := pubsub.Receive(recvCtx)
	cancel()
	if err != nil {
		rb.logger.Error().Err(err).Str("event_type", string(eventType)).Msg("Redis subscribe failed")
		_ = pubsub.Close()
		rb.failLocked()
		return
	}

	rb.channels[eventType] = pubsub
	rb.wg.Add(1)
	go rb.receiveMessages(eventType, pubsub)
}

// reconnectLoop leaves fallback mode once Redis answers again.
func (rb *RedisBus) reconnectLoop(interval time.Duration) {
	defer rb.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-rb.ctx.Done():
			return
		case <-ticker.C:
			if err := rb.tryReconnect(); err != nil {
				rb.logger.Debug().Err(err).Msg("Redis still unavailable")
			}
		}
	}
}

func (rb *RedisBus) tryReconnect() error {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if !rb.useFallback {
		return nil
	}

	ctx, cancel := context.WithTimeout(rb.ctx, 5*time.Second)
	defer cancel()
	if err := rb.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}

	rb.useFallback = false
	rb.failCount = 0
	for _, eventType := range rb.local.types() {
		rb.subscribeLocked(eventType)
	}
	rb.logger.Info().Msg("reconnected to Redis, disabling fallback")
	return nil
}

// receiveMessages handles incoming Redis pub/sub messages.
func (rb *RedisBus) receiveMessages(eventType events.EventType, pubsub *redis.PubSub) {
	defer rb.wg.Done()

	ch := pubsub.Channel()
	for {
		select {
		case <-rb.ctx.Done():
			return

		case msg, ok := <-ch:
			if !ok {
				return
			}

			env, err := unmarshalEnvelope([]byte(msg.Payload))
			if err != nil {
				rb.logger.Error().Err(err).Msg("failed to unmarshal Redis message")
				continue
			}

			// Local subscribers already saw our own events.
			if env.NodeID == rb.nodeID {
				continue
			}

			rb.local.deliver(eventType, env.Payload)
			rb.logger.Debug().
				Str("event_type", string(eventType)).
				Str("source_node", env.NodeID).
				Msg("delivered Redis event to local subscribers")
		}
	}
}

// Publish sends an event payload to all subscribers (local and remote).
func (rb *RedisBus) Publish(eventType events.EventType, payload events.Payload) {
	rb.local.deliver(eventType, payload)

	rb.mu.Lock()
	fallback := rb.useFallback
	rb.mu.Unlock()
	if fallback {
		return
	}

	data, err := marshalEnvelope(eventType, payload, rb.nodeID)
	if err != nil {
		rb.logger.Error().Err(err).Msg("failed to marshal Redis message")
		return
	}

	ctx, cancel := context.WithTimeout(rb.ctx, 2*time.Second)
	defer cancel()

	if err := rb.client.Publish(ctx, redisChannelPrefix+string(eventType), data).Err(); err != nil {
		rb.logger.Error().Err(err).Str("event_type", string(eventType)).Msg("failed to publish to Redis")
		rb.mu.Lock()
		rb.failLocked()
		rb.mu.Unlock()
		return
	}

	rb.mu.Lock()
	rb.failCount = 0
	rb.mu.Unlock()
}

// Unsubscribe removes a subscriber.
func (rb *RedisBus) Unsubscribe(eventType events.EventType, sub events.Subscriber) {
	if rb.local.remove(eventType, sub) > 0 {
		return
	}

	rb.mu.Lock()
	defer rb.mu.Unlock()
	if pubsub, exists := rb.channels[eventType]; exists {
		_ = pubsub.Close()
		delete(rb.channels, eventType)
		rb.logger.Debug().Str("event_type", string(eventType)).Msg("closed Redis subscription")
	}
}

// Fallback reports whether the bus stopped using Redis.
func (rb *RedisBus) Fallback() bool {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.useFallback
}

// Close closes the Redis connection and all subscriptions.
func (rb *RedisBus) Close() error {
	rb.cancel()

	rb.mu.Lock()
	for eventType, pubsub := range rb.channels {
		_ = pubsub.Close()
		delete(rb.channels, eventType)
	}
	rb.mu.Unlock()

	rb.wg.Wait()
	rb.local.closeAll()

	if rb.ownsClient {
		if err := rb.client.Close(); err != nil {
			return fmt.Errorf("close redis client: %w", err)
		}
	}
	rb.logger.Info().Msg("Redis event bus closed")
	return nil
}

// failLocked implements circuit breaker logic. Callers hold rb.mu.
func (rb *RedisBus) failLocked() {
	rb.failCount++
	if rb.failCount >= rb.maxFails && !rb.useFallback {
		rb.logger.Warn().
			Int("fail_count", rb.failCount).
			Msg("Redis failure threshold reached, switching to in-memory fallback")
		rb.useFallback = true
		for eventType, pubsub := range rb.channels {
			_ = pubsub.Close()
			delete(rb.channels, eventType)
		}
	}
}
