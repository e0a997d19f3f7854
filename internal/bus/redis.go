package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/webcall/coordination/internal/metrics"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
)

// envelope is the wire container used between Redis subscribers; it lets
// one channel carry either signal or chat traffic without a second
// unmarshal pass.
type envelope struct {
	Kind    string          `json:"kind"` // "signal" | "chat"
	Payload json.RawMessage `json:"payload"`
}

// RedisBus is the external SignalBus backend: Publish/Subscribe calls are
// routed through Redis so relay instances behind a load balancer observe
// each other's traffic. Every Redis call is gated by a circuit breaker so
// a Redis outage degrades to dropped cross-instance fan-out rather than
// failing the caller.
type RedisBus struct {
	client *redis.Client
	cb     *gobreaker.CircuitBreaker
}

// NewRedisBus dials Redis, verifies connectivity, and wires a circuit
// breaker around subsequent calls.
func NewRedisBus(addr, password string) (*RedisBus, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           0,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	st := gobreaker.Settings{
		Name:        "redis",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("redis").Set(stateVal)
		},
	}

	slog.Info("connected to redis signal bus", "addr", addr)
	return &RedisBus{client: rdb, cb: gobreaker.NewCircuitBreaker(st)}, nil
}

// Client exposes the underlying Redis client for presence-set operations
// shared with other components.
func (b *RedisBus) Client() *redis.Client {
	if b == nil {
		return nil
	}
	return b.client
}

func signalsChannel(roomID string) string { return fmt.Sprintf("room:%s:signals", roomID) }
func chatChannel(roomID string) string    { return fmt.Sprintf("room:%s:chat", roomID) }
func presenceKey(roomID string) string    { return fmt.Sprintf("room:%s:presence", roomID) }

func (b *RedisBus) publish(ctx context.Context, channel, kind string, payload any) error {
	if b == nil || b.client == nil {
		return nil
	}

	_, err := b.cb.Execute(func() (interface{}, error) {
		inner, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		data, err := json.Marshal(envelope{Kind: kind, Payload: inner})
		if err != nil {
			return nil, fmt.Errorf("marshal envelope: %w", err)
		}
		return nil, b.client.Publish(ctx, channel, data).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			slog.Warn("redis circuit breaker open: dropping publish", "channel", channel)
			return nil
		}
		if errors.Is(err, redis.ErrClosed) {
			return nil
		}
		slog.Error("redis publish failed", "channel", channel, "error", err)
		return err
	}
	return nil
}

// PublishSignal publishes a WebRTC signal on the room's signals channel.
func (b *RedisBus) PublishSignal(ctx context.Context, roomID string, sig Signal) error {
	return b.publish(ctx, signalsChannel(roomID), "signal", sig)
}

// PublishChat publishes a chat message on the room's chat channel.
func (b *RedisBus) PublishChat(ctx context.Context, roomID string, msg ChatEvent) error {
	return b.publish(ctx, chatChannel(roomID), "chat", msg)
}

func (b *RedisBus) subscribe(ctx context.Context, channel string) *redis.PubSub {
	if b == nil || b.client == nil {
		return nil
	}
	return b.client.Subscribe(ctx, channel)
}

// SubscribeSignals streams signals published on a room's signals channel
// until ctx is cancelled or the caller invokes the returned Unsubscribe.
func (b *RedisBus) SubscribeSignals(ctx context.Context, roomID string) (<-chan Signal, Unsubscribe) {
	out := make(chan Signal, 32)
	pubsub := b.subscribe(ctx, signalsChannel(roomID))
	if pubsub == nil {
		close(out)
		return out, func() {}
	}

	done := make(chan struct{})
	go func() {
		defer close(out)
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var env envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil || env.Kind != "signal" {
					continue
				}
				var sig Signal
				if err := json.Unmarshal(env.Payload, &sig); err != nil {
					slog.Error("failed to unmarshal signal", "error", err)
					continue
				}
				select {
				case out <- sig:
				default:
					slog.Warn("signal subscriber queue full, dropping", "roomID", roomID)
				}
			}
		}
	}()

	var closeOnce bool
	return out, func() {
		if closeOnce {
			return
		}
		closeOnce = true
		close(done)
	}
}

// SubscribeChat streams chat messages published on a room's chat channel.
func (b *RedisBus) SubscribeChat(ctx context.Context, roomID string) (<-chan ChatEvent, Unsubscribe) {
	out := make(chan ChatEvent, 32)
	pubsub := b.subscribe(ctx, chatChannel(roomID))
	if pubsub == nil {
		close(out)
		return out, func() {}
	}

	done := make(chan struct{})
	go func() {
		defer close(out)
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var env envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil || env.Kind != "chat" {
					continue
				}
				var chat ChatEvent
				if err := json.Unmarshal(env.Payload, &chat); err != nil {
					slog.Error("failed to unmarshal chat event", "error", err)
					continue
				}
				select {
				case out <- chat:
				default:
					slog.Warn("chat subscriber queue full, dropping", "roomID", roomID)
				}
			}
		}
	}()

	var closeOnce bool
	return out, func() {
		if closeOnce {
			return
		}
		closeOnce = true
		close(done)
	}
}

// UpdatePresence records or clears a user's membership in a room's
// presence set, stored as a Redis set so every relay instance can list it.
func (b *RedisBus) UpdatePresence(ctx context.Context, roomID, userID string, present bool) error {
	if b == nil || b.client == nil {
		return nil
	}

	key := presenceKey(roomID)
	_, err := b.cb.Execute(func() (interface{}, error) {
		if present {
			return nil, b.client.SAdd(ctx, key, userID).Err()
		}
		return nil, b.client.SRem(ctx, key, userID).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			slog.Warn("redis circuit breaker open: skipping presence update", "roomID", roomID)
			return nil
		}
		slog.Error("redis presence update failed", "roomID", roomID, "userID", userID, "error", err)
		return err
	}
	return nil
}

// ListPresence returns the set of user IDs currently present in a room.
func (b *RedisBus) ListPresence(ctx context.Context, roomID string) ([]string, error) {
	if b == nil || b.client == nil {
		return nil, nil
	}

	res, err := b.cb.Execute(func() (interface{}, error) {
		return b.client.SMembers(ctx, presenceKey(roomID)).Result()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			slog.Warn("redis circuit breaker open: returning empty presence", "roomID", roomID)
			return nil, nil
		}
		slog.Error("redis list presence failed", "roomID", roomID, "error", err)
		return nil, err
	}
	return res.([]string), nil
}

// Ping checks Redis connectivity; used by the readiness health check.
func (b *RedisBus) Ping(ctx context.Context) error {
	if b == nil || b.client == nil {
		return nil
	}
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.client.Ping(ctx).Err()
	})
	if err != nil && err == gobreaker.ErrOpenState {
		metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
	}
	return err
}

// Close shuts down the underlying Redis connection.
func (b *RedisBus) Close() error {
	if b == nil || b.client == nil {
		return nil
	}
	return b.client.Close()
}
