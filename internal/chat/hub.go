package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"spark-chat/internal/session"
)

// Envelope travels over Redis so every instance can route to its own sessions.
type Envelope struct {
	Recipient string          `json:"recipient"`
	Payload   json.RawMessage `json:"payload"`
}

// Hub routes payloads to the live sessions of a recipient. With Redis it fans
// out across instances; without it only local sessions exist.
type Hub struct {
	registry *session.Registry
	redis    *redis.Client
	channel  string
	log      *slog.Logger
}

func NewHub(registry *session.Registry, redisClient *redis.Client, channel string, log *slog.Logger) *Hub {
	return &Hub{
		registry: registry,
		redis:    redisClient,
		channel:  channel,
		log:      log,
	}
}

func (h *Hub) Deliver(ctx context.Context, recipient string, payload []byte) error {
	if h.redis == nil {
		h.deliverLocal(recipient, payload)
		return nil
	}

	envelope, err := json.Marshal(Envelope{Recipient: recipient, Payload: payload})
	if err != nil {
		return err
	}
	if err := h.redis.Publish(ctx, h.channel, envelope).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Run listens for envelopes published by any instance until ctx is done.
func (h *Hub) Run(ctx context.Context) error {
	if h.redis == nil {
		<-ctx.Done()
		return nil
	}

	pubsub := h.redis.Subscribe(ctx, h.channel)
	defer pubsub.Close()

	// Wait for the subscription to be confirmed before serving traffic.
	if _, err := pubsub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("redis subscribe %s: %w", h.channel, err)
	}
	h.log.Info("Subscribed to delivery channel", "channel", h.channel)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("redis subscription %s closed", h.channel)
			}
			var envelope Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &envelope); err != nil {
				h.log.Warn("Dropping malformed envelope", "err", err)
				continue
			}
			h.deliverLocal(envelope.Recipient, envelope.Payload)
		}
	}
}

// deliverLocal pushes to every local session of recipient and returns how many
// accepted it. A session that can't keep up is dropped.
func (h *Hub) deliverLocal(recipient string, payload []byte) int {
	delivered := 0
	for _, s := range h.registry.Lookup(recipient) {
		if s.Push(payload) {
			delivered++
			continue
		}
		// A session that disconnected meanwhile is already gone from the registry.
		if h.registry.Unregister(s.ID) {
			h.log.Warn("Dropping slow session", "session", s.ID, "identity", s.Identity)
			s.Close()
		}
	}
	return delivered
}
