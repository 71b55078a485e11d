package kv

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/classkit/backend-go/internal/v1/logging"
	"go.uber.org/zap"
)

// Message is the standardized envelope for pub/sub traffic between processes.
type Message struct {
	Channel  string          `json:"channel"`
	Event    string          `json:"event"`
	Payload  json.RawMessage `json:"payload"`
	SenderID string          `json:"senderId"` // used to prevent echo loops
}

// Publish broadcasts an event on the named channel.
func (c *Client) Publish(ctx context.Context, channel, event string, payload any, senderID string) error {
	if c == nil || c.rdb == nil {
		return nil // cache-less mode, nothing to publish to
	}

	_, err := c.execWrite("PUBLISH", func() (interface{}, error) {
		inner, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		data, err := json.Marshal(Message{
			Channel:  channel,
			Event:    event,
			Payload:  inner,
			SenderID: senderID,
		})
		if err != nil {
			return nil, fmt.Errorf("marshal envelope: %w", err)
		}
		return nil, c.rdb.Publish(ctx, channel, data).Err()
	})
	if err != nil {
		logging.Error(ctx, "Redis publish failed", zap.String("channel", channel), zap.Error(err))
	}
	return err
}

// Subscribe starts a background goroutine delivering messages from the named
// channel to handler until ctx is cancelled. A single subscriber connection
// serves each Subscribe call.
func (c *Client) Subscribe(ctx context.Context, channel string, wg *sync.WaitGroup, handler func(Message)) {
	if c == nil || c.rdb == nil {
		return
	}

	pubsub := c.rdb.Subscribe(ctx, channel)

	if wg != nil {
		wg.Add(1)
	}
	go func() {
		defer pubsub.Close()
		if wg != nil {
			defer wg.Done()
		}

		logging.Info(ctx, "Subscribed to channel", zap.String("channel", channel))

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					logging.Warn(ctx, "Subscription channel closed", zap.String("channel", channel))
					return
				}
				var m Message
				if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
					logging.Error(ctx, "Failed to unmarshal pub/sub message", zap.Error(err), zap.String("raw", msg.Payload))
					continue
				}
				handler(m)
			}
		}
	}()
}
