package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisPublisher fans notifications out to every process subscribed to a
// channel.
type RedisPublisher struct {
	client  redis.UniversalClient
	channel string
}

func NewRedisPublisher(client redis.UniversalClient, channel string) *RedisPublisher {
	return &RedisPublisher{
		client:  client,
		channel: channel,
	}
}

func (p *RedisPublisher) Notify(ctx context.Context, n *DeveloperNotification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return err
	}

	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", p.channel, err)
	}
	return nil
}

// RedisSource delivers every message published on a channel to a Notifier.
type RedisSource struct {
	log      *zap.Logger
	client   redis.UniversalClient
	channel  string
	notifier Notifier
}

func NewRedisSource(log *zap.Logger, client redis.UniversalClient, channel string, notifier Notifier) *RedisSource {
	return &RedisSource{
		log:      log.With(zap.String("channel", channel)),
		client:   client,
		channel:  channel,
		notifier: notifier,
	}
}

// Run subscribes to the channel and delivers messages until ctx is done.
func (s *RedisSource) Run(ctx context.Context) error {
	sub := s.client.Subscribe(ctx, s.channel)
	defer func() {
		if err := sub.Close(); err != nil {
			s.log.Debug("Failed to close subscription", zap.Error(err))
		}
	}()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", s.channel, err)
	}
	s.log.Debug("Subscribed to purchase notifications")

	messages := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			s.deliver(ctx, msg.Payload)
		}
	}
}

func (s *RedisSource) deliver(ctx context.Context, payload string) {
	n, err := ParseDeveloperNotification([]byte(payload))
	if err != nil {
		// Anything published on the channel is still a change signal.
		s.log.Debug("Ignoring undecodable notification payload", zap.Error(err))
		n = &DeveloperNotification{}
	}

	if err := s.notifier.Notify(ctx, n); err != nil {
		s.log.Warn("Failed to deliver purchase notification", zap.Error(err))
	}
}
