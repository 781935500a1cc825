// Package eventbus carries raw realtime events from the session's data channel to the
// single goroutine that reconciles them. In-process it is a watermill gochannel; with
// Redis enabled the same stream goes through Redis Streams so it can be observed or
// replayed elsewhere.
package eventbus

import (
	"context"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Settings holds the transport configuration for the realtime event stream.
type Settings struct {
	RedisEnabled bool   `mapstructure:"redis_enabled" yaml:"redis_enabled"`
	Addr         string `mapstructure:"redis_addr" yaml:"redis_addr"`
	Group        string `mapstructure:"redis_group" yaml:"redis_group"`
	Consumer     string `mapstructure:"redis_consumer" yaml:"redis_consumer"`
	Buffer       int64  `mapstructure:"buffer" yaml:"buffer"`
}

func DefaultSettings() Settings {
	return Settings{
		Addr:     "localhost:6379",
		Group:    "voxtalk",
		Consumer: "voice-1",
		Buffer:   256,
	}
}

// Bus pairs a publisher with a subscriber on the same transport.
type Bus struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber

	client *redis.Client
	group  string
}

// Topic names the stream carrying one session's events.
func Topic(sessionKey string) string {
	return "voxtalk.realtime." + sessionKey
}

// Build returns a Redis Streams backed bus when enabled, an in-memory one otherwise.
// The in-memory bus blocks each publish until the subscriber acks, which keeps delivery
// in data-channel arrival order.
func Build(s Settings) (*Bus, error) {
	logger := NewWatermillLogger(log.Logger)
	if !s.RedisEnabled {
		buf := s.Buffer
		if buf <= 0 {
			buf = DefaultSettings().Buffer
		}
		ch := gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer:            buf,
			BlockPublishUntilSubscriberAck: true,
		}, logger)
		return &Bus{Publisher: ch, Subscriber: ch}, nil
	}

	if s.Addr == "" {
		return nil, errors.New("eventbus: redis enabled without an address")
	}
	client := redis.NewClient(&redis.Options{Addr: s.Addr})
	marshaler := rstream.DefaultMarshallerUnmarshaller{}

	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: marshaler,
	}, logger)
	if err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "eventbus: redis publisher")
	}
	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        client,
		Unmarshaller:  marshaler,
		ConsumerGroup: s.Group,
		Consumer:      s.Consumer,
	}, logger)
	if err != nil {
		_ = pub.Close()
		_ = client.Close()
		return nil, errors.Wrap(err, "eventbus: redis subscriber")
	}
	return &Bus{Publisher: pub, Subscriber: sub, client: client, group: s.Group}, nil
}

// EnsureGroupAtTail creates the consumer group at the stream tail so a fresh session does
// not replay events left over from an earlier one.
func (b *Bus) EnsureGroupAtTail(ctx context.Context, topic string) error {
	if b.client == nil || b.group == "" {
		return nil
	}
	group := b.group
	err := b.client.XGroupCreateMkStream(ctx, topic, group, "$").Err()
	if err != nil {
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return errors.Wrapf(err, "eventbus: create group %s on %s", group, topic)
	}
	log.Info().Str("stream", topic).Str("group", group).Msg("created redis consumer group at tail")
	return nil
}

// Publish wraps a raw frame in a message with a fresh uuid.
func (b *Bus) Publish(topic string, payload []byte) error {
	msg := message.NewMessage(watermill.NewUUID(), payload)
	return b.Publisher.Publish(topic, msg)
}

func (b *Bus) Close() error {
	var errs []error
	if err := b.Publisher.Close(); err != nil {
		errs = append(errs, err)
	}
	if b.Subscriber != nil && any(b.Subscriber) != any(b.Publisher) {
		if err := b.Subscriber.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if b.client != nil {
		if err := b.client.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errors.Wrap(errs[0], "eventbus: close")
	}
	return nil
}
