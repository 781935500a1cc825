package eventbus

import (
	"bytes"
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestInMemoryBusPreservesOrder(t *testing.T) {
	bus, err := Build(DefaultSettings())
	require.NoError(t, err)
	defer func() { _ = bus.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	topic := Topic("order")
	msgs, err := bus.Subscriber.Subscribe(ctx, topic)
	require.NoError(t, err)

	const n = 50
	errCh := make(chan error, 1)
	go func() {
		for i := 0; i < n; i++ {
			if err := bus.Publish(topic, []byte(fmt.Sprintf("%d", i))); err != nil {
				errCh <- err
				return
			}
		}
		errCh <- nil
	}()

	for i := 0; i < n; i++ {
		select {
		case msg := <-msgs:
			require.Equal(t, fmt.Sprintf("%d", i), string(msg.Payload))
			msg.Ack()
		case <-ctx.Done():
			t.Fatalf("timed out waiting for message %d", i)
		}
	}
	require.NoError(t, <-errCh)
}

func TestTopicIsScopedToSession(t *testing.T) {
	require.Equal(t, "voxtalk.realtime.abc", Topic("abc"))
	require.NotEqual(t, Topic("a"), Topic("b"))
}

func TestBuildRedisRequiresAddr(t *testing.T) {
	_, err := Build(Settings{RedisEnabled: true})
	require.Error(t, err)
}

func TestInMemoryEnsureGroupIsNoop(t *testing.T) {
	bus, err := Build(Settings{})
	require.NoError(t, err)
	defer func() { _ = bus.Close() }()
	require.NoError(t, bus.EnsureGroupAtTail(context.Background(), Topic("x")))
}

func TestWatermillLoggerAdapter(t *testing.T) {
	var buf bytes.Buffer
	l := NewWatermillLogger(zerolog.New(&buf).Level(zerolog.DebugLevel))
	l = l.With(watermill.LogFields{"topic": "t1"})
	l.Info("subscribed", watermill.LogFields{"n": 1})
	l.Error("publish failed", errors.New("boom"), nil)
	l.Trace("hidden", nil)

	out := buf.String()
	require.Contains(t, out, `"message":"subscribed"`)
	require.Contains(t, out, `"topic":"t1"`)
	require.Contains(t, out, `"component":"watermill"`)
	require.Contains(t, out, `"error":"boom"`)
	require.NotContains(t, out, "hidden")
}
