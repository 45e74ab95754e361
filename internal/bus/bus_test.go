package bus_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avhub/avhub/internal/bus"
)

const waitFor = 2 * time.Second

func TestPublishDeliversToMatchingSubscribers(t *testing.T) {
	t.Parallel()

	b := bus.New(context.Background())
	defer b.Close()

	got := make(chan string, 4)

	_, err := b.Subscribe("event/network_devices/added/#", func(_ context.Context, msg bus.Message) error {
		got <- msg.Topic

		return nil
	})
	require.NoError(t, err)

	b.Publish("event/network_devices/added/cam1", nil)
	b.Publish("event/network_devices/removed/cam1", nil)

	select {
	case topic := <-got:
		assert.Equal(t, "event/network_devices/added/cam1", topic)
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for delivery")
	}

	select {
	case topic := <-got:
		t.Fatalf("unexpected delivery: %s", topic)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDeliveryOrderPerTopic(t *testing.T) {
	t.Parallel()

	b := bus.New(context.Background())
	defer b.Close()

	const n = 200

	var (
		mu  sync.Mutex
		got []int
	)

	_, err := b.Subscribe("event/network_devices/added/#", func(_ context.Context, msg bus.Message) error {
		mu.Lock()
		defer mu.Unlock()

		seq, _ := msg.Payload.(int)
		got = append(got, seq)

		return nil
	})
	require.NoError(t, err)

	// Concurrent noise on unrelated topics must not disturb ordering.
	stop := make(chan struct{})

	go func() {
		for {
			select {
			case <-stop:
				return
			default:
				b.Publish("event/local_devices/status/dev_video0", "offline")
			}
		}
	}()

	for i := 0; i < n; i++ {
		b.Publish("event/network_devices/added/cam1", i)
	}

	close(stop)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()

		return len(got) == n
	}, waitFor, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()

	for i := 0; i < n; i++ {
		require.Equal(t, i, got[i])
	}
}

func TestHandlerFailureIsolation(t *testing.T) {
	t.Parallel()

	b := bus.New(context.Background())
	defer b.Close()

	_, err := b.Subscribe("event/network_devices/added/#", func(_ context.Context, _ bus.Message) error {
		panic("boom")
	})
	require.NoError(t, err)

	got := make(chan int, 8)

	_, err = b.Subscribe("event/network_devices/added/#", func(_ context.Context, msg bus.Message) error {
		seq, _ := msg.Payload.(int)
		got <- seq

		return nil
	})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		b.Publish("event/network_devices/added/cam1", i)
	}

	for want := 0; want < 3; want++ {
		select {
		case seq := <-got:
			assert.Equal(t, want, seq)
		case <-time.After(waitFor):
			t.Fatal("healthy subscriber starved by failing one")
		}
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	t.Parallel()

	b := bus.New(context.Background())
	defer b.Close()

	got := make(chan struct{}, 4)

	sub, err := b.Subscribe("event/local_devices/added/#", func(_ context.Context, _ bus.Message) error {
		got <- struct{}{}

		return nil
	})
	require.NoError(t, err)

	b.Publish("event/local_devices/added/dev_video0", nil)

	select {
	case <-got:
	case <-time.After(waitFor):
		t.Fatal("first publish not delivered")
	}

	b.Unsubscribe(sub)
	b.Publish("event/local_devices/added/dev_video0", nil)

	select {
	case <-got:
		t.Fatal("delivery after unsubscribe")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestInvalidPatternRejected(t *testing.T) {
	t.Parallel()

	b := bus.New(context.Background())
	defer b.Close()

	_, err := b.Subscribe("event/#/added", func(_ context.Context, _ bus.Message) error { return nil })
	require.ErrorIs(t, err, bus.ErrInvalidPattern)
}

func TestCommandDispatch(t *testing.T) {
	t.Parallel()

	b := bus.New(context.Background())
	defer b.Close()

	got := make(chan bus.Message, 1)

	err := b.Handle("command/network_devices/scan", func(_ context.Context, msg bus.Message) error {
		got <- msg

		return nil
	})
	require.NoError(t, err)

	b.Publish("command/network_devices/scan", map[string]any{"reason": "manual"})

	select {
	case msg := <-got:
		assert.Equal(t, "command/network_devices/scan", msg.Topic)
	case <-time.After(waitFor):
		t.Fatal("command not dispatched")
	}
}

func TestCommandSingleHandler(t *testing.T) {
	t.Parallel()

	b := bus.New(context.Background())
	defer b.Close()

	handler := func(_ context.Context, _ bus.Message) error { return nil }

	require.NoError(t, b.Handle("command/network_devices/add", handler))
	require.ErrorIs(t, b.Handle("command/network_devices/add", handler), bus.ErrHandlerExists)

	b.RemoveHandler("command/network_devices/add")
	require.NoError(t, b.Handle("command/network_devices/add", handler))
}

func TestCommandTopicValidation(t *testing.T) {
	t.Parallel()

	b := bus.New(context.Background())
	defer b.Close()

	handler := func(_ context.Context, _ bus.Message) error { return nil }

	require.ErrorIs(t, b.Handle("event/network_devices/added/cam1", handler), bus.ErrInvalidTopic)
	require.ErrorIs(t, b.Handle("command/network_devices/#", handler), bus.ErrInvalidTopic)
}

func TestUnhandledCommandIsNotFatal(t *testing.T) {
	t.Parallel()

	b := bus.New(context.Background())
	defer b.Close()

	// Nothing registered; publishing must neither panic nor block.
	b.Publish("command/network_devices/scan", nil)
}

func TestSubscribeAfterClose(t *testing.T) {
	t.Parallel()

	b := bus.New(context.Background())
	b.Close()

	_, err := b.Subscribe("event/#", func(_ context.Context, _ bus.Message) error { return nil })
	require.ErrorIs(t, err, bus.ErrBusClosed)

	require.ErrorIs(t,
		b.Handle("command/network_devices/scan", func(_ context.Context, _ bus.Message) error { return nil }),
		bus.ErrBusClosed)

	// Publish after close is a silent no-op.
	b.Publish("event/network_devices/added/cam1", nil)
}
