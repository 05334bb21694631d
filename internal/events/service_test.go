package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/strata/internal/interfaces"
)

func TestPublishFansOutToSubscribers(t *testing.T) {
	svc := NewService(arbor.NewLogger())
	ctx := context.Background()

	var mu sync.Mutex
	var got []string
	done := make(chan struct{}, 2)

	handler := func(name string) interfaces.EventHandler {
		return func(ctx context.Context, event interfaces.Event) error {
			mu.Lock()
			got = append(got, name)
			mu.Unlock()
			done <- struct{}{}
			return nil
		}
	}

	svc.Subscribe(interfaces.EventJobUpdate, handler("a"))
	svc.Subscribe(interfaces.EventJobUpdate, handler("b"))
	svc.Subscribe(interfaces.EventTaskUpdate, handler("task-only"))

	svc.Publish(ctx, interfaces.Event{Type: interfaces.EventJobUpdate, Level: "info"})

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event delivery")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []string{"a", "b"}, got, "only job_update subscribers fire")
}

func TestHandlerErrorDoesNotStopOthers(t *testing.T) {
	svc := NewService(arbor.NewLogger())
	ctx := context.Background()

	delivered := make(chan struct{}, 1)
	svc.Subscribe(interfaces.EventTaskUpdate, func(ctx context.Context, event interfaces.Event) error {
		return errors.New("boom")
	})
	svc.Subscribe(interfaces.EventTaskUpdate, func(ctx context.Context, event interfaces.Event) error {
		delivered <- struct{}{}
		return nil
	})

	svc.Publish(ctx, interfaces.Event{Type: interfaces.EventTaskUpdate})

	select {
	case <-delivered:
	case <-time.After(time.Second):
		t.Fatal("healthy handler never fired")
	}
}

func TestNilHandlerIgnored(t *testing.T) {
	svc := NewService(arbor.NewLogger())
	svc.Subscribe(interfaces.EventJobUpdate, nil)

	// Publishing must not panic on the nil subscription.
	svc.Publish(context.Background(), interfaces.Event{Type: interfaces.EventJobUpdate})
}

func TestCloseDropsSubscriptions(t *testing.T) {
	svc := NewService(arbor.NewLogger())
	ctx := context.Background()

	fired := make(chan struct{}, 1)
	svc.Subscribe(interfaces.EventJobUpdate, func(ctx context.Context, event interfaces.Event) error {
		fired <- struct{}{}
		return nil
	})

	require.NoError(t, svc.Close())
	svc.Publish(ctx, interfaces.Event{Type: interfaces.EventJobUpdate})

	select {
	case <-fired:
		t.Fatal("subscription survived Close")
	case <-time.After(50 * time.Millisecond):
	}
}
