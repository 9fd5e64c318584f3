package service

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestUpdateBrokerFansOutWithoutBlocking(t *testing.T) {
	broker := NewUpdateBroker(zerolog.Nop())

	fast, cleanupFast := broker.Subscribe()
	defer cleanupFast()
	_, cleanupSlow := broker.Subscribe()
	defer cleanupSlow()
	require.Equal(t, 2, broker.Subscribers())

	for i := 0; i < updateBufferSize+5; i++ {
		broker.Publish(Update{Kind: UpdatePresence})
	}

	select {
	case update := <-fast:
		require.Equal(t, UpdatePresence, update.Kind)
		require.False(t, update.At.IsZero())
	case <-time.After(time.Second):
		t.Fatal("subscriber received nothing")
	}

	cleanupFast()
	cleanupFast()
	require.Equal(t, 1, broker.Subscribers())
}

func TestUpdateBrokerForwardsLocalUpdates(t *testing.T) {
	broker := NewUpdateBroker(zerolog.Nop())
	forwarded := make(chan Update, 1)
	broker.SetForwarder(func(update Update) { forwarded <- update })

	broker.Publish(Update{Kind: UpdateLike, Payload: "p1"})
	require.Equal(t, UpdateLike, (<-forwarded).Kind)

	broker.deliver(Update{Kind: UpdateSession})
	require.Empty(t, forwarded)
}

func TestEventMirrorRelaysBetweenNodesOverRedis(t *testing.T) {
	server := miniredis.RunT(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	newNode := func() (*UpdateBroker, *EventMirror) {
		client := redis.NewClient(&redis.Options{Addr: server.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		broker := NewUpdateBroker(zerolog.Nop())
		mirror := NewEventMirror(client, nil, "ims:test", broker, zerolog.Nop())
		mirror.Start(ctx)
		return broker, mirror
	}

	brokerA, mirrorA := newNode()
	brokerB, mirrorB := newNode()
	require.NotEqual(t, mirrorA.NodeID(), mirrorB.NodeID())

	require.Eventually(t, func() bool {
		return server.PubSubNumSub("ims:test")["ims:test"] == 2
	}, 2*time.Second, 10*time.Millisecond)

	streamA, cleanupA := brokerA.Subscribe()
	defer cleanupA()
	streamB, cleanupB := brokerB.Subscribe()
	defer cleanupB()

	brokerA.Publish(Update{Kind: UpdateNotification, Payload: map[string]string{"id": "n1"}})

	select {
	case update := <-streamA:
		require.Equal(t, UpdateNotification, update.Kind)
	case <-time.After(time.Second):
		t.Fatal("local subscriber missed the update")
	}

	select {
	case update := <-streamB:
		require.Equal(t, UpdateNotification, update.Kind)
		require.Equal(t, map[string]interface{}{"id": "n1"}, update.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("remote node never received the mirrored update")
	}

	select {
	case update := <-streamA:
		t.Fatalf("node received its own mirrored update: %+v", update)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestEventMirrorDisabledWithoutTransports(t *testing.T) {
	broker := NewUpdateBroker(zerolog.Nop())
	mirror := NewEventMirror(nil, nil, "ims:test", broker, zerolog.Nop())
	require.False(t, mirror.Enabled())
	mirror.Start(context.Background())
	require.Nil(t, broker.forward)
}
