package realtime

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestRedisRelayDeliversToLocalRegistry(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	registry := NewRegistry(nil)
	key := ProjectChannel("P123")
	conn := newFakeConn("c1")
	registry.Join(key, conn)

	relay := NewRedisRelay(client, registry, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()

	require.Eventually(t, func() bool {
		n, err := client.PubSubNumPat(context.Background()).Result()
		return err == nil && n == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, relay.Publish(context.Background(), key, []byte(`{"event":"new_message"}`)))
	require.Eventually(t, func() bool {
		return len(conn.received()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, `{"event":"new_message"}`, conn.received()[0])

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not stop after cancel")
	}
}
