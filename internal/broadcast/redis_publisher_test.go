package broadcast

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"artlift-orchestrator/internal/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) *redis.Client {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedisPublisher_PublishesAndAppendsStream(t *testing.T) {
	client := setupTestRedis(t)
	ctx := context.Background()

	sub := client.Subscribe(ctx, "installation:status")
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	pub := NewRedisPublisher(client, "installation:status", "installation:status:stream", 100)
	status := models.Status{
		InstallationID:  42,
		Status:          models.StatusActive,
		SensorPresent:   true,
		WheelchairState: models.WheelchairChecking,
		Timestamp:       1714557600000,
	}
	require.NoError(t, pub.Send(ctx, status))

	select {
	case msg := <-sub.Channel():
		var got models.Status
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &got))
		assert.Equal(t, status, got)
	case <-time.After(time.Second):
		t.Fatal("no pub/sub message received")
	}

	entries, err := client.XRange(ctx, "installation:status:stream", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)

	var fromStream models.Status
	require.NoError(t, json.Unmarshal([]byte(entries[0].Values["data"].(string)), &fromStream))
	assert.Equal(t, int64(42), fromStream.InstallationID)
}

func TestRedisPublisher_NoStream(t *testing.T) {
	client := setupTestRedis(t)
	ctx := context.Background()

	pub := NewRedisPublisher(client, "installation:status", "", 0)
	require.NoError(t, pub.Send(ctx, models.Status{InstallationID: 1}))

	n, err := client.Exists(ctx, "installation:status:stream").Result()
	require.NoError(t, err)
	assert.Zero(t, n)
}
