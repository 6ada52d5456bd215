package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"battle-sync/pkg/logger"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *Client) {
	mr := miniredis.RunT(t)

	client, err := NewClient("redis://"+mr.Addr(), "test", logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	return mr, client
}

func TestNewClient(t *testing.T) {
	mr := miniredis.RunT(t)

	tests := []struct {
		name        string
		url         string
		expectError bool
	}{
		{
			name: "Reachable Redis",
			url:  "redis://" + mr.Addr(),
		},
		{
			name:        "Invalid URL",
			url:         "invalid://url",
			expectError: true,
		},
		{
			name:        "Empty URL",
			url:         "",
			expectError: true,
		},
		{
			name:        "Unreachable Redis",
			url:         "redis://127.0.0.1:1/0",
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := NewClient(tt.url, "test", logger.NewNop())

			if tt.expectError {
				assert.Error(t, err)
				assert.Nil(t, client)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, client.KeyBuilder)
			assert.NoError(t, client.Close())
		})
	}
}

func TestClient_Get(t *testing.T) {
	mr, client := setupTestRedis(t)
	ctx := context.Background()

	mr.Set("test:key1", "value1")

	value, err := client.Get(ctx, "test:key1")
	require.NoError(t, err)
	assert.Equal(t, "value1", value)

	_, err = client.Get(ctx, "test:missing")
	assert.ErrorIs(t, err, Nil)
}

func TestClient_SetNX(t *testing.T) {
	_, client := setupTestRedis(t)
	ctx := context.Background()

	ok, err := client.SetNX(ctx, "test:lock", "1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = client.SetNX(ctx, "test:lock", "1", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestClient_TryLock(t *testing.T) {
	mr, client := setupTestRedis(t)
	ctx := context.Background()

	ok, err := client.TryLock(ctx, "create:u1:req-1", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, mr.Exists("prod:battles:idem:create:u1:req-1"))

	ok, err = client.TryLock(ctx, "create:u1:req-1", 30*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	mr.FastForward(31 * time.Second)
	ok, err = client.TryLock(ctx, "create:u1:req-1", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestClient_Delete(t *testing.T) {
	mr, client := setupTestRedis(t)
	ctx := context.Background()

	mr.Set("test:key1", "value1")
	mr.Set("test:key2", "value2")

	require.NoError(t, client.Delete(ctx, "test:key1", "test:key2"))
	assert.False(t, mr.Exists("test:key1"))
	assert.False(t, mr.Exists("test:key2"))
}

func TestClient_SetMultiple(t *testing.T) {
	mr, client := setupTestRedis(t)

	err := client.SetMultiple(context.Background(), map[string]interface{}{
		"test:a": "1",
		"test:b": "2",
	}, time.Minute)
	require.NoError(t, err)

	a, _ := mr.Get("test:a")
	b, _ := mr.Get("test:b")
	assert.Equal(t, "1", a)
	assert.Equal(t, "2", b)
}

func TestClient_Publish(t *testing.T) {
	mr, client := setupTestRedis(t)

	sub := mr.NewSubscriber()
	defer sub.Close()
	sub.Subscribe("test:channel")

	n, err := client.Publish(context.Background(), "test:channel", "hello")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	select {
	case msg := <-sub.Messages():
		assert.Equal(t, "hello", msg.Message)
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}
}

func TestClient_Health(t *testing.T) {
	mr, client := setupTestRedis(t)

	assert.NoError(t, client.Health(context.Background()))

	mr.SetError("server unavailable")
	assert.Error(t, client.Health(context.Background()))
}

func TestPrefixForLog(t *testing.T) {
	assert.Equal(t, "short", prefixForLog("short"))
	assert.Equal(t, "prod:battles:idem:create…", prefixForLog("prod:battles:idem:create:u1:req-1"))
}
