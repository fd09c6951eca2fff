//go:build integration

package safety

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startRedis(t *testing.T) *redis.Client {
	t.Helper()
	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err, "failed to start redis container")
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})
	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)
	return redis.NewClient(&redis.Options{Addr: endpoint})
}

func TestRedisStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	client := startRedis(t)

	store, err := Open(ctx, Options{Driver: "redis", KeyPrefix: "test", Redis: client})
	require.NoError(t, err)

	reset := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	_, err = store.ResetDailySpend(ctx, reset)
	require.NoError(t, err)
	_, err = store.AddDailySpend(ctx, decimal.RequireFromString("4800"))
	require.NoError(t, err)
	got, err := store.AddDailySpend(ctx, decimal.RequireFromString("150.5"))
	require.NoError(t, err)
	assert.Equal(t, "4950.5", got.SpentUSD.String())
	assert.True(t, got.ResetAt.Equal(reset))

	second := NewRedis(client, "test")
	loaded, err := second.LoadDailySpend(ctx)
	require.NoError(t, err)
	assert.Equal(t, "4950.5", loaded.SpentUSD.String())

	require.NoError(t, store.SetKillSwitch(ctx, true, "incident"))
	kill, err := second.KillSwitch(ctx)
	require.NoError(t, err)
	assert.True(t, kill.Active)
	assert.Equal(t, "incident", kill.Reason)
}
