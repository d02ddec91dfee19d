package routing

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupTestDatabase starts PostgreSQL in a container and applies the
// migrations with golang-migrate.
func setupTestDatabase(t *testing.T, def *Route) *PostgresStore {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping PostgreSQL container test in short mode")
	}
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:17-alpine",
		postgres.WithDatabase("airhost_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Skipf("PostgreSQL container unavailable: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate container: %v", err)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	status, err := Migrate("file://../../migrations", connStr)
	require.NoError(t, err)
	assert.True(t, status.Applied)
	assert.Equal(t, uint(1), status.Version)

	status, err = Migrate("file://../../migrations", connStr)
	require.NoError(t, err)
	assert.False(t, status.Applied, "second run is a no-op")

	store, err := NewPostgresStore(ctx, connStr, PoolConfig{MaxConns: 4, MinConns: 1}, def)
	require.NoError(t, err)
	t.Cleanup(store.Close)
	return store
}

func TestPostgresStore(t *testing.T) {
	store := setupTestDatabase(t, &Route{HostID: "fallback-host"})
	ctx := context.Background()

	require.NoError(t, store.Ping(ctx))

	_, err := store.Get(ctx, "111")
	assert.ErrorIs(t, err, ErrRouteNotFound)

	r, err := store.Resolve(ctx, "111")
	require.NoError(t, err)
	assert.Equal(t, "fallback-host", r.HostID)
	assert.Equal(t, "111", r.ChannelID)

	require.NoError(t, store.Upsert(ctx, &Route{
		ChannelID:        "111",
		HostID:           "host-a",
		WelcomeEnabled:   true,
		WelcomeTemplate:  "bienvenue",
		TemplateLanguage: "fr",
		AccessToken:      "EAAG-1",
		Instructions:     "Wifi: airhost / 1234",
	}))

	r, err = store.Resolve(ctx, "111")
	require.NoError(t, err)
	assert.Equal(t, "host-a", r.HostID)
	assert.True(t, r.WelcomeEnabled)
	assert.Equal(t, "EAAG-1", r.AccessToken)
	assert.Equal(t, "Wifi: airhost / 1234", r.Instructions)
	assert.Empty(t, r.PropertyID)

	// An update without a token keeps the stored one.
	require.NoError(t, store.Upsert(ctx, &Route{ChannelID: "111", HostID: "host-b"}))
	r, err = store.Get(ctx, "111")
	require.NoError(t, err)
	assert.Equal(t, "host-b", r.HostID)
	assert.False(t, r.WelcomeEnabled)
	assert.Equal(t, "EAAG-1", r.AccessToken)

	require.NoError(t, store.Upsert(ctx, &Route{ChannelID: "000", HostID: "host-c"}))
	routes, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, routes, 2)
	assert.Equal(t, "000", routes[0].ChannelID)

	assert.Error(t, store.Upsert(ctx, &Route{ChannelID: "x"}))
}
