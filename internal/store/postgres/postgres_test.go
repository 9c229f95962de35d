package postgres

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/ory/dockertest/v3"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/tonebridge/internal/store"
	"github.com/ChuLiYu/tonebridge/internal/store/storetest"
)

// startPostgres boots a throwaway postgres container, or skips when no
// docker daemon is reachable.
func startPostgres(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("postgres integration test skipped in -short mode")
	}

	pool, err := dockertest.NewPool("")
	if err != nil {
		t.Skipf("docker not available: %v", err)
	}
	if err := pool.Client.Ping(); err != nil {
		t.Skipf("docker not reachable: %v", err)
	}
	pool.MaxWait = 2 * time.Minute

	resource, err := pool.Run("postgres", "16-alpine", []string{
		"POSTGRES_USER=tonebridge",
		"POSTGRES_PASSWORD=secret",
		"POSTGRES_DB=tonebridge",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Purge(resource) })

	dsn := fmt.Sprintf("postgres://tonebridge:secret@%s/tonebridge?sslmode=disable", resource.GetHostPort("5432/tcp"))
	require.NoError(t, pool.Retry(func() error {
		s, err := Open(context.Background(), dsn)
		if err != nil {
			return err
		}
		return s.Close()
	}))
	return dsn
}

func TestConformance(t *testing.T) {
	dsn := startPostgres(t)
	ctx := context.Background()

	storetest.Run(t, func(t *testing.T) store.Store {
		s, err := Open(ctx, dsn)
		require.NoError(t, err)
		_, err = s.pool.Exec(ctx, `TRUNCATE jobs`)
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	})
}
