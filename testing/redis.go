package testing

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	// Shared Redis address for all tests in one package run.
	sharedRedisAddr string
	redisOnce       sync.Once
	redisErr        error
)

// StartRedis returns the address of a Redis server for integration tests.
//
// In CI, REDIS_ADDR points at an external service container. Locally a single
// redis:7-alpine testcontainer is started once per package and reused. The
// test is skipped when neither is available.
//
// Parameters:
//   - t: Testing context
//
// Returns:
//   - string: host:port of the Redis server
func StartRedis(t *testing.T) string {
	t.Helper()

	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		t.Log("Using external Redis from REDIS_ADDR")
		return addr
	}

	testcontainers.SkipIfProviderIsNotHealthy(t)

	redisOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		t.Log("Starting shared Redis testcontainer")
		container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: testcontainers.ContainerRequest{
				Image:        "redis:7-alpine",
				ExposedPorts: []string{"6379/tcp"},
				WaitingFor:   wait.ForListeningPort("6379/tcp").WithStartupTimeout(60 * time.Second),
			},
			Started: true,
		})
		if err != nil {
			redisErr = fmt.Errorf("start redis container: %w", err)
			return
		}

		host, err := container.Host(ctx)
		if err != nil {
			redisErr = fmt.Errorf("redis container host: %w", err)
			return
		}
		port, err := container.MappedPort(ctx, "6379/tcp")
		if err != nil {
			redisErr = fmt.Errorf("redis container port: %w", err)
			return
		}

		sharedRedisAddr = fmt.Sprintf("%s:%s", host, port.Port())
	})

	if redisErr != nil {
		t.Skipf("redis unavailable: %v", redisErr)
	}

	return sharedRedisAddr
}
