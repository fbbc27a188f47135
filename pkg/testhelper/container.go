// Package testhelper provides shared fixtures for integration tests.
package testhelper

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	defaultPostgresImage = "postgres:16-alpine"
	postgresStartTimeout = 30 * time.Second
)

// PostgresContainer is a disposable Postgres instance with a ready-to-open DSN.
type PostgresContainer struct {
	Container *postgres.PostgresContainer
	DSN       string
}

// SetupPostgres starts a throwaway Postgres container for one test. The image
// can be pinned through TEST_POSTGRES_IMAGE, e.g. to match the version a CI
// mirror caches.
func SetupPostgres(ctx context.Context) (*PostgresContainer, error) {
	image := os.Getenv("TEST_POSTGRES_IMAGE")
	if image == "" {
		image = defaultPostgresImage
	}

	container, err := postgres.Run(ctx,
		image,
		postgres.WithDatabase("writepath_test"),
		postgres.WithUsername("writepath"),
		postgres.WithPassword("writepath"),
		testcontainers.WithWaitStrategy(
			// The entrypoint restarts the server once during init, so the
			// readiness line must appear twice.
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(postgresStartTimeout)),
	)
	if err != nil {
		return nil, fmt.Errorf("start postgres container: %w", err)
	}

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		return nil, fmt.Errorf("resolve postgres dsn: %w", err)
	}

	return &PostgresContainer{Container: container, DSN: dsn}, nil
}

// Teardown terminates the container.
func (c *PostgresContainer) Teardown(ctx context.Context) error {
	return c.Container.Terminate(ctx)
}
