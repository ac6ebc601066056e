//go:build integration

package pgstore

import (
	"context"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/Sternrassler/stockpile/pkg/store"
	"github.com/Sternrassler/stockpile/pkg/store/storetest"
)

// setupPostgres starts a PostgreSQL container and returns its config.
func setupPostgres(t *testing.T) Config {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "ingest",
			"POSTGRES_PASSWORD": "ingest",
			"POSTGRES_DB":       "live",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Postgres container: %v", err)
	}
	t.Cleanup(func() { container.Terminate(ctx) })

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	return Config{
		Host:     host,
		Port:     port.Int(),
		Name:     "live",
		User:     "ingest",
		Password: "ingest",
		SSLMode:  "disable",
		MaxConns: 4,
	}
}

func TestStore_Integration_Conformance(t *testing.T) {
	cfg := setupPostgres(t)
	ctx := context.Background()
	n := 0

	storetest.Run(t, func(t *testing.T) store.Store {
		// Each subtest gets its own schema for isolation.
		n++
		c := cfg
		c.Schema = fmt.Sprintf("suite_%d", n)

		s, err := Connect(ctx, c, zerolog.New(io.Discard))
		if err != nil {
			t.Fatalf("Connect() error = %v", err)
		}
		if _, err := s.pool.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+col(c.Schema)); err != nil {
			t.Fatalf("create schema: %v", err)
		}
		t.Cleanup(s.Close)
		return s
	})
}
