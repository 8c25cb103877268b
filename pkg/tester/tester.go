// Package tester starts throwaway Postgres and Redis containers for
// integration tests.
package tester

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// Container is a running dependency and the address tests should dial.
type Container struct {
	container testcontainers.Container
	Host      string
	Port      string
}

// Terminate stops the container.
func (c *Container) Terminate(ctx context.Context) error {
	return c.container.Terminate(ctx)
}

// PostgresDSN returns a lib/pq DSN for the database started by StartPostgres.
func (c *Container) PostgresDSN() string {
	return fmt.Sprintf("host=%s port=%s user=test_user password=test_password dbname=test_db sslmode=disable", c.Host, c.Port)
}

// Addr returns host:port.
func (c *Container) Addr() string {
	return c.Host + ":" + c.Port
}

func StartPostgres(ctx context.Context) (*Container, error) {
	return start(ctx, testcontainers.ContainerRequest{
		Image:        "postgres:14-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_DB":       "test_db",
			"POSTGRES_USER":     "test_user",
			"POSTGRES_PASSWORD": "test_password",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}, "5432/tcp")
}

func StartRedis(ctx context.Context) (*Container, error) {
	return start(ctx, testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForListeningPort("6379/tcp"),
	}, "6379/tcp")
}

func start(ctx context.Context, req testcontainers.ContainerRequest, port nat.Port) (*Container, error) {
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start %s container: %w", req.Image, err)
	}
	host, err := c.Host(ctx)
	if err != nil {
		_ = c.Terminate(ctx)
		return nil, fmt.Errorf("failed to get %s host: %w", req.Image, err)
	}
	mapped, err := c.MappedPort(ctx, port)
	if err != nil {
		_ = c.Terminate(ctx)
		return nil, fmt.Errorf("failed to get %s port: %w", req.Image, err)
	}
	return &Container{container: c, Host: host, Port: mapped.Port()}, nil
}

// Postgres starts Postgres for t, skipping in -short mode or when Docker is
// unavailable. The container is terminated on cleanup.
func Postgres(t *testing.T) *Container {
	return require(t, StartPostgres)
}

// Redis is Postgres for Redis.
func Redis(t *testing.T) *Container {
	return require(t, StartRedis)
}

func require(t *testing.T, startFn func(context.Context) (*Container, error)) *Container {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	c, err := startFn(ctx)
	if err != nil {
		t.Skipf("container unavailable: %v", err)
	}
	t.Cleanup(func() {
		_ = c.Terminate(context.Background())
	})
	return c
}
