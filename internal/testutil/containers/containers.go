//go:build integration

// Package containers starts throwaway PostgreSQL and Redis containers for
// integration tests. Everything here sits behind the "integration" build
// tag so unit test builds never need Docker:
//
//	go test -tags=integration ./...
//
// Each Start function registers container termination with t.Cleanup.
package containers

import (
	"context"
	"testing"

	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

// Container images.
const (
	PostgresImage = "docker.io/postgres:16-alpine"
	RedisImage    = "docker.io/redis:7-alpine"
)

// Credentials for the ephemeral PostgreSQL container.
const (
	PostgresDatabase = "rolesync_test"
	PostgresUser     = "testuser"
	PostgresPassword = "testpassword"
)

// StartPostgres starts PostgreSQL and returns a connection URI with
// sslmode=disable.
func StartPostgres(t testing.TB) string {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		PostgresImage,
		tcpostgres.WithDatabase(PostgresDatabase),
		tcpostgres.WithUsername(PostgresUser),
		tcpostgres.WithPassword(PostgresPassword),
		tcpostgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Fatalf("containers: failed to start postgres: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("containers: failed to terminate postgres: %v", err)
		}
	})

	uri, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("containers: failed to get postgres connection string: %v", err)
	}
	return uri
}

// StartRedis starts Redis and returns a redis:// URL.
func StartRedis(t testing.TB) string {
	t.Helper()
	ctx := context.Background()

	container, err := tcredis.Run(ctx, RedisImage)
	if err != nil {
		t.Fatalf("containers: failed to start redis: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("containers: failed to terminate redis: %v", err)
		}
	})

	uri, err := container.ConnectionString(ctx)
	if err != nil {
		t.Fatalf("containers: failed to get redis connection string: %v", err)
	}
	return uri
}
