// Package testutil provides helpers shared by integration tests.
package testutil

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/joho/godotenv"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// PostgresConfig describes a reachable PostgreSQL instance
type PostgresConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
}

// Postgres returns connection settings for an integration database.
//
// POSTGRES_HOST/POSTGRES_USER/POSTGRES_PASSWORD/POSTGRES_DB point the tests at
// an existing server. Otherwise, when SCARFEED_TESTCONTAINERS=1, a postgres:15
// container is started and terminated on cleanup. The test is skipped when
// neither is available.
func Postgres(t *testing.T) PostgresConfig {
	t.Helper()

	_ = godotenv.Load("../../.env")

	if cfg, ok := fromEnv(); ok {
		return cfg
	}
	if os.Getenv("SCARFEED_TESTCONTAINERS") != "1" {
		t.Skip("Skipping PostgreSQL tests as credentials are not set")
	}
	if testing.Short() {
		t.Skip("Skipping PostgreSQL container in short mode")
	}

	return startContainer(t)
}

func fromEnv() (PostgresConfig, bool) {
	cfg := PostgresConfig{
		Host:     os.Getenv("POSTGRES_HOST"),
		User:     os.Getenv("POSTGRES_USER"),
		Password: os.Getenv("POSTGRES_PASSWORD"),
		Database: os.Getenv("POSTGRES_DB"),
		Port:     5432,
	}
	if port, err := strconv.Atoi(os.Getenv("POSTGRES_PORT")); err == nil {
		cfg.Port = port
	}
	if cfg.Host == "" || cfg.User == "" || cfg.Password == "" || cfg.Database == "" {
		return PostgresConfig{}, false
	}
	return cfg, true
}

func startContainer(t *testing.T) PostgresConfig {
	ctx := context.Background()

	cfg := PostgresConfig{
		User:     "scarfeed",
		Password: "scarfeed",
		Database: "scarfeed_test",
	}

	req := testcontainers.ContainerRequest{
		Image:        "postgres:15",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     cfg.User,
			"POSTGRES_PASSWORD": cfg.Password,
			"POSTGRES_DB":       cfg.Database,
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
		t.Skipf("Skipping PostgreSQL tests, container unavailable: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("Failed to terminate container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	cfg.Host = host
	cfg.Port = port.Int()
	return cfg
}

// String is useful in failure messages
func (c PostgresConfig) String() string {
	return fmt.Sprintf("%s@%s:%d/%s", c.User, c.Host, c.Port, c.Database)
}
