package main

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"
	"github.com/tcmartin/scarfeed/pkg/config"
	"github.com/tcmartin/scarfeed/pkg/storage"
)

func newMigrateCmd() *cobra.Command {
	var serverConfig string

	postgresDSN := func() (string, error) {
		cfg := config.DefaultConfig()
		if serverConfig != "" {
			loaded, err := config.LoadConfig(serverConfig)
			if err != nil {
				return "", err
			}
			cfg = loaded
		}
		config.ApplyEnv(cfg)
		pg := cfg.Storage.Postgres
		return storage.PostgreSQLProviderConfig{
			Host:     pg.Host,
			Port:     pg.Port,
			User:     pg.User,
			Password: pg.Password,
			Database: pg.Database,
			SSLMode:  pg.SSLMode,
		}.DSN(), nil
	}

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations and readiness checks",
	}
	migrateCmd.PersistentFlags().StringVar(&serverConfig, "server-config", "", "Server config file with storage settings")

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending PostgreSQL migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dsn, err := postgresDSN()
			if err != nil {
				return err
			}
			if err := storage.Migrate(dsn); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Postgres migrated")
			return nil
		},
	}

	downCmd := &cobra.Command{
		Use:   "down",
		Short: "Roll back all PostgreSQL migrations (drops every table)",
		RunE: func(cmd *cobra.Command, args []string) error {
			dsn, err := postgresDSN()
			if err != nil {
				return err
			}
			if err := storage.MigrateDown(dsn); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Postgres rolled back")
			return nil
		},
	}

	checkCmd := &cobra.Command{
		Use:   "check-redis [url]",
		Short: "Check that the notification redis is reachable",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultConfig()
			config.ApplyEnv(cfg)
			url := cfg.Redis.URL
			if len(args) == 1 {
				url = args[0]
			}
			if url == "" {
				return fmt.Errorf("no redis url given and SCARFEED_REDIS_URL is not set")
			}
			return checkRedis(cmd, url)
		},
	}

	migrateCmd.AddCommand(upCmd, downCmd, checkCmd)
	return migrateCmd
}

func checkRedis(cmd *cobra.Command, url string) error {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return fmt.Errorf("invalid redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	defer rdb.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis connect failed: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Redis ready (%s)\n", opts.Addr)
	return nil
}
