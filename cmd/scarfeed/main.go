// Package main is the entry point for the scarfeed server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/tcmartin/scarfeed/pkg/api"
	"github.com/tcmartin/scarfeed/pkg/config"
	"github.com/tcmartin/scarfeed/pkg/executor"
	"github.com/tcmartin/scarfeed/pkg/feed"
	"github.com/tcmartin/scarfeed/pkg/logging"
	"github.com/tcmartin/scarfeed/pkg/reaper"
	"github.com/tcmartin/scarfeed/pkg/scar"
	"github.com/tcmartin/scarfeed/pkg/storage"
)

var (
	// Command-line flags
	configPath = flag.String("config", "", "Path to config file (json or yaml)")
	simulate   = flag.Bool("simulate", false, "Use canned SCAR responses instead of the test adapter")
	version    = flag.Bool("version", false, "Print version information")
)

// Version information
const (
	AppVersion = "0.1.0"
	AppName    = "scarfeed"
)

func main() {
	// Load environment variables from .env file
	_ = godotenv.Load()

	flag.Parse()

	if *version {
		fmt.Printf("%s version %s\n", AppName, AppVersion)
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *simulate {
		cfg.Scar.Simulate = true
	}

	logger, err := logging.New(logging.LogConfig{
		Level:    cfg.Logging.Level,
		Format:   cfg.Logging.Format,
		Output:   cfg.Logging.Output,
		FilePath: cfg.Logging.FilePath,
	})
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}

	app, err := NewApp(context.Background(), cfg, logger)
	if err != nil {
		logger.Error("Failed to initialize application", logging.Err(err))
		os.Exit(1)
	}

	// Handle graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Start()
	}()

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error("Application failed", logging.Err(err))
			os.Exit(1)
		}
	case <-stop:
		logger.Info("Shutting down gracefully...")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := app.Stop(ctx); err != nil {
			logger.Error("Error during shutdown", logging.Err(err))
			os.Exit(1)
		}
	}
}

// loadConfig loads the configuration from path, or from the first standard
// location that has one, and applies SCARFEED_* overrides
func loadConfig(path string) (*config.Config, error) {
	var cfg *config.Config

	if path != "" {
		loaded, err := config.LoadConfig(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
		}
		cfg = loaded
	} else {
		locations := []string{
			"./config.yaml",
			"./config.json",
			"./configs/config.yaml",
			"./configs/config.json",
			filepath.Join(os.Getenv("HOME"), ".scarfeed", "config.json"),
			"/etc/scarfeed/config.yaml",
		}
		for _, candidate := range locations {
			if loaded, err := config.LoadConfig(candidate); err == nil {
				cfg = loaded
				break
			}
		}
		if cfg == nil {
			cfg = config.DefaultConfig()

			// Save the default config to the user's home directory
			defaultPath := filepath.Join(os.Getenv("HOME"), ".scarfeed", "config.json")
			if err := config.SaveConfig(cfg, defaultPath); err != nil {
				return nil, fmt.Errorf("failed to save default config: %w", err)
			}
			fmt.Printf("Created default configuration at %s\n", defaultPath)
		}
	}

	config.ApplyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// App wires storage, SCAR, the executor, the feed and the HTTP server
type App struct {
	config   *config.Config
	logger   logging.Logger
	provider storage.StorageProvider
	notifier feed.Notifier
	reaper   *reaper.Reaper
	server   *api.Server
}

// NewApp creates a new application instance
func NewApp(ctx context.Context, cfg *config.Config, logger logging.Logger) (*App, error) {
	provider, err := newProvider(cfg, logger)
	if err != nil {
		return nil, err
	}

	notifier, err := newNotifier(ctx, cfg, logger)
	if err != nil {
		provider.Close()
		return nil, err
	}

	var runner scar.Runner
	if cfg.Scar.Simulate {
		logger.Info("Using simulated SCAR responses")
		runner = scar.NewSimulatedRunner()
	} else {
		client := scar.NewClient(scar.Config{
			BaseURL:            cfg.Scar.BaseURL,
			Timeout:            cfg.Scar.Timeout(),
			ConversationPrefix: cfg.Scar.ConversationPrefix,
			PollInterval:       cfg.Scar.PollInterval(),
		}, logger)
		runner = scar.NewClientRunner(client, logger)
		logger.Info("Using SCAR test adapter", logging.F("base_url", cfg.Scar.BaseURL))
	}

	exec := executor.New(provider, runner, notifier, logger, executor.Options{
		Timeout: cfg.Scar.Timeout(),
	})

	app := &App{
		config:   cfg,
		logger:   logger,
		provider: provider,
		notifier: notifier,
		server:   api.NewServer(cfg, provider, exec, notifier, logger),
	}
	if cfg.Reaper.Schedule != "" {
		app.reaper = reaper.New(provider.GetExecutionStore(), exec, reaper.Config{
			Schedule:   cfg.Reaper.Schedule,
			StaleAfter: cfg.Reaper.StaleAfter(),
		}, logger)
	}
	return app, nil
}

func newProvider(cfg *config.Config, logger logging.Logger) (storage.StorageProvider, error) {
	providerConfig := storage.ProviderConfig{Type: storage.ProviderType(cfg.Storage.Type)}
	if providerConfig.Type == storage.PostgreSQLProviderType || providerConfig.Type == "postgres" {
		logger.Info("Initializing PostgreSQL storage provider",
			logging.F("host", cfg.Storage.Postgres.Host),
			logging.F("port", cfg.Storage.Postgres.Port),
			logging.F("database", cfg.Storage.Postgres.Database))
		providerConfig.PostgreSQL = &storage.PostgreSQLProviderConfig{
			Host:     cfg.Storage.Postgres.Host,
			Port:     cfg.Storage.Postgres.Port,
			User:     cfg.Storage.Postgres.User,
			Password: cfg.Storage.Postgres.Password,
			Database: cfg.Storage.Postgres.Database,
			SSLMode:  cfg.Storage.Postgres.SSLMode,
		}
	}

	provider, err := storage.NewProvider(providerConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage provider: %w", err)
	}
	if err := provider.Initialize(); err != nil {
		provider.Close()
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	logger.Info("Storage provider initialized", logging.F("type", cfg.Storage.Type))
	return provider, nil
}

func newNotifier(ctx context.Context, cfg *config.Config, logger logging.Logger) (feed.Notifier, error) {
	if cfg.Redis.URL == "" {
		return feed.NewLocalNotifier(), nil
	}
	notifier, err := feed.NewRedisNotifierFromURL(ctx, cfg.Redis.URL, cfg.Redis.ChannelPrefix, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	logger.Info("Using redis feed notifications", logging.F("prefix", cfg.Redis.ChannelPrefix))
	return notifier, nil
}

// Start starts the reaper and then blocks serving HTTP
func (a *App) Start() error {
	a.logger.LogSystemEvent("startup", map[string]interface{}{
		"app":     AppName,
		"version": AppVersion,
		"storage": a.config.Storage.Type,
	})
	if a.reaper != nil {
		if err := a.reaper.Start(); err != nil {
			return err
		}
	}
	return a.server.Start()
}

// Stop stops the application gracefully
func (a *App) Stop(ctx context.Context) error {
	if err := a.server.Stop(ctx); err != nil {
		return err
	}
	if a.reaper != nil {
		a.reaper.Stop()
	}
	if closer, ok := a.notifier.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			a.logger.Warn("Failed to close notifier", logging.Err(err))
		}
	}
	if err := a.provider.Close(); err != nil {
		return fmt.Errorf("failed to close storage: %w", err)
	}
	return nil
}
