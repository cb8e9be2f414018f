package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"lessond/config"
	"lessond/config/database"
	"lessond/internal/lesson/repository"
	"lessond/pkg/logger"
	"lessond/router"
	"lessond/socket"

	"github.com/docopt/docopt-go"
	"github.com/joho/godotenv"
)

const LessondVersion = "0.1.0"

const usage = `lessond: lesson document store with optimistic locking and live watch.

Usage:
    lessond [--config=<path>] [--addr=<addr>] [--data_dir=<dir>]
        [--store=<store>] [--dsn=<dsn>] [--log_level=<level>]
    lessond -h | --help
    lessond --version

Options:
    -h --help               Show this screen.
    --version               Show version.
    --config=<path>         YAML config file (default: $LESSOND_CONFIG).
    --addr=<addr>           Listen address (default: :10110).
    --data_dir=<dir>        Directory holding <slug>.json files (default: lessons).
    --store=<store>         file, postgres or sqlite (default: file).
    --dsn=<dsn>             Database DSN for the postgres and sqlite stores.
    --log_level=<level>     debug, info, warn or error (default: info).`

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], LessondVersion)
	if err != nil {
		log.Fatalf("Failed to parse arguments: %v", err)
	}

	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables from OS")
	}

	configPath, _ := opts.String("--config")
	cfg, err := config.Load(configPath, os.Getenv)
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	applyFlags(cfg, opts)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger.Init(cfg.LogLevel)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	repo, closeRepo, err := openStore(ctx, cfg)
	if err != nil {
		logger.Sugar.Fatalf("Failed to open %s store: %v", cfg.Store, err)
	}
	defer closeRepo()

	hub := socket.NewHub()

	server := &http.Server{
		Addr:    cfg.Addr,
		Handler: router.Setup(repo, hub, router.Options{CORSOrigin: cfg.CORSOrigin}),
	}

	go func() {
		logger.Sugar.Infof("lessond listening on %s (store=%s)", cfg.Addr, cfg.Store)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Sugar.Fatalf("Server failed: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Sugar.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Sugar.Errorf("Graceful shutdown failed: %v", err)
	}
}

// applyFlags lets command-line flags override file and environment values.
func applyFlags(cfg *config.Config, opts docopt.Opts) {
	set := func(dst *string, key string) {
		if v, err := opts.String(key); err == nil && v != "" {
			*dst = v
		}
	}
	set(&cfg.Addr, "--addr")
	set(&cfg.DataDir, "--data_dir")
	set(&cfg.Store, "--store")
	set(&cfg.DSN, "--dsn")
	set(&cfg.LogLevel, "--log_level")
}

func openStore(ctx context.Context, cfg *config.Config) (repository.Store, func(), error) {
	switch cfg.Store {
	case config.StorePostgres, config.StoreSQLite:
		db, err := database.Connect(ctx, cfg.Store, cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		repo := repository.NewSQLRepository(db, repository.Dialect(cfg.Store))
		if err := repo.Migrate(ctx); err != nil {
			db.Close()
			return nil, nil, err
		}
		return repo, func() { db.Close() }, nil
	default:
		repo, err := repository.NewFileRepository(cfg.DataDir)
		if err != nil {
			return nil, nil, err
		}
		return repo, func() {}, nil
	}
}
