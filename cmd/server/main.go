package main

import (
	"context"
	"errors"
	"log/slog"
	"os"

	gfshutdown "github.com/gelmium/graceful-shutdown"

	"github.com/Tyrowin/cohortchat/internal/relay"
	"github.com/Tyrowin/cohortchat/internal/server"
	"github.com/Tyrowin/cohortchat/internal/store"
)

func main() {
	server.LoadDotEnv()
	cfg := server.NewConfigFromEnv()

	logger := server.NewLogger(os.Stdout, cfg.Log)
	slog.SetDefault(logger)
	logger.Info("starting cohort chat relay", "port", cfg.Port)

	st, err := store.Open(cfg.Database, logger)
	if err != nil {
		logger.Error("failed to open message store", "error", err)
		os.Exit(1)
	}

	if cfg.UsersSeedFile != "" {
		if _, err := st.SeedUsersFromFile(context.Background(), cfg.UsersSeedFile); err != nil {
			logger.Error("failed to seed users", "file", cfg.UsersSeedFile, "error", err)
			_ = st.Close()
			os.Exit(1)
		}
	}

	hub := relay.NewHub(st, relay.Options{
		PersistTimeout: cfg.PersistTimeout,
		Logger:         logger,
	})
	go hub.Run()

	srv := server.New(*cfg, hub, st, logger)
	go func() {
		if err := srv.Start(); err != nil {
			logger.Error("server stopped", "error", err)
			os.Exit(1)
		}
	}()

	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		cfg.ShutdownTimeout,
		map[string]gfshutdown.Operation{
			"chat-server": func(ctx context.Context) error {
				logger.Info("graceful shutdown initiated")
				return errors.Join(srv.Shutdown(ctx), st.Close())
			},
		},
	)

	exitCode := <-wait
	logger.Info("application exited", "code", exitCode)
	os.Exit(exitCode)
}
