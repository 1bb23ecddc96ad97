// Command stevedore serves a sandboxed directory over three converging
// upload protocols: single-shot multipart, chunked REST and WebSocket
// streaming.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/stevedore-sh/stevedore/internal/auth"
	"github.com/stevedore-sh/stevedore/internal/sandbox"
	"github.com/stevedore-sh/stevedore/internal/server"
	"github.com/stevedore-sh/stevedore/internal/upload"
	"github.com/stevedore-sh/stevedore/pkg/config"
)

func main() {
	cfg := config.LoadFromEnv()

	// Command-line flags override the environment, mirroring the env names.
	root := pflag.StringP("root", "r", cfg.Storage.RootDir, "sandbox root directory")
	port := pflag.IntP("port", "p", cfg.Server.Port, "listen port")
	bind := pflag.StringP("bind", "b", cfg.Server.Host, "bind address")
	user := pflag.StringP("user", "u", cfg.Auth.Username, "username")
	password := pflag.StringP("password", "P", cfg.Auth.Password, "password")
	pflag.Parse()
	cfg.Storage.RootDir = *root
	cfg.Server.Port = *port
	cfg.Server.Host = *bind
	cfg.Auth.Username = *user
	cfg.Auth.Password = *password

	setupLogging(cfg.Logging)

	log.Info().Str("root", cfg.Storage.RootDir).Str("addr", cfg.Server.Addr()).
		Msg("starting stevedore upload server")

	resolver, err := sandbox.NewResolver(cfg.Storage.RootDir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize sandbox root")
	}

	authSvc := auth.NewService(&cfg.Auth)
	store := upload.NewStore()
	manager := upload.NewManager(store, resolver)
	router := server.NewRouter(cfg, authSvc, resolver, manager)

	srv := &http.Server{
		Addr:    cfg.Server.Addr(),
		Handler: router,
		// No full read/write timeouts: large uploads and WebSocket
		// connections legitimately outlive any fixed bound.
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		store.RunSweeper(gctx, cfg.Upload.SweepInterval, cfg.Upload.SessionTTL)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("server exited with error")
		os.Exit(1)
	}
	log.Info().Msg("server shutdown complete")
}

func setupLogging(cfg config.LoggingConfig) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}
