package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/joho/godotenv"
	"github.com/npezzotti/go-projectchat/internal/api"
	"github.com/npezzotti/go-projectchat/internal/broker"
	"github.com/npezzotti/go-projectchat/internal/config"
	"github.com/npezzotti/go-projectchat/internal/database"
	"github.com/npezzotti/go-projectchat/internal/logger"
	"github.com/npezzotti/go-projectchat/internal/server"
	"github.com/npezzotti/go-projectchat/internal/stats"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	startupTimeout  = 10 * time.Second
	shutdownTimeout = 10 * time.Second
)

var (
	configPath string
	envFile    string
	migrateDB  bool
)

func newBroker(ctx context.Context, log zerolog.Logger, cfg *config.Config) (broker.Broker, error) {
	if cfg.RedisAddr == "" {
		log.Info().Msg("using in-process broker")
		return broker.NewLocal(log), nil
	}

	log.Info().Str("addr", cfg.RedisAddr).Msg("using redis broker")
	r, err := broker.NewRedis(ctx, log, broker.RedisConfig{Addr: cfg.RedisAddr})
	if err != nil {
		return nil, err
	}

	return r, nil
}

func main() {
	flag.StringVar(&configPath, "config", "", "path to a YAML config file")
	flag.StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading the environment")
	flag.BoolVar(&migrateDB, "migrate", false, "apply database migrations on startup")
	flag.Parse()

	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		bootLog := zerolog.New(os.Stderr)
		bootLog.Fatal().Err(err).Str("file", envFile).Msg("load env file")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		bootLog := zerolog.New(os.Stderr)
		bootLog.Fatal().Err(err).Msg("config")
	}

	log := logger.New(cfg.Log)

	startCtx, cancelStart := context.WithTimeout(context.Background(), startupTimeout)
	defer cancelStart()

	dbConn, err := database.NewPgMessageRepository(startCtx, cfg.DatabaseDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("db open")
	}
	defer func() {
		if err := dbConn.Close(); err != nil {
			log.Error().Err(err).Msg("db close")
		}
	}()

	if migrateDB {
		if err := dbConn.Migrate(); err != nil {
			log.Fatal().Err(err).Msg("migrate")
		}
		log.Info().Msg("migrations applied")
	}

	b, err := newBroker(startCtx, log, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("broker")
	}
	defer b.Close()

	mux := http.NewServeMux()

	statsUpdater := stats.NewStatsUpdater(log, mux)

	chatServer, err := server.NewChatServer(log, dbConn, b, statsUpdater, clock.New())
	if err != nil {
		log.Fatal().Err(err).Msg("new chat server")
	}

	srv := api.NewProjectChatApp(mux, log, chatServer, dbConn, cfg)

	statsUpdater.Run()
	defer statsUpdater.Stop()

	go chatServer.Run()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutdown requested")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}

		log.Info().Msg("shutting down chat server...")
		return chatServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("server exited with error")
		os.Exit(1)
	}

	log.Info().Msg("shutdown complete")
}
