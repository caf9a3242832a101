package main

import (
	"context"
	"database/sql"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"

	"msgsched/internal/api"
	"msgsched/internal/config"
	"msgsched/internal/dispatch"
	"msgsched/internal/eventbus"
	"msgsched/internal/handlers"
	"msgsched/internal/metrics"
	"msgsched/internal/scheduler"
	"msgsched/internal/sender"
	"msgsched/internal/store"
)

func main() {
	var (
		configPath = flag.String("config", "", "YAML config file (default $MSGSCHED_CONFIG)")
		mode       = flag.String("mode", "", "all, poller or sender")
		addr       = flag.String("addr", "", "HTTP bind address")
		dbPath     = flag.String("db", "", "SQLite DB path")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	// Flags win over file and environment.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "mode":
			cfg.Mode = *mode
		case "addr":
			cfg.Addr = *addr
		case "db":
			cfg.DBPath = *dbPath
		}
	})
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	setupLogging(cfg)
	loc, _ := cfg.Location()
	metrics.MustRegister(prometheus.DefaultRegisterer)

	bus, closeBus := newTransport(cfg)
	defer closeBus()

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup

	// The sender subscribes first so the poller's startup tick has a consumer.
	if cfg.Mode != config.ModePoller {
		capability, err := handlers.New(handlers.Options{
			Adapter:        cfg.Sender.Adapter,
			WebhookURL:     cfg.Sender.WebhookURL,
			WebhookTimeout: cfg.Sender.WebhookTimeout,
			WebhookHeaders: cfg.Sender.WebhookHeaders,
			CommandPath:    cfg.Sender.CommandPath,
			CommandArgs:    cfg.Sender.CommandArgs,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("send adapter")
		}
		svc := sender.New(bus, capability, sender.Config{
			Concurrency: cfg.Sender.Concurrency,
			RatePerSec:  cfg.Sender.RatePerSec,
			Burst:       cfg.Sender.Burst,
			Timeout:     cfg.Sender.Timeout,
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			svc.Run(ctx)
		}()
	}

	var (
		handler http.Handler
		db      *sql.DB
	)
	if cfg.Mode == config.ModeSender {
		handler = api.NewProbeServer()
	} else {
		db, err = store.Open(cfg.DBPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", cfg.DBPath).Msg("open db")
		}
		defer db.Close()
		repo := store.NewSQLiteRepo(db, store.WithLocation(loc))

		stager := dispatch.NewStager(afero.NewOsFs(), cfg.Dispatch.StagingDir)
		coord := dispatch.NewCoordinator(repo, bus, stager, dispatch.Config{
			Workers:       cfg.Dispatch.Workers,
			ResultTimeout: cfg.Dispatch.ResultTimeout,
		})
		sched, err := scheduler.NewService(coord, stager, repo, scheduler.Options{
			Interval:    cfg.Dispatch.TickInterval,
			PruneSpec:   pruneSpec(cfg),
			PruneMaxAge: cfg.Dispatch.StagingMaxAge,
			StatsSpec:   "@every 1m",
		})
		if err != nil {
			log.Fatal().Err(err).Msg("schedule service")
		}

		wg.Add(2)
		go func() {
			defer wg.Done()
			coord.Listen(ctx)
		}()
		go func() {
			defer wg.Done()
			sched.Start(ctx)
		}()
		handler = api.NewServer(repo, coord, api.Options{Location: loc, EnableDebug: cfg.Debug})
	}

	// HTTP server
	srv := &http.Server{Addr: cfg.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		log.Info().Str("addr", cfg.Addr).Str("mode", cfg.Mode).Str("transport", cfg.Transport.Kind).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	// Graceful shutdown
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")
	cancel()
	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
	wg.Wait()
}

func setupLogging(cfg config.Config) {
	zerolog.TimeFieldFormat = time.RFC3339
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Log.Level))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.Log.Format != "json" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	}
}

func newTransport(cfg config.Config) (eventbus.Transport, func()) {
	if cfg.Transport.Kind != config.TransportRedis {
		bus := eventbus.NewMemory()
		return bus, func() { _ = bus.Close() }
	}
	rc := cfg.Transport.Redis
	client := redis.NewClient(&redis.Options{Addr: rc.Addr, Password: rc.Password, DB: rc.DB})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Str("addr", rc.Addr).Msg("redis ping")
	}
	bus := eventbus.NewRedis(client, rc.Prefix, rc.Outbox)
	return bus, func() {
		_ = bus.Close()
		_ = client.Close()
	}
}

// pruneSpec disables pruning when nothing is staged.
func pruneSpec(cfg config.Config) string {
	if cfg.Dispatch.StagingDir == "" {
		return ""
	}
	return cfg.Dispatch.PruneSchedule
}
