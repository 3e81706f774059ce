package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"remindd/internal/api"
	"remindd/internal/config"
	"remindd/internal/dispatch"
	"remindd/internal/gateway"
	"remindd/internal/quota"
	"remindd/internal/ready"
	"remindd/internal/sched"
	"remindd/internal/store"
)

func main() {
	var (
		cfgPath = flag.String("config", "remindd.yaml", "path to YAML config")
		addr    = flag.String("addr", "", "HTTP bind address (overrides config)")
		dbPath  = flag.String("db", "", "SQLite DB path (overrides config)")
		debug   = flag.Bool("debug", false, "enable debug mode (reduced repeat floor)")
	)
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	if *debug {
		cfg.DebugMode = true
	}
	tick, err := config.ParseDuration("tick", cfg.Tick, time.Second)
	if err != nil {
		log.Fatal().Err(err).Msg("parse config")
	}
	gwTimeout, err := config.ParseDuration("gateway.timeout", cfg.Gateway.Timeout, 30*time.Second)
	if err != nil {
		log.Fatal().Err(err).Msg("parse config")
	}

	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", cfg.DBPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()
	db.SetMaxOpenConns(1) // SQLite single writer

	st := store.New(db)
	version, err := st.Migrate(context.Background())
	if err != nil {
		log.Fatal().Err(err).Msg("migrate schema")
	}
	log.Info().Int("schema_version", version).Msg("store ready")

	// Seed the readiness queue from the store.
	queue := ready.NewQueue()
	records, err := st.LoadAllActive(context.Background())
	if err != nil {
		log.Fatal().Err(err).Msg("load active schedules")
	}
	queue.Rebuild(records)
	log.Info().Int("schedules", len(records)).Msg("readiness queue rebuilt")

	var gw gateway.Gateway
	if cfg.Gateway.WebhookURL != "" {
		gw = gateway.NewWebhook(cfg.Gateway.WebhookURL, gwTimeout, cfg.Gateway.RatePerSec, cfg.Gateway.Burst)
		log.Info().Str("url", cfg.Gateway.WebhookURL).Msg("using webhook gateway")
	} else {
		gw = gateway.NewLog(log.Logger)
		log.Warn().Msg("no webhook URL configured, using log gateway")
	}

	enforcer := quota.NewEnforcer(st, cfg.Quota.PerChannel, cfg.Quota.PerGuild)
	svc := sched.NewService(st, queue, enforcer, cfg.DebugMode, log.Logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The dispatch loop blocks on readyCh until startup completes.
	readyCh := make(chan struct{})
	loop := dispatch.NewLoop(st, queue, gw, tick, log.Logger)
	go loop.Run(ctx, readyCh)

	srv := &http.Server{Addr: cfg.Addr, Handler: api.NewServer(svc)}
	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	// Hourly store maintenance: WAL checkpoint plus row gauges.
	maint := cron.New()
	_, err = maint.AddFunc("@hourly", func() {
		if err := st.Checkpoint(context.Background()); err != nil {
			log.Error().Err(err).Msg("wal checkpoint")
		}
		active, canceled, err := st.Stats(context.Background())
		if err != nil {
			log.Error().Err(err).Msg("store stats")
			return
		}
		log.Info().Int("active", active).Int("canceled", canceled).Msg("store stats")
	})
	if err != nil {
		log.Fatal().Err(err).Msg("register maintenance job")
	}
	maint.Start()

	// Startup is complete: release the dispatch loop and tell systemd.
	close(readyCh)
	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Warn().Err(err).Msg("sd_notify")
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")
	cancel()
	<-maint.Stop().Done()
	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
}
