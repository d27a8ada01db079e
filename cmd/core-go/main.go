package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"facility_viewer/core-go/internal/config"
	"facility_viewer/core-go/internal/db"
	"facility_viewer/core-go/internal/facility"
	"facility_viewer/core-go/internal/httpapi"
	"facility_viewer/core-go/internal/metrics"
	"facility_viewer/core-go/internal/overlay"
	"facility_viewer/core-go/internal/scene"
	"facility_viewer/core-go/internal/scene/memscene"
	"facility_viewer/core-go/internal/telemetry"
	"facility_viewer/core-go/internal/telemetry/snmp"
	"facility_viewer/core-go/internal/viewer"
)

func main() {
	addr := envOr("HTTP_ADDR", ":8081")
	logLevel := envOr("LOG_LEVEL", "info")
	logFormat := envOr("LOG_FORMAT", "json")
	databaseURL := envOr("DATABASE_URL", "")
	configPath := envOr("CONFIG_PATH", "")
	scenePath := envOr("SCENE_PATH", "")

	logger := httpapi.NewLogger(logLevel, logFormat)

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatal().Err(err).Str("path", configPath).Msg("failed to load config")
	}
	cfg.Building = envOr("BUILDING_CODE", cfg.Building)
	cfg.Telemetry.Source = strings.ToLower(envOr("TELEMETRY_SOURCE", cfg.Telemetry.Source))
	if v := os.Getenv("TELEMETRY_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			logger.Fatal().Err(err).Str("value", v).Msg("invalid TELEMETRY_INTERVAL")
		}
		cfg.Telemetry.Interval = d
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var pool *db.Pool
	if databaseURL != "" {
		p, err := db.Open(ctx, databaseURL, dbOptions(logger))
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer p.Close()
		pool = p
	}

	m := metrics.New()

	bus := scene.NewBus(logger)
	engine := memscene.New(bus)
	oc := overlay.New(logger, engine, bus, m, overlay.Options{
		Styles:       cfg.Styles,
		Categories:   cfg.Categories,
		ModelWorkers: cfg.ModelWorkers,
	})
	defer oc.Close()

	backend, source, recorder := wireFacility(logger, cfg, pool)

	taxonomy, err := cfg.Taxonomy()
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid parameter overrides")
	}
	v, err := viewer.New(oc, backend, viewer.Options{
		Building:  cfg.Building,
		Parameter: cfg.Parameter,
		Taxonomy:  taxonomy,
		Ghost:     cfg.Ghost,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create viewer")
	}
	defer v.Close()

	hub := httpapi.NewHub(logger, bus)
	defer hub.Close()
	go hub.Run(ctx)

	// Models load after the viewer subscribes so the first model.loaded paints alerts.
	if scenePath != "" {
		f, err := memscene.LoadFile(scenePath)
		if err != nil {
			logger.Fatal().Err(err).Str("path", scenePath).Msg("failed to load scene")
		}
		f.Apply(engine)
		logger.Info().Str("path", scenePath).Int("models", len(f.Models)).Msg("scene loaded")
	} else {
		logger.Warn().Msg("SCENE_PATH not set; serving an empty scene")
	}

	poller := telemetry.New(logger, source, v, telemetry.Options{
		Interval: cfg.Telemetry.Interval,
		Timeout:  cfg.Telemetry.Timeout,
		Recorder: recorder,
	}, m)
	go poller.Run(ctx)

	h := httpapi.NewHandler(logger, pool, v, m, hub)
	srv := &http.Server{
		Addr:              addr,
		Handler:           h.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", addr).Str("building", cfg.Building).Str("telemetry", cfg.Telemetry.Source).Msg("facility viewer listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server error")
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	logger.Info().Msg("shutdown complete")
}

// wireFacility picks the listing backend, the telemetry source and the optional snapshot recorder.
// Listings come from Postgres whenever a database is configured.
func wireFacility(logger zerolog.Logger, cfg *config.Config, pool *db.Pool) (facility.Backend, facility.TelemetrySource, telemetry.Recorder) {
	static := facility.NewStatic()
	if cfg.Telemetry.StaticPath != "" {
		s, err := facility.LoadStaticFile(cfg.Telemetry.StaticPath)
		if err != nil {
			logger.Fatal().Err(err).Str("path", cfg.Telemetry.StaticPath).Msg("failed to load static facility data")
		}
		static = s
	}

	var backend facility.Backend = static
	var pg *facility.Postgres
	if pool != nil {
		pg = facility.NewPostgres(pool.Queries())
		backend = pg
	}

	switch cfg.Telemetry.Source {
	case config.SourcePostgres:
		if pg == nil {
			logger.Fatal().Msg("TELEMETRY_SOURCE=postgres requires DATABASE_URL")
		}
		return backend, pg, nil
	case config.SourceSNMP:
		src, err := snmp.NewSource(logger, cfg.Telemetry.SNMP.Config, cfg.Telemetry.SNMP.Sensors)
		if err != nil {
			logger.Fatal().Err(err).Msg("invalid snmp sensors")
		}
		var recorder telemetry.Recorder
		if cfg.Telemetry.Record && pg != nil {
			recorder = pg
		}
		return backend, src, recorder
	default:
		return backend, static, nil
	}
}

func dbOptions(logger zerolog.Logger) db.Options {
	var opts db.Options
	if v := os.Getenv("DB_MAX_CONNS"); v != "" {
		n, err := strconv.ParseInt(v, 10, 32)
		if err != nil || n <= 0 {
			logger.Fatal().Str("value", v).Msg("invalid DB_MAX_CONNS")
		}
		opts.MaxConns = int32(n)
	}
	if v := os.Getenv("DB_CONNECT_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			logger.Fatal().Err(err).Str("value", v).Msg("invalid DB_CONNECT_TIMEOUT")
		}
		opts.ConnectTimeout = d
	}
	return opts
}

func envOr(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}
