package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mohammed-shakir/geofilter/internal/artifact"
	"github.com/mohammed-shakir/geofilter/internal/backend"
	"github.com/mohammed-shakir/geofilter/internal/core/config"
	"github.com/mohammed-shakir/geofilter/internal/core/model"
	"github.com/mohammed-shakir/geofilter/internal/core/server"
	"github.com/mohammed-shakir/geofilter/internal/expr"
	"github.com/mohammed-shakir/geofilter/internal/expr/postgis"
	"github.com/mohammed-shakir/geofilter/internal/geoprep"
	"github.com/mohammed-shakir/geofilter/internal/host/catalog"
	"github.com/mohammed-shakir/geofilter/internal/host/edits"
	"github.com/mohammed-shakir/geofilter/internal/logger"
	"github.com/mohammed-shakir/geofilter/internal/metrics"
	"github.com/mohammed-shakir/geofilter/internal/notify"
	"github.com/mohammed-shakir/geofilter/internal/orchestrator"
	"github.com/mohammed-shakir/geofilter/internal/task"
)

var Version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	catalogFlag := flag.String("catalog", "", "layer catalog path (overrides CATALOG_PATH)")
	flag.Parse()

	cfg := config.FromEnv()
	if *catalogFlag != "" {
		cfg.CatalogPath = strings.TrimSpace(*catalogFlag)
	}

	zl := logger.Build(logger.Config{
		Level:     cfg.LogLevel,
		Console:   cfg.LogConsole,
		SampleN:   cfg.LogSampleN,
		Component: "filterd",
	}, os.Stdout)
	appLog := logger.NewSlog(&zl)
	appLog.Info("starting filterd",
		"addr", cfg.Addr,
		"version", Version,
		"catalog", cfg.CatalogPath,
		"workers", cfg.Workers)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	p := metrics.Init(metrics.Config{
		Enabled: cfg.MetricsEnabled,
		Build: metrics.BuildInfo{
			Version:   firstNonEmpty(os.Getenv("BUILD_VERSION"), Version),
			Revision:  os.Getenv("BUILD_REVISION"),
			Branch:    os.Getenv("BUILD_BRANCH"),
			BuildDate: os.Getenv("BUILD_DATE"),
		},
	})

	cat, err := catalog.Load(cfg.CatalogPath)
	if err != nil {
		appLog.Error("catalog load failed", "err", err)
		return 1
	}

	store, closeStore, err := filterStore(ctx, cfg, appLog)
	if err != nil {
		appLog.Error("filter state store setup failed", "err", err)
		return 1
	}
	defer closeStore()

	conns := backend.NewConnections(appLog)
	defer func() { _ = conns.Close() }()

	hst, err := catalog.New(cat, catalog.Options{H3Res: cfg.H3Res, Store: store, Conns: conns, Log: appLog})
	if err != nil {
		appLog.Error("catalog host setup failed", "err", err)
		return 1
	}
	defer func() { _ = hst.Close() }()

	if cfg.Edits.Enabled {
		consumer := edits.New(edits.Config{
			Brokers: cfg.Events.Brokers,
			Topic:   cfg.Edits.Topic,
			GroupID: cfg.Edits.GroupID,
		}, appLog, hst)
		go func() {
			if err := consumer.Start(ctx); err != nil {
				appLog.Error("layer edit consumer stopped", "err", err)
			}
		}()
	}

	artifacts := artifact.NewManager(postgis.ArtifactDDL{}, appLog)
	preparer := geoprep.NewPreparer(geoprep.PlanarEngine{}, appLog)
	selector, err := backend.NewSelector(backend.Deps{
		Host:      hst,
		Conns:     conns,
		Artifacts: artifacts,
		Preparer:  preparer,
		Log:       appLog,
		Options: backend.Options{
			UseArtifacts:   cfg.UseArtifacts,
			ArtifactSchema: cfg.ArtifactSchema,
			IDSet: expr.IDSetOptions{
				InlineMax: cfg.IDSetInlineMax,
				ChunkSize: cfg.IDSetChunk,
				MinRun:    cfg.IDSetMinRun,
			},
			Segments:        cfg.BufferSegments,
			LiteralMaxBytes: cfg.LiteralMaxBytes,
		},
	}, cfg.HintCacheSize)
	if err != nil {
		appLog.Error("backend selector setup failed", "err", err)
		return 1
	}

	pub, err := publisher(cfg, appLog)
	if err != nil {
		appLog.Error("result publisher setup failed", "err", err)
		return 1
	}
	defer func() { _ = pub.Close() }()

	pool := task.NewPool(cfg.Workers, cfg.QueueSize, appLog)
	defer pool.Close()

	orch, err := orchestrator.New(orchestrator.Deps{
		Host:      hst,
		Selector:  selector,
		Preparer:  preparer,
		Pool:      pool,
		Publisher: pub,
		Log:       appLog,
		OnComplete: func(res model.Result) {
			appLog.Debug("filter request complete", "request", res.RequestID, "summary", res.Summary())
		},
	}, orchestrator.Config{
		RequestTimeout: cfg.RequestTimeout,
		Apply:          task.Retry{Max: cfg.RetryMax, Interval: cfg.RetryInterval, Log: appLog},
		Overrides:      cfg.BackendOverrides,
	})
	if err != nil {
		appLog.Error("orchestrator setup failed", "err", err)
		return 1
	}

	api := server.API{Filters: orch, Layers: hst, Ready: hst}
	if cfg.MetricsEnabled {
		api.Metrics = p.Handler()
	}
	code := 0
	if err := server.Run(ctx, cfg, appLog, api); err != nil {
		appLog.Error("server exited with error", "err", err)
		code = 1
	}

	// cancel in-flight requests before the pool and connections go away
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := orch.Close(shutdownCtx); err != nil {
		appLog.Warn("requests still running at shutdown", "err", err)
	}
	artifacts.Close(shutdownCtx)
	appLog.Info("server stopped")
	return code
}

func filterStore(ctx context.Context, cfg config.Config, log *slog.Logger) (catalog.Store, func(), error) {
	if cfg.RedisAddr == "" {
		log.Info("filter state kept in memory")
		return catalog.NewMemoryStore(), func() {}, nil
	}
	s, err := catalog.NewRedisStore(ctx, cfg.RedisAddr, cfg.FilterStateTTL)
	if err != nil {
		return nil, nil, fmt.Errorf("redis %s: %w", cfg.RedisAddr, err)
	}
	log.Info("filter state kept in redis", "addr", cfg.RedisAddr, "ttl", cfg.FilterStateTTL)
	return s, func() { _ = s.Close() }, nil
}

func publisher(cfg config.Config, log *slog.Logger) (notify.Publisher, error) {
	if !cfg.Events.Enabled {
		return notify.LogPublisher{Log: log}, nil
	}
	return notify.NewKafkaPublisher(cfg.Events.Brokers, cfg.Events.Topic, cfg.Events.Queue, log)
}

func firstNonEmpty(vs ...string) string {
	for _, v := range vs {
		if v != "" {
			return v
		}
	}
	return ""
}
