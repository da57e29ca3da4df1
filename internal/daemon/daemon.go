// SPDX-License-Identifier: MIT

// Package daemon bootstraps the orchestration core and owns its runtime
// lifecycle: the HTTP server, the provider health loop, the periodic ledger
// export, and configuration reload.
package daemon

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/skald-audio/skald/internal/accounting"
	"github.com/skald-audio/skald/internal/api"
	"github.com/skald-audio/skald/internal/asr"
	"github.com/skald-audio/skald/internal/cache"
	"github.com/skald-audio/skald/internal/config"
	"github.com/skald-audio/skald/internal/health"
	"github.com/skald-audio/skald/internal/ledger"
	"github.com/skald-audio/skald/internal/log"
	"github.com/skald-audio/skald/internal/pricing"
	"github.com/skald-audio/skald/internal/queue"
	"github.com/skald-audio/skald/internal/quota"
	"github.com/skald-audio/skald/internal/scheduler"
	"github.com/skald-audio/skald/internal/settle"
	"github.com/skald-audio/skald/internal/store"
	"github.com/skald-audio/skald/internal/task"
	"github.com/skald-audio/skald/internal/telemetry"
	"github.com/skald-audio/skald/internal/videoprobe"
)

const shutdownTimeout = 10 * time.Second

// Params carries the pieces only the binary can supply: the provider
// registry and, optionally, a health probe for it.
type Params struct {
	Config     config.Config
	ConfigPath string
	Version    string
	Registry   *asr.Registry
	// Probe grades provider reachability. Nil disables the health loop;
	// the scheduler then treats every provider as healthy.
	Probe health.ProbeFunc
}

// Daemon is one wired skaldd instance.
type Daemon struct {
	cfg        config.Config
	configPath string

	store     *store.Store
	cache     cache.Cache
	sched     *scheduler.Scheduler
	checker   *health.Checker
	exporter  *ledger.Exporter
	server    *http.Server
	telemetry *telemetry.Provider
	redis     *redis.Client

	logger zerolog.Logger
}

// New wires a daemon from configuration. Redis is used for the pricing
// cache and the job queue when an address is configured; otherwise both
// fall back to in-process implementations and the instance runs standalone.
func New(ctx context.Context, p Params) (*Daemon, error) {
	cfg := p.Config
	logger := log.WithComponent("daemon")

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	var (
		pricingCache cache.Cache
		publisher    queue.Publisher
		redisClient  *redis.Client
	)
	if cfg.RedisAddr != "" {
		rc, err := cache.NewRedis(cache.RedisConfig{Addr: cfg.RedisAddr}, log.WithComponent("cache"))
		if err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		pricingCache = rc
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		publisher = queue.NewRedisPublisher(redisClient, cfg.QueueKey)
	} else {
		logger.Warn().Msg("no redis configured, using in-process cache and queue")
		pricingCache = cache.NewMemory(5 * time.Minute)
		publisher = queue.NewMemoryPublisher()
	}

	ps := pricing.New(st, pricingCache, cfg.PricingCacheTTL)
	acct := accounting.New(st)
	lim := quota.NewLimiter(st)

	var checker *health.Checker
	if p.Probe != nil {
		checker = health.NewChecker(
			p.Registry.Providers,
			p.Probe,
			health.WithInterval(cfg.HealthInterval),
			health.WithProbeRate(cfg.HealthProbesPerSec, 4),
		)
	}

	var healthScorer scheduler.HealthScorer
	if checker != nil {
		healthScorer = checker
	}
	sched := scheduler.New(p.Registry, ps, acct, lim, st, healthScorer)
	if cfg.SchedulerWeights != nil {
		sched.SetDefaultWeights(cfg.SchedulerWeights)
	}

	var prober *videoprobe.Prober
	if cfg.VideoProbe {
		prober = videoprobe.NewProber(nil)
	}

	gate := task.NewGate(st, ps, acct, lim, sched, prober, publisher)
	settler := settle.New(st, ps, acct, lim)
	exporter := ledger.NewExporter(st)

	srv := api.NewServer(api.ServerParams{
		Store:             st,
		Pricing:           ps,
		Acct:              acct,
		Limiter:           lim,
		Sched:             sched,
		Gate:              gate,
		Settler:           settler,
		Exporter:          exporter,
		Checker:           checker,
		TaskRatePerMinute: cfg.TaskRatePerMinute,
		ExportPath:        cfg.LedgerExportPath,
	})

	d := &Daemon{
		cfg:        cfg,
		configPath: p.ConfigPath,
		store:      st,
		cache:      pricingCache,
		sched:      sched,
		checker:    checker,
		exporter:   exporter,
		redis:      redisClient,
		logger:     logger,
		server: &http.Server{
			Addr:              cfg.ListenAddr,
			Handler:           srv.Router(),
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      60 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
	}

	if cfg.Telemetry.Enabled {
		provider, err := telemetry.NewProvider(ctx, telemetry.Config{
			Enabled:        true,
			ServiceName:    "skaldd",
			ServiceVersion: p.Version,
			ExporterType:   cfg.Telemetry.ExporterType,
			Endpoint:       cfg.Telemetry.Endpoint,
			SamplingRate:   cfg.Telemetry.SamplingRate,
		})
		if err != nil {
			logger.Warn().Err(err).Msg("telemetry init failed, continuing without tracing")
		} else {
			d.telemetry = provider
		}
	}

	return d, nil
}

// Run starts every owned subsystem and blocks until ctx is cancelled or a
// subsystem fails fatally.
func (d *Daemon) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		d.logger.Info().Str("listen", d.server.Addr).Msg("http server listening")
		if err := d.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return d.server.Shutdown(shutdownCtx)
	})

	if d.checker != nil {
		g.Go(func() error {
			err := d.checker.Run(ctx)
			if err == context.Canceled {
				return nil
			}
			return err
		})
	}

	if d.cfg.LedgerExportPath != "" && d.cfg.LedgerExportInterval > 0 {
		g.Go(func() error {
			d.runLedgerExport(ctx)
			return nil
		})
	}

	if d.configPath != "" {
		g.Go(func() error {
			err := config.Watch(ctx, d.configPath, d.applyConfig)
			if err != nil && err != context.Canceled {
				d.logger.Warn().Err(err).Msg("config watcher stopped")
			}
			return nil
		})
	}

	err := g.Wait()
	d.close()
	if err == context.Canceled {
		return nil
	}
	return err
}

// runLedgerExport periodically snapshots unreconciled ledger rows to the
// configured CSV path.
func (d *Daemon) runLedgerExport(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.LedgerExportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := d.exporter.ExportUnreconciled(ctx, d.cfg.LedgerExportPath)
			if err != nil {
				d.logger.Error().Err(err).Msg("ledger export failed")
				continue
			}
			if n > 0 {
				d.logger.Info().Int("rows", n).Str("path", d.cfg.LedgerExportPath).Msg("ledger exported")
			}
		}
	}
}

// applyConfig picks up the hot-reloadable settings; everything else needs
// a restart.
func (d *Daemon) applyConfig(cfg config.Config) {
	d.sched.SetDefaultWeights(cfg.SchedulerWeights)
	d.logger.Info().Msg("applied reloaded configuration")
}

func (d *Daemon) close() {
	if d.telemetry != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := d.telemetry.Shutdown(shutdownCtx); err != nil {
			d.logger.Error().Err(err).Msg("telemetry shutdown error")
		}
		cancel()
	}
	if stopper, ok := d.cache.(interface{ Stop() }); ok {
		stopper.Stop()
	}
	if d.redis != nil {
		if err := d.redis.Close(); err != nil {
			d.logger.Error().Err(err).Msg("redis close error")
		}
	}
	if err := d.store.Close(); err != nil {
		d.logger.Error().Err(err).Msg("store close error")
	}
	d.logger.Info().Msg("daemon stopped")
}

// WaitForShutdown returns a context cancelled on SIGINT or SIGTERM.
func WaitForShutdown() context.Context {
	ctx, _ := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	return ctx
}
