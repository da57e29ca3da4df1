// SPDX-License-Identifier: MIT

// skaldd is the orchestration daemon: it accepts transcription tasks,
// schedules providers, tracks free-tier and user quotas, and settles
// completed work into the usage ledger.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/skald-audio/skald/internal/asr"
	"github.com/skald-audio/skald/internal/config"
	"github.com/skald-audio/skald/internal/daemon"
	"github.com/skald-audio/skald/internal/health"
	"github.com/skald-audio/skald/internal/log"
)

// version is injected at build time via -ldflags.
var version = "dev"

func main() {
	var (
		configPath  = flag.String("config", os.Getenv("SKALD_CONFIG"), "path to the YAML config file")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println("skaldd", version)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	log.Configure(log.Config{Level: cfg.LogLevel, Service: "skaldd"})
	logger := log.WithComponent("main")

	if len(cfg.Providers) == 0 {
		logger.Fatal().Msg("no providers configured; declare at least one under providers: in the config file")
	}

	registry := asr.NewRegistry()
	healthURLs := make(map[string]string, len(cfg.Providers))
	for _, p := range cfg.Providers {
		for _, variant := range p.Variants {
			if err := registry.Register(p.Name, variant, asr.External{Provider: p.Name, Variant: variant}); err != nil {
				logger.Fatal().Err(err).Msg("provider registration failed")
			}
		}
		if p.HealthURL != "" {
			healthURLs[p.Name] = p.HealthURL
		}
	}

	var probe health.ProbeFunc
	if len(healthURLs) > 0 {
		probe = urlProbe(healthURLs)
	}

	ctx := daemon.WaitForShutdown()

	d, err := daemon.New(ctx, daemon.Params{
		Config:     cfg,
		ConfigPath: *configPath,
		Version:    version,
		Registry:   registry,
		Probe:      probe,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("daemon wiring failed")
	}

	logger.Info().
		Str("version", version).
		Int("providers", len(cfg.Providers)).
		Msg("starting skaldd")

	if err := d.Run(ctx); err != nil {
		logger.Fatal().Err(err).Msg("daemon exited")
	}
}

// urlProbe marks a provider healthy when its declared health endpoint
// answers below 500. Providers without an endpoint pass by default.
func urlProbe(urls map[string]string) health.ProbeFunc {
	client := &http.Client{Timeout: 10 * time.Second}
	return func(ctx context.Context, provider string) error {
		url, ok := urls[provider]
		if !ok {
			return nil
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode >= 500 {
			return fmt.Errorf("health endpoint returned %d", resp.StatusCode)
		}
		return nil
	}
}
