// stratad is the tiered data lifecycle daemon.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vykr/strata/internal/logging"
	"github.com/vykr/strata/internal/warehouse"
	"github.com/vykr/strata/internal/warehouse/config"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	cfgPath := flag.String("config", "strata.yaml", "config file path")
	dataDir := flag.String("data-dir", "", "data directory (overrides config)")
	masterKey := flag.String("master-key", "", "hex master key (or STRATA_MASTER_KEY env)")
	sweepNow := flag.Bool("sweep", false, "run one lifecycle sweep and exit")
	verifyNow := flag.Bool("verify", false, "run one integrity pass and exit")
	reportNow := flag.Bool("report", false, "build one compliance report and exit")
	reportAsOf := flag.String("report-as-of", "", "compliance report as-of time, RFC 3339 (default: now)")
	flag.Parse()

	// Load config, falling back to defaults when no file exists.
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			cfg = config.DefaultConfig()
		} else {
			slog.Error("load config", "error", err)
			os.Exit(1)
		}
	}

	// CLI overrides
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	key := *masterKey
	if key == "" {
		key = os.Getenv("STRATA_MASTER_KEY")
	}
	if key != "" {
		cfg.MasterKey = key
	}

	level := slog.LevelInfo
	switch cfg.Logging.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logging.Init(level, cfg.Logging.JSON)
	log := logging.Component("stratad")

	log.Info("stratad starting", "version", Version, "data_dir", cfg.DataDir)
	for _, w := range cfg.Warnings() {
		log.Warn(w)
	}

	engine, err := warehouse.New(cfg, warehouse.Options{})
	if err != nil {
		log.Error("create engine", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// One-shot modes for cron and operators.
	if *sweepNow || *verifyNow || *reportNow {
		code := 0
		if *sweepNow {
			res, err := engine.RunSweep(ctx)
			if err != nil {
				log.Error("sweep", "error", err)
				code = 1
			} else {
				log.Info("sweep finished", "scanned", res.Scanned,
					"migrated", res.Migrated, "tombstoned", res.Tombstoned)
			}
		}
		if *verifyNow && code == 0 {
			rep, err := engine.VerifyIntegrity(ctx)
			if err != nil {
				log.Error("verify", "error", err)
				code = 1
			} else {
				log.Info("integrity pass finished",
					"verified", rep.Verified, "failed", rep.Failed)
				if rep.Failed > 0 {
					code = 2
				}
			}
		}
		if *reportNow && code == 0 {
			var asOf time.Time
			if *reportAsOf != "" {
				parsed, err := time.Parse(time.RFC3339, *reportAsOf)
				if err != nil {
					log.Error("parse -report-as-of", "error", err)
					os.Exit(1)
				}
				asOf = parsed
			}
			rep, err := engine.ComplianceReport(ctx, asOf)
			if err != nil {
				log.Error("report", "error", err)
				code = 1
			} else {
				log.Info("compliance report built",
					"as_of", rep.AsOf,
					"scanned", rep.RecordsScanned,
					"retention_violations", len(rep.RetentionViolations),
					"encryption_violations", len(rep.EncryptionViolations),
					"audit_gaps", len(rep.AuditGaps))
			}
		}
		if err := engine.Close(); err != nil {
			log.Warn("close engine", "error", err)
		}
		os.Exit(code)
	}

	engine.Start(ctx)
	log.Info("engine running",
		"sweep_interval", cfg.Lifecycle.SweepInterval,
		"verify_interval", cfg.Lifecycle.VerifyInterval)

	<-ctx.Done()
	log.Info("shutting down")

	engine.Stop()
	if err := engine.Close(); err != nil {
		log.Error("close engine", "error", err)
		os.Exit(1)
	}
	log.Info("shutdown complete")
}
