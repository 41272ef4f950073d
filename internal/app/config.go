package app

import (
	"time"

	"github.com/coursebridge/assignments-backend/internal/platform/envutil"
	"github.com/coursebridge/assignments-backend/internal/platform/logger"
)

// Config holds the tunables the wiring layer injects into services. Domain
// code never reads the environment directly; everything flows through here.
type Config struct {
	Env     string
	Version string

	// AllocationWindow bounds how long an allocated assignment may sit
	// unaccepted before the expiration sweep retires it.
	AllocationWindow time.Duration

	// MetadataTTL is the redis cache lifetime for catalog course metadata.
	MetadataTTL time.Duration

	// NudgeDaysBeforeStart is the default lead time for exec-ed start-date
	// nudges when a sweep task payload does not override it.
	NudgeDaysBeforeStart int

	SweepConcurrency int

	// Cron schedules for the three sweeps, standard five-field syntax.
	ExpireCron   string
	NudgeCron    string
	ClearPIICron string

	MetricsAddr string
}

func LoadConfig(log *logger.Logger) Config {
	cfg := Config{
		Env:                  envutil.String("APP_ENV", "development"),
		Version:              envutil.String("APP_VERSION", "dev"),
		AllocationWindow:     time.Duration(envutil.Int("ALLOCATION_WINDOW_DAYS", 90)) * 24 * time.Hour,
		MetadataTTL:          envutil.DurationSeconds("CONTENT_METADATA_TTL_SECONDS", 30*time.Minute),
		NudgeDaysBeforeStart: envutil.Int("NUDGE_DAYS_BEFORE_START", 30),
		SweepConcurrency:     envutil.Int("SWEEP_CONCURRENCY", 8),
		ExpireCron:           envutil.String("EXPIRE_SWEEP_CRON", "0 2 * * *"),
		NudgeCron:            envutil.String("NUDGE_SWEEP_CRON", "30 2 * * *"),
		ClearPIICron:         envutil.String("CLEAR_PII_SWEEP_CRON", "0 3 * * *"),
		MetricsAddr:          envutil.String("METRICS_ADDR", ""),
	}
	if cfg.NudgeDaysBeforeStart <= 0 {
		cfg.NudgeDaysBeforeStart = 30
	}
	log.Info("config loaded",
		"env", cfg.Env,
		"allocation_window_days", int(cfg.AllocationWindow.Hours()/24),
		"metadata_ttl", cfg.MetadataTTL.String(),
		"nudge_days_before_start", cfg.NudgeDaysBeforeStart,
	)
	return cfg
}
