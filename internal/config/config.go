package config

import (
	"fmt"
	"os"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Validation bounds the real-data contract for inbound confirmations.
type Validation struct {
	MaxEventAgeSeconds int      `yaml:"max_event_age_seconds" default:"300" validate:"gt=0"`
	FutureSkewSeconds  int      `yaml:"future_skew_seconds" default:"5" validate:"gt=0"`
	MinSourceNodeIDLen int      `yaml:"min_source_node_id_len" default:"8" validate:"gt=0"`
	AllowedStatuses    []string `yaml:"allowed_statuses"`
	AuditPath          string   `yaml:"audit_path" default:"data/rejections.jsonl"`
}

// Consensus tunes the multi-source price reconciliation. The penalty,
// deviation, and approval thresholds are policy, not law; they are expected
// to be re-tuned empirically.
type Consensus struct {
	Quorum                int           `yaml:"quorum" default:"2" validate:"gte=2"`
	OutlierDeviation      float64       `yaml:"outlier_deviation" default:"0.0005" validate:"gt=0"`
	OutlierPenalty        float64       `yaml:"outlier_penalty" default:"15" validate:"gt=0"`
	MaxPriceDeviation     float64       `yaml:"max_price_deviation" default:"0.0003" validate:"gt=0"`
	MinApprovalConfidence float64       `yaml:"min_approval_confidence" default:"70" validate:"gte=0,lte=100"`
	MaxApprovalOutliers   int           `yaml:"max_approval_outliers" default:"1" validate:"gte=0"`
	CacheTTLSeconds       int           `yaml:"cache_ttl_seconds" default:"5" validate:"gt=0"`
	SourceTimeoutMs       int           `yaml:"source_timeout_ms" default:"2000" validate:"gt=0"`
	SourceRatePerSecond   float64       `yaml:"source_rate_per_second" default:"5"`
	Sources               []PriceSource `yaml:"sources" validate:"dive"`
}

// PriceSource names one independent broker quote endpoint.
type PriceSource struct {
	Name    string `yaml:"name" validate:"required"`
	BaseURL string `yaml:"base_url" validate:"required,url"`
}

// Tracker holds signal lifecycle policy.
type Tracker struct {
	TruthLogPath        string  `yaml:"truth_log_path" default:"data/truth.jsonl"`
	TruthLogBackend     string  `yaml:"truth_log_backend" default:"jsonl" validate:"oneof=jsonl sqlite"`
	SQLitePath          string  `yaml:"sqlite_path" default:"data/truth.db"`
	SnapshotPath        string  `yaml:"snapshot_path" default:"data/active_signals.json"`
	SnapshotIntervalSec int     `yaml:"snapshot_interval_seconds" default:"30" validate:"gt=0"`
	CompletionDwellSec  int     `yaml:"completion_dwell_seconds" default:"60" validate:"gt=0"`
	MaxRuntimeSec       int     `yaml:"max_runtime_seconds" default:"14400" validate:"gt=0"`
	SweepIntervalSec    int     `yaml:"sweep_interval_seconds" default:"5" validate:"gt=0"`
	WhipsawFraction     float64 `yaml:"whipsaw_fraction" default:"0.8" validate:"gt=0,lte=1"`
	TrapPips            float64 `yaml:"trap_pips" default:"10" validate:"gt=0"`
	TrapWindowSec       int     `yaml:"trap_window_seconds" default:"300" validate:"gt=0"`
}

// Health configures the component offline state machine.
type Health struct {
	RecoveryTickSec     int `yaml:"recovery_tick_seconds" default:"10" validate:"gt=0"`
	MaxRecoveryAttempts int `yaml:"max_recovery_attempts" default:"5" validate:"gt=0"`
	RetryBaseSec        int `yaml:"retry_base_seconds" default:"30" validate:"gt=0"`
	RetryMaxSec         int `yaml:"retry_max_seconds" default:"600" validate:"gt=0"`
}

// Wire configures the inbound confirmation transport.
type Wire struct {
	Transport      string `yaml:"transport" default:"http" validate:"oneof=http ws channel"`
	BaseURL        string `yaml:"base_url" default:"http://localhost:8091"`
	PollIntervalMs int    `yaml:"poll_interval_ms" default:"1000" validate:"gt=0"`
	TimeoutMs      int    `yaml:"timeout_ms" default:"5000" validate:"gt=0"`
	BufferSize     int    `yaml:"buffer_size" default:"1000" validate:"gt=0"`
}

type Poller struct {
	IntervalMs int `yaml:"interval_ms" default:"1000" validate:"gt=0"`
}

type Root struct {
	Validation      Validation `yaml:"validation"`
	Consensus       Consensus  `yaml:"consensus"`
	Tracker         Tracker    `yaml:"tracker"`
	Health          Health     `yaml:"health"`
	Wire            Wire       `yaml:"wire"`
	Poller          Poller     `yaml:"poller"`
	MetricsAddr     string     `yaml:"metrics_addr" default:"127.0.0.1:8090"`
	DailyReportCron string     `yaml:"daily_report_cron" default:"0 0 0 * * *"`
}

func (v Validation) MaxEventAge() time.Duration {
	return time.Duration(v.MaxEventAgeSeconds) * time.Second
}
func (v Validation) FutureSkew() time.Duration {
	return time.Duration(v.FutureSkewSeconds) * time.Second
}
func (c Consensus) CacheTTL() time.Duration { return time.Duration(c.CacheTTLSeconds) * time.Second }
func (c Consensus) SourceTimeout() time.Duration {
	return time.Duration(c.SourceTimeoutMs) * time.Millisecond
}
func (t Tracker) CompletionDwell() time.Duration {
	return time.Duration(t.CompletionDwellSec) * time.Second
}
func (t Tracker) MaxRuntime() time.Duration { return time.Duration(t.MaxRuntimeSec) * time.Second }
func (t Tracker) TrapWindow() time.Duration { return time.Duration(t.TrapWindowSec) * time.Second }

// Load reads, defaults, and validates a YAML config file.
func Load(path string) (Root, error) {
	var c Root
	b, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return c, fmt.Errorf("parse config: %w", err)
	}
	return finish(c)
}

// Default returns a config with all defaults applied, for tests and tooling.
func Default() Root {
	c, err := finish(Root{})
	if err != nil {
		panic(err) // defaults must validate
	}
	return c
}

func finish(c Root) (Root, error) {
	if err := defaults.Set(&c); err != nil {
		return c, fmt.Errorf("apply defaults: %w", err)
	}
	if len(c.Validation.AllowedStatuses) == 0 {
		c.Validation.AllowedStatuses = []string{
			"opened", "closed", "success", "rejected", "error", "partial",
		}
	}
	if err := validator.New().Struct(c); err != nil {
		return c, fmt.Errorf("validate config: %w", err)
	}
	return c, nil
}
