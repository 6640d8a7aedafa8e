package tuning

import (
	"errors"
	"fmt"
	"os"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Tuning holds the session parameters shared by host and predictors. Values
// the host sends in ConnectionGranted override a predictor's local copy.
type Tuning struct {
	ProtocolVersion string `yaml:"protocol_version"`

	TickRateHz int `yaml:"tick_rate_hz" env:"RN_TICK_RATE_HZ"`
	// Capacity is the number of retained frames in the snapshot ring.
	Capacity         int `yaml:"capacity" env:"RN_CAPACITY"`
	MaxFramesPerTick int `yaml:"max_frames_per_tick" env:"RN_MAX_FRAMES_PER_TICK"`
	FutureQueueCap   int `yaml:"future_queue_cap" env:"RN_FUTURE_QUEUE_CAP"`
	InboxSize        int `yaml:"inbox_size" env:"RN_INBOX_SIZE"`
	OutboxSize       int `yaml:"outbox_size" env:"RN_OUTBOX_SIZE"`

	SummaryEveryMs         int `yaml:"summary_every_ms" env:"RN_SUMMARY_EVERY_MS"`
	SummaryMargin          int `yaml:"summary_margin" env:"RN_SUMMARY_MARGIN"`
	SnapshotEverySummaries int `yaml:"snapshot_every_summaries" env:"RN_SNAPSHOT_EVERY_SUMMARIES"`

	CorrectionToleranceMilli int64 `yaml:"correction_tolerance_milli" env:"RN_CORRECTION_TOLERANCE_MILLI"`

	MaxPeers int `yaml:"max_peers" env:"RN_MAX_PEERS"`

	RateLimits RateLimits `yaml:"rate_limits"`
}

type RateLimits struct {
	MessagesPerSecond float64 `yaml:"messages_per_second" env:"RN_RATE_MSGS_PER_SEC"`
	Burst             int     `yaml:"burst" env:"RN_RATE_BURST"`
}

func Defaults() Tuning {
	return Tuning{
		ProtocolVersion:          "1.0",
		TickRateHz:               50,
		Capacity:                 64,
		MaxFramesPerTick:         64,
		FutureQueueCap:           256,
		InboxSize:                1024,
		OutboxSize:               256,
		SummaryEveryMs:           1000,
		SummaryMargin:            16,
		SnapshotEverySummaries:   30,
		CorrectionToleranceMilli: 250,
		MaxPeers:                 16,
		RateLimits: RateLimits{
			MessagesPerSecond: 200,
			Burst:             100,
		},
	}
}

// Load reads path over Defaults. An empty path returns Defaults.
func Load(path string) (Tuning, error) {
	t := Defaults()
	if path == "" {
		return t, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	return t, nil
}

// ApplyEnv overlays RN_* environment variables. Unset variables keep the
// current value.
func (t *Tuning) ApplyEnv() error {
	if err := env.Parse(t); err != nil {
		return fmt.Errorf("tuning env: %w", err)
	}
	return nil
}

func (t Tuning) Validate() error {
	var errs []error
	if t.TickRateHz <= 0 || t.TickRateHz > 1000 {
		errs = append(errs, fmt.Errorf("tick_rate_hz out of range: %d", t.TickRateHz))
	}
	if t.Capacity < 2 {
		errs = append(errs, fmt.Errorf("capacity must be >= 2: %d", t.Capacity))
	}
	if t.MaxFramesPerTick <= 0 {
		errs = append(errs, fmt.Errorf("max_frames_per_tick must be > 0: %d", t.MaxFramesPerTick))
	}
	if t.FutureQueueCap <= 0 {
		errs = append(errs, fmt.Errorf("future_queue_cap must be > 0: %d", t.FutureQueueCap))
	}
	if t.InboxSize <= 0 || t.OutboxSize <= 0 {
		errs = append(errs, fmt.Errorf("inbox_size and outbox_size must be > 0"))
	}
	if t.SummaryEveryMs <= 0 {
		errs = append(errs, fmt.Errorf("summary_every_ms must be > 0: %d", t.SummaryEveryMs))
	}
	if t.SummaryMargin < 0 || t.SummaryMargin >= t.Capacity {
		errs = append(errs, fmt.Errorf("summary_margin must be in [0, capacity): %d", t.SummaryMargin))
	}
	if t.SnapshotEverySummaries < 0 {
		errs = append(errs, fmt.Errorf("snapshot_every_summaries must be >= 0: %d", t.SnapshotEverySummaries))
	}
	if t.CorrectionToleranceMilli < 0 {
		errs = append(errs, fmt.Errorf("correction_tolerance_milli must be >= 0"))
	}
	if t.MaxPeers <= 0 {
		errs = append(errs, fmt.Errorf("max_peers must be > 0: %d", t.MaxPeers))
	}
	if t.RateLimits.MessagesPerSecond <= 0 || t.RateLimits.Burst <= 0 {
		errs = append(errs, fmt.Errorf("rate_limits must be > 0"))
	}
	return errors.Join(errs...)
}
