package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Settings tunes the cascade engine. Defaults come from DefaultSettings, then the optional
// YAML file named by CASCADE_CONFIG_FILE, then individual env vars.
type Settings struct {
	ChangeGateTolerance decimal.Decimal
	BaseCurrency        string
	MaxBatchWrites      int
	StageConcurrency    int
	StageTimeout        time.Duration
	ClaimTTL            time.Duration
	MaxAttempts         int
	BaseBackoff         time.Duration
	MaxBackoff          time.Duration
	PollInterval        time.Duration
	DispatchBatchSize   int
	RateFallbackDays    int
	RateCacheTTL        time.Duration
	NotifyUserIds       []string
	LedgerTopic         string
	LedgerSubscription  string
	NotificationTopic   string
}

// settingsFile mirrors Settings with string fields so the YAML stays human friendly
// ("0.005", "30s").
type settingsFile struct {
	ChangeGateTolerance string   `yaml:"change_gate_tolerance"`
	BaseCurrency        string   `yaml:"base_currency"`
	MaxBatchWrites      int      `yaml:"max_batch_writes"`
	StageConcurrency    int      `yaml:"stage_concurrency"`
	StageTimeout        string   `yaml:"stage_timeout"`
	ClaimTTL            string   `yaml:"claim_ttl"`
	MaxAttempts         int      `yaml:"max_attempts"`
	BaseBackoff         string   `yaml:"base_backoff"`
	MaxBackoff          string   `yaml:"max_backoff"`
	PollInterval        string   `yaml:"poll_interval"`
	DispatchBatchSize   int      `yaml:"dispatch_batch_size"`
	RateFallbackDays    int      `yaml:"rate_fallback_days"`
	RateCacheTTL        string   `yaml:"rate_cache_ttl"`
	NotifyUserIds       []string `yaml:"notify_user_ids"`
	LedgerTopic         string   `yaml:"ledger_topic"`
	LedgerSubscription  string   `yaml:"ledger_subscription"`
	NotificationTopic   string   `yaml:"notification_topic"`
}

func DefaultSettings() Settings {
	return Settings{
		ChangeGateTolerance: decimal.RequireFromString("0.005"),
		BaseCurrency:        "EUR",
		MaxBatchWrites:      500,
		StageConcurrency:    4,
		StageTimeout:        2 * time.Minute,
		ClaimTTL:            5 * time.Minute,
		MaxAttempts:         10,
		BaseBackoff:         5 * time.Second,
		MaxBackoff:          30 * time.Minute,
		PollInterval:        10 * time.Second,
		DispatchBatchSize:   200,
		RateFallbackDays:    7,
		RateCacheTTL:        24 * time.Hour,
	}
}

// LoadSettings never fails on a missing file path env; it fails only on a named file that
// cannot be read or parsed.
func LoadSettings() (Settings, error) {
	s := DefaultSettings()
	if path := strings.TrimSpace(os.Getenv("CASCADE_CONFIG_FILE")); path != "" {
		f, err := os.Open(path)
		if err != nil {
			return s, fmt.Errorf("open settings file %q: %w", path, err)
		}
		defer f.Close()
		var raw settingsFile
		if err := yaml.NewDecoder(f).Decode(&raw); err != nil {
			return s, fmt.Errorf("decode settings file %q: %w", path, err)
		}
		if err := raw.apply(&s); err != nil {
			return s, fmt.Errorf("settings file %q: %w", path, err)
		}
	}
	if err := applyEnv(&s); err != nil {
		return s, err
	}
	return s, nil
}

// ParseSettingsYAML is LoadSettings for an in-memory document, without env overrides.
func ParseSettingsYAML(data []byte) (Settings, error) {
	s := DefaultSettings()
	var raw settingsFile
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return s, err
	}
	err := raw.apply(&s)
	return s, err
}

func (raw settingsFile) apply(s *Settings) error {
	if raw.ChangeGateTolerance != "" {
		d, err := decimal.NewFromString(raw.ChangeGateTolerance)
		if err != nil {
			return fmt.Errorf("change_gate_tolerance: %w", err)
		}
		s.ChangeGateTolerance = d
	}
	if raw.BaseCurrency != "" {
		s.BaseCurrency = strings.ToUpper(raw.BaseCurrency)
	}
	if raw.MaxBatchWrites > 0 {
		s.MaxBatchWrites = raw.MaxBatchWrites
	}
	if raw.StageConcurrency > 0 {
		s.StageConcurrency = raw.StageConcurrency
	}
	if raw.MaxAttempts > 0 {
		s.MaxAttempts = raw.MaxAttempts
	}
	if raw.DispatchBatchSize > 0 {
		s.DispatchBatchSize = raw.DispatchBatchSize
	}
	if raw.RateFallbackDays > 0 {
		s.RateFallbackDays = raw.RateFallbackDays
	}
	if len(raw.NotifyUserIds) > 0 {
		s.NotifyUserIds = raw.NotifyUserIds
	}
	if raw.LedgerTopic != "" {
		s.LedgerTopic = raw.LedgerTopic
	}
	if raw.LedgerSubscription != "" {
		s.LedgerSubscription = raw.LedgerSubscription
	}
	if raw.NotificationTopic != "" {
		s.NotificationTopic = raw.NotificationTopic
	}
	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"stage_timeout", raw.StageTimeout, &s.StageTimeout},
		{"claim_ttl", raw.ClaimTTL, &s.ClaimTTL},
		{"base_backoff", raw.BaseBackoff, &s.BaseBackoff},
		{"max_backoff", raw.MaxBackoff, &s.MaxBackoff},
		{"poll_interval", raw.PollInterval, &s.PollInterval},
		{"rate_cache_ttl", raw.RateCacheTTL, &s.RateCacheTTL},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("%s: %w", d.name, err)
		}
		*d.dst = v
	}
	return nil
}

func applyEnv(s *Settings) error {
	if v := strings.TrimSpace(os.Getenv("CHANGE_GATE_TOLERANCE")); v != "" {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return fmt.Errorf("CHANGE_GATE_TOLERANCE: %w", err)
		}
		s.ChangeGateTolerance = d
	}
	if v := strings.TrimSpace(os.Getenv("BASE_CURRENCY")); v != "" {
		s.BaseCurrency = strings.ToUpper(v)
	}
	s.MaxBatchWrites = intFromEnv("CASCADE_MAX_BATCH_WRITES", s.MaxBatchWrites)
	s.StageConcurrency = intFromEnv("CASCADE_STAGE_CONCURRENCY", s.StageConcurrency)
	s.MaxAttempts = intFromEnv("LEDGER_MAX_ATTEMPTS", s.MaxAttempts)
	s.DispatchBatchSize = intFromEnv("LEDGER_DISPATCH_BATCH_SIZE", s.DispatchBatchSize)
	s.RateFallbackDays = intFromEnv("RATE_FALLBACK_DAYS", s.RateFallbackDays)
	s.StageTimeout = durationFromEnv("CASCADE_STAGE_TIMEOUT", s.StageTimeout)
	s.ClaimTTL = durationFromEnv("LEDGER_CLAIM_TTL", s.ClaimTTL)
	s.BaseBackoff = durationFromEnv("LEDGER_BASE_BACKOFF", s.BaseBackoff)
	s.MaxBackoff = durationFromEnv("LEDGER_MAX_BACKOFF", s.MaxBackoff)
	s.PollInterval = durationFromEnv("LEDGER_POLL_INTERVAL", s.PollInterval)
	s.RateCacheTTL = durationFromEnv("RATE_CACHE_TTL", s.RateCacheTTL)
	if v := strings.TrimSpace(os.Getenv("NOTIFY_USER_IDS")); v != "" {
		s.NotifyUserIds = splitCSV(v)
	}
	if v := strings.TrimSpace(os.Getenv("PUBSUB_TOPIC")); v != "" {
		s.LedgerTopic = v
	}
	if v := strings.TrimSpace(os.Getenv("PUBSUB_SUBSCRIPTION")); v != "" {
		s.LedgerSubscription = v
	}
	if v := strings.TrimSpace(os.Getenv("PUBSUB_NOTIFICATION_TOPIC")); v != "" {
		s.NotificationTopic = v
	}
	return nil
}

func intFromEnv(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// durationFromEnv accepts Go durations ("90s") or bare seconds ("90").
func durationFromEnv(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
