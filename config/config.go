/*
Package config resolves the runtime configuration of the server.

PRIORITY (later wins):
  1. Defaults()
  2. YAML file given by -config / SHIFT_ENGINE_CONFIG
  3. .env in the working directory (never overrides the real environment)
  4. SHIFT_ENGINE_* environment variables
  5. command-line flags applied by cmd/server

Rates are written as plain numbers in YAML and env and converted to
decimal at the edge. Durations use Go syntax ("90m", "72h").

SEE ALSO:
  - config/shift-engine.yaml: annotated sample
  - config/jurisdictions.yaml: labor rules, loaded by the factory
*/
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/warp/shift-engine/dispute"
	"github.com/warp/shift-engine/escrow"
	"github.com/warp/shift-engine/pricing"
	"github.com/warp/shift-engine/shift"
)

const envPrefix = "SHIFT_ENGINE_"

type Config struct {
	Server        Server   `yaml:"server"`
	Database      Database `yaml:"database"`
	Jurisdictions string   `yaml:"jurisdictions"`
	Redis         Redis    `yaml:"redis"`
	Kafka         Kafka    `yaml:"kafka"`
	Sweep         Sweep    `yaml:"sweep"`
	Shift         Shift    `yaml:"shift"`
	Payments      Payments `yaml:"payments"`
	Pricing       Pricing  `yaml:"pricing"`
	Disputes      Disputes `yaml:"disputes"`
	Log           Log      `yaml:"log"`
}

type Server struct {
	Port            int           `yaml:"port"`
	CORSOrigins     []string      `yaml:"cors_origins"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type Database struct {
	// Path of the SQLite file; ":memory:" runs without persistence.
	Path string `yaml:"path"`
}

type Redis struct {
	URL      string        `yaml:"url"`
	DedupTTL time.Duration `yaml:"dedup_ttl"`
}

type Kafka struct {
	Brokers            []string `yaml:"brokers"`
	NotificationsTopic string   `yaml:"notifications_topic"`
	WebhooksTopic      string   `yaml:"webhooks_topic"`
	GroupID            string   `yaml:"group_id"`
}

func (k Kafka) Enabled() bool { return len(k.Brokers) > 0 }

type Sweep struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
}

type Shift struct {
	AckWindow              time.Duration `yaml:"ack_window"`
	EarlyClockIn           time.Duration `yaml:"early_clock_in"`
	LateGrace              time.Duration `yaml:"late_grace"`
	LatenessFlagAfter      time.Duration `yaml:"lateness_flag_after"`
	NoShowAfter            time.Duration `yaml:"no_show_after"`
	GeofenceMeters         float64       `yaml:"geofence_meters"`
	BillableGrace          time.Duration `yaml:"billable_grace"`
	AutoApproveAfter       time.Duration `yaml:"auto_approve_after"`
	ReleaseDelay           time.Duration `yaml:"release_delay"`
	MinDuration            time.Duration `yaml:"min_duration"`
	FullRefundNotice       time.Duration `yaml:"full_refund_notice"`
	LateCancelNotice       time.Duration `yaml:"late_cancel_notice"`
	LateCancelPenaltyRate  float64       `yaml:"late_cancel_penalty_rate"`
	NoShowCompensationRate float64       `yaml:"no_show_compensation_rate"`
}

type Payments struct {
	PayoutMaxAttempts int           `yaml:"payout_max_attempts"`
	PayoutBackoff     time.Duration `yaml:"payout_backoff"`
	PayoutBackoffMax  time.Duration `yaml:"payout_backoff_max"`
	PayoutBatchSize   int           `yaml:"payout_batch_size"`
	ProviderAttempts  int           `yaml:"provider_attempts"`
	ProviderBackoff   time.Duration `yaml:"provider_backoff"`
}

type Pricing struct {
	PlatformFeeRate float64 `yaml:"platform_fee_rate"`
	ContingencyRate float64 `yaml:"contingency_rate"`
	SurgeCeiling    float64 `yaml:"surge_ceiling"`
	NightSurge      float64 `yaml:"night_surge"`
	WeekendSurge    float64 `yaml:"weekend_surge"`
	HolidaySurge    float64 `yaml:"holiday_surge"`
	UrgentSurge     float64 `yaml:"urgent_surge"`
	CriticalSurge   float64 `yaml:"critical_surge"`
	NightStart      int     `yaml:"night_start"`
	NightEnd        int     `yaml:"night_end"`
}

type Disputes struct {
	OpenWindow time.Duration   `yaml:"open_window"`
	SLA        []time.Duration `yaml:"sla"`
}

type Log struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// =============================================================================
// DEFAULTS
// =============================================================================

// Defaults mirrors the package defaults of every component.
func Defaults() Config {
	sp := shift.DefaultPolicy()
	ec := escrow.DefaultConfig()
	pc := pricing.DefaultConfig()
	dp := dispute.DefaultPolicy()
	return Config{
		Server:        Server{Port: 8080, CORSOrigins: []string{"*"}, ShutdownTimeout: 30 * time.Second},
		Database:      Database{Path: "shift-engine.db"},
		Jurisdictions: "config/jurisdictions.yaml",
		Redis:         Redis{DedupTTL: 72 * time.Hour},
		Kafka: Kafka{
			NotificationsTopic: "shift-engine.notifications",
			WebhooksTopic:      "shift-engine.provider-events",
			GroupID:            "shift-engine",
		},
		Sweep: Sweep{Enabled: true, Interval: time.Minute, Timeout: 5 * time.Minute},
		Shift: Shift{
			AckWindow:              sp.AckWindow,
			EarlyClockIn:           sp.EarlyClockIn,
			LateGrace:              sp.LateGrace,
			LatenessFlagAfter:      sp.LatenessFlagAfter,
			NoShowAfter:            sp.NoShowAfter,
			GeofenceMeters:         sp.GeofenceMeters,
			BillableGrace:          sp.BillableGrace,
			AutoApproveAfter:       sp.AutoApproveAfter,
			ReleaseDelay:           sp.ReleaseDelay,
			MinDuration:            sp.MinDuration,
			FullRefundNotice:       sp.FullRefundNotice,
			LateCancelNotice:       sp.LateCancelNotice,
			LateCancelPenaltyRate:  sp.LateCancelPenaltyRate.InexactFloat64(),
			NoShowCompensationRate: sp.NoShowCompensationRate.InexactFloat64(),
		},
		Payments: Payments{
			PayoutMaxAttempts: ec.PayoutMaxAttempts,
			PayoutBackoff:     ec.PayoutBackoff,
			PayoutBackoffMax:  ec.PayoutBackoffMax,
			PayoutBatchSize:   ec.PayoutBatchSize,
			ProviderAttempts:  ec.ProviderAttempts,
			ProviderBackoff:   ec.ProviderBackoff,
		},
		Pricing: Pricing{
			PlatformFeeRate: pc.PlatformFeeRate.InexactFloat64(),
			ContingencyRate: pc.ContingencyRate.InexactFloat64(),
			SurgeCeiling:    pc.SurgeCeiling.InexactFloat64(),
			NightSurge:      pc.NightSurge.InexactFloat64(),
			WeekendSurge:    pc.WeekendSurge.InexactFloat64(),
			HolidaySurge:    pc.HolidaySurge.InexactFloat64(),
			UrgentSurge:     pc.UrgentSurge.InexactFloat64(),
			CriticalSurge:   pc.CriticalSurge.InexactFloat64(),
			NightStart:      pc.NightStart,
			NightEnd:        pc.NightEnd,
		},
		Disputes: Disputes{OpenWindow: dp.OpenWindow, SLA: dp.SLA},
		Log:      Log{Level: "info", Format: "text"},
	}
}

// =============================================================================
// LOAD
// =============================================================================

// Load resolves defaults, the optional file at path, .env and the
// environment. An empty path falls back to SHIFT_ENGINE_CONFIG.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	cfg := Defaults()
	if path == "" {
		path = os.Getenv(envPrefix + "CONFIG")
	}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	var errs []error
	str := func(name string, dst *string) {
		if v := os.Getenv(envPrefix + name); v != "" {
			*dst = v
		}
	}
	csv := func(name string, dst *[]string) {
		if v := os.Getenv(envPrefix + name); v != "" {
			*dst = splitCSV(v)
		}
	}
	num := func(name string, dst *int) {
		if v := os.Getenv(envPrefix + name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, name, err))
				return
			}
			*dst = n
		}
	}
	rate := func(name string, dst *float64) {
		if v := os.Getenv(envPrefix + name); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, name, err))
				return
			}
			*dst = f
		}
	}
	dur := func(name string, dst *time.Duration) {
		if v := os.Getenv(envPrefix + name); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, name, err))
				return
			}
			*dst = d
		}
	}
	flag := func(name string, dst *bool) {
		if v := os.Getenv(envPrefix + name); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, name, err))
				return
			}
			*dst = b
		}
	}

	num("PORT", &c.Server.Port)
	csv("CORS_ORIGINS", &c.Server.CORSOrigins)
	str("DB_PATH", &c.Database.Path)
	str("JURISDICTIONS", &c.Jurisdictions)
	str("REDIS_URL", &c.Redis.URL)
	dur("REDIS_DEDUP_TTL", &c.Redis.DedupTTL)
	csv("KAFKA_BROKERS", &c.Kafka.Brokers)
	str("KAFKA_NOTIFICATIONS_TOPIC", &c.Kafka.NotificationsTopic)
	str("KAFKA_WEBHOOKS_TOPIC", &c.Kafka.WebhooksTopic)
	str("KAFKA_GROUP_ID", &c.Kafka.GroupID)
	flag("SWEEP_ENABLED", &c.Sweep.Enabled)
	dur("SWEEP_INTERVAL", &c.Sweep.Interval)
	dur("SWEEP_TIMEOUT", &c.Sweep.Timeout)
	dur("ACK_WINDOW", &c.Shift.AckWindow)
	dur("EARLY_CLOCK_IN", &c.Shift.EarlyClockIn)
	dur("LATE_GRACE", &c.Shift.LateGrace)
	dur("NO_SHOW_AFTER", &c.Shift.NoShowAfter)
	dur("AUTO_APPROVE_AFTER", &c.Shift.AutoApproveAfter)
	dur("RELEASE_DELAY", &c.Shift.ReleaseDelay)
	dur("FULL_REFUND_NOTICE", &c.Shift.FullRefundNotice)
	dur("LATE_CANCEL_NOTICE", &c.Shift.LateCancelNotice)
	rate("LATE_CANCEL_PENALTY_RATE", &c.Shift.LateCancelPenaltyRate)
	rate("NO_SHOW_COMPENSATION_RATE", &c.Shift.NoShowCompensationRate)
	num("PAYOUT_MAX_ATTEMPTS", &c.Payments.PayoutMaxAttempts)
	dur("PAYOUT_BACKOFF", &c.Payments.PayoutBackoff)
	rate("PLATFORM_FEE_RATE", &c.Pricing.PlatformFeeRate)
	rate("CONTINGENCY_RATE", &c.Pricing.ContingencyRate)
	rate("SURGE_CEILING", &c.Pricing.SurgeCeiling)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)

	return errors.Join(errs...)
}

func splitCSV(raw string) []string {
	parts := make([]string, 0)
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}

// Validate rejects settings no component can run with.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Database.Path == "" {
		errs = append(errs, errors.New("database.path is required"))
	}
	if c.Sweep.Enabled && c.Sweep.Interval <= 0 {
		errs = append(errs, errors.New("sweep.interval must be positive"))
	}
	if c.Shift.AckWindow <= 0 {
		errs = append(errs, errors.New("shift.ack_window must be positive"))
	}
	if c.Shift.LateCancelNotice > c.Shift.FullRefundNotice {
		errs = append(errs, errors.New("shift.late_cancel_notice must not exceed full_refund_notice"))
	}
	for name, r := range map[string]float64{
		"shift.late_cancel_penalty_rate":  c.Shift.LateCancelPenaltyRate,
		"shift.no_show_compensation_rate": c.Shift.NoShowCompensationRate,
	} {
		if r < 0 || r > 1 {
			errs = append(errs, fmt.Errorf("%s must be within [0, 1]", name))
		}
	}
	if c.Payments.PayoutMaxAttempts < 1 {
		errs = append(errs, errors.New("payments.payout_max_attempts must be at least 1"))
	}
	if len(c.Disputes.SLA) == 0 {
		errs = append(errs, errors.New("disputes.sla needs at least one level"))
	}
	if c.Kafka.Enabled() && (c.Kafka.NotificationsTopic == "" || c.Kafka.WebhooksTopic == "") {
		errs = append(errs, errors.New("kafka topics are required when brokers are set"))
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if err := c.PricingConfig().Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// =============================================================================
// COMPONENT VIEWS
// =============================================================================

func (c Config) ShiftPolicy() shift.Policy {
	s := c.Shift
	return shift.Policy{
		AckWindow:              s.AckWindow,
		EarlyClockIn:           s.EarlyClockIn,
		LateGrace:              s.LateGrace,
		LatenessFlagAfter:      s.LatenessFlagAfter,
		NoShowAfter:            s.NoShowAfter,
		GeofenceMeters:         s.GeofenceMeters,
		BillableGrace:          s.BillableGrace,
		AutoApproveAfter:       s.AutoApproveAfter,
		ReleaseDelay:           s.ReleaseDelay,
		MinDuration:            s.MinDuration,
		FullRefundNotice:       s.FullRefundNotice,
		LateCancelNotice:       s.LateCancelNotice,
		LateCancelPenaltyRate:  decimal.NewFromFloat(s.LateCancelPenaltyRate),
		NoShowCompensationRate: decimal.NewFromFloat(s.NoShowCompensationRate),
	}
}

func (c Config) EscrowConfig() escrow.Config {
	p := c.Payments
	return escrow.Config{
		PayoutMaxAttempts: p.PayoutMaxAttempts,
		PayoutBackoff:     p.PayoutBackoff,
		PayoutBackoffMax:  p.PayoutBackoffMax,
		PayoutBatchSize:   p.PayoutBatchSize,
		ProviderAttempts:  p.ProviderAttempts,
		ProviderBackoff:   p.ProviderBackoff,
	}
}

func (c Config) PricingConfig() pricing.Config {
	p := c.Pricing
	return pricing.Config{
		PlatformFeeRate: decimal.NewFromFloat(p.PlatformFeeRate),
		ContingencyRate: decimal.NewFromFloat(p.ContingencyRate),
		SurgeCeiling:    decimal.NewFromFloat(p.SurgeCeiling),
		NightSurge:      decimal.NewFromFloat(p.NightSurge),
		WeekendSurge:    decimal.NewFromFloat(p.WeekendSurge),
		HolidaySurge:    decimal.NewFromFloat(p.HolidaySurge),
		UrgentSurge:     decimal.NewFromFloat(p.UrgentSurge),
		CriticalSurge:   decimal.NewFromFloat(p.CriticalSurge),
		NightStart:      p.NightStart,
		NightEnd:        p.NightEnd,
	}
}

func (c Config) DisputePolicy() dispute.Policy {
	return dispute.Policy{OpenWindow: c.Disputes.OpenWindow, SLA: c.Disputes.SLA}
}

// Logger builds the process logger. Every component derives its own
// with module and layer attributes.
func (c Config) Logger(w io.Writer) *slog.Logger {
	level, _ := parseLevel(c.Log.Level)
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.Log.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("log.level: %w", err)
	}
	return l, nil
}
