package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/shift-engine/dispute"
	"github.com/warp/shift-engine/escrow"
	"github.com/warp/shift-engine/pricing"
	"github.com/warp/shift-engine/shift"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "shift-engine.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaults_MatchComponentDefaults(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, escrow.DefaultConfig(), cfg.EscrowConfig())
	assert.Equal(t, dispute.DefaultPolicy(), cfg.DisputePolicy())

	sp, want := cfg.ShiftPolicy(), shift.DefaultPolicy()
	assert.Equal(t, want.AckWindow, sp.AckWindow)
	assert.Equal(t, want.ReleaseDelay, sp.ReleaseDelay)
	assert.True(t, want.LateCancelPenaltyRate.Equal(sp.LateCancelPenaltyRate))
	assert.True(t, want.NoShowCompensationRate.Equal(sp.NoShowCompensationRate))

	pc, wantPC := cfg.PricingConfig(), pricing.DefaultConfig()
	assert.True(t, wantPC.PlatformFeeRate.Equal(pc.PlatformFeeRate))
	assert.True(t, wantPC.HolidaySurge.Equal(pc.HolidaySurge))
	assert.Equal(t, wantPC.NightStart, pc.NightStart)
}

func TestLoad_FileOverridesOnlyPresentKeys(t *testing.T) {
	// GIVEN a file that sets a handful of keys
	path := writeFile(t, `
server:
  port: 9090
sweep:
  interval: 30s
shift:
  release_delay: 2h
pricing:
  platform_fee_rate: 0.3
disputes:
  sla: [12h, 24h]
`)

	// WHEN loading it
	cfg, err := Load(path)
	require.NoError(t, err)

	// THEN those keys change and the rest keep their defaults
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Sweep.Interval)
	assert.Equal(t, 2*time.Hour, cfg.ShiftPolicy().ReleaseDelay)
	assert.Equal(t, 6*time.Hour, cfg.ShiftPolicy().AckWindow)
	assert.True(t, decimal.RequireFromString("0.3").Equal(cfg.PricingConfig().PlatformFeeRate))
	assert.Equal(t, []time.Duration{12 * time.Hour, 24 * time.Hour}, cfg.DisputePolicy().SLA)
	assert.Equal(t, "shift-engine.db", cfg.Database.Path)
}

func TestLoad_EnvWinsOverFile(t *testing.T) {
	path := writeFile(t, "server:\n  port: 9090\n")
	t.Setenv("SHIFT_ENGINE_PORT", "7070")
	t.Setenv("SHIFT_ENGINE_KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("SHIFT_ENGINE_SWEEP_ENABLED", "false")
	t.Setenv("SHIFT_ENGINE_LATE_CANCEL_PENALTY_RATE", "0.4")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.True(t, cfg.Kafka.Enabled())
	assert.False(t, cfg.Sweep.Enabled)
	assert.True(t, decimal.RequireFromString("0.4").Equal(cfg.ShiftPolicy().LateCancelPenaltyRate))
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name string
		file string
		env  map[string]string
	}{
		{name: "bad yaml", file: "server: [port"},
		{name: "port out of range", file: "server:\n  port: 70000\n"},
		{name: "penalty rate above one", file: "shift:\n  late_cancel_penalty_rate: 1.5\n"},
		{name: "notice tiers inverted", file: "shift:\n  late_cancel_notice: 96h\n"},
		{name: "fee rate invalid", file: "pricing:\n  platform_fee_rate: 1\n"},
		{name: "no sla levels", file: "disputes:\n  sla: []\n"},
		{name: "unknown log level", file: "log:\n  level: loud\n"},
		{name: "bad env int", env: map[string]string{"SHIFT_ENGINE_PORT": "eighty"}},
		{name: "bad env duration", env: map[string]string{"SHIFT_ENGINE_SWEEP_INTERVAL": "often"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			path := ""
			if tt.file != "" {
				path = writeFile(t, tt.file)
			}
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoad_ShippedSample(t *testing.T) {
	cfg, err := Load("shift-engine.yaml")
	require.NoError(t, err)
	assert.Equal(t, []string{"http://localhost:3000"}, cfg.Server.CORSOrigins)
	assert.False(t, cfg.Kafka.Enabled())
	assert.Equal(t, 200*time.Millisecond, cfg.EscrowConfig().ProviderBackoff)
}
