package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := LoadConfig(writeConfig(t, "empty.json", `{}`))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.GetRobotHost())
	assert.Equal(t, 502, cfg.GetRobotPort())
	assert.Equal(t, 1, cfg.GetRobotUnitID())
	assert.Equal(t, 500*time.Millisecond, cfg.GetCallTimeout())
	assert.Equal(t, 1000.0, cfg.GetMetersToRegisterScale())
	assert.Equal(t, 0.3, cfg.GetSmoothingAlpha())
	assert.Equal(t, 5, cfg.GetConfirmationCount())
	assert.Equal(t, 0.005, cfg.GetJitterToleranceM())
	assert.Equal(t, 0.10, cfg.GetJumpThresholdM())
	assert.Equal(t, time.Second, cfg.GetStaleAfter())
	assert.Equal(t, 2*time.Second, cfg.GetAckTimeout())
	assert.Equal(t, 30*time.Second, cfg.GetMotionTimeout())
	assert.Equal(t, 0.002, cfg.GetArrivalToleranceM())
	assert.Equal(t, 100*time.Millisecond, cfg.GetPollInterval())
	assert.Equal(t, 50*time.Millisecond, cfg.GetPerceptionInterval())
	assert.Equal(t, "workpiece", cfg.GetTargetClass())
	assert.Equal(t, 0.5, cfg.GetMinConfidence())
	assert.Equal(t, [3]float64{0.3, 0.0, 0.4}, cfg.GetHomePosition())
}

func TestLoadConfigPartialOverride(t *testing.T) {
	t.Parallel()

	cfg, err := LoadConfig(writeConfig(t, "partial.json", `{
		"robot_host": "192.168.2.40",
		"smoothing_alpha": 0.5,
		"ack_timeout": "750ms"
	}`))
	require.NoError(t, err)

	assert.Equal(t, "192.168.2.40", cfg.GetRobotHost())
	assert.Equal(t, 0.5, cfg.GetSmoothingAlpha())
	assert.Equal(t, 750*time.Millisecond, cfg.GetAckTimeout())
	// Untouched fields keep their defaults.
	assert.Equal(t, 502, cfg.GetRobotPort())
	assert.Equal(t, 5, cfg.GetConfirmationCount())
}

func TestLoadConfigRegisters(t *testing.T) {
	t.Parallel()

	cfg, err := LoadConfig(writeConfig(t, "regs.json", `{
		"registers": {
			"target_x": 200, "target_y": 202, "target_z": 204,
			"actual_x": 300, "actual_y": 302, "actual_z": 304,
			"status_word": 310, "program_number": 107,
			"start_program": 108, "stop_motion": 109,
			"reset_errors": 100, "enable_drives": 101
		}
	}`))
	require.NoError(t, err)

	regs, err := cfg.RequireRegisters()
	require.NoError(t, err)

	want := RegisterMap{
		TargetX: 200, TargetY: 202, TargetZ: 204,
		ActualX: 300, ActualY: 302, ActualZ: 304,
		StatusWord: 310, ProgramNumber: 107,
		StartProgram: 108, StopMotion: 109,
		ResetErrors: 100, EnableDrives: 101,
	}
	if diff := cmp.Diff(want, regs); diff != "" {
		t.Errorf("register map mismatch (-want +got):\n%s", diff)
	}
}

func TestRequireRegistersMissing(t *testing.T) {
	t.Parallel()

	cfg, err := LoadConfig(writeConfig(t, "noregs.json", `{}`))
	require.NoError(t, err)
	_, err = cfg.RequireRegisters()
	assert.Error(t, err, "register addresses have no safe defaults")
}

func TestLoadConfigErrors(t *testing.T) {
	t.Parallel()

	t.Run("wrong extension", func(t *testing.T) {
		t.Parallel()
		_, err := LoadConfig(writeConfig(t, "config.yaml", `{}`))
		assert.Error(t, err)
	})

	t.Run("missing file", func(t *testing.T) {
		t.Parallel()
		_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.json"))
		assert.Error(t, err)
	})

	t.Run("malformed json", func(t *testing.T) {
		t.Parallel()
		_, err := LoadConfig(writeConfig(t, "bad.json", `{not json`))
		assert.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	t.Parallel()

	ptrF := func(v float64) *float64 { return &v }
	ptrI := func(v int) *int { return &v }
	ptrS := func(v string) *string { return &v }

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"empty is valid", func(c *Config) {}, false},
		{"alpha zero", func(c *Config) { c.SmoothingAlpha = ptrF(0) }, true},
		{"alpha above one", func(c *Config) { c.SmoothingAlpha = ptrF(1.5) }, true},
		{"alpha one", func(c *Config) { c.SmoothingAlpha = ptrF(1) }, false},
		{"negative jump threshold", func(c *Config) { c.JumpThresholdM = ptrF(-0.1) }, true},
		{"zero confirmation count", func(c *Config) { c.ConfirmationCount = ptrI(0) }, true},
		{"negative reconnects", func(c *Config) { c.MaxReconnects = ptrI(-1) }, true},
		{"zero scale", func(c *Config) { c.MetersToRegisterScale = ptrF(0) }, true},
		{"zero max velocity", func(c *Config) { c.MaxVelocityMS = ptrF(0) }, true},
		{"negative max acceleration", func(c *Config) { c.MaxAccelerationMS = ptrF(-1) }, true},
		{"inverted workspace", func(c *Config) {
			c.WorkspaceMin = &[3]float64{1, 0, 0}
			c.WorkspaceMax = &[3]float64{0, 1, 1}
		}, true},
		{"bad duration", func(c *Config) { c.MotionTimeout = ptrS("thirty seconds") }, true},
		{"good duration", func(c *Config) { c.MotionTimeout = ptrS("30s") }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := EmptyConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

// TestShippedDefaultsFile keeps the committed defaults loadable.
func TestShippedDefaultsFile(t *testing.T) {
	t.Parallel()

	cfg, err := LoadConfig("../../" + DefaultConfigPath)
	require.NoError(t, err)
	_, err = cfg.RequireRegisters()
	assert.NoError(t, err, "the shipped defaults must carry a register map")
}
