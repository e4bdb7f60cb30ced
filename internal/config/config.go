package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultConfigPath is the path to the canonical deployment defaults file.
// This is the single source of truth for all default tuning values.
const DefaultConfigPath = "config/pickpoint.defaults.json"

// RegisterMap holds the holding-register addresses for the robot controller.
// Addresses are deployment-specific and come from the controller's signal
// configuration, so there are no baked-in defaults: a zero address is only
// valid if the controller really maps that signal at zero, and Validate
// requires the map to be present in the config file.
type RegisterMap struct {
	TargetX       uint16 `json:"target_x"`
	TargetY       uint16 `json:"target_y"`
	TargetZ       uint16 `json:"target_z"`
	ActualX       uint16 `json:"actual_x"`
	ActualY       uint16 `json:"actual_y"`
	ActualZ       uint16 `json:"actual_z"`
	StatusWord    uint16 `json:"status_word"`
	ProgramNumber uint16 `json:"program_number"`
	StartProgram  uint16 `json:"start_program"`
	StopMotion    uint16 `json:"stop_motion"`
	ResetErrors   uint16 `json:"reset_errors"`
	EnableDrives  uint16 `json:"enable_drives"`
}

// Config represents the root configuration for the positioning core.
// Optional fields are pointers so that a partial JSON file can override
// only what it names; the Get* methods bake in the defaults.
type Config struct {
	// Fieldbus connection params
	RobotHost      *string `json:"robot_host,omitempty"`
	RobotPort      *int    `json:"robot_port,omitempty"`
	RobotUnitID    *int    `json:"robot_unit_id,omitempty"`
	CallTimeout    *string `json:"call_timeout,omitempty"`    // duration string like "500ms"
	ReconnectDelay *string `json:"reconnect_delay,omitempty"` // initial backoff like "250ms"
	MaxReconnects  *int    `json:"max_reconnects,omitempty"`

	// Holding-register layout (required, no defaults)
	Registers *RegisterMap `json:"registers,omitempty"`

	// Register encoding
	MetersToRegisterScale *float64 `json:"meters_to_register_scale,omitempty"` // core metres → controller units
	MoveProgramID         *int     `json:"move_program_id,omitempty"`

	// Tracker params
	SmoothingAlpha     *float64 `json:"smoothing_alpha,omitempty"`
	JumpThresholdM     *float64 `json:"jump_threshold_m,omitempty"`
	ConfirmationCount  *int     `json:"confirmation_count,omitempty"`
	JitterToleranceM   *float64 `json:"jitter_tolerance_m,omitempty"`
	StaleAfter         *string  `json:"stale_after,omitempty"` // duration string like "1s"
	JitterWindowFrames *int     `json:"jitter_window_frames,omitempty"`

	// Workspace limits
	WorkspaceMin *[3]float64 `json:"workspace_min,omitempty"` // metres, base frame
	WorkspaceMax *[3]float64 `json:"workspace_max,omitempty"`
	MaxReachM    *float64    `json:"max_reach_m,omitempty"` // from current tool position

	// Motion supervision
	AckTimeout        *string     `json:"ack_timeout,omitempty"`
	MotionTimeout     *string     `json:"motion_timeout,omitempty"`
	ArrivalToleranceM *float64    `json:"arrival_tolerance_m,omitempty"`
	HomePosition      *[3]float64 `json:"home_position,omitempty"`
	MaxVelocityMS     *float64    `json:"max_velocity_ms,omitempty"`
	MaxAccelerationMS *float64    `json:"max_acceleration_ms2,omitempty"`

	// Cadences
	PollInterval       *string `json:"poll_interval,omitempty"`       // actuation loop
	PerceptionInterval *string `json:"perception_interval,omitempty"` // detector loop

	// Perception
	TargetClass   *string  `json:"target_class,omitempty"`
	MinConfidence *float64 `json:"min_confidence,omitempty"`

	// Paths
	CalibrationPath *string `json:"calibration_path,omitempty"`
	DatabasePath    *string `json:"database_path,omitempty"`
}

// EmptyConfig returns a Config with all fields set to nil.
// Use LoadConfig to load actual values from a file.
func EmptyConfig() *Config {
	return &Config{}
}

// LoadConfig loads a Config from a JSON file.
// The file is validated to ensure it has a .json extension and is under the
// max file size. Fields omitted from the JSON file retain their default
// values, so partial configs are safe.
func LoadConfig(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Parse JSON into empty config. The Get* methods provide fallback
	// defaults for any fields not specified in the JSON.
	cfg := EmptyConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration values are valid.
func (c *Config) Validate() error {
	if c.SmoothingAlpha != nil {
		if *c.SmoothingAlpha <= 0 || *c.SmoothingAlpha > 1 {
			return fmt.Errorf("smoothing_alpha must be in (0, 1], got %f", *c.SmoothingAlpha)
		}
	}

	if c.JumpThresholdM != nil && *c.JumpThresholdM <= 0 {
		return fmt.Errorf("jump_threshold_m must be positive, got %f", *c.JumpThresholdM)
	}

	if c.ConfirmationCount != nil && *c.ConfirmationCount < 1 {
		return fmt.Errorf("confirmation_count must be at least 1, got %d", *c.ConfirmationCount)
	}

	if c.MaxReconnects != nil && *c.MaxReconnects < 0 {
		return fmt.Errorf("max_reconnects must be non-negative, got %d", *c.MaxReconnects)
	}

	if c.MetersToRegisterScale != nil && *c.MetersToRegisterScale == 0 {
		return fmt.Errorf("meters_to_register_scale must be non-zero")
	}

	if c.MaxVelocityMS != nil && *c.MaxVelocityMS <= 0 {
		return fmt.Errorf("max_velocity_ms must be positive, got %f", *c.MaxVelocityMS)
	}
	if c.MaxAccelerationMS != nil && *c.MaxAccelerationMS <= 0 {
		return fmt.Errorf("max_acceleration_ms2 must be positive, got %f", *c.MaxAccelerationMS)
	}

	if c.WorkspaceMin != nil && c.WorkspaceMax != nil {
		for i := 0; i < 3; i++ {
			if c.WorkspaceMin[i] > c.WorkspaceMax[i] {
				return fmt.Errorf("workspace_min[%d] (%f) exceeds workspace_max[%d] (%f)",
					i, c.WorkspaceMin[i], i, c.WorkspaceMax[i])
			}
		}
	}

	// Validate all duration strings up front so a bad config fails at load,
	// not mid-motion.
	for name, v := range map[string]*string{
		"call_timeout":        c.CallTimeout,
		"reconnect_delay":     c.ReconnectDelay,
		"stale_after":         c.StaleAfter,
		"ack_timeout":         c.AckTimeout,
		"motion_timeout":      c.MotionTimeout,
		"poll_interval":       c.PollInterval,
		"perception_interval": c.PerceptionInterval,
	} {
		if v != nil && *v != "" {
			if _, err := time.ParseDuration(*v); err != nil {
				return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
			}
		}
	}

	return nil
}

// RequireRegisters returns the register map or an error if the config file
// did not supply one. Register addresses have no safe defaults.
func (c *Config) RequireRegisters() (RegisterMap, error) {
	if c.Registers == nil {
		return RegisterMap{}, fmt.Errorf("config is missing required 'registers' section")
	}
	return *c.Registers, nil
}

func (c *Config) parseDuration(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def // default on parse error
	}
	return d
}

// GetRobotHost returns the robot controller host or the default.
func (c *Config) GetRobotHost() string {
	if c.RobotHost == nil {
		return "127.0.0.1" // default
	}
	return *c.RobotHost
}

// GetRobotPort returns the Modbus/TCP port or the default.
func (c *Config) GetRobotPort() int {
	if c.RobotPort == nil {
		return 502 // default
	}
	return *c.RobotPort
}

// GetRobotUnitID returns the Modbus unit identifier or the default.
func (c *Config) GetRobotUnitID() int {
	if c.RobotUnitID == nil {
		return 1 // default
	}
	return *c.RobotUnitID
}

// GetCallTimeout returns the per-call protocol timeout.
func (c *Config) GetCallTimeout() time.Duration {
	return c.parseDuration(c.CallTimeout, 500*time.Millisecond)
}

// GetReconnectDelay returns the initial reconnect backoff delay.
func (c *Config) GetReconnectDelay() time.Duration {
	return c.parseDuration(c.ReconnectDelay, 250*time.Millisecond)
}

// GetMaxReconnects returns the bounded reconnect attempt count.
func (c *Config) GetMaxReconnects() int {
	if c.MaxReconnects == nil {
		return 3 // default
	}
	return *c.MaxReconnects
}

// GetMetersToRegisterScale returns the core-metres to controller-units scale.
func (c *Config) GetMetersToRegisterScale() float64 {
	if c.MetersToRegisterScale == nil {
		return 1000.0 // default: controller speaks millimetres
	}
	return *c.MetersToRegisterScale
}

// GetMoveProgramID returns the controller program triggered for a linear move.
func (c *Config) GetMoveProgramID() int {
	if c.MoveProgramID == nil {
		return 1 // default: program 1 is the linear move on the RCS
	}
	return *c.MoveProgramID
}

// GetSmoothingAlpha returns the tracker's exponential smoothing factor.
func (c *Config) GetSmoothingAlpha() float64 {
	if c.SmoothingAlpha == nil {
		return 0.3 // default
	}
	return *c.SmoothingAlpha
}

// GetJumpThresholdM returns the displacement above which a candidate is
// treated as a new object rather than filtered in.
func (c *Config) GetJumpThresholdM() float64 {
	if c.JumpThresholdM == nil {
		return 0.10 // default: 10cm
	}
	return *c.JumpThresholdM
}

// GetConfirmationCount returns the consecutive confirmations needed for
// a target to become stable.
func (c *Config) GetConfirmationCount() int {
	if c.ConfirmationCount == nil {
		return 5 // default
	}
	return *c.ConfirmationCount
}

// GetJitterToleranceM returns the recent-position RMS deviation limit.
func (c *Config) GetJitterToleranceM() float64 {
	if c.JitterToleranceM == nil {
		return 0.005 // default: 5mm
	}
	return *c.JitterToleranceM
}

// GetStaleAfter returns the no-candidate timeout after which a tracked
// target is discarded.
func (c *Config) GetStaleAfter() time.Duration {
	return c.parseDuration(c.StaleAfter, time.Second)
}

// GetJitterWindowFrames returns how many recent candidates feed the
// jitter estimate.
func (c *Config) GetJitterWindowFrames() int {
	if c.JitterWindowFrames == nil {
		return 8 // default
	}
	return *c.JitterWindowFrames
}

// GetWorkspaceMin returns the lower corner of the reachable workspace box.
func (c *Config) GetWorkspaceMin() [3]float64 {
	if c.WorkspaceMin == nil {
		return [3]float64{-0.8, -0.8, 0.0} // default
	}
	return *c.WorkspaceMin
}

// GetWorkspaceMax returns the upper corner of the reachable workspace box.
func (c *Config) GetWorkspaceMax() [3]float64 {
	if c.WorkspaceMax == nil {
		return [3]float64{0.8, 0.8, 1.2} // default
	}
	return *c.WorkspaceMax
}

// GetMaxReachM returns the maximum commanded displacement from the current
// tool position.
func (c *Config) GetMaxReachM() float64 {
	if c.MaxReachM == nil {
		return 1.5 // default
	}
	return *c.MaxReachM
}

// GetAckTimeout returns how long to wait for the controller to accept a
// command before the motion is failed.
func (c *Config) GetAckTimeout() time.Duration {
	return c.parseDuration(c.AckTimeout, 2*time.Second)
}

// GetMotionTimeout returns the maximum supervised motion duration.
func (c *Config) GetMotionTimeout() time.Duration {
	return c.parseDuration(c.MotionTimeout, 30*time.Second)
}

// GetArrivalToleranceM returns the commanded-vs-reported pose tolerance for
// declaring arrival.
func (c *Config) GetArrivalToleranceM() float64 {
	if c.ArrivalToleranceM == nil {
		return 0.002 // default: 2mm
	}
	return *c.ArrivalToleranceM
}

// GetMaxVelocityMS returns the velocity limit handed to the controller.
func (c *Config) GetMaxVelocityMS() float64 {
	if c.MaxVelocityMS == nil {
		return 0.25 // default: conservative m/s
	}
	return *c.MaxVelocityMS
}

// GetMaxAccelerationMS returns the acceleration limit handed to the controller.
func (c *Config) GetMaxAccelerationMS() float64 {
	if c.MaxAccelerationMS == nil {
		return 0.5 // default m/s²
	}
	return *c.MaxAccelerationMS
}

// GetHomePosition returns the configured home pose in base-frame metres.
func (c *Config) GetHomePosition() [3]float64 {
	if c.HomePosition == nil {
		return [3]float64{0.3, 0.0, 0.4} // default
	}
	return *c.HomePosition
}

// GetPollInterval returns the actuation loop cadence.
func (c *Config) GetPollInterval() time.Duration {
	return c.parseDuration(c.PollInterval, 100*time.Millisecond)
}

// GetPerceptionInterval returns the detector loop cadence.
func (c *Config) GetPerceptionInterval() time.Duration {
	return c.parseDuration(c.PerceptionInterval, 50*time.Millisecond)
}

// GetTargetClass returns the detector class label driven to.
func (c *Config) GetTargetClass() string {
	if c.TargetClass == nil {
		return "workpiece" // default
	}
	return *c.TargetClass
}

// GetMinConfidence returns the minimum detection confidence considered.
func (c *Config) GetMinConfidence() float64 {
	if c.MinConfidence == nil {
		return 0.5 // default
	}
	return *c.MinConfidence
}

// GetCalibrationPath returns the calibration file path.
func (c *Config) GetCalibrationPath() string {
	if c.CalibrationPath == nil {
		return "config/calibration.json" // default
	}
	return *c.CalibrationPath
}

// GetDatabasePath returns the motion history database path.
func (c *Config) GetDatabasePath() string {
	if c.DatabasePath == nil {
		return "pickpoint.db" // default
	}
	return *c.DatabasePath
}
