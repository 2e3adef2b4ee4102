package roverarm

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
)

// Config configures one arm motion-control core.
type Config struct {
	// Serial communication settings for the servo bus; empty port means no
	// hardware is attached and the core starts in simulation.
	Port     string        `json:"port,omitempty"`
	Baudrate int           `json:"baudrate,omitempty"`
	Timeout  time.Duration `json:"timeout,omitempty"`
	ServoIDs []int         `json:"servo_ids,omitempty"`

	// Kinematic chain description; empty uses the embedded geometry.
	GeometryFile string `json:"geometry_file,omitempty"`

	// Start in simulation even when a port is configured.
	SimulationMode bool `json:"simulation_mode,omitempty"`

	// Encoder fault detection tuning.
	EncoderErrorThresholds []float64 `json:"encoder_error_thresholds,omitempty"`
	DudEncoderValues       []float64 `json:"dud_encoder_values,omitempty"`

	// Control loop timing.
	LoopInterval    time.Duration `json:"loop_interval,omitempty"`
	IdleInterval    time.Duration `json:"idle_interval,omitempty"`
	PreviewSteps    int           `json:"preview_steps,omitempty"`
	PreviewInterval time.Duration `json:"preview_interval,omitempty"`

	// Internal logger (not from JSON)
	Logger logging.Logger `json:"-"`
}

// Validate ensures all parts of the config are valid and applies defaults.
func (cfg *Config) Validate(path string) ([]string, []string, error) {
	if cfg.Port == "" {
		cfg.SimulationMode = true
	}
	if cfg.Baudrate == 0 {
		cfg.Baudrate = 1000000
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	if len(cfg.ServoIDs) == 0 {
		cfg.ServoIDs = []int{1, 2, 3, 4, 5, 6}
	}
	if len(cfg.ServoIDs) != NumJoints {
		return nil, nil, errors.Errorf("expected %d servo IDs, got %d", NumJoints, len(cfg.ServoIDs))
	}
	if len(cfg.EncoderErrorThresholds) > NumJoints {
		return nil, nil, errors.Errorf("at most %d encoder error thresholds allowed, got %d",
			NumJoints, len(cfg.EncoderErrorThresholds))
	}
	for i, th := range cfg.EncoderErrorThresholds {
		if th < 0 {
			return nil, nil, errors.Errorf("encoder error threshold %d must be non-negative, got %f", i, th)
		}
	}
	if cfg.LoopInterval == 0 {
		cfg.LoopInterval = 50 * time.Millisecond
	}
	if cfg.IdleInterval == 0 {
		cfg.IdleInterval = 200 * time.Millisecond
	}
	if cfg.PreviewSteps == 0 {
		cfg.PreviewSteps = 50
	}
	if cfg.PreviewInterval == 0 {
		cfg.PreviewInterval = 30 * time.Millisecond
	}
	return nil, nil, nil
}

// LoadGeometry resolves the chain description: the configured file when one
// is set, the embedded default otherwise. A configured but unreadable or
// malformed file is fatal; geometry errors must not be deferred to runtime.
func (cfg *Config) LoadGeometry(logger logging.Logger) (*Geometry, bool, error) {
	if cfg.GeometryFile == "" {
		geom, err := DefaultGeometry()
		return geom, false, err
	}
	data, err := os.ReadFile(cfg.GeometryFile)
	if err != nil {
		return nil, false, errors.Wrapf(err, "failed to read geometry file %s", cfg.GeometryFile)
	}
	geom, err := ParseGeometry(data)
	if err != nil {
		return nil, false, errors.Wrapf(err, "invalid geometry file %s", cfg.GeometryFile)
	}
	logger.Infof("Loaded arm geometry %q from %s", geom.Name, cfg.GeometryFile)
	return geom, true, nil
}
