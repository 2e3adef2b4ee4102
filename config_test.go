package roverarm

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.viam.com/rdk/logging"
)

func TestConfigValidate(t *testing.T) {
	t.Run("applies defaults", func(t *testing.T) {
		cfg := &Config{}
		if _, _, err := cfg.Validate(""); err != nil {
			t.Fatalf("validate failed: %v", err)
		}
		if !cfg.SimulationMode {
			t.Error("expected simulation forced on when no port is configured")
		}
		if cfg.Baudrate != 1000000 {
			t.Errorf("unexpected default baudrate %d", cfg.Baudrate)
		}
		if cfg.Timeout != 5*time.Second {
			t.Errorf("unexpected default timeout %v", cfg.Timeout)
		}
		if len(cfg.ServoIDs) != NumJoints {
			t.Errorf("unexpected default servo IDs %v", cfg.ServoIDs)
		}
		if cfg.LoopInterval != 50*time.Millisecond {
			t.Errorf("unexpected default loop interval %v", cfg.LoopInterval)
		}
		if cfg.PreviewSteps != 50 || cfg.PreviewInterval != 30*time.Millisecond {
			t.Errorf("unexpected preview defaults %d/%v", cfg.PreviewSteps, cfg.PreviewInterval)
		}
	})

	t.Run("hardware port keeps simulation off", func(t *testing.T) {
		cfg := &Config{Port: "/dev/ttyUSB0"}
		if _, _, err := cfg.Validate(""); err != nil {
			t.Fatalf("validate failed: %v", err)
		}
		if cfg.SimulationMode {
			t.Error("simulation forced on despite a configured port")
		}
	})

	t.Run("rejects wrong servo ID count", func(t *testing.T) {
		cfg := &Config{ServoIDs: []int{1, 2, 3}}
		if _, _, err := cfg.Validate(""); err == nil {
			t.Error("expected error for wrong servo ID count")
		}
	})

	t.Run("rejects negative encoder thresholds", func(t *testing.T) {
		cfg := &Config{EncoderErrorThresholds: []float64{0.3, -0.1}}
		if _, _, err := cfg.Validate(""); err == nil {
			t.Error("expected error for negative threshold")
		}
	})
}

func TestLoadGeometry(t *testing.T) {
	logger := logging.NewTestLogger(t)

	t.Run("falls back to embedded geometry", func(t *testing.T) {
		cfg := &Config{}
		geom, fromFile, err := cfg.LoadGeometry(logger)
		if err != nil {
			t.Fatalf("failed to load embedded geometry: %v", err)
		}
		if fromFile {
			t.Error("expected fromFile=false without a configured file")
		}
		if len(geom.Joints) != NumJoints {
			t.Errorf("unexpected joint count %d", len(geom.Joints))
		}
	})

	t.Run("configured file is loaded", func(t *testing.T) {
		tmp := filepath.Join(t.TempDir(), "geom.json")
		if err := os.WriteFile(tmp, defaultGeometryJSON, 0o600); err != nil {
			t.Fatal(err)
		}
		cfg := &Config{GeometryFile: tmp}
		_, fromFile, err := cfg.LoadGeometry(logger)
		if err != nil {
			t.Fatalf("failed to load geometry file: %v", err)
		}
		if !fromFile {
			t.Error("expected fromFile=true for a configured file")
		}
	})

	t.Run("missing configured file is fatal", func(t *testing.T) {
		cfg := &Config{GeometryFile: "/nonexistent/geom.json"}
		if _, _, err := cfg.LoadGeometry(logger); err == nil {
			t.Error("expected error for a missing geometry file")
		}
	})

	t.Run("malformed configured file is fatal", func(t *testing.T) {
		tmp := filepath.Join(t.TempDir(), "geom.json")
		if err := os.WriteFile(tmp, []byte("{"), 0o600); err != nil {
			t.Fatal(err)
		}
		cfg := &Config{GeometryFile: tmp}
		if _, _, err := cfg.LoadGeometry(logger); err == nil {
			t.Error("expected error for a malformed geometry file")
		}
	})
}
