package roverarm

import (
	"math"
	"testing"

	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/spatialmath"
)

func TestParseGeometry(t *testing.T) {
	t.Run("embedded default is valid", func(t *testing.T) {
		geom, err := DefaultGeometry()
		if err != nil {
			t.Fatalf("failed to parse embedded geometry: %v", err)
		}
		if len(geom.Joints) != NumJoints {
			t.Errorf("expected %d joints, got %d", NumJoints, len(geom.Joints))
		}
		for _, j := range geom.Joints {
			if math.Abs(j.Axis().Norm()-1) > 1e-9 {
				t.Errorf("joint %q axis not normalized", j.Name)
			}
			if j.EncoderMultiplier == 0 {
				t.Errorf("joint %q multiplier not defaulted", j.Name)
			}
		}
	})

	t.Run("rejects wrong joint count", func(t *testing.T) {
		if _, err := ParseGeometry([]byte(`{"name":"x","joints":[]}`)); err == nil {
			t.Error("expected error for empty joint list")
		}
	})

	t.Run("rejects zero axis", func(t *testing.T) {
		data := []byte(`{"name":"x","joints":[
			{"name":"a","axis":{"x":0,"y":0,"z":0},"min":-1,"max":1,"max_speed":1},
			{"name":"b","axis":{"z":1},"min":-1,"max":1,"max_speed":1},
			{"name":"c","axis":{"z":1},"min":-1,"max":1,"max_speed":1},
			{"name":"d","axis":{"z":1},"min":-1,"max":1,"max_speed":1},
			{"name":"e","axis":{"z":1},"min":-1,"max":1,"max_speed":1},
			{"name":"f","axis":{"z":1},"min":-1,"max":1,"max_speed":1}]}`)
		if _, err := ParseGeometry(data); err == nil {
			t.Error("expected error for zero axis")
		}
	})

	t.Run("rejects inverted limits", func(t *testing.T) {
		data := []byte(`{"name":"x","joints":[
			{"name":"a","axis":{"z":1},"min":1,"max":-1,"max_speed":1},
			{"name":"b","axis":{"z":1},"min":-1,"max":1,"max_speed":1},
			{"name":"c","axis":{"z":1},"min":-1,"max":1,"max_speed":1},
			{"name":"d","axis":{"z":1},"min":-1,"max":1,"max_speed":1},
			{"name":"e","axis":{"z":1},"min":-1,"max":1,"max_speed":1},
			{"name":"f","axis":{"z":1},"min":-1,"max":1,"max_speed":1}]}`)
		if _, err := ParseGeometry(data); err == nil {
			t.Error("expected error for min >= max")
		}
	})
}

func TestSphereChecker(t *testing.T) {
	geom, err := DefaultGeometry()
	if err != nil {
		t.Fatal(err)
	}
	checker := NewSphereChecker(geom)

	t.Run("coincident links collide", func(t *testing.T) {
		transforms := make([]spatialmath.Pose, NumJoints)
		for i := range transforms {
			transforms[i] = spatialmath.NewZeroPose()
		}
		if !checker.Collides(transforms) {
			t.Error("expected collision when all link centers coincide")
		}
	})

	t.Run("home configuration is clear", func(t *testing.T) {
		state, err := NewArmState(geom)
		if err != nil {
			t.Fatal(err)
		}
		solver := NewSolver(logging.NewTestLogger(t), nil)
		solver.FK(state)
		if checker.Collides(state.Transforms()) {
			t.Error("expected no collision at home configuration")
		}
	})
}
