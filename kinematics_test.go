package roverarm

import (
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/spatialmath"
)

func newTestSolver(t *testing.T) (*Solver, *ArmState) {
	t.Helper()
	state := newTestState(t)
	solver := NewSolver(logging.NewTestLogger(t), NewSphereChecker(state.Geometry()))
	solver.FK(state)
	return solver, state
}

func TestFK(t *testing.T) {
	solver, state := newTestSolver(t)

	t.Run("home end effector position", func(t *testing.T) {
		pt := state.EndEffectorTransform().Point()
		assert.InDelta(t, 1.03, pt.X, 1e-9)
		assert.InDelta(t, 0.0, pt.Y, 1e-9)
		assert.InDelta(t, 0.144, pt.Z, 1e-9)
	})

	t.Run("deterministic for equal inputs", func(t *testing.T) {
		state.SetJointAngles([]float64{0.3, -0.2, 0.5, 0.1, -0.4, 0.2})
		solver.FK(state)
		first := state.EndEffectorTransform().Point()

		other := state.Clone()
		solver.FK(other)
		second := other.EndEffectorTransform().Point()
		assert.Equal(t, first, second)
	})

	t.Run("base rotation moves the end effector", func(t *testing.T) {
		state.SetMeasuredAngles([]float64{math.Pi / 2, 0, 0, 0, 0, 0})
		solver.FK(state)
		pt := state.EndEffectorTransform().Point()
		assert.InDelta(t, 0.0, pt.X, 1e-9)
		assert.InDelta(t, 1.03, pt.Y, 1e-9)
		assert.InDelta(t, 0.144, pt.Z, 1e-9)
	})
}

func TestIK(t *testing.T) {
	t.Run("converges to a reachable position", func(t *testing.T) {
		solver, state := newTestSolver(t)

		// Derive the target from FK of a known reachable configuration.
		ref := state.Clone()
		ref.SetMeasuredAngles([]float64{0.2, 0.3, -0.4, 0, 0.2, 0})
		solver.FK(ref)
		goal := spatialmath.NewPoseFromPoint(ref.EndEffectorTransform().Point())

		angles, ok := solver.IK(state, goal, false, false)
		for attempt := 0; attempt < ikRetryAttempts && !ok; attempt++ {
			angles, ok = solver.IK(state, goal, true, false)
		}
		if !ok {
			t.Fatal("IK failed to converge on a reachable target")
		}

		check := state.Clone()
		check.SetMeasuredAngles(angles)
		solver.FK(check)
		dist := check.EndEffectorTransform().Point().Sub(goal.Point()).Norm()
		assert.LessOrEqual(t, dist, posThreshold)
	})

	t.Run("near target takes the low movement path", func(t *testing.T) {
		solver, state := newTestSolver(t)
		goal := spatialmath.NewPoseFromPoint(state.EndEffectorTransform().Point())

		_, ok := solver.IK(state, goal, false, false)
		if !ok {
			t.Fatal("IK failed on an already-satisfied target")
		}
		if solver.NumIterations() > lowMovementIterations {
			t.Errorf("took %d iterations, low movement cap is %d",
				solver.NumIterations(), lowMovementIterations)
		}
	})

	t.Run("unreachable target reports failure", func(t *testing.T) {
		solver, state := newTestSolver(t)
		goal := spatialmath.NewPoseFromPoint(r3.Vector{X: 10})

		if _, ok := solver.IK(state, goal, false, false); ok {
			t.Error("IK claimed convergence on a target beyond reach")
		}
	})

	t.Run("locked joints are held", func(t *testing.T) {
		solver, state := newTestSolver(t)
		state.SetLocked(0, true)

		ref := state.Clone()
		ref.SetMeasuredAngles([]float64{0, 0.3, -0.4, 0, 0.2, 0})
		solver.FK(ref)
		goal := spatialmath.NewPoseFromPoint(ref.EndEffectorTransform().Point())

		angles, ok := solver.IK(state, goal, false, false)
		for attempt := 0; attempt < ikRetryAttempts && !ok; attempt++ {
			angles, ok = solver.IK(state, goal, true, false)
		}
		if !ok {
			t.Fatal("IK failed with one joint locked")
		}
		if angles[0] != 0 {
			t.Errorf("locked joint moved to %f", angles[0])
		}
	})
}

func TestIsSafe(t *testing.T) {
	solver, state := newTestSolver(t)

	t.Run("home is safe", func(t *testing.T) {
		if !solver.IsSafe(state, state.JointAngles()) {
			t.Error("home configuration reported unsafe")
		}
	})

	t.Run("limit boundary is inclusive", func(t *testing.T) {
		angles := state.JointAngles()
		angles[0] = state.Limits(0).Max
		if !solver.IsSafe(state, angles) {
			t.Error("boundary configuration reported unsafe")
		}
	})

	t.Run("beyond limit is unsafe", func(t *testing.T) {
		angles := state.JointAngles()
		angles[0] = state.Limits(0).Max + 0.01
		if solver.IsSafe(state, angles) {
			t.Error("out-of-limit configuration reported safe")
		}
	})

	t.Run("locked joint beyond limit is tolerated", func(t *testing.T) {
		work := state.Clone()
		work.SetLocked(0, true)
		angles := work.JointAngles()
		angles[0] = work.Limits(0).Max + 0.01
		if !solver.IsSafe(work, angles) {
			t.Error("locked joint position should not fail the limit check")
		}
	})
}
