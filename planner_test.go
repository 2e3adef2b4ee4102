package roverarm

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.viam.com/rdk/logging"
)

func newTestPlanner(t *testing.T) (*MotionPlanner, *ArmState) {
	t.Helper()
	solver, state := newTestSolver(t)
	return NewMotionPlanner(solver, logging.NewTestLogger(t)), state
}

func TestPlan(t *testing.T) {
	t.Run("clear path hits its endpoints", func(t *testing.T) {
		planner, state := newTestPlanner(t)
		goal := []float64{0.3, 0.2, -0.2, 0.1, 0, 0}

		traj, found := planner.Plan(state, goal)
		if !found {
			t.Fatal("failed to plan a clear straight path")
		}

		start := traj.Position(0)
		end := traj.Position(1)
		for i := 0; i < NumJoints; i++ {
			assert.InDelta(t, 0, start[i], 1e-8, "start joint %d", i)
			assert.InDelta(t, goal[i], end[i], 1e-8, "end joint %d", i)
		}
	})

	t.Run("out of limit goal fails", func(t *testing.T) {
		planner, state := newTestPlanner(t)
		goal := []float64{3.0, 0, 0, 0, 0, 0}

		if _, found := planner.Plan(state, goal); found {
			t.Error("planner accepted a goal beyond joint limits")
		}
	})

	t.Run("zero length path is valid", func(t *testing.T) {
		planner, state := newTestPlanner(t)

		traj, found := planner.Plan(state, state.JointAngles())
		if !found {
			t.Fatal("failed to plan a zero-length path")
		}
		for _, v := range traj.Position(0.5) {
			assert.InDelta(t, 0, v, 1e-8)
		}
	})

	t.Run("locked joints hold their angle along the path", func(t *testing.T) {
		planner, state := newTestPlanner(t)
		state.SetMeasuredAngles([]float64{0, 0.4, 0, 0, 0, 0})
		state.SetLocked(1, true)
		goal := []float64{0.3, -1.0, -0.2, 0, 0, 0}

		traj, found := planner.Plan(state, goal)
		if !found {
			t.Fatal("failed to plan with a locked joint")
		}
		for _, node := range traj.Path() {
			if math.Abs(node[1]-0.4) > 1e-9 {
				t.Fatalf("locked joint drifted to %f", node[1])
			}
		}
	})

	t.Run("live state is untouched", func(t *testing.T) {
		planner, state := newTestPlanner(t)
		before := state.JointAngles()

		if _, found := planner.Plan(state, []float64{0.3, 0.2, -0.2, 0.1, 0, 0}); !found {
			t.Fatal("failed to plan")
		}
		assert.Equal(t, before, state.JointAngles())
	})
}

func TestTrajectoryPosition(t *testing.T) {
	traj, err := newTrajectory([][]float64{
		{0, 0, 0, 0, 0, 0},
		{0.2, 0.1, -0.1, 0, 0.05, 0},
		{0.4, 0.2, -0.2, 0, 0.1, 0},
	})
	if err != nil {
		t.Fatal(err)
	}

	t.Run("interpolates through waypoints", func(t *testing.T) {
		mid := traj.Position(0.5)
		assert.InDelta(t, 0.2, mid[0], 1e-8)
		assert.InDelta(t, -0.1, mid[2], 1e-8)
	})

	t.Run("clamps progress outside the unit interval", func(t *testing.T) {
		assert.Equal(t, traj.Position(1), traj.Position(1.5))
		assert.Equal(t, traj.Position(0), traj.Position(-0.5))
	})
}
