package roverarm

import (
	"math"
	"math/rand"

	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/referenceframe"
	"gonum.org/v1/gonum/interp"
)

const (
	// Bidirectional tree-search budget; exhausting it is a recoverable
	// "no path" outcome, not an error.
	rrtMaxIterations = 1000

	// Maximum joint-space extension per tree step and the distance at which
	// the two trees are considered connected, both in rad (L2 over joints).
	rrtStepSize         = 0.3
	rrtConnectThreshold = 0.3

	// Probability of sampling the goal configuration instead of a uniform
	// random one, biasing growth toward a connection.
	rrtGoalBias = 0.1

	// Joint-space distance between safety checks when validating a segment.
	segmentCheckResolution = 0.05
)

// Trajectory is a planned joint-space path with a continuous spline
// parameterization over t in [0, 1]. Produced once per planning request and
// then read-only.
type Trajectory struct {
	path    [][]float64
	splines []*interp.NaturalCubic
}

func newTrajectory(path [][]float64) (*Trajectory, error) {
	if len(path) == 1 {
		path = append(path, append([]float64(nil), path[0]...))
	}
	xs := make([]float64, len(path))
	for i := range xs {
		xs[i] = float64(i) / float64(len(path)-1)
	}
	splines := make([]*interp.NaturalCubic, NumJoints)
	ys := make([]float64, len(path))
	for j := 0; j < NumJoints; j++ {
		for i, node := range path {
			ys[i] = node[j]
		}
		nc := &interp.NaturalCubic{}
		if err := nc.Fit(xs, append([]float64(nil), ys...)); err != nil {
			return nil, err
		}
		splines[j] = nc
	}
	return &Trajectory{path: path, splines: splines}, nil
}

// Position returns the interpolated joint-angle vector at progress t,
// clamped to [0, 1].
func (tr *Trajectory) Position(t float64) []float64 {
	t = math.Max(0, math.Min(1, t))
	out := make([]float64, NumJoints)
	for j, s := range tr.splines {
		out[j] = s.Predict(t)
	}
	return out
}

// Path returns the discrete node sequence the spline was fit through.
func (tr *Trajectory) Path() [][]float64 { return tr.path }

// MotionPlanner searches joint space for a collision-free path between a
// start state and a goal configuration, then smooths the result into a
// spline trajectory.
type MotionPlanner struct {
	solver *Solver
	logger logging.Logger
	rng    *rand.Rand
}

type rrtNode struct {
	angles []float64
	parent *rrtNode
}

// NewMotionPlanner returns a planner validating every extension through the
// given solver's safety checks.
func NewMotionPlanner(solver *Solver, logger logging.Logger) *MotionPlanner {
	//nolint:gosec
	return &MotionPlanner{
		solver: solver,
		logger: logger,
		rng:    rand.New(rand.NewSource(1)),
	}
}

// Plan searches for a collision-free joint-space path from the state's
// current configuration to the goal angles. The state is treated as
// hypothetical: callers pass a clone, never the live state. The returned flag
// is false when the goal is unsafe or the search budget is exhausted; both
// are ordinary, recoverable outcomes.
func (mp *MotionPlanner) Plan(state *ArmState, goal []float64) (*Trajectory, bool) {
	work := state.Clone()
	start := work.JointAngles()

	// Locked joints hold their current angle along the whole path.
	goal = append([]float64(nil), goal...)
	for i := 0; i < NumJoints && i < len(goal); i++ {
		if work.Locked(i) {
			goal[i] = start[i]
		}
	}

	if !mp.solver.IsSafe(work, goal) {
		mp.logger.Debug("planning goal configuration is unsafe")
		return nil, false
	}

	// Trivial case: a clear straight segment needs no tree search.
	if mp.segmentSafe(work, start, goal) {
		return mp.finishPath(work, [][]float64{start, goal})
	}

	startTree := []*rrtNode{{angles: start}}
	goalTree := []*rrtNode{{angles: goal}}
	treeA, treeB := &startTree, &goalTree
	aIsStart := true

	for i := 0; i < rrtMaxIterations; i++ {
		sample := mp.sample(work, goal)
		nearest := nearestNode(*treeA, sample)
		candidate := stepToward(nearest.angles, sample, rrtStepSize)
		if !mp.solver.IsSafe(work, candidate) || !mp.segmentSafe(work, nearest.angles, candidate) {
			treeA, treeB = treeB, treeA
			aIsStart = !aIsStart
			continue
		}
		node := &rrtNode{angles: candidate, parent: nearest}
		*treeA = append(*treeA, node)

		near := nearestNode(*treeB, candidate)
		if jointDistance(near.angles, candidate) <= rrtConnectThreshold &&
			mp.segmentSafe(work, near.angles, candidate) {
			var startSide, goalSide *rrtNode
			if aIsStart {
				startSide, goalSide = node, near
			} else {
				startSide, goalSide = near, node
			}
			return mp.finishPath(work, joinTrees(startSide, goalSide))
		}

		treeA, treeB = treeB, treeA
		aIsStart = !aIsStart
	}

	mp.logger.Debugf("tree search exhausted %d iterations without connecting", rrtMaxIterations)
	return nil, false
}

func (mp *MotionPlanner) finishPath(work *ArmState, path [][]float64) (*Trajectory, bool) {
	traj, err := newTrajectory(mp.shortcut(work, path))
	if err != nil {
		mp.logger.Errorw("failed to fit spline through planned path", "error", err)
		return nil, false
	}
	return traj, true
}

// sample draws a goal-biased random configuration within limits, holding
// locked joints at their current angle.
func (mp *MotionPlanner) sample(state *ArmState, goal []float64) []float64 {
	if mp.rng.Float64() < rrtGoalBias {
		return append([]float64(nil), goal...)
	}
	out := state.JointAngles()
	for i := 0; i < NumJoints; i++ {
		if state.Locked(i) {
			continue
		}
		lim := state.Limits(i)
		out[i] = lim.Min + mp.rng.Float64()*(lim.Max-lim.Min)
	}
	return out
}

// segmentSafe validates the straight joint-space segment between two
// configurations at a fixed resolution.
func (mp *MotionPlanner) segmentSafe(state *ArmState, from, to []float64) bool {
	dist := jointDistance(from, to)
	steps := int(math.Ceil(dist/segmentCheckResolution)) + 1
	for i := 0; i <= steps; i++ {
		frac := float64(i) / float64(steps)
		probe := make([]float64, NumJoints)
		for j := 0; j < NumJoints; j++ {
			probe[j] = from[j] + (to[j]-from[j])*frac
		}
		if !mp.solver.IsSafe(state, probe) {
			return false
		}
	}
	return true
}

// shortcut greedily removes interior nodes whose bypassing segment is safe,
// so the spline is fit through as few waypoints as the path allows.
func (mp *MotionPlanner) shortcut(state *ArmState, path [][]float64) [][]float64 {
	if len(path) <= 2 {
		return path
	}
	out := [][]float64{path[0]}
	i := 0
	for i < len(path)-1 {
		j := len(path) - 1
		for j > i+1 && !mp.segmentSafe(state, path[i], path[j]) {
			j--
		}
		out = append(out, path[j])
		i = j
	}
	return out
}

func nearestNode(tree []*rrtNode, target []float64) *rrtNode {
	best := tree[0]
	bestDist := jointDistance(best.angles, target)
	for _, n := range tree[1:] {
		if d := jointDistance(n.angles, target); d < bestDist {
			best, bestDist = n, d
		}
	}
	return best
}

// stepToward moves from one configuration toward another by at most maxStep
// in joint-space distance.
func stepToward(from, to []float64, maxStep float64) []float64 {
	dist := jointDistance(from, to)
	if dist <= maxStep {
		return append([]float64(nil), to...)
	}
	frac := maxStep / dist
	out := make([]float64, NumJoints)
	for j := 0; j < NumJoints; j++ {
		out[j] = from[j] + (to[j]-from[j])*frac
	}
	return out
}

func jointDistance(a, b []float64) float64 {
	return referenceframe.InputsL2Distance(a, b)
}

// joinTrees builds the start-to-goal node path from the two connected tree
// branches.
func joinTrees(startSide, goalSide *rrtNode) [][]float64 {
	var path [][]float64
	for n := startSide; n != nil; n = n.parent {
		path = append([][]float64{n.angles}, path...)
	}
	for n := goalSide; n != nil; n = n.parent {
		path = append(path, n.angles)
	}
	return path
}
