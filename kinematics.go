package roverarm

import (
	"math/rand"

	"github.com/golang/geo/r3"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/spatialmath"
	"gonum.org/v1/gonum/mat"
)

// Tunable solver parameters. The numeric-Jacobian approach trades computation
// for generality: no closed-form inverse needs deriving when the chain
// geometry changes.
const (
	// maxIterations bounds a full IK search; lowMovementIterations bounds the
	// fast path taken when the seed is already near the target.
	maxIterations         = 500
	lowMovementIterations = 10

	// Acceptable distance from a solution to the target.
	posThreshold   = 0.05 // m
	angleThreshold = 0.02 // rad

	// Initial error below which the low-movement iteration cap applies.
	lowMovementPosThreshold   = 0.1  // m
	lowMovementAngleThreshold = 0.05 // rad

	// Fraction of the remaining positional/angular error to attempt per step.
	positionStepRatio = 0.1
	angleStepRatio    = 0.24

	// Finite-difference perturbation for the numeric Jacobian.
	deltaTheta = 1e-4

	// Damping for the least-squares pseudo-inverse, keeps steps bounded near
	// singular configurations.
	dlsDamping = 0.05

	// Depth of the pre-step snapshot stack used for rollback.
	backupDepth = 32
)

// Solver is the numerical kinematics engine: forward kinematics, iterative
// inverse kinematics with rollback, and configuration safety checking.
// A Solver holds per-invocation search state and is not safe for concurrent
// use; the controller owns one and runs it on cloned states.
type Solver struct {
	logger     logging.Logger
	collisions CollisionChecker
	rng        *rand.Rand

	numIterations int
	backups       [][]float64
}

// NewSolver returns a solver using the given collision collaborator. A nil
// checker disables self-collision rejection.
func NewSolver(logger logging.Logger, collisions CollisionChecker) *Solver {
	//nolint:gosec
	return &Solver{
		logger:     logger,
		collisions: collisions,
		rng:        rand.New(rand.NewSource(1)),
	}
}

// FK walks the kinematic chain from base to end effector, composing each
// joint's local transform with its parent's accumulated transform and writing
// every link's absolute transform into the state.
func (ks *Solver) FK(state *ArmState) {
	cum := spatialmath.NewZeroPose()
	for i := range state.geom.Joints {
		joint := &state.geom.Joints[i]
		local := spatialmath.NewPose(joint.Translation(), rotationAbout(joint.Axis(), state.JointAngle(i)))
		cum = spatialmath.Compose(cum, local)
		state.setTransform(i, cum)
	}
	state.setEndEffectorTransform(spatialmath.Compose(cum, spatialmath.NewPoseFromPoint(state.geom.EndEffector)))
}

// IK searches joint space for a configuration whose end effector reaches the
// target pose. If randomizeStart is set the search is seeded uniformly within
// limits, otherwise from the state's current angles. Orientation error is
// only considered when useOrientation is set.
//
// The returned flag is true only on convergence within the iteration cap; on
// failure the returned angles are the last attempted configuration and must
// not be trusted without checking the flag.
func (ks *Solver) IK(state *ArmState, goal spatialmath.Pose, randomizeStart, useOrientation bool) ([]float64, bool) {
	ks.numIterations = 0
	ks.backups = ks.backups[:0]

	if randomizeStart {
		angles := state.JointAngles()
		for i := 0; i < NumJoints; i++ {
			if state.Locked(i) {
				continue
			}
			lim := state.Limits(i)
			angles[i] = lim.Min + ks.rng.Float64()*(lim.Max-lim.Min)
		}
		state.SetJointAngles(angles)
	}
	ks.FK(state)

	iterationCap := maxIterations
	if ks.positionError(state, goal) < lowMovementPosThreshold &&
		(!useOrientation || ks.orientationError(state, goal) < lowMovementAngleThreshold) {
		iterationCap = lowMovementIterations
	}

	for {
		if ks.converged(state, goal, useOrientation) {
			return state.JointAngles(), true
		}
		if ks.numIterations >= iterationCap {
			return state.JointAngles(), false
		}
		ks.numIterations++

		ks.performBackup(state)
		ks.ikStep(state, goal, useOrientation)
		if !ks.IsSafe(state, state.JointAngles()) {
			// A step that left limits or collided counts against the cap
			// without making progress, so oscillation at a boundary cannot
			// loop forever.
			ks.recoverFromBackup(state)
		}
	}
}

// NumIterations reports how many Jacobian steps the last IK invocation took.
func (ks *Solver) NumIterations() int { return ks.numIterations }

// IsSafe reports whether a candidate joint configuration keeps every unlocked
// joint within its limits, boundary values included, and produces no
// self-collision. Used before planning and inside IK's per-step acceptance.
func (ks *Solver) IsSafe(state *ArmState, angles []float64) bool {
	if !ks.limitCheck(state, angles) {
		return false
	}
	if ks.collisions == nil {
		return true
	}
	work := state.Clone()
	work.SetMeasuredAngles(angles)
	ks.FK(work)
	return !ks.collisions.Collides(work.Transforms())
}

func (ks *Solver) limitCheck(state *ArmState, angles []float64) bool {
	for i := 0; i < NumJoints && i < len(angles); i++ {
		if state.Locked(i) {
			continue
		}
		lim := state.Limits(i)
		if angles[i] < lim.Min || angles[i] > lim.Max {
			return false
		}
	}
	return true
}

func (ks *Solver) positionError(state *ArmState, goal spatialmath.Pose) float64 {
	return goal.Point().Sub(state.EndEffectorTransform().Point()).Norm()
}

func (ks *Solver) orientationError(state *ArmState, goal spatialmath.Pose) float64 {
	return orientationErrorVector(state.EndEffectorTransform().Orientation(), goal.Orientation()).Norm()
}

func (ks *Solver) converged(state *ArmState, goal spatialmath.Pose, useOrientation bool) bool {
	if ks.positionError(state, goal) > posThreshold {
		return false
	}
	if useOrientation && ks.orientationError(state, goal) > angleThreshold {
		return false
	}
	return true
}

// ikStep takes one bounded Jacobian step toward the goal: the desired pose
// delta is a fixed fraction of the remaining error, mapped to joint space
// through a finite-difference Jacobian and a damped least-squares
// pseudo-inverse.
func (ks *Solver) ikStep(state *ArmState, goal spatialmath.Pose, useOrientation bool) {
	unlocked := make([]int, 0, NumJoints)
	for i := 0; i < NumJoints; i++ {
		if !state.Locked(i) {
			unlocked = append(unlocked, i)
		}
	}
	if len(unlocked) == 0 {
		return
	}

	cur := state.EndEffectorTransform()
	rows := 3
	if useOrientation {
		rows = 6
	}

	desired := make([]float64, rows)
	posStep := goal.Point().Sub(cur.Point()).Mul(positionStepRatio)
	desired[0], desired[1], desired[2] = posStep.X, posStep.Y, posStep.Z
	if useOrientation {
		angStep := orientationErrorVector(cur.Orientation(), goal.Orientation()).Mul(angleStepRatio)
		desired[3], desired[4], desired[5] = angStep.X, angStep.Y, angStep.Z
	}

	// Finite differences: perturb each unlocked joint and measure the
	// resulting end effector pose change.
	base := state.JointAngles()
	work := state.Clone()
	perturbed := make([]float64, NumJoints)
	jac := mat.NewDense(rows, len(unlocked), nil)
	for k, j := range unlocked {
		copy(perturbed, base)
		perturbed[j] += deltaTheta
		work.SetMeasuredAngles(perturbed)
		ks.FK(work)
		p := work.EndEffectorTransform()

		dPos := p.Point().Sub(cur.Point()).Mul(1 / deltaTheta)
		jac.Set(0, k, dPos.X)
		jac.Set(1, k, dPos.Y)
		jac.Set(2, k, dPos.Z)
		if useOrientation {
			dAng := orientationErrorVector(cur.Orientation(), p.Orientation()).Mul(1 / deltaTheta)
			jac.Set(3, k, dAng.X)
			jac.Set(4, k, dAng.Y)
			jac.Set(5, k, dAng.Z)
		}
	}

	// dq = Jᵀ (J Jᵀ + λ² I)⁻¹ e
	var jjt mat.Dense
	jjt.Mul(jac, jac.T())
	for i := 0; i < rows; i++ {
		jjt.Set(i, i, jjt.At(i, i)+dlsDamping*dlsDamping)
	}
	var y mat.VecDense
	if err := y.SolveVec(&jjt, mat.NewVecDense(rows, desired)); err != nil {
		return
	}
	var dq mat.VecDense
	dq.MulVec(jac.T(), &y)

	next := state.JointAngles()
	for k, j := range unlocked {
		next[j] += dq.AtVec(k)
	}
	state.SetJointAngles(next)
	ks.FK(state)
}

// performBackup pushes the pre-step angles onto the bounded snapshot stack.
func (ks *Solver) performBackup(state *ArmState) {
	snapshot := state.JointAngles()
	if len(ks.backups) >= backupDepth {
		ks.backups = ks.backups[1:]
	}
	ks.backups = append(ks.backups, snapshot)
}

// recoverFromBackup pops the most recent snapshot back into the state and
// re-resolves transforms.
func (ks *Solver) recoverFromBackup(state *ArmState) {
	if len(ks.backups) == 0 {
		return
	}
	snapshot := ks.backups[len(ks.backups)-1]
	ks.backups = ks.backups[:len(ks.backups)-1]
	state.SetMeasuredAngles(snapshot)
	ks.FK(state)
}

// orientationErrorVector expresses the rotation from cur to goal as an
// axis-angle vector whose norm is the rotation magnitude.
func orientationErrorVector(cur, goal spatialmath.Orientation) r3.Vector {
	aa := spatialmath.OrientationBetween(cur, goal).AxisAngles()
	return r3.Vector{X: aa.RX, Y: aa.RY, Z: aa.RZ}.Mul(aa.Theta)
}
