package roverarm

import (
	"github.com/pkg/errors"
	"go.viam.com/rdk/referenceframe"
	"go.viam.com/rdk/spatialmath"
)

// ArmState owns the current joint configuration of one arm: angles, limits,
// locks, encoder calibration, and the chain of link transforms last computed
// by forward kinematics.
//
// Setting angles never recomputes transforms; Solver.FK is the only writer of
// transforms. Callers that mutate angles and need fresh transforms must run FK
// explicitly, which keeps the stale-transform window visible and testable.
//
// ArmState is not internally synchronized. The controller guards the live
// instance; all exploratory computation (IK, planning, preview) runs on a
// Clone.
type ArmState struct {
	geom *Geometry

	angles            [NumJoints]float64
	locked            [NumJoints]bool
	encoderOffset     [NumJoints]float64
	encoderMultiplier [NumJoints]float64

	transforms  [NumJoints]spatialmath.Pose
	efTransform spatialmath.Pose
}

// NewArmState builds an arm state from a geometry description, with all
// joints at zero and transforms resolved to the zero configuration by the
// first FK call.
func NewArmState(geom *Geometry) (*ArmState, error) {
	if geom == nil {
		return nil, errors.New("nil geometry description")
	}
	if len(geom.Joints) != NumJoints {
		return nil, errors.Errorf("geometry describes %d joints, want %d", len(geom.Joints), NumJoints)
	}
	s := &ArmState{geom: geom}
	for i, j := range geom.Joints {
		s.encoderOffset[i] = j.EncoderOffset
		s.encoderMultiplier[i] = j.EncoderMultiplier
		s.transforms[i] = spatialmath.NewZeroPose()
	}
	s.efTransform = spatialmath.NewZeroPose()
	return s, nil
}

// Geometry returns the immutable chain description.
func (s *ArmState) Geometry() *Geometry { return s.geom }

// Clone returns an independent copy used for hypothetical configurations.
// Poses are immutable so the transform slice is copied shallowly.
func (s *ArmState) Clone() *ArmState {
	c := *s
	return &c
}

// JointAngles returns a copy of the current joint angle vector.
func (s *ArmState) JointAngles() []float64 {
	out := make([]float64, NumJoints)
	copy(out, s.angles[:])
	return out
}

// JointAngle returns the angle of joint i.
func (s *ArmState) JointAngle(i int) float64 { return s.angles[i] }

// SetJointAngles sets the full joint vector. Locked joints retain their last
// angle; this is the entry point used by the solver and planner.
func (s *ArmState) SetJointAngles(angles []float64) {
	for i := 0; i < NumJoints && i < len(angles); i++ {
		if s.locked[i] {
			continue
		}
		s.angles[i] = angles[i]
	}
}

// SetJointAngle sets a single joint, honoring its lock.
func (s *ArmState) SetJointAngle(i int, angle float64) {
	if s.locked[i] {
		return
	}
	s.angles[i] = angle
}

// SetMeasuredAngles overwrites the full joint vector regardless of locks.
// Raw sensor ingestion reports where the joints physically are, locked or not.
func (s *ArmState) SetMeasuredAngles(angles []float64) {
	for i := 0; i < NumJoints && i < len(angles); i++ {
		s.angles[i] = angles[i]
	}
}

// Locked reports whether joint i is excluded from IK and planning.
func (s *ArmState) Locked(i int) bool { return s.locked[i] }

// SetLocked sets the lock flag for joint i.
func (s *ArmState) SetLocked(i int, locked bool) { s.locked[i] = locked }

// Limits returns the closed [min, max] interval for joint i.
func (s *ArmState) Limits(i int) referenceframe.Limit {
	return referenceframe.Limit{Min: s.geom.Joints[i].Min, Max: s.geom.Joints[i].Max}
}

// AllLimits returns the limits for every joint in order.
func (s *ArmState) AllLimits() []referenceframe.Limit {
	out := make([]referenceframe.Limit, NumJoints)
	for i := range out {
		out[i] = s.Limits(i)
	}
	return out
}

// MaxSpeed returns joint i's maximum angular speed in rad/s.
func (s *ArmState) MaxSpeed(i int) float64 { return s.geom.Joints[i].MaxSpeed }

// EncoderOffset returns the calibration offset for joint i.
func (s *ArmState) EncoderOffset(i int) float64 { return s.encoderOffset[i] }

// EncoderMultiplier returns the calibration multiplier for joint i.
func (s *ArmState) EncoderMultiplier(i int) float64 { return s.encoderMultiplier[i] }

// SetEncoderCalibration sets the raw-to-canonical conversion for joint i.
func (s *ArmState) SetEncoderCalibration(i int, offset, multiplier float64) {
	s.encoderOffset[i] = offset
	if multiplier != 0 {
		s.encoderMultiplier[i] = multiplier
	}
}

// Transform returns the absolute transform of joint i in the base frame, as
// of the last FK run.
func (s *ArmState) Transform(i int) spatialmath.Pose { return s.transforms[i] }

// Transforms returns all joint transforms in base-to-end order.
func (s *ArmState) Transforms() []spatialmath.Pose {
	out := make([]spatialmath.Pose, NumJoints)
	copy(out, s.transforms[:])
	return out
}

// EndEffectorTransform returns the end effector pose as of the last FK run.
func (s *ArmState) EndEffectorTransform() spatialmath.Pose { return s.efTransform }

func (s *ArmState) setTransform(i int, p spatialmath.Pose) { s.transforms[i] = p }

func (s *ArmState) setEndEffectorTransform(p spatialmath.Pose) { s.efTransform = p }
