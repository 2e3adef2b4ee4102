package roverarm

import (
	_ "embed"
	"encoding/json"
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/rdk/spatialmath"
)

// NumJoints is the number of joints in the arm, ordered A through F from the
// base to the end effector.
const NumJoints = 6

//go:embed rover_arm_geom.json
var defaultGeometryJSON []byte

// vectorConfig mirrors the lowercase JSON form used by kinematics files.
type vectorConfig struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

func (v vectorConfig) toR3() r3.Vector {
	return r3.Vector{X: v.X, Y: v.Y, Z: v.Z}
}

// JointGeometry describes one joint of the kinematic chain: the fixed link
// translation from its parent, the rotation axis, motion limits, and the
// encoder calibration defaults. All lengths are in meters, angles in radians.
type JointGeometry struct {
	Name              string  `json:"name"`
	translation       r3.Vector
	axis              r3.Vector
	Min               float64 `json:"min"`
	Max               float64 `json:"max"`
	MaxSpeed          float64 `json:"max_speed"` // rad/s
	EncoderOffset     float64 `json:"encoder_offset"`
	EncoderMultiplier float64 `json:"encoder_multiplier"`
	LinkRadius        float64 `json:"link_radius"`
}

// Translation returns the link offset from the parent joint frame.
func (j *JointGeometry) Translation() r3.Vector { return j.translation }

// Axis returns the unit rotation axis in the parent frame.
func (j *JointGeometry) Axis() r3.Vector { return j.axis }

type jointGeometryJSON struct {
	JointGeometry
	Translation vectorConfig `json:"translation"`
	Axis        vectorConfig `json:"axis"`
}

// Geometry is the immutable description of the arm's kinematic chain, loaded
// once at construction.
type Geometry struct {
	Name        string
	Joints      []JointGeometry
	EndEffector r3.Vector // offset of the end effector from the last joint
}

type geometryJSON struct {
	Name        string              `json:"name"`
	Joints      []jointGeometryJSON `json:"joints"`
	EndEffector vectorConfig        `json:"end_effector"`
}

// ParseGeometry parses and validates a geometry description. A malformed
// description is fatal at construction time; nothing downstream revalidates.
func ParseGeometry(data []byte) (*Geometry, error) {
	var raw geometryJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal geometry description")
	}
	if len(raw.Joints) != NumJoints {
		return nil, errors.Errorf("expected %d joints in geometry description, got %d", NumJoints, len(raw.Joints))
	}

	geom := &Geometry{
		Name:        raw.Name,
		Joints:      make([]JointGeometry, 0, NumJoints),
		EndEffector: raw.EndEffector.toR3(),
	}
	for i, jj := range raw.Joints {
		j := jj.JointGeometry
		j.translation = jj.Translation.toR3()
		j.axis = jj.Axis.toR3()

		if j.Name == "" {
			return nil, errors.Errorf("joint %d has no name", i)
		}
		if j.axis.Norm() < 1e-9 {
			return nil, errors.Errorf("joint %q has a zero rotation axis", j.Name)
		}
		j.axis = j.axis.Normalize()
		if j.Min >= j.Max {
			return nil, errors.Errorf("joint %q has invalid limits [%f, %f]", j.Name, j.Min, j.Max)
		}
		if j.MaxSpeed <= 0 {
			return nil, errors.Errorf("joint %q has non-positive max speed %f", j.Name, j.MaxSpeed)
		}
		if j.EncoderMultiplier == 0 {
			j.EncoderMultiplier = 1
		}
		geom.Joints = append(geom.Joints, j)
	}
	return geom, nil
}

// DefaultGeometry returns the embedded rover arm geometry.
func DefaultGeometry() (*Geometry, error) {
	return ParseGeometry(defaultGeometryJSON)
}

// CollisionChecker is the contract the kinematics core requires from the
// collision-geometry collaborator: given the resolved link transforms of a
// candidate configuration, report whether the arm self-collides. The mesh
// representation behind the check is not defined here.
type CollisionChecker interface {
	Collides(transforms []spatialmath.Pose) bool
}

// sphereChecker is a coarse built-in collaborator that bounds each link with a
// sphere centered between consecutive joint origins. Adjacent links share a
// joint and are skipped.
type sphereChecker struct {
	radii []float64
}

// NewSphereChecker returns a CollisionChecker using per-link bounding spheres
// with the radii from the geometry description.
func NewSphereChecker(geom *Geometry) CollisionChecker {
	radii := make([]float64, len(geom.Joints))
	for i, j := range geom.Joints {
		radii[i] = j.LinkRadius
	}
	return &sphereChecker{radii: radii}
}

func (sc *sphereChecker) Collides(transforms []spatialmath.Pose) bool {
	centers := make([]r3.Vector, 0, len(transforms)-1)
	for i := 0; i+1 < len(transforms); i++ {
		a := transforms[i].Point()
		b := transforms[i+1].Point()
		centers = append(centers, a.Add(b).Mul(0.5))
	}
	for i := 0; i < len(centers); i++ {
		if sc.radii[i] <= 0 {
			continue
		}
		for k := i + 2; k < len(centers); k++ {
			if sc.radii[k] <= 0 {
				continue
			}
			dist := centers[i].Sub(centers[k]).Norm()
			if dist < sc.radii[i]+sc.radii[k] {
				return true
			}
		}
	}
	return false
}

// rotationAbout builds the orientation for a rotation of theta radians about
// the given unit axis.
func rotationAbout(axis r3.Vector, theta float64) spatialmath.Orientation {
	if math.Abs(theta) < 1e-12 {
		return spatialmath.NewZeroOrientation()
	}
	return &spatialmath.R4AA{Theta: theta, RX: axis.X, RY: axis.Y, RZ: axis.Z}
}
