package roverarm

import (
	"math"
	"sync"

	"github.com/golang/geo/r3"
	armpb "go.viam.com/api/component/arm/v1"
	"go.viam.com/rdk/spatialmath"
)

// Topics the controller consumes and publishes. The wire format behind a
// topic belongs to the transport collaborator; this core only defines the
// message structs exchanged in-process.
const (
	TopicArmPosition     = "/arm_position"
	TopicTargetPose      = "/target_orientation"
	TopicTargetAngles    = "/target_angles"
	TopicMotionExecute   = "/motion_execute"
	TopicIKEnabled       = "/ik_enabled"
	TopicLockJoints      = "/locked_joints"
	TopicControlMode     = "/arm_control_state"
	TopicSimulationMode  = "/simulation_mode"
	TopicFKTransform     = "/fk_transform"
	TopicDebugMessage    = "/debug_message"
	TopicHardwareCommand = "/ik_ra_control"
)

// Handler consumes one message published on a subscribed topic.
type Handler func(topic string, msg interface{})

// Bus is the publish/subscribe contract the controller requires from the
// messaging collaborator.
type Bus interface {
	Publish(topic string, msg interface{})
	Subscribe(topic string, h Handler)
}

// JointPositionReport carries one set of joint angles in radians: raw encoder
// readings inbound, current canonical angles outbound.
type JointPositionReport struct {
	Angles []float64
}

// ToProto converts the report to the standard arm wire form, in degrees.
func (r JointPositionReport) ToProto() *armpb.JointPositions {
	values := make([]float64, len(r.Angles))
	for i, a := range r.Angles {
		values[i] = a * 180 / math.Pi
	}
	return &armpb.JointPositions{Values: values}
}

// ReportFromProto converts a standard joint-positions message back to radians.
func ReportFromProto(jp *armpb.JointPositions) JointPositionReport {
	angles := make([]float64, len(jp.Values))
	for i, v := range jp.Values {
		angles[i] = v * math.Pi / 180
	}
	return JointPositionReport{Angles: angles}
}

// TargetPose requests the closed-loop pipeline move the end effector to a
// position, optionally with an orientation given as Euler angles.
type TargetPose struct {
	X, Y, Z            float64
	Alpha, Beta, Gamma float64
	UseOrientation     bool
}

// Pose converts the message to a spatial pose.
func (t TargetPose) Pose() spatialmath.Pose {
	return spatialmath.NewPose(
		r3.Vector{X: t.X, Y: t.Y, Z: t.Z},
		&spatialmath.EulerAngles{Roll: t.Alpha, Pitch: t.Beta, Yaw: t.Gamma},
	)
}

// TargetJointAngles requests planning directly to a joint configuration,
// bypassing IK.
type TargetJointAngles struct {
	Angles []float64
}

// MotionExecute toggles whether the control loop drives the live arm along
// the most recently planned spline; preview only when false.
type MotionExecute struct {
	Execute bool
}

// IKEnabled enables or disables the closed-loop pipeline; disabling also
// halts execution.
type IKEnabled struct {
	Enabled bool
}

// LockJoints sets the per-joint lock flags.
type LockJoints struct {
	Locked [NumJoints]bool
}

// ControlModeMessage carries the requested controller mode.
type ControlModeMessage struct {
	Mode string
}

// SimulationMode toggles the hardware-vs-simulation path.
type SimulationMode struct {
	Enabled bool
}

// TransformMatrix is a 4x4 homogeneous transform in row-major order.
type TransformMatrix [4][4]float64

// TransformReport is the per-joint transform snapshot published after every
// externally observable FK recomputation.
type TransformReport struct {
	Joints [NumJoints]TransformMatrix
}

// StatusMessage is a human-readable notification for operators.
type StatusMessage struct {
	IsError bool
	Message string
}

// matrixFromPose flattens a pose into a homogeneous transform.
func matrixFromPose(p spatialmath.Pose) TransformMatrix {
	var m TransformMatrix
	rm := p.Orientation().RotationMatrix()
	pt := p.Point()
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			m[r][c] = rm.At(r, c)
		}
	}
	m[0][3], m[1][3], m[2][3] = pt.X, pt.Y, pt.Z
	m[3][3] = 1
	return m
}

// LocalBus is an in-process Bus used by tests and by the modular component
// when no external transport is wired. Publish dispatches synchronously on
// the caller's goroutine.
type LocalBus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
}

// NewLocalBus returns an empty in-process bus.
func NewLocalBus() *LocalBus {
	return &LocalBus{handlers: map[string][]Handler{}}
}

// Subscribe registers a handler for a topic.
func (b *LocalBus) Subscribe(topic string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = append(b.handlers[topic], h)
}

// Publish delivers msg to every handler subscribed to the topic.
func (b *LocalBus) Publish(topic string, msg interface{}) {
	b.mu.RLock()
	hs := append([]Handler(nil), b.handlers[topic]...)
	b.mu.RUnlock()
	for _, h := range hs {
		h(topic, msg)
	}
}
