package roverarm

import (
	"context"
	_ "embed"
	"encoding/json"
	"sync/atomic"

	"github.com/pkg/errors"
	commonpb "go.viam.com/api/common/v1"
	"go.viam.com/rdk/components/arm"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/operation"
	"go.viam.com/rdk/referenceframe"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/spatialmath"
	"go.viam.com/utils/rpc"
)

//go:embed rover_arm.json
var roverArmModelJSON []byte

// RoverArmModel is the modular resource model for the six joint rover arm.
var RoverArmModel = resource.NewModel("devrel", "arm", "rover-6dof")

func init() {
	resource.RegisterComponent(arm.API, RoverArmModel,
		resource.Registration[arm.Arm, *Config]{
			Constructor: newRoverArm,
		},
	)
}

func createKinematicModel() (referenceframe.Model, error) {
	m := &referenceframe.ModelConfigJSON{
		OriginalFile: &referenceframe.ModelFile{
			Bytes:     roverArmModelJSON,
			Extension: "json",
		},
	}
	if err := json.Unmarshal(roverArmModelJSON, m); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal kinematics json")
	}
	return m.ParseConfig("rover_arm")
}

// roverArm exposes the controller through the standard arm API. Pose and
// joint moves run the full solve, plan, execute pipeline synchronously.
type roverArm struct {
	resource.AlwaysRebuild

	name       resource.Name
	logger     logging.Logger
	cfg        *Config
	model      referenceframe.Model
	bus        *LocalBus
	controller *Controller
	opMgr      *operation.SingleOperationManager
	isMoving   atomic.Bool
}

func newRoverArm(ctx context.Context, deps resource.Dependencies, rawConf resource.Config, logger logging.Logger) (arm.Arm, error) {
	conf, err := resource.NativeConfig[*Config](rawConf)
	if err != nil {
		return nil, err
	}
	conf.Logger = logger
	return NewRoverArm(ctx, rawConf.ResourceName(), conf, logger)
}

// NewRoverArm builds the controller, attaches hardware when a serial port is
// configured, and starts the background loops.
func NewRoverArm(ctx context.Context, name resource.Name, conf *Config, logger logging.Logger) (arm.Arm, error) {
	bus := NewLocalBus()
	controller, err := NewController(conf, bus, logger)
	if err != nil {
		return nil, errors.Wrap(err, "failed to initialize arm controller")
	}

	if conf.Port != "" && !conf.SimulationMode {
		hw, err := NewFeetechCommander(ctx, conf)
		if err != nil {
			return nil, errors.Wrap(err, "failed to open servo hardware")
		}
		controller.AttachHardware(hw)
	}

	model, err := createKinematicModel()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create kinematic model")
	}

	controller.Start()

	s := &roverArm{
		name:       name,
		logger:     logger,
		cfg:        conf,
		model:      model,
		bus:        bus,
		controller: controller,
		opMgr:      operation.NewSingleOperationManager(),
	}
	logger.Infof("Rover arm initialized on port %q (simulation=%t)", conf.Port, conf.SimulationMode)
	return s, nil
}

func (s *roverArm) Name() resource.Name {
	return s.name
}

func (s *roverArm) NewClientFromConn(ctx context.Context, conn rpc.ClientConn, remoteName string, name resource.Name, logger logging.Logger) (arm.Arm, error) {
	return nil, errors.New("remote client not implemented")
}

func (s *roverArm) EndPosition(ctx context.Context, extra map[string]interface{}) (spatialmath.Pose, error) {
	inputs, err := s.CurrentInputs(ctx)
	if err != nil {
		return nil, err
	}
	pose, err := referenceframe.ComputeOOBPosition(s.model, inputs)
	if err != nil {
		return nil, errors.Wrap(err, "failed to compute end position")
	}
	return pose, nil
}

func (s *roverArm) MoveToPosition(ctx context.Context, pose spatialmath.Pose, extra map[string]interface{}) error {
	ctx, done := s.opMgr.New(ctx)
	defer done()

	s.isMoving.Store(true)
	defer s.isMoving.Store(false)
	return s.controller.MoveToPose(ctx, pose, true)
}

func (s *roverArm) MoveToJointPositions(ctx context.Context, positions []referenceframe.Input, extra map[string]interface{}) error {
	ctx, done := s.opMgr.New(ctx)
	defer done()

	if len(positions) != NumJoints {
		return errors.Errorf("expected %d joint positions, got %d", NumJoints, len(positions))
	}

	limits := s.controller.Limits()
	goal := make([]float64, NumJoints)
	for i, input := range positions {
		angle := float64(input)
		if angle < limits[i].Min {
			s.logger.Warnf("Joint %d angle %.3f rad below limit %.3f rad, clamping", i+1, angle, limits[i].Min)
			angle = limits[i].Min
		} else if angle > limits[i].Max {
			s.logger.Warnf("Joint %d angle %.3f rad above limit %.3f rad, clamping", i+1, angle, limits[i].Max)
			angle = limits[i].Max
		}
		goal[i] = angle
	}

	s.isMoving.Store(true)
	defer s.isMoving.Store(false)
	return s.controller.MoveToAngles(ctx, goal)
}

func (s *roverArm) MoveThroughJointPositions(ctx context.Context, positions [][]referenceframe.Input, options *arm.MoveOptions, extra map[string]interface{}) error {
	for _, jointPositions := range positions {
		if err := s.MoveToJointPositions(ctx, jointPositions, extra); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

func (s *roverArm) JointPositions(ctx context.Context, extra map[string]interface{}) ([]referenceframe.Input, error) {
	return s.controller.LiveAngles(), nil
}

func (s *roverArm) Stop(ctx context.Context, extra map[string]interface{}) error {
	s.isMoving.Store(false)
	return s.controller.Halt(ctx)
}

func (s *roverArm) Kinematics(ctx context.Context) (referenceframe.Model, error) {
	return s.model, nil
}

func (s *roverArm) CurrentInputs(ctx context.Context) ([]referenceframe.Input, error) {
	return s.JointPositions(ctx, nil)
}

func (s *roverArm) GoToInputs(ctx context.Context, inputSteps ...[]referenceframe.Input) error {
	return s.MoveThroughJointPositions(ctx, inputSteps, nil, nil)
}

func (s *roverArm) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	switch cmd["command"] {
	case "set_control_mode":
		modeStr, ok := cmd["mode"].(string)
		if !ok {
			return nil, errors.New("set_control_mode requires a 'mode' string parameter")
		}
		mode, err := ParseControlMode(modeStr)
		if err != nil {
			return nil, err
		}
		s.bus.Publish(TopicControlMode, ControlModeMessage{Mode: mode.String()})
		return map[string]interface{}{"mode": mode.String()}, nil

	case "set_simulation":
		enable, ok := cmd["enable"].(bool)
		if !ok {
			return nil, errors.New("set_simulation requires an 'enable' boolean parameter")
		}
		s.bus.Publish(TopicSimulationMode, SimulationMode{Enabled: enable})
		return map[string]interface{}{"simulation": enable}, nil

	case "set_ik_enabled":
		enable, ok := cmd["enable"].(bool)
		if !ok {
			return nil, errors.New("set_ik_enabled requires an 'enable' boolean parameter")
		}
		s.bus.Publish(TopicIKEnabled, IKEnabled{Enabled: enable})
		return map[string]interface{}{"ik_enabled": enable}, nil

	case "lock_joints":
		raw, ok := cmd["locked"].([]interface{})
		if !ok || len(raw) != NumJoints {
			return nil, errors.Errorf("lock_joints requires a 'locked' array of %d booleans", NumJoints)
		}
		var msg LockJoints
		for i, v := range raw {
			locked, ok := v.(bool)
			if !ok {
				return nil, errors.Errorf("lock_joints entry %d is not a boolean", i)
			}
			msg.Locked[i] = locked
		}
		s.bus.Publish(TopicLockJoints, msg)
		return map[string]interface{}{"success": true}, nil

	case "fault_status":
		return map[string]interface{}{
			"faulted": s.controller.Faulted(),
			"message": s.controller.FaultMessage(),
		}, nil

	default:
		return nil, errors.Errorf("unknown command: %v", cmd["command"])
	}
}

func (s *roverArm) IsMoving(ctx context.Context) (bool, error) {
	return s.isMoving.Load() || s.controller.Executing(), nil
}

// Get3DModels returns the 3D models of the arm. No meshes ship with this
// model, so the map is empty.
func (s *roverArm) Get3DModels(ctx context.Context, extra map[string]interface{}) (map[string]*commonpb.Mesh, error) {
	return map[string]*commonpb.Mesh{}, nil
}

func (s *roverArm) Geometries(ctx context.Context, extra map[string]interface{}) ([]spatialmath.Geometry, error) {
	inputs, err := s.CurrentInputs(ctx)
	if err != nil {
		return nil, err
	}
	gif, err := s.model.Geometries(inputs)
	if err != nil {
		return nil, err
	}
	return gif.Geometries(), nil
}

func (s *roverArm) Close(ctx context.Context) error {
	s.logger.Info("Closing rover arm")
	return s.controller.Close(ctx)
}
