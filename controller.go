package roverarm

import (
	"context"
	"math"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/referenceframe"
	"go.viam.com/rdk/spatialmath"
	goutils "go.viam.com/utils"
)

const (
	// Fraction of spline progress the pacing computation looks ahead.
	splineLookahead = 0.01

	// Joint max speeds are derated by this safety factor when pacing.
	speedDerating = 0.75

	// Randomized IK restarts attempted after the seeded solve fails.
	ikRetryAttempts = 25
)

// ControlMode is the controller's operating state.
type ControlMode int

const (
	// ModeIdle ignores motion requests.
	ModeIdle ControlMode = iota
	// ModeOpenLoop accepts direct joint commands without planning.
	ModeOpenLoop
	// ModeClosedLoop drives the full IK + plan + execute pipeline from pose
	// targets.
	ModeClosedLoop
)

func (m ControlMode) String() string {
	switch m {
	case ModeIdle:
		return "idle"
	case ModeOpenLoop:
		return "open-loop"
	case ModeClosedLoop:
		return "closed-loop"
	default:
		return "unknown"
	}
}

// ParseControlMode maps the wire form of a control mode to the enumeration.
func ParseControlMode(s string) (ControlMode, error) {
	switch s {
	case "idle":
		return ModeIdle, nil
	case "open-loop":
		return ModeOpenLoop, nil
	case "closed-loop":
		return ModeClosedLoop, nil
	default:
		return ModeIdle, errors.Errorf("unknown control mode %q", s)
	}
}

// Controller orchestrates one arm: it owns the live ArmState, a kinematics
// solver, and a motion planner, consumes target and mode messages from the
// bus, and runs the continuous control loop that advances along the planned
// spline.
//
// The live state is the single contended resource. Its lock is held only
// across atomic read/mutate/publish spans, never across a sleep; IK,
// planning, and preview always run on clones.
type Controller struct {
	logger logging.Logger
	cfg    *Config
	bus    Bus

	solver  *Solver
	planner *MotionPlanner
	monitor *EncoderMonitor

	hardware MotorCommander

	mu    sync.Mutex
	state *ArmState
	traj  *Trajectory
	mode  ControlMode

	monitorMu  sync.Mutex
	pipelineMu sync.Mutex

	enableExecute atomic.Bool
	simMode       atomic.Bool
	ikEnabled     atomic.Bool
	previewing    atomic.Bool

	cancelCtx               context.Context
	cancelFunc              func()
	activeBackgroundWorkers sync.WaitGroup
}

// NewController builds a controller from a validated config, subscribing its
// handlers to the bus. Call Start to launch the background loops.
func NewController(cfg *Config, bus Bus, logger logging.Logger) (*Controller, error) {
	if _, _, err := cfg.Validate(""); err != nil {
		return nil, err
	}
	geom, _, err := cfg.LoadGeometry(logger)
	if err != nil {
		return nil, err
	}
	state, err := NewArmState(geom)
	if err != nil {
		return nil, err
	}

	cancelCtx, cancelFunc := context.WithCancel(context.Background())
	solver := NewSolver(logger, NewSphereChecker(geom))
	c := &Controller{
		logger:     logger,
		cfg:        cfg,
		bus:        bus,
		solver:     solver,
		planner:    NewMotionPlanner(solver, logger),
		monitor:    NewEncoderMonitor(cfg.EncoderErrorThresholds, cfg.DudEncoderValues),
		state:      state,
		mode:       ModeIdle,
		cancelCtx:  cancelCtx,
		cancelFunc: cancelFunc,
	}
	c.simMode.Store(cfg.SimulationMode)

	// Resolve home transforms before anything observes the state.
	c.solver.FK(c.state)

	c.subscribe()
	return c, nil
}

func (c *Controller) subscribe() {
	c.bus.Subscribe(TopicArmPosition, func(_ string, msg interface{}) {
		if m, ok := msg.(JointPositionReport); ok {
			c.HandleArmPosition(m)
		}
	})
	c.bus.Subscribe(TopicTargetPose, func(_ string, msg interface{}) {
		if m, ok := msg.(TargetPose); ok {
			c.HandleTargetPose(m)
		}
	})
	c.bus.Subscribe(TopicTargetAngles, func(_ string, msg interface{}) {
		if m, ok := msg.(TargetJointAngles); ok {
			c.HandleTargetAngles(m)
		}
	})
	c.bus.Subscribe(TopicMotionExecute, func(_ string, msg interface{}) {
		if m, ok := msg.(MotionExecute); ok {
			c.HandleMotionExecute(m)
		}
	})
	c.bus.Subscribe(TopicIKEnabled, func(_ string, msg interface{}) {
		if m, ok := msg.(IKEnabled); ok {
			c.HandleIKEnabled(m)
		}
	})
	c.bus.Subscribe(TopicLockJoints, func(_ string, msg interface{}) {
		if m, ok := msg.(LockJoints); ok {
			c.HandleLockJoints(m)
		}
	})
	c.bus.Subscribe(TopicControlMode, func(_ string, msg interface{}) {
		if m, ok := msg.(ControlModeMessage); ok {
			c.HandleControlMode(m)
		}
	})
	c.bus.Subscribe(TopicSimulationMode, func(_ string, msg interface{}) {
		if m, ok := msg.(SimulationMode); ok {
			c.HandleSimulationMode(m)
		}
	})
}

// AttachHardware wires the motor command sink used when not simulating.
func (c *Controller) AttachHardware(hw MotorCommander) {
	c.hardware = hw
}

// Start launches the continuous control loop and the periodic position
// sender. Both run until Close.
func (c *Controller) Start() {
	c.activeBackgroundWorkers.Add(2)
	goutils.ManagedGo(c.controlLoop, c.activeBackgroundWorkers.Done)
	goutils.ManagedGo(c.positionSender, c.activeBackgroundWorkers.Done)
}

// Close stops the background loops and releases attached hardware.
func (c *Controller) Close(ctx context.Context) error {
	c.cancelFunc()
	c.activeBackgroundWorkers.Wait()
	if c.hardware != nil {
		return c.hardware.Close()
	}
	return nil
}

// Mode returns the current control mode.
func (c *Controller) Mode() ControlMode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

func (c *Controller) setMode(m ControlMode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mode = m
}

// Executing reports whether the control loop is driving the live arm.
func (c *Controller) Executing() bool { return c.enableExecute.Load() }

// Previewing reports whether a preview is replaying a planned trajectory.
func (c *Controller) Previewing() bool { return c.previewing.Load() }

// Faulted reports whether encoder validation has flagged any joint.
func (c *Controller) Faulted() bool {
	c.monitorMu.Lock()
	defer c.monitorMu.Unlock()
	return c.monitor.Faulted()
}

// FaultMessage describes the current encoder fault, if any.
func (c *Controller) FaultMessage() string {
	c.monitorMu.Lock()
	defer c.monitorMu.Unlock()
	return c.monitor.FaultMessage()
}

// Halt stops trajectory execution and, when hardware is attached, releases
// servo torque.
func (c *Controller) Halt(ctx context.Context) error {
	c.enableExecute.Store(false)
	if c.hardware != nil && !c.simMode.Load() {
		return c.hardware.Stop(ctx)
	}
	return nil
}

// Limits returns the configured joint limits.
func (c *Controller) Limits() []referenceframe.Limit {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.AllLimits()
}

// LiveAngles returns a snapshot of the live joint angles.
func (c *Controller) LiveAngles() []float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.JointAngles()
}

// EndEffectorPose returns the live end effector pose as of the last FK run.
func (c *Controller) EndEffectorPose() spatialmath.Pose {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.EndEffectorTransform()
}

func (c *Controller) cloneLive() *ArmState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Clone()
}

func (c *Controller) currentTrajectory() *Trajectory {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.traj
}

func (c *Controller) notify(isError bool, message string) {
	if isError {
		c.logger.Warn(message)
	} else {
		c.logger.Info(message)
	}
	c.bus.Publish(TopicDebugMessage, StatusMessage{IsError: isError, Message: message})
}

// HandleArmPosition ingests one raw joint-position report: calibration when
// not simulated, then the full encoder validation chain, then, unless a
// preview owns the outward transform stream, the live state update and FK.
func (c *Controller) HandleArmPosition(m JointPositionReport) {
	if len(m.Angles) < NumJoints {
		c.logger.Warnf("position report carries %d joints, want %d", len(m.Angles), NumJoints)
		return
	}
	angles := append([]float64(nil), m.Angles[:NumJoints]...)

	c.mu.Lock()
	if !c.simMode.Load() {
		for i := 0; i < NumJoints; i++ {
			angles[i] = (angles[i] - c.state.EncoderOffset(i)) * c.state.EncoderMultiplier(i)
		}
	}
	lastGood := c.state.JointAngles()
	limits := c.state.AllLimits()
	c.mu.Unlock()

	c.monitorMu.Lock()
	processed := c.monitor.Process(angles, lastGood, limits)
	c.monitorMu.Unlock()

	if c.previewing.Load() {
		return
	}

	c.mu.Lock()
	c.state.SetMeasuredAngles(processed)
	c.solver.FK(c.state)
	report := transformReportOf(c.state)
	c.mu.Unlock()
	c.bus.Publish(TopicFKTransform, report)
}

// HandleTargetPose runs the closed-loop pipeline for a pose target on a
// background worker. Targets are ignored outside closed-loop mode or while
// IK is disabled.
func (c *Controller) HandleTargetPose(m TargetPose) {
	if c.Mode() != ModeClosedLoop {
		c.logger.Debugf("ignoring pose target in %s mode", c.Mode())
		return
	}
	if !c.ikEnabled.Load() {
		c.logger.Debug("ignoring pose target while IK is disabled")
		return
	}
	c.activeBackgroundWorkers.Add(1)
	goutils.PanicCapturingGo(func() {
		defer c.activeBackgroundWorkers.Done()
		c.runPoseTarget(m)
	})
}

func (c *Controller) runPoseTarget(m TargetPose) {
	c.pipelineMu.Lock()
	defer c.pipelineMu.Unlock()

	hypo := c.cloneLive()
	if !c.solver.IsSafe(hypo, hypo.JointAngles()) {
		c.notify(false, "Unsafe starting position, adjust the arm in open-loop first")
		return
	}
	c.enableExecute.Store(false)

	goal := m.Pose()
	angles, ok := c.solver.IK(hypo, goal, false, m.UseOrientation)
	for attempt := 0; attempt < ikRetryAttempts && !ok; attempt++ {
		angles, ok = c.solver.IK(hypo, goal, true, m.UseOrientation)
	}
	if !ok {
		c.notify(false, "No IK solution, try a different configuration")
		return
	}
	c.logger.Debugf("IK converged after %d iterations", c.solver.NumIterations())

	c.planAndPreview(angles)
}

// HandleTargetAngles plans directly to a joint configuration, bypassing IK.
func (c *Controller) HandleTargetAngles(m TargetJointAngles) {
	if c.Mode() != ModeClosedLoop {
		c.logger.Debugf("ignoring joint target in %s mode", c.Mode())
		return
	}
	if len(m.Angles) < NumJoints {
		c.logger.Warnf("joint target carries %d joints, want %d", len(m.Angles), NumJoints)
		return
	}
	c.enableExecute.Store(false)
	goal := append([]float64(nil), m.Angles[:NumJoints]...)
	c.activeBackgroundWorkers.Add(1)
	goutils.PanicCapturingGo(func() {
		defer c.activeBackgroundWorkers.Done()
		c.pipelineMu.Lock()
		defer c.pipelineMu.Unlock()
		c.planAndPreview(goal)
	})
}

// planAndPreview plans from a fresh clone of the live state, commits the
// trajectory, and replays it in preview. Callers hold pipelineMu.
func (c *Controller) planAndPreview(goal []float64) {
	hypo := c.cloneLive()
	traj, found := c.planner.Plan(hypo, goal)
	if !found {
		c.notify(false, "Unable to plan path")
		return
	}

	c.mu.Lock()
	c.traj = traj
	c.mu.Unlock()

	c.preview(hypo, traj)
}

// preview steps a hypothetical state along the spline to drive outward
// transform updates for observation. The live state and hardware are never
// touched.
func (c *Controller) preview(hypo *ArmState, traj *Trajectory) {
	c.previewing.Store(true)
	defer c.previewing.Store(false)
	c.ikEnabled.Store(true)

	steps := c.cfg.PreviewSteps
	for i := 0; i <= steps; i++ {
		t := float64(i) / float64(steps)
		hypo.SetJointAngles(traj.Position(t))
		c.solver.FK(hypo)
		c.bus.Publish(TopicFKTransform, transformReportOf(hypo))
		if !goutils.SelectContextOrWait(c.cancelCtx, c.cfg.PreviewInterval) {
			return
		}
	}
	c.notify(false, "Preview done")
}

// HandleMotionExecute toggles whether the control loop drives the live arm
// along the most recently planned spline.
func (c *Controller) HandleMotionExecute(m MotionExecute) {
	if m.Execute {
		c.logger.Info("Motion execution enabled")
	}
	c.enableExecute.Store(m.Execute)
}

// HandleIKEnabled enables or disables the closed-loop pipeline. Disabling
// halts execution and re-publishes the live transforms.
func (c *Controller) HandleIKEnabled(m IKEnabled) {
	c.ikEnabled.Store(m.Enabled)
	if !m.Enabled {
		c.enableExecute.Store(false)
		c.mu.Lock()
		report := transformReportOf(c.state)
		c.mu.Unlock()
		c.bus.Publish(TopicFKTransform, report)
	}
}

// HandleLockJoints sets the per-joint lock flags on the live state.
func (c *Controller) HandleLockJoints(m LockJoints) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := 0; i < NumJoints; i++ {
		c.state.SetLocked(i, m.Locked[i])
	}
}

// HandleControlMode applies a mode change. Leaving closed-loop halts
// execution.
func (c *Controller) HandleControlMode(m ControlModeMessage) {
	mode, err := ParseControlMode(m.Mode)
	if err != nil {
		c.logger.Warnw("rejecting control mode change", "error", err)
		return
	}
	c.logger.Infof("Control mode set to %s", mode)
	c.setMode(mode)
	if mode != ModeClosedLoop {
		c.enableExecute.Store(false)
	}
}

// HandleSimulationMode toggles the hardware-vs-simulation path.
func (c *Controller) HandleSimulationMode(m SimulationMode) {
	c.logger.Infof("Simulation mode set to %t", m.Enabled)
	c.simMode.Store(m.Enabled)
}

// controlLoop runs for the controller's lifetime. While execution is enabled
// it advances the spline progress at a pace set by the slowest joint, clamps
// every commanded angle to its limits, and either commands hardware or, in
// simulation, applies the angles to the live state directly. Mode and flag
// changes take effect at iteration boundaries; that one-cycle latency is an
// accepted bound.
func (c *Controller) controlLoop() {
	ctx := c.cancelCtx
	splineT := 0.0

	for ctx.Err() == nil {
		if !c.enableExecute.Load() {
			splineT = 0
			if !goutils.SelectContextOrWait(ctx, c.cfg.IdleInterval) {
				return
			}
			continue
		}

		if c.Faulted() {
			c.haltOnFault()
			splineT = 0
			continue
		}

		traj := c.currentTrajectory()
		if traj == nil {
			c.enableExecute.Store(false)
			continue
		}

		c.mu.Lock()
		initAngles := c.state.JointAngles()
		c.mu.Unlock()
		finalAngles := traj.Position(splineT + splineLookahead)

		// Pace by the joint that needs the longest to cover the lookahead
		// segment at its derated max speed.
		maxTime := -1.0 // ms
		for i := 0; i < NumJoints; i++ {
			maxSpeed := c.state.MaxSpeed(i) * speedDerating
			jointTime := math.Abs(finalAngles[i]-initAngles[i]) / (maxSpeed / 1000.0)
			if jointTime > maxTime {
				maxTime = jointTime
			}
		}
		waitMS := float64(c.cfg.LoopInterval.Milliseconds())
		if maxTime > 0 {
			splineT += splineLookahead / (maxTime / waitMS)
		} else {
			// Nothing to cover, finish in this iteration.
			splineT = 1 + splineLookahead
		}

		if splineT > 1 {
			c.logger.Info("Finished executing planned trajectory")
			c.enableExecute.Store(false)
			c.ikEnabled.Store(false)
			splineT = 0
			continue
		}

		target := traj.Position(splineT)
		for i := 0; i < NumJoints; i++ {
			lim := c.state.Limits(i)
			target[i] = math.Max(lim.Min, math.Min(lim.Max, target[i]))
		}

		if !c.simMode.Load() {
			cmd := make([]float64, NumJoints)
			c.mu.Lock()
			for i := 0; i < NumJoints; i++ {
				cmd[i] = target[i]*c.state.EncoderMultiplier(i) + c.state.EncoderOffset(i)
			}
			c.mu.Unlock()
			c.bus.Publish(TopicHardwareCommand, JointPositionReport{Angles: cmd})
			if c.hardware != nil {
				if err := c.hardware.Command(ctx, cmd); err != nil {
					c.logger.Warnw("hardware command failed", "error", err)
				}
			}
		} else {
			// Simulation assumes an instantaneous physical response.
			c.mu.Lock()
			c.state.SetMeasuredAngles(target)
			c.solver.FK(c.state)
			c.mu.Unlock()
		}

		if !goutils.SelectContextOrWait(ctx, c.cfg.LoopInterval) {
			return
		}
	}
}

// haltOnFault disables execution, reports the fault, and in simulation
// re-emits the last known angles to flush any downstream smoothing buffer.
func (c *Controller) haltOnFault() {
	c.enableExecute.Store(false)
	c.ikEnabled.Store(false)
	c.notify(true, c.FaultMessage())

	if c.simMode.Load() {
		c.mu.Lock()
		angles := c.state.JointAngles()
		c.mu.Unlock()
		for i := 0; i < maxPrevAngles; i++ {
			c.bus.Publish(TopicArmPosition, JointPositionReport{Angles: angles})
		}
	}
}

// positionSender periodically reports the current joint angles: straight
// from the live state in simulation, read back from the servo bus otherwise.
func (c *Controller) positionSender() {
	ctx := c.cancelCtx
	for ctx.Err() == nil {
		if c.simMode.Load() {
			c.mu.Lock()
			angles := c.state.JointAngles()
			c.mu.Unlock()
			c.bus.Publish(TopicArmPosition, JointPositionReport{Angles: angles})
		} else if c.hardware != nil {
			raw, err := c.hardware.ReadAngles(ctx)
			if err != nil {
				c.logger.Debugw("failed to read servo positions", "error", err)
			} else {
				c.bus.Publish(TopicArmPosition, JointPositionReport{Angles: raw})
			}
		}
		if !goutils.SelectContextOrWait(ctx, c.cfg.LoopInterval) {
			return
		}
	}
}

// MoveToPose is the synchronous form of the closed-loop pipeline used by the
// modular component: solve, plan, execute, and wait for completion.
func (c *Controller) MoveToPose(ctx context.Context, pose spatialmath.Pose, useOrientation bool) error {
	goal, err := c.solveToPose(pose, useOrientation)
	if err != nil {
		return err
	}
	return c.MoveToAngles(ctx, goal)
}

func (c *Controller) solveToPose(pose spatialmath.Pose, useOrientation bool) ([]float64, error) {
	c.pipelineMu.Lock()
	defer c.pipelineMu.Unlock()

	hypo := c.cloneLive()
	if !c.solver.IsSafe(hypo, hypo.JointAngles()) {
		return nil, errors.New("unsafe starting position")
	}
	angles, ok := c.solver.IK(hypo, pose, false, useOrientation)
	for attempt := 0; attempt < ikRetryAttempts && !ok; attempt++ {
		angles, ok = c.solver.IK(hypo, pose, true, useOrientation)
	}
	if !ok {
		return nil, errors.New("no IK solution found")
	}
	return angles, nil
}

// MoveToAngles plans from the live state to the goal configuration and
// executes the result, waiting for the control loop to finish or ctx to end.
func (c *Controller) MoveToAngles(ctx context.Context, goal []float64) error {
	c.pipelineMu.Lock()
	hypo := c.cloneLive()
	traj, found := c.planner.Plan(hypo, goal)
	if !found {
		c.pipelineMu.Unlock()
		return errors.New("unable to plan path to goal configuration")
	}
	c.mu.Lock()
	c.traj = traj
	c.mu.Unlock()
	c.pipelineMu.Unlock()

	c.enableExecute.Store(true)
	for c.enableExecute.Load() {
		if !goutils.SelectContextOrWait(ctx, c.cfg.LoopInterval) {
			c.enableExecute.Store(false)
			return ctx.Err()
		}
	}
	if c.Faulted() {
		return errors.New(c.FaultMessage())
	}
	return nil
}

func transformReportOf(state *ArmState) TransformReport {
	var rep TransformReport
	for i := 0; i < NumJoints; i++ {
		rep.Joints[i] = matrixFromPose(state.Transform(i))
	}
	return rep
}
