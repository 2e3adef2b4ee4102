package roverarm

import (
	"context"
	"math"
	"sync"

	"github.com/hipsterbrown/feetech-servo"
	"github.com/pkg/errors"
	"go.bug.st/serial/enumerator"
)

const (
	servoCountsPerRev = 4096
	servoCenterCount  = 2048
)

// MotorCommander is the sink for calibrated joint-space commands. The
// controller drives it from the control loop when not simulating.
type MotorCommander interface {
	// Command moves every joint toward the given calibrated angles in
	// radians.
	Command(ctx context.Context, angles []float64) error
	// ReadAngles reads back the calibrated joint angles in radians.
	ReadAngles(ctx context.Context) ([]float64, error)
	// Stop disables torque on all joints.
	Stop(ctx context.Context) error
	Close() error
}

// FeetechCommander drives the six STS3215 servos on a shared serial bus.
type FeetechCommander struct {
	mu     sync.Mutex
	bus    *feetech.Bus
	ids    []int
	servos []*feetech.Servo
}

// NewFeetechCommander opens the serial bus and binds one servo per
// configured ID, enabling torque on each.
func NewFeetechCommander(ctx context.Context, cfg *Config) (*FeetechCommander, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	busConfig := feetech.BusConfig{
		Port:     cfg.Port,
		Baudrate: cfg.Baudrate,
		Protocol: feetech.ProtocolV0,
		Timeout:  cfg.Timeout,
	}
	bus, err := feetech.NewBus(busConfig)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open servo bus on %s (available ports: %v)",
			cfg.Port, AvailableSerialPorts())
	}

	servos := make([]*feetech.Servo, 0, len(cfg.ServoIDs))
	for _, id := range cfg.ServoIDs {
		servo, err := bus.ServoWithModel(id, "sts3215")
		if err != nil {
			bus.Close()
			return nil, errors.Wrapf(err, "failed to create servo %d", id)
		}
		if err := servo.SetTorqueEnable(true); err != nil {
			bus.Close()
			return nil, errors.Wrapf(err, "failed to enable torque on servo %d", id)
		}
		servos = append(servos, servo)
	}
	return &FeetechCommander{bus: bus, ids: cfg.ServoIDs, servos: servos}, nil
}

// Command writes one position per servo, stopping at the first failure.
func (f *FeetechCommander) Command(ctx context.Context, angles []float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(angles) < len(f.servos) {
		return errors.Errorf("got %d angles for %d servos", len(angles), len(f.servos))
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	for i, servo := range f.servos {
		if err := servo.WritePosition(radiansToCounts(angles[i]), false); err != nil {
			return errors.Wrapf(err, "failed to command servo %d", f.ids[i])
		}
	}
	return nil
}

// ReadAngles polls every servo for its current position.
func (f *FeetechCommander) ReadAngles(ctx context.Context) ([]float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	angles := make([]float64, len(f.servos))
	for i, servo := range f.servos {
		counts, err := servo.ReadPosition(false)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read servo %d", f.ids[i])
		}
		angles[i] = countsToRadians(counts)
	}
	return angles, nil
}

// Stop disables torque so the arm can be moved by hand.
func (f *FeetechCommander) Stop(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	for i, servo := range f.servos {
		if err := servo.SetTorqueEnable(false); err != nil {
			return errors.Wrapf(err, "failed to disable torque on servo %d", f.ids[i])
		}
	}
	return nil
}

func (f *FeetechCommander) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bus.Close()
}

// AvailableSerialPorts lists the serial devices present on the system, used
// in error reporting when the configured port cannot be opened.
func AvailableSerialPorts() []string {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil
	}
	paths := make([]string, 0, len(ports))
	for _, port := range ports {
		paths = append(paths, port.Name)
	}
	return paths
}

// radiansToCounts maps a joint angle to the servo's 12-bit position space,
// zero at the mechanical center.
func radiansToCounts(angle float64) float64 {
	counts := servoCenterCount + angle*servoCountsPerRev/(2*math.Pi)
	return math.Max(0, math.Min(servoCountsPerRev-1, counts))
}

func countsToRadians(counts float64) float64 {
	return (counts - servoCenterCount) * 2 * math.Pi / servoCountsPerRev
}
