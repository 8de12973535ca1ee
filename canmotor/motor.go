package canmotor

import (
	"context"
	"sync"
	"time"

	"github.com/go-daq/canbus"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/rdk/logging"
	goutils "go.viam.com/utils"

	"swerve/steering"
)

const (
	// statusTimeout bounds the wait for a device's first status frame;
	// controllers broadcast at 100Hz, so anything past this is a dead node
	// or a wrong id.
	statusTimeout  = 250 * time.Millisecond
	statusPollTime = 5 * time.Millisecond
)

var errWaitTimeout = errors.New("timed out")

// waitUntil polls check until it passes, the timeout elapses, or ctx is done.
func waitUntil(ctx context.Context, timeout time.Duration, check func() bool) error {
	deadline := time.Now().Add(timeout)
	for {
		if check() {
			return nil
		}
		if time.Now().After(deadline) {
			return errWaitTimeout
		}
		if !goutils.SelectContextOrWait(ctx, statusPollTime) {
			return ctx.Err()
		}
	}
}

// Motor is one smart motor controller node. The same driver serves the
// steering role (position loop) and the drive role (velocity loop); the
// controller runs whichever loop the last setpoint selected. Readings come
// from the node's periodic status broadcasts, so reads are cheap and reflect
// the bus's view of the hardware.
type Motor struct {
	bus    *Bus
	node   uint8
	name   string
	logger logging.Logger

	mu       sync.RWMutex
	position float64
	velocity float64
	seen     bool
}

var (
	_ steering.SteerMotor = (*Motor)(nil)
	_ steering.DriveMotor = (*Motor)(nil)
)

// NewMotor returns a driver for the controller at the given node id and
// subscribes it to that node's status broadcasts.
func NewMotor(bus *Bus, node uint8, name string, logger logging.Logger) *Motor {
	if logger == nil {
		logger = logging.NewLogger("canmotor." + name)
	}
	m := &Motor{bus: bus, node: node, name: name, logger: logger}
	bus.subscribe(funcMotorStatus|uint32(node), m.handleStatus)
	return m
}

func (m *Motor) handleStatus(frame canbus.Frame) {
	pos, vel, ok := parseMotorStatus(frame.Data)
	if !ok {
		m.logger.Debugw("short motor status frame", "node", m.node, "len", len(frame.Data))
		return
	}
	m.mu.Lock()
	m.position = pos
	m.velocity = vel
	m.seen = true
	m.mu.Unlock()
}

func (m *Motor) waitForStatus(ctx context.Context) error {
	err := waitUntil(ctx, statusTimeout, func() bool {
		m.mu.RLock()
		defer m.mu.RUnlock()
		return m.seen
	})
	return errors.Wrapf(err, "motor %s (node %d): waiting for status", m.name, m.node)
}

// Configure implements steering.SteerMotor and steering.DriveMotor. Each
// setting is its own parameter write; the combined error reports every frame
// that failed to go out.
func (m *Motor) Configure(ctx context.Context, s steering.MotorSettings) error {
	err := multierr.Combine(
		m.bus.send(paramFrame(m.node, paramPositionScale, float32(s.PositionScale))),
		m.bus.send(paramFrame(m.node, paramVelocityScale, float32(s.VelocityScale))),
		m.bus.send(paramFrame(m.node, paramKP, float32(s.Gains.P))),
		m.bus.send(paramFrame(m.node, paramKI, float32(s.Gains.I))),
		m.bus.send(paramFrame(m.node, paramKD, float32(s.Gains.D))),
		m.bus.send(paramFrame(m.node, paramKF, float32(s.Gains.F))),
		m.bus.send(boolParamFrame(m.node, paramInverted, s.Inverted)),
		m.bus.send(boolParamFrame(m.node, paramBrake, s.Brake)),
	)
	return errors.Wrapf(err, "configuring motor %s (node %d)", m.name, m.node)
}

// Position implements steering.SteerMotor.
func (m *Motor) Position(ctx context.Context) (float64, error) {
	if err := m.waitForStatus(ctx); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.position, nil
}

// SetPosition implements steering.SteerMotor. The cached reading jumps with
// the register instead of waiting for the next broadcast.
func (m *Motor) SetPosition(ctx context.Context, deg float64) error {
	if err := m.bus.send(seedFrame(m.node, deg)); err != nil {
		return errors.Wrapf(err, "motor %s (node %d): seeding position", m.name, m.node)
	}
	m.mu.Lock()
	m.position = ticksToUnits(packTicks(deg))
	m.seen = true
	m.mu.Unlock()
	return nil
}

// GoToPosition implements steering.SteerMotor.
func (m *Motor) GoToPosition(ctx context.Context, deg float64) error {
	if err := m.bus.send(positionFrame(m.node, deg)); err != nil {
		return errors.Wrapf(err, "motor %s (node %d): position setpoint", m.name, m.node)
	}
	return nil
}

// Velocity implements steering.DriveMotor.
func (m *Motor) Velocity(ctx context.Context) (float64, error) {
	if err := m.waitForStatus(ctx); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.velocity, nil
}

// SetVelocity implements steering.DriveMotor.
func (m *Motor) SetVelocity(ctx context.Context, v float64) error {
	if err := m.bus.send(velocityFrame(m.node, v)); err != nil {
		return errors.Wrapf(err, "motor %s (node %d): velocity setpoint", m.name, m.node)
	}
	return nil
}

// SetInverted implements steering.SteerMotor and steering.DriveMotor.
func (m *Motor) SetInverted(ctx context.Context, inverted bool) error {
	if err := m.bus.send(boolParamFrame(m.node, paramInverted, inverted)); err != nil {
		return errors.Wrapf(err, "motor %s (node %d): setting inversion", m.name, m.node)
	}
	return nil
}

// Stop implements steering.DriveMotor.
func (m *Motor) Stop(ctx context.Context) error {
	if err := m.bus.send(stopFrame(m.node)); err != nil {
		return errors.Wrapf(err, "motor %s (node %d): stop", m.name, m.node)
	}
	return nil
}
