// Package steering implements per-wheel control for a swerve drivetrain.
//
// Each wheel carries two motors (one to spin the wheel, one to point it) and
// two encoders: a relative encoder integrated into the steering motor whose
// position is unbounded, and an absolute magnetic encoder on the pivot whose
// reading is bounded to [-180, 180) and survives power cycles. The package
// reconciles the two at power-up, then runs a measure/command cycle that
// always turns the wheel the short way around, even across the angle seam.
package steering

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/rdk/logging"
	goutils "go.viam.com/utils"
)

// ErrNotCalibrated is returned by SetDesiredState when the module has not
// completed a successful calibration since power-up or the last inversion
// change.
var ErrNotCalibrated = errors.New("steering module is not calibrated")

const (
	// defaultSettleTime is how long the absolute encoder needs after a
	// non-volatile configuration write before its readings are valid again.
	defaultSettleTime = 50 * time.Millisecond

	// configWriteTimeout bounds the encoder's acknowledgment of an offset
	// write.
	configWriteTimeout = 50 * time.Millisecond

	// defaultDeadband is the commanded speed, in meters per second, below
	// which the wheel holds its heading instead of steering.
	defaultDeadband = 0.01

	// offsetWriteTolerance absorbs the encoder's quantization of stored
	// offsets so a matching value is never rewritten.
	offsetWriteTolerance = 0.01
)

// Config wires one module's hardware and mechanical constants together.
type Config struct {
	// Name identifies the module in logs and telemetry, e.g. "frontLeft".
	Name string

	Absolute AbsoluteEncoder
	Steer    SteerMotor
	Drive    DriveMotor

	// Telemetry receives a snapshot after every measurement step. Optional.
	Telemetry Sink
	// Logger defaults to a named logger when nil.
	Logger logging.Logger

	// WheelDiameterM is the wheel diameter in meters.
	WheelDiameterM float64
	// DriveGearRatio is motor rotations per wheel rotation.
	DriveGearRatio float64
	// SteerGearRatio is motor rotations per pivot rotation.
	SteerGearRatio float64

	// MagnetOffsetDeg aligns the absolute encoder's magnet zero with the
	// wheel's mechanical zero. Persisted to the encoder when it differs
	// from the stored value.
	MagnetOffsetDeg float64

	// InvertAngleCommand mirrors steering commands and readings for
	// modules whose pivot gearing is reversed.
	InvertAngleCommand bool
	InvertSteerMotor   bool
	InvertDriveMotor   bool

	SteerGains PIDGains
	DriveGains PIDGains

	// SettleTime overrides the post-write settle delay. Zero means the
	// default.
	SettleTime time.Duration
	// Deadband overrides the minimum speed that allows steering. Zero
	// means the default.
	Deadband float64
}

func (cfg *Config) validate() error {
	if cfg.Absolute == nil {
		return errors.New("absolute encoder is required")
	}
	if cfg.Steer == nil {
		return errors.New("steering motor is required")
	}
	if cfg.Drive == nil {
		return errors.New("drive motor is required")
	}
	if cfg.WheelDiameterM <= 0 {
		return errors.Errorf("wheel diameter must be positive, got %f", cfg.WheelDiameterM)
	}
	if cfg.DriveGearRatio <= 0 {
		return errors.Errorf("drive gear ratio must be positive, got %f", cfg.DriveGearRatio)
	}
	if cfg.SteerGearRatio <= 0 {
		return errors.Errorf("steer gear ratio must be positive, got %f", cfg.SteerGearRatio)
	}
	return nil
}

// Module is the control core for one swerve wheel. All motion commands and
// sensor reads go through the hardware interfaces handed to New; the module
// itself never talks to a bus.
//
// Methods are safe for concurrent use, but the intended pattern is a single
// goroutine alternating Measure and SetDesiredState, with accessors called
// from anywhere.
type Module struct {
	name   string
	logger logging.Logger

	absolute AbsoluteEncoder
	steer    SteerMotor
	drive    DriveMotor
	sink     Sink

	settle   time.Duration
	deadband float64

	mu             sync.RWMutex
	angleCmdInvert float64
	calibrated     bool
	internalAngle  float64
	externalAngle  float64
	velocity       float64
	targetAngle    float64
	targetVelocity float64
	capturedAt     time.Time
}

// New configures the motors, reconciles the absolute encoder's persisted
// offset, and calibrates the steering encoder. Any failure here leaves the
// hardware in an unknown state and is fatal; callers should not retry with
// the returned module.
func New(ctx context.Context, cfg Config) (*Module, error) {
	if err := cfg.validate(); err != nil {
		return nil, errors.Wrap(err, "invalid steering config")
	}
	name := cfg.Name
	if name == "" {
		name = "module"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewLogger("steering." + name)
	}

	m := &Module{
		name:           name,
		logger:         logger,
		absolute:       cfg.Absolute,
		steer:          cfg.Steer,
		drive:          cfg.Drive,
		sink:           cfg.Telemetry,
		settle:         cfg.SettleTime,
		deadband:       cfg.Deadband,
		angleCmdInvert: 1,
	}
	if m.settle <= 0 {
		m.settle = defaultSettleTime
	}
	if m.deadband <= 0 {
		m.deadband = defaultDeadband
	}
	if cfg.InvertAngleCommand {
		m.angleCmdInvert = -1
	}

	steerScale := 360 / cfg.SteerGearRatio
	driveScale := math.Pi * cfg.WheelDiameterM / cfg.DriveGearRatio
	err := multierr.Combine(
		m.drive.Configure(ctx, MotorSettings{
			PositionScale: driveScale,
			VelocityScale: driveScale / 60,
			Inverted:      cfg.InvertDriveMotor,
			Brake:         true,
			Gains:         cfg.DriveGains,
		}),
		m.steer.Configure(ctx, MotorSettings{
			PositionScale: steerScale,
			VelocityScale: steerScale / 60,
			Inverted:      cfg.InvertSteerMotor,
			Brake:         true,
			Gains:         cfg.SteerGains,
		}),
	)
	if err != nil {
		return nil, errors.Wrapf(err, "%s: configuring motors", name)
	}

	if err := m.applyMagnetOffset(ctx, cfg.MagnetOffsetDeg); err != nil {
		return nil, errors.Wrapf(err, "%s: applying magnet offset", name)
	}
	if err := m.Calibrate(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

// applyMagnetOffset persists a new magnet offset only when it differs from
// what the encoder already stores, then waits out the settle delay so the
// next absolute reading reflects the new offset.
func (m *Module) applyMagnetOffset(ctx context.Context, offsetDeg float64) error {
	stored, err := m.absolute.PersistedOffset(ctx)
	if err != nil {
		return errors.Wrap(err, "reading persisted offset")
	}
	if math.Abs(stored-offsetDeg) <= offsetWriteTolerance {
		return nil
	}
	m.logger.Infof("%s: magnet offset %.3f -> %.3f deg", m.name, stored, offsetDeg)
	if err := m.absolute.SetPersistedOffset(ctx, offsetDeg, configWriteTimeout); err != nil {
		return errors.Wrap(err, "writing persisted offset")
	}
	// The encoder reports garbage until it reloads its configuration.
	if !goutils.SelectContextOrWait(ctx, m.settle) {
		return ctx.Err()
	}
	return nil
}

// Calibrate seeds the steering motor's unbounded position register from the
// absolute encoder. Until it succeeds, SetDesiredState refuses to run. The
// seeded register carries the angle-command inversion so that onboard
// position commands and the absolute reading agree on direction.
func (m *Module) Calibrate(ctx context.Context) error {
	m.mu.Lock()
	m.calibrated = false
	invert := m.angleCmdInvert
	m.mu.Unlock()

	abs, err := m.absolute.BoundedAngle(ctx)
	if err != nil {
		return errors.Wrapf(err, "%s: reading absolute encoder", m.name)
	}
	if err := m.steer.SetPosition(ctx, invert*abs); err != nil {
		return errors.Wrapf(err, "%s: seeding steering position", m.name)
	}

	m.mu.Lock()
	m.calibrated = true
	m.internalAngle = abs
	m.externalAngle = abs
	m.capturedAt = time.Now()
	m.mu.Unlock()
	m.logger.Debugf("%s: calibrated at %.2f deg", m.name, abs)
	return nil
}

// Measure refreshes the module's view of the hardware. Individual read
// failures keep the previous value rather than aborting the cycle; a wheel
// with a flaky sensor still steers on its last known heading. The updated
// snapshot goes to the telemetry sink, if any.
func (m *Module) Measure(ctx context.Context) {
	m.mu.RLock()
	invert := m.angleCmdInvert
	internal := m.internalAngle
	external := m.externalAngle
	velocity := m.velocity
	m.mu.RUnlock()

	if pos, err := m.steer.Position(ctx); err != nil {
		m.logger.Debugw("steering position read failed", "module", m.name, "error", err)
	} else {
		internal = invert * pos
	}
	if abs, err := m.absolute.BoundedAngle(ctx); err != nil {
		m.logger.Debugw("absolute encoder read failed", "module", m.name, "error", err)
	} else {
		external = abs
	}
	if vel, err := m.drive.Velocity(ctx); err != nil {
		m.logger.Debugw("drive velocity read failed", "module", m.name, "error", err)
	} else {
		velocity = vel
	}

	m.mu.Lock()
	m.internalAngle = internal
	m.externalAngle = external
	m.velocity = velocity
	m.capturedAt = time.Now()
	snap := m.snapshotLocked()
	m.mu.Unlock()

	if m.sink != nil {
		m.sink.Publish(snap)
	}
}

// SetDesiredState steers toward the desired heading by the minimal rotation
// and commands the desired wheel speed. The steering command never exceeds a
// half turn from the current heading, regardless of how the target is
// expressed. Speeds below the deadband hold the current heading.
func (m *Module) SetDesiredState(ctx context.Context, desired State) error {
	m.mu.Lock()
	if !m.calibrated {
		m.mu.Unlock()
		return ErrNotCalibrated
	}
	m.targetAngle = desired.AngleDeg
	m.targetVelocity = desired.Speed
	current := m.internalAngle
	invert := m.angleCmdInvert
	deadband := m.deadband
	m.mu.Unlock()

	delta := Delta360(desired.AngleDeg, current)
	if math.Abs(desired.Speed) < deadband {
		// Do not twitch the wheel while it is not rolling.
		delta = 0
	}

	if err := m.steer.GoToPosition(ctx, invert*(current+delta)); err != nil {
		return errors.Wrapf(err, "%s: steering command", m.name)
	}
	if err := m.drive.SetVelocity(ctx, desired.Speed); err != nil {
		return errors.Wrapf(err, "%s: drive command", m.name)
	}
	return nil
}

// Stop cuts drive output and leaves the wheel pointing where it is.
func (m *Module) Stop(ctx context.Context) error {
	m.mu.Lock()
	m.targetVelocity = 0
	m.mu.Unlock()
	return m.drive.Stop(ctx)
}

// SetInvertAngleCommand flips the steering command inversion and recalibrates,
// since every cached heading changes meaning when the sign does. Diagnostic
// use only.
func (m *Module) SetInvertAngleCommand(ctx context.Context, inverted bool) error {
	invert := 1.0
	if inverted {
		invert = -1
	}
	m.mu.Lock()
	m.angleCmdInvert = invert
	m.mu.Unlock()
	return m.Calibrate(ctx)
}

// SetInvertSteerMotor flips the steering motor's direction. Diagnostic use
// only.
func (m *Module) SetInvertSteerMotor(ctx context.Context, inverted bool) error {
	return m.steer.SetInverted(ctx, inverted)
}

// SetInvertDriveMotor flips the drive motor's direction. Diagnostic use only.
func (m *Module) SetInvertDriveMotor(ctx context.Context, inverted bool) error {
	return m.drive.SetInverted(ctx, inverted)
}

// Name returns the module's configured name.
func (m *Module) Name() string {
	return m.name
}

// Calibrated reports whether the steering encoder has been seeded since
// power-up or the last inversion change.
func (m *Module) Calibrated() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.calibrated
}

// Angle returns the last measured unbounded heading in degrees,
// sign-corrected for the angle-command inversion.
func (m *Module) Angle() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.internalAngle
}

// ExternalAngle returns the last measured absolute encoder reading in
// degrees, bounded to [-180, 180).
func (m *Module) ExternalAngle() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.externalAngle
}

// Velocity returns the last measured wheel speed in meters per second.
func (m *Module) Velocity() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.velocity
}

// Target returns the last commanded state.
func (m *Module) Target() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return State{AngleDeg: m.targetAngle, Speed: m.targetVelocity}
}

// DriftDeg returns the signed shortest-path difference between the absolute
// encoder and the integrated heading, in degrees. Nonzero drift that grows
// over time usually means a slipping pivot gear or a loose magnet.
func (m *Module) DriftDeg() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Delta360(m.externalAngle, m.internalAngle)
}

// Snapshot returns a consistent copy of the module's measured and commanded
// state.
func (m *Module) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshotLocked()
}

func (m *Module) snapshotLocked() Snapshot {
	return Snapshot{
		Name:             m.name,
		InternalAngleDeg: m.internalAngle,
		ExternalAngleDeg: m.externalAngle,
		Velocity:         m.velocity,
		TargetAngleDeg:   m.targetAngle,
		TargetVelocity:   m.targetVelocity,
		CapturedAt:       m.capturedAt,
	}
}
