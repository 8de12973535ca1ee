package steering

import (
	"context"
	"time"
)

// PIDGains holds closed-loop gains applied to a motor controller's onboard
// loop. F is the static feed-forward term.
type PIDGains struct {
	P float64
	I float64
	D float64
	F float64
}

// MotorSettings is everything a motor controller needs before it can serve
// closed-loop commands. Scales convert the controller's native rotations into
// mechanism units so that all positions and velocities crossing the package
// boundary are already in degrees or meters.
type MotorSettings struct {
	// PositionScale converts one motor rotation into mechanism units
	// (degrees at the wheel pivot, or meters of travel).
	PositionScale float64
	// VelocityScale converts one motor RPM into mechanism units per second.
	VelocityScale float64
	// Inverted flips the motor's positive direction.
	Inverted bool
	// Brake selects brake (true) or coast (false) when output is neutral.
	Brake bool
	// Gains configures the onboard closed loop.
	Gains PIDGains
}

// AbsoluteEncoder reads a magnetic absolute encoder mounted on the wheel
// pivot. Readings are bounded to [-180, 180) and survive power cycles; the
// persisted offset aligns the magnet's arbitrary zero with the mechanical
// zero and is stored in the device's non-volatile configuration.
type AbsoluteEncoder interface {
	// BoundedAngle returns the pivot angle in degrees, in [-180, 180).
	BoundedAngle(ctx context.Context) (float64, error)

	// PersistedOffset returns the magnet offset currently stored in the
	// device's non-volatile configuration, in degrees.
	PersistedOffset(ctx context.Context) (float64, error)

	// SetPersistedOffset writes a new magnet offset to non-volatile
	// configuration. Implementations must not return before the device has
	// accepted the write or the timeout elapsed. The reading reported by
	// BoundedAngle is undefined until the device has settled afterward.
	SetPersistedOffset(ctx context.Context, offsetDeg float64, timeout time.Duration) error
}

// SteerMotor drives the wheel pivot. Positions are unbounded degrees: the
// controller integrates rotations past +/-180 without wrapping, which is what
// makes shortest-path steering across the seam possible.
type SteerMotor interface {
	// Configure applies settings before the motor serves commands.
	Configure(ctx context.Context, settings MotorSettings) error

	// Position returns the integrated pivot angle in degrees, unbounded.
	Position(ctx context.Context) (float64, error)

	// SetPosition overwrites the integrated position register without
	// moving the motor. Calibration uses this to seed the unbounded
	// heading from the absolute encoder.
	SetPosition(ctx context.Context, deg float64) error

	// GoToPosition commands the onboard position loop to the given
	// unbounded angle in degrees.
	GoToPosition(ctx context.Context, deg float64) error

	// SetInverted flips the motor's positive direction at runtime.
	SetInverted(ctx context.Context, inverted bool) error
}

// DriveMotor spins the wheel. Velocities are meters per second at the
// wheel's contact patch.
type DriveMotor interface {
	// Configure applies settings before the motor serves commands.
	Configure(ctx context.Context, settings MotorSettings) error

	// Velocity returns the measured wheel speed in meters per second.
	Velocity(ctx context.Context) (float64, error)

	// SetVelocity commands the onboard velocity loop, in meters per second.
	SetVelocity(ctx context.Context, mps float64) error

	// SetInverted flips the motor's positive direction at runtime.
	SetInverted(ctx context.Context, inverted bool) error

	// Stop cuts output and lets the neutral mode take over.
	Stop(ctx context.Context) error
}
