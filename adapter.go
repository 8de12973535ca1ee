package swerve

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/rdk/components/encoder"
	"go.viam.com/rdk/components/motor"

	"swerve/steering"
)

// defaultSteerRPM caps steering moves when the config does not say otherwise.
const defaultSteerRPM = 300

// steerAdapter runs a position-reporting motor component as the steering
// actuator. The component keeps its own closed-loop tuning; this layer only
// converts between pivot degrees and motor revolutions. Inversion is
// emulated by mirroring commands and readings, since a component's direction
// belongs to its own config.
type steerAdapter struct {
	motor motor.Motor
	rpm   float64

	mu    sync.RWMutex
	scale float64
	sign  float64
}

var _ steering.SteerMotor = (*steerAdapter)(nil)

func newSteerAdapter(m motor.Motor, rpm float64) *steerAdapter {
	if rpm <= 0 {
		rpm = defaultSteerRPM
	}
	return &steerAdapter{motor: m, rpm: rpm, scale: 1, sign: 1}
}

func (a *steerAdapter) Configure(ctx context.Context, s steering.MotorSettings) error {
	props, err := a.motor.Properties(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "reading steering motor properties")
	}
	if !props.PositionReporting {
		return errors.New("steering motor does not report position")
	}
	if s.PositionScale <= 0 {
		return errors.Errorf("steering position scale must be positive, got %f", s.PositionScale)
	}
	a.mu.Lock()
	a.scale = s.PositionScale
	a.sign = 1
	if s.Inverted {
		a.sign = -1
	}
	a.mu.Unlock()
	return nil
}

func (a *steerAdapter) factors() (scale, sign float64) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.scale, a.sign
}

func (a *steerAdapter) Position(ctx context.Context) (float64, error) {
	rev, err := a.motor.Position(ctx, nil)
	if err != nil {
		return 0, err
	}
	scale, sign := a.factors()
	return rev * scale * sign, nil
}

func (a *steerAdapter) SetPosition(ctx context.Context, deg float64) error {
	scale, sign := a.factors()
	// After ResetZeroPosition(offset) the component reads -offset.
	return a.motor.ResetZeroPosition(ctx, -deg*sign/scale, nil)
}

func (a *steerAdapter) GoToPosition(ctx context.Context, deg float64) error {
	scale, sign := a.factors()
	return a.motor.GoTo(ctx, a.rpm, deg*sign/scale, nil)
}

func (a *steerAdapter) SetInverted(ctx context.Context, inverted bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sign = 1
	if inverted {
		a.sign = -1
	}
	return nil
}

// driveAdapter runs a motor component as the drive actuator. The component
// API has no velocity readout, so measured speed is estimated by differencing
// position between reads; the first read after configuration is zero.
type driveAdapter struct {
	motor motor.Motor

	mu       sync.Mutex
	posScale float64
	velScale float64
	sign     float64
	lastRev  float64
	lastAt   time.Time
	haveLast bool
	lastVel  float64
}

var _ steering.DriveMotor = (*driveAdapter)(nil)

func newDriveAdapter(m motor.Motor) *driveAdapter {
	return &driveAdapter{motor: m, posScale: 1, velScale: 1, sign: 1}
}

func (a *driveAdapter) Configure(ctx context.Context, s steering.MotorSettings) error {
	if s.PositionScale <= 0 || s.VelocityScale <= 0 {
		return errors.Errorf("drive scales must be positive, got %f and %f", s.PositionScale, s.VelocityScale)
	}
	a.mu.Lock()
	a.posScale = s.PositionScale
	a.velScale = s.VelocityScale
	a.sign = 1
	if s.Inverted {
		a.sign = -1
	}
	a.haveLast = false
	a.lastVel = 0
	a.mu.Unlock()
	return nil
}

func (a *driveAdapter) Velocity(ctx context.Context) (float64, error) {
	rev, err := a.motor.Position(ctx, nil)
	if err != nil {
		return 0, err
	}
	now := time.Now()

	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.haveLast {
		a.lastRev = rev
		a.lastAt = now
		a.haveLast = true
		return 0, nil
	}
	dt := now.Sub(a.lastAt).Seconds()
	if dt <= 0 {
		return a.lastVel, nil
	}
	a.lastVel = (rev - a.lastRev) * a.posScale * a.sign / dt
	a.lastRev = rev
	a.lastAt = now
	return a.lastVel, nil
}

func (a *driveAdapter) SetVelocity(ctx context.Context, mps float64) error {
	a.mu.Lock()
	rpm := mps * a.sign / a.velScale
	a.mu.Unlock()
	if math.Abs(rpm) < 1e-6 {
		// Motors reject spins at zero rpm.
		return a.motor.Stop(ctx, nil)
	}
	return a.motor.GoFor(ctx, rpm, 0, nil)
}

func (a *driveAdapter) SetInverted(ctx context.Context, inverted bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sign = 1
	if inverted {
		a.sign = -1
	}
	return nil
}

func (a *driveAdapter) Stop(ctx context.Context) error {
	return a.motor.Stop(ctx, nil)
}

// encoderAdapter reads an angle-reporting encoder component as the absolute
// pivot encoder. Offset persistence goes through the component's DoCommand
// when managed; otherwise the adapter reports the configured offset back so
// the power-up reconciliation treats the device as already programmed.
type encoderAdapter struct {
	enc           encoder.Encoder
	manageOffset  bool
	assumedOffset float64
}

var _ steering.AbsoluteEncoder = (*encoderAdapter)(nil)

func newEncoderAdapter(ctx context.Context, enc encoder.Encoder, manageOffset bool, assumedOffset float64) (*encoderAdapter, error) {
	props, err := enc.Properties(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "reading encoder properties")
	}
	if !props.AngleDegreesSupported {
		return nil, errors.New("encoder does not report angles in degrees")
	}
	return &encoderAdapter{enc: enc, manageOffset: manageOffset, assumedOffset: assumedOffset}, nil
}

func (a *encoderAdapter) BoundedAngle(ctx context.Context) (float64, error) {
	v, _, err := a.enc.Position(ctx, encoder.PositionTypeDegrees, nil)
	if err != nil {
		return 0, err
	}
	deg := steering.WrapTo180(v)
	if deg == 180 {
		deg = -180
	}
	return deg, nil
}

func (a *encoderAdapter) PersistedOffset(ctx context.Context) (float64, error) {
	if !a.manageOffset {
		return a.assumedOffset, nil
	}
	resp, err := a.enc.DoCommand(ctx, map[string]interface{}{"command": "get_magnet_offset"})
	if err != nil {
		return 0, errors.Wrap(err, "querying magnet offset")
	}
	offset, ok := resp["offset_deg"].(float64)
	if !ok {
		return 0, errors.New("encoder returned no offset_deg")
	}
	return offset, nil
}

func (a *encoderAdapter) SetPersistedOffset(ctx context.Context, offsetDeg float64, timeout time.Duration) error {
	if !a.manageOffset {
		return errors.New("encoder offset is not managed by this base")
	}
	if timeout > 0 {
		var cancel func()
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	_, err := a.enc.DoCommand(ctx, map[string]interface{}{
		"command":    "set_magnet_offset",
		"offset_deg": offsetDeg,
	})
	return errors.Wrap(err, "persisting magnet offset")
}
