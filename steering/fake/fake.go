// Package fake provides in-memory stand-ins for the steering hardware
// interfaces. Motors converge instantly and the encoder models the one piece
// of real-device awkwardness that matters to callers: stale readings for a
// settle window after a non-volatile configuration write.
package fake

import (
	"context"
	"math"
	"sync"
	"time"

	"swerve/steering"
)

// Encoder is a fake absolute magnetic encoder. The reported angle is the
// wrapped sum of the magnet's physical position and the stored offset. After
// SetPersistedOffset the encoder keeps serving readings computed from the old
// offset until the settle window elapses, mimicking a device that has
// accepted a config write but not yet reloaded it.
type Encoder struct {
	mu          sync.Mutex
	magnet      float64
	offset      float64
	staleOffset float64
	settleUntil time.Time
	settleDur   time.Duration
	writes      int

	readErr        error
	offsetReadErr  error
	offsetWriteErr error
}

// NewEncoder returns an encoder whose magnet sits at magnetDeg with
// offsetDeg already persisted. settle is how long readings stay stale after
// an offset write; zero disables the window.
func NewEncoder(magnetDeg, offsetDeg float64, settle time.Duration) *Encoder {
	return &Encoder{magnet: magnetDeg, offset: offsetDeg, staleOffset: offsetDeg, settleDur: settle}
}

// wrapBounded maps any angle into [-180, 180).
func wrapBounded(deg float64) float64 {
	d := math.Mod(deg+180, 360)
	if d < 0 {
		d += 360
	}
	return d - 180
}

// BoundedAngle implements steering.AbsoluteEncoder.
func (e *Encoder) BoundedAngle(ctx context.Context) (float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.readErr != nil {
		return 0, e.readErr
	}
	offset := e.offset
	if time.Now().Before(e.settleUntil) {
		offset = e.staleOffset
	}
	return wrapBounded(e.magnet + offset), nil
}

// PersistedOffset implements steering.AbsoluteEncoder.
func (e *Encoder) PersistedOffset(ctx context.Context) (float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.offsetReadErr != nil {
		return 0, e.offsetReadErr
	}
	return e.offset, nil
}

// SetPersistedOffset implements steering.AbsoluteEncoder.
func (e *Encoder) SetPersistedOffset(ctx context.Context, offsetDeg float64, timeout time.Duration) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.offsetWriteErr != nil {
		return e.offsetWriteErr
	}
	e.writes++
	e.staleOffset = e.offset
	e.offset = offsetDeg
	e.settleUntil = time.Now().Add(e.settleDur)
	return nil
}

// SetMagnet moves the magnet's physical position, as if the pivot were
// rotated by hand.
func (e *Encoder) SetMagnet(deg float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.magnet = deg
}

// Writes returns how many offset writes the encoder has accepted.
func (e *Encoder) Writes() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.writes
}

// SetReadError makes BoundedAngle fail until cleared with nil.
func (e *Encoder) SetReadError(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.readErr = err
}

// SetOffsetReadError makes PersistedOffset fail until cleared with nil.
func (e *Encoder) SetOffsetReadError(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.offsetReadErr = err
}

// SetOffsetWriteError makes SetPersistedOffset fail until cleared with nil.
func (e *Encoder) SetOffsetWriteError(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.offsetWriteErr = err
}

// Motor is a fake motor controller that serves both the steering and drive
// roles. Closed loops converge instantly: a position command lands the
// integrated position on the target, a velocity command is immediately
// reflected in the measured velocity. Every position command is recorded so
// tests can check what was asked of the hardware, not just where it ended up.
type Motor struct {
	mu         sync.Mutex
	settings   steering.MotorSettings
	configured bool
	inverted   bool
	position   float64
	velocity   float64
	commands   []float64
	lastVel    float64
	stopped    bool

	configureErr error
	readErr      error
	commandErr   error
}

// NewMotor returns a motor with position and velocity at zero.
func NewMotor() *Motor {
	return &Motor{}
}

// Configure implements steering.SteerMotor and steering.DriveMotor.
func (m *Motor) Configure(ctx context.Context, settings steering.MotorSettings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.configureErr != nil {
		return m.configureErr
	}
	m.settings = settings
	m.inverted = settings.Inverted
	m.configured = true
	return nil
}

// Position implements steering.SteerMotor.
func (m *Motor) Position(ctx context.Context) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.readErr != nil {
		return 0, m.readErr
	}
	return m.position, nil
}

// SetPosition implements steering.SteerMotor.
func (m *Motor) SetPosition(ctx context.Context, deg float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.commandErr != nil {
		return m.commandErr
	}
	m.position = deg
	return nil
}

// GoToPosition implements steering.SteerMotor.
func (m *Motor) GoToPosition(ctx context.Context, deg float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.commandErr != nil {
		return m.commandErr
	}
	m.commands = append(m.commands, deg)
	m.position = deg
	m.stopped = false
	return nil
}

// Velocity implements steering.DriveMotor.
func (m *Motor) Velocity(ctx context.Context) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.readErr != nil {
		return 0, m.readErr
	}
	return m.velocity, nil
}

// SetVelocity implements steering.DriveMotor.
func (m *Motor) SetVelocity(ctx context.Context, mps float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.commandErr != nil {
		return m.commandErr
	}
	m.lastVel = mps
	m.velocity = mps
	m.stopped = false
	return nil
}

// SetInverted implements both motor interfaces.
func (m *Motor) SetInverted(ctx context.Context, inverted bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.commandErr != nil {
		return m.commandErr
	}
	m.inverted = inverted
	return nil
}

// Stop implements steering.DriveMotor.
func (m *Motor) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.commandErr != nil {
		return m.commandErr
	}
	m.lastVel = 0
	m.velocity = 0
	m.stopped = true
	return nil
}

// CurrentPosition returns the integrated position register.
func (m *Motor) CurrentPosition() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.position
}

// SetMeasuredVelocity overrides the measured velocity, decoupling it from the
// last command.
func (m *Motor) SetMeasuredVelocity(mps float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.velocity = mps
}

// RecordedCommands returns every position command in order.
func (m *Motor) RecordedCommands() []float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]float64, len(m.commands))
	copy(out, m.commands)
	return out
}

// LastCommandedVelocity returns the most recent velocity command.
func (m *Motor) LastCommandedVelocity() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastVel
}

// Settings returns what Configure stored.
func (m *Motor) Settings() steering.MotorSettings {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.settings
}

// Configured reports whether Configure has run.
func (m *Motor) Configured() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.configured
}

// Inverted returns the motor's current direction flag.
func (m *Motor) Inverted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inverted
}

// Stopped reports whether the last command was a stop.
func (m *Motor) Stopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}

// SetConfigureError makes Configure fail until cleared with nil.
func (m *Motor) SetConfigureError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.configureErr = err
}

// SetReadError makes Position and Velocity fail until cleared with nil.
func (m *Motor) SetReadError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readErr = err
}

// SetCommandError makes motion commands fail until cleared with nil.
func (m *Motor) SetCommandError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commandErr = err
}

// Recorder is a telemetry sink that keeps every published snapshot.
type Recorder struct {
	mu    sync.Mutex
	snaps []steering.Snapshot
}

// NewRecorder returns an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Publish implements steering.Sink.
func (r *Recorder) Publish(s steering.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, s)
}

// All returns every snapshot published so far.
func (r *Recorder) All() []steering.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]steering.Snapshot, len(r.snaps))
	copy(out, r.snaps)
	return out
}

// Last returns the most recent snapshot, if any.
func (r *Recorder) Last() (steering.Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.snaps) == 0 {
		return steering.Snapshot{}, false
	}
	return r.snaps[len(r.snaps)-1], true
}
