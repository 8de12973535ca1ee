package steering

import "time"

// Snapshot is a point-in-time copy of one module's measured and commanded
// state. All fields come from the same measurement step, so a snapshot is
// internally consistent even while the control loop keeps running.
type Snapshot struct {
	// Name identifies the module, e.g. "frontLeft".
	Name string
	// InternalAngleDeg is the unbounded, sign-corrected heading tracked by
	// the steering motor's integrated encoder.
	InternalAngleDeg float64
	// ExternalAngleDeg is the bounded [-180, 180) reading from the
	// absolute encoder on the pivot.
	ExternalAngleDeg float64
	// Velocity is the measured wheel speed in meters per second.
	Velocity float64
	// TargetAngleDeg is the last commanded heading in degrees.
	TargetAngleDeg float64
	// TargetVelocity is the last commanded wheel speed in meters per
	// second.
	TargetVelocity float64
	// CapturedAt is when the measurement step ran.
	CapturedAt time.Time
}

// Sink receives a snapshot after every measurement step. Publish runs on the
// control loop's goroutine and must return promptly; a sink that needs to do
// slow work should hand the snapshot off. Errors inside a sink must never
// reach the control loop.
type Sink interface {
	Publish(Snapshot)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(Snapshot)

// Publish calls f.
func (f SinkFunc) Publish(s Snapshot) { f(s) }
