package steering

import "math"

// State is a desired wheel state: where to point and how fast to roll.
type State struct {
	// AngleDeg is the desired heading in degrees. Bounded or unbounded;
	// only its value modulo 360 matters.
	AngleDeg float64
	// Speed is the desired wheel speed in meters per second. Negative
	// speeds roll the wheel backward.
	Speed float64
}

// Optimize returns an equivalent state that never requires rotating the
// wheel more than a quarter turn from the current heading: when the desired
// heading is more than 90 degrees away, the heading is flipped by a half turn
// and the speed negated. The wheel covers the same ground either way.
//
// Modules do not apply this on their own; a drivetrain opts in per command.
func Optimize(desired State, currentAngleDeg float64) State {
	if math.Abs(Delta360(desired.AngleDeg, currentAngleDeg)) <= 90 {
		return desired
	}
	return State{
		AngleDeg: WrapTo180(desired.AngleDeg + 180),
		Speed:    -desired.Speed,
	}
}
