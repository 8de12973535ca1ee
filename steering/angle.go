package steering

import "math"

// WrapTo180 reduces an angle of any magnitude to the equivalent value in
// (-180, 180]. The half-turn boundary maps to +180, never -180, so callers
// always see a single sign for the ambiguous case.
func WrapTo180(deg float64) float64 {
	d := math.Mod(deg, 360)
	if d <= -180 {
		d += 360
	} else if d > 180 {
		d -= 360
	}
	return d
}

// Delta360 returns the signed minimal rotation, in degrees, that moves
// current to an angle congruent to target modulo 360. target may be bounded
// or unbounded; current is typically the unbounded heading tracked by the
// steering encoder. The result is always in (-180, 180]: when target is
// exactly opposite current the tie resolves to +180 (a positive,
// counter-clockwise half turn).
func Delta360(target, current float64) float64 {
	return WrapTo180(target - current)
}
