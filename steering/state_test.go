package steering

import (
	"math"
	"testing"

	"go.viam.com/test"
)

func TestOptimize(t *testing.T) {
	// Targets within a quarter turn pass through untouched.
	test.That(t, Optimize(State{AngleDeg: 30, Speed: 2}, 0), test.ShouldResemble, State{AngleDeg: 30, Speed: 2})
	test.That(t, Optimize(State{AngleDeg: -80, Speed: 2}, 0), test.ShouldResemble, State{AngleDeg: -80, Speed: 2})
	test.That(t, Optimize(State{AngleDeg: 90, Speed: 1}, 0), test.ShouldResemble, State{AngleDeg: 90, Speed: 1})

	// Beyond a quarter turn the heading flips and the wheel rolls backward.
	got := Optimize(State{AngleDeg: 135, Speed: 2}, 0)
	test.That(t, got.AngleDeg, test.ShouldAlmostEqual, -45, 1e-9)
	test.That(t, got.Speed, test.ShouldEqual, -2)

	got = Optimize(State{AngleDeg: 0, Speed: 1}, 150)
	test.That(t, got.AngleDeg, test.ShouldAlmostEqual, 180, 1e-9)
	test.That(t, got.Speed, test.ShouldEqual, -1)

	got = Optimize(State{AngleDeg: 180, Speed: 1}, 0)
	test.That(t, got.AngleDeg, test.ShouldAlmostEqual, 0, 1e-9)
	test.That(t, got.Speed, test.ShouldEqual, -1)
}

func TestOptimizeNeverLeavesMoreThanQuarterTurn(t *testing.T) {
	for target := -200.0; target <= 200; target += 7 {
		for current := -1000.0; current <= 1000; current += 83 {
			got := Optimize(State{AngleDeg: target, Speed: 1}, current)
			d := Delta360(got.AngleDeg, current)
			test.That(t, math.Abs(d), test.ShouldBeLessThanOrEqualTo, 90+1e-9)

			// The optimized state still describes the same wheel motion:
			// headings agree modulo a half turn, with speed sign matching.
			axis := math.Mod(math.Abs(got.AngleDeg-target), 180)
			sameAxis := axis < 1e-6 || axis > 180-1e-6
			test.That(t, sameAxis, test.ShouldBeTrue)
		}
	}
}
