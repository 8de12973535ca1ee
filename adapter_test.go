package swerve

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"swerve/steering"
)

const testSteerScale = 360.0 / testSteerRatio

func TestSteerAdapterScalesAndSigns(t *testing.T) {
	ctx := context.Background()
	m := newFakeMotor("steer")
	a := newSteerAdapter(m, 0)
	test.That(t, a.Configure(ctx, steering.MotorSettings{PositionScale: testSteerScale}), test.ShouldBeNil)

	test.That(t, a.SetPosition(ctx, 37.5), test.ShouldBeNil)
	test.That(t, m.resetCount(), test.ShouldEqual, 1)
	test.That(t, m.position(), test.ShouldAlmostEqual, steerRev(37.5), 1e-9)
	deg, err := a.Position(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, deg, test.ShouldAlmostEqual, 37.5, 1e-9)

	test.That(t, a.GoToPosition(ctx, 90), test.ShouldBeNil)
	rpm, rev, _ := m.goTo()
	test.That(t, rpm, test.ShouldEqual, defaultSteerRPM)
	test.That(t, rev, test.ShouldAlmostEqual, steerRev(90), 1e-9)

	test.That(t, a.SetInverted(ctx, true), test.ShouldBeNil)
	test.That(t, a.GoToPosition(ctx, 90), test.ShouldBeNil)
	_, rev, _ = m.goTo()
	test.That(t, rev, test.ShouldAlmostEqual, steerRev(-90), 1e-9)
	deg, err = a.Position(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, deg, test.ShouldAlmostEqual, 90, 1e-9)

	test.That(t, a.SetPosition(ctx, -37.5), test.ShouldBeNil)
	deg, err = a.Position(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, deg, test.ShouldAlmostEqual, -37.5, 1e-9)
}

func TestSteerAdapterConfigureChecks(t *testing.T) {
	ctx := context.Background()

	m := newFakeMotor("steer")
	m.reportsPos = false
	a := newSteerAdapter(m, 120)
	err := a.Configure(ctx, steering.MotorSettings{PositionScale: testSteerScale})
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "position")

	a = newSteerAdapter(newFakeMotor("steer2"), 120)
	err = a.Configure(ctx, steering.MotorSettings{})
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "positive")
}

func TestDriveAdapterVelocityDifferencing(t *testing.T) {
	ctx := context.Background()
	posScale := math.Pi * testWheelDiameterMM / 1000.0 / testDriveRatio
	m := newFakeMotor("drive")
	a := newDriveAdapter(m)
	test.That(t, a.Configure(ctx, steering.MotorSettings{
		PositionScale: posScale,
		VelocityScale: posScale / 60.0,
	}), test.ShouldBeNil)

	start := time.Now()
	v, err := a.Velocity(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, v, test.ShouldEqual, 0.0)

	time.Sleep(60 * time.Millisecond)
	m.setPosition(1)
	v, err = a.Velocity(ctx)
	elapsed := time.Since(start).Seconds()
	test.That(t, err, test.ShouldBeNil)
	want := posScale / elapsed
	test.That(t, v, test.ShouldAlmostEqual, want, 0.3*want)
}

func TestDriveAdapterCommands(t *testing.T) {
	ctx := context.Background()
	posScale := math.Pi * testWheelDiameterMM / 1000.0 / testDriveRatio
	m := newFakeMotor("drive")
	a := newDriveAdapter(m)
	test.That(t, a.Configure(ctx, steering.MotorSettings{
		PositionScale: posScale,
		VelocityScale: posScale / 60.0,
	}), test.ShouldBeNil)

	test.That(t, a.SetVelocity(ctx, 1.5), test.ShouldBeNil)
	rpm, calls := m.goFor()
	test.That(t, calls, test.ShouldEqual, 1)
	test.That(t, rpm, test.ShouldAlmostEqual, driveRPM(1.5), 1e-9)

	test.That(t, a.SetInverted(ctx, true), test.ShouldBeNil)
	test.That(t, a.SetVelocity(ctx, 1.5), test.ShouldBeNil)
	rpm, _ = m.goFor()
	test.That(t, rpm, test.ShouldAlmostEqual, -driveRPM(1.5), 1e-9)

	// Zero velocity stops instead of spinning at zero rpm.
	test.That(t, a.SetVelocity(ctx, 0), test.ShouldBeNil)
	test.That(t, m.isStopped(), test.ShouldBeTrue)

	test.That(t, a.Stop(ctx), test.ShouldBeNil)
	test.That(t, m.isStopped(), test.ShouldBeTrue)
}

func TestEncoderAdapterBoundsAngles(t *testing.T) {
	ctx := context.Background()
	e := newFakeEncoder("enc", 270)
	a, err := newEncoderAdapter(ctx, e, false, -10)
	test.That(t, err, test.ShouldBeNil)

	for _, tc := range []struct {
		raw  float64
		want float64
	}{
		{270, -90},
		{180, -180},
		{-180, -180},
		{359, -1},
		{45, 45},
		{-45, -45},
	} {
		e.setDegrees(tc.raw)
		deg, err := a.BoundedAngle(ctx)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, deg, test.ShouldAlmostEqual, tc.want, 1e-9)
	}
}

func TestEncoderAdapterUnmanagedOffset(t *testing.T) {
	ctx := context.Background()
	e := newFakeEncoder("enc", 0)
	e.offsetDeg = 99
	a, err := newEncoderAdapter(ctx, e, false, -10)
	test.That(t, err, test.ShouldBeNil)

	// The device applies its own offset; the adapter reports the configured
	// value so power-up reconciliation never writes.
	offset, err := a.PersistedOffset(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, offset, test.ShouldEqual, -10.0)

	err = a.SetPersistedOffset(ctx, 25, 100*time.Millisecond)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "not managed")
	test.That(t, e.writes(), test.ShouldEqual, 0)
}

func TestEncoderAdapterManagedOffset(t *testing.T) {
	ctx := context.Background()
	e := newFakeEncoder("enc", 0)
	e.offsetDeg = -114.3
	a, err := newEncoderAdapter(ctx, e, true, 0)
	test.That(t, err, test.ShouldBeNil)

	offset, err := a.PersistedOffset(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, offset, test.ShouldEqual, -114.3)

	test.That(t, a.SetPersistedOffset(ctx, 25, 100*time.Millisecond), test.ShouldBeNil)
	test.That(t, e.storedOffset(), test.ShouldEqual, 25.0)
	test.That(t, e.writes(), test.ShouldEqual, 1)

	e.badReplies = true
	_, err = a.PersistedOffset(ctx)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "offset_deg")
}

func TestHeadingOf(t *testing.T) {
	for _, tc := range []struct {
		x, y float64
		want float64
	}{
		{0, 0, 0},
		{0, 1, 0},
		{1, 0, 90},
		{0, -1, 180},
		{-1, 0, -90},
		{1, 1, 45},
		{-1, -1, -135},
	} {
		test.That(t, headingOf(r3.Vector{X: tc.x, Y: tc.y}), test.ShouldAlmostEqual, tc.want, 1e-9)
	}
}
