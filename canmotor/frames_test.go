package canmotor

import (
	"testing"

	"github.com/go-daq/canbus"
	"go.viam.com/test"
)

func TestCommandFrameLayout(t *testing.T) {
	// 90 degrees is 11520 ticks of 1/128, little-endian.
	f := positionFrame(2, 90)
	test.That(t, f.ID, test.ShouldEqual, uint32(0x202))
	test.That(t, f.Kind, test.ShouldEqual, canbus.SFF)
	test.That(t, f.Data, test.ShouldResemble, []byte{0x00, 0x2D, 0x00, 0x00})

	// Negative values go out as two's complement.
	f = velocityFrame(3, -unitsPerTick)
	test.That(t, f.ID, test.ShouldEqual, uint32(0x243))
	test.That(t, f.Data, test.ShouldResemble, []byte{0xFF, 0xFF, 0xFF, 0xFF})

	f = offsetWriteFrame(5, -114.3)
	test.That(t, f.ID, test.ShouldEqual, uint32(0x405))
	test.That(t, f.Data, test.ShouldResemble, []byte{0xDA, 0xC6, 0xFF, 0xFF})

	f = seedFrame(1, 37.5)
	test.That(t, f.ID, test.ShouldEqual, uint32(0x281))
	test.That(t, f.Data, test.ShouldResemble, []byte{0xC0, 0x12, 0x00, 0x00})

	f = stopFrame(4)
	test.That(t, f.ID, test.ShouldEqual, uint32(0x2C4))
	test.That(t, len(f.Data), test.ShouldEqual, 0)

	f = offsetReadFrame(7)
	test.That(t, f.ID, test.ShouldEqual, uint32(0x3C7))
}

func TestParamFrameLayout(t *testing.T) {
	// Gains travel as raw float32 bits after the parameter id.
	f := paramFrame(1, paramKP, 0.5)
	test.That(t, f.ID, test.ShouldEqual, uint32(0x301))
	test.That(t, f.Data, test.ShouldResemble, []byte{0x10, 0x00, 0x00, 0x00, 0x3F})

	f = boolParamFrame(1, paramBrake, true)
	test.That(t, f.Data, test.ShouldResemble, []byte{0x21, 0x00, 0x00, 0x80, 0x3F})

	f = boolParamFrame(1, paramInverted, false)
	test.That(t, f.Data, test.ShouldResemble, []byte{0x20, 0x00, 0x00, 0x00, 0x00})
}

func TestParseMotorStatus(t *testing.T) {
	// 37.5 degrees, -1 unit/s.
	data := []byte{0xC0, 0x12, 0x00, 0x00, 0x80, 0xFF, 0xFF, 0xFF}
	pos, vel, ok := parseMotorStatus(data)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, pos, test.ShouldAlmostEqual, 37.5, 1e-9)
	test.That(t, vel, test.ShouldAlmostEqual, -1, 1e-9)

	_, _, ok = parseMotorStatus(data[:7])
	test.That(t, ok, test.ShouldBeFalse)
}

func TestParseEncoderStatus(t *testing.T) {
	// 37.5 degrees, 12.5 volts, -12.5 C.
	data := []byte{0xC0, 0x12, 0x00, 0x00, 0xC8, 0x00, 0x38, 0xFF}
	angle, volts, temp, ok := parseEncoderStatus(data)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, angle, test.ShouldAlmostEqual, 37.5, 1e-9)
	test.That(t, volts, test.ShouldAlmostEqual, 12.5, 1e-9)
	test.That(t, temp, test.ShouldAlmostEqual, -12.5, 1e-9)

	_, _, _, ok = parseEncoderStatus(data[:4])
	test.That(t, ok, test.ShouldBeFalse)
}

func TestParseOffsetFrames(t *testing.T) {
	offset, ok := parseOffsetReport([]byte{0xDA, 0xC6, 0xFF, 0xFF})
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, offset, test.ShouldAlmostEqual, -114.296875, 1e-9)

	_, ok = parseOffsetReport([]byte{0x01})
	test.That(t, ok, test.ShouldBeFalse)

	code, ok := parseOffsetAck([]byte{0x07})
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, code, test.ShouldEqual, byte(0x07))

	_, ok = parseOffsetAck(nil)
	test.That(t, ok, test.ShouldBeFalse)
}

func TestTickQuantization(t *testing.T) {
	// Quantization error stays under half a tick in both directions.
	for _, v := range []float64{0, 0.004, -114.3, 37.5, 20000.25, -0.0039} {
		got := ticksToUnits(packTicks(v))
		test.That(t, got, test.ShouldAlmostEqual, v, unitsPerTick/2+1e-12)
	}
}
