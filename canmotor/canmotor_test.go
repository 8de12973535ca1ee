package canmotor

import (
	"context"
	"encoding/binary"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/go-daq/canbus"
	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	"go.viam.com/test"
	"golang.org/x/sys/unix"

	"swerve/steering"
)

// fakeNode is one simulated motor controller.
type fakeNode struct {
	params   map[byte]float32
	position int32
	velocity int32
	stopped  bool
	seeds    []int32
}

// fakeEncoderNode is one simulated absolute encoder.
type fakeEncoderNode struct {
	offset   int32
	dropAcks bool
	ackCode  byte
}

// fakeDevice is an in-memory CAN segment: Send processes host frames against
// simulated nodes, Recv drains the frames those nodes emit. Motor loops
// converge instantly and every accepted command is followed by a status
// broadcast.
type fakeDevice struct {
	mu       sync.Mutex
	rx       chan canbus.Frame
	recvErrs chan error
	closed   bool
	motors   map[uint8]*fakeNode
	encoders map[uint8]*fakeEncoderNode
	filters  []unix.CanFilter
	sendErr  error
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{
		rx:       make(chan canbus.Frame, 64),
		recvErrs: make(chan error, 4),
		motors:   make(map[uint8]*fakeNode),
		encoders: make(map[uint8]*fakeEncoderNode),
	}
}

func (d *fakeDevice) motorLocked(node uint8) *fakeNode {
	n, ok := d.motors[node]
	if !ok {
		n = &fakeNode{params: make(map[byte]float32)}
		d.motors[node] = n
	}
	return n
}

func (d *fakeDevice) encoderLocked(node uint8) *fakeEncoderNode {
	e, ok := d.encoders[node]
	if !ok {
		e = &fakeEncoderNode{}
		d.encoders[node] = e
	}
	return e
}

func (d *fakeDevice) queueLocked(f canbus.Frame) {
	if d.closed {
		return
	}
	select {
	case d.rx <- f:
	default:
	}
}

func (d *fakeDevice) motorStatusLocked(node uint8) {
	n := d.motorLocked(node)
	data := make([]byte, 8)
	binary.LittleEndian.PutUint32(data[0:4], uint32(n.position))
	binary.LittleEndian.PutUint32(data[4:8], uint32(n.velocity))
	d.queueLocked(canbus.Frame{ID: funcMotorStatus | uint32(node), Data: data, Kind: canbus.SFF})
}

func (d *fakeDevice) Send(msg canbus.Frame) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sendErr != nil {
		return 0, d.sendErr
	}
	node := uint8(msg.ID & nodeMask)
	switch msg.ID &^ nodeMask {
	case funcMotorPosition:
		n := d.motorLocked(node)
		n.position = int32(binary.LittleEndian.Uint32(msg.Data))
		d.motorStatusLocked(node)
	case funcMotorVelocity:
		n := d.motorLocked(node)
		n.velocity = int32(binary.LittleEndian.Uint32(msg.Data))
		n.stopped = false
		d.motorStatusLocked(node)
	case funcMotorSeed:
		n := d.motorLocked(node)
		n.position = int32(binary.LittleEndian.Uint32(msg.Data))
		n.seeds = append(n.seeds, n.position)
		d.motorStatusLocked(node)
	case funcMotorStop:
		n := d.motorLocked(node)
		n.velocity = 0
		n.stopped = true
		d.motorStatusLocked(node)
	case funcMotorParam:
		n := d.motorLocked(node)
		n.params[msg.Data[0]] = math.Float32frombits(binary.LittleEndian.Uint32(msg.Data[1:5]))
	case funcOffsetRead:
		e := d.encoderLocked(node)
		data := make([]byte, 4)
		binary.LittleEndian.PutUint32(data, uint32(e.offset))
		d.queueLocked(canbus.Frame{ID: funcOffsetReport | uint32(node), Data: data, Kind: canbus.SFF})
	case funcOffsetWrite:
		e := d.encoderLocked(node)
		e.offset = int32(binary.LittleEndian.Uint32(msg.Data))
		if !e.dropAcks {
			d.queueLocked(canbus.Frame{ID: funcOffsetAck | uint32(node), Data: []byte{e.ackCode}, Kind: canbus.SFF})
		}
	}
	return len(msg.Data), nil
}

func (d *fakeDevice) Recv() (canbus.Frame, error) {
	select {
	case err := <-d.recvErrs:
		return canbus.Frame{}, err
	default:
	}
	f, ok := <-d.rx
	if !ok {
		return canbus.Frame{}, errors.New("socket closed")
	}
	return f, nil
}

// injectRecvError makes the next Recv call fail once.
func (d *fakeDevice) injectRecvError(err error) {
	d.recvErrs <- err
}

func (d *fakeDevice) SetFilters(filters []unix.CanFilter) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.filters = append([]unix.CanFilter(nil), filters...)
	return nil
}

func (d *fakeDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.closed {
		d.closed = true
		close(d.rx)
	}
	return nil
}

func (d *fakeDevice) pushEncoderStatus(node uint8, angleDeg, volts, tempC float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	data := make([]byte, 8)
	binary.LittleEndian.PutUint32(data[0:4], uint32(packTicks(angleDeg)))
	binary.LittleEndian.PutUint16(data[4:6], uint16(math.Round(volts/voltsPerTick)))
	binary.LittleEndian.PutUint16(data[6:8], uint16(int16(math.Round(tempC/celsiusPerTick))))
	d.queueLocked(canbus.Frame{ID: funcEncoderStatus | uint32(node), Data: data, Kind: canbus.SFF})
}

func (d *fakeDevice) param(node uint8, id byte) float32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.motorLocked(node).params[id]
}

func (d *fakeDevice) motorState(node uint8) (posDeg, vel float64, stopped bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := d.motorLocked(node)
	return ticksToUnits(n.position), ticksToUnits(n.velocity), n.stopped
}

func (d *fakeDevice) filterIDs() map[uint32]bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[uint32]bool, len(d.filters))
	for _, f := range d.filters {
		out[f.Id] = true
	}
	return out
}

func (d *fakeDevice) setStoredOffset(node uint8, deg float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.encoderLocked(node).offset = packTicks(deg)
}

func (d *fakeDevice) storedOffset(node uint8) float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return ticksToUnits(d.encoderLocked(node).offset)
}

func TestBusFiltersCoverSubscriptions(t *testing.T) {
	dev := newFakeDevice()
	bus := NewBus(dev, logging.NewTestLogger(t))
	NewMotor(bus, 1, "steer", logging.NewTestLogger(t))
	NewAbsEncoder(bus, 5, "pivot", logging.NewTestLogger(t))

	test.That(t, bus.Start(), test.ShouldBeNil)
	defer func() {
		test.That(t, bus.Close(), test.ShouldBeNil)
	}()

	ids := dev.filterIDs()
	test.That(t, ids[funcMotorStatus|1], test.ShouldBeTrue)
	test.That(t, ids[funcEncoderStatus|5], test.ShouldBeTrue)
	test.That(t, ids[funcOffsetReport|5], test.ShouldBeTrue)
	test.That(t, ids[funcOffsetAck|5], test.ShouldBeTrue)
	test.That(t, len(ids), test.ShouldEqual, 4)
}

func TestMotorDriver(t *testing.T) {
	ctx := context.Background()
	dev := newFakeDevice()
	bus := NewBus(dev, logging.NewTestLogger(t))
	m := NewMotor(bus, 1, "steer", logging.NewTestLogger(t))
	test.That(t, bus.Start(), test.ShouldBeNil)
	defer func() {
		test.That(t, bus.Close(), test.ShouldBeNil)
	}()

	err := m.Configure(ctx, steering.MotorSettings{
		PositionScale: 28.125,
		VelocityScale: 0.46875,
		Inverted:      true,
		Brake:         true,
		Gains:         steering.PIDGains{P: 0.01, I: 0.0001, D: 0.1, F: 0.227},
	})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, dev.param(1, paramPositionScale), test.ShouldEqual, float32(28.125))
	test.That(t, dev.param(1, paramVelocityScale), test.ShouldEqual, float32(0.46875))
	test.That(t, dev.param(1, paramKP), test.ShouldEqual, float32(0.01))
	test.That(t, dev.param(1, paramKF), test.ShouldEqual, float32(0.227))
	test.That(t, dev.param(1, paramInverted), test.ShouldEqual, float32(1))
	test.That(t, dev.param(1, paramBrake), test.ShouldEqual, float32(1))

	// Seeding jumps the local cache as well as the device register.
	test.That(t, m.SetPosition(ctx, -37.5), test.ShouldBeNil)
	pos, err := m.Position(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, pos, test.ShouldAlmostEqual, -37.5, 1e-9)

	test.That(t, m.GoToPosition(ctx, 45), test.ShouldBeNil)
	devPos, _, _ := dev.motorState(1)
	test.That(t, devPos, test.ShouldAlmostEqual, 45, 1e-9)

	test.That(t, m.SetVelocity(ctx, 1.5), test.ShouldBeNil)
	_, devVel, _ := dev.motorState(1)
	test.That(t, devVel, test.ShouldAlmostEqual, 1.5, 1e-9)

	// The status broadcast catches the cached reading up with the device.
	err = waitUntil(ctx, time.Second, func() bool {
		v, err := m.Velocity(ctx)
		return err == nil && math.Abs(v-1.5) < 1e-9
	})
	test.That(t, err, test.ShouldBeNil)

	test.That(t, m.Stop(ctx), test.ShouldBeNil)
	_, devVel, stopped := dev.motorState(1)
	test.That(t, devVel, test.ShouldEqual, 0)
	test.That(t, stopped, test.ShouldBeTrue)
}

func TestBusKeepsReceivingAfterTransientError(t *testing.T) {
	ctx := context.Background()
	dev := newFakeDevice()
	bus := NewBus(dev, logging.NewTestLogger(t))
	m := NewMotor(bus, 1, "steer", logging.NewTestLogger(t))

	// The first receive fails, as when the adapter briefly runs out of
	// buffers. Frames arriving afterward must still reach the driver.
	dev.injectRecvError(errors.New("read: no buffer space available"))
	test.That(t, bus.Start(), test.ShouldBeNil)
	defer func() {
		test.That(t, bus.Close(), test.ShouldBeNil)
	}()

	dev.mu.Lock()
	dev.motorLocked(1).position = packTicks(90)
	dev.motorStatusLocked(1)
	dev.mu.Unlock()

	pos, err := m.Position(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, pos, test.ShouldAlmostEqual, 90, 1e-9)
}

func TestMotorReadsFailWithoutStatus(t *testing.T) {
	ctx := context.Background()
	dev := newFakeDevice()
	bus := NewBus(dev, logging.NewTestLogger(t))
	m := NewMotor(bus, 9, "silent", logging.NewTestLogger(t))
	test.That(t, bus.Start(), test.ShouldBeNil)
	defer func() {
		test.That(t, bus.Close(), test.ShouldBeNil)
	}()

	_, err := m.Position(ctx)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "waiting for status")
	test.That(t, err.Error(), test.ShouldContainSubstring, "node 9")
}

func TestEncoderDriver(t *testing.T) {
	ctx := context.Background()
	dev := newFakeDevice()
	bus := NewBus(dev, logging.NewTestLogger(t))
	enc := NewAbsEncoder(bus, 5, "frontLeft", logging.NewTestLogger(t))
	dev.setStoredOffset(5, -114.3)
	test.That(t, bus.Start(), test.ShouldBeNil)
	defer func() {
		test.That(t, bus.Close(), test.ShouldBeNil)
	}()

	dev.pushEncoderStatus(5, -37.5, 12.5, 30.5)
	angle, err := enc.BoundedAngle(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, angle, test.ShouldAlmostEqual, -37.5, 1e-9)

	volts, temp, ok := enc.Health()
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, volts, test.ShouldAlmostEqual, 12.5, 1e-9)
	test.That(t, temp, test.ShouldAlmostEqual, 30.5, 1e-9)

	// The stored offset comes back quantized to the wire resolution.
	offset, err := enc.PersistedOffset(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, offset, test.ShouldAlmostEqual, -114.3, unitsPerTick/2)

	test.That(t, enc.SetPersistedOffset(ctx, 25, 0), test.ShouldBeNil)
	test.That(t, dev.storedOffset(5), test.ShouldEqual, 25.0)
	offset, err = enc.PersistedOffset(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, offset, test.ShouldEqual, 25.0)
}

func TestEncoderOffsetWriteFailures(t *testing.T) {
	ctx := context.Background()
	dev := newFakeDevice()
	bus := NewBus(dev, logging.NewTestLogger(t))
	enc := NewAbsEncoder(bus, 5, "frontLeft", logging.NewTestLogger(t))
	test.That(t, bus.Start(), test.ShouldBeNil)
	defer func() {
		test.That(t, bus.Close(), test.ShouldBeNil)
	}()

	// The node refuses the write.
	dev.mu.Lock()
	dev.encoderLocked(5).ackCode = 0x07
	dev.mu.Unlock()
	err := enc.SetPersistedOffset(ctx, 10, 0)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "rejected")
	test.That(t, err.Error(), test.ShouldContainSubstring, "0x07")

	// The node never acks: the caller's timeout bounds the wait.
	dev.mu.Lock()
	dev.encoderLocked(5).ackCode = 0
	dev.encoderLocked(5).dropAcks = true
	dev.mu.Unlock()
	start := time.Now()
	err = enc.SetPersistedOffset(ctx, 10, 50*time.Millisecond)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "ack")
	test.That(t, time.Since(start), test.ShouldBeLessThan, offsetTimeout)
}

func TestSteeringModuleOverCAN(t *testing.T) {
	ctx := context.Background()
	dev := newFakeDevice()
	bus := NewBus(dev, logging.NewTestLogger(t))
	steerM := NewMotor(bus, 1, "frontLeft-steer", logging.NewTestLogger(t))
	driveM := NewMotor(bus, 2, "frontLeft-drive", logging.NewTestLogger(t))
	enc := NewAbsEncoder(bus, 5, "frontLeft-pivot", logging.NewTestLogger(t))

	dev.setStoredOffset(5, -10)
	test.That(t, bus.Start(), test.ShouldBeNil)
	defer func() {
		test.That(t, bus.Close(), test.ShouldBeNil)
	}()
	dev.pushEncoderStatus(5, 37.5, 12.3, 28)

	mod, err := steering.New(ctx, steering.Config{
		Name:            "frontLeft",
		Absolute:        enc,
		Steer:           steerM,
		Drive:           driveM,
		Logger:          logging.NewTestLogger(t),
		WheelDiameterM:  0.1016,
		DriveGearRatio:  8.16,
		SteerGearRatio:  12.8,
		MagnetOffsetDeg: -10,
	})
	test.That(t, err, test.ShouldBeNil)

	// The stored offset already matched, so construction never wrote flash,
	// and the steering register was seeded from the absolute reading.
	test.That(t, mod.Angle(), test.ShouldAlmostEqual, 37.5, 1e-9)
	devPos, _, _ := dev.motorState(1)
	test.That(t, devPos, test.ShouldAlmostEqual, 37.5, 1e-9)

	// Steering crosses the seam the short way: 37.5 -> -170 is +152.5.
	test.That(t, mod.SetDesiredState(ctx, steering.State{AngleDeg: -170, Speed: 1}), test.ShouldBeNil)
	devPos, _, _ = dev.motorState(1)
	test.That(t, devPos, test.ShouldAlmostEqual, 190, 1e-9)
	_, devVel, _ := dev.motorState(2)
	test.That(t, devVel, test.ShouldAlmostEqual, 1, 1e-9)

	// The next measurement picks the new heading up off the bus.
	err = waitUntil(ctx, time.Second, func() bool {
		mod.Measure(ctx)
		return math.Abs(mod.Angle()-190) < 1e-9
	})
	test.That(t, err, test.ShouldBeNil)
}
