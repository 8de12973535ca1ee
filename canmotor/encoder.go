package canmotor

import (
	"context"
	"sync"
	"time"

	"github.com/go-daq/canbus"
	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"

	"swerve/steering"
)

// offsetTimeout bounds offset read round-trips and is the default for
// persist acknowledgments when the caller does not give one.
const offsetTimeout = 250 * time.Millisecond

// AbsEncoder is an absolute magnetic encoder node. Angle readings arrive in
// the node's periodic status broadcasts; the magnet offset lives in the
// node's flash and is read and written with explicit request/response
// round-trips. A persist request is only considered done once the node acks
// it, but the node keeps serving stale angles for a short window after an
// ack while it reloads its configuration.
type AbsEncoder struct {
	bus    *Bus
	node   uint8
	name   string
	logger logging.Logger

	mu        sync.RWMutex
	angle     float64
	volts     float64
	temp      float64
	seen      bool
	offset    float64
	offsetSeq uint64
	ackCode   byte
	ackSeq    uint64
}

var _ steering.AbsoluteEncoder = (*AbsEncoder)(nil)

// NewAbsEncoder returns a driver for the encoder at the given node id and
// subscribes it to that node's traffic.
func NewAbsEncoder(bus *Bus, node uint8, name string, logger logging.Logger) *AbsEncoder {
	if logger == nil {
		logger = logging.NewLogger("canenc." + name)
	}
	e := &AbsEncoder{bus: bus, node: node, name: name, logger: logger}
	bus.subscribe(funcEncoderStatus|uint32(node), e.handleStatus)
	bus.subscribe(funcOffsetReport|uint32(node), e.handleOffsetReport)
	bus.subscribe(funcOffsetAck|uint32(node), e.handleAck)
	return e
}

func (e *AbsEncoder) handleStatus(frame canbus.Frame) {
	angle, volts, temp, ok := parseEncoderStatus(frame.Data)
	if !ok {
		e.logger.Debugw("short encoder status frame", "node", e.node, "len", len(frame.Data))
		return
	}
	e.mu.Lock()
	e.angle = angle
	e.volts = volts
	e.temp = temp
	e.seen = true
	e.mu.Unlock()
}

func (e *AbsEncoder) handleOffsetReport(frame canbus.Frame) {
	offset, ok := parseOffsetReport(frame.Data)
	if !ok {
		e.logger.Debugw("short offset report", "node", e.node, "len", len(frame.Data))
		return
	}
	e.mu.Lock()
	e.offset = offset
	e.offsetSeq++
	e.mu.Unlock()
}

func (e *AbsEncoder) handleAck(frame canbus.Frame) {
	code, ok := parseOffsetAck(frame.Data)
	if !ok {
		e.logger.Debugw("short offset ack", "node", e.node, "len", len(frame.Data))
		return
	}
	e.mu.Lock()
	e.ackCode = code
	e.ackSeq++
	e.mu.Unlock()
}

// BoundedAngle implements steering.AbsoluteEncoder.
func (e *AbsEncoder) BoundedAngle(ctx context.Context) (float64, error) {
	err := waitUntil(ctx, statusTimeout, func() bool {
		e.mu.RLock()
		defer e.mu.RUnlock()
		return e.seen
	})
	if err != nil {
		return 0, errors.Wrapf(err, "encoder %s (node %d): waiting for status", e.name, e.node)
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.angle, nil
}

// PersistedOffset implements steering.AbsoluteEncoder.
func (e *AbsEncoder) PersistedOffset(ctx context.Context) (float64, error) {
	e.mu.RLock()
	seq := e.offsetSeq
	e.mu.RUnlock()

	if err := e.bus.send(offsetReadFrame(e.node)); err != nil {
		return 0, errors.Wrapf(err, "encoder %s (node %d): requesting stored offset", e.name, e.node)
	}
	err := waitUntil(ctx, offsetTimeout, func() bool {
		e.mu.RLock()
		defer e.mu.RUnlock()
		return e.offsetSeq != seq
	})
	if err != nil {
		return 0, errors.Wrapf(err, "encoder %s (node %d): waiting for offset report", e.name, e.node)
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.offset, nil
}

// SetPersistedOffset implements steering.AbsoluteEncoder. It returns once the
// node acknowledges the flash write or the timeout passes.
func (e *AbsEncoder) SetPersistedOffset(ctx context.Context, offsetDeg float64, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = offsetTimeout
	}
	e.mu.RLock()
	seq := e.ackSeq
	e.mu.RUnlock()

	if err := e.bus.send(offsetWriteFrame(e.node, offsetDeg)); err != nil {
		return errors.Wrapf(err, "encoder %s (node %d): writing offset", e.name, e.node)
	}
	err := waitUntil(ctx, timeout, func() bool {
		e.mu.RLock()
		defer e.mu.RUnlock()
		return e.ackSeq != seq
	})
	if err != nil {
		return errors.Wrapf(err, "encoder %s (node %d): waiting for offset write ack", e.name, e.node)
	}

	e.mu.RLock()
	code := e.ackCode
	e.mu.RUnlock()
	if code != 0 {
		return errors.Errorf("encoder %s (node %d) rejected offset write: code 0x%02x", e.name, e.node, code)
	}
	return nil
}

// Health returns the node's reported bus voltage and board temperature. ok is
// false until the first status frame arrives.
func (e *AbsEncoder) Health() (volts, tempC float64, ok bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.volts, e.temp, e.seen
}
