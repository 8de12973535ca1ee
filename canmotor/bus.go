// Package canmotor drives swerve corner hardware over SocketCAN: smart motor
// controllers with onboard position/velocity loops and absolute magnetic
// encoders with flash-persisted offsets. The drivers implement the steering
// package's hardware interfaces; nothing above this package knows the frame
// layout.
package canmotor

import (
	"context"
	"sync"
	"time"

	"github.com/go-daq/canbus"
	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	goutils "go.viam.com/utils"
	"golang.org/x/sys/unix"
)

// receiveRetryPause keeps a failing socket from spinning the receive loop
// while it recovers.
const receiveRetryPause = 10 * time.Millisecond

// Socket is the slice of canbus.Socket the bus needs. Tests substitute an
// in-memory device.
type Socket interface {
	Send(msg canbus.Frame) (int, error)
	Recv() (msg canbus.Frame, err error)
	SetFilters(filters []unix.CanFilter) error
	Close() error
}

// Bus multiplexes one CAN socket between drivers: sends are serialized, and a
// receive loop dispatches incoming frames to the driver subscribed to each
// identifier.
type Bus struct {
	sock   Socket
	logger logging.Logger

	sendMu sync.Mutex

	mu       sync.RWMutex
	handlers map[uint32]func(canbus.Frame)

	cancel  func()
	workers sync.WaitGroup
}

// Open binds a raw CAN socket on the given channel, e.g. "can0".
func Open(channel string, logger logging.Logger) (*Bus, error) {
	sock, err := canbus.New()
	if err != nil {
		return nil, errors.Wrap(err, "creating CAN socket")
	}
	if err := sock.Bind(channel); err != nil {
		return nil, errors.Wrapf(err, "binding CAN socket to %s", channel)
	}
	return NewBus(sock, logger), nil
}

// NewBus wraps an already-open socket.
func NewBus(sock Socket, logger logging.Logger) *Bus {
	if logger == nil {
		logger = logging.NewLogger("canbus")
	}
	return &Bus{
		sock:     sock,
		logger:   logger,
		handlers: make(map[uint32]func(canbus.Frame)),
	}
}

func (b *Bus) send(frame canbus.Frame) error {
	b.sendMu.Lock()
	defer b.sendMu.Unlock()
	_, err := b.sock.Send(frame)
	return err
}

// subscribe routes frames with the given identifier to fn. fn runs on the
// receive goroutine and must not block.
func (b *Bus) subscribe(id uint32, fn func(canbus.Frame)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[id] = fn
}

// Start installs kernel filters for every subscribed identifier and launches
// the receive loop. Create all drivers before calling Start so their
// subscriptions make it into the filter set.
func (b *Bus) Start() error {
	b.mu.RLock()
	filters := make([]unix.CanFilter, 0, len(b.handlers))
	for id := range b.handlers {
		filters = append(filters, unix.CanFilter{Id: id, Mask: unix.CAN_SFF_MASK})
	}
	b.mu.RUnlock()
	if err := b.sock.SetFilters(filters); err != nil {
		return errors.Wrap(err, "setting CAN filters")
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.workers.Add(1)
	goutils.ManagedGo(func() {
		for {
			frame, err := b.sock.Recv()
			if err != nil {
				if cancelCtx.Err() != nil {
					return
				}
				// A transient Rx error must not strand every driver on
				// stale readings; keep receiving.
				b.logger.Errorw("CAN receive failed", "error", err)
				if !goutils.SelectContextOrWait(cancelCtx, receiveRetryPause) {
					return
				}
				continue
			}
			b.mu.RLock()
			fn := b.handlers[frame.ID]
			b.mu.RUnlock()
			if fn != nil {
				fn(frame)
			}
		}
	}, b.workers.Done)
	return nil
}

// Close shuts the socket down, which also unblocks the receive loop, and
// waits for it to exit.
func (b *Bus) Close() error {
	if b.cancel != nil {
		b.cancel()
		b.cancel = nil
	}
	err := b.sock.Close()
	b.workers.Wait()
	return err
}
