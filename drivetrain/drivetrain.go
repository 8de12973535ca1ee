// Package drivetrain coordinates a set of steering modules as one machine.
// It owns the periodic control cycle: every period it measures all modules,
// then fans the most recent desired states out to them. Callers that want to
// schedule the cycle themselves can call Step directly instead of Start.
package drivetrain

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/rdk/logging"
	goutils "go.viam.com/utils"

	"swerve/steering"
)

const (
	// defaultPeriod matches the 20ms control cycle the modules were tuned
	// against.
	defaultPeriod = 20 * time.Millisecond

	// defaultCommandTimeout is how long the last desired states keep being
	// re-sent before the watchdog zeroes wheel speeds.
	defaultCommandTimeout = 500 * time.Millisecond
)

// Config assembles a drivetrain.
type Config struct {
	// Modules in fan-out order. Names must be unique.
	Modules []*steering.Module
	// Logger defaults to a named logger when nil.
	Logger logging.Logger
	// Period between control cycles. Zero means the default.
	Period time.Duration
	// CommandTimeout is the staleness bound on desired states: once the
	// last SetStates call is older than this, wheels are commanded to zero
	// speed at their current heading. Zero means the default; negative
	// disables the watchdog.
	CommandTimeout time.Duration
	// OptimizeHeadings flips desired states that are more than a quarter
	// turn away, rolling the wheel backward instead. Off by default.
	OptimizeHeadings bool
}

// Drivetrain runs the measure/command cycle over its modules. Desired states
// are cached: the loop keeps re-sending the latest ones each cycle until they
// go stale.
type Drivetrain struct {
	logger   logging.Logger
	modules  []*steering.Module
	byName   map[string]*steering.Module
	period   time.Duration
	timeout  time.Duration
	optimize bool

	mu          sync.RWMutex
	desired     []steering.State
	commanding  bool
	lastCommand time.Time

	// cmdMu serializes command fan-out against Stop and Recalibrate, so a
	// cycle already in flight cannot re-command motors after a stop or move
	// wheels mid-calibration.
	cmdMu sync.Mutex

	cancel  func()
	workers sync.WaitGroup
}

// New validates the module set and returns an idle drivetrain; nothing moves
// until Start or Step.
func New(cfg Config) (*Drivetrain, error) {
	if len(cfg.Modules) == 0 {
		return nil, errors.New("drivetrain needs at least one module")
	}
	byName := make(map[string]*steering.Module, len(cfg.Modules))
	for _, m := range cfg.Modules {
		if _, ok := byName[m.Name()]; ok {
			return nil, errors.Errorf("duplicate module name %q", m.Name())
		}
		byName[m.Name()] = m
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewLogger("drivetrain")
	}
	d := &Drivetrain{
		logger:   logger,
		modules:  cfg.Modules,
		byName:   byName,
		period:   cfg.Period,
		timeout:  cfg.CommandTimeout,
		optimize: cfg.OptimizeHeadings,
		desired:  make([]steering.State, len(cfg.Modules)),
	}
	if d.period <= 0 {
		d.period = defaultPeriod
	}
	if d.timeout == 0 {
		d.timeout = defaultCommandTimeout
	}
	return d, nil
}

// Start launches the control loop in the background. Close stops it.
func (d *Drivetrain) Start() {
	cancelCtx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.workers.Add(1)
	goutils.ManagedGo(func() {
		ticker := time.NewTicker(d.period)
		defer ticker.Stop()
		for {
			select {
			case <-cancelCtx.Done():
				return
			case <-ticker.C:
			}
			d.Step(cancelCtx)
		}
	}, d.workers.Done)
}

// Step runs one control cycle: measure every module, then command every
// module from the cached desired states. Command failures are logged and the
// cycle moves on; a module that cannot be reached this cycle will be tried
// again next cycle.
func (d *Drivetrain) Step(ctx context.Context) {
	for _, m := range d.modules {
		m.Measure(ctx)
	}

	d.cmdMu.Lock()
	defer d.cmdMu.Unlock()

	d.mu.RLock()
	commanding := d.commanding
	stale := d.timeout > 0 && time.Since(d.lastCommand) > d.timeout
	states := make([]steering.State, len(d.desired))
	copy(states, d.desired)
	d.mu.RUnlock()
	if !commanding {
		return
	}

	for i, m := range d.modules {
		s := states[i]
		if stale {
			// Keep the heading, kill the speed.
			s.Speed = 0
		}
		if d.optimize {
			s = steering.Optimize(s, m.Angle())
		}
		if err := m.SetDesiredState(ctx, s); err != nil {
			d.logger.Errorw("module command failed", "module", m.Name(), "error", err)
		}
	}
}

// SetStates caches one desired state per module, in module order. The control
// loop fans them out until they are replaced or go stale.
func (d *Drivetrain) SetStates(states []steering.State) error {
	if len(states) != len(d.modules) {
		return errors.Errorf("got %d states for %d modules", len(states), len(d.modules))
	}
	d.mu.Lock()
	copy(d.desired, states)
	d.commanding = true
	d.lastCommand = time.Now()
	d.mu.Unlock()
	return nil
}

// SetCrab points every wheel the same way, translating the chassis without
// rotating it.
func (d *Drivetrain) SetCrab(angleDeg, speedMPS float64) {
	d.mu.Lock()
	for i := range d.desired {
		d.desired[i] = steering.State{AngleDeg: angleDeg, Speed: speedMPS}
	}
	d.commanding = true
	d.lastCommand = time.Now()
	d.mu.Unlock()
}

// Stop stops every drive motor and halts command fan-out until the next
// SetStates or SetCrab. Wheels keep their headings.
func (d *Drivetrain) Stop(ctx context.Context) error {
	d.cmdMu.Lock()
	defer d.cmdMu.Unlock()

	d.mu.Lock()
	d.commanding = false
	d.mu.Unlock()

	var errs error
	for _, m := range d.modules {
		errs = multierr.Combine(errs, m.Stop(ctx))
	}
	return errs
}

// Recalibrate reseeds every module from its absolute encoder. Command fan-out
// is held off while it runs so a half-calibrated set never receives motion.
func (d *Drivetrain) Recalibrate(ctx context.Context) error {
	d.cmdMu.Lock()
	defer d.cmdMu.Unlock()

	var errs error
	for _, m := range d.modules {
		errs = multierr.Combine(errs, m.Calibrate(ctx))
	}
	return errs
}

// Snapshots returns the latest snapshot from every module, in module order.
func (d *Drivetrain) Snapshots() []steering.Snapshot {
	out := make([]steering.Snapshot, 0, len(d.modules))
	for _, m := range d.modules {
		out = append(out, m.Snapshot())
	}
	return out
}

// DriftReport maps module names to the signed difference between their
// absolute and integrated headings, in degrees.
func (d *Drivetrain) DriftReport() map[string]float64 {
	out := make(map[string]float64, len(d.modules))
	for _, m := range d.modules {
		out[m.Name()] = m.DriftDeg()
	}
	return out
}

// ByName returns the named module.
func (d *Drivetrain) ByName(name string) (*steering.Module, bool) {
	m, ok := d.byName[name]
	return m, ok
}

// Names returns module names in fan-out order.
func (d *Drivetrain) Names() []string {
	out := make([]string, 0, len(d.modules))
	for _, m := range d.modules {
		out = append(out, m.Name())
	}
	return out
}

// Close stops the control loop and the drive motors.
func (d *Drivetrain) Close(ctx context.Context) error {
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.workers.Wait()
	return d.Stop(ctx)
}
