// Package swerve exposes a four-wheel independent-steering drivetrain as a
// base component. Each wheel pairs a drive motor with a steering motor and an
// absolute pivot encoder; the steering package reconciles the two reference
// frames and the drivetrain package runs the measure/command loop.
package swerve

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	goutils "go.viam.com/utils"

	"go.viam.com/rdk/components/base"
	"go.viam.com/rdk/components/encoder"
	"go.viam.com/rdk/components/motor"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/spatialmath"

	"swerve/drivetrain"
	"swerve/steering"
)

// Model is the resource model this package registers.
var Model = resource.NewModel("swerve", "drive", "four-wheel")

// moveThreshold is the speed in m/s below which the base reports itself
// stationary. Matches the steering dead-band so a parked wheel never counts
// as motion.
const moveThreshold = 0.01

func init() {
	resource.RegisterComponent(
		base.API,
		Model,
		resource.Registration[base.Base, *Config]{Constructor: newBase})
}

type swerveBase struct {
	resource.Named
	resource.AlwaysRebuild

	logger     logging.Logger
	geometries []spatialmath.Geometry

	widthMm              float64
	wheelCircumferenceMm float64
	maxSpeedMps          float64

	drive *drivetrain.Drivetrain

	telemMu sync.RWMutex
	telem   map[string]steering.Snapshot
}

// newBase resolves the configured motors and encoders, brings up one steering
// module per wheel (programming magnet offsets and calibrating as needed) and
// starts the drivetrain control loop.
func newBase(
	ctx context.Context,
	deps resource.Dependencies,
	conf resource.Config,
	logger logging.Logger,
) (base.Base, error) {
	cfg, err := resource.NativeConfig[*Config](conf)
	if err != nil {
		return nil, err
	}

	var geometries = []spatialmath.Geometry{}
	if conf.Frame != nil {
		frame, err := conf.Frame.ParseConfig()
		if err != nil {
			return nil, err
		}
		geometries = append(geometries, frame.Geometry())
	}

	sBase := &swerveBase{
		Named:                conf.ResourceName().AsNamed(),
		logger:               logger,
		geometries:           geometries,
		widthMm:              cfg.WidthMM,
		wheelCircumferenceMm: math.Pi * cfg.WheelDiameterMM,
		maxSpeedMps:          cfg.MaxSpeedMPS,
		telem:                map[string]steering.Snapshot{},
	}

	names := sortedModuleNames(cfg.Modules)
	modules := make([]*steering.Module, 0, len(names))
	for _, name := range names {
		mc := cfg.Modules[name]
		steerMotor, err := motor.FromDependencies(deps, mc.SteerMotor)
		if err != nil {
			return nil, err
		}
		driveMotor, err := motor.FromDependencies(deps, mc.DriveMotor)
		if err != nil {
			return nil, err
		}
		pivotEncoder, err := encoder.FromDependencies(deps, mc.Encoder)
		if err != nil {
			return nil, err
		}
		absolute, err := newEncoderAdapter(ctx, pivotEncoder, mc.ManageMagnetOffset, mc.MagnetOffsetDeg)
		if err != nil {
			return nil, errors.Wrapf(err, "module %s", name)
		}

		module, err := steering.New(ctx, steering.Config{
			Name:               name,
			Absolute:           absolute,
			Steer:              newSteerAdapter(steerMotor, cfg.SteerRPM),
			Drive:              newDriveAdapter(driveMotor),
			Telemetry:          steering.SinkFunc(sBase.telemPut),
			Logger:             logger,
			WheelDiameterM:     cfg.WheelDiameterMM / 1000.0,
			DriveGearRatio:     cfg.DriveGearRatio,
			SteerGearRatio:     cfg.SteerGearRatio,
			MagnetOffsetDeg:    mc.MagnetOffsetDeg,
			InvertAngleCommand: mc.InvertAngleCommand,
			InvertSteerMotor:   mc.InvertSteerMotor,
			InvertDriveMotor:   mc.InvertDriveMotor,
		})
		if err != nil {
			return nil, errors.Wrapf(err, "module %s", name)
		}
		modules = append(modules, module)
	}

	drive, err := drivetrain.New(drivetrain.Config{
		Modules:          modules,
		Logger:           logger,
		Period:           time.Duration(cfg.LoopPeriodMS) * time.Millisecond,
		OptimizeHeadings: cfg.OptimizeHeadings,
	})
	if err != nil {
		return nil, err
	}
	sBase.drive = drive
	drive.Start()

	return sBase, nil
}

func (sb *swerveBase) telemPut(s steering.Snapshot) {
	sb.telemMu.Lock()
	sb.telem[s.Name] = s
	sb.telemMu.Unlock()
}

func (sb *swerveBase) telemGetAll() map[string]interface{} {
	sb.telemMu.RLock()
	defer sb.telemMu.RUnlock()
	out := make(map[string]interface{}, len(sb.telem))
	for name, s := range sb.telem {
		out[name] = map[string]interface{}{
			"angle":           s.InternalAngleDeg,
			"angle_ext":       s.ExternalAngleDeg,
			"velocity":        s.Velocity,
			"angle_target":    s.TargetAngleDeg,
			"velocity_target": s.TargetVelocity,
			"captured_at":     s.CapturedAt.Format(time.RFC3339Nano),
		}
	}
	return out
}

// crab points every wheel at the same heading. Zero speed stops the wheels
// instead, leaving the pivots where they are.
func (sb *swerveBase) crab(ctx context.Context, headingDeg, speedMps float64) error {
	if speedMps == 0 {
		return sb.drive.Stop(ctx)
	}
	sb.drive.SetCrab(headingDeg, speedMps)
	return nil
}

// commandRefresh is how often a blocking move re-issues its command. Must
// stay well under the drivetrain's staleness timeout or the wheels coast to
// a stop mid-move.
const commandRefresh = 100 * time.Millisecond

// MoveStraight drives the given distance at the given speed with the wheels
// held straight ahead. A negative distance or speed reverses, as with a
// differential base.
func (sb *swerveBase) MoveStraight(ctx context.Context, distanceMm int, mmPerSec float64, extra map[string]interface{}) error {
	if distanceMm == 0 || mmPerSec == 0 {
		return errors.New("cannot move straight with a zero distance or speed")
	}
	// The signs multiply: a negative distance at a negative speed moves
	// forward, matching rdk's wheeled base.
	speedMps := math.Abs(mmPerSec) / 1000.0
	if (distanceMm < 0) != (mmPerSec < 0) {
		speedMps *= -1
	}

	defer func() {
		if err := sb.drive.Stop(ctx); err != nil {
			sb.logger.Errorw("stopping after MoveStraight", "error", err)
		}
	}()

	deadline := time.Now().Add(time.Duration(math.Abs(float64(distanceMm)/mmPerSec) * float64(time.Second)))
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil
		}
		if err := sb.crab(ctx, 0, speedMps); err != nil {
			return err
		}
		wait := commandRefresh
		if remaining < wait {
			wait = remaining
		}
		if !goutils.SelectContextOrWait(ctx, wait) {
			return ctx.Err()
		}
	}
}

// Spin is unsupported: turning the chassis needs per-wheel kinematics this
// base does not implement.
func (sb *swerveBase) Spin(ctx context.Context, angleDeg, degsPerSec float64, extra map[string]interface{}) error {
	return errors.New("swerve base does not support Spin")
}

// SetPower crabs along the direction of the linear vector, scaling its
// magnitude onto the configured maximum speed.
func (sb *swerveBase) SetPower(ctx context.Context, linear, angular r3.Vector, extra map[string]interface{}) error {
	if angular.Z != 0 {
		sb.logger.Warn("swerve base cannot turn the chassis, ignoring command")
		return errors.New("swerve base does not support angular motion")
	}
	if sb.maxSpeedMps <= 0 {
		return errors.New("max_speed_mps must be configured to use power commands")
	}
	magnitude := math.Hypot(linear.X, linear.Y)
	if magnitude > 1 {
		magnitude = 1
	}
	return sb.crab(ctx, headingOf(linear), magnitude*sb.maxSpeedMps)
}

// SetVelocity crabs along the direction of the linear vector, in mm/s.
func (sb *swerveBase) SetVelocity(ctx context.Context, linear, angular r3.Vector, extra map[string]interface{}) error {
	if angular.Z != 0 {
		sb.logger.Warn("swerve base cannot turn the chassis, ignoring command")
		return errors.New("swerve base does not support angular motion")
	}
	speedMps := math.Hypot(linear.X, linear.Y) / 1000.0
	return sb.crab(ctx, headingOf(linear), speedMps)
}

// headingOf converts a linear command vector to a wheel heading in degrees.
// +Y is straight ahead, positive headings swing toward +X.
func headingOf(linear r3.Vector) float64 {
	if linear.X == 0 && linear.Y == 0 {
		return 0
	}
	return math.Atan2(linear.X, linear.Y) * 180 / math.Pi
}

// Stop halts every wheel. Pivots hold their headings.
func (sb *swerveBase) Stop(ctx context.Context, extra map[string]interface{}) error {
	return sb.drive.Stop(ctx)
}

func (sb *swerveBase) IsMoving(ctx context.Context) (bool, error) {
	for _, s := range sb.drive.Snapshots() {
		if math.Abs(s.Velocity) > moveThreshold || math.Abs(s.TargetVelocity) > moveThreshold {
			return true, nil
		}
	}
	return false, nil
}

func (sb *swerveBase) Properties(ctx context.Context, extra map[string]interface{}) (base.Properties, error) {
	return base.Properties{
		WidthMeters:              sb.widthMm / 1000.0,
		WheelCircumferenceMeters: sb.wheelCircumferenceMm / 1000.0,
	}, nil
}

func (sb *swerveBase) Geometries(ctx context.Context, extra map[string]interface{}) ([]spatialmath.Geometry, error) {
	return sb.geometries, nil
}

// DoCommand covers the swerve-specific surface that the Base API has no verbs
// for: module telemetry, drift reporting, recalibration, direct per-module
// states and the inversion diagnostics.
func (sb *swerveBase) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	name, ok := cmd["command"]
	if !ok {
		return nil, errors.New("missing 'command' value")
	}
	switch name {
	case "get_telemetry":
		return sb.telemGetAll(), nil

	case "drift_report":
		report := sb.drive.DriftReport()
		out := make(map[string]interface{}, len(report))
		for module, drift := range report {
			out[module] = drift
		}
		return out, nil

	case "recalibrate":
		if err := sb.drive.Recalibrate(ctx); err != nil {
			return nil, err
		}
		return map[string]interface{}{"return": "recalibrate command processed"}, nil

	case "set_crab":
		angle, ok := cmd["angle_deg"].(float64)
		if !ok {
			return nil, errors.New("angle_deg must be set and a float")
		}
		speed, ok := cmd["speed_mps"].(float64)
		if !ok {
			return nil, errors.New("speed_mps must be set and a float")
		}
		if err := sb.crab(ctx, angle, speed); err != nil {
			return nil, err
		}
		return map[string]interface{}{"return": "set_crab command processed"}, nil

	case "set_module_states":
		statesRaw, ok := cmd["states"].(map[string]interface{})
		if !ok {
			return nil, errors.New("states must be set and a map of module name to state")
		}
		states := make([]steering.State, 0, len(statesRaw))
		for _, module := range sb.drive.Names() {
			stateRaw, ok := statesRaw[module]
			if !ok {
				return nil, errors.Errorf("missing state for module %s", module)
			}
			fields, ok := stateRaw.(map[string]interface{})
			if !ok {
				return nil, errors.Errorf("state for module %s must be a map", module)
			}
			angle, ok := fields["angle_deg"].(float64)
			if !ok {
				return nil, errors.Errorf("state for module %s needs a float angle_deg", module)
			}
			speed, ok := fields["speed_mps"].(float64)
			if !ok {
				return nil, errors.Errorf("state for module %s needs a float speed_mps", module)
			}
			states = append(states, steering.State{AngleDeg: angle, Speed: speed})
		}
		if err := sb.drive.SetStates(states); err != nil {
			return nil, err
		}
		return map[string]interface{}{"return": "set_module_states command processed"}, nil

	case "set_inversion":
		moduleName, ok := cmd["module"].(string)
		if !ok {
			return nil, errors.New("module must be set and a string")
		}
		setting, ok := cmd["setting"].(string)
		if !ok {
			return nil, errors.New("setting must be set, one of angle_command|steer_motor|drive_motor")
		}
		inverted, ok := cmd["inverted"].(bool)
		if !ok {
			return nil, errors.New("inverted must be set and a boolean")
		}
		module, ok := sb.drive.ByName(moduleName)
		if !ok {
			return nil, errors.Errorf("no such module: %s", moduleName)
		}
		var err error
		switch setting {
		case "angle_command":
			err = module.SetInvertAngleCommand(ctx, inverted)
		case "steer_motor":
			err = module.SetInvertSteerMotor(ctx, inverted)
		case "drive_motor":
			err = module.SetInvertDriveMotor(ctx, inverted)
		default:
			return nil, errors.Errorf("no such setting: %s", setting)
		}
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"return": fmt.Sprintf("set_inversion command processed: %s", setting)}, nil

	default:
		return nil, fmt.Errorf("no such command: %s", name)
	}
}

// Close stops the control loop and the wheels.
func (sb *swerveBase) Close(ctx context.Context) error {
	return sb.drive.Close(ctx)
}
