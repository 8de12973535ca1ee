// swervectl is a bench bring-up tool for a swerve drivetrain on a CAN bus.
// It talks to the wheel controllers directly, without a robot server.
//
// Usage:
//
//	swervectl -config rig.yaml status
//	swervectl -config rig.yaml offsets
//	swervectl -config rig.yaml calibrate
//	swervectl -config rig.yaml drive -heading 0 -speed 0.3 -for 2s
//	swervectl -config rig.yaml stop
//
// With -fake the same commands run against in-memory hardware, which checks
// a rig file without a CAN adapter attached.
//
// The rig file names every wheel corner and its CAN nodes:
//
//	channel: can0
//	wheel_diameter_mm: 101.6
//	drive_gear_ratio: 8.16
//	steer_gear_ratio: 12.8
//	modules:
//	  - name: frontLeft
//	    steer_node: 1
//	    drive_node: 2
//	    encoder_node: 3
//	    magnet_offset_deg: -114.3
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"
	"gopkg.in/yaml.v2"

	"go.viam.com/rdk/logging"

	"swerve/canmotor"
	"swerve/drivetrain"
	"swerve/steering"
	"swerve/steering/fake"
)

func main() {
	goutils.ContextualMain(mainWithArgs, logging.FromZapCompatible(golog.NewDevelopmentLogger("swervectl")))
}

type gainsConfig struct {
	P float64 `yaml:"p"`
	I float64 `yaml:"i"`
	D float64 `yaml:"d"`
	F float64 `yaml:"f"`
}

type moduleConfig struct {
	Name               string      `yaml:"name"`
	SteerNode          uint8       `yaml:"steer_node"`
	DriveNode          uint8       `yaml:"drive_node"`
	EncoderNode        uint8       `yaml:"encoder_node"`
	MagnetOffsetDeg    float64     `yaml:"magnet_offset_deg"`
	InvertAngleCommand bool        `yaml:"invert_angle_command"`
	InvertSteerMotor   bool        `yaml:"invert_steer_motor"`
	InvertDriveMotor   bool        `yaml:"invert_drive_motor"`
	SteerGains         gainsConfig `yaml:"steer_gains"`
	DriveGains         gainsConfig `yaml:"drive_gains"`
}

type rigConfig struct {
	Channel          string         `yaml:"channel"`
	PeriodMS         int            `yaml:"period_ms"`
	WheelDiameterMM  float64        `yaml:"wheel_diameter_mm"`
	DriveGearRatio   float64        `yaml:"drive_gear_ratio"`
	SteerGearRatio   float64        `yaml:"steer_gear_ratio"`
	OptimizeHeadings bool           `yaml:"optimize_headings"`
	Modules          []moduleConfig `yaml:"modules"`
}

func loadRigConfig(path string) (*rigConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg rigConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrapf(err, "parsing %s", path)
	}
	if cfg.Channel == "" {
		cfg.Channel = "can0"
	}
	if len(cfg.Modules) == 0 {
		return nil, errors.Errorf("%s names no modules", path)
	}
	return &cfg, nil
}

// rig is a live drivetrain plus the raw encoders, kept around for health and
// offset queries the steering layer does not expose. bus is nil on a fake
// rig.
type rig struct {
	bus      *canmotor.Bus
	drive    *drivetrain.Drivetrain
	encoders map[string]steering.AbsoluteEncoder
}

func openRig(ctx context.Context, cfg *rigConfig, logger logging.Logger) (*rig, error) {
	bus, err := canmotor.Open(cfg.Channel, logger)
	if err != nil {
		return nil, err
	}

	// Subscriptions must all exist before Start fixes the receive filters.
	type corner struct {
		mc      moduleConfig
		steer   *canmotor.Motor
		drive   *canmotor.Motor
		encoder *canmotor.AbsEncoder
	}
	corners := make([]corner, 0, len(cfg.Modules))
	encoders := make(map[string]steering.AbsoluteEncoder, len(cfg.Modules))
	for _, mc := range cfg.Modules {
		c := corner{
			mc:      mc,
			steer:   canmotor.NewMotor(bus, mc.SteerNode, mc.Name+"-steer", logger),
			drive:   canmotor.NewMotor(bus, mc.DriveNode, mc.Name+"-drive", logger),
			encoder: canmotor.NewAbsEncoder(bus, mc.EncoderNode, mc.Name+"-encoder", logger),
		}
		corners = append(corners, c)
		encoders[mc.Name] = c.encoder
	}
	if err := bus.Start(); err != nil {
		return nil, multierr.Combine(err, bus.Close())
	}

	modules := make([]*steering.Module, 0, len(corners))
	for _, c := range corners {
		module, err := steering.New(ctx, steering.Config{
			Name:               c.mc.Name,
			Absolute:           c.encoder,
			Steer:              c.steer,
			Drive:              c.drive,
			Logger:             logger,
			WheelDiameterM:     cfg.WheelDiameterMM / 1000.0,
			DriveGearRatio:     cfg.DriveGearRatio,
			SteerGearRatio:     cfg.SteerGearRatio,
			MagnetOffsetDeg:    c.mc.MagnetOffsetDeg,
			InvertAngleCommand: c.mc.InvertAngleCommand,
			InvertSteerMotor:   c.mc.InvertSteerMotor,
			InvertDriveMotor:   c.mc.InvertDriveMotor,
			SteerGains:         steering.PIDGains{P: c.mc.SteerGains.P, I: c.mc.SteerGains.I, D: c.mc.SteerGains.D, F: c.mc.SteerGains.F},
			DriveGains:         steering.PIDGains{P: c.mc.DriveGains.P, I: c.mc.DriveGains.I, D: c.mc.DriveGains.D, F: c.mc.DriveGains.F},
		})
		if err != nil {
			return nil, multierr.Combine(errors.Wrapf(err, "module %s", c.mc.Name), bus.Close())
		}
		modules = append(modules, module)
	}

	drive, err := drivetrain.New(drivetrain.Config{
		Modules:          modules,
		Logger:           logger,
		Period:           time.Duration(cfg.PeriodMS) * time.Millisecond,
		OptimizeHeadings: cfg.OptimizeHeadings,
	})
	if err != nil {
		return nil, multierr.Combine(err, bus.Close())
	}
	return &rig{bus: bus, drive: drive, encoders: encoders}, nil
}

// openFakeRig builds the same drivetrain on in-memory hardware. Each fake
// pivot starts with its configured offset already persisted and the magnet
// at zero, so calibration seeds each wheel at the offset angle.
func openFakeRig(ctx context.Context, cfg *rigConfig, logger logging.Logger) (*rig, error) {
	encoders := make(map[string]steering.AbsoluteEncoder, len(cfg.Modules))
	modules := make([]*steering.Module, 0, len(cfg.Modules))
	for _, mc := range cfg.Modules {
		enc := fake.NewEncoder(0, mc.MagnetOffsetDeg, 0)
		module, err := steering.New(ctx, steering.Config{
			Name:               mc.Name,
			Absolute:           enc,
			Steer:              fake.NewMotor(),
			Drive:              fake.NewMotor(),
			Logger:             logger,
			WheelDiameterM:     cfg.WheelDiameterMM / 1000.0,
			DriveGearRatio:     cfg.DriveGearRatio,
			SteerGearRatio:     cfg.SteerGearRatio,
			MagnetOffsetDeg:    mc.MagnetOffsetDeg,
			InvertAngleCommand: mc.InvertAngleCommand,
			InvertSteerMotor:   mc.InvertSteerMotor,
			InvertDriveMotor:   mc.InvertDriveMotor,
			SteerGains:         steering.PIDGains{P: mc.SteerGains.P, I: mc.SteerGains.I, D: mc.SteerGains.D, F: mc.SteerGains.F},
			DriveGains:         steering.PIDGains{P: mc.DriveGains.P, I: mc.DriveGains.I, D: mc.DriveGains.D, F: mc.DriveGains.F},
		})
		if err != nil {
			return nil, errors.Wrapf(err, "module %s", mc.Name)
		}
		modules = append(modules, module)
		encoders[mc.Name] = enc
	}

	drive, err := drivetrain.New(drivetrain.Config{
		Modules:          modules,
		Logger:           logger,
		Period:           time.Duration(cfg.PeriodMS) * time.Millisecond,
		OptimizeHeadings: cfg.OptimizeHeadings,
	})
	if err != nil {
		return nil, err
	}
	return &rig{drive: drive, encoders: encoders}, nil
}

func (r *rig) Close(ctx context.Context) error {
	err := r.drive.Close(ctx)
	if r.bus != nil {
		err = multierr.Combine(err, r.bus.Close())
	}
	return err
}

func mainWithArgs(ctx context.Context, args []string, logger logging.Logger) error {
	fs := flag.NewFlagSet("swervectl", flag.ContinueOnError)
	configPath := fs.String("config", "rig.yaml", "rig config file")
	useFake := fs.Bool("fake", false, "use in-memory hardware instead of the CAN bus")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	command := "status"
	if fs.NArg() > 0 {
		command = fs.Arg(0)
	}

	cfg, err := loadRigConfig(*configPath)
	if err != nil {
		return err
	}
	open := openRig
	if *useFake {
		open = openFakeRig
	}
	r, err := open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := r.Close(ctx); err != nil {
			logger.Errorw("closing rig", "error", err)
		}
	}()

	switch command {
	case "status":
		return runStatus(ctx, r)
	case "offsets":
		return runOffsets(ctx, r, cfg)
	case "calibrate":
		if err := r.drive.Recalibrate(ctx); err != nil {
			return err
		}
		return runStatus(ctx, r)
	case "drive":
		return runDrive(ctx, r, fs.Args()[1:])
	case "stop":
		return r.drive.Stop(ctx)
	default:
		return errors.Errorf("unknown command %q (want status, offsets, calibrate, drive or stop)", command)
	}
}

func runStatus(ctx context.Context, r *rig) error {
	r.drive.Step(ctx)

	fmt.Printf("%-12s %10s %10s %8s %10s %8s %8s\n",
		"module", "angle", "absolute", "drift", "velocity", "volts", "temp")
	for _, s := range r.drive.Snapshots() {
		drift := r.drive.DriftReport()[s.Name]
		health := fmt.Sprintf("%8s %8s", "-", "-")
		if enc, ok := r.encoders[s.Name].(interface{ Health() (float64, float64, bool) }); ok {
			if volts, tempC, seen := enc.Health(); seen {
				health = fmt.Sprintf("%8.2f %8.1f", volts, tempC)
			}
		}
		fmt.Printf("%-12s %10.2f %10.2f %8.2f %10.3f %s\n",
			s.Name, s.InternalAngleDeg, s.ExternalAngleDeg, drift, s.Velocity, health)
	}
	return nil
}

func runOffsets(ctx context.Context, r *rig, cfg *rigConfig) error {
	fmt.Printf("%-12s %12s %12s\n", "module", "stored", "configured")
	for _, mc := range cfg.Modules {
		stored, err := r.encoders[mc.Name].PersistedOffset(ctx)
		if err != nil {
			return errors.Wrapf(err, "module %s", mc.Name)
		}
		fmt.Printf("%-12s %12.3f %12.3f\n", mc.Name, stored, mc.MagnetOffsetDeg)
	}
	return nil
}

func runDrive(ctx context.Context, r *rig, args []string) error {
	fs := flag.NewFlagSet("drive", flag.ContinueOnError)
	heading := fs.Float64("heading", 0, "wheel heading in degrees")
	speed := fs.Float64("speed", 0.2, "ground speed in m/s")
	runFor := fs.Duration("for", 2*time.Second, "how long to drive")
	if err := fs.Parse(args); err != nil {
		return err
	}

	r.drive.Start()
	defer func() {
		if err := r.drive.Stop(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "stop: %v\n", err)
		}
	}()

	deadline := time.Now().Add(*runFor)
	for time.Now().Before(deadline) {
		// Re-arm the staleness watchdog for as long as the run lasts.
		r.drive.SetCrab(*heading, *speed)
		if !goutils.SelectContextOrWait(ctx, 100*time.Millisecond) {
			return ctx.Err()
		}
	}
	return nil
}
