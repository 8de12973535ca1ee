package swerve

import (
	"fmt"
	"sort"

	"github.com/pkg/errors"
	"go.viam.com/rdk/resource"
)

// ModuleConfig names the hardware behind one wheel corner and its mounting
// quirks. Motors and encoders are other components in the robot config,
// referenced by name.
type ModuleConfig struct {
	SteerMotor string `json:"steer_motor"`
	DriveMotor string `json:"drive_motor"`
	Encoder    string `json:"encoder"`

	// MagnetOffsetDeg aligns the absolute encoder's magnet zero with the
	// wheel's straight-ahead position.
	MagnetOffsetDeg float64 `json:"magnet_offset_deg"`
	// ManageMagnetOffset persists the offset into the encoder itself via
	// its DoCommand interface. Leave false for encoders that apply the
	// offset on-device through their own config.
	ManageMagnetOffset bool `json:"manage_magnet_offset,omitempty"`

	InvertAngleCommand bool `json:"invert_angle_command,omitempty"`
	InvertSteerMotor   bool `json:"invert_steer_motor,omitempty"`
	InvertDriveMotor   bool `json:"invert_drive_motor,omitempty"`
}

// Config is the swerve base's attribute block.
type Config struct {
	Modules map[string]ModuleConfig `json:"modules"`

	WheelDiameterMM float64 `json:"wheel_diameter_mm"`
	DriveGearRatio  float64 `json:"drive_gear_ratio"`
	SteerGearRatio  float64 `json:"steer_gear_ratio"`

	// WidthMM and LengthMM describe the wheel footprint, for clients that
	// ask the base about itself.
	WidthMM  float64 `json:"width_mm"`
	LengthMM float64 `json:"length_mm,omitempty"`

	// MaxSpeedMPS scales normalized power commands onto real speeds.
	MaxSpeedMPS float64 `json:"max_speed_mps,omitempty"`
	// SteerRPM caps the motor speed used for steering moves.
	SteerRPM float64 `json:"steer_rpm,omitempty"`

	LoopPeriodMS     int  `json:"loop_period_ms,omitempty"`
	OptimizeHeadings bool `json:"optimize_headings,omitempty"`
}

// Validate checks the attribute block and returns the component names this
// base depends on.
func (cfg *Config) Validate(path string) ([]string, error) {
	if len(cfg.Modules) == 0 {
		return nil, resource.NewConfigValidationFieldRequiredError(path, "modules")
	}
	if cfg.WheelDiameterMM <= 0 {
		return nil, resource.NewConfigValidationFieldRequiredError(path, "wheel_diameter_mm")
	}
	if cfg.DriveGearRatio <= 0 {
		return nil, resource.NewConfigValidationFieldRequiredError(path, "drive_gear_ratio")
	}
	if cfg.SteerGearRatio <= 0 {
		return nil, resource.NewConfigValidationFieldRequiredError(path, "steer_gear_ratio")
	}
	if cfg.WidthMM <= 0 {
		return nil, resource.NewConfigValidationFieldRequiredError(path, "width_mm")
	}
	if cfg.MaxSpeedMPS < 0 {
		return nil, resource.NewConfigValidationError(path, errors.New("max_speed_mps may not be negative"))
	}

	var deps []string
	for _, name := range sortedModuleNames(cfg.Modules) {
		mc := cfg.Modules[name]
		modPath := fmt.Sprintf("%s.modules.%s", path, name)
		if mc.SteerMotor == "" {
			return nil, resource.NewConfigValidationFieldRequiredError(modPath, "steer_motor")
		}
		if mc.DriveMotor == "" {
			return nil, resource.NewConfigValidationFieldRequiredError(modPath, "drive_motor")
		}
		if mc.Encoder == "" {
			return nil, resource.NewConfigValidationFieldRequiredError(modPath, "encoder")
		}
		deps = append(deps, mc.SteerMotor, mc.DriveMotor, mc.Encoder)
	}
	return deps, nil
}

// sortedModuleNames fixes the fan-out order; map iteration must not decide
// which wheel is which.
func sortedModuleNames(modules map[string]ModuleConfig) []string {
	names := make([]string, 0, len(modules))
	for name := range modules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
