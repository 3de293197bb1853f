package config

import (
	"fmt"
	"strconv"
	"strings"

	"klipper-go-extruder/pkg/stepper"
)

// PrinterLimits holds the [printer] motion limits the toolhead plans with.
type PrinterLimits struct {
	MaxVelocity          float64
	MaxAccel             float64
	SquareCornerVelocity float64
}

// ReadPrinterLimits parses the [printer] section.
func ReadPrinterLimits(sec *Section) (PrinterLimits, error) {
	var l PrinterLimits
	var err error
	if l.MaxVelocity, err = sec.GetFloatWithBounds("max_velocity", FloatBounds{Above: Bound(0)}); err != nil {
		return l, err
	}
	if l.MaxAccel, err = sec.GetFloatWithBounds("max_accel", FloatBounds{Above: Bound(0)}); err != nil {
		return l, err
	}
	if l.SquareCornerVelocity, err = sec.GetFloatWithBounds("square_corner_velocity",
		FloatBounds{MinVal: Bound(0)}, 5.0); err != nil {
		return l, err
	}
	// Accepted for compatibility with stock configs; the kinematics are fixed.
	if _, err = sec.Get("kinematics", "cartesian"); err != nil {
		return l, err
	}
	return l, nil
}

// parsePin splits a pin spec like "!PK1" or "^!PL6" into its name and
// modifiers.
func parsePin(spec string) (pin string, invert bool, pullup bool) {
	spec = strings.TrimSpace(spec)
	for len(spec) > 0 {
		switch spec[0] {
		case '!':
			invert = true
		case '^', '~':
			pullup = spec[0] == '^'
		default:
			return spec, invert, pullup
		}
		spec = spec[1:]
	}
	return "", invert, pullup
}

// parseGearRatio multiplies out "57:11, 2:1" style ratios.
func parseGearRatio(sec *Section) (float64, error) {
	raw, err := sec.Get("gear_ratio", "")
	if err != nil || strings.TrimSpace(raw) == "" {
		return 1, err
	}
	ratio := 1.0
	for _, pair := range strings.Split(raw, ",") {
		parts := strings.Split(strings.TrimSpace(pair), ":")
		if len(parts) != 2 {
			return 0, sec.invalid("gear_ratio", fmt.Sprintf("unable to parse gear ratio '%s'", raw))
		}
		g1, err1 := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
		g2, err2 := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
		if err1 != nil || err2 != nil || g1 <= 0 || g2 <= 0 {
			return 0, sec.invalid("gear_ratio", fmt.Sprintf("unable to parse gear ratio '%s'", raw))
		}
		ratio *= g1 / g2
	}
	return ratio, nil
}

// ReadStepperConfig parses the actuator options shared by [extruder]
// and [extruder_stepper NAME] sections. A gear ratio is folded into the
// rotation distance so the step distance comes out right.
func ReadStepperConfig(sec *Section, name string) (stepper.Config, error) {
	cfg := stepper.Config{Name: name}
	stepPin, err := sec.Get("step_pin")
	if err != nil {
		return cfg, err
	}
	if pin, _, _ := parsePin(stepPin); pin == "" {
		return cfg, sec.invalid("step_pin", "pin name is empty")
	}
	dirPin, err := sec.Get("dir_pin")
	if err != nil {
		return cfg, err
	}
	_, cfg.InvertDir, _ = parsePin(dirPin)
	if _, err = sec.Get("enable_pin", ""); err != nil {
		return cfg, err
	}

	rd, err := sec.GetFloat("rotation_distance")
	if err != nil {
		return cfg, err
	}
	if rd == 0 {
		return cfg, sec.invalid("rotation_distance", "Rotation distance can not be zero")
	}
	gear, err := parseGearRatio(sec)
	if err != nil {
		return cfg, err
	}
	cfg.RotationDistance = rd / gear
	if cfg.Microsteps, err = sec.GetIntWithMin("microsteps", 1); err != nil {
		return cfg, err
	}
	if cfg.FullStepsPerRotation, err = sec.GetIntWithMin("full_steps_per_rotation", 1, 200); err != nil {
		return cfg, err
	}
	if cfg.FullStepsPerRotation%4 != 0 {
		return cfg, sec.invalid("full_steps_per_rotation", "full_steps_per_rotation invalid")
	}
	return cfg, nil
}
