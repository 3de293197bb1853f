package config

import (
	"math"
	"testing"

	"klipper-go-extruder/pkg/errors"
)

func TestReadPrinterLimits(t *testing.T) {
	cfg, _ := LoadString("[printer]\nkinematics: none\nmax_velocity: 300\nmax_accel: 3000\n")
	sec, _ := cfg.GetSection("printer")
	l, err := ReadPrinterLimits(sec)
	if err != nil {
		t.Fatalf("ReadPrinterLimits failed: %v", err)
	}
	if l.MaxVelocity != 300 || l.MaxAccel != 3000 || l.SquareCornerVelocity != 5 {
		t.Errorf("unexpected limits %+v", l)
	}
	if len(sec.UnusedOptions()) != 0 {
		t.Errorf("unexpected unused options %v", sec.UnusedOptions())
	}

	cfg, _ = LoadString("[printer]\nmax_velocity: 0\nmax_accel: 3000\n")
	sec, _ = cfg.GetSection("printer")
	if _, err := ReadPrinterLimits(sec); !errors.Is(err, errors.ErrConfigValidation) {
		t.Errorf("expected validation error for zero velocity, got %v", err)
	}
}

func TestParsePin(t *testing.T) {
	tests := []struct {
		spec   string
		pin    string
		invert bool
		pullup bool
	}{
		{"PA4", "PA4", false, false},
		{"!PA4", "PA4", true, false},
		{"^!PL6", "PL6", true, true},
		{" ~PB1", "PB1", false, false},
		{"!", "", true, false},
	}
	for _, tt := range tests {
		pin, invert, pullup := parsePin(tt.spec)
		if pin != tt.pin || invert != tt.invert || pullup != tt.pullup {
			t.Errorf("parsePin(%q) = %q %v %v", tt.spec, pin, invert, pullup)
		}
	}
}

func TestReadStepperConfig(t *testing.T) {
	cfg, _ := LoadString(`
[extruder]
step_pin: PA5
dir_pin: !PA4
rotation_distance: 22.6789511
gear_ratio: 50:10
microsteps: 16
`)
	sec, _ := cfg.GetSection("extruder")
	sc, err := ReadStepperConfig(sec, "extruder")
	if err != nil {
		t.Fatalf("ReadStepperConfig failed: %v", err)
	}
	if !sc.InvertDir {
		t.Error("expected dir inversion from '!'")
	}
	if math.Abs(sc.RotationDistance-22.6789511/5) > 1e-12 {
		t.Errorf("gear ratio not folded in: %v", sc.RotationDistance)
	}
	if sc.FullStepsPerRotation != 200 || sc.Microsteps != 16 {
		t.Errorf("unexpected steps %+v", sc)
	}
}

func TestReadStepperConfigErrors(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		option string
	}{
		{"zero rotation", "rotation_distance: 0\nmicrosteps: 16", "rotation_distance"},
		{"bad gear", "rotation_distance: 8\nmicrosteps: 16\ngear_ratio: 3", "gear_ratio"},
		{"bad full steps", "rotation_distance: 8\nmicrosteps: 16\nfull_steps_per_rotation: 201", "full_steps_per_rotation"},
		{"no microsteps", "rotation_distance: 8", "microsteps"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := LoadString("[extruder]\nstep_pin: PA5\ndir_pin: PA4\n" + tt.body + "\n")
			if err != nil {
				t.Fatalf("LoadString failed: %v", err)
			}
			sec, _ := cfg.GetSection("extruder")
			_, err = ReadStepperConfig(sec, "extruder")
			var hostErr *errors.HostError
			if !asHostError(err, &hostErr) || hostErr.Option != tt.option {
				t.Errorf("expected error on %s, got %v", tt.option, err)
			}
		})
	}
}

func asHostError(err error, target **errors.HostError) bool {
	h, ok := err.(*errors.HostError)
	if ok {
		*target = h
	}
	return ok
}
