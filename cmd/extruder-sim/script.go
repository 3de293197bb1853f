package main

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Script is a replayable sequence of steps.
type Script struct {
	Name             string `yaml:"name"`
	AllowColdExtrude bool   `yaml:"allow_cold_extrude"`
	Steps            []Step `yaml:"steps"`
}

// Step holds exactly one action.
type Step struct {
	Move               *MoveStep             `yaml:"move,omitempty"`
	Dwell              *float64              `yaml:"dwell,omitempty"`
	SetPressureAdvance *PressureAdvanceStep  `yaml:"set_pressure_advance,omitempty"`
	Sync               *SyncStep             `yaml:"sync,omitempty"`
	Activate           *string               `yaml:"activate,omitempty"`
	RotationDistance   *RotationDistanceStep `yaml:"rotation_distance,omitempty"`
	Temperature        *TemperatureStep      `yaml:"temperature,omitempty"`
	GCode              *string               `yaml:"gcode,omitempty"`
	Status             *[]string             `yaml:"status,omitempty"`
	Flush              bool                  `yaml:"flush,omitempty"`
}

// MoveStep moves to an absolute position. Unset axes keep their value and
// a zero speed keeps the previous feed rate.
type MoveStep struct {
	X     *float64 `yaml:"x,omitempty"`
	Y     *float64 `yaml:"y,omitempty"`
	Z     *float64 `yaml:"z,omitempty"`
	E     *float64 `yaml:"e,omitempty"`
	Speed float64  `yaml:"speed,omitempty"`
}

type PressureAdvanceStep struct {
	Extruder   string   `yaml:"extruder,omitempty"`
	Advance    *float64 `yaml:"advance,omitempty"`
	SmoothTime *float64 `yaml:"smooth_time,omitempty"`
}

// SyncStep binds an extruder stepper to a motion queue. An empty queue
// unsyncs it.
type SyncStep struct {
	Extruder    string `yaml:"extruder"`
	MotionQueue string `yaml:"motion_queue"`
}

type RotationDistanceStep struct {
	Extruder string   `yaml:"extruder"`
	Distance *float64 `yaml:"distance,omitempty"`
}

// TemperatureStep sets a heater's target and settles it there at once.
type TemperatureStep struct {
	Heater string  `yaml:"heater"`
	Value  float64 `yaml:"value"`
}

// LoadScript reads a YAML script from path.
func LoadScript(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseScript(data)
}

// ParseScript decodes and validates a YAML script. Unknown keys are
// rejected so a typo cannot silently skip a step.
func ParseScript(data []byte) (*Script, error) {
	var s Script
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("parse script: %w", err)
	}
	for i := range s.Steps {
		if _, err := s.Steps[i].Kind(); err != nil {
			return nil, fmt.Errorf("step %d: %w", i+1, err)
		}
	}
	return &s, nil
}

// Kind names the step's action.
func (s *Step) Kind() (string, error) {
	var kinds []string
	add := func(set bool, name string) {
		if set {
			kinds = append(kinds, name)
		}
	}
	add(s.Move != nil, "move")
	add(s.Dwell != nil, "dwell")
	add(s.SetPressureAdvance != nil, "set_pressure_advance")
	add(s.Sync != nil, "sync")
	add(s.Activate != nil, "activate")
	add(s.RotationDistance != nil, "rotation_distance")
	add(s.Temperature != nil, "temperature")
	add(s.GCode != nil, "gcode")
	add(s.Status != nil, "status")
	add(s.Flush, "flush")
	switch len(kinds) {
	case 0:
		return "", fmt.Errorf("empty step")
	case 1:
		return kinds[0], nil
	default:
		return "", fmt.Errorf("step has several actions: %s", strings.Join(kinds, ", "))
	}
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// Command returns the command line a step runs, or false for steps that
// are not commands.
func (s *Step) Command() (string, bool) {
	switch {
	case s.Move != nil:
		var b strings.Builder
		b.WriteString("G1")
		for _, axis := range []struct {
			name string
			v    *float64
		}{{"X", s.Move.X}, {"Y", s.Move.Y}, {"Z", s.Move.Z}, {"E", s.Move.E}} {
			if axis.v != nil {
				b.WriteString(" " + axis.name + formatNumber(*axis.v))
			}
		}
		if s.Move.Speed > 0 {
			b.WriteString(" F" + formatNumber(s.Move.Speed*60))
		}
		return b.String(), true
	case s.Dwell != nil:
		return "G4 P" + formatNumber(*s.Dwell*1000), true
	case s.SetPressureAdvance != nil:
		pa := s.SetPressureAdvance
		line := "SET_PRESSURE_ADVANCE"
		if pa.Extruder != "" {
			line += " EXTRUDER=" + pa.Extruder
		}
		if pa.Advance != nil {
			line += " ADVANCE=" + formatNumber(*pa.Advance)
		}
		if pa.SmoothTime != nil {
			line += " SMOOTH_TIME=" + formatNumber(*pa.SmoothTime)
		}
		return line, true
	case s.Sync != nil:
		return fmt.Sprintf("SYNC_EXTRUDER_MOTION EXTRUDER=%s MOTION_QUEUE=%s", s.Sync.Extruder, s.Sync.MotionQueue), true
	case s.Activate != nil:
		return "ACTIVATE_EXTRUDER EXTRUDER=" + *s.Activate, true
	case s.RotationDistance != nil:
		line := "SET_EXTRUDER_ROTATION_DISTANCE EXTRUDER=" + s.RotationDistance.Extruder
		if s.RotationDistance.Distance != nil {
			line += " DISTANCE=" + formatNumber(*s.RotationDistance.Distance)
		}
		return line, true
	case s.GCode != nil:
		return *s.GCode, true
	case s.Flush:
		return "M400", true
	}
	return "", false
}
