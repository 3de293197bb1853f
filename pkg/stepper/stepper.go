// Package stepper models one extruder actuator: its step distance, its
// position bookkeeping against the MCU step counter, and the motion queue it
// currently follows.
package stepper

import (
	"fmt"
	"math"
	"sort"

	"klipper-go-extruder/pkg/errors"
	"klipper-go-extruder/pkg/log"
	"klipper-go-extruder/pkg/trapq"
)

// QueueSource resolves queue handles. The scheduler's trapq.Registry implements it.
type QueueSource interface {
	Get(h trapq.Handle) *trapq.TrapQ
}

// Config describes the actuator as read from a stepper config section.
type Config struct {
	Name                 string
	RotationDistance     float64
	FullStepsPerRotation int
	Microsteps           int
	InvertDir            bool
}

// StepsPerRotation returns full steps times microsteps.
func (c Config) StepsPerRotation() int {
	return c.FullStepsPerRotation * c.Microsteps
}

type positionSample struct {
	printTime float64
	mcuPos    int64
}

// Stepper is a single actuator driven from at most one motion queue.
type Stepper struct {
	name             string
	rotationDistance float64
	stepsPerRotation int
	stepDist         float64
	invertDir        bool
	origInvertDir    bool

	queues  QueueSource
	kin     *ExtruderKinematics
	binding Binding

	commandedPos      float64
	mcuPositionOffset float64
	lastGenTime       float64
	stepCount         int64
	history           []positionSample

	logger *log.Logger
}

// New creates an unbound stepper.
func New(cfg Config, queues QueueSource) (*Stepper, error) {
	if cfg.RotationDistance == 0 {
		return nil, errors.ConfigValidationError(cfg.Name, "rotation_distance",
			"Rotation distance can not be zero")
	}
	if cfg.StepsPerRotation() <= 0 {
		return nil, errors.ConfigValidationError(cfg.Name, "microsteps",
			"steps per rotation must be positive")
	}
	s := &Stepper{
		name:             cfg.Name,
		rotationDistance: math.Abs(cfg.RotationDistance),
		stepsPerRotation: cfg.StepsPerRotation(),
		invertDir:        cfg.InvertDir,
		origInvertDir:    cfg.InvertDir,
		queues:           queues,
		kin:              NewExtruderKinematics(),
		binding:          Unbound(),
		logger:           log.GetLogger("stepper").With(log.Fields{"stepper": cfg.Name}),
	}
	if cfg.RotationDistance < 0 {
		s.invertDir = !s.invertDir
	}
	s.stepDist = s.rotationDistance / float64(s.stepsPerRotation)
	return s, nil
}

// Name returns the stepper name.
func (s *Stepper) Name() string {
	return s.name
}

// Kinematics returns the pressure advance kinematics used for step generation.
func (s *Stepper) Kinematics() *ExtruderKinematics {
	return s.kin
}

// Binding returns the current queue binding.
func (s *Stepper) Binding() Binding {
	return s.binding
}

// SetBinding attaches the stepper to b and returns the previous binding.
// Callers must have flushed step generation first.
func (s *Stepper) SetBinding(b Binding) Binding {
	prev := s.binding
	s.binding = b
	s.logger.WithFields(log.Fields{"from": prev.String(), "to": b.String()}).Debug("binding changed")
	return prev
}

// GetStepDist returns the distance of one microstep.
func (s *Stepper) GetStepDist() float64 {
	return s.stepDist
}

// GetRotationDistance returns the rotation distance and steps per rotation.
func (s *Stepper) GetRotationDistance() (float64, int) {
	return s.rotationDistance, s.stepsPerRotation
}

// SetRotationDistance changes the step distance while keeping the MCU step
// count, so the commanded position does not jump.
func (s *Stepper) SetRotationDistance(dist float64) {
	mcuPos := s.GetMCUPosition()
	s.rotationDistance = dist
	s.stepDist = dist / float64(s.stepsPerRotation)
	s.setMCUPosition(mcuPos)
}

// GetDirInverted returns the current and configured direction inversion.
func (s *Stepper) GetDirInverted() (bool, bool) {
	return s.invertDir, s.origInvertDir
}

// SetDirInverted changes the direction inversion.
func (s *Stepper) SetDirInverted(invert bool) {
	s.invertDir = invert
}

// GetCommandedPosition returns the last position sent to step generation.
func (s *Stepper) GetCommandedPosition() float64 {
	return s.commandedPos
}

// SetPosition redefines the commanded position without moving the actuator.
func (s *Stepper) SetPosition(pos float64) {
	mcuPos := s.GetMCUPosition()
	s.commandedPos = pos
	s.setMCUPosition(mcuPos)
}

// GetMCUPosition converts the commanded position to an MCU step count.
func (s *Stepper) GetMCUPosition() int64 {
	return roundSteps((s.commandedPos + s.mcuPositionOffset) / s.stepDist)
}

func (s *Stepper) setMCUPosition(mcuPos int64) {
	s.mcuPositionOffset = float64(mcuPos)*s.stepDist - s.commandedPos
}

// MCUToCommandedPosition converts an MCU step count to a position.
func (s *Stepper) MCUToCommandedPosition(mcuPos int64) float64 {
	return float64(mcuPos)*s.stepDist - s.mcuPositionOffset
}

// GetPastMCUPosition returns the MCU step count generated for printTime.
func (s *Stepper) GetPastMCUPosition(printTime float64) int64 {
	i := sort.Search(len(s.history), func(i int) bool {
		return s.history[i].printTime > printTime
	})
	if i == 0 {
		if len(s.history) == 0 {
			return s.GetMCUPosition()
		}
		return s.history[0].mcuPos
	}
	return s.history[i-1].mcuPos
}

// StepCount is the total number of steps generated so far.
func (s *Stepper) StepCount() int64 {
	return s.stepCount
}

// GenerateSteps advances step generation to genTime. A bound stepper follows
// its queue through the pressure advance kinematics; an unbound stepper holds
// position.
func (s *Stepper) GenerateSteps(genTime float64) error {
	if genTime <= s.lastGenTime {
		return nil
	}
	if !s.binding.IsBound() {
		s.lastGenTime = genTime
		return nil
	}
	q := s.queues.Get(s.binding.Handle())
	if q == nil {
		return errors.RuntimeErrorQueue("generate steps",
			fmt.Sprintf("stepper %s bound to unknown queue %s", s.name, s.binding))
	}
	// Sample at every segment boundary inside the window so past position
	// lookups resolve to the right move.
	times := []float64{}
	for _, seg := range append(q.History(), q.Pending()...) {
		for _, t := range []float64{seg.PrintTime, seg.EndTime()} {
			if t > s.lastGenTime && t < genTime {
				times = append(times, t)
			}
		}
	}
	sort.Float64s(times)
	times = append(times, genTime)
	if len(s.history) == 0 {
		s.history = append(s.history, positionSample{printTime: s.lastGenTime, mcuPos: s.GetMCUPosition()})
	}
	for _, t := range times {
		prev := s.GetMCUPosition()
		s.commandedPos = s.kin.CalcPosition(q, t)
		cur := s.GetMCUPosition()
		if d := cur - prev; d < 0 {
			s.stepCount -= d
		} else {
			s.stepCount += d
		}
		s.history = append(s.history, positionSample{printTime: t, mcuPos: cur})
	}
	s.lastGenTime = genTime
	return nil
}

// ExpireHistory drops position samples older than clearTime, keeping the newest.
func (s *Stepper) ExpireHistory(clearTime float64) {
	drop := 0
	for drop < len(s.history)-1 && s.history[drop].printTime < clearTime {
		drop++
	}
	s.history = s.history[drop:]
}

func roundSteps(v float64) int64 {
	if v >= 0 {
		return int64(v + 0.5)
	}
	return int64(v - 0.5)
}
