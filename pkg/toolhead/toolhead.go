// Package toolhead is the scheduler the extruders plug into: it plans moves,
// keeps the print time, owns every motion queue and decides how far step
// generation may run ahead of queued motion.
package toolhead

import (
	"fmt"
	"math"
	"sync/atomic"

	"klipper-go-extruder/pkg/errors"
	"klipper-go-extruder/pkg/kinematics"
	"klipper-go-extruder/pkg/log"
	"klipper-go-extruder/pkg/metrics"
	"klipper-go-extruder/pkg/trapq"
)

const (
	sdsCheckTime       = 0.001
	moveHistoryExpire  = 30.0
	lookaheadFlushTime = 0.150
)

// Config holds the [printer] limits.
type Config struct {
	MaxVelocity          float64
	MaxAccel             float64
	SquareCornerVelocity float64
}

// Extruder is the extra axis that consumes the E coordinate of each move.
type Extruder interface {
	Name() string
	LastPosition() float64
	// CheckMove returns the move, possibly with lowered caps, or a constraint error.
	CheckMove(mv *kinematics.Move) (*kinematics.Move, error)
	// CalcJunction returns the squared speed cap at the junction of prev and mv.
	CalcJunction(prev, mv *kinematics.Move) float64
	// Move appends the shaped extrude segment starting at printTime.
	Move(printTime float64, mv *kinematics.Move) error
}

// Status is a published snapshot of scheduler state.
type Status struct {
	PrintTime     float64   `json:"print_time"`
	Position      []float64 `json:"position"`
	Extruder      string    `json:"extruder"`
	KinFlushDelay float64   `json:"kin_flush_delay"`
}

// Toolhead plans moves and drives step generation. It is not safe for
// concurrent use; Status may be read from any goroutine.
type Toolhead struct {
	limits   kinematics.Limits
	queues   *trapq.Registry
	trapq    trapq.Handle
	extruder Extruder

	commandedPos  []float64
	printTime     float64
	lookahead     []*kinematics.Move
	junctionFlush float64

	motionQueuing

	err     error
	status  atomic.Pointer[Status]
	metrics *metrics.ExtruderMetrics
	logger  *log.Logger
}

// New creates a toolhead with its own XYZ motion queue.
func New(cfg Config, m *metrics.ExtruderMetrics) (*Toolhead, error) {
	if cfg.MaxVelocity <= 0 {
		return nil, errors.ConfigValidationError("printer", "max_velocity", "must be above 0")
	}
	if cfg.MaxAccel <= 0 {
		return nil, errors.ConfigValidationError("printer", "max_accel", "must be above 0")
	}
	if cfg.SquareCornerVelocity < 0 {
		return nil, errors.ConfigValidationError("printer", "square_corner_velocity", "must be at least 0")
	}
	queues := trapq.NewRegistry()
	h, err := queues.Allocate("toolhead")
	if err != nil {
		return nil, err
	}
	th := &Toolhead{
		limits: kinematics.Limits{
			MaxVelocity:       cfg.MaxVelocity,
			MaxAccel:          cfg.MaxAccel,
			JunctionDeviation: kinematics.JunctionDeviation(cfg.SquareCornerVelocity, cfg.MaxAccel),
		},
		queues:        queues,
		trapq:         h,
		commandedPos:  make([]float64, kinematics.NumAxes),
		junctionFlush: lookaheadFlushTime,
		motionQueuing: motionQueuing{kinFlushDelay: sdsCheckTime},
		metrics:       m,
		logger:        log.GetLogger("toolhead"),
	}
	th.publishStatus()
	return th, nil
}

// Queues returns the registry that owns every motion queue.
func (th *Toolhead) Queues() *trapq.Registry {
	return th.queues
}

// TrapQ returns the handle of the XYZ queue.
func (th *Toolhead) TrapQ() trapq.Handle {
	return th.trapq
}

// Limits returns the toolhead velocity and acceleration caps.
func (th *Toolhead) Limits() kinematics.Limits {
	return th.limits
}

// PrintTime returns the end time of the last committed move.
func (th *Toolhead) PrintTime() float64 {
	return th.printTime
}

// GetPosition returns the commanded X, Y, Z, E position.
func (th *Toolhead) GetPosition() []float64 {
	return append([]float64(nil), th.commandedPos...)
}

// GetExtruder returns the current extruder, or nil before one is set.
func (th *Toolhead) GetExtruder() Extruder {
	return th.extruder
}

// SetExtruder makes e current with basePos as the E coordinate. Callers
// flush first.
func (th *Toolhead) SetExtruder(e Extruder, basePos float64) {
	th.extruder = e
	th.commandedPos[kinematics.ExtrudeAxis] = basePos
	th.publishStatus()
}

// Err returns the sticky scheduler error, if any.
func (th *Toolhead) Err() error {
	return th.err
}

// Status returns the last published snapshot.
func (th *Toolhead) Status() Status {
	return *th.status.Load()
}

func (th *Toolhead) publishStatus() {
	st := &Status{
		PrintTime:     th.printTime,
		Position:      th.GetPosition(),
		KinFlushDelay: th.kinFlushDelay,
	}
	if th.extruder != nil {
		st.Extruder = th.extruder.Name()
	}
	th.status.Store(st)
}

// Move queues a line from the current position to newPos at speed mm/s.
// A rejected move leaves all state unchanged.
func (th *Toolhead) Move(newPos []float64, speed float64) error {
	if th.err != nil {
		return th.err
	}
	if len(newPos) != kinematics.NumAxes {
		return errors.InvalidParamError("move", "position",
			fmt.Sprintf("needs %d coordinates, got %d", kinematics.NumAxes, len(newPos)))
	}
	if speed <= 0 {
		return errors.InvalidParamError("move", "speed", "must be above 0")
	}
	mv := kinematics.NewMove(th.commandedPos, newPos, speed, th.limits)
	if mv.MoveD == 0 {
		return nil
	}
	if mv.AxesD[kinematics.ExtrudeAxis] != 0 {
		if th.extruder == nil {
			return errors.NoExtruderError()
		}
		checked, err := th.extruder.CheckMove(mv)
		if err != nil {
			return err
		}
		mv = checked
	}
	th.commandedPos = append(th.commandedPos[:0], mv.EndPos...)
	if n := len(th.lookahead); n > 0 {
		prev := th.lookahead[n-1]
		if th.extruder != nil {
			mv.CalcJunction(prev, th.extruder.CalcJunction(prev, mv))
		} else {
			mv.CalcJunction(prev)
		}
	}
	th.lookahead = append(th.lookahead, mv)
	th.junctionFlush -= mv.MinMoveT
	if th.junctionFlush <= 0 {
		return th.processLookahead()
	}
	th.publishStatus()
	return nil
}

// processLookahead plans every queued move to come to rest at the end of
// the queue and commits them.
func (th *Toolhead) processLookahead() error {
	moves := th.lookahead
	th.lookahead = nil
	th.junctionFlush = lookaheadFlushTime
	if len(moves) == 0 {
		return nil
	}
	// Backward pass: fastest start that can still stop by the end.
	reachStartV2 := make([]float64, len(moves)+1)
	for i := len(moves) - 1; i >= 0; i-- {
		mv := moves[i]
		reachStartV2[i] = math.Min(mv.MaxStartV2, reachStartV2[i+1]+mv.DeltaV2)
	}
	// Forward pass: accelerate as allowed and peak where the two meet.
	startV2 := reachStartV2[0]
	for i, mv := range moves {
		endV2 := math.Min(reachStartV2[i+1], startV2+mv.DeltaV2)
		cruiseV2 := math.Min(mv.MaxCruiseV2, (startV2+endV2+mv.DeltaV2)*0.5)
		cruiseV2 = math.Max(cruiseV2, math.Max(startV2, endV2))
		mv.SetJunction(startV2, cruiseV2, endV2)
		if err := th.commitMove(mv); err != nil {
			th.err = err
			th.logger.WithError(err).Error("failed to queue planned move")
			return err
		}
		startV2 = endV2
	}
	th.publishStatus()
	return nil
}

func (th *Toolhead) commitMove(mv *kinematics.Move) error {
	if mv.IsKinematicMove {
		sp := mv.StartPos
		err := th.queues.Get(th.trapq).Append(th.printTime, mv.AccelT, mv.CruiseT, mv.DecelT,
			trapq.Coord{X: sp[0], Y: sp[1], Z: sp[2]},
			trapq.Coord{X: mv.AxesR[0], Y: mv.AxesR[1], Z: mv.AxesR[2]},
			mv.StartV, mv.CruiseV, mv.Accel)
		if err != nil {
			return err
		}
	}
	if mv.AxesD[kinematics.ExtrudeAxis] != 0 {
		if err := th.extruder.Move(th.printTime, mv); err != nil {
			return err
		}
	}
	th.printTime += mv.TotalTime()
	th.noteActivity(th.printTime)
	return nil
}

// Dwell pauses motion for delay seconds.
func (th *Toolhead) Dwell(delay float64) error {
	if err := th.processLookahead(); err != nil {
		return err
	}
	th.printTime += math.Max(delay, 0)
	th.publishStatus()
	return nil
}

// GetLastMoveTime commits pending look-ahead and returns the print time.
func (th *Toolhead) GetLastMoveTime() (float64, error) {
	if err := th.processLookahead(); err != nil {
		return 0, err
	}
	return th.printTime, nil
}

// SetPosition redefines the current position without moving.
func (th *Toolhead) SetPosition(newPos []float64) error {
	if len(newPos) != kinematics.NumAxes {
		return errors.InvalidParamError("set_position", "position",
			fmt.Sprintf("needs %d coordinates, got %d", kinematics.NumAxes, len(newPos)))
	}
	if err := th.FlushStepGeneration(); err != nil {
		return err
	}
	th.queues.Get(th.trapq).SetPosition(th.printTime,
		trapq.Coord{X: newPos[0], Y: newPos[1], Z: newPos[2]})
	th.commandedPos = append(th.commandedPos[:0], newPos...)
	th.publishStatus()
	return nil
}
