package toolhead

import (
	"math"

	"klipper-go-extruder/pkg/clock"
	"klipper-go-extruder/pkg/errors"
	"klipper-go-extruder/pkg/log"
)

// StepGenerator materializes queued motion up to stepGenTime and may drop
// history older than clearHistoryTime.
type StepGenerator func(stepGenTime, clearHistoryTime float64) error

type motionQueuing struct {
	stepGenerators  []StepGenerator
	kinFlushTimes   []float64
	kinFlushDelay   float64
	lastStepGenTime float64
	needStepGenTime float64
}

// KinFlushDelay is how far behind the newest step generation time queued
// motion must stay mutable.
func (mq *motionQueuing) KinFlushDelay() float64 {
	return mq.kinFlushDelay
}

// LastStepGenTime is the print time step generation has reached.
func (mq *motionQueuing) LastStepGenTime() float64 {
	return mq.lastStepGenTime
}

// RegisterStepGenerator adds a generator run on every flush.
func (mq *motionQueuing) RegisterStepGenerator(gen StepGenerator) {
	mq.stepGenerators = append(mq.stepGenerators, gen)
}

func (mq *motionQueuing) noteActivity(moveEndTime float64) {
	mq.needStepGenTime = math.Max(mq.needStepGenTime, moveEndTime+mq.kinFlushDelay)
}

func (mq *motionQueuing) addFlushTime(delay float64) {
	if delay != 0 {
		mq.kinFlushTimes = append(mq.kinFlushTimes, delay)
	}
	mq.updateKinFlushDelay()
}

func (mq *motionQueuing) removeFlushTime(delay float64) {
	if delay == 0 {
		return
	}
	for i, v := range mq.kinFlushTimes {
		if v == delay {
			mq.kinFlushTimes = append(mq.kinFlushTimes[:i], mq.kinFlushTimes[i+1:]...)
			break
		}
	}
	mq.updateKinFlushDelay()
}

func (mq *motionQueuing) updateKinFlushDelay() {
	delay := sdsCheckTime
	for _, v := range mq.kinFlushTimes {
		delay = math.Max(delay, v+sdsCheckTime)
	}
	mq.kinFlushDelay = delay
}

// FlushStepGeneration commits look-ahead, runs every step generator through
// the end of queued motion and finalizes the queues behind it. After it
// returns nothing queued before the call can change.
func (th *Toolhead) FlushStepGeneration() error {
	if th.err != nil {
		return th.err
	}
	start := clock.Monotonic()
	if err := th.processLookahead(); err != nil {
		return err
	}
	stepGenTime := math.Max(th.needStepGenTime, th.lastStepGenTime)
	trapqFreeTime := stepGenTime - th.kinFlushDelay
	clearHistoryTime := math.Max(0, trapqFreeTime-moveHistoryExpire)
	for _, gen := range th.stepGenerators {
		if err := gen(stepGenTime, clearHistoryTime); err != nil {
			th.err = errors.FlushError(err)
			th.logger.WithError(err).Error("step generation failed")
			return th.err
		}
	}
	th.lastStepGenTime = stepGenTime
	th.queues.FinalizeAll(trapqFreeTime, clearHistoryTime)
	// New motion may only start once the generated window has cleared.
	th.printTime = math.Max(th.printTime, stepGenTime+th.kinFlushDelay)
	th.publishStatus()

	elapsed := clock.Since(start)
	th.metrics.RecordFlush(elapsed, th.printTime, th.kinFlushDelay)
	th.logger.WithFields(log.Fields{
		"step_gen_time": stepGenTime,
		"print_time":    th.printTime,
	}).Debug("flushed step generation")
	return nil
}

// ScanTimeChange is the pending second half of a scan window change. The
// window has already been widened to cover the new delay; Commit drops the
// old delay once the caller has swapped in the transform that needs it.
type ScanTimeChange struct {
	th       *Toolhead
	oldDelay float64
	done     bool
}

// Commit releases the old delay. It is safe to call more than once.
func (c *ScanTimeChange) Commit() {
	if c == nil || c.done {
		return
	}
	c.done = true
	c.th.removeFlushTime(c.oldDelay)
	c.th.publishStatus()
}

// NoteStepGenerationScanTime flushes and then widens the kinematic flush
// delay to cover newDelay. The returned change must be committed after the
// caller installs its new transform; until then the old delay stays reserved.
func (th *Toolhead) NoteStepGenerationScanTime(newDelay, oldDelay float64) (*ScanTimeChange, error) {
	if err := th.FlushStepGeneration(); err != nil {
		return nil, err
	}
	th.addFlushTime(newDelay)
	th.publishStatus()
	return &ScanTimeChange{th: th, oldDelay: oldDelay}, nil
}
