// Package reactor runs every mutation of motion state on one goroutine.
// Timers and callbacks submitted from other goroutines (the script runner,
// websocket clients) are executed in order on the dispatch goroutine, so the
// toolhead and extruders never see concurrent callers.
package reactor

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"time"

	"klipper-go-extruder/pkg/clock"
	"klipper-go-extruder/pkg/errors"
	"klipper-go-extruder/pkg/log"
)

// Wake times.
const (
	NOW   = 0.0
	NEVER = 9999999999999999.0
)

// maxIdleSleep bounds one dispatch sleep so End is noticed promptly even
// when no timer is pending.
const maxIdleSleep = time.Second

var (
	ErrReactorClosed = stderrors.New("reactor: reactor closed")
	ErrTimeout       = stderrors.New("reactor: operation timed out")
)

// TimerCallback is called when a timer fires. It returns the next wake
// time, or NEVER to leave the timer idle.
type TimerCallback func(eventtime float64) float64

// Timer is a registered timer. Its wake time is only read and written on
// the dispatch goroutine or under the reactor lock.
type Timer struct {
	id       uint64
	callback TimerCallback
	waketime float64
}

// Waketime returns the timer's current wake time.
func (t *Timer) Waketime() float64 {
	return t.waketime
}

// Completion carries the result of a callback run on the dispatch goroutine.
type Completion struct {
	result any
	err    error
	done   chan struct{}
	once   sync.Once
}

func newCompletion() *Completion {
	return &Completion{done: make(chan struct{})}
}

// Test reports whether the completion has a result.
func (c *Completion) Test() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Complete stores the result and wakes waiters. Later calls are ignored.
func (c *Completion) Complete(result any, err error) {
	c.once.Do(func() {
		c.result = result
		c.err = err
		close(c.done)
	})
}

// Wait blocks until the callback has run or ctx is done.
func (c *Completion) Wait(ctx context.Context) (any, error) {
	select {
	case <-c.done:
		return c.result, c.err
	case <-ctx.Done():
		return nil, ErrTimeout
	}
}

// AsyncCallback runs on the dispatch goroutine.
type AsyncCallback func(eventtime float64) (any, error)

type asyncCall struct {
	fn         AsyncCallback
	completion *Completion
}

// Reactor dispatches timers and async callbacks on a single goroutine.
type Reactor struct {
	mu          sync.Mutex
	timers      []*Timer
	nextTimerID uint64

	asyncQueue chan asyncCall
	wake       chan struct{}

	closed    chan struct{}
	closeOnce sync.Once
	running   atomic.Bool
	wg        sync.WaitGroup

	logger *log.Logger
}

// New creates a stopped reactor.
func New() *Reactor {
	return &Reactor{
		asyncQueue: make(chan asyncCall, 1000),
		wake:       make(chan struct{}, 1),
		closed:     make(chan struct{}),
		logger:     log.GetLogger("reactor"),
	}
}

// Monotonic returns the current monotonic time in seconds.
func (r *Reactor) Monotonic() float64 {
	return clock.Monotonic()
}

func (r *Reactor) kick() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// RegisterTimer adds a timer firing at waketime.
func (r *Reactor) RegisterTimer(callback TimerCallback, waketime float64) *Timer {
	r.mu.Lock()
	r.nextTimerID++
	timer := &Timer{id: r.nextTimerID, callback: callback, waketime: waketime}
	r.timers = append(r.timers, timer)
	r.mu.Unlock()
	r.kick()
	return timer
}

// UnregisterTimer removes a timer.
func (r *Reactor) UnregisterTimer(timer *Timer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	timer.waketime = NEVER
	for i, t := range r.timers {
		if t.id == timer.id {
			r.timers = append(r.timers[:i], r.timers[i+1:]...)
			break
		}
	}
}

// UpdateTimer changes a timer's wake time.
func (r *Reactor) UpdateTimer(timer *Timer, waketime float64) {
	r.mu.Lock()
	timer.waketime = waketime
	r.mu.Unlock()
	r.kick()
}

// RegisterAsyncCallback queues fn to run on the dispatch goroutine. The
// returned completion fails with ErrReactorClosed if the reactor stops
// before fn runs.
func (r *Reactor) RegisterAsyncCallback(fn AsyncCallback) *Completion {
	c := newCompletion()
	select {
	case <-r.closed:
		c.Complete(nil, ErrReactorClosed)
		return c
	default:
	}
	select {
	case r.asyncQueue <- asyncCall{fn: fn, completion: c}:
		r.kick()
	case <-r.closed:
		c.Complete(nil, ErrReactorClosed)
	}
	return c
}

// Call runs fn on the dispatch goroutine and waits for its result.
func (r *Reactor) Call(ctx context.Context, fn AsyncCallback) (any, error) {
	return r.RegisterAsyncCallback(fn).Wait(ctx)
}

// Run starts the dispatch goroutine. Calling it again is a no-op.
func (r *Reactor) Run() {
	if r.running.Swap(true) {
		return
	}
	r.wg.Add(1)
	go r.dispatchLoop()
}

// End stops the reactor. Pending callbacks complete with ErrReactorClosed.
func (r *Reactor) End() {
	r.closeOnce.Do(func() {
		close(r.closed)
	})
}

// Wait blocks until the dispatch goroutine has exited.
func (r *Reactor) Wait() {
	r.wg.Wait()
}

func (r *Reactor) dispatchLoop() {
	defer r.wg.Done()
	defer r.drain()
	for {
		select {
		case <-r.closed:
			return
		default:
		}
		r.processAsyncCallbacks()
		delay := r.checkTimers(r.Monotonic())

		sleep := maxIdleSleep
		if delay < maxIdleSleep.Seconds() {
			sleep = time.Duration(delay * float64(time.Second))
		}
		if sleep <= 0 {
			continue
		}
		t := time.NewTimer(sleep)
		select {
		case <-t.C:
		case <-r.wake:
		case <-r.closed:
			t.Stop()
			return
		}
		t.Stop()
	}
}

func (r *Reactor) drain() {
	for {
		select {
		case call := <-r.asyncQueue:
			call.completion.Complete(nil, ErrReactorClosed)
		default:
			return
		}
	}
}

func (r *Reactor) processAsyncCallbacks() {
	for {
		select {
		case call := <-r.asyncQueue:
			result, err := r.invoke(call.fn)
			call.completion.Complete(result, err)
		default:
			return
		}
	}
}

// invoke converts a panicking callback into an error so one bad command
// cannot take down the dispatch goroutine.
func (r *Reactor) invoke(fn AsyncCallback) (result any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			hostErr := errors.RecoverPanic(rec)
			r.logger.WithError(hostErr).Error("async callback panicked")
			result, err = nil, hostErr
		}
	}()
	return fn(r.Monotonic())
}

// checkTimers fires due timers and returns the delay until the next one.
func (r *Reactor) checkTimers(eventtime float64) float64 {
	r.mu.Lock()
	timers := append([]*Timer(nil), r.timers...)
	r.mu.Unlock()

	nextWake := NEVER
	for _, timer := range timers {
		r.mu.Lock()
		waketime := timer.waketime
		if eventtime >= waketime {
			timer.waketime = NEVER
		}
		r.mu.Unlock()

		if eventtime >= waketime {
			next := timer.callback(eventtime)
			r.mu.Lock()
			// An UpdateTimer from inside the callback wins if it is sooner.
			if next < timer.waketime {
				timer.waketime = next
			}
			waketime = timer.waketime
			r.mu.Unlock()
		}
		if waketime < nextWake {
			nextWake = waketime
		}
	}
	delay := nextWake - eventtime
	if delay < 0 {
		delay = 0
	}
	return delay
}
