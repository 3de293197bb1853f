package reactor

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"klipper-go-extruder/pkg/errors"
)

func TestMonotonic(t *testing.T) {
	r := New()
	defer r.End()

	t1 := r.Monotonic()
	time.Sleep(10 * time.Millisecond)
	t2 := r.Monotonic()

	if t2 <= t1 {
		t.Errorf("Monotonic time not increasing: %f <= %f", t2, t1)
	}
}

func TestTimer(t *testing.T) {
	r := New()

	var called atomic.Int32
	r.RegisterTimer(func(eventtime float64) float64 {
		called.Add(1)
		return NEVER
	}, NOW)

	r.Run()
	time.Sleep(50 * time.Millisecond)
	r.End()
	r.Wait()

	if called.Load() != 1 {
		t.Errorf("Timer callback called %d times, expected 1", called.Load())
	}
}

func TestTimerRepeat(t *testing.T) {
	r := New()

	var called atomic.Int32
	r.RegisterTimer(func(eventtime float64) float64 {
		if called.Add(1) < 3 {
			return eventtime + 0.01
		}
		return NEVER
	}, NOW)
	r.Run()
	time.Sleep(100 * time.Millisecond)
	r.End()
	r.Wait()

	if called.Load() != 3 {
		t.Errorf("Timer callback called %d times, expected 3", called.Load())
	}
}

func TestUnregisterTimer(t *testing.T) {
	r := New()

	var called atomic.Int32
	timer := r.RegisterTimer(func(eventtime float64) float64 {
		called.Add(1)
		return NEVER
	}, r.Monotonic()+0.05)
	r.UnregisterTimer(timer)

	r.Run()
	time.Sleep(100 * time.Millisecond)
	r.End()
	r.Wait()

	if called.Load() != 0 {
		t.Errorf("Timer callback called %d times after unregister, expected 0", called.Load())
	}
	if timer.Waketime() != NEVER {
		t.Errorf("unregistered timer should be idle, waketime %f", timer.Waketime())
	}
}

func TestUpdateTimerWakesLoop(t *testing.T) {
	r := New()
	var called atomic.Int32
	timer := r.RegisterTimer(func(eventtime float64) float64 {
		called.Add(1)
		return NEVER
	}, NEVER)

	r.Run()
	defer func() {
		r.End()
		r.Wait()
	}()
	time.Sleep(20 * time.Millisecond)
	r.UpdateTimer(timer, NOW)
	time.Sleep(50 * time.Millisecond)

	if called.Load() != 1 {
		t.Errorf("Timer callback called %d times, expected 1", called.Load())
	}
}

func TestCompletion(t *testing.T) {
	c := newCompletion()
	if c.Test() {
		t.Error("Completion should not be done yet")
	}
	c.Complete("result", nil)
	c.Complete("ignored", fmt.Errorf("ignored"))
	if !c.Test() {
		t.Error("Completion should be done")
	}
	result, err := c.Wait(context.Background())
	if result != "result" || err != nil {
		t.Errorf("Expected 'result', got %v (%v)", result, err)
	}
}

func TestCompletionWaitTimeout(t *testing.T) {
	c := newCompletion()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := c.Wait(ctx); err != ErrTimeout {
		t.Errorf("Expected ErrTimeout, got %v", err)
	}
}

func TestCallRunsInOrder(t *testing.T) {
	r := New()
	r.Run()
	defer func() {
		r.End()
		r.Wait()
	}()

	var order []int
	var comps []*Completion
	for i := 0; i < 10; i++ {
		i := i
		comps = append(comps, r.RegisterAsyncCallback(func(eventtime float64) (any, error) {
			order = append(order, i)
			return i * i, nil
		}))
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for i, c := range comps {
		result, err := c.Wait(ctx)
		if err != nil || result != i*i {
			t.Fatalf("callback %d: got %v (%v)", i, result, err)
		}
	}
	for i, v := range order {
		if v != i {
			t.Fatalf("callbacks ran out of order: %v", order)
		}
	}
}

func TestCallRecoversPanic(t *testing.T) {
	r := New()
	r.Run()
	defer func() {
		r.End()
		r.Wait()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := r.Call(ctx, func(eventtime float64) (any, error) {
		panic("bad command")
	})
	if !errors.Is(err, errors.ErrRuntime) {
		t.Fatalf("expected runtime error, got %v", err)
	}

	// The loop keeps serving.
	result, err := r.Call(ctx, func(eventtime float64) (any, error) {
		return "ok", nil
	})
	if err != nil || result != "ok" {
		t.Errorf("reactor stopped after panic: %v %v", result, err)
	}
}

func TestCallAfterEnd(t *testing.T) {
	r := New()
	r.Run()
	r.End()
	r.Wait()

	c := r.RegisterAsyncCallback(func(eventtime float64) (any, error) {
		return nil, nil
	})
	if _, err := c.Wait(context.Background()); err != ErrReactorClosed {
		t.Errorf("expected ErrReactorClosed, got %v", err)
	}
}

func TestConstants(t *testing.T) {
	if NOW != 0.0 {
		t.Errorf("NOW should be 0.0, got %f", NOW)
	}
	if NEVER < 1e15 {
		t.Errorf("NEVER should be very large, got %f", NEVER)
	}
}
