package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
	"testing"
)

func TestHostErrorFormat(t *testing.T) {
	err := ConfigValidationError("extruder", "rotation_distance", "must be above 0")
	want := "[CONFIG_VALIDATION:rotation_distance] option 'rotation_distance' in section 'extruder': must be above 0"
	if err.Error() != want {
		t.Errorf("expected %q, got %q", want, err.Error())
	}

	plain := New(ErrRuntime, "boom")
	if plain.Error() != "[RUNTIME] boom" {
		t.Errorf("expected untagged format, got %q", plain.Error())
	}
}

func TestOverExtrusionContext(t *testing.T) {
	err := OverExtrusionError("extruder", 0.7216, 0.64)
	if !strings.Contains(err.Message, "0.722mm^2 vs 0.640mm^2") {
		t.Errorf("expected areas in message, got %q", err.Message)
	}
	if err.Context["area"] != 0.7216 {
		t.Errorf("expected area context 0.7216, got %v", err.Context["area"])
	}
	if !IsConstraint(err) {
		t.Error("expected over extrusion to be a constraint error")
	}
	if IsCommand(err) || IsConfig(err) {
		t.Error("over extrusion must not be classified as command or config")
	}
}

func TestIsFollowsWrapping(t *testing.T) {
	inner := UnknownMotionQueueError("extruder9")
	outer := fmt.Errorf("sync stepper: %w", inner)
	if !Is(outer, ErrUnknownMotionQueue) {
		t.Error("expected Is to see through fmt wrapping")
	}
	if Code(outer) != ErrUnknownMotionQueue {
		t.Errorf("expected code %s, got %s", ErrUnknownMotionQueue, Code(outer))
	}

	flush := FlushError(New(ErrRuntimeQueue, "queue full"))
	if !Is(flush, ErrRuntimeQueue) {
		t.Error("expected Is to match a wrapped HostError code")
	}
	if !IsRuntime(flush) {
		t.Error("expected flush error to be a runtime error")
	}
}

func TestIsNonHostError(t *testing.T) {
	if Is(stderrors.New("plain"), ErrRuntime) {
		t.Error("plain errors never match a code")
	}
	if Is(nil, ErrRuntime) {
		t.Error("nil never matches a code")
	}
}

func TestRecoverPanic(t *testing.T) {
	var got *HostError
	func() {
		defer func() { got = RecoverPanic(recover()) }()
		panic("bad segment")
	}()
	if got == nil || got.Code != ErrRuntime {
		t.Fatalf("expected runtime error, got %v", got)
	}
	if got.Message != "panic: bad segment" {
		t.Errorf("unexpected message %q", got.Message)
	}
	if RecoverPanic(nil) != nil {
		t.Error("expected nil for no panic")
	}
}
