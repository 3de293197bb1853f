// Unified error handling for the extruder motion host
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package errors

import (
	stderrors "errors"
	"fmt"
	"runtime"
)

// ErrorCode represents the category of error
type ErrorCode string

const (
	// Configuration errors (setup time only)
	ErrConfigSection    ErrorCode = "CONFIG_SECTION"
	ErrConfigOption     ErrorCode = "CONFIG_OPTION"
	ErrConfigValidation ErrorCode = "CONFIG_VALIDATION"

	// Constraint errors raised while checking a planned move
	ErrExtrudeTooLong ErrorCode = "CONSTRAINT_EXTRUDE_TOO_LONG"
	ErrOverExtrusion  ErrorCode = "CONSTRAINT_OVER_EXTRUSION"
	ErrColdExtrude    ErrorCode = "CONSTRAINT_COLD_EXTRUDE"
	ErrNoExtruder     ErrorCode = "CONSTRAINT_NO_EXTRUDER"

	// Command errors surfaced verbatim to the command's caller
	ErrUnknownMotionQueue ErrorCode = "COMMAND_UNKNOWN_MOTION_QUEUE"
	ErrNoStepper          ErrorCode = "COMMAND_NO_STEPPER"
	ErrAmbiguousStepper   ErrorCode = "COMMAND_AMBIGUOUS_STEPPER"
	ErrInvalidParam       ErrorCode = "COMMAND_INVALID_PARAM"

	// Runtime errors
	ErrRuntime      ErrorCode = "RUNTIME"
	ErrRuntimeFlush ErrorCode = "RUNTIME_FLUSH"
	ErrRuntimeQueue ErrorCode = "RUNTIME_QUEUE"
)

// HostError is the unified error type for the host system
type HostError struct {
	// Code is the error category
	Code ErrorCode

	// Message is a human-readable error description
	Message string

	// Section is the config section or object name
	Section string

	// Option is the config option or command parameter (if applicable)
	Option string

	// Err wraps the underlying error
	Err error

	// Context provides numeric detail for diagnostics
	Context map[string]interface{}
}

// Error implements the error interface
func (e *HostError) Error() string {
	tag := e.Section
	if e.Option != "" {
		tag = e.Option
	}
	if tag == "" {
		return fmt.Sprintf("[%s] %s", e.Code, e.Message)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Code, tag, e.Message)
}

// Unwrap returns the underlying error
func (e *HostError) Unwrap() error {
	return e.Err
}

// SetSection sets the context section
func (e *HostError) SetSection(section string) *HostError {
	e.Section = section
	return e
}

// SetOption sets the config option
func (e *HostError) SetOption(option string) *HostError {
	e.Option = option
	return e
}

// SetContext adds additional context
func (e *HostError) SetContext(key string, value interface{}) *HostError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// Wrap wraps an existing error with additional context
func Wrap(err error, code ErrorCode, message string) *HostError {
	return &HostError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// New creates a new HostError
func New(code ErrorCode, message string) *HostError {
	return &HostError{
		Code:    code,
		Message: message,
	}
}

// Config errors

// ConfigSectionError creates an error for missing config section
func ConfigSectionError(section string) *HostError {
	return New(ErrConfigSection, fmt.Sprintf("section '%s' not found", section)).
		SetSection(section)
}

// ConfigOptionError creates an error for a required option that is absent
func ConfigOptionError(section, option string) *HostError {
	return New(ErrConfigOption, fmt.Sprintf("option '%s' in section '%s' must be specified", option, section)).
		SetSection(section).
		SetOption(option)
}

// ConfigValidationError creates an error for config validation failure
func ConfigValidationError(section, option string, reason string) *HostError {
	return New(ErrConfigValidation, fmt.Sprintf("option '%s' in section '%s': %s", option, section, reason)).
		SetSection(section).
		SetOption(option)
}

// Constraint errors

// ExtrudeTooLongError reports an extrude-only move longer than max_extrude_only_distance
func ExtrudeTooLongError(extruder string, dist, maxDist float64) *HostError {
	return New(ErrExtrudeTooLong, fmt.Sprintf(
		"Extrude only move too long (%.3fmm vs %.3fmm)\n"+
			"See the 'max_extrude_only_distance' config option for details", dist, maxDist)).
		SetSection(extruder).
		SetContext("distance", dist).
		SetContext("max_distance", maxDist)
}

// OverExtrusionError reports a move whose extrusion cross section exceeds the configured maximum
func OverExtrusionError(extruder string, area, allowed float64) *HostError {
	return New(ErrOverExtrusion, fmt.Sprintf(
		"Move exceeds maximum extrusion (%.3fmm^2 vs %.3fmm^2)\n"+
			"See the 'max_extrude_cross_section' config option for details", area, allowed)).
		SetSection(extruder).
		SetContext("area", area).
		SetContext("allowed_area", allowed)
}

// ColdExtrudeError reports an extrude request while the heater is below min_extrude_temp
func ColdExtrudeError(extruder string) *HostError {
	return New(ErrColdExtrude, "Extrude below minimum temp\n"+
		"See the 'min_extrude_temp' config option for details").
		SetSection(extruder)
}

// NoExtruderError reports an extrude request on a printer without an extruder
func NoExtruderError() *HostError {
	return New(ErrNoExtruder, "Extrude when no extruder present")
}

// Command errors

// UnknownMotionQueueError reports a sync request naming something that is not an extruder
func UnknownMotionQueueError(name string) *HostError {
	return New(ErrUnknownMotionQueue, fmt.Sprintf("'%s' is not a valid extruder.", name)).
		SetOption(name)
}

// NoStepperError reports a command that needs a stepper the target does not have
func NoStepperError(message string) *HostError {
	return New(ErrNoStepper, message)
}

// AmbiguousStepperError reports a command whose target stepper cannot be inferred
func AmbiguousStepperError(message string) *HostError {
	return New(ErrAmbiguousStepper, message)
}

// InvalidParamError reports a command parameter outside its allowed range
func InvalidParamError(command, param string, reason string) *HostError {
	return New(ErrInvalidParam, fmt.Sprintf("%s: parameter '%s' %s", command, param, reason)).
		SetSection(command).
		SetOption(param)
}

// Runtime errors

// RuntimeError creates a general runtime error
func RuntimeError(message string) *HostError {
	return New(ErrRuntime, message)
}

// RuntimeErrorQueue creates an error for queue operation failure
func RuntimeErrorQueue(operation string, reason string) *HostError {
	return New(ErrRuntimeQueue, fmt.Sprintf("queue %s failed: %s", operation, reason))
}

// FlushError wraps a failure raised while materializing queued motion
func FlushError(err error) *HostError {
	return Wrap(err, ErrRuntimeFlush, fmt.Sprintf("step generation flush failed: %v", err))
}

// RecoverPanic safely recovers from panic and converts to error.
// It must be called directly from a deferred function.
func RecoverPanic(r interface{}) *HostError {
	if r == nil {
		return nil
	}
	switch x := r.(type) {
	case runtime.Error:
		return Wrap(x, ErrRuntime, x.Error())
	case error:
		return Wrap(x, ErrRuntime, x.Error())
	case string:
		return RuntimeError(fmt.Sprintf("panic: %s", x))
	default:
		return RuntimeError(fmt.Sprintf("panic: %v", x))
	}
}

// Code returns the code of the first HostError in err's chain, or "".
func Code(err error) ErrorCode {
	var hostErr *HostError
	if stderrors.As(err, &hostErr) {
		return hostErr.Code
	}
	return ""
}

// Is checks if any HostError in err's chain matches the given code
func Is(err error, code ErrorCode) bool {
	for err != nil {
		var hostErr *HostError
		if !stderrors.As(err, &hostErr) {
			return false
		}
		if hostErr.Code == code {
			return true
		}
		err = hostErr.Err
	}
	return false
}

// IsConfig checks if error is a config error
func IsConfig(err error) bool {
	return Is(err, ErrConfigSection) ||
		Is(err, ErrConfigOption) ||
		Is(err, ErrConfigValidation)
}

// IsConstraint checks if error rejected a move
func IsConstraint(err error) bool {
	return Is(err, ErrExtrudeTooLong) ||
		Is(err, ErrOverExtrusion) ||
		Is(err, ErrColdExtrude) ||
		Is(err, ErrNoExtruder)
}

// IsCommand checks if error is a command error
func IsCommand(err error) bool {
	return Is(err, ErrUnknownMotionQueue) ||
		Is(err, ErrNoStepper) ||
		Is(err, ErrAmbiguousStepper) ||
		Is(err, ErrInvalidParam)
}

// IsRuntime checks if error is a runtime error
func IsRuntime(err error) bool {
	return Is(err, ErrRuntime) ||
		Is(err, ErrRuntimeFlush) ||
		Is(err, ErrRuntimeQueue)
}
