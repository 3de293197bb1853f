// Package printer is the object directory shared by host components:
// named objects, event handlers and rollover info for the log.
package printer

import (
	"fmt"
	"sort"
	"sync"

	"klipper-go-extruder/pkg/errors"
	"klipper-go-extruder/pkg/log"
)

// Event names sent between components.
const (
	EventConnect          = "klippy:connect"
	EventActivateExtruder = "extruder:activate_extruder"
	EventPressureAdvance  = "extruder:pressure_advance"
	EventSync             = "extruder:sync"
)

// EventHandler receives the arguments passed to SendEvent.
type EventHandler func(args ...any) error

// Printer holds every named host object.
type Printer struct {
	mu       sync.RWMutex
	objects  map[string]any
	handlers map[string][]EventHandler
	rollover map[string]string

	logger *log.Logger
}

// New creates an empty printer.
func New() *Printer {
	return &Printer{
		objects:  make(map[string]any),
		handlers: make(map[string][]EventHandler),
		rollover: make(map[string]string),
		logger:   log.GetLogger("printer"),
	}
}

// AddObject registers obj under name. Names are unique.
func (p *Printer) AddObject(name string, obj any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.objects[name]; ok {
		return errors.ConfigValidationError(name, "", fmt.Sprintf("Printer object '%s' already created", name))
	}
	p.objects[name] = obj
	return nil
}

// LookupObject returns the object registered under name.
func (p *Printer) LookupObject(name string) (any, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	obj, ok := p.objects[name]
	return obj, ok
}

// ObjectNames returns every registered name, sorted.
func (p *Printer) ObjectNames() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, 0, len(p.objects))
	for name := range p.objects {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Lookup returns the object under name converted to T.
func Lookup[T any](p *Printer, name string) (T, error) {
	var zero T
	obj, ok := p.LookupObject(name)
	if !ok {
		return zero, errors.New(errors.ErrConfigSection, fmt.Sprintf("Unknown config object '%s'", name)).SetSection(name)
	}
	v, ok := obj.(T)
	if !ok {
		return zero, errors.New(errors.ErrConfigSection,
			fmt.Sprintf("object '%s' has unexpected type %T", name, obj)).SetSection(name)
	}
	return v, nil
}

// RegisterEventHandler appends fn to the handlers for event.
func (p *Printer) RegisterEventHandler(event string, fn EventHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[event] = append(p.handlers[event], fn)
}

// SendEvent runs the handlers for event in registration order and stops
// at the first error.
func (p *Printer) SendEvent(event string, args ...any) error {
	p.mu.RLock()
	handlers := append([]EventHandler(nil), p.handlers[event]...)
	p.mu.RUnlock()

	p.logger.WithFields(log.Fields{"event": event, "handlers": len(handlers)}).Debug("sending event")
	for _, fn := range handlers {
		if err := fn(args...); err != nil {
			return err
		}
	}
	return nil
}

// SetRolloverInfo records a line repeated at the top of each rotated log.
func (p *Printer) SetRolloverInfo(name, info string) {
	p.mu.Lock()
	p.rollover[name] = info
	p.mu.Unlock()
	p.logger.Info(info)
}

// RolloverInfo returns the rollover lines ordered by name.
func (p *Printer) RolloverInfo() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, 0, len(p.rollover))
	for name := range p.rollover {
		names = append(names, name)
	}
	sort.Strings(names)
	lines := make([]string, len(names))
	for i, name := range names {
		lines[i] = p.rollover[name]
	}
	return lines
}
