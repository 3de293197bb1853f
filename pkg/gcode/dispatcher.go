package gcode

import (
	"fmt"
	"sort"
	"sync"

	"klipper-go-extruder/pkg/errors"
	"klipper-go-extruder/pkg/log"
)

// Handler runs one command. Errors are returned to the caller verbatim.
type Handler func(cmd *Command) error

type muxCommand struct {
	key      string
	handlers map[string]Handler
	fallback Handler
}

// Dispatcher routes commands by name.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	mux      map[string]*muxCommand

	logger *log.Logger
}

// NewDispatcher creates a dispatcher with no commands.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		handlers: make(map[string]Handler),
		mux:      make(map[string]*muxCommand),
		logger:   log.GetLogger("gcode"),
	}
}

// RegisterCommand adds a plain command.
func (d *Dispatcher) RegisterCommand(name string, h Handler) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.handlers[name]; ok {
		return errors.ConfigValidationError(name, "", fmt.Sprintf("gcode command %s already registered", name))
	}
	if _, ok := d.mux[name]; ok {
		return errors.ConfigValidationError(name, "", fmt.Sprintf("gcode command %s already registered as mux", name))
	}
	d.handlers[name] = h
	return nil
}

// RegisterMuxCommand adds a handler selected when parameter key equals
// value. An empty value registers the handler used when key is absent.
func (d *Dispatcher) RegisterMuxCommand(name, key, value string, h Handler) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.handlers[name]; ok {
		return errors.ConfigValidationError(name, "", fmt.Sprintf("gcode command %s already registered", name))
	}
	mc, ok := d.mux[name]
	if !ok {
		mc = &muxCommand{key: key, handlers: make(map[string]Handler)}
		d.mux[name] = mc
	}
	if mc.key != key {
		return errors.ConfigValidationError(name, key,
			fmt.Sprintf("mux command %s %s may have only one key (%s)", name, key, mc.key))
	}
	if value == "" {
		if mc.fallback != nil {
			return errors.ConfigValidationError(name, key, fmt.Sprintf("mux command %s default already registered", name))
		}
		mc.fallback = h
		return nil
	}
	if _, ok := mc.handlers[value]; ok {
		return errors.ConfigValidationError(name, key,
			fmt.Sprintf("mux command %s %s %s already registered", name, key, value))
	}
	mc.handlers[value] = h
	return nil
}

// Commands returns every registered command name, sorted.
func (d *Dispatcher) Commands() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.handlers)+len(d.mux))
	for name := range d.handlers {
		names = append(names, name)
	}
	for name := range d.mux {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (d *Dispatcher) lookup(cmd *Command) (Handler, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if h, ok := d.handlers[cmd.Name]; ok {
		return h, nil
	}
	mc, ok := d.mux[cmd.Name]
	if !ok {
		return nil, errors.New(errors.ErrInvalidParam, fmt.Sprintf("Unknown command:\"%s\"", cmd.Name)).
			SetSection(cmd.Name)
	}
	value, ok := cmd.Get(mc.key)
	if !ok {
		if mc.fallback == nil {
			return nil, errors.InvalidParamError(cmd.Name, mc.key, "must be specified")
		}
		return mc.fallback, nil
	}
	h, ok := mc.handlers[value]
	if !ok {
		return nil, errors.InvalidParamError(cmd.Name, mc.key,
			fmt.Sprintf("value '%s' is not valid for %s", value, cmd.Name))
	}
	return h, nil
}

// Dispatch runs the handler for cmd.
func (d *Dispatcher) Dispatch(cmd *Command) error {
	h, err := d.lookup(cmd)
	if err != nil {
		return err
	}
	d.logger.WithField("command", cmd.Raw).Debug("dispatching")
	return h(cmd)
}

// Run parses line and dispatches it. A blank line returns a nil command.
func (d *Dispatcher) Run(line string) (*Command, error) {
	cmd, err := ParseLine(line)
	if cmd == nil || err != nil {
		return cmd, err
	}
	return cmd, d.Dispatch(cmd)
}
