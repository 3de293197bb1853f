// Package heater gates extrusion on hotend temperature. Temperatures are
// fed in by the caller (a sensor loop or the simulator); there is no
// control loop here.
package heater

import (
	"fmt"
	"sort"
	"sync"

	"klipper-go-extruder/pkg/errors"
	"klipper-go-extruder/pkg/log"
)

// Config holds the options a heater reads from its extruder section.
type Config struct {
	Name               string
	MinTemp            float64
	MaxTemp            float64
	MinExtrudeTemp     float64
	InitialTemperature float64
}

// DefaultConfig returns the stock limits for a hotend heater.
func DefaultConfig(name string) Config {
	return Config{
		Name:           name,
		MinTemp:        0,
		MaxTemp:        300,
		MinExtrudeTemp: 170,
	}
}

// Status is the snapshot reported to status clients.
type Status struct {
	Temperature float64 `json:"temperature"`
	Target      float64 `json:"target"`
	CanExtrude  bool    `json:"can_extrude"`
}

// Heater tracks one hotend's measured and target temperature.
type Heater struct {
	mu sync.RWMutex

	name           string
	minTemp        float64
	maxTemp        float64
	minExtrudeTemp float64
	coldAllowed    bool

	target      float64
	temperature float64

	logger *log.Logger
}

// New creates a heater at its initial temperature.
func New(cfg Config) (*Heater, error) {
	if cfg.MaxTemp <= cfg.MinTemp {
		return nil, errors.ConfigValidationError(cfg.Name, "max_temp", "max_temp must be above min_temp")
	}
	h := &Heater{
		name:           cfg.Name,
		minTemp:        cfg.MinTemp,
		maxTemp:        cfg.MaxTemp,
		minExtrudeTemp: cfg.MinExtrudeTemp,
		temperature:    cfg.InitialTemperature,
		logger:         log.GetLogger("heater").With(log.Fields{"heater": cfg.Name}),
	}
	return h, nil
}

// Name returns the heater name.
func (h *Heater) Name() string {
	return h.name
}

// SetTarget sets the target temperature; 0 turns the heater off.
func (h *Heater) SetTarget(target float64) error {
	if target != 0 && (target < h.minTemp || target > h.maxTemp) {
		return errors.InvalidParamError("SET_HEATER_TEMPERATURE", "TARGET",
			fmt.Sprintf("requested temperature (%.1f) out of range (%.1f:%.1f)", target, h.minTemp, h.maxTemp))
	}
	h.mu.Lock()
	h.target = target
	h.mu.Unlock()
	h.logger.WithField("target", target).Info("target set")
	return nil
}

// Target returns the target temperature.
func (h *Heater) Target() float64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.target
}

// SetTemperature records a measured temperature.
func (h *Heater) SetTemperature(temp float64) {
	h.mu.Lock()
	h.temperature = temp
	h.mu.Unlock()
}

// Temperature returns the last measured temperature.
func (h *Heater) Temperature() float64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.temperature
}

// CanExtrude reports whether the hotend is hot enough to move filament.
func (h *Heater) CanExtrude() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.coldAllowed || h.temperature >= h.minExtrudeTemp
}

// Status returns a snapshot of the heater.
func (h *Heater) Status() Status {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return Status{
		Temperature: h.temperature,
		Target:      h.target,
		CanExtrude:  h.coldAllowed || h.temperature >= h.minExtrudeTemp,
	}
}

func (h *Heater) allowCold(allow bool) {
	h.mu.Lock()
	h.coldAllowed = allow
	h.mu.Unlock()
}

// Heaters owns every heater by name.
type Heaters struct {
	mu          sync.RWMutex
	heaters     map[string]*Heater
	coldAllowed bool
}

// NewHeaters creates an empty heater set.
func NewHeaters() *Heaters {
	return &Heaters{heaters: make(map[string]*Heater)}
}

// Setup creates and registers a heater. Names must be unique.
func (hs *Heaters) Setup(cfg Config) (*Heater, error) {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	if _, ok := hs.heaters[cfg.Name]; ok {
		return nil, errors.ConfigValidationError(cfg.Name, "heater", "heater "+cfg.Name+" already registered")
	}
	h, err := New(cfg)
	if err != nil {
		return nil, err
	}
	h.allowCold(hs.coldAllowed)
	hs.heaters[cfg.Name] = h
	return h, nil
}

// Lookup returns a heater by name.
func (hs *Heaters) Lookup(name string) (*Heater, error) {
	hs.mu.RLock()
	defer hs.mu.RUnlock()
	h, ok := hs.heaters[name]
	if !ok {
		return nil, errors.ConfigValidationError(name, "shared_heater", "Unknown heater '"+name+"'")
	}
	return h, nil
}

// Names returns the registered heater names, sorted.
func (hs *Heaters) Names() []string {
	hs.mu.RLock()
	defer hs.mu.RUnlock()
	names := make([]string, 0, len(hs.heaters))
	for name := range hs.heaters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AllowColdExtrude disables the temperature gate on every heater,
// including ones set up later.
func (hs *Heaters) AllowColdExtrude(allow bool) {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	hs.coldAllowed = allow
	for _, h := range hs.heaters {
		h.allowCold(allow)
	}
}
