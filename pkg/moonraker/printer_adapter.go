// Printer adapter for the host runtime.
package moonraker

import (
	"context"
	"sort"
	"strings"

	"klipper-go-extruder/pkg/gcode"
	"klipper-go-extruder/pkg/printer"
	"klipper-go-extruder/pkg/reactor"
)

// StatusProvider supplies object snapshots and script execution to the
// server. Implementations must not expose state a command is still
// changing.
type StatusProvider interface {
	// ObjectNames returns the objects that can be queried.
	ObjectNames() []string

	// QueryStatus returns the status of each requested object, filtered to
	// the listed attributes. A nil or empty list means all attributes.
	// Unknown objects are omitted.
	QueryStatus(ctx context.Context, objects map[string][]string) (eventtime float64, status map[string]any, err error)

	// RunScript runs newline separated commands and returns their responses.
	RunScript(ctx context.Context, script string) ([]string, error)
}

// statusObject is implemented by printer objects that publish status.
type statusObject interface {
	GetStatus(eventtime float64) map[string]any
}

// PrinterAdapter serves printer objects through the reactor so every
// snapshot and script runs between commands, never during one.
type PrinterAdapter struct {
	printer *printer.Printer
	reactor *reactor.Reactor
	gcode   *gcode.Dispatcher
}

// NewPrinterAdapter creates an adapter over p. r must be running.
func NewPrinterAdapter(p *printer.Printer, r *reactor.Reactor, d *gcode.Dispatcher) *PrinterAdapter {
	return &PrinterAdapter{printer: p, reactor: r, gcode: d}
}

// ObjectNames implements StatusProvider.
func (pa *PrinterAdapter) ObjectNames() []string {
	var names []string
	for _, name := range pa.printer.ObjectNames() {
		obj, _ := pa.printer.LookupObject(name)
		if _, ok := obj.(statusObject); ok {
			names = append(names, name)
		}
	}
	return names
}

// QueryStatus implements StatusProvider.
func (pa *PrinterAdapter) QueryStatus(ctx context.Context, objects map[string][]string) (float64, map[string]any, error) {
	var eventtime float64
	result, err := pa.reactor.Call(ctx, func(et float64) (any, error) {
		eventtime = et
		status := make(map[string]any, len(objects))
		for name, attrs := range objects {
			obj, ok := pa.printer.LookupObject(name)
			if !ok {
				continue
			}
			so, ok := obj.(statusObject)
			if !ok {
				continue
			}
			status[name] = FilterStatus(so.GetStatus(et), attrs)
		}
		return status, nil
	})
	if err != nil {
		return 0, nil, err
	}
	return eventtime, result.(map[string]any), nil
}

// RunScript implements StatusProvider. Blank and comment lines are
// skipped; the first failing line stops the script.
func (pa *PrinterAdapter) RunScript(ctx context.Context, script string) ([]string, error) {
	result, err := pa.reactor.Call(ctx, func(float64) (any, error) {
		var responses []string
		for _, line := range strings.Split(script, "\n") {
			cmd, err := pa.gcode.Run(line)
			if cmd != nil {
				responses = append(responses, cmd.Responses()...)
			}
			if err != nil {
				return responses, err
			}
		}
		return responses, nil
	})
	responses, _ := result.([]string)
	return responses, err
}

// FilterStatus filters status map to only include requested attributes.
func FilterStatus(status map[string]any, attrs []string) map[string]any {
	if len(attrs) == 0 {
		return status
	}

	filtered := make(map[string]any)
	for _, attr := range attrs {
		if val, ok := status[attr]; ok {
			filtered[attr] = val
		}
	}
	return filtered
}

// parseObjectArgs converts the JSON-RPC "objects" parameter, where each
// value is null or a list of attribute names.
func parseObjectArgs(raw map[string]any) map[string][]string {
	objects := make(map[string][]string, len(raw))
	for name, val := range raw {
		var attrs []string
		if list, ok := val.([]any); ok {
			for _, a := range list {
				if s, ok := a.(string); ok {
					attrs = append(attrs, s)
				}
			}
		}
		objects[name] = attrs
	}
	return objects
}

func sortedObjectNames(objects map[string][]string) []string {
	names := make([]string, 0, len(objects))
	for name := range objects {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
