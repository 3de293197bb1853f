// extruder-sim loads a printer configuration, builds its extruders and
// replays a scripted sequence of moves and extruder commands against them,
// reporting each step's outcome and the final object status.
//
// Usage:
//
//	extruder-sim -config printer.cfg -script moves.yaml [options]
//
// Options:
//
//	-config string   Printer configuration file (required)
//	-script string   YAML move script (required)
//	-status string   Serve the status API on this address, e.g. ":7125"
//	-logfile string  Log file path (default: stderr)
//	-json            Print step results as JSON lines
//	-metrics         Print the metrics registry after the run
//
// Examples:
//
//	# Replay a script and print a text report
//	extruder-sim -config printer.cfg -script moves.yaml
//
//	# Keep the status API up after the script for a frontend to inspect
//	extruder-sim -config printer.cfg -script moves.yaml -status :7125
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"klipper-go-extruder/pkg/config"
	"klipper-go-extruder/pkg/errors"
	"klipper-go-extruder/pkg/extruder"
	"klipper-go-extruder/pkg/gcode"
	"klipper-go-extruder/pkg/heater"
	"klipper-go-extruder/pkg/log"
	"klipper-go-extruder/pkg/metrics"
	"klipper-go-extruder/pkg/moonraker"
	"klipper-go-extruder/pkg/printer"
	"klipper-go-extruder/pkg/reactor"
	"klipper-go-extruder/pkg/toolhead"
)

const stepTimeout = 10 * time.Second

func main() {
	os.Exit(mainCode())
}

// mainCode runs the simulator and returns the exit status, so deferred
// cleanup runs before the process exits.
func mainCode() int {
	configFile := flag.String("config", "", "Printer configuration file (required)")
	scriptFile := flag.String("script", "", "YAML move script (required)")
	statusAddr := flag.String("status", "", "Serve the status API on this address")
	logFile := flag.String("logfile", "", "Log file path (default: stderr)")
	jsonOut := flag.Bool("json", false, "Print step results as JSON lines")
	dumpMetrics := flag.Bool("metrics", false, "Print the metrics registry after the run")

	flag.Parse()

	if *configFile == "" || *scriptFile == "" {
		fmt.Fprintf(os.Stderr, "Error: -config and -script are required\n")
		flag.Usage()
		return 1
	}

	if *logFile != "" {
		logger, w, err := log.NewFileLogger("extruder", log.RotationConfig{Filename: *logFile}, false)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening log file: %v\n", err)
			return 1
		}
		defer w.Close()
		log.ConfigureFromEnv(logger)
		log.SetDefaultLogger(logger)
	}

	code, err := run(options{
		configFile: *configFile,
		scriptFile: *scriptFile,
		statusAddr: *statusAddr,
		jsonOut:    *jsonOut,
		metrics:    *dumpMetrics,
	}, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return code
}

type options struct {
	configFile string
	scriptFile string
	statusAddr string
	jsonOut    bool
	metrics    bool
}

// sim is a loaded printer ready to replay a script.
type sim struct {
	printer  *printer.Printer
	toolhead *toolhead.Toolhead
	heaters  *heater.Heaters
	gcode    *gcode.Dispatcher
	reactor  *reactor.Reactor
	adapter  *moonraker.PrinterAdapter
	registry *metrics.Registry
	session  string
	logger   *log.Logger
}

// newSim builds every host object from cfg and starts the reactor.
func newSim(cfg *config.Config) (*sim, error) {
	s := &sim{
		printer:  printer.New(),
		heaters:  heater.NewHeaters(),
		gcode:    gcode.NewDispatcher(),
		registry: metrics.NewRegistry(),
		session:  uuid.NewString(),
	}
	s.logger = log.GetLogger("sim").With(log.Fields{"session": s.session})
	m := metrics.NewExtruderMetrics(s.registry)

	sec, err := cfg.GetSection("printer")
	if err != nil {
		return nil, err
	}
	limits, err := config.ReadPrinterLimits(sec)
	if err != nil {
		return nil, err
	}
	s.toolhead, err = toolhead.New(toolhead.Config{
		MaxVelocity:          limits.MaxVelocity,
		MaxAccel:             limits.MaxAccel,
		SquareCornerVelocity: limits.SquareCornerVelocity,
	}, m)
	if err != nil {
		return nil, err
	}
	if err := s.printer.AddObject("toolhead", s.toolhead); err != nil {
		return nil, err
	}
	if err := s.toolhead.RegisterCommands(s.gcode); err != nil {
		return nil, err
	}
	if _, err := extruder.Load(cfg, s.printer, s.toolhead, s.heaters, s.gcode, m); err != nil {
		return nil, err
	}
	if err := s.printer.SendEvent(printer.EventConnect); err != nil {
		return nil, err
	}
	// Anything left unread is a typo or a section nothing here implements.
	if err := cfg.CheckUnused(); err != nil {
		return nil, err
	}

	s.reactor = reactor.New()
	s.reactor.Run()
	s.adapter = moonraker.NewPrinterAdapter(s.printer, s.reactor, s.gcode)
	return s, nil
}

func (s *sim) close() {
	s.reactor.End()
	s.reactor.Wait()
}

// StepResult is the reported outcome of one step.
type StepResult struct {
	Session   string         `json:"session"`
	Index     int            `json:"index"`
	Kind      string         `json:"kind"`
	Command   string         `json:"command,omitempty"`
	Responses []string       `json:"responses,omitempty"`
	Status    map[string]any `json:"status,omitempty"`
	Error     string         `json:"error,omitempty"`
	Code      string         `json:"code,omitempty"`
}

// runStep executes one step through the reactor.
func (s *sim) runStep(ctx context.Context, index int, step *Step) StepResult {
	kind, _ := step.Kind()
	res := StepResult{Session: s.session, Index: index, Kind: kind}
	var err error
	switch {
	case step.Temperature != nil:
		t := step.Temperature
		_, err = s.reactor.Call(ctx, func(float64) (any, error) {
			h, err := s.heaters.Lookup(t.Heater)
			if err != nil {
				return nil, err
			}
			if err := h.SetTarget(t.Value); err != nil {
				return nil, err
			}
			h.SetTemperature(t.Value)
			return nil, nil
		})
	case step.Status != nil:
		res.Status, err = s.queryStatus(ctx, *step.Status)
	default:
		res.Command, _ = step.Command()
		res.Responses, err = s.adapter.RunScript(ctx, res.Command)
	}
	if err != nil {
		res.Error = err.Error()
		res.Code = string(errors.Code(err))
		s.logger.WithError(err).WithFields(log.Fields{"step": index, "kind": kind}).Warn("step failed")
	}
	return res
}

// queryStatus returns the full status of names, or of every object when
// names is empty.
func (s *sim) queryStatus(ctx context.Context, names []string) (map[string]any, error) {
	if len(names) == 0 {
		names = s.adapter.ObjectNames()
	}
	objects := make(map[string][]string, len(names))
	for _, name := range names {
		objects[name] = nil
	}
	_, status, err := s.adapter.QueryStatus(ctx, objects)
	return status, err
}

func run(opts options, out io.Writer) (int, error) {
	cfg, err := config.Load(opts.configFile)
	if err != nil {
		return 1, err
	}
	script, err := LoadScript(opts.scriptFile)
	if err != nil {
		return 1, err
	}
	s, err := newSim(cfg)
	if err != nil {
		return 1, err
	}
	defer s.close()
	s.heaters.AllowColdExtrude(script.AllowColdExtrude)

	var server *moonraker.Server
	if opts.statusAddr != "" {
		server = moonraker.New(moonraker.Config{
			Addr:     opts.statusAddr,
			Provider: s.adapter,
			Metrics:  s.registry,
		})
		server.Attach(s.printer, s.reactor)
		go func() {
			if err := server.Start(); err != nil {
				s.logger.WithError(err).Error("status server failed")
			}
		}()
		defer server.Stop()
	}

	s.logger.WithFields(log.Fields{
		"config": opts.configFile,
		"script": opts.scriptFile,
		"steps":  len(script.Steps),
	}).Info("replaying script")

	report := newReporter(out, opts.jsonOut)
	failed := 0
	for i := range script.Steps {
		ctx, cancel := context.WithTimeout(context.Background(), stepTimeout)
		res := s.runStep(ctx, i+1, &script.Steps[i])
		cancel()
		if res.Error != "" {
			failed++
		}
		report.step(res)
	}

	ctx, cancel := context.WithTimeout(context.Background(), stepTimeout)
	defer cancel()
	if _, err := s.adapter.RunScript(ctx, "M400"); err != nil {
		return 1, err
	}
	final, err := s.queryStatus(ctx, nil)
	if err != nil {
		return 1, err
	}
	report.final(script.Name, len(script.Steps), failed, final)
	if opts.metrics {
		fmt.Fprint(out, s.registry.Gather())
	}

	if server != nil {
		s.logger.WithField("addr", opts.statusAddr).Info("status API running, interrupt to exit")
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
	}

	if failed > 0 {
		return 1, nil
	}
	return 0, nil
}

// reporter prints step results as text or JSON lines.
type reporter struct {
	out  io.Writer
	json *json.Encoder
}

func newReporter(out io.Writer, jsonOut bool) *reporter {
	r := &reporter{out: out}
	if jsonOut {
		r.json = json.NewEncoder(out)
	}
	return r
}

func (r *reporter) step(res StepResult) {
	if r.json != nil {
		r.json.Encode(res)
		return
	}
	label := res.Kind
	if res.Command != "" {
		label = res.Command
	}
	if res.Error != "" {
		fmt.Fprintf(r.out, "%3d  %-40s  error: %s\n", res.Index, label, res.Error)
		return
	}
	fmt.Fprintf(r.out, "%3d  %-40s  ok\n", res.Index, label)
	for _, resp := range res.Responses {
		for _, line := range strings.Split(resp, "\n") {
			fmt.Fprintf(r.out, "     // %s\n", line)
		}
	}
	if res.Status != nil {
		writeStatus(r.out, res.Status)
	}
}

func (r *reporter) final(name string, steps, failed int, status map[string]any) {
	if r.json != nil {
		r.json.Encode(map[string]any{
			"script": name,
			"steps":  steps,
			"failed": failed,
			"status": status,
		})
		return
	}
	fmt.Fprintf(r.out, "\n%s: %d steps, %d failed\n", name, steps, failed)
	writeStatus(r.out, status)
}

func writeStatus(out io.Writer, status map[string]any) {
	names := make([]string, 0, len(status))
	for name := range status {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(out, "     [%s]\n", name)
		obj, _ := status[name].(map[string]any)
		attrs := make([]string, 0, len(obj))
		for attr := range obj {
			attrs = append(attrs, attr)
		}
		sort.Strings(attrs)
		for _, attr := range attrs {
			fmt.Fprintf(out, "       %s: %v\n", attr, obj[attr])
		}
	}
}
