// Package gcode parses extended commands (NAME KEY=VALUE ...) and routes
// them to registered handlers, including mux commands selected by one
// parameter's value.
package gcode

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"klipper-go-extruder/pkg/config"
	"klipper-go-extruder/pkg/errors"
)

// Command is one parsed command line plus the responses its handler sent.
type Command struct {
	Name string
	Args map[string]string
	Raw  string

	responses []string
}

var reParenComment = regexp.MustCompile(`\([^)]*\)`)

// NewCommand builds a command from already split parameters. Keys are
// upper-cased.
func NewCommand(name string, args map[string]string) *Command {
	c := &Command{Name: strings.ToUpper(name), Args: make(map[string]string, len(args))}
	for k, v := range args {
		c.Args[strings.ToUpper(k)] = v
	}
	c.Raw = c.String()
	return c
}

// ParseLine parses a command line. Blank and comment-only lines return
// nil. Classic words such as "G1 X10 E2" are accepted alongside KEY=VALUE.
func ParseLine(line string) (*Command, error) {
	ln := line
	if idx := strings.IndexByte(ln, ';'); idx >= 0 {
		ln = ln[:idx]
	}
	ln = strings.TrimSpace(reParenComment.ReplaceAllString(ln, " "))
	fields := strings.Fields(ln)
	if len(fields) == 0 {
		return nil, nil
	}

	name := strings.ToUpper(fields[0])
	args := map[string]string{}
	for _, f := range fields[1:] {
		if k, v, ok := strings.Cut(f, "="); ok {
			k = strings.ToUpper(strings.TrimSpace(k))
			if k == "" {
				return nil, errors.InvalidParamError(name, f, "is malformed")
			}
			args[k] = strings.TrimSpace(v)
			continue
		}
		args[strings.ToUpper(f[:1])] = f[1:]
	}
	return &Command{Name: name, Args: args, Raw: line}, nil
}

// Get returns a raw parameter value.
func (c *Command) Get(name string) (string, bool) {
	v, ok := c.Args[strings.ToUpper(name)]
	return v, ok
}

// GetString returns a parameter, the fallback when absent, or an error
// when absent without a fallback.
func (c *Command) GetString(name string, fallback ...string) (string, error) {
	if v, ok := c.Get(name); ok {
		return v, nil
	}
	if len(fallback) > 0 {
		return fallback[0], nil
	}
	return "", errors.InvalidParamError(c.Name, name, "must be specified")
}

// GetFloat parses a float parameter, using fallback when it is absent.
// The result, fallback included, is checked against bounds.
func (c *Command) GetFloat(name string, fallback float64, bounds config.FloatBounds) (float64, error) {
	v, ok, err := c.GetFloatOptional(name, bounds)
	if err != nil || ok {
		return v, err
	}
	return fallback, c.checkBounds(name, fallback, bounds)
}

// GetFloatOptional parses a float parameter; ok is false when it is absent.
func (c *Command) GetFloatOptional(name string, bounds config.FloatBounds) (float64, bool, error) {
	raw, ok := c.Get(name)
	if !ok {
		return 0, false, nil
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0, true, errors.InvalidParamError(c.Name, name, fmt.Sprintf("unable to parse '%s'", raw))
	}
	return v, true, c.checkBounds(name, v, bounds)
}

func (c *Command) checkBounds(name string, v float64, b config.FloatBounds) error {
	format := func(f float64) string { return strconv.FormatFloat(f, 'f', -1, 64) }
	switch {
	case b.MinVal != nil && v < *b.MinVal:
		return errors.InvalidParamError(c.Name, name, "must have minimum of "+format(*b.MinVal))
	case b.MaxVal != nil && v > *b.MaxVal:
		return errors.InvalidParamError(c.Name, name, "must have maximum of "+format(*b.MaxVal))
	case b.Above != nil && v <= *b.Above:
		return errors.InvalidParamError(c.Name, name, "must be above "+format(*b.Above))
	case b.Below != nil && v >= *b.Below:
		return errors.InvalidParamError(c.Name, name, "must be below "+format(*b.Below))
	}
	return nil
}

// RespondInfo records a response line for the caller.
func (c *Command) RespondInfo(msg string) {
	c.responses = append(c.responses, msg)
}

// Responses returns what the handler reported, in order.
func (c *Command) Responses() []string {
	return append([]string(nil), c.responses...)
}

// String renders the command in extended syntax with sorted keys.
func (c *Command) String() string {
	keys := make([]string, 0, len(c.Args))
	for k := range c.Args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(c.Name)
	for _, k := range keys {
		b.WriteString(" ")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(c.Args[k])
	}
	return b.String()
}
