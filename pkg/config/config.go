// Package config parses printer.cfg style files into sections with
// access tracking, so unused options can be reported after load.
package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"klipper-go-extruder/pkg/errors"
)

// Config is a parsed configuration. Sections keep file order.
type Config struct {
	mu       sync.RWMutex
	sections map[string]*Section
	order    []string
	accessed map[string]struct{}
}

// New creates an empty Config.
func New() *Config {
	return &Config{
		sections: make(map[string]*Section),
		accessed: make(map[string]struct{}),
	}
}

// Load reads a configuration file. [include glob] headers pull in
// further files relative to the including file's directory.
func Load(path string) (*Config, error) {
	c := New()
	if err := c.parseFile(path, make(map[string]bool)); err != nil {
		return nil, err
	}
	return c, nil
}

// LoadString parses a configuration held in memory. Include headers are
// rejected because there is no directory to resolve them against.
func LoadString(data string) (*Config, error) {
	c := New()
	p := &parser{cfg: c, source: "<string>"}
	if err := p.parse(strings.NewReader(data)); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) parseFile(path string, visited map[string]bool) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return errors.Wrap(err, errors.ErrConfigSection, fmt.Sprintf("invalid config path %s", path))
	}
	if visited[abs] {
		return errors.New(errors.ErrConfigSection, fmt.Sprintf("recursive include of %s", path))
	}
	visited[abs] = true
	defer func() { visited[abs] = false }()

	f, err := os.Open(abs)
	if err != nil {
		return errors.Wrap(err, errors.ErrConfigSection, fmt.Sprintf("unable to open config file %s", path))
	}
	defer f.Close()

	dir := filepath.Dir(abs)
	p := &parser{
		cfg:    c,
		source: path,
		include: func(pattern string) error {
			glob := filepath.Join(dir, pattern)
			matches, err := filepath.Glob(glob)
			if err != nil {
				return errors.Wrap(err, errors.ErrConfigSection, fmt.Sprintf("invalid include pattern %q", pattern))
			}
			if len(matches) == 0 && !strings.ContainsAny(glob, "*?[") {
				return errors.New(errors.ErrConfigSection, fmt.Sprintf("include file does not exist: %s", glob))
			}
			sort.Strings(matches)
			for _, m := range matches {
				if err := c.parseFile(m, visited); err != nil {
					return err
				}
			}
			return nil
		},
	}
	return p.parse(f)
}

// parser turns lines into sections. A nil include rejects [include].
type parser struct {
	cfg     *Config
	source  string
	include func(pattern string) error

	section string
	options map[string]string
	lastKey string
}

func (p *parser) flush() {
	if p.section != "" {
		p.cfg.addSection(p.section, p.options)
	}
	p.section, p.options, p.lastKey = "", nil, ""
}

func (p *parser) parse(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		raw := scanner.Text()
		line := raw
		if idx := strings.IndexAny(line, "#;"); idx >= 0 {
			line = line[:idx]
		}
		// Indented lines continue the previous option's value.
		if p.lastKey != "" && len(raw) > 0 && (raw[0] == ' ' || raw[0] == '\t') {
			if cont := strings.TrimSpace(line); cont != "" {
				p.options[p.lastKey] += "\n" + cont
			}
			continue
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			p.flush()
			header := strings.TrimSpace(line[1 : len(line)-1])
			if header == "" {
				return errors.New(errors.ErrConfigSection,
					fmt.Sprintf("empty section header at line %d in %s", lineNum, p.source))
			}
			if strings.HasPrefix(header, "include ") {
				pattern := strings.TrimSpace(header[len("include "):])
				if p.include == nil || pattern == "" {
					return errors.New(errors.ErrConfigSection,
						fmt.Sprintf("unsupported include at line %d in %s", lineNum, p.source))
				}
				if err := p.include(pattern); err != nil {
					return err
				}
				continue
			}
			p.section = header
			p.options = make(map[string]string)
			continue
		}

		if p.section == "" {
			return errors.New(errors.ErrConfigOption,
				fmt.Sprintf("option outside of a section at line %d in %s", lineNum, p.source))
		}
		sep := strings.IndexAny(line, ":=")
		if sep <= 0 {
			return errors.New(errors.ErrConfigOption,
				fmt.Sprintf("malformed line %d in %s: %q", lineNum, p.source, line))
		}
		key := strings.ToLower(strings.TrimSpace(line[:sep]))
		p.options[key] = strings.TrimSpace(line[sep+1:])
		p.lastKey = key
	}
	if err := scanner.Err(); err != nil {
		return errors.Wrap(err, errors.ErrConfigSection, fmt.Sprintf("error reading %s", p.source))
	}
	p.flush()
	return nil
}

// addSection merges repeated headers into the first occurrence.
func (c *Config) addSection(name string, options map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.sections[name]; ok {
		existing.merge(options)
		return
	}
	c.sections[name] = newSection(name, options)
	c.order = append(c.order, name)
}

// GetSection returns a section by name and marks it used.
func (c *Config) GetSection(name string) (*Section, error) {
	if sec := c.GetSectionOptional(name); sec != nil {
		return sec, nil
	}
	return nil, errors.ConfigSectionError(name)
}

// GetSectionOptional returns a section and marks it used, or nil.
func (c *Config) GetSectionOptional(name string) *Section {
	c.mu.Lock()
	defer c.mu.Unlock()
	sec, ok := c.sections[name]
	if !ok {
		return nil
	}
	c.accessed[name] = struct{}{}
	return sec
}

// HasSection reports whether a section exists without marking it used.
func (c *Config) HasSection(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.sections[name]
	return ok
}

// SectionNames returns all section names in file order.
func (c *Config) SectionNames() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.order...)
}

// PrefixSections returns sections whose name starts with prefix, in
// file order, marking each used.
func (c *Config) PrefixSections(prefix string) []*Section {
	c.mu.Lock()
	defer c.mu.Unlock()
	var result []*Section
	for _, name := range c.order {
		if strings.HasPrefix(name, prefix) {
			c.accessed[name] = struct{}{}
			result = append(result, c.sections[name])
		}
	}
	return result
}

// UnusedSections lists sections nothing looked up, sorted.
func (c *Config) UnusedSections() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var result []string
	for _, name := range c.order {
		if _, ok := c.accessed[name]; !ok {
			result = append(result, name)
		}
	}
	sort.Strings(result)
	return result
}

// CheckUnused fails on any section or option that was never read.
func (c *Config) CheckUnused() error {
	if unused := c.UnusedSections(); len(unused) > 0 {
		return errors.New(errors.ErrConfigSection,
			fmt.Sprintf("section '%s' is not a valid config section", unused[0])).
			SetSection(unused[0]).
			SetContext("unused_sections", unused)
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, name := range c.order {
		if opts := c.sections[name].UnusedOptions(); len(opts) > 0 {
			return errors.ConfigValidationError(name, opts[0], "option is not valid in this section")
		}
	}
	return nil
}
