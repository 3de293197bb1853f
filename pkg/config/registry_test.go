package config

import (
	"fmt"
	"strings"
	"testing"

	"klipper-go-extruder/pkg/errors"
)

// testModule is a simple module for testing.
type testModule struct {
	name string
	kind string
}

func (m *testModule) Name() string {
	return m.name
}

func factoryOf(kind string) ModuleFactory {
	return func(sec *Section) (Module, error) {
		return &testModule{name: sec.GetName(), kind: kind}, nil
	}
}

func isNumberedExtruder(name string) bool {
	rest, ok := strings.CutPrefix(name, "extruder")
	if !ok || rest == "" {
		return false
	}
	for _, c := range rest {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

func TestRegistryLookupOrder(t *testing.T) {
	r := NewRegistry()
	r.Register("extruder", factoryOf("exact"))
	r.RegisterMatch(isNumberedExtruder, factoryOf("numbered"))
	r.RegisterPrefix("extruder_", factoryOf("short"))
	r.RegisterPrefix("extruder_stepper ", factoryOf("long"))

	tests := []struct {
		section string
		kind    string
	}{
		{"extruder", "exact"},
		{"extruder1", "numbered"},
		{"extruder12", "numbered"},
		{"extruder_stepper belted", "long"},
		{"extruder_other", "short"},
		{"extruderx", ""},
		{"printer", ""},
	}
	for _, tt := range tests {
		factory := r.GetFactory(tt.section)
		if tt.kind == "" {
			if factory != nil {
				t.Errorf("expected no factory for %q", tt.section)
			}
			continue
		}
		if factory == nil {
			t.Fatalf("expected factory for %q", tt.section)
		}
		m, _ := factory(newSection(tt.section, nil))
		if got := m.(*testModule).kind; got != tt.kind {
			t.Errorf("%q resolved to %s, want %s", tt.section, got, tt.kind)
		}
	}

	prefixes := r.RegisteredPrefixes()
	if len(prefixes) != 2 || prefixes[0] != "extruder_" {
		t.Errorf("unexpected prefixes %v", prefixes)
	}
}

func TestRegistryLoadModules(t *testing.T) {
	cfg, err := LoadString(`
[extruder_stepper belted]
[printer]
[extruder1]
[extruder]
[fan]
`)
	if err != nil {
		t.Fatalf("LoadString failed: %v", err)
	}

	r := NewRegistry()
	r.Register("extruder", factoryOf("extruder"))
	r.RegisterMatch(isNumberedExtruder, factoryOf("extruder"))
	r.RegisterPrefix("extruder_stepper ", factoryOf("stepper"))

	modules, err := r.LoadModules(cfg)
	if err != nil {
		t.Fatalf("LoadModules failed: %v", err)
	}
	var got []string
	for _, m := range modules {
		got = append(got, m.Name())
	}
	want := "extruder_stepper belted,extruder1,extruder"
	if strings.Join(got, ",") != want {
		t.Errorf("load order %v, want %s", got, want)
	}
	if r.GetModule("extruder1") == nil {
		t.Error("expected extruder1 to be recorded")
	}

	// Sections without a factory stay unused.
	unused := cfg.UnusedSections()
	if len(unused) != 2 || unused[0] != "fan" || unused[1] != "printer" {
		t.Errorf("unexpected unused sections %v", unused)
	}

	// A second load is a no-op for sections already built.
	again, err := r.LoadModules(cfg)
	if err != nil || len(again) != 0 {
		t.Errorf("expected no new modules, got %d (%v)", len(again), err)
	}
	if names := r.LoadedNames(); len(names) != 3 {
		t.Errorf("unexpected loaded names %v", names)
	}
}

func TestRegistryFactoryError(t *testing.T) {
	cfg, _ := LoadString("[extruder]\n[extruder1]\n")

	r := NewRegistry()
	r.Register("extruder", func(sec *Section) (Module, error) {
		return nil, fmt.Errorf("boom")
	})
	_, err := r.LoadModules(cfg)
	if !errors.Is(err, errors.ErrConfigSection) || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("expected wrapped factory error, got %v", err)
	}

	r = NewRegistry()
	r.Register("extruder", func(sec *Section) (Module, error) {
		_, err := sec.GetFloat("nozzle_diameter")
		return nil, err
	})
	_, err = r.LoadModules(cfg)
	if !errors.Is(err, errors.ErrConfigOption) {
		t.Fatalf("expected host error to pass through, got %v", err)
	}
}
