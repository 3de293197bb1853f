package printer

import (
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"klipper-go-extruder/pkg/errors"
)

type named struct{ name string }

func TestObjects(t *testing.T) {
	p := New()
	require.NoError(t, p.AddObject("toolhead", &named{"toolhead"}))
	require.NoError(t, p.AddObject("extruder", &named{"extruder"}))

	err := p.AddObject("extruder", &named{"again"})
	assert.True(t, errors.IsConfig(err), "got %v", err)

	obj, ok := p.LookupObject("extruder")
	require.True(t, ok)
	assert.Equal(t, "extruder", obj.(*named).name)
	_, ok = p.LookupObject("extruder1")
	assert.False(t, ok)

	assert.Equal(t, []string{"extruder", "toolhead"}, p.ObjectNames())
}

func TestLookupTyped(t *testing.T) {
	p := New()
	require.NoError(t, p.AddObject("toolhead", &named{"toolhead"}))
	require.NoError(t, p.AddObject("count", 3))

	th, err := Lookup[*named](p, "toolhead")
	require.NoError(t, err)
	assert.Equal(t, "toolhead", th.name)

	_, err = Lookup[*named](p, "count")
	assert.ErrorContains(t, err, "unexpected type int")
	_, err = Lookup[*named](p, "missing")
	assert.ErrorContains(t, err, "Unknown config object 'missing'")
}

func TestSendEvent(t *testing.T) {
	p := New()
	var calls []string
	p.RegisterEventHandler(EventActivateExtruder, func(args ...any) error {
		calls = append(calls, "first:"+args[0].(string))
		return nil
	})
	p.RegisterEventHandler(EventActivateExtruder, func(args ...any) error {
		calls = append(calls, "second")
		return stderrors.New("stop")
	})
	p.RegisterEventHandler(EventActivateExtruder, func(args ...any) error {
		calls = append(calls, "third")
		return nil
	})

	err := p.SendEvent(EventActivateExtruder, "extruder1")
	assert.EqualError(t, err, "stop")
	assert.Equal(t, []string{"first:extruder1", "second"}, calls)

	assert.NoError(t, p.SendEvent("unhandled:event"))
}

func TestRolloverInfo(t *testing.T) {
	p := New()
	p.SetRolloverInfo("extruder1", "extruder1: pressure_advance 0.05")
	p.SetRolloverInfo("extruder", "extruder: pressure_advance 0")
	p.SetRolloverInfo("extruder1", "extruder1: pressure_advance 0.06")
	assert.Equal(t, []string{"extruder: pressure_advance 0", "extruder1: pressure_advance 0.06"}, p.RolloverInfo())
}
