package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr(v float64) *float64 { return &v }

func TestParseTemperatureReport(t *testing.T) {
	fields := ParseTemperatureReport("ok T:210.1 /215.0 B:60.2 /60.0 T0:209.8 /215.0 @:0 B@:127")

	require.Contains(t, fields, "T")
	require.Contains(t, fields, "T0")
	require.Contains(t, fields, "B")
	assert.Equal(t, 210.1, *fields["T"].Current)
	assert.Equal(t, 215.0, *fields["T"].Target)
	assert.Equal(t, 60.2, *fields["B"].Current)
	assert.Equal(t, 209.8, *fields["T0"].Current)
}

func TestParseTemperatureReport_MissingTarget(t *testing.T) {
	fields := ParseTemperatureReport("T:24.5 /")

	require.Contains(t, fields, "T")
	assert.Equal(t, 24.5, *fields["T"].Current)
	assert.Nil(t, fields["T"].Target)
}

func TestHotendAndBed_PrefersT0(t *testing.T) {
	nozzle, bed := hotendAndBed(map[string]Temperature{
		"T":  {Current: ptr(200), Target: ptr(205)},
		"T0": {Current: ptr(199)},
		"B":  {Current: ptr(60), Target: ptr(60)},
	})

	assert.Equal(t, 199.0, *nozzle.Current)
	assert.Equal(t, 205.0, *nozzle.Target)
	assert.Equal(t, 60.0, *bed.Current)

	none, noBed := hotendAndBed(map[string]Temperature{})
	assert.Nil(t, none.Current)
	assert.Nil(t, noBed.Current)
}

func TestMergeTemperature(t *testing.T) {
	prev := Temperature{Current: ptr(180), Target: ptr(210)}

	assert.Equal(t, prev, mergeTemperature(prev, Temperature{Target: ptr(0)}))

	next := mergeTemperature(prev, Temperature{Current: ptr(190)})
	assert.Equal(t, 190.0, *next.Current)
	assert.Equal(t, 210.0, *next.Target)

	cooled := mergeTemperature(prev, Temperature{Current: ptr(100), Target: ptr(0)})
	assert.Equal(t, 0.0, *cooled.Target)
}
