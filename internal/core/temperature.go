package core

import (
	"regexp"
	"strconv"
)

var tempReportPattern = regexp.MustCompile(`([TB]\d*):([-+]?\d*\.?\d*)(?: ?\/)?([-+]?\d*\.?\d*)`)

// ParseTemperatureReport extracts every T/Tn/B field of a report such as
// "ok T:210.1 /210.0 B:60.2 /60.0 T0:210.1 /210.0". Empty values stay nil.
func ParseTemperatureReport(report string) map[string]Temperature {
	fields := make(map[string]Temperature)
	for _, m := range tempReportPattern.FindAllStringSubmatch(report, -1) {
		fields[m[1]] = Temperature{
			Current: parseTempValue(m[2]),
			Target:  parseTempValue(m[3]),
		}
	}
	return fields
}

// hotendAndBed picks the primary hotend (T0 over T) and the bed reading.
func hotendAndBed(fields map[string]Temperature) (nozzle, bed Temperature) {
	t0, hasT0 := fields["T0"]
	t, hasT := fields["T"]

	switch {
	case hasT0 && t0.Current != nil:
		nozzle.Current = t0.Current
	case hasT && t.Current != nil:
		nozzle.Current = t.Current
	}
	switch {
	case hasT0 && t0.Target != nil:
		nozzle.Target = t0.Target
	case hasT && t.Target != nil:
		nozzle.Target = t.Target
	}

	bed = fields["B"]
	return nozzle, bed
}

// mergeTemperature keeps the previous reading for fields the report lacked.
// A target is only taken together with a current value.
func mergeTemperature(prev, next Temperature) Temperature {
	if next.Current == nil {
		return prev
	}
	prev.Current = next.Current
	if next.Target != nil {
		prev.Target = next.Target
	}
	return prev
}

func parseTempValue(s string) *float64 {
	if s == "" {
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return &v
}
