package telemetry

import (
	"fmt"
	"math"

	"codeberg.org/howlx/atmosd/internal/battery"
	"codeberg.org/howlx/atmosd/internal/offsets"
	"codeberg.org/howlx/atmosd/internal/psychro"
	"codeberg.org/howlx/atmosd/internal/sensor"
)

// Input carries everything one cycle produced, already offset-corrected.
type Input struct {
	Identity Identity
	Reading  sensor.Reading
	Metrics  psychro.Metrics
	Battery  battery.Sample
	State    battery.ChargeState
	Offsets  offsets.Record
}

// Assemble builds the cycle payload. Feed keys, ordering and rounding are
// the node's published schema; dashboards key on them, so they only change
// with a Firmware bump. Capability-dependent feeds (pressure, gas) are
// omitted entirely when the sensor lacks them, never sent as zero.
func Assemble(in Input) Cycle {
	pts := []Point{
		{"sensor-name", fmt.Sprintf("%s #%s", in.Identity.Name, in.Identity.ID)},
		{"sensor-id", in.Identity.ID},
		{"sensor-type", in.Identity.Kind},
		{"fw-version", Firmware},

		{"temperature-c", round(in.Reading.TemperatureC, 2)},
		{"temperature-f", round(in.Metrics.TempF, 2)},
		{"dewpoint-c", round(in.Metrics.DewpointC, 2)},
		{"dewpoint-f", round(in.Metrics.DewpointF, 2)},
		{"wetbulb-c", round(in.Metrics.WetbulbC, 2)},
		{"wetbulb-f", round(in.Metrics.WetbulbF, 2)},
		{"humidity-pct", round(in.Reading.HumidityPct, 2)},
		{"humidity-ratio-kgkg", round(in.Metrics.HumidityRatio, 5)},
		{"enthalpy-kjkg", round(in.Metrics.Enthalpy, 2)},
	}

	if in.Reading.PressureHPa != nil {
		pts = append(pts, Point{"pressure-hpa", round(*in.Reading.PressureHPa, 2)})
		if in.Reading.AltitudeM != nil {
			pts = append(pts, Point{"altitude-m", round(*in.Reading.AltitudeM, 2)})
		}
	}

	if in.Reading.GasOhm != nil {
		pts = append(pts, Point{"gas-ohms", int(*in.Reading.GasOhm)})
		if in.Metrics.IAQIndex != nil {
			pts = append(pts,
				Point{"gas-iaq-index", *in.Metrics.IAQIndex},
				Point{"gas-iaq-label", in.Metrics.IAQLabel},
			)
			if in.Metrics.CompGas != nil {
				pts = append(pts, Point{"gas-iaq-comp", round(*in.Metrics.CompGas, 2)})
			}
		}
	}

	pts = append(pts,
		Point{"battery-v", round(in.Battery.Voltage, 3)},
		Point{"battery-pct", round(in.Battery.Percent, 1)},
		Point{"charging-state", string(in.State)},

		Point{"offset-temp", round(in.Offsets.Temp, 2)},
		Point{"offset-hum", round(in.Offsets.Hum, 2)},
	)
	if in.Reading.PressureHPa != nil {
		pts = append(pts, Point{"offset-press", round(in.Offsets.Press, 2)})
	}
	pts = append(pts, Point{"calibrated", in.Offsets.Calibrated()})

	return Cycle{Identity: in.Identity, Points: pts}
}

func round(v float64, places int) float64 {
	scale := math.Pow(10, float64(places))

	return math.Round(v*scale) / scale
}
