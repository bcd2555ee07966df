// Package psychro computes comfort and air-quality metrics from corrected
// environmental readings. All functions are pure; identical inputs yield
// identical outputs.
//
// Accuracy policy: the wet-bulb temperature uses the Stull (2011) empirical
// fit, valid roughly for -20..50 degC and 5..99 %RH. It is an approximation,
// not a thermodynamic solve, and is used as such.
package psychro

import (
	"math"

	"codeberg.org/howlx/atmosd/internal/errors"
)

// Magnus approximation constants for dew point.
const (
	magnusA = 17.62
	magnusB = 243.12
)

// Metrics is the full derived set for one corrected reading. The gas block
// is nil when the active sensor has no gas capability.
type Metrics struct {
	TempF         float64
	DewpointC     float64
	DewpointF     float64
	WetbulbC      float64
	WetbulbF      float64
	HumidityRatio float64 // kg/kg dry air
	Enthalpy      float64 // kJ/kg dry air

	IAQIndex *int
	IAQLabel string
	CompGas  *float64
}

func finite(vals ...float64) bool {
	for _, v := range vals {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// CToF converts Celsius to Fahrenheit.
func CToF(c float64) float64 {
	return c*9/5 + 32
}

// DewpointC returns the dew point via the Magnus approximation.
func DewpointC(tempC, rh float64) (float64, error) {
	if !finite(tempC, rh) || rh <= 0 {
		return 0, errors.WithData(errors.ErrOutOfDomain, "dewpoint: need finite temp and rh > 0")
	}

	gamma := (magnusA*tempC)/(magnusB+tempC) + math.Log(rh/100.0)
	dp := (magnusB * gamma) / (magnusA - gamma)
	if !finite(dp) {
		return 0, errors.WithData(errors.ErrOutOfDomain, "dewpoint: result not finite")
	}

	return dp, nil
}

// WetbulbC returns the wet-bulb temperature via the Stull (2011) fit.
func WetbulbC(tempC, rh float64) (float64, error) {
	if !finite(tempC, rh) || rh <= 0 {
		return 0, errors.WithData(errors.ErrOutOfDomain, "wetbulb: need finite temp and rh > 0")
	}

	wb := tempC*math.Atan(0.151977*math.Sqrt(rh+8.313659)) +
		math.Atan(tempC+rh) -
		math.Atan(rh-1.676331) +
		0.00391838*math.Pow(rh, 1.5)*math.Atan(0.023101*rh) -
		4.686035
	if !finite(wb) {
		return 0, errors.WithData(errors.ErrOutOfDomain, "wetbulb: result not finite")
	}

	return wb, nil
}

// HumidityRatio returns the humidity ratio in kg water per kg dry air. The
// vapour pressure is clamped just below ambient so the denominator can never
// reach zero or go negative when RH or temperature pushes e past pressure.
func HumidityRatio(tempC, rh, pressureHPa float64) (float64, error) {
	if !finite(tempC, rh, pressureHPa) || rh <= 0 || pressureHPa <= 0.1 {
		return 0, errors.WithData(errors.ErrOutOfDomain, "humidity ratio: need finite inputs, rh > 0, pressure > 0.1 hPa")
	}

	es := 6.112 * math.Exp((17.67*tempC)/(tempC+243.5)) // hPa
	e := (rh / 100.0) * es
	if e > pressureHPa-0.1 {
		e = pressureHPa - 0.1
	}
	w := 0.62198 * e / (pressureHPa - e)
	if !finite(w) {
		return 0, errors.WithData(errors.ErrOutOfDomain, "humidity ratio: result not finite")
	}

	return w, nil
}

// Enthalpy returns moist-air enthalpy in kJ/kg dry air.
func Enthalpy(tempC, w float64) (float64, error) {
	if !finite(tempC, w) {
		return 0, errors.WithData(errors.ErrOutOfDomain, "enthalpy: inputs not finite")
	}

	return 1.006*tempC + w*(2501+1.805*tempC), nil
}

// IAQ labels, coarsest to cleanest. Index 1 is bad, 5 is very clean. This is
// a resistance-trend heuristic, not a calibrated standard index.
var iaqLabels = [...]string{"high VOCs", "moderate VOCs", "light VOCs", "clean", "very clean"}

// InterpretGas maps raw gas resistance (ohm) to a 1..5 index and label.
// Non-positive or non-finite resistance yields ok=false.
func InterpretGas(gasOhm float64) (index int, label string, ok bool) {
	if !finite(gasOhm) || gasOhm <= 0 {
		return 0, "", false
	}

	switch {
	case gasOhm >= 15000:
		index = 5
	case gasOhm >= 8000:
		index = 4
	case gasOhm >= 3000:
		index = 3
	case gasOhm >= 1000:
		index = 2
	default:
		index = 1
	}

	return index, iaqLabels[index-1], true
}

// CompGas returns the humidity-compensated VOC trend metric
// ln(gas_ohm) + 0.04*RH. Higher means cleaner air.
func CompGas(gasOhm, rh float64) (float64, bool) {
	if !finite(gasOhm, rh) || gasOhm <= 0 {
		return 0, false
	}

	return math.Log(gasOhm) + 0.04*rh, true
}

// Compute derives the full metric set. pressureHPa may be nil; derived
// calculations then fall back to seaLevelHPa. gasOhm may be nil when the
// sensor has no gas capability.
func Compute(tempC, rh float64, pressureHPa, gasOhm *float64, seaLevelHPa float64) (Metrics, error) {
	var m Metrics

	pCalc := seaLevelHPa
	if pressureHPa != nil {
		pCalc = *pressureHPa
	}

	dp, err := DewpointC(tempC, rh)
	if err != nil {
		return m, err
	}
	wb, err := WetbulbC(tempC, rh)
	if err != nil {
		return m, err
	}
	w, err := HumidityRatio(tempC, rh, pCalc)
	if err != nil {
		return m, err
	}
	h, err := Enthalpy(tempC, w)
	if err != nil {
		return m, err
	}

	m.TempF = CToF(tempC)
	m.DewpointC = dp
	m.DewpointF = CToF(dp)
	m.WetbulbC = wb
	m.WetbulbF = CToF(wb)
	m.HumidityRatio = w
	m.Enthalpy = h

	if gasOhm != nil {
		if idx, label, ok := InterpretGas(*gasOhm); ok {
			m.IAQIndex = &idx
			m.IAQLabel = label
		}
		if cg, ok := CompGas(*gasOhm, rh); ok {
			m.CompGas = &cg
		}
	}

	return m, nil
}
