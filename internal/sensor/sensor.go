// Package sensor abstracts the node's environmental sensor behind a closed
// set of chip kinds probed at fixed I2C addresses. Exactly one sensor is
// active per run; capabilities a kind does not support stay absent from its
// readings rather than reading as zero.
package sensor

import (
	"fmt"
	"math"
	"time"

	"periph.io/x/conn/v3/i2c"

	"codeberg.org/howlx/atmosd/internal/errors"
	"codeberg.org/howlx/atmosd/internal/logger"
	"codeberg.org/howlx/atmosd/internal/offsets"
)

// Kind identifies the detected sensor variant.
type Kind int

const (
	KindUnknown Kind = iota
	KindBME680
	KindBME280
	KindSHT3x
)

func (k Kind) String() string {
	switch k {
	case KindBME680:
		return "BME680"
	case KindBME280:
		return "BME280"
	case KindSHT3x:
		return "SHT3x"
	default:
		return "unknown"
	}
}

// HasPressure reports whether the kind measures barometric pressure.
func (k Kind) HasPressure() bool {
	return k == KindBME680 || k == KindBME280
}

// HasGas reports whether the kind carries a VOC gas stage.
func (k Kind) HasGas() bool {
	return k == KindBME680
}

// Candidate bus addresses per family. The Bosch parts share an address pair;
// the chip-id register tells them apart.
var (
	bmeAddrs = []uint16{0x76, 0x77}
	shtAddrs = []uint16{0x44, 0x45}
)

// Bosch chip-id register and values.
const (
	regBoschChipID = 0xD0
	chipIDBME680   = 0x61
	chipIDBME280   = 0x60
)

// Reading is one raw acquisition. Optional capabilities are nil when the
// active kind does not support them; consumers must not assume presence.
type Reading struct {
	TemperatureC float64
	HumidityPct  float64
	PressureHPa  *float64
	AltitudeM    *float64
	GasOhm       *float64
}

// Correct returns a copy with the calibration offsets applied to
// temperature, humidity and pressure. Gas and altitude are never
// offset-corrected.
func (r Reading) Correct(off offsets.Record) Reading {
	out := r
	out.TemperatureC += off.Temp
	out.HumidityPct += off.Hum
	if r.PressureHPa != nil {
		p := *r.PressureHPa + off.Press
		out.PressureHPa = &p
	}

	return out
}

// Device is the probed sensor handle. Exactly one of the driver fields is
// set, matching the kind.
type Device struct {
	kind        Kind
	addr        uint16
	seaLevelHPa float64

	bme680 *bme680Driver
	bme280 *bme280Driver
	sht    *sht3xDriver
}

func (d *Device) Kind() Kind   { return d.kind }
func (d *Device) Addr() uint16 { return d.addr }

// ProbeOptions bounds the bus scan.
type ProbeOptions struct {
	// Tries is the number of full scan passes before giving up.
	Tries int
	// SettleDelay separates scan passes. Default 250 ms.
	SettleDelay time.Duration
	// SeaLevelHPa is used for the derived altitude of pressure-capable kinds.
	SeaLevelHPa float64
	// Feed is called between scan passes to keep the watchdog alive.
	Feed func()
}

// Probe scans the bus for a supported sensor in fixed priority order:
// gas-capable BME680 first, then BME280, then the humidity-only SHT3x.
// Exhausting the scan budget is fatal for the cycle; the node must not
// report a guessed identification.
func Probe(bus i2c.Bus, opts ProbeOptions) (*Device, error) {
	if opts.Tries < 1 {
		opts.Tries = 1
	}
	if opts.SettleDelay <= 0 {
		opts.SettleDelay = 250 * time.Millisecond
	}

	for attempt := 1; attempt <= opts.Tries; attempt++ {
		if opts.Feed != nil {
			opts.Feed()
		}

		kind, addr, ok := detect(bus)
		if ok {
			dev, err := open(bus, kind, addr, opts.SeaLevelHPa)
			if err == nil {
				logger.Info().
					Str("kind", kind.String()).
					Str("addr", fmt.Sprintf("0x%02X", addr)).
					Msg("environmental sensor detected")
				return dev, nil
			}
			logger.Warn().
				Str("kind", kind.String()).
				Str("addr", fmt.Sprintf("0x%02X", addr)).
				AnErr("error", err).
				Msg("sensor answered but failed to initialize")
		}

		if attempt < opts.Tries {
			logger.Debug().
				Int("attempt", attempt).
				Int("tries", opts.Tries).
				Msg("no supported sensor yet, rescanning")
			time.Sleep(opts.SettleDelay)
		}
	}

	return nil, errors.WithData(errors.ErrSensorNotFound,
		fmt.Sprintf("no supported sensor after %d scans (BME680/BME280 @0x76/0x77, SHT3x @0x44/0x45)", opts.Tries))
}

// detect finds the highest-priority kind answering on the bus.
func detect(bus i2c.Bus) (Kind, uint16, bool) {
	var bme280Addr uint16
	found280 := false

	for _, addr := range bmeAddrs {
		id, err := readBoschChipID(bus, addr)
		if err != nil {
			continue
		}
		switch id {
		case chipIDBME680:
			return KindBME680, addr, true
		case chipIDBME280:
			if !found280 {
				bme280Addr = addr
				found280 = true
			}
		}
	}
	if found280 {
		return KindBME280, bme280Addr, true
	}

	for _, addr := range shtAddrs {
		if sht3xPresent(bus, addr) {
			return KindSHT3x, addr, true
		}
	}

	return KindUnknown, 0, false
}

func readBoschChipID(bus i2c.Bus, addr uint16) (byte, error) {
	dev := i2c.Dev{Bus: bus, Addr: addr}
	var id [1]byte
	if err := dev.Tx([]byte{regBoschChipID}, id[:]); err != nil {
		return 0, err
	}

	return id[0], nil
}

func open(bus i2c.Bus, kind Kind, addr uint16, seaLevelHPa float64) (*Device, error) {
	d := &Device{kind: kind, addr: addr, seaLevelHPa: seaLevelHPa}

	var err error
	switch kind {
	case KindBME680:
		d.bme680, err = newBME680(bus, addr)
	case KindBME280:
		d.bme280, err = newBME280(bus, addr)
	case KindSHT3x:
		d.sht, err = newSHT3X(bus, addr)
	default:
		err = errors.WithData(errors.ErrInvalidArgument, kind)
	}
	if err != nil {
		return nil, err
	}

	return d, nil
}

// Read acquires one raw reading covering every capability the detected kind
// supports.
func (d *Device) Read() (Reading, error) {
	switch d.kind {
	case KindBME680:
		t, rh, pHPa, gasOhm, gasOK, err := d.bme680.read()
		if err != nil {
			return Reading{}, errors.Wrap(errors.ErrSensorRead, err)
		}
		alt := altitudeM(pHPa, d.seaLevelHPa)
		r := Reading{
			TemperatureC: t,
			HumidityPct:  rh,
			PressureHPa:  &pHPa,
			AltitudeM:    &alt,
		}
		// An unstable heater degrades to a gas-less reading rather than
		// failing the cycle.
		if gasOK {
			r.GasOhm = &gasOhm
		} else {
			logger.Warn().Msg("gas measurement not stable, reporting without gas")
		}
		return r, nil

	case KindBME280:
		t, rh, pHPa, err := d.bme280.read()
		if err != nil {
			return Reading{}, errors.Wrap(errors.ErrSensorRead, err)
		}
		alt := altitudeM(pHPa, d.seaLevelHPa)
		return Reading{
			TemperatureC: t,
			HumidityPct:  rh,
			PressureHPa:  &pHPa,
			AltitudeM:    &alt,
		}, nil

	case KindSHT3x:
		t, rh, err := d.sht.read()
		if err != nil {
			return Reading{}, errors.Wrap(errors.ErrSensorRead, err)
		}
		return Reading{TemperatureC: t, HumidityPct: rh}, nil

	default:
		return Reading{}, errors.New(errors.ErrSensorNotFound)
	}
}

// SampleGas averages the gas resistance over a warm-up window before the
// first air-quality judgement: the heater's resistance drifts until thermal
// equilibrium, so a single raw sample would be a misleading AQI input.
// Failed samples are skipped; nil is returned when the kind has no gas
// stage or every sample failed.
func (d *Device) SampleGas(samples int, interval time.Duration, feed func()) *float64 {
	if d.kind != KindBME680 || samples < 1 {
		return nil
	}

	var sum float64
	var n int
	for i := 0; i < samples; i++ {
		if feed != nil {
			feed()
		}
		_, _, _, gasOhm, gasOK, err := d.bme680.read()
		switch {
		case err != nil:
			logger.Warn().Int("sample", i+1).AnErr("error", err).Msg("gas sample failed")
		case !gasOK:
			logger.Debug().Int("sample", i+1).Msg("gas sample not stable, skipped")
		default:
			sum += gasOhm
			n++
			logger.Debug().Int("sample", i+1).Int("samples", samples).Float64("gas_ohm", gasOhm).Msg("gas warm-up sample")
		}
		if i < samples-1 {
			time.Sleep(interval)
		}
	}
	if n == 0 {
		return nil
	}

	avg := sum / float64(n)
	return &avg
}

// Halt releases the device, disarming the BME680's heater profile.
func (d *Device) Halt() error {
	if d.bme680 != nil {
		return d.bme680.halt()
	}
	if d.bme280 != nil {
		return d.bme280.halt()
	}

	return nil
}

// altitudeM derives altitude from station pressure via the standard
// barometric formula.
func altitudeM(pressureHPa, seaLevelHPa float64) float64 {
	return 44330.0 * (1.0 - math.Pow(pressureHPa/seaLevelHPa, 0.1903))
}
