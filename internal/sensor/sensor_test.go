package sensor

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/physic"

	"codeberg.org/howlx/atmosd/internal/errors"
	"codeberg.org/howlx/atmosd/internal/offsets"
)

// fakeBus routes transactions to a handler so tests can simulate absent
// addresses, which a recorded playback cannot.
type fakeBus struct {
	tx func(addr uint16, w, r []byte) error
}

func (b *fakeBus) String() string                      { return "fake" }
func (b *fakeBus) SetSpeed(f physic.Frequency) error   { return nil }
func (b *fakeBus) Tx(addr uint16, w, r []byte) error   { return b.tx(addr, w, r) }

func chipIDBus(ids map[uint16]byte) *fakeBus {
	return &fakeBus{tx: func(addr uint16, w, r []byte) error {
		id, ok := ids[addr]
		if !ok {
			return fmt.Errorf("no device at 0x%02X", addr)
		}
		if len(w) == 1 && w[0] == regBoschChipID && len(r) == 1 {
			r[0] = id
			return nil
		}
		return fmt.Errorf("unexpected transaction")
	}}
}

func TestDetectPrefersGasCapableChip(t *testing.T) {
	bus := chipIDBus(map[uint16]byte{
		0x76: chipIDBME280,
		0x77: chipIDBME680,
	})

	kind, addr, ok := detect(bus)
	require.True(t, ok)
	assert.Equal(t, KindBME680, kind)
	assert.Equal(t, uint16(0x77), addr)
}

func TestDetectFallsBackToBME280(t *testing.T) {
	bus := chipIDBus(map[uint16]byte{0x77: chipIDBME280})

	kind, addr, ok := detect(bus)
	require.True(t, ok)
	assert.Equal(t, KindBME280, kind)
	assert.Equal(t, uint16(0x77), addr)
}

func TestDetectFallsBackToSHT3x(t *testing.T) {
	bus := &fakeBus{tx: func(addr uint16, w, r []byte) error {
		if addr != 0x44 {
			return fmt.Errorf("no device at 0x%02X", addr)
		}
		// Status command then 3-byte readback with valid CRC.
		if len(w) == 2 && len(r) == 0 {
			return nil
		}
		if len(w) == 0 && len(r) == 3 {
			r[0], r[1] = 0x80, 0x10
			r[2] = sht3xCRC(r[0:2])
			return nil
		}
		return fmt.Errorf("unexpected transaction")
	}}

	kind, addr, ok := detect(bus)
	require.True(t, ok)
	assert.Equal(t, KindSHT3x, kind)
	assert.Equal(t, uint16(0x44), addr)
}

func TestDetectNothingOnEmptyBus(t *testing.T) {
	bus := &fakeBus{tx: func(addr uint16, w, r []byte) error {
		return fmt.Errorf("no device")
	}}

	_, _, ok := detect(bus)
	assert.False(t, ok)
}

func TestProbeExhaustsBudgetAndFeedsWatchdog(t *testing.T) {
	bus := &fakeBus{tx: func(addr uint16, w, r []byte) error {
		return fmt.Errorf("no device")
	}}

	feeds := 0
	_, err := Probe(bus, ProbeOptions{
		Tries:       2,
		SettleDelay: 1,
		SeaLevelHPa: 1013.25,
		Feed:        func() { feeds++ },
	})

	require.Error(t, err)
	assert.Equal(t, errors.ErrSensorNotFound, errors.CodeOf(err))
	assert.Equal(t, 2, feeds)
}

func TestCorrectAppliesOffsetsToCalibratedChannelsOnly(t *testing.T) {
	press := 1000.0
	alt := 110.0
	gas := 12345.0
	raw := Reading{
		TemperatureC: 20.0,
		HumidityPct:  50.0,
		PressureHPa:  &press,
		AltitudeM:    &alt,
		GasOhm:       &gas,
	}

	out := raw.Correct(offsets.Record{Temp: -1.5, Hum: 2.0, Press: 0.5})

	assert.InDelta(t, 18.5, out.TemperatureC, 1e-9)
	assert.InDelta(t, 52.0, out.HumidityPct, 1e-9)
	assert.InDelta(t, 1000.5, *out.PressureHPa, 1e-9)
	assert.Equal(t, alt, *out.AltitudeM, "altitude is never offset-corrected")
	assert.Equal(t, gas, *out.GasOhm, "gas is never offset-corrected")

	// Original reading is untouched.
	assert.InDelta(t, 20.0, raw.TemperatureC, 1e-9)
	assert.InDelta(t, 1000.0, *raw.PressureHPa, 1e-9)
}

func TestCorrectWithoutPressure(t *testing.T) {
	raw := Reading{TemperatureC: 21.0, HumidityPct: 40.0}
	out := raw.Correct(offsets.Record{Temp: 1.0, Hum: -1.0, Press: 3.0})

	assert.InDelta(t, 22.0, out.TemperatureC, 1e-9)
	assert.InDelta(t, 39.0, out.HumidityPct, 1e-9)
	assert.Nil(t, out.PressureHPa)
}

func TestAltitudeFromPressure(t *testing.T) {
	assert.InDelta(t, 0.0, altitudeM(1013.25, 1013.25), 1e-9)
	assert.InDelta(t, 988.6, altitudeM(900.0, 1013.25), 1.0)
	assert.Greater(t, altitudeM(950.0, 1013.25), 0.0)
	assert.Less(t, altitudeM(1020.0, 1013.25), 0.0)
}

func TestKindCapabilities(t *testing.T) {
	assert.True(t, KindBME680.HasPressure())
	assert.True(t, KindBME680.HasGas())
	assert.True(t, KindBME280.HasPressure())
	assert.False(t, KindBME280.HasGas())
	assert.False(t, KindSHT3x.HasPressure())
	assert.False(t, KindSHT3x.HasGas())
}

func TestSHT3xCRCVector(t *testing.T) {
	// Reference vector from the datasheet: CRC(0xBEEF) = 0x92.
	assert.Equal(t, byte(0x92), sht3xCRC([]byte{0xBE, 0xEF}))
}

func TestSHT3xReadConversion(t *testing.T) {
	// rawT 0x6666 -> -45 + 175*26214/65535 = 24.998 degC
	// rawRH 0x8000 -> 100*32768/65535 = 50.0008 %
	measured := false
	bus := &fakeBus{tx: func(addr uint16, w, r []byte) error {
		if addr != 0x45 {
			return fmt.Errorf("no device at 0x%02X", addr)
		}
		switch {
		case len(w) == 2 && w[0] == 0xF3 && len(r) == 0:
			return nil
		case len(w) == 0 && len(r) == 3:
			r[0], r[1] = 0x00, 0x00
			r[2] = sht3xCRC(r[0:2])
			return nil
		case len(w) == 2 && w[0] == 0x24 && len(r) == 0:
			measured = true
			return nil
		case len(w) == 0 && len(r) == 6 && measured:
			r[0], r[1] = 0x66, 0x66
			r[2] = sht3xCRC(r[0:2])
			r[3], r[4] = 0x80, 0x00
			r[5] = sht3xCRC(r[3:5])
			return nil
		}
		return fmt.Errorf("unexpected transaction")
	}}

	drv, err := newSHT3X(bus, 0x45)
	require.NoError(t, err)

	tempC, rh, err := drv.read()
	require.NoError(t, err)
	assert.InDelta(t, 25.0, tempC, 0.01)
	assert.InDelta(t, 50.0, rh, 0.01)
}

func TestSHT3xReadRejectsBadCRC(t *testing.T) {
	bus := &fakeBus{tx: func(addr uint16, w, r []byte) error {
		switch {
		case len(w) == 2 && len(r) == 0:
			return nil
		case len(w) == 0 && len(r) == 3:
			r[0], r[1] = 0x00, 0x00
			r[2] = sht3xCRC(r[0:2])
			return nil
		case len(w) == 0 && len(r) == 6:
			r[0], r[1], r[2] = 0x66, 0x66, 0x00 // wrong CRC
			r[3], r[4] = 0x80, 0x00
			r[5] = sht3xCRC(r[3:5])
			return nil
		}
		return fmt.Errorf("unexpected transaction")
	}}

	drv, err := newSHT3X(bus, 0x44)
	require.NoError(t, err)

	_, _, err = drv.read()
	require.Error(t, err)
	assert.Equal(t, errors.ErrSensorRead, errors.CodeOf(err))
}
