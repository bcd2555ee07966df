package battery

import (
	"periph.io/x/conn/v3/i2c"

	"codeberg.org/howlx/atmosd/internal/errors"
)

// MAX17048 fuel gauge, fixed address 0x36.
const (
	max17048Addr = 0x36

	regVCell   = 0x02
	regSOC     = 0x04
	regMode    = 0x06
	regVersion = 0x08

	// VCELL LSB is 78.125 uV.
	vcellLSBVolts = 78.125e-6

	// Writing this to MODE restarts the gauge's SOC model.
	modeQuickStart = 0x4000
)

type max17048 struct {
	dev i2c.Dev
}

func newMAX17048(bus i2c.Bus) (*max17048, error) {
	g := &max17048{dev: i2c.Dev{Bus: bus, Addr: max17048Addr}}

	// The version register answers on any living MAX17048/49.
	if _, err := g.read16(regVersion); err != nil {
		return nil, errors.Wrap(errors.ErrGaugeRead, err).
			WithMessage("no fuel gauge at 0x36")
	}

	return g, nil
}

func (g *max17048) read16(reg byte) (uint16, error) {
	var buf [2]byte
	if err := g.dev.Tx([]byte{reg}, buf[:]); err != nil {
		return 0, err
	}

	return uint16(buf[0])<<8 | uint16(buf[1]), nil
}

func (g *max17048) voltage() (float64, error) {
	raw, err := g.read16(regVCell)
	if err != nil {
		return 0, errors.Wrap(errors.ErrGaugeRead, err)
	}

	return float64(raw) * vcellLSBVolts, nil
}

func (g *max17048) percent() (float64, error) {
	raw, err := g.read16(regSOC)
	if err != nil {
		return 0, errors.Wrap(errors.ErrGaugeRead, err)
	}

	return float64(raw) / 256.0, nil
}

func (g *max17048) quickStart() error {
	if err := g.dev.Tx([]byte{regMode, byte(modeQuickStart >> 8), byte(modeQuickStart & 0xFF)}, nil); err != nil {
		return errors.Wrap(errors.ErrBusIO, err)
	}

	return nil
}
