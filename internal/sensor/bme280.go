package sensor

import (
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/devices/v3/bmxx80"

	"codeberg.org/howlx/atmosd/internal/errors"
)

// bme280Driver wraps the periph bmxx80 driver, which handles the 280's
// calibration and compensation.
type bme280Driver struct {
	dev *bmxx80.Dev
}

func newBME280(bus i2c.Bus, addr uint16) (*bme280Driver, error) {
	dev, err := bmxx80.NewI2C(bus, addr, &bmxx80.DefaultOpts)
	if err != nil {
		return nil, errors.Wrap(errors.ErrInitFailed, err)
	}

	return &bme280Driver{dev: dev}, nil
}

func (d *bme280Driver) read() (tempC, rh, pressHPa float64, err error) {
	var env physic.Env
	if err = d.dev.Sense(&env); err != nil {
		return 0, 0, 0, errors.Wrap(errors.ErrBusIO, err)
	}

	tempC = env.Temperature.Celsius()
	rh = float64(env.Humidity) / float64(physic.PercentRH)
	pressHPa = float64(env.Pressure) / float64(physic.Pascal) / 100.0

	return tempC, rh, pressHPa, nil
}

func (d *bme280Driver) halt() error {
	return d.dev.Halt()
}
