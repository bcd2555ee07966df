package sensor

import (
	"time"

	"periph.io/x/conn/v3/i2c"

	"codeberg.org/howlx/atmosd/internal/errors"
)

// SHT3x command words.
var (
	sht3xCmdMeasure = []byte{0x24, 0x00} // single shot, high repeatability, no clock stretching
	sht3xCmdStatus  = []byte{0xF3, 0x2D}
)

type sht3xDriver struct {
	dev i2c.Dev
}

// sht3xPresent checks for a chip by reading the status register. The SHT3x
// has no chip-id register, so answering the status command with a valid CRC
// is the identification.
func sht3xPresent(bus i2c.Bus, addr uint16) bool {
	dev := i2c.Dev{Bus: bus, Addr: addr}
	if err := dev.Tx(sht3xCmdStatus, nil); err != nil {
		return false
	}
	var buf [3]byte
	if err := dev.Tx(nil, buf[:]); err != nil {
		return false
	}

	return sht3xCRC(buf[0:2]) == buf[2]
}

func newSHT3X(bus i2c.Bus, addr uint16) (*sht3xDriver, error) {
	d := &sht3xDriver{dev: i2c.Dev{Bus: bus, Addr: addr}}
	if !sht3xPresent(bus, addr) {
		return nil, errors.WithData(errors.ErrSensorNotFound, "SHT3x status read failed")
	}

	return d, nil
}

// read performs one single-shot measurement. Temperature in degC, relative
// humidity in %.
func (d *sht3xDriver) read() (tempC, rh float64, err error) {
	if err = d.dev.Tx(sht3xCmdMeasure, nil); err != nil {
		return 0, 0, errors.Wrap(errors.ErrBusIO, err)
	}
	// High-repeatability conversion takes up to 15 ms.
	time.Sleep(16 * time.Millisecond)

	var buf [6]byte
	if err = d.dev.Tx(nil, buf[:]); err != nil {
		return 0, 0, errors.Wrap(errors.ErrBusIO, err)
	}

	if sht3xCRC(buf[0:2]) != buf[2] || sht3xCRC(buf[3:5]) != buf[5] {
		return 0, 0, errors.WithData(errors.ErrSensorRead, "SHT3x CRC mismatch")
	}

	rawT := uint16(buf[0])<<8 | uint16(buf[1])
	rawRH := uint16(buf[3])<<8 | uint16(buf[4])

	tempC = -45.0 + 175.0*float64(rawT)/65535.0
	rh = 100.0 * float64(rawRH) / 65535.0

	return tempC, rh, nil
}

// sht3xCRC is the sensor's CRC-8 (polynomial 0x31, init 0xFF) over a
// two-byte word.
func sht3xCRC(data []byte) byte {
	crc := byte(0xFF)
	for _, b := range data {
		crc ^= b
		for i := 0; i < 8; i++ {
			if crc&0x80 != 0 {
				crc = crc<<1 ^ 0x31
			} else {
				crc <<= 1
			}
		}
	}

	return crc
}
