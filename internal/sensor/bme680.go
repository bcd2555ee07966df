package sensor

import (
	"fmt"
	"time"

	"periph.io/x/conn/v3/i2c"

	"codeberg.org/howlx/atmosd/internal/errors"
)

// BME680 registers. periph's bmxx80 stops at the BME280, so this driver
// talks to the 680 directly; the gas stage has no equivalent elsewhere in
// the tree.
const (
	bme680RegStatus      = 0x1D // meas_status_0; data block runs 0x1D..0x2B
	bme680RegResHeat0    = 0x5A
	bme680RegGasWait0    = 0x64
	bme680RegCtrlGas1    = 0x71
	bme680RegCtrlHum     = 0x72
	bme680RegCtrlMeas    = 0x74
	bme680RegConfig      = 0x75
	bme680RegCoeff1      = 0x89 // 25-byte coefficient block
	bme680RegCoeff2      = 0xE1 // 16-byte coefficient block
	bme680RegResHeatVal  = 0x00
	bme680RegResHeatRang = 0x02
	bme680RegRangeSWErr  = 0x04
	bme680RegSoftReset   = 0xE0

	bme680SoftResetCmd = 0xB6

	// osrs_t 8x, osrs_p 4x, forced mode.
	bme680CtrlMeasForced = 0x8D
	// osrs_h 2x.
	bme680CtrlHum = 0x02
	// IIR filter coefficient 3.
	bme680Config = 0x08
	// run_gas, heater profile 0.
	bme680CtrlGas = 0x10
	// 150 ms heater dwell (37 x 4ms multiplier).
	bme680GasWait = 0x65

	bme680HeaterTargetC = 320

	bme680NewDataBit  = 0x80
	bme680GasValidBit = 0x20
	bme680HeatStabBit = 0x10
)

// Factory calibration coefficients, per the Bosch memory map.
type bme680Cal struct {
	t1 uint16
	t2 int16
	t3 int8

	p1  uint16
	p2  int16
	p3  int8
	p4  int16
	p5  int16
	p6  int8
	p7  int8
	p8  int16
	p9  int16
	p10 uint8

	h1 uint16
	h2 uint16
	h3 int8
	h4 int8
	h5 int8
	h6 uint8
	h7 int8

	g1 int8
	g2 int16
	g3 int8

	resHeatRange uint8
	resHeatVal   int8
	rangeSWErr   int8
}

// Gas-range constants for the float resistance calculation (datasheet
// tables 16/17).
var (
	bme680RangeC1 = [16]float64{1, 1, 1, 1, 1, 0.99, 1, 0.992, 1, 1, 0.998, 0.995, 1, 0.99, 1, 1}
	bme680RangeC2 = [16]float64{
		8000000, 4000000, 2000000, 1000000,
		499500.4995, 248262.1648, 125000, 63004.03226,
		31281.28128, 15625, 7812.5, 3906.25,
		1953.125, 976.5625, 488.28125, 244.140625,
	}
)

type bme680Driver struct {
	dev i2c.Dev
	cal bme680Cal
}

func newBME680(bus i2c.Bus, addr uint16) (*bme680Driver, error) {
	d := &bme680Driver{dev: i2c.Dev{Bus: bus, Addr: addr}}

	if err := d.write1(bme680RegSoftReset, bme680SoftResetCmd); err != nil {
		return nil, errors.Wrap(errors.ErrBusIO, err)
	}
	time.Sleep(10 * time.Millisecond)

	id, err := d.read1(regBoschChipID)
	if err != nil {
		return nil, errors.Wrap(errors.ErrBusIO, err)
	}
	if id != chipIDBME680 {
		return nil, errors.WithData(errors.ErrSensorNotFound, fmt.Sprintf("BME680 chip id 0x%02X", id))
	}

	if err := d.readCalibration(); err != nil {
		return nil, err
	}
	if err := d.configure(); err != nil {
		return nil, err
	}

	return d, nil
}

func (d *bme680Driver) write1(reg, val byte) error {
	return d.dev.Tx([]byte{reg, val}, nil)
}

func (d *bme680Driver) read1(reg byte) (byte, error) {
	var b [1]byte
	if err := d.dev.Tx([]byte{reg}, b[:]); err != nil {
		return 0, err
	}

	return b[0], nil
}

func (d *bme680Driver) readN(reg byte, buf []byte) error {
	return d.dev.Tx([]byte{reg}, buf)
}

func (d *bme680Driver) readCalibration() error {
	var c1 [25]byte
	var c2 [16]byte
	if err := d.readN(bme680RegCoeff1, c1[:]); err != nil {
		return errors.Wrap(errors.ErrBusIO, err)
	}
	if err := d.readN(bme680RegCoeff2, c2[:]); err != nil {
		return errors.Wrap(errors.ErrBusIO, err)
	}

	u16 := func(lsb, msb byte) uint16 { return uint16(lsb) | uint16(msb)<<8 }

	cal := &d.cal

	// Block 1 starts at 0x89; indexes are register minus 0x89.
	cal.t2 = int16(u16(c1[0x8A-0x89], c1[0x8B-0x89]))
	cal.t3 = int8(c1[0x8C-0x89])
	cal.p1 = u16(c1[0x8E-0x89], c1[0x8F-0x89])
	cal.p2 = int16(u16(c1[0x90-0x89], c1[0x91-0x89]))
	cal.p3 = int8(c1[0x92-0x89])
	cal.p4 = int16(u16(c1[0x94-0x89], c1[0x95-0x89]))
	cal.p5 = int16(u16(c1[0x96-0x89], c1[0x97-0x89]))
	cal.p7 = int8(c1[0x98-0x89])
	cal.p6 = int8(c1[0x99-0x89])
	cal.p8 = int16(u16(c1[0x9C-0x89], c1[0x9D-0x89]))
	cal.p9 = int16(u16(c1[0x9E-0x89], c1[0x9F-0x89]))
	cal.p10 = c1[0xA0-0x89]

	// Block 2 starts at 0xE1. h1/h2 share the nibble register 0xE2.
	cal.h2 = uint16(c2[0xE1-0xE1])<<4 | uint16(c2[0xE2-0xE1])>>4
	cal.h1 = uint16(c2[0xE3-0xE1])<<4 | uint16(c2[0xE2-0xE1])&0x0F
	cal.h3 = int8(c2[0xE4-0xE1])
	cal.h4 = int8(c2[0xE5-0xE1])
	cal.h5 = int8(c2[0xE6-0xE1])
	cal.h6 = c2[0xE7-0xE1]
	cal.h7 = int8(c2[0xE8-0xE1])
	cal.t1 = u16(c2[0xE9-0xE1], c2[0xEA-0xE1])
	cal.g2 = int16(u16(c2[0xEB-0xE1], c2[0xEC-0xE1]))
	cal.g1 = int8(c2[0xED-0xE1])
	cal.g3 = int8(c2[0xEE-0xE1])

	hr, err := d.read1(bme680RegResHeatRang)
	if err != nil {
		return errors.Wrap(errors.ErrBusIO, err)
	}
	cal.resHeatRange = (hr >> 4) & 0x03

	hv, err := d.read1(bme680RegResHeatVal)
	if err != nil {
		return errors.Wrap(errors.ErrBusIO, err)
	}
	cal.resHeatVal = int8(hv)

	sw, err := d.read1(bme680RegRangeSWErr)
	if err != nil {
		return errors.Wrap(errors.ErrBusIO, err)
	}
	cal.rangeSWErr = int8(sw&0xF0) >> 4

	return nil
}

func (d *bme680Driver) configure() error {
	steps := []struct {
		reg, val byte
	}{
		{bme680RegCtrlHum, bme680CtrlHum},
		{bme680RegConfig, bme680Config},
		{bme680RegGasWait0, bme680GasWait},
		{bme680RegResHeat0, d.calcResHeat(bme680HeaterTargetC, 25)},
		{bme680RegCtrlGas1, bme680CtrlGas},
	}
	for _, s := range steps {
		if err := d.write1(s.reg, s.val); err != nil {
			return errors.Wrap(errors.ErrBusIO, err)
		}
	}

	return nil
}

// calcResHeat converts a heater target temperature into the res_heat
// register value (datasheet 3.3.5, float variant).
func (d *bme680Driver) calcResHeat(targetC, ambientC int) byte {
	c := &d.cal

	var1 := float64(c.g1)/16.0 + 49.0
	var2 := float64(c.g2)/32768.0*0.0005 + 0.00235
	var3 := float64(c.g3) / 1024.0
	var4 := var1 * (1.0 + var2*float64(targetC))
	var5 := var4 + var3*float64(ambientC)

	return byte(3.4 * (var5*(4.0/(4.0+float64(c.resHeatRange)))*
		(1.0/(1.0+float64(c.resHeatVal)*0.002)) - 25.0))
}

// read triggers one forced-mode measurement and returns temperature (degC),
// relative humidity (%), pressure (hPa) and gas resistance (ohm). gasValid
// is false when the heater had not stabilized; T/H/P are still good then,
// and the caller reports the cycle without a gas value.
func (d *bme680Driver) read() (tempC, rh, pressHPa, gasOhm float64, gasValid bool, err error) {
	if err = d.write1(bme680RegCtrlMeas, bme680CtrlMeasForced); err != nil {
		return 0, 0, 0, 0, false, errors.Wrap(errors.ErrBusIO, err)
	}

	// TPH at these oversamplings plus the 150 ms heater dwell lands well
	// under 400 ms.
	var buf [15]byte
	deadline := time.Now().Add(time.Second)
	for {
		if err = d.readN(bme680RegStatus, buf[:]); err != nil {
			return 0, 0, 0, 0, false, errors.Wrap(errors.ErrBusIO, err)
		}
		if buf[0]&bme680NewDataBit != 0 {
			break
		}
		if time.Now().After(deadline) {
			return 0, 0, 0, 0, false, errors.WithData(errors.ErrSensorRead, "BME680 measurement timeout")
		}
		time.Sleep(10 * time.Millisecond)
	}

	pressADC := uint32(buf[2])<<12 | uint32(buf[3])<<4 | uint32(buf[4])>>4
	tempADC := uint32(buf[5])<<12 | uint32(buf[6])<<4 | uint32(buf[7])>>4
	humADC := uint16(buf[8])<<8 | uint16(buf[9])
	gasADC := uint16(buf[13])<<2 | uint16(buf[14])>>6
	gasRange := buf[14] & 0x0F

	tempC, tFine := d.compensateTemp(tempADC)
	pressHPa = d.compensatePressure(pressADC, tFine) / 100.0
	rh = d.compensateHumidity(humADC, tempC)

	if buf[14]&bme680GasValidBit != 0 && buf[14]&bme680HeatStabBit != 0 {
		gasOhm = d.gasResistance(gasADC, gasRange)
		gasValid = true
	}

	return tempC, rh, pressHPa, gasOhm, gasValid, nil
}

// halt soft-resets the chip, disarming the heater profile.
func (d *bme680Driver) halt() error {
	if err := d.write1(bme680RegSoftReset, bme680SoftResetCmd); err != nil {
		return errors.Wrap(errors.ErrBusIO, err)
	}

	return nil
}

func (d *bme680Driver) compensateTemp(adc uint32) (tempC, tFine float64) {
	c := &d.cal

	var1 := (float64(adc)/16384.0 - float64(c.t1)/1024.0) * float64(c.t2)
	half := float64(adc)/131072.0 - float64(c.t1)/8192.0
	var2 := half * half * float64(c.t3) * 16.0
	tFine = var1 + var2

	return tFine / 5120.0, tFine
}

func (d *bme680Driver) compensatePressure(adc uint32, tFine float64) float64 {
	c := &d.cal

	var1 := tFine/2.0 - 64000.0
	var2 := var1 * var1 * float64(c.p6) / 131072.0
	var2 += var1 * float64(c.p5) * 2.0
	var2 = var2/4.0 + float64(c.p4)*65536.0
	var1 = (float64(c.p3)*var1*var1/16384.0 + float64(c.p2)*var1) / 524288.0
	var1 = (1.0 + var1/32768.0) * float64(c.p1)
	if var1 == 0 {
		return 0
	}

	press := 1048576.0 - float64(adc)
	press = (press - var2/4096.0) * 6250.0 / var1
	var1 = float64(c.p9) * press * press / 2147483648.0
	var2 = press * float64(c.p8) / 32768.0
	var3 := (press / 256.0) * (press / 256.0) * (press / 256.0) * (float64(c.p10) / 131072.0)

	return press + (var1+var2+var3+float64(c.p7)*128.0)/16.0 // Pa
}

func (d *bme680Driver) compensateHumidity(adc uint16, tempC float64) float64 {
	c := &d.cal

	var1 := float64(adc) - (float64(c.h1)*16.0 + float64(c.h3)/2.0*tempC)
	var2 := var1 * (float64(c.h2) / 262144.0 *
		(1.0 + float64(c.h4)/16384.0*tempC + float64(c.h5)/1048576.0*tempC*tempC))
	var3 := float64(c.h6) / 16384.0
	var4 := float64(c.h7) / 2097152.0
	hum := var2 + (var3+var4*tempC)*var2*var2

	if hum > 100 {
		return 100
	}
	if hum < 0 {
		return 0
	}

	return hum
}

func (d *bme680Driver) gasResistance(adc uint16, gasRange byte) float64 {
	c := &d.cal

	var1 := (1340.0 + 5.0*float64(c.rangeSWErr)) * bme680RangeC1[gasRange]

	return var1 * bme680RangeC2[gasRange] / (float64(adc) - 512.0 + var1)
}
