// Package battery reads the MAX17048 fuel gauge and classifies the pack's
// charge state from voltage, state-of-charge and the previous cycle's trend.
package battery

import (
	"time"

	"periph.io/x/conn/v3/i2c"

	"codeberg.org/howlx/atmosd/internal/errors"
	"codeberg.org/howlx/atmosd/internal/logger"
)

// SOC outside this window means the gauge's model has lost the plot and
// needs a quick-start before the value can be trusted.
const (
	socSaneMin = -0.5
	socSaneMax = 101.5

	sampleGap       = 100 * time.Millisecond
	quickStartDwell = 250 * time.Millisecond
)

type gauge interface {
	voltage() (float64, error)
	percent() (float64, error)
	quickStart() error
}

// Sample is one fuel-gauge acquisition. Percent is always clamped to
// [0, 100]; QuickStarted records that the gauge model had to be restarted
// to get there, and Anomalous that the percent was still out of band
// afterwards, so the clamped value is a best effort.
type Sample struct {
	Voltage      float64
	Percent      float64
	QuickStarted bool
	Anomalous    bool
}

// Reader acquires averaged fuel-gauge samples.
type Reader struct {
	g     gauge
	sleep func(time.Duration)
}

func NewReader(bus i2c.Bus) (*Reader, error) {
	g, err := newMAX17048(bus)
	if err != nil {
		return nil, err
	}

	return &Reader{g: g, sleep: time.Sleep}, nil
}

// Read averages two samples taken a beat apart, smoothing the gauge's ADC
// jitter. A plainly impossible state of charge triggers one quick-start and
// a re-read; the final percent is clamped to [0, 100] either way.
func (r *Reader) Read() (Sample, error) {
	v, p, err := r.samplePair()
	if err != nil {
		return Sample{}, err
	}

	s := Sample{Voltage: v, Percent: p}
	if p > socSaneMax || p < socSaneMin {
		if qerr := r.g.quickStart(); qerr != nil {
			s.Anomalous = true
			logger.Warn().
				Float64("percent", p).
				AnErr("error", errors.Wrap(errors.ErrGaugeAnomaly, qerr)).
				Msg("fuel gauge quick-start failed, keeping raw reading")
		} else {
			r.sleep(quickStartDwell)
			v, p, err = r.samplePair()
			if err != nil {
				return Sample{}, err
			}
			s = Sample{Voltage: v, Percent: p, QuickStarted: true}
			if p > socSaneMax || p < socSaneMin {
				s.Anomalous = true
				logger.Warn().
					Float64("percent", p).
					Msg("fuel gauge still out of band after quick-start")
			} else {
				logger.Info().
					Float64("voltage", v).
					Float64("percent", p).
					Msg("fuel gauge quick-start applied")
			}
		}
	}

	s.Percent = clampPercent(s.Percent)

	return s, nil
}

func (r *Reader) samplePair() (voltage, percent float64, err error) {
	r.sleep(sampleGap)
	v1, err := r.g.voltage()
	if err != nil {
		return 0, 0, err
	}
	p1, err := r.g.percent()
	if err != nil {
		return 0, 0, err
	}

	r.sleep(sampleGap)
	v2, err := r.g.voltage()
	if err != nil {
		return 0, 0, err
	}
	p2, err := r.g.percent()
	if err != nil {
		return 0, 0, err
	}

	return (v1 + v2) / 2.0, (p1 + p2) / 2.0, nil
}

func clampPercent(p float64) float64 {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}

	return p
}
