package battery

import (
	"encoding/binary"
	"math"
	"os"
	"path/filepath"

	"codeberg.org/howlx/atmosd/internal/errors"
	"codeberg.org/howlx/atmosd/internal/logger"
)

// Trend is the previous cycle's battery observation, carried across sleeps
// so the next cycle can see whether the pack is climbing.
type Trend struct {
	Percent float64
	Voltage float64
}

// The state file is two little-endian float32 values, percent then voltage.
const trendSize = 8

// LoadTrend reads the persisted trend. An absent, truncated or corrupt file
// returns nil, never an error: the node starts from an unknown trend rather
// than refusing to run.
func LoadTrend(path string) *Trend {
	raw, err := os.ReadFile(path)
	if err != nil || len(raw) < trendSize {
		return nil
	}

	pct := float64(math.Float32frombits(binary.LittleEndian.Uint32(raw[0:4])))
	v := float64(math.Float32frombits(binary.LittleEndian.Uint32(raw[4:8])))
	if math.IsNaN(pct) || math.IsInf(pct, 0) || math.IsNaN(v) || math.IsInf(v, 0) {
		logger.Warn().Str("path", path).Msg("trend state corrupt, starting from unknown trend")
		return nil
	}

	return &Trend{Percent: pct, Voltage: v}
}

// SaveTrend persists the trend atomically so a reset mid-write leaves the
// previous state intact.
func SaveTrend(path string, t Trend) error {
	var buf [trendSize]byte
	binary.LittleEndian.PutUint32(buf[0:4], math.Float32bits(float32(t.Percent)))
	binary.LittleEndian.PutUint32(buf[4:8], math.Float32bits(float32(t.Voltage)))

	tmp := path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(errors.ErrStateSave, err)
	}
	if err := os.WriteFile(tmp, buf[:], 0o644); err != nil {
		return errors.Wrap(errors.ErrStateSave, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Wrap(errors.ErrStateSave, err)
	}

	return nil
}
