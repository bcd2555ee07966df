// Package offsets manages the calibration offset record applied to raw
// environmental readings. A missing or corrupt source always degrades to the
// zero record; offsets are applied to temperature, humidity and pressure
// only, and always all three at once.
package offsets

import (
	"context"
	"encoding/json"
	"io"
	"math"
	"net/http"
	"os"
	"path/filepath"

	"codeberg.org/howlx/atmosd/internal/errors"
)

// calibratedEpsilon is the magnitude below which an offset counts as zero.
const calibratedEpsilon = 0.01

// Record is the calibration offset set, in the units of the corrected
// fields (degC, %RH, hPa).
type Record struct {
	Temp  float64 `json:"temp"`
	Hum   float64 `json:"hum"`
	Press float64 `json:"press"`
}

// Zero returns the neutral record.
func Zero() Record {
	return Record{}
}

// Calibrated reports whether any offset component is meaningfully non-zero.
func (r Record) Calibrated() bool {
	return math.Abs(r.Temp) > calibratedEpsilon ||
		math.Abs(r.Hum) > calibratedEpsilon ||
		math.Abs(r.Press) > calibratedEpsilon
}

// Load reads the offsets file. Absent or unparseable input yields the zero
// record, never an error; a bad calibration file must not take the node down.
func Load(path string) Record {
	data, err := os.ReadFile(path)
	if err != nil {
		return Zero()
	}

	return decode(data)
}

func decode(data []byte) Record {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Zero()
	}
	if math.IsNaN(rec.Temp) || math.IsNaN(rec.Hum) || math.IsNaN(rec.Press) {
		return Zero()
	}

	return rec
}

// Exists reports whether a local offsets file is present.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Save persists the record atomically so a power loss mid-write cannot leave
// a torn file behind.
func Save(path string, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(errors.ErrOffsetsSave, err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(errors.ErrOffsetsSave, err)
	}

	tmp, err := os.CreateTemp(dir, ".offsets-*")
	if err != nil {
		return errors.Wrap(errors.ErrOffsetsSave, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.Wrap(errors.ErrOffsetsSave, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errors.Wrap(errors.ErrOffsetsSave, err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return errors.Wrap(errors.ErrOffsetsSave, err)
	}

	return nil
}

// Fetch retrieves the same JSON shape from a remote source. Unlike Load this
// does return errors: the caller decides whether a failed fallback fetch
// matters, and a fetch that succeeds but parses to garbage must not be
// mistaken for a real record.
func Fetch(ctx context.Context, client *http.Client, url string) (Record, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Zero(), errors.Wrap(errors.ErrOffsetsFetch, err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return Zero(), errors.Wrap(errors.ErrOffsetsFetch, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return Zero(), errors.WithData(errors.ErrOffsetsFetch, resp.Status)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return Zero(), errors.Wrap(errors.ErrOffsetsFetch, err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Zero(), errors.Wrap(errors.ErrOffsetsFetch, err)
	}

	return rec, nil
}
