package telemetry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codeberg.org/howlx/atmosd/internal/battery"
	"codeberg.org/howlx/atmosd/internal/errors"
	"codeberg.org/howlx/atmosd/internal/offsets"
	"codeberg.org/howlx/atmosd/internal/psychro"
	"codeberg.org/howlx/atmosd/internal/retry"
	"codeberg.org/howlx/atmosd/internal/sensor"
)

func f64(v float64) *float64 { return &v }

func fullInput() Input {
	iaq := 4
	return Input{
		Identity: Identity{Name: "Atmos", ID: "a1b2c3", Kind: "BME680"},
		Reading: sensor.Reading{
			TemperatureC: 21.347,
			HumidityPct:  48.125,
			PressureHPa:  f64(1009.876),
			AltitudeM:    f64(28.444),
			GasOhm:       f64(12345.67),
		},
		Metrics: psychro.Metrics{
			TempF:         70.4246,
			DewpointC:     9.876,
			DewpointF:     49.7768,
			WetbulbC:      14.321,
			WetbulbF:      57.7778,
			HumidityRatio: 0.0076543,
			Enthalpy:      40.9876,
			IAQIndex:      &iaq,
			IAQLabel:      "clean",
			CompGas:       f64(11.3456),
		},
		Battery: battery.Sample{Voltage: 3.8415, Percent: 72.34},
		State:   battery.ChargeDischarging,
		Offsets: offsets.Record{Temp: -1.2, Hum: 3.456, Press: 0.5},
	}
}

func keysOf(c Cycle) []string {
	keys := make([]string, len(c.Points))
	for i, p := range c.Points {
		keys[i] = p.Key
	}
	return keys
}

func valueOf(t *testing.T, c Cycle, key string) any {
	t.Helper()
	for _, p := range c.Points {
		if p.Key == key {
			return p.Value
		}
	}
	t.Fatalf("key %q not in payload", key)
	return nil
}

func TestAssembleFullSensorKeyOrder(t *testing.T) {
	c := Assemble(fullInput())

	assert.Equal(t, []string{
		"sensor-name", "sensor-id", "sensor-type", "fw-version",
		"temperature-c", "temperature-f", "dewpoint-c", "dewpoint-f",
		"wetbulb-c", "wetbulb-f", "humidity-pct", "humidity-ratio-kgkg",
		"enthalpy-kjkg",
		"pressure-hpa", "altitude-m",
		"gas-ohms", "gas-iaq-index", "gas-iaq-label", "gas-iaq-comp",
		"battery-v", "battery-pct", "charging-state",
		"offset-temp", "offset-hum", "offset-press", "calibrated",
	}, keysOf(c))
}

func TestAssembleRounding(t *testing.T) {
	c := Assemble(fullInput())

	assert.Equal(t, "Atmos #a1b2c3", valueOf(t, c, "sensor-name"))
	assert.Equal(t, Firmware, valueOf(t, c, "fw-version"))
	assert.Equal(t, 21.35, valueOf(t, c, "temperature-c"))
	assert.Equal(t, 0.00765, valueOf(t, c, "humidity-ratio-kgkg"))
	assert.Equal(t, 3.842, valueOf(t, c, "battery-v"))
	assert.Equal(t, 72.3, valueOf(t, c, "battery-pct"))
	assert.Equal(t, 12345, valueOf(t, c, "gas-ohms"))
	assert.Equal(t, 4, valueOf(t, c, "gas-iaq-index"))
	assert.Equal(t, "discharging", valueOf(t, c, "charging-state"))
	assert.Equal(t, true, valueOf(t, c, "calibrated"))
}

func TestAssembleHumidityOnlySensorOmitsAbsentChannels(t *testing.T) {
	in := fullInput()
	in.Identity.Kind = "SHT3x"
	in.Reading.PressureHPa = nil
	in.Reading.AltitudeM = nil
	in.Reading.GasOhm = nil
	in.Metrics.IAQIndex = nil
	in.Metrics.CompGas = nil
	in.Offsets = offsets.Record{}

	c := Assemble(in)
	keys := keysOf(c)

	for _, absent := range []string{"pressure-hpa", "altitude-m", "gas-ohms", "gas-iaq-index", "gas-iaq-label", "gas-iaq-comp", "offset-press"} {
		assert.NotContains(t, keys, absent)
	}
	assert.Equal(t, false, valueOf(t, c, "calibrated"))
}

func TestBuildLine(t *testing.T) {
	iaq := 2
	c := Assemble(Input{
		Identity: Identity{Name: "front porch", ID: "ab,cd", Kind: "BME680"},
		Reading: sensor.Reading{
			TemperatureC: 20.0,
			HumidityPct:  50.0,
			PressureHPa:  f64(1000.0),
			AltitudeM:    f64(110.9),
			GasOhm:       f64(2500.0),
		},
		Metrics: psychro.Metrics{
			TempF: 68.0, DewpointC: 9.26, DewpointF: 48.67,
			WetbulbC: 13.7, WetbulbF: 56.66,
			HumidityRatio: 0.00744, Enthalpy: 38.93,
			IAQIndex: &iaq, IAQLabel: "moderate VOCs", CompGas: f64(9.82),
		},
		Battery: battery.Sample{Voltage: 4.011, Percent: 88.8},
		State:   battery.ChargeCharging,
		Offsets: offsets.Record{},
	})

	line := buildLine(c)

	assert.True(t, strings.HasPrefix(line, `howlx,device=ab\,cd,name=front\ porch `), line)
	assert.Contains(t, line, "temperature_c=20")
	assert.Contains(t, line, "gas_ohms=2500i")
	assert.Contains(t, line, "gas_iaq_index=2i")
	assert.Contains(t, line, `gas_iaq_label="moderate VOCs"`)
	assert.Contains(t, line, `charging_state="charging"`)
	assert.Contains(t, line, "calibrated=0i")
	assert.NotContains(t, line, "sensor_name")
	assert.NotContains(t, line, "fw_version")
}

func TestEscapeTag(t *testing.T) {
	assert.Equal(t, `a\,b\ c\=d`, escapeTag("a,b c=d"))
}

func TestAIOPublish(t *testing.T) {
	var gotPath, gotKey string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("X-AIO-Key")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sink, err := NewAIO(AIOConfig{User: "wolf", Key: "secret", Group: "atmos", BaseURL: srv.URL})
	require.NoError(t, err)

	err = sink.Publish(context.Background(), Assemble(fullInput()))
	require.NoError(t, err)

	assert.Equal(t, "/wolf/groups/atmos/data", gotPath)
	assert.Equal(t, "secret", gotKey)

	var payload struct {
		Feeds []struct {
			Key   string `json:"key"`
			Value any    `json:"value"`
		} `json:"feeds"`
	}
	require.NoError(t, json.Unmarshal(gotBody, &payload))
	require.NotEmpty(t, payload.Feeds)
	assert.Equal(t, "sensor-name", payload.Feeds[0].Key)
	assert.Equal(t, "Atmos #a1b2c3", payload.Feeds[0].Value)
}

func TestAIOPublishHTTPErrorSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	sink, err := NewAIO(AIOConfig{User: "wolf", Key: "bad", Group: "atmos", BaseURL: srv.URL})
	require.NoError(t, err)

	err = sink.Publish(context.Background(), Assemble(fullInput()))
	require.Error(t, err)
	assert.Equal(t, errors.ErrSinkDelivery, errors.CodeOf(err))
}

func TestAIORequiresCredentials(t *testing.T) {
	_, err := NewAIO(AIOConfig{User: "wolf"})
	require.Error(t, err)
	assert.Equal(t, errors.ErrSinkConfig, errors.CodeOf(err))
}

func TestAIOFetchReference(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/wolf/groups/reference", r.URL.Path)
		fmt.Fprint(w, `{"feeds":[
            {"key":"reference.indoor-temperature-c","last_value":"21.40"},
            {"key":"reference.indoor-humidity-pct","last_value":47.5},
            {"key":"reference.something-else","last_value":"9"}
        ]}`)
	}))
	defer srv.Close()

	sink, err := NewAIO(AIOConfig{User: "wolf", Key: "secret", Group: "atmos", BaseURL: srv.URL})
	require.NoError(t, err)

	ref, err := sink.FetchReference(context.Background(), "reference")
	require.NoError(t, err)

	require.NotNil(t, ref.TempC)
	assert.InDelta(t, 21.40, *ref.TempC, 1e-9)
	require.NotNil(t, ref.HumPct)
	assert.InDelta(t, 47.5, *ref.HumPct, 1e-9)
	assert.Nil(t, ref.PressHPa)
}

func TestInfluxPublishV2(t *testing.T) {
	var gotQuery, gotAuth, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v2/write", r.URL.Path)
		gotQuery = r.URL.RawQuery
		gotAuth = r.Header.Get("Authorization")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sink, err := NewInflux(InfluxConfig{URL: srv.URL, Org: "howlx", Bucket: "atmos", Token: "tok"})
	require.NoError(t, err)

	require.NoError(t, sink.Publish(context.Background(), Assemble(fullInput())))

	assert.Contains(t, gotQuery, "org=howlx")
	assert.Contains(t, gotQuery, "bucket=atmos")
	assert.Equal(t, "Token tok", gotAuth)
	assert.True(t, strings.HasPrefix(gotBody, "howlx,device=a1b2c3,name=Atmos "))
	assert.True(t, strings.HasSuffix(gotBody, "\n"))
}

func TestInfluxPublishV1Fallback(t *testing.T) {
	var gotPath, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sink, err := NewInflux(InfluxConfig{URL: srv.URL, V1DB: "atmos", V1User: "u", V1Pass: "p"})
	require.NoError(t, err)

	require.NoError(t, sink.Publish(context.Background(), Assemble(fullInput())))

	assert.Equal(t, "/write", gotPath)
	assert.Contains(t, gotQuery, "db=atmos")
	assert.Contains(t, gotQuery, "u=u")
}

func TestInfluxRequiresSomeCredentials(t *testing.T) {
	_, err := NewInflux(InfluxConfig{URL: "http://localhost:8086"})
	require.Error(t, err)
	assert.Equal(t, errors.ErrSinkConfig, errors.CodeOf(err))
}

type fakeSink struct {
	name  string
	calls int
	fail  bool
}

func (s *fakeSink) Name() string { return s.name }

func (s *fakeSink) Publish(ctx context.Context, c Cycle) error {
	s.calls++
	if s.fail {
		return fmt.Errorf("sink down")
	}
	return nil
}

func TestDispatchIsolatesSinkFailures(t *testing.T) {
	good := &fakeSink{name: "good"}
	bad := &fakeSink{name: "bad", fail: true}
	tail := &fakeSink{name: "tail"}

	opts := retry.Options{Tries: 2, BaseDelay: time.Millisecond}
	failed := Dispatch(context.Background(), retry.NopWatchdog(), opts, []Sink{good, bad, tail}, Assemble(fullInput()))

	assert.Equal(t, 1, failed)
	assert.Equal(t, 1, good.calls)
	assert.Equal(t, 2, bad.calls, "failing sink exhausts its own retry budget")
	assert.Equal(t, 1, tail.calls, "later sinks still run")
}

func TestArchiveStoresCycle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archive.db")
	sink, err := NewArchive(ArchiveConfig{DBPath: path})
	require.NoError(t, err)
	defer sink.Close()

	require.NoError(t, sink.Publish(context.Background(), Assemble(fullInput())))

	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	defer db.Close()

	var count int
	var state string
	var pressure sql.NullFloat64
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM readings").Scan(&count))
	require.NoError(t, db.QueryRow("SELECT charging_state, pressure_hpa FROM readings").Scan(&state, &pressure))

	assert.Equal(t, 1, count)
	assert.Equal(t, "discharging", state)
	assert.True(t, pressure.Valid)
	assert.InDelta(t, 1009.88, pressure.Float64, 1e-9)
}

func TestArchiveStoresNullForAbsentChannels(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archive.db")
	sink, err := NewArchive(ArchiveConfig{DBPath: path})
	require.NoError(t, err)
	defer sink.Close()

	in := fullInput()
	in.Reading.PressureHPa = nil
	in.Reading.AltitudeM = nil
	in.Reading.GasOhm = nil
	in.Metrics.IAQIndex = nil
	in.Metrics.CompGas = nil

	require.NoError(t, sink.Publish(context.Background(), Assemble(in)))

	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	defer db.Close()

	var pressure, gas sql.NullFloat64
	require.NoError(t, db.QueryRow("SELECT pressure_hpa, gas_ohms FROM readings").Scan(&pressure, &gas))
	assert.False(t, pressure.Valid)
	assert.False(t, gas.Valid)
}

func TestCycleJSONPreservesOrder(t *testing.T) {
	c := Assemble(fullInput())
	raw, err := cycleJSON(c)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(string(raw), `{"sensor-name":"Atmos #a1b2c3","sensor-id":"a1b2c3"`), string(raw))
	assert.True(t, json.Valid(raw))
}
