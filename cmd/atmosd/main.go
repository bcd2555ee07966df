package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"

	"codeberg.org/howlx/atmosd/internal/battery"
	"codeberg.org/howlx/atmosd/internal/config"
	"codeberg.org/howlx/atmosd/internal/errors"
	"codeberg.org/howlx/atmosd/internal/logger"
	"codeberg.org/howlx/atmosd/internal/offsets"
	"codeberg.org/howlx/atmosd/internal/pid"
	"codeberg.org/howlx/atmosd/internal/psychro"
	"codeberg.org/howlx/atmosd/internal/retry"
	"codeberg.org/howlx/atmosd/internal/sensor"
	"codeberg.org/howlx/atmosd/internal/telemetry"
)

const (
	// Gas warm-up before the first air-quality judgement of a cycle.
	gasWarmupSamples  = 10
	gasWarmupInterval = time.Second

	calibrationSampleGap = time.Second
)

var cfg *config.Config

func init() {
	var err error
	cfg, err = config.Load()
	if err != nil {
		fmt.Printf("failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(cfg.LogLevel, logger.IsService()); err != nil {
		fmt.Printf("failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	logger.Debug().Msg("Config loaded")
}

type app struct {
	bus      i2c.BusCloser
	dev      *sensor.Device
	gauge    *battery.Reader
	sinks    []telemetry.Sink
	archive  *telemetry.ArchiveSink
	wd       retry.Watchdog
	retries  retry.Options
	identity telemetry.Identity
	client   *http.Client
}

func main() {
	if err := pid.Write(); err != nil {
		logger.Error().AnErr("error", err).Msg("failed to acquire PID file")
		os.Exit(1)
	}
	defer pid.Remove()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleSignals(cancel)

	a, err := newApp()
	if err != nil {
		logger.Error().AnErr("error", errors.Wrap(errors.ErrInitApp, err)).Msg("initialization failed")
		pid.Remove()
		os.Exit(1)
	}
	defer a.close()

	if cfg.Calibrate {
		if err := a.calibrate(ctx); err != nil {
			logger.Error().AnErr("error", err).Msg("calibration failed")
			a.close()
			pid.Remove()
			os.Exit(1)
		}
		return
	}

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

	if cfg.Oneshot {
		if err := a.runCycle(ctx); err != nil {
			a.fail(err)
		}
		return
	}

	if err := a.loop(ctx); err != nil {
		a.fail(err)
	}
}

// fail applies the node's restart policy: unattended, exit non-zero and let
// the service manager restart a clean process; attended, surface the fault.
func (a *app) fail(err error) {
	logger.Error().AnErr("error", errors.Wrap(errors.ErrMainLoop, err)).Msg("cycle failed")
	if logger.IsService() {
		a.close()
		pid.Remove()
		os.Exit(1)
	}
	a.close()
	pid.Remove()
	os.Exit(2)
}

func newApp() (*app, error) {
	if _, err := host.Init(); err != nil {
		return nil, errors.Wrap(errors.ErrBusOpen, err)
	}

	bus, err := i2creg.Open(cfg.I2CBus)
	if err != nil {
		return nil, errors.Wrap(errors.ErrBusOpen, err)
	}

	a := &app{
		bus: bus,
		wd:  retry.SystemWatchdog(),
		retries: retry.Options{
			Tries:     cfg.RetryTries,
			BaseDelay: time.Duration(cfg.RetryBaseMS) * time.Millisecond,
		},
		client: &http.Client{Timeout: 15 * time.Second},
	}

	a.dev, err = sensor.Probe(bus, sensor.ProbeOptions{
		Tries:       cfg.ProbeTries,
		SeaLevelHPa: cfg.SeaLevelHPa,
		Feed:        a.wd.Feed,
	})
	if err != nil {
		bus.Close()
		return nil, err
	}

	a.gauge, err = battery.NewReader(bus)
	if err != nil {
		bus.Close()
		return nil, err
	}

	a.identity = telemetry.Identity{
		Name: cfg.SensorName,
		ID:   telemetry.NodeID(),
		Kind: a.dev.Kind().String(),
	}
	a.sinks = buildSinks(cfg)

	logger.Info().Msgf("%s [%s:%s-%s] ready",
		a.identity.Name, a.identity.Kind, telemetry.BoardCode(), a.identity.ID)

	return a, nil
}

// buildSinks constructs every enabled sink. A sink that rejects its
// configuration is skipped with a warning rather than stopping the node;
// the remaining sinks still get the data.
func buildSinks(cfg *config.Config) []telemetry.Sink {
	var sinks []telemetry.Sink

	if cfg.AIOEnable {
		s, err := telemetry.NewAIO(telemetry.AIOConfig{
			User:  cfg.AIOUser,
			Key:   cfg.AIOKey,
			Group: cfg.AIOGroup,
		})
		if err != nil {
			logger.Warn().AnErr("error", err).Msg("adafruit-io sink disabled")
		} else {
			sinks = append(sinks, s)
		}
	}

	if cfg.InfluxEnable {
		s, err := telemetry.NewInflux(telemetry.InfluxConfig{
			URL:    cfg.InfluxURL,
			Org:    cfg.InfluxOrg,
			Bucket: cfg.InfluxBucket,
			Token:  cfg.InfluxToken,
			V1DB:   cfg.InfluxV1DB,
			V1User: cfg.InfluxV1User,
			V1Pass: cfg.InfluxV1Pass,
		})
		if err != nil {
			logger.Warn().AnErr("error", err).Msg("influxdb sink disabled")
		} else {
			sinks = append(sinks, s)
		}
	}

	if cfg.MQTTEnable {
		s, err := telemetry.NewMQTT(telemetry.MQTTConfig{
			Broker:   cfg.MQTTBroker,
			Port:     cfg.MQTTPort,
			ClientID: cfg.MQTTClientID,
			Topic:    cfg.MQTTTopic,
			Username: cfg.MQTTUser,
			Password: cfg.MQTTPass,
		})
		if err != nil {
			logger.Warn().AnErr("error", err).Msg("mqtt sink disabled")
		} else {
			sinks = append(sinks, s)
		}
	}

	return sinks
}

func (a *app) close() {
	if a.dev != nil {
		if err := a.dev.Halt(); err != nil {
			logger.Warn().AnErr("error", err).Msg("sensor halt failed")
		}
	}
	if a.archive != nil {
		if err := a.archive.Close(); err != nil {
			logger.Warn().AnErr("error", err).Msg("archive close failed")
		}
		a.archive = nil
	}
	if a.bus != nil {
		if err := a.bus.Close(); err != nil {
			logger.Warn().AnErr("error", err).Msg("bus close failed")
		}
		a.bus = nil
	}
}

func (a *app) loop(ctx context.Context) error {
	interval := time.Duration(cfg.Interval) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if cfg.Monitor {
		logger.Info().Msg("Monitor mode activated. Reading without dispatching telemetry...")
	}

	// First cycle immediately; the ticker paces the rest.
	if err := a.runCycle(ctx); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("Exiting...")
			return nil
		case <-ticker.C:
			if err := a.runCycle(ctx); err != nil {
				return err
			}
		}
	}
}

func (a *app) runCycle(ctx context.Context) error {
	a.wd.Feed()

	off := offsets.Load(cfg.OffsetsPath)

	raw, err := retry.Do(ctx, "sensor read", a.wd, a.retries, a.dev.Read)
	if err != nil {
		return err
	}

	if a.dev.Kind().HasGas() {
		if avg := a.dev.SampleGas(gasWarmupSamples, gasWarmupInterval, a.wd.Feed); avg != nil {
			raw.GasOhm = avg
		}
	}

	reading := raw.Correct(off)
	metrics, err := psychro.Compute(reading.TemperatureC, reading.HumidityPct,
		reading.PressureHPa, reading.GasOhm, cfg.SeaLevelHPa)
	if err != nil {
		return err
	}

	sample, err := a.gauge.Read()
	if err != nil {
		return err
	}

	prev := battery.LoadTrend(cfg.StatePath)
	usb := battery.USBPresent()
	state := battery.InferCharge(usb, sample.Voltage, sample.Percent, prev)

	// Network phase starts here; acquisition above never waits on it. A
	// fetched offsets file re-corrects the cycle already in hand.
	if fetched, ok := a.fetchOffsets(ctx); ok {
		off = fetched
		reading = raw.Correct(off)
		metrics, err = psychro.Compute(reading.TemperatureC, reading.HumidityPct,
			reading.PressureHPa, reading.GasOhm, cfg.SeaLevelHPa)
		if err != nil {
			return err
		}
	}

	cycle := telemetry.Assemble(telemetry.Input{
		Identity: a.identity,
		Reading:  reading,
		Metrics:  metrics,
		Battery:  sample,
		State:    state,
		Offsets:  off,
	})

	logCycle(reading, metrics, sample, state)

	if !cfg.Monitor {
		a.wd.Feed()
		telemetry.Dispatch(ctx, a.wd, a.retries, a.activeSinks(), cycle)
	}

	if err := battery.SaveTrend(cfg.StatePath, battery.Trend{
		Percent: sample.Percent,
		Voltage: sample.Voltage,
	}); err != nil {
		logger.Warn().AnErr("error", err).Msg("trend state not persisted")
	}

	return nil
}

// activeSinks lazily appends the archive sink, opened on first use so a
// read-only filesystem only degrades archiving instead of failing startup.
func (a *app) activeSinks() []telemetry.Sink {
	if !cfg.ArchiveEnable {
		return a.sinks
	}
	if a.archive == nil {
		s, err := telemetry.NewArchive(telemetry.ArchiveConfig{DBPath: cfg.ArchiveDB})
		if err != nil {
			logger.Warn().AnErr("error", err).Msg("archive sink disabled")
			cfg.ArchiveEnable = false
			return a.sinks
		}
		a.archive = s
	}

	return append(a.sinks, a.archive)
}

// fetchOffsets pulls the published offsets when an integrated sensor has no
// local file yet, persisting them for the next boot. A failed fetch just
// leaves the node uncalibrated for this cycle.
func (a *app) fetchOffsets(ctx context.Context) (offsets.Record, bool) {
	if offsets.Exists(cfg.OffsetsPath) || !cfg.IntegratedSensor || cfg.OffsetsURL == "" {
		return offsets.Record{}, false
	}

	fetched, err := offsets.Fetch(ctx, a.client, cfg.OffsetsURL)
	if err != nil {
		logger.Warn().AnErr("error", err).Msg("remote offsets fetch failed, running uncalibrated")
		return offsets.Record{}, false
	}

	logger.Info().
		Float64("temp", fetched.Temp).
		Float64("hum", fetched.Hum).
		Float64("press", fetched.Press).
		Msg("calibration offsets fetched")

	if err := offsets.Save(cfg.OffsetsPath, fetched); err != nil {
		logger.Warn().AnErr("error", err).Msg("fetched offsets not persisted")
	}

	return fetched, true
}

// calibrate samples the sensor against a reference for a fixed window and
// prints the resulting offsets JSON. Nothing is written; applying the
// offsets is the operator's call.
func (a *app) calibrate(ctx context.Context) error {
	logger.Info().Int("seconds", cfg.CalSeconds).Msg("calibration mode, sampling...")

	var sumT, sumH, sumP float64
	var n, nP int
	deadline := time.Now().Add(time.Duration(cfg.CalSeconds) * time.Second)
	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			return errors.Wrap(errors.ErrCalibration, ctx.Err())
		}
		a.wd.Feed()

		r, err := a.dev.Read()
		if err != nil {
			logger.Warn().AnErr("error", err).Msg("calibration sample failed")
		} else {
			sumT += r.TemperatureC
			sumH += r.HumidityPct
			n++
			if r.PressureHPa != nil {
				sumP += *r.PressureHPa
				nP++
			}
		}
		time.Sleep(calibrationSampleGap)
	}
	if n == 0 {
		return errors.WithData(errors.ErrCalibration, "no successful samples")
	}

	meanT := sumT / float64(n)
	meanH := sumH / float64(n)

	refT, refH, refP, err := a.reference(ctx)
	if err != nil {
		return err
	}

	rec := offsets.Record{
		Temp: roundTo(refT-meanT, 2),
		Hum:  roundTo(refH-meanH, 2),
	}
	if nP > 0 {
		rec.Press = roundTo(refP-sumP/float64(nP), 2)
	}

	out, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(errors.ErrCalibration, err)
	}

	logger.Info().Str("path", cfg.OffsetsPath).Msg("copy this JSON into the offsets file:")
	fmt.Println(string(out))

	return nil
}

func (a *app) reference(ctx context.Context) (refT, refH, refP float64, err error) {
	if !cfg.RefFromAIO {
		if cfg.RefTempC == 0 && cfg.RefHumPct == 0 && cfg.RefPressH == 0 {
			return 0, 0, 0, errors.WithData(errors.ErrCalibration,
				"manual calibration requires ref_temp_c, ref_hum_pct and ref_press_hpa")
		}
		return cfg.RefTempC, cfg.RefHumPct, cfg.RefPressH, nil
	}

	aio, err := telemetry.NewAIO(telemetry.AIOConfig{
		User:  cfg.AIOUser,
		Key:   cfg.AIOKey,
		Group: cfg.AIOGroup,
	})
	if err != nil {
		return 0, 0, 0, errors.Wrap(errors.ErrCalibration, err)
	}

	ref, err := aio.FetchReference(ctx, cfg.AIORefGroup)
	if err != nil {
		return 0, 0, 0, errors.Wrap(errors.ErrCalibration, err)
	}
	if ref.TempC == nil || ref.HumPct == nil {
		return 0, 0, 0, errors.WithData(errors.ErrCalibration,
			"reference group is missing temperature or humidity feeds")
	}

	refP = 0
	if ref.PressHPa != nil {
		refP = *ref.PressHPa
	}

	return *ref.TempC, *ref.HumPct, refP, nil
}

func logCycle(r sensor.Reading, m psychro.Metrics, b battery.Sample, state battery.ChargeState) {
	ev := logger.Info().Event.
		Float64("temperature_c", r.TemperatureC).
		Float64("humidity_pct", r.HumidityPct).
		Float64("dewpoint_c", m.DewpointC).
		Float64("wetbulb_c", m.WetbulbC).
		Float64("enthalpy_kjkg", m.Enthalpy)
	if r.PressureHPa != nil {
		ev = ev.Float64("pressure_hpa", *r.PressureHPa)
	}
	if r.GasOhm != nil {
		ev = ev.Float64("gas_ohms", *r.GasOhm).Str("iaq", m.IAQLabel)
	}
	ev.
		Float64("battery_v", b.Voltage).
		Float64("battery_pct", b.Percent).
		Str("charging_state", string(state)).
		Msg("cycle complete")
}

func handleSignals(cancel context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	logger.Info().Msg("Received termination signal.")
	cancel()
}

func roundTo(v float64, places int) float64 {
	scale := math.Pow(10, float64(places))

	return math.Round(v*scale) / scale
}
