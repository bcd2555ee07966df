package telemetry

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"codeberg.org/howlx/atmosd/internal/errors"
	"codeberg.org/howlx/atmosd/internal/logger"
)

const archiveDirPerm = 0o755

// ArchiveConfig configures the local sqlite archive.
type ArchiveConfig struct {
	DBPath string
}

// ArchiveSink keeps a local history of every cycle, one row per cycle, so
// the node retains data through network outages.
type ArchiveSink struct {
	db  *sql.DB
	mu  sync.Mutex
	now func() time.Time
}

func NewArchive(cfg ArchiveConfig) (*ArchiveSink, error) {
	if cfg.DBPath == "" {
		return nil, errors.WithData(errors.ErrSinkConfig, "archive requires a database path")
	}

	logger.Debug().Str("path", cfg.DBPath).Msg("initializing telemetry archive")

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), archiveDirPerm); err != nil {
		return nil, errors.Wrap(errors.ErrInitFailed, err)
	}

	db, err := sql.Open("sqlite3", cfg.DBPath)
	if err != nil {
		return nil, errors.Wrap(errors.ErrInitFailed, err)
	}

	if err := initArchiveSchema(db); err != nil {
		db.Close()
		return nil, err
	}

	return &ArchiveSink{db: db, now: time.Now}, nil
}

func initArchiveSchema(db *sql.DB) error {
	_, err := db.Exec(`
        CREATE TABLE IF NOT EXISTS readings (
            timestamp INTEGER PRIMARY KEY,
            sensor_id TEXT,
            sensor_type TEXT,
            temperature_c REAL,
            dewpoint_c REAL,
            wetbulb_c REAL,
            humidity_pct REAL,
            humidity_ratio_kgkg REAL,
            enthalpy_kjkg REAL,
            pressure_hpa REAL,
            altitude_m REAL,
            gas_ohms INTEGER,
            gas_iaq_index INTEGER,
            gas_iaq_label TEXT,
            gas_iaq_comp REAL,
            battery_v REAL,
            battery_pct REAL,
            charging_state TEXT,
            calibrated INTEGER
        )
    `)
	if err != nil {
		return errors.Wrap(errors.ErrInitFailed, err)
	}

	return nil
}

func (s *ArchiveSink) Name() string { return "archive" }

func (s *ArchiveSink) Publish(ctx context.Context, c Cycle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	v := pointValues(c.Points)

	_, err := s.db.ExecContext(ctx, `
        INSERT INTO readings (
            timestamp, sensor_id, sensor_type,
            temperature_c, dewpoint_c, wetbulb_c,
            humidity_pct, humidity_ratio_kgkg, enthalpy_kjkg,
            pressure_hpa, altitude_m,
            gas_ohms, gas_iaq_index, gas_iaq_label, gas_iaq_comp,
            battery_v, battery_pct, charging_state, calibrated
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(timestamp) DO UPDATE SET
            temperature_c = excluded.temperature_c,
            dewpoint_c = excluded.dewpoint_c,
            wetbulb_c = excluded.wetbulb_c,
            humidity_pct = excluded.humidity_pct,
            humidity_ratio_kgkg = excluded.humidity_ratio_kgkg,
            enthalpy_kjkg = excluded.enthalpy_kjkg,
            pressure_hpa = excluded.pressure_hpa,
            altitude_m = excluded.altitude_m,
            gas_ohms = excluded.gas_ohms,
            gas_iaq_index = excluded.gas_iaq_index,
            gas_iaq_label = excluded.gas_iaq_label,
            gas_iaq_comp = excluded.gas_iaq_comp,
            battery_v = excluded.battery_v,
            battery_pct = excluded.battery_pct,
            charging_state = excluded.charging_state,
            calibrated = excluded.calibrated
    `,
		s.now().Unix(),
		c.Identity.ID,
		c.Identity.Kind,
		v["temperature-c"],
		v["dewpoint-c"],
		v["wetbulb-c"],
		v["humidity-pct"],
		v["humidity-ratio-kgkg"],
		v["enthalpy-kjkg"],
		v["pressure-hpa"],
		v["altitude-m"],
		v["gas-ohms"],
		v["gas-iaq-index"],
		v["gas-iaq-label"],
		v["gas-iaq-comp"],
		v["battery-v"],
		v["battery-pct"],
		v["charging-state"],
		boolToInt(v["calibrated"]),
	)
	if err != nil {
		return errors.Wrap(errors.ErrSinkDelivery, err)
	}

	return nil
}

func (s *ArchiveSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.db.Close(); err != nil {
		return errors.Wrap(errors.ErrShutdownFailed, err)
	}

	return nil
}

// pointValues indexes the ordered points by key. Absent keys stay absent
// and insert as NULL.
func pointValues(pts []Point) map[string]any {
	v := make(map[string]any, len(pts))
	for _, p := range pts {
		v[p.Key] = p.Value
	}

	return v
}

func boolToInt(v any) any {
	b, ok := v.(bool)
	if !ok {
		return nil
	}
	if b {
		return 1
	}

	return 0
}
