// Package store implements the bridge's durable catalog: devices, sensor
// time-series, the error log, capability snapshots, and per-device metrics,
// backed by an embedded WAL-mode SQLite database.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/apicov/esp-mcp-bridge/internal/errs"
	"github.com/apicov/esp-mcp-bridge/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS devices (
	device_id        TEXT PRIMARY KEY,
	device_type      TEXT,
	sensors_json     TEXT,
	actuators_json   TEXT,
	firmware_version TEXT,
	location         TEXT,
	status           TEXT NOT NULL DEFAULT 'unknown',
	last_seen        INTEGER,
	created_at       INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS sensor_data (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	device_id   TEXT NOT NULL,
	sensor_type TEXT NOT NULL,
	value       REAL NOT NULL,
	unit        TEXT,
	quality     INTEGER,
	metadata_json TEXT,
	timestamp   INTEGER NOT NULL,
	created_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sensor_data_device_sensor_ts
	ON sensor_data(device_id, sensor_type, timestamp);
CREATE INDEX IF NOT EXISTS idx_sensor_data_ts ON sensor_data(timestamp);

CREATE TABLE IF NOT EXISTS device_errors (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	device_id  TEXT NOT NULL,
	error_type TEXT NOT NULL,
	message    TEXT NOT NULL,
	severity   INTEGER NOT NULL,
	timestamp  INTEGER NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_device_errors_device_ts ON device_errors(device_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_device_errors_ts ON device_errors(timestamp);

CREATE TABLE IF NOT EXISTS device_capabilities (
	device_id        TEXT PRIMARY KEY,
	sensors_json     TEXT,
	actuators_json   TEXT,
	metadata_json    TEXT,
	firmware_version TEXT,
	hardware_version TEXT,
	last_updated     INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS device_metrics (
	device_id            TEXT PRIMARY KEY,
	messages_sent        INTEGER NOT NULL DEFAULT 0,
	messages_received    INTEGER NOT NULL DEFAULT 0,
	connection_failures  INTEGER NOT NULL DEFAULT 0,
	sensor_read_errors   INTEGER NOT NULL DEFAULT 0,
	last_activity        INTEGER,
	uptime_start         INTEGER,
	last_updated         INTEGER NOT NULL
);
`

// Store is the durable catalog. Safe for concurrent use; reads and writes
// are serialized at the statement level by the pooled SQLite connections.
type Store struct {
	pool   *sqlitex.Pool
	logger *slog.Logger
}

// Config configures Open.
type Config struct {
	// Path is the filesystem path to the database file. Use ":memory:" for
	// an in-memory database in tests.
	Path string
	// PoolSize is the number of pooled connections; defaults to
	// max(runtime.NumCPU(), 4).
	PoolSize int
	// Logger receives operational messages. If nil, logging is a no-op.
	Logger *slog.Logger
}

// Open opens (creating if necessary) the SQLite database at cfg.Path,
// applies WAL-mode pragmas, and ensures the schema exists.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, errs.New(errs.FatalStore, "store: Path is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = runtime.NumCPU()
		if poolSize < 4 {
			poolSize = 4
		}
	}

	pool, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize: poolSize,
		PrepareConn: func(conn *sqlite.Conn) error {
			return prepareConnection(conn)
		},
	})
	if err != nil {
		return nil, errs.Wrap(errs.FatalStore, fmt.Sprintf("store: opening %s", cfg.Path), err)
	}

	s := &Store{pool: pool, logger: logger}

	ctx := context.Background()
	conn, err := s.pool.Take(ctx)
	if err != nil {
		pool.Close()
		return nil, errs.Wrap(errs.FatalStore, "store: acquiring connection for schema", err)
	}
	defer s.pool.Put(conn)

	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		pool.Close()
		return nil, errs.Wrap(errs.FatalStore, "store: creating schema", err)
	}

	logger.Info("store opened", "path", cfg.Path, "pool_size", poolSize)
	return s, nil
}

func prepareConnection(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=OFF",
	}
	for _, p := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, p, nil); err != nil {
			return fmt.Errorf("store: pragma %q: %w", p, err)
		}
	}
	return nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	if err := s.pool.Close(); err != nil {
		return errs.Wrap(errs.TransientStore, "store: close", err)
	}
	return nil
}

// withRetry retries a transient-failing op up to 3 times with a short
// bounded backoff, per the transient-store error kind's documented policy.
func withRetry(ctx context.Context, op func() error) error {
	const attempts = 3
	var err error
	for i := 0; i < attempts; i++ {
		err = op()
		if err == nil {
			return nil
		}
		if !isBusy(err) {
			return err
		}
		select {
		case <-time.After(time.Duration(i+1) * 20 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return errs.Wrap(errs.TransientStore, "store: exhausted retries", err)
}

func isBusy(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "SQLITE_BUSY") ||
		strings.Contains(err.Error(), "SQLITE_LOCKED"))
}

// RegisterDevice upserts a row in devices by id, preserving created_at on
// conflict.
func (s *Store) RegisterDevice(ctx context.Context, deviceID, deviceType string, sensors, actuators []string, firmwareVersion, location string, now time.Time) error {
	if deviceID == "" {
		return errs.New(errs.InvalidPayload, "store: device_id is required")
	}

	sensorsJSON, err := marshalStrings(sensors)
	if err != nil {
		return errs.Wrap(errs.InvalidPayload, "store: marshal sensors", err)
	}
	actuatorsJSON, err := marshalStrings(actuators)
	if err != nil {
		return errs.Wrap(errs.InvalidPayload, "store: marshal actuators", err)
	}

	return withRetry(ctx, func() error {
		conn, err := s.pool.Take(ctx)
		if err != nil {
			return errs.Wrap(errs.TransientStore, "store: register_device take", err)
		}
		defer s.pool.Put(conn)

		return sqlitex.Execute(conn, `
			INSERT INTO devices (device_id, device_type, sensors_json, actuators_json,
				firmware_version, location, status, last_seen, created_at)
			VALUES (?, ?, ?, ?, ?, ?, 'unknown', ?, ?)
			ON CONFLICT(device_id) DO UPDATE SET
				device_type = excluded.device_type,
				sensors_json = excluded.sensors_json,
				actuators_json = excluded.actuators_json,
				firmware_version = excluded.firmware_version,
				location = excluded.location
		`, &sqlitex.ExecOptions{
			Args: []any{deviceID, deviceType, sensorsJSON, actuatorsJSON, firmwareVersion, location, now.Unix(), now.Unix()},
		})
	})
}

// UpdateDeviceStatus upserts the device's status and last_seen. status is
// stored verbatim; callers deciding online/offline for the registry compare
// it against "online" themselves. Never deletes rows.
func (s *Store) UpdateDeviceStatus(ctx context.Context, deviceID, status string, lastSeen time.Time) error {
	return withRetry(ctx, func() error {
		conn, err := s.pool.Take(ctx)
		if err != nil {
			return errs.Wrap(errs.TransientStore, "store: update_device_status take", err)
		}
		defer s.pool.Put(conn)

		return sqlitex.Execute(conn, `
			INSERT INTO devices (device_id, status, last_seen, created_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(device_id) DO UPDATE SET
				status = excluded.status,
				last_seen = excluded.last_seen
		`, &sqlitex.ExecOptions{
			Args: []any{deviceID, status, lastSeen.Unix(), lastSeen.Unix()},
		})
	})
}

// StoreSensorData appends a sensor reading row. Append-only.
func (s *Store) StoreSensorData(ctx context.Context, reading model.SensorReading) error {
	if reading.DeviceID == "" || reading.SensorName == "" {
		return errs.New(errs.InvalidPayload, "store: device_id and sensor_type are required")
	}

	var metadataJSON any
	if len(reading.Metadata) > 0 {
		data, err := json.Marshal(reading.Metadata)
		if err != nil {
			return errs.Wrap(errs.InvalidPayload, "store: marshal metadata", err)
		}
		metadataJSON = string(data)
	}

	now := time.Now().UTC()
	return withRetry(ctx, func() error {
		conn, err := s.pool.Take(ctx)
		if err != nil {
			return errs.Wrap(errs.TransientStore, "store: store_sensor_data take", err)
		}
		defer s.pool.Put(conn)

		return sqlitex.Execute(conn, `
			INSERT INTO sensor_data (device_id, sensor_type, value, unit, quality, metadata_json, timestamp, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, &sqlitex.ExecOptions{
			Args: []any{reading.DeviceID, reading.SensorName, reading.Value, reading.Unit, reading.Quality, metadataJSON, reading.Timestamp.Unix(), now.Unix()},
		})
	})
}

// SensorDataRow is a single returned row from GetSensorData.
type SensorDataRow struct {
	Value     float64
	Unit      string
	Quality   int
	Timestamp time.Time
}

// GetSensorData returns rows for (deviceID, sensorType), newest first,
// restricted to the last sinceMinutes minutes and capped at limit.
func (s *Store) GetSensorData(ctx context.Context, deviceID, sensorType string, sinceMinutes, limit int) ([]SensorDataRow, error) {
	if limit <= 0 {
		limit = 1000
	}
	since := time.Now().Add(-time.Duration(sinceMinutes) * time.Minute).Unix()

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, errs.Wrap(errs.TransientStore, "store: get_sensor_data take", err)
	}
	defer s.pool.Put(conn)

	var rows []SensorDataRow
	err = sqlitex.Execute(conn, `
		SELECT value, unit, quality, timestamp FROM sensor_data
		WHERE device_id = ? AND sensor_type = ? AND timestamp >= ?
		ORDER BY timestamp DESC
		LIMIT ?
	`, &sqlitex.ExecOptions{
		Args: []any{deviceID, sensorType, since, limit},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			rows = append(rows, SensorDataRow{
				Value:     stmt.ColumnFloat(0),
				Unit:      stmt.ColumnText(1),
				Quality:   stmt.ColumnInt(2),
				Timestamp: time.Unix(stmt.ColumnInt64(3), 0).UTC(),
			})
			return nil
		},
	})
	if err != nil {
		return nil, errs.Wrap(errs.TransientStore, "store: get_sensor_data query", err)
	}
	return rows, nil
}

// LogDeviceError appends an error row.
func (s *Store) LogDeviceError(ctx context.Context, derr model.DeviceError) error {
	now := time.Now().UTC()
	return withRetry(ctx, func() error {
		conn, err := s.pool.Take(ctx)
		if err != nil {
			return errs.Wrap(errs.TransientStore, "store: log_device_error take", err)
		}
		defer s.pool.Put(conn)

		return sqlitex.Execute(conn, `
			INSERT INTO device_errors (device_id, error_type, message, severity, timestamp, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, &sqlitex.ExecOptions{
			Args: []any{derr.DeviceID, derr.ErrorType, derr.Message, int(derr.Severity), derr.Timestamp.Unix(), now.Unix()},
		})
	})
}

// ErrorFilter selects rows for GetDeviceErrors.
type ErrorFilter struct {
	DeviceID     string // empty = all devices
	MinSeverity  int
	SinceMinutes int // 0 = no lower bound
	Limit        int
}

// DeviceErrorRow is a single returned row from GetDeviceErrors.
type DeviceErrorRow struct {
	DeviceID  string
	ErrorType string
	Message   string
	Severity  int
	Timestamp time.Time
}

// GetDeviceErrors returns error rows matching filter, newest first.
func (s *Store) GetDeviceErrors(ctx context.Context, filter ErrorFilter) ([]DeviceErrorRow, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	var conditions []string
	var args []any
	if filter.DeviceID != "" {
		conditions = append(conditions, "device_id = ?")
		args = append(args, filter.DeviceID)
	}
	conditions = append(conditions, "severity >= ?")
	args = append(args, filter.MinSeverity)
	if filter.SinceMinutes > 0 {
		conditions = append(conditions, "timestamp >= ?")
		args = append(args, time.Now().Add(-time.Duration(filter.SinceMinutes)*time.Minute).Unix())
	}

	query := "SELECT device_id, error_type, message, severity, timestamp FROM device_errors"
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY timestamp DESC LIMIT ?"
	args = append(args, limit)

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, errs.Wrap(errs.TransientStore, "store: get_device_errors take", err)
	}
	defer s.pool.Put(conn)

	var rows []DeviceErrorRow
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			rows = append(rows, DeviceErrorRow{
				DeviceID:  stmt.ColumnText(0),
				ErrorType: stmt.ColumnText(1),
				Message:   stmt.ColumnText(2),
				Severity:  stmt.ColumnInt(3),
				Timestamp: time.Unix(stmt.ColumnInt64(4), 0).UTC(),
			})
			return nil
		},
	})
	if err != nil {
		return nil, errs.Wrap(errs.TransientStore, "store: get_device_errors query", err)
	}
	return rows, nil
}

// UpsertCapabilities replaces the latest capability snapshot for a device,
// also backfilling the devices catalog row.
func (s *Store) UpsertCapabilities(ctx context.Context, deviceID string, caps model.Capabilities) error {
	sensorsJSON, err := marshalStrings(caps.Sensors)
	if err != nil {
		return errs.Wrap(errs.InvalidPayload, "store: marshal sensors", err)
	}
	actuatorsJSON, err := marshalStrings(caps.Actuators)
	if err != nil {
		return errs.Wrap(errs.InvalidPayload, "store: marshal actuators", err)
	}
	var metadataJSON any
	if len(caps.Metadata) > 0 {
		data, err := json.Marshal(caps.Metadata)
		if err != nil {
			return errs.Wrap(errs.InvalidPayload, "store: marshal metadata", err)
		}
		metadataJSON = string(data)
	}

	return withRetry(ctx, func() error {
		conn, err := s.pool.Take(ctx)
		if err != nil {
			return errs.Wrap(errs.TransientStore, "store: upsert_capabilities take", err)
		}
		defer s.pool.Put(conn)

		return sqlitex.Execute(conn, `
			INSERT INTO device_capabilities (device_id, sensors_json, actuators_json, metadata_json,
				firmware_version, hardware_version, last_updated)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(device_id) DO UPDATE SET
				sensors_json = excluded.sensors_json,
				actuators_json = excluded.actuators_json,
				metadata_json = excluded.metadata_json,
				firmware_version = excluded.firmware_version,
				hardware_version = excluded.hardware_version,
				last_updated = excluded.last_updated
		`, &sqlitex.ExecOptions{
			Args: []any{deviceID, sensorsJSON, actuatorsJSON, metadataJSON, caps.FirmwareVersion, caps.HardwareVersion, caps.ReceivedAt.Unix()},
		})
	})
}

// UpsertMetrics overwrites the bridge-derived metrics row for a device.
func (s *Store) UpsertMetrics(ctx context.Context, m model.DeviceMetric) error {
	now := time.Now().UTC()
	return withRetry(ctx, func() error {
		conn, err := s.pool.Take(ctx)
		if err != nil {
			return errs.Wrap(errs.TransientStore, "store: upsert_metrics take", err)
		}
		defer s.pool.Put(conn)

		return sqlitex.Execute(conn, `
			INSERT INTO device_metrics (device_id, messages_sent, messages_received,
				connection_failures, sensor_read_errors, last_activity, uptime_start, last_updated)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(device_id) DO UPDATE SET
				messages_sent = excluded.messages_sent,
				messages_received = excluded.messages_received,
				connection_failures = excluded.connection_failures,
				sensor_read_errors = excluded.sensor_read_errors,
				last_activity = excluded.last_activity,
				uptime_start = excluded.uptime_start,
				last_updated = excluded.last_updated
		`, &sqlitex.ExecOptions{
			Args: []any{m.DeviceID, m.MessagesSent, m.MessagesReceived, m.ConnectionFailures,
				m.SensorReadErrors, m.LastActivity.Unix(), m.UptimeStart.Unix(), now.Unix()},
		})
	})
}

// DeviceMetricRow is a row returned by GetDeviceMetrics.
type DeviceMetricRow struct {
	DeviceID           string
	MessagesSent       uint64
	MessagesReceived   uint64
	ConnectionFailures uint64
	SensorReadErrors   uint64
	LastActivity       time.Time
	UptimeStart        time.Time
}

// GetDeviceMetrics returns the metrics row for deviceID, or all rows when
// deviceID is empty.
func (s *Store) GetDeviceMetrics(ctx context.Context, deviceID string) ([]DeviceMetricRow, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, errs.Wrap(errs.TransientStore, "store: get_device_metrics take", err)
	}
	defer s.pool.Put(conn)

	query := `SELECT device_id, messages_sent, messages_received, connection_failures,
		sensor_read_errors, last_activity, uptime_start FROM device_metrics`
	var args []any
	if deviceID != "" {
		query += " WHERE device_id = ?"
		args = append(args, deviceID)
	}

	var rows []DeviceMetricRow
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			rows = append(rows, DeviceMetricRow{
				DeviceID:           stmt.ColumnText(0),
				MessagesSent:       uint64(stmt.ColumnInt64(1)),
				MessagesReceived:   uint64(stmt.ColumnInt64(2)),
				ConnectionFailures: uint64(stmt.ColumnInt64(3)),
				SensorReadErrors:   uint64(stmt.ColumnInt64(4)),
				LastActivity:       time.Unix(stmt.ColumnInt64(5), 0).UTC(),
				UptimeStart:        time.Unix(stmt.ColumnInt64(6), 0).UTC(),
			})
			return nil
		},
	})
	if err != nil {
		return nil, errs.Wrap(errs.TransientStore, "store: get_device_metrics query", err)
	}
	return rows, nil
}

const cleanupBatchSize = 500

// Cleanup deletes sensor_data rows older than sensorRetentionDays and
// device_errors rows older than errorRetentionDays, in bounded batches so no
// single DELETE holds a long write lock. Never touches devices or
// device_capabilities. Returns the counts deleted.
func (s *Store) Cleanup(ctx context.Context, sensorRetentionDays, errorRetentionDays int) (sensorDeleted, errorDeleted int64, err error) {
	if sensorRetentionDays <= 0 || errorRetentionDays <= 0 {
		return 0, 0, errs.New(errs.InvalidPayload, "store: retention days must be positive")
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, 0, errs.Wrap(errs.TransientStore, "store: cleanup take", err)
	}
	defer s.pool.Put(conn)

	sensorThreshold := time.Now().AddDate(0, 0, -sensorRetentionDays).Unix()
	errorThreshold := time.Now().AddDate(0, 0, -errorRetentionDays).Unix()

	n, err := deleteInBatches(ctx, conn, "sensor_data", sensorThreshold)
	if err != nil {
		return 0, 0, err
	}
	sensorDeleted = n

	n, err = deleteInBatches(ctx, conn, "device_errors", errorThreshold)
	if err != nil {
		return sensorDeleted, 0, err
	}
	errorDeleted = n

	return sensorDeleted, errorDeleted, nil
}

func deleteInBatches(ctx context.Context, conn *sqlite.Conn, table string, threshold int64) (int64, error) {
	var total int64
	query := fmt.Sprintf(
		"DELETE FROM %s WHERE id IN (SELECT id FROM %s WHERE timestamp < ? LIMIT ?)",
		table, table,
	)
	for {
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
		before := conn.Changes()
		err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
			Args: []any{threshold, cleanupBatchSize},
		})
		if err != nil {
			return total, errs.Wrap(errs.TransientStore, fmt.Sprintf("store: cleanup %s", table), err)
		}
		deleted := conn.Changes() - before
		total += int64(deleted)
		if deleted < cleanupBatchSize {
			return total, nil
		}
	}
}

// QueryReadOnly executes a caller-supplied, already-validated SQL
// statement and returns its result set as ordered column names plus one
// map per row. Callers are responsible for validation (see internal/
// sqlguard); this method trusts the statement it is given.
func (s *Store) QueryReadOnly(ctx context.Context, query string) ([]string, []map[string]any, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, nil, errs.Wrap(errs.TransientStore, "store: query_read_only take", err)
	}
	defer s.pool.Put(conn)

	stmt, _, err := conn.PrepareTransient(query)
	if err != nil {
		return nil, nil, errs.Wrap(errs.InvalidPayload, "store: query_read_only prepare", err)
	}
	defer stmt.Finalize()

	columns := make([]string, stmt.ColumnCount())
	for i := range columns {
		columns[i] = stmt.ColumnName(i)
	}

	var rows []map[string]any
	for {
		hasRow, err := stmt.Step()
		if err != nil {
			return nil, nil, errs.Wrap(errs.InvalidPayload, "store: query_read_only step", err)
		}
		if !hasRow {
			break
		}
		row := make(map[string]any, len(columns))
		for i, name := range columns {
			row[name] = columnValue(stmt, i)
		}
		rows = append(rows, row)
	}
	return columns, rows, nil
}

func columnValue(stmt *sqlite.Stmt, col int) any {
	switch stmt.ColumnType(col) {
	case sqlite.TypeInteger:
		return stmt.ColumnInt64(col)
	case sqlite.TypeFloat:
		return stmt.ColumnFloat(col)
	case sqlite.TypeText:
		return stmt.ColumnText(col)
	case sqlite.TypeBlob:
		return stmt.ColumnText(col)
	default:
		return nil
	}
}

func marshalStrings(values []string) (any, error) {
	if len(values) == 0 {
		return "[]", nil
	}
	data, err := json.Marshal(values)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}
