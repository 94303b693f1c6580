package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/apicov/esp-mcp-bridge/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{Path: ":memory:", PoolSize: 1})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRegisterDeviceUpsertPreservesRow(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.RegisterDevice(ctx, "d1", "esp32", []string{"temperature"}, []string{"led"}, "1.0.0", "kitchen", now))
	require.NoError(t, s.RegisterDevice(ctx, "d1", "esp32", []string{"temperature", "humidity"}, []string{"led"}, "1.0.1", "kitchen", now.Add(time.Minute)))

	rows, err := s.GetDeviceMetrics(ctx, "")
	require.NoError(t, err)
	require.Empty(t, rows) // registering a device writes no metrics row

	_, devices, err := s.QueryReadOnly(ctx, "SELECT created_at, firmware_version FROM devices WHERE device_id = 'd1'")
	require.NoError(t, err)
	require.Len(t, devices, 1)
	require.Equal(t, now.Unix(), devices[0]["created_at"]) // created_at from the first registration
	require.Equal(t, "1.0.1", devices[0]["firmware_version"])
}

func TestStoreAndGetSensorData(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Unix(1700000000, 0).UTC()

	for i, v := range []float64{23.5, 23.6, 23.7, 23.8, 23.9} {
		require.NoError(t, s.StoreSensorData(ctx, model.SensorReading{
			DeviceID:   "esp32_aa11bb",
			SensorName: "temperature",
			Value:      v,
			Unit:       "°C",
			Quality:    100,
			Timestamp:  base.Add(time.Duration(i*10) * time.Second),
		}))
	}

	window := int(time.Since(base).Minutes()) + 60
	rows, err := s.GetSensorData(ctx, "esp32_aa11bb", "temperature", window, 1000)
	require.NoError(t, err)
	require.Len(t, rows, 5)
	require.Equal(t, 23.9, rows[0].Value) // newest first
	require.Equal(t, 23.5, rows[4].Value)
}

func TestLogAndGetDeviceErrors(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.LogDeviceError(ctx, model.DeviceError{
		DeviceID:  "d1",
		ErrorType: "sensor_fail",
		Message:   "timeout",
		Severity:  model.SeverityError,
		Timestamp: now,
	}))
	require.NoError(t, s.LogDeviceError(ctx, model.DeviceError{
		DeviceID:  "d1",
		ErrorType: "info_note",
		Message:   "boot",
		Severity:  model.SeverityInfo,
		Timestamp: now,
	}))

	rows, err := s.GetDeviceErrors(ctx, ErrorFilter{DeviceID: "d1", MinSeverity: 2})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "sensor_fail", rows[0].ErrorType)
}

func TestCleanupRespectsWindow(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	old := now.AddDate(0, 0, -40)
	recent := now.AddDate(0, 0, -1)

	require.NoError(t, s.StoreSensorData(ctx, model.SensorReading{DeviceID: "d1", SensorName: "t", Value: 1, Timestamp: old}))
	require.NoError(t, s.StoreSensorData(ctx, model.SensorReading{DeviceID: "d1", SensorName: "t", Value: 2, Timestamp: recent}))
	require.NoError(t, s.LogDeviceError(ctx, model.DeviceError{DeviceID: "d1", ErrorType: "e", Message: "m", Severity: 1, Timestamp: old}))
	require.NoError(t, s.LogDeviceError(ctx, model.DeviceError{DeviceID: "d1", ErrorType: "e", Message: "m", Severity: 1, Timestamp: recent}))

	sensorDeleted, errorDeleted, err := s.Cleanup(ctx, 30, 30)
	require.NoError(t, err)
	require.Equal(t, int64(1), sensorDeleted)
	require.Equal(t, int64(1), errorDeleted)

	rows, err := s.GetSensorData(ctx, "d1", "t", 60*24*365, 1000)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, 2.0, rows[0].Value)
}

func TestUpsertCapabilitiesLatestWins(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.UpsertCapabilities(ctx, "d1", model.Capabilities{
		Sensors: []string{"temperature", "humidity"}, ReceivedAt: now,
	}))
	require.NoError(t, s.UpsertCapabilities(ctx, "d1", model.Capabilities{
		Sensors: []string{"temperature"}, ReceivedAt: now.Add(time.Minute),
	}))
	// Store has no dedicated capabilities getter; read the row back directly.
	_, rows, err := s.QueryReadOnly(ctx, "SELECT sensors_json FROM device_capabilities WHERE device_id = 'd1'")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, `["temperature"]`, rows[0]["sensors_json"])
}

func TestUpsertMetricsOverwriteByKey(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.UpsertMetrics(ctx, model.DeviceMetric{DeviceID: "d1", MessagesReceived: 5, LastActivity: now, UptimeStart: now}))
	require.NoError(t, s.UpsertMetrics(ctx, model.DeviceMetric{DeviceID: "d1", MessagesReceived: 9, LastActivity: now, UptimeStart: now}))

	rows, err := s.GetDeviceMetrics(ctx, "d1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, uint64(9), rows[0].MessagesReceived)
}

func TestQueryReadOnlyReturnsColumnsAndRows(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.RegisterDevice(ctx, "d1", "esp32", []string{"temperature"}, nil, "1.0.0", "kitchen", now))
	require.NoError(t, s.RegisterDevice(ctx, "d2", "esp32", []string{"humidity"}, nil, "1.0.0", "garage", now))

	columns, rows, err := s.QueryReadOnly(ctx, "SELECT device_id, location FROM devices ORDER BY device_id LIMIT 10")
	require.NoError(t, err)
	require.Equal(t, []string{"device_id", "location"}, columns)
	require.Len(t, rows, 2)
	require.Equal(t, "d1", rows[0]["device_id"])
	require.Equal(t, "kitchen", rows[0]["location"])
	require.Equal(t, "d2", rows[1]["device_id"])
}

func TestQueryReadOnlyEmptyResultHasNoRows(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	columns, rows, err := s.QueryReadOnly(ctx, "SELECT device_id FROM devices WHERE device_id = 'missing'")
	require.NoError(t, err)
	require.Equal(t, []string{"device_id"}, columns)
	require.Empty(t, rows)
}

func TestQueryReadOnlyRejectsBadSQL(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, _, err := s.QueryReadOnly(ctx, "SELECT * FROM nonexistent_table")
	require.Error(t, err)
}
