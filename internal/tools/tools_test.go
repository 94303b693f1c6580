package tools

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apicov/esp-mcp-bridge/internal/bus"
	"github.com/apicov/esp-mcp-bridge/internal/model"
	"github.com/apicov/esp-mcp-bridge/internal/registry"
	"github.com/apicov/esp-mcp-bridge/internal/store"
)

func newTestTools(t *testing.T) (*Tools, *registry.Registry, *store.Store) {
	t.Helper()
	st, err := store.Open(store.Config{Path: ":memory:", PoolSize: 1})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	reg := registry.New()
	b := bus.New(bus.Config{Hostname: "localhost", Port: 1883})
	return New(reg, st, b, time.Second, nil), reg, st
}

func callReq(args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{Params: mcp.CallToolParams{Arguments: args}}
}

func unmarshalResult(t *testing.T, res *mcp.CallToolResult, v any) {
	t.Helper()
	require.False(t, res.IsError, "expected a non-error result")
	require.Len(t, res.Content, 1)
	tc, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected text content")
	require.NoError(t, json.Unmarshal([]byte(tc.Text), v))
}

func TestListDevicesEmpty(t *testing.T) {
	tl, _, _ := newTestTools(t)
	res, err := tl.listDevices(context.Background(), callReq(nil))
	require.NoError(t, err)

	var out []deviceView
	unmarshalResult(t, res, &out)
	assert.Empty(t, out)
}

func TestListDevicesAfterCapabilities(t *testing.T) {
	tl, reg, _ := newTestTools(t)
	reg.UpsertCapabilities("esp32_aa11bb", model.Capabilities{
		Sensors: []string{"temperature"}, Actuators: []string{"led"},
	}, time.Now())

	res, err := tl.listDevices(context.Background(), callReq(nil))
	require.NoError(t, err)

	var out []deviceView
	unmarshalResult(t, res, &out)
	require.Len(t, out, 1)
	assert.Equal(t, "esp32_aa11bb", out[0].DeviceID)
	assert.True(t, out[0].IsOnline)
	assert.Equal(t, []string{"temperature"}, out[0].Sensors)
}

func TestReadSensorNotFound(t *testing.T) {
	tl, _, _ := newTestTools(t)
	res, err := tl.readSensor(context.Background(), callReq(map[string]any{
		"device_id": "missing", "sensor_type": "temperature",
	}))
	require.NoError(t, err)
	require.True(t, res.IsError)
}

func TestReadSensorReturnsCurrentValue(t *testing.T) {
	tl, reg, _ := newTestTools(t)
	now := time.Unix(1700000000, 0).UTC()
	reg.RecordSensorReading("esp32_aa11bb", "temperature", model.SensorReading{
		DeviceID: "esp32_aa11bb", SensorName: "temperature", Value: 23.5, Unit: "°C", Quality: 100, Timestamp: now,
	}, now)

	res, err := tl.readSensor(context.Background(), callReq(map[string]any{
		"device_id": "esp32_aa11bb", "sensor_type": "temperature",
	}))
	require.NoError(t, err)

	var out readSensorResult
	unmarshalResult(t, res, &out)
	assert.Equal(t, 23.5, out.CurrentValue)
	assert.Equal(t, "°C", out.Unit)
	assert.Equal(t, 100, out.Quality)
}

func TestControlActuatorRequiresOnlineDevice(t *testing.T) {
	tl, reg, _ := newTestTools(t)
	reg.UpsertCapabilities("esp32_aa11bb", model.Capabilities{Actuators: []string{"led"}}, time.Now())
	reg.SetStatus("esp32_aa11bb", false, time.Now())

	res, err := tl.controlActuator(context.Background(), callReq(map[string]any{
		"device_id": "esp32_aa11bb", "actuator_type": "led", "action": "toggle",
	}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestControlActuatorRejectsUnknownActuator(t *testing.T) {
	tl, reg, _ := newTestTools(t)
	reg.UpsertCapabilities("esp32_aa11bb", model.Capabilities{Actuators: []string{"led"}}, time.Now())

	res, err := tl.controlActuator(context.Background(), callReq(map[string]any{
		"device_id": "esp32_aa11bb", "actuator_type": "fan", "action": "toggle",
	}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestControlActuatorFailsWhenBusNotReady(t *testing.T) {
	tl, reg, _ := newTestTools(t)
	reg.UpsertCapabilities("esp32_aa11bb", model.Capabilities{Actuators: []string{"led"}}, time.Now())

	res, err := tl.controlActuator(context.Background(), callReq(map[string]any{
		"device_id": "esp32_aa11bb", "actuator_type": "led", "action": "toggle",
	}))
	require.NoError(t, err)
	assert.True(t, res.IsError) // bus was never connected
}

func TestGetSystemStatusReportsCounts(t *testing.T) {
	tl, reg, _ := newTestTools(t)
	reg.UpsertCapabilities("d1", model.Capabilities{}, time.Now())
	reg.SetStatus("d2", false, time.Now())

	res, err := tl.getSystemStatus(context.Background(), callReq(nil))
	require.NoError(t, err)

	var out systemStatusResult
	unmarshalResult(t, res, &out)
	assert.Equal(t, 2, out.DevicesTotal)
	assert.Equal(t, 1, out.DevicesOnline)
	assert.False(t, out.BusConnected)
	assert.True(t, out.StoreAccessible)
}

func TestGetAlertsFiltersBySeverity(t *testing.T) {
	tl, _, st := newTestTools(t)
	now := time.Now().UTC()
	require.NoError(t, st.LogDeviceError(context.Background(), model.DeviceError{
		DeviceID: "d1", ErrorType: "sensor_fail", Message: "timeout", Severity: model.SeverityError, Timestamp: now,
	}))
	require.NoError(t, st.LogDeviceError(context.Background(), model.DeviceError{
		DeviceID: "d1", ErrorType: "info", Message: "boot", Severity: model.SeverityInfo, Timestamp: now,
	}))

	res, err := tl.getAlerts(context.Background(), callReq(map[string]any{
		"device_id": "d1", "severity_min": float64(2),
	}))
	require.NoError(t, err)

	var out []alertRow
	unmarshalResult(t, res, &out)
	require.Len(t, out, 1)
	assert.Equal(t, "sensor_fail", out[0].ErrorType)
}

func TestQueryDatabaseAcceptsPlainSelect(t *testing.T) {
	tl, _, st := newTestTools(t)
	require.NoError(t, st.RegisterDevice(context.Background(), "d1", "esp32", nil, nil, "1.0.0", "kitchen", time.Now().UTC()))

	res, err := tl.queryDatabase(context.Background(), callReq(map[string]any{
		"query": "SELECT device_id, location FROM devices",
	}))
	require.NoError(t, err)

	var out queryDatabaseResult
	unmarshalResult(t, res, &out)
	require.Len(t, out.Rows, 1)
	assert.Equal(t, "d1", out.Rows[0]["device_id"])
	assert.Equal(t, "kitchen", out.Rows[0]["location"])
}

func TestQueryDatabaseRejectsWriteStatement(t *testing.T) {
	tl, _, _ := newTestTools(t)
	res, err := tl.queryDatabase(context.Background(), callReq(map[string]any{
		"query": "DELETE FROM devices",
	}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestQueryDatabaseRejectsDisallowedTable(t *testing.T) {
	tl, _, _ := newTestTools(t)
	res, err := tl.queryDatabase(context.Background(), callReq(map[string]any{
		"query": "SELECT * FROM sqlite_master",
	}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}
