package router

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	busm "github.com/apicov/esp-mcp-bridge/internal/bus"
	"github.com/apicov/esp-mcp-bridge/internal/model"
	"github.com/apicov/esp-mcp-bridge/internal/registry"
	"github.com/apicov/esp-mcp-bridge/internal/store"
)

func newTestRouter(t *testing.T) (*Router, *registry.Registry, *store.Store) {
	t.Helper()
	st, err := store.Open(store.Config{Path: ":memory:", PoolSize: 1})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	reg := registry.New()
	b := busm.New(busm.Config{Hostname: "localhost", Port: 1883})
	rt := New(b, reg, st, 1, nil)
	return rt, reg, st
}

func drain(t *testing.T, rt *Router) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, rt.Shutdown(ctx))
}

func TestCapabilitiesThenListDevices(t *testing.T) {
	rt, reg, _ := newTestRouter(t)
	ctx := context.Background()

	payload := []byte(`{"device_id":"esp32_aa11bb","firmware_version":"1.0.0","sensors":["temperature"],"actuators":["led"],"metadata":{"temperature":{"unit":"°C"}}}`)
	require.NoError(t, rt.enqueue(ctx, "devices/esp32_aa11bb/capabilities", payload))
	drain(t, rt)

	d, ok := reg.Get("esp32_aa11bb")
	require.True(t, ok)
	assert.True(t, d.Online)
	assert.ElementsMatch(t, []string{"temperature"}, d.Capabilities.Sensors)
	assert.ElementsMatch(t, []string{"led"}, d.Capabilities.Actuators)
}

func TestSensorDataRichShape(t *testing.T) {
	rt, reg, st := newTestRouter(t)
	ctx := context.Background()

	require.NoError(t, rt.enqueue(ctx, "devices/esp32_aa11bb/capabilities",
		[]byte(`{"device_id":"esp32_aa11bb","sensors":["temperature"],"actuators":[]}`)))
	require.NoError(t, rt.enqueue(ctx, "devices/esp32_aa11bb/sensors/temperature/data",
		[]byte(`{"device_id":"esp32_aa11bb","timestamp":1700000000,"value":{"reading":23.5,"unit":"°C","quality":100}}`)))
	drain(t, rt)

	d, ok := reg.Get("esp32_aa11bb")
	require.True(t, ok)
	r := d.LatestSensor["temperature"]
	assert.Equal(t, 23.5, r.Value)
	assert.Equal(t, "°C", r.Unit)
	assert.Equal(t, 100, r.Quality)
	assert.Equal(t, int64(1700000000), r.Timestamp.Unix())

	window := int(time.Since(time.Unix(1700000000, 0)).Minutes()) + 60
	rows, err := st.GetSensorData(context.Background(), "esp32_aa11bb", "temperature", window, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 23.5, rows[0].Value)
}

func TestSensorDataLegacyFlatShape(t *testing.T) {
	rt, reg, _ := newTestRouter(t)
	ctx := context.Background()

	require.NoError(t, rt.enqueue(ctx, "devices/esp32_aa11bb/sensors/temperature/data",
		[]byte(`{"device_id":"esp32_aa11bb","timestamp":1700000000,"value":21.0}`)))
	drain(t, rt)

	d, ok := reg.Get("esp32_aa11bb")
	require.True(t, ok)
	assert.Equal(t, 21.0, d.LatestSensor["temperature"].Value)
}

func TestDeviceErrorNestedAndFlatShapes(t *testing.T) {
	rt, reg, st := newTestRouter(t)
	ctx := context.Background()

	require.NoError(t, rt.enqueue(ctx, "devices/esp32_aa11bb/error",
		[]byte(`{"device_id":"esp32_aa11bb","timestamp":1700000100,"value":{"error_type":"sensor_fail","message":"timeout","severity":2}}`)))
	require.NoError(t, rt.enqueue(ctx, "devices/esp32_aa11bb/error",
		[]byte(`{"device_id":"esp32_aa11bb","error_type":"legacy_fail","message":"flat shape"}`)))
	drain(t, rt)

	d, ok := reg.Get("esp32_aa11bb")
	require.True(t, ok)
	require.Len(t, d.RecentErrors, 2)
	assert.Equal(t, "sensor_fail", d.RecentErrors[0].ErrorType)
	assert.Equal(t, "legacy_fail", d.RecentErrors[1].ErrorType)
	assert.Equal(t, model.SeverityError, d.RecentErrors[1].Severity) // default severity

	rows, err := st.GetDeviceErrors(context.Background(), store.ErrorFilter{DeviceID: "esp32_aa11bb", MinSeverity: 2})
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestStatusOfflineFlipsRegistry(t *testing.T) {
	rt, reg, _ := newTestRouter(t)
	ctx := context.Background()

	require.NoError(t, rt.enqueue(ctx, "devices/esp32_aa11bb/capabilities",
		[]byte(`{"device_id":"esp32_aa11bb","sensors":[],"actuators":[]}`)))
	require.NoError(t, rt.enqueue(ctx, "devices/esp32_aa11bb/status", []byte(`{"value":"offline"}`)))
	drain(t, rt)

	d, ok := reg.Get("esp32_aa11bb")
	require.True(t, ok)
	assert.False(t, d.Online)
}

func TestInvalidPayloadCountedAndDropped(t *testing.T) {
	rt, reg, _ := newTestRouter(t)
	ctx := context.Background()

	require.NoError(t, rt.enqueue(ctx, "devices/esp32_aa11bb/sensors/temperature/data", []byte(`not json`)))
	drain(t, rt)

	assert.Equal(t, uint64(1), rt.ParseErrors())
	_, ok := reg.Get("esp32_aa11bb")
	assert.False(t, ok)
}

func TestUnroutableTopicIsIgnored(t *testing.T) {
	rt, _, _ := newTestRouter(t)
	ctx := context.Background()

	require.NoError(t, rt.enqueue(ctx, "devices/esp32_aa11bb/sensors/temperature/data/extra", []byte(`{}`)))
	drain(t, rt)

	assert.Equal(t, uint64(0), rt.ParseErrors())
	assert.Equal(t, uint64(1), rt.Processed())
}
