package registry

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apicov/esp-mcp-bridge/internal/model"
)

func TestUpsertCapabilitiesCreatesDeviceOnline(t *testing.T) {
	r := New()
	now := time.Now()

	r.UpsertCapabilities("esp32_aa11bb", model.Capabilities{
		Sensors:   []string{"temperature"},
		Actuators: []string{"led"},
	}, now)

	d, ok := r.Get("esp32_aa11bb")
	require.True(t, ok)
	assert.True(t, d.Online)
	assert.Equal(t, []string{"temperature"}, d.Capabilities.Sensors)
}

func TestLatestWinsByTimestampNotArrival(t *testing.T) {
	r := New()
	now := time.Now()
	early := model.SensorReading{Value: 23.5, Timestamp: now}
	late := model.SensorReading{Value: 23.9, Timestamp: now.Add(10 * time.Second)}

	// Arrival order is reversed relative to timestamp order.
	r.RecordSensorReading("d1", "temperature", late, now)
	r.RecordSensorReading("d1", "temperature", early, now)

	d, ok := r.Get("d1")
	require.True(t, ok)
	assert.Equal(t, 23.9, d.LatestSensor["temperature"].Value)
}

func TestScanTimeoutsFlipsOnlyStaleOnlineDevices(t *testing.T) {
	r := New()
	base := time.Now()

	r.UpsertCapabilities("stale", model.Capabilities{}, base.Add(-10*time.Second))
	r.UpsertCapabilities("fresh", model.Capabilities{}, base)
	r.SetStatus("already-offline", false, base.Add(-10*time.Second))

	flipped := r.ScanTimeouts(2*time.Second, base)

	assert.ElementsMatch(t, []string{"stale"}, flipped)

	stale, _ := r.Get("stale")
	assert.False(t, stale.Online)

	fresh, _ := r.Get("fresh")
	assert.True(t, fresh.Online)

	online := r.List(true)
	ids := make([]string, len(online))
	for i, d := range online {
		ids[i] = d.DeviceID
	}
	assert.NotContains(t, ids, "stale")
}

func TestMonotoneCapabilitiesReplaceEntirely(t *testing.T) {
	r := New()
	now := time.Now()
	r.UpsertCapabilities("d1", model.Capabilities{Sensors: []string{"temperature", "humidity"}}, now)
	r.UpsertCapabilities("d1", model.Capabilities{Sensors: []string{"temperature"}}, now.Add(time.Minute))

	d, _ := r.Get("d1")
	assert.Equal(t, []string{"temperature"}, d.Capabilities.Sensors)
}

func TestErrorRingBound(t *testing.T) {
	r := New(WithErrorRingBound(3))
	for i := 0; i < 5; i++ {
		r.RecordError("d1", model.DeviceError{ErrorType: "e", Message: "m"})
	}
	d, ok := r.Get("d1")
	require.True(t, ok)
	require.Len(t, d.RecentErrors, 3)
}

func TestFilterByCapability(t *testing.T) {
	r := New()
	now := time.Now()
	r.UpsertCapabilities("a", model.Capabilities{Sensors: []string{"temperature"}}, now)
	r.UpsertCapabilities("b", model.Capabilities{Sensors: []string{"humidity"}}, now)

	got := r.FilterByCapability("temperature", "")
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].DeviceID)
}

func TestGetUnknownDevice(t *testing.T) {
	r := New()
	_, ok := r.Get("missing")
	assert.False(t, ok)
}

// TestSnapshotIsIndependentOfLiveState verifies that Get returns a deep
// copy: mutating the registry after a snapshot was taken must not change
// the fields of the previously returned value.
func TestSnapshotIsIndependentOfLiveState(t *testing.T) {
	r := New()
	now := time.Now()
	r.UpsertCapabilities("d1", model.Capabilities{Sensors: []string{"temperature"}}, now)

	before, ok := r.Get("d1")
	require.True(t, ok)

	r.RecordSensorReading("d1", "temperature", model.SensorReading{Value: 99}, now.Add(time.Second))
	r.UpsertCapabilities("d1", model.Capabilities{Sensors: []string{"humidity"}}, now.Add(time.Second))

	after, ok := r.Get("d1")
	require.True(t, ok)

	if diff := cmp.Diff(before.Capabilities.Sensors, []string{"temperature"}); diff != "" {
		t.Errorf("snapshot mutated after being taken (-snapshot +expected):\n%s", diff)
	}
	if cmp.Equal(before, after) {
		t.Errorf("expected snapshot and post-mutation state to differ, got identical values")
	}
}
