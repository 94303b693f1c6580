// Package registry implements the in-memory device registry: the
// authoritative "right now" view of every device the bridge has seen,
// described in spec section 4.2.
package registry

import (
	"sync"
	"time"

	"github.com/apicov/esp-mcp-bridge/internal/model"
)

const defaultErrorRingBound = 100

// entry pairs a device record with its own mutex so that mutations on
// distinct devices never contend with each other. Reads that need a stable
// multi-field view take this lock but never perform I/O while holding it.
type entry struct {
	mu            sync.Mutex
	device        model.Device
	errorRingSize int
}

// Registry is the thread-safe, in-memory device map.
type Registry struct {
	mapMu         sync.RWMutex
	devices       map[string]*entry
	errorRingSize int
}

// Option configures a Registry at construction time.
type Option func(*Registry)

// WithErrorRingBound overrides the default bound (100) on each device's
// recent-errors ring.
func WithErrorRingBound(n int) Option {
	return func(r *Registry) { r.errorRingSize = n }
}

// New constructs an empty Registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		devices:       make(map[string]*entry),
		errorRingSize: defaultErrorRingBound,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// getOrCreate returns the entry for deviceID, creating it (unknown
// lifecycle) if this is the first time the id has been seen. It never holds
// the map lock across the per-entry lock.
func (r *Registry) getOrCreate(deviceID string) *entry {
	r.mapMu.RLock()
	e, ok := r.devices[deviceID]
	r.mapMu.RUnlock()
	if ok {
		return e
	}

	r.mapMu.Lock()
	defer r.mapMu.Unlock()
	if e, ok = r.devices[deviceID]; ok {
		return e
	}
	e = &entry{device: *model.NewDevice(deviceID), errorRingSize: r.errorRingSize}
	r.devices[deviceID] = e
	return e
}

// UpsertCapabilities replaces the device's capability snapshot. Creating the
// device if absent, marking it online, and refreshing last_seen. A later
// snapshot fully replaces an earlier one; there is no per-field merge.
func (r *Registry) UpsertCapabilities(deviceID string, caps model.Capabilities, now time.Time) {
	e := r.getOrCreate(deviceID)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.device.Capabilities = caps
	e.device.Online = true
	e.device.LastSeen = now
}

// RecordSensorReading replaces the latest reading for (deviceID,
// sensorName) unless the stored reading has a later timestamp, creating the
// device if absent and refreshing last_seen either way.
func (r *Registry) RecordSensorReading(deviceID, sensorName string, reading model.SensorReading, now time.Time) {
	e := r.getOrCreate(deviceID)
	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, ok := e.device.LatestSensor[sensorName]; ok && existing.Timestamp.After(reading.Timestamp) {
		// Latest-wins by timestamp, not by arrival order.
		e.device.LastSeen = now
		e.device.MessagesReceived++
		return
	}
	e.device.LatestSensor[sensorName] = reading
	e.device.LastSeen = now
	e.device.MessagesReceived++
}

// RecordActuatorState replaces the latest state for (deviceID,
// actuatorName), creating the device if absent and refreshing last_seen.
func (r *Registry) RecordActuatorState(deviceID, actuatorName string, state model.ActuatorState, now time.Time) {
	e := r.getOrCreate(deviceID)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.device.LatestActuator[actuatorName] = state
	e.device.LastSeen = now
	e.device.MessagesReceived++
}

// RecordError appends err to the device's bounded recent-errors ring,
// evicting the oldest entry once the bound is exceeded.
func (r *Registry) RecordError(deviceID string, derr model.DeviceError) {
	e := r.getOrCreate(deviceID)
	e.mu.Lock()
	defer e.mu.Unlock()
	bound := e.errorRingSize
	if bound <= 0 {
		bound = defaultErrorRingBound
	}
	e.device.RecentErrors = append(e.device.RecentErrors, derr)
	if over := len(e.device.RecentErrors) - bound; over > 0 {
		e.device.RecentErrors = e.device.RecentErrors[over:]
	}
}

// SetStatus sets the device's online flag, creating it if absent. Setting
// true refreshes last_seen.
func (r *Registry) SetStatus(deviceID string, online bool, now time.Time) {
	e := r.getOrCreate(deviceID)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.device.Online = online
	if online {
		e.device.LastSeen = now
	}
}

// ScanTimeouts flips to offline every device currently marked online whose
// last_seen is older than now.Add(-timeout), returning their ids. Single
// pass, O(N) in the number of known devices.
func (r *Registry) ScanTimeouts(timeout time.Duration, now time.Time) []string {
	r.mapMu.RLock()
	entries := make([]*entry, 0, len(r.devices))
	for _, e := range r.devices {
		entries = append(entries, e)
	}
	r.mapMu.RUnlock()

	var flipped []string
	deadline := now.Add(-timeout)
	for _, e := range entries {
		e.mu.Lock()
		if e.device.Online && e.device.LastSeen.Before(deadline) {
			e.device.Online = false
			flipped = append(flipped, e.device.DeviceID)
		}
		e.mu.Unlock()
	}
	return flipped
}

// Get returns a snapshot copy of the device, or ok=false if unknown.
func (r *Registry) Get(deviceID string) (model.Device, bool) {
	r.mapMu.RLock()
	e, ok := r.devices[deviceID]
	r.mapMu.RUnlock()
	if !ok {
		return model.Device{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return copyDevice(e.device), true
}

// List returns a snapshot of every known device, optionally restricted to
// those currently online.
func (r *Registry) List(onlineOnly bool) []model.Device {
	r.mapMu.RLock()
	entries := make([]*entry, 0, len(r.devices))
	for _, e := range r.devices {
		entries = append(entries, e)
	}
	r.mapMu.RUnlock()

	out := make([]model.Device, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		d := copyDevice(e.device)
		e.mu.Unlock()
		if onlineOnly && !d.Online {
			continue
		}
		out = append(out, d)
	}
	return out
}

// FilterByCapability returns every device that advertises the given sensor
// and/or actuator name. An empty filter value is ignored.
func (r *Registry) FilterByCapability(sensor, actuator string) []model.Device {
	all := r.List(false)
	out := make([]model.Device, 0, len(all))
	for _, d := range all {
		if sensor != "" && !d.Capabilities.HasSensor(sensor) {
			continue
		}
		if actuator != "" && !d.Capabilities.HasActuator(actuator) {
			continue
		}
		out = append(out, d)
	}
	return out
}

func copyDevice(d model.Device) model.Device {
	cp := d
	cp.LatestSensor = make(map[string]model.SensorReading, len(d.LatestSensor))
	for k, v := range d.LatestSensor {
		cp.LatestSensor[k] = v
	}
	cp.LatestActuator = make(map[string]model.ActuatorState, len(d.LatestActuator))
	for k, v := range d.LatestActuator {
		cp.LatestActuator[k] = v
	}
	cp.RecentErrors = append([]model.DeviceError(nil), d.RecentErrors...)
	cp.Capabilities.Sensors = append([]string(nil), d.Capabilities.Sensors...)
	cp.Capabilities.Actuators = append([]string(nil), d.Capabilities.Actuators...)
	return cp
}
