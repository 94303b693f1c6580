// Package router dispatches decoded MQTT messages to the Registry and
// Store. It owns one handler per topic shape described in the wire
// protocol, decoding tagged-variant payloads and applying them in the
// order required by the data model (Registry update attempted even when
// Store fails).
package router

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/apicov/esp-mcp-bridge/internal/bus"
	"github.com/apicov/esp-mcp-bridge/internal/model"
	"github.com/apicov/esp-mcp-bridge/internal/registry"
	"github.com/apicov/esp-mcp-bridge/internal/store"
)

const defaultQueueDepth = 256

// job is a decoded-topic, not-yet-parsed message queued for a worker.
type job struct {
	topic      string
	payload    []byte
	receivedAt time.Time
}

// Router owns the topic-pattern-to-handler table and a bounded worker pool
// that applies decoded messages to the Registry and Store. Per-message
// errors are logged and counted, never propagated to the Bus.
type Router struct {
	bus      *bus.Bus
	registry *registry.Registry
	store    *store.Store
	logger   *slog.Logger

	jobs chan job
	wg   sync.WaitGroup

	parseErrors atomic.Uint64
	processed   atomic.Uint64
}

// New constructs a Router, registers its handlers on b, and starts workers
// worker goroutines draining the internal queue. workers <= 0 defaults to 4.
func New(b *bus.Bus, reg *registry.Registry, st *store.Store, workers int, logger *slog.Logger) *Router {
	if workers <= 0 {
		workers = 4
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	rt := &Router{
		bus:      b,
		registry: reg,
		store:    st,
		logger:   logger,
		jobs:     make(chan job, defaultQueueDepth),
	}

	b.Handle("devices/+/capabilities", rt.enqueue)
	b.Handle("devices/+/status", rt.enqueue)
	b.Handle("devices/+/sensors/+/data", rt.enqueue)
	b.Handle("devices/+/actuators/+/status", rt.enqueue)
	b.Handle("devices/+/error", rt.enqueue)

	rt.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go rt.worker()
	}
	return rt
}

// enqueue is the Bus Handler registered for every pattern above. It never
// blocks the Bus's dispatch goroutine: a full queue drops the message and
// counts it as a parse error.
func (rt *Router) enqueue(ctx context.Context, topic string, payload []byte) error {
	select {
	case rt.jobs <- job{topic: topic, payload: payload, receivedAt: time.Now().UTC()}:
		return nil
	default:
		rt.parseErrors.Add(1)
		rt.bus.MarkInvalid()
		rt.logger.Warn("router: queue full, dropping message", "topic", topic)
		return nil
	}
}

func (rt *Router) worker() {
	defer rt.wg.Done()
	for j := range rt.jobs {
		rt.dispatch(context.Background(), j)
		rt.processed.Add(1)
	}
}

// Shutdown closes the queue and waits for in-flight jobs to drain, bounded
// by ctx.
func (rt *Router) Shutdown(ctx context.Context) error {
	close(rt.jobs)
	done := make(chan struct{})
	go func() {
		rt.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ParseErrors returns the count of messages dropped for a decode or schema
// failure, plus those dropped by enqueue because the queue was full.
func (rt *Router) ParseErrors() uint64 { return rt.parseErrors.Load() }

// Processed returns the count of queued messages the workers have finished
// with, whether they were routed to a handler, dropped as invalid, or
// ignored as unroutable.
func (rt *Router) Processed() uint64 { return rt.processed.Load() }

// dispatch routes a queued message to its handler based on a small state
// machine over topic segments, mirroring the pattern table the Bus itself
// uses for subscription matching rather than a regular expression.
func (rt *Router) dispatch(ctx context.Context, j job) {
	segs := strings.Split(j.topic, "/")
	if len(segs) < 3 || segs[0] != "devices" {
		rt.logger.Warn("router: unroutable topic", "topic", j.topic)
		return
	}
	deviceID := segs[1]

	switch {
	case len(segs) == 3 && segs[2] == "capabilities":
		rt.handleCapabilities(ctx, deviceID, j)
	case len(segs) == 3 && segs[2] == "status":
		rt.handleStatus(ctx, deviceID, j)
	case len(segs) == 3 && segs[2] == "error":
		rt.handleDeviceError(ctx, deviceID, j)
	case len(segs) == 5 && segs[2] == "sensors" && segs[4] == "data":
		rt.handleSensorData(ctx, deviceID, segs[3], j)
	case len(segs) == 5 && segs[2] == "actuators" && segs[4] == "status":
		rt.handleActuatorStatus(ctx, deviceID, segs[3], j)
	default:
		rt.logger.Warn("router: unroutable topic", "topic", j.topic)
	}
}

func (rt *Router) dropInvalid(topic string, err error) {
	rt.parseErrors.Add(1)
	rt.bus.MarkInvalid()
	rt.logger.Warn("router: dropping invalid payload", "topic", topic, "error", err)
}

// resolveTimestamp uses ts when present, else falls back to the ingestion
// time. Stored as an absolute instant, UTC, per the wire protocol.
func resolveTimestamp(ts *float64, fallback time.Time) time.Time {
	if ts == nil {
		return fallback.UTC()
	}
	sec := int64(*ts)
	nsec := int64((*ts - float64(sec)) * float64(time.Second))
	return time.Unix(sec, nsec).UTC()
}

type capabilitiesPayload struct {
	DeviceID        string         `json:"device_id"`
	FirmwareVersion string         `json:"firmware_version"`
	HardwareVersion string         `json:"hardware_version"`
	Sensors         []string       `json:"sensors"`
	Actuators       []string       `json:"actuators"`
	Metadata        map[string]any `json:"metadata"`
	Timestamp       *float64       `json:"timestamp"`
}

func (rt *Router) handleCapabilities(ctx context.Context, deviceID string, j job) {
	var p capabilitiesPayload
	if err := json.Unmarshal(j.payload, &p); err != nil {
		rt.dropInvalid(j.topic, err)
		return
	}

	now := resolveTimestamp(p.Timestamp, j.receivedAt)
	caps := model.Capabilities{
		Sensors:         p.Sensors,
		Actuators:       p.Actuators,
		Metadata:        p.Metadata,
		FirmwareVersion: p.FirmwareVersion,
		HardwareVersion: p.HardwareVersion,
		ReceivedAt:      now,
	}

	rt.registry.UpsertCapabilities(deviceID, caps, now)

	if err := rt.store.UpsertCapabilities(ctx, deviceID, caps); err != nil {
		rt.logger.Warn("router: upsert capabilities failed", "device_id", deviceID, "error", err)
	}
	if err := rt.store.RegisterDevice(ctx, deviceID, "", p.Sensors, p.Actuators, p.FirmwareVersion, "", now); err != nil {
		rt.logger.Warn("router: backfill device catalog failed", "device_id", deviceID, "error", err)
	}
}

type statusPayload struct {
	Value     string   `json:"value"`
	Timestamp *float64 `json:"timestamp"`
}

func (rt *Router) handleStatus(ctx context.Context, deviceID string, j job) {
	var p statusPayload
	if err := json.Unmarshal(j.payload, &p); err != nil || p.Value == "" {
		rt.dropInvalid(j.topic, err)
		return
	}

	now := resolveTimestamp(p.Timestamp, j.receivedAt)
	online := p.Value == "online"

	rt.registry.SetStatus(deviceID, online, now)
	if err := rt.store.UpdateDeviceStatus(ctx, deviceID, p.Value, now); err != nil {
		rt.logger.Warn("router: update device status failed", "device_id", deviceID, "error", err)
	}
}

type sensorValuePayload struct {
	Reading float64 `json:"reading"`
	Unit    string  `json:"unit"`
	Quality int     `json:"quality"`
}

type sensorDataPayload struct {
	DeviceID  string          `json:"device_id"`
	Timestamp *float64        `json:"timestamp"`
	Value     json.RawMessage `json:"value"`
	Metadata  map[string]any  `json:"metadata"`
}

func (rt *Router) handleSensorData(ctx context.Context, deviceID, sensorName string, j job) {
	var p sensorDataPayload
	if err := json.Unmarshal(j.payload, &p); err != nil {
		rt.dropInvalid(j.topic, err)
		return
	}

	var sv sensorValuePayload
	if err := json.Unmarshal(p.Value, &sv); err != nil {
		// Legacy shape: a bare numeric value instead of the rich object.
		var flat float64
		if err := json.Unmarshal(p.Value, &flat); err != nil {
			rt.dropInvalid(j.topic, err)
			return
		}
		sv = sensorValuePayload{Reading: flat}
	}

	now := resolveTimestamp(p.Timestamp, j.receivedAt)
	reading := model.SensorReading{
		DeviceID:   deviceID,
		SensorName: sensorName,
		Value:      sv.Reading,
		Unit:       sv.Unit,
		Quality:    sv.Quality,
		Timestamp:  now,
		Metadata:   p.Metadata,
	}

	if _, ok := rt.registry.Get(deviceID); !ok {
		if err := rt.store.RegisterDevice(ctx, deviceID, "", nil, nil, "", "", now); err != nil {
			rt.logger.Warn("router: register device failed", "device_id", deviceID, "error", err)
		}
	}

	// Registry is updated unconditionally; a Store failure never prevents it.
	rt.registry.RecordSensorReading(deviceID, sensorName, reading, now)

	if err := rt.store.StoreSensorData(ctx, reading); err != nil {
		rt.logger.Warn("router: store sensor data failed", "device_id", deviceID, "sensor", sensorName, "error", err)
	}
}

type actuatorStatusPayload struct {
	DeviceID  string          `json:"device_id"`
	Timestamp *float64        `json:"timestamp"`
	Value     json.RawMessage `json:"value"`
}

func (rt *Router) handleActuatorStatus(ctx context.Context, deviceID, actuatorName string, j job) {
	var p actuatorStatusPayload
	if err := json.Unmarshal(j.payload, &p); err != nil || p.Value == nil {
		rt.dropInvalid(j.topic, err)
		return
	}

	var value any
	if err := json.Unmarshal(p.Value, &value); err != nil {
		rt.dropInvalid(j.topic, err)
		return
	}

	now := resolveTimestamp(p.Timestamp, j.receivedAt)
	rt.registry.RecordActuatorState(deviceID, actuatorName, model.ActuatorState{
		DeviceID:      deviceID,
		ActuatorName:  actuatorName,
		Value:         value,
		LastCommandAt: now,
	}, now)
}

type errorValuePayload struct {
	ErrorType string `json:"error_type"`
	Message   string `json:"message"`
	Severity  *int   `json:"severity"`
}

type errorPayload struct {
	DeviceID  string             `json:"device_id"`
	Timestamp *float64           `json:"timestamp"`
	Value     *errorValuePayload `json:"value"`
	// Flat fields, accepted alongside the nested "value" shape.
	ErrorType string `json:"error_type"`
	Message   string `json:"message"`
	Severity  *int   `json:"severity"`
}

const defaultErrorSeverity = model.SeverityError // 2

func (rt *Router) handleDeviceError(ctx context.Context, deviceID string, j job) {
	var p errorPayload
	if err := json.Unmarshal(j.payload, &p); err != nil {
		rt.dropInvalid(j.topic, err)
		return
	}

	errType, message := p.ErrorType, p.Message
	severity := p.Severity
	if p.Value != nil {
		errType, message, severity = p.Value.ErrorType, p.Value.Message, p.Value.Severity
	}
	if errType == "" || message == "" {
		rt.dropInvalid(j.topic, nil)
		return
	}

	sev := defaultErrorSeverity
	if severity != nil {
		sev = model.Severity(*severity)
	}

	now := resolveTimestamp(p.Timestamp, j.receivedAt)
	derr := model.DeviceError{
		DeviceID:  deviceID,
		ErrorType: errType,
		Message:   message,
		Severity:  sev,
		Timestamp: now,
	}

	rt.registry.RecordError(deviceID, derr)
	if err := rt.store.LogDeviceError(ctx, derr); err != nil {
		rt.logger.Warn("router: log device error failed", "device_id", deviceID, "error", err)
	}
}
