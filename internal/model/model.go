// Package model defines the bridge's core domain types, shared by the
// registry, store, router, and tools packages.
package model

import "time"

// Severity classifies a DeviceError.
type Severity int

const (
	SeverityInfo     Severity = 0
	SeverityWarn     Severity = 1
	SeverityError    Severity = 2
	SeverityCritical Severity = 3
)

// SensorMeta describes a single sensor advertised in a capability snapshot.
type SensorMeta struct {
	Name string         `json:"name"`
	Meta map[string]any `json:"meta,omitempty"`
}

// ActuatorMeta describes a single actuator advertised in a capability
// snapshot.
type ActuatorMeta struct {
	Name string         `json:"name"`
	Meta map[string]any `json:"meta,omitempty"`
}

// Capabilities is the latest-wins capability snapshot for a device.
type Capabilities struct {
	Sensors         []string       `json:"sensors"`
	Actuators       []string       `json:"actuators"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	FirmwareVersion string         `json:"firmware_version,omitempty"`
	HardwareVersion string         `json:"hardware_version,omitempty"`
	ReceivedAt      time.Time      `json:"received_at"`
}

// HasSensor reports whether name is among the advertised sensors.
func (c Capabilities) HasSensor(name string) bool {
	for _, s := range c.Sensors {
		if s == name {
			return true
		}
	}
	return false
}

// HasActuator reports whether name is among the advertised actuators.
func (c Capabilities) HasActuator(name string) bool {
	for _, a := range c.Actuators {
		if a == name {
			return true
		}
	}
	return false
}

// SensorReading is a single, immutable telemetry sample.
type SensorReading struct {
	DeviceID   string         `json:"device_id"`
	SensorName string         `json:"sensor_name"`
	Value      float64        `json:"value"`
	Unit       string         `json:"unit,omitempty"`
	Quality    int            `json:"quality"`
	Timestamp  time.Time      `json:"timestamp"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// ActuatorState is the latest-only reported state of an actuator.
type ActuatorState struct {
	DeviceID      string    `json:"device_id"`
	ActuatorName  string    `json:"actuator_name"`
	Value         any       `json:"value"`
	LastCommandAt time.Time `json:"last_command_at"`
}

// DeviceError is an append-only log entry.
type DeviceError struct {
	DeviceID  string    `json:"device_id"`
	ErrorType string    `json:"error_type"`
	Message   string    `json:"message"`
	Severity  Severity  `json:"severity"`
	Timestamp time.Time `json:"timestamp"`
}

// DeviceMetric is a bridge-derived, overwrite-by-key periodic snapshot.
// These counters are never sourced from device-reported telemetry; they
// reset on process restart.
type DeviceMetric struct {
	DeviceID           string    `json:"device_id"`
	MessagesSent       uint64    `json:"messages_sent"`
	MessagesReceived   uint64    `json:"messages_received"`
	ConnectionFailures uint64    `json:"connection_failures"`
	SensorReadErrors   uint64    `json:"sensor_read_errors"`
	LastActivity       time.Time `json:"last_activity"`
	UptimeStart        time.Time `json:"uptime_start"`
}

// Device is the in-memory, authoritative view of a single fleet member.
type Device struct {
	DeviceID     string
	Online       bool
	LastSeen     time.Time
	Capabilities Capabilities
	Location     string
	Model        string

	// LatestSensor holds the most recent reading per sensor name.
	LatestSensor map[string]SensorReading
	// LatestActuator holds the most recent state per actuator name.
	LatestActuator map[string]ActuatorState
	// RecentErrors is a bounded ring, oldest first.
	RecentErrors []DeviceError

	// MessagesReceived counts sensor readings and actuator-state messages
	// recorded for this device since process start; used by the
	// Supervisor's metrics snapshot.
	MessagesReceived uint64
}

// NewDevice returns a freshly created, unknown-lifecycle device record.
func NewDevice(deviceID string) *Device {
	return &Device{
		DeviceID:       deviceID,
		LatestSensor:   make(map[string]SensorReading),
		LatestActuator: make(map[string]ActuatorState),
	}
}
