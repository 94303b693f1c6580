// Package tools exposes the bridge's MCP surface: one tool per operation in
// the external interface, each backed by the Registry, Store, and Bus.
// Errors are mapped to structured MCP error results; no internal Go type
// ever reaches the caller.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/apicov/esp-mcp-bridge/internal/bus"
	"github.com/apicov/esp-mcp-bridge/internal/errs"
	"github.com/apicov/esp-mcp-bridge/internal/model"
	"github.com/apicov/esp-mcp-bridge/internal/registry"
	"github.com/apicov/esp-mcp-bridge/internal/sqlguard"
	"github.com/apicov/esp-mcp-bridge/internal/store"
)

const defaultDeadline = 5 * time.Second

// Tools wires the MCP tool surface to the bridge's components.
type Tools struct {
	registry *registry.Registry
	store    *store.Store
	bus      *bus.Bus
	deadline time.Duration
	started  time.Time
	logger   *slog.Logger
	sqlguard sqlguard.Validator
}

// New constructs Tools. deadline <= 0 defaults to 5s.
func New(reg *registry.Registry, st *store.Store, b *bus.Bus, deadline time.Duration, logger *slog.Logger) *Tools {
	if deadline <= 0 {
		deadline = defaultDeadline
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Tools{registry: reg, store: st, bus: b, deadline: deadline, started: time.Now(), logger: logger, sqlguard: sqlguard.New()}
}

// Register adds every tool to s.
func (t *Tools) Register(s *server.MCPServer) {
	s.AddTool(mcp.NewTool("list_devices",
		mcp.WithDescription("List known devices and their live state."),
		mcp.WithBoolean("online_only", mcp.Description("Restrict to devices currently online.")),
	), t.listDevices)

	s.AddTool(mcp.NewTool("read_sensor",
		mcp.WithDescription("Read a device's current sensor value and optional history."),
		mcp.WithString("device_id", mcp.Required(), mcp.Description("Target device id.")),
		mcp.WithString("sensor_type", mcp.Required(), mcp.Description("Sensor name as advertised in capabilities.")),
		mcp.WithNumber("history_minutes", mcp.Description("Minutes of history to include; 0 omits history.")),
	), t.readSensor)

	s.AddTool(mcp.NewTool("control_actuator",
		mcp.WithDescription("Send a command to an actuator on an online device."),
		mcp.WithString("device_id", mcp.Required(), mcp.Description("Target device id.")),
		mcp.WithString("actuator_type", mcp.Required(), mcp.Description("Actuator name as advertised in capabilities.")),
		mcp.WithString("action", mcp.Required(), mcp.Description("Command action, e.g. \"toggle\" or \"set\".")),
		mcp.WithString("value", mcp.Description("Optional command value.")),
	), t.controlActuator)

	s.AddTool(mcp.NewTool("get_device_info",
		mcp.WithDescription("Full device projection: state, capabilities, recent error count."),
		mcp.WithString("device_id", mcp.Required()),
	), t.getDeviceInfo)

	s.AddTool(mcp.NewTool("query_devices",
		mcp.WithDescription("Filter devices by advertised sensor or actuator."),
		mcp.WithString("sensor_type", mcp.Description("Only devices advertising this sensor.")),
		mcp.WithString("actuator_type", mcp.Description("Only devices advertising this actuator.")),
		mcp.WithBoolean("online_only", mcp.Description("Restrict to devices currently online.")),
	), t.queryDevices)

	s.AddTool(mcp.NewTool("get_alerts",
		mcp.WithDescription("Query the persisted device error log."),
		mcp.WithString("device_id", mcp.Description("Restrict to one device; omit for all.")),
		mcp.WithNumber("severity_min", mcp.Description("Minimum severity 0-3, default 0.")),
		mcp.WithNumber("since_minutes", mcp.Description("Only errors newer than this many minutes ago.")),
		mcp.WithNumber("limit", mcp.Description("Maximum rows returned, default 100.")),
	), t.getAlerts)

	s.AddTool(mcp.NewTool("get_system_status",
		mcp.WithDescription("Bridge-wide health: device counts, bus/store reachability, uptime."),
	), t.getSystemStatus)

	s.AddTool(mcp.NewTool("get_device_metrics",
		mcp.WithDescription("Bridge-derived per-device message counters."),
		mcp.WithString("device_id", mcp.Description("Restrict to one device; omit for all.")),
	), t.getDeviceMetrics)

	s.AddTool(mcp.NewTool("query_database",
		mcp.WithDescription("Run an ad-hoc read-only SQL query over the bridge's tables (devices, sensor_data, device_errors, device_capabilities, device_metrics). SELECT/WITH/EXPLAIN only, single statement, row-limited."),
		mcp.WithString("query", mcp.Required(), mcp.Description("SQL query text.")),
	), t.queryDatabase)
}

func (t *Tools) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, t.deadline)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("internal: marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// errorResult maps a structured *errs.Error onto an MCP error result. The
// returned Go error is always nil: tool failures are surfaced as
// CallToolResult.IsError, not as transport-level errors, so the caller never
// sees an internal Go error type.
func errorResult(err error) (*mcp.CallToolResult, error) {
	msg := err.Error()
	switch {
	case errs.Is(err, errs.NotFound):
		return mcp.NewToolResultError("not-found: " + msg), nil
	case errs.Is(err, errs.PreconditionFailed):
		return mcp.NewToolResultError("precondition-failed: " + msg), nil
	case errs.Is(err, errs.DeadlineExceeded):
		return mcp.NewToolResultError("deadline-exceeded: " + msg), nil
	case errs.Is(err, errs.TransientBus):
		return mcp.NewToolResultError("bus-not-ready: " + msg), nil
	case errs.Is(err, errs.TransientStore):
		return mcp.NewToolResultError("storage-unavailable: " + msg), nil
	default:
		return mcp.NewToolResultError("internal: " + msg), nil
	}
}

type deviceView struct {
	DeviceID     string             `json:"device_id"`
	IsOnline     bool               `json:"is_online"`
	LastSeen     time.Time          `json:"last_seen"`
	Sensors      []string           `json:"sensors"`
	Actuators    []string           `json:"actuators"`
	Capabilities capabilitiesView   `json:"capabilities"`
}

type capabilitiesView struct {
	FirmwareVersion string         `json:"firmware_version,omitempty"`
	HardwareVersion string         `json:"hardware_version,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	ReceivedAt      time.Time      `json:"received_at"`
}

func buildDeviceView(d model.Device) deviceView {
	return deviceView{
		DeviceID:  d.DeviceID,
		IsOnline:  d.Online,
		LastSeen:  d.LastSeen,
		Sensors:   d.Capabilities.Sensors,
		Actuators: d.Capabilities.Actuators,
		Capabilities: capabilitiesView{
			FirmwareVersion: d.Capabilities.FirmwareVersion,
			HardwareVersion: d.Capabilities.HardwareVersion,
			Metadata:        d.Capabilities.Metadata,
			ReceivedAt:      d.Capabilities.ReceivedAt,
		},
	}
}

func (t *Tools) listDevices(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	onlineOnly := req.GetBool("online_only", false)
	devices := t.registry.List(onlineOnly)

	out := make([]deviceView, 0, len(devices))
	for _, d := range devices {
		out = append(out, buildDeviceView(d))
	}
	return jsonResult(out)
}

func (t *Tools) queryDevices(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sensorType := req.GetString("sensor_type", "")
	actuatorType := req.GetString("actuator_type", "")
	onlineOnly := req.GetBool("online_only", false)

	devices := t.registry.FilterByCapability(sensorType, actuatorType)
	out := make([]deviceView, 0, len(devices))
	for _, d := range devices {
		if onlineOnly && !d.Online {
			continue
		}
		out = append(out, buildDeviceView(d))
	}
	return jsonResult(out)
}

type sensorHistoryPoint struct {
	Value     float64   `json:"value"`
	Unit      string    `json:"unit,omitempty"`
	Quality   int       `json:"quality"`
	Timestamp time.Time `json:"timestamp"`
}

type readSensorResult struct {
	DeviceID     string               `json:"device_id"`
	SensorType   string               `json:"sensor_type"`
	CurrentValue float64              `json:"current_value"`
	Unit         string               `json:"unit,omitempty"`
	Quality      int                  `json:"quality"`
	Timestamp    time.Time            `json:"timestamp"`
	History      []sensorHistoryPoint `json:"history,omitempty"`
}

func (t *Tools) readSensor(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	deviceID := req.GetString("device_id", "")
	sensorType := req.GetString("sensor_type", "")
	historyMinutes := int(req.GetFloat("history_minutes", 0))

	d, ok := t.registry.Get(deviceID)
	if !ok {
		return errorResult(errs.New(errs.NotFound, "device-not-found").WithProperty("device_id", deviceID))
	}
	reading, ok := d.LatestSensor[sensorType]
	if !ok {
		return errorResult(errs.New(errs.NotFound, "sensor-not-found").WithProperty("sensor_type", sensorType))
	}

	result := readSensorResult{
		DeviceID:     deviceID,
		SensorType:   sensorType,
		CurrentValue: reading.Value,
		Unit:         reading.Unit,
		Quality:      reading.Quality,
		Timestamp:    reading.Timestamp,
	}

	if historyMinutes > 0 {
		ctx, cancel := t.withDeadline(ctx)
		defer cancel()
		rows, err := t.store.GetSensorData(ctx, deviceID, sensorType, historyMinutes, 1000)
		if err != nil {
			if ctx.Err() == context.DeadlineExceeded {
				return errorResult(errs.New(errs.DeadlineExceeded, "read_sensor history query"))
			}
			return errorResult(err)
		}
		for _, r := range rows {
			result.History = append(result.History, sensorHistoryPoint{
				Value: r.Value, Unit: r.Unit, Quality: r.Quality, Timestamp: r.Timestamp,
			})
		}
	}

	return jsonResult(result)
}

type controlActuatorResult struct {
	DeviceID     string    `json:"device_id"`
	ActuatorType string    `json:"actuator_type"`
	Action       string    `json:"action"`
	Value        any       `json:"value,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
	Status       string    `json:"status"`
}

func (t *Tools) controlActuator(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	deviceID := req.GetString("device_id", "")
	actuatorType := req.GetString("actuator_type", "")
	action := req.GetString("action", "")
	args := req.GetArguments()
	value := args["value"]

	d, ok := t.registry.Get(deviceID)
	if !ok {
		return errorResult(errs.New(errs.NotFound, "device-not-found").WithProperty("device_id", deviceID))
	}
	if !d.Online {
		return errorResult(errs.New(errs.PreconditionFailed, "device-offline").WithProperty("device_id", deviceID))
	}
	if !d.Capabilities.HasActuator(actuatorType) {
		return errorResult(errs.New(errs.PreconditionFailed, "unknown-actuator").WithProperty("actuator_type", actuatorType))
	}

	now := time.Now().UTC()
	topic := fmt.Sprintf("devices/%s/actuators/%s/cmd", deviceID, actuatorType)
	cmd := map[string]any{"action": action, "value": value, "timestamp": now.Unix()}

	ctx, cancel := t.withDeadline(ctx)
	defer cancel()
	if err := t.bus.Publish(ctx, topic, cmd, 1, false); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return errorResult(errs.New(errs.DeadlineExceeded, "control_actuator publish"))
		}
		return errorResult(err)
	}

	return jsonResult(controlActuatorResult{
		DeviceID: deviceID, ActuatorType: actuatorType, Action: action,
		Value: value, Timestamp: now, Status: "command_sent",
	})
}

type deviceInfoResult struct {
	deviceView
	RecentErrorCount int `json:"recent_error_count"`
}

func (t *Tools) getDeviceInfo(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	deviceID := req.GetString("device_id", "")
	d, ok := t.registry.Get(deviceID)
	if !ok {
		return errorResult(errs.New(errs.NotFound, "device-not-found").WithProperty("device_id", deviceID))
	}
	return jsonResult(deviceInfoResult{
		deviceView:       buildDeviceView(d),
		RecentErrorCount: len(d.RecentErrors),
	})
}

type alertRow struct {
	DeviceID  string    `json:"device_id"`
	ErrorType string    `json:"error_type"`
	Message   string    `json:"message"`
	Severity  int       `json:"severity"`
	Timestamp time.Time `json:"timestamp"`
}

func (t *Tools) getAlerts(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filter := store.ErrorFilter{
		DeviceID:     req.GetString("device_id", ""),
		MinSeverity:  int(req.GetFloat("severity_min", 0)),
		SinceMinutes: int(req.GetFloat("since_minutes", 0)),
		Limit:        int(req.GetFloat("limit", 0)),
	}

	ctx, cancel := t.withDeadline(ctx)
	defer cancel()
	rows, err := t.store.GetDeviceErrors(ctx, filter)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return errorResult(errs.New(errs.DeadlineExceeded, "get_alerts query"))
		}
		return errorResult(err)
	}

	out := make([]alertRow, 0, len(rows))
	for _, r := range rows {
		out = append(out, alertRow{
			DeviceID: r.DeviceID, ErrorType: r.ErrorType, Message: r.Message,
			Severity: r.Severity, Timestamp: r.Timestamp,
		})
	}
	return jsonResult(out)
}

type systemStatusResult struct {
	DevicesTotal   int     `json:"devices_total"`
	DevicesOnline  int     `json:"devices_online"`
	BusConnected   bool    `json:"bus_connected"`
	StoreAccessible bool   `json:"store_accessible"`
	UptimeSeconds  float64 `json:"uptime_seconds"`
}

func (t *Tools) getSystemStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	all := t.registry.List(false)
	online := 0
	for _, d := range all {
		if d.Online {
			online++
		}
	}

	ctx, cancel := t.withDeadline(ctx)
	defer cancel()
	_, err := t.store.GetDeviceMetrics(ctx, "")

	return jsonResult(systemStatusResult{
		DevicesTotal:    len(all),
		DevicesOnline:   online,
		BusConnected:    t.bus.State() == bus.Connected,
		StoreAccessible: err == nil,
		UptimeSeconds:   time.Since(t.started).Seconds(),
	})
}

type deviceMetricRow struct {
	DeviceID           string    `json:"device_id"`
	MessagesSent       uint64    `json:"messages_sent"`
	MessagesReceived   uint64    `json:"messages_received"`
	ConnectionFailures uint64    `json:"connection_failures"`
	SensorReadErrors   uint64    `json:"sensor_read_errors"`
	LastActivity       time.Time `json:"last_activity"`
	UptimeStart        time.Time `json:"uptime_start"`
}

func (t *Tools) getDeviceMetrics(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	deviceID := req.GetString("device_id", "")

	ctx, cancel := t.withDeadline(ctx)
	defer cancel()
	rows, err := t.store.GetDeviceMetrics(ctx, deviceID)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return errorResult(errs.New(errs.DeadlineExceeded, "get_device_metrics query"))
		}
		return errorResult(err)
	}

	out := make([]deviceMetricRow, 0, len(rows))
	for _, r := range rows {
		out = append(out, deviceMetricRow{
			DeviceID: r.DeviceID, MessagesSent: r.MessagesSent, MessagesReceived: r.MessagesReceived,
			ConnectionFailures: r.ConnectionFailures, SensorReadErrors: r.SensorReadErrors,
			LastActivity: r.LastActivity, UptimeStart: r.UptimeStart,
		})
	}
	return jsonResult(out)
}

type queryDatabaseResult struct {
	Columns []string         `json:"columns"`
	Rows    []map[string]any `json:"rows"`
}

func (t *Tools) queryDatabase(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw := req.GetString("query", "")
	validated, err := t.sqlguard.Validate(raw)
	if err != nil {
		return errorResult(err)
	}

	ctx, cancel := t.withDeadline(ctx)
	defer cancel()
	columns, rows, err := t.store.QueryReadOnly(ctx, validated)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return errorResult(errs.New(errs.DeadlineExceeded, "query_database execute"))
		}
		return errorResult(err)
	}

	return jsonResult(queryDatabaseResult{Columns: columns, Rows: rows})
}
