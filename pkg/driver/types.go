// pkg/driver/types.go
package driver

import (
	"time"

	"cash-device-service/internal/model"
)

// Core data structures

// DeviceInfo contains basic device information
type DeviceInfo struct {
	Brand           model.DeviceBrand    `json:"brand"`
	Model           string               `json:"model"`
	SerialNumber    string               `json:"serial_number"`
	FirmwareVersion string               `json:"firmware_version"`
	HardwareVersion string               `json:"hardware_version"`
	Capabilities    []model.Capability   `json:"capabilities"`
	ConnectionType  model.ConnectionType `json:"connection_type"`
	Manufacturer    string               `json:"manufacturer"`
}

// DeviceStatus represents current device status
type DeviceStatus struct {
	Status       model.DeviceStatus     `json:"status"`
	IsReady      bool                   `json:"is_ready"`
	HasError     bool                   `json:"has_error"`
	ErrorCode    string                 `json:"error_code,omitempty"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	LastResponse time.Time              `json:"last_response"`
	Detail       map[string]interface{} `json:"detail,omitempty"`
}

// OperationResult represents the result of a device operation
type OperationResult struct {
	Success      bool                   `json:"success"`
	ErrorCode    string                 `json:"error_code,omitempty"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	Data         map[string]interface{} `json:"data,omitempty"`
	Duration     string                 `json:"duration"`
	Timestamp    time.Time              `json:"timestamp"`
}

// HealthMetrics contains device health information
type HealthMetrics struct {
	HealthScore     int           `json:"health_score"` // 0-100
	ResponseTime    time.Duration `json:"response_time"`
	SuccessRate     float64       `json:"success_rate"` // 0.0-1.0
	ErrorCount      int64         `json:"error_count"`
	TotalOperations int64         `json:"total_operations"`
	UptimePercent   float64       `json:"uptime_percent"`
	LastErrorTime   *time.Time    `json:"last_error_time,omitempty"`
	LastSuccessTime *time.Time    `json:"last_success_time,omitempty"`
}

// EventHandler handles device events
type EventHandler interface {
	OnDeviceConnected(deviceID string)
	OnDeviceDisconnected(deviceID string, reason string)
	OnDeviceError(deviceID string, err error)
	OnOperationCompleted(deviceID string, operationID string, result *OperationResult)
	OnStatusChanged(deviceID string, oldStatus, newStatus model.DeviceStatus)
	OnCashEvent(deviceID string, event *CashEvent)
}

// Cash-specific types

// CashEventType defines cash movement event types
type CashEventType string

const (
	CashEventEscrow          CashEventType = "ESCROW"
	CashEventAccepted        CashEventType = "ACCEPTED"
	CashEventReturned        CashEventType = "RETURNED"
	CashEventRejected        CashEventType = "REJECTED"
	CashEventDispensed       CashEventType = "DISPENSED"
	CashEventCassetteFull    CashEventType = "CASSETTE_FULL"
	CashEventCassetteRemoved CashEventType = "CASSETTE_REMOVED"
)

// CashEvent represents a bill or coin moving through a device
type CashEvent struct {
	Type      CashEventType          `json:"type"`
	Amount    model.Money            `json:"amount"`
	Code      int                    `json:"code"`
	Detail    map[string]interface{} `json:"detail,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Dispenser-specific types

// DispenseRequest asks the dispenser for a per-cassette bill count
type DispenseRequest struct {
	UpperCount int `json:"upper_count"`
	LowerCount int `json:"lower_count"`
}

// DispenseResult reports what the dispenser actually moved. Rejected
// bills were pulled from a cassette but diverted to the reject bin,
// they count against inventory but not against the customer.
type DispenseResult struct {
	UpperDispensed int         `json:"upper_dispensed"`
	LowerDispensed int         `json:"lower_dispensed"`
	UpperRejected  int         `json:"upper_rejected"`
	LowerRejected  int         `json:"lower_rejected"`
	Amount         model.Money `json:"amount"`
	ErrorCode      string      `json:"error_code,omitempty"`
	ErrorMessage   string      `json:"error_message,omitempty"`
}
