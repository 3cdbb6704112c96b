// internal/model/event.go
package model

import (
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of event
type EventType string

const (
	EventDeviceConnected    EventType = "DEVICE_CONNECTED"
	EventDeviceDisconnected EventType = "DEVICE_DISCONNECTED"
	EventDeviceError        EventType = "DEVICE_ERROR"
	EventBillAccepted       EventType = "BILL_ACCEPTED"
	EventCoinAccepted       EventType = "COIN_ACCEPTED"
	EventChangeDispensed    EventType = "CHANGE_DISPENSED"
	EventPaymentStarted     EventType = "PAYMENT_STARTED"
	EventPaymentProgress    EventType = "PAYMENT_PROGRESS"
	EventPaymentCompleted   EventType = "PAYMENT_COMPLETED"
	EventPaymentCancelled   EventType = "PAYMENT_CANCELLED"
	EventStatusChange       EventType = "STATUS_CHANGE"
)

// DeviceEvent represents an event in the system. DeviceID carries the
// logical device name, not the database UUID, because events are
// consumed by clients that only know the logical names.
type DeviceEvent struct {
	ID        uuid.UUID  `json:"id"`
	EventType EventType  `json:"event_type"`
	DeviceID  string     `json:"device_id"`
	Data      JSONObject `json:"data"`
	Timestamp time.Time  `json:"timestamp"`
	Source    string     `json:"source"`
	Severity  string     `json:"severity"` // INFO, WARNING, ERROR, CRITICAL
}

// CashReceivedEventData describes a single accepted bill or coin.
type CashReceivedEventData struct {
	Amount           Money     `json:"amount"`
	DenominationCode int       `json:"denomination_code"`
	Collected        Money     `json:"collected"`
	Target           Money     `json:"target"`
	ReceivedAt       time.Time `json:"received_at"`
}

// PaymentEventData describes payment lifecycle events.
type PaymentEventData struct {
	SessionID uuid.UUID `json:"session_id"`
	Target    Money     `json:"target"`
	Collected Money     `json:"collected"`
	Change    Money     `json:"change"`
	Phase     string    `json:"phase"`
}

// DeviceErrorEventData represents device error event
type DeviceErrorEventData struct {
	ErrorCode    string    `json:"error_code"`
	ErrorMessage string    `json:"error_message"`
	ErrorTime    time.Time `json:"error_time"`
	Severity     string    `json:"severity"`
	Recovery     bool      `json:"auto_recovery_possible"`
}
