// internal/handler/event_bus.go
package handler

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"cash-device-service/internal/model"
	"cash-device-service/pkg/driver"
)

// EventBus manages event distribution
type EventBus struct {
	subscribers map[string][]chan Event
	events      chan Event
	mutex       sync.RWMutex
	logger      *zap.Logger
}

// Event represents a system event
type Event struct {
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	Data      map[string]interface{} `json:"data"`
	Timestamp time.Time              `json:"timestamp"`
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[string][]chan Event),
		events:      make(chan Event, 1000),
	}
}

// Start starts the event bus
func (eb *EventBus) Start() {
	for event := range eb.events {
		eb.distributeEvent(event)
	}
}

// Publish publishes an event
func (eb *EventBus) Publish(event Event) {
	select {
	case eb.events <- event:
	default:
		// Event bus is full, log warning
		if eb.logger != nil {
			eb.logger.Warn("Event bus full, dropping event",
				zap.String("event_type", event.Type),
			)
		}
	}
}

// Subscribe subscribes to events of a specific type
func (eb *EventBus) Subscribe(eventType string) <-chan Event {
	eb.mutex.Lock()
	defer eb.mutex.Unlock()

	subscriber := make(chan Event, 100)
	eb.subscribers[eventType] = append(eb.subscribers[eventType], subscriber)
	return subscriber
}

// distributeEvent distributes an event to subscribers
func (eb *EventBus) distributeEvent(event Event) {
	eb.mutex.RLock()
	subscribers := eb.subscribers[event.Type]
	eb.mutex.RUnlock()

	for _, subscriber := range subscribers {
		select {
		case subscriber <- event:
		default:
			// Subscriber is slow, skip
		}
	}
}

// CashEventSink consumes driver cash events. Implemented by the
// payment service.
type CashEventSink interface {
	HandleCashEvent(deviceID string, event *driver.CashEvent)
}

type cashEventEnvelope struct {
	deviceID string
	event    *driver.CashEvent
}

// DeviceEventHandler routes driver events into the payment flow and out
// to WebSocket clients. It is registered on the device service before
// device initialization so no startup event is lost.
//
// Cash events are queued and consumed on a dedicated goroutine. Driver
// callbacks run on the device's own poll loop, and the payment flow
// answers escrow events with driver commands that are serviced by that
// same loop. Handling the event inline would leave the command waiting
// on the loop that is executing the callback.
type DeviceEventHandler struct {
	websocketHandler *WebSocketHandler
	paymentService   CashEventSink
	logger           *zap.Logger
	cashEvents       chan cashEventEnvelope
}

// NewDeviceEventHandler creates a new device event handler
func NewDeviceEventHandler(
	websocketHandler *WebSocketHandler,
	paymentService CashEventSink,
	logger *zap.Logger,
) *DeviceEventHandler {
	deh := &DeviceEventHandler{
		websocketHandler: websocketHandler,
		paymentService:   paymentService,
		logger:           logger,
		cashEvents:       make(chan cashEventEnvelope, 256),
	}
	go deh.consumeCashEvents()
	return deh
}

// consumeCashEvents hands queued cash events to the payment service,
// one at a time and in arrival order
func (deh *DeviceEventHandler) consumeCashEvents() {
	for envelope := range deh.cashEvents {
		deh.paymentService.HandleCashEvent(envelope.deviceID, envelope.event)
	}
}

var _ driver.EventHandler = (*DeviceEventHandler)(nil)

// publish wraps driver events in the shared event envelope before they
// leave the process
func (deh *DeviceEventHandler) publish(eventType model.EventType, deviceID, severity string, data model.JSONObject) {
	event := &model.DeviceEvent{
		ID:        uuid.New(),
		EventType: eventType,
		DeviceID:  deviceID,
		Data:      data,
		Timestamp: time.Now(),
		Source:    "driver",
		Severity:  severity,
	}

	deh.websocketHandler.BroadcastDeviceEvent(deviceID, string(eventType), event)
}

// OnDeviceConnected handles device connected events
func (deh *DeviceEventHandler) OnDeviceConnected(deviceID string) {
	deh.publish(model.EventDeviceConnected, deviceID, "INFO", model.JSONObject{
		"status": "online",
	})

	deh.logger.Info("Device connected event broadcasted", zap.String("device_id", deviceID))
}

// OnDeviceDisconnected handles device disconnected events
func (deh *DeviceEventHandler) OnDeviceDisconnected(deviceID string, reason string) {
	deh.publish(model.EventDeviceDisconnected, deviceID, "WARNING", model.JSONObject{
		"status": "offline",
		"reason": reason,
	})

	deh.logger.Info("Device disconnected event broadcasted",
		zap.String("device_id", deviceID),
		zap.String("reason", reason),
	)
}

// OnDeviceError handles device error events
func (deh *DeviceEventHandler) OnDeviceError(deviceID string, err error) {
	deh.publish(model.EventDeviceError, deviceID, "ERROR", model.JSONObject{
		"error": model.DeviceErrorEventData{
			ErrorMessage: err.Error(),
			ErrorTime:    time.Now(),
			Severity:     "ERROR",
		},
	})

	deh.logger.Error("Device error event broadcasted",
		zap.String("device_id", deviceID),
		zap.Error(err),
	)
}

// OnOperationCompleted handles operation completed events
func (deh *DeviceEventHandler) OnOperationCompleted(deviceID string, operationID string, result *driver.OperationResult) {
	data := map[string]interface{}{
		"operation_id": operationID,
	}
	if result != nil {
		data["success"] = result.Success
		data["result"] = result
	}

	deh.websocketHandler.BroadcastDeviceEvent(deviceID, "operation_completed", data)

	deh.logger.Info("Operation completed event broadcasted",
		zap.String("device_id", deviceID),
		zap.String("operation_id", operationID),
	)
}

// OnStatusChanged handles device status change events
func (deh *DeviceEventHandler) OnStatusChanged(deviceID string, oldStatus, newStatus model.DeviceStatus) {
	deh.publish(model.EventStatusChange, deviceID, "INFO", model.JSONObject{
		"old_status": string(oldStatus),
		"new_status": string(newStatus),
	})

	deh.logger.Info("Device status change event broadcasted",
		zap.String("device_id", deviceID),
		zap.String("old_status", string(oldStatus)),
		zap.String("new_status", string(newStatus)),
	)
}

// OnCashEvent feeds escrow, stack and dispense events into the payment
// service and mirrors them to WebSocket clients. The payment hand-off
// is queued so this callback returns without waiting on the poll loop
// that invoked it.
func (deh *DeviceEventHandler) OnCashEvent(deviceID string, event *driver.CashEvent) {
	if event == nil {
		return
	}

	select {
	case deh.cashEvents <- cashEventEnvelope{deviceID: deviceID, event: event}:
	default:
		deh.logger.Error("Cash event queue full, event dropped",
			zap.String("device_id", deviceID),
			zap.String("event_type", string(event.Type)),
		)
	}

	deh.websocketHandler.BroadcastDeviceEvent(deviceID, "cash_event", map[string]interface{}{
		"event_type": string(event.Type),
		"amount":     int64(event.Amount),
		"code":       event.Code,
		"detail":     event.Detail,
		"timestamp":  event.Timestamp,
	})

	deh.logger.Info("Cash event broadcasted",
		zap.String("device_id", deviceID),
		zap.String("event_type", string(event.Type)),
		zap.Int64("amount", int64(event.Amount)),
	)
}
