// internal/ccnet/state.go
package ccnet

import (
	"time"

	"cash-device-service/internal/model"
)

// DeviceState is the validator's operational state as tracked by the
// state machine. Exactly one value is current per driver instance.
type DeviceState string

const (
	StateDisconnected    DeviceState = "DISCONNECTED"
	StateInitializing    DeviceState = "INITIALIZING"
	StateIdle            DeviceState = "IDLE"
	StateAccepting       DeviceState = "ACCEPTING"
	StateEscrow          DeviceState = "ESCROW"
	StateStacking        DeviceState = "STACKING"
	StateStacked         DeviceState = "STACKED"
	StateReturning       DeviceState = "RETURNING"
	StateReturned        DeviceState = "RETURNED"
	StateRejecting       DeviceState = "REJECTING"
	StateJammed          DeviceState = "JAMMED"
	StateCassetteFull    DeviceState = "CASSETTE_FULL"
	StateCassetteRemoved DeviceState = "CASSETTE_REMOVED"
	StateError           DeviceState = "ERROR"
)

// Terminal reports whether the state needs external service action or
// a reset before normal operation can resume.
func (s DeviceState) Terminal() bool {
	switch s {
	case StateCassetteFull, StateCassetteRemoved, StateJammed, StateError:
		return true
	}
	return false
}

// EventKind enumerates driver notifications.
type EventKind string

const (
	EventConnected       EventKind = "CONNECTED"
	EventDisconnected    EventKind = "DISCONNECTED"
	EventBillEscrow      EventKind = "BILL_ESCROW"
	EventBillStacked     EventKind = "BILL_STACKED"
	EventBillReturned    EventKind = "BILL_RETURNED"
	EventBillRejected    EventKind = "BILL_REJECTED"
	EventStateChanged    EventKind = "STATE_CHANGED"
	EventError           EventKind = "ERROR"
	EventCassetteFull    EventKind = "CASSETTE_FULL"
	EventCassetteRemoved EventKind = "CASSETTE_REMOVED"
)

// StateContext is the payload delivered with every event. Created
// fresh per transition and never mutated after dispatch.
type StateContext struct {
	Event    EventKind   `json:"event"`
	Amount   model.Money `json:"amount"`
	Previous DeviceState `json:"previous"`
	Current  DeviceState `json:"current"`
	// Code carries the most specific raw byte for the event: the
	// denomination code on bill events, the reason on rejections and
	// failures, otherwise the poll status byte.
	Code byte      `json:"code"`
	At   time.Time `json:"at"`
}
