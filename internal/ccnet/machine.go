// internal/ccnet/machine.go
package ccnet

import "cash-device-service/internal/model"

// InputKind discriminates state machine inputs: decoded poll statuses
// and acknowledged application commands.
type InputKind int

const (
	InputStatus InputKind = iota
	InputConnected
	InputEnableAcked
	InputDisableAcked
	InputStackAcked
	InputReturnAcked
	InputResetAcked
	InputCommFailure
	InputDisconnected
)

// Input is one state machine stimulus.
type Input struct {
	Kind   InputKind
	Status DecodedStatus
	Err    error
}

// Transition describes one applied input: the state movement and the
// event to dispatch, if any.
type Transition struct {
	Previous DeviceState
	Current  DeviceState
	Event    EventKind
	Amount   model.Money
	Code     byte
}

// Machine is the validator state machine. It is a plain sequential
// value; the driver's poll loop is its only caller. Every (state,
// input) pair yields a defined result, unlisted combinations are
// no-ops that leave the state alone and emit nothing.
type Machine struct {
	state   DeviceState
	enabled bool
	table   DenominationTable

	// Escrow context: the bill currently held, carried through to the
	// stacked or returned event.
	pendingCode   byte
	pendingAmount model.Money
}

// NewMachine starts a machine in the disconnected state.
func NewMachine(table DenominationTable) *Machine {
	if table == nil {
		table = DefaultDenominationTable()
	}
	return &Machine{state: StateDisconnected, table: table}
}

// State returns the current state.
func (m *Machine) State() DeviceState {
	return m.state
}

// Enabled reports whether bill acceptance has been commanded on.
func (m *Machine) Enabled() bool {
	return m.enabled
}

// Pending returns the escrow context, zero when no bill is held.
func (m *Machine) Pending() (byte, model.Money) {
	return m.pendingCode, m.pendingAmount
}

// Apply runs one input through the transition table. The boolean
// reports whether an event should be dispatched.
func (m *Machine) Apply(in Input) (Transition, bool) {
	switch in.Kind {
	case InputConnected:
		return m.move(StateInitializing, EventStateChanged, 0, 0)
	case InputEnableAcked:
		m.enabled = true
		if m.state == StateIdle {
			return m.move(StateAccepting, EventStateChanged, 0, 0)
		}
		return Transition{}, false
	case InputDisableAcked:
		m.enabled = false
		if m.state == StateAccepting {
			return m.move(StateIdle, EventStateChanged, 0, 0)
		}
		return Transition{}, false
	case InputStackAcked:
		if m.state == StateEscrow {
			return m.move(StateStacking, EventStateChanged, 0, 0)
		}
		return Transition{}, false
	case InputReturnAcked:
		if m.state == StateEscrow {
			return m.move(StateReturning, EventStateChanged, 0, 0)
		}
		return Transition{}, false
	case InputResetAcked:
		m.enabled = false
		m.clearPending()
		if m.state != StateIdle {
			return m.move(StateIdle, EventStateChanged, 0, 0)
		}
		return Transition{}, false
	case InputCommFailure:
		// Reported on every occurrence, even when already in the
		// error state, so the orchestrator sees an ongoing outage.
		prev := m.state
		m.state = StateError
		return Transition{Previous: prev, Current: StateError, Event: EventError}, true
	case InputDisconnected:
		m.enabled = false
		m.clearPending()
		return m.move(StateDisconnected, EventDisconnected, 0, 0)
	case InputStatus:
		return m.applyStatus(in.Status)
	}
	return Transition{}, false
}

func (m *Machine) applyStatus(st DecodedStatus) (Transition, bool) {
	switch {
	case st.Initializing:
		// The device only reports initialization after a reset or
		// power cycle, which also drops its bill type enables.
		m.enabled = false
		m.clearPending()
		if m.state != StateInitializing {
			return m.move(StateInitializing, EventStateChanged, 0, st.Code)
		}
		return Transition{}, false

	case st.Idling:
		switch m.state {
		case StateInitializing, StateStacked, StateReturned, StateRejecting:
			next := StateIdle
			if m.enabled {
				next = StateAccepting
			}
			return m.move(next, EventStateChanged, 0, st.Code)
		}
		return Transition{}, false

	case st.Disabled:
		switch m.state {
		case StateInitializing, StateStacked, StateReturned, StateRejecting:
			return m.move(StateIdle, EventStateChanged, 0, st.Code)
		}
		return Transition{}, false

	case st.Escrow:
		if m.state != StateAccepting {
			return Transition{}, false
		}
		amount, err := m.table.Lookup(st.Detail)
		if err != nil {
			// Unknown denomination: state stays put, the raw code
			// surfaces through an error event.
			return Transition{
				Previous: m.state,
				Current:  m.state,
				Event:    EventError,
				Code:     st.Detail,
			}, true
		}
		m.pendingCode = st.Detail
		m.pendingAmount = amount
		return m.move(StateEscrow, EventBillEscrow, amount, st.Detail)

	case st.Stacked:
		// Stacking is the commanded path; a device side hold expiry
		// stacks straight out of escrow.
		if m.state != StateStacking && m.state != StateEscrow {
			return Transition{}, false
		}
		amount := m.settleAmount(st.Detail)
		m.clearPending()
		return m.move(StateStacked, EventBillStacked, amount, st.Detail)

	case st.Returned:
		if m.state != StateReturning && m.state != StateEscrow {
			return Transition{}, false
		}
		amount := m.settleAmount(st.Detail)
		m.clearPending()
		return m.move(StateReturned, EventBillReturned, amount, st.Detail)

	case st.Rejected:
		if m.state != StateAccepting && m.state != StateEscrow {
			return Transition{}, false
		}
		m.clearPending()
		return m.move(StateRejecting, EventBillRejected, 0, st.Detail)

	case st.CassetteFull:
		if m.state == StateCassetteFull {
			return Transition{}, false
		}
		return m.move(StateCassetteFull, EventCassetteFull, 0, st.Code)

	case st.CassetteRemoved:
		if m.state == StateCassetteRemoved {
			return Transition{}, false
		}
		return m.move(StateCassetteRemoved, EventCassetteRemoved, 0, st.Code)

	case st.Jammed:
		if m.state == StateJammed {
			return Transition{}, false
		}
		return m.move(StateJammed, EventError, 0, st.Code)

	case st.Cheated:
		return Transition{
			Previous: m.state,
			Current:  m.state,
			Event:    EventError,
			Code:     st.Code,
		}, true

	case st.Failure:
		prev := m.state
		m.state = StateError
		return Transition{
			Previous: prev,
			Current:  StateError,
			Event:    EventError,
			Code:     st.Detail,
		}, true
	}

	// Accepting, busy, holding, pause and unmapped statuses confirm
	// the current state without moving it.
	return Transition{}, false
}

// settleAmount resolves the value of a stacked or returned bill,
// preferring the escrow context captured when the bill arrived.
func (m *Machine) settleAmount(code byte) model.Money {
	if m.pendingAmount != 0 && (m.pendingCode == code || code == 0) {
		return m.pendingAmount
	}
	if amount, err := m.table.Lookup(code); err == nil {
		return amount
	}
	return m.pendingAmount
}

func (m *Machine) clearPending() {
	m.pendingCode = 0
	m.pendingAmount = 0
}

func (m *Machine) move(next DeviceState, event EventKind, amount model.Money, code byte) (Transition, bool) {
	prev := m.state
	m.state = next
	return Transition{
		Previous: prev,
		Current:  next,
		Event:    event,
		Amount:   amount,
		Code:     code,
	}, true
}
