// internal/ccnet/machine_test.go
package ccnet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cash-device-service/internal/model"
)

var allStates = []DeviceState{
	StateDisconnected, StateInitializing, StateIdle, StateAccepting,
	StateEscrow, StateStacking, StateStacked, StateReturning,
	StateReturned, StateRejecting, StateJammed, StateCassetteFull,
	StateCassetteRemoved, StateError,
}

var allInputKinds = []InputKind{
	InputStatus, InputConnected, InputEnableAcked, InputDisableAcked,
	InputStackAcked, InputReturnAcked, InputResetAcked,
	InputCommFailure, InputDisconnected,
}

func machineIn(state DeviceState) *Machine {
	m := NewMachine(nil)
	m.state = state
	return m
}

// Every (state, input) pair must yield a defined result: either a
// transition into a known state or a no-op, never a panic.
func TestTransitionTableIsTotal(t *testing.T) {
	known := make(map[DeviceState]bool, len(allStates))
	for _, s := range allStates {
		known[s] = true
	}

	for _, state := range allStates {
		for _, kind := range allInputKinds {
			in := Input{Kind: kind}
			if kind == InputStatus {
				continue
			}
			m := machineIn(state)
			tr, fired := m.Apply(in)
			assert.True(t, known[m.State()], "state %s input %d left machine in %q", state, kind, m.State())
			if fired {
				assert.Equal(t, m.State(), tr.Current)
			}
		}

		for code := 0; code <= 0xFF; code++ {
			st, err := DecodeStatus([]byte{byte(code), 0x04})
			require.NoError(t, err)
			m := machineIn(state)
			tr, fired := m.Apply(Input{Kind: InputStatus, Status: st})
			assert.True(t, known[m.State()], "state %s status 0x%02X left machine in %q", state, code, m.State())
			if fired {
				assert.Equal(t, m.State(), tr.Current)
			}
		}
	}
}

func TestAcceptancePathStackedBill(t *testing.T) {
	m := NewMachine(nil)

	tr, fired := m.Apply(Input{Kind: InputConnected})
	require.True(t, fired)
	assert.Equal(t, StateInitializing, tr.Current)

	idling, err := DecodeStatus([]byte{StatusIdling})
	require.NoError(t, err)
	tr, fired = m.Apply(Input{Kind: InputStatus, Status: idling})
	require.True(t, fired)
	assert.Equal(t, StateIdle, tr.Current)

	tr, fired = m.Apply(Input{Kind: InputEnableAcked})
	require.True(t, fired)
	assert.Equal(t, StateAccepting, tr.Current)
	assert.Equal(t, EventStateChanged, tr.Event)
	assert.True(t, m.Enabled())

	escrow, err := DecodeStatus([]byte{StatusEscrow, 0x06})
	require.NoError(t, err)
	tr, fired = m.Apply(Input{Kind: InputStatus, Status: escrow})
	require.True(t, fired)
	assert.Equal(t, StateEscrow, tr.Current)
	assert.Equal(t, EventBillEscrow, tr.Event)
	assert.Equal(t, model.Money(100000), tr.Amount)
	assert.Equal(t, byte(0x06), tr.Code)

	tr, fired = m.Apply(Input{Kind: InputStackAcked})
	require.True(t, fired)
	assert.Equal(t, StateStacking, tr.Current)

	stacked, err := DecodeStatus([]byte{StatusStacked, 0x06})
	require.NoError(t, err)
	tr, fired = m.Apply(Input{Kind: InputStatus, Status: stacked})
	require.True(t, fired)
	assert.Equal(t, StateStacked, tr.Current)
	assert.Equal(t, EventBillStacked, tr.Event)
	assert.Equal(t, model.Money(100000), tr.Amount)

	// Acceptance is still enabled, so the idling report resumes it.
	tr, fired = m.Apply(Input{Kind: InputStatus, Status: idling})
	require.True(t, fired)
	assert.Equal(t, StateAccepting, tr.Current)
}

func TestReturnPathClearsEscrowContext(t *testing.T) {
	m := machineIn(StateAccepting)
	m.enabled = true

	escrow, err := DecodeStatus([]byte{StatusEscrow, 0x04})
	require.NoError(t, err)
	_, fired := m.Apply(Input{Kind: InputStatus, Status: escrow})
	require.True(t, fired)

	code, amount := m.Pending()
	assert.Equal(t, byte(0x04), code)
	assert.Equal(t, model.Money(10000), amount)

	_, fired = m.Apply(Input{Kind: InputReturnAcked})
	require.True(t, fired)
	assert.Equal(t, StateReturning, m.State())

	returned, err := DecodeStatus([]byte{StatusReturned, 0x04})
	require.NoError(t, err)
	tr, fired := m.Apply(Input{Kind: InputStatus, Status: returned})
	require.True(t, fired)
	assert.Equal(t, EventBillReturned, tr.Event)
	assert.Equal(t, model.Money(10000), tr.Amount)

	code, amount = m.Pending()
	assert.Equal(t, byte(0), code)
	assert.Equal(t, model.Money(0), amount)
}

func TestUnknownDenominationKeepsState(t *testing.T) {
	m := machineIn(StateAccepting)
	m.enabled = true

	escrow, err := DecodeStatus([]byte{StatusEscrow, 0xFF})
	require.NoError(t, err)
	tr, fired := m.Apply(Input{Kind: InputStatus, Status: escrow})
	require.True(t, fired)
	assert.Equal(t, EventError, tr.Event)
	assert.Equal(t, byte(0xFF), tr.Code)
	assert.Equal(t, StateAccepting, tr.Previous)
	assert.Equal(t, StateAccepting, tr.Current)
	assert.Equal(t, StateAccepting, m.State())

	code, amount := m.Pending()
	assert.Equal(t, byte(0), code)
	assert.Equal(t, model.Money(0), amount)
}

func TestRejectReturnsToAccepting(t *testing.T) {
	m := machineIn(StateAccepting)
	m.enabled = true

	rejecting, err := DecodeStatus([]byte{StatusRejecting, 0x67})
	require.NoError(t, err)
	tr, fired := m.Apply(Input{Kind: InputStatus, Status: rejecting})
	require.True(t, fired)
	assert.Equal(t, StateRejecting, tr.Current)
	assert.Equal(t, EventBillRejected, tr.Event)
	assert.Equal(t, byte(0x67), tr.Code)

	idling, err := DecodeStatus([]byte{StatusIdling})
	require.NoError(t, err)
	tr, fired = m.Apply(Input{Kind: InputStatus, Status: idling})
	require.True(t, fired)
	assert.Equal(t, StateAccepting, tr.Current)
}

func TestCommunicationFailureForcesError(t *testing.T) {
	for _, state := range allStates {
		m := machineIn(state)
		tr, fired := m.Apply(Input{Kind: InputCommFailure})
		require.True(t, fired, "from %s", state)
		assert.Equal(t, StateError, m.State())
		assert.Equal(t, EventError, tr.Event)
	}
}

func TestResetRecoversFromError(t *testing.T) {
	m := machineIn(StateError)
	tr, fired := m.Apply(Input{Kind: InputResetAcked})
	require.True(t, fired)
	assert.Equal(t, StateIdle, tr.Current)
	assert.Equal(t, EventStateChanged, tr.Event)
	assert.False(t, m.Enabled())
}

func TestCassetteStatesAreTerminal(t *testing.T) {
	full, err := DecodeStatus([]byte{StatusCassetteFull})
	require.NoError(t, err)
	removed, err := DecodeStatus([]byte{StatusCassetteRemoved})
	require.NoError(t, err)
	idling, err := DecodeStatus([]byte{StatusIdling})
	require.NoError(t, err)
	escrow, err := DecodeStatus([]byte{StatusEscrow, 0x04})
	require.NoError(t, err)

	m := machineIn(StateAccepting)
	tr, fired := m.Apply(Input{Kind: InputStatus, Status: full})
	require.True(t, fired)
	assert.Equal(t, EventCassetteFull, tr.Event)
	assert.True(t, m.State().Terminal())

	// Ordinary statuses no longer move the machine.
	_, fired = m.Apply(Input{Kind: InputStatus, Status: idling})
	assert.False(t, fired)
	_, fired = m.Apply(Input{Kind: InputStatus, Status: escrow})
	assert.False(t, fired)
	assert.Equal(t, StateCassetteFull, m.State())

	// Only a reset leaves the terminal state.
	tr, fired = m.Apply(Input{Kind: InputResetAcked})
	require.True(t, fired)
	assert.Equal(t, StateIdle, tr.Current)

	m = machineIn(StateEscrow)
	tr, fired = m.Apply(Input{Kind: InputStatus, Status: removed})
	require.True(t, fired)
	assert.Equal(t, EventCassetteRemoved, tr.Event)
	assert.Equal(t, StateCassetteRemoved, m.State())
}

func TestEscrowIgnoredOutsideAccepting(t *testing.T) {
	escrow, err := DecodeStatus([]byte{StatusEscrow, 0x04})
	require.NoError(t, err)

	for _, state := range []DeviceState{StateIdle, StateInitializing, StateError, StateStacking} {
		m := machineIn(state)
		_, fired := m.Apply(Input{Kind: InputStatus, Status: escrow})
		assert.False(t, fired, "from %s", state)
		assert.Equal(t, state, m.State())
	}
}

func TestDeviceSideStackOutOfEscrow(t *testing.T) {
	m := machineIn(StateAccepting)
	m.enabled = true

	escrow, err := DecodeStatus([]byte{StatusEscrow, 0x03})
	require.NoError(t, err)
	_, fired := m.Apply(Input{Kind: InputStatus, Status: escrow})
	require.True(t, fired)

	// A device side hold expiry stacks without a stack command.
	stacked, err := DecodeStatus([]byte{StatusStacked, 0x03})
	require.NoError(t, err)
	tr, fired := m.Apply(Input{Kind: InputStatus, Status: stacked})
	require.True(t, fired)
	assert.Equal(t, EventBillStacked, tr.Event)
	assert.Equal(t, model.Money(5000), tr.Amount)
}

func TestInitializeStatusDropsEnables(t *testing.T) {
	m := machineIn(StateAccepting)
	m.enabled = true

	initialize, err := DecodeStatus([]byte{StatusInitialize})
	require.NoError(t, err)
	tr, fired := m.Apply(Input{Kind: InputStatus, Status: initialize})
	require.True(t, fired)
	assert.Equal(t, StateInitializing, tr.Current)
	assert.False(t, m.Enabled())

	// Not enabled anymore, so ready means idle, not accepting.
	idling, err := DecodeStatus([]byte{StatusIdling})
	require.NoError(t, err)
	tr, fired = m.Apply(Input{Kind: InputStatus, Status: idling})
	require.True(t, fired)
	assert.Equal(t, StateIdle, tr.Current)
}
