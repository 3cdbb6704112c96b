// internal/ccnet/driver_test.go
package ccnet

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cash-device-service/internal/model"
)

// simValidator emulates a validator behind the transport interface:
// it parses command frames, answers with framed responses and steps
// through a scripted status sequence.
type simValidator struct {
	mu         sync.Mutex
	opened     bool
	inbox      []byte
	status     []byte
	queue      [][]byte
	commands   []byte
	cmdTimes   map[byte]time.Time
	silent     bool
	escrowed   byte
	violations []string
	inWrite    int32
	onCommand  func(cmd byte, data []byte)
}

func newSimValidator() *simValidator {
	return &simValidator{
		status:   []byte{StatusPowerUp},
		cmdTimes: make(map[byte]time.Time),
	}
}

func (s *simValidator) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opened = true
	return nil
}

func (s *simValidator) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opened = false
	return nil
}

func (s *simValidator) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opened
}

func (s *simValidator) GetProtocolType() model.ConnectionType {
	return model.ConnectionTypeSerial
}

func (s *simValidator) Ping(ctx context.Context) error {
	return nil
}

func (s *simValidator) Write(ctx context.Context, data []byte) error {
	if atomic.AddInt32(&s.inWrite, 1) > 1 {
		s.mu.Lock()
		s.violations = append(s.violations, "concurrent writes on the link")
		s.mu.Unlock()
	}
	defer atomic.AddInt32(&s.inWrite, -1)

	payload, err := ParseFrame(data)
	if err != nil {
		return nil
	}
	cmd := payload[0]
	if cmd == CmdACK {
		return nil
	}

	s.mu.Lock()
	if len(s.inbox) > 0 {
		s.violations = append(s.violations, "command sent before previous reply was consumed")
	}
	s.commands = append(s.commands, cmd)
	if _, seen := s.cmdTimes[cmd]; !seen {
		s.cmdTimes[cmd] = time.Now()
	}
	hook := s.onCommand
	if s.silent {
		s.mu.Unlock()
		if hook != nil {
			hook(cmd, payload[1:])
		}
		return nil
	}

	switch cmd {
	case CmdPoll:
		s.reply(s.nextStatusLocked())
	case CmdReset:
		s.escrowed = 0
		s.queue = append(s.queue, []byte{StatusInitialize})
		s.status = []byte{StatusUnitDisabled}
		s.reply([]byte{CmdACK})
	case CmdEnableBillTypes:
		if allZero(payload[1:]) {
			s.status = []byte{StatusUnitDisabled}
		} else {
			s.status = []byte{StatusIdling}
		}
		s.reply([]byte{CmdACK})
	case CmdStack:
		if s.escrowed != 0 {
			s.queue = append(s.queue, []byte{StatusStacked, s.escrowed})
			s.status = []byte{StatusIdling}
			s.escrowed = 0
		}
		s.reply([]byte{CmdACK})
	case CmdReturn:
		if s.escrowed != 0 {
			s.queue = append(s.queue, []byte{StatusReturned, s.escrowed})
			s.status = []byte{StatusIdling}
			s.escrowed = 0
		}
		s.reply([]byte{CmdACK})
	case CmdHold:
		s.reply([]byte{CmdACK})
	case CmdGetStatus:
		s.reply([]byte{0xFF, 0xFF, 0xFF, 0x00, 0x00, 0x00})
	case CmdIdentification:
		block := make([]byte, 34)
		copy(block, "CCNET-SIM      SN0000000001")
		s.reply(block)
	default:
		s.reply([]byte{CmdACK})
	}
	s.mu.Unlock()

	if hook != nil {
		hook(cmd, payload[1:])
	}
	return nil
}

func (s *simValidator) nextStatusLocked() []byte {
	if len(s.queue) > 0 {
		st := s.queue[0]
		s.queue = s.queue[1:]
		return st
	}
	return s.status
}

func (s *simValidator) reply(payload []byte) {
	frame, err := BuildFrame(payload[0], payload[1:])
	if err != nil {
		return
	}
	s.inbox = append(s.inbox, frame...)
}

func (s *simValidator) Read(ctx context.Context, maxBytes int) ([]byte, error) {
	for {
		s.mu.Lock()
		if len(s.inbox) > 0 {
			n := maxBytes
			if n > len(s.inbox) {
				n = len(s.inbox)
			}
			chunk := append([]byte(nil), s.inbox[:n]...)
			s.inbox = s.inbox[n:]
			s.mu.Unlock()
			return chunk, nil
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, nil
		case <-time.After(time.Millisecond):
		}
	}
}

func (s *simValidator) insertBill(billType byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.escrowed = billType
	s.status = []byte{StatusEscrow, billType}
}

func (s *simValidator) setSilent(silent bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.silent = silent
}

func (s *simValidator) sawCommand(cmd byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.commands {
		if c == cmd {
			return true
		}
	}
	return false
}

func (s *simValidator) commandTime(cmd byte) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.cmdTimes[cmd]
	return at, ok
}

func allZero(data []byte) bool {
	for _, b := range data {
		if b != 0 {
			return false
		}
	}
	return true
}

type eventRecorder struct {
	mu     sync.Mutex
	events []StateContext
}

func (r *eventRecorder) record(sc StateContext) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, sc)
}

func (r *eventRecorder) count(kind EventKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, sc := range r.events {
		if sc.Event == kind {
			n++
		}
	}
	return n
}

func (r *eventRecorder) first(kind EventKind) (StateContext, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, sc := range r.events {
		if sc.Event == kind {
			return sc, true
		}
	}
	return StateContext{}, false
}

func recordAll(d *Driver, rec *eventRecorder) {
	for _, kind := range []EventKind{
		EventConnected, EventDisconnected, EventBillEscrow,
		EventBillStacked, EventBillReturned, EventBillRejected,
		EventStateChanged, EventError, EventCassetteFull,
		EventCassetteRemoved,
	} {
		d.On(kind, rec.record)
	}
}

func testDriverConfig() Config {
	return Config{
		PollInterval:    20 * time.Millisecond,
		ResponseTimeout: 20 * time.Millisecond,
	}
}

func startDriver(t *testing.T, sim *simValidator, cfg Config) (*Driver, *eventRecorder) {
	t.Helper()
	d, err := NewDriver(sim, cfg, nil)
	require.NoError(t, err)
	rec := &eventRecorder{}
	recordAll(d, rec)
	require.NoError(t, d.Connect(context.Background()))
	t.Cleanup(func() { _ = d.Disconnect() })
	return d, rec
}

func TestNewDriverValidatesConfig(t *testing.T) {
	var cfgErr *ConfigError

	_, err := NewDriver(nil, Config{}, nil)
	require.ErrorAs(t, err, &cfgErr)

	_, err = NewDriver(newSimValidator(), Config{PollInterval: -time.Second}, nil)
	require.ErrorAs(t, err, &cfgErr)

	_, err = NewDriver(newSimValidator(), Config{
		Denominations: DenominationTable{0x02: 0},
	}, nil)
	require.ErrorAs(t, err, &cfgErr)

	d, err := NewDriver(newSimValidator(), Config{}, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultPollInterval, d.cfg.PollInterval)
	assert.Equal(t, DefaultEscrowTimeout, d.cfg.EscrowTimeout)
	assert.Equal(t, DefaultRetryLimit, d.cfg.RetryLimit)
	assert.Equal(t, AllBills, d.cfg.BillTypes)
}

func TestDriverConnectLifecycle(t *testing.T) {
	sim := newSimValidator()
	d, rec := startDriver(t, sim, testDriverConfig())

	assert.True(t, d.IsConnected())
	assert.Equal(t, StateIdle, d.State())
	assert.True(t, sim.sawCommand(CmdPoll))
	assert.True(t, sim.sawCommand(CmdReset))
	assert.Equal(t, 1, rec.count(EventConnected))

	require.NoError(t, d.Disconnect())
	assert.False(t, d.IsConnected())
	assert.Equal(t, StateDisconnected, d.State())
	assert.False(t, sim.IsOpen())
	assert.Equal(t, 1, rec.count(EventDisconnected))

	// Repeated disconnects must not tear down twice.
	require.NoError(t, d.Disconnect())
	assert.Equal(t, 1, rec.count(EventDisconnected))
}

func TestDriverRejectsCommandsWhenDisconnected(t *testing.T) {
	d, err := NewDriver(newSimValidator(), testDriverConfig(), nil)
	require.NoError(t, err)

	assert.ErrorIs(t, d.Stack(context.Background()), ErrNotConnected)
	assert.ErrorIs(t, d.Enable(context.Background()), ErrNotConnected)
}

func TestDriverEnableRaisesSecurityFirst(t *testing.T) {
	sim := newSimValidator()
	d, _ := startDriver(t, sim, testDriverConfig())

	require.NoError(t, d.Enable(context.Background()))
	assert.True(t, sim.sawCommand(CmdSetSecurity))
	assert.True(t, sim.sawCommand(CmdEnableBillTypes))

	securityAt, ok := sim.commandTime(CmdSetSecurity)
	require.True(t, ok)
	enableAt, ok := sim.commandTime(CmdEnableBillTypes)
	require.True(t, ok)
	assert.False(t, securityAt.After(enableAt))
}

func TestDriverManualStackPath(t *testing.T) {
	sim := newSimValidator()
	cfg := testDriverConfig()
	cfg.EscrowTimeout = 5 * time.Second
	d, rec := startDriver(t, sim, cfg)

	require.NoError(t, d.Enable(context.Background()))
	require.Eventually(t, func() bool { return d.State() == StateAccepting }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, d.IsAccepting())

	sim.insertBill(0x04)
	require.Eventually(t, func() bool { return rec.count(EventBillEscrow) > 0 }, 2*time.Second, 5*time.Millisecond)

	escrow, ok := rec.first(EventBillEscrow)
	require.True(t, ok)
	assert.Equal(t, model.Money(10000), escrow.Amount)
	assert.Equal(t, byte(0x04), escrow.Code)
	assert.Equal(t, StateEscrow, escrow.Current)

	code, amount := d.EscrowedBill()
	assert.Equal(t, byte(0x04), code)
	assert.Equal(t, model.Money(10000), amount)

	require.NoError(t, d.Stack(context.Background()))
	require.Eventually(t, func() bool { return rec.count(EventBillStacked) > 0 }, 2*time.Second, 5*time.Millisecond)

	stacked, ok := rec.first(EventBillStacked)
	require.True(t, ok)
	assert.Equal(t, model.Money(10000), stacked.Amount)

	// Acceptance stays on, the validator resumes accepting.
	require.Eventually(t, func() bool { return d.State() == StateAccepting }, 2*time.Second, 5*time.Millisecond)
}

func TestDriverAutoStack(t *testing.T) {
	sim := newSimValidator()
	cfg := testDriverConfig()
	cfg.AutoStack = true
	cfg.EscrowTimeout = 5 * time.Second
	d, rec := startDriver(t, sim, cfg)

	require.NoError(t, d.Enable(context.Background()))
	require.Eventually(t, func() bool { return d.State() == StateAccepting }, 2*time.Second, 5*time.Millisecond)

	start := time.Now()
	sim.insertBill(0x04)
	require.Eventually(t, func() bool { return rec.count(EventBillStacked) > 0 }, 2*time.Second, 5*time.Millisecond)

	// The stack decision must not wait on the escrow timer.
	assert.Less(t, time.Since(start), time.Second)
	assert.True(t, sim.sawCommand(CmdStack))
	assert.False(t, sim.sawCommand(CmdReturn))

	stacked, ok := rec.first(EventBillStacked)
	require.True(t, ok)
	assert.Equal(t, model.Money(10000), stacked.Amount)
	assert.Equal(t, 1, rec.count(EventBillEscrow))
}

func TestDriverEscrowTimeoutReturnsBill(t *testing.T) {
	sim := newSimValidator()
	cfg := testDriverConfig()
	cfg.EscrowTimeout = 150 * time.Millisecond
	d, rec := startDriver(t, sim, cfg)

	require.NoError(t, d.Enable(context.Background()))
	require.Eventually(t, func() bool { return d.State() == StateAccepting }, 2*time.Second, 5*time.Millisecond)

	sim.insertBill(0x03)
	require.Eventually(t, func() bool { return rec.count(EventBillReturned) > 0 }, 2*time.Second, 5*time.Millisecond)

	assert.True(t, sim.sawCommand(CmdReturn))
	assert.False(t, sim.sawCommand(CmdStack))

	escrow, ok := rec.first(EventBillEscrow)
	require.True(t, ok)
	returnAt, ok := sim.commandTime(CmdReturn)
	require.True(t, ok)
	assert.GreaterOrEqual(t, returnAt.Sub(escrow.At), cfg.EscrowTimeout)

	returned, ok := rec.first(EventBillReturned)
	require.True(t, ok)
	assert.Equal(t, model.Money(5000), returned.Amount)
}

func TestDriverUnknownDenominationEmitsError(t *testing.T) {
	sim := newSimValidator()
	cfg := testDriverConfig()
	cfg.EscrowTimeout = 5 * time.Second
	d, rec := startDriver(t, sim, cfg)

	require.NoError(t, d.Enable(context.Background()))
	require.Eventually(t, func() bool { return d.State() == StateAccepting }, 2*time.Second, 5*time.Millisecond)

	sim.insertBill(0xFF)
	require.Eventually(t, func() bool { return rec.count(EventError) > 0 }, 2*time.Second, 5*time.Millisecond)

	errEvent, ok := rec.first(EventError)
	require.True(t, ok)
	assert.Equal(t, byte(0xFF), errEvent.Code)
	assert.Equal(t, StateAccepting, errEvent.Current)

	// No escrow entry for the unknown bill, and it goes back out.
	assert.Equal(t, 0, rec.count(EventBillEscrow))
	require.Eventually(t, func() bool { return sim.sawCommand(CmdReturn) }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, StateAccepting, d.State())
}

func TestDriverCommandsSerializedOnTheLink(t *testing.T) {
	sim := newSimValidator()
	d, _ := startDriver(t, sim, testDriverConfig())

	require.NoError(t, d.Enable(context.Background()))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				_, _, _ = d.Status(context.Background())
				_ = d.Stack(context.Background())
			}
		}()
	}
	wg.Wait()

	sim.mu.Lock()
	violations := append([]string(nil), sim.violations...)
	sim.mu.Unlock()
	assert.Empty(t, violations)
}

func TestDriverCommunicationFailureThenReset(t *testing.T) {
	sim := newSimValidator()
	d, rec := startDriver(t, sim, testDriverConfig())

	require.NoError(t, d.Enable(context.Background()))
	require.Eventually(t, func() bool { return d.State() == StateAccepting }, 2*time.Second, 5*time.Millisecond)

	sim.setSilent(true)
	require.Eventually(t, func() bool { return d.State() == StateError }, 5*time.Second, 10*time.Millisecond)
	assert.Greater(t, rec.count(EventError), 0)

	// The loop keeps running in the error state; reset recovers.
	assert.True(t, d.IsConnected())
	sim.setSilent(false)
	require.NoError(t, d.Reset(context.Background()))
	require.Eventually(t, func() bool { return d.State() == StateIdle }, 2*time.Second, 5*time.Millisecond)
}

func TestDriverHoldKeepsBillInEscrow(t *testing.T) {
	sim := newSimValidator()
	cfg := testDriverConfig()
	cfg.EscrowTimeout = 5 * time.Second
	d, rec := startDriver(t, sim, cfg)

	require.NoError(t, d.Enable(context.Background()))
	require.Eventually(t, func() bool { return d.State() == StateAccepting }, 2*time.Second, 5*time.Millisecond)

	sim.insertBill(0x06)
	require.Eventually(t, func() bool { return rec.count(EventBillEscrow) > 0 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, d.Hold(context.Background()))
	assert.True(t, sim.sawCommand(CmdHold))
	assert.Equal(t, StateEscrow, d.State())
}

func TestDriverDisconnectDuringEscrowTearsDownOnce(t *testing.T) {
	sim := newSimValidator()
	cfg := testDriverConfig()
	cfg.EscrowTimeout = 5 * time.Second
	d, rec := startDriver(t, sim, cfg)

	require.NoError(t, d.Enable(context.Background()))
	require.Eventually(t, func() bool { return d.State() == StateAccepting }, 2*time.Second, 5*time.Millisecond)
	sim.insertBill(0x02)
	require.Eventually(t, func() bool { return d.State() == StateEscrow }, 2*time.Second, 5*time.Millisecond)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = d.Disconnect()
		}()
	}
	wg.Wait()

	assert.Equal(t, StateDisconnected, d.State())
	assert.Equal(t, 1, rec.count(EventDisconnected))
	assert.False(t, sim.IsOpen())
}

func TestDriverCallbackOrderAndRemoval(t *testing.T) {
	d, err := NewDriver(newSimValidator(), testDriverConfig(), nil)
	require.NoError(t, err)

	var order []string
	first := d.On(EventStateChanged, func(StateContext) { order = append(order, "first") })
	second := d.On(EventStateChanged, func(StateContext) { order = append(order, "second") })
	d.On(EventBillStacked, func(StateContext) { order = append(order, "other kind") })

	d.emit(StateContext{Event: EventStateChanged})
	assert.Equal(t, []string{"first", "second"}, order)

	d.Off(first)
	d.emit(StateContext{Event: EventStateChanged})
	assert.Equal(t, []string{"first", "second", "second"}, order)

	d.Off(second)
	d.emit(StateContext{Event: EventStateChanged})
	assert.Equal(t, []string{"first", "second", "second"}, order)
}
