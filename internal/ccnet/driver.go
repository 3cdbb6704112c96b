// internal/ccnet/driver.go
package ccnet

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"cash-device-service/internal/model"
	"cash-device-service/internal/protocol"
)

const (
	// DefaultPollInterval is the cadence of the status poll loop.
	DefaultPollInterval = 200 * time.Millisecond
	// DefaultEscrowTimeout is the decision window for a held bill
	// before it is returned to the customer.
	DefaultEscrowTimeout = 10 * time.Second

	initializeTimeout = 30 * time.Second
	commandQueueSize  = 16
)

// ErrNotConnected is returned for commands against a closed driver.
var ErrNotConnected = errors.New("validator is not connected")

// Config carries the tunable parts of a validator driver. Zero values
// select the defaults.
type Config struct {
	PollInterval    time.Duration
	EscrowTimeout   time.Duration
	ResponseTimeout time.Duration
	RetryLimit      int
	// AutoStack stacks every escrowed bill immediately instead of
	// waiting for a decision.
	AutoStack bool
	// BillTypes restricts which bill types are enabled; zero means
	// all of them.
	BillTypes     BillMask
	Denominations DenominationTable
}

func (c Config) validate() error {
	if c.PollInterval < 0 {
		return &ConfigError{Field: "poll interval", Reason: "must not be negative"}
	}
	if c.EscrowTimeout < 0 {
		return &ConfigError{Field: "escrow timeout", Reason: "must not be negative"}
	}
	if c.ResponseTimeout < 0 {
		return &ConfigError{Field: "response timeout", Reason: "must not be negative"}
	}
	if c.RetryLimit < 0 {
		return &ConfigError{Field: "retry limit", Reason: "must not be negative"}
	}
	for code, value := range c.Denominations {
		if value <= 0 {
			return &ConfigError{
				Field:  fmt.Sprintf("denomination 0x%02X", code),
				Reason: "must map to a positive amount",
			}
		}
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.PollInterval == 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.EscrowTimeout == 0 {
		c.EscrowTimeout = DefaultEscrowTimeout
	}
	if c.ResponseTimeout == 0 {
		c.ResponseTimeout = DefaultResponseTimeout
	}
	if c.RetryLimit == 0 {
		c.RetryLimit = DefaultRetryLimit
	}
	if c.BillTypes == 0 {
		c.BillTypes = AllBills
	}
	if c.Denominations == nil {
		c.Denominations = DefaultDenominationTable()
	}
	return c
}

// Callback receives events synchronously from the poll loop. Keep
// handlers short; a slow handler stalls polling. A handler that needs
// to issue a driver command must do so from another goroutine, waiting
// inside the handler would deadlock the loop.
type Callback func(StateContext)

// CallbackHandle identifies a registered callback for removal.
type CallbackHandle int

type registration struct {
	handle CallbackHandle
	fn     Callback
}

type command struct {
	name string
	exec func(ctx context.Context) error
	done chan error
}

// Driver operates one bill validator over one serial link. It owns the
// poll loop, which is the sole reader and writer of the transport;
// application commands are queued onto that loop rather than touching
// the link directly.
type Driver struct {
	cfg    Config
	conn   protocol.DeviceProtocol
	proto  *Protocol
	logger *zap.Logger

	mu         sync.Mutex
	machine    *Machine
	callbacks  map[EventKind][]registration
	nextHandle CallbackHandle
	running    bool

	cmds      chan command
	stop      chan struct{}
	stopped   chan struct{}
	stopOnce  *sync.Once
	runCtx    context.Context
	runCancel context.CancelFunc

	// Loop-thread state, never touched from outside the loop.
	billMask       BillMask
	escrowDeadline time.Time
}

// NewDriver builds a driver over an unopened transport. Configuration
// problems fail here, before any connection attempt.
func NewDriver(conn protocol.DeviceProtocol, cfg Config, logger *zap.Logger) (*Driver, error) {
	if conn == nil {
		return nil, &ConfigError{Field: "transport", Reason: "is required"}
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Driver{
		cfg:       cfg,
		conn:      conn,
		proto:     NewProtocol(conn, cfg.ResponseTimeout, cfg.RetryLimit, logger),
		logger:    logger,
		machine:   NewMachine(cfg.Denominations),
		callbacks: make(map[EventKind][]registration),
		billMask:  cfg.BillTypes,
	}, nil
}

// On registers a callback for an event kind. Callbacks for a kind run
// in registration order.
func (d *Driver) On(kind EventKind, fn Callback) CallbackHandle {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextHandle++
	handle := d.nextHandle
	d.callbacks[kind] = append(d.callbacks[kind], registration{handle: handle, fn: fn})
	return handle
}

// Off removes a previously registered callback.
func (d *Driver) Off(handle CallbackHandle) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for kind, regs := range d.callbacks {
		for i, reg := range regs {
			if reg.handle == handle {
				d.callbacks[kind] = append(regs[:i:i], regs[i+1:]...)
				return
			}
		}
	}
}

// State returns the current validator state.
func (d *Driver) State() DeviceState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.machine.State()
}

// IsConnected reports whether the poll loop is running.
func (d *Driver) IsConnected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// IsAccepting reports whether bill acceptance is commanded on.
func (d *Driver) IsAccepting() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running && d.machine.Enabled()
}

// EscrowedBill returns the bill currently held in escrow, zero values
// when none is.
func (d *Driver) EscrowedBill() (byte, model.Money) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.machine.Pending()
}

// Connect opens the transport, resets the device, waits for it to
// become ready and starts the poll loop.
func (d *Driver) Connect(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("validator already connected")
	}
	d.mu.Unlock()

	if err := d.conn.Open(ctx); err != nil {
		return fmt.Errorf("failed to open transport: %w", err)
	}

	d.applyAndDispatch(Input{Kind: InputConnected})

	if err := d.initialize(ctx); err != nil {
		if closeErr := d.conn.Close(); closeErr != nil {
			d.logger.Warn("failed to close transport", zap.Error(closeErr))
		}
		d.applyAndDispatch(Input{Kind: InputDisconnected})
		return err
	}

	d.mu.Lock()
	d.cmds = make(chan command, commandQueueSize)
	d.stop = make(chan struct{})
	d.stopped = make(chan struct{})
	d.stopOnce = new(sync.Once)
	d.runCtx, d.runCancel = context.WithCancel(context.Background())
	d.running = true
	current := d.machine.State()
	d.mu.Unlock()

	go d.run()

	d.emit(StateContext{
		Event:    EventConnected,
		Previous: StateDisconnected,
		Current:  current,
		At:       time.Now(),
	})
	d.logger.Info("bill validator connected", zap.String("state", string(current)))
	return nil
}

// initialize resets the device and polls until it reports ready.
func (d *Driver) initialize(ctx context.Context) error {
	if _, err := d.proto.Poll(ctx); err != nil {
		return fmt.Errorf("validator not responding: %w", err)
	}
	if err := d.proto.Reset(ctx); err != nil {
		return fmt.Errorf("failed to reset validator: %w", err)
	}

	deadline := time.Now().Add(initializeTimeout)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("validator did not become ready within %s", initializeTimeout)
		}

		st, err := d.proto.Poll(ctx)
		if err != nil {
			return fmt.Errorf("initialization poll failed: %w", err)
		}
		d.applyAndDispatch(Input{Kind: InputStatus, Status: st})
		if st.Idling || st.Disabled {
			return nil
		}
		if st.CassetteRemoved || st.CassetteFull || st.Jammed || st.Failure {
			return fmt.Errorf("validator fault during initialization: %s", st.Describe())
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d.cfg.PollInterval):
		}
	}
}

// Disconnect stops the poll loop and closes the transport. Safe to
// call repeatedly; teardown happens once.
func (d *Driver) Disconnect() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	stopOnce, stop, stopped, cancel := d.stopOnce, d.stop, d.stopped, d.runCancel
	d.mu.Unlock()

	stopOnce.Do(func() {
		cancel()
		close(stop)
	})
	<-stopped
	return nil
}

// Enable turns on acceptance of the configured bill types.
func (d *Driver) Enable(ctx context.Context) error {
	return d.submit(ctx, "enable", func(c context.Context) error {
		return d.enableMask(c, d.billMask)
	})
}

// EnableTypes turns on acceptance of a specific set of bill types.
func (d *Driver) EnableTypes(ctx context.Context, mask BillMask) error {
	return d.submit(ctx, "enable", func(c context.Context) error {
		if err := d.enableMask(c, mask); err != nil {
			return err
		}
		d.billMask = mask
		return nil
	})
}

// enableMask raises security on the accepted bill types and turns
// acceptance on. The device forgets both settings across resets, so
// they are always reasserted together.
func (d *Driver) enableMask(ctx context.Context, mask BillMask) error {
	if err := d.proto.SetSecurity(ctx, mask); err != nil {
		return err
	}
	if err := d.proto.EnableBillTypes(ctx, mask, mask); err != nil {
		return err
	}
	d.applyAndDispatch(Input{Kind: InputEnableAcked})
	return nil
}

// Disable turns off bill acceptance.
func (d *Driver) Disable(ctx context.Context) error {
	return d.submit(ctx, "disable", func(c context.Context) error {
		if err := d.proto.Disable(c); err != nil {
			return err
		}
		d.applyAndDispatch(Input{Kind: InputDisableAcked})
		return nil
	})
}

// Stack sends the escrowed bill to the cassette.
func (d *Driver) Stack(ctx context.Context) error {
	return d.submit(ctx, "stack", func(c context.Context) error {
		if d.State() != StateEscrow {
			return fmt.Errorf("no bill in escrow to stack")
		}
		if err := d.proto.Stack(c); err != nil {
			return err
		}
		d.applyAndDispatch(Input{Kind: InputStackAcked})
		return nil
	})
}

// Return gives the escrowed bill back to the customer.
func (d *Driver) Return(ctx context.Context) error {
	return d.submit(ctx, "return", func(c context.Context) error {
		if d.State() != StateEscrow {
			return fmt.Errorf("no bill in escrow to return")
		}
		if err := d.proto.Return(c); err != nil {
			return err
		}
		d.applyAndDispatch(Input{Kind: InputReturnAcked})
		return nil
	})
}

// Hold keeps the escrowed bill for another decision window.
func (d *Driver) Hold(ctx context.Context) error {
	return d.submit(ctx, "hold", func(c context.Context) error {
		if d.State() != StateEscrow {
			return fmt.Errorf("no bill in escrow to hold")
		}
		if err := d.proto.Hold(c); err != nil {
			return err
		}
		d.escrowDeadline = time.Now().Add(d.cfg.EscrowTimeout)
		return nil
	})
}

// Reset commands a device reset and brings the state machine back to
// idle, recovering from error and fault states.
func (d *Driver) Reset(ctx context.Context) error {
	return d.submit(ctx, "reset", func(c context.Context) error {
		if err := d.proto.Reset(c); err != nil {
			return err
		}
		d.applyAndDispatch(Input{Kind: InputResetAcked})
		return nil
	})
}

// Status reads the enabled bill types and security levels.
func (d *Driver) Status(ctx context.Context) (enabled, security BillMask, err error) {
	err = d.submit(ctx, "status", func(c context.Context) error {
		var execErr error
		enabled, security, execErr = d.proto.DeviceStatus(c)
		return execErr
	})
	return enabled, security, err
}

// GetIdentification reads the device identification block.
func (d *Driver) GetIdentification(ctx context.Context) (Identification, error) {
	var ident Identification
	err := d.submit(ctx, "identification", func(c context.Context) error {
		var execErr error
		ident, execErr = d.proto.Identification(c)
		return execErr
	})
	return ident, err
}

// GetBillTable reads the device's bill type table.
func (d *Driver) GetBillTable(ctx context.Context) ([]BillTableEntry, error) {
	var table []BillTableEntry
	err := d.submit(ctx, "bill table", func(c context.Context) error {
		var execErr error
		table, execErr = d.proto.BillTable(c)
		return execErr
	})
	return table, err
}

// submit queues a command for the poll loop and waits for its result.
// The caller's context only governs the wait; cancelling it abandons
// the command without unqueueing it.
func (d *Driver) submit(ctx context.Context, name string, exec func(context.Context) error) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return ErrNotConnected
	}
	cmds, stopped := d.cmds, d.stopped
	d.mu.Unlock()

	cmd := command{name: name, exec: exec, done: make(chan error, 1)}
	select {
	case cmds <- cmd:
	case <-stopped:
		return ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-cmd.done:
		return err
	case <-stopped:
		select {
		case err := <-cmd.done:
			return err
		default:
			return ErrNotConnected
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run is the poll loop, the single owner of the serial link.
func (d *Driver) run() {
	defer d.teardown()

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stop:
			return
		case cmd := <-d.cmds:
			d.serviceCommand(cmd)
		case now := <-ticker.C:
			d.checkEscrowDeadline(now)
			d.pollOnce()
			d.drainCommands()
		}
	}
}

// drainCommands services everything queued so far, keeping command
// latency within one poll exchange.
func (d *Driver) drainCommands() {
	for {
		select {
		case cmd := <-d.cmds:
			d.serviceCommand(cmd)
		default:
			return
		}
	}
}

func (d *Driver) serviceCommand(cmd command) {
	err := cmd.exec(d.runCtx)
	if err != nil {
		if d.runCtx.Err() != nil {
			err = &ProtocolError{Kind: CommunicationFailure, Err: err}
		} else {
			var protoErr *ProtocolError
			if errors.As(err, &protoErr) && protoErr.Kind == CommunicationFailure {
				d.applyAndDispatch(Input{Kind: InputCommFailure, Err: err})
			}
			d.logger.Error("command failed",
				zap.String("command", cmd.name),
				zap.Error(err))
		}
	}
	cmd.done <- err
}

func (d *Driver) teardown() {
	if err := d.conn.Close(); err != nil {
		d.logger.Warn("failed to close transport", zap.Error(err))
	}
	d.applyAndDispatch(Input{Kind: InputDisconnected})

	d.mu.Lock()
	d.running = false
	stopped := d.stopped
	d.mu.Unlock()

	d.logger.Info("bill validator disconnected")
	close(stopped)
}

func (d *Driver) pollOnce() {
	st, err := d.proto.Poll(d.runCtx)
	if err != nil {
		if d.runCtx.Err() != nil {
			return
		}
		d.logger.Warn("poll failed", zap.Error(err))
		d.applyAndDispatch(Input{Kind: InputCommFailure, Err: err})
		return
	}
	d.handleStatus(st)
}

func (d *Driver) handleStatus(st DecodedStatus) {
	if !st.Known {
		d.logger.Debug("unmapped device status", zap.String("status", st.Describe()))
	}
	d.applyAndDispatch(Input{Kind: InputStatus, Status: st})

	d.mu.Lock()
	state := d.machine.State()
	enabled := d.machine.Enabled()
	d.mu.Unlock()

	// The device drops its enables on its own after some faults and
	// resets; put them back when acceptance should be on.
	if st.Disabled && enabled {
		d.logger.Info("re-enabling bill acceptance")
		d.execEnable()
		return
	}

	// A bill held in escrow with no decision path open goes back to
	// the customer, including bills with unknown denomination codes.
	if st.Escrow && state != StateEscrow && state != StateStacking && state != StateReturning {
		d.logger.Warn("returning unexpected escrowed bill",
			zap.String("status", st.Describe()))
		d.execReturn()
	}
}

func (d *Driver) checkEscrowDeadline(now time.Time) {
	d.mu.Lock()
	inEscrow := d.machine.State() == StateEscrow
	d.mu.Unlock()
	if !inEscrow || d.escrowDeadline.IsZero() || now.Before(d.escrowDeadline) {
		return
	}
	d.logger.Info("escrow decision window elapsed, returning bill")
	d.execReturn()
}

// applyAndDispatch feeds the state machine and delivers the resulting
// event, then runs transition side effects such as the escrow policy.
func (d *Driver) applyAndDispatch(in Input) {
	d.mu.Lock()
	tr, fire := d.machine.Apply(in)
	d.mu.Unlock()
	if !fire {
		return
	}

	d.dispatch(tr)

	switch {
	case tr.Current == StateEscrow && tr.Event == EventBillEscrow:
		if d.cfg.AutoStack {
			d.logger.Debug("auto stacking escrowed bill",
				zap.String("amount", tr.Amount.String()))
			d.execStack()
		} else {
			d.escrowDeadline = time.Now().Add(d.cfg.EscrowTimeout)
		}
	case tr.Previous == StateEscrow && tr.Current != StateEscrow:
		d.escrowDeadline = time.Time{}
	}
}

func (d *Driver) dispatch(tr Transition) {
	d.emit(StateContext{
		Event:    tr.Event,
		Amount:   tr.Amount,
		Previous: tr.Previous,
		Current:  tr.Current,
		Code:     tr.Code,
		At:       time.Now(),
	})
}

func (d *Driver) emit(sc StateContext) {
	d.mu.Lock()
	regs := append([]registration(nil), d.callbacks[sc.Event]...)
	d.mu.Unlock()
	for _, reg := range regs {
		reg.fn(sc)
	}
}

// execStack, execReturn and execEnable run protocol commands from
// inside the loop, outside the submit queue.
func (d *Driver) execStack() {
	if err := d.proto.Stack(d.runCtx); err != nil {
		d.commandFailed("stack", err)
		return
	}
	d.applyAndDispatch(Input{Kind: InputStackAcked})
}

func (d *Driver) execReturn() {
	if err := d.proto.Return(d.runCtx); err != nil {
		d.commandFailed("return", err)
		return
	}
	d.applyAndDispatch(Input{Kind: InputReturnAcked})
}

func (d *Driver) execEnable() {
	if err := d.enableMask(d.runCtx, d.billMask); err != nil {
		d.commandFailed("enable", err)
		return
	}
}

func (d *Driver) commandFailed(name string, err error) {
	if d.runCtx.Err() != nil {
		return
	}
	d.logger.Error("command failed", zap.String("command", name), zap.Error(err))
	d.applyAndDispatch(Input{Kind: InputCommFailure, Err: err})
}
