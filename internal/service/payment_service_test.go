// internal/service/payment_service_test.go
package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"cash-device-service/internal/config"
	"cash-device-service/internal/model"
	"cash-device-service/internal/repository"
	"cash-device-service/pkg/driver"
)

// Fake drivers

type fakeDriver struct {
	mu        sync.Mutex
	connected bool
}

func (d *fakeDriver) Connect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connected = true
	return nil
}

func (d *fakeDriver) Disconnect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connected = false
	return nil
}

func (d *fakeDriver) IsConnected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

func (d *fakeDriver) GetDeviceInfo() (*driver.DeviceInfo, error) { return &driver.DeviceInfo{}, nil }
func (d *fakeDriver) GetCapabilities() []model.Capability        { return nil }
func (d *fakeDriver) GetStatus() (*driver.DeviceStatus, error) {
	return &driver.DeviceStatus{IsReady: true}, nil
}
func (d *fakeDriver) ExecuteOperation(ctx context.Context, op *model.DeviceOperation) (*driver.OperationResult, error) {
	return &driver.OperationResult{Success: true}, nil
}
func (d *fakeDriver) Ping(ctx context.Context) error { return nil }
func (d *fakeDriver) GetHealthMetrics() (*driver.HealthMetrics, error) {
	return &driver.HealthMetrics{HealthScore: 100, SuccessRate: 1.0}, nil
}
func (d *fakeDriver) Configure(config interface{}) error     { return nil }
func (d *fakeDriver) Reset(ctx context.Context) error        { return nil }
func (d *fakeDriver) SetEventHandler(h driver.EventHandler)  {}
func (d *fakeDriver) Close() error                           { return nil }

type fakeBillAcceptor struct {
	fakeDriver
	enableCalls  int
	disableCalls int
	stackCalls   int
	returnCalls  int
}

func (a *fakeBillAcceptor) EnableAcceptance(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.enableCalls++
	return nil
}

func (a *fakeBillAcceptor) DisableAcceptance(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.disableCalls++
	return nil
}

func (a *fakeBillAcceptor) StackBill(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stackCalls++
	return nil
}

func (a *fakeBillAcceptor) ReturnBill(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.returnCalls++
	return nil
}

func (a *fakeBillAcceptor) HoldBill(ctx context.Context) error { return nil }

func (a *fakeBillAcceptor) EscrowedAmount() (model.Money, bool) { return 0, false }

func (a *fakeBillAcceptor) counts() (enable, disable, stack, ret int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.enableCalls, a.disableCalls, a.stackCalls, a.returnCalls
}

type fakeDispenser struct {
	fakeDriver
	requests []*driver.DispenseRequest
	fail     bool
	// reportedAmount is what the driver claims it paid out; the
	// service values dispenses from the cassette state instead.
	reportedAmount model.Money
}

func (d *fakeDispenser) Dispense(ctx context.Context, req *driver.DispenseRequest) (*driver.DispenseResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.requests = append(d.requests, req)
	if d.fail {
		return &driver.DispenseResult{}, fmt.Errorf("jam in transport path")
	}
	return &driver.DispenseResult{
		UpperDispensed: req.UpperCount,
		LowerDispensed: req.LowerCount,
		Amount:         d.reportedAmount,
	}, nil
}

func (d *fakeDispenser) Purge(ctx context.Context) error { return nil }

func (d *fakeDispenser) requestLog() []*driver.DispenseRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*driver.DispenseRequest(nil), d.requests...)
}

type fakeCoinAcceptor struct {
	fakeDriver
	enableCalls  int
	disableCalls int
}

func (c *fakeCoinAcceptor) EnableAcceptance(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enableCalls++
	return nil
}

func (c *fakeCoinAcceptor) DisableAcceptance(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disableCalls++
	return nil
}

type fakeDeviceSet struct {
	acceptor  *fakeBillAcceptor
	dispenser *fakeDispenser
	coin      *fakeCoinAcceptor
}

func (s *fakeDeviceSet) BillAcceptor() (driver.BillAcceptorDriver, error) {
	if s.acceptor == nil {
		return nil, fmt.Errorf("bill acceptor not connected")
	}
	return s.acceptor, nil
}

func (s *fakeDeviceSet) BillDispenser() (driver.BillDispenserDriver, error) {
	if s.dispenser == nil {
		return nil, fmt.Errorf("bill dispenser not connected")
	}
	return s.dispenser, nil
}

func (s *fakeDeviceSet) CoinAcceptor() (driver.CoinAcceptorDriver, error) {
	if s.coin == nil {
		return nil, fmt.Errorf("coin acceptor not connected")
	}
	return s.coin, nil
}

// In-memory state and repositories

type memCashState struct {
	mu           sync.Mutex
	billCount    int
	maxBillCount int
	dispenser    repository.DispenserState
	target       model.Money
	collected    model.Money
	testMode     bool
	available    []string
	bigCoin      bool
}

func (m *memCashState) GetBillCount(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.billCount, nil
}

func (m *memCashState) IncrementBillCount(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.billCount++
	return m.billCount, nil
}

func (m *memCashState) ResetBillCount(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.billCount = 0
	return nil
}

func (m *memCashState) GetMaxBillCount(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxBillCount, nil
}

func (m *memCashState) SetMaxBillCount(ctx context.Context, count int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.maxBillCount = count
	return nil
}

func (m *memCashState) GetDispenserState(ctx context.Context) (*repository.DispenserState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state := m.dispenser
	return &state, nil
}

func (m *memCashState) SetDispenserDenominations(ctx context.Context, upper, lower model.Money) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dispenser.UpperDenomination = upper
	m.dispenser.LowerDenomination = lower
	return nil
}

func (m *memCashState) SetDispenserCounts(ctx context.Context, upper, lower int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dispenser.UpperCount = upper
	m.dispenser.LowerCount = lower
	return nil
}

func (m *memCashState) SubtractDispenserCounts(ctx context.Context, upper, lower int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dispenser.UpperCount -= upper
	m.dispenser.LowerCount -= lower
	return nil
}

func (m *memCashState) ResetDispenserCounts(ctx context.Context) error {
	return m.SetDispenserCounts(ctx, 0, 0)
}

func (m *memCashState) GetPaymentState(ctx context.Context) (*repository.PaymentState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return &repository.PaymentState{
		TargetAmount:    m.target,
		CollectedAmount: m.collected,
		TestMode:        m.testMode,
	}, nil
}

func (m *memCashState) SetTargetAmount(ctx context.Context, amount model.Money) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.target = amount
	return nil
}

func (m *memCashState) AddCollectedAmount(ctx context.Context, amount model.Money) (model.Money, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.collected += amount
	return m.collected, nil
}

func (m *memCashState) ResetPaymentState(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.target = 0
	m.collected = 0
	return nil
}

func (m *memCashState) IsTestMode(ctx context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.testMode, nil
}

func (m *memCashState) SetTestMode(ctx context.Context, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.testMode = enabled
	return nil
}

func (m *memCashState) SetAvailableDevices(ctx context.Context, devices []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.available = devices
	return nil
}

func (m *memCashState) GetAvailableDevices(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.available, nil
}

func (m *memCashState) GetBigCoinPriority(ctx context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bigCoin, nil
}

func (m *memCashState) SetBigCoinPriority(ctx context.Context, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bigCoin = enabled
	return nil
}

type memSessionRepo struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*model.PaymentSession
}

func newMemSessionRepo() *memSessionRepo {
	return &memSessionRepo{sessions: make(map[uuid.UUID]*model.PaymentSession)}
}

func (r *memSessionRepo) Create(ctx context.Context, session *model.PaymentSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	copy := *session
	r.sessions[session.ID] = &copy
	return nil
}

func (r *memSessionRepo) GetByID(ctx context.Context, id uuid.UUID) (*model.PaymentSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session not found")
	}
	copy := *session
	return &copy, nil
}

func (r *memSessionRepo) GetActive(ctx context.Context) (*model.PaymentSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, session := range r.sessions {
		if session.CompletedAt == nil {
			copy := *session
			return &copy, nil
		}
	}
	return nil, nil
}

func (r *memSessionRepo) Update(ctx context.Context, session *model.PaymentSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	copy := *session
	r.sessions[session.ID] = &copy
	return nil
}

func (r *memSessionRepo) ListRecent(ctx context.Context, limit int) ([]*model.PaymentSession, error) {
	return nil, nil
}

type memTxRepo struct {
	mu  sync.Mutex
	txs []*model.CashTransaction
}

func (r *memTxRepo) Create(ctx context.Context, tx *model.CashTransaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	copy := *tx
	r.txs = append(r.txs, &copy)
	return nil
}

func (r *memTxRepo) ListBySession(ctx context.Context, sessionID uuid.UUID) ([]*model.CashTransaction, error) {
	return nil, nil
}

func (r *memTxRepo) ListByDevice(ctx context.Context, deviceID string, limit int) ([]*model.CashTransaction, error) {
	return nil, nil
}

func (r *memTxRepo) SumBySession(ctx context.Context, sessionID uuid.UUID, direction model.TransactionDirection) (model.Money, error) {
	return 0, nil
}

func (r *memTxRepo) DeleteOld(ctx context.Context, olderThan time.Time) (int64, error) {
	return 0, nil
}

func (r *memTxRepo) all() []*model.CashTransaction {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*model.CashTransaction(nil), r.txs...)
}

// Test harness

type paymentFixture struct {
	service   *PaymentService
	devices   *fakeDeviceSet
	state     *memCashState
	sessions  *memSessionRepo
	txs       *memTxRepo
}

func newPaymentFixture(t *testing.T) *paymentFixture {
	t.Helper()

	devices := &fakeDeviceSet{
		acceptor:  &fakeBillAcceptor{},
		dispenser: &fakeDispenser{},
		coin:      &fakeCoinAcceptor{},
	}
	devices.acceptor.connected = true
	devices.dispenser.connected = true
	devices.coin.connected = true

	state := &memCashState{
		dispenser: repository.DispenserState{
			UpperDenomination: model.Money(20000),
			LowerDenomination: model.Money(5000),
			UpperCount:        100,
			LowerCount:        100,
		},
	}

	cfg := &config.Config{}
	cfg.Payment.MaxBillCount = 1450
	cfg.Payment.MinDispenserCount = 50
	cfg.Payment.DispensePause = time.Millisecond

	sessions := newMemSessionRepo()
	txs := &memTxRepo{}

	return &paymentFixture{
		service:  NewPaymentService(devices, sessions, txs, state, cfg, zap.NewNop()),
		devices:  devices,
		state:    state,
		sessions: sessions,
		txs:      txs,
	}
}

func (f *paymentFixture) waitForPhase(t *testing.T, id uuid.UUID, phase string) *model.PaymentSession {
	t.Helper()
	var session *model.PaymentSession
	require.Eventually(t, func() bool {
		s, err := f.sessions.GetByID(context.Background(), id)
		if err != nil || s.Phase != phase {
			return false
		}
		session = s
		return true
	}, 2*time.Second, 5*time.Millisecond)
	return session
}

// Tests

func TestPlanDispense(t *testing.T) {
	tests := []struct {
		name      string
		amount    model.Money
		state     repository.DispenserState
		upper     int
		lower     int
		remainder model.Money
	}{
		{
			name:   "exact split across cassettes",
			amount: 45000,
			state: repository.DispenserState{
				UpperDenomination: 20000, LowerDenomination: 5000,
				UpperCount: 10, LowerCount: 10,
			},
			upper: 2, lower: 1, remainder: 0,
		},
		{
			name:   "greedy fails, backs off to smaller bills",
			amount: 6000,
			state: repository.DispenserState{
				UpperDenomination: 5000, LowerDenomination: 2000,
				UpperCount: 10, LowerCount: 10,
			},
			upper: 0, lower: 3, remainder: 0,
		},
		{
			name:   "larger denomination in lower cassette",
			amount: 25000,
			state: repository.DispenserState{
				UpperDenomination: 5000, LowerDenomination: 20000,
				UpperCount: 10, LowerCount: 10,
			},
			upper: 1, lower: 1, remainder: 0,
		},
		{
			name:   "insufficient inventory leaves remainder",
			amount: 50000,
			state: repository.DispenserState{
				UpperDenomination: 20000, LowerDenomination: 5000,
				UpperCount: 1, LowerCount: 2,
			},
			upper: 1, lower: 2, remainder: 20000,
		},
		{
			name:   "amount not representable",
			amount: 1500,
			state: repository.DispenserState{
				UpperDenomination: 20000, LowerDenomination: 5000,
				UpperCount: 10, LowerCount: 10,
			},
			upper: 0, lower: 0, remainder: 1500,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			upper, lower, remainder := planDispense(tt.amount, &tt.state)
			assert.Equal(t, tt.upper, upper, "upper count")
			assert.Equal(t, tt.lower, lower, "lower count")
			assert.Equal(t, tt.remainder, remainder, "remainder")
		})
	}
}

func TestStartPaymentValidatesTarget(t *testing.T) {
	f := newPaymentFixture(t)

	_, err := f.service.StartPayment(context.Background(), 0)
	assert.Error(t, err)

	_, err = f.service.StartPayment(context.Background(), -500)
	assert.Error(t, err)
}

func TestStartPaymentRejectsFullStacker(t *testing.T) {
	f := newPaymentFixture(t)
	f.state.billCount = 1450

	_, err := f.service.StartPayment(context.Background(), model.Money(10000))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stacker full")
}

func TestStartPaymentEnablesAcceptors(t *testing.T) {
	f := newPaymentFixture(t)

	session, err := f.service.StartPayment(context.Background(), model.Money(25000))
	require.NoError(t, err)
	assert.Equal(t, PhaseAccepting, session.Phase)
	assert.Equal(t, model.Money(25000), session.Target)

	enable, _, _, _ := f.devices.acceptor.counts()
	assert.Equal(t, 1, enable)
	assert.Equal(t, model.Money(25000), f.state.target)
}

func TestStartPaymentRejectsConcurrentSession(t *testing.T) {
	f := newPaymentFixture(t)

	_, err := f.service.StartPayment(context.Background(), model.Money(10000))
	require.NoError(t, err)

	_, err = f.service.StartPayment(context.Background(), model.Money(20000))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already in progress")
}

func TestStopPaymentCancelsSession(t *testing.T) {
	f := newPaymentFixture(t)

	session, err := f.service.StartPayment(context.Background(), model.Money(10000))
	require.NoError(t, err)

	require.NoError(t, f.service.StopPayment(context.Background()))

	stored, err := f.sessions.GetByID(context.Background(), session.ID)
	require.NoError(t, err)
	assert.Equal(t, PhaseCancelled, stored.Phase)
	assert.NotNil(t, stored.CompletedAt)

	_, disable, _, _ := f.devices.acceptor.counts()
	assert.Equal(t, 1, disable)
	assert.Equal(t, model.Money(0), f.state.target)
}

func TestAcceptedBillBooksTransaction(t *testing.T) {
	f := newPaymentFixture(t)

	session, err := f.service.StartPayment(context.Background(), model.Money(30000))
	require.NoError(t, err)

	f.service.HandleCashEvent(DeviceBillAcceptor, &driver.CashEvent{
		Type:   driver.CashEventAccepted,
		Amount: model.Money(10000),
		Code:   0x04,
	})

	assert.Equal(t, 1, f.state.billCount)
	assert.Equal(t, model.Money(10000), f.state.collected)

	txs := f.txs.all()
	require.Len(t, txs, 1)
	assert.Equal(t, model.DirectionAccepted, txs[0].Direction)
	assert.Equal(t, model.Money(10000), txs[0].Amount)
	assert.Equal(t, 0x04, txs[0].DenominationCode)
	require.NotNil(t, txs[0].SessionID)
	assert.Equal(t, session.ID, *txs[0].SessionID)

	stored, err := f.sessions.GetByID(context.Background(), session.ID)
	require.NoError(t, err)
	assert.Equal(t, model.Money(10000), stored.Collected)
}

func TestAcceptedCoinSkipsBillCounter(t *testing.T) {
	f := newPaymentFixture(t)

	_, err := f.service.StartPayment(context.Background(), model.Money(30000))
	require.NoError(t, err)

	f.service.HandleCashEvent(DeviceCoinAcceptor, &driver.CashEvent{
		Type:   driver.CashEventAccepted,
		Amount: model.Money(500),
		Code:   14,
	})

	assert.Equal(t, 0, f.state.billCount)
	assert.Equal(t, model.Money(500), f.state.collected)
}

func TestAcceptedCashAuditedInRubles(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)

	devices := &fakeDeviceSet{
		acceptor:  &fakeBillAcceptor{},
		dispenser: &fakeDispenser{},
		coin:      &fakeCoinAcceptor{},
	}
	cfg := &config.Config{}
	cfg.Payment.MaxBillCount = 1450
	svc := NewPaymentService(devices, newMemSessionRepo(), &memTxRepo{}, &memCashState{}, cfg, zap.New(core))

	svc.HandleCashEvent(DeviceBillAcceptor, &driver.CashEvent{
		Type:   driver.CashEventAccepted,
		Amount: model.Money(10000),
		Code:   0x04,
	})

	entries := logs.FilterMessage("Cash accepted").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "RUB", entries[0].ContextMap()["currency"])
}

func TestPaymentCompletesWithoutChange(t *testing.T) {
	f := newPaymentFixture(t)

	session, err := f.service.StartPayment(context.Background(), model.Money(20000))
	require.NoError(t, err)

	f.service.HandleCashEvent(DeviceBillAcceptor, &driver.CashEvent{
		Type:   driver.CashEventAccepted,
		Amount: model.Money(20000),
		Code:   0x07,
	})

	completed := f.waitForPhase(t, session.ID, PhaseCompleted)
	assert.Equal(t, model.Money(20000), completed.Collected)
	assert.Equal(t, model.Money(0), completed.Change)
	assert.Empty(t, f.devices.dispenser.requestLog())

	_, disable, _, _ := f.devices.acceptor.counts()
	assert.GreaterOrEqual(t, disable, 1)
}

func TestPaymentCompletesWithChange(t *testing.T) {
	f := newPaymentFixture(t)

	session, err := f.service.StartPayment(context.Background(), model.Money(15000))
	require.NoError(t, err)

	f.service.HandleCashEvent(DeviceBillAcceptor, &driver.CashEvent{
		Type:   driver.CashEventAccepted,
		Amount: model.Money(20000),
		Code:   0x07,
	})

	completed := f.waitForPhase(t, session.ID, PhaseCompleted)
	assert.Equal(t, model.Money(20000), completed.Collected)
	assert.Equal(t, model.Money(5000), completed.Change)

	requests := f.devices.dispenser.requestLog()
	require.Len(t, requests, 1)
	assert.Equal(t, 0, requests[0].UpperCount)
	assert.Equal(t, 1, requests[0].LowerCount)
	assert.Equal(t, 99, f.state.dispenser.LowerCount)
}

func TestPaymentTestModeSkipsDispense(t *testing.T) {
	f := newPaymentFixture(t)
	f.state.testMode = true

	session, err := f.service.StartPayment(context.Background(), model.Money(15000))
	require.NoError(t, err)

	f.service.HandleCashEvent(DeviceBillAcceptor, &driver.CashEvent{
		Type:   driver.CashEventAccepted,
		Amount: model.Money(20000),
		Code:   0x07,
	})

	completed := f.waitForPhase(t, session.ID, PhaseCompleted)
	assert.Equal(t, model.Money(5000), completed.Change)
	assert.Empty(t, f.devices.dispenser.requestLog())
}

func TestPaymentFailsWhenDispenseFails(t *testing.T) {
	f := newPaymentFixture(t)
	f.devices.dispenser.fail = true

	session, err := f.service.StartPayment(context.Background(), model.Money(15000))
	require.NoError(t, err)

	f.service.HandleCashEvent(DeviceBillAcceptor, &driver.CashEvent{
		Type:   driver.CashEventAccepted,
		Amount: model.Money(20000),
		Code:   0x07,
	})

	failed := f.waitForPhase(t, session.ID, PhaseFailed)
	assert.NotNil(t, failed.CompletedAt)
}

func TestEscrowReturnedOutsideSession(t *testing.T) {
	f := newPaymentFixture(t)

	f.service.HandleCashEvent(DeviceBillAcceptor, &driver.CashEvent{
		Type:   driver.CashEventEscrow,
		Amount: model.Money(10000),
	})

	_, _, stack, ret := f.devices.acceptor.counts()
	assert.Equal(t, 1, ret)
	assert.Equal(t, 0, stack)
}

func TestEscrowReturnedWhenStackerFull(t *testing.T) {
	f := newPaymentFixture(t)

	_, err := f.service.StartPayment(context.Background(), model.Money(10000))
	require.NoError(t, err)
	f.state.billCount = 1450

	f.service.HandleCashEvent(DeviceBillAcceptor, &driver.CashEvent{
		Type:   driver.CashEventEscrow,
		Amount: model.Money(10000),
	})

	_, _, stack, ret := f.devices.acceptor.counts()
	assert.Equal(t, 1, ret)
	assert.Equal(t, 0, stack)
}

func TestEscrowStackedDuringSession(t *testing.T) {
	f := newPaymentFixture(t)

	_, err := f.service.StartPayment(context.Background(), model.Money(10000))
	require.NoError(t, err)

	f.service.HandleCashEvent(DeviceBillAcceptor, &driver.CashEvent{
		Type:   driver.CashEventEscrow,
		Amount: model.Money(10000),
	})

	_, _, stack, ret := f.devices.acceptor.counts()
	assert.Equal(t, 1, stack)
	assert.Equal(t, 0, ret)
}

func TestDispenseChangeBatchesLargeCounts(t *testing.T) {
	f := newPaymentFixture(t)
	f.state.dispenser = repository.DispenserState{
		UpperDenomination: model.Money(2000),
		LowerDenomination: model.Money(1000),
		UpperCount:        80,
		LowerCount:        0,
	}

	result, err := f.service.DispenseChange(context.Background(), model.Money(150000), nil)
	require.NoError(t, err)
	assert.Equal(t, 75, result.UpperCount)
	assert.Equal(t, model.Money(150000), result.Amount)

	requests := f.devices.dispenser.requestLog()
	require.Len(t, requests, 2)
	assert.Equal(t, 60, requests[0].UpperCount)
	assert.Equal(t, 15, requests[1].UpperCount)
	assert.Equal(t, 5, f.state.dispenser.UpperCount)
}

func TestDispenseChangeRejectsUnsplittableAmount(t *testing.T) {
	f := newPaymentFixture(t)

	_, err := f.service.DispenseChange(context.Background(), model.Money(1500), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot dispense")
	assert.Empty(t, f.devices.dispenser.requestLog())
}

func TestDispenseChangeWarnsOnLowBillCount(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)

	devices := &fakeDeviceSet{dispenser: &fakeDispenser{}}
	devices.dispenser.connected = true
	// High-value cassettes: few bills left, but plenty of money. The
	// low-inventory threshold counts bills, not value.
	state := &memCashState{
		dispenser: repository.DispenserState{
			UpperDenomination: model.Money(500000),
			LowerDenomination: model.Money(100000),
			UpperCount:        20,
			LowerCount:        10,
		},
	}
	cfg := &config.Config{}
	cfg.Payment.MinDispenserCount = 50
	cfg.Payment.DispensePause = time.Millisecond
	svc := NewPaymentService(devices, newMemSessionRepo(), &memTxRepo{}, state, cfg, zap.New(core))

	_, err := svc.DispenseChange(context.Background(), model.Money(500000), nil)
	require.NoError(t, err)

	assert.Equal(t, 1, logs.FilterMessage("Bill dispenser inventory low").Len())
}

func TestDispenseChangeRecordsTransaction(t *testing.T) {
	f := newPaymentFixture(t)
	sessionID := uuid.New()

	// A driver with a stale denomination config must not distort the
	// booked amount.
	f.devices.dispenser.reportedAmount = model.Money(99)

	result, err := f.service.DispenseChange(context.Background(), model.Money(25000), &sessionID)
	require.NoError(t, err)
	assert.Equal(t, model.Money(25000), result.Amount)

	txs := f.txs.all()
	require.Len(t, txs, 1)
	assert.Equal(t, model.DirectionDispensed, txs[0].Direction)
	assert.Equal(t, model.Money(25000), txs[0].Amount)
	require.NotNil(t, txs[0].SessionID)
	assert.Equal(t, sessionID, *txs[0].SessionID)
}

func TestRecoverSessionClosesStaleSession(t *testing.T) {
	f := newPaymentFixture(t)

	stale := &model.PaymentSession{
		ID:        uuid.New(),
		Target:    model.Money(25000),
		Collected: model.Money(10000),
		Phase:     PhaseAccepting,
		StartedAt: time.Now().Add(-time.Hour),
	}
	require.NoError(t, f.sessions.Create(context.Background(), stale))
	f.state.target = stale.Target
	f.state.collected = stale.Collected

	require.NoError(t, f.service.RecoverSession(context.Background()))

	stored, err := f.sessions.GetByID(context.Background(), stale.ID)
	require.NoError(t, err)
	assert.Equal(t, PhaseFailed, stored.Phase)
	assert.NotNil(t, stored.CompletedAt)
	assert.Equal(t, model.Money(0), f.state.target)
}

func TestRecoverSessionNoopWithoutStaleSession(t *testing.T) {
	f := newPaymentFixture(t)
	require.NoError(t, f.service.RecoverSession(context.Background()))
}

func TestSetMaxBillCountValidates(t *testing.T) {
	f := newPaymentFixture(t)

	assert.Error(t, f.service.SetMaxBillCount(context.Background(), 0))
	require.NoError(t, f.service.SetMaxBillCount(context.Background(), 2000))
	assert.Equal(t, 2000, f.state.maxBillCount)
}

func TestGetAcceptorStatus(t *testing.T) {
	f := newPaymentFixture(t)
	f.state.billCount = 42

	status, err := f.service.GetAcceptorStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42, status.BillCount)
	assert.Equal(t, 1450, status.MaxBillCount)
	assert.True(t, status.Connected)
	assert.False(t, status.Accepting)

	_, err = f.service.StartPayment(context.Background(), model.Money(10000))
	require.NoError(t, err)

	status, err = f.service.GetAcceptorStatus(context.Background())
	require.NoError(t, err)
	assert.True(t, status.Accepting)
}
