// internal/handler/command_consumer_test.go
package handler

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"cash-device-service/internal/config"
	"cash-device-service/internal/model"
	"cash-device-service/internal/service"
	"cash-device-service/pkg/driver"
)

type fakePaymentCommands struct {
	startedTarget    model.Money
	stopped          bool
	dispensedAmount  model.Money
	dispensedSession *uuid.UUID
	testDispensed    [2]int
	maxBillCount     int
	billCountReset   bool
	denominations    [2]model.Money
	counts           [2]int
	countsReset      bool
	failWith         error
}

func (f *fakePaymentCommands) StartPayment(ctx context.Context, target model.Money) (*model.PaymentSession, error) {
	if f.failWith != nil {
		return nil, f.failWith
	}
	f.startedTarget = target
	return &model.PaymentSession{ID: uuid.New(), Target: target}, nil
}

func (f *fakePaymentCommands) StopPayment(ctx context.Context) error {
	f.stopped = true
	return f.failWith
}

func (f *fakePaymentCommands) DispenseChange(ctx context.Context, amount model.Money, sessionID *uuid.UUID) (*service.ChangeResult, error) {
	if f.failWith != nil {
		return nil, f.failWith
	}
	f.dispensedAmount = amount
	f.dispensedSession = sessionID
	return &service.ChangeResult{Amount: amount}, nil
}

func (f *fakePaymentCommands) TestDispense(ctx context.Context, upperCount, lowerCount int) (*driver.DispenseResult, error) {
	if f.failWith != nil {
		return nil, f.failWith
	}
	f.testDispensed = [2]int{upperCount, lowerCount}
	return &driver.DispenseResult{UpperDispensed: upperCount, LowerDispensed: lowerCount}, nil
}

func (f *fakePaymentCommands) GetAcceptorStatus(ctx context.Context) (*service.AcceptorStatus, error) {
	if f.failWith != nil {
		return nil, f.failWith
	}
	return &service.AcceptorStatus{BillCount: 42, MaxBillCount: 1450, Connected: true}, nil
}

func (f *fakePaymentCommands) SetMaxBillCount(ctx context.Context, count int) error {
	if f.failWith != nil {
		return f.failWith
	}
	f.maxBillCount = count
	return nil
}

func (f *fakePaymentCommands) ResetBillCount(ctx context.Context) error {
	f.billCountReset = true
	return f.failWith
}

func (f *fakePaymentCommands) GetDispenserStatus(ctx context.Context) (*service.DispenserStatus, error) {
	if f.failWith != nil {
		return nil, f.failWith
	}
	return &service.DispenserStatus{Connected: true}, nil
}

func (f *fakePaymentCommands) SetDispenserDenominations(ctx context.Context, upper, lower model.Money) error {
	if f.failWith != nil {
		return f.failWith
	}
	f.denominations = [2]model.Money{upper, lower}
	return nil
}

func (f *fakePaymentCommands) SetDispenserCounts(ctx context.Context, upper, lower int) error {
	if f.failWith != nil {
		return f.failWith
	}
	f.counts = [2]int{upper, lower}
	return nil
}

func (f *fakePaymentCommands) ResetDispenserCounts(ctx context.Context) error {
	f.countsReset = true
	return f.failWith
}

func (f *fakePaymentCommands) GetCoinStatus(ctx context.Context) (*service.CoinStatus, error) {
	if f.failWith != nil {
		return nil, f.failWith
	}
	return &service.CoinStatus{Connected: true, BigCoinPriority: true}, nil
}

type fakeDeviceCommands struct {
	initialized bool
	failWith    error
}

func (f *fakeDeviceCommands) InitializeDevices(ctx context.Context) error {
	if f.failWith != nil {
		return f.failWith
	}
	f.initialized = true
	return nil
}

func (f *fakeDeviceCommands) ConnectedDevices() []string {
	return []string{"bill_acceptor", "bill_dispenser"}
}

func newTestConsumer(payments *fakePaymentCommands, devices *fakeDeviceCommands) *CommandConsumer {
	cfg := &config.RedisConfig{
		CommandChannel:  "payment_system_cash_commands",
		ResponseChannel: "payment_system_cash_commands_response",
	}
	return NewCommandConsumer(nil, payments, devices, cfg, zap.NewNop())
}

func TestDispatchInitDevices(t *testing.T) {
	payments := &fakePaymentCommands{}
	devices := &fakeDeviceCommands{}
	consumer := newTestConsumer(payments, devices)

	response := consumer.dispatch(context.Background(), &CommandMessage{
		Command:   "init_devices",
		CommandID: "cmd-1",
	})

	require.True(t, response.Success)
	assert.Equal(t, "cmd-1", response.CommandID)
	assert.True(t, devices.initialized)
}

func TestDispatchStartPayment(t *testing.T) {
	payments := &fakePaymentCommands{}
	consumer := newTestConsumer(payments, &fakeDeviceCommands{})

	response := consumer.dispatch(context.Background(), &CommandMessage{
		Command:   "start_accepting_payment",
		CommandID: "cmd-2",
		Amount:    25000,
	})

	require.True(t, response.Success)
	assert.Equal(t, model.Money(25000), payments.startedTarget)

	session, ok := response.Data.(*model.PaymentSession)
	require.True(t, ok)
	assert.Equal(t, model.Money(25000), session.Target)
}

func TestDispatchStartPaymentFailure(t *testing.T) {
	payments := &fakePaymentCommands{failWith: fmt.Errorf("session already active")}
	consumer := newTestConsumer(payments, &fakeDeviceCommands{})

	response := consumer.dispatch(context.Background(), &CommandMessage{
		Command:   "start_accepting_payment",
		CommandID: "cmd-3",
		Amount:    25000,
	})

	require.False(t, response.Success)
	assert.Equal(t, "session already active", response.Message)
	assert.Nil(t, response.Data)
}

func TestDispatchStopPayment(t *testing.T) {
	payments := &fakePaymentCommands{}
	consumer := newTestConsumer(payments, &fakeDeviceCommands{})

	response := consumer.dispatch(context.Background(), &CommandMessage{
		Command:   "stop_accepting_payment",
		CommandID: "cmd-4",
	})

	require.True(t, response.Success)
	assert.True(t, payments.stopped)
}

func TestDispatchDispenseChange(t *testing.T) {
	payments := &fakePaymentCommands{}
	consumer := newTestConsumer(payments, &fakeDeviceCommands{})

	sessionID := uuid.New()
	response := consumer.dispatch(context.Background(), &CommandMessage{
		Command:   "dispense_change",
		CommandID: "cmd-5",
		Amount:    7000,
		SessionID: sessionID.String(),
	})

	require.True(t, response.Success)
	assert.Equal(t, model.Money(7000), payments.dispensedAmount)
	require.NotNil(t, payments.dispensedSession)
	assert.Equal(t, sessionID, *payments.dispensedSession)
}

func TestDispatchTestDispenseRequiresBill(t *testing.T) {
	payments := &fakePaymentCommands{}
	consumer := newTestConsumer(payments, &fakeDeviceCommands{})

	response := consumer.dispatch(context.Background(), &CommandMessage{
		Command:   "test_dispense_change",
		CommandID: "cmd-6",
		IsCoin:    true,
	})

	require.False(t, response.Success)
	assert.Contains(t, response.Message, "only bill dispensing")
}

func TestDispatchTestDispense(t *testing.T) {
	payments := &fakePaymentCommands{}
	consumer := newTestConsumer(payments, &fakeDeviceCommands{})

	response := consumer.dispatch(context.Background(), &CommandMessage{
		Command:   "test_dispense_change",
		CommandID: "cmd-7",
		IsBill:    true,
	})

	require.True(t, response.Success)
	assert.Equal(t, [2]int{1, 1}, payments.testDispensed)
}

func TestDispatchCounterCommands(t *testing.T) {
	payments := &fakePaymentCommands{}
	consumer := newTestConsumer(payments, &fakeDeviceCommands{})
	ctx := context.Background()

	response := consumer.dispatch(ctx, &CommandMessage{
		Command:   "bill_acceptor_set_max_bill_count",
		CommandID: "cmd-8",
		Value:     1200,
	})
	require.True(t, response.Success)
	assert.Equal(t, 1200, payments.maxBillCount)

	response = consumer.dispatch(ctx, &CommandMessage{
		Command:   "bill_acceptor_reset_bill_count",
		CommandID: "cmd-9",
	})
	require.True(t, response.Success)
	assert.True(t, payments.billCountReset)

	response = consumer.dispatch(ctx, &CommandMessage{
		Command:   "set_bill_dispenser_lvl",
		CommandID: "cmd-10",
		UpperLvl:  20000,
		LowerLvl:  5000,
	})
	require.True(t, response.Success)
	assert.Equal(t, [2]model.Money{20000, 5000}, payments.denominations)

	response = consumer.dispatch(ctx, &CommandMessage{
		Command:    "set_bill_dispenser_count",
		CommandID:  "cmd-11",
		UpperCount: 100,
		LowerCount: 200,
	})
	require.True(t, response.Success)
	assert.Equal(t, [2]int{100, 200}, payments.counts)

	response = consumer.dispatch(ctx, &CommandMessage{
		Command:   "bill_dispenser_reset_bill_count",
		CommandID: "cmd-12",
	})
	require.True(t, response.Success)
	assert.True(t, payments.countsReset)
}

func TestDispatchStatusCommands(t *testing.T) {
	payments := &fakePaymentCommands{}
	consumer := newTestConsumer(payments, &fakeDeviceCommands{})
	ctx := context.Background()

	for _, command := range []string{"bill_acceptor_status", "bill_dispenser_status", "coin_system_status"} {
		response := consumer.dispatch(ctx, &CommandMessage{Command: command, CommandID: "cmd-13"})
		require.True(t, response.Success, command)
		assert.NotNil(t, response.Data, command)
	}
}

func TestDispatchUnknownCommand(t *testing.T) {
	consumer := newTestConsumer(&fakePaymentCommands{}, &fakeDeviceCommands{})

	response := consumer.dispatch(context.Background(), &CommandMessage{
		Command:   "reboot_terminal",
		CommandID: "cmd-14",
	})

	require.False(t, response.Success)
	assert.Contains(t, response.Message, "unknown command")
}
