// internal/service/payment_service.go
package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"cash-device-service/internal/config"
	"cash-device-service/internal/model"
	"cash-device-service/internal/repository"
	"cash-device-service/internal/utils"
	"cash-device-service/pkg/driver"
)

// Payment session phases
const (
	PhaseAccepting  = "ACCEPTING"
	PhaseDispensing = "DISPENSING"
	PhaseCompleted  = "COMPLETED"
	PhaseCancelled  = "CANCELLED"
	PhaseFailed     = "FAILED"
)

// maxBillsPerDispense is the hardware limit per dispense command.
// Larger change is dispensed in batches.
const maxBillsPerDispense = 60

// auditCurrency labels amounts in the audit trail. Amounts are kopeks.
const auditCurrency = "RUB"

// DeviceSet is the slice of DeviceService the payment flow needs
type DeviceSet interface {
	BillAcceptor() (driver.BillAcceptorDriver, error)
	BillDispenser() (driver.BillDispenserDriver, error)
	CoinAcceptor() (driver.CoinAcceptorDriver, error)
}

// PaymentNotifier pushes payment progress to connected clients
type PaymentNotifier interface {
	NotifyCashAccepted(deviceID string, amount, collected, target model.Money)
	NotifyPaymentCompleted(session *model.PaymentSession)
	NotifyPaymentFailed(session *model.PaymentSession, err error)
}

type noopNotifier struct{}

func (noopNotifier) NotifyCashAccepted(string, model.Money, model.Money, model.Money) {}
func (noopNotifier) NotifyPaymentCompleted(*model.PaymentSession)                     {}
func (noopNotifier) NotifyPaymentFailed(*model.PaymentSession, error)                 {}

// PaymentService drives the payment collection flow: it enables the
// acceptors toward a target amount, books every accepted bill and
// coin, and dispenses change once the target is reached. The live
// counters live in Redis, the paper trail in PostgreSQL.
type PaymentService struct {
	devices     DeviceSet
	sessionRepo repository.SessionRepository
	txRepo      repository.TransactionRepository
	cashState   repository.CashStateRepository
	config      *config.Config
	logger      *utils.ServiceLogger
	auditLogger *utils.AuditLogger

	mu       sync.Mutex
	session  *model.PaymentSession
	notifier PaymentNotifier
}

// NewPaymentService creates a new payment service instance
func NewPaymentService(
	devices DeviceSet,
	sessionRepo repository.SessionRepository,
	txRepo repository.TransactionRepository,
	cashState repository.CashStateRepository,
	config *config.Config,
	logger *zap.Logger,
) *PaymentService {
	return &PaymentService{
		devices:     devices,
		sessionRepo: sessionRepo,
		txRepo:      txRepo,
		cashState:   cashState,
		config:      config,
		logger:      utils.NewServiceLogger(logger, "payment-service"),
		auditLogger: utils.NewAuditLogger(logger),
		notifier:    noopNotifier{},
	}
}

// SetNotifier wires the client push channel
func (ps *PaymentService) SetNotifier(notifier PaymentNotifier) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if notifier == nil {
		notifier = noopNotifier{}
	}
	ps.notifier = notifier
}

// RecoverSession aborts a session left open by an unclean shutdown.
// Collection cannot resume across a restart, the escrow state is gone.
func (ps *PaymentService) RecoverSession(ctx context.Context) error {
	session, err := ps.sessionRepo.GetActive(ctx)
	if err != nil {
		return err
	}
	if session == nil {
		return nil
	}

	now := time.Now()
	session.Phase = PhaseFailed
	session.CompletedAt = &now
	if err := ps.sessionRepo.Update(ctx, session); err != nil {
		return fmt.Errorf("failed to close stale session: %w", err)
	}
	if err := ps.cashState.ResetPaymentState(ctx); err != nil {
		ps.logger.Error("Failed to reset payment state", zap.Error(err))
	}

	ps.logger.Warn("Stale payment session closed",
		zap.String("session_id", session.ID.String()),
		zap.Int64("collected", int64(session.Collected)),
	)
	return nil
}

// StartPayment opens a collection session toward the target amount
// and enables the acceptors
func (ps *PaymentService) StartPayment(ctx context.Context, target model.Money) (*model.PaymentSession, error) {
	if target <= 0 {
		return nil, fmt.Errorf("target amount must be positive")
	}

	ps.mu.Lock()
	defer ps.mu.Unlock()

	if ps.session != nil && ps.session.CompletedAt == nil {
		return nil, fmt.Errorf("payment already in progress: %s", ps.session.ID)
	}

	billCount, err := ps.cashState.GetBillCount(ctx)
	if err != nil {
		return nil, err
	}
	maxCount, err := ps.maxBillCount(ctx)
	if err != nil {
		return nil, err
	}
	if billCount >= maxCount {
		return nil, fmt.Errorf("bill stacker full: %d/%d", billCount, maxCount)
	}

	if err := ps.cashState.ResetPaymentState(ctx); err != nil {
		return nil, err
	}
	if err := ps.cashState.SetTargetAmount(ctx, target); err != nil {
		return nil, err
	}

	session := &model.PaymentSession{
		ID:        uuid.New(),
		Target:    target,
		Phase:     PhaseAccepting,
		StartedAt: time.Now(),
	}
	if err := ps.sessionRepo.Create(ctx, session); err != nil {
		return nil, err
	}

	if err := ps.enableAcceptors(ctx); err != nil {
		now := time.Now()
		session.Phase = PhaseFailed
		session.CompletedAt = &now
		if updateErr := ps.sessionRepo.Update(ctx, session); updateErr != nil {
			ps.logger.Error("Failed to close session", zap.Error(updateErr))
		}
		return nil, err
	}

	ps.session = session
	ps.auditLogger.LogPaymentSession(session.ID.String(), session.Phase,
		int64(session.Target), 0, 0)

	ps.logger.Info("Payment started",
		zap.String("session_id", session.ID.String()),
		zap.Int64("target", int64(target)),
	)
	return session, nil
}

// StopPayment disables the acceptors and cancels the open session.
// Money already collected stays booked.
func (ps *PaymentService) StopPayment(ctx context.Context) error {
	ps.disableAcceptors(ctx)

	ps.mu.Lock()
	session := ps.session
	ps.session = nil
	ps.mu.Unlock()

	if session != nil && session.CompletedAt == nil {
		now := time.Now()
		session.Phase = PhaseCancelled
		session.CompletedAt = &now
		if err := ps.sessionRepo.Update(ctx, session); err != nil {
			return fmt.Errorf("failed to cancel session: %w", err)
		}
		ps.auditLogger.LogPaymentSession(session.ID.String(), session.Phase,
			int64(session.Target), int64(session.Collected), int64(session.Change))
	}

	if err := ps.cashState.ResetPaymentState(ctx); err != nil {
		ps.logger.Error("Failed to reset payment state", zap.Error(err))
	}

	ps.logger.Info("Payment stopped")
	return nil
}

// CurrentSession returns the open session, falling back to the
// database when the service has just started
func (ps *PaymentService) CurrentSession(ctx context.Context) (*model.PaymentSession, error) {
	ps.mu.Lock()
	session := ps.session
	ps.mu.Unlock()

	if session != nil && session.CompletedAt == nil {
		return session, nil
	}
	return ps.sessionRepo.GetActive(ctx)
}

// HandleCashEvent is the entry point for driver cash events
func (ps *PaymentService) HandleCashEvent(deviceID string, event *driver.CashEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch event.Type {
	case driver.CashEventEscrow:
		ps.handleEscrow(ctx, deviceID, event)
	case driver.CashEventAccepted:
		ps.handleAccepted(ctx, deviceID, event)
	case driver.CashEventCassetteFull:
		ps.logger.Error("Bill cassette full, disabling acceptance",
			zap.String("device_id", deviceID))
		ps.disableAcceptors(ctx)
	case driver.CashEventReturned, driver.CashEventRejected:
		ps.logger.Info("Bill not accepted",
			zap.String("device_id", deviceID),
			zap.String("event", string(event.Type)),
			zap.Int64("amount", int64(event.Amount)),
		)
	}
}

// handleEscrow decides whether an escrowed bill is stacked or
// returned. The bill is returned when no session is collecting or the
// stacker is at capacity.
func (ps *PaymentService) handleEscrow(ctx context.Context, deviceID string, event *driver.CashEvent) {
	acceptor, err := ps.devices.BillAcceptor()
	if err != nil {
		return
	}

	ps.mu.Lock()
	collecting := ps.session != nil && ps.session.CompletedAt == nil && ps.session.Phase == PhaseAccepting
	ps.mu.Unlock()

	if !collecting {
		ps.logger.Warn("Bill escrowed outside payment session, returning",
			zap.Int64("amount", int64(event.Amount)))
		if err := acceptor.ReturnBill(ctx); err != nil {
			ps.logger.Error("Failed to return bill", zap.Error(err))
		}
		return
	}

	billCount, err := ps.cashState.GetBillCount(ctx)
	if err == nil {
		if maxCount, maxErr := ps.maxBillCount(ctx); maxErr == nil && billCount >= maxCount {
			ps.logger.Error("Bill stacker full, returning bill",
				zap.Int("bill_count", billCount))
			if err := acceptor.ReturnBill(ctx); err != nil {
				ps.logger.Error("Failed to return bill", zap.Error(err))
			}
			return
		}
	}

	// With auto stack the validator stacks on its own; otherwise the
	// decision is made here.
	if !ps.config.Device.BillAcceptor.AutoStack {
		if err := acceptor.StackBill(ctx); err != nil {
			ps.logger.Error("Failed to stack bill", zap.Error(err))
		}
	}
}

// handleAccepted books an accepted bill or coin against the session
func (ps *PaymentService) handleAccepted(ctx context.Context, deviceID string, event *driver.CashEvent) {
	if event.Amount <= 0 {
		return
	}

	if deviceID == DeviceBillAcceptor {
		billCount, err := ps.cashState.IncrementBillCount(ctx)
		if err != nil {
			ps.logger.Error("Failed to increment bill count", zap.Error(err))
		} else if maxCount, maxErr := ps.maxBillCount(ctx); maxErr == nil && billCount >= maxCount {
			ps.logger.Warn("Bill stacker at capacity",
				zap.Int("bill_count", billCount),
				zap.Int("max_bill_count", maxCount),
			)
		}
	}

	collected, err := ps.cashState.AddCollectedAmount(ctx, event.Amount)
	if err != nil {
		ps.logger.Error("Failed to add collected amount", zap.Error(err))
		return
	}

	ps.mu.Lock()
	session := ps.session
	var sessionID *uuid.UUID
	var target model.Money
	if session != nil && session.CompletedAt == nil {
		session.Collected = collected
		sessionID = &session.ID
		target = session.Target
	}
	notifier := ps.notifier
	ps.mu.Unlock()

	tx := &model.CashTransaction{
		ID:               uuid.New(),
		SessionID:        sessionID,
		DeviceID:         deviceID,
		Direction:        model.DirectionAccepted,
		Amount:           event.Amount,
		DenominationCode: event.Code,
	}
	if err := ps.txRepo.Create(ctx, tx); err != nil {
		ps.logger.Error("Failed to record transaction", zap.Error(err))
	}

	if session != nil && sessionID != nil {
		if err := ps.sessionRepo.Update(ctx, session); err != nil {
			ps.logger.Error("Failed to update session", zap.Error(err))
		}
		ps.auditLogger.LogCashAccepted(deviceID, session.ID.String(), int64(event.Amount), auditCurrency)
	} else {
		ps.auditLogger.LogCashAccepted(deviceID, "", int64(event.Amount), auditCurrency)
	}

	notifier.NotifyCashAccepted(deviceID, event.Amount, collected, target)

	if session != nil && sessionID != nil && collected >= target {
		// Completion disables acceptance and may dispense change.
		// Runs outside the driver's event goroutine.
		go ps.completePayment(session)
	}
}

// completePayment closes the session and dispenses change
func (ps *PaymentService) completePayment(session *model.PaymentSession) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	ps.mu.Lock()
	if ps.session == nil || ps.session.ID != session.ID || ps.session.Phase != PhaseAccepting {
		ps.mu.Unlock()
		return
	}
	ps.session.Phase = PhaseDispensing
	session = ps.session
	notifier := ps.notifier
	ps.mu.Unlock()

	ps.disableAcceptors(ctx)

	change := session.Collected - session.Target
	if change < 0 {
		change = 0
	}

	testMode, err := ps.cashState.IsTestMode(ctx)
	if err != nil {
		ps.logger.Error("Failed to read test mode", zap.Error(err))
	}

	if change > 0 && !testMode {
		result, err := ps.DispenseChange(ctx, change, &session.ID)
		if err != nil {
			ps.failSession(ctx, session, fmt.Errorf("change dispense failed: %w", err))
			notifier.NotifyPaymentFailed(session, err)
			return
		}
		change = result.Amount
	}

	now := time.Now()
	ps.mu.Lock()
	session.Change = change
	session.Phase = PhaseCompleted
	session.CompletedAt = &now
	ps.session = nil
	ps.mu.Unlock()

	if err := ps.sessionRepo.Update(ctx, session); err != nil {
		ps.logger.Error("Failed to finalize session", zap.Error(err))
	}
	if err := ps.cashState.ResetPaymentState(ctx); err != nil {
		ps.logger.Error("Failed to reset payment state", zap.Error(err))
	}

	ps.auditLogger.LogPaymentSession(session.ID.String(), session.Phase,
		int64(session.Target), int64(session.Collected), int64(session.Change))
	notifier.NotifyPaymentCompleted(session)

	ps.logger.Info("Payment completed",
		zap.String("session_id", session.ID.String()),
		zap.Int64("collected", int64(session.Collected)),
		zap.Int64("change", int64(session.Change)),
	)
}

func (ps *PaymentService) failSession(ctx context.Context, session *model.PaymentSession, cause error) {
	now := time.Now()
	ps.mu.Lock()
	session.Phase = PhaseFailed
	session.CompletedAt = &now
	ps.session = nil
	ps.mu.Unlock()

	if err := ps.sessionRepo.Update(ctx, session); err != nil {
		ps.logger.Error("Failed to update session", zap.Error(err))
	}
	if err := ps.cashState.ResetPaymentState(ctx); err != nil {
		ps.logger.Error("Failed to reset payment state", zap.Error(err))
	}

	ps.logger.Error("Payment failed",
		zap.String("session_id", session.ID.String()),
		zap.Error(cause),
	)
}

// ChangeResult summarizes a change dispense
type ChangeResult struct {
	Amount     model.Money `json:"amount"`
	UpperCount int         `json:"upper_count"`
	LowerCount int         `json:"lower_count"`
	Rejected   int         `json:"rejected"`
}

// DispenseChange dispenses the amount from the bill dispenser,
// splitting it across the cassettes and batching to the hardware
// limit. Inventory in Redis is settled after every batch.
func (ps *PaymentService) DispenseChange(ctx context.Context, amount model.Money, sessionID *uuid.UUID) (*ChangeResult, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("dispense amount must be positive")
	}

	dispenser, err := ps.devices.BillDispenser()
	if err != nil {
		return nil, err
	}

	state, err := ps.cashState.GetDispenserState(ctx)
	if err != nil {
		return nil, err
	}

	upper, lower, remainder := planDispense(amount, state)
	if remainder > 0 {
		return nil, fmt.Errorf("cannot dispense %d exactly, %d left over", amount, remainder)
	}

	result := &ChangeResult{}
	for upper > 0 || lower > 0 {
		batchUpper := upper
		if batchUpper > maxBillsPerDispense {
			batchUpper = maxBillsPerDispense
		}
		batchLower := lower
		if batchLower > maxBillsPerDispense {
			batchLower = maxBillsPerDispense
		}

		batch, err := dispenser.Dispense(ctx, &driver.DispenseRequest{
			UpperCount: batchUpper,
			LowerCount: batchLower,
		})
		if batch != nil {
			// Rejected bills left the cassette too, the inventory
			// must account for them.
			settleErr := ps.cashState.SubtractDispenserCounts(ctx,
				batch.UpperDispensed+batch.UpperRejected,
				batch.LowerDispensed+batch.LowerRejected,
			)
			if settleErr != nil {
				ps.logger.Error("Failed to settle dispenser inventory", zap.Error(settleErr))
			}

			result.UpperCount += batch.UpperDispensed
			result.LowerCount += batch.LowerDispensed
			result.Rejected += batch.UpperRejected + batch.LowerRejected
			// The cassette denominations in Redis value the batch, the
			// driver's own denomination config is not consulted.
			result.Amount += model.Money(batch.UpperDispensed)*state.UpperDenomination +
				model.Money(batch.LowerDispensed)*state.LowerDenomination
		}
		if err != nil {
			ps.recordDispense(ctx, sessionID, result)
			return result, fmt.Errorf("dispense failed after %d: %w", result.Amount, err)
		}

		upper -= batchUpper
		lower -= batchLower

		if upper > 0 || lower > 0 {
			select {
			case <-ctx.Done():
				ps.recordDispense(ctx, sessionID, result)
				return result, ctx.Err()
			case <-time.After(ps.config.Payment.DispensePause):
			}
		}
	}

	ps.recordDispense(ctx, sessionID, result)
	ps.checkDispenserInventory(ctx)
	return result, nil
}

// TestDispense runs a maintenance dispense with explicit per-cassette
// counts, outside any payment session
func (ps *PaymentService) TestDispense(ctx context.Context, upperCount, lowerCount int) (*driver.DispenseResult, error) {
	dispenser, err := ps.devices.BillDispenser()
	if err != nil {
		return nil, err
	}

	result, err := dispenser.Dispense(ctx, &driver.DispenseRequest{
		UpperCount: upperCount,
		LowerCount: lowerCount,
	})
	if result != nil {
		settleErr := ps.cashState.SubtractDispenserCounts(ctx,
			result.UpperDispensed+result.UpperRejected,
			result.LowerDispensed+result.LowerRejected,
		)
		if settleErr != nil {
			ps.logger.Error("Failed to settle dispenser inventory", zap.Error(settleErr))
		}
	}
	return result, err
}

// recordDispense books the dispensed change
func (ps *PaymentService) recordDispense(ctx context.Context, sessionID *uuid.UUID, result *ChangeResult) {
	if result.Amount <= 0 {
		return
	}

	tx := &model.CashTransaction{
		ID:        uuid.New(),
		SessionID: sessionID,
		DeviceID:  DeviceBillDispenser,
		Direction: model.DirectionDispensed,
		Amount:    result.Amount,
	}
	if err := ps.txRepo.Create(ctx, tx); err != nil {
		ps.logger.Error("Failed to record dispense transaction", zap.Error(err))
	}

	sessionLabel := ""
	if sessionID != nil {
		sessionLabel = sessionID.String()
	}
	ps.auditLogger.LogCashDispensed(DeviceBillDispenser, sessionLabel,
		int64(result.Amount), result.UpperCount, result.LowerCount)
}

// checkDispenserInventory warns when the cassettes run low
func (ps *PaymentService) checkDispenserInventory(ctx context.Context) {
	state, err := ps.cashState.GetDispenserState(ctx)
	if err != nil {
		return
	}
	if state.UpperCount+state.LowerCount < ps.config.Payment.MinDispenserCount {
		ps.logger.Warn("Bill dispenser inventory low",
			zap.Int("upper_count", state.UpperCount),
			zap.Int("lower_count", state.LowerCount),
			zap.Int("minimum", ps.config.Payment.MinDispenserCount),
		)
	}
}

// planDispense splits an amount across the two cassettes, preferring
// the larger denomination but backing off when the remainder cannot
// be covered by the other cassette
func planDispense(amount model.Money, state *repository.DispenserState) (upper, lower int, remainder model.Money) {
	bigDenom, bigAvail := state.UpperDenomination, state.UpperCount
	lowDenom, lowAvail := state.LowerDenomination, state.LowerCount
	swapped := false
	if lowDenom > bigDenom {
		bigDenom, lowDenom = lowDenom, bigDenom
		bigAvail, lowAvail = lowAvail, bigAvail
		swapped = true
	}

	bestBig, bestLow, bestRemainder := 0, 0, amount
	maxBig := 0
	if bigDenom > 0 {
		maxBig = int(amount / bigDenom)
		if maxBig > bigAvail {
			maxBig = bigAvail
		}
	}

	for big := maxBig; big >= 0; big-- {
		rest := amount - model.Money(big)*bigDenom
		low := 0
		if lowDenom > 0 {
			low = int(rest / lowDenom)
			if low > lowAvail {
				low = lowAvail
			}
		}
		rest -= model.Money(low) * lowDenom

		if rest < bestRemainder {
			bestBig, bestLow, bestRemainder = big, low, rest
		}
		if rest == 0 {
			break
		}
	}

	if swapped {
		return bestLow, bestBig, bestRemainder
	}
	return bestBig, bestLow, bestRemainder
}

// Acceptance control

func (ps *PaymentService) enableAcceptors(ctx context.Context) error {
	enabled := 0

	if acceptor, err := ps.devices.BillAcceptor(); err == nil {
		if err := acceptor.EnableAcceptance(ctx); err != nil {
			ps.logger.Error("Failed to enable bill acceptance", zap.Error(err))
		} else {
			enabled++
		}
	}

	if acceptor, err := ps.devices.CoinAcceptor(); err == nil {
		if err := acceptor.EnableAcceptance(ctx); err != nil {
			ps.logger.Error("Failed to enable coin acceptance", zap.Error(err))
		} else {
			enabled++
		}
	}

	if enabled == 0 {
		return fmt.Errorf("no acceptor could be enabled")
	}
	return nil
}

func (ps *PaymentService) disableAcceptors(ctx context.Context) {
	if acceptor, err := ps.devices.BillAcceptor(); err == nil {
		if err := acceptor.DisableAcceptance(ctx); err != nil {
			ps.logger.Error("Failed to disable bill acceptance", zap.Error(err))
		}
	}
	if acceptor, err := ps.devices.CoinAcceptor(); err == nil {
		if err := acceptor.DisableAcceptance(ctx); err != nil {
			ps.logger.Error("Failed to disable coin acceptance", zap.Error(err))
		}
	}
}

// Counter management for the maintenance commands

// AcceptorStatus reports the bill acceptor counters
type AcceptorStatus struct {
	BillCount    int  `json:"bill_count"`
	MaxBillCount int  `json:"max_bill_count"`
	Connected    bool `json:"connected"`
	Accepting    bool `json:"accepting"`
}

// GetAcceptorStatus reports stacker fill and device state
func (ps *PaymentService) GetAcceptorStatus(ctx context.Context) (*AcceptorStatus, error) {
	billCount, err := ps.cashState.GetBillCount(ctx)
	if err != nil {
		return nil, err
	}
	maxCount, err := ps.maxBillCount(ctx)
	if err != nil {
		return nil, err
	}

	status := &AcceptorStatus{
		BillCount:    billCount,
		MaxBillCount: maxCount,
	}
	if acceptor, err := ps.devices.BillAcceptor(); err == nil {
		status.Connected = acceptor.IsConnected()
		if _, escrowed := acceptor.EscrowedAmount(); escrowed {
			status.Accepting = true
		}
		ps.mu.Lock()
		status.Accepting = status.Accepting ||
			(ps.session != nil && ps.session.CompletedAt == nil && ps.session.Phase == PhaseAccepting)
		ps.mu.Unlock()
	}
	return status, nil
}

// SetMaxBillCount sets the stacker capacity limit
func (ps *PaymentService) SetMaxBillCount(ctx context.Context, count int) error {
	if count <= 0 {
		return fmt.Errorf("max bill count must be positive")
	}

	old, err := ps.cashState.GetMaxBillCount(ctx)
	if err != nil {
		return err
	}
	if err := ps.cashState.SetMaxBillCount(ctx, count); err != nil {
		return err
	}

	ps.auditLogger.LogCounterAdjustment(DeviceBillAcceptor, "max_bill_count",
		int64(old), int64(count))
	return nil
}

// ResetBillCount zeroes the stacker counter after cash collection
func (ps *PaymentService) ResetBillCount(ctx context.Context) error {
	old, err := ps.cashState.GetBillCount(ctx)
	if err != nil {
		return err
	}
	if err := ps.cashState.ResetBillCount(ctx); err != nil {
		return err
	}

	ps.auditLogger.LogCounterAdjustment(DeviceBillAcceptor, "bill_count",
		int64(old), 0)
	return nil
}

// DispenserStatus reports cassette inventory and device state
type DispenserStatus struct {
	*repository.DispenserState
	Connected bool `json:"connected"`
}

// GetDispenserStatus reports cassette inventory and device state
func (ps *PaymentService) GetDispenserStatus(ctx context.Context) (*DispenserStatus, error) {
	state, err := ps.cashState.GetDispenserState(ctx)
	if err != nil {
		return nil, err
	}

	status := &DispenserStatus{DispenserState: state}
	if dispenser, err := ps.devices.BillDispenser(); err == nil {
		status.Connected = dispenser.IsConnected()
	}
	return status, nil
}

// SetDispenserDenominations sets the per-cassette bill values
func (ps *PaymentService) SetDispenserDenominations(ctx context.Context, upper, lower model.Money) error {
	if upper <= 0 || lower <= 0 {
		return fmt.Errorf("cassette denominations must be positive")
	}
	if err := ps.cashState.SetDispenserDenominations(ctx, upper, lower); err != nil {
		return err
	}

	ps.auditLogger.LogCounterAdjustment(DeviceBillDispenser, "upper_lvl", 0, int64(upper))
	ps.auditLogger.LogCounterAdjustment(DeviceBillDispenser, "lower_lvl", 0, int64(lower))
	return nil
}

// SetDispenserCounts records a cassette refill
func (ps *PaymentService) SetDispenserCounts(ctx context.Context, upper, lower int) error {
	if upper < 0 || lower < 0 {
		return fmt.Errorf("cassette counts must not be negative")
	}

	old, err := ps.cashState.GetDispenserState(ctx)
	if err != nil {
		return err
	}
	if err := ps.cashState.SetDispenserCounts(ctx, upper, lower); err != nil {
		return err
	}

	ps.auditLogger.LogCounterAdjustment(DeviceBillDispenser, "upper_count",
		int64(old.UpperCount), int64(upper))
	ps.auditLogger.LogCounterAdjustment(DeviceBillDispenser, "lower_count",
		int64(old.LowerCount), int64(lower))
	return nil
}

// ResetDispenserCounts zeroes the cassette counters
func (ps *PaymentService) ResetDispenserCounts(ctx context.Context) error {
	old, err := ps.cashState.GetDispenserState(ctx)
	if err != nil {
		return err
	}
	if err := ps.cashState.ResetDispenserCounts(ctx); err != nil {
		return err
	}

	ps.auditLogger.LogCounterAdjustment(DeviceBillDispenser, "upper_count",
		int64(old.UpperCount), 0)
	ps.auditLogger.LogCounterAdjustment(DeviceBillDispenser, "lower_count",
		int64(old.LowerCount), 0)
	return nil
}

// CoinStatus reports the coin acceptor state
type CoinStatus struct {
	Connected       bool `json:"connected"`
	BigCoinPriority bool `json:"big_coin_priority"`
}

// GetCoinStatus reports the coin acceptor state
func (ps *PaymentService) GetCoinStatus(ctx context.Context) (*CoinStatus, error) {
	priority, err := ps.cashState.GetBigCoinPriority(ctx)
	if err != nil {
		return nil, err
	}

	status := &CoinStatus{BigCoinPriority: priority}
	if acceptor, err := ps.devices.CoinAcceptor(); err == nil {
		status.Connected = acceptor.IsConnected()
	}
	return status, nil
}

// SetTestMode toggles the test mode flag. In test mode completed
// payments skip the physical change dispense.
func (ps *PaymentService) SetTestMode(ctx context.Context, enabled bool) error {
	return ps.cashState.SetTestMode(ctx, enabled)
}

// maxBillCount reads the capacity limit, falling back to the
// configured default when it was never set
func (ps *PaymentService) maxBillCount(ctx context.Context) (int, error) {
	maxCount, err := ps.cashState.GetMaxBillCount(ctx)
	if err != nil {
		return 0, err
	}
	if maxCount <= 0 {
		maxCount = ps.config.Payment.MaxBillCount
	}
	return maxCount, nil
}
