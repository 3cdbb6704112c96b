// internal/repository/interfaces.go
package repository

import (
	"context"
	"time"

	"cash-device-service/internal/model"

	"github.com/google/uuid"
)

// DeviceRepository defines device data access operations
type DeviceRepository interface {
	// CRUD operations
	Create(ctx context.Context, device *model.Device) error
	GetByID(ctx context.Context, id uuid.UUID) (*model.Device, error)
	GetByDeviceID(ctx context.Context, deviceID string) (*model.Device, error)
	Update(ctx context.Context, device *model.Device) error
	UpdateStatus(ctx context.Context, id uuid.UUID, status model.DeviceStatus) error
	Delete(ctx context.Context, id uuid.UUID) error

	// Listing and filtering
	List(ctx context.Context, filter *DeviceFilter) ([]*model.Device, int, error)
	ListByTerminal(ctx context.Context, terminalID uuid.UUID) ([]*model.Device, error)
	ListByStatus(ctx context.Context, status model.DeviceStatus) ([]*model.Device, error)

	// Health and monitoring
	UpdateLastPing(ctx context.Context, id uuid.UUID, pingTime time.Time) error
	GetHealthLogs(ctx context.Context, deviceID uuid.UUID, limit int) ([]*model.DeviceHealth, error)
	CreateHealthLog(ctx context.Context, health *model.DeviceHealth) error

	// Batch operations
	UpdateMultipleStatus(ctx context.Context, deviceIDs []uuid.UUID, status model.DeviceStatus) error
	GetDeviceStats(ctx context.Context, terminalID *uuid.UUID) (*DeviceStats, error)
}

// TransactionRepository defines cash transaction data access operations
type TransactionRepository interface {
	Create(ctx context.Context, tx *model.CashTransaction) error
	ListBySession(ctx context.Context, sessionID uuid.UUID) ([]*model.CashTransaction, error)
	ListByDevice(ctx context.Context, deviceID string, limit int) ([]*model.CashTransaction, error)
	SumBySession(ctx context.Context, sessionID uuid.UUID, direction model.TransactionDirection) (model.Money, error)
	DeleteOld(ctx context.Context, olderThan time.Time) (int64, error)
}

// SessionRepository defines payment session data access operations
type SessionRepository interface {
	Create(ctx context.Context, session *model.PaymentSession) error
	GetByID(ctx context.Context, id uuid.UUID) (*model.PaymentSession, error)
	GetActive(ctx context.Context) (*model.PaymentSession, error)
	Update(ctx context.Context, session *model.PaymentSession) error
	ListRecent(ctx context.Context, limit int) ([]*model.PaymentSession, error)
}

// CashStateRepository defines access to the live cash counters in
// Redis. These counters survive service restarts and are shared with
// the payment orchestrator.
type CashStateRepository interface {
	// Bill acceptor stacker
	GetBillCount(ctx context.Context) (int, error)
	IncrementBillCount(ctx context.Context) (int, error)
	ResetBillCount(ctx context.Context) error
	GetMaxBillCount(ctx context.Context) (int, error)
	SetMaxBillCount(ctx context.Context, count int) error

	// Bill dispenser cassettes
	GetDispenserState(ctx context.Context) (*DispenserState, error)
	SetDispenserDenominations(ctx context.Context, upper, lower model.Money) error
	SetDispenserCounts(ctx context.Context, upper, lower int) error
	SubtractDispenserCounts(ctx context.Context, upper, lower int) error
	ResetDispenserCounts(ctx context.Context) error

	// Payment state
	GetPaymentState(ctx context.Context) (*PaymentState, error)
	SetTargetAmount(ctx context.Context, amount model.Money) error
	AddCollectedAmount(ctx context.Context, amount model.Money) (model.Money, error)
	ResetPaymentState(ctx context.Context) error
	IsTestMode(ctx context.Context) (bool, error)
	SetTestMode(ctx context.Context, enabled bool) error

	// Device availability shared with the orchestrator
	SetAvailableDevices(ctx context.Context, devices []string) error
	GetAvailableDevices(ctx context.Context) ([]string, error)

	// Coin dispensing preference
	GetBigCoinPriority(ctx context.Context) (bool, error)
	SetBigCoinPriority(ctx context.Context, enabled bool) error
}

// Filter structures

// DeviceFilter represents device listing filters
type DeviceFilter struct {
	TerminalID *uuid.UUID          `json:"terminal_id,omitempty"`
	DeviceType *model.DeviceType   `json:"device_type,omitempty"`
	Brand      *model.DeviceBrand  `json:"brand,omitempty"`
	Status     *model.DeviceStatus `json:"status,omitempty"`
	Location   *string             `json:"location,omitempty"`
	SearchTerm *string             `json:"search_term,omitempty"`
	Page       int                 `json:"page"`
	PerPage    int                 `json:"per_page"`
	SortBy     string              `json:"sort_by"`
	SortOrder  string              `json:"sort_order"`
}

// Statistics structures

// DeviceStats represents device statistics
type DeviceStats struct {
	TotalDevices   int                        `json:"total_devices"`
	OnlineDevices  int                        `json:"online_devices"`
	OfflineDevices int                        `json:"offline_devices"`
	ErrorDevices   int                        `json:"error_devices"`
	ByType         map[model.DeviceType]int   `json:"by_type"`
	ByBrand        map[model.DeviceBrand]int  `json:"by_brand"`
	ByStatus       map[model.DeviceStatus]int `json:"by_status"`
}

// DispenserState mirrors the cassette counters held in Redis
type DispenserState struct {
	UpperDenomination model.Money `json:"upper_denomination"`
	LowerDenomination model.Money `json:"lower_denomination"`
	UpperCount        int         `json:"upper_count"`
	LowerCount        int         `json:"lower_count"`
}

// TotalAvailable is the amount the dispenser can still pay out
func (s *DispenserState) TotalAvailable() model.Money {
	return s.UpperDenomination*model.Money(int64(s.UpperCount)) +
		s.LowerDenomination*model.Money(int64(s.LowerCount))
}

// PaymentState mirrors the collection counters held in Redis
type PaymentState struct {
	TargetAmount    model.Money `json:"target_amount"`
	CollectedAmount model.Money `json:"collected_amount"`
	TestMode        bool        `json:"test_mode"`
}

// IsComplete reports whether the target has been reached
func (s *PaymentState) IsComplete() bool {
	return s.TargetAmount > 0 && s.CollectedAmount >= s.TargetAmount
}

// Remaining is the amount still to collect
func (s *PaymentState) Remaining() model.Money {
	if s.CollectedAmount >= s.TargetAmount {
		return 0
	}
	return s.TargetAmount - s.CollectedAmount
}

// ChangeDue is the overpayment to return
func (s *PaymentState) ChangeDue() model.Money {
	if s.CollectedAmount <= s.TargetAmount {
		return 0
	}
	return s.CollectedAmount - s.TargetAmount
}
