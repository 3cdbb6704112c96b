// internal/model/operation.go
package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OperationType represents the type of operation
type OperationType string

const (
	OperationTypeEnableAcceptance  OperationType = "ENABLE_ACCEPTANCE"
	OperationTypeDisableAcceptance OperationType = "DISABLE_ACCEPTANCE"
	OperationTypeStackBill         OperationType = "STACK_BILL"
	OperationTypeReturnBill        OperationType = "RETURN_BILL"
	OperationTypeDispense          OperationType = "DISPENSE"
	OperationTypePurge             OperationType = "PURGE"
	OperationTypeReset             OperationType = "RESET"
	OperationTypeStatusCheck       OperationType = "STATUS_CHECK"
	OperationTypeIdentify          OperationType = "IDENTIFY"
)

// OperationStatus represents the status of an operation
type OperationStatus string

const (
	OperationStatusPending    OperationStatus = "PENDING"
	OperationStatusProcessing OperationStatus = "PROCESSING"
	OperationStatusSuccess    OperationStatus = "SUCCESS"
	OperationStatusFailed     OperationStatus = "FAILED"
	OperationStatusTimeout    OperationStatus = "TIMEOUT"
	OperationStatusCancelled  OperationStatus = "CANCELLED"
)

// OperationPriority represents operation priority
type OperationPriority int

const (
	PriorityCritical   OperationPriority = 1 // escrow decisions, emergency disable
	PriorityHigh       OperationPriority = 2 // dispense, enable/disable
	PriorityNormal     OperationPriority = 3 // status, configuration
	PriorityBackground OperationPriority = 4 // maintenance, diagnostics
)

// DeviceOperation represents an operation performed on a device
type DeviceOperation struct {
	ID            uuid.UUID         `json:"id" db:"id"`
	DeviceID      uuid.UUID         `json:"device_id" db:"device_id"`
	OperationType OperationType     `json:"operation_type" db:"operation_type"`
	OperationData JSONObject        `json:"operation_data" db:"operation_data"`
	Priority      OperationPriority `json:"priority" db:"priority"`
	Status        OperationStatus   `json:"status" db:"status"`
	StartedAt     time.Time         `json:"started_at" db:"started_at"`
	CompletedAt   *time.Time        `json:"completed_at" db:"completed_at"`
	DurationMs    *int              `json:"duration_ms" db:"duration_ms"`
	ErrorMessage  *string           `json:"error_message" db:"error_message"`
	RetryCount    int               `json:"retry_count" db:"retry_count"`
	CorrelationID *uuid.UUID        `json:"correlation_id" db:"correlation_id"`
	Result        JSONObject        `json:"result" db:"result"`
	CreatedAt     time.Time         `json:"created_at" db:"created_at"`
}

// IsCompleted checks if operation is completed (success or failed)
func (op *DeviceOperation) IsCompleted() bool {
	return op.Status == OperationStatusSuccess ||
		op.Status == OperationStatusFailed ||
		op.Status == OperationStatusTimeout ||
		op.Status == OperationStatusCancelled
}

// IsCritical checks if operation has critical priority
func (op *DeviceOperation) IsCritical() bool {
	return op.Priority <= PriorityHigh
}

// DispenseOperationData represents a change-dispense request
type DispenseOperationData struct {
	Amount     decimal.Decimal `json:"amount"`
	UpperCount int             `json:"upper_count,omitempty"`
	LowerCount int             `json:"lower_count,omitempty"`
	TestMode   bool            `json:"test_mode,omitempty"`
}

// TransactionDirection marks cash flow direction for a transaction record.
type TransactionDirection string

const (
	DirectionAccepted  TransactionDirection = "ACCEPTED"
	DirectionDispensed TransactionDirection = "DISPENSED"
)

// CashTransaction is a persisted record of a single bill or coin movement.
type CashTransaction struct {
	ID               uuid.UUID            `json:"id" db:"id"`
	SessionID        *uuid.UUID           `json:"session_id" db:"session_id"`
	DeviceID         string               `json:"device_id" db:"device_id"`
	Direction        TransactionDirection `json:"direction" db:"direction"`
	Amount           Money                `json:"amount" db:"amount"`
	DenominationCode int                  `json:"denomination_code" db:"denomination_code"`
	CreatedAt        time.Time            `json:"created_at" db:"created_at"`
}

// PaymentSession is a persisted payment collection session.
type PaymentSession struct {
	ID          uuid.UUID  `json:"id" db:"id"`
	Target      Money      `json:"target" db:"target"`
	Collected   Money      `json:"collected" db:"collected"`
	Change      Money      `json:"change" db:"change"`
	Phase       string     `json:"phase" db:"phase"`
	StartedAt   time.Time  `json:"started_at" db:"started_at"`
	CompletedAt *time.Time `json:"completed_at" db:"completed_at"`
}
