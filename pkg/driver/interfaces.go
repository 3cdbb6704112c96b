// pkg/driver/interfaces.go
package driver

import (
	"context"

	"cash-device-service/internal/model"
)

// DeviceDriver is the main interface that all hardware drivers must implement
type DeviceDriver interface {
	// Connection management
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	IsConnected() bool

	// Device information
	GetDeviceInfo() (*DeviceInfo, error)
	GetCapabilities() []model.Capability
	GetStatus() (*DeviceStatus, error)

	// Operations
	ExecuteOperation(ctx context.Context, operation *model.DeviceOperation) (*OperationResult, error)

	// Health and monitoring
	Ping(ctx context.Context) error
	GetHealthMetrics() (*HealthMetrics, error)

	// Configuration
	Configure(config interface{}) error
	Reset(ctx context.Context) error

	// Event handling
	SetEventHandler(handler EventHandler)

	// Cleanup
	Close() error
}

// BillAcceptorDriver extends DeviceDriver for bill validator operations
type BillAcceptorDriver interface {
	DeviceDriver

	// Acceptance control
	EnableAcceptance(ctx context.Context) error
	DisableAcceptance(ctx context.Context) error

	// Escrow decisions
	StackBill(ctx context.Context) error
	ReturnBill(ctx context.Context) error
	HoldBill(ctx context.Context) error

	// EscrowedAmount reports the bill currently held in escrow, if any
	EscrowedAmount() (model.Money, bool)
}

// BillDispenserDriver extends DeviceDriver for bill dispenser operations
type BillDispenserDriver interface {
	DeviceDriver

	// Dispensing operations
	Dispense(ctx context.Context, request *DispenseRequest) (*DispenseResult, error)

	// Purge clears the transport path of any stuck bills
	Purge(ctx context.Context) error
}

// CoinAcceptorDriver extends DeviceDriver for coin acceptor operations
type CoinAcceptorDriver interface {
	DeviceDriver

	// Acceptance control
	EnableAcceptance(ctx context.Context) error
	DisableAcceptance(ctx context.Context) error
}
