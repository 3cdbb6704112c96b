// internal/driver/cashcode/cashcode_driver.go
package cashcode

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"cash-device-service/internal/ccnet"
	"cash-device-service/internal/model"
	"cash-device-service/internal/protocol"
	"cash-device-service/internal/utils"
	"cash-device-service/pkg/driver"
)

// CashCodeDriver implements driver.BillAcceptorDriver for CashCode
// CCNET bill validators. The CCNET session itself lives in the ccnet
// package; this driver adapts it to the service driver contract.
type CashCodeDriver struct {
	config        *CashCodeConfig
	core          *ccnet.Driver
	logger        *utils.DeviceLogger
	eventHandler  driver.EventHandler
	healthMetrics *driver.HealthMetrics
	mutex         sync.RWMutex
	deviceInfo    *driver.DeviceInfo
	lastPing      time.Time
}

// NewCashCodeDriver creates a new CashCode bill validator driver
func NewCashCodeDriver(device *model.Device, connectionConfig interface{}, logger *zap.Logger) (driver.DeviceDriver, error) {
	connConfig, err := parseConnectionConfig(connectionConfig)
	if err != nil {
		return nil, fmt.Errorf("invalid connection configuration: %w", err)
	}

	config, err := parseCashCodeConfig(device, connConfig)
	if err != nil {
		return nil, fmt.Errorf("invalid driver configuration: %w", err)
	}

	deviceLogger := utils.NewDeviceLogger(logger, device.DeviceID, string(device.DeviceType), string(device.Brand))

	conn, err := protocol.CreateProtocol(device.ConnectionType, connConfig, deviceLogger.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s protocol: %w", device.ConnectionType, err)
	}

	core, err := ccnet.NewDriver(conn, config.Validator, deviceLogger.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create validator session: %w", err)
	}

	d := &CashCodeDriver{
		config: config,
		core:   core,
		logger: deviceLogger,
		healthMetrics: &driver.HealthMetrics{
			HealthScore: 0,
		},
		deviceInfo: &driver.DeviceInfo{
			Brand:          device.Brand,
			Model:          device.Model,
			ConnectionType: device.ConnectionType,
			Capabilities:   getCashCodeCapabilities(),
			Manufacturer:   "CashCode Company Inc.",
		},
	}

	d.registerCallbacks()

	deviceLogger.Info("CashCode driver created",
		zap.String("connection_type", string(device.ConnectionType)),
		zap.Bool("auto_stack", config.Validator.AutoStack),
	)

	return d, nil
}

// Connect opens the serial link, resets the validator and starts its
// poll loop
func (d *CashCodeDriver) Connect(ctx context.Context) error {
	startTime := time.Now()

	if err := d.core.Connect(ctx); err != nil {
		d.updateHealthMetrics(false, time.Since(startTime), err)
		return fmt.Errorf("failed to connect validator: %w", err)
	}

	d.mutex.Lock()
	d.lastPing = time.Now()
	d.mutex.Unlock()

	d.updateHealthMetrics(true, time.Since(startTime), nil)
	d.fillIdentification(ctx)
	d.verifyBillTable(ctx)

	d.logger.LogConnection("connect", true, nil)
	return nil
}

// Disconnect stops the poll loop and closes the serial link
func (d *CashCodeDriver) Disconnect(ctx context.Context) error {
	if err := d.core.Disconnect(); err != nil {
		d.logger.LogConnection("disconnect", false, err)
		return err
	}

	d.logger.LogConnection("disconnect", true, nil)
	return nil
}

// IsConnected returns connection status
func (d *CashCodeDriver) IsConnected() bool {
	return d.core.IsConnected()
}

// GetDeviceInfo returns device information
func (d *CashCodeDriver) GetDeviceInfo() (*driver.DeviceInfo, error) {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	info := *d.deviceInfo
	return &info, nil
}

// GetCapabilities returns device capabilities
func (d *CashCodeDriver) GetCapabilities() []model.Capability {
	return getCashCodeCapabilities()
}

// GetStatus returns current device status
func (d *CashCodeDriver) GetStatus() (*driver.DeviceStatus, error) {
	d.mutex.RLock()
	lastPing := d.lastPing
	d.mutex.RUnlock()

	state := d.core.State()
	code, amount := d.core.EscrowedBill()

	status := &driver.DeviceStatus{
		Status:       mapDeviceStatus(state, d.core.IsConnected()),
		IsReady:      d.core.IsConnected() && !state.Terminal(),
		HasError:     state.Terminal(),
		LastResponse: lastPing,
		Detail: map[string]interface{}{
			"state":     string(state),
			"accepting": d.core.IsAccepting(),
		},
	}

	if state.Terminal() {
		status.ErrorCode = string(state)
	}
	if state == ccnet.StateEscrow {
		status.Detail["escrowed_amount"] = int64(amount)
		status.Detail["escrowed_code"] = int(code)
	}

	return status, nil
}

// ExecuteOperation executes a device operation
func (d *CashCodeDriver) ExecuteOperation(ctx context.Context, operation *model.DeviceOperation) (*driver.OperationResult, error) {
	startTime := time.Now()

	var err error
	data := map[string]interface{}{}

	switch operation.OperationType {
	case model.OperationTypeEnableAcceptance:
		err = d.EnableAcceptance(ctx)
	case model.OperationTypeDisableAcceptance:
		err = d.DisableAcceptance(ctx)
	case model.OperationTypeStackBill:
		err = d.StackBill(ctx)
	case model.OperationTypeReturnBill:
		err = d.ReturnBill(ctx)
	case model.OperationTypeReset:
		err = d.Reset(ctx)
	case model.OperationTypeStatusCheck:
		var status *driver.DeviceStatus
		status, err = d.GetStatus()
		if err == nil {
			data["status"] = status
		}
	case model.OperationTypeIdentify:
		var ident ccnet.Identification
		ident, err = d.core.GetIdentification(ctx)
		if err == nil {
			data["part_number"] = ident.PartNumber
			data["serial_number"] = ident.SerialNumber
			data["asset_number"] = ident.AssetNumber
		}
	default:
		return nil, fmt.Errorf("unsupported operation: %s", operation.OperationType)
	}

	duration := time.Since(startTime)

	if err != nil {
		d.updateHealthMetrics(false, duration, err)
		return nil, err
	}

	d.updateHealthMetrics(true, duration, nil)
	return &driver.OperationResult{
		Success:   true,
		Data:      data,
		Duration:  duration.String(),
		Timestamp: time.Now(),
	}, nil
}

// Ping tests device connectivity. The poll loop owns the serial link,
// so connectivity is judged by the session state rather than an extra
// exchange.
func (d *CashCodeDriver) Ping(ctx context.Context) error {
	if !d.core.IsConnected() {
		return fmt.Errorf("validator not connected")
	}
	if d.core.State() == ccnet.StateError {
		return fmt.Errorf("validator in error state")
	}

	d.mutex.Lock()
	d.lastPing = time.Now()
	d.mutex.Unlock()
	return nil
}

// GetHealthMetrics returns health metrics
func (d *CashCodeDriver) GetHealthMetrics() (*driver.HealthMetrics, error) {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	metrics := *d.healthMetrics
	return &metrics, nil
}

// Configure updates driver configuration. The validator session is
// built from the configuration, so this only applies while
// disconnected.
func (d *CashCodeDriver) Configure(config interface{}) error {
	if d.core.IsConnected() {
		return fmt.Errorf("cannot reconfigure a connected validator")
	}

	connConfig, err := parseConnectionConfig(config)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	d.mutex.Lock()
	defer d.mutex.Unlock()

	newConfig, err := parseCashCodeConfigMap(d.config.DeviceID, d.config.Model, connConfig)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	d.config = newConfig

	d.logger.Info("CashCode driver reconfigured")
	return nil
}

// Reset commands a device reset
func (d *CashCodeDriver) Reset(ctx context.Context) error {
	return d.core.Reset(ctx)
}

// SetEventHandler sets event handler
func (d *CashCodeDriver) SetEventHandler(handler driver.EventHandler) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.eventHandler = handler
}

// Close cleans up resources
func (d *CashCodeDriver) Close() error {
	return d.Disconnect(context.Background())
}

// Bill acceptor operations

// EnableAcceptance turns on bill acceptance
func (d *CashCodeDriver) EnableAcceptance(ctx context.Context) error {
	return d.core.Enable(ctx)
}

// DisableAcceptance turns off bill acceptance
func (d *CashCodeDriver) DisableAcceptance(ctx context.Context) error {
	return d.core.Disable(ctx)
}

// StackBill sends the escrowed bill to the cassette
func (d *CashCodeDriver) StackBill(ctx context.Context) error {
	return d.core.Stack(ctx)
}

// ReturnBill gives the escrowed bill back to the customer
func (d *CashCodeDriver) ReturnBill(ctx context.Context) error {
	return d.core.Return(ctx)
}

// HoldBill keeps the escrowed bill for another decision window
func (d *CashCodeDriver) HoldBill(ctx context.Context) error {
	return d.core.Hold(ctx)
}

// EscrowedAmount reports the bill currently held in escrow, if any
func (d *CashCodeDriver) EscrowedAmount() (model.Money, bool) {
	code, amount := d.core.EscrowedBill()
	return amount, code != 0 || amount != 0
}

// Helper methods

// registerCallbacks bridges validator session events to the service
// event handler. Handlers run on the poll loop, so they only relay.
func (d *CashCodeDriver) registerCallbacks() {
	d.core.On(ccnet.EventConnected, func(sc ccnet.StateContext) {
		if h := d.handler(); h != nil {
			h.OnDeviceConnected(d.config.DeviceID)
		}
	})
	d.core.On(ccnet.EventDisconnected, func(sc ccnet.StateContext) {
		if h := d.handler(); h != nil {
			h.OnDeviceDisconnected(d.config.DeviceID, "session closed")
		}
	})
	d.core.On(ccnet.EventError, func(sc ccnet.StateContext) {
		if h := d.handler(); h != nil {
			h.OnDeviceError(d.config.DeviceID, fmt.Errorf("validator error, code 0x%02X", sc.Code))
		}
	})
	d.core.On(ccnet.EventStateChanged, func(sc ccnet.StateContext) {
		if h := d.handler(); h != nil {
			h.OnStatusChanged(d.config.DeviceID,
				mapDeviceStatus(sc.Previous, true),
				mapDeviceStatus(sc.Current, true))
		}
	})
	d.core.On(ccnet.EventBillEscrow, d.cashCallback(driver.CashEventEscrow))
	d.core.On(ccnet.EventBillStacked, d.cashCallback(driver.CashEventAccepted))
	d.core.On(ccnet.EventBillReturned, d.cashCallback(driver.CashEventReturned))
	d.core.On(ccnet.EventBillRejected, d.cashCallback(driver.CashEventRejected))
	d.core.On(ccnet.EventCassetteFull, d.cashCallback(driver.CashEventCassetteFull))
	d.core.On(ccnet.EventCassetteRemoved, d.cashCallback(driver.CashEventCassetteRemoved))
}

func (d *CashCodeDriver) cashCallback(eventType driver.CashEventType) ccnet.Callback {
	return func(sc ccnet.StateContext) {
		h := d.handler()
		if h == nil {
			return
		}
		h.OnCashEvent(d.config.DeviceID, &driver.CashEvent{
			Type:   eventType,
			Amount: sc.Amount,
			Code:   int(sc.Code),
			Detail: map[string]interface{}{
				"state": string(sc.Current),
			},
			Timestamp: sc.At,
		})
	}
}

func (d *CashCodeDriver) handler() driver.EventHandler {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.eventHandler
}

// fillIdentification reads the identification block once after connect
func (d *CashCodeDriver) fillIdentification(ctx context.Context) {
	ident, err := d.core.GetIdentification(ctx)
	if err != nil {
		d.logger.Warn("Failed to read validator identification", zap.Error(err))
		return
	}

	d.mutex.Lock()
	d.deviceInfo.SerialNumber = ident.SerialNumber
	d.deviceInfo.HardwareVersion = ident.PartNumber
	d.mutex.Unlock()
}

// verifyBillTable cross-checks the configured denominations against
// the bill table the device reports. Mismatches would misprice
// escrowed bills, so they are logged loudly.
func (d *CashCodeDriver) verifyBillTable(ctx context.Context) {
	table, err := d.core.GetBillTable(ctx)
	if err != nil {
		d.logger.Warn("Failed to read validator bill table", zap.Error(err))
		return
	}

	for _, entry := range table {
		configured, err := d.config.Validator.Denominations.Lookup(entry.Code)
		if err != nil {
			d.logger.Warn("Device bill type not in denomination table",
				zap.Int("code", int(entry.Code)),
				zap.String("country", entry.Country),
				zap.Int64("device_value", int64(entry.Value)),
			)
			continue
		}
		if configured != entry.Value {
			d.logger.Error("Denomination mismatch with device bill table",
				zap.Int("code", int(entry.Code)),
				zap.Int64("configured", int64(configured)),
				zap.Int64("device_value", int64(entry.Value)),
			)
		}
	}
}

// updateHealthMetrics updates device health metrics
func (d *CashCodeDriver) updateHealthMetrics(success bool, responseTime time.Duration, err error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.healthMetrics.TotalOperations++
	d.healthMetrics.ResponseTime = responseTime

	now := time.Now()
	if success {
		d.healthMetrics.LastSuccessTime = &now
	} else {
		d.healthMetrics.ErrorCount++
		d.healthMetrics.LastErrorTime = &now
	}

	d.healthMetrics.SuccessRate = float64(d.healthMetrics.TotalOperations-d.healthMetrics.ErrorCount) / float64(d.healthMetrics.TotalOperations)
	d.healthMetrics.HealthScore = int(d.healthMetrics.SuccessRate * 100)
	if responseTime > 5*time.Second {
		d.healthMetrics.HealthScore -= 10
	}
	if d.healthMetrics.HealthScore < 0 {
		d.healthMetrics.HealthScore = 0
	}
}
