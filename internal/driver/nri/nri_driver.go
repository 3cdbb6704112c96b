// internal/driver/nri/nri_driver.go
package nri

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"cash-device-service/internal/model"
	"cash-device-service/internal/protocol"
	"cash-device-service/internal/utils"
	"cash-device-service/pkg/driver"
)

// NRIDriver implements driver.CoinAcceptorDriver for NRI ccTalk coin
// acceptors. Coin credits are read from the device's buffered credit
// queue on a poll loop the driver owns.
type NRIDriver struct {
	config        *NRIConfig
	conn          protocol.DeviceProtocol
	session       *Session
	logger        *utils.DeviceLogger
	eventHandler  driver.EventHandler
	healthMetrics *driver.HealthMetrics
	mutex         sync.RWMutex
	deviceInfo    *driver.DeviceInfo
	isConnected   bool
	isAccepting   bool
	lastPing      time.Time
	lastCounter   byte

	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

// NRIConfig represents NRI coin acceptor configuration
type NRIConfig struct {
	DeviceID         string                 `json:"device_id"`
	Model            string                 `json:"model"`
	ConnectionType   model.ConnectionType   `json:"connection_type"`
	ConnectionConfig map[string]interface{} `json:"connection_config"`
	DeviceAddress    byte                   `json:"device_address"`
	PollInterval     time.Duration          `json:"poll_interval"`
	ResponseTimeout  time.Duration          `json:"response_timeout"`
	// CoinValues maps a coin channel number to its value in minor
	// units. Coins from unmapped channels are logged and dropped.
	CoinValues map[byte]model.Money `json:"coin_values"`
}

// NewNRIDriver creates a new NRI coin acceptor driver
func NewNRIDriver(device *model.Device, connectionConfig interface{}, logger *zap.Logger) (driver.DeviceDriver, error) {
	connConfig, err := parseConnectionConfig(connectionConfig)
	if err != nil {
		return nil, fmt.Errorf("invalid connection configuration: %w", err)
	}

	config, err := parseNRIConfig(device, connConfig)
	if err != nil {
		return nil, fmt.Errorf("invalid driver configuration: %w", err)
	}

	deviceLogger := utils.NewDeviceLogger(logger, device.DeviceID, string(device.DeviceType), string(device.Brand))

	conn, err := protocol.CreateProtocol(device.ConnectionType, connConfig, deviceLogger.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s protocol: %w", device.ConnectionType, err)
	}

	d := &NRIDriver{
		config:  config,
		conn:    conn,
		session: NewSession(conn, config.DeviceAddress, config.ResponseTimeout, deviceLogger.Logger),
		logger:  deviceLogger,
		healthMetrics: &driver.HealthMetrics{
			HealthScore: 0,
		},
		deviceInfo: &driver.DeviceInfo{
			Brand:          device.Brand,
			Model:          device.Model,
			ConnectionType: device.ConnectionType,
			Capabilities:   getNRICapabilities(),
			Manufacturer:   "National Rejectors Inc.",
		},
	}

	deviceLogger.Info("NRI driver created",
		zap.String("connection_type", string(device.ConnectionType)),
		zap.Int("coin_channels", len(config.CoinValues)),
	)

	return d, nil
}

// Connect opens the transport, resets the acceptor and seeds the
// event counter
func (d *NRIDriver) Connect(ctx context.Context) error {
	d.mutex.Lock()
	if d.isConnected {
		d.mutex.Unlock()
		return nil
	}
	d.mutex.Unlock()

	startTime := time.Now()

	if err := d.conn.Open(ctx); err != nil {
		d.updateHealthMetrics(false, time.Since(startTime), err)
		return fmt.Errorf("failed to open acceptor transport: %w", err)
	}

	if err := d.initialize(ctx); err != nil {
		d.conn.Close()
		d.updateHealthMetrics(false, time.Since(startTime), err)
		return err
	}

	d.mutex.Lock()
	d.isConnected = true
	d.lastPing = time.Now()
	d.mutex.Unlock()

	d.updateHealthMetrics(true, time.Since(startTime), nil)
	d.fillIdentification(ctx)

	if h := d.handler(); h != nil {
		h.OnDeviceConnected(d.config.DeviceID)
	}

	d.logger.LogConnection("connect", true, nil)
	return nil
}

// initialize resets the device and seeds the credit event counter so
// coins inserted before connect are not credited.
func (d *NRIDriver) initialize(ctx context.Context) error {
	if err := d.session.Reset(ctx); err != nil {
		return fmt.Errorf("acceptor reset failed: %w", err)
	}

	// The device is silent while it reboots.
	select {
	case <-time.After(500 * time.Millisecond):
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := d.session.SimplePoll(ctx); err != nil {
		return fmt.Errorf("acceptor not responding after reset: %w", err)
	}

	reply, err := d.session.ReadBufferedCredit(ctx)
	if err != nil {
		return fmt.Errorf("failed to seed credit counter: %w", err)
	}
	if len(reply) < 1 {
		return fmt.Errorf("empty credit reply while seeding counter")
	}

	d.mutex.Lock()
	d.lastCounter = reply[0]
	d.mutex.Unlock()
	return nil
}

// Disconnect stops polling and closes the transport
func (d *NRIDriver) Disconnect(ctx context.Context) error {
	d.stopPolling()

	d.mutex.Lock()
	if !d.isConnected {
		d.mutex.Unlock()
		return nil
	}
	d.isConnected = false
	d.isAccepting = false
	d.mutex.Unlock()

	if err := d.conn.Close(); err != nil {
		d.logger.LogConnection("disconnect", false, err)
		return err
	}

	if h := d.handler(); h != nil {
		h.OnDeviceDisconnected(d.config.DeviceID, "manual disconnect")
	}

	d.logger.LogConnection("disconnect", true, nil)
	return nil
}

// IsConnected returns connection status
func (d *NRIDriver) IsConnected() bool {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.isConnected && d.conn.IsOpen()
}

// GetDeviceInfo returns device information
func (d *NRIDriver) GetDeviceInfo() (*driver.DeviceInfo, error) {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	info := *d.deviceInfo
	return &info, nil
}

// GetCapabilities returns device capabilities
func (d *NRIDriver) GetCapabilities() []model.Capability {
	return getNRICapabilities()
}

// GetStatus returns current device status
func (d *NRIDriver) GetStatus() (*driver.DeviceStatus, error) {
	d.mutex.RLock()
	defer d.mutex.RUnlock()

	status := &driver.DeviceStatus{
		Status:       model.DeviceStatusOffline,
		LastResponse: d.lastPing,
		Detail: map[string]interface{}{
			"accepting": d.isAccepting,
		},
	}
	if d.isConnected {
		status.Status = model.DeviceStatusOnline
		status.IsReady = true
	}
	return status, nil
}

// ExecuteOperation executes a device operation
func (d *NRIDriver) ExecuteOperation(ctx context.Context, operation *model.DeviceOperation) (*driver.OperationResult, error) {
	startTime := time.Now()

	var err error
	data := map[string]interface{}{}

	switch operation.OperationType {
	case model.OperationTypeEnableAcceptance:
		err = d.EnableAcceptance(ctx)
	case model.OperationTypeDisableAcceptance:
		err = d.DisableAcceptance(ctx)
	case model.OperationTypeReset:
		err = d.Reset(ctx)
	case model.OperationTypeStatusCheck:
		var status *driver.DeviceStatus
		status, err = d.GetStatus()
		if err == nil {
			data["status"] = status
		}
	case model.OperationTypeIdentify:
		var manufacturer, product string
		manufacturer, err = d.session.ManufacturerID(ctx)
		if err == nil {
			product, err = d.session.ProductCode(ctx)
		}
		if err == nil {
			data["manufacturer"] = manufacturer
			data["product_code"] = product
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

// Ping tests device connectivity. While the poll loop runs it owns
// the bus, so connectivity is judged by the loop's results.
func (d *NRIDriver) Ping(ctx context.Context) error {
	if !d.IsConnected() {
		return fmt.Errorf("acceptor not connected")
	}

	d.mutex.RLock()
	polling := d.pollDone != nil
	d.mutex.RUnlock()
	if polling {
		return nil
	}

	startTime := time.Now()
	if err := d.session.SimplePoll(ctx); err != nil {
		d.updateHealthMetrics(false, time.Since(startTime), err)
		return fmt.Errorf("ping failed: %w", err)
	}

	d.mutex.Lock()
	d.lastPing = time.Now()
	d.mutex.Unlock()

	d.updateHealthMetrics(true, time.Since(startTime), nil)
	return nil
}

// GetHealthMetrics returns health metrics
func (d *NRIDriver) GetHealthMetrics() (*driver.HealthMetrics, error) {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	metrics := *d.healthMetrics
	return &metrics, nil
}

// Configure updates device configuration
func (d *NRIDriver) Configure(config interface{}) error {
	connConfig, err := parseConnectionConfig(config)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.isConnected {
		return fmt.Errorf("cannot reconfigure a connected acceptor")
	}

	newConfig, err := parseNRIConfigMap(d.config.DeviceID, d.config.Model, d.config.ConnectionType, connConfig)
	if err != nil {
		return err
	}
	d.config = newConfig

	d.logger.Info("NRI driver reconfigured")
	return nil
}

// Reset reboots the acceptor and re-seeds the event counter
func (d *NRIDriver) Reset(ctx context.Context) error {
	if !d.IsConnected() {
		return fmt.Errorf("acceptor not connected")
	}

	wasAccepting := d.accepting()
	d.stopPolling()

	if err := d.initialize(ctx); err != nil {
		return err
	}
	if wasAccepting {
		return d.EnableAcceptance(ctx)
	}
	return nil
}

// SetEventHandler sets event handler
func (d *NRIDriver) SetEventHandler(handler driver.EventHandler) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.eventHandler = handler
}

// Close cleans up resources
func (d *NRIDriver) Close() error {
	return d.Disconnect(context.Background())
}

// Coin acceptor operations

// EnableAcceptance opens all coin channels and starts the credit poll
// loop
func (d *NRIDriver) EnableAcceptance(ctx context.Context) error {
	if !d.IsConnected() {
		return fmt.Errorf("acceptor not connected")
	}

	d.mutex.Lock()
	if d.isAccepting {
		d.mutex.Unlock()
		return nil
	}
	d.mutex.Unlock()

	if err := d.session.SetInhibits(ctx, true); err != nil {
		return fmt.Errorf("failed to enable coin channels: %w", err)
	}

	pollCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	d.mutex.Lock()
	d.isAccepting = true
	d.pollCancel = cancel
	d.pollDone = done
	d.mutex.Unlock()

	go d.pollLoop(pollCtx, done)

	d.logger.Info("Coin acceptance enabled")
	return nil
}

// DisableAcceptance closes all coin channels and stops the poll loop
func (d *NRIDriver) DisableAcceptance(ctx context.Context) error {
	if !d.IsConnected() {
		return fmt.Errorf("acceptor not connected")
	}

	d.stopPolling()

	d.mutex.Lock()
	d.isAccepting = false
	d.mutex.Unlock()

	if err := d.session.SetInhibits(ctx, false); err != nil {
		return fmt.Errorf("failed to disable coin channels: %w", err)
	}

	d.logger.Info("Coin acceptance disabled")
	return nil
}

// Helper methods

// pollLoop reads the buffered credit queue until cancelled, crediting
// each new event once.
func (d *NRIDriver) pollLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(d.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		reply, err := d.session.ReadBufferedCredit(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			d.logger.Warn("Credit poll failed", zap.Error(err))
			d.updateHealthMetrics(false, 0, err)
			continue
		}

		d.mutex.Lock()
		last := d.lastCounter
		d.mutex.Unlock()

		events, counter, err := ParseCreditEvents(reply, last)
		if err != nil {
			d.logger.Warn("Bad credit reply", zap.Error(err))
			continue
		}

		d.mutex.Lock()
		d.lastCounter = counter
		d.lastPing = time.Now()
		d.mutex.Unlock()
		d.updateHealthMetrics(true, 0, nil)

		for _, event := range events {
			d.handleCreditEvent(ctx, event)
		}
	}
}

func (d *NRIDriver) handleCreditEvent(ctx context.Context, event CreditEvent) {
	// Slot zero is a status event, not a coin.
	if event.Slot == 0 {
		if event.Code > 0 {
			d.logger.Warn("Coin acceptor status event", zap.Uint8("code", event.Code))
		}
		return
	}

	value, ok := d.config.CoinValues[event.Slot]
	if !ok {
		d.logger.Warn("Coin from unconfigured channel", zap.Uint8("channel", event.Slot))
		return
	}

	d.logger.LogCashMovement("accept", int64(value), int(event.Slot), true, nil)

	if h := d.handler(); h != nil {
		h.OnCashEvent(d.config.DeviceID, &driver.CashEvent{
			Type:      driver.CashEventAccepted,
			Amount:    value,
			Code:      int(event.Slot),
			Timestamp: time.Now(),
		})
	}

	// Re-assert the inhibit mask so the device keeps accepting after
	// the credit.
	if err := d.session.SetInhibits(ctx, true); err != nil && ctx.Err() == nil {
		d.logger.Warn("Failed to re-enable coin channels", zap.Error(err))
	}
}

func (d *NRIDriver) stopPolling() {
	d.mutex.Lock()
	cancel := d.pollCancel
	done := d.pollDone
	d.pollCancel = nil
	d.pollDone = nil
	d.mutex.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

func (d *NRIDriver) accepting() bool {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.isAccepting
}

func (d *NRIDriver) handler() driver.EventHandler {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.eventHandler
}

// fillIdentification reads manufacturer and product once after connect
func (d *NRIDriver) fillIdentification(ctx context.Context) {
	product, err := d.session.ProductCode(ctx)
	if err != nil {
		d.logger.Warn("Failed to read acceptor product code", zap.Error(err))
		return
	}

	d.mutex.Lock()
	d.deviceInfo.HardwareVersion = product
	d.mutex.Unlock()
}

// updateHealthMetrics updates device health metrics
func (d *NRIDriver) updateHealthMetrics(success bool, responseTime time.Duration, err error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.healthMetrics.TotalOperations++
	if responseTime > 0 {
		d.healthMetrics.ResponseTime = responseTime
	}

	now := time.Now()
	if success {
		d.healthMetrics.LastSuccessTime = &now
	} else {
		d.healthMetrics.ErrorCount++
		d.healthMetrics.LastErrorTime = &now
	}

	d.healthMetrics.SuccessRate = float64(d.healthMetrics.TotalOperations-d.healthMetrics.ErrorCount) / float64(d.healthMetrics.TotalOperations)
	d.healthMetrics.HealthScore = int(d.healthMetrics.SuccessRate * 100)
	if d.healthMetrics.HealthScore < 0 {
		d.healthMetrics.HealthScore = 0
	}
}
