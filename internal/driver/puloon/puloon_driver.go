// internal/driver/puloon/puloon_driver.go
package puloon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"cash-device-service/internal/model"
	"cash-device-service/internal/protocol"
	"cash-device-service/internal/utils"
	"cash-device-service/pkg/driver"
)

// PuloonDriver implements driver.BillDispenserDriver for Puloon LCDM
// dual cassette dispensers.
type PuloonDriver struct {
	config        *PuloonConfig
	conn          protocol.DeviceProtocol
	session       *Session
	logger        *utils.DeviceLogger
	eventHandler  driver.EventHandler
	healthMetrics *driver.HealthMetrics
	mutex         sync.RWMutex
	isConnected   bool
	lastPing      time.Time
	lastStatus    *SensorStatus

	// opMutex serializes command exchanges; the device handles one
	// request at a time.
	opMutex sync.Mutex
}

// PuloonConfig represents Puloon dispenser configuration
type PuloonConfig struct {
	DeviceID         string                 `json:"device_id"`
	Model            string                 `json:"model"`
	ConnectionType   model.ConnectionType   `json:"connection_type"`
	ConnectionConfig map[string]interface{} `json:"connection_config"`
	ResponseTimeout  time.Duration          `json:"response_timeout"`
	// Cassette denominations in minor units, used to value dispensed
	// bills.
	UpperDenomination model.Money `json:"upper_denomination"`
	LowerDenomination model.Money `json:"lower_denomination"`
}

// NewPuloonDriver creates a new Puloon bill dispenser driver
func NewPuloonDriver(device *model.Device, connectionConfig interface{}, logger *zap.Logger) (driver.DeviceDriver, error) {
	connConfig, err := parseConnectionConfig(connectionConfig)
	if err != nil {
		return nil, fmt.Errorf("invalid connection configuration: %w", err)
	}

	config := parsePuloonConfig(device, connConfig)
	deviceLogger := utils.NewDeviceLogger(logger, device.DeviceID, string(device.DeviceType), string(device.Brand))

	conn, err := protocol.CreateProtocol(device.ConnectionType, connConfig, deviceLogger.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s protocol: %w", device.ConnectionType, err)
	}

	d := &PuloonDriver{
		config:  config,
		conn:    conn,
		session: NewSession(conn, config.ResponseTimeout, deviceLogger.Logger),
		logger:  deviceLogger,
		healthMetrics: &driver.HealthMetrics{
			HealthScore: 0,
		},
	}

	deviceLogger.Info("Puloon driver created",
		zap.String("connection_type", string(device.ConnectionType)),
		zap.Int64("upper_denomination", int64(config.UpperDenomination)),
		zap.Int64("lower_denomination", int64(config.LowerDenomination)),
	)

	return d, nil
}

// Connect opens the serial link and verifies the device responds
func (d *PuloonDriver) Connect(ctx context.Context) error {
	d.mutex.Lock()
	if d.isConnected {
		d.mutex.Unlock()
		return nil
	}
	d.mutex.Unlock()

	startTime := time.Now()

	if err := d.conn.Open(ctx); err != nil {
		d.updateHealthMetrics(false, time.Since(startTime), err)
		return fmt.Errorf("failed to open dispenser transport: %w", err)
	}

	// A status exchange confirms the device is alive and seeds the
	// sensor snapshot.
	status, err := d.status(ctx)
	if err != nil {
		d.conn.Close()
		d.updateHealthMetrics(false, time.Since(startTime), err)
		return fmt.Errorf("dispenser not responding: %w", err)
	}

	d.mutex.Lock()
	d.isConnected = true
	d.lastPing = time.Now()
	d.lastStatus = status
	d.mutex.Unlock()

	d.updateHealthMetrics(true, time.Since(startTime), nil)
	if h := d.handler(); h != nil {
		h.OnDeviceConnected(d.config.DeviceID)
	}

	d.logger.LogConnection("connect", true, nil)
	return nil
}

// Disconnect closes the serial link
func (d *PuloonDriver) Disconnect(ctx context.Context) error {
	d.mutex.Lock()
	if !d.isConnected {
		d.mutex.Unlock()
		return nil
	}
	d.isConnected = false
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
func (d *PuloonDriver) IsConnected() bool {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.isConnected && d.conn.IsOpen()
}

// GetDeviceInfo returns device information
func (d *PuloonDriver) GetDeviceInfo() (*driver.DeviceInfo, error) {
	return &driver.DeviceInfo{
		Brand:          model.BrandPuloon,
		Model:          d.config.Model,
		ConnectionType: d.config.ConnectionType,
		Capabilities:   getPuloonCapabilities(),
		Manufacturer:   "Puloon Technology Inc.",
	}, nil
}

// GetCapabilities returns device capabilities
func (d *PuloonDriver) GetCapabilities() []model.Capability {
	return getPuloonCapabilities()
}

// GetStatus returns current device status
func (d *PuloonDriver) GetStatus() (*driver.DeviceStatus, error) {
	d.mutex.RLock()
	connected := d.isConnected
	lastPing := d.lastPing
	sensors := d.lastStatus
	d.mutex.RUnlock()

	if !connected {
		return &driver.DeviceStatus{
			Status:       model.DeviceStatusOffline,
			IsReady:      false,
			LastResponse: lastPing,
		}, nil
	}

	status := &driver.DeviceStatus{
		Status:       model.DeviceStatusOnline,
		IsReady:      true,
		LastResponse: lastPing,
		Detail:       map[string]interface{}{},
	}

	if sensors != nil {
		status.Detail["sensors"] = sensors
		status.Detail["upper_near_end"] = sensors.UpperNearEnd
		status.Detail["lower_near_end"] = sensors.LowerNearEnd
		if sensors.CassetteMissing() {
			status.Status = model.DeviceStatusError
			status.IsReady = false
			status.HasError = true
			status.ErrorCode = "CASSETTE_REMOVED"
			status.ErrorMessage = "cassette is not installed"
		} else if sensors.PathBlocked() {
			status.IsReady = false
			status.HasError = true
			status.ErrorCode = "BILL_JAM"
			status.ErrorMessage = "transport path sensor is blocked"
		}
	}

	return status, nil
}

// ExecuteOperation executes a device operation
func (d *PuloonDriver) ExecuteOperation(ctx context.Context, operation *model.DeviceOperation) (*driver.OperationResult, error) {
	startTime := time.Now()

	data := map[string]interface{}{}
	var err error

	switch operation.OperationType {
	case model.OperationTypeDispense:
		request, parseErr := parseDispenseOperation(operation.OperationData)
		if parseErr != nil {
			return nil, parseErr
		}
		var result *driver.DispenseResult
		result, err = d.Dispense(ctx, request)
		if result != nil {
			data["upper_dispensed"] = result.UpperDispensed
			data["lower_dispensed"] = result.LowerDispensed
			data["upper_rejected"] = result.UpperRejected
			data["lower_rejected"] = result.LowerRejected
			data["amount"] = int64(result.Amount)
		}
	case model.OperationTypePurge, model.OperationTypeReset:
		err = d.Purge(ctx)
	case model.OperationTypeStatusCheck:
		var status *driver.DeviceStatus
		status, err = d.refreshStatus(ctx)
		if err == nil {
			data["status"] = status
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

// Ping tests device connectivity with a status exchange
func (d *PuloonDriver) Ping(ctx context.Context) error {
	if !d.IsConnected() {
		return fmt.Errorf("dispenser not connected")
	}

	startTime := time.Now()
	status, err := d.status(ctx)
	if err != nil {
		d.updateHealthMetrics(false, time.Since(startTime), err)
		return fmt.Errorf("ping failed: %w", err)
	}

	d.mutex.Lock()
	d.lastPing = time.Now()
	d.lastStatus = status
	d.mutex.Unlock()

	d.updateHealthMetrics(true, time.Since(startTime), nil)
	return nil
}

// GetHealthMetrics returns health metrics
func (d *PuloonDriver) GetHealthMetrics() (*driver.HealthMetrics, error) {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	metrics := *d.healthMetrics
	return &metrics, nil
}

// Configure updates device configuration
func (d *PuloonDriver) Configure(config interface{}) error {
	connConfig, err := parseConnectionConfig(config)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.isConnected {
		return fmt.Errorf("cannot reconfigure a connected dispenser")
	}

	d.config = parsePuloonConfigMap(d.config.DeviceID, d.config.Model, d.config.ConnectionType, connConfig)
	d.logger.Info("Puloon driver reconfigured")
	return nil
}

// Reset purges the transport path
func (d *PuloonDriver) Reset(ctx context.Context) error {
	return d.Purge(ctx)
}

// SetEventHandler sets event handler
func (d *PuloonDriver) SetEventHandler(handler driver.EventHandler) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.eventHandler = handler
}

// Close cleans up resources
func (d *PuloonDriver) Close() error {
	return d.Disconnect(context.Background())
}

// Bill dispenser operations

// Dispense moves bills from both cassettes in one motion. The result
// carries the device's exit counters even when the motion ends in a
// fault, so inventory can be settled either way.
func (d *PuloonDriver) Dispense(ctx context.Context, request *driver.DispenseRequest) (*driver.DispenseResult, error) {
	if request == nil {
		return nil, fmt.Errorf("dispense request is required")
	}
	if request.UpperCount == 0 && request.LowerCount == 0 {
		return nil, fmt.Errorf("dispense request is empty")
	}
	if request.UpperCount < 0 || request.UpperCount > MaxDispenseCount ||
		request.LowerCount < 0 || request.LowerCount > MaxDispenseCount {
		return nil, fmt.Errorf("dispense counts out of range 0..%d", MaxDispenseCount)
	}
	if !d.IsConnected() {
		return nil, fmt.Errorf("dispenser not connected")
	}

	d.opMutex.Lock()
	defer d.opMutex.Unlock()

	if err := d.prepareTransport(ctx); err != nil {
		return nil, err
	}

	counts, err := d.session.DispenseBoth(ctx, request.UpperCount, request.LowerCount)
	if counts == nil {
		return nil, err
	}

	result := &driver.DispenseResult{
		UpperDispensed: counts.UpperExit,
		LowerDispensed: counts.LowerExit,
		UpperRejected:  counts.UpperRejected,
		LowerRejected:  counts.LowerRejected,
		Amount: model.Money(int64(counts.UpperExit))*d.config.UpperDenomination +
			model.Money(int64(counts.LowerExit))*d.config.LowerDenomination,
	}

	if err != nil {
		var devErr *DispenserError
		if errors.As(err, &devErr) {
			result.ErrorCode = fmt.Sprintf("0x%02X", devErr.Code)
			result.ErrorMessage = devErr.Message
		}
		d.logger.LogCashMovement("dispense", int64(result.Amount), 0, false, err)
		return result, err
	}

	d.logger.LogCashMovement("dispense", int64(result.Amount), 0, true, nil)
	if h := d.handler(); h != nil {
		h.OnCashEvent(d.config.DeviceID, &driver.CashEvent{
			Type:   driver.CashEventDispensed,
			Amount: result.Amount,
			Detail: map[string]interface{}{
				"upper_dispensed": result.UpperDispensed,
				"lower_dispensed": result.LowerDispensed,
				"upper_rejected":  result.UpperRejected,
				"lower_rejected":  result.LowerRejected,
			},
			Timestamp: time.Now(),
		})
	}

	return result, nil
}

// Purge clears the transport path of any stuck bills
func (d *PuloonDriver) Purge(ctx context.Context) error {
	if !d.IsConnected() {
		return fmt.Errorf("dispenser not connected")
	}

	d.opMutex.Lock()
	defer d.opMutex.Unlock()

	startTime := time.Now()
	err := d.session.Purge(ctx)
	if err != nil {
		d.updateHealthMetrics(false, time.Since(startTime), err)
		return err
	}

	d.updateHealthMetrics(true, time.Since(startTime), nil)
	d.logger.Info("Dispenser transport purged")
	return nil
}

// Helper methods

// prepareTransport verifies the path is clear before a dispense,
// purging once if a sensor is blocked.
func (d *PuloonDriver) prepareTransport(ctx context.Context) error {
	for attempt := 0; attempt < 2; attempt++ {
		status, err := d.status(ctx)
		if err != nil {
			return err
		}

		d.mutex.Lock()
		d.lastStatus = status
		d.mutex.Unlock()

		if status.CassetteMissing() {
			return fmt.Errorf("cassette is not installed")
		}
		if status.SolenoidSensor {
			return fmt.Errorf("diverter solenoid error")
		}
		if !status.PathBlocked() {
			return nil
		}
		if attempt == 1 {
			return fmt.Errorf("transport path sensor is blocked")
		}

		d.logger.Warn("Transport path blocked, purging before dispense")
		if err := d.session.Purge(ctx); err != nil {
			return fmt.Errorf("purge before dispense failed: %w", err)
		}
	}
	return nil
}

func (d *PuloonDriver) status(ctx context.Context) (*SensorStatus, error) {
	return d.session.Status(ctx)
}

// refreshStatus re-reads sensors and maps them to a device status
func (d *PuloonDriver) refreshStatus(ctx context.Context) (*driver.DeviceStatus, error) {
	d.opMutex.Lock()
	status, err := d.status(ctx)
	d.opMutex.Unlock()
	if err != nil {
		return nil, err
	}

	d.mutex.Lock()
	d.lastStatus = status
	d.lastPing = time.Now()
	d.mutex.Unlock()

	return d.GetStatus()
}

func (d *PuloonDriver) handler() driver.EventHandler {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.eventHandler
}

// updateHealthMetrics updates device health metrics
func (d *PuloonDriver) updateHealthMetrics(success bool, responseTime time.Duration, err error) {
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
	if d.healthMetrics.HealthScore < 0 {
		d.healthMetrics.HealthScore = 0
	}
}

// parseConnectionConfig normalizes the incoming connection config
func parseConnectionConfig(config interface{}) (map[string]interface{}, error) {
	var configMap map[string]interface{}

	switch v := config.(type) {
	case map[string]interface{}:
		configMap = v
	case model.JSONObject:
		configMap = map[string]interface{}(v)
	case *model.JSONObject:
		if v != nil {
			configMap = map[string]interface{}(*v)
		} else {
			return nil, fmt.Errorf("config is nil")
		}
	default:
		return nil, fmt.Errorf("invalid config type: %T, expected map[string]interface{} or model.JSONObject", config)
	}

	if configMap == nil {
		return nil, fmt.Errorf("config map is nil")
	}

	return configMap, nil
}

// parsePuloonConfig builds the driver configuration from device record
// plus connection config
func parsePuloonConfig(device *model.Device, connConfig map[string]interface{}) *PuloonConfig {
	return parsePuloonConfigMap(device.DeviceID, device.Model, device.ConnectionType, connConfig)
}

func parsePuloonConfigMap(deviceID, deviceModel string, connType model.ConnectionType, connConfig map[string]interface{}) *PuloonConfig {
	config := &PuloonConfig{
		DeviceID:         deviceID,
		Model:            deviceModel,
		ConnectionType:   connType,
		ConnectionConfig: connConfig,
		ResponseTimeout:  3 * time.Second,
	}

	if v, ok := connConfig["response_timeout"].(string); ok {
		if dur, err := time.ParseDuration(v); err == nil {
			config.ResponseTimeout = dur
		}
	}
	config.UpperDenomination = moneyOption(connConfig, "upper_denomination")
	config.LowerDenomination = moneyOption(connConfig, "lower_denomination")

	return config
}

func moneyOption(connConfig map[string]interface{}, key string) model.Money {
	switch v := connConfig[key].(type) {
	case float64:
		return model.Money(int64(v))
	case int:
		return model.Money(v)
	case int64:
		return model.Money(v)
	}
	return 0
}

// parseDispenseOperation extracts counts from operation data
func parseDispenseOperation(data model.JSONObject) (*driver.DispenseRequest, error) {
	if data == nil {
		return nil, fmt.Errorf("dispense operation data is required")
	}

	request := &driver.DispenseRequest{}
	request.UpperCount = intField(data, "upper_count")
	request.LowerCount = intField(data, "lower_count")

	if request.UpperCount == 0 && request.LowerCount == 0 {
		return nil, fmt.Errorf("dispense operation needs upper_count or lower_count")
	}
	return request, nil
}

func intField(data model.JSONObject, key string) int {
	switch v := data[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	}
	return 0
}

// getPuloonCapabilities returns dispenser capabilities
func getPuloonCapabilities() []model.Capability {
	return []model.Capability{
		model.CapabilityDispenseBills,
		model.CapabilityPurge,
		model.CapabilityStatus,
	}
}
