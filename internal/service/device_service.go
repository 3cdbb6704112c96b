// internal/service/device_service.go
package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"cash-device-service/internal/config"
	internalDriver "cash-device-service/internal/driver"
	"cash-device-service/internal/model"
	"cash-device-service/internal/repository"
	"cash-device-service/internal/utils"
	"cash-device-service/pkg/driver"
)

// Logical device names. The rest of the system addresses the local
// devices by these names, not by database ids.
const (
	DeviceBillAcceptor  = "bill_acceptor"
	DeviceBillDispenser = "bill_dispenser"
	DeviceCoinAcceptor  = "coin_acceptor"
)

// DeviceService owns the lifecycle of the terminal's cash devices. It
// builds the device records from configuration, creates drivers
// through the registry, keeps the live driver instances and runs the
// health check loop.
type DeviceService struct {
	deviceRepo     repository.DeviceRepository
	cashState      repository.CashStateRepository
	driverRegistry *internalDriver.Registry
	config         *config.Config
	logger         *utils.ServiceLogger
	auditLogger    *utils.AuditLogger
	terminalID     uuid.UUID

	mu      sync.RWMutex
	drivers map[string]driver.DeviceDriver
	devices map[string]*model.Device

	eventHandler driver.EventHandler

	healthCancel context.CancelFunc
	healthDone   chan struct{}
}

// NewDeviceService creates a new device service instance
func NewDeviceService(
	deviceRepo repository.DeviceRepository,
	cashState repository.CashStateRepository,
	driverRegistry *internalDriver.Registry,
	config *config.Config,
	logger *zap.Logger,
) *DeviceService {
	return &DeviceService{
		deviceRepo:     deviceRepo,
		cashState:      cashState,
		driverRegistry: driverRegistry,
		config:         config,
		logger:         utils.NewServiceLogger(logger, "device-service"),
		auditLogger:    utils.NewAuditLogger(logger),
		terminalID:     terminalUUID(config.App.TerminalID),
		drivers:        make(map[string]driver.DeviceDriver),
		devices:        make(map[string]*model.Device),
	}
}

// terminalUUID derives a stable UUID from the configured terminal id,
// which is usually a plain name like "terminal-001".
func terminalUUID(terminalID string) uuid.UUID {
	if id, err := uuid.Parse(terminalID); err == nil {
		return id
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(terminalID))
}

// SetEventHandler sets the handler that receives cash and status
// events from every driver. Must be called before InitializeDevices.
func (ds *DeviceService) SetEventHandler(handler driver.EventHandler) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.eventHandler = handler
}

// InitializeDevices builds the configured devices, connects their
// drivers and starts health monitoring. A device that fails to connect
// is logged and skipped; the service runs with whatever hardware is
// actually present.
func (ds *DeviceService) InitializeDevices(ctx context.Context) error {
	specs := ds.deviceSpecs()
	if len(specs) == 0 {
		return fmt.Errorf("no cash devices enabled in configuration")
	}

	connected := []string{}
	for _, spec := range specs {
		if err := ds.initializeDevice(ctx, spec); err != nil {
			ds.logger.Error("Device initialization failed",
				zap.String("device_id", spec.DeviceID),
				zap.Error(err),
			)
			continue
		}
		connected = append(connected, spec.DeviceID)
	}

	if len(connected) == 0 {
		return fmt.Errorf("no cash devices could be connected")
	}

	if err := ds.cashState.SetAvailableDevices(ctx, connected); err != nil {
		ds.logger.Error("Failed to publish available devices", zap.Error(err))
	}

	// Seed the cassette denominations so change splits can be computed
	// before the first dispense.
	if ds.config.Device.BillDispenser.Enabled {
		err := ds.cashState.SetDispenserDenominations(ctx,
			model.Money(ds.config.Device.BillDispenser.UpperDenomination),
			model.Money(ds.config.Device.BillDispenser.LowerDenomination),
		)
		if err != nil {
			ds.logger.Error("Failed to seed dispenser denominations", zap.Error(err))
		}
	}

	ds.startHealthMonitoring()

	ds.logger.Info("Devices initialized",
		zap.Strings("connected", connected),
		zap.Int("configured", len(specs)),
	)
	return nil
}

// deviceSpecs builds the device records for the enabled devices
func (ds *DeviceService) deviceSpecs() []*model.Device {
	specs := []*model.Device{}
	now := time.Now()

	if cfg := ds.config.Device.BillAcceptor; cfg.Enabled {
		connConfig := model.JSONObject{
			"port":             cfg.Port,
			"baud_rate":        cfg.BaudRate,
			"poll_interval":    cfg.PollInterval.String(),
			"escrow_timeout":   cfg.EscrowTimeout.String(),
			"response_timeout": cfg.ResponseTimeout.String(),
			"retry_limit":      cfg.RetryLimit,
			"auto_stack":       cfg.AutoStack,
		}
		if len(cfg.Denominations) > 0 {
			table := model.JSONObject{}
			for code, value := range cfg.Denominations {
				table[code] = value
			}
			connConfig["denominations"] = table
		}
		specs = append(specs, &model.Device{
			ID:               uuid.New(),
			DeviceID:         DeviceBillAcceptor,
			DeviceType:       model.DeviceTypeBillValidator,
			Brand:            model.BrandCashCode,
			Model:            "SM",
			ConnectionType:   model.ConnectionTypeSerial,
			ConnectionConfig: connConfig,
			TerminalID:       ds.terminalID,
			Status:           model.DeviceStatusOffline,
			CreatedAt:        now,
			UpdatedAt:        now,
		})
	}

	if cfg := ds.config.Device.BillDispenser; cfg.Enabled {
		specs = append(specs, &model.Device{
			ID:             uuid.New(),
			DeviceID:       DeviceBillDispenser,
			DeviceType:     model.DeviceTypeBillDispenser,
			Brand:          model.BrandPuloon,
			Model:          "LCDM-2000",
			ConnectionType: model.ConnectionTypeSerial,
			ConnectionConfig: model.JSONObject{
				"port":               cfg.Port,
				"baud_rate":          cfg.BaudRate,
				"upper_denomination": cfg.UpperDenomination,
				"lower_denomination": cfg.LowerDenomination,
			},
			TerminalID: ds.terminalID,
			Status:     model.DeviceStatusOffline,
			CreatedAt:  now,
			UpdatedAt:  now,
		})
	}

	if cfg := ds.config.Device.CoinAcceptor; cfg.Enabled {
		connConfig := model.JSONObject{
			"port":          cfg.Port,
			"baud_rate":     cfg.BaudRate,
			"poll_interval": cfg.PollInterval.String(),
		}
		if len(cfg.CoinValues) > 0 {
			values := model.JSONObject{}
			for slot, value := range cfg.CoinValues {
				values[slot] = value
			}
			connConfig["coin_values"] = values
		}
		specs = append(specs, &model.Device{
			ID:               uuid.New(),
			DeviceID:         DeviceCoinAcceptor,
			DeviceType:       model.DeviceTypeCoinAcceptor,
			Brand:            model.BrandNRI,
			Model:            "G-13.mft",
			ConnectionType:   model.ConnectionTypeSerial,
			ConnectionConfig: connConfig,
			TerminalID:       ds.terminalID,
			Status:           model.DeviceStatusOffline,
			CreatedAt:        now,
			UpdatedAt:        now,
		})
	}

	return specs
}

// initializeDevice persists the device record, creates its driver and
// connects it
func (ds *DeviceService) initializeDevice(ctx context.Context, spec *model.Device) error {
	device, err := ds.ensureDevice(ctx, spec)
	if err != nil {
		return err
	}

	deviceLogger := utils.NewDeviceLogger(ds.logger.Logger, device.DeviceID, string(device.DeviceType), string(device.Brand))

	driverInstance, err := ds.driverRegistry.CreateDriver(device, device.ConnectionConfig)
	if err != nil {
		deviceLogger.LogConnection("create_driver", false, err)
		ds.updateDeviceError(ctx, device, err)
		return fmt.Errorf("failed to create driver: %w", err)
	}

	ds.mu.RLock()
	handler := ds.eventHandler
	ds.mu.RUnlock()
	if handler != nil {
		driverInstance.SetEventHandler(handler)
	}

	connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := driverInstance.Connect(connectCtx); err != nil {
		deviceLogger.LogConnection("connect", false, err)
		ds.updateDeviceError(ctx, device, err)
		return fmt.Errorf("failed to connect: %w", err)
	}

	device.Status = model.DeviceStatusOnline
	now := time.Now()
	device.LastPing = &now
	device.ErrorInfo = model.JSONObject{}
	device.Capabilities = capabilitiesToJSON(driverInstance.GetCapabilities())

	if err := ds.deviceRepo.Update(ctx, device); err != nil {
		deviceLogger.Error("Failed to update device after connection", zap.Error(err))
	}

	ds.mu.Lock()
	ds.drivers[device.DeviceID] = driverInstance
	ds.devices[device.DeviceID] = device
	ds.mu.Unlock()

	deviceLogger.LogConnection("connect", true, nil)
	return nil
}

// ensureDevice loads the persisted device record, creating or
// refreshing it from the configured spec
func (ds *DeviceService) ensureDevice(ctx context.Context, spec *model.Device) (*model.Device, error) {
	existing, err := ds.deviceRepo.GetByDeviceID(ctx, spec.DeviceID)
	if err == nil && existing != nil {
		existing.Brand = spec.Brand
		existing.Model = spec.Model
		existing.ConnectionType = spec.ConnectionType
		existing.ConnectionConfig = spec.ConnectionConfig
		existing.TerminalID = spec.TerminalID
		existing.UpdatedAt = time.Now()
		if err := ds.deviceRepo.Update(ctx, existing); err != nil {
			return nil, fmt.Errorf("failed to refresh device record: %w", err)
		}
		return existing, nil
	}

	if !ds.driverRegistry.IsSupported(spec.Brand, spec.DeviceType, spec.Model) {
		return nil, fmt.Errorf("unsupported device: %s %s %s", spec.Brand, spec.DeviceType, spec.Model)
	}

	if err := ds.deviceRepo.Create(ctx, spec); err != nil {
		return nil, fmt.Errorf("failed to create device record: %w", err)
	}

	ds.auditLogger.LogDeviceRegistration(
		spec.DeviceID,
		string(spec.DeviceType),
		string(spec.Brand),
		true,
	)
	return spec, nil
}

// Driver accessors

// Driver returns the live driver for a logical device name
func (ds *DeviceService) Driver(deviceID string) (driver.DeviceDriver, error) {
	ds.mu.RLock()
	defer ds.mu.RUnlock()

	drv, ok := ds.drivers[deviceID]
	if !ok {
		return nil, fmt.Errorf("device not available: %s", deviceID)
	}
	return drv, nil
}

// BillAcceptor returns the live bill validator driver
func (ds *DeviceService) BillAcceptor() (driver.BillAcceptorDriver, error) {
	drv, err := ds.Driver(DeviceBillAcceptor)
	if err != nil {
		return nil, err
	}
	acceptor, ok := drv.(driver.BillAcceptorDriver)
	if !ok {
		return nil, fmt.Errorf("device %s is not a bill acceptor", DeviceBillAcceptor)
	}
	return acceptor, nil
}

// BillDispenser returns the live bill dispenser driver
func (ds *DeviceService) BillDispenser() (driver.BillDispenserDriver, error) {
	drv, err := ds.Driver(DeviceBillDispenser)
	if err != nil {
		return nil, err
	}
	dispenser, ok := drv.(driver.BillDispenserDriver)
	if !ok {
		return nil, fmt.Errorf("device %s is not a bill dispenser", DeviceBillDispenser)
	}
	return dispenser, nil
}

// CoinAcceptor returns the live coin acceptor driver
func (ds *DeviceService) CoinAcceptor() (driver.CoinAcceptorDriver, error) {
	drv, err := ds.Driver(DeviceCoinAcceptor)
	if err != nil {
		return nil, err
	}
	acceptor, ok := drv.(driver.CoinAcceptorDriver)
	if !ok {
		return nil, fmt.Errorf("device %s is not a coin acceptor", DeviceCoinAcceptor)
	}
	return acceptor, nil
}

// ConnectedDevices returns the logical names of the live devices
func (ds *DeviceService) ConnectedDevices() []string {
	ds.mu.RLock()
	defer ds.mu.RUnlock()

	names := make([]string, 0, len(ds.drivers))
	for name := range ds.drivers {
		names = append(names, name)
	}
	return names
}

// ConnectDevice reconnects a single device by logical name
func (ds *DeviceService) ConnectDevice(ctx context.Context, deviceID string) error {
	ds.mu.RLock()
	_, alreadyLive := ds.drivers[deviceID]
	ds.mu.RUnlock()
	if alreadyLive {
		return fmt.Errorf("device already connected: %s", deviceID)
	}

	for _, spec := range ds.deviceSpecs() {
		if spec.DeviceID == deviceID {
			return ds.initializeDevice(ctx, spec)
		}
	}
	return fmt.Errorf("device not configured: %s", deviceID)
}

// DisconnectDevice disconnects a single device by logical name
func (ds *DeviceService) DisconnectDevice(ctx context.Context, deviceID string) error {
	ds.mu.Lock()
	drv, ok := ds.drivers[deviceID]
	device := ds.devices[deviceID]
	delete(ds.drivers, deviceID)
	delete(ds.devices, deviceID)
	ds.mu.Unlock()

	if !ok {
		return fmt.Errorf("device not available: %s", deviceID)
	}

	deviceLogger := utils.NewDeviceLogger(ds.logger.Logger, deviceID, string(device.DeviceType), string(device.Brand))

	if err := drv.Disconnect(ctx); err != nil {
		deviceLogger.LogConnection("disconnect", false, err)
	}
	drv.Close()

	if err := ds.deviceRepo.UpdateStatus(ctx, device.ID, model.DeviceStatusOffline); err != nil {
		deviceLogger.Error("Failed to update device status", zap.Error(err))
	}

	deviceLogger.LogConnection("disconnect", true, nil)
	return nil
}

// Shutdown stops health monitoring and disconnects every device
func (ds *DeviceService) Shutdown(ctx context.Context) {
	ds.stopHealthMonitoring()

	for _, deviceID := range ds.ConnectedDevices() {
		if err := ds.DisconnectDevice(ctx, deviceID); err != nil {
			ds.logger.Warn("Device shutdown error",
				zap.String("device_id", deviceID),
				zap.Error(err),
			)
		}
	}

	if err := ds.cashState.SetAvailableDevices(ctx, nil); err != nil {
		ds.logger.Error("Failed to clear available devices", zap.Error(err))
	}

	ds.logger.LogServiceStop("shutdown")
}

// Queries for the HTTP API

// GetDevice retrieves device information
func (ds *DeviceService) GetDevice(ctx context.Context, deviceID string) (*model.Device, error) {
	device, err := ds.deviceRepo.GetByDeviceID(ctx, deviceID)
	if err != nil {
		return nil, fmt.Errorf("device not found: %w", err)
	}
	return device, nil
}

// ListDevices retrieves devices with filtering
func (ds *DeviceService) ListDevices(ctx context.Context, filter *DeviceFilter) ([]*model.Device, *PaginationResult, error) {
	devices, total, err := ds.deviceRepo.List(ctx, filter.toRepoFilter())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list devices: %w", err)
	}

	pagination := &PaginationResult{
		Total:      total,
		Page:       filter.Page,
		PerPage:    filter.PerPage,
		TotalPages: (total + filter.PerPage - 1) / filter.PerPage,
	}

	return devices, pagination, nil
}

// GetDeviceStats retrieves aggregate device counts for the terminal
func (ds *DeviceService) GetDeviceStats(ctx context.Context) (*repository.DeviceStats, error) {
	return ds.deviceRepo.GetDeviceStats(ctx, &ds.terminalID)
}

// GetDeviceHealth retrieves device health metrics. For a live device
// the driver's current metrics win over the last persisted log.
func (ds *DeviceService) GetDeviceHealth(ctx context.Context, deviceID string) (*DeviceHealth, error) {
	device, err := ds.deviceRepo.GetByDeviceID(ctx, deviceID)
	if err != nil {
		return nil, fmt.Errorf("device not found: %w", err)
	}

	ds.mu.RLock()
	drv, live := ds.drivers[deviceID]
	ds.mu.RUnlock()

	if live {
		metrics, err := drv.GetHealthMetrics()
		if err == nil {
			responseTime := int(metrics.ResponseTime.Milliseconds())
			errorRate := 1.0 - metrics.SuccessRate
			return &DeviceHealth{
				DeviceID:     deviceID,
				HealthScore:  metrics.HealthScore,
				Status:       string(device.Status),
				LastCheck:    device.LastPing,
				ResponseTime: &responseTime,
				ErrorRate:    &errorRate,
				Uptime:       &metrics.UptimePercent,
			}, nil
		}
	}

	healthLogs, err := ds.deviceRepo.GetHealthLogs(ctx, device.ID, 1)
	if err != nil || len(healthLogs) == 0 {
		return &DeviceHealth{
			DeviceID:    deviceID,
			HealthScore: 0,
			Status:      string(device.Status),
			LastCheck:   device.LastPing,
		}, nil
	}

	latest := healthLogs[0]
	return &DeviceHealth{
		DeviceID:     deviceID,
		HealthScore:  latest.HealthScore,
		Status:       string(device.Status),
		LastCheck:    device.LastPing,
		ResponseTime: latest.ResponseTime,
		ErrorRate:    latest.ErrorRate,
		Uptime:       latest.Uptime,
	}, nil
}

// TestDevice performs a connectivity test against a live device
func (ds *DeviceService) TestDevice(ctx context.Context, deviceID string) (*TestResult, error) {
	drv, err := ds.Driver(deviceID)
	if err != nil {
		return &TestResult{
			Success:      false,
			ErrorMessage: err.Error(),
		}, nil
	}

	startTime := time.Now()

	testCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := drv.Ping(testCtx); err != nil {
		return &TestResult{
			Success:      false,
			ErrorMessage: err.Error(),
			Duration:     time.Since(startTime).String(),
		}, nil
	}

	deviceInfo, err := drv.GetDeviceInfo()
	if err != nil {
		ds.logger.Warn("Failed to get device info during test",
			zap.String("device_id", deviceID),
			zap.Error(err),
		)
	}

	return &TestResult{
		Success:    true,
		Duration:   time.Since(startTime).String(),
		DeviceInfo: deviceInfo,
	}, nil
}

// Health monitoring

func (ds *DeviceService) startHealthMonitoring() {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if ds.healthCancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	ds.healthCancel = cancel
	ds.healthDone = make(chan struct{})
	go ds.healthLoop(ctx, ds.healthDone)
}

func (ds *DeviceService) stopHealthMonitoring() {
	ds.mu.Lock()
	cancel := ds.healthCancel
	done := ds.healthDone
	ds.healthCancel = nil
	ds.healthDone = nil
	ds.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// healthLoop pings every live device on the configured interval and
// persists the driver health metrics
func (ds *DeviceService) healthLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	interval := ds.config.Device.HealthCheckInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ds.checkDevices(ctx)
		}
	}
}

func (ds *DeviceService) checkDevices(ctx context.Context) {
	ds.mu.RLock()
	drivers := make(map[string]driver.DeviceDriver, len(ds.drivers))
	devices := make(map[string]*model.Device, len(ds.devices))
	for name, drv := range ds.drivers {
		drivers[name] = drv
		devices[name] = ds.devices[name]
	}
	ds.mu.RUnlock()

	for name, drv := range drivers {
		device := devices[name]
		deviceLogger := utils.NewDeviceLogger(ds.logger.Logger, name, string(device.DeviceType), string(device.Brand))

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := drv.Ping(pingCtx)
		cancel()

		if err != nil {
			deviceLogger.Warn("Device ping failed", zap.Error(err))
			if updateErr := ds.deviceRepo.UpdateStatus(ctx, device.ID, model.DeviceStatusError); updateErr != nil {
				deviceLogger.Error("Failed to update device status", zap.Error(updateErr))
			}
			continue
		}

		now := time.Now()
		if err := ds.deviceRepo.UpdateLastPing(ctx, device.ID, now); err != nil {
			deviceLogger.Error("Failed to update last ping", zap.Error(err))
		}
		if device.Status != model.DeviceStatusOnline {
			if err := ds.deviceRepo.UpdateStatus(ctx, device.ID, model.DeviceStatusOnline); err == nil {
				device.Status = model.DeviceStatusOnline
			}
		}

		metrics, err := drv.GetHealthMetrics()
		if err != nil {
			continue
		}

		responseTime := int(metrics.ResponseTime.Milliseconds())
		errorRate := 1.0 - metrics.SuccessRate
		health := &model.DeviceHealth{
			DeviceID:      device.ID,
			HealthScore:   metrics.HealthScore,
			ResponseTime:  &responseTime,
			ErrorRate:     &errorRate,
			Uptime:        &metrics.UptimePercent,
			LastErrorTime: metrics.LastErrorTime,
			RecordedAt:    now,
		}
		if err := ds.deviceRepo.CreateHealthLog(ctx, health); err != nil {
			deviceLogger.Error("Failed to persist health log", zap.Error(err))
		}
	}
}

// Helpers

func (ds *DeviceService) updateDeviceError(ctx context.Context, device *model.Device, err error) {
	device.Status = model.DeviceStatusError
	device.ErrorInfo = model.JSONObject{
		"last_error":     err.Error(),
		"error_time":     time.Now(),
		"critical_error": true,
	}

	if updateErr := ds.deviceRepo.Update(ctx, device); updateErr != nil {
		ds.logger.Error("Failed to update device error", zap.Error(updateErr))
	}
}

func capabilitiesToJSON(capabilities []model.Capability) model.JSONArray {
	arr := make(model.JSONArray, 0, len(capabilities))
	for _, c := range capabilities {
		arr = append(arr, string(c))
	}
	return arr
}

// Data Transfer Objects

// DeviceFilter represents device listing filters
type DeviceFilter struct {
	TerminalID *uuid.UUID          `json:"terminal_id,omitempty"`
	DeviceType *model.DeviceType   `json:"device_type,omitempty"`
	Brand      *model.DeviceBrand  `json:"brand,omitempty"`
	Status     *model.DeviceStatus `json:"status,omitempty"`
	Location   *string             `json:"location,omitempty"`
	Page       int                 `json:"page"`
	PerPage    int                 `json:"per_page"`
	SortBy     string              `json:"sort_by"`
	SortOrder  string              `json:"sort_order"`
}

// toRepoFilter converts to repository filter
func (df *DeviceFilter) toRepoFilter() *repository.DeviceFilter {
	return &repository.DeviceFilter{
		TerminalID: df.TerminalID,
		DeviceType: df.DeviceType,
		Brand:      df.Brand,
		Status:     df.Status,
		Location:   df.Location,
		Page:       df.Page,
		PerPage:    df.PerPage,
		SortBy:     df.SortBy,
		SortOrder:  df.SortOrder,
	}
}

// PaginationResult represents pagination information
type PaginationResult struct {
	Total      int `json:"total"`
	Page       int `json:"page"`
	PerPage    int `json:"per_page"`
	TotalPages int `json:"total_pages"`
}

// DeviceHealth represents device health information
type DeviceHealth struct {
	DeviceID     string     `json:"device_id"`
	HealthScore  int        `json:"health_score"`
	Status       string     `json:"status"`
	LastCheck    *time.Time `json:"last_check,omitempty"`
	ResponseTime *int       `json:"response_time,omitempty"`
	ErrorRate    *float64   `json:"error_rate,omitempty"`
	Uptime       *float64   `json:"uptime,omitempty"`
}

// TestResult represents device test result
type TestResult struct {
	Success      bool               `json:"success"`
	Duration     string             `json:"duration"`
	ErrorMessage string             `json:"error_message,omitempty"`
	DeviceInfo   *driver.DeviceInfo `json:"device_info,omitempty"`
}
