// internal/service/discovery_service.go
package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"cash-device-service/internal/config"
	"cash-device-service/internal/discovery"
	"cash-device-service/internal/discovery/serial"
	"cash-device-service/internal/discovery/tcp"
	"cash-device-service/internal/discovery/usb"
	"cash-device-service/internal/driver"
	"cash-device-service/internal/model"
	"cash-device-service/internal/utils"
	"cash-device-service/pkg/devicetypes"
)

// DiscoveryService scans the machine for attached cash devices and
// reports what the installed drivers can operate
type DiscoveryService struct {
	driverRegistry *driver.Registry
	scannerManager *discovery.ScannerManager
	config         *config.Config
	logger         *utils.ServiceLogger
}

// NewDiscoveryService creates a new discovery service
func NewDiscoveryService(
	driverRegistry *driver.Registry,
	config *config.Config,
	logger *zap.Logger,
) *DiscoveryService {
	serviceLogger := utils.NewServiceLogger(logger, "discovery-service")

	ds := &DiscoveryService{
		driverRegistry: driverRegistry,
		scannerManager: discovery.NewScannerManager(logger),
		config:         config,
		logger:         serviceLogger,
	}

	ds.initializeScanners()

	return ds
}

// initializeScanners registers all available scanners
func (ds *DiscoveryService) initializeScanners() {
	if serialScanner := serial.NewScanner(ds.logger.Logger, nil); serialScanner.IsAvailable() {
		ds.scannerManager.RegisterScanner(serialScanner)
	}

	if usbScanner := usb.NewScanner(ds.logger.Logger, nil); usbScanner.IsAvailable() {
		ds.scannerManager.RegisterScanner(usbScanner)
	}

	if tcpScanner := tcp.NewScanner(ds.logger.Logger, nil); tcpScanner.IsAvailable() {
		ds.scannerManager.RegisterScanner(tcpScanner)
	}

	ds.logger.Info("Discovery scanners initialized",
		zap.Strings("available_scanners", ds.scannerManager.GetAvailableScanners()),
	)
}

// ScanDevices scans for available devices
func (ds *DiscoveryService) ScanDevices(ctx context.Context, req *ScanRequest) ([]*DiscoveredDevice, error) {
	ds.logger.Info("Starting device scan", zap.String("type", req.ScanType))

	var devices []*discovery.DiscoveredDevice
	var err error

	switch req.ScanType {
	case "all":
		devices, err = ds.scannerManager.ScanAll(ctx)
	case "serial", "usb", "tcp":
		devices, err = ds.scannerManager.ScanByType(ctx, req.ScanType)
	default:
		return nil, fmt.Errorf("unsupported scan type: %s", req.ScanType)
	}

	if err != nil {
		return nil, fmt.Errorf("scan failed: %w", err)
	}

	result := make([]*DiscoveredDevice, len(devices))
	for i, device := range devices {
		result[i] = ds.convertToServiceDTO(device)
	}

	ds.logger.Info("Device scan completed",
		zap.Int("devices_found", len(result)),
		zap.String("scan_type", req.ScanType),
	)

	return result, nil
}

// convertToServiceDTO converts discovery device to service DTO
func (ds *DiscoveryService) convertToServiceDTO(device *discovery.DiscoveredDevice) *DiscoveredDevice {
	capabilities := device.Capabilities
	if len(capabilities) == 0 {
		capabilities = devicetypes.DeviceCapabilities[string(device.DeviceType)]
	}

	return &DiscoveredDevice{
		ConnectionType: device.ConnectionType,
		ConnectionInfo: device.ConnectionInfo,
		Brand:          device.Brand,
		Model:          device.Model,
		DeviceType:     device.DeviceType,
		Capabilities:   capabilities,
		Confidence:     device.Confidence,
		SerialNumber:   device.SerialNumber,
		Location:       device.Location,
		Supported:      ds.driverRegistry.IsSupported(device.Brand, device.DeviceType, device.Model),
	}
}

// GetSupportedDevices returns list of supported devices
func (ds *DiscoveryService) GetSupportedDevices() *SupportedDevicesResponse {
	drivers := ds.driverRegistry.ListDrivers()

	deviceMap := make(map[string]map[string][]string)

	for _, driverKey := range drivers {
		brandStr := string(driverKey.Brand)
		typeStr := string(driverKey.DeviceType)

		if deviceMap[brandStr] == nil {
			deviceMap[brandStr] = make(map[string][]string)
		}

		if deviceMap[brandStr][typeStr] == nil {
			deviceMap[brandStr][typeStr] = []string{}
		}

		if driverKey.Model != "*" {
			deviceMap[brandStr][typeStr] = append(deviceMap[brandStr][typeStr], driverKey.Model)
		}
	}

	return &SupportedDevicesResponse{
		TotalBrands:  len(deviceMap),
		Devices:      deviceMap,
		Capabilities: devicetypes.DeviceCapabilities,
	}
}

// GetDeviceCapabilities returns capabilities for a specific device type
func (ds *DiscoveryService) GetDeviceCapabilities(deviceType string) ([]string, error) {
	if caps, exists := devicetypes.DeviceCapabilities[deviceType]; exists {
		return caps, nil
	}

	return nil, fmt.Errorf("device type not supported: %s", deviceType)
}

// DTOs for Discovery Service

// ScanRequest represents device scan request
type ScanRequest struct {
	ScanType string `json:"scan_type"` // all, serial, usb, tcp
	Timeout  string `json:"timeout"`
}

// DiscoveredDevice represents a discovered device
type DiscoveredDevice struct {
	ConnectionType model.ConnectionType   `json:"connection_type"`
	ConnectionInfo map[string]interface{} `json:"connection_info"`
	Brand          model.DeviceBrand      `json:"brand"`
	Model          string                 `json:"model"`
	DeviceType     model.DeviceType       `json:"device_type"`
	Capabilities   []string               `json:"capabilities"`
	Confidence     float64                `json:"confidence"` // 0.0-1.0
	SerialNumber   string                 `json:"serial_number,omitempty"`
	Location       string                 `json:"location,omitempty"`
	Supported      bool                   `json:"supported"`
}

// SupportedDevicesResponse represents supported devices response
type SupportedDevicesResponse struct {
	TotalBrands  int                            `json:"total_brands"`
	Devices      map[string]map[string][]string `json:"devices"`
	Capabilities map[string][]string            `json:"capabilities"`
}
