// internal/discovery/usb/scanner.go
package usb

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/google/gousb"
	"go.uber.org/zap"

	"cash-device-service/internal/discovery"
	"cash-device-service/internal/model"
)

type deviceResult struct {
	device *discovery.DiscoveredDevice
	error  error
}

// Scanner implements USB device scanning
type Scanner struct {
	logger       *zap.Logger
	knownDevices *DeviceDatabase
	timeout      time.Duration
	config       *Config
}

// Config for USB scanner
type Config struct {
	ScanTimeout   time.Duration `json:"scan_timeout"`
	EnableDebug   bool          `json:"enable_debug"`
	SkipPermCheck bool          `json:"skip_permission_check"`
	MaxConcurrent int           `json:"max_concurrent"`
}

// NewScanner creates a new USB scanner
func NewScanner(logger *zap.Logger, config *Config) *Scanner {
	if config == nil {
		config = &Config{
			ScanTimeout:   10 * time.Second,
			EnableDebug:   false,
			MaxConcurrent: 5,
		}
	}

	return &Scanner{
		logger:       logger.With(zap.String("scanner", "usb")),
		knownDevices: NewDeviceDatabase(),
		timeout:      config.ScanTimeout,
		config:       config,
	}
}

// GetScannerType returns scanner type identifier
func (s *Scanner) GetScannerType() string {
	return "usb"
}

// IsAvailable checks if USB scanning is available on this system
func (s *Scanner) IsAvailable() bool {
	switch runtime.GOOS {
	case "windows":
		return true
	case "linux":
		return s.checkLinuxUSBAccess()
	case "darwin":
		return s.checkMacOSUSBAccess()
	default:
		s.logger.Warn("USB scanning support unknown for OS", zap.String("os", runtime.GOOS))
		return false
	}
}

// Scan performs USB device discovery
func (s *Scanner) Scan(ctx context.Context) ([]*discovery.DiscoveredDevice, error) {
	startTime := time.Now()
	s.logger.Info("Starting USB device scan")

	scanCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.preScanChecks(); err != nil {
		return nil, fmt.Errorf("pre-scan checks failed: %w", err)
	}

	usbCtx := gousb.NewContext()
	defer func() {
		if err := usbCtx.Close(); err != nil {
			s.logger.Warn("Failed to close USB context", zap.Error(err))
		}
	}()

	s.configureUSBContext(usbCtx)

	discovered, err := s.enumerateAndProcessDevices(scanCtx, usbCtx)
	if err != nil {
		return nil, fmt.Errorf("device enumeration failed: %w", err)
	}

	processed := s.postProcessDevices(discovered)

	s.logger.Info("USB scan completed",
		zap.Int("devices_found", len(processed)),
		zap.Duration("scan_duration", time.Since(startTime)),
	)

	return processed, nil
}

// preScanChecks performs pre-scan validation
func (s *Scanner) preScanChecks() error {
	testCtx := gousb.NewContext()
	defer testCtx.Close()

	// Enumerate without opening anything to verify access
	_, err := testCtx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return false
	})

	if err != nil {
		s.logger.Error("USB subsystem access test failed", zap.Error(err))
		return fmt.Errorf("USB subsystem not accessible: %w", err)
	}

	return nil
}

// configureUSBContext sets up USB context with appropriate settings
func (s *Scanner) configureUSBContext(ctx *gousb.Context) {
	debugLevel := 0
	if s.config.EnableDebug {
		debugLevel = 3
	}
	ctx.Debug(debugLevel)

	s.logger.Debug("USB context configured", zap.Int("debug_level", debugLevel))
}

// enumerateAndProcessDevices handles the main enumeration and processing loop
func (s *Scanner) enumerateAndProcessDevices(ctx context.Context, usbCtx *gousb.Context) ([]*discovery.DiscoveredDevice, error) {
	devices, err := usbCtx.OpenDevices(s.createDeviceFilter())
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate USB devices: %w", err)
	}
	defer s.closeAllDevices(devices)

	s.logger.Info("Found USB devices to examine", zap.Int("device_count", len(devices)))

	return s.processDevicesConcurrently(ctx, devices)
}

// createDeviceFilter returns a device filter function
func (s *Scanner) createDeviceFilter() func(*gousb.DeviceDesc) bool {
	return func(desc *gousb.DeviceDesc) bool {
		// Cash devices identify either directly or through a serial
		// bridge chip, never through a device class, so only known
		// vendors are worth opening.
		if s.knownDevices.IsKnownVendor(desc.Vendor) {
			s.logger.Debug("Found known vendor device",
				zap.String("vendor_id", fmt.Sprintf("0x%04X", desc.Vendor)),
				zap.String("product_id", fmt.Sprintf("0x%04X", desc.Product)),
			)
			return true
		}
		return false
	}
}

// processDevicesConcurrently processes devices with controlled concurrency
func (s *Scanner) processDevicesConcurrently(ctx context.Context, devices []*gousb.Device) ([]*discovery.DiscoveredDevice, error) {
	if len(devices) == 0 {
		return []*discovery.DiscoveredDevice{}, nil
	}

	maxWorkers := s.config.MaxConcurrent
	if maxWorkers <= 0 {
		maxWorkers = 5
	}

	deviceChan := make(chan *gousb.Device, len(devices))
	resultChan := make(chan deviceResult, len(devices))

	for i := 0; i < maxWorkers; i++ {
		go s.deviceWorker(ctx, deviceChan, resultChan)
	}

	for _, device := range devices {
		select {
		case deviceChan <- device:
		case <-ctx.Done():
			close(deviceChan)
			return nil, ctx.Err()
		}
	}
	close(deviceChan)

	var discovered []*discovery.DiscoveredDevice
	for i := 0; i < len(devices); i++ {
		select {
		case result := <-resultChan:
			if result.error != nil {
				s.logger.Warn("Device processing failed", zap.Error(result.error))
			} else if result.device != nil {
				discovered = append(discovered, result.device)
			}
		case <-ctx.Done():
			return discovered, ctx.Err()
		}
	}

	return discovered, nil
}

// deviceWorker processes devices in worker pool
func (s *Scanner) deviceWorker(ctx context.Context, deviceChan <-chan *gousb.Device, resultChan chan<- deviceResult) {
	for {
		select {
		case device, ok := <-deviceChan:
			if !ok {
				return
			}

			resultChan <- deviceResult{
				device: s.processDevice(device),
				error:  nil,
			}

		case <-ctx.Done():
			return
		}
	}
}

// processDevice examines a single USB device and creates DiscoveredDevice if applicable
func (s *Scanner) processDevice(device *gousb.Device) *discovery.DiscoveredDevice {
	desc := device.Desc
	if desc == nil {
		s.logger.Warn("Device descriptor is nil")
		return nil
	}

	s.logger.Debug("Processing USB device",
		zap.String("vendor_id", fmt.Sprintf("0x%04X", desc.Vendor)),
		zap.String("product_id", fmt.Sprintf("0x%04X", desc.Product)),
	)

	vendorInfo := s.knownDevices.GetVendorInfo(desc.Vendor)
	if vendorInfo == nil {
		return nil
	}

	productInfo := vendorInfo.GetProductInfo(desc.Product)
	if productInfo == nil {
		productInfo = vendorInfo.Fallback
	}
	if productInfo == nil {
		s.logger.Debug("No product match for known vendor",
			zap.String("vendor_id", fmt.Sprintf("0x%04X", desc.Vendor)),
			zap.String("product_id", fmt.Sprintf("0x%04X", desc.Product)),
		)
		return nil
	}

	return &discovery.DiscoveredDevice{
		ConnectionType: model.ConnectionTypeUSB,
		ConnectionInfo: s.createUSBConnectionInfo(desc),
		Brand:          vendorInfo.Brand,
		Model:          productInfo.Model,
		DeviceType:     productInfo.DeviceType,
		Capabilities:   productInfo.Capabilities,
		Confidence:     productInfo.Confidence,
		SerialNumber:   s.getSerialNumber(device),
		Location:       s.createLocationString(desc),
	}
}

// createUSBConnectionInfo creates connection configuration for USB device
func (s *Scanner) createUSBConnectionInfo(desc *gousb.DeviceDesc) map[string]interface{} {
	return map[string]interface{}{
		"vendor_id":      fmt.Sprintf("0x%04X", desc.Vendor),
		"product_id":     fmt.Sprintf("0x%04X", desc.Product),
		"bus":            desc.Bus,
		"address":        desc.Address,
		"device_version": fmt.Sprintf("%d.%02d", desc.Device>>8, desc.Device&0xFF),
		"usb_version":    fmt.Sprintf("%d.%02d", desc.Spec>>8, desc.Spec&0xFF),
		"timeout":        5000,
	}
}

// getSerialNumber attempts to retrieve device serial number
func (s *Scanner) getSerialNumber(device *gousb.Device) string {
	serialNumber, err := device.SerialNumber()
	if err == nil {
		if trimmed := strings.TrimSpace(serialNumber); trimmed != "" {
			return trimmed
		}
	}

	// Fallback to synthetic serial number
	return fmt.Sprintf("USB-%04X%04X-%d", device.Desc.Vendor, device.Desc.Product, device.Desc.Address)
}

// createLocationString creates a location identifier for the device
func (s *Scanner) createLocationString(desc *gousb.DeviceDesc) string {
	return fmt.Sprintf("USB-Bus%d-Port%d", desc.Bus, desc.Address)
}

// closeAllDevices safely closes all opened USB devices
func (s *Scanner) closeAllDevices(devices []*gousb.Device) {
	for i, device := range devices {
		if device != nil {
			if err := device.Close(); err != nil {
				s.logger.Warn("Failed to close USB device",
					zap.Int("device_index", i),
					zap.Error(err),
				)
			}
		}
	}
}

// postProcessDevices removes duplicates and orders by confidence
func (s *Scanner) postProcessDevices(devices []*discovery.DiscoveredDevice) []*discovery.DiscoveredDevice {
	seen := make(map[string]bool)
	var unique []*discovery.DiscoveredDevice

	for _, device := range devices {
		key := s.createDeviceKey(device)
		if !seen[key] {
			seen[key] = true
			unique = append(unique, device)
		} else {
			s.logger.Debug("Removing duplicate device", zap.String("key", key))
		}
	}

	for i := 0; i < len(unique)-1; i++ {
		for j := i + 1; j < len(unique); j++ {
			if unique[i].Confidence < unique[j].Confidence {
				unique[i], unique[j] = unique[j], unique[i]
			}
		}
	}

	return unique
}

// createDeviceKey creates a unique key for device deduplication
func (s *Scanner) createDeviceKey(device *discovery.DiscoveredDevice) string {
	vendorID, _ := device.ConnectionInfo["vendor_id"].(string)
	productID, _ := device.ConnectionInfo["product_id"].(string)
	return fmt.Sprintf("%s:%s:%s", vendorID, productID, device.SerialNumber)
}

// checkLinuxUSBAccess checks USB access on Linux
func (s *Scanner) checkLinuxUSBAccess() bool {
	// Access usually requires root or membership in plugdev
	testCtx := gousb.NewContext()
	defer testCtx.Close()
	return true
}

// checkMacOSUSBAccess checks USB access on macOS
func (s *Scanner) checkMacOSUSBAccess() bool {
	if s.config.SkipPermCheck {
		return true
	}

	s.logger.Warn("USB scanning on macOS may require additional permissions")
	return true
}
