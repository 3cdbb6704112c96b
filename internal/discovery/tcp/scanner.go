// internal/discovery/tcp/scanner.go
package tcp

import (
	"context"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"cash-device-service/internal/discovery"
	"cash-device-service/internal/model"
)

// Scanner probes serial device servers that expose cash devices over
// TCP. Each configured endpoint that accepts a connection is reported
// as a candidate serial bridge.
type Scanner struct {
	logger  *zap.Logger
	config  *Config
	timeout time.Duration
}

// Config for TCP scanner
type Config struct {
	ScanTimeout time.Duration `json:"scan_timeout"`
	Hosts       []string      `json:"hosts"`
	Ports       []int         `json:"ports"`
	ConnTimeout time.Duration `json:"connection_timeout"`
}

// NewScanner creates a new TCP scanner
func NewScanner(logger *zap.Logger, config *Config) *Scanner {
	if config == nil {
		config = &Config{
			ScanTimeout: 30 * time.Second,
			Hosts:       nil,
			// Default raw-serial ports of Moxa NPort style device servers
			Ports:       []int{4001, 4002},
			ConnTimeout: 2 * time.Second,
		}
	}

	return &Scanner{
		logger:  logger.With(zap.String("scanner", "tcp")),
		config:  config,
		timeout: config.ScanTimeout,
	}
}

// GetScannerType returns scanner type
func (s *Scanner) GetScannerType() string {
	return "tcp"
}

// IsAvailable reports whether any endpoints are configured
func (s *Scanner) IsAvailable() bool {
	return len(s.config.Hosts) > 0
}

// Scan dials each configured endpoint and reports the reachable ones
func (s *Scanner) Scan(ctx context.Context) ([]*discovery.DiscoveredDevice, error) {
	s.logger.Info("Starting TCP endpoint scan", zap.Int("host_count", len(s.config.Hosts)))

	scanCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var discovered []*discovery.DiscoveredDevice
	for _, host := range s.config.Hosts {
		for _, port := range s.config.Ports {
			select {
			case <-scanCtx.Done():
				return discovered, scanCtx.Err()
			default:
			}

			if device := s.probeEndpoint(scanCtx, host, port); device != nil {
				discovered = append(discovered, device)
			}
		}
	}

	s.logger.Info("TCP scan completed", zap.Int("devices_found", len(discovered)))
	return discovered, nil
}

// probeEndpoint dials one endpoint and builds a candidate on success
func (s *Scanner) probeEndpoint(ctx context.Context, host string, port int) *discovery.DiscoveredDevice {
	address := net.JoinHostPort(host, fmt.Sprintf("%d", port))

	dialer := &net.Dialer{Timeout: s.config.ConnTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		s.logger.Debug("Endpoint not reachable", zap.String("address", address), zap.Error(err))
		return nil
	}
	conn.Close()

	s.logger.Info("Serial device server endpoint reachable", zap.String("address", address))

	// The endpoint only proves a listener, not which device sits
	// behind it, so confidence stays low until a protocol probe runs
	// over the bridge.
	return &discovery.DiscoveredDevice{
		ConnectionType: model.ConnectionTypeTCP,
		ConnectionInfo: map[string]interface{}{
			"host":    host,
			"port":    port,
			"timeout": int(s.config.ConnTimeout / time.Millisecond),
		},
		Brand:      model.BrandGeneric,
		Model:      "Serial Device Server",
		DeviceType: model.DeviceTypeBillValidator,
		Confidence: 0.2,
		Location:   address,
	}
}
