// internal/discovery/serial/scanner.go
package serial

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.bug.st/serial"
	"go.uber.org/zap"

	"cash-device-service/internal/ccnet"
	"cash-device-service/internal/discovery"
	"cash-device-service/internal/driver/nri"
	"cash-device-service/internal/driver/puloon"
	"cash-device-service/internal/model"
)

// Scanner probes serial ports with the wire protocols the supported
// cash devices speak. A port that answers a protocol's poll frame is
// reported as that device type.
type Scanner struct {
	logger *zap.Logger
	config *Config
}

// Config for serial scanner
type Config struct {
	ProbeTimeout time.Duration `json:"probe_timeout"`
	BaudRate     int           `json:"baud_rate"`
	PortPatterns []string      `json:"port_patterns"`
}

// probe describes one protocol handshake to try on a port
type probe struct {
	brand       model.DeviceBrand
	deviceModel string
	deviceType  model.DeviceType
	request     []byte
	matches     func(resp []byte) bool
	confidence  float64
}

// NewScanner creates a new serial scanner
func NewScanner(logger *zap.Logger, config *Config) *Scanner {
	if config == nil {
		config = &Config{
			ProbeTimeout: 500 * time.Millisecond,
			BaudRate:     9600,
			PortPatterns: []string{"/dev/ttyS", "/dev/ttyUSB", "/dev/ttyACM", "/dev/ttyAMA", "COM"},
		}
	}

	return &Scanner{
		logger: logger.With(zap.String("scanner", "serial")),
		config: config,
	}
}

// GetScannerType returns scanner type
func (s *Scanner) GetScannerType() string {
	return "serial"
}

// IsAvailable checks if serial scanning is available
func (s *Scanner) IsAvailable() bool {
	return true
}

// Scan enumerates serial ports and probes each one
func (s *Scanner) Scan(ctx context.Context) ([]*discovery.DiscoveredDevice, error) {
	s.logger.Info("Starting serial port scan")

	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to get serial ports: %w", err)
	}

	filtered := s.filterPorts(ports)
	if len(filtered) == 0 {
		s.logger.Info("No matching serial ports found")
		return []*discovery.DiscoveredDevice{}, nil
	}

	probes, err := buildProbes()
	if err != nil {
		return nil, err
	}

	var discovered []*discovery.DiscoveredDevice
	for _, port := range filtered {
		select {
		case <-ctx.Done():
			return discovered, ctx.Err()
		default:
		}

		if device := s.probePort(port, probes); device != nil {
			discovered = append(discovered, device)
		}
	}

	s.logger.Info("Serial scan completed", zap.Int("devices_found", len(discovered)))
	return discovered, nil
}

// filterPorts keeps ports matching the configured name patterns
func (s *Scanner) filterPorts(ports []string) []string {
	var filtered []string
	for _, port := range ports {
		for _, pattern := range s.config.PortPatterns {
			if strings.HasPrefix(port, pattern) {
				filtered = append(filtered, port)
				break
			}
		}
	}
	return filtered
}

// buildProbes assembles the protocol handshakes, most specific first
func buildProbes() ([]probe, error) {
	ccnetPoll, err := ccnet.BuildFrame(ccnet.CmdPoll, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build probe frame: %w", err)
	}

	return []probe{
		{
			brand:       model.BrandCashCode,
			deviceModel: "SM",
			deviceType:  model.DeviceTypeBillValidator,
			request:     ccnetPoll,
			matches: func(resp []byte) bool {
				return len(resp) >= 2 && resp[0] == ccnet.Sync && resp[1] == ccnet.ValidatorAddr
			},
			confidence: 0.9,
		},
		{
			brand:       model.BrandPuloon,
			deviceModel: "LCDM-2000",
			deviceType:  model.DeviceTypeBillDispenser,
			request:     puloon.BuildPacket(puloon.CmdStatus, nil),
			matches: func(resp []byte) bool {
				// The dispenser leads with an ACK byte, the framed
				// response follows.
				return len(resp) > 0 && (resp[0] == 0x06 || resp[0] == 0x01)
			},
			confidence: 0.85,
		},
		{
			brand:       model.BrandNRI,
			deviceModel: "G-13.mft",
			deviceType:  model.DeviceTypeCoinAcceptor,
			request:     nri.BuildMessage(nri.DefaultDeviceAddress, nri.HostAddress, nri.HeaderSimplePoll, nil),
			matches: func(resp []byte) bool {
				_, err := nri.ParseReply(resp, nri.DefaultDeviceAddress)
				return err == nil
			},
			confidence: 0.85,
		},
	}, nil
}

// probePort tries each protocol handshake on the port and reports the
// first match
func (s *Scanner) probePort(portName string, probes []probe) *discovery.DiscoveredDevice {
	mode := &serial.Mode{
		BaudRate: s.config.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(portName, mode)
	if err != nil {
		s.logger.Debug("Port not accessible", zap.String("port", portName), zap.Error(err))
		return nil
	}
	defer port.Close()

	if err := port.SetReadTimeout(s.config.ProbeTimeout); err != nil {
		s.logger.Debug("Failed to set read timeout", zap.String("port", portName), zap.Error(err))
		return nil
	}

	for _, p := range probes {
		port.ResetInputBuffer()

		if _, err := port.Write(p.request); err != nil {
			s.logger.Debug("Probe write failed", zap.String("port", portName), zap.Error(err))
			return nil
		}

		buf := make([]byte, 64)
		n, err := port.Read(buf)
		if err != nil || n == 0 {
			continue
		}

		if p.matches(buf[:n]) {
			s.logger.Info("Device responded to probe",
				zap.String("port", portName),
				zap.String("brand", string(p.brand)),
				zap.String("device_type", string(p.deviceType)),
			)
			return &discovery.DiscoveredDevice{
				ConnectionType: model.ConnectionTypeSerial,
				ConnectionInfo: map[string]interface{}{
					"port":      portName,
					"baud_rate": s.config.BaudRate,
				},
				Brand:      p.brand,
				Model:      p.deviceModel,
				DeviceType: p.deviceType,
				Confidence: p.confidence,
				Location:   portName,
			}
		}
	}

	return nil
}
