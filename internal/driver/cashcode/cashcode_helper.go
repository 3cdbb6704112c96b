// internal/driver/cashcode/cashcode_helper.go
package cashcode

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"cash-device-service/internal/ccnet"
	"cash-device-service/internal/model"
)

// CashCodeConfig represents CashCode validator configuration
type CashCodeConfig struct {
	DeviceID  string       `json:"device_id"`
	Model     string       `json:"model"`
	Validator ccnet.Config `json:"validator"`
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

// parseCashCodeConfig builds the driver configuration from device
// record plus connection config
func parseCashCodeConfig(device *model.Device, connConfig map[string]interface{}) (*CashCodeConfig, error) {
	return parseCashCodeConfigMap(device.DeviceID, device.Model, connConfig)
}

func parseCashCodeConfigMap(deviceID, deviceModel string, connConfig map[string]interface{}) (*CashCodeConfig, error) {
	config := &CashCodeConfig{
		DeviceID: deviceID,
		Model:    deviceModel,
		Validator: ccnet.Config{
			AutoStack: true,
		},
	}

	if v, ok := connConfig["poll_interval"].(string); ok {
		dur, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid poll_interval: %w", err)
		}
		config.Validator.PollInterval = dur
	}
	if v, ok := connConfig["escrow_timeout"].(string); ok {
		dur, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid escrow_timeout: %w", err)
		}
		config.Validator.EscrowTimeout = dur
	}
	if v, ok := connConfig["response_timeout"].(string); ok {
		dur, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid response_timeout: %w", err)
		}
		config.Validator.ResponseTimeout = dur
	}
	if v, ok := connConfig["retry_limit"]; ok {
		switch n := v.(type) {
		case float64:
			config.Validator.RetryLimit = int(n)
		case int:
			config.Validator.RetryLimit = n
		}
	}
	if v, ok := connConfig["auto_stack"].(bool); ok {
		config.Validator.AutoStack = v
	}

	if v, ok := connConfig["denominations"]; ok {
		table, err := parseDenominations(v)
		if err != nil {
			return nil, err
		}
		config.Validator.Denominations = table
	}

	return config, nil
}

// parseDenominations parses a hex bill type code to value mapping,
// e.g. {"0x04": 10000}
func parseDenominations(raw interface{}) (ccnet.DenominationTable, error) {
	var entries map[string]interface{}
	switch v := raw.(type) {
	case map[string]interface{}:
		entries = v
	case model.JSONObject:
		entries = map[string]interface{}(v)
	default:
		return nil, fmt.Errorf("invalid denominations type: %T", raw)
	}

	table := make(ccnet.DenominationTable, len(entries))
	for key, rawValue := range entries {
		codeStr := strings.TrimPrefix(strings.ToLower(key), "0x")
		code, err := strconv.ParseUint(codeStr, 16, 8)
		if err != nil {
			return nil, fmt.Errorf("invalid denomination code %q: %w", key, err)
		}

		var value int64
		switch n := rawValue.(type) {
		case float64:
			value = int64(n)
		case int:
			value = int64(n)
		case int64:
			value = n
		default:
			return nil, fmt.Errorf("invalid denomination value for %q: %T", key, rawValue)
		}

		table[byte(code)] = model.Money(value)
	}

	return table, nil
}

// getCashCodeCapabilities returns validator capabilities
func getCashCodeCapabilities() []model.Capability {
	return []model.Capability{
		model.CapabilityAcceptBills,
		model.CapabilityEscrow,
		model.CapabilityStatus,
		model.CapabilityIdentify,
	}
}

// mapDeviceStatus maps a validator session state to the service
// device status
func mapDeviceStatus(state ccnet.DeviceState, connected bool) model.DeviceStatus {
	if !connected || state == ccnet.StateDisconnected {
		return model.DeviceStatusOffline
	}

	switch state {
	case ccnet.StateInitializing:
		return model.DeviceStatusConnecting
	case ccnet.StateJammed, ccnet.StateError,
		ccnet.StateCassetteFull, ccnet.StateCassetteRemoved:
		return model.DeviceStatusError
	default:
		return model.DeviceStatusOnline
	}
}
