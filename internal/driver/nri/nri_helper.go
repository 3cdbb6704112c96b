// internal/driver/nri/nri_helper.go
package nri

import (
	"fmt"
	"strconv"
	"time"

	"cash-device-service/internal/model"
)

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

// parseNRIConfig builds the driver configuration from device record
// plus connection config
func parseNRIConfig(device *model.Device, connConfig map[string]interface{}) (*NRIConfig, error) {
	return parseNRIConfigMap(device.DeviceID, device.Model, device.ConnectionType, connConfig)
}

func parseNRIConfigMap(deviceID, deviceModel string, connType model.ConnectionType, connConfig map[string]interface{}) (*NRIConfig, error) {
	config := &NRIConfig{
		DeviceID:         deviceID,
		Model:            deviceModel,
		ConnectionType:   connType,
		ConnectionConfig: connConfig,
		DeviceAddress:    DefaultDeviceAddress,
		PollInterval:     200 * time.Millisecond,
		ResponseTimeout:  200 * time.Millisecond,
	}

	if v, ok := connConfig["device_address"]; ok {
		switch n := v.(type) {
		case float64:
			config.DeviceAddress = byte(n)
		case int:
			config.DeviceAddress = byte(n)
		}
	}
	if v, ok := connConfig["poll_interval"].(string); ok {
		dur, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid poll_interval: %w", err)
		}
		config.PollInterval = dur
	}
	if v, ok := connConfig["response_timeout"].(string); ok {
		dur, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid response_timeout: %w", err)
		}
		config.ResponseTimeout = dur
	}

	if v, ok := connConfig["coin_values"]; ok {
		values, err := parseCoinValues(v)
		if err != nil {
			return nil, err
		}
		config.CoinValues = values
	}

	return config, nil
}

// parseCoinValues parses a coin channel to value mapping, e.g.
// {"10": 100, "16": 1000}
func parseCoinValues(raw interface{}) (map[byte]model.Money, error) {
	var entries map[string]interface{}
	switch v := raw.(type) {
	case map[string]interface{}:
		entries = v
	case model.JSONObject:
		entries = map[string]interface{}(v)
	default:
		return nil, fmt.Errorf("invalid coin_values type: %T", raw)
	}

	values := make(map[byte]model.Money, len(entries))
	for key, rawValue := range entries {
		channel, err := strconv.ParseUint(key, 10, 8)
		if err != nil {
			return nil, fmt.Errorf("invalid coin channel %q: %w", key, err)
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
			return nil, fmt.Errorf("invalid coin value for %q: %T", key, rawValue)
		}

		values[byte(channel)] = model.Money(value)
	}

	return values, nil
}

// getNRICapabilities returns coin acceptor capabilities
func getNRICapabilities() []model.Capability {
	return []model.Capability{
		model.CapabilityAcceptCoins,
		model.CapabilityStatus,
		model.CapabilityIdentify,
	}
}
