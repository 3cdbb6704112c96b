// pkg/devicetypes/types.go
package devicetypes

// Common device type definitions that can be used across the application

// ConnectionInfo represents device connection information
type ConnectionInfo struct {
	Type   string                 `json:"type"`
	Config map[string]interface{} `json:"config"`
}

// SerialConnectionInfo represents serial connection configuration
type SerialConnectionInfo struct {
	Port     string `json:"port"`
	BaudRate int    `json:"baud_rate"`
	DataBits int    `json:"data_bits"`
	StopBits int    `json:"stop_bits"`
	Parity   string `json:"parity"`
}

// USBConnectionInfo represents USB connection configuration
type USBConnectionInfo struct {
	VendorID  string `json:"vendor_id"`
	ProductID string `json:"product_id"`
	Interface int    `json:"interface"`
}

// TCPConnectionInfo represents TCP connection configuration
type TCPConnectionInfo struct {
	Host string `json:"host"`
	Port int    `json:"port"`
	SSL  bool   `json:"ssl"`
}

// DeviceCapabilities defines standard device capabilities
var DeviceCapabilities = map[string][]string{
	"BILL_VALIDATOR": {
		"ACCEPT_BILLS", "ESCROW", "STATUS", "IDENTIFY",
	},
	"BILL_DISPENSER": {
		"DISPENSE_BILLS", "PURGE", "STATUS",
	},
	"COIN_ACCEPTOR": {
		"ACCEPT_COINS", "STATUS",
	},
	"COIN_HOPPER": {
		"DISPENSE_COINS", "STATUS",
	},
}

// BrandModels defines supported models for each brand
var BrandModels = map[string][]string{
	"CASHCODE": {
		"SM", "MSM", "GX", "MVU", "FLS",
	},
	"PULOON": {
		"LCDM-1000", "LCDM-2000", "LCDM-4000",
	},
	"NRI": {
		"G-13.mft", "Pelicano", "currenza c2",
	},
	"ITL": {
		"NV9USB", "NV10USB", "NV200",
	},
}

// ErrorCodes defines standard error codes
var ErrorCodes = map[string]string{
	"CONNECTION_FAILED":     "Failed to connect to device",
	"OPERATION_TIMEOUT":     "Operation timed out",
	"DEVICE_BUSY":           "Device is busy",
	"BILL_JAM":              "Bill jam detected",
	"CASSETTE_FULL":         "Cassette is full",
	"CASSETTE_REMOVED":      "Cassette is removed",
	"CASSETTE_EMPTY":        "Cassette is out of bills",
	"REJECT_BIN_FULL":       "Reject bin is full",
	"BILL_VALIDATION_ERROR": "Bill could not be validated",
	"CHEAT_DETECTED":        "Manipulation attempt detected",
	"DISPENSE_ERROR":        "Failed to dispense bills",
	"INVALID_AMOUNT":        "Invalid payment amount",
	"UNSUPPORTED_OPERATION": "Operation not supported",
	"HARDWARE_ERROR":        "Hardware error",
	"CONFIGURATION_ERROR":   "Configuration error",
}

// Standard timeouts for different operations, in seconds
var DefaultTimeouts = map[string]int{
	"CONNECT":      30,
	"DISPENSE":     30,
	"PURGE":        30,
	"STACK":        10,
	"RETURN":       10,
	"STATUS_CHECK": 5,
}

// Health score calculation weights
var HealthWeights = map[string]float64{
	"response_time": 0.3,
	"success_rate":  0.4,
	"uptime":        0.2,
	"error_rate":    0.1,
}
