// internal/config/config.go
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Payment  PaymentConfig  `mapstructure:"payment"`
	Device   DeviceConfig   `mapstructure:"device"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	App      AppConfig      `mapstructure:"app"`
}

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Host           string        `mapstructure:"host" validate:"required"`
	Port           string        `mapstructure:"port" validate:"required"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	TLS            TLSConfig     `mapstructure:"tls"`
}

// TLSConfig represents TLS configuration
type TLSConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
}

// DatabaseConfig represents database configuration
type DatabaseConfig struct {
	Host         string        `mapstructure:"host" validate:"required"`
	Port         int           `mapstructure:"port" validate:"required"`
	User         string        `mapstructure:"user" validate:"required"`
	Password     string        `mapstructure:"password" validate:"required"`
	DBName       string        `mapstructure:"dbname" validate:"required"`
	SSLMode      string        `mapstructure:"sslmode"`
	MaxOpenConns int           `mapstructure:"max_open_conns"`
	MaxIdleConns int           `mapstructure:"max_idle_conns"`
	MaxLifetime  time.Duration `mapstructure:"max_lifetime"`
}

// RedisConfig represents Redis configuration. Redis carries the live
// cash counters and the pub/sub command channel to the orchestrator.
type RedisConfig struct {
	Host            string `mapstructure:"host" validate:"required"`
	Port            int    `mapstructure:"port" validate:"required"`
	Password        string `mapstructure:"password"`
	DB              int    `mapstructure:"db"`
	PoolSize        int    `mapstructure:"pool_size"`
	CommandChannel  string `mapstructure:"command_channel"`
	ResponseChannel string `mapstructure:"response_channel"`
}

// PaymentConfig represents payment orchestration configuration
type PaymentConfig struct {
	MaxBillCount      int           `mapstructure:"max_bill_count"`
	MinDispenserCount int           `mapstructure:"min_dispenser_count"`
	DispensePause     time.Duration `mapstructure:"dispense_pause"`
}

// DeviceConfig represents cash device configuration
type DeviceConfig struct {
	HealthCheckInterval time.Duration       `mapstructure:"health_check_interval"`
	BillAcceptor        BillAcceptorConfig  `mapstructure:"bill_acceptor"`
	BillDispenser       BillDispenserConfig `mapstructure:"bill_dispenser"`
	CoinAcceptor        CoinAcceptorConfig  `mapstructure:"coin_acceptor"`
}

// BillAcceptorConfig represents the CCNET bill validator configuration
type BillAcceptorConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Port            string        `mapstructure:"port"`
	BaudRate        int           `mapstructure:"baud_rate"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	EscrowTimeout   time.Duration `mapstructure:"escrow_timeout"`
	ResponseTimeout time.Duration `mapstructure:"response_timeout"`
	RetryLimit      int           `mapstructure:"retry_limit"`
	AutoStack       bool          `mapstructure:"auto_stack"`
	// Denominations overrides the built-in bill table: hex bill type
	// code (e.g. "0x04") to value in minor units.
	Denominations map[string]int64 `mapstructure:"denominations"`
}

// BillDispenserConfig represents the LCDM dispenser configuration
type BillDispenserConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Port     string `mapstructure:"port"`
	BaudRate int    `mapstructure:"baud_rate"`
	// Cassette denominations in minor units.
	UpperDenomination int64 `mapstructure:"upper_denomination"`
	LowerDenomination int64 `mapstructure:"lower_denomination"`
}

// CoinAcceptorConfig represents the ccTalk coin acceptor configuration
type CoinAcceptorConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Port         string        `mapstructure:"port"`
	BaudRate     int           `mapstructure:"baud_rate"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// CoinValues maps a device coin slot (decimal string key) to a
	// value in minor units.
	CoinValues map[string]int64 `mapstructure:"coin_values"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level      string `mapstructure:"level" validate:"required"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// AppConfig represents application metadata
type AppConfig struct {
	Name        string `mapstructure:"name" validate:"required"`
	Version     string `mapstructure:"version" validate:"required"`
	Environment string `mapstructure:"environment" validate:"required"`
	TerminalID  string `mapstructure:"terminal_id" validate:"required"`
	Debug       bool   `mapstructure:"debug"`
}

// Load loads configuration from file and environment variables
func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath("/etc/cash-device-service")

	// Environment variable support
	viper.SetEnvPrefix("CASH_SERVICE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Set defaults
	setDefaults()

	// Read config file
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Defaults plus environment are a complete configuration.
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	// Validate configuration
	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults() {
	// Server defaults
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", "8086")
	viper.SetDefault("server.read_timeout", "30s")
	viper.SetDefault("server.write_timeout", "30s")
	viper.SetDefault("server.idle_timeout", "120s")
	viper.SetDefault("server.tls.enabled", false)

	// Database defaults
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.user", "postgres")
	viper.SetDefault("database.password", "postgres")
	viper.SetDefault("database.dbname", "cash_device_service")
	viper.SetDefault("database.sslmode", "disable")
	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 5)
	viper.SetDefault("database.max_lifetime", "5m")

	// Redis defaults
	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.pool_size", 10)
	viper.SetDefault("redis.command_channel", "payment_system_cash_commands")
	viper.SetDefault("redis.response_channel", "payment_system_cash_commands_response")

	// Payment defaults
	viper.SetDefault("payment.max_bill_count", 1450)
	viper.SetDefault("payment.min_dispenser_count", 50)
	viper.SetDefault("payment.dispense_pause", "500ms")

	// Device defaults
	viper.SetDefault("device.health_check_interval", "10s")

	viper.SetDefault("device.bill_acceptor.enabled", true)
	viper.SetDefault("device.bill_acceptor.port", "/dev/ttyS0")
	viper.SetDefault("device.bill_acceptor.baud_rate", 9600)
	viper.SetDefault("device.bill_acceptor.poll_interval", "200ms")
	viper.SetDefault("device.bill_acceptor.escrow_timeout", "10s")
	viper.SetDefault("device.bill_acceptor.response_timeout", "500ms")
	viper.SetDefault("device.bill_acceptor.retry_limit", 3)
	viper.SetDefault("device.bill_acceptor.auto_stack", true)

	viper.SetDefault("device.bill_dispenser.enabled", true)
	viper.SetDefault("device.bill_dispenser.port", "/dev/ttyS1")
	viper.SetDefault("device.bill_dispenser.baud_rate", 9600)
	viper.SetDefault("device.bill_dispenser.upper_denomination", 10000)
	viper.SetDefault("device.bill_dispenser.lower_denomination", 5000)

	viper.SetDefault("device.coin_acceptor.enabled", true)
	viper.SetDefault("device.coin_acceptor.port", "/dev/ttyUSB0")
	viper.SetDefault("device.coin_acceptor.baud_rate", 9600)
	viper.SetDefault("device.coin_acceptor.poll_interval", "200ms")
	viper.SetDefault("device.coin_acceptor.coin_values", map[string]int64{
		"10": 100,
		"12": 200,
		"14": 500,
		"16": 1000,
	})

	// Logging defaults
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
	viper.SetDefault("logging.output", "stdout")
	viper.SetDefault("logging.max_size", 100)
	viper.SetDefault("logging.max_backups", 3)
	viper.SetDefault("logging.max_age", 28)
	viper.SetDefault("logging.compress", true)

	// App defaults
	viper.SetDefault("app.name", "cash-device-service")
	viper.SetDefault("app.version", "1.0.0")
	viper.SetDefault("app.environment", "development")
	viper.SetDefault("app.terminal_id", "terminal-001")
	viper.SetDefault("app.debug", false)
}

// validate validates the configuration
func validate(config *Config) error {
	// Basic validation
	if config.Server.Host == "" {
		return fmt.Errorf("server.host is required")
	}
	if config.Server.Port == "" {
		return fmt.Errorf("server.port is required")
	}
	if config.Database.Host == "" {
		return fmt.Errorf("database.host is required")
	}
	if config.App.TerminalID == "" {
		return fmt.Errorf("app.terminal_id is required")
	}
	if config.Payment.MaxBillCount < 0 {
		return fmt.Errorf("payment.max_bill_count must not be negative")
	}
	if config.Payment.MinDispenserCount < 0 {
		return fmt.Errorf("payment.min_dispenser_count must not be negative")
	}

	// Validate device serial settings
	for name, dev := range map[string]struct {
		enabled  bool
		port     string
		baudRate int
	}{
		"bill_acceptor":  {config.Device.BillAcceptor.Enabled, config.Device.BillAcceptor.Port, config.Device.BillAcceptor.BaudRate},
		"bill_dispenser": {config.Device.BillDispenser.Enabled, config.Device.BillDispenser.Port, config.Device.BillDispenser.BaudRate},
		"coin_acceptor":  {config.Device.CoinAcceptor.Enabled, config.Device.CoinAcceptor.Port, config.Device.CoinAcceptor.BaudRate},
	} {
		if !dev.enabled {
			continue
		}
		if dev.port == "" {
			return fmt.Errorf("device.%s.port is required when enabled", name)
		}
		if dev.baudRate <= 0 {
			return fmt.Errorf("device.%s.baud_rate must be positive", name)
		}
	}

	if config.Device.BillDispenser.Enabled {
		if config.Device.BillDispenser.UpperDenomination <= 0 ||
			config.Device.BillDispenser.LowerDenomination <= 0 {
			return fmt.Errorf("device.bill_dispenser cassette denominations must be positive")
		}
	}

	// Validate environment
	validEnvs := []string{"development", "staging", "production", "test"}
	isValidEnv := false
	for _, env := range validEnvs {
		if config.App.Environment == env {
			isValidEnv = true
			break
		}
	}
	if !isValidEnv {
		return fmt.Errorf("app.environment must be one of: %v", validEnvs)
	}

	// Validate logging level
	validLevels := []string{"debug", "info", "warn", "error", "fatal"}
	isValidLevel := false
	for _, level := range validLevels {
		if config.Logging.Level == level {
			isValidLevel = true
			break
		}
	}
	if !isValidLevel {
		return fmt.Errorf("logging.level must be one of: %v", validLevels)
	}

	return nil
}

// GetDatabaseDSN returns the database connection string
func (c *Config) GetDatabaseDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Database.Host, c.Database.Port, c.Database.User,
		c.Database.Password, c.Database.DBName, c.Database.SSLMode)
}

// GetRedisAddr returns the Redis address
func (c *Config) GetRedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// GetServerAddr returns the server address
func (c *Config) GetServerAddr() string {
	return fmt.Sprintf("%s:%s", c.Server.Host, c.Server.Port)
}

// IsProduction checks if the environment is production
func (c *Config) IsProduction() bool {
	return c.App.Environment == "production"
}

// IsDevelopment checks if the environment is development
func (c *Config) IsDevelopment() bool {
	return c.App.Environment == "development"
}

// IsDebugEnabled checks if debug mode is enabled
func (c *Config) IsDebugEnabled() bool {
	return c.App.Debug || c.IsDevelopment()
}
