// internal/driver/registry_init.go
package driver

import (
	"go.uber.org/zap"

	"cash-device-service/internal/driver/cashcode"
	"cash-device-service/internal/driver/nri"
	"cash-device-service/internal/driver/puloon"
	"cash-device-service/internal/model"
)

// RegisterDefaultDrivers registers all default device drivers
func RegisterDefaultDrivers(registry *Registry, logger *zap.Logger) {
	registerCashCodeDrivers(registry, logger)
	registerPuloonDrivers(registry, logger)
	registerNRIDrivers(registry, logger)
}

// registerCashCodeDrivers registers CashCode bill validator drivers.
// All models speak the same CCNET dialect, so one factory covers the
// family.
func registerCashCodeDrivers(registry *Registry, logger *zap.Logger) {
	models := []string{"SM", "MSM", "GX", "MVU", "FLS", "*"}
	for _, validatorModel := range models {
		registry.Register(
			model.BrandCashCode,
			model.DeviceTypeBillValidator,
			validatorModel,
			cashcode.NewCashCodeDriver,
		)
	}

	logger.Info("CashCode bill validator drivers registered",
		zap.Int("models", len(models)),
	)
}

// registerPuloonDrivers registers Puloon bill dispenser drivers
func registerPuloonDrivers(registry *Registry, logger *zap.Logger) {
	models := []string{"LCDM-1000", "LCDM-2000", "LCDM-4000", "*"}
	for _, dispenserModel := range models {
		registry.Register(
			model.BrandPuloon,
			model.DeviceTypeBillDispenser,
			dispenserModel,
			puloon.NewPuloonDriver,
		)
	}

	logger.Info("Puloon bill dispenser drivers registered",
		zap.Int("models", len(models)),
	)
}

// registerNRIDrivers registers NRI coin acceptor drivers
func registerNRIDrivers(registry *Registry, logger *zap.Logger) {
	models := []string{"G-13.mft", "Pelicano", "currenza c2", "*"}
	for _, acceptorModel := range models {
		registry.Register(
			model.BrandNRI,
			model.DeviceTypeCoinAcceptor,
			acceptorModel,
			nri.NewNRIDriver,
		)
	}

	logger.Info("NRI coin acceptor drivers registered",
		zap.Int("models", len(models)),
	)
}
