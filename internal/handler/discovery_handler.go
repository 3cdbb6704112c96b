// internal/handler/discovery_handler.go
package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"cash-device-service/internal/service"
	"cash-device-service/internal/utils"
)

// DiscoveryHandler handles device discovery requests
type DiscoveryHandler struct {
	discoveryService *service.DiscoveryService
	logger           *utils.ServiceLogger
}

// NewDiscoveryHandler creates a new discovery handler
func NewDiscoveryHandler(discoveryService *service.DiscoveryService, logger *zap.Logger) *DiscoveryHandler {
	return &DiscoveryHandler{
		discoveryService: discoveryService,
		logger:           utils.NewServiceLogger(logger, "discovery-handler"),
	}
}

// RegisterRoutes registers discovery routes
func (h *DiscoveryHandler) RegisterRoutes(router *gin.RouterGroup) {
	discovery := router.Group("/discovery")
	{
		discovery.GET("/scan", h.ScanDevices)
		discovery.GET("/supported", h.GetSupportedDevices)
		discovery.GET("/capabilities/:type", h.GetCapabilities)
	}
}

// ScanDevices scans for available devices
// @Summary Scan for devices
// @Description Scan for attached cash devices on serial, USB or TCP connections
// @Tags Discovery
// @Accept json
// @Produce json
// @Param type query string false "Scan type" Enums(all, serial, usb, tcp) default(all)
// @Param timeout query string false "Scan timeout" default(30s)
// @Success 200 {object} utils.APIResponse{data=object{devices_found=int,devices=[]service.DiscoveredDevice}} "Device scan completed"
// @Failure 500 {object} utils.APIResponse "Scan failed"
// @Router /discovery/scan [get]
func (h *DiscoveryHandler) ScanDevices(c *gin.Context) {
	// Get scan parameters
	scanType := c.DefaultQuery("type", "all") // all, serial, usb, tcp
	timeout := c.DefaultQuery("timeout", "30s")

	req := &service.ScanRequest{
		ScanType: scanType,
		Timeout:  timeout,
	}

	devices, err := h.discoveryService.ScanDevices(c.Request.Context(), req)
	if err != nil {
		h.logger.Error("Failed to scan devices", zap.Error(err))
		utils.ErrorResponse(c, http.StatusInternalServerError, "Failed to scan devices", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Device scan completed", gin.H{
		"devices_found": len(devices),
		"devices":       devices,
	})
}

// GetSupportedDevices returns supported device models
// @Summary Get supported devices
// @Description Get list of all supported device brands and models
// @Tags Discovery
// @Accept json
// @Produce json
// @Success 200 {object} utils.APIResponse{data=service.SupportedDevicesResponse} "Supported devices retrieved"
// @Router /discovery/supported [get]
func (h *DiscoveryHandler) GetSupportedDevices(c *gin.Context) {
	supported := h.discoveryService.GetSupportedDevices()
	utils.SuccessResponse(c, http.StatusOK, "Supported devices retrieved", supported)
}

// GetCapabilities returns device capabilities
// @Summary Get device capabilities
// @Description Get capabilities for a specific device type
// @Tags Discovery
// @Accept json
// @Produce json
// @Param type path string true "Device type" Enums(BILL_VALIDATOR, BILL_DISPENSER, COIN_ACCEPTOR, COIN_HOPPER)
// @Success 200 {object} utils.APIResponse{data=object{device_type=string,capabilities=[]string}} "Capabilities retrieved"
// @Failure 404 {object} utils.APIResponse "Device type not supported"
// @Router /discovery/capabilities/{type} [get]
func (h *DiscoveryHandler) GetCapabilities(c *gin.Context) {
	deviceType := c.Param("type")

	capabilities, err := h.discoveryService.GetDeviceCapabilities(deviceType)
	if err != nil {
		utils.ErrorResponse(c, http.StatusNotFound, "Device type not supported", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Capabilities retrieved", gin.H{
		"device_type":  deviceType,
		"capabilities": capabilities,
	})
}
