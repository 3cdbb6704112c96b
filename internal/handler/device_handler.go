// internal/handler/device_handler.go
package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"cash-device-service/internal/model"
	"cash-device-service/internal/service"
	"cash-device-service/internal/utils"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DeviceHandler handles device-related HTTP requests
type DeviceHandler struct {
	deviceService *service.DeviceService
	logger        *utils.ServiceLogger
}

// NewDeviceHandler creates a new device handler
func NewDeviceHandler(deviceService *service.DeviceService, logger *zap.Logger) *DeviceHandler {
	return &DeviceHandler{
		deviceService: deviceService,
		logger:        utils.NewServiceLogger(logger, "device-handler"),
	}
}

// RegisterRoutes registers device-related routes. Devices are defined
// in configuration, so there are no create, update or delete routes.
func (h *DeviceHandler) RegisterRoutes(router *gin.RouterGroup) {
	devices := router.Group("/devices")
	{
		devices.GET("", h.ListDevices)
		devices.GET("/stats", h.GetDeviceStats)

		deviceRoutes := devices.Group("/:id")
		{
			deviceRoutes.GET("", h.GetDevice)
			deviceRoutes.POST("/connect", h.ConnectDevice)
			deviceRoutes.POST("/disconnect", h.DisconnectDevice)
			deviceRoutes.POST("/enable", h.EnableDevice)
			deviceRoutes.POST("/disable", h.DisableDevice)
			deviceRoutes.POST("/operations", h.ExecuteOperation)
			deviceRoutes.POST("/test", h.TestDevice)
			deviceRoutes.GET("/health", h.GetDeviceHealth)
		}
	}
}

// ListDevices lists devices with filtering and pagination
// @Summary List devices
// @Description Get list of devices with filtering and pagination support
// @Tags Devices
// @Accept json
// @Produce json
// @Param page query int false "Page number" default(1)
// @Param per_page query int false "Items per page" default(20)
// @Param terminal_id query string false "Filter by terminal ID"
// @Param device_type query string false "Filter by device type" Enums(BILL_VALIDATOR, BILL_DISPENSER, COIN_ACCEPTOR, COIN_HOPPER)
// @Param brand query string false "Filter by brand" Enums(CASHCODE, PULOON, NRI, ITL, GENERIC)
// @Param status query string false "Filter by status" Enums(ONLINE, OFFLINE, ERROR, MAINTENANCE, CONNECTING)
// @Param location query string false "Filter by location"
// @Param sort_by query string false "Sort by field" default(created_at)
// @Param sort_order query string false "Sort order" Enums(asc, desc) default(desc)
// @Success 200 {object} utils.APIResponse{data=object{devices=[]model.Device,pagination=service.PaginationResult}} "Devices retrieved successfully"
// @Failure 500 {object} utils.APIResponse "Internal server error"
// @Router /devices [get]
func (h *DeviceHandler) ListDevices(c *gin.Context) {
	// Parse query parameters
	filter := &service.DeviceFilter{
		Page:      1,
		PerPage:   20,
		SortBy:    "created_at",
		SortOrder: "desc",
	}

	// Parse pagination
	if page := c.Query("page"); page != "" {
		if p, err := strconv.Atoi(page); err == nil && p > 0 {
			filter.Page = p
		}
	}
	if perPage := c.Query("per_page"); perPage != "" {
		if pp, err := strconv.Atoi(perPage); err == nil && pp > 0 && pp <= 100 {
			filter.PerPage = pp
		}
	}

	// Parse filters
	if terminalID := c.Query("terminal_id"); terminalID != "" {
		if id, err := uuid.Parse(terminalID); err == nil {
			filter.TerminalID = &id
		}
	}
	if deviceType := c.Query("device_type"); deviceType != "" {
		dt := model.DeviceType(deviceType)
		filter.DeviceType = &dt
	}
	if brand := c.Query("brand"); brand != "" {
		b := model.DeviceBrand(brand)
		filter.Brand = &b
	}
	if status := c.Query("status"); status != "" {
		s := model.DeviceStatus(status)
		filter.Status = &s
	}
	if location := c.Query("location"); location != "" {
		filter.Location = &location
	}

	// Parse sorting
	if sortBy := c.Query("sort_by"); sortBy != "" {
		filter.SortBy = sortBy
	}
	if sortOrder := c.Query("sort_order"); sortOrder != "" {
		filter.SortOrder = sortOrder
	}

	devices, pagination, err := h.deviceService.ListDevices(c.Request.Context(), filter)
	if err != nil {
		h.logger.Error("Failed to list devices", zap.Error(err))
		utils.ErrorResponse(c, http.StatusInternalServerError, "Failed to list devices", err)
		return
	}

	response := gin.H{
		"devices":    devices,
		"pagination": pagination,
	}

	utils.SuccessResponse(c, http.StatusOK, "Devices retrieved successfully", response)
}

// GetDeviceStats retrieves aggregate device statistics
// @Summary Get device statistics
// @Description Get device counts grouped by status, type and brand
// @Tags Devices
// @Accept json
// @Produce json
// @Success 200 {object} utils.APIResponse{data=repository.DeviceStats} "Device statistics retrieved successfully"
// @Failure 500 {object} utils.APIResponse "Internal server error"
// @Router /devices/stats [get]
func (h *DeviceHandler) GetDeviceStats(c *gin.Context) {
	stats, err := h.deviceService.GetDeviceStats(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to get device stats", zap.Error(err))
		utils.ErrorResponse(c, http.StatusInternalServerError, "Failed to get device statistics", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Device statistics retrieved successfully", stats)
}

// GetDevice retrieves device by ID
// @Summary Get device details
// @Description Get device details and current status by device ID
// @Tags Devices
// @Accept json
// @Produce json
// @Param id path string true "Device ID"
// @Success 200 {object} utils.APIResponse{data=model.Device} "Device retrieved successfully"
// @Failure 400 {object} utils.APIResponse "Invalid device ID"
// @Failure 404 {object} utils.APIResponse "Device not found"
// @Router /devices/{id} [get]
func (h *DeviceHandler) GetDevice(c *gin.Context) {
	deviceID := c.Param("id")
	if deviceID == "" {
		utils.ErrorResponse(c, http.StatusBadRequest, "Device ID is required", nil)
		return
	}

	device, err := h.deviceService.GetDevice(c.Request.Context(), deviceID)
	if err != nil {
		h.logger.Error("Failed to get device", zap.Error(err), zap.String("device_id", deviceID))
		utils.ErrorResponse(c, http.StatusNotFound, "Device not found", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Device retrieved successfully", device)
}

// ConnectDevice connects to a device
// @Summary Connect to device
// @Description Establish connection to a device
// @Tags Devices
// @Accept json
// @Produce json
// @Param id path string true "Device ID"
// @Success 200 {object} utils.APIResponse "Device connected successfully"
// @Failure 400 {object} utils.APIResponse "Invalid device ID"
// @Failure 500 {object} utils.APIResponse "Connection failed"
// @Router /devices/{id}/connect [post]
func (h *DeviceHandler) ConnectDevice(c *gin.Context) {
	deviceID := c.Param("id")
	if deviceID == "" {
		utils.ErrorResponse(c, http.StatusBadRequest, "Device ID is required", nil)
		return
	}

	if err := h.deviceService.ConnectDevice(c.Request.Context(), deviceID); err != nil {
		h.logger.Error("Failed to connect device", zap.Error(err), zap.String("device_id", deviceID))
		utils.ErrorResponse(c, http.StatusInternalServerError, "Failed to connect device", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Device connected successfully", gin.H{"device_id": deviceID})
}

// DisconnectDevice disconnects from a device
// @Summary Disconnect from device
// @Description Disconnect from a device
// @Tags Devices
// @Accept json
// @Produce json
// @Param id path string true "Device ID"
// @Success 200 {object} utils.APIResponse "Device disconnected successfully"
// @Failure 400 {object} utils.APIResponse "Invalid device ID"
// @Failure 500 {object} utils.APIResponse "Disconnection failed"
// @Router /devices/{id}/disconnect [post]
func (h *DeviceHandler) DisconnectDevice(c *gin.Context) {
	deviceID := c.Param("id")
	if deviceID == "" {
		utils.ErrorResponse(c, http.StatusBadRequest, "Device ID is required", nil)
		return
	}

	if err := h.deviceService.DisconnectDevice(c.Request.Context(), deviceID); err != nil {
		h.logger.Error("Failed to disconnect device", zap.Error(err), zap.String("device_id", deviceID))
		utils.ErrorResponse(c, http.StatusInternalServerError, "Failed to disconnect device", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Device disconnected successfully", gin.H{"device_id": deviceID})
}

// acceptanceControl is implemented by acceptor drivers
type acceptanceControl interface {
	EnableAcceptance(ctx context.Context) error
	DisableAcceptance(ctx context.Context) error
}

// EnableDevice enables cash acceptance on an acceptor device
// @Summary Enable acceptance
// @Description Enable bill or coin acceptance on an acceptor device
// @Tags Devices
// @Accept json
// @Produce json
// @Param id path string true "Device ID"
// @Success 200 {object} utils.APIResponse "Acceptance enabled"
// @Failure 400 {object} utils.APIResponse "Device does not accept cash"
// @Failure 500 {object} utils.APIResponse "Enable failed"
// @Router /devices/{id}/enable [post]
func (h *DeviceHandler) EnableDevice(c *gin.Context) {
	deviceID := c.Param("id")
	if deviceID == "" {
		utils.ErrorResponse(c, http.StatusBadRequest, "Device ID is required", nil)
		return
	}

	drv, err := h.deviceService.Driver(deviceID)
	if err != nil {
		utils.ErrorResponse(c, http.StatusNotFound, "Device not found", err)
		return
	}

	acceptor, ok := drv.(acceptanceControl)
	if !ok {
		utils.ErrorResponse(c, http.StatusBadRequest, "Device does not accept cash", nil)
		return
	}

	if err := acceptor.EnableAcceptance(c.Request.Context()); err != nil {
		h.logger.Error("Failed to enable acceptance", zap.Error(err), zap.String("device_id", deviceID))
		utils.ErrorResponse(c, http.StatusInternalServerError, "Failed to enable acceptance", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Acceptance enabled", gin.H{"device_id": deviceID})
}

// DisableDevice disables cash acceptance on an acceptor device
// @Summary Disable acceptance
// @Description Disable bill or coin acceptance on an acceptor device
// @Tags Devices
// @Accept json
// @Produce json
// @Param id path string true "Device ID"
// @Success 200 {object} utils.APIResponse "Acceptance disabled"
// @Failure 400 {object} utils.APIResponse "Device does not accept cash"
// @Failure 500 {object} utils.APIResponse "Disable failed"
// @Router /devices/{id}/disable [post]
func (h *DeviceHandler) DisableDevice(c *gin.Context) {
	deviceID := c.Param("id")
	if deviceID == "" {
		utils.ErrorResponse(c, http.StatusBadRequest, "Device ID is required", nil)
		return
	}

	drv, err := h.deviceService.Driver(deviceID)
	if err != nil {
		utils.ErrorResponse(c, http.StatusNotFound, "Device not found", err)
		return
	}

	acceptor, ok := drv.(acceptanceControl)
	if !ok {
		utils.ErrorResponse(c, http.StatusBadRequest, "Device does not accept cash", nil)
		return
	}

	if err := acceptor.DisableAcceptance(c.Request.Context()); err != nil {
		h.logger.Error("Failed to disable acceptance", zap.Error(err), zap.String("device_id", deviceID))
		utils.ErrorResponse(c, http.StatusInternalServerError, "Failed to disable acceptance", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Acceptance disabled", gin.H{"device_id": deviceID})
}

// ExecuteOperationRequest represents a raw device operation request
type ExecuteOperationRequest struct {
	OperationType string                 `json:"operation_type" binding:"required"`
	Data          map[string]interface{} `json:"data,omitempty"`
}

// ExecuteOperation runs a raw operation against a device driver
// @Summary Execute device operation
// @Description Execute an operation directly against a device driver
// @Tags Devices
// @Accept json
// @Produce json
// @Param id path string true "Device ID"
// @Param request body ExecuteOperationRequest true "Operation request"
// @Success 200 {object} utils.APIResponse{data=driver.OperationResult} "Operation completed"
// @Failure 400 {object} utils.APIResponse "Invalid request"
// @Failure 500 {object} utils.APIResponse "Operation failed"
// @Router /devices/{id}/operations [post]
func (h *DeviceHandler) ExecuteOperation(c *gin.Context) {
	deviceID := c.Param("id")
	if deviceID == "" {
		utils.ErrorResponse(c, http.StatusBadRequest, "Device ID is required", nil)
		return
	}

	var req ExecuteOperationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	drv, err := h.deviceService.Driver(deviceID)
	if err != nil {
		utils.ErrorResponse(c, http.StatusNotFound, "Device not found", err)
		return
	}

	device, err := h.deviceService.GetDevice(c.Request.Context(), deviceID)
	if err != nil {
		utils.ErrorResponse(c, http.StatusNotFound, "Device not found", err)
		return
	}

	operation := &model.DeviceOperation{
		ID:            uuid.New(),
		DeviceID:      device.ID,
		OperationType: model.OperationType(req.OperationType),
		OperationData: req.Data,
		Priority:      model.PriorityNormal,
		Status:        model.OperationStatusProcessing,
		StartedAt:     time.Now(),
		CreatedAt:     time.Now(),
	}

	result, err := drv.ExecuteOperation(c.Request.Context(), operation)
	if err != nil {
		h.logger.Error("Operation failed",
			zap.Error(err),
			zap.String("device_id", deviceID),
			zap.String("operation_type", req.OperationType),
		)
		utils.ErrorResponse(c, http.StatusInternalServerError, "Operation failed", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Operation completed", result)
}

// TestDevice tests device connectivity
// @Summary Test device connectivity
// @Description Test connection and basic functionality of a device
// @Tags Devices
// @Accept json
// @Produce json
// @Param id path string true "Device ID"
// @Success 200 {object} utils.APIResponse{data=service.TestResult} "Device test completed"
// @Failure 400 {object} utils.APIResponse "Invalid device ID"
// @Failure 500 {object} utils.APIResponse "Test failed"
// @Router /devices/{id}/test [post]
func (h *DeviceHandler) TestDevice(c *gin.Context) {
	deviceID := c.Param("id")
	if deviceID == "" {
		utils.ErrorResponse(c, http.StatusBadRequest, "Device ID is required", nil)
		return
	}

	result, err := h.deviceService.TestDevice(c.Request.Context(), deviceID)
	if err != nil {
		h.logger.Error("Failed to test device", zap.Error(err), zap.String("device_id", deviceID))
		utils.ErrorResponse(c, http.StatusInternalServerError, "Failed to test device", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Device test completed", result)
}

// GetDeviceHealth retrieves device health metrics
// @Summary Get device health
// @Description Get current health metrics and status of a device
// @Tags Devices
// @Accept json
// @Produce json
// @Param id path string true "Device ID"
// @Success 200 {object} utils.APIResponse{data=service.DeviceHealth} "Device health retrieved successfully"
// @Failure 400 {object} utils.APIResponse "Invalid device ID"
// @Failure 500 {object} utils.APIResponse "Failed to get device health"
// @Router /devices/{id}/health [get]
func (h *DeviceHandler) GetDeviceHealth(c *gin.Context) {
	deviceID := c.Param("id")
	if deviceID == "" {
		utils.ErrorResponse(c, http.StatusBadRequest, "Device ID is required", nil)
		return
	}

	health, err := h.deviceService.GetDeviceHealth(c.Request.Context(), deviceID)
	if err != nil {
		h.logger.Error("Failed to get device health", zap.Error(err), zap.String("device_id", deviceID))
		utils.ErrorResponse(c, http.StatusInternalServerError, "Failed to get device health", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Device health retrieved successfully", health)
}
