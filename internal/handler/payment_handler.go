// internal/handler/payment_handler.go
package handler

import (
	"net/http"

	"cash-device-service/internal/model"
	"cash-device-service/internal/service"
	"cash-device-service/internal/utils"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// PaymentHandler handles payment and cash counter HTTP requests
type PaymentHandler struct {
	paymentService *service.PaymentService
	logger         *utils.ServiceLogger
}

// NewPaymentHandler creates a new payment handler
func NewPaymentHandler(paymentService *service.PaymentService, logger *zap.Logger) *PaymentHandler {
	return &PaymentHandler{
		paymentService: paymentService,
		logger:         utils.NewServiceLogger(logger, "payment-handler"),
	}
}

// RegisterRoutes registers payment-related routes
func (h *PaymentHandler) RegisterRoutes(router *gin.RouterGroup) {
	payments := router.Group("/payments")
	{
		payments.POST("/start", h.StartPayment)
		payments.POST("/stop", h.StopPayment)
		payments.GET("/current", h.GetCurrentSession)
		payments.GET("/status", h.GetCurrentSession)
		payments.POST("/dispense", h.DispenseChange)
		payments.POST("/test-dispense", h.TestDispense)
		payments.POST("/test-mode", h.SetTestMode)
	}

	acceptor := router.Group("/acceptor")
	{
		acceptor.GET("/status", h.GetAcceptorStatus)
		acceptor.PUT("/max-bill-count", h.SetMaxBillCount)
		acceptor.POST("/reset-bill-count", h.ResetBillCount)
	}

	dispenser := router.Group("/dispenser")
	{
		dispenser.GET("/status", h.GetDispenserStatus)
		dispenser.PUT("/denominations", h.SetDispenserDenominations)
		dispenser.PUT("/counts", h.SetDispenserCounts)
		dispenser.POST("/reset-counts", h.ResetDispenserCounts)
	}

	router.GET("/coins/status", h.GetCoinStatus)
}

// StartPaymentRequest represents a payment start request
type StartPaymentRequest struct {
	Amount int64 `json:"amount" binding:"required,gt=0"`
}

// DispenseRequest represents a change dispense request
type DispenseRequest struct {
	Amount    int64   `json:"amount" binding:"required,gt=0"`
	SessionID *string `json:"session_id,omitempty"`
}

// TestDispenseRequest represents a test dispense request
type TestDispenseRequest struct {
	UpperCount int `json:"upper_count" binding:"min=0"`
	LowerCount int `json:"lower_count" binding:"min=0"`
}

// TestModeRequest toggles dry-run dispensing
type TestModeRequest struct {
	Enabled bool `json:"enabled"`
}

// SetMaxBillCountRequest sets the stacker capacity limit
type SetMaxBillCountRequest struct {
	MaxBillCount int `json:"max_bill_count" binding:"required,gt=0"`
}

// SetDenominationsRequest sets per-cassette denominations in minor units
type SetDenominationsRequest struct {
	UpperDenomination int64 `json:"upper_denomination" binding:"required,gt=0"`
	LowerDenomination int64 `json:"lower_denomination" binding:"required,gt=0"`
}

// SetCountsRequest sets per-cassette bill counts after a refill
type SetCountsRequest struct {
	UpperCount int `json:"upper_count" binding:"min=0"`
	LowerCount int `json:"lower_count" binding:"min=0"`
}

// StartPayment starts a cash collection session
// @Summary Start a payment session
// @Description Start collecting cash toward a target amount
// @Tags Payments
// @Accept json
// @Produce json
// @Param request body StartPaymentRequest true "Payment start request"
// @Success 201 {object} utils.APIResponse{data=model.PaymentSession} "Payment session started"
// @Failure 400 {object} utils.APIResponse "Invalid request"
// @Failure 409 {object} utils.APIResponse "Session already active"
// @Router /payments/start [post]
func (h *PaymentHandler) StartPayment(c *gin.Context) {
	var req StartPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	session, err := h.paymentService.StartPayment(c.Request.Context(), model.Money(req.Amount))
	if err != nil {
		h.logger.Error("Failed to start payment", zap.Error(err), zap.Int64("amount", req.Amount))
		utils.ErrorResponse(c, http.StatusConflict, "Failed to start payment", err)
		return
	}

	h.logger.Info("Payment session started",
		zap.String("session_id", session.ID.String()),
		zap.Int64("target", int64(session.Target)),
	)
	utils.SuccessResponse(c, http.StatusCreated, "Payment session started", session)
}

// StopPayment cancels the active payment session
// @Summary Stop the active payment session
// @Description Disable acceptance and cancel the active session
// @Tags Payments
// @Accept json
// @Produce json
// @Success 200 {object} utils.APIResponse "Payment session stopped"
// @Failure 500 {object} utils.APIResponse "Stop failed"
// @Router /payments/stop [post]
func (h *PaymentHandler) StopPayment(c *gin.Context) {
	if err := h.paymentService.StopPayment(c.Request.Context()); err != nil {
		h.logger.Error("Failed to stop payment", zap.Error(err))
		utils.ErrorResponse(c, http.StatusInternalServerError, "Failed to stop payment", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Payment session stopped", nil)
}

// GetCurrentSession returns the active payment session
// @Summary Get current payment session
// @Description Get the active payment session and its progress
// @Tags Payments
// @Accept json
// @Produce json
// @Success 200 {object} utils.APIResponse{data=model.PaymentSession} "Current session retrieved"
// @Failure 404 {object} utils.APIResponse "No active session"
// @Router /payments/current [get]
func (h *PaymentHandler) GetCurrentSession(c *gin.Context) {
	session, err := h.paymentService.CurrentSession(c.Request.Context())
	if err != nil || session == nil {
		utils.ErrorResponse(c, http.StatusNotFound, "No active payment session", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Current session retrieved", session)
}

// DispenseChange dispenses an amount from the cassettes
// @Summary Dispense change
// @Description Dispense the requested amount using both cassettes
// @Tags Payments
// @Accept json
// @Produce json
// @Param request body DispenseRequest true "Dispense request"
// @Success 200 {object} utils.APIResponse{data=service.ChangeResult} "Change dispensed"
// @Failure 400 {object} utils.APIResponse "Invalid request"
// @Failure 500 {object} utils.APIResponse "Dispense failed"
// @Router /payments/dispense [post]
func (h *PaymentHandler) DispenseChange(c *gin.Context) {
	var req DispenseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	var sessionID *uuid.UUID
	if req.SessionID != nil {
		id, err := uuid.Parse(*req.SessionID)
		if err != nil {
			utils.ErrorResponse(c, http.StatusBadRequest, "Invalid session ID", err)
			return
		}
		sessionID = &id
	}

	result, err := h.paymentService.DispenseChange(c.Request.Context(), model.Money(req.Amount), sessionID)
	if err != nil {
		h.logger.Error("Failed to dispense change", zap.Error(err), zap.Int64("amount", req.Amount))
		utils.ErrorResponse(c, http.StatusInternalServerError, "Failed to dispense change", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Change dispensed", result)
}

// TestDispense dispenses explicit per-cassette counts
// @Summary Test dispense
// @Description Dispense explicit bill counts from each cassette for maintenance
// @Tags Payments
// @Accept json
// @Produce json
// @Param request body TestDispenseRequest true "Test dispense request"
// @Success 200 {object} utils.APIResponse{data=driver.DispenseResult} "Test dispense completed"
// @Failure 400 {object} utils.APIResponse "Invalid request"
// @Failure 500 {object} utils.APIResponse "Dispense failed"
// @Router /payments/test-dispense [post]
func (h *PaymentHandler) TestDispense(c *gin.Context) {
	var req TestDispenseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	if req.UpperCount == 0 && req.LowerCount == 0 {
		utils.ErrorResponse(c, http.StatusBadRequest, "At least one cassette count is required", nil)
		return
	}

	result, err := h.paymentService.TestDispense(c.Request.Context(), req.UpperCount, req.LowerCount)
	if err != nil {
		h.logger.Error("Test dispense failed", zap.Error(err))
		utils.ErrorResponse(c, http.StatusInternalServerError, "Test dispense failed", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Test dispense completed", result)
}

// SetTestMode toggles dry-run dispensing
// @Summary Set test mode
// @Description Enable or disable test mode, which skips physical dispensing
// @Tags Payments
// @Accept json
// @Produce json
// @Param request body TestModeRequest true "Test mode request"
// @Success 200 {object} utils.APIResponse "Test mode updated"
// @Failure 400 {object} utils.APIResponse "Invalid request"
// @Router /payments/test-mode [post]
func (h *PaymentHandler) SetTestMode(c *gin.Context) {
	var req TestModeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	if err := h.paymentService.SetTestMode(c.Request.Context(), req.Enabled); err != nil {
		utils.ErrorResponse(c, http.StatusInternalServerError, "Failed to set test mode", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Test mode updated", gin.H{"enabled": req.Enabled})
}

// GetAcceptorStatus returns bill acceptor counters
// @Summary Get bill acceptor status
// @Description Get stacker bill count, capacity limit and connection state
// @Tags Counters
// @Accept json
// @Produce json
// @Success 200 {object} utils.APIResponse{data=service.AcceptorStatus} "Acceptor status retrieved"
// @Failure 500 {object} utils.APIResponse "Internal server error"
// @Router /acceptor/status [get]
func (h *PaymentHandler) GetAcceptorStatus(c *gin.Context) {
	status, err := h.paymentService.GetAcceptorStatus(c.Request.Context())
	if err != nil {
		utils.ErrorResponse(c, http.StatusInternalServerError, "Failed to get acceptor status", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Acceptor status retrieved", status)
}

// SetMaxBillCount sets the stacker capacity limit
// @Summary Set stacker capacity limit
// @Description Set the bill count at which acceptance is refused
// @Tags Counters
// @Accept json
// @Produce json
// @Param request body SetMaxBillCountRequest true "Capacity limit request"
// @Success 200 {object} utils.APIResponse "Capacity limit updated"
// @Failure 400 {object} utils.APIResponse "Invalid request"
// @Router /acceptor/max-bill-count [put]
func (h *PaymentHandler) SetMaxBillCount(c *gin.Context) {
	var req SetMaxBillCountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	if err := h.paymentService.SetMaxBillCount(c.Request.Context(), req.MaxBillCount); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Failed to set max bill count", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Capacity limit updated", gin.H{"max_bill_count": req.MaxBillCount})
}

// ResetBillCount resets the stacker counter after emptying
// @Summary Reset stacker bill count
// @Description Reset the stacker counter to zero after the cashbox is emptied
// @Tags Counters
// @Accept json
// @Produce json
// @Success 200 {object} utils.APIResponse "Bill count reset"
// @Failure 500 {object} utils.APIResponse "Reset failed"
// @Router /acceptor/reset-bill-count [post]
func (h *PaymentHandler) ResetBillCount(c *gin.Context) {
	if err := h.paymentService.ResetBillCount(c.Request.Context()); err != nil {
		utils.ErrorResponse(c, http.StatusInternalServerError, "Failed to reset bill count", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Bill count reset", nil)
}

// GetDispenserStatus returns dispenser cassette state
// @Summary Get dispenser status
// @Description Get per-cassette denominations, counts and connection state
// @Tags Counters
// @Accept json
// @Produce json
// @Success 200 {object} utils.APIResponse{data=service.DispenserStatus} "Dispenser status retrieved"
// @Failure 500 {object} utils.APIResponse "Internal server error"
// @Router /dispenser/status [get]
func (h *PaymentHandler) GetDispenserStatus(c *gin.Context) {
	status, err := h.paymentService.GetDispenserStatus(c.Request.Context())
	if err != nil {
		utils.ErrorResponse(c, http.StatusInternalServerError, "Failed to get dispenser status", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Dispenser status retrieved", status)
}

// SetDispenserDenominations sets cassette denominations
// @Summary Set cassette denominations
// @Description Set the denomination loaded in each cassette, in minor units
// @Tags Counters
// @Accept json
// @Produce json
// @Param request body SetDenominationsRequest true "Denomination request"
// @Success 200 {object} utils.APIResponse "Denominations updated"
// @Failure 400 {object} utils.APIResponse "Invalid request"
// @Router /dispenser/denominations [put]
func (h *PaymentHandler) SetDispenserDenominations(c *gin.Context) {
	var req SetDenominationsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	err := h.paymentService.SetDispenserDenominations(
		c.Request.Context(),
		model.Money(req.UpperDenomination),
		model.Money(req.LowerDenomination),
	)
	if err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Failed to set denominations", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Denominations updated", gin.H{
		"upper_denomination": req.UpperDenomination,
		"lower_denomination": req.LowerDenomination,
	})
}

// SetDispenserCounts sets cassette bill counts
// @Summary Set cassette counts
// @Description Set per-cassette bill counts after a refill
// @Tags Counters
// @Accept json
// @Produce json
// @Param request body SetCountsRequest true "Counts request"
// @Success 200 {object} utils.APIResponse "Counts updated"
// @Failure 400 {object} utils.APIResponse "Invalid request"
// @Router /dispenser/counts [put]
func (h *PaymentHandler) SetDispenserCounts(c *gin.Context) {
	var req SetCountsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	if err := h.paymentService.SetDispenserCounts(c.Request.Context(), req.UpperCount, req.LowerCount); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Failed to set cassette counts", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Counts updated", gin.H{
		"upper_count": req.UpperCount,
		"lower_count": req.LowerCount,
	})
}

// ResetDispenserCounts zeroes both cassette counters
// @Summary Reset cassette counts
// @Description Reset both cassette counters to zero
// @Tags Counters
// @Accept json
// @Produce json
// @Success 200 {object} utils.APIResponse "Counts reset"
// @Failure 500 {object} utils.APIResponse "Reset failed"
// @Router /dispenser/reset-counts [post]
func (h *PaymentHandler) ResetDispenserCounts(c *gin.Context) {
	if err := h.paymentService.ResetDispenserCounts(c.Request.Context()); err != nil {
		utils.ErrorResponse(c, http.StatusInternalServerError, "Failed to reset cassette counts", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Counts reset", nil)
}

// GetCoinStatus returns coin acceptor state
// @Summary Get coin acceptor status
// @Description Get coin acceptor connection state and sorting priority
// @Tags Counters
// @Accept json
// @Produce json
// @Success 200 {object} utils.APIResponse{data=service.CoinStatus} "Coin status retrieved"
// @Failure 500 {object} utils.APIResponse "Internal server error"
// @Router /coins/status [get]
func (h *PaymentHandler) GetCoinStatus(c *gin.Context) {
	status, err := h.paymentService.GetCoinStatus(c.Request.Context())
	if err != nil {
		utils.ErrorResponse(c, http.StatusInternalServerError, "Failed to get coin status", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Coin status retrieved", status)
}
