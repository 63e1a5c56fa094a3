package bridge

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/shplabs/shpbridge/internal/gateway"
	"github.com/shplabs/shpbridge/internal/kes"
	"github.com/shplabs/shpbridge/internal/kyc"
	"github.com/shplabs/shpbridge/internal/validation"
)

// Handler provides HTTP endpoints for settlements.
type Handler struct {
	service *Service
}

// NewHandler creates a new settlement handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public settlement routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/deposit", h.Deposit)
	r.POST("/withdrawal", h.Withdrawal)
	r.POST("/transfer", h.Transfer)
	r.GET("/settlement/:requestId", h.GetSettlement)
	r.GET("/history", h.History)
}

// RegisterAdminRoutes sets up operator-only reconciliation routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/reconciliation", h.ListReconciliation)
	r.POST("/reconciliation/:requestId/resolve", h.ResolveReconciliation)
}

// settlementView renders a settlement with the amount as a decimal
// KES string.
type settlementView struct {
	*Settlement
	Amount string `json:"amount"`
}

func view(s *Settlement) settlementView {
	return settlementView{Settlement: s, Amount: kes.Format(s.Amount)}
}

func views(list []*Settlement) []settlementView {
	out := make([]settlementView, len(list))
	for i, s := range list {
		out[i] = view(s)
	}
	return out
}

type depositRequest struct {
	RequestID string `json:"requestId"`
	UserID    string `json:"userId"`
	Rail      string `json:"rail"`
	Phone     string `json:"phone,omitempty"`
	Account   string `json:"account,omitempty"`
	Amount    string `json:"amount"`
}

type transferRequest struct {
	RequestID string `json:"requestId"`
	FromUser  string `json:"fromUserId"`
	ToUser    string `json:"toUserId"`
	Amount    string `json:"amount"`
}

// party picks and validates the rail-appropriate destination.
func party(c *gin.Context, rail gateway.Rail, phone, account string) (string, bool) {
	switch rail {
	case gateway.RailMobileMoney:
		phone = validation.SanitizePhone(phone)
		if !validation.IsValidPhone(phone) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_phone",
				"message": "Phone must be a valid Kenyan mobile number",
			})
			return "", false
		}
		return phone, true
	case gateway.RailBank:
		if !validation.IsValidBankAccount(account) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_account",
				"message": "Account must be 8-20 digits",
			})
			return "", false
		}
		return account, true
	}
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "invalid_rail",
		"message": "Rail must be mobile_money or bank",
	})
	return "", false
}

// Deposit handles POST /v1/deposit
func (h *Handler) Deposit(c *gin.Context) {
	var req depositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidRequestID("requestId", req.RequestID),
		validation.Required("userId", req.UserID),
		validation.ValidRail("rail", req.Rail),
		validation.ValidAmount("amount", req.Amount),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	rail := gateway.Rail(req.Rail)
	dest, ok := party(c, rail, req.Phone, req.Account)
	if !ok {
		return
	}
	amount, ok := kes.Parse(req.Amount)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_amount",
			"message": "Amount must be a positive KES value with at most 2 decimals",
		})
		return
	}

	s, err := h.service.InitiateDeposit(c.Request.Context(), DepositRequest{
		RequestID: req.RequestID,
		UserID:    req.UserID,
		Rail:      rail,
		Party:     dest,
		Amount:    amount,
	})
	h.respondInitiated(c, s, err)
}

// Withdrawal handles POST /v1/withdrawal
func (h *Handler) Withdrawal(c *gin.Context) {
	var req depositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidRequestID("requestId", req.RequestID),
		validation.Required("userId", req.UserID),
		validation.ValidRail("rail", req.Rail),
		validation.ValidAmount("amount", req.Amount),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	rail := gateway.Rail(req.Rail)
	dest, ok := party(c, rail, req.Phone, req.Account)
	if !ok {
		return
	}
	amount, ok := kes.Parse(req.Amount)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_amount",
			"message": "Amount must be a positive KES value with at most 2 decimals",
		})
		return
	}

	s, err := h.service.InitiateWithdrawal(c.Request.Context(), WithdrawalRequest{
		RequestID: req.RequestID,
		UserID:    req.UserID,
		Rail:      rail,
		Party:     dest,
		Amount:    amount,
	})
	h.respondInitiated(c, s, err)
}

// Transfer handles POST /v1/transfer
func (h *Handler) Transfer(c *gin.Context) {
	var req transferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidRequestID("requestId", req.RequestID),
		validation.Required("fromUserId", req.FromUser),
		validation.Required("toUserId", req.ToUser),
		validation.ValidAmount("amount", req.Amount),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}
	if req.FromUser == req.ToUser {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_counterparty",
			"message": "Cannot transfer to the same user",
		})
		return
	}

	amount, ok := kes.Parse(req.Amount)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_amount",
			"message": "Amount must be a positive KES value with at most 2 decimals",
		})
		return
	}

	s, err := h.service.InitiateTransfer(c.Request.Context(), TransferRequest{
		RequestID: req.RequestID,
		FromUser:  req.FromUser,
		ToUser:    req.ToUser,
		Amount:    amount,
	})
	h.respondInitiated(c, s, err)
}

// respondInitiated maps a settlement outcome to HTTP. A settlement that
// reached a phase, even a failed one, is reported with its record so the
// caller can see where it stopped.
func (h *Handler) respondInitiated(c *gin.Context, s *Settlement, err error) {
	if err == nil {
		c.JSON(http.StatusAccepted, gin.H{"settlement": view(s)})
		return
	}

	var required *kyc.RequiredError
	if errors.As(err, &required) {
		c.JSON(http.StatusForbidden, gin.H{
			"error":      "kyc_required",
			"message":    "Amount exceeds the unverified limit, complete verification first",
			"settlement": view(s),
		})
		return
	}

	var recon *ReconciliationError
	if errors.As(err, &recon) {
		c.JSON(http.StatusConflict, gin.H{
			"error":      "reconciliation_required",
			"message":    "Settlement stopped half-done and needs operator attention",
			"settlement": view(s),
		})
		return
	}

	var gw *GatewayError
	if errors.As(err, &gw) {
		c.JSON(http.StatusBadGateway, gin.H{
			"error":      "payment_failed",
			"message":    "Payment provider rejected the request",
			"settlement": view(s),
		})
		return
	}

	var ledger *LedgerError
	if errors.As(err, &ledger) {
		c.JSON(http.StatusBadGateway, gin.H{
			"error":      "ledger_failed",
			"message":    "Ledger rejected the request",
			"settlement": view(s),
		})
		return
	}

	c.JSON(http.StatusInternalServerError, gin.H{
		"error":   "internal_error",
		"message": "Failed to process settlement",
	})
}

// GetSettlement handles GET /v1/settlement/:requestId
func (h *Handler) GetSettlement(c *gin.Context) {
	requestID := c.Param("requestId")

	s, err := h.service.GetStatus(c.Request.Context(), requestID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Settlement not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"settlement": view(s)})
}

// History handles GET /v1/history?userId=
func (h *Handler) History(c *gin.Context) {
	userID := c.Query("userId")
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "missing_user",
			"message": "userId query parameter is required",
		})
		return
	}

	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}
	offset := 0
	if o := c.Query("offset"); o != "" {
		if parsed, err := strconv.Atoi(o); err == nil && parsed >= 0 {
			offset = parsed
		}
	}

	list, err := h.service.History(c.Request.Context(), userID, limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list settlements",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"settlements": views(list),
		"count":       len(list),
		"limit":       limit,
		"offset":      offset,
	})
}

// ListReconciliation handles GET /v1/admin/reconciliation
func (h *Handler) ListReconciliation(c *gin.Context) {
	limit := 100
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 500 {
			limit = parsed
		}
	}

	list, err := h.service.ListReconciliation(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list reconciliation queue",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"settlements": views(list),
		"count":       len(list),
	})
}

type resolveRequest struct {
	Note string `json:"note"`
}

// ResolveReconciliation handles POST /v1/admin/reconciliation/:requestId/resolve
func (h *Handler) ResolveReconciliation(c *gin.Context) {
	requestID := c.Param("requestId")

	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if req.Note == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "missing_note",
			"message": "A resolution note is required",
		})
		return
	}

	s, err := h.service.ResolveReconciliation(c.Request.Context(), requestID, validation.SanitizeString(req.Note, 500))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Settlement not found",
			})
			return
		}
		c.JSON(http.StatusConflict, gin.H{
			"error":   "not_reconcilable",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"settlement": view(s)})
}
