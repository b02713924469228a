package multisig

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/realdoomsman/solana-invoice-pay-sub000/internal/fault"
)

// Handler provides HTTP endpoints for multi-sig coordination.
type Handler struct {
	service *Service
}

// NewHandler creates a new multi-sig handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up the multi-sig routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/multisig/inspect/:address", h.Inspect)
	r.POST("/multisig/transactions", h.Begin)
	r.GET("/multisig/transactions/:id", h.Get)
	r.POST("/multisig/transactions/:id/sign", h.Sign)
	r.GET("/escrows/:id/multisig", h.ListByEscrow)
}

func (h *Handler) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch fault.KindOf(err) {
	case fault.Validation:
		status, code = http.StatusBadRequest, "validation_error"
	case fault.Authorization:
		status, code = http.StatusForbidden, "unauthorized"
	case fault.StateConflict:
		status, code = http.StatusConflict, "state_conflict"
	case fault.NotFound:
		status, code = http.StatusNotFound, "not_found"
	case fault.External:
		status, code = http.StatusBadGateway, "external_failure"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}

// Inspect handles GET /v1/multisig/inspect/:address
func (h *Handler) Inspect(c *gin.Context) {
	info, err := h.service.Detect(c.Request.Context(), c.Param("address"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

type beginRequest struct {
	EscrowID   string   `json:"escrowId" binding:"required"`
	WalletAddr string   `json:"walletAddr" binding:"required"`
	Provider   string   `json:"provider" binding:"required"`
	Threshold  int      `json:"threshold" binding:"required"`
	Signers    []string `json:"signers" binding:"required"`
}

// Begin handles POST /v1/multisig/transactions
func (h *Handler) Begin(c *gin.Context) {
	var req beginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	tx, err := h.service.Begin(c.Request.Context(), req.EscrowID, req.WalletAddr, req.Provider, req.Threshold, req.Signers)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, tx)
}

// Get handles GET /v1/multisig/transactions/:id
func (h *Handler) Get(c *gin.Context) {
	tx, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, tx)
}

type signRequest struct {
	Signer string `json:"signer" binding:"required"`
}

// Sign handles POST /v1/multisig/transactions/:id/sign
func (h *Handler) Sign(c *gin.Context) {
	var req signRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	tx, err := h.service.Sign(c.Request.Context(), c.Param("id"), req.Signer)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, tx)
}

// ListByEscrow handles GET /v1/escrows/:id/multisig
func (h *Handler) ListByEscrow(c *gin.Context) {
	txs, err := h.service.ListByEscrow(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txs, "count": len(txs)})
}
