package escrow

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/realdoomsman/solana-invoice-pay-sub000/internal/audit"
	"github.com/realdoomsman/solana-invoice-pay-sub000/internal/fault"
	"github.com/realdoomsman/solana-invoice-pay-sub000/internal/timeouts"
)

// Handler provides HTTP endpoints for contract operations.
type Handler struct {
	service *Service
	monitor *timeouts.Monitor
	auditor audit.Logger
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service, monitor *timeouts.Monitor, auditor audit.Logger) *Handler {
	return &Handler{service: service, monitor: monitor, auditor: auditor}
}

// RegisterRoutes sets up the contract routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/escrows/traditional", h.CreateTraditional)
	r.POST("/escrows/milestone", h.CreateMilestone)
	r.POST("/escrows/swap", h.CreateSwap)

	r.GET("/escrows/:id", h.GetContract)
	r.GET("/escrows/:id/deposits", h.GetDeposits)
	r.GET("/escrows/:id/milestones", h.ListMilestones)
	r.GET("/escrows/:id/timeouts", h.GetTimeouts)
	r.GET("/escrows/:id/audit", h.GetAuditTrail)

	r.POST("/escrows/:id/confirm", h.Confirm)
	r.POST("/escrows/:id/release", h.Release)
	r.POST("/escrows/:id/dispute", h.RaiseDispute)
	r.POST("/escrows/:id/cancel", h.RequestCancellation)
	r.POST("/escrows/:id/cancel/approve", h.ApproveCancellation)
	r.GET("/escrows/:id/swap-status", h.SwapStatus)
	r.POST("/escrows/:id/swap/execute", h.ExecuteSwap)

	r.POST("/milestones/:id/submit", h.SubmitWork)
	r.POST("/milestones/:id/approve", h.Approve)
}

// RegisterAdminRoutes sets up routes requiring admin authentication.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/escrows/:id/resolve", h.ResolveDispute)
	r.POST("/milestones/:id/release", h.ReleaseApproved)
}

// fail maps a fault kind to an HTTP response.
func fail(c *gin.Context, err error) {
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
	case fault.Security:
		status, code = http.StatusInternalServerError, "security_failure"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}

func bindFail(c *gin.Context) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "invalid_request",
		"message": "Invalid request body",
	})
}

// actorCtx threads the caller identity into the audit trail.
func actorCtx(c *gin.Context, actor string) *gin.Context {
	if actor != "" {
		c.Request = c.Request.WithContext(audit.WithActor(c.Request.Context(), actor))
	}
	return c
}

// CreateTraditional handles POST /v1/escrows/traditional
func (h *Handler) CreateTraditional(c *gin.Context) {
	var req TraditionalCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindFail(c)
		return
	}
	contract, err := h.service.CreateTraditional(actorCtx(c, req.BuyerAddr).Request.Context(), req)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, contract)
}

// CreateMilestone handles POST /v1/escrows/milestone
func (h *Handler) CreateMilestone(c *gin.Context) {
	var req MilestoneCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindFail(c)
		return
	}
	contract, milestones, err := h.service.CreateMilestoneContract(actorCtx(c, req.BuyerAddr).Request.Context(), req)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"contract": contract, "milestones": milestones})
}

// CreateSwap handles POST /v1/escrows/swap
func (h *Handler) CreateSwap(c *gin.Context) {
	var req SwapCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindFail(c)
		return
	}
	contract, err := h.service.CreateSwap(actorCtx(c, req.PartyA).Request.Context(), req)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, contract)
}

// GetContract handles GET /v1/escrows/:id
func (h *Handler) GetContract(c *gin.Context) {
	contract, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, contract)
}

// GetDeposits handles GET /v1/escrows/:id/deposits
func (h *Handler) GetDeposits(c *gin.Context) {
	status, err := h.service.MonitorDeposits(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// ListMilestones handles GET /v1/escrows/:id/milestones
func (h *Handler) ListMilestones(c *gin.Context) {
	ms, err := h.service.Milestones(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"milestones": ms})
}

// GetTimeouts handles GET /v1/escrows/:id/timeouts
func (h *Handler) GetTimeouts(c *gin.Context) {
	if _, err := h.service.Get(c.Request.Context(), c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	parts, err := h.monitor.CheckEscrowTimeouts(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, parts)
}

// GetAuditTrail handles GET /v1/escrows/:id/audit
func (h *Handler) GetAuditTrail(c *gin.Context) {
	if _, err := h.service.Get(c.Request.Context(), c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	actions, err := h.auditor.Query(c.Request.Context(), c.Param("id"), time.Time{}, time.Time{}, "", 200)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"actions": actions})
}

type actorRequest struct {
	Actor string `json:"actor" binding:"required"`
	Notes string `json:"notes"`
}

// Confirm handles POST /v1/escrows/:id/confirm
func (h *Handler) Confirm(c *gin.Context) {
	var req actorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindFail(c)
		return
	}
	contract, err := h.service.Confirm(actorCtx(c, req.Actor).Request.Context(), c.Param("id"), req.Actor, req.Notes)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, contract)
}

// Release handles POST /v1/escrows/:id/release
func (h *Handler) Release(c *gin.Context) {
	contract, err := h.service.Release(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, contract)
}

type disputeRequest struct {
	Actor       string `json:"actor" binding:"required"`
	MilestoneID string `json:"milestoneId"`
	Reason      string `json:"reason" binding:"required"`
}

// RaiseDispute handles POST /v1/escrows/:id/dispute
func (h *Handler) RaiseDispute(c *gin.Context) {
	var req disputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindFail(c)
		return
	}
	d, err := h.service.RaiseDispute(actorCtx(c, req.Actor).Request.Context(),
		c.Param("id"), req.MilestoneID, req.Actor, req.Reason)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, d)
}

type resolveRequest struct {
	Decision string `json:"decision" binding:"required"`
	Notes    string `json:"notes"`
}

// ResolveDispute handles POST /v1/escrows/:id/resolve (admin).
func (h *Handler) ResolveDispute(c *gin.Context) {
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindFail(c)
		return
	}
	ctx := audit.WithActor(c.Request.Context(), "admin")
	d, err := h.service.ResolveDispute(ctx, c.Param("id"), req.Decision, req.Notes)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

type cancelRequest struct {
	Actor  string `json:"actor" binding:"required"`
	Reason string `json:"reason"`
}

// RequestCancellation handles POST /v1/escrows/:id/cancel
func (h *Handler) RequestCancellation(c *gin.Context) {
	var req cancelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindFail(c)
		return
	}
	r, err := h.service.RequestCancellation(actorCtx(c, req.Actor).Request.Context(),
		c.Param("id"), req.Actor, req.Reason)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, r)
}

// ApproveCancellation handles POST /v1/escrows/:id/cancel/approve
func (h *Handler) ApproveCancellation(c *gin.Context) {
	var req actorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindFail(c)
		return
	}
	r, err := h.service.ApproveCancellation(actorCtx(c, req.Actor).Request.Context(), c.Param("id"), req.Actor)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

// SwapStatus handles GET /v1/escrows/:id/swap-status
func (h *Handler) SwapStatus(c *gin.Context) {
	status, err := h.service.DetectBothDeposits(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// ExecuteSwap handles POST /v1/escrows/:id/swap/execute
func (h *Handler) ExecuteSwap(c *gin.Context) {
	contract, err := h.service.ExecuteSwap(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, contract)
}

type submitRequest struct {
	Actor    string   `json:"actor" binding:"required"`
	Notes    string   `json:"notes"`
	Evidence []string `json:"evidence"`
}

// SubmitWork handles POST /v1/milestones/:id/submit
func (h *Handler) SubmitWork(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindFail(c)
		return
	}
	m, err := h.service.SubmitWork(actorCtx(c, req.Actor).Request.Context(),
		c.Param("id"), req.Actor, req.Notes, req.Evidence)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

// Approve handles POST /v1/milestones/:id/approve
func (h *Handler) Approve(c *gin.Context) {
	var req actorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindFail(c)
		return
	}
	m, err := h.service.Approve(actorCtx(c, req.Actor).Request.Context(), c.Param("id"), req.Actor, req.Notes)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

// ReleaseApproved handles POST /v1/milestones/:id/release (admin retry).
func (h *Handler) ReleaseApproved(c *gin.Context) {
	ctx := audit.WithActor(c.Request.Context(), "admin")
	m, err := h.service.ReleaseApproved(ctx, c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}
