package escrow

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/gigescrow/internal/commission"
	"github.com/mbd888/gigescrow/internal/logging"
	"github.com/mbd888/gigescrow/internal/pagination"
	"github.com/mbd888/gigescrow/internal/validation"
)

// AuthUserKey is the gin context key holding the authenticated user id.
const AuthUserKey = "authUserID"

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public (read-only) routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/commission/quote", h.GetQuote)
}

// RegisterProtectedRoutes sets up routes that require an authenticated user.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	jobs := r.Group("/jobs/:jobId/escrow", validation.IDParamMiddleware("jobId"))
	jobs.POST("", h.CreateEscrow)
	jobs.GET("", h.GetEscrow)
	jobs.GET("/audit", h.GetAudit)
	jobs.POST("/checkout", h.InitiateCheckout)
	jobs.POST("/start", h.act(EventWorkStarted))
	jobs.POST("/deliver", h.act(EventDeliverySubmitted))
	jobs.POST("/approve", h.act(EventClientApproved))
	jobs.POST("/dispute", h.act(EventDisputeRaised))
	jobs.POST("/cancel", h.act(EventCancellationBeforeWork))
}

// RegisterAdminRoutes sets up operator routes. The caller guards the group.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/jobs/:jobId/escrow/resolve", validation.IDParamMiddleware("jobId"), h.ResolveDispute)
	r.GET("/escrow", h.ListByStatus)
}

// ListByStatus handles GET /v1/admin/escrow?status=&cursor=&limit=
func (h *Handler) ListByStatus(c *gin.Context) {
	status := Status(c.DefaultQuery("status", string(StatusDisputed)))
	page, err := h.service.ListByStatus(c.Request.Context(), status,
		c.Query("cursor"), pagination.ParseLimit(c.Query("limit")))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// GetQuote handles GET /v1/commission/quote?basePrice=
func (h *Handler) GetQuote(c *gin.Context) {
	basePrice, err := strconv.ParseInt(c.Query("basePrice"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "basePrice must be an integer amount in minor units",
		})
		return
	}

	quote, err := h.service.Quote(basePrice)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"quote": quote})
}

type createEscrowBody struct {
	ProviderID string `json:"providerId"`
	BasePrice  *int64 `json:"basePrice"`
	Checkout   bool   `json:"checkout"`
}

// CreateEscrow handles POST /v1/jobs/:jobId/escrow
func (h *Handler) CreateEscrow(c *gin.Context) {
	var body createEscrowBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	var basePrice int64
	if body.BasePrice != nil {
		basePrice = *body.BasePrice
	}
	if errs := validation.Validate(
		validation.Required("providerId", body.ProviderID),
		validation.ValidID("providerId", body.ProviderID),
		func() *validation.ValidationError {
			if body.BasePrice == nil {
				return &validation.ValidationError{Field: "basePrice", Message: "is required"}
			}
			return nil
		},
		validation.NonNegative("basePrice", basePrice),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	ctx := c.Request.Context()
	tx, err := h.service.Create(ctx, CreateRequest{
		JobID:      c.Param("jobId"),
		ClientID:   c.GetString(AuthUserKey),
		ProviderID: body.ProviderID,
		BasePrice:  basePrice,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	resp := gin.H{"escrow": tx}
	if body.Checkout {
		co, err := h.service.InitiateCheckout(ctx, tx.JobID, tx.ClientID)
		if err != nil {
			// The transaction exists; the client can retry checkout separately.
			logging.L(ctx).Warn("checkout initiation failed after escrow creation",
				"jobId", tx.JobID, "error", err)
			resp["checkoutError"] = err.Error()
		} else {
			resp["checkout"] = co
		}
	}
	c.JSON(http.StatusCreated, resp)
}

// GetEscrow handles GET /v1/jobs/:jobId/escrow
func (h *Handler) GetEscrow(c *gin.Context) {
	tx, ok := h.partyTransaction(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": tx})
}

// GetAudit handles GET /v1/jobs/:jobId/escrow/audit
func (h *Handler) GetAudit(c *gin.Context) {
	tx, ok := h.partyTransaction(c)
	if !ok {
		return
	}

	entries, err := h.service.Audit(c.Request.Context(), tx.JobID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"entries": entries,
		"count":   len(entries),
	})
}

// InitiateCheckout handles POST /v1/jobs/:jobId/escrow/checkout
func (h *Handler) InitiateCheckout(c *gin.Context) {
	co, err := h.service.InitiateCheckout(c.Request.Context(), c.Param("jobId"), c.GetString(AuthUserKey))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"checkout": co})
}

type actionBody struct {
	Message string `json:"message"`
}

// act returns the handler for a party action on /v1/jobs/:jobId/escrow/*.
func (h *Handler) act(ev Event) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body actionBody
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&body); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{
					"error":   "invalid_request",
					"message": "Invalid request body",
				})
				return
			}
		}
		if errs := validation.Validate(
			validation.MaxLength("message", body.Message, validation.MaxMessageLength),
		); len(errs) > 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "validation_error",
				"message": errs.Error(),
				"details": errs,
			})
			return
		}

		res, err := h.service.Act(c.Request.Context(), c.Param("jobId"), c.GetString(AuthUserKey), ev,
			validation.SanitizeString(body.Message, validation.MaxMessageLength))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"escrow":   res.Transaction,
			"decision": res.Decision,
		})
	}
}

type resolveBody struct {
	Favor string `json:"favor"`
	Note  string `json:"note"`
}

// ResolveDispute handles POST /v1/admin/jobs/:jobId/escrow/resolve
func (h *Handler) ResolveDispute(c *gin.Context) {
	var body resolveBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if errs := validation.Validate(
		validation.OneOf("favor", body.Favor, "client", "provider"),
		validation.MaxLength("note", body.Note, validation.MaxMessageLength),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	res, err := h.service.Resolve(c.Request.Context(), c.Param("jobId"), body.Favor,
		validation.SanitizeString(body.Note, validation.MaxMessageLength))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"escrow":   res.Transaction,
		"decision": res.Decision,
	})
}

// partyTransaction loads the job's transaction and checks the caller is a
// party to it. It writes the error response itself.
func (h *Handler) partyTransaction(c *gin.Context) (*Transaction, bool) {
	tx, err := h.service.GetByJob(c.Request.Context(), c.Param("jobId"))
	if err != nil {
		writeError(c, err)
		return nil, false
	}
	caller := c.GetString(AuthUserKey)
	if caller != tx.ClientID && caller != tx.ProviderID {
		writeError(c, ErrUnauthorized)
		return nil, false
	}
	return tx, true
}

func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	message := err.Error()
	switch {
	case errors.Is(err, ErrTransactionNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ErrUnauthorized):
		status = http.StatusForbidden
		code = "unauthorized"
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, ErrUnknownEvent):
		status = http.StatusBadRequest
		code = "invalid_request"
	case errors.Is(err, commission.ErrInvalidAmount):
		status = http.StatusBadRequest
		code = "invalid_amount"
	case errors.Is(err, ErrTransactionExists):
		status = http.StatusConflict
		code = "escrow_exists"
	case errors.Is(err, ErrInvalidTransition):
		status = http.StatusConflict
		code = "invalid_transition"
	case errors.Is(err, ErrPersistenceConflict):
		status = http.StatusConflict
		code = "conflict"
	case errors.Is(err, ErrCheckoutUnavailable):
		status = http.StatusServiceUnavailable
		code = "checkout_unavailable"
	case errors.Is(err, ErrInconsistentState):
		code = "inconsistent_state"
		message = "Escrow update could not be committed; operators have been alerted"
	default:
		logging.L(c.Request.Context()).Error("escrow request failed", "path", c.FullPath(), "error", err)
		message = "Internal error"
	}
	c.JSON(status, gin.H{"error": code, "message": message})
}
