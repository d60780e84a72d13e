package loan

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/ksp2701/chaintrust/internal/addressintel"
	"github.com/ksp2701/chaintrust/internal/attestation"
	"github.com/ksp2701/chaintrust/internal/audit"
	"github.com/ksp2701/chaintrust/internal/history"
	"github.com/ksp2701/chaintrust/internal/validation"
)

// Handler provides HTTP endpoints for the loan pipeline.
type Handler struct {
	service *Service
}

// NewHandler creates a new loan handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up the loan and wallet routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/loans/evaluate", h.Evaluate)
	r.POST("/loans/outcome", h.RecordOutcome)
	r.GET("/loans/training-data", h.TrainingData)

	wallets := r.Group("/wallets/:address")
	wallets.Use(validation.AddressParamMiddleware())
	wallets.GET("/features", h.WalletFeatures)
	wallets.GET("/history", h.WalletHistory)
}

type outcomeRequest struct {
	DecisionHash string `json:"decisionHash"`
	Outcome      string `json:"outcome"`
}

// Evaluate handles POST /v1/loans/evaluate
func (h *Handler) Evaluate(c *gin.Context) {
	var req Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if errs := validation.Validate(
		validation.MaxLength("purpose", req.Purpose, validation.MaxPurposeLength),
	); len(errs) > 0 {
		writeValidationError(c, errs)
		return
	}

	eval, err := h.service.EvaluateLoan(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, eval)
}

// RecordOutcome handles POST /v1/loans/outcome
func (h *Handler) RecordOutcome(c *gin.Context) {
	var req outcomeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if errs := validation.Validate(
		validation.ValidDecisionHash("decisionHash", req.DecisionHash),
		validation.ValidOutcome("outcome", req.Outcome),
	); len(errs) > 0 {
		writeValidationError(c, errs)
		return
	}

	upd, err := h.service.RecordOutcome(c.Request.Context(), req.DecisionHash, strings.TrimSpace(req.Outcome))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, upd)
}

// TrainingData handles GET /v1/loans/training-data
func (h *Handler) TrainingData(c *gin.Context) {
	rows, err := h.service.ExportTrainingRows(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	if rows == nil {
		rows = []map[string]any{}
	}
	c.JSON(http.StatusOK, rows)
}

// WalletFeatures handles GET /v1/wallets/:address/features
func (h *Handler) WalletFeatures(c *gin.Context) {
	fv, err := h.service.ExtractWalletFeatures(c.Request.Context(), c.Param("address"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, fv)
}

// WalletHistory handles GET /v1/wallets/:address/history
func (h *Handler) WalletHistory(c *gin.Context) {
	txs, err := h.service.FetchWalletHistory(c.Request.Context(), c.Param("address"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, txs)
}

func writeValidationError(c *gin.Context, errs validation.ValidationErrors) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "validation_error",
		"message": errs.Error(),
		"details": errs,
	})
}

// writeError maps pipeline errors onto HTTP statuses.
func writeError(c *gin.Context, err error) {
	var verrs validation.ValidationErrors
	switch {
	case errors.As(err, &verrs):
		writeValidationError(c, verrs)
	case errors.Is(err, ErrInvalidRequest):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
	case errors.Is(err, audit.ErrDecisionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	case errors.Is(err, audit.ErrInvalidOutcome):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_outcome", "message": err.Error()})
	case errors.Is(err, history.ErrHistoryUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "history_unavailable", "message": "Wallet history is unavailable"})
	case errors.Is(err, addressintel.ErrContractCheckFailed):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "address_check_failed", "message": "Unable to verify wallet address type"})
	case errors.Is(err, attestation.ErrRecordingRequired):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "chain_recording_failed", "message": chainMessage(err)})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Loan evaluation failed"})
	}
}

func chainMessage(err error) string {
	if errors.Is(err, attestation.ErrNotConfigured) {
		return attestation.ErrNotConfigured.Error()
	}
	if errors.Is(err, attestation.ErrReverted) {
		return attestation.ErrReverted.Error()
	}
	return "On-chain recording failed"
}
