package admin

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pageforge/pageforge-api/internal/domain/credit"
	"github.com/pageforge/pageforge-api/internal/middleware"
	"github.com/pageforge/pageforge-api/internal/pkg/logger"
	"github.com/pageforge/pageforge-api/internal/pkg/response"
	"github.com/pageforge/pageforge-api/internal/pkg/validator"
)

// RefundCreditsRequest represents the request to refund consumed credits
type RefundCreditsRequest struct {
	UserID    string `json:"user_id" validate:"required,max=128"`
	Pool      string `json:"pool" validate:"required,credit_pool"`
	Amount    int    `json:"amount" validate:"required,min=1,max=1000"`
	Reason    string `json:"reason" validate:"max=500"`
	Reference string `json:"reference" validate:"required,max=200"`
}

// CreditHandler handles admin credit operations
type CreditHandler struct {
	creditService *credit.Service
}

// NewCreditHandler creates a new credit handler
func NewCreditHandler(creditService *credit.Service) *CreditHandler {
	return &CreditHandler{creditService: creditService}
}

// Routes mounts under /api/admin/credits. Callers wrap it in auth and role checks.
func (h *CreditHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/refund", h.RefundCredits)
	r.Get("/users/{userID}/reconcile", h.Reconcile)
	r.Get("/transactions/{key}", h.GetTransaction)
	return r
}

// RefundCredits handles POST /admin/credits/refund
func (h *CreditHandler) RefundCredits(w http.ResponseWriter, r *http.Request) {
	var req RefundCreditsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "Invalid JSON body")
		return
	}

	if errors := validator.Validate(&req); errors != nil {
		response.ValidationError(w, errors)
		return
	}

	adminID := middleware.GetUserID(r.Context())

	result, err := h.creditService.Refund(r.Context(), credit.RefundRequest{
		UserID:         req.UserID,
		Pool:           credit.Pool(req.Pool),
		Amount:         req.Amount,
		Reason:         req.Reason,
		IdempotencyKey: "refund:admin:" + req.Reference,
		Metadata: credit.Metadata{
			"admin_id":  adminID.String(),
			"reference": req.Reference,
		},
	})
	if err != nil {
		credit.RespondError(w, r, err)
		return
	}

	logger.FromContext(r.Context()).Info().
		Str("admin_id", adminID.String()).
		Str("target_user_id", req.UserID).
		Str("pool", req.Pool).
		Int("amount", req.Amount).
		Msg("Admin refunded credits")

	response.OK(w, result)
}

// Reconcile handles GET /admin/credits/users/{userID}/reconcile
func (h *CreditHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	report, err := h.creditService.Reconcile(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		credit.RespondError(w, r, err)
		return
	}
	response.OK(w, map[string]interface{}{
		"balanced": report.Balanced(),
		"report":   report,
	})
}

// GetTransaction handles GET /admin/credits/transactions/{key}
func (h *CreditHandler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	tx, err := h.creditService.FindByIdempotencyKey(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		credit.RespondError(w, r, err)
		return
	}
	response.OK(w, tx)
}
