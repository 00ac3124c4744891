package credit

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/pageforge/pageforge-api/internal/middleware"
	"github.com/pageforge/pageforge-api/internal/pkg/logger"
	"github.com/pageforge/pageforge-api/internal/pkg/response"
	"github.com/pageforge/pageforge-api/internal/pkg/validator"
)

// ConsumeRequest describes the gated action a credit is spent on.
type ConsumeRequest struct {
	EntityType  string `json:"entity_type" validate:"max=64"`
	EntityID    string `json:"entity_id" validate:"max=128"`
	Description string `json:"description" validate:"max=500"`
}

// Handler serves the user-facing credit endpoints.
type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// Routes mounts under /api/v1/credits.
func (h *Handler) Routes(authMiddleware func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()

	r.Get("/packages", h.ListPackages)

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware)
		r.Get("/", h.GetBalance)
		r.Get("/transactions", h.ListTransactions)
		r.Get("/{pool}/check", h.Check)
		r.Post("/{pool}/consume", h.Consume)
	})

	return r
}

// GetBalance handles GET /credits
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == uuid.Nil {
		response.Unauthorized(w, "unauthorized")
		return
	}

	balance, err := h.svc.Balance(r.Context(), userID.String())
	if err != nil {
		RespondError(w, r, err)
		return
	}
	response.OK(w, balance)
}

// Check handles GET /credits/{pool}/check
func (h *Handler) Check(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == uuid.Nil {
		response.Unauthorized(w, "unauthorized")
		return
	}

	pool, err := ParsePool(chi.URLParam(r, "pool"))
	if err != nil {
		RespondError(w, r, err)
		return
	}

	check, err := h.svc.CheckAllowed(r.Context(), userID.String(), pool)
	if err != nil {
		RespondError(w, r, err)
		return
	}
	response.OK(w, check)
}

// Consume handles POST /credits/{pool}/consume. Clients call it right before
// starting a generation or analysis job; 402 means the job must not start.
func (h *Handler) Consume(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == uuid.Nil {
		response.Unauthorized(w, "unauthorized")
		return
	}

	pool, err := ParsePool(chi.URLParam(r, "pool"))
	if err != nil {
		RespondError(w, r, err)
		return
	}

	var req ConsumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		response.BadRequest(w, "Invalid JSON body")
		return
	}
	if errors := validator.Validate(&req); errors != nil {
		response.ValidationError(w, errors)
		return
	}

	res, err := h.svc.Consume(r.Context(), userID.String(), pool, UsageMeta{
		Description: req.Description,
		EntityType:  req.EntityType,
		EntityID:    req.EntityID,
	})
	if err != nil {
		RespondError(w, r, err)
		return
	}
	response.OK(w, res)
}

// ListTransactions handles GET /credits/transactions
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == uuid.Nil {
		response.Unauthorized(w, "unauthorized")
		return
	}

	p := Pagination{
		Limit:  queryInt(r, "limit", defaultPageLimit),
		Offset: queryInt(r, "offset", 0),
	}.normalize()

	items, err := h.svc.ListTransactions(r.Context(), userID.String(), p)
	if err != nil {
		RespondError(w, r, err)
		return
	}

	response.WithMeta(w, items, response.Meta{
		Limit:   p.Limit,
		Offset:  p.Offset,
		Count:   len(items),
		HasNext: len(items) == p.Limit,
	})
}

// ListPackages handles GET /credits/packages
func (h *Handler) ListPackages(w http.ResponseWriter, r *http.Request) {
	response.OK(w, map[string]interface{}{
		"free_tier": h.svc.Catalog().FreeTier(),
		"packages":  h.svc.Catalog().Packages(),
	})
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

// RespondError maps credit errors onto HTTP responses. NoCredits and storage
// failures use distinct statuses so clients can tell "buy more" from "retry".
func RespondError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrNoCredits):
		response.PaymentRequired(w, "NO_CREDITS", "No credits remaining")
	case errors.Is(err, ErrUnknownPool):
		response.BadRequest(w, "unknown credit pool")
	case errors.Is(err, ErrInvalidUserID):
		response.BadRequest(w, "invalid user id")
	case errors.Is(err, ErrUnknownPackage):
		response.Error(w, http.StatusBadRequest, "UNKNOWN_PACKAGE", "unknown credit package")
	case errors.Is(err, ErrPaymentMismatch):
		response.Error(w, http.StatusBadRequest, "PAYMENT_MISMATCH", "paid amount does not match package price")
	case errors.Is(err, ErrMissingIdempotencyKey):
		response.BadRequest(w, "reference is required")
	case errors.Is(err, ErrInvalidAmount):
		response.BadRequest(w, "amount must be greater than zero")
	case errors.Is(err, ErrTransactionNotFound):
		response.NotFound(w, "transaction not found")
	case errors.Is(err, ErrLedgerNotFound):
		response.NotFound(w, "credit ledger not found")
	case errors.Is(err, ErrNothingToRefund):
		response.Conflict(w, "not enough consumed credits to refund")
	case errors.Is(err, ErrDuplicateRefund):
		response.Conflict(w, "refund already processed")
	case IsOutcomeUnknown(err):
		response.ServiceUnavailable(w, "OUTCOME_UNKNOWN", "operation outcome unknown, re-check balance before retrying")
	case errors.Is(err, ErrStorage):
		response.ServiceUnavailable(w, "STORAGE_UNAVAILABLE", "credit storage temporarily unavailable")
	default:
		logger.FromContext(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("Unhandled credit error")
		response.InternalError(w)
	}
}
