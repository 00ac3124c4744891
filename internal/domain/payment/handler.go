package payment

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pageforge/pageforge-api/internal/metrics"
	"github.com/pageforge/pageforge-api/internal/pkg/logger"
	"github.com/pageforge/pageforge-api/internal/pkg/response"
	"github.com/pageforge/pageforge-api/internal/pkg/stripe"
)

const maxWebhookBody = 64 << 10

// Handler handles payment provider webhooks
type Handler struct {
	service  *Service
	verifier *stripe.Verifier
}

func NewHandler(service *Service, verifier *stripe.Verifier) *Handler {
	return &Handler{service: service, verifier: verifier}
}

// WebhookRoutes mounts under /webhooks.
func (h *Handler) WebhookRoutes() chi.Router {
	r := chi.NewRouter()
	r.Post("/stripe", h.StripeWebhook)
	return r
}

// StripeWebhook handles POST /webhooks/stripe
// @Summary Stripe webhook
// @Description Grants purchased credit packages for paid checkout sessions
// @Tags Payment Webhooks
// @Accept json
// @Produce json
// @Success 200 {object} response.Response
// @Failure 400 {object} response.Response
// @Failure 500 {object} response.Response
// @Router /webhooks/stripe [post]
func (h *Handler) StripeWebhook(w http.ResponseWriter, r *http.Request) {
	m := metrics.Get()
	log := logger.FromContext(r.Context())

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		m.WebhookTotal.WithLabelValues(string(ProviderStripe), "bad_request").Inc()
		response.BadRequest(w, "invalid request body")
		return
	}

	event, err := h.verifier.Verify(payload, r.Header)
	if errors.Is(err, stripe.ErrInvalidPayload) {
		m.WebhookTotal.WithLabelValues(string(ProviderStripe), "bad_request").Inc()
		response.BadRequest(w, "invalid payload")
		return
	}
	if err != nil {
		m.WebhookTotal.WithLabelValues(string(ProviderStripe), "invalid_signature").Inc()
		log.Warn().Err(err).Msg("Stripe webhook signature rejected")
		response.BadRequest(w, "invalid signature")
		return
	}

	session, err := stripe.ParseCheckoutSession(event)
	if errors.Is(err, stripe.ErrEventIgnored) {
		m.WebhookTotal.WithLabelValues(string(ProviderStripe), string(EventIgnored)).Inc()
		response.OK(w, map[string]string{"status": string(EventIgnored)})
		return
	}
	if err != nil {
		m.WebhookTotal.WithLabelValues(string(ProviderStripe), "bad_request").Inc()
		response.BadRequest(w, "invalid payload")
		return
	}

	status, err := h.service.ProcessCheckoutSession(r.Context(), session, payload)
	m.WebhookTotal.WithLabelValues(string(ProviderStripe), string(status)).Inc()
	if err != nil {
		log.Error().Err(err).Str("session_id", session.SessionID).Msg("Stripe webhook processing failed")
		response.InternalError(w)
		return
	}
	response.OK(w, map[string]string{"status": string(status)})
}
