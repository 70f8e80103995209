package ingress

import (
	"net/http"

	"github.com/google/go-github/v59/github"
	"go.uber.org/zap"

	"github.com/silverleaf-dev/automerge/internal/logfields"
	"github.com/silverleaf-dev/automerge/internal/metrics"
)

const loggerName = "ingress_webhook"

// Handler implements the /webhook HTTP endpoint: HMAC-SHA256 verification
// and typed payload decoding, adapted from the teacher's github webhook
// provider. Unlike the teacher's handler it never logs the raw request
// body, only delivery identifiers.
type Handler struct {
	logger  *zap.Logger
	secret  []byte
	metrics *metrics.Collector
	norm    *Normalizer
}

func NewHandler(secret []byte, norm *Normalizer, m *metrics.Collector) *Handler {
	return &Handler{
		logger:  zap.L().Named(loggerName),
		secret:  secret,
		metrics: m,
		norm:    norm,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	deliveryID := github.DeliveryID(r)
	eventType := github.WebHookType(r)

	logger := h.logger.With(
		logfields.DeliveryID(deliveryID),
		logfields.Event(eventType),
	)

	payload, err := github.ValidatePayload(r, h.secret)
	if err != nil {
		h.metrics.WebhookInvalidSignaturesTotal.Inc()
		h.metrics.WebhookRequestsTotal.WithLabelValues("invalid_signature").Inc()
		logger.Info("rejecting webhook delivery with invalid signature", logfields.Event("webhook_invalid_signature"))
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	event, err := github.ParseWebHook(eventType, payload)
	if err != nil {
		h.metrics.WebhookRequestsTotal.WithLabelValues("unhandled_event_type").Inc()
		logger.Debug("received webhook event of unhandled type", zap.Error(err))
		w.WriteHeader(http.StatusAccepted)
		return
	}

	ev := &Event{DeliveryID: deliveryID, EventType: eventType, Payload: event}

	if err := h.norm.Handle(r.Context(), ev); err != nil {
		h.metrics.WebhookRequestsTotal.WithLabelValues("enqueue_failed").Inc()
		logger.Error("normalizing webhook event failed", append(ev.LogFields(), zap.Error(err))...)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	h.metrics.WebhookRequestsTotal.WithLabelValues("accepted").Inc()
	w.WriteHeader(http.StatusAccepted)
}
