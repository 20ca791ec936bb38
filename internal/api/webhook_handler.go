package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/escolar/billing-service/internal/app"
	"github.com/escolar/billing-service/internal/domain"
)

const maxWebhookBody = 1 << 20

// webhookToken reads the token Asaas sends with every notification.
func webhookToken(r *http.Request) string {
	if token := r.Header.Get("asaas-access-token"); token != "" {
		return token
	}
	return r.Header.Get("x-asaas-webhook-token")
}

// handleAsaasWebhook authenticates, validates and durably stores a gateway
// notification. Processing happens asynchronously.
func (h *Handler) handleAsaasWebhook(w http.ResponseWriter, r *http.Request) {
	schoolID, ok := uuidParam(w, r, "schoolID")
	if !ok {
		return
	}

	if err := h.service.AuthorizeWebhook(r.Context(), schoolID, webhookToken(r)); err != nil {
		if errors.Is(err, app.ErrWebhookUnauthorized) {
			h.logger.Warn("webhook rejected", "school_id", schoolID, "reason", "invalid token")
			respondWithError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		h.fail(w, r, "authorize webhook", err)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Unable to read request body")
		return
	}

	result, err := h.service.IngestWebhook(r.Context(), schoolID, body)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidWebhookPayload) {
			h.logger.Warn("invalid webhook payload", "school_id", schoolID, "error", err)
			respondWithError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.fail(w, r, "ingest webhook", err)
		return
	}

	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"received":         true,
		"webhook_event_id": result.Event.ID,
		"duplicate":        !result.Created,
	})
}
