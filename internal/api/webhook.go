package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/voicebridge/internal/callflow"
	"github.com/ashureev/voicebridge/internal/identity"
	"github.com/ashureev/voicebridge/internal/metrics"
	"github.com/ashureev/voicebridge/internal/store"
	"github.com/go-chi/chi/v5"
)

const (
	initResponseType = "conversation_initiation_client_data"
	skippedReason    = "no caller_id or user_id"
)

// Error codes returned in failed post-call responses.
const (
	codeStoreUnavailable = "store_unavailable"
	codeWriteRejected    = "write_rejected"
	codeUpstreamTimeout  = "upstream_timeout"
)

type initResponse struct {
	Type             string               `json:"type"`
	DynamicVariables callflow.InitContext `json:"dynamic_variables"`
}

type postCallResponse struct {
	OK             bool   `json:"ok"`
	LearnerID      string `json:"learner_id"`
	Channel        string `json:"channel"`
	CallerID       string `json:"caller_id,omitempty"`
	UserID         string `json:"user_id,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	SessionSaved   bool   `json:"session_saved"`
	CRMSynced      bool   `json:"crm_synced"`
}

type skippedResponse struct {
	OK      bool   `json:"ok"`
	Status  string `json:"status"`
	Skipped string `json:"skipped"`
}

type failureResponse struct {
	OK     bool   `json:"ok"`
	Error  string `json:"error"`
	Detail string `json:"detail"`
	Step   string `json:"step,omitempty"`
}

// RegisterRoutes registers the webhook routes and their /api aliases.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/init", h.Init)
	r.Post("/postcall", h.PostCall)
	r.Route("/api", func(r chi.Router) {
		r.Post("/init", h.Init)
		r.Post("/postcall", h.PostCall)
	})
}

// Init returns the conversation-initiation data for the caller. It always
// answers 200 so the agent can start the call.
func (h *Handler) Init(w http.ResponseWriter, r *http.Request) {
	started := time.Now()

	payload, err := decodePayload(w, r)
	if err != nil {
		slog.Warn("Init payload rejected, returning empty context", "error", err)
		payload = map[string]any{}
	}

	vars, identified := h.svc.LookupContext(r.Context(), payload)
	outcome := metrics.OutcomeOK
	if !identified {
		outcome = metrics.OutcomeSkipped
	}
	h.metrics.ObserveWebhook("init", outcome, started)

	JSON(w, http.StatusOK, initResponse{Type: initResponseType, DynamicVariables: vars})
}

// PostCall records the outcome of a finished conversation.
func (h *Handler) PostCall(w http.ResponseWriter, r *http.Request) {
	started := time.Now()

	payload, err := decodePayload(w, r)
	if err != nil {
		h.metrics.ObserveWebhook("postcall", metrics.OutcomeError, started)
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			JSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "payload_too_large", "detail": err.Error()})
			return
		}
		JSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_json", "detail": err.Error()})
		return
	}

	res, err := h.svc.HandlePostCall(r.Context(), payload)
	switch {
	case errors.Is(err, identity.ErrNoIdentity):
		slog.Info("Post-call skipped, no identifier in payload")
		h.metrics.ObserveWebhook("postcall", metrics.OutcomeSkipped, started)
		JSON(w, http.StatusOK, skippedResponse{OK: true, Status: "skipped", Skipped: skippedReason})
		return
	case err != nil:
		resp := failureResponse{Error: errorCode(err), Detail: store.Detail(err)}
		var stepErr *callflow.StepError
		if errors.As(err, &stepErr) {
			resp.Step = stepErr.Step
		}
		slog.Error("Post-call failed", "step", resp.Step, "error", err)
		h.metrics.ObserveWebhook("postcall", metrics.OutcomeError, started)
		JSON(w, http.StatusInternalServerError, resp)
		return
	}

	h.metrics.ObserveWebhook("postcall", metrics.OutcomeOK, started)
	JSON(w, http.StatusOK, postCallResponse{
		OK:             true,
		LearnerID:      res.LearnerID,
		Channel:        string(res.Channel),
		CallerID:       res.CallerID,
		UserID:         res.UserID,
		ConversationID: res.ConversationID,
		SessionSaved:   res.SessionSaved,
		CRMSynced:      res.CRMSynced,
	})
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, store.ErrUpstreamTimeout), store.IsTimeout(err):
		return codeUpstreamTimeout
	case errors.Is(err, store.ErrWriteRejected):
		return codeWriteRejected
	default:
		return codeStoreUnavailable
	}
}
