// Package api provides HTTP handlers for the voice agent webhooks.
package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/ashureev/voicebridge/internal/callflow"
	"github.com/ashureev/voicebridge/internal/metrics"
)

// maxPayloadBytes caps webhook bodies; post-call transcripts can be large.
const maxPayloadBytes = 4 << 20

// errNotObject reports a JSON body that is not an object.
var errNotObject = errors.New("payload must be a JSON object")

// Handler provides common handler utilities.
type Handler struct {
	svc     *callflow.Service
	metrics *metrics.Metrics
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(svc *callflow.Service, m *metrics.Metrics) *Handler {
	return &Handler{svc: svc, metrics: m}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// decodePayload reads a webhook body into a generic map. Numbers are kept as
// json.Number so long numeric identifiers survive intact. An empty body
// decodes to an empty payload.
func decodePayload(w http.ResponseWriter, r *http.Request) (map[string]any, error) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPayloadBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return map[string]any{}, nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	payload, ok := v.(map[string]any)
	if !ok {
		return nil, errNotObject
	}
	return payload, nil
}
