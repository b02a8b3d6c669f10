package api

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/nadmax/convoq/internal/httputil"
	"github.com/nadmax/convoq/internal/llm"
	"github.com/nadmax/convoq/internal/stream"
)

type ChatRequest struct {
	Prompt string    `json:"prompt"`
	Model  llm.Model `json:"model"`
}

// sseSink writes each event as one server-sent event and flushes it.
type sseSink struct {
	w  http.ResponseWriter
	rc *http.ResponseController
}

func newSSESink(w http.ResponseWriter) *sseSink {
	return &sseSink{w: w, rc: http.NewResponseController(w)}
}

func (s *sseSink) Send(e stream.Event) error {
	data, err := e.JSON()
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	return s.rc.Flush()
}

func (a *API) streamChat(w http.ResponseWriter, r *http.Request) {
	if a.bridge == nil {
		httputil.WriteJSONError(w, "Chat streaming is not configured", http.StatusServiceUnavailable)
		return
	}

	var req ChatRequest
	if err := decodeJSON(w, r, &req); err != nil {
		httputil.WriteJSONError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.Model == "" {
		req.Model = llm.ModelQuality
	}

	llmReq := llm.Request{Prompt: req.Prompt, Model: req.Model}
	if err := llmReq.Validate(); err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	sess := a.bridge.NewSession()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Session-ID", sess.ID)
	w.WriteHeader(http.StatusOK)

	if err := a.bridge.Run(r.Context(), sess, llmReq, newSSESink(w)); err != nil {
		a.logger.DebugContext(r.Context(), "chat stream ended", "session_id", sess.ID, "state", sess.State().String(), "error", err)
	}
}

func (a *API) cancelChat(w http.ResponseWriter, r *http.Request) {
	if a.bridge == nil {
		httputil.WriteJSONError(w, "Chat streaming is not configured", http.StatusServiceUnavailable)
		return
	}

	id := chi.URLParam(r, "id")
	if !a.bridge.Cancel(id) {
		httputil.WriteJSONError(w, "Session not found", http.StatusNotFound)
		return
	}

	httputil.WriteJSON(w, http.StatusAccepted, map[string]string{"session_id": id, "status": "cancelling"})
}
