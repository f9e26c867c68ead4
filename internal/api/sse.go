package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/nidhogg/finresearch/internal/progress"
	"github.com/nidhogg/finresearch/internal/store"
	"go.uber.org/zap"
)

// followEvents streams a job's events as Server-Sent Events, starting with
// the ones already recorded. The stream ends after the done event or when
// the client goes away.
func (h *Handler) followEvents(w http.ResponseWriter, r *http.Request) {
	if h.opts.Follow == nil {
		writeError(w, http.StatusNotImplemented, "event follow not configured")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	id := chi.URLParam(r, "id")
	if _, err := h.jobs.GetJob(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		h.logger.Error("get job", zap.String("job", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not load job")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for rec := range h.opts.Follow.Subscribe(r.Context(), id) {
		if err := writeSSE(w, rec); err != nil {
			h.logger.Debug("follow stream closed", zap.String("job", id), zap.Error(err))
			return
		}
		flusher.Flush()
	}
}

func writeSSE(w http.ResponseWriter, rec progress.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", rec.Event, data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}
