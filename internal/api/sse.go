package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// JobEvents handles GET /jobs/{id}/events (SSE endpoint). A snapshot is sent
// right away and then on every tick until the job is terminal.
func (h *Handler) JobEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	job, err := h.manager.Get(id)
	if err != nil {
		writeJobError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	rc := http.NewResponseController(w)
	ticker := time.NewTicker(h.eventInterval)
	defer ticker.Stop()

	for {
		data, _ := json.Marshal(newJobResponse(job))
		fmt.Fprintf(w, "event: job\ndata: %s\n\n", data)
		if err := rc.Flush(); err != nil {
			return
		}
		if job.IsTerminal() {
			return
		}

		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}

		job, err = h.manager.Get(id)
		if err != nil {
			fmt.Fprintf(w, "event: error\ndata: %s\n\n", err.Error())
			rc.Flush()
			return
		}
	}
}
