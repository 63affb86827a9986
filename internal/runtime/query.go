package runtime

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/fablecast/fablecast/internal/playback"
	"github.com/fablecast/fablecast/internal/store"
)

type chunkView struct {
	Sequence   int    `json:"sequence"`
	Status     string `json:"status"`
	Location   string `json:"location"`
	DurationMS int    `json:"duration_ms"`
	SizeBytes  int64  `json:"size_bytes"`
}

type requestView struct {
	ID         string      `json:"id"`
	Campaign   string      `json:"campaign"`
	Lane       string      `json:"lane"`
	Status     string      `json:"status"`
	ChunkCount int         `json:"chunk_count"`
	Chunks     []chunkView `json:"chunks"`
}

type queueView struct {
	Campaign     string `json:"campaign"`
	Lane         string `json:"lane"`
	Current      string `json:"current,omitempty"`
	PendingCount int    `json:"pending_count"`
}

// registerQueryRoutes mounts the HTTP read surface: chunk manifests for
// clients fetching audio and queue snapshots for dashboards.
func registerQueryRoutes(mux *http.ServeMux, st *store.Store, engine *playback.Engine, logger *slog.Logger) {
	mux.HandleFunc("GET /v1/requests/{id}/chunks", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		req, err := st.GetRequest(r.Context(), id)
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "unknown request", http.StatusNotFound)
			return
		}
		if err != nil {
			logger.Warn("request lookup failed", slog.String("error", err.Error()))
			http.Error(w, "lookup failed", http.StatusInternalServerError)
			return
		}
		fromSeq := 0
		if from := r.URL.Query().Get("from"); from != "" {
			parsed, err := strconv.Atoi(from)
			if err != nil || parsed < 0 {
				http.Error(w, "from must be a non-negative integer", http.StatusBadRequest)
				return
			}
			fromSeq = parsed
		}
		chunks, err := st.OrderedChunks(r.Context(), id, fromSeq)
		if err != nil {
			logger.Warn("chunk lookup failed", slog.String("error", err.Error()))
			http.Error(w, "lookup failed", http.StatusInternalServerError)
			return
		}
		view := requestView{
			ID:         req.ID,
			Campaign:   req.Campaign,
			Lane:       req.Lane,
			Status:     string(req.Status),
			ChunkCount: req.ChunkCount,
			Chunks:     make([]chunkView, 0, len(chunks)),
		}
		for _, c := range chunks {
			view.Chunks = append(view.Chunks, chunkView{
				Sequence:   c.Sequence,
				Status:     string(c.Status),
				Location:   c.Location,
				DurationMS: c.DurationMS,
				SizeBytes:  c.SizeBytes,
			})
		}
		writeJSON(w, view, logger)
	})

	mux.HandleFunc("GET /v1/queue", func(w http.ResponseWriter, r *http.Request) {
		campaign := r.URL.Query().Get("campaign")
		lane := r.URL.Query().Get("lane")
		if campaign == "" || lane == "" {
			http.Error(w, "campaign and lane are required", http.StatusBadRequest)
			return
		}
		current, pending, err := engine.QueueSnapshot(r.Context(), campaign, lane)
		if err != nil {
			logger.Warn("queue snapshot failed", slog.String("error", err.Error()))
			http.Error(w, "lookup failed", http.StatusInternalServerError)
			return
		}
		writeJSON(w, queueView{
			Campaign:     campaign,
			Lane:         lane,
			Current:      current,
			PendingCount: pending,
		}, logger)
	})
}

func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("failed to encode response", slog.String("error", err.Error()))
	}
}
