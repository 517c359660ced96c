package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	suberr "github.com/rcliao/memory-substrate/internal/errors"
	"github.com/rcliao/memory-substrate/internal/packet"
	"github.com/rcliao/memory-substrate/internal/store"
	"github.com/rcliao/memory-substrate/internal/substrate"
)

// Handlers contains the substrate's HTTP route handlers.
type Handlers struct {
	svc    *substrate.Service
	hub    *Hub
	logger *zap.Logger
}

// HandleWritePacket handles POST /packets.
func (h *Handlers) HandleWritePacket(w http.ResponseWriter, r *http.Request) {
	var in packet.EnvelopeIn
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	res, err := h.svc.WritePacket(r.Context(), in)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	status := http.StatusCreated
	if res.Status == substrate.StatusDuplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

// HandleGetPacket handles GET /packets/{id}.
func (h *Handlers) HandleGetPacket(w http.ResponseWriter, r *http.Request) {
	env, err := h.svc.GetPacket(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, env)
}

// HandleDerivations handles GET /packets/{id}/derivations.
func (h *Handlers) HandleDerivations(w http.ResponseWriter, r *http.Request) {
	envs, err := h.svc.Derivations(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"derivations": envs})
}

// HandleSearch handles POST /search.
func (h *Handlers) HandleSearch(w http.ResponseWriter, r *http.Request) {
	var req substrate.SearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	hits, err := h.svc.SearchPackets(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	if hits == nil {
		hits = []substrate.SearchResult{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"query": req.Query, "hits": hits})
}

// HandleEvents handles GET /events/{agent_id}.
func (h *Handlers) HandleEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.svc.Events(r.Context(), r.PathValue("agent_id"), queryInt(r, "limit", 50))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	if events == nil {
		events = []packet.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// HandleTraces handles GET /traces.
func (h *Handlers) HandleTraces(w http.ResponseWriter, r *http.Request) {
	traces, err := h.svc.Traces(r.Context(), store.TraceFilter{
		PacketID: r.URL.Query().Get("packet_id"),
		Mode:     r.URL.Query().Get("mode"),
		Limit:    queryInt(r, "limit", 50),
	})
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	if traces == nil {
		traces = []packet.ReasoningBlock{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"traces": traces})
}

// HandleCheckpoint handles GET /checkpoints/{agent_id}.
func (h *Handlers) HandleCheckpoint(w http.ResponseWriter, r *http.Request) {
	cp, err := h.svc.Checkpoint(r.Context(), r.PathValue("agent_id"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cp)
}

// HandleStats handles GET /stats.
func (h *Handlers) HandleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.Stats(r.Context())
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// HandleHealth handles GET /healthz.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeServiceError maps a substrate error onto its HTTP status.
func (h *Handlers) writeServiceError(w http.ResponseWriter, err error) {
	if serr, ok := suberr.As(err); ok {
		writeError(w, serr.Status, string(serr.Code), serr.Message)
		return
	}
	h.logger.Error("unclassified error", zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal", "internal error")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
