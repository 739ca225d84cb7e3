// Package api is the thin HTTP façade over the embedded engine API.
// Every route is a direct mapping onto an engine call; no storage
// semantics live here.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/c-u-l8er/warp-engine/engine"
	"github.com/c-u-l8er/warp-engine/logger"
	"github.com/c-u-l8er/warp-engine/models"
)

// Handler serves the engine over HTTP.
type Handler struct {
	eng *engine.Engine
}

// NewHandler wraps an engine.
func NewHandler(eng *engine.Engine) *Handler {
	return &Handler{eng: eng}
}

// RegisterRoutes attaches the API to a mux router.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/keys/{key}", h.handlePut).Methods(http.MethodPut, http.MethodPost)
	v1.HandleFunc("/keys/{key}", h.handleGet).Methods(http.MethodGet)
	v1.HandleFunc("/keys/{key}", h.handleDelete).Methods(http.MethodDelete)
	v1.HandleFunc("/keys/{key}/companions", h.handleGetWithCompanions).Methods(http.MethodGet)
	v1.HandleFunc("/companions/{key}", h.handleDeclare).Methods(http.MethodPost)
	v1.HandleFunc("/companions/{key}", h.handleForget).Methods(http.MethodDelete)
	v1.HandleFunc("/metrics", h.handleMetrics).Methods(http.MethodGet)
}

// errorBody is the structured failure document. The key is echoed when
// known; values never are.
type errorBody struct {
	Kind           string `json:"kind"`
	ShardID        *int   `json:"shard_id,omitempty"`
	Key            string `json:"key,omitempty"`
	Message        string `json:"message"`
	DiagnosticCode string `json:"diagnostic_code"`
}

func kindOf(err error) (string, int) {
	switch {
	case errors.Is(err, models.ErrInvalidArgument):
		return "invalid_argument", http.StatusBadRequest
	case errors.Is(err, models.ErrNotFound):
		return "not_found", http.StatusNotFound
	case errors.Is(err, models.ErrShardDegraded):
		return "shard_degraded", http.StatusServiceUnavailable
	case errors.Is(err, models.ErrTimeout):
		return "timeout", http.StatusGatewayTimeout
	case errors.Is(err, models.ErrCancelled):
		return "cancelled", http.StatusRequestTimeout
	case errors.Is(err, models.ErrUnavailable):
		return "unavailable", http.StatusServiceUnavailable
	case errors.Is(err, models.ErrCorrupted):
		return "corrupted", http.StatusInternalServerError
	default:
		return "internal", http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	kind, status := kindOf(err)
	body := errorBody{Kind: kind, Message: err.Error()}
	var se *models.StorageError
	if errors.As(err, &se) {
		body.Message = se.Message
		body.DiagnosticCode = se.DiagnosticCode
		body.Key = se.Key
		if se.ShardID >= 0 {
			sid := se.ShardID
			body.ShardID = &sid
		}
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("response encode failed: %v", err)
	}
}

func (h *Handler) handlePut(w http.ResponseWriter, r *http.Request) {
	key := []byte(mux.Vars(r)["key"])
	value, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, models.NewStorageError(models.ErrInvalidArgument, -1, string(key), "E-BODY", "reading body: %v", err))
		return
	}

	opts := &models.PutOptions{}
	q := r.URL.Query()
	switch q.Get("durability") {
	case "", "synced":
	case "buffered":
		opts.Durability = models.DurabilityBuffered
	default:
		writeError(w, models.NewStorageError(models.ErrInvalidArgument, -1, string(key), "E-OPTS",
			"unknown durability %q", q.Get("durability")))
		return
	}
	switch q.Get("cache") {
	case "":
	case "hot":
		opts.CacheHint = models.CacheHintHot
	case "warm":
		opts.CacheHint = models.CacheHintWarm
	case "cold":
		opts.CacheHint = models.CacheHintCold
	case "none":
		opts.CacheHint = models.CacheHintNone
	default:
		writeError(w, models.NewStorageError(models.ErrInvalidArgument, -1, string(key), "E-OPTS",
			"unknown cache hint %q", q.Get("cache")))
		return
	}
	for _, c := range q["companion"] {
		opts.Companions = append(opts.Companions, []byte(c))
	}

	res, err := h.eng.Put(r.Context(), key, value, opts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	res, err := h.eng.Get(r.Context(), []byte(mux.Vars(r)["key"]))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) handleGetWithCompanions(w http.ResponseWriter, r *http.Request) {
	res, err := h.eng.GetWithCompanions(r.Context(), []byte(mux.Vars(r)["key"]))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	outcomes, err := h.eng.Delete(r.Context(), []byte(mux.Vars(r)["key"]))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"outcomes": outcomes})
}

// declareRequest is the body of POST /companions/{key}. Unknown fields
// are rejected.
type declareRequest struct {
	Companions []string `json:"companions"`
	Strength   float64  `json:"strength"`
}

func (h *Handler) handleDeclare(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	var req declareRequest
	if err := dec.Decode(&req); err != nil {
		writeError(w, models.NewStorageError(models.ErrInvalidArgument, -1, key, "E-BODY", "decoding body: %v", err))
		return
	}
	companions := make([][]byte, len(req.Companions))
	for i, c := range req.Companions {
		companions[i] = []byte(c)
	}
	if err := h.eng.DeclareCompanions([]byte(key), companions, req.Strength); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleForget(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	if companion := r.URL.Query().Get("companion"); companion != "" {
		h.eng.ForgetCompanion([]byte(key), []byte(companion))
	} else {
		h.eng.ForgetCompanions([]byte(key))
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.eng.Metrics())
}
