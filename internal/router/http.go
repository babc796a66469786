package router

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// maxRequestBytes caps the routing request body.
const maxRequestBytes = 64 << 10

type errorBody struct {
	Error string `json:"error"`
}

// Handler serves routing decisions as JSON for the webhook layer.
//
//	POST /v1/route  {"called_number":"+1555...","caller_number":"+1999...","call_id":"CA..","digits":"2"}
type Handler struct {
	router *Router
}

// NewHandler wraps r.
func NewHandler(r *Router) *Handler {
	return &Handler{router: r}
}

// Register adds the routing endpoint to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("POST /v1/route", h)
}

// ServeHTTP implements [http.Handler].
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req Request
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body: " + err.Error()})
		return
	}
	if req.CallID == "" || req.CalledNumber == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "call_id and called_number are required"})
		return
	}

	d, err := h.router.Route(r.Context(), req)
	if err != nil {
		slog.Error("routing failed", "call_id", req.CallID, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "routing failed"})
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("router: write response", "error", err)
	}
}
