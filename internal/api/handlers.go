package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/MrWong99/toolrun/internal/observe"
	"github.com/MrWong99/toolrun/internal/runtime"
	"github.com/MrWong99/toolrun/pkg/toolerr"
)

// toolDescriptor is one entry of GET /v1/tools.
type toolDescriptor struct {
	Name        string         `json:"name"`
	Category    string         `json:"category,omitempty"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

func (s *Server) handleListTools(w http.ResponseWriter, _ *http.Request) {
	specs := s.registry.List()
	out := make([]toolDescriptor, 0, len(specs))
	for _, sp := range specs {
		out = append(out, toolDescriptor{
			Name:        sp.Name,
			Category:    sp.Category,
			Description: sp.Description,
			InputSchema: sp.InputSchema,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": out})
}

// invokeRequest is the body of POST /v1/tools/{name}/invoke.
type invokeRequest struct {
	Subject   string          `json:"subject"`
	TimeoutMs int64           `json:"timeout_ms"`
	Cost      *float64        `json:"cost"`
	Params    json.RawMessage `json:"params"`
}

func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	var req invokeRequest
	if r.ContentLength != 0 {
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			writeError(w, toolerr.NewValidation(name, "", fmt.Sprintf("invalid request body: %v", err)))
			return
		}
	}
	if req.TimeoutMs < 0 {
		writeError(w, toolerr.NewValidation(name, "timeout_ms", "timeout_ms must be >= 0"))
		return
	}

	var opts []runtime.InvokeOption
	if req.Subject != "" {
		opts = append(opts, runtime.WithSubject(req.Subject))
	}
	if req.TimeoutMs > 0 {
		opts = append(opts, runtime.WithTimeout(time.Duration(req.TimeoutMs)*time.Millisecond))
	}
	if req.Cost != nil {
		opts = append(opts, runtime.WithCost(*req.Cost))
	}

	writeResponse(w, s.rt.InvokeNamed(r.Context(), s.registry, name, req.Params, opts...))
}

// parseDays reads the optional ?days= lookback. Absent or 0 means unbounded.
func parseDays(r *http.Request) (int, error) {
	v := r.URL.Query().Get("days")
	if v == "" {
		return 0, nil
	}
	days, err := strconv.Atoi(v)
	if err != nil || days < 0 {
		return 0, errors.New("days must be a non-negative integer")
	}
	return days, nil
}

func (s *Server) handleAllMetrics(w http.ResponseWriter, r *http.Request) {
	if !s.analyticsAvailable(w) {
		return
	}
	days, err := parseDays(r)
	if err != nil {
		writeError(w, toolerr.NewValidation("", "days", err.Error()))
		return
	}
	all, err := s.pipeline.QueryAllMetrics(r.Context(), days)
	if err != nil {
		s.queryFailed(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"since_days": days, "tools": all})
}

func (s *Server) handleToolMetrics(w http.ResponseWriter, r *http.Request) {
	if !s.analyticsAvailable(w) {
		return
	}
	name := r.PathValue("tool")
	days, err := parseDays(r)
	if err != nil {
		writeError(w, toolerr.NewValidation(name, "days", err.Error()))
		return
	}
	m, err := s.pipeline.QueryMetrics(r.Context(), name, days)
	if err != nil {
		s.queryFailed(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleCircuits(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"circuits": s.breakers.Snapshot()})
}

func (s *Server) analyticsAvailable(w http.ResponseWriter) bool {
	if s.pipeline != nil {
		return true
	}
	writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "analytics are not configured"})
	return false
}

func (s *Server) queryFailed(w http.ResponseWriter, r *http.Request, err error) {
	observe.Logger(r.Context()).Error("analytics query failed", "err", err)
	writeError(w, toolerr.NewInternal("", err))
}
