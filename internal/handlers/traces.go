package handlers

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/Garl-Protocol/garl/internal/core"
	"github.com/Garl-Protocol/garl/internal/pipeline"
	"github.com/Garl-Protocol/garl/internal/signing"
)

// SubmitTrace records one execution trace for the authenticated agent.
func (h *Handlers) SubmitTrace(w http.ResponseWriter, r *http.Request) {
	agent, err := authenticate(r.Context(), h.Store, r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req pipeline.SubmitRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.AgentID == "" {
		req.AgentID = agent.ID
	}

	start := time.Now()
	res, err := h.Pipeline.Submit(r.Context(), agent, &req)
	if err != nil {
		writeError(w, err)
		return
	}
	h.Metrics.TraceDuration.Observe(time.Since(start).Seconds())
	h.Metrics.TracesSubmitted.WithLabelValues(req.Status).Inc()

	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

// SubmitBatch records up to 50 traces in one call.
func (h *Handlers) SubmitBatch(w http.ResponseWriter, r *http.Request) {
	agent, err := authenticate(r.Context(), h.Store, r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req struct {
		Traces []*pipeline.SubmitRequest `json:"traces"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	for _, t := range req.Traces {
		if t.AgentID == "" {
			t.AgentID = agent.ID
		}
	}

	res, err := h.Pipeline.SubmitBatch(r.Context(), agent, req.Traces)
	if err != nil {
		writeError(w, err)
		return
	}
	for _, d := range res.Details {
		if d.Error == "" && d.Result != nil {
			h.Metrics.TracesSubmitted.WithLabelValues("batch").Inc()
		}
	}
	writeJSON(w, http.StatusOK, res)
}

// CheckCertificate statelessly verifies a certificate envelope. No storage
// access: anyone holding the certificate can validate it offline or here.
func (h *Handlers) CheckCertificate(w http.ResponseWriter, r *http.Request) {
	var cert map[string]interface{}
	if err := decodeBody(r, &cert); err != nil {
		writeError(w, err)
		return
	}

	valid, err := signing.Verify(cert)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"valid": valid})
}

// GetTrace serves one trace with its certificate.
func (h *Handlers) GetTrace(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !validUUID(id) {
		writeError(w, core.NewError(core.KindValidation, "invalid trace id"))
		return
	}
	trace, err := h.Store.GetTrace(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, publicTrace(trace))
}

// Feed serves the most recent traces across all agents.
func (h *Handlers) Feed(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 20, 100)
	traces, err := h.Store.RecentTraces(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]map[string]interface{}, 0, len(traces))
	for _, t := range traces {
		out = append(out, map[string]interface{}{
			"id":          t.ID,
			"agent_id":    t.AgentID,
			"status":      string(t.Status),
			"category":    string(t.Category),
			"duration_ms": t.DurationMs,
			"trust_delta": t.TrustDelta,
			"created_at":  t.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"feed": out})
}
