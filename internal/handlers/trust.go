package handlers

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/Garl-Protocol/garl/internal/core"
)

// TrustVerify answers "should I delegate to this agent?".
func (h *Handlers) TrustVerify(w http.ResponseWriter, r *http.Request) {
	if err := h.requireReadAuth(r); err != nil {
		writeError(w, err)
		return
	}
	agentID := r.URL.Query().Get("agent_id")
	if agentID == "" {
		writeError(w, core.NewError(core.KindValidation, "agent_id is required"))
		return
	}
	if !validUUID(agentID) {
		writeError(w, core.NewError(core.KindValidation, "invalid agent id"))
		return
	}

	v, err := h.Trust.Verify(r.Context(), agentID)
	if err != nil {
		writeError(w, err)
		return
	}
	h.Metrics.TrustVerdicts.WithLabelValues(string(v.Recommendation)).Inc()
	writeJSON(w, http.StatusOK, v)
}

// TrustRoute returns the best agents for a category at a minimum tier.
func (h *Handlers) TrustRoute(w http.ResponseWriter, r *http.Request) {
	if err := h.requireReadAuth(r); err != nil {
		writeError(w, err)
		return
	}
	rawCat := r.URL.Query().Get("category")
	if rawCat == "" {
		writeError(w, core.NewError(core.KindValidation, "category is required"))
		return
	}
	category, err := core.ParseCategory(rawCat)
	if err != nil {
		writeError(w, core.NewError(core.KindValidation, "unknown category %q", rawCat))
		return
	}

	minTier := core.TierBronze
	if raw := r.URL.Query().Get("min_tier"); raw != "" {
		minTier, err = core.ParseTier(raw)
		if err != nil {
			writeError(w, core.NewError(core.KindValidation, "unknown tier %q", raw))
			return
		}
	}
	limit := queryInt(r, "limit", 5, 50)

	agents, err := h.Trust.Route(r.Context(), category, minTier, limit)
	if err != nil {
		writeError(w, err)
		return
	}

	out := make([]map[string]interface{}, 0, len(agents))
	for _, a := range agents {
		out = append(out, map[string]interface{}{
			"id":                 a.ID,
			"name":               a.Name,
			"trust_score":        a.TrustScore,
			"certification_tier": string(a.CertificationTier),
			"total_traces":       a.TotalTraces,
			"success_rate":       a.SuccessRate,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"category": string(category),
		"min_tier": string(minTier),
		"agents":   out,
	})
}

// Compare serves up to 10 agents side by side.
func (h *Handlers) Compare(w http.ResponseWriter, r *http.Request) {
	if err := h.requireReadAuth(r); err != nil {
		writeError(w, err)
		return
	}
	raw := r.URL.Query().Get("ids")
	if raw == "" {
		writeError(w, core.NewError(core.KindValidation, "ids is required (comma-separated)"))
		return
	}
	var ids []string
	for _, id := range strings.Split(raw, ",") {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if !validUUID(id) {
			writeError(w, core.NewError(core.KindValidation, "invalid agent id %q", id))
			return
		}
		ids = append(ids, id)
	}

	verdicts, err := h.Trust.Compare(r.Context(), ids)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"agents": verdicts})
}

// Compliance serves the audit report for one agent.
func (h *Handlers) Compliance(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !validUUID(id) {
		writeError(w, core.NewError(core.KindValidation, "invalid agent id"))
		return
	}
	report, err := h.Trust.Compliance(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// Endorse records a peer endorsement from the authenticated agent.
func (h *Handlers) Endorse(w http.ResponseWriter, r *http.Request) {
	endorser, err := authenticate(r.Context(), h.Store, r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req struct {
		TargetID string `json:"target_id"`
		Context  string `json:"context"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if !validUUID(req.TargetID) {
		writeError(w, core.NewError(core.KindValidation, "invalid target_id"))
		return
	}
	if len(req.Context) > 500 {
		writeError(w, core.NewError(core.KindValidation, "context too long"))
		return
	}

	e, err := h.Trust.Endorse(r.Context(), endorser.ID, req.TargetID, stripHTML(req.Context))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

// GetEndorsements lists endorsements received by an agent.
func (h *Handlers) GetEndorsements(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !validUUID(id) {
		writeError(w, core.NewError(core.KindValidation, "invalid agent id"))
		return
	}
	list, err := h.Trust.EndorsementsFor(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"agent_id": id, "endorsements": list})
}
