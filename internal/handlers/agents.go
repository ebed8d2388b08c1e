package handlers

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/Garl-Protocol/garl/internal/core"
	"github.com/Garl-Protocol/garl/internal/storage"
)

type registerRequest struct {
	Name                string   `json:"name"`
	Description         string   `json:"description"`
	Framework           string   `json:"framework"`
	Category            string   `json:"category"`
	HomepageURL         string   `json:"homepage_url"`
	PermissionsDeclared []string `json:"permissions_declared"`
	IsSandbox           bool     `json:"is_sandbox"`
}

// registerAgent validates the request and persists a fresh identity,
// returning the one-time credentials payload.
func (h *Handlers) registerAgent(r *http.Request) (map[string]interface{}, error) {
	var req registerRequest
	if err := decodeBody(r, &req); err != nil {
		return nil, err
	}

	req.Name = stripHTML(req.Name)
	req.Description = stripHTML(req.Description)
	if req.Name == "" {
		return nil, core.NewError(core.KindValidation, "name is required")
	}
	if len(req.Name) > 100 || len(req.Description) > 1000 {
		return nil, core.NewError(core.KindValidation, "name or description too long")
	}
	category, err := core.ParseCategory(req.Category)
	if err != nil {
		return nil, core.NewError(core.KindValidation, "unknown category %q", req.Category)
	}

	apiKey := NewAPIKey()
	now := time.Now().UTC()
	agent := &core.Agent{
		ID:                  uuid.NewString(),
		Name:                req.Name,
		Description:         req.Description,
		Framework:           stripHTML(req.Framework),
		Category:            category,
		HomepageURL:         strings.TrimSpace(req.HomepageURL),
		APIKeyHash:          HashAPIKey(apiKey),
		IsSandbox:           req.IsSandbox,
		TrustScore:          50,
		ScoreReliability:    50,
		ScoreSecurity:       50,
		ScoreSpeed:          50,
		ScoreCostEfficiency: 50,
		ScoreConsistency:    50,
		CertificationTier:   core.TierSilver,
		PermissionsDeclared: req.PermissionsDeclared,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	agent.SovereignID = core.SovereignID(agent.ID)

	if err := h.Store.CreateAgent(r.Context(), agent); err != nil {
		return nil, err
	}

	h.Metrics.AgentsRegistered.Inc()
	h.logger.Printf("✅ Registered agent %s (%s)", agent.Name, agent.ID)

	return map[string]interface{}{
		"agent":   publicAgent(agent),
		"api_key": apiKey,
		"did":     agent.SovereignID,
		"notice":  "Store the api_key now. It is shown only once.",
	}, nil
}

// Register creates a new agent identity. The API key is minted server-side
// and returned exactly once; only its hash is stored.
func (h *Handlers) Register(w http.ResponseWriter, r *http.Request) {
	payload, err := h.registerAgent(r)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, payload)
}

// AutoRegister is the machine-first onboarding path: same registration plus
// step-by-step instructions an agent can follow without a human.
func (h *Handlers) AutoRegister(w http.ResponseWriter, r *http.Request) {
	payload, err := h.registerAgent(r)
	if err != nil {
		writeError(w, err)
		return
	}
	payload["instructions"] = map[string]interface{}{
		"1_store_key": "Persist the api_key in your secret store. It cannot be recovered.",
		"2_submit":    "POST " + h.BaseURL + "/api/v1/verify with header X-Api-Key after every task execution.",
		"3_verify":    "GET " + h.BaseURL + "/api/v1/trust/verify?agent_id=<peer> before delegating work.",
		"4_badge":     h.BaseURL + "/api/v1/badge/svg/{agent_id} renders your live trust badge.",
	}
	writeJSON(w, http.StatusCreated, payload)
}

// GetAgent serves the public profile, decay applied.
func (h *Handlers) GetAgent(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !validUUID(id) {
		writeError(w, core.NewError(core.KindValidation, "invalid agent id"))
		return
	}

	v, err := h.Trust.Verify(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if !v.Registered {
		writeError(w, core.ErrAgentNotFound)
		return
	}

	agent, err := h.Store.GetAgent(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, publicAgent(agent))
}

// GetAgentDetail serves profile + recent traces + history + decay projection.
func (h *Handlers) GetAgentDetail(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !validUUID(id) {
		writeError(w, core.NewError(core.KindValidation, "invalid agent id"))
		return
	}

	ctx := r.Context()
	if _, err := h.Trust.Verify(ctx, id); err != nil {
		writeError(w, err)
		return
	}
	agent, err := h.Store.GetAgent(ctx, id)
	if err != nil {
		writeError(w, err)
		return
	}

	traces, err := h.Store.ListTraces(ctx, id, 50, 0)
	if err != nil {
		writeError(w, err)
		return
	}
	history, err := h.Store.ListHistory(ctx, id, 100)
	if err != nil {
		writeError(w, err)
		return
	}

	traceViews := make([]map[string]interface{}, 0, len(traces))
	for _, t := range traces {
		traceViews = append(traceViews, publicTrace(t))
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"agent":            publicAgent(agent),
		"recent_traces":    traceViews,
		"history":          history,
		"decay_projection": h.Engine.ProjectDecay(agent, []int{7, 30, 60, 90}),
	})
}

// GetAgentHistory serves the reputation history ledger.
func (h *Handlers) GetAgentHistory(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !validUUID(id) {
		writeError(w, core.NewError(core.KindValidation, "invalid agent id"))
		return
	}
	limit := queryInt(r, "limit", 100, 500)
	rows, err := h.Store.ListHistory(r.Context(), id, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"agent_id": id, "history": rows})
}

// GetAgentTraces serves the paginated public trace list.
func (h *Handlers) GetAgentTraces(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !validUUID(id) {
		writeError(w, core.NewError(core.KindValidation, "invalid agent id"))
		return
	}
	if _, err := h.Store.GetAgent(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	limit := queryInt(r, "limit", 20, 100)
	offset := queryInt(r, "offset", 0, 0)

	traces, err := h.Store.ListTraces(r.Context(), id, limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]map[string]interface{}, 0, len(traces))
	for _, t := range traces {
		out = append(out, publicTrace(t))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"agent_id": id, "traces": out, "limit": limit, "offset": offset,
	})
}

// DeleteAgent soft-deletes an identity. The confirmation string guards
// against accidental calls; traces and history stay in the ledger.
func (h *Handlers) DeleteAgent(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	agent, err := requireOwner(r.Context(), h.Store, r, id)
	if err != nil {
		writeError(w, err)
		return
	}

	var req struct {
		Confirm string `json:"confirm"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Confirm != "DELETE_CONFIRMED" {
		writeError(w, core.NewError(core.KindValidation, `confirm must be "DELETE_CONFIRMED"`))
		return
	}

	agent.IsDeleted = true
	agent.UpdatedAt = time.Now().UTC()
	if err := h.Store.UpdateAgent(r.Context(), agent); err != nil {
		writeError(w, err)
		return
	}
	h.logger.Printf("Agent %s soft-deleted by owner", id)
	writeJSON(w, http.StatusOK, map[string]interface{}{"deleted": true, "agent_id": id})
}

// AnonymizeAgent strips the human-readable identity while keeping the
// reputation record intact.
func (h *Handlers) AnonymizeAgent(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	agent, err := requireOwner(r.Context(), h.Store, r, id)
	if err != nil {
		writeError(w, err)
		return
	}

	var req struct {
		Confirm string `json:"confirm"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Confirm != "ANONYMIZE_CONFIRMED" {
		writeError(w, core.NewError(core.KindValidation, `confirm must be "ANONYMIZE_CONFIRMED"`))
		return
	}

	sum := sha256.Sum256([]byte(agent.ID))
	agent.Name = "anon_" + hex.EncodeToString(sum[:])[:12]
	agent.Description = ""
	agent.HomepageURL = ""
	agent.UpdatedAt = time.Now().UTC()
	if err := h.Store.UpdateAgent(r.Context(), agent); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"anonymized": true, "name": agent.Name})
}

// Search finds agents by name or description substring.
func (h *Handlers) Search(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" || len(q) > 100 {
		writeError(w, core.NewError(core.KindValidation, "q must be 1-100 characters"))
		return
	}
	limit := queryInt(r, "limit", 20, 50)

	agents, err := h.Store.ListAgents(r.Context(), storage.AgentFilter{Query: q, Limit: limit})
	if err != nil {
		writeError(w, err)
		return
	}

	results := make([]map[string]interface{}, 0, len(agents))
	for _, a := range agents {
		results = append(results, map[string]interface{}{
			"id":                 a.ID,
			"name":               a.Name,
			"category":           string(a.Category),
			"trust_score":        a.TrustScore,
			"certification_tier": string(a.CertificationTier),
			"verified":           a.Verified(),
			"badge_url":          h.BaseURL + "/api/v1/badge/svg/" + a.ID,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"query": q, "results": results})
}

// GetStats serves ledger-wide aggregates, sandbox agents excluded.
func (h *Handlers) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Store.GetStats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// Leaderboard ranks agents by trust score.
func (h *Handlers) Leaderboard(w http.ResponseWriter, r *http.Request) {
	category, err := parseOptionalCategory(r)
	if err != nil {
		writeError(w, err)
		return
	}
	limit := queryInt(r, "limit", 20, 100)
	offset := queryInt(r, "offset", 0, 0)

	agents, err := h.Trust.Leaderboard(r.Context(), category, limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}

	entries := make([]map[string]interface{}, 0, len(agents))
	for i, a := range agents {
		entries = append(entries, map[string]interface{}{
			"rank":               offset + i + 1,
			"id":                 a.ID,
			"name":               a.Name,
			"category":           string(a.Category),
			"trust_score":        a.TrustScore,
			"certification_tier": string(a.CertificationTier),
			"total_traces":       a.TotalTraces,
			"success_rate":       a.SuccessRate,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"leaderboard": entries})
}

func parseOptionalCategory(r *http.Request) (core.Category, error) {
	raw := r.URL.Query().Get("category")
	if raw == "" {
		return "", nil
	}
	cat, err := core.ParseCategory(raw)
	if err != nil {
		return "", core.NewError(core.KindValidation, "unknown category %q", raw)
	}
	return cat, nil
}
