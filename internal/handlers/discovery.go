package handlers

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/Garl-Protocol/garl/internal/core"
)

// AgentCard serves the protocol discovery document. Without an agent_id it
// describes the ledger itself: signing key, scoring weights, tier table and
// how to join. With one, it returns that agent's card.
func (h *Handlers) AgentCard(w http.ResponseWriter, r *http.Request) {
	if agentID := r.URL.Query().Get("agent_id"); agentID != "" {
		h.agentCardFor(w, r, agentID)
		return
	}

	cfg := h.Engine.Config()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"@context":    "https://garl.dev/schemas/v1",
		"name":        "Global Agent Reputation Ledger",
		"description": "Signed execution certificates and portable trust scores for autonomous agents.",
		"url":         h.BaseURL,
		"public_key": map[string]interface{}{
			"type": "EcdsaSecp256k1VerificationKey2019",
			"hex":  h.Signer.PublicKeyHex(),
		},
		"scoring": map[string]interface{}{
			"dimensions": map[string]float64{
				"reliability":     cfg.WeightReliability,
				"security":        cfg.WeightSecurity,
				"speed":           cfg.WeightSpeed,
				"cost_efficiency": cfg.WeightCostEfficiency,
				"consistency":     cfg.WeightConsistency,
			},
			"ema_alpha": cfg.Alpha,
			"baseline":  cfg.Baseline,
		},
		"tiers": map[string]string{
			"bronze":     "< 40",
			"silver":     "40 - 69.99",
			"gold":       "70 - 89.99",
			"enterprise": ">= 90",
		},
		"registration": map[string]string{
			"endpoint": h.BaseURL + "/api/v1/agents/auto-register",
			"method":   "POST",
		},
	})
}

// GetAgentCardByPath serves /agents/{id}/card.
func (h *Handlers) GetAgentCardByPath(w http.ResponseWriter, r *http.Request) {
	h.agentCardFor(w, r, mux.Vars(r)["id"])
}

func (h *Handlers) agentCardFor(w http.ResponseWriter, r *http.Request, agentID string) {
	if !validUUID(agentID) {
		writeError(w, core.NewError(core.KindValidation, "invalid agent id"))
		return
	}
	v, err := h.Trust.Verify(r.Context(), agentID)
	if err != nil {
		writeError(w, err)
		return
	}
	if !v.Registered {
		writeError(w, core.ErrAgentNotFound)
		return
	}
	agent, err := h.Store.GetAgent(r.Context(), agentID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"@context":           "https://garl.dev/schemas/v1",
		"@type":              "AgentCard",
		"id":                 agent.SovereignID,
		"name":               agent.Name,
		"description":        agent.Description,
		"category":           string(agent.Category),
		"framework":          agent.Framework,
		"homepage_url":       agent.HomepageURL,
		"trust_score":        v.TrustScore,
		"certification_tier": string(v.CertificationTier),
		"verified":           v.Verified,
		"recommendation":     string(v.Recommendation),
		"dimensions":         v.Dimensions,
		"badge_url":          h.BaseURL + "/api/v1/badge/svg/" + agent.ID,
		"verify_url":         h.BaseURL + "/api/v1/trust/verify?agent_id=" + agent.ID,
	})
}

// Health is the liveness probe.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status": "degraded",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"service": "garl",
	})
}
