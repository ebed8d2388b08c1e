package trust

import (
	"context"
	"time"

	"github.com/Garl-Protocol/garl/internal/core"
	"github.com/Garl-Protocol/garl/internal/storage"
)

// Verdict is the delegation advice served to agents deciding whether to
// hand work to a peer.
type Verdict struct {
	AgentID           string              `json:"agent_id"`
	Registered        bool                `json:"registered"`
	TrustScore        float64             `json:"trust_score"`
	Verified          bool                `json:"verified"`
	RiskLevel         core.RiskLevel      `json:"risk_level"`
	Recommendation    core.Recommendation `json:"recommendation"`
	CertificationTier core.Tier           `json:"certification_tier"`
	Dimensions        core.Dimensions     `json:"dimensions"`
	Anomalies         []core.AnomalyFlag  `json:"anomalies"`
	LastActive        *time.Time          `json:"last_active"`
	Instructions      string              `json:"instructions,omitempty"`
}

// Verify returns the trust verdict for an agent after applying decay.
// Unknown agents get a registered=false document with onboarding
// instructions instead of an error, so callers can always act on the answer.
func (s *Service) Verify(ctx context.Context, agentID string) (*Verdict, error) {
	if cached, ok := s.cache.Get("verdict:" + agentID); ok {
		return cached.(*Verdict), nil
	}

	agent, err := s.loadFresh(ctx, agentID)
	if core.KindOf(err) == core.KindNotFound {
		return &Verdict{
			AgentID:        agentID,
			Registered:     false,
			Recommendation: core.RecDoNotDelegate,
			RiskLevel:      core.RiskCritical,
			Instructions:   "Agent is not registered. POST /api/v1/agents/auto-register to join the ledger.",
		}, nil
	}
	if err != nil {
		return nil, err
	}

	v := &Verdict{
		AgentID:           agent.ID,
		Registered:        true,
		TrustScore:        agent.TrustScore,
		Verified:          agent.Verified(),
		CertificationTier: agent.CertificationTier,
		Dimensions:        agent.Dimensions(),
		Anomalies:         agent.ActiveAnomalies(),
		LastActive:        agent.LastTraceAt,
	}
	v.Recommendation, v.RiskLevel = recommend(agent)

	s.cache.SetDefault("verdict:"+agentID, v)
	return v, nil
}

// recommend evaluates the verdict table top-down, first match wins.
func recommend(a *core.Agent) (core.Recommendation, core.RiskLevel) {
	score := a.TrustScore
	verified := a.Verified()
	noActive := len(a.ActiveAnomalies()) == 0

	switch {
	case score >= 75 && verified && noActive:
		return core.RecTrusted, core.RiskLow
	case score >= 60 && verified:
		return core.RecTrustedMonitored, core.RiskLow
	case score >= 50:
		return core.RecProceedMonitored, core.RiskMedium
	case score >= 25:
		return core.RecCaution, core.RiskHigh
	default:
		return core.RecDoNotDelegate, core.RiskCritical
	}
}

// Route returns the best agents in a category at or above a minimum tier,
// excluding sandbox, deleted and critically-flagged agents.
func (s *Service) Route(ctx context.Context, category core.Category, minTier core.Tier, limit int) ([]*core.Agent, error) {
	if limit <= 0 || limit > 50 {
		limit = 5
	}
	agents, err := s.store.ListAgents(ctx, storage.AgentFilter{
		Category: category,
		Tiers:    core.TiersFrom(minTier),
		// over-fetch to survive the critical-anomaly filter
		Limit: limit * 2,
	})
	if err != nil {
		return nil, err
	}

	out := make([]*core.Agent, 0, limit)
	for _, a := range agents {
		if a.HasCriticalAnomaly() {
			continue
		}
		out = append(out, a)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// Compare returns verdict-grade summaries for up to 10 agents side by side.
func (s *Service) Compare(ctx context.Context, ids []string) ([]*Verdict, error) {
	if len(ids) < 2 {
		return nil, core.NewError(core.KindValidation, "compare needs at least 2 agent ids")
	}
	if len(ids) > 10 {
		return nil, core.NewError(core.KindValidation, "compare accepts at most 10 agent ids")
	}
	out := make([]*Verdict, 0, len(ids))
	for _, id := range ids {
		v, err := s.Verify(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// Leaderboard lists the top agents, optionally scoped to a category.
func (s *Service) Leaderboard(ctx context.Context, category core.Category, limit, offset int) ([]*core.Agent, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return s.store.ListAgents(ctx, storage.AgentFilter{
		Category: category,
		Limit:    limit,
		Offset:   offset,
	})
}
