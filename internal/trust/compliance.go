package trust

import (
	"context"
	"time"

	"github.com/Garl-Protocol/garl/internal/core"
)

// ComplianceReport is the audit-grade view of one agent: SLA metrics,
// anomaly record, endorsement graph edges and the dimensional breakdown.
// Pure read; nothing is persisted.
type ComplianceReport struct {
	AgentID     string `json:"agent_id"`
	Name        string `json:"name"`
	GeneratedAt string `json:"generated_at"`

	SLA struct {
		UptimePercent     float64 `json:"uptime_percent"`
		AvgLatencyMs      int     `json:"avg_latency_ms"`
		TotalExecutions   int     `json:"total_executions"`
		CertificationTier string  `json:"certification_tier"`
		TierQualified     bool    `json:"tier_qualified"`
	} `json:"sla"`

	Anomalies struct {
		Active   []core.AnomalyFlag `json:"active"`
		Archived []core.AnomalyFlag `json:"archived"`
	} `json:"anomalies"`

	Endorsements struct {
		Received      []*core.Endorsement `json:"received"`
		Given         []*core.Endorsement `json:"given"`
		TotalBonus    float64             `json:"total_bonus"`
		ReceivedCount int                 `json:"received_count"`
	} `json:"endorsements"`

	PermissionsDeclared []string        `json:"permissions_declared"`
	Dimensions          core.Dimensions `json:"dimensions"`
	TrustScore          float64         `json:"trust_score"`
}

// Compliance assembles the report for an agent after applying decay.
func (s *Service) Compliance(ctx context.Context, agentID string) (*ComplianceReport, error) {
	agent, err := s.loadFresh(ctx, agentID)
	if err != nil {
		return nil, err
	}

	received, err := s.store.ListEndorsementsByTarget(ctx, agentID)
	if err != nil {
		return nil, err
	}
	given, err := s.store.ListEndorsementsByEndorser(ctx, agentID)
	if err != nil {
		return nil, err
	}

	r := &ComplianceReport{
		AgentID:             agent.ID,
		Name:                agent.Name,
		GeneratedAt:         time.Now().UTC().Format(time.RFC3339),
		PermissionsDeclared: agent.PermissionsDeclared,
		Dimensions:          agent.Dimensions(),
		TrustScore:          agent.TrustScore,
	}

	r.SLA.UptimePercent = agent.SuccessRate
	r.SLA.AvgLatencyMs = agent.AvgDurationMs
	r.SLA.TotalExecutions = agent.TotalTraces
	r.SLA.CertificationTier = string(agent.CertificationTier)
	r.SLA.TierQualified = agent.CertificationTier == s.engine.TierFor(agent.TrustScore)

	for _, f := range agent.AnomalyFlags {
		if f.Archived {
			r.Anomalies.Archived = append(r.Anomalies.Archived, f)
		} else {
			r.Anomalies.Active = append(r.Anomalies.Active, f)
		}
	}

	r.Endorsements.Received = received
	r.Endorsements.Given = given
	r.Endorsements.ReceivedCount = len(received)
	for _, e := range received {
		r.Endorsements.TotalBonus += e.BonusApplied
	}

	return r, nil
}
