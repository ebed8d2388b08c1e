package reputation

import (
	"math"
	"time"

	"github.com/Garl-Protocol/garl/internal/core"
)

// ApplyDecay pulls each dimensional score toward the baseline by the
// configured daily rate for every day of inactivity, then recomputes the
// composite. Returns true when anything changed; callers persist the agent
// under its lock. Decay never moves a score past the baseline.
func (e *Engine) ApplyDecay(agent *core.Agent, now time.Time) bool {
	if agent.LastTraceAt == nil {
		return false
	}
	elapsed := now.Sub(*agent.LastTraceAt)
	if elapsed < time.Duration(e.cfg.DecayAfterHours)*time.Hour {
		return false
	}

	days := elapsed.Hours() / 24
	factor := math.Pow(1-e.cfg.DecayRatePerDay, days)

	agent.ScoreReliability = e.decayScore(agent.ScoreReliability, factor)
	agent.ScoreSecurity = e.decayScore(agent.ScoreSecurity, factor)
	agent.ScoreSpeed = e.decayScore(agent.ScoreSpeed, factor)
	agent.ScoreCostEfficiency = e.decayScore(agent.ScoreCostEfficiency, factor)
	agent.ScoreConsistency = e.decayScore(agent.ScoreConsistency, factor)

	agent.TrustScore = e.TrustScore(agent)
	agent.CertificationTier = e.TierFor(agent.TrustScore)
	agent.UpdatedAt = now.UTC()
	return true
}

func (e *Engine) decayScore(score, factor float64) float64 {
	base := e.cfg.Baseline
	return round2(base + (score-base)*factor)
}

// ProjectDecay previews the trust score after the given numbers of inactive
// days without touching state. Used by the agent detail view.
func (e *Engine) ProjectDecay(agent *core.Agent, days []int) map[int]float64 {
	out := make(map[int]float64, len(days))
	for _, d := range days {
		factor := math.Pow(1-e.cfg.DecayRatePerDay, float64(d))
		composite := e.cfg.WeightReliability*e.decayScore(agent.ScoreReliability, factor) +
			e.cfg.WeightSecurity*e.decayScore(agent.ScoreSecurity, factor) +
			e.cfg.WeightSpeed*e.decayScore(agent.ScoreSpeed, factor) +
			e.cfg.WeightCostEfficiency*e.decayScore(agent.ScoreCostEfficiency, factor) +
			e.cfg.WeightConsistency*e.decayScore(agent.ScoreConsistency, factor)
		out[d] = clamp(round2(composite+agent.EndorsementScore), 0, 100)
	}
	return out
}
