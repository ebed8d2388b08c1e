package reputation

import (
	"math"

	"github.com/Garl-Protocol/garl/internal/core"
)

// EndorsementBonus computes the trust bonus one endorsement grants, from a
// snapshot of the endorser's state. Weak endorsers (score below the minimum
// or too few traces) always yield zero, which is what makes endorsement
// farming by fresh identities pointless.
func (e *Engine) EndorsementBonus(endorserScore float64, endorserTraces int, endorserTier core.Tier) (bonus, multiplier float64) {
	multiplier = e.cfg.TierMultipliers[endorserTier]
	if multiplier == 0 {
		multiplier = e.cfg.TierMultipliers[core.TierBronze]
	}

	if endorserScore < e.cfg.EndorserMinScore || endorserTraces < e.cfg.EndorserMinTraces {
		return 0, multiplier
	}

	wScore := math.Max(0, (endorserScore-e.cfg.EndorserMinScore)/(100-e.cfg.EndorserMinScore))
	wTraces := math.Min(1, float64(endorserTraces)/float64(e.cfg.EndorserMinTraces))

	bonus = e.cfg.EndorsementCap * wScore * wTraces * multiplier
	bonus = round2(math.Min(e.cfg.EndorsementCap, bonus))
	return bonus, multiplier
}

// ApplyEndorsement credits a computed bonus to the target agent and
// recomputes its composite. Caller holds the target's lock.
func (e *Engine) ApplyEndorsement(target *core.Agent, bonus float64) (before, after float64) {
	before = target.TrustScore
	target.EndorsementScore = round2(target.EndorsementScore + bonus)
	target.EndorsementCount++
	target.TrustScore = e.TrustScore(target)
	target.CertificationTier = e.TierFor(target.TrustScore)
	after = target.TrustScore
	return before, after
}
