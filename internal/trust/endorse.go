package trust

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/Garl-Protocol/garl/internal/core"
	"github.com/Garl-Protocol/garl/internal/pipeline"
)

// Endorse records a directed endorsement edge and credits the computed bonus
// to the target. The endorser's state is snapshotted at call time, so
// endorsement cycles cannot cascade.
func (s *Service) Endorse(ctx context.Context, endorserID, targetID, note string) (*core.Endorsement, error) {
	if endorserID == targetID {
		return nil, core.NewError(core.KindValidation, "self-endorsement is not allowed")
	}

	if _, err := s.store.GetEndorsementPair(ctx, endorserID, targetID); err == nil {
		return nil, core.NewError(core.KindDuplicate, "endorsement already exists")
	}

	endorser, err := s.loadFresh(ctx, endorserID)
	if err != nil {
		return nil, err
	}
	if endorser.IsDeleted {
		return nil, core.NewError(core.KindForbidden, "endorser is deleted")
	}

	bonus, mult := s.engine.EndorsementBonus(endorser.TrustScore, endorser.TotalTraces, endorser.CertificationTier)

	endorsement := &core.Endorsement{
		ID:             uuid.NewString(),
		EndorserID:     endorserID,
		TargetID:       targetID,
		EndorserScore:  endorser.TrustScore,
		EndorserTraces: endorser.TotalTraces,
		EndorserTier:   endorser.CertificationTier,
		BonusApplied:   bonus,
		TierMultiplier: mult,
		Context:        note,
		CreatedAt:      time.Now().UTC(),
	}

	s.locks.Lock(targetID)
	defer s.locks.Unlock(targetID)

	target, err := s.store.GetAgent(ctx, targetID)
	if err != nil {
		return nil, err
	}
	if target.IsDeleted {
		return nil, core.NewError(core.KindForbidden, "target agent is deleted")
	}

	if err := s.store.CreateEndorsement(ctx, endorsement); err != nil {
		return nil, err
	}

	before, after := s.engine.ApplyEndorsement(target, bonus)
	target.UpdatedAt = time.Now().UTC()
	if err := s.store.UpdateAgent(ctx, target); err != nil {
		return nil, err
	}
	if err := s.store.AppendHistory(ctx, pipeline.HistoryFromAgent(target, "endorsement", after-before)); err != nil {
		s.logger.Printf("⚠️  Failed to append endorsement history for %s: %v", targetID, err)
	}

	s.cache.Delete("verdict:" + targetID)

	if after-before >= 2 || after-before <= -2 {
		s.emit(targetID, core.EventScoreChange, map[string]interface{}{
			"trust_score": target.TrustScore,
			"trust_delta": after - before,
			"source":      "endorsement",
		})
	}

	s.logger.Printf("✅ %s endorsed %s (bonus %.2f)", endorserID, targetID, bonus)
	return endorsement, nil
}

// EndorsementsFor lists the edges pointing at an agent.
func (s *Service) EndorsementsFor(ctx context.Context, targetID string) ([]*core.Endorsement, error) {
	if _, err := s.store.GetAgent(ctx, targetID); err != nil {
		return nil, err
	}
	return s.store.ListEndorsementsByTarget(ctx, targetID)
}
