package trust

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Garl-Protocol/garl/internal/core"
	"github.com/Garl-Protocol/garl/internal/pipeline"
	"github.com/Garl-Protocol/garl/internal/reputation"
	"github.com/Garl-Protocol/garl/internal/storage"
)

func testService(t *testing.T) (*Service, *storage.MemoryStore) {
	t.Helper()
	store := storage.NewMemoryStore()
	engine := reputation.NewEngine(reputation.DefaultConfig())
	return NewService(store, engine, pipeline.NewKeyedMutex()), store
}

func makeAgent(score float64, traces int) *core.Agent {
	a := &core.Agent{
		ID:                  uuid.NewString(),
		Name:                "agent",
		Category:            core.CategoryCoding,
		TrustScore:          score,
		ScoreReliability:    score,
		ScoreSecurity:       score,
		ScoreSpeed:          score,
		ScoreCostEfficiency: score,
		ScoreConsistency:    score,
		TotalTraces:         traces,
		CreatedAt:           time.Now(),
	}
	switch {
	case score >= 90:
		a.CertificationTier = core.TierEnterprise
	case score >= 70:
		a.CertificationTier = core.TierGold
	case score >= 40:
		a.CertificationTier = core.TierSilver
	default:
		a.CertificationTier = core.TierBronze
	}
	return a
}

func TestVerdictTable(t *testing.T) {
	cases := []struct {
		name    string
		score   float64
		traces  int
		flagged bool
		rec     core.Recommendation
		risk    core.RiskLevel
	}{
		{"trusted", 80, 20, false, core.RecTrusted, core.RiskLow},
		{"high score with anomaly drops to monitored", 80, 20, true, core.RecTrustedMonitored, core.RiskLow},
		{"verified mid score", 65, 20, false, core.RecTrustedMonitored, core.RiskLow},
		{"unverified mid score", 65, 5, false, core.RecProceedMonitored, core.RiskMedium},
		{"low-mid", 50, 20, false, core.RecProceedMonitored, core.RiskMedium},
		{"caution", 30, 20, false, core.RecCaution, core.RiskHigh},
		{"do not delegate", 10, 20, false, core.RecDoNotDelegate, core.RiskCritical},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s, store := testService(t)
			a := makeAgent(tc.score, tc.traces)
			if tc.flagged {
				a.AnomalyFlags = []core.AnomalyFlag{{
					Type: core.AnomalyCostSpike, Severity: core.SeverityWarning, DetectedAt: time.Now(),
				}}
			}
			require.NoError(t, store.CreateAgent(context.Background(), a))

			v, err := s.Verify(context.Background(), a.ID)
			require.NoError(t, err)
			assert.Equal(t, tc.rec, v.Recommendation)
			assert.Equal(t, tc.risk, v.RiskLevel)
			assert.Equal(t, tc.traces >= 10, v.Verified)
		})
	}
}

func TestVerifyUnknownAgentReturnsInstructions(t *testing.T) {
	s, _ := testService(t)

	v, err := s.Verify(context.Background(), uuid.NewString())
	require.NoError(t, err)
	assert.False(t, v.Registered)
	assert.Equal(t, core.RecDoNotDelegate, v.Recommendation)
	assert.NotEmpty(t, v.Instructions)
}

func TestVerifyAppliesAndPersistsDecay(t *testing.T) {
	s, store := testService(t)
	a := makeAgent(70, 50)
	last := time.Now().Add(-100 * 24 * time.Hour)
	a.LastTraceAt = &last
	require.NoError(t, store.CreateAgent(context.Background(), a))

	v, err := s.Verify(context.Background(), a.ID)
	require.NoError(t, err)
	assert.InDelta(t, 68.1, v.TrustScore, 0.15)

	persisted, err := store.GetAgent(context.Background(), a.ID)
	require.NoError(t, err)
	assert.InDelta(t, v.TrustScore, persisted.TrustScore, 0.01)

	rows, err := store.ListHistory(context.Background(), a.ID, 5)
	require.NoError(t, err)
	require.NotEmpty(t, rows)
	assert.Equal(t, "decay", rows[0].EventType)
}

func TestRouteOrdersAndExcludes(t *testing.T) {
	s, store := testService(t)
	ctx := context.Background()

	a := makeAgent(82, 100) // gold
	b := makeAgent(65, 50)  // silver
	c := makeAgent(70, 80)  // gold, critical anomaly
	c.AnomalyFlags = []core.AnomalyFlag{{
		Type: core.AnomalyCostSpike, Severity: core.SeverityCritical, DetectedAt: time.Now(),
	}}
	for _, ag := range []*core.Agent{a, b, c} {
		require.NoError(t, store.CreateAgent(ctx, ag))
	}

	out, err := s.Route(ctx, core.CategoryCoding, core.TierSilver, 5)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, a.ID, out[0].ID)
	assert.Equal(t, b.ID, out[1].ID)
}

func TestRouteExcludesSandboxAndDeleted(t *testing.T) {
	s, store := testService(t)
	ctx := context.Background()

	sb := makeAgent(95, 100)
	sb.IsSandbox = true
	gone := makeAgent(90, 100)
	gone.IsDeleted = true
	ok := makeAgent(75, 50)
	for _, ag := range []*core.Agent{sb, gone, ok} {
		require.NoError(t, store.CreateAgent(ctx, ag))
	}

	out, err := s.Route(ctx, core.CategoryCoding, core.TierBronze, 10)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, ok.ID, out[0].ID)
}

func TestEndorseSybilGate(t *testing.T) {
	s, store := testService(t)
	ctx := context.Background()

	endorser := makeAgent(52, 3)
	target := makeAgent(60, 20)
	require.NoError(t, store.CreateAgent(ctx, endorser))
	require.NoError(t, store.CreateAgent(ctx, target))

	e, err := s.Endorse(ctx, endorser.ID, target.ID, "worked together")
	require.NoError(t, err)
	assert.Zero(t, e.BonusApplied)

	after, err := store.GetAgent(ctx, target.ID)
	require.NoError(t, err)
	assert.Equal(t, 60.0, after.TrustScore)
	assert.Equal(t, 1, after.EndorsementCount)
}

func TestEndorseStrongEndorser(t *testing.T) {
	s, store := testService(t)
	ctx := context.Background()

	endorser := makeAgent(90, 40)
	endorser.CertificationTier = core.TierGold
	target := makeAgent(60, 20)
	require.NoError(t, store.CreateAgent(ctx, endorser))
	require.NoError(t, store.CreateAgent(ctx, target))

	e, err := s.Endorse(ctx, endorser.ID, target.ID, "")
	require.NoError(t, err)
	assert.Equal(t, 2.0, e.BonusApplied)
	assert.Equal(t, 90.0, e.EndorserScore)

	after, err := store.GetAgent(ctx, target.ID)
	require.NoError(t, err)
	assert.InDelta(t, 62.0, after.TrustScore, 0.01)
}

func TestEndorseRejectsSelfAndDuplicate(t *testing.T) {
	s, store := testService(t)
	ctx := context.Background()

	a := makeAgent(80, 20)
	b := makeAgent(60, 20)
	require.NoError(t, store.CreateAgent(ctx, a))
	require.NoError(t, store.CreateAgent(ctx, b))

	_, err := s.Endorse(ctx, a.ID, a.ID, "")
	assert.Equal(t, core.KindValidation, core.KindOf(err))

	_, err = s.Endorse(ctx, a.ID, b.ID, "")
	require.NoError(t, err)
	_, err = s.Endorse(ctx, a.ID, b.ID, "")
	assert.Equal(t, core.KindDuplicate, core.KindOf(err))
}

func TestCompareBounds(t *testing.T) {
	s, store := testService(t)
	ctx := context.Background()

	a := makeAgent(80, 20)
	b := makeAgent(40, 5)
	require.NoError(t, store.CreateAgent(ctx, a))
	require.NoError(t, store.CreateAgent(ctx, b))

	out, err := s.Compare(ctx, []string{a.ID, b.ID})
	require.NoError(t, err)
	assert.Len(t, out, 2)

	_, err = s.Compare(ctx, []string{a.ID})
	assert.Equal(t, core.KindValidation, core.KindOf(err))
}

func TestComplianceReport(t *testing.T) {
	s, store := testService(t)
	ctx := context.Background()

	endorser := makeAgent(90, 40)
	agent := makeAgent(75, 30)
	agent.SuccessRate = 96.5
	agent.AvgDurationMs = 4200
	agent.PermissionsDeclared = []string{"read_files", "web_search"}
	agent.AnomalyFlags = []core.AnomalyFlag{
		{Type: core.AnomalyDurationSpike, Severity: core.SeverityWarning, Archived: true, DetectedAt: time.Now()},
		{Type: core.AnomalyCostSpike, Severity: core.SeverityWarning, DetectedAt: time.Now()},
	}
	require.NoError(t, store.CreateAgent(ctx, endorser))
	require.NoError(t, store.CreateAgent(ctx, agent))

	_, err := s.Endorse(ctx, endorser.ID, agent.ID, "solid peer")
	require.NoError(t, err)

	r, err := s.Compliance(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, 96.5, r.SLA.UptimePercent)
	assert.Equal(t, 4200, r.SLA.AvgLatencyMs)
	assert.Equal(t, 30, r.SLA.TotalExecutions)
	assert.Len(t, r.Anomalies.Active, 1)
	assert.Len(t, r.Anomalies.Archived, 1)
	assert.Equal(t, 1, r.Endorsements.ReceivedCount)
	assert.Equal(t, 2.0, r.Endorsements.TotalBonus)
	assert.Equal(t, []string{"read_files", "web_search"}, r.PermissionsDeclared)
}
