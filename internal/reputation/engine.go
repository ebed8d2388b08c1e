package reputation

import (
	"fmt"
	"log"
	"math"
	"time"

	"github.com/Garl-Protocol/garl/internal/core"
)

// highRiskTools are tool names that depress the security observation when
// they appear in a trace.
var highRiskTools = map[string]bool{
	"shell_exec":     true,
	"eval":           true,
	"exec":           true,
	"raw_sql":        true,
	"system_command": true,
	"subprocess":     true,
	"os_command":     true,
	"file_delete":    true,
}

// Engine computes reputation updates. It is a pure transformer over
// (agent state, trace): callers own locking and persistence.
type Engine struct {
	cfg    Config
	logger *log.Logger
}

// NewEngine builds an engine with the given configuration.
func NewEngine(cfg Config) *Engine {
	return &Engine{
		cfg:    cfg,
		logger: log.New(log.Writer(), "[REPUTATION] ", log.LstdFlags),
	}
}

// Config exposes the immutable scoring parameters.
func (e *Engine) Config() Config { return e.cfg }

// TraceOutcome reports everything a single trace update changed, so the
// pipeline can write history and fan out events without re-deriving state.
type TraceOutcome struct {
	ScoreBefore float64
	ScoreAfter  float64
	Delta       float64
	TierBefore  core.Tier
	TierAfter   core.Tier
	NewFlags    []core.AnomalyFlag
	Milestone   int // 0 when no milestone was crossed
}

// ApplyTrace folds one validated trace into the agent's reputation state,
// mutating the agent in place. The caller must hold the agent's lock.
func (e *Engine) ApplyTrace(agent *core.Agent, trace *core.Trace) TraceOutcome {
	out := TraceOutcome{
		ScoreBefore: agent.TrustScore,
		TierBefore:  agent.CertificationTier,
	}

	// Anomaly detection runs against the pre-trace statistical profile.
	out.NewFlags = e.detectAnomalies(agent, trace)

	e.updateCounters(agent, trace)

	damped := agent.TotalTraces < e.cfg.DampingTraces

	// Reliability: status base plus streak bonus, clamped at 100.
	relObs := e.reliabilityObservation(agent, trace)
	agent.ScoreReliability = e.blend(agent.ScoreReliability, relObs, damped)
	agent.RecentReliability = appendWindow(agent.RecentReliability, relObs, e.cfg.WindowSize)

	// Speed and cost only update when the trace reports them.
	bench := e.cfg.BenchmarkFor(trace.Category)
	if trace.DurationMs > 0 {
		obs := ratioObservation(float64(bench.SpeedMs), float64(trace.DurationMs))
		agent.ScoreSpeed = e.blend(agent.ScoreSpeed, obs, damped)
	}
	if trace.CostUSD > 0 {
		obs := ratioObservation(bench.CostUSD, trace.CostUSD)
		agent.ScoreCostEfficiency = e.blend(agent.ScoreCostEfficiency, obs, damped)
	}

	secObs := e.securityObservation(agent, trace)
	agent.ScoreSecurity = e.blend(agent.ScoreSecurity, secObs, damped)

	conObs := e.consistencyObservation(agent.RecentReliability)
	agent.ScoreConsistency = e.blend(agent.ScoreConsistency, conObs, damped)

	e.applyFlags(agent, out.NewFlags)

	agent.TrustScore = e.TrustScore(agent)
	agent.CertificationTier = e.TierFor(agent.TrustScore)

	now := time.Now().UTC()
	agent.LastTraceAt = &now
	agent.UpdatedAt = now

	out.ScoreAfter = agent.TrustScore
	out.Delta = round2(out.ScoreAfter - out.ScoreBefore)
	out.TierAfter = agent.CertificationTier
	out.Milestone = e.milestoneCrossed(agent.TotalTraces)

	return out
}

func (e *Engine) updateCounters(agent *core.Agent, trace *core.Trace) {
	agent.TotalTraces++
	if trace.Status == core.StatusSuccess {
		agent.SuccessCount++
		agent.ConsecutiveSuccesses++
	} else if trace.Status == core.StatusFailure {
		agent.ConsecutiveSuccesses = 0
	}
	agent.SuccessRate = round2(100 * float64(agent.SuccessCount) / float64(agent.TotalTraces))

	if trace.DurationMs > 0 {
		prev := float64(agent.AvgDurationMs)
		n := float64(agent.TotalTraces)
		agent.AvgDurationMs = int((prev*(n-1) + float64(trace.DurationMs)) / n)
	}
	agent.TotalCostUSD += trace.CostUSD

	agent.RecentStatuses = appendStatusWindow(agent.RecentStatuses, trace.Status, e.cfg.StatusWindow)
}

func (e *Engine) reliabilityObservation(agent *core.Agent, trace *core.Trace) float64 {
	var base float64
	switch trace.Status {
	case core.StatusSuccess:
		base = 100
	case core.StatusPartial:
		base = 60
	case core.StatusFailure:
		return 0
	}
	bonus := math.Min(e.cfg.MaxStreakBonus, float64(agent.ConsecutiveSuccesses))
	return math.Min(100, base+bonus)
}

// ratioObservation maps benchmark/actual onto [0,100]: meeting the benchmark
// scores 50, twice as good scores 100, far slower approaches 0. Holds for
// sub-unit actuals too, so dollar costs are not flattened.
func ratioObservation(bench, actual float64) float64 {
	if actual <= 0 {
		return 0
	}
	ratio := bench / actual
	if ratio > 2 {
		ratio = 2
	}
	if ratio < 0 {
		ratio = 0
	}
	return 100 * ratio / 2
}

func (e *Engine) securityObservation(agent *core.Agent, trace *core.Trace) float64 {
	obs := 50.0

	if sec, ok := trace.Metadata["security_context"].(map[string]interface{}); ok {
		if used, ok := sec["permissions_used"].([]interface{}); ok && len(used) > 0 {
			if permissionsWithinDeclared(used, agent.PermissionsDeclared) {
				obs += 2
			} else {
				obs -= 10
			}
		}
		if flagged, _ := sec["prompt_injection_detected"].(bool); flagged {
			obs -= 10
		}
		if flagged, _ := sec["data_leak_risk"].(bool); flagged {
			obs -= 10
		}
	}

	for _, tc := range trace.ToolCalls {
		if highRiskTools[tc.Name] {
			obs -= 10
			break
		}
	}

	return clamp(obs, 0, 100)
}

func permissionsWithinDeclared(used []interface{}, declared []string) bool {
	set := make(map[string]bool, len(declared))
	for _, p := range declared {
		set[p] = true
	}
	for _, u := range used {
		s, ok := u.(string)
		if !ok || !set[s] {
			return false
		}
	}
	return true
}

func (e *Engine) consistencyObservation(window []float64) float64 {
	if len(window) < 2 {
		return 100
	}
	var sum float64
	for _, v := range window {
		sum += v
	}
	mean := sum / float64(len(window))
	var variance float64
	for _, v := range window {
		variance += (v - mean) * (v - mean)
	}
	stdev := math.Sqrt(variance / float64(len(window)))
	return 100 - math.Min(50, stdev)
}

// blend folds an observation into an EMA. Young agents get a halved alpha to
// suppress early noise.
func (e *Engine) blend(prev, obs float64, damped bool) float64 {
	alpha := e.cfg.Alpha
	if damped {
		alpha /= 2
	}
	return clamp(round2(alpha*obs+(1-alpha)*prev), 0, 100)
}

// TrustScore recomputes the composite from the dimensional scores plus the
// accumulated endorsement bonus.
func (e *Engine) TrustScore(agent *core.Agent) float64 {
	composite := e.cfg.WeightReliability*agent.ScoreReliability +
		e.cfg.WeightSecurity*agent.ScoreSecurity +
		e.cfg.WeightSpeed*agent.ScoreSpeed +
		e.cfg.WeightCostEfficiency*agent.ScoreCostEfficiency +
		e.cfg.WeightConsistency*agent.ScoreConsistency
	return clamp(round2(composite+agent.EndorsementScore), 0, 100)
}

// TierFor maps a composite score to its certification tier.
func (e *Engine) TierFor(score float64) core.Tier {
	switch {
	case score >= 90:
		return core.TierEnterprise
	case score >= 70:
		return core.TierGold
	case score >= 40:
		return core.TierSilver
	default:
		return core.TierBronze
	}
}

func (e *Engine) milestoneCrossed(totalTraces int) int {
	for _, m := range e.cfg.Milestones {
		if totalTraces == m {
			return m
		}
	}
	return 0
}

// ============================================================================
// ANOMALY DETECTION
// ============================================================================

func (e *Engine) detectAnomalies(agent *core.Agent, trace *core.Trace) []core.AnomalyFlag {
	if agent.TotalTraces < e.cfg.AnomalyMinTraces {
		return nil
	}

	now := time.Now().UTC()
	var flags []core.AnomalyFlag

	if trace.Status == core.StatusFailure && recentSuccessRate(agent.RecentStatuses) >= e.cfg.FailureSuccessRate {
		flags = append(flags, core.AnomalyFlag{
			Type:       core.AnomalyUnexpectedFailure,
			Message:    fmt.Sprintf("failure from agent with %.0f%% recent success rate", 100*recentSuccessRate(agent.RecentStatuses)),
			DetectedAt: now,
		})
	}
	if agent.AvgDurationMs > 0 && trace.DurationMs > int(e.cfg.DurationSpikeFactor*float64(agent.AvgDurationMs)) {
		flags = append(flags, core.AnomalyFlag{
			Type:       core.AnomalyDurationSpike,
			Message:    fmt.Sprintf("duration %dms exceeds %.0fx average %dms", trace.DurationMs, e.cfg.DurationSpikeFactor, agent.AvgDurationMs),
			DetectedAt: now,
		})
	}
	if agent.TotalTraces > 0 && trace.CostUSD > 0 {
		avgCost := agent.TotalCostUSD / float64(agent.TotalTraces)
		if avgCost > 0 && trace.CostUSD > e.cfg.CostSpikeFactor*avgCost {
			flags = append(flags, core.AnomalyFlag{
				Type:       core.AnomalyCostSpike,
				Message:    fmt.Sprintf("cost $%.4f exceeds %.0fx average $%.4f", trace.CostUSD, e.cfg.CostSpikeFactor, avgCost),
				DetectedAt: now,
			})
		}
	}

	// Two distinct detectors firing on one trace escalates all of them.
	severity := core.SeverityWarning
	if len(flags) >= 2 {
		severity = core.SeverityCritical
	}
	for i := range flags {
		flags[i].Severity = severity
	}
	return flags
}

// applyFlags appends new flags, drives warning auto-archival, and bounds the
// retained flag list.
func (e *Engine) applyFlags(agent *core.Agent, newFlags []core.AnomalyFlag) {
	if len(newFlags) == 0 {
		agent.CleanTraceStreak++
		if agent.CleanTraceStreak >= e.cfg.CleanTracesToClear {
			e.archiveWarnings(agent)
		}
	} else {
		agent.CleanTraceStreak = 0
		agent.AnomalyFlags = append(agent.AnomalyFlags, newFlags...)
		e.logger.Printf("⚠️  %d anomaly flag(s) on agent %s", len(newFlags), agent.ID)
	}
	e.trimFlags(agent)
}

func (e *Engine) archiveWarnings(agent *core.Agent) {
	archived := 0
	for i := range agent.AnomalyFlags {
		f := &agent.AnomalyFlags[i]
		if !f.Archived && f.Severity == core.SeverityWarning {
			f.Archived = true
			archived++
		}
	}
	if archived > 0 {
		e.logger.Printf("✅ Auto-archived %d warning(s) on agent %s after %d clean traces",
			archived, agent.ID, agent.CleanTraceStreak)
	}
}

// trimFlags keeps every active flag, the most recent archived warnings up to
// the configured cap, and bounds the total list.
func (e *Engine) trimFlags(agent *core.Agent) {
	var active, archived []core.AnomalyFlag
	for _, f := range agent.AnomalyFlags {
		if f.Archived {
			archived = append(archived, f)
		} else {
			active = append(active, f)
		}
	}
	if len(archived) > e.cfg.MaxArchivedFlags {
		archived = archived[len(archived)-e.cfg.MaxArchivedFlags:]
	}
	flags := append(archived, active...)
	if len(flags) > e.cfg.MaxFlags {
		flags = flags[len(flags)-e.cfg.MaxFlags:]
	}
	agent.AnomalyFlags = flags
}

func recentSuccessRate(statuses []core.TraceStatus) float64 {
	if len(statuses) == 0 {
		return 0
	}
	var ok int
	for _, s := range statuses {
		if s == core.StatusSuccess {
			ok++
		}
	}
	return float64(ok) / float64(len(statuses))
}

// ============================================================================
// SMALL HELPERS
// ============================================================================

func appendWindow(window []float64, v float64, max int) []float64 {
	window = append(window, v)
	if len(window) > max {
		window = window[len(window)-max:]
	}
	return window
}

func appendStatusWindow(window []core.TraceStatus, s core.TraceStatus, max int) []core.TraceStatus {
	window = append(window, s)
	if len(window) > max {
		window = window[len(window)-max:]
	}
	return window
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
