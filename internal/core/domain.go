package core

import (
	"fmt"
	"time"
)

// ============================================================================
// DOMAIN MODEL - Closed enumerations and persisted entities
// ============================================================================

// Category classifies the kind of work an agent performs. Benchmarks for the
// speed and cost dimensions are keyed by category.
type Category string

const (
	CategoryCoding     Category = "coding"
	CategoryResearch   Category = "research"
	CategorySales      Category = "sales"
	CategoryData       Category = "data"
	CategoryAutomation Category = "automation"
	CategoryOther      Category = "other"
)

// Categories lists every valid category.
var Categories = []Category{
	CategoryCoding, CategoryResearch, CategorySales,
	CategoryData, CategoryAutomation, CategoryOther,
}

// ParseCategory validates a raw category string, defaulting empty to "other".
func ParseCategory(s string) (Category, error) {
	if s == "" {
		return CategoryOther, nil
	}
	c := Category(s)
	for _, known := range Categories {
		if c == known {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown category %q", s)
}

// TraceStatus is the outcome reported for a single execution trace.
type TraceStatus string

const (
	StatusSuccess TraceStatus = "success"
	StatusFailure TraceStatus = "failure"
	StatusPartial TraceStatus = "partial"
)

// ParseTraceStatus validates a raw status string.
func ParseTraceStatus(s string) (TraceStatus, error) {
	switch TraceStatus(s) {
	case StatusSuccess, StatusFailure, StatusPartial:
		return TraceStatus(s), nil
	}
	return "", fmt.Errorf("unknown trace status %q", s)
}

// Tier is the coarse certification bucket over the composite trust score.
type Tier string

const (
	TierBronze     Tier = "bronze"
	TierSilver     Tier = "silver"
	TierGold       Tier = "gold"
	TierEnterprise Tier = "enterprise"
)

var tierRank = map[Tier]int{
	TierBronze:     0,
	TierSilver:     1,
	TierGold:       2,
	TierEnterprise: 3,
}

// ParseTier validates a raw tier string.
func ParseTier(s string) (Tier, error) {
	t := Tier(s)
	if _, ok := tierRank[t]; !ok {
		return "", fmt.Errorf("unknown tier %q", s)
	}
	return t, nil
}

// AtLeast reports whether t meets or exceeds min.
func (t Tier) AtLeast(min Tier) bool {
	return tierRank[t] >= tierRank[min]
}

// TiersFrom returns min and every tier above it, in ascending order.
func TiersFrom(min Tier) []Tier {
	out := make([]Tier, 0, 4)
	for _, t := range []Tier{TierBronze, TierSilver, TierGold, TierEnterprise} {
		if t.AtLeast(min) {
			out = append(out, t)
		}
	}
	return out
}

// RiskLevel accompanies a trust verdict.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Recommendation is the delegation advice attached to a verdict.
type Recommendation string

const (
	RecTrusted          Recommendation = "trusted"
	RecTrustedMonitored Recommendation = "trusted_with_monitoring"
	RecProceedMonitored Recommendation = "proceed_with_monitoring"
	RecCaution          Recommendation = "caution"
	RecDoNotDelegate    Recommendation = "do_not_delegate"
)

// EventType enumerates reputation events dispatched to webhook subscribers.
type EventType string

const (
	EventTraceRecorded EventType = "trace_recorded"
	EventScoreChange   EventType = "score_change"
	EventMilestone     EventType = "milestone"
	EventAnomaly       EventType = "anomaly"
	EventTierChange    EventType = "tier_change"
)

// EventTypes lists every subscribable event.
var EventTypes = []EventType{
	EventTraceRecorded, EventScoreChange, EventMilestone,
	EventAnomaly, EventTierChange,
}

// ValidEventType reports whether s names a subscribable event.
func ValidEventType(s string) bool {
	for _, e := range EventTypes {
		if string(e) == s {
			return true
		}
	}
	return false
}

// AnomalyType enumerates the detector outputs.
type AnomalyType string

const (
	AnomalyUnexpectedFailure AnomalyType = "unexpected_failure"
	AnomalyDurationSpike     AnomalyType = "duration_spike"
	AnomalyCostSpike         AnomalyType = "cost_spike"
)

// Severity grades an anomaly flag.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// AnomalyFlag is an observation appended to an agent when a trace deviates
// from its statistical profile. Warning flags auto-archive after enough clean
// traces; critical flags never do.
type AnomalyFlag struct {
	Type       AnomalyType `json:"type"`
	Severity   Severity    `json:"severity"`
	Message    string      `json:"message"`
	Archived   bool        `json:"archived"`
	DetectedAt time.Time   `json:"detected_at"`
}

// Dimensions holds the five dimensional scores.
type Dimensions struct {
	Reliability    float64 `json:"reliability"`
	Security       float64 `json:"security"`
	Speed          float64 `json:"speed"`
	CostEfficiency float64 `json:"cost_efficiency"`
	Consistency    float64 `json:"consistency"`
}

// Agent is the mutable reputation state of a registered agent. It is created
// once and mutated only by the engine in response to traces, endorsements and
// decay. Deletion is soft.
type Agent struct {
	ID          string   `json:"id" db:"id"`
	SovereignID string   `json:"sovereign_id" db:"sovereign_id"`
	Name        string   `json:"name" db:"name"`
	Description string   `json:"description" db:"description"`
	Framework   string   `json:"framework" db:"framework"`
	Category    Category `json:"category" db:"category"`
	HomepageURL string   `json:"homepage_url,omitempty" db:"homepage_url"`
	APIKeyHash  string   `json:"-" db:"api_key_hash"`
	IsSandbox   bool     `json:"is_sandbox" db:"is_sandbox"`
	IsDeleted   bool     `json:"is_deleted" db:"is_deleted"`

	TrustScore           float64 `json:"trust_score" db:"trust_score"`
	ScoreReliability     float64 `json:"score_reliability" db:"score_reliability"`
	ScoreSecurity        float64 `json:"score_security" db:"score_security"`
	ScoreSpeed           float64 `json:"score_speed" db:"score_speed"`
	ScoreCostEfficiency  float64 `json:"score_cost_efficiency" db:"score_cost_efficiency"`
	ScoreConsistency     float64 `json:"score_consistency" db:"score_consistency"`
	CertificationTier    Tier    `json:"certification_tier" db:"certification_tier"`
	TotalTraces          int     `json:"total_traces" db:"total_traces"`
	SuccessCount         int     `json:"success_count" db:"success_count"`
	SuccessRate          float64 `json:"success_rate" db:"success_rate"`
	ConsecutiveSuccesses int     `json:"consecutive_successes" db:"consecutive_successes"`
	AvgDurationMs        int     `json:"avg_duration_ms" db:"avg_duration_ms"`
	TotalCostUSD         float64 `json:"total_cost_usd" db:"total_cost_usd"`

	// RecentReliability is the rolling window of the last reliability
	// observations, feeding the consistency dimension.
	RecentReliability []float64 `json:"-" db:"-"`
	// RecentStatuses holds the last 50 trace statuses for the
	// unexpected_failure detector.
	RecentStatuses []TraceStatus `json:"-" db:"-"`
	// CleanTraceStreak counts consecutive traces without a new anomaly,
	// driving warning auto-archival.
	CleanTraceStreak int `json:"-" db:"clean_trace_streak"`

	AnomalyFlags        []AnomalyFlag `json:"anomaly_flags" db:"-"`
	PermissionsDeclared []string      `json:"permissions_declared" db:"-"`
	EndorsementScore    float64       `json:"endorsement_score" db:"endorsement_score"`
	EndorsementCount    int           `json:"endorsement_count" db:"endorsement_count"`

	LastTraceAt *time.Time `json:"last_trace_at" db:"last_trace_at"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
}

// Dimensions returns the agent's current dimensional scores.
func (a *Agent) Dimensions() Dimensions {
	return Dimensions{
		Reliability:    a.ScoreReliability,
		Security:       a.ScoreSecurity,
		Speed:          a.ScoreSpeed,
		CostEfficiency: a.ScoreCostEfficiency,
		Consistency:    a.ScoreConsistency,
	}
}

// ActiveAnomalies returns the non-archived flags.
func (a *Agent) ActiveAnomalies() []AnomalyFlag {
	var active []AnomalyFlag
	for _, f := range a.AnomalyFlags {
		if !f.Archived {
			active = append(active, f)
		}
	}
	return active
}

// HasCriticalAnomaly reports whether any active flag is critical.
func (a *Agent) HasCriticalAnomaly() bool {
	for _, f := range a.AnomalyFlags {
		if !f.Archived && f.Severity == SeverityCritical {
			return true
		}
	}
	return false
}

// Verified reports whether the agent has enough history to be trusted at all.
func (a *Agent) Verified() bool {
	return a.TotalTraces >= 10
}

// ToolCall is one tool invocation recorded inside a trace.
type ToolCall struct {
	Name       string `json:"name"`
	DurationMs int    `json:"duration_ms,omitempty"`
}

// Trace is one immutable execution record. Once written it is never mutated
// nor deleted; (AgentID, TraceHash) is unique.
type Trace struct {
	ID              string                 `json:"id" db:"id"`
	AgentID         string                 `json:"agent_id" db:"agent_id"`
	TaskDescription string                 `json:"task_description" db:"task_description"`
	Status          TraceStatus            `json:"status" db:"status"`
	DurationMs      int                    `json:"duration_ms" db:"duration_ms"`
	Category        Category               `json:"category" db:"category"`
	CostUSD         float64                `json:"cost_usd" db:"cost_usd"`
	TokenCount      int                    `json:"token_count" db:"token_count"`
	InputSummary    string                 `json:"input_summary,omitempty" db:"input_summary"`
	OutputSummary   string                 `json:"output_summary,omitempty" db:"output_summary"`
	RuntimeEnv      string                 `json:"runtime_env,omitempty" db:"runtime_env"`
	ToolCalls       []ToolCall             `json:"tool_calls,omitempty" db:"-"`
	Metadata        map[string]interface{} `json:"metadata,omitempty" db:"-"`
	TraceHash       string                 `json:"trace_hash" db:"trace_hash"`
	Certificate     map[string]interface{} `json:"certificate,omitempty" db:"-"`
	TrustDelta      float64                `json:"trust_delta" db:"trust_delta"`
	CreatedAt       time.Time              `json:"created_at" db:"created_at"`
}

// HistoryEntry is one append-only reputation_history row: the post-event
// composite and dimensional scores plus the delta that produced them.
type HistoryEntry struct {
	ID                  string    `json:"id" db:"id"`
	AgentID             string    `json:"agent_id" db:"agent_id"`
	TrustScore          float64   `json:"trust_score" db:"trust_score"`
	EventType           string    `json:"event_type" db:"event_type"`
	TrustDelta          float64   `json:"trust_delta" db:"trust_delta"`
	ScoreReliability    float64   `json:"score_reliability" db:"score_reliability"`
	ScoreSecurity       float64   `json:"score_security" db:"score_security"`
	ScoreSpeed          float64   `json:"score_speed" db:"score_speed"`
	ScoreCostEfficiency float64   `json:"score_cost_efficiency" db:"score_cost_efficiency"`
	ScoreConsistency    float64   `json:"score_consistency" db:"score_consistency"`
	CreatedAt           time.Time `json:"created_at" db:"created_at"`
}

// Endorsement is a directed, immutable edge in the agent graph. The endorser's
// state is snapshotted at creation time so cycles cannot cascade.
type Endorsement struct {
	ID             string    `json:"id" db:"id"`
	EndorserID     string    `json:"endorser_id" db:"endorser_id"`
	TargetID       string    `json:"target_id" db:"target_id"`
	EndorserScore  float64   `json:"endorser_score" db:"endorser_score"`
	EndorserTraces int       `json:"endorser_traces" db:"endorser_traces"`
	EndorserTier   Tier      `json:"endorser_tier" db:"endorser_tier"`
	BonusApplied   float64   `json:"bonus_applied" db:"bonus_applied"`
	TierMultiplier float64   `json:"tier_multiplier" db:"tier_multiplier"`
	Context        string    `json:"context" db:"context"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// Webhook is a notification subscription owned by an agent. The secret is
// generated server-side and returned exactly once.
type Webhook struct {
	ID              string      `json:"id" db:"id"`
	AgentID         string      `json:"agent_id" db:"agent_id"`
	URL             string      `json:"url" db:"url"`
	Secret          string      `json:"secret,omitempty" db:"secret"`
	Events          []EventType `json:"events" db:"-"`
	IsActive        bool        `json:"is_active" db:"is_active"`
	CreatedAt       time.Time   `json:"created_at" db:"created_at"`
	LastTriggeredAt *time.Time  `json:"last_triggered_at" db:"last_triggered_at"`
}

// Subscribed reports whether the webhook listens for the given event type.
func (w *Webhook) Subscribed(e EventType) bool {
	for _, sub := range w.Events {
		if sub == e {
			return true
		}
	}
	return false
}

// SovereignID derives the DID handle for an agent id.
func SovereignID(agentID string) string {
	return "did:garl:" + agentID
}
