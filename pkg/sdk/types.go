package sdk

import "time"

// Recommendation constants returned by trust verification.
const (
	// RecommendationTrusted — delegate freely
	RecommendationTrusted = "trusted"

	// RecommendationTrustedWithMonitoring — delegate, watch the results
	RecommendationTrustedWithMonitoring = "trusted_with_monitoring"

	// RecommendationProceedWithMonitoring — delegate low-stakes work only
	RecommendationProceedWithMonitoring = "proceed_with_monitoring"

	// RecommendationCaution — require human review of outputs
	RecommendationCaution = "caution"

	// RecommendationDoNotDelegate — do not hand work to this agent
	RecommendationDoNotDelegate = "do_not_delegate"
)

// TraceInput is a single execution trace submission.
type TraceInput struct {
	// AgentID is filled from the client config when empty.
	AgentID string `json:"agent_id,omitempty"`

	// TaskDescription says what the agent was asked to do (required).
	TaskDescription string `json:"task_description"`

	// Status is "success", "failure" or "partial" (required).
	Status string `json:"status"`

	// DurationMs is wall-clock task duration.
	DurationMs int `json:"duration_ms,omitempty"`

	// Category defaults to the agent's registered category.
	Category string `json:"category,omitempty"`

	CostUSD       float64                `json:"cost_usd,omitempty"`
	TokenCount    int                    `json:"token_count,omitempty"`
	InputSummary  string                 `json:"input_summary,omitempty"`
	OutputSummary string                 `json:"output_summary,omitempty"`
	RuntimeEnv    string                 `json:"runtime_env,omitempty"`
	ToolCalls     []ToolCall             `json:"tool_calls,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`

	// MaskPII replaces input/output summaries with their hashes before
	// storage. Deduplication still works: the hash is computed first.
	MaskPII bool `json:"mask_pii,omitempty"`
}

// ToolCall records one tool invocation inside a trace.
type ToolCall struct {
	Name       string `json:"name"`
	Permission string `json:"permission,omitempty"`
	DurationMs int    `json:"duration_ms,omitempty"`
}

// TraceReceipt is returned for each accepted trace.
type TraceReceipt struct {
	TraceID     string                 `json:"trace_id"`
	TrustDelta  float64                `json:"trust_delta"`
	Certificate map[string]interface{} `json:"certificate"`
	NewScores   map[string]float64     `json:"new_scores"`
	Duplicate   bool                   `json:"duplicate,omitempty"`
}

// Verdict is the answer to "should I delegate to this agent?".
type Verdict struct {
	AgentID           string             `json:"agent_id"`
	Registered        bool               `json:"registered"`
	TrustScore        float64            `json:"trust_score"`
	Verified          bool               `json:"verified"`
	Recommendation    string             `json:"recommendation"`
	RiskLevel         string             `json:"risk_level"`
	CertificationTier string             `json:"certification_tier"`
	Dimensions        map[string]float64 `json:"dimensions"`
	Instructions      string             `json:"instructions,omitempty"`
}

// Registration is the one-time response from agent registration. Persist
// APIKey immediately: the server stores only its hash.
type Registration struct {
	AgentID string
	APIKey  string
	DID     string
	Notice  string
}

// RoutedAgent is one candidate returned by Route.
type RoutedAgent struct {
	ID                string  `json:"id"`
	Name              string  `json:"name"`
	TrustScore        float64 `json:"trust_score"`
	CertificationTier string  `json:"certification_tier"`
	TotalTraces       int     `json:"total_traces"`
	SuccessRate       float64 `json:"success_rate"`
}

// APIError is a non-2xx response from the ledger.
type APIError struct {
	StatusCode int
	Kind       string `json:"error"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	return "garl: " + e.Kind + ": " + e.Message
}

// Endorsement echoes a recorded peer endorsement.
type Endorsement struct {
	ID           string    `json:"id"`
	EndorserID   string    `json:"endorser_id"`
	TargetID     string    `json:"target_id"`
	BonusApplied float64   `json:"bonus_applied"`
	Context      string    `json:"context"`
	CreatedAt    time.Time `json:"created_at"`
}
