package storage

import (
	"context"
	"time"

	"github.com/Garl-Protocol/garl/internal/core"
)

// AgentFilter narrows agent listings. Zero values mean "no constraint".
type AgentFilter struct {
	Category       core.Category
	Tiers          []core.Tier
	Query          string // substring match on name/description
	IncludeSandbox bool
	IncludeDeleted bool
	Limit          int
	Offset         int
}

// Stats is the aggregate view served by /stats.
type Stats struct {
	TotalAgents   int     `json:"total_agents" db:"total_agents"`
	TotalTraces   int     `json:"total_traces" db:"-"`
	AvgTrustScore float64 `json:"avg_trust_score" db:"avg_trust_score"`
	TopAgentID    string  `json:"top_agent_id,omitempty" db:"-"`
	TopAgentName  string  `json:"top_agent_name,omitempty" db:"-"`
	TopAgentScore float64 `json:"top_agent_score,omitempty" db:"-"`
}

// Store is the persistence boundary. Traces, history and endorsements are
// append-only: the interface deliberately exposes no way to mutate or delete
// them. Agent rows are mutated only through UpdateAgent and RecordTrace.
type Store interface {
	// Agents
	CreateAgent(ctx context.Context, agent *core.Agent) error
	GetAgent(ctx context.Context, id string) (*core.Agent, error)
	GetAgentByAPIKeyHash(ctx context.Context, hash string) (*core.Agent, error)
	UpdateAgent(ctx context.Context, agent *core.Agent) error
	ListAgents(ctx context.Context, f AgentFilter) ([]*core.Agent, error)
	CountAgents(ctx context.Context) (int, error)

	// Traces (append-only)
	GetTrace(ctx context.Context, id string) (*core.Trace, error)
	GetTraceByHash(ctx context.Context, agentID, traceHash string) (*core.Trace, error)
	ListTraces(ctx context.Context, agentID string, limit, offset int) ([]*core.Trace, error)
	RecentTraces(ctx context.Context, limit int) ([]*core.Trace, error)
	CountTraces(ctx context.Context) (int, error)

	// RecordTrace persists the trace, the history row and the updated agent
	// atomically. Either all three land or none do.
	RecordTrace(ctx context.Context, agent *core.Agent, trace *core.Trace, history *core.HistoryEntry) error

	// History (append-only)
	AppendHistory(ctx context.Context, entry *core.HistoryEntry) error
	ListHistory(ctx context.Context, agentID string, limit int) ([]*core.HistoryEntry, error)

	// Endorsements (append-only)
	CreateEndorsement(ctx context.Context, e *core.Endorsement) error
	GetEndorsementPair(ctx context.Context, endorserID, targetID string) (*core.Endorsement, error)
	ListEndorsementsByTarget(ctx context.Context, targetID string) ([]*core.Endorsement, error)
	ListEndorsementsByEndorser(ctx context.Context, endorserID string) ([]*core.Endorsement, error)

	// Webhooks
	CreateWebhook(ctx context.Context, w *core.Webhook) error
	GetWebhook(ctx context.Context, id string) (*core.Webhook, error)
	ListWebhooks(ctx context.Context, agentID string) ([]*core.Webhook, error)
	ActiveWebhooksFor(ctx context.Context, agentID string, event core.EventType) ([]*core.Webhook, error)
	UpdateWebhook(ctx context.Context, w *core.Webhook) error
	DeleteWebhook(ctx context.Context, id string) error
	TouchWebhook(ctx context.Context, id string, at time.Time) error

	// Aggregates
	GetStats(ctx context.Context) (*Stats, error)

	// Health
	Ping(ctx context.Context) error
	Close() error
}
