package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Garl-Protocol/garl/internal/core"
)

// MemoryStore is a full in-process implementation of Store. It backs tests
// and local development when no DATABASE_URL is configured.
type MemoryStore struct {
	mu           sync.RWMutex
	agents       map[string]*core.Agent
	agentsByKey  map[string]string // api_key_hash -> agent id
	traces       map[string]*core.Trace
	tracesByHash map[string]string // agentID|hash -> trace id
	traceOrder   []string
	history      map[string][]*core.HistoryEntry
	endorsements []*core.Endorsement
	webhooks     map[string]*core.Webhook
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		agents:       make(map[string]*core.Agent),
		agentsByKey:  make(map[string]string),
		traces:       make(map[string]*core.Trace),
		tracesByHash: make(map[string]string),
		history:      make(map[string][]*core.HistoryEntry),
		webhooks:     make(map[string]*core.Webhook),
	}
}

func hashKey(agentID, traceHash string) string { return agentID + "|" + traceHash }

func copyAgent(a *core.Agent) *core.Agent {
	cp := *a
	cp.RecentReliability = append([]float64(nil), a.RecentReliability...)
	cp.RecentStatuses = append([]core.TraceStatus(nil), a.RecentStatuses...)
	cp.AnomalyFlags = append([]core.AnomalyFlag(nil), a.AnomalyFlags...)
	cp.PermissionsDeclared = append([]string(nil), a.PermissionsDeclared...)
	return &cp
}

// ============================================================================
// AGENTS
// ============================================================================

func (m *MemoryStore) CreateAgent(ctx context.Context, agent *core.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.agents[agent.ID]; exists {
		return core.NewError(core.KindDuplicate, "agent %s already exists", agent.ID)
	}
	m.agents[agent.ID] = copyAgent(agent)
	if agent.APIKeyHash != "" {
		m.agentsByKey[agent.APIKeyHash] = agent.ID
	}
	return nil
}

func (m *MemoryStore) GetAgent(ctx context.Context, id string) (*core.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agents[id]
	if !ok {
		return nil, core.ErrAgentNotFound
	}
	return copyAgent(a), nil
}

func (m *MemoryStore) GetAgentByAPIKeyHash(ctx context.Context, hash string) (*core.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.agentsByKey[hash]
	if !ok {
		return nil, core.ErrAgentNotFound
	}
	return copyAgent(m.agents[id]), nil
}

func (m *MemoryStore) UpdateAgent(ctx context.Context, agent *core.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.agents[agent.ID]; !ok {
		return core.ErrAgentNotFound
	}
	m.agents[agent.ID] = copyAgent(agent)
	return nil
}

func (m *MemoryStore) ListAgents(ctx context.Context, f AgentFilter) ([]*core.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tierSet := make(map[core.Tier]bool, len(f.Tiers))
	for _, t := range f.Tiers {
		tierSet[t] = true
	}
	q := strings.ToLower(f.Query)

	var out []*core.Agent
	for _, a := range m.agents {
		if a.IsDeleted && !f.IncludeDeleted {
			continue
		}
		if a.IsSandbox && !f.IncludeSandbox {
			continue
		}
		if f.Category != "" && a.Category != f.Category {
			continue
		}
		if len(tierSet) > 0 && !tierSet[a.CertificationTier] {
			continue
		}
		if q != "" && !strings.Contains(strings.ToLower(a.Name), q) &&
			!strings.Contains(strings.ToLower(a.Description), q) {
			continue
		}
		out = append(out, copyAgent(a))
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].TrustScore != out[j].TrustScore {
			return out[i].TrustScore > out[j].TrustScore
		}
		return out[i].TotalTraces > out[j].TotalTraces
	})

	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemoryStore) CountAgents(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, a := range m.agents {
		if !a.IsDeleted && !a.IsSandbox {
			n++
		}
	}
	return n, nil
}

// ============================================================================
// TRACES
// ============================================================================

func (m *MemoryStore) GetTrace(ctx context.Context, id string) (*core.Trace, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.traces[id]
	if !ok {
		return nil, core.ErrTraceNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) GetTraceByHash(ctx context.Context, agentID, traceHash string) (*core.Trace, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.tracesByHash[hashKey(agentID, traceHash)]
	if !ok {
		return nil, core.ErrTraceNotFound
	}
	cp := *m.traces[id]
	return &cp, nil
}

func (m *MemoryStore) ListTraces(ctx context.Context, agentID string, limit, offset int) ([]*core.Trace, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*core.Trace
	// newest first
	for i := len(m.traceOrder) - 1; i >= 0; i-- {
		t := m.traces[m.traceOrder[i]]
		if t.AgentID != agentID {
			continue
		}
		out = append(out, t)
	}
	if offset > 0 {
		if offset >= len(out) {
			return nil, nil
		}
		out = out[offset:]
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	cps := make([]*core.Trace, len(out))
	for i, t := range out {
		cp := *t
		cps[i] = &cp
	}
	return cps, nil
}

func (m *MemoryStore) RecentTraces(ctx context.Context, limit int) ([]*core.Trace, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*core.Trace
	for i := len(m.traceOrder) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		cp := *m.traces[m.traceOrder[i]]
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) CountTraces(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.traces), nil
}

func (m *MemoryStore) RecordTrace(ctx context.Context, agent *core.Agent, trace *core.Trace, history *core.HistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.agents[agent.ID]; !ok {
		return core.ErrAgentNotFound
	}
	key := hashKey(trace.AgentID, trace.TraceHash)
	if _, exists := m.tracesByHash[key]; exists {
		return core.NewError(core.KindDuplicate, "trace already recorded")
	}

	cp := *trace
	m.traces[trace.ID] = &cp
	m.tracesByHash[key] = trace.ID
	m.traceOrder = append(m.traceOrder, trace.ID)

	hcp := *history
	m.history[history.AgentID] = append(m.history[history.AgentID], &hcp)

	m.agents[agent.ID] = copyAgent(agent)
	return nil
}

// ============================================================================
// HISTORY
// ============================================================================

func (m *MemoryStore) AppendHistory(ctx context.Context, entry *core.HistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *entry
	m.history[entry.AgentID] = append(m.history[entry.AgentID], &cp)
	return nil
}

func (m *MemoryStore) ListHistory(ctx context.Context, agentID string, limit int) ([]*core.HistoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rows := m.history[agentID]
	var out []*core.HistoryEntry
	for i := len(rows) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		cp := *rows[i]
		out = append(out, &cp)
	}
	return out, nil
}

// ============================================================================
// ENDORSEMENTS
// ============================================================================

func (m *MemoryStore) CreateEndorsement(ctx context.Context, e *core.Endorsement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.endorsements {
		if existing.EndorserID == e.EndorserID && existing.TargetID == e.TargetID {
			return core.NewError(core.KindDuplicate, "endorsement already exists")
		}
	}
	cp := *e
	m.endorsements = append(m.endorsements, &cp)
	return nil
}

func (m *MemoryStore) GetEndorsementPair(ctx context.Context, endorserID, targetID string) (*core.Endorsement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, e := range m.endorsements {
		if e.EndorserID == endorserID && e.TargetID == targetID {
			cp := *e
			return &cp, nil
		}
	}
	return nil, core.NewError(core.KindNotFound, "endorsement not found")
}

func (m *MemoryStore) ListEndorsementsByTarget(ctx context.Context, targetID string) ([]*core.Endorsement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*core.Endorsement
	for _, e := range m.endorsements {
		if e.TargetID == targetID {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) ListEndorsementsByEndorser(ctx context.Context, endorserID string) ([]*core.Endorsement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*core.Endorsement
	for _, e := range m.endorsements {
		if e.EndorserID == endorserID {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

// ============================================================================
// WEBHOOKS
// ============================================================================

func (m *MemoryStore) CreateWebhook(ctx context.Context, w *core.Webhook) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *w
	cp.Events = append([]core.EventType(nil), w.Events...)
	m.webhooks[w.ID] = &cp
	return nil
}

func (m *MemoryStore) GetWebhook(ctx context.Context, id string) (*core.Webhook, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.webhooks[id]
	if !ok {
		return nil, core.ErrWebhookNotFound
	}
	cp := *w
	return &cp, nil
}

func (m *MemoryStore) ListWebhooks(ctx context.Context, agentID string) ([]*core.Webhook, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*core.Webhook
	for _, w := range m.webhooks {
		if w.AgentID == agentID {
			cp := *w
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) ActiveWebhooksFor(ctx context.Context, agentID string, event core.EventType) ([]*core.Webhook, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*core.Webhook
	for _, w := range m.webhooks {
		if w.AgentID == agentID && w.IsActive && w.Subscribed(event) {
			cp := *w
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) UpdateWebhook(ctx context.Context, w *core.Webhook) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.webhooks[w.ID]; !ok {
		return core.ErrWebhookNotFound
	}
	cp := *w
	cp.Events = append([]core.EventType(nil), w.Events...)
	m.webhooks[w.ID] = &cp
	return nil
}

func (m *MemoryStore) DeleteWebhook(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.webhooks[id]; !ok {
		return core.ErrWebhookNotFound
	}
	delete(m.webhooks, id)
	return nil
}

func (m *MemoryStore) TouchWebhook(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.webhooks[id]
	if !ok {
		return core.ErrWebhookNotFound
	}
	w.LastTriggeredAt = &at
	return nil
}

// ============================================================================
// AGGREGATES
// ============================================================================

func (m *MemoryStore) GetStats(ctx context.Context) (*Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := &Stats{TotalTraces: len(m.traces)}
	var sum float64
	var top *core.Agent
	for _, a := range m.agents {
		if a.IsDeleted || a.IsSandbox {
			continue
		}
		s.TotalAgents++
		sum += a.TrustScore
		if top == nil || a.TrustScore > top.TrustScore {
			top = a
		}
	}
	if s.TotalAgents > 0 {
		s.AvgTrustScore = sum / float64(s.TotalAgents)
	}
	if top != nil {
		s.TopAgentID = top.ID
		s.TopAgentName = top.Name
		s.TopAgentScore = top.TrustScore
	}
	return s, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }
func (m *MemoryStore) Close() error                   { return nil }
