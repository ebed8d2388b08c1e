package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/Garl-Protocol/garl/internal/core"
	"github.com/Garl-Protocol/garl/internal/reputation"
	"github.com/Garl-Protocol/garl/internal/signing"
	"github.com/Garl-Protocol/garl/internal/storage"
)

const maxOpaqueBytes = 4096 // cap on metadata and tool_calls JSON

// EventSink receives reputation events after a successful commit. Sinks must
// never block: dispatch failures stay on the sink's side of the fence and
// cannot fail a submission.
type EventSink interface {
	Emit(agentID string, event core.EventType, data map[string]interface{})
}

// SubmitRequest is the wire shape of a single trace submission.
type SubmitRequest struct {
	AgentID         string                 `json:"agent_id" validate:"required,uuid4"`
	TaskDescription string                 `json:"task_description" validate:"required,max=1000"`
	Status          string                 `json:"status" validate:"required,oneof=success failure partial"`
	DurationMs      int                    `json:"duration_ms" validate:"min=0,max=86400000"`
	Category        string                 `json:"category" validate:"omitempty,oneof=coding research sales data automation other"`
	CostUSD         float64                `json:"cost_usd" validate:"min=0,max=100000"`
	TokenCount      int                    `json:"token_count" validate:"min=0"`
	InputSummary    string                 `json:"input_summary" validate:"max=500"`
	OutputSummary   string                 `json:"output_summary" validate:"max=500"`
	RuntimeEnv      string                 `json:"runtime_env" validate:"max=200"`
	ToolCalls       []core.ToolCall        `json:"tool_calls" validate:"max=100,dive"`
	Metadata        map[string]interface{} `json:"metadata"`
	MaskPII         bool                   `json:"mask_pii"`
}

// SubmitResult is returned to the submitter.
type SubmitResult struct {
	TraceID     string                 `json:"trace_id"`
	TrustDelta  float64                `json:"trust_delta"`
	Certificate map[string]interface{} `json:"certificate"`
	NewScores   map[string]float64     `json:"new_scores"`
	Duplicate   bool                   `json:"duplicate,omitempty"`
}

// BatchResult summarises a batch submission.
type BatchResult struct {
	Submitted int               `json:"submitted"`
	Failed    int               `json:"failed"`
	Details   []BatchItemResult `json:"details"`
}

// BatchItemResult is the per-item outcome inside a batch.
type BatchItemResult struct {
	Index   int           `json:"index"`
	TraceID string        `json:"trace_id,omitempty"`
	Error   string        `json:"error,omitempty"`
	Result  *SubmitResult `json:"result,omitempty"`
}

// Pipeline orchestrates trace intake: validate, hash, dedupe, score, sign,
// persist, notify.
type Pipeline struct {
	store    storage.Store
	engine   *reputation.Engine
	signer   *signing.Signer
	locks    *KeyedMutex
	sinks    []EventSink
	validate *validator.Validate
	logger   *log.Logger
}

// New builds a pipeline over its collaborators.
func New(store storage.Store, engine *reputation.Engine, signer *signing.Signer, sinks ...EventSink) *Pipeline {
	return &Pipeline{
		store:    store,
		engine:   engine,
		signer:   signer,
		locks:    NewKeyedMutex(),
		sinks:    sinks,
		validate: validator.New(),
		logger:   log.New(log.Writer(), "[PIPELINE] ", log.LstdFlags),
	}
}

// Locks exposes the per-agent mutex so other write paths (endorsements,
// lazy decay) serialise against trace intake.
func (p *Pipeline) Locks() *KeyedMutex { return p.locks }

// Submit records one trace for the authenticated agent. Resubmitting a
// byte-identical payload returns the original certificate instead of an
// error: submission is idempotent on (agent_id, trace_hash).
func (p *Pipeline) Submit(ctx context.Context, authAgent *core.Agent, req *SubmitRequest) (*SubmitResult, error) {
	if err := p.validateRequest(authAgent, req); err != nil {
		return nil, err
	}

	traceHash, err := signing.HashPayload(canonicalPayload(req))
	if err != nil {
		return nil, core.WrapError(core.KindValidation, err, "payload not hashable")
	}

	// Fast path: duplicate before taking the lock.
	if existing, err := p.store.GetTraceByHash(ctx, req.AgentID, traceHash); err == nil {
		return duplicateResult(existing), nil
	}

	if req.MaskPII {
		req.InputSummary = maskSummary(req.InputSummary)
		req.OutputSummary = maskSummary(req.OutputSummary)
	}

	p.locks.Lock(req.AgentID)
	defer p.locks.Unlock(req.AgentID)

	// Re-check under the lock: a concurrent submission may have won the race.
	if existing, err := p.store.GetTraceByHash(ctx, req.AgentID, traceHash); err == nil {
		return duplicateResult(existing), nil
	}

	agent, err := p.store.GetAgent(ctx, req.AgentID)
	if err != nil {
		return nil, err
	}
	if agent.IsDeleted {
		return nil, core.NewError(core.KindForbidden, "agent is deleted")
	}

	category := agent.Category
	if req.Category != "" {
		category, _ = core.ParseCategory(req.Category)
	}

	trace := &core.Trace{
		ID:              uuid.NewString(),
		AgentID:         req.AgentID,
		TaskDescription: req.TaskDescription,
		Status:          core.TraceStatus(req.Status),
		DurationMs:      req.DurationMs,
		Category:        category,
		CostUSD:         req.CostUSD,
		TokenCount:      req.TokenCount,
		InputSummary:    req.InputSummary,
		OutputSummary:   req.OutputSummary,
		RuntimeEnv:      req.RuntimeEnv,
		ToolCalls:       req.ToolCalls,
		Metadata:        req.Metadata,
		TraceHash:       traceHash,
		CreatedAt:       time.Now().UTC(),
	}

	outcome := p.engine.ApplyTrace(agent, trace)
	trace.TrustDelta = outcome.Delta

	cert, err := p.signer.Certify(certificatePayload(trace))
	if err != nil {
		return nil, core.WrapError(core.KindStorage, err, "certificate signing failed")
	}
	trace.Certificate = cert

	history := historyFromOutcome(agent, "trace", outcome.Delta)

	// The commit must survive request cancellation: once scoring is done we
	// persist with a detached context.
	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := p.store.RecordTrace(commitCtx, agent, trace, history); err != nil {
		if core.KindOf(err) == core.KindDuplicate {
			if existing, gerr := p.store.GetTraceByHash(commitCtx, req.AgentID, traceHash); gerr == nil {
				return duplicateResult(existing), nil
			}
		}
		return nil, err
	}

	p.emitEvents(agent, trace, outcome)

	p.logger.Printf("✅ Trace %s recorded for %s (Δ%+.2f → %.2f)",
		trace.ID, agent.ID, outcome.Delta, agent.TrustScore)

	return &SubmitResult{
		TraceID:     trace.ID,
		TrustDelta:  outcome.Delta,
		Certificate: cert,
		NewScores:   scoresMap(agent),
	}, nil
}

// SubmitBatch processes up to 50 traces for one agent. Items are independent:
// a failed item does not roll back its neighbours.
func (p *Pipeline) SubmitBatch(ctx context.Context, authAgent *core.Agent, reqs []*SubmitRequest) (*BatchResult, error) {
	if len(reqs) == 0 {
		return nil, core.NewError(core.KindValidation, "empty batch")
	}
	if len(reqs) > 50 {
		return nil, core.NewError(core.KindValidation, "batch exceeds 50 traces")
	}
	for _, r := range reqs {
		if r.AgentID != reqs[0].AgentID {
			return nil, core.NewError(core.KindValidation, "batch mixes agent ids")
		}
	}

	out := &BatchResult{}
	for i, r := range reqs {
		res, err := p.Submit(ctx, authAgent, r)
		if err != nil {
			out.Failed++
			out.Details = append(out.Details, BatchItemResult{Index: i, Error: err.Error()})
			continue
		}
		out.Submitted++
		out.Details = append(out.Details, BatchItemResult{Index: i, TraceID: res.TraceID, Result: res})
	}
	return out, nil
}

func (p *Pipeline) validateRequest(authAgent *core.Agent, req *SubmitRequest) error {
	if err := p.validate.Struct(req); err != nil {
		return core.WrapError(core.KindValidation, err, "invalid trace")
	}
	if authAgent.ID != req.AgentID {
		return core.NewError(core.KindForbidden, "api key does not own agent %s", req.AgentID)
	}
	if req.Metadata != nil {
		if b, err := json.Marshal(req.Metadata); err != nil || len(b) > maxOpaqueBytes {
			return core.NewError(core.KindValidation, "metadata exceeds %d bytes", maxOpaqueBytes)
		}
	}
	if req.ToolCalls != nil {
		if b, err := json.Marshal(req.ToolCalls); err != nil || len(b) > maxOpaqueBytes {
			return core.NewError(core.KindValidation, "tool_calls exceed %d bytes", maxOpaqueBytes)
		}
	}
	return nil
}

func (p *Pipeline) emitEvents(agent *core.Agent, trace *core.Trace, out reputation.TraceOutcome) {
	p.emit(agent.ID, core.EventTraceRecorded, map[string]interface{}{
		"trace_id":    trace.ID,
		"status":      string(trace.Status),
		"trust_score": agent.TrustScore,
		"trust_delta": out.Delta,
	})
	if out.Delta >= 2 || out.Delta <= -2 {
		p.emit(agent.ID, core.EventScoreChange, map[string]interface{}{
			"trust_score": agent.TrustScore,
			"trust_delta": out.Delta,
		})
	}
	if out.Milestone != 0 {
		p.emit(agent.ID, core.EventMilestone, map[string]interface{}{
			"total_traces": agent.TotalTraces,
			"milestone":    out.Milestone,
		})
	}
	if out.TierBefore != out.TierAfter {
		p.emit(agent.ID, core.EventTierChange, map[string]interface{}{
			"previous_tier": string(out.TierBefore),
			"new_tier":      string(out.TierAfter),
			"trust_score":   agent.TrustScore,
		})
	}
	for _, f := range out.NewFlags {
		p.emit(agent.ID, core.EventAnomaly, map[string]interface{}{
			"anomaly_type": string(f.Type),
			"severity":     string(f.Severity),
			"message":      f.Message,
		})
	}
}

func (p *Pipeline) emit(agentID string, event core.EventType, data map[string]interface{}) {
	for _, sink := range p.sinks {
		sink.Emit(agentID, event, data)
	}
}

// canonicalPayload is the client-owned view of the trace the hash covers.
// Server-assigned fields (id, timestamps, certificate, delta) are excluded,
// and masking happens after hashing so a masked resubmission still dedupes.
func canonicalPayload(req *SubmitRequest) map[string]interface{} {
	return map[string]interface{}{
		"agent_id":         req.AgentID,
		"task_description": req.TaskDescription,
		"status":           req.Status,
		"duration_ms":      req.DurationMs,
		"category":         req.Category,
		"cost_usd":         req.CostUSD,
		"token_count":      req.TokenCount,
		"input_summary":    req.InputSummary,
		"output_summary":   req.OutputSummary,
		"runtime_env":      req.RuntimeEnv,
		"tool_calls":       req.ToolCalls,
		"metadata":         req.Metadata,
	}
}

// certificatePayload is what the signature covers: the persisted trace.
func certificatePayload(t *core.Trace) map[string]interface{} {
	return map[string]interface{}{
		"trace_id":         t.ID,
		"agent_id":         t.AgentID,
		"task_description": t.TaskDescription,
		"status":           string(t.Status),
		"duration_ms":      t.DurationMs,
		"category":         string(t.Category),
		"cost_usd":         t.CostUSD,
		"token_count":      t.TokenCount,
		"trace_hash":       t.TraceHash,
		"recorded_at":      t.CreatedAt.Format(time.RFC3339Nano),
	}
}

func historyFromOutcome(agent *core.Agent, eventType string, delta float64) *core.HistoryEntry {
	return &core.HistoryEntry{
		ID:                  uuid.NewString(),
		AgentID:             agent.ID,
		TrustScore:          agent.TrustScore,
		EventType:           eventType,
		TrustDelta:          delta,
		ScoreReliability:    agent.ScoreReliability,
		ScoreSecurity:       agent.ScoreSecurity,
		ScoreSpeed:          agent.ScoreSpeed,
		ScoreCostEfficiency: agent.ScoreCostEfficiency,
		ScoreConsistency:    agent.ScoreConsistency,
		CreatedAt:           time.Now().UTC(),
	}
}

func duplicateResult(t *core.Trace) *SubmitResult {
	return &SubmitResult{
		TraceID:     t.ID,
		TrustDelta:  t.TrustDelta,
		Certificate: t.Certificate,
		Duplicate:   true,
	}
}

func scoresMap(a *core.Agent) map[string]float64 {
	return map[string]float64{
		"trust_score":     a.TrustScore,
		"reliability":     a.ScoreReliability,
		"security":        a.ScoreSecurity,
		"speed":           a.ScoreSpeed,
		"cost_efficiency": a.ScoreCostEfficiency,
		"consistency":     a.ScoreConsistency,
	}
}

func maskSummary(s string) string {
	if s == "" {
		return s
	}
	sum := sha256.Sum256([]byte(s))
	return "sha256:" + hex.EncodeToString(sum[:])
}

// HistoryFromAgent exposes history row construction for other write paths
// (endorsements, decay) that append to the same ledger.
func HistoryFromAgent(agent *core.Agent, eventType string, delta float64) *core.HistoryEntry {
	return historyFromOutcome(agent, eventType, delta)
}
