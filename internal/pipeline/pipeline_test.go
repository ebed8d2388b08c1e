package pipeline

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Garl-Protocol/garl/internal/core"
	"github.com/Garl-Protocol/garl/internal/reputation"
	"github.com/Garl-Protocol/garl/internal/signing"
	"github.com/Garl-Protocol/garl/internal/storage"
)

type recordingSink struct {
	mu     sync.Mutex
	events []core.EventType
}

func (r *recordingSink) Emit(agentID string, event core.EventType, data map[string]interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingSink) count(e core.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev == e {
			n++
		}
	}
	return n
}

func testPipeline(t *testing.T) (*Pipeline, *storage.MemoryStore, *core.Agent, *recordingSink) {
	t.Helper()
	store := storage.NewMemoryStore()
	signer, err := signing.NewSigner("")
	require.NoError(t, err)
	sink := &recordingSink{}
	p := New(store, reputation.NewEngine(reputation.DefaultConfig()), signer, sink)

	agent := &core.Agent{
		ID:                  uuid.NewString(),
		Name:                "test-agent",
		Category:            core.CategoryCoding,
		TrustScore:          50,
		ScoreReliability:    50,
		ScoreSecurity:       50,
		ScoreSpeed:          50,
		ScoreCostEfficiency: 50,
		ScoreConsistency:    50,
		CertificationTier:   core.TierSilver,
		APIKeyHash:          "hash",
		CreatedAt:           time.Now(),
	}
	require.NoError(t, store.CreateAgent(context.Background(), agent))
	return p, store, agent, sink
}

func submitReq(agentID string) *SubmitRequest {
	return &SubmitRequest{
		AgentID:         agentID,
		TaskDescription: "compile the project",
		Status:          "success",
		DurationMs:      5000,
	}
}

func TestSubmitFreshAgentSingleSuccess(t *testing.T) {
	p, store, agent, sink := testPipeline(t)
	ctx := context.Background()

	res, err := p.Submit(ctx, agent, submitReq(agent.ID))
	require.NoError(t, err)
	require.NotEmpty(t, res.TraceID)

	updated, err := store.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, updated.TotalTraces)
	assert.Equal(t, 100.0, updated.SuccessRate)
	assert.GreaterOrEqual(t, updated.TrustScore, 55.0)
	assert.LessOrEqual(t, updated.TrustScore, 65.0)

	ok, err := signing.Verify(res.Certificate)
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Equal(t, 1, sink.count(core.EventTraceRecorded))
}

func TestSubmitDuplicateIsIdempotent(t *testing.T) {
	p, store, agent, sink := testPipeline(t)
	ctx := context.Background()

	first, err := p.Submit(ctx, agent, submitReq(agent.ID))
	require.NoError(t, err)

	second, err := p.Submit(ctx, agent, submitReq(agent.ID))
	require.NoError(t, err)
	assert.Equal(t, first.TraceID, second.TraceID)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.Certificate["proof"], second.Certificate["proof"])

	// one history row, one fan-out
	rows, err := store.ListHistory(ctx, agent.ID, 10)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
	assert.Equal(t, 1, sink.count(core.EventTraceRecorded))
}

func TestSubmitTrustDeltaMatchesHistory(t *testing.T) {
	p, store, agent, _ := testPipeline(t)
	ctx := context.Background()

	res, err := p.Submit(ctx, agent, submitReq(agent.ID))
	require.NoError(t, err)

	rows, err := store.ListHistory(ctx, agent.ID, 1)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, res.TrustDelta, rows[0].TrustDelta)

	updated, _ := store.GetAgent(ctx, agent.ID)
	assert.InDelta(t, 50+res.TrustDelta, updated.TrustScore, 0.01)
}

func TestSubmitCrossAgentForbidden(t *testing.T) {
	p, _, agent, _ := testPipeline(t)

	req := submitReq(uuid.NewString())
	_, err := p.Submit(context.Background(), agent, req)
	assert.Equal(t, core.KindForbidden, core.KindOf(err))
	_ = agent
}

func TestSubmitValidation(t *testing.T) {
	p, _, agent, _ := testPipeline(t)
	ctx := context.Background()

	req := submitReq(agent.ID)
	req.Status = "exploded"
	_, err := p.Submit(ctx, agent, req)
	assert.Equal(t, core.KindValidation, core.KindOf(err))

	req = submitReq(agent.ID)
	req.TaskDescription = ""
	_, err = p.Submit(ctx, agent, req)
	assert.Equal(t, core.KindValidation, core.KindOf(err))
}

func TestSubmitFieldLengthBounds(t *testing.T) {
	p, _, agent, _ := testPipeline(t)
	ctx := context.Background()

	req := submitReq(agent.ID)
	req.TaskDescription = strings.Repeat("a", 1001)
	_, err := p.Submit(ctx, agent, req)
	assert.Equal(t, core.KindValidation, core.KindOf(err))

	req = submitReq(agent.ID)
	req.TaskDescription = strings.Repeat("a", 1000)
	req.InputSummary = strings.Repeat("b", 500)
	req.OutputSummary = strings.Repeat("c", 500)
	_, err = p.Submit(ctx, agent, req)
	assert.NoError(t, err)

	req = submitReq(agent.ID)
	req.InputSummary = strings.Repeat("b", 501)
	_, err = p.Submit(ctx, agent, req)
	assert.Equal(t, core.KindValidation, core.KindOf(err))

	req = submitReq(agent.ID)
	req.OutputSummary = strings.Repeat("c", 501)
	_, err = p.Submit(ctx, agent, req)
	assert.Equal(t, core.KindValidation, core.KindOf(err))
}

func TestSubmitOversizeMetadataRejected(t *testing.T) {
	p, _, agent, _ := testPipeline(t)

	big := make(map[string]interface{})
	for i := 0; i < 500; i++ {
		big[uuid.NewString()] = uuid.NewString()
	}
	req := submitReq(agent.ID)
	req.Metadata = big
	_, err := p.Submit(context.Background(), agent, req)
	assert.Equal(t, core.KindValidation, core.KindOf(err))
}

func TestSubmitMasksPIIButDedupesOnRawPayload(t *testing.T) {
	p, store, agent, _ := testPipeline(t)
	ctx := context.Background()

	req := submitReq(agent.ID)
	req.InputSummary = "user email is jane@example.com"
	req.MaskPII = true

	res, err := p.Submit(ctx, agent, req)
	require.NoError(t, err)

	trace, err := store.GetTrace(ctx, res.TraceID)
	require.NoError(t, err)
	assert.NotContains(t, trace.InputSummary, "jane@example.com")
	assert.Contains(t, trace.InputSummary, "sha256:")

	// identical raw payload resubmitted → duplicate, not a second trace
	again := submitReq(agent.ID)
	again.InputSummary = "user email is jane@example.com"
	again.MaskPII = true
	res2, err := p.Submit(ctx, agent, again)
	require.NoError(t, err)
	assert.Equal(t, res.TraceID, res2.TraceID)
}

func TestSubmitBatchMixedAgentsRejected(t *testing.T) {
	p, _, agent, _ := testPipeline(t)

	_, err := p.SubmitBatch(context.Background(), agent, []*SubmitRequest{
		submitReq(agent.ID),
		submitReq(uuid.NewString()),
	})
	assert.Equal(t, core.KindValidation, core.KindOf(err))
}

func TestSubmitBatchPartialFailure(t *testing.T) {
	p, _, agent, _ := testPipeline(t)

	good := submitReq(agent.ID)
	bad := submitReq(agent.ID)
	bad.Status = "nope"
	bad.TaskDescription = "different task"

	res, err := p.SubmitBatch(context.Background(), agent, []*SubmitRequest{good, bad})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Submitted)
	assert.Equal(t, 1, res.Failed)
	require.Len(t, res.Details, 2)
	assert.NotEmpty(t, res.Details[1].Error)
}

func TestSubmitBatchTooLarge(t *testing.T) {
	p, _, agent, _ := testPipeline(t)

	reqs := make([]*SubmitRequest, 51)
	for i := range reqs {
		reqs[i] = submitReq(agent.ID)
	}
	_, err := p.SubmitBatch(context.Background(), agent, reqs)
	assert.Equal(t, core.KindValidation, core.KindOf(err))
}

func TestConcurrentSubmissionsSerialisePerAgent(t *testing.T) {
	p, store, agent, _ := testPipeline(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := submitReq(agent.ID)
			req.TaskDescription = "task " + uuid.NewString()
			_, err := p.Submit(ctx, agent, req)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	updated, err := store.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, 20, updated.TotalTraces)

	rows, err := store.ListHistory(ctx, agent.ID, 100)
	require.NoError(t, err)
	assert.Len(t, rows, 20)
}

func TestKeyedMutexIndependentKeys(t *testing.T) {
	km := NewKeyedMutex()
	km.Lock("a")

	done := make(chan struct{})
	go func() {
		km.Lock("b")
		km.Unlock("b")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("independent key blocked")
	}
	km.Unlock("a")
}
