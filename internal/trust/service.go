package trust

import (
	"context"
	"log"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/Garl-Protocol/garl/internal/core"
	"github.com/Garl-Protocol/garl/internal/pipeline"
	"github.com/Garl-Protocol/garl/internal/reputation"
	"github.com/Garl-Protocol/garl/internal/storage"
)

// Service answers read-side trust questions: verdicts, routing, comparison
// and compliance. It also owns the endorsement write path and lazy decay.
type Service struct {
	store  storage.Store
	engine *reputation.Engine
	locks  *pipeline.KeyedMutex
	sinks  []pipeline.EventSink
	cache  *gocache.Cache
	logger *log.Logger
}

// NewService builds the trust service. The keyed mutex must be the same
// instance the trace pipeline uses, so decay and endorsements serialise with
// intake per agent.
func NewService(store storage.Store, engine *reputation.Engine, locks *pipeline.KeyedMutex, sinks ...pipeline.EventSink) *Service {
	return &Service{
		store:  store,
		engine: engine,
		locks:  locks,
		sinks:  sinks,
		cache:  gocache.New(30*time.Second, 5*time.Minute),
		logger: log.New(log.Writer(), "[TRUST] ", log.LstdFlags),
	}
}

// loadFresh fetches an agent and applies lazy decay, persisting under the
// agent's lock when scores actually moved. A persisted decay never regresses
// a concurrent trace update because the write re-reads under the lock.
func (s *Service) loadFresh(ctx context.Context, agentID string) (*core.Agent, error) {
	agent, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}

	shadow := *agent
	if !s.engine.ApplyDecay(&shadow, time.Now()) {
		return agent, nil
	}

	s.locks.Lock(agentID)
	defer s.locks.Unlock(agentID)

	agent, err = s.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	before := agent.TrustScore
	if !s.engine.ApplyDecay(agent, time.Now()) {
		return agent, nil
	}
	if err := s.store.UpdateAgent(ctx, agent); err != nil {
		return nil, err
	}
	delta := agent.TrustScore - before
	if err := s.store.AppendHistory(ctx, pipeline.HistoryFromAgent(agent, "decay", delta)); err != nil {
		s.logger.Printf("⚠️  Failed to append decay history for %s: %v", agentID, err)
	}
	s.logger.Printf("Applied decay to %s (Δ%.2f → %.2f)", agentID, delta, agent.TrustScore)
	return agent, nil
}

func (s *Service) emit(agentID string, event core.EventType, data map[string]interface{}) {
	for _, sink := range s.sinks {
		sink.Emit(agentID, event, data)
	}
}
