package handlers

import (
	"log"

	"github.com/Garl-Protocol/garl/internal/monitoring"
	"github.com/Garl-Protocol/garl/internal/pipeline"
	"github.com/Garl-Protocol/garl/internal/reputation"
	"github.com/Garl-Protocol/garl/internal/signing"
	"github.com/Garl-Protocol/garl/internal/storage"
	"github.com/Garl-Protocol/garl/internal/trust"
)

// Handlers bundles the collaborators every HTTP handler needs.
type Handlers struct {
	Store    storage.Store
	Pipeline *pipeline.Pipeline
	Trust    *trust.Service
	Engine   *reputation.Engine
	Signer   *signing.Signer
	Metrics  *monitoring.Metrics

	BaseURL         string
	ReadAuthEnabled bool

	logger *log.Logger
}

// New wires a handler set.
func New(store storage.Store, pl *pipeline.Pipeline, ts *trust.Service, engine *reputation.Engine, signer *signing.Signer, metrics *monitoring.Metrics, baseURL string, readAuth bool) *Handlers {
	return &Handlers{
		Store:           store,
		Pipeline:        pl,
		Trust:           ts,
		Engine:          engine,
		Signer:          signer,
		Metrics:         metrics,
		BaseURL:         baseURL,
		ReadAuthEnabled: readAuth,
		logger:          log.New(log.Writer(), "[HANDLERS] ", log.LstdFlags),
	}
}
