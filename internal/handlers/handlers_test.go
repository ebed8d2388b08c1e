package handlers_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Garl-Protocol/garl/internal/api"
	"github.com/Garl-Protocol/garl/internal/events"
	"github.com/Garl-Protocol/garl/internal/handlers"
	"github.com/Garl-Protocol/garl/internal/middleware"
	"github.com/Garl-Protocol/garl/internal/monitoring"
	"github.com/Garl-Protocol/garl/internal/pipeline"
	"github.com/Garl-Protocol/garl/internal/reputation"
	"github.com/Garl-Protocol/garl/internal/signing"
	"github.com/Garl-Protocol/garl/internal/storage"
	"github.com/Garl-Protocol/garl/internal/trust"
)

// Prometheus collectors register once per process.
var testMetrics = monitoring.New()

type env struct {
	store  *storage.MemoryStore
	router *mux.Router
}

func newEnv(t *testing.T) *env {
	t.Helper()

	store := storage.NewMemoryStore()
	signer, err := signing.NewSigner("")
	require.NoError(t, err)

	engine := reputation.NewEngine(reputation.DefaultConfig())
	bus := events.NewBus()
	pl := pipeline.New(store, engine, signer, bus)
	ts := trust.NewService(store, engine, pl.Locks(), bus)

	h := handlers.New(store, pl, ts, engine, signer, testMetrics, "http://localhost:8080", false)
	rl := middleware.NewRateLimiter(nil, 0)
	return &env{
		store:  store,
		router: api.NewRouter(h, rl, nil, []string{"*"}),
	}
}

func (e *env) do(t *testing.T, method, path, apiKey string, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("X-Api-Key", apiKey)
	}

	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)

	var out map[string]interface{}
	if rec.Body.Len() > 0 {
		_ = json.Unmarshal(rec.Body.Bytes(), &out)
	}
	return rec, out
}

func (e *env) register(t *testing.T, name string) (id, apiKey string) {
	t.Helper()
	rec, out := e.do(t, "POST", "/api/v1/agents/register", "", map[string]interface{}{
		"name":     name,
		"category": "coding",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	agent := out["agent"].(map[string]interface{})
	return agent["id"].(string), out["api_key"].(string)
}

func TestRegisterThenGet(t *testing.T) {
	e := newEnv(t)

	rec, out := e.do(t, "POST", "/api/v1/agents/register", "", map[string]interface{}{
		"name":        "deploy-bot",
		"description": "CI deployment agent",
		"category":    "automation",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	key := out["api_key"].(string)
	assert.Contains(t, key, "garl_")
	assert.NotEmpty(t, out["notice"])
	assert.Contains(t, out["did"], "did:garl:")

	agent := out["agent"].(map[string]interface{})
	assert.Equal(t, 50.0, agent["trust_score"])
	assert.Equal(t, "silver", agent["certification_tier"])
	_, leaked := agent["api_key_hash"]
	assert.False(t, leaked)

	rec, got := e.do(t, "GET", "/api/v1/agents/"+agent["id"].(string), "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "deploy-bot", got["name"])
	assert.Equal(t, 50.0, got["trust_score"])
}

func TestRegisterValidation(t *testing.T) {
	e := newEnv(t)

	rec, out := e.do(t, "POST", "/api/v1/agents/register", "", map[string]interface{}{
		"category": "coding",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation_error", out["error"])

	rec, _ = e.do(t, "POST", "/api/v1/agents/register", "", map[string]interface{}{
		"name":     "x",
		"category": "quantum",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAutoRegisterIncludesInstructions(t *testing.T) {
	e := newEnv(t)

	rec, out := e.do(t, "POST", "/api/v1/agents/auto-register", "", map[string]interface{}{
		"name":     "self-service-bot",
		"category": "other",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	require.NotNil(t, out["instructions"])
	steps := out["instructions"].(map[string]interface{})
	assert.Contains(t, steps["1_store_key"], "secret store")
}

func TestSubmitTraceFlow(t *testing.T) {
	e := newEnv(t)
	id, key := e.register(t, "tracer")

	rec, out := e.do(t, "POST", "/api/v1/traces", key, map[string]interface{}{
		"agent_id":         id,
		"task_description": "refactor billing module",
		"status":           "success",
		"duration_ms":      4200,
		"category":         "coding",
		"cost_usd":         0.02,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	traceID := out["trace_id"].(string)
	require.NotEmpty(t, traceID)
	assert.Greater(t, out["trust_delta"].(float64), 0.0)
	cert := out["certificate"].(map[string]interface{})
	assert.Equal(t, "CertifiedExecutionTrace", cert["@type"])

	rec, got := e.do(t, "GET", "/api/v1/traces/"+traceID, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, id, got["agent_id"])

	rec, check := e.do(t, "POST", "/api/v1/certificates/verify", "", cert)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, check["valid"])
}

func TestSubmitTraceRequiresAuth(t *testing.T) {
	e := newEnv(t)
	id, _ := e.register(t, "locked-out")

	body := map[string]interface{}{
		"agent_id":         id,
		"task_description": "anything",
		"status":           "success",
	}

	rec, out := e.do(t, "POST", "/api/v1/traces", "", body)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unauthorized", out["error"])

	rec, _ = e.do(t, "POST", "/api/v1/traces", "garl_bogus", body)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSubmitTraceCrossAgentForbidden(t *testing.T) {
	e := newEnv(t)
	victim, _ := e.register(t, "victim")
	_, attackerKey := e.register(t, "attacker")

	rec, _ := e.do(t, "POST", "/api/v1/traces", attackerKey, map[string]interface{}{
		"agent_id":         victim,
		"task_description": "forged result",
		"status":           "success",
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestTrustVerifyEndpoint(t *testing.T) {
	e := newEnv(t)
	id, _ := e.register(t, "verifiable")

	rec, out := e.do(t, "GET", "/api/v1/trust/verify?agent_id="+id, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, out["registered"])
	assert.NotEmpty(t, out["recommendation"])
	assert.Equal(t, false, out["verified"]) // no traces yet

	// Unknown agents get onboarding instructions, not a 404.
	rec, out = e.do(t, "GET", "/api/v1/trust/verify?agent_id=00000000-0000-4000-8000-000000000000", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, out["registered"])
	assert.Equal(t, "do_not_delegate", out["recommendation"])
}

func TestDeleteAgentLifecycle(t *testing.T) {
	e := newEnv(t)
	id, key := e.register(t, "ephemeral")

	rec, _ := e.do(t, "DELETE", "/api/v1/agents/"+id, key, map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	_, otherKey := e.register(t, "bystander")
	rec, _ = e.do(t, "DELETE", "/api/v1/agents/"+id, otherKey, map[string]interface{}{
		"confirm": "DELETE_CONFIRMED",
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, out := e.do(t, "DELETE", "/api/v1/agents/"+id, key, map[string]interface{}{
		"confirm": "DELETE_CONFIRMED",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, out["deleted"])

	// The deleted identity can no longer authenticate.
	rec, _ = e.do(t, "POST", "/api/v1/traces", key, map[string]interface{}{
		"agent_id":         id,
		"task_description": "ghost trace",
		"status":           "success",
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAnonymizeAgent(t *testing.T) {
	e := newEnv(t)
	id, key := e.register(t, "identifiable")

	rec, out := e.do(t, "POST", "/api/v1/agents/"+id+"/anonymize", key, map[string]interface{}{
		"confirm": "ANONYMIZE_CONFIRMED",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, out["name"], "anon_")

	rec, got := e.do(t, "GET", "/api/v1/agents/"+id, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, got["name"], "anon_")
	assert.Empty(t, got["description"])
}

func TestWebhookCRUD(t *testing.T) {
	e := newEnv(t)
	id, key := e.register(t, "hooked")
	base := "/api/v1/agents/" + id + "/webhooks"

	rec, out := e.do(t, "POST", base, key, map[string]interface{}{
		"url":    "https://example.com/hook",
		"events": []string{"trace_recorded", "tier_change"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	wh := out["webhook"].(map[string]interface{})
	whID := wh["id"].(string)
	secret := wh["secret"].(string)
	assert.NotEmpty(t, secret)

	// Listing never repeats the secret.
	rec, out = e.do(t, "GET", base, key, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	hooks := out["webhooks"].([]interface{})
	require.Len(t, hooks, 1)
	listed := hooks[0].(map[string]interface{})
	assert.Empty(t, listed["secret"])

	rec, patched := e.do(t, "PATCH", base+"/"+whID, key, map[string]interface{}{
		"is_active": false,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, patched["is_active"])

	rec, out = e.do(t, "DELETE", base+"/"+whID, key, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, out["deleted"])
}

func TestProtocolAliasRoutes(t *testing.T) {
	e := newEnv(t)

	// POST /agents registers, same as /agents/register.
	rec, out := e.do(t, "POST", "/api/v1/agents", "", map[string]interface{}{
		"name":     "alias-bot",
		"category": "coding",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	agent := out["agent"].(map[string]interface{})
	id := agent["id"].(string)
	key := out["api_key"].(string)

	// POST /verify submits a trace.
	rec, out = e.do(t, "POST", "/api/v1/verify", key, map[string]interface{}{
		"agent_id":         id,
		"task_description": "ship the release",
		"status":           "success",
		"duration_ms":      3000,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	cert := out["certificate"].(map[string]interface{})

	// POST /verify/check validates its certificate.
	rec, check := e.do(t, "POST", "/api/v1/verify/check", "", cert)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, check["valid"])

	// POST /verify/batch takes the batch shape.
	rec, batch := e.do(t, "POST", "/api/v1/verify/batch", key, map[string]interface{}{
		"traces": []map[string]interface{}{{
			"agent_id":         id,
			"task_description": "run the test suite",
			"status":           "success",
			"duration_ms":      2000,
		}},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 1.0, batch["submitted"])

	// GET /endorsements/{id} mirrors /agents/{id}/endorsements.
	rec, list := e.do(t, "GET", "/api/v1/endorsements/"+id, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, id, list["agent_id"])
}

func TestWebhookKeyOnlyRoutes(t *testing.T) {
	e := newEnv(t)
	_, key := e.register(t, "keyed-hooks")

	rec, out := e.do(t, "POST", "/api/v1/webhooks", key, map[string]interface{}{
		"url":    "https://example.com/hook",
		"events": []string{"trace_recorded"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	whID := out["webhook"].(map[string]interface{})["id"].(string)

	rec, single := e.do(t, "GET", "/api/v1/webhooks/"+whID, key, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, whID, single["id"])
	assert.Empty(t, single["secret"])

	rec, patched := e.do(t, "PATCH", "/api/v1/webhooks/"+whID, key, map[string]interface{}{
		"is_active": false,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, patched["is_active"])

	// Another agent's key cannot touch it.
	_, strangerKey := e.register(t, "hook-stranger")
	rec, _ = e.do(t, "DELETE", "/api/v1/webhooks/"+whID, strangerKey, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, out = e.do(t, "DELETE", "/api/v1/webhooks/"+whID, key, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, out["deleted"])
}

func TestWebhookOwnership(t *testing.T) {
	e := newEnv(t)
	target, _ := e.register(t, "owner")
	_, strangerKey := e.register(t, "stranger")

	rec, _ := e.do(t, "POST", "/api/v1/agents/"+target+"/webhooks", strangerKey, map[string]interface{}{
		"url":    "https://example.com/steal",
		"events": []string{"trace_recorded"},
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestWebhookValidation(t *testing.T) {
	e := newEnv(t)
	id, key := e.register(t, "strict")
	base := "/api/v1/agents/" + id + "/webhooks"

	rec, _ := e.do(t, "POST", base, key, map[string]interface{}{
		"url":    "ftp://example.com/hook",
		"events": []string{"trace_recorded"},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = e.do(t, "POST", base, key, map[string]interface{}{
		"url":    "https://example.com/hook",
		"events": []string{"made_up_event"},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBadgeEndpoints(t *testing.T) {
	e := newEnv(t)
	id, _ := e.register(t, "badged")

	rec, out := e.do(t, "GET", "/api/v1/badge/"+id, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "garl trust", out["label"])
	assert.Contains(t, out["message"], "silver")

	req := httptest.NewRequest("GET", "/api/v1/badge/svg/"+id, nil)
	svgRec := httptest.NewRecorder()
	e.router.ServeHTTP(svgRec, req)
	require.Equal(t, http.StatusOK, svgRec.Code)
	assert.Equal(t, "image/svg+xml", svgRec.Header().Get("Content-Type"))
	assert.Contains(t, svgRec.Body.String(), "<svg")
	assert.Contains(t, svgRec.Header().Get("Cache-Control"), "max-age=300")
}

func TestDiscoveryCard(t *testing.T) {
	e := newEnv(t)
	id, _ := e.register(t, "discoverable")

	rec, out := e.do(t, "GET", "/.well-known/agent-card.json", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	pub := out["public_key"].(map[string]interface{})
	assert.NotEmpty(t, pub["hex"])
	scoring := out["scoring"].(map[string]interface{})
	dims := scoring["dimensions"].(map[string]interface{})
	assert.Equal(t, 0.30, dims["reliability"])

	rec, card := e.do(t, "GET", "/api/v1/agents/"+id+"/card", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "AgentCard", card["@type"])
	assert.Contains(t, card["badge_url"], id)
}

func TestSearchFindsAgentByName(t *testing.T) {
	e := newEnv(t)
	id, _ := e.register(t, "alpha-coder")
	e.register(t, "beta-scraper")

	rec, out := e.do(t, "GET", "/api/v1/agents/search?q=alpha", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	results := out["results"].([]interface{})
	require.Len(t, results, 1)
	assert.Equal(t, id, results[0].(map[string]interface{})["id"])
}

func TestEndorseEndpoint(t *testing.T) {
	e := newEnv(t)
	target, _ := e.register(t, "endorsee")
	_, endorserKey := e.register(t, "endorser")

	rec, out := e.do(t, "POST", "/api/v1/endorse", endorserKey, map[string]interface{}{
		"target_id": target,
		"context":   "handled 30 of our billing runs",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	// A fresh endorser fails the Sybil gate, so the bonus is zero.
	assert.Equal(t, 0.0, out["bonus_applied"])

	rec, list := e.do(t, "GET", "/api/v1/agents/"+target+"/endorsements", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, list["endorsements"], 1)
}

func TestStatsAndLeaderboard(t *testing.T) {
	e := newEnv(t)
	e.register(t, "ranked-one")
	e.register(t, "ranked-two")

	rec, stats := e.do(t, "GET", "/api/v1/stats", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2.0, stats["total_agents"])

	rec, lb := e.do(t, "GET", "/api/v1/leaderboard", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	entries := lb["leaderboard"].([]interface{})
	require.Len(t, entries, 2)
	assert.Equal(t, 1.0, entries[0].(map[string]interface{})["rank"])
}

func TestHealthEndpoint(t *testing.T) {
	e := newEnv(t)
	rec, out := e.do(t, "GET", "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", out["status"])
}

func TestReadAuthGatesTrustQueries(t *testing.T) {
	store := storage.NewMemoryStore()
	signer, err := signing.NewSigner("")
	require.NoError(t, err)
	engine := reputation.NewEngine(reputation.DefaultConfig())
	bus := events.NewBus()
	pl := pipeline.New(store, engine, signer, bus)
	ts := trust.NewService(store, engine, pl.Locks(), bus)

	h := handlers.New(store, pl, ts, engine, signer, testMetrics, "http://localhost:8080", true)
	e := &env{store: store, router: api.NewRouter(h, middleware.NewRateLimiter(nil, 0), nil, []string{"*"})}

	id, key := e.register(t, "gated")

	rec, _ := e.do(t, "GET", "/api/v1/trust/verify?agent_id="+id, "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, out := e.do(t, "GET", "/api/v1/trust/verify?agent_id="+id, key, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, out["registered"])
}

func TestRateLimitOnRegister(t *testing.T) {
	e := newEnv(t)

	var last int
	for i := 0; i < 6; i++ {
		rec, _ := e.do(t, "POST", "/api/v1/agents/register", "", map[string]interface{}{
			"name":     fmt.Sprintf("burst-%d", i),
			"category": "other",
		})
		last = rec.Code
	}
	assert.Equal(t, http.StatusTooManyRequests, last)
}
