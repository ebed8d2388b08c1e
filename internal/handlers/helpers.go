package handlers

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/Garl-Protocol/garl/internal/core"
	"github.com/Garl-Protocol/garl/internal/storage"
)

var htmlTagRe = regexp.MustCompile(`<[^>]*>`)

// writeJSON serializes a response body with the given status.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		if err := json.NewEncoder(w).Encode(v); err != nil {
			log.Printf("[HANDLERS] ❌ Failed to encode response: %v", err)
		}
	}
}

// writeError maps a domain error onto a stable wire shape. Internal detail
// never crosses the boundary: storage errors are flattened to a generic
// message.
func writeError(w http.ResponseWriter, err error) {
	kind := core.KindOf(err)
	status := core.HTTPStatus(err)

	msg := err.Error()
	if status >= 500 {
		log.Printf("[HANDLERS] ❌ %v", err)
		msg = "internal error"
	} else if de, ok := err.(*core.Error); ok {
		msg = de.Message
	}

	writeJSON(w, status, map[string]interface{}{
		"error":   string(kind),
		"message": msg,
	})
}

// decodeBody parses a JSON request body into dst with a size cap.
func decodeBody(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	if err := dec.Decode(dst); err != nil {
		return core.WrapError(core.KindValidation, err, "malformed JSON body")
	}
	return nil
}

// HashAPIKey is the server-side transform applied to every presented key.
// Only the hash is ever stored.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// NewAPIKey mints a fresh key. It is returned to the caller exactly once.
func NewAPIKey() string {
	var buf [24]byte
	if _, err := rand.Read(buf[:]); err != nil {
		panic(err) // crypto/rand failure is not survivable
	}
	return "garl_" + hex.EncodeToString(buf[:])
}

// authenticate resolves X-Api-Key to its agent.
func authenticate(ctx context.Context, store storage.Store, r *http.Request) (*core.Agent, error) {
	key := r.Header.Get("X-Api-Key")
	if key == "" {
		return nil, core.NewError(core.KindUnauthorized, "missing X-Api-Key header")
	}
	agent, err := store.GetAgentByAPIKeyHash(ctx, HashAPIKey(key))
	if core.KindOf(err) == core.KindNotFound {
		return nil, core.NewError(core.KindUnauthorized, "unknown API key")
	}
	if err != nil {
		return nil, err
	}
	if agent.IsDeleted {
		return nil, core.NewError(core.KindForbidden, "agent is deleted")
	}
	return agent, nil
}

// requireReadAuth gates the trust query surface when READ_AUTH_ENABLED is
// set. Open deployments skip the check entirely.
func (h *Handlers) requireReadAuth(r *http.Request) error {
	if !h.ReadAuthEnabled {
		return nil
	}
	_, err := authenticate(r.Context(), h.Store, r)
	return err
}

// requireOwner authenticates and checks the key owns agentID.
func requireOwner(ctx context.Context, store storage.Store, r *http.Request, agentID string) (*core.Agent, error) {
	agent, err := authenticate(ctx, store, r)
	if err != nil {
		return nil, err
	}
	if agent.ID != agentID {
		return nil, core.NewError(core.KindForbidden, "api key does not own agent %s", agentID)
	}
	return agent, nil
}

// stripHTML removes markup from free-text fields before persistence.
func stripHTML(s string) string {
	return strings.TrimSpace(htmlTagRe.ReplaceAllString(s, ""))
}

func queryInt(r *http.Request, name string, def, max int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	if max > 0 && n > max {
		return max
	}
	return n
}

var uuidRe = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)

func validUUID(s string) bool {
	return uuidRe.MatchString(strings.ToLower(s))
}

// publicAgent is the externally visible projection of an agent row.
func publicAgent(a *core.Agent) map[string]interface{} {
	return map[string]interface{}{
		"id":                 a.ID,
		"sovereign_id":       a.SovereignID,
		"name":               a.Name,
		"description":        a.Description,
		"framework":          a.Framework,
		"category":           string(a.Category),
		"homepage_url":       a.HomepageURL,
		"is_sandbox":         a.IsSandbox,
		"trust_score":        a.TrustScore,
		"certification_tier": string(a.CertificationTier),
		"verified":           a.Verified(),
		"total_traces":       a.TotalTraces,
		"success_rate":       a.SuccessRate,
		"avg_duration_ms":    a.AvgDurationMs,
		"endorsement_count":  a.EndorsementCount,
		"dimensions":         a.Dimensions(),
		"anomalies":          a.ActiveAnomalies(),
		"last_trace_at":      a.LastTraceAt,
		"created_at":         a.CreatedAt,
	}
}

// publicTrace hides nothing but exists so the trace wire shape stays stable.
func publicTrace(t *core.Trace) map[string]interface{} {
	return map[string]interface{}{
		"id":               t.ID,
		"agent_id":         t.AgentID,
		"task_description": t.TaskDescription,
		"status":           string(t.Status),
		"duration_ms":      t.DurationMs,
		"category":         string(t.Category),
		"cost_usd":         t.CostUSD,
		"token_count":      t.TokenCount,
		"trace_hash":       t.TraceHash,
		"certificate":      t.Certificate,
		"trust_delta":      t.TrustDelta,
		"created_at":       t.CreatedAt,
	}
}
