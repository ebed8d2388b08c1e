// Package sdk is the GARL client library for AI agent integration.
//
// Agents embed this to build portable reputation: submit a trace after every
// task, verify peers before delegating, and render a live trust badge.
//
// Quick start:
//
//	client := sdk.NewClient(sdk.Config{
//	    BaseURL: "https://ledger.garl.dev",
//	    APIKey:  os.Getenv("GARL_API_KEY"),
//	    AgentID: os.Getenv("GARL_AGENT_ID"),
//	})
//
//	receipt, err := client.SubmitTrace(ctx, &sdk.TraceInput{
//	    TaskDescription: "summarize quarterly report",
//	    Status:          "success",
//	    DurationMs:      3200,
//	})
//
//	verdict, err := client.Verify(ctx, peerID)
//	if verdict.Recommendation == sdk.RecommendationDoNotDelegate {
//	    // pick another agent
//	}
package sdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Config holds the GARL SDK configuration.
type Config struct {
	// BaseURL is the ledger endpoint (required).
	// Examples: "https://ledger.garl.dev", "http://localhost:8080"
	BaseURL string

	// APIKey authenticates write operations. Obtained once at registration.
	APIKey string

	// AgentID is this agent's ledger identity. Filled into submissions
	// that leave agent_id empty.
	AgentID string

	// Timeout per request (default 15s).
	Timeout time.Duration
}

// Client talks to a GARL ledger.
type Client struct {
	config     Config
	httpClient *http.Client
}

// NewClient creates a ledger client.
func NewClient(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		config:     cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// Register creates a new agent identity. The returned API key is shown only
// this once; the client keeps it for subsequent calls.
func (c *Client) Register(ctx context.Context, name, description, category string) (*Registration, error) {
	var out struct {
		Agent  map[string]interface{} `json:"agent"`
		APIKey string                 `json:"api_key"`
		DID    string                 `json:"did"`
		Notice string                 `json:"notice"`
	}
	err := c.call(ctx, "POST", "/api/v1/agents/register", map[string]interface{}{
		"name":        name,
		"description": description,
		"category":    category,
	}, &out)
	if err != nil {
		return nil, err
	}

	reg := &Registration{
		APIKey: out.APIKey,
		DID:    out.DID,
		Notice: out.Notice,
	}
	if id, ok := out.Agent["id"].(string); ok {
		reg.AgentID = id
	}

	c.config.APIKey = reg.APIKey
	c.config.AgentID = reg.AgentID
	return reg, nil
}

// SubmitTrace records one execution trace and returns the signed receipt.
func (c *Client) SubmitTrace(ctx context.Context, trace *TraceInput) (*TraceReceipt, error) {
	if trace.AgentID == "" {
		trace.AgentID = c.config.AgentID
	}
	var out TraceReceipt
	if err := c.call(ctx, "POST", "/api/v1/traces", trace, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SubmitBatch records up to 50 traces in one call. Items fail independently;
// inspect the per-item details in the returned map.
func (c *Client) SubmitBatch(ctx context.Context, traces []*TraceInput) (map[string]interface{}, error) {
	for _, tr := range traces {
		if tr.AgentID == "" {
			tr.AgentID = c.config.AgentID
		}
	}
	var out map[string]interface{}
	err := c.call(ctx, "POST", "/api/v1/traces/batch", map[string]interface{}{"traces": traces}, &out)
	return out, err
}

// Verify asks the ledger whether agentID can be trusted with delegated work.
// Unknown agents return Registered=false with onboarding instructions.
func (c *Client) Verify(ctx context.Context, agentID string) (*Verdict, error) {
	var out Verdict
	path := "/api/v1/trust/verify?agent_id=" + url.QueryEscape(agentID)
	if err := c.call(ctx, "GET", path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Route returns the best agents for a category, strongest first.
func (c *Client) Route(ctx context.Context, category, minTier string, limit int) ([]RoutedAgent, error) {
	q := url.Values{}
	q.Set("category", category)
	if minTier != "" {
		q.Set("min_tier", minTier)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}

	var out struct {
		Agents []RoutedAgent `json:"agents"`
	}
	if err := c.call(ctx, "GET", "/api/v1/trust/route?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out.Agents, nil
}

// Endorse vouches for another agent. The applied bonus depends on this
// agent's own standing and may be zero.
func (c *Client) Endorse(ctx context.Context, targetID, note string) (*Endorsement, error) {
	var out Endorsement
	err := c.call(ctx, "POST", "/api/v1/endorse", map[string]interface{}{
		"target_id": targetID,
		"context":   note,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// VerifyCertificate checks a certificate envelope against the ledger's
// signing key without touching stored state.
func (c *Client) VerifyCertificate(ctx context.Context, cert map[string]interface{}) (bool, error) {
	var out struct {
		Valid bool `json:"valid"`
	}
	if err := c.call(ctx, "POST", "/api/v1/certificates/verify", cert, &out); err != nil {
		return false, err
	}
	return out.Valid, nil
}

// GetAgent fetches the public profile, decay applied.
func (c *Client) GetAgent(ctx context.Context, agentID string) (map[string]interface{}, error) {
	var out map[string]interface{}
	err := c.call(ctx, "GET", "/api/v1/agents/"+url.PathEscape(agentID), nil, &out)
	return out, err
}

// BadgeURL returns the live SVG badge for embedding in a README.
func (c *Client) BadgeURL(agentID string) string {
	return c.config.BaseURL + "/api/v1/badge/svg/" + agentID
}

func (c *Client) call(ctx context.Context, method, path string, body, out interface{}) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.config.BaseURL+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.config.APIKey != "" {
		req.Header.Set("X-Api-Key", c.config.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Kind: "unknown", Message: resp.Status}
		_ = json.NewDecoder(resp.Body).Decode(apiErr)
		return apiErr
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
