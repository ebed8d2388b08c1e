package handlers

import (
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/Garl-Protocol/garl/internal/core"
)

type webhookRequest struct {
	URL    string   `json:"url"`
	Events []string `json:"events"`
}

func (req *webhookRequest) parse() (string, []core.EventType, error) {
	u, err := url.Parse(req.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", nil, core.NewError(core.KindValidation, "url must be an absolute http(s) URL")
	}
	if len(req.Events) == 0 {
		return "", nil, core.NewError(core.KindValidation, "at least one event type is required")
	}
	events := make([]core.EventType, 0, len(req.Events))
	for _, e := range req.Events {
		if !core.ValidEventType(e) {
			return "", nil, core.NewError(core.KindValidation, "unknown event type %q", e)
		}
		events = append(events, core.EventType(e))
	}
	return req.URL, events, nil
}

// webhookOwner resolves the agent whose subscriptions the request manages.
// The key-only routes (/webhooks...) act on the authenticated agent; the
// scoped routes (/agents/{id}/webhooks...) additionally require the key to
// own {id}.
func (h *Handlers) webhookOwner(r *http.Request) (*core.Agent, error) {
	agent, err := authenticate(r.Context(), h.Store, r)
	if err != nil {
		return nil, err
	}
	if id, ok := mux.Vars(r)["id"]; ok && id != agent.ID {
		return nil, core.NewError(core.KindForbidden, "api key does not own agent %s", id)
	}
	return agent, nil
}

// ownedWebhook loads the {wh} path var and checks it belongs to agentID.
func (h *Handlers) ownedWebhook(r *http.Request, agentID string) (*core.Webhook, error) {
	wh, err := h.Store.GetWebhook(r.Context(), mux.Vars(r)["wh"])
	if err != nil {
		return nil, err
	}
	if wh.AgentID != agentID {
		return nil, core.NewError(core.KindForbidden, "webhook belongs to a different agent")
	}
	return wh, nil
}

// CreateWebhook subscribes the authenticated agent's endpoint to events.
// The HMAC secret is generated here and shown exactly once.
func (h *Handlers) CreateWebhook(w http.ResponseWriter, r *http.Request) {
	owner, err := h.webhookOwner(r)
	if err != nil {
		writeError(w, err)
		return
	}
	agentID := owner.ID

	var req webhookRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	target, events, err := req.parse()
	if err != nil {
		writeError(w, err)
		return
	}

	existing, err := h.Store.ListWebhooks(r.Context(), agentID)
	if err != nil {
		writeError(w, err)
		return
	}
	if len(existing) >= 10 {
		writeError(w, core.NewError(core.KindValidation, "at most 10 webhooks per agent"))
		return
	}

	wh := &core.Webhook{
		ID:        uuid.NewString(),
		AgentID:   agentID,
		URL:       target,
		Secret:    NewAPIKey(), // same entropy class as API keys
		Events:    events,
		IsActive:  true,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.Store.CreateWebhook(r.Context(), wh); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"webhook": wh,
		"notice":  "Store the secret now. It is shown only once.",
	})
}

// ListWebhooks lists the agent's subscriptions, secrets redacted.
func (h *Handlers) ListWebhooks(w http.ResponseWriter, r *http.Request) {
	owner, err := h.webhookOwner(r)
	if err != nil {
		writeError(w, err)
		return
	}

	hooks, err := h.Store.ListWebhooks(r.Context(), owner.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	for _, wh := range hooks {
		wh.Secret = ""
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"webhooks": hooks})
}

// GetWebhook returns one subscription, secret redacted.
func (h *Handlers) GetWebhook(w http.ResponseWriter, r *http.Request) {
	owner, err := h.webhookOwner(r)
	if err != nil {
		writeError(w, err)
		return
	}
	wh, err := h.ownedWebhook(r, owner.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	wh.Secret = ""
	writeJSON(w, http.StatusOK, wh)
}

// UpdateWebhook patches url, events or active state.
func (h *Handlers) UpdateWebhook(w http.ResponseWriter, r *http.Request) {
	owner, err := h.webhookOwner(r)
	if err != nil {
		writeError(w, err)
		return
	}
	wh, err := h.ownedWebhook(r, owner.ID)
	if err != nil {
		writeError(w, err)
		return
	}

	var req struct {
		URL      *string  `json:"url"`
		Events   []string `json:"events"`
		IsActive *bool    `json:"is_active"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	if req.URL != nil {
		check := webhookRequest{URL: *req.URL, Events: []string{"trace_recorded"}}
		target, _, err := check.parse()
		if err != nil {
			writeError(w, err)
			return
		}
		wh.URL = target
	}
	if req.Events != nil {
		check := webhookRequest{URL: wh.URL, Events: req.Events}
		_, events, err := check.parse()
		if err != nil {
			writeError(w, err)
			return
		}
		wh.Events = events
	}
	if req.IsActive != nil {
		wh.IsActive = *req.IsActive
	}

	if err := h.Store.UpdateWebhook(r.Context(), wh); err != nil {
		writeError(w, err)
		return
	}
	wh.Secret = ""
	writeJSON(w, http.StatusOK, wh)
}

// DeleteWebhook removes a subscription.
func (h *Handlers) DeleteWebhook(w http.ResponseWriter, r *http.Request) {
	owner, err := h.webhookOwner(r)
	if err != nil {
		writeError(w, err)
		return
	}
	wh, err := h.ownedWebhook(r, owner.ID)
	if err != nil {
		writeError(w, err)
		return
	}

	if err := h.Store.DeleteWebhook(r.Context(), wh.ID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"deleted": true})
}
