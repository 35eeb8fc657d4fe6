package a2a

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Strob0t/agentwire/internal/domain/registry"
)

// Handler serves agent cards for this node and for the registry.
type Handler struct {
	baseURL string
	self    registry.Agent
	agents  AgentLister
}

// NewHandler creates a discovery handler. self describes the local node;
// agents may be nil when the node keeps no registry.
func NewHandler(baseURL string, self registry.Agent, agents AgentLister) *Handler {
	return &Handler{baseURL: baseURL, self: self, agents: agents}
}

// MountRoutes registers discovery routes on the given chi router.
// These are mounted at the root level.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/.well-known/agent.json", h.handleAgentCard)
	r.Get("/a2a/agents", h.handleListAgents)
	r.Get("/a2a/agents/{id}", h.handleGetAgent)
}

func (h *Handler) handleAgentCard(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, BuildAgentCard(h.baseURL, &h.self))
}

func (h *Handler) handleListAgents(w http.ResponseWriter, r *http.Request) {
	if h.agents == nil {
		writeJSON(w, http.StatusOK, AgentList{Agents: []*AgentCard{}})
		return
	}
	q := r.URL.Query()
	f := registry.Filter{
		Capability: q.Get("capability"),
		Tenant:     q.Get("tenant"),
		Project:    q.Get("project"),
	}
	agents, err := h.agents.ListDiscoverable(r.Context(), f)
	if err != nil {
		slog.ErrorContext(r.Context(), "list discoverable agents", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "registry unavailable"})
		return
	}
	cards := make([]*AgentCard, len(agents))
	for i := range agents {
		cards[i] = BuildAgentCard(h.baseURL, &agents[i])
	}
	writeJSON(w, http.StatusOK, AgentList{Agents: cards, Count: len(cards)})
}

func (h *Handler) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == h.self.AgentID {
		writeJSON(w, http.StatusOK, BuildAgentCard(h.baseURL, &h.self))
		return
	}
	if h.agents != nil {
		agents, err := h.agents.ListDiscoverable(r.Context(), registry.Filter{})
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "registry unavailable"})
			return
		}
		for i := range agents {
			if agents[i].AgentID == id {
				writeJSON(w, http.StatusOK, BuildAgentCard(h.baseURL, &agents[i]))
				return
			}
		}
	}
	writeJSON(w, http.StatusNotFound, map[string]string{"error": "agent not found"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
