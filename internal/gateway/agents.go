// ABOUTME: HTTP handlers for agent presence, capacity, registration and queue views.
// ABOUTME: Agents may change only their own status and capacity; admins may change anyone's.

package gateway

import (
	"net/http"

	"github.com/2389/civic-desk/internal/auth"
	"github.com/2389/civic-desk/internal/store"
)

func (g *Gateway) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := g.engine.Agents(r.Context(), auth.FromContext(r.Context()))
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"agents": agents})
}

// RegisterAgentRequest is the JSON body for POST /api/agents.
type RegisterAgentRequest struct {
	AgentID            string               `json:"agent_id"`
	Name               string               `json:"name"`
	DepartmentID       string               `json:"department_id,omitempty"`
	ServiceIDs         []string             `json:"service_ids,omitempty"`
	Elevated           bool                 `json:"elevated,omitempty"`
	Status             store.PresenceStatus `json:"status,omitempty"`
	MaxConcurrentChats int                  `json:"max_concurrent_chats"`
}

func (g *Gateway) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req RegisterAgentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		g.writeError(w, r, err)
		return
	}
	if req.Status == "" {
		req.Status = store.PresenceOffline
	}
	snap, err := g.engine.RegisterAgent(r.Context(), auth.FromContext(r.Context()), store.AgentPresence{
		AgentID:            req.AgentID,
		Name:               req.Name,
		DepartmentID:       req.DepartmentID,
		ServiceIDs:         req.ServiceIDs,
		Elevated:           req.Elevated,
		Status:             req.Status,
		MaxConcurrentChats: req.MaxConcurrentChats,
	})
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusCreated, snap)
}

func (g *Gateway) handleAgentStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status store.PresenceStatus `json:"status"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		g.writeError(w, r, err)
		return
	}
	snap, err := g.engine.SetAgentStatus(r.Context(), auth.FromContext(r.Context()), r.PathValue("id"), req.Status)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, snap)
}

func (g *Gateway) handleAgentCapacity(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MaxConcurrentChats int `json:"max_concurrent_chats"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		g.writeError(w, r, err)
		return
	}
	snap, err := g.engine.SetAgentCapacity(r.Context(), auth.FromContext(r.Context()), r.PathValue("id"), req.MaxConcurrentChats)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, snap)
}

func (g *Gateway) handleQueues(w http.ResponseWriter, r *http.Request) {
	queues, err := g.engine.Queues(r.Context(), auth.FromContext(r.Context()))
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"queues": queues})
}
