// ABOUTME: HTTP API handlers for conversations and messages on top of the desk engine.
// ABOUTME: Decodes JSON requests, resolves the caller identity and maps engine errors to status codes.

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/2389/civic-desk/internal/auth"
	"github.com/2389/civic-desk/internal/bot"
	"github.com/2389/civic-desk/internal/conversation"
	"github.com/2389/civic-desk/internal/desk"
	"github.com/2389/civic-desk/internal/directory"
	"github.com/2389/civic-desk/internal/presence"
	"github.com/2389/civic-desk/internal/queue"
	"github.com/2389/civic-desk/internal/store"
)

const maxBodyBytes = 64 << 10

var errInvalidBody = errors.New("invalid JSON body")

// registerRoutes wires every endpoint onto mux.
func (g *Gateway) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)

	identify := auth.IdentityMiddleware(g.verifier)
	open := func(h http.HandlerFunc) http.Handler { return identify(h) }
	caller := func(h http.HandlerFunc) http.Handler { return identify(auth.RequireIdentity()(h)) }
	staff := func(h http.HandlerFunc) http.Handler { return identify(auth.RequireStaff()(h)) }

	mux.Handle("GET /api/departments", open(g.handleDepartments))

	mux.Handle("POST /api/conversations", open(g.handleCreateConversation))
	mux.Handle("GET /api/conversations", staff(g.handleListConversations))
	mux.Handle("GET /api/conversations/{id}", caller(g.handleGetConversation))
	mux.Handle("POST /api/conversations/{id}/messages", caller(g.limitMessages(g.handleAppendMessage)))
	mux.Handle("GET /api/conversations/{id}/messages", caller(g.handleListMessages))
	mux.Handle("POST /api/conversations/{id}/messages/{messageID}/status", caller(g.handleMessageStatus))
	mux.Handle("POST /api/conversations/{id}/close", caller(g.handleClose))
	mux.Handle("POST /api/conversations/{id}/transfer", staff(g.handleTransfer))
	mux.Handle("POST /api/conversations/{id}/handoff", caller(g.handleHandoff))
	mux.Handle("POST /api/conversations/{id}/inactivity", staff(g.handleInactivity))
	mux.Handle("GET /api/conversations/{id}/queue", caller(g.handleQueuePosition))

	mux.Handle("GET /api/agents", staff(g.handleListAgents))
	mux.Handle("POST /api/agents", staff(g.handleRegisterAgent))
	mux.Handle("PUT /api/agents/{id}/status", staff(g.handleAgentStatus))
	mux.Handle("PUT /api/agents/{id}/capacity", staff(g.handleAgentCapacity))
	mux.Handle("GET /api/queues", staff(g.handleQueues))

	mux.Handle("GET /api/events", caller(g.handleEvents))
	mux.Handle("GET /api/ws", caller(g.handleWebSocket))
}

// statusFor maps engine errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case desk.IsNotFound(err), errors.Is(err, desk.ErrNotQueued):
		return http.StatusNotFound
	case errors.Is(err, desk.ErrForbidden), errors.Is(err, conversation.ErrNotParticipant):
		return http.StatusForbidden
	case errors.Is(err, errInvalidBody),
		errors.Is(err, desk.ErrInvalidRequest),
		errors.Is(err, desk.ErrInvalidTopic),
		errors.Is(err, desk.ErrBotDisabled),
		errors.Is(err, conversation.ErrInvalidMessage),
		errors.Is(err, directory.ErrUnknownDepartment),
		errors.Is(err, directory.ErrUnknownService),
		errors.Is(err, presence.ErrInvalidStatus):
		return http.StatusBadRequest
	case errors.Is(err, conversation.ErrInvalidTransition),
		errors.Is(err, conversation.ErrConversationClosed),
		errors.Is(err, conversation.ErrInvalidStatusTransition),
		errors.Is(err, conversation.ErrAgentUnavailable),
		errors.Is(err, queue.ErrAlreadyQueued),
		errors.Is(err, store.ErrVersionConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// writeError reports err to the client. Unexpected errors are logged and hidden.
func (g *Gateway) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		g.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		g.sendJSONError(w, status, "internal server error")
		return
	}
	g.sendJSONError(w, status, err.Error())
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("failed to write response", "error", err)
	}
}

// decodeJSON reads a bounded JSON body into v. An empty body leaves v unchanged.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("%w: %v", errInvalidBody, err)
	}
	return nil
}

func intParam(r *http.Request, name string, def int64) (int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer", desk.ErrInvalidRequest, name)
	}
	return n, nil
}

// renderMarkdown converts a bot message to HTML, or returns "" for other senders.
func (g *Gateway) renderMarkdown(m *store.Message) string {
	if m == nil || m.SenderID != bot.AgentID {
		return ""
	}
	html, err := bot.RenderHTML(m.Content)
	if err != nil {
		g.logger.Warn("rendering bot message failed", "message_id", m.ID, "error", err)
		return ""
	}
	return html
}

func (g *Gateway) handleDepartments(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, map[string]any{"departments": g.engine.Departments(r.Context())})
}

// createResponse adds rendered HTML for the bot greeting.
type createResponse struct {
	*desk.CreateResult
	GreetingHTML string `json:"greeting_html,omitempty"`
}

func (g *Gateway) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req desk.CreateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		g.writeError(w, r, err)
		return
	}
	res, err := g.engine.CreateConversation(r.Context(), auth.FromContext(r.Context()), req)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusCreated, createResponse{CreateResult: res, GreetingHTML: g.renderMarkdown(res.Greeting)})
}

func parseFilter(r *http.Request) (store.ConversationFilter, error) {
	q := r.URL.Query()
	filter := store.ConversationFilter{
		DepartmentID: q.Get("department"),
		AgentID:      q.Get("agent"),
	}
	if raw := q.Get("state"); raw != "" {
		for _, name := range strings.Split(raw, ",") {
			st, err := store.ParseState(strings.TrimSpace(name))
			if err != nil {
				return filter, fmt.Errorf("%w: %v", desk.ErrInvalidRequest, err)
			}
			filter.States = append(filter.States, st)
		}
	}
	limit, err := intParam(r, "limit", 100)
	if err != nil {
		return filter, err
	}
	filter.Limit = int(limit)
	return filter, nil
}

func (g *Gateway) handleListConversations(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	convs, err := g.engine.Conversations(r.Context(), auth.FromContext(r.Context()), filter)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"conversations": convs})
}

func (g *Gateway) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	c, err := g.engine.Conversation(r.Context(), auth.FromContext(r.Context()), r.PathValue("id"))
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, c)
}

// AppendMessageRequest is the JSON body for POST /api/conversations/{id}/messages.
type AppendMessageRequest struct {
	Type            store.MessageType `json:"type,omitempty"`
	Content         string            `json:"content"`
	FileURL         string            `json:"file_url,omitempty"`
	FileName        string            `json:"file_name,omitempty"`
	ClientMessageID string            `json:"client_message_id,omitempty"`
}

type messageResponse struct {
	*desk.MessageResult
	BotReplyHTML string `json:"bot_reply_html,omitempty"`
}

func (g *Gateway) handleAppendMessage(w http.ResponseWriter, r *http.Request) {
	var req AppendMessageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		g.writeError(w, r, err)
		return
	}
	res, err := g.engine.AppendMessage(r.Context(), auth.FromContext(r.Context()), r.PathValue("id"), conversation.AppendRequest{
		Type:            req.Type,
		Content:         req.Content,
		FileURL:         req.FileURL,
		FileName:        req.FileName,
		ClientMessageID: req.ClientMessageID,
	})
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	g.writeJSON(w, status, messageResponse{MessageResult: res, BotReplyHTML: g.renderMarkdown(res.BotReply)})
}

func (g *Gateway) handleListMessages(w http.ResponseWriter, r *http.Request) {
	after, err := intParam(r, "after", 0)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	limit, err := intParam(r, "limit", conversation.DefaultMessageLimit)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	msgs, err := g.engine.Messages(r.Context(), auth.FromContext(r.Context()), r.PathValue("id"), after, int(limit))
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (g *Gateway) handleMessageStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status store.MessageStatus `json:"status"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		g.writeError(w, r, err)
		return
	}
	m, err := g.engine.UpdateMessageStatus(r.Context(), auth.FromContext(r.Context()), r.PathValue("id"), r.PathValue("messageID"), req.Status)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, m)
}

func (g *Gateway) handleClose(w http.ResponseWriter, r *http.Request) {
	c, err := g.engine.CloseConversation(r.Context(), auth.FromContext(r.Context()), r.PathValue("id"))
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, c)
}

// TransferRequest names either a target agent or a target department/service.
type TransferRequest struct {
	AgentID      string `json:"agent_id,omitempty"`
	DepartmentID string `json:"department_id,omitempty"`
	ServiceID    string `json:"service_id,omitempty"`
}

func (g *Gateway) handleTransfer(w http.ResponseWriter, r *http.Request) {
	var req TransferRequest
	if err := decodeJSON(w, r, &req); err != nil {
		g.writeError(w, r, err)
		return
	}
	actor := auth.FromContext(r.Context())
	id := r.PathValue("id")

	var (
		c   *store.Conversation
		err error
	)
	switch {
	case req.AgentID != "" && (req.DepartmentID != "" || req.ServiceID != ""):
		err = fmt.Errorf("%w: give agent_id or department_id, not both", desk.ErrInvalidRequest)
	case req.AgentID != "":
		c, err = g.engine.TransferToAgent(r.Context(), actor, id, req.AgentID)
	case req.DepartmentID != "":
		c, err = g.engine.TransferToDepartment(r.Context(), actor, id, req.DepartmentID, req.ServiceID)
	default:
		err = fmt.Errorf("%w: agent_id or department_id is required", desk.ErrInvalidRequest)
	}
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, c)
}

func (g *Gateway) handleHandoff(w http.ResponseWriter, r *http.Request) {
	c, err := g.engine.RequestHuman(r.Context(), auth.FromContext(r.Context()), r.PathValue("id"))
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, c)
}

func (g *Gateway) handleInactivity(w http.ResponseWriter, r *http.Request) {
	c, err := g.engine.RecordInactivityWarning(r.Context(), auth.FromContext(r.Context()), r.PathValue("id"))
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, c)
}

func (g *Gateway) handleQueuePosition(w http.ResponseWriter, r *http.Request) {
	entry, err := g.engine.QueuePositionOf(r.Context(), auth.FromContext(r.Context()), r.PathValue("id"))
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, entry)
}
