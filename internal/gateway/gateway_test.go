// ABOUTME: Tests for the Gateway HTTP API against a real engine and in-memory SQLite store
// ABOUTME: Covers auth, conversation lifecycle, bot sessions, rate limiting, SSE and WebSocket streams

package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/civic-desk/internal/auth"
	"github.com/2389/civic-desk/internal/config"
	"github.com/2389/civic-desk/internal/conversation"
	"github.com/2389/civic-desk/internal/desk"
	"github.com/2389/civic-desk/internal/directory"
	"github.com/2389/civic-desk/internal/notify"
	"github.com/2389/civic-desk/internal/presence"
	"github.com/2389/civic-desk/internal/queue"
	"github.com/2389/civic-desk/internal/store"
)

const testSecret = "test-secret-that-is-long-enough-for-hs256"

func testConfigYAML(rateLimit string) string {
	return `
server:
  http_addr: "127.0.0.1:0"
database:
  path: ":memory:"
auth:
  jwt_secret: "` + testSecret + `"
  session_token_cost: 4
dispatch:
  sweep_schedule: "@every 1h"
bot:
  enabled: true
rate_limit:
` + rateLimit + `
departments:
  - id: tax
    name: Tax Office
    services:
      - id: iptu
        name: Property tax
agents:
  - id: rita
    name: Rita
    department_id: tax
    max_concurrent_chats: 2
logging:
  level: error
`
}

// testLogger creates a silent logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestGatewayWithLimit(t *testing.T, rateLimit string) (*Gateway, *httptest.Server) {
	t.Helper()
	cfg, err := config.Parse([]byte(testConfigYAML(rateLimit)), ".yaml")
	require.NoError(t, err)

	gw, err := New(cfg, testLogger())
	require.NoError(t, err)
	require.NoError(t, gw.Start(t.Context()))

	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(func() {
		srv.CloseClientConnections()
		srv.Close()
		_ = gw.Shutdown(context.Background())
	})
	return gw, srv
}

func newTestGateway(t *testing.T) (*Gateway, *httptest.Server) {
	return newTestGatewayWithLimit(t, "  messages_per_second: 100\n  burst: 100")
}

func staffToken(t *testing.T, subject string, role auth.Role) string {
	t.Helper()
	tok, err := auth.NewJWTVerifier([]byte(testSecret)).Generate(auth.Identity{Subject: subject, Name: subject, Role: role}, time.Hour)
	require.NoError(t, err)
	return tok
}

// caller sends requests with one set of credentials.
type caller struct {
	t       *testing.T
	srv     *httptest.Server
	bearer  string
	session string
}

func (c caller) do(method, path string, body any, out any) int {
	c.t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(c.t, err)
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(c.t.Context(), method, c.srv.URL+path, r)
	require.NoError(c.t, err)
	req.Header.Set("Content-Type", "application/json")
	if c.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearer)
	}
	if c.session != "" {
		req.Header.Set(auth.SessionHeader, c.session)
	}

	resp, err := c.srv.Client().Do(req)
	require.NoError(c.t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(c.t, err)
	if out != nil && resp.StatusCode < 300 {
		require.NoError(c.t, json.Unmarshal(raw, out), "body: %s", raw)
	}
	return resp.StatusCode
}

type createdResponse struct {
	Conversation *store.Conversation `json:"conversation"`
	SessionToken string              `json:"session_token"`
	Queue        *queue.Entry        `json:"queue"`
	Greeting     *store.Message      `json:"greeting"`
	GreetingHTML string              `json:"greeting_html"`
}

type appendedResponse struct {
	Message      *store.Message `json:"message"`
	Duplicate    bool           `json:"duplicate"`
	BotReply     *store.Message `json:"bot_reply"`
	BotReplyHTML string         `json:"bot_reply_html"`
	HandedOff    bool           `json:"handed_off"`
}

func createConversation(t *testing.T, srv *httptest.Server, req desk.CreateRequest) createdResponse {
	t.Helper()
	var out createdResponse
	status := caller{t: t, srv: srv}.do(http.MethodPost, "/api/conversations", req, &out)
	require.Equal(t, http.StatusCreated, status)
	require.NotEmpty(t, out.SessionToken)
	return out
}

func TestHealthEndpoints(t *testing.T) {
	_, srv := newTestGateway(t)

	resp, err := srv.Client().Get(srv.URL + "/health")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", string(body))

	resp, err = srv.Client().Get(srv.URL + "/health/ready")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ready (0 agents online)", string(body))
}

func TestReadyBeforeStart(t *testing.T) {
	cfg, err := config.Parse([]byte(testConfigYAML("  burst: 1")), ".yaml")
	require.NoError(t, err)
	gw, err := New(cfg, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = gw.Shutdown(context.Background()) })

	rec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestConversationLifecycle(t *testing.T) {
	_, srv := newTestGateway(t)
	rita := caller{t: t, srv: srv, bearer: staffToken(t, "rita", auth.RoleAgent)}

	created := createConversation(t, srv, desk.CreateRequest{CitizenName: "Ana", DepartmentID: "tax", ServiceID: "iptu"})
	id := created.Conversation.ID
	assert.Equal(t, store.StateWaiting, created.Conversation.State)
	require.NotNil(t, created.Queue)
	assert.Equal(t, 1, created.Queue.Position)

	citizen := caller{t: t, srv: srv, session: created.SessionToken}

	var entry queue.Entry
	require.Equal(t, http.StatusOK, citizen.do(http.MethodGet, "/api/conversations/"+id+"/queue", nil, &entry))
	assert.Equal(t, 1, entry.Position)

	anonymous := caller{t: t, srv: srv}
	assert.Equal(t, http.StatusUnauthorized, anonymous.do(http.MethodGet, "/api/conversations/"+id, nil, nil))
	wrongSession := caller{t: t, srv: srv, session: "not-the-token"}
	assert.Equal(t, http.StatusForbidden, wrongSession.do(http.MethodGet, "/api/conversations/"+id, nil, nil))

	var snap presence.Snapshot
	require.Equal(t, http.StatusOK, rita.do(http.MethodPut, "/api/agents/rita/status", map[string]string{"status": "online"}, &snap))
	assert.Equal(t, 1, snap.ActiveCount)

	var conv store.Conversation
	require.Equal(t, http.StatusOK, citizen.do(http.MethodGet, "/api/conversations/"+id, nil, &conv))
	assert.Equal(t, store.StateActive, conv.State)
	assert.Equal(t, "rita", conv.AgentID)
	assert.Equal(t, http.StatusNotFound, citizen.do(http.MethodGet, "/api/conversations/"+id+"/queue", nil, nil))

	var fromCitizen, fromAgent appendedResponse
	require.Equal(t, http.StatusCreated, citizen.do(http.MethodPost, "/api/conversations/"+id+"/messages",
		AppendMessageRequest{Content: "my bill is wrong"}, &fromCitizen))
	assert.Equal(t, store.SenderUser, fromCitizen.Message.SenderRole)
	require.Equal(t, http.StatusCreated, rita.do(http.MethodPost, "/api/conversations/"+id+"/messages",
		AppendMessageRequest{Content: "let me check"}, &fromAgent))
	assert.Equal(t, store.SenderAgent, fromAgent.Message.SenderRole)
	assert.Greater(t, fromAgent.Message.Seq, fromCitizen.Message.Seq)

	var msgs struct {
		Messages []*store.Message `json:"messages"`
	}
	require.Equal(t, http.StatusOK, citizen.do(http.MethodGet, "/api/conversations/"+id+"/messages?after=0", nil, &msgs))
	require.Len(t, msgs.Messages, 2)
	require.Equal(t, http.StatusOK, citizen.do(http.MethodGet,
		fmt.Sprintf("/api/conversations/%s/messages?after=%d", id, fromCitizen.Message.Seq), nil, &msgs))
	require.Len(t, msgs.Messages, 1)
	assert.Equal(t, fromAgent.Message.ID, msgs.Messages[0].ID)

	statusPath := "/api/conversations/" + id + "/messages/" + fromAgent.Message.ID + "/status"
	var read store.Message
	require.Equal(t, http.StatusOK, citizen.do(http.MethodPost, statusPath, map[string]string{"status": "read"}, &read))
	assert.Equal(t, store.StatusRead, read.Status)
	assert.Equal(t, http.StatusConflict, citizen.do(http.MethodPost, statusPath, map[string]string{"status": "delivered"}, nil))
	assert.Equal(t, http.StatusBadRequest, citizen.do(http.MethodPost, statusPath, map[string]string{"status": "lost"}, nil))

	require.Equal(t, http.StatusOK, rita.do(http.MethodPost, "/api/conversations/"+id+"/close", nil, &conv))
	assert.Equal(t, store.StateClosed, conv.State)
	assert.Equal(t, "agent:rita", conv.ClosedBy)

	assert.Equal(t, http.StatusConflict, citizen.do(http.MethodPost, "/api/conversations/"+id+"/messages",
		AppendMessageRequest{Content: "hello?"}, nil))
	assert.Equal(t, http.StatusConflict, rita.do(http.MethodPost, "/api/conversations/"+id+"/close", nil, nil))
}

func TestCreateValidation(t *testing.T) {
	_, srv := newTestGateway(t)
	anonymous := caller{t: t, srv: srv}

	assert.Equal(t, http.StatusBadRequest, anonymous.do(http.MethodPost, "/api/conversations",
		desk.CreateRequest{CitizenName: "Ana", DepartmentID: "parks"}, nil))
	assert.Equal(t, http.StatusBadRequest, anonymous.do(http.MethodPost, "/api/conversations",
		desk.CreateRequest{CitizenName: "Ana", DepartmentID: "tax", ServiceID: "itbi"}, nil))
	assert.Equal(t, http.StatusBadRequest, anonymous.do(http.MethodPost, "/api/conversations",
		desk.CreateRequest{CitizenName: "  "}, nil))
	assert.Equal(t, http.StatusBadRequest, anonymous.do(http.MethodPost, "/api/conversations",
		map[string]string{"citizen": "Ana"}, nil), "unknown fields are rejected")

	resp, err := srv.Client().Post(srv.URL+"/api/conversations", "application/json", strings.NewReader("{not json"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStaffOnlyEndpoints(t *testing.T) {
	_, srv := newTestGateway(t)
	created := createConversation(t, srv, desk.CreateRequest{CitizenName: "Ana", DepartmentID: "tax"})

	citizen := caller{t: t, srv: srv, session: created.SessionToken}
	anonymous := caller{t: t, srv: srv}
	forged := caller{t: t, srv: srv, bearer: "not.a.jwt"}
	rita := caller{t: t, srv: srv, bearer: staffToken(t, "rita", auth.RoleAgent)}

	for _, path := range []string{"/api/queues", "/api/agents", "/api/conversations"} {
		assert.Equal(t, http.StatusForbidden, citizen.do(http.MethodGet, path, nil, nil), path)
		assert.Equal(t, http.StatusUnauthorized, anonymous.do(http.MethodGet, path, nil, nil), path)
		assert.Equal(t, http.StatusUnauthorized, forged.do(http.MethodGet, path, nil, nil), path)
		assert.Equal(t, http.StatusOK, rita.do(http.MethodGet, path, nil, nil), path)
	}

	var queues struct {
		Queues []desk.QueueView `json:"queues"`
	}
	require.Equal(t, http.StatusOK, rita.do(http.MethodGet, "/api/queues", nil, &queues))
	require.Len(t, queues.Queues, 1)
	assert.Equal(t, queue.Key{DepartmentID: "tax"}, queues.Queues[0].Key)
	assert.Equal(t, 1, queues.Queues[0].Depth)

	var list struct {
		Conversations []*store.Conversation `json:"conversations"`
	}
	require.Equal(t, http.StatusOK, rita.do(http.MethodGet, "/api/conversations?state=waiting", nil, &list))
	assert.Len(t, list.Conversations, 1)
	assert.Equal(t, http.StatusBadRequest, rita.do(http.MethodGet, "/api/conversations?state=sleeping", nil, nil))

	assert.Equal(t, http.StatusForbidden, rita.do(http.MethodPost, "/api/conversations/"+created.Conversation.ID+"/inactivity", nil, nil),
		"only administrators record inactivity warnings")
}

func TestAgentManagement(t *testing.T) {
	_, srv := newTestGateway(t)
	admin := caller{t: t, srv: srv, bearer: staffToken(t, "root", auth.RoleAdmin)}
	rita := caller{t: t, srv: srv, bearer: staffToken(t, "rita", auth.RoleAgent)}

	register := RegisterAgentRequest{AgentID: "sam", Name: "Sam", DepartmentID: "tax", MaxConcurrentChats: 1}
	assert.Equal(t, http.StatusForbidden, rita.do(http.MethodPost, "/api/agents", register, nil))

	var snap presence.Snapshot
	require.Equal(t, http.StatusCreated, admin.do(http.MethodPost, "/api/agents", register, &snap))
	assert.Equal(t, store.PresenceOffline, snap.Status)

	assert.Equal(t, http.StatusBadRequest, admin.do(http.MethodPost, "/api/agents",
		RegisterAgentRequest{AgentID: "bot", MaxConcurrentChats: 1}, nil))
	assert.Equal(t, http.StatusBadRequest, admin.do(http.MethodPost, "/api/agents",
		RegisterAgentRequest{AgentID: "zoe", DepartmentID: "parks"}, nil))

	assert.Equal(t, http.StatusForbidden, rita.do(http.MethodPut, "/api/agents/sam/status", map[string]string{"status": "online"}, nil))
	assert.Equal(t, http.StatusBadRequest, rita.do(http.MethodPut, "/api/agents/rita/status", map[string]string{"status": "asleep"}, nil))
	assert.Equal(t, http.StatusNotFound, admin.do(http.MethodPut, "/api/agents/nobody/status", map[string]string{"status": "online"}, nil))
	require.Equal(t, http.StatusOK, admin.do(http.MethodPut, "/api/agents/sam/status", map[string]string{"status": "online"}, &snap))
	assert.True(t, snap.Eligible)

	require.Equal(t, http.StatusOK, rita.do(http.MethodPut, "/api/agents/rita/capacity", map[string]int{"max_concurrent_chats": 5}, &snap))
	assert.Equal(t, 5, snap.MaxConcurrentChats)
	assert.Equal(t, http.StatusBadRequest, rita.do(http.MethodPut, "/api/agents/rita/capacity", map[string]int{"max_concurrent_chats": -1}, nil))

	var agents struct {
		Agents []presence.Snapshot `json:"agents"`
	}
	require.Equal(t, http.StatusOK, rita.do(http.MethodGet, "/api/agents", nil, &agents))
	require.Len(t, agents.Agents, 2)
	assert.Equal(t, "rita", agents.Agents[0].AgentID)
	assert.Equal(t, "sam", agents.Agents[1].AgentID)
}

func TestTransferRequests(t *testing.T) {
	_, srv := newTestGateway(t)
	rita := caller{t: t, srv: srv, bearer: staffToken(t, "rita", auth.RoleAgent)}
	require.Equal(t, http.StatusOK, rita.do(http.MethodPut, "/api/agents/rita/status", map[string]string{"status": "online"}, nil))

	created := createConversation(t, srv, desk.CreateRequest{CitizenName: "Ana", DepartmentID: "tax"})
	path := "/api/conversations/" + created.Conversation.ID + "/transfer"

	assert.Equal(t, http.StatusBadRequest, rita.do(http.MethodPost, path, TransferRequest{}, nil))
	assert.Equal(t, http.StatusBadRequest, rita.do(http.MethodPost, path, TransferRequest{AgentID: "sam", DepartmentID: "tax"}, nil))
	assert.Equal(t, http.StatusBadRequest, rita.do(http.MethodPost, path, TransferRequest{DepartmentID: "parks"}, nil))
	assert.Equal(t, http.StatusConflict, rita.do(http.MethodPost, path, TransferRequest{AgentID: "nobody"}, nil))

	var conv store.Conversation
	require.Equal(t, http.StatusOK, rita.do(http.MethodPost, path, TransferRequest{DepartmentID: "tax", ServiceID: "iptu"}, &conv))
	assert.Equal(t, "iptu", conv.ServiceID)
	// Rita serves the whole department, so dispatch hands it straight back.
	assert.Equal(t, store.StateActive, conv.State)
	assert.Equal(t, "rita", conv.AgentID)
}

func TestBotSession(t *testing.T) {
	_, srv := newTestGateway(t)

	created := createConversation(t, srv, desk.CreateRequest{CitizenName: "Ana", DepartmentID: "tax", Bot: true})
	assert.True(t, created.Conversation.IsBot)
	require.NotNil(t, created.Greeting)
	assert.Contains(t, created.GreetingHTML, "<strong>agent</strong>")

	citizen := caller{t: t, srv: srv, session: created.SessionToken}
	id := created.Conversation.ID

	var res appendedResponse
	require.Equal(t, http.StatusCreated, citizen.do(http.MethodPost, "/api/conversations/"+id+"/messages",
		AppendMessageRequest{Content: "what time do you open?"}, &res))
	require.NotNil(t, res.BotReply)
	assert.False(t, res.HandedOff)
	assert.Contains(t, res.BotReplyHTML, "<strong>agent</strong>", "fallback reply is rendered")

	require.Equal(t, http.StatusCreated, citizen.do(http.MethodPost, "/api/conversations/"+id+"/messages",
		AppendMessageRequest{Content: "I want a human please"}, &res))
	assert.True(t, res.HandedOff)

	var entry queue.Entry
	require.Equal(t, http.StatusOK, citizen.do(http.MethodGet, "/api/conversations/"+id+"/queue", nil, &entry))
	assert.Equal(t, 1, entry.Position)

	assert.Equal(t, http.StatusConflict, citizen.do(http.MethodPost, "/api/conversations/"+id+"/handoff", nil, nil),
		"a waiting conversation cannot be handed off again")
}

func TestIdempotentAppend(t *testing.T) {
	_, srv := newTestGateway(t)
	created := createConversation(t, srv, desk.CreateRequest{CitizenName: "Ana"})
	citizen := caller{t: t, srv: srv, session: created.SessionToken}
	path := "/api/conversations/" + created.Conversation.ID + "/messages"

	var first, second appendedResponse
	require.Equal(t, http.StatusCreated, citizen.do(http.MethodPost, path, AppendMessageRequest{Content: "hi", ClientMessageID: "c-1"}, &first))
	require.Equal(t, http.StatusOK, citizen.do(http.MethodPost, path, AppendMessageRequest{Content: "hi", ClientMessageID: "c-1"}, &second))
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.Message.ID, second.Message.ID)
}

func TestMessageRateLimit(t *testing.T) {
	_, srv := newTestGatewayWithLimit(t, "  messages_per_second: 0.01\n  burst: 2")
	created := createConversation(t, srv, desk.CreateRequest{CitizenName: "Ana"})
	citizen := caller{t: t, srv: srv, session: created.SessionToken}
	path := "/api/conversations/" + created.Conversation.ID + "/messages"

	assert.Equal(t, http.StatusCreated, citizen.do(http.MethodPost, path, AppendMessageRequest{Content: "one"}, nil))
	assert.Equal(t, http.StatusCreated, citizen.do(http.MethodPost, path, AppendMessageRequest{Content: "two"}, nil))
	assert.Equal(t, http.StatusTooManyRequests, citizen.do(http.MethodPost, path, AppendMessageRequest{Content: "three"}, nil))

	other := createConversation(t, srv, desk.CreateRequest{CitizenName: "Bia"})
	assert.Equal(t, http.StatusCreated, caller{t: t, srv: srv, session: other.SessionToken}.do(http.MethodPost,
		"/api/conversations/"+other.Conversation.ID+"/messages", AppendMessageRequest{Content: "one"}, nil),
		"limits are per session")
}

// readSSE returns the next event name and data, skipping comments.
func readSSE(t *testing.T, r *bufio.Reader) (string, string) {
	t.Helper()
	var event, data string
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "" && event != "":
			return event, data
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		}
	}
}

func TestServerSentEvents(t *testing.T) {
	_, srv := newTestGateway(t)

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/events?topic=conversations:*", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+staffToken(t, "rita", auth.RoleAgent))

	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	event, _ := readSSE(t, reader)
	require.Equal(t, "subscribed", event)

	created := createConversation(t, srv, desk.CreateRequest{CitizenName: "Ana", DepartmentID: "tax"})

	event, data := readSSE(t, reader)
	assert.Equal(t, string(notify.ConversationCreated), event)
	var ev notify.Event
	require.NoError(t, json.Unmarshal([]byte(data), &ev))
	assert.Equal(t, created.Conversation.ID, ev.ConversationID)
}

func TestServerSentEventsAccess(t *testing.T) {
	_, srv := newTestGateway(t)
	mine := createConversation(t, srv, desk.CreateRequest{CitizenName: "Ana"})
	theirs := createConversation(t, srv, desk.CreateRequest{CitizenName: "Bia"})
	citizen := caller{t: t, srv: srv, session: mine.SessionToken}

	assert.Equal(t, http.StatusForbidden, citizen.do(http.MethodGet, "/api/events?topic=conversations:*", nil, nil))
	assert.Equal(t, http.StatusForbidden, citizen.do(http.MethodGet, "/api/events?topic=conversation:"+theirs.Conversation.ID, nil, nil))
	assert.Equal(t, http.StatusBadRequest, citizen.do(http.MethodGet, "/api/events?topic=everything", nil, nil))
}

func TestWebSocketStream(t *testing.T) {
	_, srv := newTestGateway(t)
	created := createConversation(t, srv, desk.CreateRequest{CitizenName: "Ana"})
	id := created.Conversation.ID

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws?topic=conversation:" + id + "&session=" + created.SessionToken
	conn, resp, err := websocket.DefaultDialer.DialContext(t.Context(), wsURL, nil)
	require.NoError(t, err)
	resp.Body.Close()
	defer conn.Close()

	citizen := caller{t: t, srv: srv, session: created.SessionToken}
	require.Equal(t, http.StatusCreated, citizen.do(http.MethodPost, "/api/conversations/"+id+"/messages",
		AppendMessageRequest{Content: "hello"}, nil))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		var ev notify.Event
		require.NoError(t, conn.ReadJSON(&ev))
		if ev.Type != notify.MessageAppended {
			continue
		}
		require.NotNil(t, ev.Message)
		assert.Equal(t, "hello", ev.Message.Content)
		return
	}
}

func TestWebSocketRejectsStrangers(t *testing.T) {
	_, srv := newTestGateway(t)
	created := createConversation(t, srv, desk.CreateRequest{CitizenName: "Ana"})

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws?topic=conversation:" + created.Conversation.ID + "&session=guess"
	_, resp, err := websocket.DefaultDialer.DialContext(t.Context(), wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{conversation.ErrNotFound, http.StatusNotFound},
		{presence.ErrUnknownAgent, http.StatusNotFound},
		{desk.ErrNotQueued, http.StatusNotFound},
		{desk.ErrForbidden, http.StatusForbidden},
		{conversation.ErrNotParticipant, http.StatusForbidden},
		{fmt.Errorf("wrapped: %w", directory.ErrUnknownService), http.StatusBadRequest},
		{conversation.ErrInvalidMessage, http.StatusBadRequest},
		{conversation.ErrInvalidTransition, http.StatusConflict},
		{conversation.ErrAgentUnavailable, http.StatusConflict},
		{store.ErrVersionConflict, http.StatusConflict},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}

func TestCheckOrigin(t *testing.T) {
	assert.Nil(t, checkOrigin(nil))

	check := checkOrigin([]string{"https://desk.example.gov"})
	req := httptest.NewRequest(http.MethodGet, "/api/ws", nil)
	assert.True(t, check(req), "non-browser clients send no origin")
	req.Header.Set("Origin", "https://desk.example.gov")
	assert.True(t, check(req))
	req.Header.Set("Origin", "https://evil.example.com")
	assert.False(t, check(req))
}
