package dashboard

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JOJO6618/ai-coding-agent/internal/api"
	"github.com/JOJO6618/ai-coding-agent/internal/bus"
	"github.com/JOJO6618/ai-coding-agent/internal/session"
	"github.com/JOJO6618/ai-coding-agent/internal/timeline"
	"github.com/JOJO6618/ai-coding-agent/internal/tokens"
	apperrors "github.com/JOJO6618/ai-coding-agent/pkg/errors"
)

func init() { gin.SetMode(gin.TestMode) }

type fakeSession struct {
	mu        sync.Mutex
	state     session.State
	list      session.ConversationList
	loaded    []string
	deleted   []string
	derived   []string
	sent      []string
	sendErr   error
	loadErr   error
	deleteErr error
	stopSent  bool
	moreCalls int
}

func (f *fakeSession) Snapshot() session.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeSession) Conversations() session.ConversationList { return f.list }

func (f *fakeSession) Load(_ context.Context, id string) error {
	if f.loadErr != nil {
		return f.loadErr
	}
	f.loaded = append(f.loaded, id)
	return nil
}

func (f *fakeSession) LoadMore(context.Context) (*api.ConversationPage, error) {
	f.moreCalls++
	f.list.HasMore = false
	return nil, nil
}

func (f *fakeSession) New(context.Context) (string, error) { return "c_new", nil }

func (f *fakeSession) Delete(_ context.Context, id string) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeSession) Duplicate(_ context.Context, id string) (string, error) {
	f.derived = append(f.derived, "dup:"+id)
	return id + "_copy", nil
}

func (f *fakeSession) Compress(_ context.Context, id string) (string, error) {
	f.derived = append(f.derived, "compress:"+id)
	return id + "_small", nil
}

func (f *fakeSession) SendMessage(text string) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeSession) RequestStop() (bool, error) { return f.stopSent, nil }

func (f *fakeSession) UserScrolled(atBottom bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state.AutoScroll = atBottom
	f.state.UserScrolling = !atBottom
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func do(t *testing.T, s *Server, method, path, body string) (int, envelope) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.Engine().ServeHTTP(w, req)
	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return w.Code, env
}

func sampleState() session.State {
	return session.State{
		ConversationID: "c1",
		Title:          "部署",
		Streaming:      true,
		AutoScroll:     true,
		Tokens:         tokens.Snapshot{ConversationID: "c1", Current: 1200},
		Turns: []*timeline.Turn{
			{Role: timeline.RoleUser, Content: "跑测试"},
			{Role: timeline.RoleAssistant, Actions: []*timeline.Action{
				{ID: "text-1", Kind: timeline.ActionText, Content: "好的"},
				{ID: "tool-2", Kind: timeline.ActionTool, Tool: &timeline.ToolInvocation{
					Name: "run_command", Status: timeline.ToolRunning,
					Arguments: json.RawMessage(`{"command":"go test ./..."}`),
				}},
			}},
		},
	}
}

func TestSnapshots(t *testing.T) {
	fs := &fakeSession{state: sampleState()}
	s := NewServer(fs, bus.NewMessageBus())

	code, env := do(t, s, http.MethodGet, "/api/timeline", "")
	require.Equal(t, http.StatusOK, code)
	var st session.State
	require.NoError(t, json.Unmarshal(env.Data, &st))
	assert.Equal(t, "c1", st.ConversationID)
	assert.Len(t, st.Turns, 2)

	_, env = do(t, s, http.MethodGet, "/api/tokens", "")
	var tk tokens.Snapshot
	require.NoError(t, json.Unmarshal(env.Data, &tk))
	assert.Equal(t, int64(1200), tk.Current)

	_, env = do(t, s, http.MethodGet, "/api/tools", "")
	var catalog []timeline.CatalogEntry
	require.NoError(t, json.Unmarshal(env.Data, &catalog))
	assert.Len(t, catalog, len(timeline.KnownTools()))

	_, env = do(t, s, http.MethodGet, "/api/tools/active", "")
	var views []timeline.ToolView
	require.NoError(t, json.Unmarshal(env.Data, &views))
	require.Len(t, views, 1)
	assert.Equal(t, "tool-2", views[0].ActionID)
	assert.Equal(t, "go test ./...", views[0].Description)
}

func TestActiveTools_EmptyTimeline(t *testing.T) {
	s := NewServer(&fakeSession{}, bus.NewMessageBus())
	_, env := do(t, s, http.MethodGet, "/api/tools/active", "")
	assert.JSONEq(t, `[]`, string(env.Data))
}

func TestConversations(t *testing.T) {
	fs := &fakeSession{list: session.ConversationList{Offset: 1, HasMore: true}}
	s := NewServer(fs, bus.NewMessageBus())

	code, env := do(t, s, http.MethodGet, "/api/conversations", "")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(env.Data), `"has_more":true`)

	code, _ = do(t, s, http.MethodPost, "/api/conversations/c9/load", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, []string{"c9"}, fs.loaded)

	fs.loadErr = apperrors.WithCode(apperrors.ErrRequestFailed, "api.PUT", apperrors.CodeServer, "对话不存在")
	code, env = do(t, s, http.MethodPost, "/api/conversations/gone/load", "")
	assert.Equal(t, http.StatusBadGateway, code)
	assert.Equal(t, "对话不存在", env.Error.Message)
}

func TestConversationManagement(t *testing.T) {
	fs := &fakeSession{list: session.ConversationList{Offset: 20, HasMore: true}}
	s := NewServer(fs, bus.NewMessageBus())

	code, env := do(t, s, http.MethodPost, "/api/conversations", "")
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"conversation_id":"c_new"}`, string(env.Data))

	code, env = do(t, s, http.MethodGet, "/api/conversations/more", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 1, fs.moreCalls)
	assert.Contains(t, string(env.Data), `"has_more":false`)

	code, env = do(t, s, http.MethodPost, "/api/conversations/c1/duplicate", "")
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"source_id":"c1","conversation_id":"c1_copy"}`, string(env.Data))

	code, env = do(t, s, http.MethodPost, "/api/conversations/c1/compress", "")
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"source_id":"c1","conversation_id":"c1_small"}`, string(env.Data))
	assert.Equal(t, []string{"dup:c1", "compress:c1"}, fs.derived)

	code, _ = do(t, s, http.MethodDelete, "/api/conversations/c2", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, []string{"c2"}, fs.deleted)

	fs.deleteErr = apperrors.Wrap(apperrors.ErrNotFound, "api.DELETE", "对话不存在")
	code, env = do(t, s, http.MethodDelete, "/api/conversations/gone", "")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "not_found", env.Error.Code)
}

func TestSendAndStop(t *testing.T) {
	fs := &fakeSession{stopSent: true}
	s := NewServer(fs, bus.NewMessageBus())

	code, _ := do(t, s, http.MethodPost, "/api/messages", `{"message":"你好"}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, []string{"你好"}, fs.sent)

	code, env := do(t, s, http.MethodPost, "/api/messages", `{}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "invalid_body", env.Error.Code)

	fs.sendErr = apperrors.Wrap(apperrors.ErrNotConnected, "feed.Send", "not connected")
	code, env = do(t, s, http.MethodPost, "/api/messages", `{"message":"x"}`)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "not_connected", env.Error.Code)

	fs.sendErr = apperrors.Wrap(apperrors.ErrTurnInProgress, "session.SendMessage", "assistant is still responding")
	code, env = do(t, s, http.MethodPost, "/api/messages", `{"message":"x"}`)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "turn_in_progress", env.Error.Code)

	fs.sendErr = apperrors.Wrap(apperrors.ErrInvalidInput, "session.SendMessage", "empty message")
	code, _ = do(t, s, http.MethodPost, "/api/messages", `{"message":"  "}`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, env = do(t, s, http.MethodPost, "/api/stop", "")
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"sent":true}`, string(env.Data))
}

func TestScroll(t *testing.T) {
	fs := &fakeSession{state: session.State{AutoScroll: true}}
	s := NewServer(fs, bus.NewMessageBus())

	code, env := do(t, s, http.MethodPost, "/api/scroll", `{"at_bottom":false}`)
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"auto_scroll":false,"user_scrolling":true}`, string(env.Data))

	code, _ = do(t, s, http.MethodPost, "/api/scroll", `{}`)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestSSE_ForwardsBusMessages(t *testing.T) {
	b := bus.NewMessageBus()
	s := NewServer(&fakeSession{}, b, WithKeepalive(20*time.Millisecond))
	ts := httptest.NewServer(s.Engine())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/events?topic=timeline", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Eventually(t, func() bool { return b.SubscriberCount() == 1 }, time.Second, 5*time.Millisecond)
	b.PublishJSON(bus.TopicTokens, "test", map[string]int{"current": 1})
	b.PublishJSON(bus.MsgTimelineChanged, "session", session.TimelineNotice{ConversationID: "c1"})

	sc := bufio.NewScanner(resp.Body)
	var events []string
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, "event:") {
			name := strings.TrimPrefix(line, "event:")
			events = append(events, name)
			if name == bus.MsgTimelineChanged {
				break
			}
		}
	}
	assert.NotContains(t, events, bus.TopicTokens, "topic filter")
	assert.Contains(t, events, bus.MsgTimelineChanged)

	cancel()
	require.Eventually(t, func() bool { return b.SubscriberCount() == 0 }, time.Second, 5*time.Millisecond)
}
