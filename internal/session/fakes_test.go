package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JOJO6618/ai-coding-agent/internal/api"
	"github.com/JOJO6618/ai-coding-agent/internal/bus"
	"github.com/JOJO6618/ai-coding-agent/internal/feed"
	"github.com/JOJO6618/ai-coding-agent/internal/timeline"
	"github.com/JOJO6618/ai-coding-agent/internal/tokens"
)

// ========================================
// fakes
// ========================================

type fakeSender struct {
	mu       sync.Mutex
	messages []string
	commands []string
	stops    int
	err      error
}

func (f *fakeSender) SendMessage(m string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.messages = append(f.messages, m)
	return nil
}

func (f *fakeSender) SendCommand(cmd string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.commands = append(f.commands, cmd)
	return nil
}

func (f *fakeSender) StopTask() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.stops++
	return nil
}

type fakeConversations struct {
	mu        sync.Mutex
	titles    map[string]string
	pages     map[int]*api.ConversationPage
	created   string
	derived   string
	loadErr   error
	deleteErr error
	loads     []string
	deleted   []string
}

func newFakeConversations() *fakeConversations {
	return &fakeConversations{titles: map[string]string{}, pages: map[int]*api.ConversationPage{}}
}

func (f *fakeConversations) ListConversations(_ context.Context, _ int, offset int) (*api.ConversationPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.pages[offset]; ok {
		return p, nil
	}
	return &api.ConversationPage{Conversations: []api.ConversationSummary{}, Offset: offset}, nil
}

func (f *fakeConversations) CreateConversation(context.Context) (string, error) {
	return f.created, nil
}

func (f *fakeConversations) LoadConversation(_ context.Context, id string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loadErr != nil {
		return "", f.loadErr
	}
	f.loads = append(f.loads, id)
	return f.titles[id], nil
}

func (f *fakeConversations) DeleteConversation(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeConversations) DuplicateConversation(context.Context, string) (string, error) {
	return f.derived, nil
}

func (f *fakeConversations) CompressConversation(context.Context, string) (string, error) {
	return f.derived, nil
}

func (f *fakeConversations) loadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.loads)
}

type fakeHistory struct {
	records map[string][]timeline.Record
	err     error
}

func (f *fakeHistory) Messages(_ context.Context, id string) ([]timeline.Record, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.records[id], nil
}

type fakeTokenSource struct {
	mu      sync.Mutex
	context map[string]int64
	stats   map[string]tokens.Cumulative
	pulls   int
}

func newFakeTokenSource() *fakeTokenSource {
	return &fakeTokenSource{context: map[string]int64{}, stats: map[string]tokens.Cumulative{}}
}

func (f *fakeTokenSource) ContextTokens(_ context.Context, id string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulls++
	n, ok := f.context[id]
	if !ok {
		return 0, errors.New("no estimate")
	}
	return n, nil
}

func (f *fakeTokenSource) TokenStatistics(_ context.Context, id string) (tokens.Cumulative, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats[id], nil
}

func (f *fakeTokenSource) setContext(id string, n int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.context[id] = n
}

// ========================================
// harness
// ========================================

type harness struct {
	c       *Controller
	sender  *fakeSender
	convs   *fakeConversations
	history *fakeHistory
	source  *fakeTokenSource
	tokens  *tokens.Synchronizer
	bus     *bus.MessageBus
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		sender:  &fakeSender{},
		convs:   newFakeConversations(),
		history: &fakeHistory{records: map[string][]timeline.Record{}},
		source:  newFakeTokenSource(),
		bus:     bus.NewMessageBus(),
	}
	h.tokens = tokens.NewSynchronizer(h.source)
	var seq int
	clock := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	h.c = New(Deps{
		Sender:        h.sender,
		Conversations: h.convs,
		History:       h.history,
		Tokens:        h.tokens,
		Bus:           h.bus,
	}, Options{
		PageSize:            20,
		ContextRefreshDelay: time.Millisecond,
		SendRefreshDelay:    time.Millisecond,
		Clock:               func() time.Time { return clock },
		BuilderOptions: []timeline.BuilderOption{
			timeline.WithIDGenerator(func(kind timeline.ActionKind) string {
				seq++
				return fmt.Sprintf("%s-%d", kind, seq)
			}),
		},
	})
	t.Cleanup(h.c.Close)
	return h
}

// emit 依次投递事件。每项为 事件名 或 事件名 + JSON 载荷。
func (h *harness) emit(events ...feed.Event) {
	for _, ev := range events {
		h.c.HandleEvent(ev)
	}
}

func ev(name string, data ...string) feed.Event {
	e := feed.Event{Type: name}
	if len(data) > 0 {
		e.Data = json.RawMessage(data[0])
	}
	return e
}

func lastTurn(t *testing.T, st State) *timeline.Turn {
	t.Helper()
	require.NotEmpty(t, st.Turns)
	return st.Turns[len(st.Turns)-1]
}

// drain 取出订阅通道中已有的全部消息。
func drain(sub *bus.Subscriber) []bus.Message {
	var out []bus.Message
	for {
		select {
		case m := <-sub.Ch:
			out = append(out, m)
		default:
			return out
		}
	}
}
