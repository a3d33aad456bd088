// Package api 服务端 REST 客户端: 对话管理、历史查询、token 查询。
//
// 所有响应共用信封 {success, message?, error?, data?, ...}; 失败时返回
// 包装 ErrRequestFailed 的 AppError, Message 为服务端给出的可读信息。
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/samber/lo"
	"github.com/tidwall/gjson"

	"github.com/JOJO6618/ai-coding-agent/internal/timeline"
	"github.com/JOJO6618/ai-coding-agent/internal/tokens"
	apperrors "github.com/JOJO6618/ai-coding-agent/pkg/errors"
	"github.com/JOJO6618/ai-coding-agent/pkg/logger"
)

// maxBodyBytes 单个响应体上限。
const maxBodyBytes = 32 << 20

// Client REST 客户端。
type Client struct {
	baseURL string
	httpCli *http.Client
}

// NewClient 创建客户端。timeout <= 0 时使用 10 秒。
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpCli: &http.Client{Timeout: timeout},
	}
}

// ConversationSummary 对话列表项。
type ConversationSummary struct {
	ID            string `json:"id"`
	Title         string `json:"title"`
	CreatedAt     string `json:"created_at,omitempty"`
	UpdatedAt     string `json:"updated_at,omitempty"`
	TotalMessages int    `json:"total_messages"`
	TotalTools    int    `json:"total_tools"`
	Status        string `json:"status,omitempty"`
}

// ConversationPage 一页对话列表。
type ConversationPage struct {
	Conversations []ConversationSummary `json:"conversations"`
	Total         int                   `json:"total"`
	Offset        int                   `json:"offset"`
	HasMore       bool                  `json:"has_more"`
}

// ========================================
// 对话管理
// ========================================

// ListConversations GET /api/conversations?limit&offset。
func (c *Client) ListConversations(ctx context.Context, limit, offset int) (*ConversationPage, error) {
	q := url.Values{}
	q.Set("limit", fmt.Sprint(limit))
	q.Set("offset", fmt.Sprint(offset))
	env, err := c.do(ctx, http.MethodGet, "/api/conversations?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	data := env.Get("data")
	return &ConversationPage{
		Conversations: summariesFrom(data.Get("conversations")),
		Total:         int(data.Get("total").Int()),
		Offset:        int(data.Get("offset").Int()),
		HasMore:       data.Get("has_more").Bool(),
	}, nil
}

// SearchConversations GET /api/conversations/search?q&limit。
func (c *Client) SearchConversations(ctx context.Context, query string, limit int) ([]ConversationSummary, error) {
	if strings.TrimSpace(query) == "" {
		return nil, apperrors.Wrap(apperrors.ErrInvalidInput, "api.SearchConversations", "empty query")
	}
	q := url.Values{}
	q.Set("q", query)
	q.Set("limit", fmt.Sprint(limit))
	env, err := c.do(ctx, http.MethodGet, "/api/conversations/search?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	return summariesFrom(env.Get("data.results")), nil
}

// CurrentConversation GET /api/conversations/current。
func (c *Client) CurrentConversation(ctx context.Context) (ConversationSummary, error) {
	env, err := c.do(ctx, http.MethodGet, "/api/conversations/current", nil)
	if err != nil {
		return ConversationSummary{}, err
	}
	return summaryFrom(env.Get("data")), nil
}

// CreateConversation POST /api/conversations, 返回新对话 id。
func (c *Client) CreateConversation(ctx context.Context) (string, error) {
	env, err := c.do(ctx, http.MethodPost, "/api/conversations", map[string]any{})
	if err != nil {
		return "", err
	}
	return requireID(env, "conversation_id", "api.CreateConversation")
}

// LoadConversation PUT /api/conversations/{id}/load, 返回标题。
func (c *Client) LoadConversation(ctx context.Context, id string) (string, error) {
	if id == "" {
		return "", apperrors.Wrap(apperrors.ErrInvalidInput, "api.LoadConversation", "empty conversation id")
	}
	env, err := c.do(ctx, http.MethodPut, "/api/conversations/"+url.PathEscape(id)+"/load", nil)
	if err != nil {
		return "", err
	}
	return env.Get("title").String(), nil
}

// DeleteConversation DELETE /api/conversations/{id}。
func (c *Client) DeleteConversation(ctx context.Context, id string) error {
	if id == "" {
		return apperrors.Wrap(apperrors.ErrInvalidInput, "api.DeleteConversation", "empty conversation id")
	}
	_, err := c.do(ctx, http.MethodDelete, "/api/conversations/"+url.PathEscape(id), nil)
	return err
}

// DuplicateConversation POST /api/conversations/{id}/duplicate, 返回副本 id。
func (c *Client) DuplicateConversation(ctx context.Context, id string) (string, error) {
	env, err := c.do(ctx, http.MethodPost, "/api/conversations/"+url.PathEscape(id)+"/duplicate", nil)
	if err != nil {
		return "", err
	}
	return requireID(env, "duplicate_conversation_id", "api.DuplicateConversation")
}

// CompressConversation POST /api/conversations/{id}/compress, 返回压缩后对话 id。
func (c *Client) CompressConversation(ctx context.Context, id string) (string, error) {
	env, err := c.do(ctx, http.MethodPost, "/api/conversations/"+url.PathEscape(id)+"/compress", nil)
	if err != nil {
		return "", err
	}
	return requireID(env, "compressed_conversation_id", "api.CompressConversation")
}

// ========================================
// 历史 / token 查询
// ========================================

// Messages GET /api/conversations/{id}/messages, 返回按序排列的消息记录。
func (c *Client) Messages(ctx context.Context, id string) ([]timeline.Record, error) {
	env, err := c.do(ctx, http.MethodGet, "/api/conversations/"+url.PathEscape(id)+"/messages", nil)
	if err != nil {
		return nil, err
	}
	msgs := env.Get("data.messages")
	if !msgs.IsArray() {
		return []timeline.Record{}, nil
	}
	return lo.Map(msgs.Array(), func(m gjson.Result, _ int) timeline.Record {
		return timeline.RecordFromJSON(m)
	}), nil
}

// ContextTokens GET /api/conversations/{id}/tokens → data.total_tokens。
func (c *Client) ContextTokens(ctx context.Context, id string) (int64, error) {
	env, err := c.do(ctx, http.MethodGet, "/api/conversations/"+url.PathEscape(id)+"/tokens", nil)
	if err != nil {
		return 0, err
	}
	data := env.Get("data")
	if !data.IsObject() {
		return 0, apperrors.Wrap(apperrors.ErrRequestFailed, "api.ContextTokens", "missing data")
	}
	return data.Get("total_tokens").Int(), nil
}

// TokenStatistics GET /api/conversations/{id}/token-statistics。
func (c *Client) TokenStatistics(ctx context.Context, id string) (tokens.Cumulative, error) {
	env, err := c.do(ctx, http.MethodGet, "/api/conversations/"+url.PathEscape(id)+"/token-statistics", nil)
	if err != nil {
		return tokens.Cumulative{}, err
	}
	data := env.Get("data")
	if !data.IsObject() {
		return tokens.Cumulative{}, apperrors.Wrap(apperrors.ErrRequestFailed, "api.TokenStatistics", "missing data")
	}
	return tokens.Cumulative{
		Input:  data.Get("total_input_tokens").Int(),
		Output: data.Get("total_output_tokens").Int(),
		Total:  data.Get("total_tokens").Int(),
	}, nil
}

// ========================================
// 通用 HTTP helpers
// ========================================

// do 发送请求并解析信封。body 为 nil 时不发送请求体。
// 传输错误、非 JSON 响应、success=false 都返回错误。
func (c *Client) do(ctx context.Context, method, path string, body any) (gjson.Result, error) {
	op := "api." + method + " " + pathOnly(path)
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return gjson.Result{}, apperrors.Wrap(err, op, "encode body")
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return gjson.Result{}, apperrors.Wrap(err, op, "build request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpCli.Do(req)
	if err != nil {
		return gjson.Result{}, apperrors.WithCode(err, op, apperrors.CodeTransport, "request failed")
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return gjson.Result{}, apperrors.WithCode(err, op, apperrors.CodeTransport, "read body")
	}
	logger.Debug("api: request done",
		logger.FieldMethod, method,
		logger.FieldPath, pathOnly(path),
		logger.FieldStatus, resp.StatusCode,
		logger.FieldLatencyMS, time.Since(start).Milliseconds(),
	)

	if !gjson.ValidBytes(raw) {
		return gjson.Result{}, apperrors.WithCode(apperrors.ErrRequestFailed, op, apperrors.CodeServer,
			fmt.Sprintf("status %d: non-JSON response", resp.StatusCode))
	}
	env := gjson.ParseBytes(raw)
	if resp.StatusCode >= http.StatusBadRequest || !env.Get("success").Bool() {
		msg := envelopeMessage(env)
		if msg == "" {
			msg = fmt.Sprintf("status %d", resp.StatusCode)
		}
		return env, apperrors.WithCode(apperrors.ErrRequestFailed, op, apperrors.CodeServer, msg)
	}
	return env, nil
}

// envelopeMessage 可读失败信息: message 优先, 其次 error。
func envelopeMessage(env gjson.Result) string {
	if m := env.Get("message").String(); m != "" {
		return m
	}
	return env.Get("error").String()
}

func requireID(env gjson.Result, field, op string) (string, error) {
	id := env.Get(field).String()
	if id == "" {
		return "", apperrors.Wrapf(apperrors.ErrRequestFailed, op, "response missing %s", field)
	}
	return id, nil
}

func pathOnly(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		return p[:i]
	}
	return p
}

func summaryFrom(v gjson.Result) ConversationSummary {
	title := v.Get("title").String()
	if title == "" {
		title = "未命名对话"
	}
	return ConversationSummary{
		ID:            v.Get("id").String(),
		Title:         title,
		CreatedAt:     v.Get("created_at").String(),
		UpdatedAt:     v.Get("updated_at").String(),
		TotalMessages: int(v.Get("total_messages").Int()),
		TotalTools:    int(v.Get("total_tools").Int()),
		Status:        v.Get("status").String(),
	}
}

func summariesFrom(list gjson.Result) []ConversationSummary {
	if !list.IsArray() {
		return []ConversationSummary{}
	}
	items := lo.Filter(list.Array(), func(v gjson.Result, _ int) bool { return v.Get("id").String() != "" })
	return lo.Map(items, func(v gjson.Result, _ int) ConversationSummary { return summaryFrom(v) })
}
