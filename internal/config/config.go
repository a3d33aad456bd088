// Package config 全局配置加载与管理。
//
// 所有字段通过 struct tag 声明环境变量映射:
//
//	`env:"VAR_NAME" default:"value" min:"0"`
//
// Load() 使用反射自动填充，无需手动逐行赋值。
package config

import (
	"net/url"
	"strings"
	"time"

	apperrors "github.com/JOJO6618/ai-coding-agent/pkg/errors"
	"github.com/JOJO6618/ai-coding-agent/pkg/util"
)

// 历史记录来源。
const (
	HistorySourceAPI      = "api"
	HistorySourcePostgres = "postgres"
	HistorySourceSQLite   = "sqlite"
)

// Config 应用全局配置，字段名与 .env 变量一一对应。
type Config struct {
	// 运行环境
	AppEnv   string `env:"APP_ENV" default:"production"`
	LogLevel string `env:"LOG_LEVEL" default:"INFO"`

	// 服务端 (REST + WebSocket 事件流)
	ServerBaseURL         string `env:"SERVER_BASE_URL" default:"http://127.0.0.1:8091"`
	FeedWSPath            string `env:"FEED_WS_PATH" default:"/ws"`
	HTTPTimeoutSec        int    `env:"HTTP_TIMEOUT_SEC" default:"10" min:"1"`
	WSHandshakeTimeoutSec int    `env:"WS_HANDSHAKE_TIMEOUT_SEC" default:"5" min:"1"`
	WSReadIdleTimeoutSec  int    `env:"WS_READ_IDLE_TIMEOUT_SEC" default:"90" min:"5"`
	FeedMaxReconnects     int    `env:"FEED_MAX_RECONNECTS" default:"5" min:"0"`

	// Token 刷新节奏 (毫秒)
	ContextRefreshDelayMS int `env:"CONTEXT_REFRESH_DELAY_MS" default:"500" min:"0"`
	SendRefreshDelayMS    int `env:"SEND_REFRESH_DELAY_MS" default:"1000" min:"0"`

	// 对话列表
	ConversationPageSize int `env:"CONVERSATION_PAGE_SIZE" default:"20" min:"1"`

	// 历史记录来源: api / postgres / sqlite
	HistorySource string `env:"HISTORY_SOURCE" default:"api"`

	// PostgreSQL
	PostgresConnStr     string `env:"POSTGRES_CONNECTION_STRING"`
	PostgresSchema      string `env:"POSTGRES_SCHEMA" default:"public"`
	PostgresPoolMinSize int    `env:"POSTGRES_POOL_MIN_SIZE" default:"1" min:"1"`
	PostgresPoolMaxSize int    `env:"POSTGRES_POOL_MAX_SIZE" default:"4" min:"1"`

	// SQLite 归档
	SQLiteArchivePath string `env:"SQLITE_ARCHIVE_PATH" default:"data/conversations.db"`

	// Dashboard
	DashboardEnabled bool   `env:"DASHBOARD_ENABLED" default:"false"`
	DashboardAddr    string `env:"DASHBOARD_ADDR" default:"127.0.0.1:8092"`
}

// Load 从环境变量加载配置 (通过反射读取 struct tag)。
func Load() *Config {
	var cfg Config
	util.LoadFromEnv(&cfg)
	cfg.HistorySource = strings.ToLower(cfg.HistorySource)
	return &cfg
}

// Validate 校验组合约束。
func (c *Config) Validate() error {
	switch c.HistorySource {
	case HistorySourceAPI, HistorySourceSQLite:
	case HistorySourcePostgres:
		if c.PostgresConnStr == "" {
			return apperrors.Wrap(apperrors.ErrInvalidInput, "Config.Validate", "POSTGRES_CONNECTION_STRING is required for postgres history")
		}
	default:
		return apperrors.Wrapf(apperrors.ErrInvalidInput, "Config.Validate", "unknown history source %q", c.HistorySource)
	}
	if _, err := url.Parse(c.ServerBaseURL); err != nil {
		return apperrors.Wrap(err, "Config.Validate", "SERVER_BASE_URL")
	}
	return nil
}

// FeedURL 由 ServerBaseURL 推导 WebSocket 地址 (http→ws, https→wss)。
func (c *Config) FeedURL() string {
	u, err := url.Parse(c.ServerBaseURL)
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.TrimLeft(c.FeedWSPath, "/")
	return u.String()
}

// HTTPTimeout REST 请求超时。
func (c *Config) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTPTimeoutSec) * time.Second
}

// HandshakeTimeout WebSocket 握手超时。
func (c *Config) HandshakeTimeout() time.Duration {
	return time.Duration(c.WSHandshakeTimeoutSec) * time.Second
}

// ReadIdleTimeout 事件流读空闲超时。
func (c *Config) ReadIdleTimeout() time.Duration {
	return time.Duration(c.WSReadIdleTimeoutSec) * time.Second
}

// ContextRefreshDelay 工具完成 / 文件变化后的上下文刷新延迟。
func (c *Config) ContextRefreshDelay() time.Duration { return util.Millis(c.ContextRefreshDelayMS) }

// SendRefreshDelay 发送消息后的上下文刷新延迟。
func (c *Config) SendRefreshDelay() time.Duration { return util.Millis(c.SendRefreshDelayMS) }
