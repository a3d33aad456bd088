// config_test.go — 配置加载默认值 + 环境变量覆盖测试。
package config

import (
	"errors"
	"os"
	"testing"
	"time"

	apperrors "github.com/JOJO6618/ai-coding-agent/pkg/errors"
)

func TestLoadDefaults(t *testing.T) {
	for _, k := range []string{"SERVER_BASE_URL", "HISTORY_SOURCE", "CONTEXT_REFRESH_DELAY_MS", "CONVERSATION_PAGE_SIZE"} {
		os.Unsetenv(k)
	}

	cfg := Load()

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"ServerBaseURL", cfg.ServerBaseURL, "http://127.0.0.1:8091"},
		{"FeedWSPath", cfg.FeedWSPath, "/ws"},
		{"HTTPTimeoutSec", cfg.HTTPTimeoutSec, 10},
		{"ContextRefreshDelayMS", cfg.ContextRefreshDelayMS, 500},
		{"SendRefreshDelayMS", cfg.SendRefreshDelayMS, 1000},
		{"ConversationPageSize", cfg.ConversationPageSize, 20},
		{"HistorySource", cfg.HistorySource, HistorySourceAPI},
		{"PostgresSchema", cfg.PostgresSchema, "public"},
		{"DashboardEnabled", cfg.DashboardEnabled, false},
		{"LogLevel", cfg.LogLevel, "INFO"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
			}
		})
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("HISTORY_SOURCE", "SQLite")
	t.Setenv("CONVERSATION_PAGE_SIZE", "0")
	t.Setenv("CONTEXT_REFRESH_DELAY_MS", "250")

	cfg := Load()
	if cfg.HistorySource != HistorySourceSQLite {
		t.Errorf("HistorySource = %q, want sqlite", cfg.HistorySource)
	}
	if cfg.ConversationPageSize != 1 {
		t.Errorf("ConversationPageSize = %d, want min 1", cfg.ConversationPageSize)
	}
	if cfg.ContextRefreshDelay() != 250*time.Millisecond {
		t.Errorf("ContextRefreshDelay = %v", cfg.ContextRefreshDelay())
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"api ok", Config{HistorySource: HistorySourceAPI, ServerBaseURL: "http://x"}, false},
		{"sqlite ok", Config{HistorySource: HistorySourceSQLite, ServerBaseURL: "http://x"}, false},
		{"postgres missing dsn", Config{HistorySource: HistorySourcePostgres}, true},
		{"postgres ok", Config{HistorySource: HistorySourcePostgres, PostgresConnStr: "postgres://u@h/db", ServerBaseURL: "http://x"}, false},
		{"unknown", Config{HistorySource: "redis"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() err = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, apperrors.ErrInvalidInput) {
				t.Fatalf("err = %v, want ErrInvalidInput", err)
			}
		})
	}
}

func TestFeedURL(t *testing.T) {
	tests := []struct {
		base, path, want string
	}{
		{"http://127.0.0.1:8091", "/ws", "ws://127.0.0.1:8091/ws"},
		{"https://agent.example.com/", "ws", "wss://agent.example.com/ws"},
		{"http://host/prefix", "/feed", "ws://host/prefix/feed"},
	}
	for _, tt := range tests {
		cfg := Config{ServerBaseURL: tt.base, FeedWSPath: tt.path}
		if got := cfg.FeedURL(); got != tt.want {
			t.Errorf("FeedURL(%q,%q) = %q, want %q", tt.base, tt.path, got, tt.want)
		}
	}
}
