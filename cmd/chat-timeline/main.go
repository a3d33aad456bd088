// cmd/chat-timeline — 流式对话时间线客户端: watch / replay / archive / catalog / migrate。
package main

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/JOJO6618/ai-coding-agent/internal/config"
	"github.com/JOJO6618/ai-coding-agent/pkg/logger"
)

// 构建信息 (ldflags 注入)。
var (
	Version   = "dev"
	GitCommit = "unknown"
)

// app 子命令共享的运行时状态。
type app struct {
	envFile  string
	logLevel string
	cfg      *config.Config
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "chat-timeline",
		Short:         "Streaming chat timeline client",
		Long:          "chat-timeline 连接对话服务的实时事件流, 维护可渲染的对话时间线与 token 计数。",
		SilenceUsage:  true,
		Version:       Version + " (" + GitCommit + ")",
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			a.load()
			return nil
		},
	}
	root.PersistentFlags().StringVar(&a.envFile, "env-file", ".env", "dotenv file loaded before reading the environment")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "override LOG_LEVEL")

	root.AddCommand(
		newWatchCmd(a),
		newReplayCmd(a),
		newArchiveCmd(a),
		newCatalogCmd(),
		newMigrateCmd(a),
	)
	return root
}

// load 读取 .env 与环境变量并初始化日志。
func (a *app) load() {
	envErr := godotenv.Load(a.envFile)
	a.cfg = config.Load()
	if a.logLevel != "" {
		a.cfg.LogLevel = a.logLevel
	}
	logger.Init(a.cfg.AppEnv, a.cfg.LogLevel)
	if envErr != nil {
		logger.Debug("no .env file loaded, using environment", logger.FieldPath, a.envFile)
	}
}
