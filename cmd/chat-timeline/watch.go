// watch.go — 连接事件流, 运行会话控制器, 可选 dashboard 与交互输入。
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/JOJO6618/ai-coding-agent/internal/api"
	"github.com/JOJO6618/ai-coding-agent/internal/bus"
	"github.com/JOJO6618/ai-coding-agent/internal/dashboard"
	"github.com/JOJO6618/ai-coding-agent/internal/feed"
	"github.com/JOJO6618/ai-coding-agent/internal/monitor"
	"github.com/JOJO6618/ai-coding-agent/internal/session"
	"github.com/JOJO6618/ai-coding-agent/internal/store"
	"github.com/JOJO6618/ai-coding-agent/internal/timeline"
	"github.com/JOJO6618/ai-coding-agent/internal/tokens"
	apperrors "github.com/JOJO6618/ai-coding-agent/pkg/errors"
	"github.com/JOJO6618/ai-coding-agent/pkg/logger"
	"github.com/JOJO6618/ai-coding-agent/pkg/util"
)

// 交互模式下的本地指令。
const stopDirective = ":stop"

type watchOptions struct {
	dashboard   bool
	interactive bool
}

func newWatchCmd(a *app) *cobra.Command {
	var o watchOptions
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow the live event feed and maintain the conversation timeline",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Flags().Changed("dashboard") {
				a.cfg.DashboardEnabled = o.dashboard
			}
			if err := a.cfg.Validate(); err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			var in io.Reader
			if o.interactive {
				in = cmd.InOrStdin()
			}
			return runWatch(ctx, a, in, cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&o.dashboard, "dashboard", false, "serve the debug dashboard (overrides DASHBOARD_ENABLED)")
	cmd.Flags().BoolVarP(&o.interactive, "interactive", "i", false, "read messages from stdin; "+stopDirective+" requests a stop")
	return cmd
}

func runWatch(ctx context.Context, a *app, in io.Reader, out io.Writer) error {
	cfg := a.cfg
	client := api.NewClient(cfg.ServerBaseURL, cfg.HTTPTimeout())

	history, closeHistory, err := store.Open(ctx, cfg, client)
	if err != nil {
		return err
	}
	defer closeHistory()

	b := bus.NewMessageBus()
	ts := tokens.NewSynchronizer(client, tokens.WithOnChange(func(s tokens.Snapshot) {
		b.PublishJSON(bus.MsgTokensChanged, "tokens", s)
	}))

	fc := feed.NewClient(cfg.FeedURL(), feed.Options{
		HandshakeTimeout: cfg.HandshakeTimeout(),
		ReadIdleTimeout:  cfg.ReadIdleTimeout(),
		MaxReconnects:    cfg.FeedMaxReconnects,
	})
	ctrl := session.New(session.Deps{
		Sender:        fc,
		Conversations: client,
		History:       history,
		Tokens:        ts,
		Bus:           b,
	}, session.Options{
		PageSize:            cfg.ConversationPageSize,
		ContextRefreshDelay: cfg.ContextRefreshDelay(),
		SendRefreshDelay:    cfg.SendRefreshDelay(),
	})
	defer ctrl.Close()
	fc.SetEventHandler(ctrl.HandleEvent)

	sub := b.SubscribeAuto(bus.TopicAll)
	defer b.Unsubscribe(sub.ID)

	if err := fc.Connect(ctx); err != nil {
		return err
	}
	defer func() { _ = fc.Close() }()

	g, gctx := errgroup.WithContext(ctx)
	monitor.NewPatrol(ctrl, fc, b, monitor.Options{}).Start(gctx)
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-fc.Done():
			return apperrors.Wrap(apperrors.ErrNotConnected, "watch", "event feed closed")
		}
	})
	g.Go(func() error {
		printNotifications(gctx, sub, ctrl, out)
		return nil
	})
	if cfg.DashboardEnabled {
		g.Go(func() error {
			return dashboard.NewServer(ctrl, b).Run(gctx, cfg.DashboardAddr)
		})
	}
	if in != nil {
		// stdin 读取无法被取消, 不加入 errgroup
		util.SafeGo(func() { readInput(gctx, in, ctrl) })
	}

	err = g.Wait()
	logger.Info("watch: stopped", logger.FieldConversationID, ctrl.ConversationID())
	return err
}

// inputSink 交互输入的去向 (*session.Controller 实现)。
type inputSink interface {
	SendMessage(text string) error
	RequestStop() (bool, error)
}

// readInput 每行一条消息。发送失败只记录日志。
func readInput(ctx context.Context, in io.Reader, sink inputSink) {
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if line == stopDirective {
			if _, err := sink.RequestStop(); err != nil {
				logger.Warn("watch: stop failed", logger.FieldError, err)
			}
			continue
		}
		if err := sink.SendMessage(line); err != nil {
			logger.Warn("watch: send failed", logger.FieldError, err)
		}
	}
}

// snapshotter printNotifications 需要的控制器能力。
type snapshotter interface {
	Snapshot() session.State
}

// printNotifications 把对话切换、提示与结束的 assistant turn 打印到 out。
func printNotifications(ctx context.Context, sub *bus.Subscriber, ctrl snapshotter, out io.Writer) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.Ch:
			if !ok {
				return
			}
			printNotification(msg, ctrl, out)
		}
	}
}

func printNotification(msg bus.Message, ctrl snapshotter, out io.Writer) {
	switch msg.Type {
	case bus.MsgConversationChanged:
		var n session.ConversationNotice
		if json.Unmarshal(msg.Payload, &n) == nil && n.ConversationID != "" {
			fmt.Fprintf(out, "== %s %s\n", n.ConversationID, n.Title)
		}
	case bus.MsgSessionNotice:
		var n session.Notice
		if json.Unmarshal(msg.Payload, &n) == nil {
			fmt.Fprintf(out, "!! %s: %s\n", n.Op, n.Message)
		}
	case bus.MsgSessionStatus:
		var r monitor.Report
		if json.Unmarshal(msg.Payload, &r) == nil && r.Status == monitor.StatusStuck {
			fmt.Fprintf(out, "!! 输出已停滞 %d 秒\n", r.StagnantSec)
		}
	case bus.MsgSessionReset:
		var p struct {
			Reason string `json:"reason"`
		}
		if json.Unmarshal(msg.Payload, &p) != nil {
			return
		}
		switch session.ResetReason(p.Reason) {
		case session.ResetComplete, session.ResetStopped, session.ResetError:
			st := ctrl.Snapshot()
			if n := len(st.Turns); n > 0 {
				renderTurn(out, st.Turns[n-1])
			}
		}
	}
}

// renderTurn 纯文本渲染一个 turn。
func renderTurn(w io.Writer, t *timeline.Turn) {
	if t == nil {
		return
	}
	if t.Role != timeline.RoleAssistant {
		fmt.Fprintf(w, "[%s] %s\n", t.Role, t.Content)
		return
	}
	for _, a := range t.Actions {
		switch a.Kind {
		case timeline.ActionText:
			fmt.Fprintln(w, a.Content)
		case timeline.ActionThinking:
			fmt.Fprintf(w, "(思考) %s\n", util.FirstLine(a.Content))
		case timeline.ActionTool:
			if v, ok := timeline.ViewOf(a); ok {
				line := v.Icon + " " + v.StatusText
				if v.Description != "" {
					line += " · " + v.Description
				}
				fmt.Fprintln(w, line)
			}
		case timeline.ActionSystem:
			fmt.Fprintf(w, "[system] %s\n", a.Content)
		case timeline.ActionAppendPayload:
			if a.Append != nil {
				fmt.Fprintf(w, "+ %s %s\n", a.Append.Path, a.Append.Summary)
			}
		case timeline.ActionModifyPayload:
			if a.Modify != nil {
				fmt.Fprintf(w, "~ %s\n", a.Modify.Path)
			}
		}
	}
}
