// replay.go — 从历史来源重建对话时间线并输出。
package main

import (
	"context"
	"encoding/json"
	"io"

	"github.com/spf13/cobra"

	"github.com/JOJO6618/ai-coding-agent/internal/api"
	"github.com/JOJO6618/ai-coding-agent/internal/store"
	"github.com/JOJO6618/ai-coding-agent/internal/timeline"
	apperrors "github.com/JOJO6618/ai-coding-agent/pkg/errors"
)

type replayOptions struct {
	source string
	text   bool
}

func newReplayCmd(a *app) *cobra.Command {
	var o replayOptions
	cmd := &cobra.Command{
		Use:   "replay <conversation-id>",
		Short: "Rebuild a conversation timeline from its stored history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if o.source != "" {
				a.cfg.HistorySource = o.source
			}
			if err := a.cfg.Validate(); err != nil {
				return err
			}
			return runReplay(cmd.Context(), a, args[0], o.text, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&o.source, "source", "", "history source: api, postgres or sqlite (overrides HISTORY_SOURCE)")
	cmd.Flags().BoolVar(&o.text, "text", false, "print plain text instead of JSON")
	return cmd
}

func runReplay(ctx context.Context, a *app, conversationID string, text bool, out io.Writer) error {
	src, closeSrc, err := store.Open(ctx, a.cfg, api.NewClient(a.cfg.ServerBaseURL, a.cfg.HTTPTimeout()))
	if err != nil {
		return err
	}
	defer closeSrc()

	records, err := src.Messages(ctx, conversationID)
	if err != nil {
		return apperrors.Wrapf(err, "replay", "load history %s", conversationID)
	}
	turns := timeline.Reconstruct(records)

	if text {
		for _, t := range turns {
			renderTurn(out, t)
		}
		return nil
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(struct {
		ConversationID string           `json:"conversation_id"`
		Records        int              `json:"records"`
		Turns          []*timeline.Turn `json:"turns"`
	}{conversationID, len(records), turns})
}
