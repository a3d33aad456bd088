// archive.go — 把服务端对话历史归档到本地 SQLite, 供离线 replay。
package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/JOJO6618/ai-coding-agent/internal/api"
	"github.com/JOJO6618/ai-coding-agent/internal/store"
	apperrors "github.com/JOJO6618/ai-coding-agent/pkg/errors"
	"github.com/JOJO6618/ai-coding-agent/pkg/logger"
)

func newArchiveCmd(a *app) *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "archive <conversation-id>...",
		Short: "Copy conversation history from the server into the SQLite archive",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if path != "" {
				a.cfg.SQLiteArchivePath = path
			}
			client := api.NewClient(a.cfg.ServerBaseURL, a.cfg.HTTPTimeout())
			return runArchive(cmd.Context(), a.cfg.SQLiteArchivePath, client, args, cmd.OutOrStdout())
		},
	}
	cmd.PersistentFlags().StringVar(&path, "path", "", "archive file (overrides SQLITE_ARCHIVE_PATH)")

	list := &cobra.Command{
		Use:   "list",
		Short: "List archived conversations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if path != "" {
				a.cfg.SQLiteArchivePath = path
			}
			return runArchiveList(cmd.Context(), a.cfg.SQLiteArchivePath, cmd.OutOrStdout())
		},
	}
	cmd.AddCommand(list)
	return cmd
}

// runArchive 逐个拉取并整体替换归档内容。单个失败不影响其它对话, 最后汇总报错。
func runArchive(ctx context.Context, path string, remote store.MessageSource, ids []string, out io.Writer) error {
	archive, err := store.OpenArchive(ctx, path)
	if err != nil {
		return err
	}
	defer archive.Close()

	failed := 0
	for _, id := range ids {
		records, err := remote.Messages(ctx, id)
		if err == nil {
			err = archive.Replace(ctx, id, records)
		}
		if err != nil {
			failed++
			logger.Error("archive: conversation failed", logger.FieldConversationID, id, logger.FieldError, err)
			fmt.Fprintf(out, "%s\tfailed: %s\n", id, apperrors.MessageOf(err))
			continue
		}
		fmt.Fprintf(out, "%s\t%d messages\n", id, len(records))
	}
	if failed > 0 {
		return apperrors.Newf("archive", "%d of %d conversations failed", failed, len(ids))
	}
	return nil
}

func runArchiveList(ctx context.Context, path string, out io.Writer) error {
	archive, err := store.OpenArchive(ctx, path)
	if err != nil {
		return err
	}
	defer archive.Close()

	stats, err := archive.Conversations(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CONVERSATION\tMESSAGES\tLAST")
	for _, st := range stats {
		fmt.Fprintf(tw, "%s\t%d\t%s\n", st.ConversationID, st.Messages, st.LastAt.Format(time.DateTime))
	}
	return tw.Flush()
}
