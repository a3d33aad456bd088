// migrate.go — 对话消息库迁移 (PostgreSQL)。
package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/JOJO6618/ai-coding-agent/internal/database"
)

func newMigrateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the conversation_messages schema to PostgreSQL",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runMigrate(cmd.Context(), a, cmd.OutOrStdout())
		},
	}
}

func runMigrate(ctx context.Context, a *app, out io.Writer) error {
	pool, err := database.NewPool(ctx, a.cfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	applied, err := database.Migrate(ctx, pool, database.MigrationsFS())
	if err != nil {
		return err
	}
	if len(applied) == 0 {
		fmt.Fprintln(out, "schema up to date")
		return nil
	}
	for _, name := range applied {
		fmt.Fprintln(out, "applied", name)
	}
	return nil
}
