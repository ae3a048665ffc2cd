package commands

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/urfave/cli/v3"
)

// JobListAction はスコープのジョブ履歴を表示するコマンドのアクション
func JobListAction(ctx context.Context, cmd *cli.Command) error {
	envFile := cmd.String("env")

	scopeID, err := uuid.Parse(cmd.String("scope"))
	if err != nil {
		return fmt.Errorf("invalid scope id: %w", err)
	}
	limit := cmd.Int("limit")

	appCtx, err := NewAppContext(ctx, envFile)
	if err != nil {
		return err
	}
	defer appCtx.Close()

	jobs, err := appCtx.Container.Ledger.JobsForScope(ctx, scopeID, limit)
	if err != nil {
		return err
	}

	if len(jobs) == 0 {
		fmt.Println("no jobs for this scope")
		return nil
	}

	for _, job := range jobs {
		fmt.Printf("%s  %-11s  %-10s  attempts<=%d  created=%s\n",
			job.ID,
			job.Status,
			job.ConnectorType,
			job.MaxAttempts,
			job.CreatedAt.Format("2006-01-02 15:04:05"),
		)
	}
	return nil
}
