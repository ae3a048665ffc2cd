package commands

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/urfave/cli/v3"

	"github.com/jinford/kb-sync/internal/core/content"
)

// SyncEnqueueAction は同期ジョブを登録するコマンドのアクション
func SyncEnqueueAction(ctx context.Context, cmd *cli.Command) error {
	envFile := cmd.String("env")

	workspaceID, err := uuid.Parse(cmd.String("workspace"))
	if err != nil {
		return fmt.Errorf("invalid workspace id: %w", err)
	}
	scopeID, err := uuid.Parse(cmd.String("scope"))
	if err != nil {
		return fmt.Errorf("invalid scope id: %w", err)
	}
	connectorType := content.ConnectorType(cmd.String("connector"))

	appCtx, err := NewAppContext(ctx, envFile)
	if err != nil {
		return err
	}
	defer appCtx.Close()

	job, err := appCtx.Container.Ledger.Enqueue(ctx, workspaceID, scopeID, connectorType)
	if err != nil {
		return err
	}

	fmt.Printf("enqueued job %s (scope=%s connector=%s)\n", job.ID, job.ScopeID, job.ConnectorType)
	return nil
}

// SyncRunAction は pending のジョブをその場で実行して完了を待つコマンドのアクション
func SyncRunAction(ctx context.Context, cmd *cli.Command) error {
	envFile := cmd.String("env")

	appCtx, err := NewAppContext(ctx, envFile)
	if err != nil {
		return err
	}
	defer appCtx.Close()

	if err := appCtx.Container.Dispatcher.Drain(ctx); err != nil {
		return err
	}

	fmt.Println("all pending jobs processed")
	return nil
}
