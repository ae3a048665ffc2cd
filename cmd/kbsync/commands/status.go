package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/urfave/cli/v3"

	"github.com/jinford/kb-sync/internal/core/ledger"
	"github.com/jinford/kb-sync/internal/core/progress"
)

// StatusAction はスコープの同期状態と進捗を表示するコマンドのアクション
func StatusAction(ctx context.Context, cmd *cli.Command) error {
	envFile := cmd.String("env")

	scopeID, err := uuid.Parse(cmd.String("scope"))
	if err != nil {
		return fmt.Errorf("invalid scope id: %w", err)
	}

	appCtx, err := NewAppContext(ctx, envFile)
	if err != nil {
		return err
	}
	defer appCtx.Close()

	job, run, err := appCtx.Container.Ledger.LatestForScope(ctx, scopeID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			fmt.Println("no sync job for this scope")
			return nil
		}
		return err
	}

	report := progress.Aggregate(job, run)
	fmt.Printf("job:    %s (%s)\n", job.ID, job.Status)
	if run != nil {
		fmt.Printf("run:    attempt %d (%s)\n", run.Attempt, run.Status)
	}
	fmt.Printf("phase:  %s\n", report.Label)
	if report.Percent != nil {
		fmt.Printf("done:   %d%%\n", *report.Percent)
	}
	if report.ProcessedSources != nil && report.TotalSources != nil {
		fmt.Printf("items:  %d/%d\n", *report.ProcessedSources, *report.TotalSources)
	}
	if report.ETASeconds != nil {
		fmt.Printf("eta:    %ds\n", *report.ETASeconds)
	}
	if report.Error != nil {
		fmt.Printf("error:  %s\n", *report.Error)
	}

	counts, err := appCtx.Container.Store.CountsForScope(ctx, scopeID)
	if err != nil {
		return err
	}
	fmt.Printf("stored: %d sources, %d chunks\n", counts.Sources, counts.Chunks)

	return nil
}
