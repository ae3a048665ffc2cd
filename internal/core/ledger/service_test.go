package ledger_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jinford/kb-sync/internal/core/content"
	"github.com/jinford/kb-sync/internal/core/ledger"
	"github.com/jinford/kb-sync/internal/infra/memory"
)

func newLedger(t *testing.T, opts ...ledger.Option) *ledger.Ledger {
	t.Helper()
	return ledger.New(memory.NewLedgerRepository(), opts...)
}

func TestLedger_Lifecycle(t *testing.T) {
	ctx := context.Background()
	lg := newLedger(t)

	workspaceID := uuid.New()
	scopeID := uuid.New()

	// pending で登録される
	job, err := lg.Enqueue(ctx, workspaceID, scopeID, content.ConnectorUpload)
	require.NoError(t, err)
	assert.Equal(t, ledger.JobStatusPending, job.Status)
	assert.Equal(t, ledger.JobTypeSync, job.JobType)
	assert.Equal(t, ledger.DefaultMaxAttempts, job.MaxAttempts)

	// クレームで running へ遷移し、試行番号1の実行が始まる
	run, err := lg.Claim(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, run.Attempt)
	assert.Equal(t, ledger.RunStatusRunning, run.Status)

	got, _, err := lg.LatestForScope(ctx, scopeID)
	require.NoError(t, err)
	assert.Equal(t, ledger.JobStatusRunning, got.Status)

	// 統計の部分更新はフィールド単位でマージされる
	discovered := 10
	require.NoError(t, lg.RecordStats(ctx, run.ID, ledger.RunStats{Discovered: &discovered}))
	fetched := 4
	require.NoError(t, lg.RecordStats(ctx, run.ID, ledger.RunStats{Fetched: &fetched}))

	_, latestRun, err := lg.LatestForScope(ctx, scopeID)
	require.NoError(t, err)
	require.NotNil(t, latestRun.Stats.Discovered)
	assert.Equal(t, 10, *latestRun.Stats.Discovered)
	require.NotNil(t, latestRun.Stats.Fetched)
	assert.Equal(t, 4, *latestRun.Stats.Fetched)

	// 完了で両方の状態が確定する
	require.NoError(t, lg.Complete(ctx, run.ID, ledger.RunStats{}))

	got, latestRun, err = lg.LatestForScope(ctx, scopeID)
	require.NoError(t, err)
	assert.Equal(t, ledger.JobStatusCompleted, got.Status)
	assert.Equal(t, ledger.RunStatusCompleted, latestRun.Status)
	assert.NotNil(t, latestRun.CompletedAt)
}

func TestLedger_EnqueueRejectsWhileRunning(t *testing.T) {
	ctx := context.Background()
	lg := newLedger(t)

	workspaceID := uuid.New()
	scopeID := uuid.New()

	job, err := lg.Enqueue(ctx, workspaceID, scopeID, content.ConnectorUpload)
	require.NoError(t, err)

	// pending 同士の重複は許容される
	_, err = lg.Enqueue(ctx, workspaceID, scopeID, content.ConnectorUpload)
	require.NoError(t, err)

	run, err := lg.Claim(ctx, job.ID)
	require.NoError(t, err)

	// 実行中は同一スコープの登録を拒否する
	_, err = lg.Enqueue(ctx, workspaceID, scopeID, content.ConnectorUpload)
	assert.ErrorIs(t, err, ledger.ErrAlreadyRunning)

	// 完了後は再び登録できる
	require.NoError(t, lg.Complete(ctx, run.ID, ledger.RunStats{}))
	_, err = lg.Enqueue(ctx, workspaceID, scopeID, content.ConnectorUpload)
	require.NoError(t, err)
}

func TestLedger_EnqueueValidation(t *testing.T) {
	ctx := context.Background()
	lg := newLedger(t)

	_, err := lg.Enqueue(ctx, uuid.New(), uuid.New(), content.ConnectorType("carrier-pigeon"))
	assert.Error(t, err)

	_, err = lg.Enqueue(ctx, uuid.Nil, uuid.New(), content.ConnectorUpload)
	assert.Error(t, err)
}

func TestLedger_ConcurrentClaim(t *testing.T) {
	ctx := context.Background()
	lg := newLedger(t)

	job, err := lg.Enqueue(ctx, uuid.New(), uuid.New(), content.ConnectorUpload)
	require.NoError(t, err)

	const claimers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for range claimers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := lg.Claim(ctx, job.ID); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	// クレームに成功するのは常に1つだけ
	assert.Equal(t, 1, succeeded)
}

func TestLedger_ClaimTransitions(t *testing.T) {
	ctx := context.Background()
	lg := newLedger(t)

	_, err := lg.Claim(ctx, uuid.New())
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	workspaceID := uuid.New()
	scopeID := uuid.New()

	first, err := lg.Enqueue(ctx, workspaceID, scopeID, content.ConnectorUpload)
	require.NoError(t, err)
	second, err := lg.Enqueue(ctx, workspaceID, scopeID, content.ConnectorUpload)
	require.NoError(t, err)

	_, err = lg.Claim(ctx, first.ID)
	require.NoError(t, err)

	// running になったジョブの再クレームは拒否される
	_, err = lg.Claim(ctx, first.ID)
	assert.ErrorIs(t, err, ledger.ErrInvalidTransition)

	// 同一スコープの running 枠は1つだけ
	_, err = lg.Claim(ctx, second.ID)
	assert.ErrorIs(t, err, ledger.ErrAlreadyRunning)
}

func TestLedger_FailRetriesUntilDeadLetter(t *testing.T) {
	ctx := context.Background()
	lg := newLedger(t, ledger.WithMaxAttempts(2))

	scopeID := uuid.New()
	job, err := lg.Enqueue(ctx, uuid.New(), scopeID, content.ConnectorUpload)
	require.NoError(t, err)
	assert.Equal(t, 2, job.MaxAttempts)

	// 1回目の失敗: 試行回数が残っているので pending へ戻る
	run, err := lg.Claim(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, run.Attempt)

	require.NoError(t, lg.Fail(ctx, run.ID, "connector unreachable"))

	got, latestRun, err := lg.LatestForScope(ctx, scopeID)
	require.NoError(t, err)
	assert.Equal(t, ledger.JobStatusPending, got.Status)
	assert.Equal(t, ledger.RunStatusFailed, latestRun.Status)
	require.NotNil(t, latestRun.Stats.ErrorMessage)
	assert.Equal(t, "connector unreachable", *latestRun.Stats.ErrorMessage)

	// 2回目の失敗: 試行番号は欠番なく増え、dead_letter へ遷移する
	run, err = lg.Claim(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, run.Attempt)

	require.NoError(t, lg.Fail(ctx, run.ID, "connector unreachable"))

	got, _, err = lg.LatestForScope(ctx, scopeID)
	require.NoError(t, err)
	assert.Equal(t, ledger.JobStatusDeadLetter, got.Status)
	assert.True(t, got.Status.IsTerminal())

	// 終端状態のジョブはクレームできない
	_, err = lg.Claim(ctx, job.ID)
	assert.ErrorIs(t, err, ledger.ErrInvalidTransition)
}

func TestLedger_MarkStale(t *testing.T) {
	ctx := context.Background()

	t.Run("requeue", func(t *testing.T) {
		lg := newLedger(t)
		job, err := lg.Enqueue(ctx, uuid.New(), uuid.New(), content.ConnectorUpload)
		require.NoError(t, err)
		run, err := lg.Claim(ctx, job.ID)
		require.NoError(t, err)

		require.NoError(t, lg.MarkStale(ctx, run.ID, true))

		got, latestRun, err := lg.LatestForScope(ctx, job.ScopeID)
		require.NoError(t, err)
		assert.Equal(t, ledger.JobStatusPending, got.Status)
		assert.Equal(t, ledger.RunStatusFailed, latestRun.Status)
	})

	t.Run("no requeue", func(t *testing.T) {
		lg := newLedger(t)
		job, err := lg.Enqueue(ctx, uuid.New(), uuid.New(), content.ConnectorUpload)
		require.NoError(t, err)
		run, err := lg.Claim(ctx, job.ID)
		require.NoError(t, err)

		require.NoError(t, lg.MarkStale(ctx, run.ID, false))

		got, _, err := lg.LatestForScope(ctx, job.ScopeID)
		require.NoError(t, err)
		assert.Equal(t, ledger.JobStatusFailed, got.Status)
	})
}

func TestLedger_RecordStatsIgnoredAfterFinalize(t *testing.T) {
	ctx := context.Background()
	lg := newLedger(t)

	job, err := lg.Enqueue(ctx, uuid.New(), uuid.New(), content.ConnectorUpload)
	require.NoError(t, err)
	run, err := lg.Claim(ctx, job.ID)
	require.NoError(t, err)

	require.NoError(t, lg.MarkStale(ctx, run.ID, true))

	// 確定後に到着した遅延ハートビートはエラーにも上書きにもならない
	phase := "fetching"
	fetched := 7
	require.NoError(t, lg.RecordStats(ctx, run.ID, ledger.RunStats{Phase: &phase, Fetched: &fetched}))

	_, latestRun, err := lg.LatestForScope(ctx, job.ScopeID)
	require.NoError(t, err)
	assert.Equal(t, ledger.RunStatusFailed, latestRun.Status)
	require.NotNil(t, latestRun.Stats.Phase)
	assert.Equal(t, "error", *latestRun.Stats.Phase)
	assert.Nil(t, latestRun.Stats.Fetched)

	// 存在しない実行への統計は従来どおり ErrNotFound
	assert.ErrorIs(t, lg.RecordStats(ctx, uuid.New(), ledger.RunStats{}), ledger.ErrNotFound)
}

func TestLedger_StaleRunning(t *testing.T) {
	ctx := context.Background()

	now := time.Now()
	clock := func() time.Time { return now }
	lg := newLedger(t, ledger.WithClock(clock))

	job, err := lg.Enqueue(ctx, uuid.New(), uuid.New(), content.ConnectorUpload)
	require.NoError(t, err)
	run, err := lg.Claim(ctx, job.ID)
	require.NoError(t, err)

	// ハートビート直後は stale ではない
	stale, err := lg.StaleRunning(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Empty(t, stale)

	// 時計を進めるとウィンドウを超えた実行が検出される
	now = now.Add(6 * time.Minute)
	stale, err = lg.StaleRunning(ctx, 5*time.Minute)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, run.ID, stale[0].ID)

	// 統計更新はハートビートを兼ねる
	fetched := 1
	require.NoError(t, lg.RecordStats(ctx, run.ID, ledger.RunStats{Fetched: &fetched}))
	stale, err = lg.StaleRunning(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Empty(t, stale)
}

func TestRunStats_Merge(t *testing.T) {
	phase := "fetching"
	discovered := 12
	stats := ledger.RunStats{Phase: &phase, Discovered: &discovered}

	fetched := 3
	merged := stats.Merge(ledger.RunStats{Fetched: &fetched})

	// 非 nil のフィールドだけが上書きされる
	require.NotNil(t, merged.Phase)
	assert.Equal(t, "fetching", *merged.Phase)
	require.NotNil(t, merged.Discovered)
	assert.Equal(t, 12, *merged.Discovered)
	require.NotNil(t, merged.Fetched)
	assert.Equal(t, 3, *merged.Fetched)

	newPhase := "done"
	merged = merged.Merge(ledger.RunStats{Phase: &newPhase})
	assert.Equal(t, "done", *merged.Phase)
	assert.Equal(t, 3, *merged.Fetched)
}
