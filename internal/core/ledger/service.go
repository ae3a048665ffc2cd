package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/jinford/kb-sync/internal/core/content"
)

// DefaultMaxAttempts はジョブが dead_letter へ遷移するまでの試行回数の既定値
const DefaultMaxAttempts = 3

// Ledger はジョブと実行試行の状態機械を管理するユースケースを提供する
type Ledger struct {
	repo        Repository
	maxAttempts int
	clock       func() time.Time
	logger      *slog.Logger
}

// Option は Ledger のオプション設定
type Option func(*Ledger)

// WithMaxAttempts は dead_letter までの最大試行回数を上書きする
func WithMaxAttempts(n int) Option {
	return func(l *Ledger) {
		if n > 0 {
			l.maxAttempts = n
		}
	}
}

// WithClock はテスト用に時刻源を差し替える
func WithClock(clock func() time.Time) Option {
	return func(l *Ledger) {
		if clock != nil {
			l.clock = clock
		}
	}
}

// WithLogger は Ledger にロガーを設定する
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// New は新しい Ledger を作成する
func New(repo Repository, opts ...Option) *Ledger {
	l := &Ledger{
		repo:        repo,
		maxAttempts: DefaultMaxAttempts,
		clock:       time.Now,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Enqueue は pending 状態のジョブを登録する
// 同一スコープで実行中のジョブが存在する場合は ErrAlreadyRunning を返す
func (l *Ledger) Enqueue(ctx context.Context, workspaceID, scopeID uuid.UUID, connectorType content.ConnectorType) (*Job, error) {
	if !connectorType.IsValid() {
		return nil, fmt.Errorf("unknown connector type: %s", connectorType)
	}
	if workspaceID == uuid.Nil || scopeID == uuid.Nil {
		return nil, fmt.Errorf("workspace id and scope id are required")
	}

	now := l.clock()
	job := &Job{
		ID:            uuid.New(),
		WorkspaceID:   workspaceID,
		ScopeID:       scopeID,
		JobType:       JobTypeSync,
		ConnectorType: connectorType,
		Status:        JobStatusPending,
		MaxAttempts:   l.maxAttempts,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := l.repo.CreateJob(ctx, job); err != nil {
		return nil, err
	}

	l.logger.Info("job enqueued",
		"jobID", job.ID,
		"scopeID", scopeID,
		"connectorType", connectorType,
	)
	return job, nil
}

// Claim はジョブを pending → running へ遷移させ、次の試行番号で JobRun を開始する
// 遷移の前提条件はストレージ層で原子的に検証される
func (l *Ledger) Claim(ctx context.Context, jobID uuid.UUID) (*JobRun, error) {
	run, err := l.repo.ClaimJob(ctx, jobID, l.clock())
	if err != nil {
		return nil, err
	}

	l.logger.Info("job claimed",
		"jobID", jobID,
		"runID", run.ID,
		"attempt", run.Attempt,
	)
	return run, nil
}

// RecordStats は部分的な統計更新を実行へマージする
// 統計は観測値であり、コンテンツ書き込みとのトランザクション整合は要求しない
// 確定済みの実行へ遅れて届いた更新は無視される
func (l *Ledger) RecordStats(ctx context.Context, runID uuid.UUID, patch RunStats) error {
	return l.repo.MergeRunStats(ctx, runID, patch, l.clock())
}

// Complete は実行とジョブを completed へ確定する
func (l *Ledger) Complete(ctx context.Context, runID uuid.UUID, final RunStats) error {
	if err := l.repo.FinalizeRun(ctx, runID, RunStatusCompleted, JobStatusCompleted, final, l.clock()); err != nil {
		return err
	}
	l.logger.Info("run completed", "runID", runID)
	return nil
}

// Fail は実行を failed へ確定する
// 試行回数が残っていればジョブは pending へ戻り（外部スケジューラによる再実行対象）、
// 使い切っていれば dead_letter へ遷移する
func (l *Ledger) Fail(ctx context.Context, runID uuid.UUID, errorMessage string) error {
	run, err := l.repo.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	job, err := l.repo.GetJob(ctx, run.JobID)
	if err != nil {
		return err
	}

	next := JobStatusPending
	if run.Attempt >= job.MaxAttempts {
		next = JobStatusDeadLetter
	}

	patch := RunStats{
		Phase:        strPtr("error"),
		ErrorMessage: strPtr(errorMessage),
	}
	if err := l.repo.FinalizeRun(ctx, runID, RunStatusFailed, next, patch, l.clock()); err != nil {
		return err
	}

	l.logger.Warn("run failed",
		"runID", runID,
		"jobID", job.ID,
		"attempt", run.Attempt,
		"maxAttempts", job.MaxAttempts,
		"jobStatus", next,
		"error", errorMessage,
	)
	return nil
}

// MarkStale はオーケストレータ以外（スーパーバイザ等）による管理遷移として
// 進捗の止まった実行を failed へ確定する。requeue が true ならジョブは
// pending へ戻す（ただし試行回数を使い切っている場合は dead_letter）。
// false の場合ジョブは failed のまま留まる
func (l *Ledger) MarkStale(ctx context.Context, runID uuid.UUID, requeue bool) error {
	run, err := l.repo.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	job, err := l.repo.GetJob(ctx, run.JobID)
	if err != nil {
		return err
	}

	next := JobStatusFailed
	if requeue {
		next = JobStatusPending
		if run.Attempt >= job.MaxAttempts {
			next = JobStatusDeadLetter
		}
	}

	patch := RunStats{
		Phase:        strPtr("error"),
		ErrorMessage: strPtr("run marked stale: no progress within the staleness window"),
	}
	if err := l.repo.FinalizeRun(ctx, runID, RunStatusFailed, next, patch, l.clock()); err != nil {
		return err
	}

	l.logger.Warn("run marked stale",
		"runID", runID,
		"jobID", job.ID,
		"jobStatus", next,
	)
	return nil
}

// LatestForScope はスコープの最新ジョブとその最新実行を返す（読み取り専用）
func (l *Ledger) LatestForScope(ctx context.Context, scopeID uuid.UUID) (*Job, *JobRun, error) {
	return l.repo.LatestForScope(ctx, scopeID)
}

// PendingJobs は作成順で pending のジョブを返す
func (l *Ledger) PendingJobs(ctx context.Context, limit int) ([]*Job, error) {
	return l.repo.ListPendingJobs(ctx, limit)
}

// JobsForScope は作成の新しい順でスコープのジョブ履歴を返す
func (l *Ledger) JobsForScope(ctx context.Context, scopeID uuid.UUID, limit int) ([]*Job, error) {
	return l.repo.ListJobsForScope(ctx, scopeID, limit)
}

// StaleRunning はハートビートが window より古い running 状態の実行を返す
func (l *Ledger) StaleRunning(ctx context.Context, window time.Duration) ([]*JobRun, error) {
	return l.repo.StaleRunning(ctx, l.clock().Add(-window))
}

func strPtr(s string) *string {
	return &s
}
