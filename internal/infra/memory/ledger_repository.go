package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jinford/kb-sync/internal/core/ledger"
)

// LedgerRepository は ledger.Repository のインメモリ実装
// 全操作を単一のミューテックスで直列化するため、クレームの競合は発生しない
type LedgerRepository struct {
	mu    sync.Mutex
	jobs  map[uuid.UUID]*ledger.Job
	runs  map[uuid.UUID]*ledger.JobRun
	order []uuid.UUID // ジョブの作成順
}

// NewLedgerRepository は新しい LedgerRepository を作成する
func NewLedgerRepository() *LedgerRepository {
	return &LedgerRepository{
		jobs: make(map[uuid.UUID]*ledger.Job),
		runs: make(map[uuid.UUID]*ledger.JobRun),
	}
}

// コンパイル時の型チェック
var _ ledger.Repository = (*LedgerRepository)(nil)

// CreateJob はジョブを保存する
// 同一スコープに running のジョブがある場合は ErrAlreadyRunning
func (r *LedgerRepository) CreateJob(ctx context.Context, job *ledger.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.jobs {
		if existing.ScopeID == job.ScopeID && existing.Status == ledger.JobStatusRunning {
			return ledger.ErrAlreadyRunning
		}
	}

	stored := *job
	r.jobs[stored.ID] = &stored
	r.order = append(r.order, stored.ID)
	return nil
}

// GetJob はジョブを取得する
func (r *LedgerRepository) GetJob(ctx context.Context, id uuid.UUID) (*ledger.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	return cloneJob(job), nil
}

// ClaimJob は pending → running の遷移と次の試行番号での実行作成を原子的に行う
func (r *LedgerRepository) ClaimJob(ctx context.Context, jobID uuid.UUID, now time.Time) (*ledger.JobRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[jobID]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	if job.Status != ledger.JobStatusPending {
		return nil, ledger.ErrInvalidTransition
	}
	for _, other := range r.jobs {
		if other.ID != jobID && other.ScopeID == job.ScopeID && other.Status == ledger.JobStatusRunning {
			return nil, ledger.ErrAlreadyRunning
		}
	}

	attempt := 0
	for _, run := range r.runs {
		if run.JobID == jobID && run.Attempt > attempt {
			attempt = run.Attempt
		}
	}

	run := &ledger.JobRun{
		ID:             uuid.New(),
		JobID:          jobID,
		Attempt:        attempt + 1,
		Status:         ledger.RunStatusRunning,
		StartedAt:      now,
		StatsUpdatedAt: now,
	}
	r.runs[run.ID] = run

	job.Status = ledger.JobStatusRunning
	job.UpdatedAt = now

	return cloneRun(run), nil
}

// GetRun は実行を取得する
func (r *LedgerRepository) GetRun(ctx context.Context, id uuid.UUID) (*ledger.JobRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	run, ok := r.runs[id]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	return cloneRun(run), nil
}

// MergeRunStats は統計オブジェクトへ patch をマージし、ハートビートを更新する
// 確定済みの実行（遅延したハートビート）への patch は no-op
func (r *LedgerRepository) MergeRunStats(ctx context.Context, runID uuid.UUID, patch ledger.RunStats, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	run, ok := r.runs[runID]
	if !ok {
		return ledger.ErrNotFound
	}
	if run.Status != ledger.RunStatusRunning {
		return nil
	}
	run.Stats = run.Stats.Merge(patch)
	run.StatsUpdatedAt = now
	return nil
}

// FinalizeRun は実行と親ジョブの状態を原子的に確定する
func (r *LedgerRepository) FinalizeRun(ctx context.Context, runID uuid.UUID, runStatus ledger.RunStatus, jobStatus ledger.JobStatus, patch ledger.RunStats, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	run, ok := r.runs[runID]
	if !ok {
		return ledger.ErrNotFound
	}
	if run.Status != ledger.RunStatusRunning {
		return ledger.ErrInvalidTransition
	}
	job, ok := r.jobs[run.JobID]
	if !ok {
		return ledger.ErrNotFound
	}

	run.Status = runStatus
	run.CompletedAt = &now
	run.Stats = run.Stats.Merge(patch)
	run.StatsUpdatedAt = now

	job.Status = jobStatus
	job.UpdatedAt = now
	return nil
}

// LatestForScope はスコープで最新のジョブと、その最新の実行を返す
func (r *LedgerRepository) LatestForScope(ctx context.Context, scopeID uuid.UUID) (*ledger.Job, *ledger.JobRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var latest *ledger.Job
	for i := len(r.order) - 1; i >= 0; i-- {
		job := r.jobs[r.order[i]]
		if job.ScopeID == scopeID {
			latest = job
			break
		}
	}
	if latest == nil {
		return nil, nil, ledger.ErrNotFound
	}

	var latestRun *ledger.JobRun
	for _, run := range r.runs {
		if run.JobID != latest.ID {
			continue
		}
		if latestRun == nil || run.Attempt > latestRun.Attempt {
			latestRun = run
		}
	}
	if latestRun == nil {
		return cloneJob(latest), nil, nil
	}
	return cloneJob(latest), cloneRun(latestRun), nil
}

// ListPendingJobs は作成順で pending のジョブを返す
func (r *LedgerRepository) ListPendingJobs(ctx context.Context, limit int) ([]*ledger.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*ledger.Job
	for _, id := range r.order {
		job := r.jobs[id]
		if job.Status != ledger.JobStatusPending {
			continue
		}
		out = append(out, cloneJob(job))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// ListJobsForScope は作成の新しい順でスコープのジョブ履歴を返す
func (r *LedgerRepository) ListJobsForScope(ctx context.Context, scopeID uuid.UUID, limit int) ([]*ledger.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*ledger.Job
	for i := len(r.order) - 1; i >= 0; i-- {
		job := r.jobs[r.order[i]]
		if job.ScopeID != scopeID {
			continue
		}
		out = append(out, cloneJob(job))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// StaleRunning はハートビートが cutoff より古い running 状態の実行を返す
func (r *LedgerRepository) StaleRunning(ctx context.Context, cutoff time.Time) ([]*ledger.JobRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*ledger.JobRun
	for _, run := range r.runs {
		if run.Status == ledger.RunStatusRunning && run.StatsUpdatedAt.Before(cutoff) {
			out = append(out, cloneRun(run))
		}
	}
	return out, nil
}

func cloneJob(j *ledger.Job) *ledger.Job {
	c := *j
	return &c
}

func cloneRun(r *ledger.JobRun) *ledger.JobRun {
	c := *r
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}
