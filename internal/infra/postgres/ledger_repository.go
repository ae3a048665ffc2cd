package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jinford/kb-sync/internal/core/content"
	"github.com/jinford/kb-sync/internal/core/ledger"
)

// LedgerRepository は ledger.Repository インターフェースを実装する PostgreSQL リポジトリ
// スコープ単位の相互排他は、スコープIDから導出したアドバイザリロックと
// 部分ユニークインデックス（uq_jobs_scope_running）の二段構えで保証する
type LedgerRepository struct {
	pool *pgxpool.Pool
}

// NewLedgerRepository は新しい LedgerRepository を作成する
func NewLedgerRepository(pool *pgxpool.Pool) *LedgerRepository {
	return &LedgerRepository{pool: pool}
}

// コンパイル時の型チェック
var _ ledger.Repository = (*LedgerRepository)(nil)

const jobColumns = `id, workspace_id, scope_id, job_type, connector_type, status, max_attempts, created_at, updated_at`

const runColumns = `id, job_id, attempt, status, started_at, completed_at, stats, stats_updated_at`

func scopeLockID(scopeID uuid.UUID) int64 {
	return GenerateLockID("scope", scopeID.String())
}

// CreateJob はジョブを保存する
// 同一スコープに running のジョブがある場合は ErrAlreadyRunning
func (r *LedgerRepository) CreateJob(ctx context.Context, job *ledger.Job) error {
	_, err := transact(ctx, r.pool, func(tx pgx.Tx) (struct{}, error) {
		var zero struct{}
		if err := acquireAdvisoryLock(ctx, tx, scopeLockID(job.ScopeID)); err != nil {
			return zero, err
		}

		var running bool
		err := tx.QueryRow(ctx, `
			SELECT EXISTS (SELECT 1 FROM jobs WHERE scope_id = $1 AND status = $2)`,
			UUIDToPgtype(job.ScopeID), string(ledger.JobStatusRunning),
		).Scan(&running)
		if err != nil {
			return zero, fmt.Errorf("failed to check running job: %w", err)
		}
		if running {
			return zero, ledger.ErrAlreadyRunning
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO jobs (`+jobColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			UUIDToPgtype(job.ID),
			UUIDToPgtype(job.WorkspaceID),
			UUIDToPgtype(job.ScopeID),
			job.JobType,
			string(job.ConnectorType),
			string(job.Status),
			job.MaxAttempts,
			TimeToPgtype(job.CreatedAt),
			TimeToPgtype(job.UpdatedAt),
		)
		if err != nil {
			return zero, fmt.Errorf("failed to create job: %w", err)
		}
		return zero, nil
	})
	return err
}

// GetJob はジョブを取得する
func (r *LedgerRepository) GetJob(ctx context.Context, id uuid.UUID) (*ledger.Job, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, UUIDToPgtype(id))
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ledger.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// ClaimJob は pending → running の遷移と次の試行番号での実行作成を
// 単一トランザクションで行う。状態条件付き UPDATE（CAS）が遷移を直列化し、
// 部分ユニークインデックスがスコープの running 枠を保証する
func (r *LedgerRepository) ClaimJob(ctx context.Context, jobID uuid.UUID, now time.Time) (*ledger.JobRun, error) {
	run, err := transact(ctx, r.pool, func(tx pgx.Tx) (*ledger.JobRun, error) {
		tag, err := tx.Exec(ctx, `
			UPDATE jobs SET status = $2, updated_at = $3
			WHERE id = $1 AND status = $4`,
			UUIDToPgtype(jobID),
			string(ledger.JobStatusRunning),
			TimeToPgtype(now),
			string(ledger.JobStatusPending),
		)
		if err != nil {
			if IsUniqueViolation(err) {
				return nil, ledger.ErrAlreadyRunning
			}
			return nil, fmt.Errorf("failed to claim job: %w", err)
		}
		if tag.RowsAffected() == 0 {
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM jobs WHERE id = $1)`, UUIDToPgtype(jobID)).Scan(&exists); err != nil {
				return nil, fmt.Errorf("failed to check job: %w", err)
			}
			if !exists {
				return nil, ledger.ErrNotFound
			}
			return nil, ledger.ErrInvalidTransition
		}

		row := tx.QueryRow(ctx, `
			INSERT INTO job_runs (id, job_id, attempt, status, started_at, stats_updated_at)
			SELECT $1, $2, COALESCE(MAX(attempt), 0) + 1, $3, $4, $4
			FROM job_runs WHERE job_id = $2
			RETURNING `+runColumns,
			UUIDToPgtype(uuid.New()),
			UUIDToPgtype(jobID),
			string(ledger.RunStatusRunning),
			TimeToPgtype(now),
		)
		return scanRun(row)
	})
	if err != nil {
		if IsUniqueViolation(err) {
			return nil, ledger.ErrAlreadyRunning
		}
		return nil, err
	}
	return run, nil
}

// GetRun は実行を取得する
func (r *LedgerRepository) GetRun(ctx context.Context, id uuid.UUID) (*ledger.JobRun, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM job_runs WHERE id = $1`, UUIDToPgtype(id))
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ledger.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// MergeRunStats は統計オブジェクトへ patch をキー単位でマージし、ハートビートを更新する
// patch は未設定フィールドを省いた JSON になるため、|| 演算子で last-write-wins のマージになる
// 状態条件により確定済みの実行（遅延したハートビート）への patch は no-op
func (r *LedgerRepository) MergeRunStats(ctx context.Context, runID uuid.UUID, patch ledger.RunStats, now time.Time) error {
	patchJSON, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("failed to marshal stats patch: %w", err)
	}

	tag, err := r.pool.Exec(ctx, `
		UPDATE job_runs SET stats = stats || $2::jsonb, stats_updated_at = $3
		WHERE id = $1 AND status = $4`,
		UUIDToPgtype(runID), patchJSON, TimeToPgtype(now), string(ledger.RunStatusRunning),
	)
	if err != nil {
		return fmt.Errorf("failed to merge run stats: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM job_runs WHERE id = $1)`, UUIDToPgtype(runID)).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check run: %w", err)
		}
		if !exists {
			return ledger.ErrNotFound
		}
	}
	return nil
}

// FinalizeRun は実行を running から runStatus へ、親ジョブを jobStatus へ原子的に確定する
func (r *LedgerRepository) FinalizeRun(ctx context.Context, runID uuid.UUID, runStatus ledger.RunStatus, jobStatus ledger.JobStatus, patch ledger.RunStats, now time.Time) error {
	patchJSON, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("failed to marshal stats patch: %w", err)
	}

	_, err = transact(ctx, r.pool, func(tx pgx.Tx) (struct{}, error) {
		var zero struct{}

		var jobID pgtype.UUID
		err := tx.QueryRow(ctx, `
			UPDATE job_runs
			SET status = $2, completed_at = $3, stats = stats || $4::jsonb, stats_updated_at = $3
			WHERE id = $1 AND status = $5
			RETURNING job_id`,
			UUIDToPgtype(runID),
			string(runStatus),
			TimeToPgtype(now),
			patchJSON,
			string(ledger.RunStatusRunning),
		).Scan(&jobID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				var exists bool
				if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM job_runs WHERE id = $1)`, UUIDToPgtype(runID)).Scan(&exists); err != nil {
					return zero, fmt.Errorf("failed to check run: %w", err)
				}
				if !exists {
					return zero, ledger.ErrNotFound
				}
				return zero, ledger.ErrInvalidTransition
			}
			return zero, fmt.Errorf("failed to finalize run: %w", err)
		}

		if _, err := tx.Exec(ctx, `
			UPDATE jobs SET status = $2, updated_at = $3 WHERE id = $1`,
			jobID, string(jobStatus), TimeToPgtype(now),
		); err != nil {
			return zero, fmt.Errorf("failed to update job status: %w", err)
		}
		return zero, nil
	})
	return err
}

// LatestForScope はスコープで最も新しく作成されたジョブと、その最新の実行を返す
func (r *LedgerRepository) LatestForScope(ctx context.Context, scopeID uuid.UUID) (*ledger.Job, *ledger.JobRun, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE scope_id = $1
		ORDER BY created_at DESC LIMIT 1`,
		UUIDToPgtype(scopeID),
	)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, ledger.ErrNotFound
		}
		return nil, nil, fmt.Errorf("failed to get latest job: %w", err)
	}

	row = r.pool.QueryRow(ctx, `
		SELECT `+runColumns+` FROM job_runs
		WHERE job_id = $1
		ORDER BY attempt DESC LIMIT 1`,
		UUIDToPgtype(job.ID),
	)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return job, nil, nil
		}
		return nil, nil, fmt.Errorf("failed to get latest run: %w", err)
	}
	return job, run, nil
}

// ListPendingJobs は作成順で pending のジョブを返す
func (r *LedgerRepository) ListPendingJobs(ctx context.Context, limit int) ([]*ledger.Job, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = $1
		ORDER BY created_at
		LIMIT $2`,
		string(ledger.JobStatusPending), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// ListJobsForScope は作成の新しい順でスコープのジョブ履歴を返す
func (r *LedgerRepository) ListJobsForScope(ctx context.Context, scopeID uuid.UUID, limit int) ([]*ledger.Job, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE scope_id = $1
		ORDER BY created_at DESC
		LIMIT $2`,
		UUIDToPgtype(scopeID), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs for scope: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// StaleRunning はハートビートが cutoff より古い running 状態の実行を返す
func (r *LedgerRepository) StaleRunning(ctx context.Context, cutoff time.Time) ([]*ledger.JobRun, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+runColumns+` FROM job_runs
		WHERE status = $1 AND stats_updated_at < $2`,
		string(ledger.RunStatusRunning), TimeToPgtype(cutoff),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale runs: %w", err)
	}
	defer rows.Close()

	var runs []*ledger.JobRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func collectJobs(rows pgx.Rows) ([]*ledger.Job, error) {
	var jobs []*ledger.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func scanJob(row pgx.Row) (*ledger.Job, error) {
	var (
		job                      ledger.Job
		id, workspaceID, scopeID pgtype.UUID
		connectorType, status    string
		createdAt, updatedAt     pgtype.Timestamptz
	)
	err := row.Scan(&id, &workspaceID, &scopeID, &job.JobType, &connectorType,
		&status, &job.MaxAttempts, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	job.ID = PgtypeToUUID(id)
	job.WorkspaceID = PgtypeToUUID(workspaceID)
	job.ScopeID = PgtypeToUUID(scopeID)
	job.ConnectorType = content.ConnectorType(connectorType)
	job.Status = ledger.JobStatus(status)
	job.CreatedAt = PgtypeToTime(createdAt)
	job.UpdatedAt = PgtypeToTime(updatedAt)
	return &job, nil
}

func scanRun(row pgx.Row) (*ledger.JobRun, error) {
	var (
		run                       ledger.JobRun
		id, jobID                 pgtype.UUID
		status                    string
		statsJSON                 []byte
		startedAt, statsUpdatedAt pgtype.Timestamptz
		completedAt               pgtype.Timestamptz
	)
	err := row.Scan(&id, &jobID, &run.Attempt, &status, &startedAt, &completedAt,
		&statsJSON, &statsUpdatedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(statsJSON, &run.Stats); err != nil {
		return nil, fmt.Errorf("failed to unmarshal stats: %w", err)
	}

	run.ID = PgtypeToUUID(id)
	run.JobID = PgtypeToUUID(jobID)
	run.Status = ledger.RunStatus(status)
	run.StartedAt = PgtypeToTime(startedAt)
	run.CompletedAt = PgtypeToTimePtr(completedAt)
	run.StatsUpdatedAt = PgtypeToTime(statsUpdatedAt)
	return &run, nil
}
