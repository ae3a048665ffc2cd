package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository はジョブ台帳のデータアクセスを統合するインターフェース
// 競合する書き込み（クレーム、状態遷移）はストレージ層で直列化されること
type Repository interface {
	// ジョブを永続化する。同一スコープに running のジョブが存在する場合は
	// ErrAlreadyRunning を返す
	CreateJob(ctx context.Context, job *Job) error

	// ジョブを取得する。存在しない場合は ErrNotFound
	GetJob(ctx context.Context, id uuid.UUID) (*Job, error)

	// pending → running の遷移と次の試行番号での JobRun 作成を
	// 単一の原子的な単位で行う。前提条件を満たさない場合は
	// ErrInvalidTransition、他ジョブがスコープの running 枠を
	// 保持している場合は ErrAlreadyRunning を返す
	ClaimJob(ctx context.Context, jobID uuid.UUID, now time.Time) (*JobRun, error)

	// 実行を取得する。存在しない場合は ErrNotFound
	GetRun(ctx context.Context, id uuid.UUID) (*JobRun, error)

	// 統計オブジェクトへ patch をフィールド単位でマージし、ハートビートを更新する
	// 対象は running 状態の実行のみ。確定済みの実行への patch は no-op で成功する
	MergeRunStats(ctx context.Context, runID uuid.UUID, patch RunStats, now time.Time) error

	// 実行を running から runStatus へ、親ジョブを jobStatus へ
	// 原子的に確定する。実行が running でない場合は ErrInvalidTransition
	FinalizeRun(ctx context.Context, runID uuid.UUID, runStatus RunStatus, jobStatus JobStatus, patch RunStats, now time.Time) error

	// スコープで最も新しく作成されたジョブとその最新の実行を返す
	// ジョブが存在しない場合は ErrNotFound（実行が未作成なら run は nil）
	LatestForScope(ctx context.Context, scopeID uuid.UUID) (*Job, *JobRun, error)

	// 作成順で pending のジョブを返す
	ListPendingJobs(ctx context.Context, limit int) ([]*Job, error)

	// 作成の新しい順でスコープのジョブ履歴を返す
	ListJobsForScope(ctx context.Context, scopeID uuid.UUID, limit int) ([]*Job, error)

	// ハートビートが cutoff より古い running 状態の実行を返す
	StaleRunning(ctx context.Context, cutoff time.Time) ([]*JobRun, error)
}
