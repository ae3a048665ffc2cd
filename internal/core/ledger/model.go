package ledger

import (
	"time"

	"github.com/google/uuid"

	"github.com/jinford/kb-sync/internal/core/content"
)

// JobStatus はジョブのライフサイクル状態を表す
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusRunning    JobStatus = "running"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed" // 管理遷移（stale 検出）でのみ到達する
	JobStatusDeadLetter JobStatus = "dead_letter"
)

// IsTerminal は再実行されない終端状態かどうかを判定する
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusDeadLetter
}

// RunStatus は実行試行の状態を表す
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// JobTypeSync は同期ジョブの種別
const JobTypeSync = "sync"

// Job は同期スコープに対する作業単位を表す
// 同一スコープで running 状態のジョブは常に高々1つ（相互排他の不変条件）
type Job struct {
	ID            uuid.UUID             `json:"id"`
	WorkspaceID   uuid.UUID             `json:"workspaceID"`
	ScopeID       uuid.UUID             `json:"scopeID"`
	JobType       string                `json:"jobType"`
	ConnectorType content.ConnectorType `json:"connectorType"`
	Status        JobStatus             `json:"status"`
	MaxAttempts   int                   `json:"maxAttempts"`
	CreatedAt     time.Time             `json:"createdAt"`
	UpdatedAt     time.Time             `json:"updatedAt"`
}

// JobRun はジョブの1回の実行試行を表す
// attempt はジョブごとに1始まりで欠番なく単調増加する
type JobRun struct {
	ID             uuid.UUID  `json:"id"`
	JobID          uuid.UUID  `json:"jobID"`
	Attempt        int        `json:"attempt"`
	Status         RunStatus  `json:"status"`
	StartedAt      time.Time  `json:"startedAt"`
	CompletedAt    *time.Time `json:"completedAt,omitempty"`
	Stats          RunStats   `json:"stats"`
	StatsUpdatedAt time.Time  `json:"statsUpdatedAt"`
}

// RunStats は実行の統計オブジェクトを表す
// スキーマレスな key/value ドキュメントとして永続化され、未知のキーは無視される
// 各フィールドは任意（nil は「更新なし」）で、フィールド単位の last-write-wins でマージされる
type RunStats struct {
	Phase         *string `json:"phase,omitempty"`
	Discovered    *int    `json:"discovered,omitempty"`
	Fetched       *int    `json:"fetched,omitempty"`
	Upserted      *int    `json:"upserted,omitempty"`
	ChunksCreated *int    `json:"chunksCreated,omitempty"`
	Skipped       *int    `json:"skipped,omitempty"`
	ETASeconds    *int    `json:"etaSeconds,omitempty"`
	ErrorMessage  *string `json:"errorMessage,omitempty"`
}

// Merge は patch の非 nil フィールドで上書きした新しい RunStats を返す
func (s RunStats) Merge(patch RunStats) RunStats {
	if patch.Phase != nil {
		s.Phase = patch.Phase
	}
	if patch.Discovered != nil {
		s.Discovered = patch.Discovered
	}
	if patch.Fetched != nil {
		s.Fetched = patch.Fetched
	}
	if patch.Upserted != nil {
		s.Upserted = patch.Upserted
	}
	if patch.ChunksCreated != nil {
		s.ChunksCreated = patch.ChunksCreated
	}
	if patch.Skipped != nil {
		s.Skipped = patch.Skipped
	}
	if patch.ETASeconds != nil {
		s.ETASeconds = patch.ETASeconds
	}
	if patch.ErrorMessage != nil {
		s.ErrorMessage = patch.ErrorMessage
	}
	return s
}
