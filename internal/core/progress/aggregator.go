// Package progress は実行統計から表示用の進捗ビューを導出する
// 副作用を持たない純粋な計算のみを提供し、ETA の再計算は行わない
// （レートベースの推定はオーケストレータの責務）
package progress

import (
	"math"
	"time"

	"github.com/jinford/kb-sync/internal/core/ledger"
)

// Phase は同期実行の粗い段階ラベルを表す
type Phase string

// 既知のフェーズ語彙（順序付き）
const (
	PhaseQueued     Phase = "queued"
	PhaseListing    Phase = "listing"
	PhaseFetching   Phase = "fetching"
	PhaseChunking   Phase = "chunking"
	PhaseEmbedding  Phase = "embedding"
	PhasePersisting Phase = "persisting"
	PhaseDone       Phase = "done"
	PhaseError      Phase = "error"
)

// fallbackLabel は未知のフェーズに対する汎用表示ラベル
const fallbackLabel = "processing"

// IsKnown は既知のフェーズ語彙に含まれるかを判定する
func (p Phase) IsKnown() bool {
	switch p {
	case PhaseQueued, PhaseListing, PhaseFetching, PhaseChunking,
		PhaseEmbedding, PhasePersisting, PhaseDone, PhaseError:
		return true
	}
	return false
}

// Label は表示用ラベルを返す
// 未知のフェーズはエラーにせず汎用ラベルへ丁寧に縮退する
func (p Phase) Label() string {
	if p.IsKnown() {
		return string(p)
	}
	return fallbackLabel
}

// Report は進捗表示の正規化済みビューを表す
type Report struct {
	Phase            string     `json:"phase"`
	Label            string     `json:"label"`
	ProcessedSources *int       `json:"processedSources,omitempty"`
	TotalSources     *int       `json:"totalSources,omitempty"`
	ProcessedChunks  *int       `json:"processedChunks,omitempty"`
	Percent          *int       `json:"percent,omitempty"`
	ETASeconds       *int       `json:"etaSeconds,omitempty"`
	StartedAt        *time.Time `json:"startedAt,omitempty"`
	Error            *string    `json:"error,omitempty"`
}

// Aggregate は実行統計（統計が無い場合はジョブ状態）から表示用ビューを計算する
// 未知のフェーズ文字列は表示用にそのまま通し、決して失敗しない
func Aggregate(job *ledger.Job, run *ledger.JobRun) Report {
	if job == nil {
		return Report{Phase: string(PhaseQueued), Label: PhaseQueued.Label()}
	}

	if run == nil {
		phase := phaseFromJobStatus(job.Status)
		return Report{Phase: string(phase), Label: phase.Label()}
	}

	stats := run.Stats

	phase := resolvePhase(stats, run.Status)
	report := Report{
		Phase:            string(phase),
		Label:            phase.Label(),
		ProcessedSources: stats.Fetched,
		TotalSources:     stats.Discovered,
		ProcessedChunks:  stats.ChunksCreated,
		Error:            stats.ErrorMessage,
	}

	startedAt := run.StartedAt
	report.StartedAt = &startedAt

	if pct := percent(stats.Fetched, stats.Discovered); pct != nil {
		report.Percent = pct
	}

	// ETA は統計の値をそのまま採用する（負数は表示しない）
	if stats.ETASeconds != nil && *stats.ETASeconds >= 0 {
		report.ETASeconds = stats.ETASeconds
	}

	return report
}

// resolvePhase は統計のフェーズを優先し、欠落時は実行状態から導出する
func resolvePhase(stats ledger.RunStats, status ledger.RunStatus) Phase {
	if stats.Phase != nil && *stats.Phase != "" {
		return Phase(*stats.Phase)
	}
	switch status {
	case ledger.RunStatusCompleted:
		return PhaseDone
	case ledger.RunStatusFailed:
		return PhaseError
	default:
		return PhaseFetching
	}
}

func phaseFromJobStatus(status ledger.JobStatus) Phase {
	switch status {
	case ledger.JobStatusPending:
		return PhaseQueued
	case ledger.JobStatusCompleted:
		return PhaseDone
	case ledger.JobStatusFailed, ledger.JobStatusDeadLetter:
		return PhaseError
	default:
		// running だが実行レコードが未観測のケース
		return PhaseFetching
	}
}

// percent は clamp(0,100, round(processed/total*100)) を計算する
// total が nil または 0 のときは未定義（nil）
func percent(processed, total *int) *int {
	if processed == nil || total == nil || *total <= 0 {
		return nil
	}
	pct := int(math.Round(float64(*processed) / float64(*total) * 100))
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	return &pct
}
