package syncjob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/jinford/kb-sync/internal/core/content"
	"github.com/jinford/kb-sync/internal/core/ledger"
)

// defaultStatsInterval は統計フラッシュの既定間隔
// 0 以下を設定すると毎アイテム後にフラッシュする
const defaultStatsInterval = 2 * time.Second

// Orchestrator は1つの同期ジョブを最初から最後まで駆動する
// コネクタ内部のリトライは行わない。再実行はジョブが pending へ戻り
// 後続のトリガーで再クレームされることで実現される
type Orchestrator struct {
	ledger        *ledger.Ledger
	store         *content.VersionStore
	connectors    map[content.ConnectorType]Connector
	statsInterval time.Duration
	logger        *slog.Logger
}

// OrchestratorOption は Orchestrator のオプション設定
type OrchestratorOption func(*Orchestrator)

// WithStatsInterval は統計フラッシュの間隔を上書きする
func WithStatsInterval(d time.Duration) OrchestratorOption {
	return func(o *Orchestrator) {
		o.statsInterval = d
	}
}

// WithOrchestratorLogger は Orchestrator にロガーを設定する
func WithOrchestratorLogger(logger *slog.Logger) OrchestratorOption {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// NewOrchestrator は新しい Orchestrator を作成する
func NewOrchestrator(lg *ledger.Ledger, store *content.VersionStore, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		ledger:        lg,
		store:         store,
		connectors:    make(map[content.ConnectorType]Connector),
		statsInterval: defaultStatsInterval,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// RegisterConnector はコネクタ実装を登録する
func (o *Orchestrator) RegisterConnector(conn Connector) {
	o.connectors[conn.Type()] = conn
}

// runCounters は実行中に蓄積する統計カウンタ
// 報告値が永続化済みの状態を上回らないよう、コミット成功後にのみ増やす
type runCounters struct {
	discovered    int
	fetched       int
	upserted      int
	chunksCreated int
	skipped       int
}

func (c *runCounters) stats(phase string, eta *int) ledger.RunStats {
	return ledger.RunStats{
		Phase:         &phase,
		Discovered:    intPtr(c.discovered),
		Fetched:       intPtr(c.fetched),
		Upserted:      intPtr(c.upserted),
		ChunksCreated: intPtr(c.chunksCreated),
		Skipped:       intPtr(c.skipped),
		ETASeconds:    eta,
	}
}

// Run はジョブをクレームしてコネクタのストリームを取り込み、実行を確定する
// 同時トリガーによる重複リクエスト（ErrAlreadyRunning）は成功扱いの no-op
// 連続不能なエラーは実行へ記録され、プロセス自体は決してクラッシュしない
func (o *Orchestrator) Run(ctx context.Context, job *ledger.Job, scope Scope) error {
	run, err := o.ledger.Claim(ctx, job.ID)
	if err != nil {
		if errors.Is(err, ledger.ErrAlreadyRunning) {
			o.logger.Info("sync already running for scope, skipping duplicate trigger",
				"jobID", job.ID,
				"scopeID", job.ScopeID,
			)
			return nil
		}
		return fmt.Errorf("failed to claim job: %w", err)
	}

	o.logger.Info("sync run started",
		"jobID", job.ID,
		"runID", run.ID,
		"attempt", run.Attempt,
		"connectorType", job.ConnectorType,
	)

	conn, ok := o.connectors[job.ConnectorType]
	if !ok {
		return o.failRun(ctx, run.ID, fmt.Sprintf("no connector registered for type %s", job.ConnectorType))
	}

	if err := o.ledger.RecordStats(ctx, run.ID, ledger.RunStats{Phase: strPtr("listing")}); err != nil {
		o.logger.Warn("failed to record stats", "runID", run.ID, "error", err)
	}

	stream, err := conn.Fetch(ctx, scope)
	if err != nil {
		return o.failRun(ctx, run.ID, fmt.Sprintf("failed to list scope contents: %v", err))
	}
	defer stream.Close()

	counters := &runCounters{}
	total, hasTotal := stream.Total()
	if hasTotal {
		counters.discovered = total
	}

	estimator := newRateEstimator(defaultEMAAlpha)
	estimator.Observe(time.Now(), 0)
	lastFlush := time.Time{}

	flush := func(phase string) {
		var eta *int
		if hasTotal {
			eta = estimator.ETA(counters.fetched, total)
		}
		if err := o.ledger.RecordStats(ctx, run.ID, counters.stats(phase, eta)); err != nil {
			o.logger.Warn("failed to record stats", "runID", run.ID, "error", err)
		}
		lastFlush = time.Now()
	}
	flush("fetching")

	for {
		item, err := stream.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}

			// 1件単位の失敗は記録してスキップする（部分失敗の意味論）
			var itemErr *ItemError
			if errors.As(err, &itemErr) {
				counters.skipped++
				if !hasTotal {
					counters.discovered++
				}
				o.logger.Warn("skipping item after fetch failure",
					"runID", run.ID,
					"externalID", itemErr.ExternalID,
					"error", itemErr.Err,
				)
				continue
			}

			// 実行致命的なエラーは残りのストリームを打ち切り failed で確定する
			return o.failRun(ctx, run.ID, shortError("connector failed", err))
		}

		if !hasTotal {
			counters.discovered++
		}

		if err := o.ingestItem(ctx, job, scope, item, counters); err != nil {
			return o.failRun(ctx, run.ID, shortError("failed to persist item", err))
		}

		estimator.Observe(time.Now(), counters.fetched)

		// コミットが永続化された後でのみ進捗を報告する
		if o.statsInterval <= 0 || time.Since(lastFlush) >= o.statsInterval {
			flush("fetching")
		}
	}

	final := counters.stats("done", intPtr(0))
	if err := o.ledger.Complete(ctx, run.ID, final); err != nil {
		return fmt.Errorf("failed to complete run: %w", err)
	}

	o.logger.Info("sync run completed",
		"runID", run.ID,
		"fetched", counters.fetched,
		"upserted", counters.upserted,
		"chunks", counters.chunksCreated,
		"skipped", counters.skipped,
	)
	return nil
}

// ingestItem は1件のコンテンツをハッシュ化し版ストアへコミットする
func (o *Orchestrator) ingestItem(ctx context.Context, job *ledger.Job, scope Scope, item *ContentItem, counters *runCounters) error {
	hash := content.HashContent(item.Content)

	metadata := content.SourceMetadata{}
	for k, v := range item.Metadata {
		metadata[k] = v
	}
	metadata[content.MetadataScopeKey] = scope.ID.String()

	source, err := o.store.UpsertSource(ctx, content.UpsertSourceParams{
		WorkspaceID:   scope.WorkspaceID,
		UserID:        scope.UserID,
		ConnectorType: job.ConnectorType,
		ExternalID:    item.ExternalID,
		Title:         item.Title,
		Metadata:      metadata,
	})
	if err != nil {
		return err
	}

	result, err := o.store.CommitVersion(ctx, source, hash, string(item.Content))
	if err != nil {
		return err
	}

	counters.fetched++
	if result.Created {
		counters.upserted++
		counters.chunksCreated += result.ChunkCount
	}
	return nil
}

// failRun はエラーメッセージを実行へ記録する
// リトライの判断（pending へ戻すか dead_letter か）は台帳側が行う
func (o *Orchestrator) failRun(ctx context.Context, runID uuid.UUID, message string) error {
	if err := o.ledger.Fail(ctx, runID, message); err != nil {
		return fmt.Errorf("failed to record run failure: %w", err)
	}
	return nil
}

// shortError は人間可読の短いエラーメッセージを構築する
func shortError(prefix string, err error) string {
	return fmt.Sprintf("%s: %v", prefix, err)
}

func intPtr(v int) *int {
	return &v
}

func strPtr(s string) *string {
	return &s
}
