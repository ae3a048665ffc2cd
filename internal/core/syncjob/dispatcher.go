package syncjob

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/jinford/kb-sync/internal/core/ledger"
)

// defaultDispatchBatch は1回のドレインでクレームを試みるジョブ数の上限
const defaultDispatchBatch = 32

// Dispatcher は pending のジョブをワーカープールへ分配する
// スコープ単位の相互排他はクレームの CAS のみで保証されるため、
// プール側では重複投入を特別扱いしない
type Dispatcher struct {
	ledger    *ledger.Ledger
	orch      *Orchestrator
	pool      *ants.Pool
	batchSize int
	logger    *slog.Logger
}

// DispatcherOption は Dispatcher のオプション設定
type DispatcherOption func(*Dispatcher)

// WithDispatchBatch は1回のドレインで処理するジョブ数の上限を上書きする
func WithDispatchBatch(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.batchSize = n
		}
	}
}

// WithDispatcherLogger は Dispatcher にロガーを設定する
func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// NewDispatcher は workers 並列のワーカープールを持つ Dispatcher を作成する
func NewDispatcher(lg *ledger.Ledger, orch *Orchestrator, workers int, opts ...DispatcherOption) (*Dispatcher, error) {
	if workers < 1 {
		workers = 1
	}
	pool, err := ants.NewPool(workers)
	if err != nil {
		return nil, fmt.Errorf("failed to create worker pool: %w", err)
	}

	d := &Dispatcher{
		ledger:    lg,
		orch:      orch,
		pool:      pool,
		batchSize: defaultDispatchBatch,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Drain は pending のジョブを1バッチ分クレームして実行し、完了まで待つ
func (d *Dispatcher) Drain(ctx context.Context) error {
	jobs, err := d.ledger.PendingJobs(ctx, d.batchSize)
	if err != nil {
		return fmt.Errorf("failed to list pending jobs: %w", err)
	}
	if len(jobs) == 0 {
		return nil
	}

	d.logger.Info("dispatching pending jobs", "count", len(jobs))

	var wg sync.WaitGroup
	for _, job := range jobs {
		job := job
		wg.Add(1)
		err := d.pool.Submit(func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					d.logger.Error("sync worker panicked", "jobID", job.ID, "panic", r)
				}
			}()

			scope := Scope{
				ID:          job.ScopeID,
				WorkspaceID: job.WorkspaceID,
			}
			if err := d.orch.Run(ctx, job, scope); err != nil {
				d.logger.Error("sync run aborted", "jobID", job.ID, "error", err)
			}
		})
		if err != nil {
			wg.Done()
			d.logger.Error("failed to submit job to worker pool", "jobID", job.ID, "error", err)
		}
	}
	wg.Wait()

	return nil
}

// Start は interval ごとに Drain を繰り返す。ctx のキャンセルで停止する
func (d *Dispatcher) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.Drain(ctx); err != nil {
				d.logger.Error("dispatch cycle failed", "error", err)
			}
		}
	}
}

// Release はワーカープールを解放する
func (d *Dispatcher) Release() {
	d.pool.Release()
}
