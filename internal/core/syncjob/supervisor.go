package syncjob

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jinford/kb-sync/internal/core/ledger"
)

// Supervisor は進捗の止まった実行を検出して管理遷移を適用する
// オーケストレータのプロセスが死んでいる場合に備えた外部の生存監視であり、
// オーケストレータ自身の fail 呼び出しとは区別される
type Supervisor struct {
	ledger  *ledger.Ledger
	window  time.Duration
	requeue bool
	logger  *slog.Logger
}

// SupervisorOption は Supervisor のオプション設定
type SupervisorOption func(*Supervisor)

// WithRequeue は stale 検出時にジョブを pending へ戻すかを設定する
// false の場合ジョブは failed のまま留まる（管理者の介入待ち）
func WithRequeue(requeue bool) SupervisorOption {
	return func(s *Supervisor) {
		s.requeue = requeue
	}
}

// WithSupervisorLogger は Supervisor にロガーを設定する
func WithSupervisorLogger(logger *slog.Logger) SupervisorOption {
	return func(s *Supervisor) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewSupervisor は新しい Supervisor を作成する
// window 内に統計更新が無い running 状態の実行を stale とみなす
func NewSupervisor(lg *ledger.Ledger, window time.Duration, opts ...SupervisorOption) *Supervisor {
	s := &Supervisor{
		ledger:  lg,
		window:  window,
		requeue: true,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sweep は stale な実行を1回分検出して確定し、処理件数を返す
func (s *Supervisor) Sweep(ctx context.Context) (int, error) {
	runs, err := s.ledger.StaleRunning(ctx, s.window)
	if err != nil {
		return 0, fmt.Errorf("failed to list stale runs: %w", err)
	}

	marked := 0
	for _, run := range runs {
		if err := s.ledger.MarkStale(ctx, run.ID, s.requeue); err != nil {
			s.logger.Error("failed to mark stale run", "runID", run.ID, "error", err)
			continue
		}
		marked++
	}

	if marked > 0 {
		s.logger.Warn("stale runs detected", "count", marked, "window", s.window)
	}
	return marked, nil
}

// Start は interval ごとに Sweep を繰り返す。ctx のキャンセルで停止する
func (s *Supervisor) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.logger.Error("stale sweep failed", "error", err)
			}
		}
	}
}
