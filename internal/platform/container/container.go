// Package container はアプリケーションの依存関係の組み立てを提供する
package container

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jinford/kb-sync/internal/core/content"
	"github.com/jinford/kb-sync/internal/core/content/segment"
	"github.com/jinford/kb-sync/internal/core/ledger"
	"github.com/jinford/kb-sync/internal/core/syncjob"
	"github.com/jinford/kb-sync/internal/infra/localfs"
	"github.com/jinford/kb-sync/internal/infra/memory"
	"github.com/jinford/kb-sync/internal/infra/postgres"
	"github.com/jinford/kb-sync/internal/platform/config"
)

// Container はサービス層の依存関係を保持する
type Container struct {
	Ledger       *ledger.Ledger
	Store        *content.VersionStore
	Orchestrator *syncjob.Orchestrator
	Dispatcher   *syncjob.Dispatcher
	Supervisor   *syncjob.Supervisor

	logger *slog.Logger
	db     *postgres.DB
}

// New は設定とロガーからコンテナを生成する
func New(ctx context.Context, logger *slog.Logger, cfg *config.Config) (*Container, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var (
		contentRepo content.Repository
		ledgerRepo  ledger.Repository
		db          *postgres.DB
	)
	switch cfg.StorageDriver {
	case config.StorageDriverPostgres:
		var err error
		db, err = postgres.New(ctx, postgres.ConnectionParams{
			Host:     cfg.Database.Host,
			Port:     cfg.Database.Port,
			User:     cfg.Database.User,
			Password: cfg.Database.Password,
			DBName:   cfg.Database.DBName,
			SSLMode:  cfg.Database.SSLMode,
		})
		if err != nil {
			return nil, fmt.Errorf("データベース初期化に失敗しました: %w", err)
		}
		if err := db.InitSchema(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("スキーマ初期化に失敗しました: %w", err)
		}
		contentRepo = postgres.NewContentRepository(db.Pool)
		ledgerRepo = postgres.NewLedgerRepository(db.Pool)
	case config.StorageDriverMemory:
		contentRepo = memory.NewContentRepository()
		ledgerRepo = memory.NewLedgerRepository()
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", cfg.StorageDriver)
	}

	segmenter, err := segment.New()
	if err != nil {
		if db != nil {
			db.Close()
		}
		return nil, fmt.Errorf("セグメンタ初期化に失敗しました: %w", err)
	}

	store := content.NewVersionStore(contentRepo, segmenter, content.WithStoreLogger(logger))
	lg := ledger.New(ledgerRepo,
		ledger.WithMaxAttempts(cfg.Sync.MaxAttempts),
		ledger.WithLogger(logger),
	)

	orch := syncjob.NewOrchestrator(lg, store,
		syncjob.WithStatsInterval(cfg.Sync.StatsInterval),
		syncjob.WithOrchestratorLogger(logger),
	)
	orch.RegisterConnector(localfs.NewConnector(cfg.Sync.UploadDir))

	dispatcher, err := syncjob.NewDispatcher(lg, orch, cfg.Sync.Workers,
		syncjob.WithDispatcherLogger(logger),
	)
	if err != nil {
		if db != nil {
			db.Close()
		}
		return nil, fmt.Errorf("ディスパッチャ初期化に失敗しました: %w", err)
	}

	supervisor := syncjob.NewSupervisor(lg, cfg.Sync.StaleAfter,
		syncjob.WithRequeue(cfg.Sync.RequeueStale),
		syncjob.WithSupervisorLogger(logger),
	)

	return &Container{
		Ledger:       lg,
		Store:        store,
		Orchestrator: orch,
		Dispatcher:   dispatcher,
		Supervisor:   supervisor,
		logger:       logger,
		db:           db,
	}, nil
}

// Close はコンテナの保持するリソースを解放する
func (c *Container) Close() {
	if c.Dispatcher != nil {
		c.Dispatcher.Release()
	}
	if c.db != nil {
		c.db.Close()
	}
}
