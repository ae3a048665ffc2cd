package postgres_test

import (
	"context"
	"log"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/ory/dockertest/v3"
	"github.com/ory/dockertest/v3/docker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jinford/kb-sync/internal/core/content"
	"github.com/jinford/kb-sync/internal/core/ledger"
	"github.com/jinford/kb-sync/internal/infra/postgres"
)

// testDB は TestMain が起動したコンテナへの共有接続
// Docker が利用できない環境では nil のままになり、各テストはスキップする
var testDB *postgres.DB

func TestMain(m *testing.M) {
	pool, err := dockertest.NewPool("")
	if err == nil {
		err = pool.Client.Ping()
	}
	if err != nil {
		log.Printf("docker unavailable, skipping postgres integration tests: %v", err)
		os.Exit(m.Run())
	}

	resource, err := pool.RunWithOptions(&dockertest.RunOptions{
		Repository: "postgres",
		Tag:        "16-alpine",
		Env: []string{
			"POSTGRES_USER=kbsync",
			"POSTGRES_PASSWORD=kbsync",
			"POSTGRES_DB=kbsync_test",
		},
	}, func(config *docker.HostConfig) {
		config.AutoRemove = true
		config.RestartPolicy = docker.RestartPolicy{Name: "no"}
	})
	if err != nil {
		log.Fatalf("failed to start postgres container: %v", err)
	}
	// テストが異常終了してもコンテナを残さない
	_ = resource.Expire(300)

	port, err := strconv.Atoi(resource.GetPort("5432/tcp"))
	if err != nil {
		log.Fatalf("failed to resolve container port: %v", err)
	}

	ctx := context.Background()
	if err := pool.Retry(func() error {
		db, err := postgres.New(ctx, postgres.ConnectionParams{
			Host:     "localhost",
			Port:     port,
			User:     "kbsync",
			Password: "kbsync",
			DBName:   "kbsync_test",
			SSLMode:  "disable",
		})
		if err != nil {
			return err
		}
		testDB = db
		return nil
	}); err != nil {
		log.Fatalf("failed to connect to postgres container: %v", err)
	}

	if err := testDB.InitSchema(ctx); err != nil {
		log.Fatalf("failed to initialize schema: %v", err)
	}

	code := m.Run()

	testDB.Close()
	_ = pool.Purge(resource)
	os.Exit(code)
}

func requireDB(t *testing.T) *postgres.DB {
	t.Helper()
	if testDB == nil {
		t.Skip("docker unavailable")
	}
	return testDB
}

func newTestJob(scopeID uuid.UUID) *ledger.Job {
	now := time.Now().UTC()
	return &ledger.Job{
		ID:            uuid.New(),
		WorkspaceID:   uuid.New(),
		ScopeID:       scopeID,
		JobType:       ledger.JobTypeSync,
		ConnectorType: content.ConnectorUpload,
		Status:        ledger.JobStatusPending,
		MaxAttempts:   3,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func TestIntegration_LedgerClaimLifecycle(t *testing.T) {
	db := requireDB(t)
	repo := postgres.NewLedgerRepository(db.Pool)
	ctx := context.Background()

	scopeID := uuid.New()
	job := newTestJob(scopeID)
	require.NoError(t, repo.CreateJob(ctx, job))

	run, err := repo.ClaimJob(ctx, job.ID, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, 1, run.Attempt)
	assert.Equal(t, ledger.RunStatusRunning, run.Status)

	// クレーム済みジョブの再クレームは前提条件違反
	_, err = repo.ClaimJob(ctx, job.ID, time.Now().UTC())
	assert.ErrorIs(t, err, ledger.ErrInvalidTransition)

	// running 枠が埋まっている間は同一スコープへの登録を拒否する
	err = repo.CreateJob(ctx, newTestJob(scopeID))
	assert.ErrorIs(t, err, ledger.ErrAlreadyRunning)

	// JSONB マージ: 後続パッチが前回の値を消さないこと
	discovered, fetched := 10, 3
	require.NoError(t, repo.MergeRunStats(ctx, run.ID, ledger.RunStats{Discovered: &discovered}, time.Now().UTC()))
	require.NoError(t, repo.MergeRunStats(ctx, run.ID, ledger.RunStats{Fetched: &fetched}, time.Now().UTC()))

	got, err := repo.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Stats.Discovered)
	assert.Equal(t, 10, *got.Stats.Discovered)
	require.NotNil(t, got.Stats.Fetched)
	assert.Equal(t, 3, *got.Stats.Fetched)

	phase := "done"
	require.NoError(t, repo.FinalizeRun(ctx, run.ID, ledger.RunStatusCompleted, ledger.JobStatusCompleted, ledger.RunStats{Phase: &phase}, time.Now().UTC()))

	// 確定済みの実行は再確定できない
	err = repo.FinalizeRun(ctx, run.ID, ledger.RunStatusFailed, ledger.JobStatusFailed, ledger.RunStats{}, time.Now().UTC())
	assert.ErrorIs(t, err, ledger.ErrInvalidTransition)

	// 確定後の遅延パッチは no-op（存在しない実行は ErrNotFound のまま）
	stale := "fetching"
	require.NoError(t, repo.MergeRunStats(ctx, run.ID, ledger.RunStats{Phase: &stale}, time.Now().UTC()))
	assert.ErrorIs(t, repo.MergeRunStats(ctx, uuid.New(), ledger.RunStats{}, time.Now().UTC()), ledger.ErrNotFound)

	latestJob, latestRun, err := repo.LatestForScope(ctx, scopeID)
	require.NoError(t, err)
	assert.Equal(t, ledger.JobStatusCompleted, latestJob.Status)
	require.NotNil(t, latestRun)
	assert.Equal(t, ledger.RunStatusCompleted, latestRun.Status)
	require.NotNil(t, latestRun.Stats.Phase)
	assert.Equal(t, "done", *latestRun.Stats.Phase)
}

func TestIntegration_ConcurrentClaim(t *testing.T) {
	db := requireDB(t)
	repo := postgres.NewLedgerRepository(db.Pool)
	ctx := context.Background()

	job := newTestJob(uuid.New())
	require.NoError(t, repo.CreateJob(ctx, job))

	// 同一ジョブへの並行クレームは CAS によりちょうど1件だけ成功する
	const workers = 8
	var wg sync.WaitGroup
	results := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.ClaimJob(ctx, job.ID, time.Now().UTC())
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	succeeded := 0
	for err := range results {
		if err == nil {
			succeeded++
		}
	}
	assert.Equal(t, 1, succeeded)
}

func TestIntegration_StaleRunning(t *testing.T) {
	db := requireDB(t)
	repo := postgres.NewLedgerRepository(db.Pool)
	ctx := context.Background()

	job := newTestJob(uuid.New())
	require.NoError(t, repo.CreateJob(ctx, job))

	startedAt := time.Now().UTC().Add(-time.Hour)
	run, err := repo.ClaimJob(ctx, job.ID, startedAt)
	require.NoError(t, err)

	stale, err := repo.StaleRunning(ctx, time.Now().UTC().Add(-30*time.Minute))
	require.NoError(t, err)

	found := false
	for _, r := range stale {
		if r.ID == run.ID {
			found = true
		}
	}
	assert.True(t, found)

	// ハートビートを更新すれば stale ではなくなる
	require.NoError(t, repo.MergeRunStats(ctx, run.ID, ledger.RunStats{}, time.Now().UTC()))

	stale, err = repo.StaleRunning(ctx, time.Now().UTC().Add(-30*time.Minute))
	require.NoError(t, err)
	for _, r := range stale {
		assert.NotEqual(t, run.ID, r.ID)
	}
}

func TestIntegration_ContentVersionFlip(t *testing.T) {
	db := requireDB(t)
	repo := postgres.NewContentRepository(db.Pool)
	ctx := context.Background()

	scopeID := uuid.New()
	params := content.UpsertSourceParams{
		WorkspaceID:   uuid.New(),
		UserID:        uuid.New(),
		ConnectorType: content.ConnectorUpload,
		ExternalID:    "notes/today.md",
		Title:         "today.md",
		Metadata:      content.SourceMetadata{content.MetadataScopeKey: scopeID.String()},
	}

	source, err := repo.CreateSourceIfNotExists(ctx, params)
	require.NoError(t, err)

	// 同一 (workspace, connector, externalID) は既存レコードを返す
	again, err := repo.CreateSourceIfNotExists(ctx, params)
	require.NoError(t, err)
	assert.Equal(t, source.ID, again.ID)

	_, err = repo.GetActiveVersion(ctx, source.ID)
	assert.ErrorIs(t, err, content.ErrNotFound)

	v1, err := repo.CreateVersionWithChunks(ctx, source.ID, "hash-v1", 11, []content.ChunkPayload{
		{Seq: 0, Content: "hello", TokenCount: 1},
		{Seq: 1, Content: "world", TokenCount: 1},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, v1.VersionNumber)
	assert.True(t, v1.IsActive)

	v2, err := repo.CreateVersionWithChunks(ctx, source.ID, "hash-v2", 7, []content.ChunkPayload{
		{Seq: 0, Content: "updated", TokenCount: 1},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, v2.VersionNumber)

	// アクティブな版は常にちょうど1つ（新版へ切り替わる）
	active, err := repo.GetActiveVersion(ctx, source.ID)
	require.NoError(t, err)
	assert.Equal(t, v2.ID, active.ID)

	versions, err := repo.ListVersionsBySource(ctx, source.ID)
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.False(t, versions[0].IsActive)
	assert.True(t, versions[1].IsActive)

	// 旧版のチャンクは履歴として残る
	oldChunks, err := repo.ListChunksByVersion(ctx, v1.ID)
	require.NoError(t, err)
	assert.Len(t, oldChunks, 2)

	// 集計はアクティブ版のチャンクのみを数える
	counts, err := repo.CountsForScope(ctx, scopeID)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Sources)
	assert.Equal(t, 1, counts.Chunks)
}
