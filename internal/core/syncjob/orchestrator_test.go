package syncjob_test

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jinford/kb-sync/internal/core/content"
	"github.com/jinford/kb-sync/internal/core/ledger"
	"github.com/jinford/kb-sync/internal/core/syncjob"
	"github.com/jinford/kb-sync/internal/infra/memory"
)

// lineSegmenter はテスト用の決定的な分割ポリシー（1行=1チャンク）
type lineSegmenter struct{}

func (lineSegmenter) Segment(text string) ([]content.Segment, error) {
	if text == "" {
		return nil, nil
	}
	var segments []content.Segment
	for _, line := range strings.Split(text, "\n") {
		if line == "" {
			continue
		}
		segments = append(segments, content.Segment{Content: line, TokenCount: len(line)})
	}
	return segments, nil
}

// fakeConnector は固定のアイテム列（またはエラー）を返すコネクタ
type fakeConnector struct {
	connType content.ConnectorType
	items    []fakeItem
	fetchErr error
}

// fakeItem はアイテム1件分の産出結果（err が非 nil ならそれを返す）
type fakeItem struct {
	item *syncjob.ContentItem
	err  error
}

func (c *fakeConnector) Type() content.ConnectorType {
	return c.connType
}

func (c *fakeConnector) Fetch(ctx context.Context, scope syncjob.Scope) (syncjob.ItemStream, error) {
	if c.fetchErr != nil {
		return nil, c.fetchErr
	}
	return &fakeStream{items: c.items}, nil
}

type fakeStream struct {
	items []fakeItem
	pos   int
}

func (s *fakeStream) Total() (int, bool) {
	return len(s.items), true
}

func (s *fakeStream) Next(ctx context.Context) (*syncjob.ContentItem, error) {
	if s.pos >= len(s.items) {
		return nil, io.EOF
	}
	entry := s.items[s.pos]
	s.pos++
	if entry.err != nil {
		return nil, entry.err
	}
	return entry.item, nil
}

func (s *fakeStream) Close() error { return nil }

type testEnv struct {
	ledger *ledger.Ledger
	store  *content.VersionStore
	orch   *syncjob.Orchestrator
	scope  syncjob.Scope
}

func newTestEnv(t *testing.T, conn syncjob.Connector) *testEnv {
	t.Helper()

	lg := ledger.New(memory.NewLedgerRepository())
	store := content.NewVersionStore(memory.NewContentRepository(), lineSegmenter{})

	// statsInterval 0 で毎アイテム後にフラッシュさせる
	orch := syncjob.NewOrchestrator(lg, store, syncjob.WithStatsInterval(0))
	if conn != nil {
		orch.RegisterConnector(conn)
	}

	scope := syncjob.Scope{
		ID:          uuid.New(),
		WorkspaceID: uuid.New(),
		UserID:      uuid.New(),
	}
	return &testEnv{ledger: lg, store: store, orch: orch, scope: scope}
}

func (e *testEnv) enqueue(t *testing.T, connType content.ConnectorType) *ledger.Job {
	t.Helper()
	job, err := e.ledger.Enqueue(context.Background(), e.scope.WorkspaceID, e.scope.ID, connType)
	require.NoError(t, err)
	return job
}

func uploadItem(externalID, text string) fakeItem {
	return fakeItem{item: &syncjob.ContentItem{
		ExternalID: externalID,
		Title:      externalID,
		Content:    []byte(text),
	}}
}

func TestOrchestrator_RunHappyPath(t *testing.T) {
	ctx := context.Background()

	conn := &fakeConnector{
		connType: content.ConnectorUpload,
		items: []fakeItem{
			uploadItem("a.md", "one\ntwo"),
			uploadItem("b.md", "three"),
			uploadItem("c.md", "four\nfive\nsix"),
		},
	}
	env := newTestEnv(t, conn)
	job := env.enqueue(t, content.ConnectorUpload)

	require.NoError(t, env.orch.Run(ctx, job, env.scope))

	got, run, err := env.ledger.LatestForScope(ctx, env.scope.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.JobStatusCompleted, got.Status)
	assert.Equal(t, ledger.RunStatusCompleted, run.Status)

	stats := run.Stats
	require.NotNil(t, stats.Phase)
	assert.Equal(t, "done", *stats.Phase)
	assert.Equal(t, 3, *stats.Discovered)
	assert.Equal(t, 3, *stats.Fetched)
	assert.Equal(t, 3, *stats.Upserted)
	assert.Equal(t, 6, *stats.ChunksCreated)
	assert.Equal(t, 0, *stats.Skipped)
	assert.Equal(t, 0, *stats.ETASeconds)

	counts, err := env.store.CountsForScope(ctx, env.scope.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, counts.Sources)
	assert.Equal(t, 6, counts.Chunks)
}

func TestOrchestrator_RunSkipsUnchangedContent(t *testing.T) {
	ctx := context.Background()

	conn := &fakeConnector{
		connType: content.ConnectorUpload,
		items: []fakeItem{
			uploadItem("a.md", "one\ntwo"),
			uploadItem("b.md", "three"),
		},
	}
	env := newTestEnv(t, conn)

	job := env.enqueue(t, content.ConnectorUpload)
	require.NoError(t, env.orch.Run(ctx, job, env.scope))

	// 内容が変わらない再同期ではチャンクの書き込みが発生しない
	conn.items = []fakeItem{
		uploadItem("a.md", "one\ntwo"),
		uploadItem("b.md", "three"),
	}
	job = env.enqueue(t, content.ConnectorUpload)
	require.NoError(t, env.orch.Run(ctx, job, env.scope))

	_, run, err := env.ledger.LatestForScope(ctx, env.scope.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, *run.Stats.Fetched)
	assert.Equal(t, 0, *run.Stats.Upserted)
	assert.Equal(t, 0, *run.Stats.ChunksCreated)

	counts, err := env.store.CountsForScope(ctx, env.scope.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, counts.Sources)
	assert.Equal(t, 3, counts.Chunks)
}

func TestOrchestrator_RunRecordsPartialFailure(t *testing.T) {
	ctx := context.Background()

	conn := &fakeConnector{
		connType: content.ConnectorUpload,
		items: []fakeItem{
			uploadItem("a.md", "one"),
			{err: &syncjob.ItemError{ExternalID: "broken.md", Err: errors.New("permission denied")}},
			uploadItem("c.md", "two"),
		},
	}
	env := newTestEnv(t, conn)
	job := env.enqueue(t, content.ConnectorUpload)

	require.NoError(t, env.orch.Run(ctx, job, env.scope))

	// 1件の失敗は skipped として記録され、実行は完了する
	got, run, err := env.ledger.LatestForScope(ctx, env.scope.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.JobStatusCompleted, got.Status)
	assert.Equal(t, 2, *run.Stats.Fetched)
	assert.Equal(t, 1, *run.Stats.Skipped)
}

func TestOrchestrator_RunFailsOnConnectorError(t *testing.T) {
	ctx := context.Background()

	conn := &fakeConnector{
		connType: content.ConnectorUpload,
		fetchErr: errors.New("remote api unavailable"),
	}
	env := newTestEnv(t, conn)
	job := env.enqueue(t, content.ConnectorUpload)

	require.NoError(t, env.orch.Run(ctx, job, env.scope))

	// 実行は failed、ジョブは再試行のため pending へ戻る
	got, run, err := env.ledger.LatestForScope(ctx, env.scope.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.JobStatusPending, got.Status)
	assert.Equal(t, ledger.RunStatusFailed, run.Status)
	require.NotNil(t, run.Stats.ErrorMessage)
	assert.Contains(t, *run.Stats.ErrorMessage, "remote api unavailable")
}

func TestOrchestrator_RunFailsOnMidStreamError(t *testing.T) {
	ctx := context.Background()

	conn := &fakeConnector{
		connType: content.ConnectorUpload,
		items: []fakeItem{
			uploadItem("a.md", "one"),
			{err: errors.New("stream reset")},
			uploadItem("c.md", "two"),
		},
	}
	env := newTestEnv(t, conn)
	job := env.enqueue(t, content.ConnectorUpload)

	require.NoError(t, env.orch.Run(ctx, job, env.scope))

	got, run, err := env.ledger.LatestForScope(ctx, env.scope.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.JobStatusPending, got.Status)
	assert.Equal(t, ledger.RunStatusFailed, run.Status)

	// 失敗した実行の統計にも打ち切りまでの処理件数が残る
	require.NotNil(t, run.Stats.Fetched)
	assert.Equal(t, 1, *run.Stats.Fetched)
	require.NotNil(t, run.Stats.Discovered)
	assert.Equal(t, 3, *run.Stats.Discovered)

	// 打ち切り前に取り込んだ分は永続化されている
	counts, err := env.store.CountsForScope(ctx, env.scope.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Sources)
}

func TestOrchestrator_RunMissingConnector(t *testing.T) {
	ctx := context.Background()

	env := newTestEnv(t, nil)
	job := env.enqueue(t, content.ConnectorDrive)

	require.NoError(t, env.orch.Run(ctx, job, env.scope))

	_, run, err := env.ledger.LatestForScope(ctx, env.scope.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.RunStatusFailed, run.Status)
	require.NotNil(t, run.Stats.ErrorMessage)
	assert.Contains(t, *run.Stats.ErrorMessage, "no connector registered")
}

func TestOrchestrator_RunDuplicateTriggerIsNoop(t *testing.T) {
	ctx := context.Background()

	conn := &fakeConnector{connType: content.ConnectorUpload}
	env := newTestEnv(t, conn)

	first := env.enqueue(t, content.ConnectorUpload)
	second := env.enqueue(t, content.ConnectorUpload)

	// 先行ジョブがスコープの running 枠を保持している
	_, err := env.ledger.Claim(ctx, first.ID)
	require.NoError(t, err)

	// 重複トリガーは成功扱いの no-op で、後続ジョブは pending のまま残る
	require.NoError(t, env.orch.Run(ctx, second, env.scope))

	got, err := env.ledger.JobsForScope(ctx, env.scope.ID, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	for _, j := range got {
		if j.ID == second.ID {
			assert.Equal(t, ledger.JobStatusPending, j.Status)
		}
	}
}
