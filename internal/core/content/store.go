package content

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"unicode/utf8"

	"github.com/google/uuid"
)

// CommitResult は CommitVersion の結果を表す
type CommitResult struct {
	Version    *SourceVersion
	Created    bool // 新しい版を作成した場合のみ true
	ChunkCount int  // 新しい版に書き込んだチャンク数（Created=false のとき 0）
}

// VersionStore はソース/版/チャンクの永続化と重複排除のユースケースを提供する
type VersionStore struct {
	repo      Repository
	segmenter Segmenter
	logger    *slog.Logger
}

// VersionStoreOption は VersionStore のオプション設定
type VersionStoreOption func(*VersionStore)

// WithStoreLogger は VersionStore にロガーを設定する
func WithStoreLogger(logger *slog.Logger) VersionStoreOption {
	return func(s *VersionStore) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewVersionStore は新しい VersionStore を作成する
func NewVersionStore(repo Repository, segmenter Segmenter, opts ...VersionStoreOption) *VersionStore {
	s := &VersionStore{
		repo:      repo,
		segmenter: segmenter,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// UpsertSource は (connectorType, externalID) でソースを検索し、存在しなければ作成する
// 既存ソースが見つかった場合は内容を変更せずそのまま返す（同一性による冪等）
func (s *VersionStore) UpsertSource(ctx context.Context, params UpsertSourceParams) (*Source, error) {
	if !params.ConnectorType.IsValid() {
		return nil, fmt.Errorf("unknown connector type: %s", params.ConnectorType)
	}
	if params.ExternalID == "" {
		return nil, fmt.Errorf("external id is required")
	}
	if params.Metadata.ScopeID() == "" {
		return nil, fmt.Errorf("source metadata must include %q", MetadataScopeKey)
	}

	source, err := s.repo.CreateSourceIfNotExists(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert source: %w", err)
	}
	return source, nil
}

// CommitVersion はコンテンツハッシュを現在のアクティブ版と比較し、
// 一致する場合は書き込みなしで既存版を返す（内容不変の高速パス）。
// 異なる場合はテキストを分割して次の版番号で新しい版とチャンクを原子的に書き込む
func (s *VersionStore) CommitVersion(ctx context.Context, source *Source, contentHash string, text string) (*CommitResult, error) {
	if contentHash == "" {
		return nil, fmt.Errorf("content hash is required")
	}

	active, err := s.repo.GetActiveVersion(ctx, source.ID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("failed to get active version: %w", err)
	}

	// ハッシュ一致なら取り込みは no-op（冪等）
	if active != nil && active.ContentHash == contentHash {
		s.logger.Debug("content unchanged, skipping commit",
			"sourceID", source.ID,
			"version", active.VersionNumber,
		)
		return &CommitResult{Version: active, Created: false}, nil
	}

	segments, err := s.segmenter.Segment(text)
	if err != nil {
		return nil, fmt.Errorf("failed to segment content: %w", err)
	}

	chunks := make([]ChunkPayload, len(segments))
	for i, seg := range segments {
		chunks[i] = ChunkPayload{
			Seq:        i,
			Content:    seg.Content,
			TokenCount: seg.TokenCount,
		}
	}

	version, err := s.repo.CreateVersionWithChunks(ctx, source.ID, contentHash, utf8.RuneCountInString(text), chunks)
	if err != nil {
		return nil, fmt.Errorf("failed to commit version: %w", err)
	}

	s.logger.Info("committed new source version",
		"sourceID", source.ID,
		"version", version.VersionNumber,
		"chunks", len(chunks),
	)

	return &CommitResult{Version: version, Created: true, ChunkCount: len(chunks)}, nil
}

// CountsForScope はスコープに紐づくソース数とアクティブ版チャンク数を返す
// 読み取り専用であり、他スコープからの並行書き込みの影響を受けない
func (s *VersionStore) CountsForScope(ctx context.Context, scopeID uuid.UUID) (ScopeCounts, error) {
	counts, err := s.repo.CountsForScope(ctx, scopeID)
	if err != nil {
		return ScopeCounts{}, fmt.Errorf("failed to count scope contents: %w", err)
	}
	return counts, nil
}

// VersionsBySource は版番号の昇順で全版を返す
func (s *VersionStore) VersionsBySource(ctx context.Context, sourceID uuid.UUID) ([]*SourceVersion, error) {
	return s.repo.ListVersionsBySource(ctx, sourceID)
}

// ChunksByVersion は seq の昇順で版配下のチャンクを返す
func (s *VersionStore) ChunksByVersion(ctx context.Context, versionID uuid.UUID) ([]*Chunk, error) {
	return s.repo.ListChunksByVersion(ctx, versionID)
}
