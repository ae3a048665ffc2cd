// Package memory はリポジトリのインメモリ実装を提供する
// 開発用ストレージドライバおよびユニットテストの代替として使う
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jinford/kb-sync/internal/core/content"
)

// ContentRepository は content.Repository のインメモリ実装
type ContentRepository struct {
	mu         sync.RWMutex
	sources    map[uuid.UUID]*content.Source
	byIdentity map[string]uuid.UUID
	versions   map[uuid.UUID][]*content.SourceVersion // sourceID -> 版番号順
	chunks     map[uuid.UUID][]*content.Chunk         // versionID -> seq順
}

// NewContentRepository は新しい ContentRepository を作成する
func NewContentRepository() *ContentRepository {
	return &ContentRepository{
		sources:    make(map[uuid.UUID]*content.Source),
		byIdentity: make(map[string]uuid.UUID),
		versions:   make(map[uuid.UUID][]*content.SourceVersion),
		chunks:     make(map[uuid.UUID][]*content.Chunk),
	}
}

// コンパイル時の型チェック
var _ content.Repository = (*ContentRepository)(nil)

func identityKey(workspaceID uuid.UUID, connectorType content.ConnectorType, externalID string) string {
	return fmt.Sprintf("%s|%s|%s", workspaceID, connectorType, externalID)
}

// CreateSourceIfNotExists は同一性キーで検索し、存在しなければ作成する（冪等）
func (r *ContentRepository) CreateSourceIfNotExists(ctx context.Context, params content.UpsertSourceParams) (*content.Source, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := identityKey(params.WorkspaceID, params.ConnectorType, params.ExternalID)
	if id, ok := r.byIdentity[key]; ok {
		return cloneSource(r.sources[id]), nil
	}

	now := time.Now()
	source := &content.Source{
		ID:            uuid.New(),
		WorkspaceID:   params.WorkspaceID,
		UserID:        params.UserID,
		ConnectorType: params.ConnectorType,
		ExternalID:    params.ExternalID,
		Title:         params.Title,
		Metadata:      cloneMetadata(params.Metadata),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	r.sources[source.ID] = source
	r.byIdentity[key] = source.ID

	return cloneSource(source), nil
}

// GetActiveVersion はアクティブな版を返す。存在しない場合は ErrNotFound
func (r *ContentRepository) GetActiveVersion(ctx context.Context, sourceID uuid.UUID) (*content.SourceVersion, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, v := range r.versions[sourceID] {
		if v.IsActive {
			return cloneVersion(v), nil
		}
	}
	return nil, content.ErrNotFound
}

// CreateVersionWithChunks は次の版番号で版とチャンクを書き込み、
// アクティブフラグを切り替える。ミューテックス保護下で単一の原子的な単位として実行される
func (r *ContentRepository) CreateVersionWithChunks(ctx context.Context, sourceID uuid.UUID, contentHash string, charCount int, chunks []content.ChunkPayload) (*content.SourceVersion, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	source, ok := r.sources[sourceID]
	if !ok {
		return nil, content.ErrNotFound
	}

	now := time.Now()
	versions := r.versions[sourceID]

	version := &content.SourceVersion{
		ID:            uuid.New(),
		SourceID:      sourceID,
		VersionNumber: len(versions) + 1,
		ContentHash:   contentHash,
		CharCount:     charCount,
		IngestedAt:    now,
	}

	stored := make([]*content.Chunk, len(chunks))
	for i, c := range chunks {
		stored[i] = &content.Chunk{
			ID:         uuid.New(),
			VersionID:  version.ID,
			Seq:        c.Seq,
			Content:    c.Content,
			TokenCount: c.TokenCount,
			CreatedAt:  now,
		}
	}

	// 全チャンクの書き込みが揃ってからアクティブフラグを切り替える
	for _, v := range versions {
		v.IsActive = false
	}
	version.IsActive = true

	r.versions[sourceID] = append(versions, version)
	r.chunks[version.ID] = stored
	source.ContentHash = contentHash
	source.UpdatedAt = now

	return cloneVersion(version), nil
}

// ListVersionsBySource は版番号の昇順で全版を返す
func (r *ContentRepository) ListVersionsBySource(ctx context.Context, sourceID uuid.UUID) ([]*content.SourceVersion, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	versions := r.versions[sourceID]
	out := make([]*content.SourceVersion, len(versions))
	for i, v := range versions {
		out[i] = cloneVersion(v)
	}
	return out, nil
}

// ListChunksByVersion は seq の昇順で版配下のチャンクを返す
func (r *ContentRepository) ListChunksByVersion(ctx context.Context, versionID uuid.UUID) ([]*content.Chunk, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	chunks := r.chunks[versionID]
	out := make([]*content.Chunk, len(chunks))
	for i, c := range chunks {
		cc := *c
		out[i] = &cc
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// CountsForScope はスコープに紐づくソース数とアクティブ版チャンク数を集計する
func (r *ContentRepository) CountsForScope(ctx context.Context, scopeID uuid.UUID) (content.ScopeCounts, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var counts content.ScopeCounts
	want := scopeID.String()

	for id, source := range r.sources {
		if source.Metadata.ScopeID() != want {
			continue
		}
		counts.Sources++

		for _, v := range r.versions[id] {
			if v.IsActive {
				counts.Chunks += len(r.chunks[v.ID])
			}
		}
	}
	return counts, nil
}

func cloneSource(s *content.Source) *content.Source {
	c := *s
	c.Metadata = cloneMetadata(s.Metadata)
	return &c
}

func cloneVersion(v *content.SourceVersion) *content.SourceVersion {
	c := *v
	return &c
}

func cloneMetadata(m content.SourceMetadata) content.SourceMetadata {
	if m == nil {
		return nil
	}
	c := make(content.SourceMetadata, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}
