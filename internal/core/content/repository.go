package content

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrNotFound は対象レコードが存在しないことを表す
var ErrNotFound = errors.New("record not found")

// UpsertSourceParams はソースの find-or-create に必要な情報をまとめる
type UpsertSourceParams struct {
	WorkspaceID   uuid.UUID
	UserID        uuid.UUID
	ConnectorType ConnectorType
	ExternalID    string
	Title         string
	Metadata      SourceMetadata
}

// ChunkPayload は新しい版と一緒に書き込むチャンク素材
type ChunkPayload struct {
	Seq        int
	Content    string
	TokenCount int
}

// ScopeCounts はスコープ単位の集計値
type ScopeCounts struct {
	Sources int `json:"sources"`
	Chunks  int `json:"chunks"`
}

// Repository はコンテンツ集約のデータアクセスを統合するインターフェース
// テスト時のモック用に消費者側で定義する
type Repository interface {
	// (workspace, connectorType, externalID) で検索し、存在しなければ作成する（冪等）
	CreateSourceIfNotExists(ctx context.Context, params UpsertSourceParams) (*Source, error)

	// アクティブな版を返す。存在しない場合は ErrNotFound
	GetActiveVersion(ctx context.Context, sourceID uuid.UUID) (*SourceVersion, error)

	// 次の版番号で新しい版とその全チャンクを書き込み、アクティブフラグを
	// 旧版から新版へ切り替える。全体が単一の原子的な単位で実行されること
	CreateVersionWithChunks(ctx context.Context, sourceID uuid.UUID, contentHash string, charCount int, chunks []ChunkPayload) (*SourceVersion, error)

	// 版番号の昇順で全版を返す
	ListVersionsBySource(ctx context.Context, sourceID uuid.UUID) ([]*SourceVersion, error)

	// seq の昇順で版配下のチャンクを返す
	ListChunksByVersion(ctx context.Context, versionID uuid.UUID) ([]*Chunk, error)

	// スコープに紐づくソース数とアクティブ版チャンク数を集計する（読み取り専用）
	CountsForScope(ctx context.Context, scopeID uuid.UUID) (ScopeCounts, error)
}
