package content

import (
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// === Content集約: Source（ルート）+ SourceVersion + Chunk ===

// ConnectorType は外部ソースの種別を表す
type ConnectorType string

const (
	ConnectorUpload     ConnectorType = "upload"
	ConnectorDrive      ConnectorType = "drive"
	ConnectorConfluence ConnectorType = "confluence"
	ConnectorJira       ConnectorType = "jira"
	ConnectorSlack      ConnectorType = "slack"
)

// IsValid は既知のコネクタ種別かどうかを判定する
func (t ConnectorType) IsValid() bool {
	switch t {
	case ConnectorUpload, ConnectorDrive, ConnectorConfluence, ConnectorJira, ConnectorSlack:
		return true
	}
	return false
}

// MetadataScopeKey はソースメタデータに必ず含める同期スコープ参照のキー
const MetadataScopeKey = "scopeID"

// SourceMetadata はコネクタ固有の自由形式メタデータを表す
type SourceMetadata map[string]any

// ScopeID はメタデータから同期スコープ参照を取り出す
func (m SourceMetadata) ScopeID() string {
	if m == nil {
		return ""
	}
	s, _ := m[MetadataScopeKey].(string)
	return s
}

// Source は外部の論理ドキュメント/アイテムを表す
// (connectorType, externalID) で同一性を判定し、同期で削除されることはない
type Source struct {
	ID            uuid.UUID      `json:"id"`
	WorkspaceID   uuid.UUID      `json:"workspaceID"`
	UserID        uuid.UUID      `json:"userID"`
	ConnectorType ConnectorType  `json:"connectorType"`
	ExternalID    string         `json:"externalID"`
	Title         string         `json:"title"`
	ContentHash   string         `json:"contentHash"` // 現在のアクティブ版のハッシュ
	Metadata      SourceMetadata `json:"metadata"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
}

// SourceVersion はソース内容のある時点の不変スナップショットを表す
// 各ソースにつきアクティブな版は常にちょうど1つ
type SourceVersion struct {
	ID            uuid.UUID `json:"id"`
	SourceID      uuid.UUID `json:"sourceID"`
	VersionNumber int       `json:"versionNumber"` // ソースごとに1から単調増加
	ContentHash   string    `json:"contentHash"`
	IsActive      bool      `json:"isActive"`
	CharCount     int       `json:"charCount"`
	IngestedAt    time.Time `json:"ingestedAt"`
}

// Chunk は SourceVersion に属する分割済みテキストを表す
// 版が置き換えられてもチャンクは履歴・引用のために保持される
type Chunk struct {
	ID         uuid.UUID `json:"id"`
	VersionID  uuid.UUID `json:"versionID"`
	Seq        int       `json:"seq"` // 版内で0始まりの連番
	Content    string    `json:"content"`
	TokenCount int       `json:"tokenCount"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Segment は分割ポリシーが生成するチャンク素材を表す
type Segment struct {
	Content    string
	TokenCount int
}

// Segmenter はテキストをチャンク素材へ分割する差し替え可能なポリシー
type Segmenter interface {
	Segment(text string) ([]Segment, error)
}

// HashContent はコンテンツの変更検知に使う決定的なダイジェストを計算する
func HashContent(data []byte) string {
	return fmt.Sprintf("%x", sha256.Sum256(data))
}
