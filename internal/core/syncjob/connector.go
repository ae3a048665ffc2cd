// Package syncjob は同期ジョブのオーケストレーションを提供する
// コネクタの収集ロジックは capability インターフェースの背後にあり、
// オーケストレータはこのインターフェースに対して一度だけ書かれる
package syncjob

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/jinford/kb-sync/internal/core/content"
)

// Scope は同期対象（接続アカウント + 選択設定）を表す
// 資格情報の管理は外部コラボレータの責務であり、ここでは参照のみを持つ
type Scope struct {
	ID          uuid.UUID
	WorkspaceID uuid.UUID
	UserID      uuid.UUID
	Settings    map[string]any
}

// ContentItem はコネクタが産出する1件のコンテンツを表す
type ContentItem struct {
	ExternalID string         // コネクタ種別内で安定した外部ID
	Title      string         // 表示タイトル
	Content    []byte         // コンテンツ本文
	Metadata   map[string]any // コネクタ固有のメタデータ
}

// ItemStream は有限のコンテンツ列を遅延的に引き出すストリーム
// 実行途中の checkpoint は持たず、再開は同期全体の再実行によってのみ行う
type ItemStream interface {
	// Total は総件数が事前に分かる場合にそれを返す
	Total() (int, bool)

	// Next は次のアイテムを返す。列の終端では io.EOF を返す
	// 1件単位で回復可能な失敗は *ItemError を返してよい
	Next(ctx context.Context) (*ContentItem, error)

	Close() error
}

// Connector はコネクタ種別ごとの具体的な収集実装を提供するインターフェース
// Drive、Confluence、Jira、Slack など複数のコネクタに対応するための拡張ポイント
type Connector interface {
	// Type はコネクタ種別を返す
	Type() content.ConnectorType

	// Fetch はスコープのコンテンツストリームを開く
	Fetch(ctx context.Context, scope Scope) (ItemStream, error)
}

// ItemError は1件単位の取得失敗を表す
// ストリームの契約上許される場合、オーケストレータは記録してスキップする
type ItemError struct {
	ExternalID string
	Err        error
}

func (e *ItemError) Error() string {
	return fmt.Sprintf("failed to fetch item %s: %v", e.ExternalID, e.Err)
}

func (e *ItemError) Unwrap() error {
	return e.Err
}
