// Package localfs はローカルファイルシステムをアップロード元とするコネクタを提供する
// スコープごとのドロップディレクトリ（root/<scopeID>）配下のテキストファイルを収集する
package localfs

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-enry/go-enry/v2"
	gitignore "github.com/sabhiram/go-gitignore"

	"github.com/jinford/kb-sync/internal/core/content"
	"github.com/jinford/kb-sync/internal/core/syncjob"
)

// ignoreFileName はドロップディレクトリ直下に置ける除外パターンファイル
const ignoreFileName = ".syncignore"

// Connector は upload コネクタの実装
type Connector struct {
	root string
}

// NewConnector はドロップディレクトリのルートを指定してコネクタを作成する
func NewConnector(root string) *Connector {
	return &Connector{root: root}
}

// コンパイル時の型チェック
var _ syncjob.Connector = (*Connector)(nil)

// Type はコネクタ種別を返す
func (c *Connector) Type() content.ConnectorType {
	return content.ConnectorUpload
}

// Fetch はスコープのドロップディレクトリを走査し、アイテムストリームを開く
// ディレクトリが存在しない場合は空のストリームを返す（未投入のスコープは正常系）
func (c *Connector) Fetch(ctx context.Context, scope syncjob.Scope) (syncjob.ItemStream, error) {
	dir := filepath.Join(c.root, scope.ID.String())

	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return &itemStream{dir: dir}, nil
		}
		return nil, fmt.Errorf("failed to stat drop directory: %w", err)
	}

	ignorer, err := loadIgnorer(dir)
	if err != nil {
		return nil, err
	}

	// 走査時に除外とバイナリ判定を済ませ、Total を正確な件数にする
	var paths []string
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, relErr := filepath.Rel(dir, path)
		if relErr != nil {
			return relErr
		}
		if d.IsDir() {
			if rel != "." && (ignorer.MatchesPath(rel) || strings.HasPrefix(d.Name(), ".")) {
				return filepath.SkipDir
			}
			return nil
		}
		if rel == ignoreFileName || ignorer.MatchesPath(rel) || strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		if isBinary(path) {
			return nil
		}
		paths = append(paths, rel)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk drop directory: %w", err)
	}

	return &itemStream{dir: dir, paths: paths}, nil
}

// loadIgnorer は .syncignore のパターンを読み込む。ファイルがなければ空のマッチャを返す
func loadIgnorer(dir string) (*gitignore.GitIgnore, error) {
	path := filepath.Join(dir, ignoreFileName)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return gitignore.CompileIgnoreLines(), nil
		}
		return nil, fmt.Errorf("failed to stat %s: %w", ignoreFileName, err)
	}

	ignorer, err := gitignore.CompileIgnoreFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to compile %s: %w", ignoreFileName, err)
	}
	return ignorer, nil
}

// isBinary は先頭8KBのサンプルでバイナリファイルかどうかを判定する
func isBinary(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		// 読めないファイルは走査対象に残し、Next で *ItemError として報告する
		return false
	}
	defer f.Close()

	sample := make([]byte, 8*1024)
	n, err := f.Read(sample)
	if err != nil && err != io.EOF {
		return false
	}
	return enry.IsBinary(sample[:n])
}

// itemStream はドロップディレクトリ配下のファイルを遅延読み込みで産出する
type itemStream struct {
	dir   string
	paths []string
	pos   int
}

// コンパイル時の型チェック
var _ syncjob.ItemStream = (*itemStream)(nil)

// Total は走査済みのファイル件数を返す
func (s *itemStream) Total() (int, bool) {
	return len(s.paths), true
}

// Next は次のファイルを読み込んで返す
// 読み込みに失敗したファイルは *ItemError として報告し、列は継続する
func (s *itemStream) Next(ctx context.Context) (*syncjob.ContentItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.pos >= len(s.paths) {
		return nil, io.EOF
	}

	rel := s.paths[s.pos]
	s.pos++

	data, err := os.ReadFile(filepath.Join(s.dir, rel))
	if err != nil {
		return nil, &syncjob.ItemError{ExternalID: filepath.ToSlash(rel), Err: err}
	}

	externalID := filepath.ToSlash(rel)
	return &syncjob.ContentItem{
		ExternalID: externalID,
		Title:      filepath.Base(rel),
		Content:    data,
		Metadata: map[string]any{
			"path": externalID,
			"size": len(data),
		},
	}, nil
}

func (s *itemStream) Close() error {
	return nil
}
