// Package segment は content.Segmenter のデフォルト実装を提供する
package segment

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/pkoukk/tiktoken-go"

	"github.com/jinford/kb-sync/internal/core/content"
)

var paragraphSplitter = regexp.MustCompile(`\n\s*\n`)

// Segmenter はトークン予算に基づいてテキストを分割する
// 段落 → 行 → トークン窓 の順で粒度を落としながら予算内に収める
type Segmenter struct {
	encoder *tiktoken.Tiktoken

	targetTokens int // 目標トークン数（デフォルト: 800）
	maxTokens    int // 1セグメントの最大トークン数（デフォルト: 1600）
}

// Option は Segmenter のオプション設定
type Option func(*Segmenter)

// WithTokenBudget は目標/最大トークン数を上書きする
func WithTokenBudget(target, max int) Option {
	return func(s *Segmenter) {
		if target > 0 {
			s.targetTokens = target
		}
		if max > 0 {
			s.maxTokens = max
		}
	}
}

// New は新しい Segmenter を作成する
func New(opts ...Option) (*Segmenter, error) {
	// cl100k_base エンコーダを使用（下流の埋め込みモデルと互換）
	encoder, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return nil, fmt.Errorf("failed to get tiktoken encoder: %w", err)
	}

	s := &Segmenter{
		encoder:      encoder,
		targetTokens: 800,
		maxTokens:    1600,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// コンパイル時の型チェック
var _ content.Segmenter = (*Segmenter)(nil)

// Segment はテキストをチャンク素材へ分割する
// 空のテキストは空のスライスを返す
func (s *Segmenter) Segment(text string) ([]content.Segment, error) {
	normalized := strings.ReplaceAll(text, "\r\n", "\n")
	normalized = strings.TrimSpace(normalized)
	if normalized == "" {
		return []content.Segment{}, nil
	}

	paragraphs := paragraphSplitter.Split(normalized, -1)

	var segments []content.Segment
	var buf strings.Builder
	bufTokens := 0

	flush := func() {
		if buf.Len() == 0 {
			return
		}
		segments = append(segments, content.Segment{
			Content:    buf.String(),
			TokenCount: bufTokens,
		})
		buf.Reset()
		bufTokens = 0
	}

	for _, para := range paragraphs {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}

		tokens := s.countTokens(para)

		// 単独で最大予算を超える段落はさらに分割する
		if tokens > s.maxTokens {
			flush()
			segments = append(segments, s.splitOversized(para)...)
			continue
		}

		// 目標予算を超えるなら現在のバッファを確定してから積む
		if bufTokens > 0 && bufTokens+tokens > s.targetTokens {
			flush()
		}

		if buf.Len() > 0 {
			buf.WriteString("\n\n")
		}
		buf.WriteString(para)
		bufTokens += tokens
	}
	flush()

	return segments, nil
}

// splitOversized は最大予算を超える段落を行単位で詰め直し、
// それでも収まらない行はトークン窓で強制分割する
func (s *Segmenter) splitOversized(para string) []content.Segment {
	var segments []content.Segment
	var buf strings.Builder
	bufTokens := 0

	flush := func() {
		if buf.Len() == 0 {
			return
		}
		segments = append(segments, content.Segment{
			Content:    buf.String(),
			TokenCount: bufTokens,
		})
		buf.Reset()
		bufTokens = 0
	}

	for _, line := range strings.Split(para, "\n") {
		tokens := s.countTokens(line)

		if tokens > s.maxTokens {
			flush()
			segments = append(segments, s.splitByTokens(line)...)
			continue
		}

		if bufTokens > 0 && bufTokens+tokens > s.targetTokens {
			flush()
		}

		if buf.Len() > 0 {
			buf.WriteString("\n")
		}
		buf.WriteString(line)
		bufTokens += tokens
	}
	flush()

	return segments
}

// splitByTokens はトークン列を目標予算ごとの窓で切り出す
func (s *Segmenter) splitByTokens(text string) []content.Segment {
	ids := s.encoder.Encode(text, nil, nil)

	var segments []content.Segment
	for start := 0; start < len(ids); start += s.targetTokens {
		end := start + s.targetTokens
		if end > len(ids) {
			end = len(ids)
		}
		segments = append(segments, content.Segment{
			Content:    s.encoder.Decode(ids[start:end]),
			TokenCount: end - start,
		})
	}
	return segments
}

func (s *Segmenter) countTokens(text string) int {
	return len(s.encoder.Encode(text, nil, nil))
}
