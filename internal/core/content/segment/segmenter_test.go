package segment_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jinford/kb-sync/internal/core/content/segment"
)

// newSegmenter はエンコーダを初期化する。初回はトークナイザ辞書の
// 取得が必要なため、オフライン環境ではスキップする
func newSegmenter(t *testing.T, opts ...segment.Option) *segment.Segmenter {
	t.Helper()
	s, err := segment.New(opts...)
	if err != nil {
		t.Skipf("tiktoken encoder unavailable: %v", err)
	}
	return s
}

func TestSegmenter_EmptyText(t *testing.T) {
	s := newSegmenter(t)

	for _, text := range []string{"", "   ", "\n\n\n"} {
		segments, err := s.Segment(text)
		require.NoError(t, err)
		assert.Empty(t, segments)
	}
}

func TestSegmenter_PacksParagraphsWithinTarget(t *testing.T) {
	s := newSegmenter(t)

	// 2つの短い段落は1セグメントに詰められ、段落境界は保持される
	text := "first paragraph here.\n\nsecond paragraph here."
	segments, err := s.Segment(text)
	require.NoError(t, err)

	require.Len(t, segments, 1)
	assert.Equal(t, "first paragraph here.\n\nsecond paragraph here.", segments[0].Content)
	assert.Positive(t, segments[0].TokenCount)
}

func TestSegmenter_SplitsAtTargetBudget(t *testing.T) {
	// 小さな予算を与えて段落単位の分割を強制する
	s := newSegmenter(t, segment.WithTokenBudget(8, 64))

	text := "alpha beta gamma delta epsilon.\n\nzeta eta theta iota kappa."
	segments, err := s.Segment(text)
	require.NoError(t, err)

	require.Len(t, segments, 2)
	assert.Equal(t, "alpha beta gamma delta epsilon.", segments[0].Content)
	assert.Equal(t, "zeta eta theta iota kappa.", segments[1].Content)
}

func TestSegmenter_SplitsOversizedParagraph(t *testing.T) {
	s := newSegmenter(t, segment.WithTokenBudget(10, 20))

	// 最大予算を大きく超える単一段落（改行なし）はトークン窓で強制分割される
	text := strings.Repeat("lorem ipsum dolor sit amet ", 40)
	segments, err := s.Segment(text)
	require.NoError(t, err)

	require.Greater(t, len(segments), 1)
	for _, seg := range segments {
		assert.LessOrEqual(t, seg.TokenCount, 20)
		assert.NotEmpty(t, seg.Content)
	}
}

func TestSegmenter_NormalizesLineEndings(t *testing.T) {
	s := newSegmenter(t)

	segments, err := s.Segment("one\r\n\r\ntwo")
	require.NoError(t, err)

	require.Len(t, segments, 1)
	assert.NotContains(t, segments[0].Content, "\r")
}
