package types

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRelevanceFromDistance(t *testing.T) {
	cases := []struct {
		distance float64
		want     float64
	}{
		{0, 1},
		{0.3, 0.7},
		{1, 0},
		{1.5, 0},  // 余弦距离可超 1，裁剪到 0
		{-0.2, 1}, // 数值误差导致的负距离裁剪到 1
	}
	for _, tc := range cases {
		assert.InDelta(t, tc.want, RelevanceFromDistance(tc.distance), 1e-9,
			"distance=%v", tc.distance)
	}
}

func TestErrorRetryability(t *testing.T) {
	assert.True(t, IsRetryable(NewError(ErrTimeout, "t")))
	assert.True(t, IsRetryable(NewError(ErrUpstreamError, "u")))
	assert.False(t, IsRetryable(NewError(ErrMalformedJudge, "m")))
	assert.False(t, IsRetryable(NewError(ErrInvalidConfig, "c")))
	assert.False(t, IsRetryable(errors.New("plain")))
}

func TestCodeOfUnwrapsChain(t *testing.T) {
	inner := NewError(ErrEmbeddingFailed, "backend down")
	wrapped := fmt.Errorf("ingest: %w", WrapError(ErrIngestFailed, "doc x", inner))
	assert.Equal(t, ErrIngestFailed, CodeOf(wrapped))
	assert.Equal(t, ErrInternalError, CodeOf(errors.New("plain")))
}

func TestChunkTagsAcceptVariants(t *testing.T) {
	c := Chunk{Metadata: map[string]any{MetaTags: []any{"a", "b"}}}
	assert.Equal(t, []string{"a", "b"}, c.Tags())

	c.Metadata[MetaTags] = "x,y"
	assert.Equal(t, []string{"x", "y"}, c.Tags())

	c.Metadata = nil
	assert.Nil(t, c.Tags())
}

func TestRelevanceOrSimilarity(t *testing.T) {
	r := 0.9
	withScore := RetrievalCandidate{Similarity: 0.5, Relevance: &r}
	assert.Equal(t, 0.9, withScore.RelevanceOrSimilarity())

	unscored := RetrievalCandidate{Similarity: 0.5}
	assert.Equal(t, 0.5, unscored.RelevanceOrSimilarity())
}

func TestAssembledContextEmpty(t *testing.T) {
	sentinel := AssembledContext{Context: NoRelevantDocuments}
	assert.True(t, sentinel.Empty())

	populated := AssembledContext{
		Context: "[1] something",
		Sources: []Source{{Index: 1, DocumentID: "d1"}},
	}
	assert.False(t, populated.Empty())
}
