package judge

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/ragflow/internal/cache"
	"github.com/BaSui01/ragflow/types"
)

type mockLLM struct {
	replies []string
	err     error
	calls   int
	prompts []string
}

func (m *mockLLM) Complete(ctx context.Context, prompt string) (string, error) {
	m.prompts = append(m.prompts, prompt)
	m.calls++
	if m.err != nil {
		return "", m.err
	}
	if len(m.replies) == 0 {
		return "", errors.New("no scripted reply")
	}
	reply := m.replies[0]
	if len(m.replies) > 1 {
		m.replies = m.replies[1:]
	}
	return reply, nil
}

func candidatesFrom(similarities ...float64) []types.RetrievalCandidate {
	out := make([]types.RetrievalCandidate, len(similarities))
	for i, s := range similarities {
		out[i] = types.RetrievalCandidate{
			Chunk:      types.Chunk{ID: fmt.Sprintf("c%d", i), DocumentID: "d1", Content: fmt.Sprintf("content %d", i)},
			Similarity: s,
			Distance:   1 - s,
			Rank:       i,
		}
	}
	return out
}

func TestAnalyzeQuerySuccess(t *testing.T) {
	llm := &mockLLM{replies: []string{`{"complexity": "complex", "top_k": 15, "threshold": 0.5, "rerank": true, "justification": "multi-part"}`}}
	j := New(DefaultConfig(), llm)

	got := j.AnalyzeQuery(context.Background(), "Compare A and B and explain C", nil)
	assert.Equal(t, types.ComplexityComplex, got.Complexity)
	assert.Equal(t, 15, got.TopK)
	assert.InDelta(t, 0.5, got.Threshold, 1e-9)
	assert.True(t, got.Rerank)
}

func TestAnalyzeQueryFallbackDefaults(t *testing.T) {
	llm := &mockLLM{err: errors.New("judge down")}
	j := New(DefaultConfig(), llm)

	got := j.AnalyzeQuery(context.Background(), "What CPU does the hub use?", nil)
	assert.Equal(t, 10, got.TopK)
	assert.InDelta(t, 0.4, got.Threshold, 1e-9)
	assert.True(t, got.Rerank)
	assert.Contains(t, got.Justification, "defaults")
}

func TestAnalyzeQueryMalformedFallsBack(t *testing.T) {
	llm := &mockLLM{replies: []string{"I think this query is quite simple!"}}
	j := New(DefaultConfig(), llm)

	got := j.AnalyzeQuery(context.Background(), "short", nil)
	assert.Equal(t, 10, got.TopK)
}

func TestAnalyzeQuerySanitizesOutOfRange(t *testing.T) {
	llm := &mockLLM{replies: []string{`{"complexity": "galactic", "top_k": 500, "threshold": 3.0, "rerank": false}`}}
	j := New(DefaultConfig(), llm)

	got := j.AnalyzeQuery(context.Background(), "q", nil)
	assert.Equal(t, types.ComplexityModerate, got.Complexity)
	assert.Equal(t, 10, got.TopK)
	assert.InDelta(t, 0.4, got.Threshold, 1e-9)
}

func TestAnalyzeQueryCached(t *testing.T) {
	layer := cache.NewLayer(cache.Config{MaxEntries: 16, DefaultTTL: time.Minute}, nil)
	defer layer.Close()

	llm := &mockLLM{replies: []string{`{"complexity": "simple", "top_k": 5, "threshold": 0.4, "rerank": false}`}}
	j := New(DefaultConfig(), llm, WithCache(layer))

	first := j.AnalyzeQuery(context.Background(), "same query", nil)
	second := j.AnalyzeQuery(context.Background(), "same query", nil)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, llm.calls)
}

func TestAnalyzeQueryFallbackNotCached(t *testing.T) {
	layer := cache.NewLayer(cache.Config{MaxEntries: 16, DefaultTTL: time.Minute}, nil)
	defer layer.Close()

	llm := &mockLLM{err: errors.New("judge down")}
	j := New(DefaultConfig(), llm, WithCache(layer))

	degraded := j.AnalyzeQuery(context.Background(), "same query", nil)
	assert.Equal(t, 10, degraded.TopK)

	// 后端恢复后同一查询应重新裁决，而不是命中降级默认值
	llm.err = nil
	llm.replies = []string{`{"complexity": "simple", "top_k": 7, "threshold": 0.3, "rerank": false}`}
	recovered := j.AnalyzeQuery(context.Background(), "same query", nil)
	assert.Equal(t, 7, recovered.TopK)
	assert.Equal(t, 2, llm.calls)
}

func TestEvaluateChunksSuccess(t *testing.T) {
	llm := &mockLLM{replies: []string{`{"scores": [0.9, 0.2, 0.7], "needs_refinement": false, "justification": "good coverage"}`}}
	j := New(DefaultConfig(), llm)

	eval := j.EvaluateChunks(context.Background(), "q", candidatesFrom(0.8, 0.7, 0.6), 0.4)
	require.Len(t, eval.Scores, 3)
	assert.Equal(t, 2, eval.AboveThreshold)
	assert.False(t, eval.NeedsRefinement)
	assert.False(t, eval.JudgeUnavailable)
}

func TestEvaluateChunksPassThroughOnError(t *testing.T) {
	llm := &mockLLM{err: errors.New("timeout")}
	j := New(DefaultConfig(), llm)

	cands := candidatesFrom(0.8, 0.3)
	eval := j.EvaluateChunks(context.Background(), "q", cands, 0.4)
	require.Len(t, eval.Scores, 2)
	assert.True(t, eval.JudgeUnavailable)
	assert.False(t, eval.NeedsRefinement, "pass-through must not trigger refinement")
	assert.InDelta(t, 0.8, eval.Scores[0], 1e-9)
}

func TestEvaluateChunksScoreCountMismatch(t *testing.T) {
	llm := &mockLLM{replies: []string{`{"scores": [0.9], "needs_refinement": false}`}}
	j := New(DefaultConfig(), llm)

	eval := j.EvaluateChunks(context.Background(), "q", candidatesFrom(0.8, 0.7), 0.4)
	assert.True(t, eval.JudgeUnavailable, "wrong score count degrades to pass-through")
}

func TestEvaluateChunksCacheKeyedByThreshold(t *testing.T) {
	layer := cache.NewLayer(cache.Config{MaxEntries: 16, DefaultTTL: time.Minute}, nil)
	defer layer.Close()

	// 单条脚本回复会被重放，两次裁决拿到同一组分数
	llm := &mockLLM{replies: []string{`{"scores": [0.5, 0.2], "needs_refinement": false}`}}
	j := New(DefaultConfig(), llm, WithCache(layer))

	cands := candidatesFrom(0.8, 0.7)
	loose := j.EvaluateChunks(context.Background(), "q", cands, 0.4)
	strict := j.EvaluateChunks(context.Background(), "q", cands, 0.6)

	assert.Equal(t, 1, loose.AboveThreshold)
	assert.Equal(t, 0, strict.AboveThreshold, "changed threshold must not replay the cached verdict")
	assert.Equal(t, 2, llm.calls)
}

func TestEvaluateChunksRefinementSignals(t *testing.T) {
	// 无候选过阈 → needs_refinement 即使判官说 false
	llm := &mockLLM{replies: []string{`{"scores": [0.1, 0.2, 0.3], "needs_refinement": false}`}}
	j := New(DefaultConfig(), llm)
	eval := j.EvaluateChunks(context.Background(), "q", candidatesFrom(0.5, 0.5, 0.5), 0.4)
	assert.True(t, eval.NeedsRefinement)
	assert.Equal(t, 0, eval.AboveThreshold)

	// 分数扁平且平庸 → needs_refinement
	llm = &mockLLM{replies: []string{`{"scores": [0.45, 0.5, 0.48], "needs_refinement": false}`}}
	j = New(DefaultConfig(), llm)
	eval = j.EvaluateChunks(context.Background(), "q", candidatesFrom(0.5, 0.5, 0.5), 0.4)
	assert.True(t, eval.NeedsRefinement)
	assert.Contains(t, eval.Justification, "spread")
}

func TestEvaluateChunksEmptyCandidates(t *testing.T) {
	j := New(DefaultConfig(), nil)
	eval := j.EvaluateChunks(context.Background(), "q", nil, 0.4)
	assert.True(t, eval.NeedsRefinement)
}

func TestRefineQuerySuccess(t *testing.T) {
	llm := &mockLLM{replies: []string{`{"refined_query": "ARM Cortex CPU specification smart home hub"}`}}
	j := New(DefaultConfig(), llm)

	got := j.RefineQuery(context.Background(), "hub cpu?", types.RetrievalEvaluation{Justification: "weak"}, candidatesFrom(0.2))
	assert.Equal(t, "ARM Cortex CPU specification smart home hub", got)
}

func TestRefineQueryReturnsOriginalOnFailure(t *testing.T) {
	llm := &mockLLM{err: errors.New("down")}
	j := New(DefaultConfig(), llm)
	got := j.RefineQuery(context.Background(), "hub cpu?", types.RetrievalEvaluation{}, nil)
	assert.Equal(t, "hub cpu?", got)

	llm2 := &mockLLM{replies: []string{`{"refined_query": ""}`}}
	j2 := New(DefaultConfig(), llm2)
	got = j2.RefineQuery(context.Background(), "hub cpu?", types.RetrievalEvaluation{}, nil)
	assert.Equal(t, "hub cpu?", got)
}

func TestOptimizeContextReordersAndPrunes(t *testing.T) {
	llm := &mockLLM{replies: []string{`{"keep": [3, 1]}`}}
	j := New(DefaultConfig(), llm)

	cands := candidatesFrom(0.9, 0.8, 0.7)
	got := j.OptimizeContext(context.Background(), "q", cands)
	require.Len(t, got, 2)
	assert.Equal(t, "c2", got[0].Chunk.ID)
	assert.Equal(t, "c0", got[1].Chunk.ID)
}

func TestOptimizeContextFallsBackOnBadIndices(t *testing.T) {
	for _, reply := range []string{
		`{"keep": [9]}`,
		`{"keep": [1, 1]}`,
		`{"keep": []}`,
		`not json`,
	} {
		llm := &mockLLM{replies: []string{reply}}
		j := New(DefaultConfig(), llm)
		cands := candidatesFrom(0.9, 0.8)
		got := j.OptimizeContext(context.Background(), "q", cands)
		assert.Equal(t, cands, got, "reply %q must fall back to unchanged order", reply)
	}
}

func TestOptimizeContextSingleCandidateSkipsJudge(t *testing.T) {
	llm := &mockLLM{}
	j := New(DefaultConfig(), llm)
	cands := candidatesFrom(0.9)
	got := j.OptimizeContext(context.Background(), "q", cands)
	assert.Equal(t, cands, got)
	assert.Equal(t, 0, llm.calls)
}

func TestNilProviderNeverFails(t *testing.T) {
	j := New(DefaultConfig(), nil)
	ctx := context.Background()

	analysis := j.AnalyzeQuery(ctx, "q", nil)
	assert.Equal(t, 10, analysis.TopK)

	eval := j.EvaluateChunks(ctx, "q", candidatesFrom(0.6), 0.4)
	assert.True(t, eval.JudgeUnavailable)

	assert.Equal(t, "q", j.RefineQuery(ctx, "q", eval, nil))
}

func TestNewKeepsExplicitConfigFields(t *testing.T) {
	j := New(Config{DefaultThreshold: 0.7, RetrievalMargin: 2}, nil)
	assert.InDelta(t, 0.7, j.Threshold(), 1e-9, "explicit threshold survives defaulting")
	assert.Equal(t, 12, j.Margin(0), "defaulted top_k plus explicit margin")
}

func TestMargin(t *testing.T) {
	j := New(DefaultConfig(), nil)
	assert.Equal(t, 15, j.Margin(10))
	assert.Equal(t, 15, j.Margin(0), "zero hint uses default top_k")
}
