package judge

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/ragflow/internal/cache"
	"github.com/BaSui01/ragflow/types"
)

// =============================================================================
// ⚖️ EVALUATE
// =============================================================================

const evaluatePrompt = `You judge the topical relevance of retrieved passages for a RAG query. Topical relevance may diverge from embedding similarity, especially for ambiguous or jargon-heavy queries.

Query: %q

Passages:
%s

Score each passage 0.0-1.0 for how well it answers the query. Also decide whether retrieval should be refined (true when most passages miss the topic).

Respond with JSON only:
{"scores": [<one float per passage, in order>], "needs_refinement": <bool>, "justification": "<one sentence>"}`

// EvaluateChunks 为每个候选打主题相关性分并判断是否需要 refinement。
// judge 失败时评估降级为直通：分数取向量相似度，JudgeUnavailable 置位，
// 由编排器保持候选的向量顺序原样返回。
func (j *Judge) EvaluateChunks(ctx context.Context, query string, candidates []types.RetrievalCandidate, threshold float64) types.RetrievalEvaluation {
	if len(candidates) == 0 {
		return types.RetrievalEvaluation{NeedsRefinement: true, Justification: "no candidates retrieved"}
	}
	if threshold <= 0 {
		threshold = j.config.DefaultThreshold
	}

	key := evalCacheKey(query, candidates, threshold)
	if j.cache != nil {
		var cached types.RetrievalEvaluation
		if err := j.cache.GetJSON(ctx, key, &cached); err == nil && len(cached.Scores) == len(candidates) {
			j.recordCache("evaluate", true)
			return cached
		}
		j.recordCache("evaluate", false)
	}

	eval, err := j.askEvaluate(ctx, query, candidates, threshold)
	if err != nil {
		j.logger.Warn("evaluation degraded to pass-through",
			zap.String("query", query),
			zap.Int("candidates", len(candidates)),
			zap.Error(err))
		j.recordFallback("evaluate")
		return j.passThroughEvaluation(candidates, threshold)
	}

	if j.cache != nil {
		_ = j.cache.SetJSON(ctx, key, eval, j.config.CacheTTL)
	}
	return eval
}

// AboveThreshold 随阈值变化，阈值必须参与键
func evalCacheKey(query string, candidates []types.RetrievalCandidate, threshold float64) string {
	parts := make([]string, 0, len(candidates)+2)
	parts = append(parts, query, strconv.FormatFloat(threshold, 'f', -1, 64))
	for _, c := range candidates {
		parts = append(parts, c.Chunk.ID)
	}
	return cache.Key("evaluate_chunks", parts...)
}

func (j *Judge) askEvaluate(ctx context.Context, query string, candidates []types.RetrievalCandidate, threshold float64) (types.RetrievalEvaluation, error) {
	if j.provider == nil {
		return types.RetrievalEvaluation{}, types.NewError(types.ErrServiceUnavailable, "no judge provider")
	}
	j.recordCall("evaluate")

	var listing strings.Builder
	for i, c := range candidates {
		fmt.Fprintf(&listing, "[%d] %s\n\n", i+1, clip(strings.TrimSpace(c.Chunk.Content), 300))
	}
	raw, err := j.provider.Complete(ctx, fmt.Sprintf(evaluatePrompt, query, listing.String()))
	if err != nil {
		return types.RetrievalEvaluation{}, fmt.Errorf("evaluate chunks: %w", err)
	}

	var parsed struct {
		Scores          []float64 `json:"scores"`
		NeedsRefinement bool      `json:"needs_refinement"`
		Justification   string    `json:"justification"`
	}
	if err := json.Unmarshal([]byte(extractJSONObject(raw)), &parsed); err != nil {
		j.logger.Warn("malformed evaluate response", zap.String("raw", clip(raw, 300)))
		return types.RetrievalEvaluation{}, types.WrapError(types.ErrMalformedJudge, "unparseable evaluation", err)
	}
	if len(parsed.Scores) != len(candidates) {
		return types.RetrievalEvaluation{}, types.NewError(types.ErrMalformedJudge,
			fmt.Sprintf("expected %d scores, got %d", len(candidates), len(parsed.Scores)))
	}

	eval := types.RetrievalEvaluation{
		Scores:          make([]float64, len(parsed.Scores)),
		Justification:   parsed.Justification,
		NeedsRefinement: parsed.NeedsRefinement,
	}
	for i, s := range parsed.Scores {
		eval.Scores[i] = clamp01(s)
		if eval.Scores[i] >= threshold {
			eval.AboveThreshold++
		}
	}

	// 判官明示 verdict 之外的两个 refinement 信号：过阈候选太少、分数扁平
	if !eval.NeedsRefinement {
		if eval.AboveThreshold == 0 {
			eval.NeedsRefinement = true
			eval.Justification = appendReason(eval.Justification, "no candidates above threshold")
		} else if flatScores(eval.Scores) {
			eval.NeedsRefinement = true
			eval.Justification = appendReason(eval.Justification, "low score spread")
		}
	}
	return eval, nil
}

// passThroughEvaluation 直通评估：用向量相似度当相关性分，不触发 refinement。
func (j *Judge) passThroughEvaluation(candidates []types.RetrievalCandidate, threshold float64) types.RetrievalEvaluation {
	eval := types.RetrievalEvaluation{
		Scores:           make([]float64, len(candidates)),
		JudgeUnavailable: true,
		Justification:    "judge unavailable, similarity pass-through",
	}
	for i, c := range candidates {
		eval.Scores[i] = clamp01(c.Similarity)
		if eval.Scores[i] >= threshold {
			eval.AboveThreshold++
		}
	}
	return eval
}

func flatScores(scores []float64) bool {
	if len(scores) < 3 {
		return false
	}
	min, max, sum := scores[0], scores[0], 0.0
	for _, s := range scores {
		if s < min {
			min = s
		}
		if s > max {
			max = s
		}
		sum += s
	}
	mean := sum / float64(len(scores))
	return max-min < 0.15 && mean < 0.55
}

func appendReason(justification, reason string) string {
	if justification == "" {
		return reason
	}
	return justification + "; " + reason
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// =============================================================================
// ✏️ REFINE
// =============================================================================

const refinePrompt = `A RAG retrieval round returned weak results for this query. Rewrite the query to retrieve better passages: expand abbreviations, add likely-missing context terms, resolve ambiguity. Keep the user's intent.

Query: %q
Evaluation verdict: %s
Weak passages found (for contrast):
%s

Respond with JSON only:
{"refined_query": "<rewritten query>"}`

// RefineQuery 基于弱结果改写查询。改写仅用于一轮补充检索，
// 失败时返回原查询（调用方据此跳过 refinement）。
func (j *Judge) RefineQuery(ctx context.Context, query string, eval types.RetrievalEvaluation, weak []types.RetrievalCandidate) string {
	refined, err := j.askRefine(ctx, query, eval, weak)
	if err != nil {
		j.logger.Warn("query refinement skipped",
			zap.String("query", query),
			zap.Error(err))
		j.recordFallback("refine")
		return query
	}
	j.logger.Debug("query refined",
		zap.String("original", query),
		zap.String("refined", refined))
	return refined
}

func (j *Judge) askRefine(ctx context.Context, query string, eval types.RetrievalEvaluation, weak []types.RetrievalCandidate) (string, error) {
	if j.provider == nil {
		return "", types.NewError(types.ErrServiceUnavailable, "no judge provider")
	}
	j.recordCall("refine")

	var listing strings.Builder
	for i, c := range weak {
		if i == 3 {
			break
		}
		fmt.Fprintf(&listing, "- %s\n", clip(strings.TrimSpace(c.Chunk.Content), 150))
	}
	if listing.Len() == 0 {
		listing.WriteString("(none)")
	}

	raw, err := j.provider.Complete(ctx, fmt.Sprintf(refinePrompt, query, eval.Justification, listing.String()))
	if err != nil {
		return "", fmt.Errorf("refine query: %w", err)
	}

	var parsed struct {
		RefinedQuery string `json:"refined_query"`
	}
	if err := json.Unmarshal([]byte(extractJSONObject(raw)), &parsed); err != nil {
		return "", types.WrapError(types.ErrMalformedJudge, "unparseable refinement", err)
	}
	refined := strings.TrimSpace(parsed.RefinedQuery)
	if refined == "" || len(refined) > 500 {
		return "", types.NewError(types.ErrMalformedJudge, "refined query empty or oversized")
	}
	return refined, nil
}

// =============================================================================
// 🎯 OPTIMIZE
// =============================================================================

const optimizePrompt = `Final context-assembly pass for a RAG query. Passages below already passed relevance filtering. Aggressively prune low-value passages and order the rest best-first; smaller, more relevant context beats exhaustive context.

Query: %q

Passages:
%s

Respond with JSON only, listing the passage numbers to KEEP in priority order:
{"keep": [<passage numbers>]}`

// OptimizeContext 最终裁剪与重排。judge 失败时候选顺序原样保留。
func (j *Judge) OptimizeContext(ctx context.Context, query string, candidates []types.RetrievalCandidate) []types.RetrievalCandidate {
	if len(candidates) <= 1 {
		return candidates
	}
	keep, err := j.askOptimize(ctx, query, candidates)
	if err != nil {
		j.logger.Warn("context optimization skipped", zap.Error(err))
		j.recordFallback("optimize")
		return candidates
	}
	out := make([]types.RetrievalCandidate, 0, len(keep))
	for _, idx := range keep {
		out = append(out, candidates[idx])
	}
	j.logger.Debug("context optimized",
		zap.Int("before", len(candidates)),
		zap.Int("after", len(out)))
	return out
}

func (j *Judge) askOptimize(ctx context.Context, query string, candidates []types.RetrievalCandidate) ([]int, error) {
	if j.provider == nil {
		return nil, types.NewError(types.ErrServiceUnavailable, "no judge provider")
	}
	j.recordCall("optimize")

	var listing strings.Builder
	for i, c := range candidates {
		fmt.Fprintf(&listing, "[%d] %s\n\n", i+1, clip(strings.TrimSpace(c.Chunk.Content), 300))
	}
	raw, err := j.provider.Complete(ctx, fmt.Sprintf(optimizePrompt, query, listing.String()))
	if err != nil {
		return nil, fmt.Errorf("optimize context: %w", err)
	}

	var parsed struct {
		Keep []int `json:"keep"`
	}
	if err := json.Unmarshal([]byte(extractJSONObject(raw)), &parsed); err != nil {
		j.logger.Warn("malformed optimize response", zap.String("raw", clip(raw, 300)))
		return nil, types.WrapError(types.ErrMalformedJudge, "unparseable optimization", err)
	}
	if len(parsed.Keep) == 0 {
		// 全删视为畸形输出，宁可不裁剪也不能裁出空上下文
		return nil, types.NewError(types.ErrMalformedJudge, "optimizer kept nothing")
	}

	seen := make(map[int]bool, len(parsed.Keep))
	out := make([]int, 0, len(parsed.Keep))
	for _, n := range parsed.Keep {
		idx := n - 1
		if idx < 0 || idx >= len(candidates) || seen[idx] {
			return nil, types.NewError(types.ErrMalformedJudge,
				fmt.Sprintf("optimizer index %d out of range or duplicated", n))
		}
		seen[idx] = true
		out = append(out, idx)
	}
	return out, nil
}
