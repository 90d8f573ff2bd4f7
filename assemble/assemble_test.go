package assemble

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/ragflow/types"
)

func candidate(id, docID, filename, content string) types.RetrievalCandidate {
	return types.RetrievalCandidate{
		Chunk: types.Chunk{
			ID:         id,
			DocumentID: docID,
			Content:    content,
			Metadata: map[string]any{
				types.MetaDocumentID: docID,
				types.MetaFilename:   filename,
			},
		},
		Similarity: 0.8,
	}
}

var markerRe = regexp.MustCompile(`\[(\d+)\]`)

// 引用一致性：上下文中的每个 [i] 都对应 Sources 里 Index==i 的唯一条目
func assertCitationConsistency(t *testing.T, result types.AssembledContext) {
	t.Helper()
	seen := map[int]bool{}
	for _, m := range markerRe.FindAllStringSubmatch(result.Context, -1) {
		i, err := strconv.Atoi(m[1])
		require.NoError(t, err)
		seen[i] = true
	}
	require.Len(t, seen, len(result.Sources), "marker count must match source count")
	for idx, src := range result.Sources {
		assert.Equal(t, idx+1, src.Index, "sources numbered sequentially from 1")
		assert.True(t, seen[src.Index], "source %d has no marker", src.Index)
	}
}

func TestAssembleEmptyCandidates(t *testing.T) {
	a := New(DefaultConfig(), nil)
	result := a.Assemble("any query", nil, nil)

	assert.Equal(t, types.NoRelevantDocuments, result.Context)
	assert.Empty(t, result.Sources)
	assert.Empty(t, result.DocumentIDs)
	assert.True(t, result.Empty())
}

func TestAssembleSingleSource(t *testing.T) {
	a := New(DefaultConfig(), nil)
	result := a.Assemble("What CPU does the hub use?", []types.RetrievalCandidate{
		candidate("c1", "smart_home_specs", "smart_home_specs.md", "ARM Cortex-A53, quad-core, 1.4GHz"),
	}, nil)

	assert.Contains(t, result.Context, "[1]")
	assert.Contains(t, result.Context, "ARM Cortex-A53")
	require.Len(t, result.Sources, 1)
	assert.Equal(t, "smart_home_specs", result.Sources[0].DocumentID)
	assert.Equal(t, []string{"smart_home_specs"}, result.DocumentIDs)
	assert.False(t, result.Truncated)
	assertCitationConsistency(t, result)
}

func TestAssembleSequentialNumbering(t *testing.T) {
	a := New(DefaultConfig(), nil)
	var cands []types.RetrievalCandidate
	for i := 0; i < 5; i++ {
		cands = append(cands, candidate(fmt.Sprintf("c%d", i), fmt.Sprintf("d%d", i%2), "f.md", fmt.Sprintf("content number %d", i)))
	}
	result := a.Assemble("q", cands, nil)

	require.Len(t, result.Sources, 5)
	assertCitationConsistency(t, result)
	assert.Equal(t, []string{"d0", "d1"}, result.DocumentIDs, "document ids unique, in order of appearance")
}

func TestAssembleBudgetDropsLowestRankedFirst(t *testing.T) {
	a := New(Config{MaxContextSize: 400, ExcerptLength: 50}, nil)
	cands := []types.RetrievalCandidate{
		candidate("c1", "d1", "a.md", strings.Repeat("top ranked content. ", 10)),  // ~200 字符
		candidate("c2", "d2", "b.md", strings.Repeat("second content. ", 10)),     // ~160 字符
		candidate("c3", "d3", "c.md", strings.Repeat("third content. ", 10)),      // 放不下
	}
	result := a.Assemble("q", cands, nil)

	assert.True(t, result.Truncated)
	require.NotEmpty(t, result.Sources)
	assert.Less(t, len(result.Sources), 3)
	// 被丢弃的候选不得留下引用编号
	assertCitationConsistency(t, result)
	assert.Equal(t, "d1", result.Sources[0].DocumentID, "highest ranked survives")
	assert.NotContains(t, result.Context, "third content")
}

func TestAssembleOversizeFirstChunkTruncates(t *testing.T) {
	a := New(Config{MaxContextSize: 300, ExcerptLength: 50}, nil)
	result := a.Assemble("q", []types.RetrievalCandidate{
		candidate("c1", "d1", "big.md", strings.Repeat("x", 5000)),
	}, nil)

	assert.True(t, result.Truncated, "mid-chunk truncation must be recorded")
	require.Len(t, result.Sources, 1)
	assert.Less(t, len(result.Context), 400)
	assertCitationConsistency(t, result)
}

func TestAssembleConversationShrinksBudget(t *testing.T) {
	a := New(Config{MaxContextSize: 600, ExcerptLength: 50}, nil)
	cands := []types.RetrievalCandidate{
		candidate("c1", "d1", "a.md", strings.Repeat("alpha ", 40)),
		candidate("c2", "d2", "b.md", strings.Repeat("beta ", 40)),
	}

	full := a.Assemble("q", cands, nil)
	squeezed := a.Assemble("q", cands, []string{strings.Repeat("history ", 60)})

	assert.False(t, full.Truncated)
	assert.True(t, squeezed.Truncated, "conversation history consumes budget")
	assert.Less(t, len(squeezed.Sources), len(full.Sources))
}

func TestAssembleSourceDescriptor(t *testing.T) {
	a := New(DefaultConfig(), nil)
	c := candidate("c1", "d1", "guide.md", "content here")
	c.Chunk.Metadata[types.MetaFolder] = "/manuals"
	c.Chunk.Metadata[types.MetaTags] = []string{"iot", "hw"}

	result := a.Assemble("q", []types.RetrievalCandidate{c}, nil)
	assert.Contains(t, result.Context, "Source: guide.md")
	assert.Contains(t, result.Context, "folder: /manuals")
	assert.Contains(t, result.Context, "tags: iot,hw")
	assert.Equal(t, "/manuals", result.Sources[0].Folder)
	assert.Equal(t, []string{"iot", "hw"}, result.Sources[0].Tags)
}

func TestAssembleFilenameFallsBackToDocumentID(t *testing.T) {
	a := New(DefaultConfig(), nil)
	c := types.RetrievalCandidate{Chunk: types.Chunk{ID: "c1", DocumentID: "doc-42", Content: "text"}}
	result := a.Assemble("q", []types.RetrievalCandidate{c}, nil)
	assert.Equal(t, "doc-42", result.Sources[0].Filename)
}
