package ingest

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/ragflow/chunking"
	"github.com/BaSui01/ragflow/embedding"
	"github.com/BaSui01/ragflow/store"
	"github.com/BaSui01/ragflow/types"
	"github.com/BaSui01/ragflow/vectorstore"
)

// 对指定内容的嵌入请求报错，用于单篇失败隔离
type flakyEmbedder struct {
	inner  embedding.Provider
	failOn string
}

func (f *flakyEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	for _, t := range texts {
		if strings.Contains(t, f.failOn) {
			return nil, errors.New("embedding backend rejected input")
		}
	}
	return f.inner.Embed(ctx, texts)
}

func (f *flakyEmbedder) Dimensions() int { return f.inner.Dimensions() }

func newTestIngestor(t *testing.T, embedder embedding.Provider) (*Ingestor, *store.Repository, *vectorstore.InMemoryStore) {
	t.Helper()
	repo, err := store.Open(store.Config{Path: ":memory:"}, nil)
	require.NoError(t, err)
	vectors := vectorstore.NewInMemoryStore(nil)
	selector := chunking.NewSelector(nil, nil, chunking.DefaultConfig(), nil)
	chunker := chunking.New(chunking.DefaultConfig())
	in := New(DefaultConfig(), repo, selector, chunker, embedder, vectors)
	return in, repo, vectors
}

func sampleDoc(id, filename, content string) *types.Document {
	return &types.Document{ID: id, Filename: filename, Content: content, Folder: "/manuals"}
}

func TestIngestLifecycle(t *testing.T) {
	in, repo, vectors := newTestIngestor(t, embedding.NewHashProvider(16))
	ctx := context.Background()

	doc := sampleDoc("d1", "hub_specs.md", "# Hub\n\nARM Cortex-A53, quad-core, 1.4GHz.\n\n## Memory\n\n1GB LPDDR4.")
	require.NoError(t, in.Ingest(ctx, doc))

	saved, err := repo.GetDocument(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, saved.Status)
	assert.NotEmpty(t, saved.Strategy)
	// 无 LLM 时策略选择走规则回退，原因要落在文档元数据里
	assert.Contains(t, saved.Metadata, chunking.MetaStrategyFallback)

	chunks, err := repo.GetChunks(ctx, "d1")
	require.NoError(t, err)
	require.NotEmpty(t, chunks)
	for i, c := range chunks {
		assert.Equal(t, i, c.Index)
		assert.Equal(t, "d1", c.DocumentID)
		assert.Equal(t, "hub_specs.md", c.Metadata[types.MetaFilename])
		assert.Equal(t, "/manuals", c.Metadata[types.MetaFolder])
	}

	count, err := vectors.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, len(chunks), count)
}

func TestIngestAssignsID(t *testing.T) {
	in, _, _ := newTestIngestor(t, embedding.NewHashProvider(16))

	doc := sampleDoc("", "note.txt", "short note content")
	require.NoError(t, in.Ingest(context.Background(), doc))
	assert.NotEmpty(t, doc.ID)
	assert.Equal(t, "txt", doc.FileType)
	assert.Equal(t, int64(len(doc.Content)), doc.FileSize)
}

func TestIngestMetadataOnlyDocument(t *testing.T) {
	in, repo, vectors := newTestIngestor(t, embedding.NewHashProvider(16))
	ctx := context.Background()

	doc := sampleDoc("d2", "placeholder.pdf", "")
	require.NoError(t, in.Ingest(ctx, doc))

	saved, err := repo.GetDocument(ctx, "d2")
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, saved.Status)

	count, err := vectors.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count, "metadata-only document must not index anything")
}

func TestIngestFailureRecordedOnDocument(t *testing.T) {
	embedder := &flakyEmbedder{inner: embedding.NewHashProvider(16), failOn: "poison"}
	in, repo, vectors := newTestIngestor(t, embedder)
	ctx := context.Background()

	doc := sampleDoc("d3", "bad.txt", "this document contains poison content")
	err := in.Ingest(ctx, doc)
	require.Error(t, err)
	assert.Equal(t, types.ErrIngestFailed, types.CodeOf(err))

	saved, gerr := repo.GetDocument(ctx, "d3")
	require.NoError(t, gerr)
	assert.Equal(t, types.StatusFailed, saved.Status)
	assert.Contains(t, saved.Metadata["error"], "embedding")

	count, cerr := vectors.Count(ctx)
	require.NoError(t, cerr)
	assert.Zero(t, count)
}

func TestIngestAllIsolatesFailures(t *testing.T) {
	embedder := &flakyEmbedder{inner: embedding.NewHashProvider(16), failOn: "poison"}
	in, repo, _ := newTestIngestor(t, embedder)
	ctx := context.Background()

	docs := []*types.Document{
		sampleDoc("a", "a.txt", "first healthy document body"),
		sampleDoc("b", "b.txt", "contains poison and must fail"),
		sampleDoc("c", "c.txt", "second healthy document body"),
	}
	report := in.IngestAll(ctx, docs)

	assert.Equal(t, 2, report.Completed)
	require.Len(t, report.Failed, 1)
	assert.Contains(t, report.Failed, "b")

	for _, id := range []string{"a", "c"} {
		saved, err := repo.GetDocument(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, types.StatusCompleted, saved.Status)
	}
	saved, err := repo.GetDocument(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, saved.Status)
}

func TestDeleteCascades(t *testing.T) {
	in, repo, vectors := newTestIngestor(t, embedding.NewHashProvider(16))
	ctx := context.Background()

	doc := sampleDoc("d4", "gone.md", "# Title\n\nbody paragraph one.\n\nbody paragraph two.")
	require.NoError(t, in.Ingest(ctx, doc))
	require.NoError(t, in.Delete(ctx, "d4"))

	_, err := repo.GetDocument(ctx, "d4")
	assert.Equal(t, types.ErrDocumentNotFound, types.CodeOf(err))

	count, err := vectors.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)

	chunks, err := repo.GetChunks(ctx, "d4")
	require.NoError(t, err)
	assert.Empty(t, chunks)
}

func TestChunkTagPropagation(t *testing.T) {
	in, repo, _ := newTestIngestor(t, embedding.NewHashProvider(16))
	ctx := context.Background()

	doc := sampleDoc("d5", "tagged.txt", "tagged document body text")
	doc.Metadata = map[string]any{types.MetaTags: []string{"hardware", "specs"}}
	require.NoError(t, in.Ingest(ctx, doc))

	chunks, err := repo.GetChunks(ctx, "d5")
	require.NoError(t, err)
	require.NotEmpty(t, chunks)
	assert.Equal(t, []string{"hardware", "specs"}, chunks[0].Tags())
}
