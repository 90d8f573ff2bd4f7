package embedding

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/ragflow/types"
)

func TestHashProviderDeterministic(t *testing.T) {
	p := NewHashProvider(64)

	a, err := p.Embed(context.Background(), []string{"hello", "hello", "world"})
	require.NoError(t, err)
	require.Len(t, a, 3)
	assert.Equal(t, a[0], a[1], "same text must embed identically")
	assert.NotEqual(t, a[0], a[2], "different text must differ")
	assert.Len(t, a[0], 64)

	// 归一化
	var norm float64
	for _, v := range a[0] {
		norm += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-3)
}

func TestOpenAIProviderBatches(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		var req embeddingRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.LessOrEqual(t, len(req.Input), 2)

		resp := embeddingResponse{}
		// 乱序返回，验证按 index 归位
		for i := len(req.Input) - 1; i >= 0; i-- {
			resp.Data = append(resp.Data, embeddingData{Index: i, Embedding: []float32{float32(i), 1}})
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	p := NewOpenAIProvider(Config{BaseURL: server.URL, Model: "test", MaxBatch: 2, Dimensions: 2}, nil)
	vecs, err := p.Embed(context.Background(), []string{"a", "b", "c", "d", "e"})
	require.NoError(t, err)
	require.Len(t, vecs, 5)
	assert.Equal(t, int32(3), calls.Load(), "5 texts with batch 2 need 3 requests")
	assert.Equal(t, []float32{0, 1}, vecs[0])
	assert.Equal(t, []float32{1, 1}, vecs[1])
}

func TestOpenAIProviderCountMismatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(embeddingResponse{Data: []embeddingData{{Index: 0, Embedding: []float32{1}}}})
	}))
	defer server.Close()

	p := NewOpenAIProvider(Config{BaseURL: server.URL, MaxBatch: 10}, nil)
	_, err := p.Embed(context.Background(), []string{"a", "b"})
	require.Error(t, err)
	assert.Equal(t, types.ErrEmbeddingFailed, types.CodeOf(err))
}

func TestOpenAIProviderUpstreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]any{"error": map[string]string{"message": "bad key"}})
	}))
	defer server.Close()

	p := NewOpenAIProvider(Config{BaseURL: server.URL, MaxBatch: 10, MaxRetries: 0}, nil)
	_, err := p.Embed(context.Background(), []string{"a"})
	require.Error(t, err)
	assert.Equal(t, types.ErrEmbeddingFailed, types.CodeOf(err))
	assert.False(t, types.IsRetryable(err))
}

func TestOpenAIProviderRetriesServerError(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(embeddingResponse{Data: []embeddingData{{Index: 0, Embedding: []float32{1, 0}}}})
	}))
	defer server.Close()

	// 不显式设置 MaxRetries，验证构造函数的默认重试次数生效
	p := NewOpenAIProvider(Config{
		BaseURL:    server.URL,
		Model:      "test",
		Dimensions: 2,
		MaxBatch:   100,
		RateLimit:  100,
	}, nil)
	vecs, err := p.Embed(context.Background(), []string{"a"})
	require.NoError(t, err)
	require.Len(t, vecs, 1)
	assert.Equal(t, int32(2), calls.Load(), "first 500 must be retried")
}

func TestEmbedEmptyInput(t *testing.T) {
	p := NewOpenAIProvider(Config{BaseURL: "http://unused"}, nil)
	vecs, err := p.Embed(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, vecs)
}
