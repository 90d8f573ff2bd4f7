package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
)

// Provider 文本向量化接口。
type Provider interface {
	// Embed 为每段文本返回一个向量，顺序与输入一致。
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	// Dimensions 返回向量维度。
	Dimensions() int
}

// HashProvider 确定性伪向量提供者。
// 向量由文本哈希展开并归一化，没有语义，但相同输入恒得相同输出，
// 足以支撑测试与离线冒烟场景。
type HashProvider struct {
	dims int
}

// NewHashProvider 创建哈希向量提供者。dims 非正时取 64。
func NewHashProvider(dims int) *HashProvider {
	if dims <= 0 {
		dims = 64
	}
	return &HashProvider{dims: dims}
}

func (h *HashProvider) Dimensions() int { return h.dims }

func (h *HashProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = h.embedOne(text)
	}
	return out, nil
}

func (h *HashProvider) embedOne(text string) []float32 {
	vec := make([]float32, h.dims)
	seed := sha256.Sum256([]byte(text))
	state := seed
	var norm float64
	for i := 0; i < h.dims; i++ {
		if i%4 == 0 && i > 0 {
			state = sha256.Sum256(state[:])
		}
		bits := binary.LittleEndian.Uint64(state[(i%4)*8 : (i%4)*8+8])
		// 映射到 [-1, 1)
		v := float32(int64(bits)) / float32(math.MaxInt64)
		vec[i] = v
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		inv := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= inv
		}
	}
	return vec
}
