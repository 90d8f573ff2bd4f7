package chunking

import (
	"strings"
	"sync"
	"unicode"

	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"
)

// Tokenizer 计量文本的 token 数，供 token 策略和选择器使用。
type Tokenizer interface {
	// CountTokens 返回 text 的 token 数，实现必须总是返回可用的估计值。
	CountTokens(text string) int
	// Model 返回计量所基于的模型名。
	Model() string
}

// =============================================================================
// 🔢 Tiktoken tokenizer
// =============================================================================

// TiktokenTokenizer 基于 tiktoken 的精确 token 计数。
// 编码器懒加载；加载或编码失败时回退到字符估算，不向调用方暴露错误。
type TiktokenTokenizer struct {
	model    string
	logger   *zap.Logger
	fallback *EstimatorTokenizer

	mu       sync.Mutex
	encoding *tiktoken.Tiktoken
	loadErr  error
	loaded   bool
}

// NewTiktokenTokenizer 创建 tiktoken 计数器。model 为空时使用 gpt-4o。
func NewTiktokenTokenizer(model string, logger *zap.Logger) *TiktokenTokenizer {
	if model == "" {
		model = "gpt-4o"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TiktokenTokenizer{
		model:    model,
		logger:   logger.With(zap.String("component", "tokenizer")),
		fallback: NewEstimatorTokenizer(),
	}
}

func (t *TiktokenTokenizer) Model() string { return t.model }

func (t *TiktokenTokenizer) CountTokens(text string) int {
	if text == "" {
		return 0
	}
	enc := t.load()
	if enc == nil {
		return t.fallback.CountTokens(text)
	}
	tokens := enc.Encode(text, nil, nil)
	return len(tokens)
}

func (t *TiktokenTokenizer) load() *tiktoken.Tiktoken {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.loaded {
		return t.encoding
	}
	t.loaded = true
	enc, err := tiktoken.EncodingForModel(t.model)
	if err != nil {
		// 未知模型退到 cl100k_base，仍失败则永久使用估算器
		enc, err = tiktoken.GetEncoding("cl100k_base")
	}
	if err != nil {
		t.loadErr = err
		t.logger.Warn("tiktoken encoding unavailable, using estimator",
			zap.String("model", t.model),
			zap.Error(err))
		return nil
	}
	t.encoding = enc
	return enc
}

// =============================================================================
// 📏 估算 tokenizer
// =============================================================================

// EstimatorTokenizer 无依赖的 token 估算器。
// 拉丁文按 ~4 字符/token，CJK 按 ~1.5 字符/token 估算。
type EstimatorTokenizer struct{}

func NewEstimatorTokenizer() *EstimatorTokenizer { return &EstimatorTokenizer{} }

func (e *EstimatorTokenizer) Model() string { return "estimator" }

func (e *EstimatorTokenizer) CountTokens(text string) int {
	if text == "" {
		return 0
	}
	var latin, cjk int
	for _, r := range text {
		if isCJK(r) {
			cjk++
		} else if !unicode.IsSpace(r) {
			latin++
		}
	}
	words := len(strings.Fields(text))
	// 拉丁部分取字符估算与词数的较大者，避免长单词低估
	latinTokens := latin / 4
	if words > latinTokens {
		latinTokens = words
	}
	total := latinTokens + cjk*2/3
	if total == 0 {
		total = 1
	}
	return total
}

func isCJK(r rune) bool {
	return unicode.Is(unicode.Han, r) ||
		unicode.Is(unicode.Hiragana, r) ||
		unicode.Is(unicode.Katakana, r) ||
		unicode.Is(unicode.Hangul, r)
}
