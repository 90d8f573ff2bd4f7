package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Key 从操作名和语义输入生成确定性缓存键。
// 输入先做归一化（去首尾空白、压缩空格、小写），再整体 sha256，
// 保证相同语义的调用产生相同的键；绝不掺入时间或随机值。
func Key(op string, parts ...string) string {
	h := sha256.New()
	h.Write([]byte(op))
	for _, p := range parts {
		h.Write([]byte{0}) // 字段分隔，防止拼接歧义
		h.Write([]byte(normalize(p)))
	}
	sum := h.Sum(nil)
	return op + ":" + hex.EncodeToString(sum[:16])
}

// normalize 归一化语义输入。
func normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.Join(strings.Fields(s), " ")
}
