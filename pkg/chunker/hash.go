package chunker

import (
	"encoding/hex"
	"fmt"

	"github.com/minio/sha256-simd"
)

// HashSize SHA-256 摘要长度
const HashSize = sha256.Size

// Hash 是 chunk 内容的 SHA-256 摘要，文本形式为小写 hex
type Hash [HashSize]byte

// Digest 计算 data 的摘要，整个系统只使用这一个摘要函数
func Digest(data []byte) Hash {
	return sha256.Sum256(data)
}

// DigestPair 计算 left ‖ right 的摘要，用于 merkle 内部节点
func DigestPair(left, right Hash) Hash {
	h := sha256.New()
	h.Write(left[:])
	h.Write(right[:])
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// ParseHash 解析 64 个字符的 hex 字符串
func ParseHash(s string) (Hash, error) {
	var h Hash
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("invalid hash %q: %w", s, err)
	}
	if len(b) != HashSize {
		return h, fmt.Errorf("invalid hash %q: expected %d bytes, got %d", s, HashSize, len(b))
	}
	copy(h[:], b)
	return h, nil
}

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// Short 返回前 8 个 hex 字符，仅用于日志
func (h Hash) Short() string {
	return h.String()[:8]
}

func (h Hash) IsZero() bool {
	return h == Hash{}
}

func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := ParseHash(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}
