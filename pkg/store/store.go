// Package store 提供内容寻址的本地 chunk 存储
//
// 核心功能:
//   - Get: 按哈希读取 chunk，不存在返回 ErrNotFound
//   - Put: 重新计算摘要，不一致返回 ErrCorrupt；重复写入相同内容是无操作
//   - Exists: 判断 chunk 是否存在
//
// 并发模型:
//   - 不同 key 的写入互不影响，无需跨 key 加锁
//   - 同一 key 的并发写入要么都以相同字节成功，要么其中一个被判定为 Corrupt
//   - 写入先落到临时文件再 rename，读者不会看到不完整的 chunk
package store

import (
	"context"
	"errors"

	"subfileExchange/pkg/chunker"
)

var (
	// ErrNotFound 本地没有该 chunk
	ErrNotFound = errors.New("chunk not found")
	// ErrCorrupt 字节与声明的哈希不一致
	ErrCorrupt = errors.New("chunk corrupt")
)

// ChunkStore 内容寻址存储接口
type ChunkStore interface {
	Get(ctx context.Context, hash chunker.Hash) ([]byte, error)
	Put(ctx context.Context, hash chunker.Hash, data []byte) error
	Exists(ctx context.Context, hash chunker.Hash) (bool, error)
}
