package exchange

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"subfileExchange/pkg/chunker"
	"subfileExchange/pkg/file"
	"subfileExchange/pkg/store"
)

// ErrSourceIncomplete 待提供的本地文件存在损坏或缺失的 chunk
var ErrSourceIncomplete = errors.New("source file incomplete")

// SeedFromFile 校验本地文件并将全部 chunk 写入存储
//
// 参数:
//   - chunks: 目标存储
//   - fs: 文件系统适配器，nil 时使用本地文件系统
//   - path: 与清单对应的本地文件
//   - m: 已校验的清单
//
// 返回值:
//   - error: 校验阶段任意 chunk 不是 Valid 时返回 ErrSourceIncomplete，此时不写入任何 chunk；
//     写入阶段读到的数据与清单不符（文件在校验后被修改）时同样返回 ErrSourceIncomplete，
//     此前已写入的 chunk 都通过了哈希校验
func SeedFromFile(ctx context.Context, chunks store.ChunkStore, fs file.FileSystemAdapter, path string, m *file.SubfileManifest) error {
	if fs == nil {
		fs = file.NewLocalFileSystemAdapter()
	}

	statuses, err := file.NewValidator(fs).ValidateLocal(path, m)
	if err != nil {
		return err
	}
	_, corrupt, missing := file.Summarize(statuses)
	if len(corrupt) > 0 || len(missing) > 0 {
		return fmt.Errorf("%w: %s has %d corrupt and %d missing chunks (first bad index %d)",
			ErrSourceIncomplete, path, len(corrupt), len(missing), firstIndex(corrupt, missing))
	}

	f, err := fs.Open(path)
	if err != nil {
		return fmt.Errorf("%w: open %s: %w", chunker.ErrIO, path, err)
	}
	defer f.Close()

	buf := make([]byte, m.ChunkSize)
	for i, hash := range m.ChunkHashes {
		if err := ctx.Err(); err != nil {
			return err
		}
		offset, length := m.ChunkRange(uint32(i))
		data := buf[:length]
		if _, err := f.ReadAt(data, offset); err != nil {
			return fmt.Errorf("%w: read chunk %d: %w", chunker.ErrIO, i, err)
		}
		if chunker.Digest(data) != hash {
			return fmt.Errorf("%w: %s chunk %d changed after validation", ErrSourceIncomplete, path, i)
		}
		if err := chunks.Put(ctx, hash, data); err != nil {
			return fmt.Errorf("store chunk %d: %w", i, err)
		}
	}

	logrus.WithFields(logrus.Fields{
		"contentId": m.ContentID,
		"path":      path,
		"chunks":    m.ChunkCount(),
	}).Info("Subfile seeded into chunk store")
	return nil
}

func firstIndex(a, b []uint32) uint32 {
	switch {
	case len(a) == 0:
		return b[0]
	case len(b) == 0 || a[0] < b[0]:
		return a[0]
	default:
		return b[0]
	}
}
