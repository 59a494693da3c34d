// Package chunker 提供固定大小的文件分块与内容哈希
//
// 核心功能:
//   - Split: 将字节流按固定大小切分为 chunk，每个 chunk 计算 SHA-256
//   - SplitFile: 按路径打开文件并分块
//   - Digest: 系统统一使用的摘要函数
//
// 分块规则:
//   - 相同的字节内容与 chunkSize 总是得到相同的 (index, hash) 序列
//   - 最后一个 chunk 可以短于 chunkSize，其哈希只覆盖实际字节
//   - 哈希输入不包含任何填充或元数据
//
// 使用示例:
//
//	chunks, err := chunker.SplitFile("/data/movie.bin", 1<<20)
//	if err != nil {
//	    return err
//	}
//	for _, c := range chunks {
//	    fmt.Println(c.Index, c.Hash)
//	}
package chunker

import (
	"errors"
	"fmt"
	"io"
	"os"
)

var (
	// ErrInvalidChunkSize chunkSize 必须为正数
	ErrInvalidChunkSize = errors.New("chunk size must be positive")
	// ErrIO 本地读写失败，只对单次操作致命
	ErrIO = errors.New("io error")
)

// Chunk 文件中一段连续字节的描述
type Chunk struct {
	Index  uint32
	Offset int64
	Length int
	Hash   Hash
	Data   []byte
}

// Split 从 r 中读取全部内容并按 chunkSize 切分
// 参数:
//   - r: 数据源
//   - chunkSize: 每个 chunk 的字节数
//
// 返回值:
//   - []Chunk: 按文件顺序排列的 chunk
//   - error: chunkSize 非法返回 ErrInvalidChunkSize，读取失败返回包装后的 ErrIO
func Split(r io.Reader, chunkSize int) ([]Chunk, error) {
	var chunks []Chunk
	err := Walk(r, chunkSize, func(c Chunk) error {
		data := make([]byte, len(c.Data))
		copy(data, c.Data)
		c.Data = data
		chunks = append(chunks, c)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return chunks, nil
}

// Walk 与 Split 相同，但逐个回调 chunk 而不保留数据。
// 回调中的 c.Data 在下一次回调前会被复用。
func Walk(r io.Reader, chunkSize int, fn func(c Chunk) error) error {
	if chunkSize <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidChunkSize, chunkSize)
	}
	if r == nil {
		return fmt.Errorf("%w: reader is nil", ErrIO)
	}

	buffer := make([]byte, chunkSize)
	var offset int64
	var index uint32

	for {
		n, err := io.ReadFull(r, buffer)
		if n > 0 {
			c := Chunk{
				Index:  index,
				Offset: offset,
				Length: n,
				Hash:   Digest(buffer[:n]),
				Data:   buffer[:n],
			}
			if cbErr := fn(c); cbErr != nil {
				return cbErr
			}
			index++
			offset += int64(n)
		}

		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: read chunk %d: %w", ErrIO, index, err)
		}
	}
}

// SplitFile 打开 path 并调用 Split
func SplitFile(path string, chunkSize int) ([]Chunk, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidChunkSize, chunkSize)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIO, err)
	}
	defer f.Close()

	return Split(f, chunkSize)
}

// Hashes 提取 chunk 的哈希序列
func Hashes(chunks []Chunk) []Hash {
	hashes := make([]Hash, len(chunks))
	for i, c := range chunks {
		hashes[i] = c.Hash
	}
	return hashes
}

// ChunkCount 返回 totalLength 字节按 chunkSize 切分后的 chunk 数量
func ChunkCount(totalLength int64, chunkSize int) int {
	if chunkSize <= 0 || totalLength <= 0 {
		return 0
	}
	size := int64(chunkSize)
	return int((totalLength + size - 1) / size)
}
