package file

import (
	"errors"
	"fmt"
	"io/fs"
	"sort"

	"github.com/sirupsen/logrus"

	"subfileExchange/pkg/chunker"
)

// Validator 根据清单重新计算本地文件中每个 chunk 的状态
type Validator struct {
	FS FileSystemAdapter
}

func NewValidator(adapter FileSystemAdapter) *Validator {
	if adapter == nil {
		adapter = LocalFileSystemAdapter{}
	}
	return &Validator{FS: adapter}
}

// ValidateLocal 使用本地文件系统校验 path
func ValidateLocal(path string, m *SubfileManifest) (map[uint32]ChunkStatus, error) {
	return NewValidator(nil).ValidateLocal(path, m)
}

// ValidateLocal 对每个 chunk 下标给出 Valid / Corrupt / Missing:
//   - 文件不存在，或字节范围超出文件末尾: Missing
//   - 字节范围完全落在稀疏文件的空洞中: Missing
//   - 否则重新计算哈希，与 chunk_hashes[index] 比较: Valid 或 Corrupt
//
// 不依赖文件长度判断完整性，长度正确但内容错误（例如全零填充）的 chunk 为 Corrupt。
func (v *Validator) ValidateLocal(path string, m *SubfileManifest) (map[uint32]ChunkStatus, error) {
	if err := m.Verify(); err != nil {
		return nil, err
	}

	statuses := make(map[uint32]ChunkStatus, m.ChunkCount())
	for i := range m.ChunkHashes {
		statuses[uint32(i)] = StatusMissing
	}

	f, err := v.FS.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return statuses, nil
		}
		return nil, fmt.Errorf("%w: open %s: %w", chunker.ErrIO, path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("%w: stat %s: %w", chunker.ErrIO, path, err)
	}
	size := info.Size()

	buf := make([]byte, m.ChunkSize)
	for i, want := range m.ChunkHashes {
		index := uint32(i)
		offset, length := m.ChunkRange(index)
		if offset+int64(length) > size {
			continue
		}
		if !rangeHasData(f, offset, int64(length)) {
			continue
		}

		n, err := f.ReadAt(buf[:length], offset)
		if n < length {
			if err == nil {
				err = fmt.Errorf("short read")
			}
			return nil, fmt.Errorf("%w: read chunk %d of %s: %w", chunker.ErrIO, index, path, err)
		}

		if chunker.Digest(buf[:length]) == want {
			statuses[index] = StatusValid
		} else {
			statuses[index] = StatusCorrupt
		}
	}

	valid, corrupt, missing := Summarize(statuses)
	logrus.WithFields(logrus.Fields{
		"contentId": m.ContentID,
		"path":      path,
		"valid":     len(valid),
		"corrupt":   len(corrupt),
		"missing":   len(missing),
	}).Debug("Validated local file")

	return statuses, nil
}

// Summarize 将状态表拆分为有序的下标列表
func Summarize(statuses map[uint32]ChunkStatus) (valid, corrupt, missing []uint32) {
	for index, status := range statuses {
		switch status {
		case StatusValid:
			valid = append(valid, index)
		case StatusCorrupt:
			corrupt = append(corrupt, index)
		default:
			missing = append(missing, index)
		}
	}
	sortIndices(valid)
	sortIndices(corrupt)
	sortIndices(missing)
	return valid, corrupt, missing
}

// Incomplete 返回所有非 Valid 的下标（有序）
func Incomplete(statuses map[uint32]ChunkStatus) []uint32 {
	_, corrupt, missing := Summarize(statuses)
	out := append(corrupt, missing...)
	sortIndices(out)
	return out
}

func sortIndices(s []uint32) {
	sort.Slice(s, func(i, j int) bool { return s[i] < s[j] })
}
