// Package file 提供 Subfile 清单 (manifest) 的数据模型、编解码与本地校验
//
// 主要类型:
//   - SubfileManifest: 不可变的文件描述，绑定 chunk 大小、chunk 哈希列表与 merkle 根
//   - ChunkStatus: 本地文件中单个 chunk 的状态 (Valid / Corrupt / Missing)
//   - ManifestProvider: 按 content id 返回原始清单字节的外部数据源
//
// 不变量:
//   - len(chunk_hashes) == ceil(total_length / chunk_size)
//   - 由 chunk_hashes 重新计算的根必须等于 merkle_root
//   - content_id 是清单规范编码 (content_id 置空) 的 CIDv1
//
// 任何不满足不变量的清单都整体拒绝 (ErrManifestInvalid)，不会被部分信任。
package file

import (
	"errors"

	"subfileExchange/pkg/chunker"
)

// FormatVersion 当前清单格式版本
const FormatVersion = 1

var (
	// ErrManifestInvalid 清单不满足不变量，整体拒绝
	ErrManifestInvalid = errors.New("manifest invalid")
	// ErrManifestNotFound 数据源中没有该 content id
	ErrManifestNotFound = errors.New("manifest not found")
)

// SubfileManifest 由 BuildManifest 创建，创建后不再修改
type SubfileManifest struct {
	FormatVersion int            `yaml:"format_version" json:"formatVersion"`
	ContentID     string         `yaml:"content_id,omitempty" json:"contentId,omitempty"`
	TotalLength   int64          `yaml:"total_length" json:"totalLength"`
	ChunkSize     int            `yaml:"chunk_size" json:"chunkSize"`
	ChunkHashes   []chunker.Hash `yaml:"chunk_hashes" json:"chunkHashes"`
	MerkleRoot    chunker.Hash   `yaml:"merkle_root" json:"merkleRoot"`
}

// ChunkStatus 本地 chunk 的校验结果
type ChunkStatus int

const (
	StatusMissing ChunkStatus = iota
	StatusValid
	StatusCorrupt
)

func (s ChunkStatus) String() string {
	switch s {
	case StatusValid:
		return "valid"
	case StatusCorrupt:
		return "corrupt"
	default:
		return "missing"
	}
}

func (s ChunkStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
