package file

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
	"gopkg.in/yaml.v3"

	"subfileExchange/pkg/chunker"
	"subfileExchange/pkg/merkleTree"
)

// BuildManifest 对 path 分块、构建 merkle 树并生成清单。
// 这是创建清单的唯一途径。
// 参数:
//   - path: 本地文件路径
//   - chunkSize: chunk 大小（字节）
//
// 返回值:
//   - *SubfileManifest: 已填充 content id 的清单
//   - error: chunker.ErrInvalidChunkSize 或 chunker.ErrIO
func BuildManifest(path string, chunkSize int) (*SubfileManifest, error) {
	return BuildManifestFS(LocalFileSystemAdapter{}, path, chunkSize)
}

// BuildManifestFS 与 BuildManifest 相同，但通过 fs 打开文件
func BuildManifestFS(fs FileSystemAdapter, path string, chunkSize int) (*SubfileManifest, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("%w: %d", chunker.ErrInvalidChunkSize, chunkSize)
	}
	f, err := fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", chunker.ErrIO, err)
	}
	defer f.Close()

	var hashes []chunker.Hash
	var total int64
	err = chunker.Walk(f, chunkSize, func(c chunker.Chunk) error {
		hashes = append(hashes, c.Hash)
		total += int64(c.Length)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return NewManifest(total, chunkSize, hashes)
}

// NewManifest 从已知的 chunk 哈希构建清单并计算 content id
func NewManifest(totalLength int64, chunkSize int, hashes []chunker.Hash) (*SubfileManifest, error) {
	m := &SubfileManifest{
		FormatVersion: FormatVersion,
		TotalLength:   totalLength,
		ChunkSize:     chunkSize,
		ChunkHashes:   hashes,
		MerkleRoot:    merkleTree.Root(hashes),
	}
	if m.ChunkHashes == nil {
		m.ChunkHashes = []chunker.Hash{}
	}

	id, err := m.computeContentID()
	if err != nil {
		return nil, err
	}
	m.ContentID = id

	if err := m.Verify(); err != nil {
		return nil, err
	}
	return m, nil
}

// ChunkCount 清单中的 chunk 数量
func (m *SubfileManifest) ChunkCount() int {
	return len(m.ChunkHashes)
}

// ChunkRange 返回 chunk index 在文件中的偏移和长度
func (m *SubfileManifest) ChunkRange(index uint32) (int64, int) {
	offset := int64(index) * int64(m.ChunkSize)
	length := int64(m.ChunkSize)
	if remaining := m.TotalLength - offset; remaining < length {
		length = remaining
	}
	if length < 0 {
		length = 0
	}
	return offset, int(length)
}

// IndexOf 返回 hash 在清单中第一次出现的位置
func (m *SubfileManifest) IndexOf(hash chunker.Hash) (uint32, bool) {
	for i, h := range m.ChunkHashes {
		if h == hash {
			return uint32(i), true
		}
	}
	return 0, false
}

// Tree 根据清单重建 merkle 树，用于生成证明
func (m *SubfileManifest) Tree() *merkleTree.MerkleTree {
	return merkleTree.Build(m.ChunkHashes)
}

// Verify 检查清单的全部不变量
func (m *SubfileManifest) Verify() error {
	if m == nil {
		return fmt.Errorf("%w: nil manifest", ErrManifestInvalid)
	}
	if m.FormatVersion != FormatVersion {
		return fmt.Errorf("%w: unsupported format version %d", ErrManifestInvalid, m.FormatVersion)
	}
	if m.ChunkSize <= 0 {
		return fmt.Errorf("%w: chunk size %d", ErrManifestInvalid, m.ChunkSize)
	}
	if m.TotalLength < 0 {
		return fmt.Errorf("%w: total length %d", ErrManifestInvalid, m.TotalLength)
	}

	want := chunker.ChunkCount(m.TotalLength, m.ChunkSize)
	if len(m.ChunkHashes) != want {
		return fmt.Errorf("%w: %d chunk hashes, expected %d", ErrManifestInvalid, len(m.ChunkHashes), want)
	}

	if root := merkleTree.Root(m.ChunkHashes); root != m.MerkleRoot {
		return fmt.Errorf("%w: merkle root mismatch (computed %s, stored %s)",
			ErrManifestInvalid, root.Short(), m.MerkleRoot.Short())
	}

	id, err := m.computeContentID()
	if err != nil {
		return err
	}
	if id != m.ContentID {
		return fmt.Errorf("%w: content id mismatch (computed %s, stored %s)", ErrManifestInvalid, id, m.ContentID)
	}
	return nil
}

// computeContentID 对 content_id 置空后的规范 YAML 编码计算 CIDv1(raw, sha2-256)
func (m *SubfileManifest) computeContentID() (string, error) {
	canonical := *m
	canonical.ContentID = ""
	raw, err := yaml.Marshal(&canonical)
	if err != nil {
		return "", fmt.Errorf("encode canonical manifest: %w", err)
	}
	return ContentIDOf(raw)
}

// ContentIDOf 计算任意字节的 CIDv1 字符串
func ContentIDOf(data []byte) (string, error) {
	mh, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		return "", fmt.Errorf("multihash: %w", err)
	}
	return cid.NewCidV1(cid.Raw, mh).String(), nil
}

// ParseContentID 检查 s 是否是合法的 CID
func ParseContentID(s string) (string, error) {
	c, err := cid.Decode(s)
	if err != nil {
		return "", fmt.Errorf("invalid content id %q: %w", s, err)
	}
	return c.String(), nil
}

// EncodeManifest 将清单编码为 YAML 文档
func EncodeManifest(m *SubfileManifest) ([]byte, error) {
	if err := m.Verify(); err != nil {
		return nil, err
	}
	return yaml.Marshal(m)
}

// DecodeManifest 解析 YAML 并执行 Verify；任何失败都返回 ErrManifestInvalid
func DecodeManifest(data []byte) (*SubfileManifest, error) {
	var m SubfileManifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrManifestInvalid, err)
	}
	if m.ChunkHashes == nil {
		m.ChunkHashes = []chunker.Hash{}
	}
	if err := m.Verify(); err != nil {
		return nil, err
	}
	return &m, nil
}

// SaveManifest 将清单写入 dir/<content id>.yaml
func SaveManifest(dir string, m *SubfileManifest) (string, error) {
	data, err := EncodeManifest(m)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("%w: create manifest directory: %w", chunker.ErrIO, err)
	}
	path := filepath.Join(dir, m.ContentID+".yaml")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("%w: write manifest: %w", chunker.ErrIO, err)
	}
	return path, nil
}

// ReadManifestFile 从本地 YAML 文件读取并校验清单
func ReadManifestFile(path string) (*SubfileManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", chunker.ErrIO, err)
	}
	return DecodeManifest(data)
}
