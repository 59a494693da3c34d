// Package merkleTree 提供基于 chunk 哈希的二叉 Merkle 树
//
// 构建规则（所有节点必须一致）:
//   - 每一层相邻节点两两配对，父节点 = SHA-256(left ‖ right)
//   - 奇数层的最后一个节点原样提升到上一层（不自哈希，也不复制）
//   - 零个叶子: 根 = SHA-256(空输入)
//   - 一个叶子: 根 = 该叶子的哈希
//
// 主要功能:
//   - Build: 从有序叶子哈希构建树
//   - Proof: 生成某个叶子的成员证明
//   - Verify: 根据证明重新计算路径并与根比较
//
// 使用示例:
//
//	tree := merkleTree.Build(hashes)
//	proof, err := tree.Proof(3)
//	if err != nil {
//	    return err
//	}
//	ok := merkleTree.Verify(hashes[3], 3, uint32(len(hashes)), proof, tree.RootHash())
package merkleTree

import (
	"errors"
	"fmt"

	"subfileExchange/pkg/chunker"
)

// ErrIndexOutOfRange 叶子下标超出范围
var ErrIndexOutOfRange = errors.New("leaf index out of range")

// Side 兄弟节点所在的一侧
type Side uint8

const (
	SideLeft Side = iota
	SideRight
)

func (s Side) String() string {
	if s == SideLeft {
		return "left"
	}
	return "right"
}

func (s Side) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Side) UnmarshalText(text []byte) error {
	switch string(text) {
	case "left":
		*s = SideLeft
	case "right":
		*s = SideRight
	default:
		return fmt.Errorf("invalid proof side %q", text)
	}
	return nil
}

// MerkleNode 树节点，叶子节点没有子节点；被提升的节点在上层没有新副本
type MerkleNode struct {
	Hash   chunker.Hash
	Left   *MerkleNode
	Right  *MerkleNode
	Parent *MerkleNode
}

// MerkleTree 保存根节点和按顺序排列的叶子节点
type MerkleTree struct {
	root   *MerkleNode
	leaves []*MerkleNode
}

// ProofStep 从叶子到根路径上的一步
type ProofStep struct {
	Sibling chunker.Hash `json:"sibling"`
	Side    Side         `json:"side"`
}

// MerkleProof 叶子 Index 的成员证明。
// LeafCount 决定每一层是否存在兄弟节点，Verify 用它检查路径形状。
type MerkleProof struct {
	Index     uint32      `json:"index"`
	LeafCount uint32      `json:"leafCount"`
	Steps     []ProofStep `json:"steps"`
}
