package merkleTree

import (
	"fmt"

	"subfileExchange/pkg/chunker"
)

// Build 从有序叶子哈希构建 Merkle 树
func Build(leaves []chunker.Hash) *MerkleTree {
	if len(leaves) == 0 {
		return &MerkleTree{root: &MerkleNode{Hash: EmptyRoot()}}
	}

	nodes := make([]*MerkleNode, len(leaves))
	for i, hash := range leaves {
		nodes[i] = &MerkleNode{Hash: hash}
	}

	tree := &MerkleTree{leaves: nodes}
	tree.root = buildLevels(nodes)
	return tree
}

// Root 只计算根哈希
func Root(leaves []chunker.Hash) chunker.Hash {
	return Build(leaves).RootHash()
}

func (t *MerkleTree) RootHash() chunker.Hash {
	return t.root.Hash
}

func (t *MerkleTree) LeafCount() int {
	return len(t.leaves)
}

// LeafHashes 按顺序返回所有叶子哈希
func (t *MerkleTree) LeafHashes() []chunker.Hash {
	hashes := make([]chunker.Hash, len(t.leaves))
	for i, leaf := range t.leaves {
		hashes[i] = leaf.Hash
	}
	return hashes
}

// Proof 生成叶子 index 的成员证明。
// 从叶子沿 Parent 指针向上，记录每个父节点的另一个子节点；
// 被提升的节点在该层没有父节点，因此不产生证明步骤。
func (t *MerkleTree) Proof(index uint32) (*MerkleProof, error) {
	if int(index) >= len(t.leaves) {
		return nil, fmt.Errorf("%w: %d (leaf count %d)", ErrIndexOutOfRange, index, len(t.leaves))
	}

	proof := &MerkleProof{
		Index:     index,
		LeafCount: uint32(len(t.leaves)),
	}
	for n := t.leaves[index]; n.Parent != nil; n = n.Parent {
		parent := n.Parent
		if parent.Left == n {
			proof.Steps = append(proof.Steps, ProofStep{Sibling: parent.Right.Hash, Side: SideRight})
		} else {
			proof.Steps = append(proof.Steps, ProofStep{Sibling: parent.Left.Hash, Side: SideLeft})
		}
	}
	return proof, nil
}

// Verify 检查 (leaf, index) 是否属于根为 root、共 leafCount 个叶子的树。
// 树的形状只由调用方给出的 leafCount 决定，证明中的 LeafCount 必须与之相同；
// 证明的步数、每一步的方向都必须与推导出的路径一致，任何不一致都返回 false。
func Verify(leaf chunker.Hash, index, leafCount uint32, proof *MerkleProof, root chunker.Hash) bool {
	if proof == nil || proof.Index != index || proof.LeafCount != leafCount || index >= leafCount {
		return false
	}

	current := leaf
	pos := uint64(index)
	width := uint64(leafCount)
	step := 0

	for width > 1 {
		var want Side
		hasSibling := true
		switch {
		case pos%2 == 1:
			want = SideLeft
		case pos+1 < width:
			want = SideRight
		default:
			// 奇数层末尾，原样提升
			hasSibling = false
		}

		if hasSibling {
			if step >= len(proof.Steps) {
				return false
			}
			s := proof.Steps[step]
			if s.Side != want {
				return false
			}
			if want == SideLeft {
				current = chunker.DigestPair(s.Sibling, current)
			} else {
				current = chunker.DigestPair(current, s.Sibling)
			}
			step++
		}

		pos /= 2
		width = (width + 1) / 2
	}

	return step == len(proof.Steps) && current == root
}
