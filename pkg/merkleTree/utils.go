package merkleTree

import (
	"subfileExchange/pkg/chunker"
)

// EmptyRoot 零叶子树的根
func EmptyRoot() chunker.Hash {
	return chunker.Digest(nil)
}

// buildLevels 自底向上逐层构建，返回根节点
func buildLevels(nodes []*MerkleNode) *MerkleNode {
	for len(nodes) > 1 {
		newLevel := make([]*MerkleNode, 0, (len(nodes)+1)/2)
		for i := 0; i < len(nodes); i += 2 {
			if i+1 == len(nodes) {
				// 奇数个节点，最后一个原样提升
				newLevel = append(newLevel, nodes[i])
				continue
			}

			left, right := nodes[i], nodes[i+1]
			parent := &MerkleNode{
				Hash:  chunker.DigestPair(left.Hash, right.Hash),
				Left:  left,
				Right: right,
			}
			left.Parent = parent
			right.Parent = parent
			newLevel = append(newLevel, parent)
		}
		nodes = newLevel
	}
	return nodes[0]
}
