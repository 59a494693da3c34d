package merkleTree

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"subfileExchange/pkg/chunker"
)

func makeLeaves(n int) []chunker.Hash {
	leaves := make([]chunker.Hash, n)
	for i := range leaves {
		leaves[i] = chunker.Digest([]byte(fmt.Sprintf("chunk-%d", i)))
	}
	return leaves
}

func TestBuildSmallTrees(t *testing.T) {
	t.Run("zero leaves", func(t *testing.T) {
		tree := Build(nil)
		assert.Equal(t, chunker.Digest([]byte{}), tree.RootHash())
		assert.Equal(t, 0, tree.LeafCount())
	})

	t.Run("one leaf", func(t *testing.T) {
		leaves := makeLeaves(1)
		assert.Equal(t, leaves[0], Root(leaves))
	})

	t.Run("two leaves", func(t *testing.T) {
		leaves := makeLeaves(2)
		assert.Equal(t, chunker.DigestPair(leaves[0], leaves[1]), Root(leaves))
	})

	t.Run("three leaves promotes the last node", func(t *testing.T) {
		leaves := makeLeaves(3)
		want := chunker.DigestPair(chunker.DigestPair(leaves[0], leaves[1]), leaves[2])
		assert.Equal(t, want, Root(leaves))
	})

	t.Run("five leaves", func(t *testing.T) {
		l := makeLeaves(5)
		left := chunker.DigestPair(chunker.DigestPair(l[0], l[1]), chunker.DigestPair(l[2], l[3]))
		assert.Equal(t, chunker.DigestPair(left, l[4]), Root(l))
	})
}

func TestBuildDeterministic(t *testing.T) {
	leaves := makeLeaves(37)
	assert.Equal(t, Root(leaves), Root(leaves))
	assert.Equal(t, leaves, Build(leaves).LeafHashes())

	changed := append([]chunker.Hash(nil), leaves...)
	changed[20][0] ^= 0x01
	assert.NotEqual(t, Root(leaves), Root(changed))
}

func TestProofAndVerify(t *testing.T) {
	for _, n := range []int{1, 2, 3, 4, 5, 7, 8, 9, 16, 33} {
		t.Run(fmt.Sprintf("%d leaves", n), func(t *testing.T) {
			leaves := makeLeaves(n)
			tree := Build(leaves)
			root := tree.RootHash()

			for i := 0; i < n; i++ {
				proof, err := tree.Proof(uint32(i))
				require.NoError(t, err)
				assert.True(t, Verify(leaves[i], uint32(i), uint32(n), proof, root), "leaf %d", i)

				// 其他叶子不能用同一个证明
				if n > 1 {
					other := (i + 1) % n
					assert.False(t, Verify(leaves[other], uint32(i), uint32(n), proof, root))
				}
			}
		})
	}
}

func TestProofIndexOutOfRange(t *testing.T) {
	tree := Build(makeLeaves(4))
	_, err := tree.Proof(4)
	assert.ErrorIs(t, err, ErrIndexOutOfRange)

	_, err = Build(nil).Proof(0)
	assert.ErrorIs(t, err, ErrIndexOutOfRange)
}

func TestVerifyRejectsTampering(t *testing.T) {
	leaves := makeLeaves(11)
	tree := Build(leaves)
	root := tree.RootHash()
	proof, err := tree.Proof(6)
	require.NoError(t, err)
	require.NotEmpty(t, proof.Steps)

	t.Run("leaf bit flip", func(t *testing.T) {
		for bit := 0; bit < 8; bit++ {
			leaf := leaves[6]
			leaf[bit%chunker.HashSize] ^= 1 << bit
			assert.False(t, Verify(leaf, 6, 11, proof, root))
		}
	})

	t.Run("sibling bit flip", func(t *testing.T) {
		for s := range proof.Steps {
			tampered := *proof
			tampered.Steps = append([]ProofStep(nil), proof.Steps...)
			tampered.Steps[s].Sibling[31] ^= 0x80
			assert.False(t, Verify(leaves[6], 6, 11, &tampered, root), "step %d", s)
		}
	})

	t.Run("side flip", func(t *testing.T) {
		tampered := *proof
		tampered.Steps = append([]ProofStep(nil), proof.Steps...)
		tampered.Steps[0].Side ^= 1
		assert.False(t, Verify(leaves[6], 6, 11, &tampered, root))
	})

	t.Run("wrong index", func(t *testing.T) {
		assert.False(t, Verify(leaves[6], 7, 11, proof, root))
	})

	t.Run("truncated proof", func(t *testing.T) {
		tampered := *proof
		tampered.Steps = proof.Steps[:len(proof.Steps)-1]
		assert.False(t, Verify(leaves[6], 6, 11, &tampered, root))
	})

	t.Run("extra step", func(t *testing.T) {
		tampered := *proof
		tampered.Steps = append(append([]ProofStep(nil), proof.Steps...), ProofStep{Side: SideRight})
		assert.False(t, Verify(leaves[6], 6, 11, &tampered, root))
	})

	t.Run("leaf count mismatch", func(t *testing.T) {
		tampered := *proof
		tampered.LeafCount = 7
		assert.False(t, Verify(leaves[6], 6, 11, &tampered, root))
	})

	t.Run("forged leaf count", func(t *testing.T) {
		// 3 个叶子 [a, b, c]：声称只有 2 个叶子，把 c 伪装成下标 1
		small := makeLeaves(3)
		smallRoot := Root(small)
		forged := &MerkleProof{
			Index:     1,
			LeafCount: 2,
			Steps:     []ProofStep{{Sibling: chunker.DigestPair(small[0], small[1]), Side: SideLeft}},
		}
		assert.False(t, Verify(small[2], 1, 3, forged, smallRoot))

		genuine, err := Build(small).Proof(2)
		require.NoError(t, err)
		assert.True(t, Verify(small[2], 2, 3, genuine, smallRoot))
	})

	t.Run("nil proof", func(t *testing.T) {
		assert.False(t, Verify(leaves[6], 6, 11, nil, root))
	})

	t.Run("wrong root", func(t *testing.T) {
		assert.False(t, Verify(leaves[6], 6, 11, proof, Root(leaves[:10])))
	})
}

func TestProofJSON(t *testing.T) {
	leaves := makeLeaves(6)
	tree := Build(leaves)
	proof, err := tree.Proof(5)
	require.NoError(t, err)

	raw, err := json.Marshal(proof)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"side":"left"`)

	var decoded MerkleProof
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.True(t, Verify(leaves[5], 5, 6, &decoded, tree.RootHash()))
}
