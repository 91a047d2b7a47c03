package block

import (
	"github.com/Klingon-tech/klingnet-chain/pkg/crypto"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// ComputeMerkleRoot calculates the merkle root of transaction hashes.
//
// Algorithm:
//   - 0 hashes: returns zero hash
//   - 1 hash: returns that hash
//   - Otherwise: pairwise hash, duplicating the last element if odd count,
//     then recurse on the resulting layer until one hash remains.
func ComputeMerkleRoot(txHashes []types.Hash) types.Hash {
	root, _ := ComputeMerkleRootChecked(txHashes)
	return root
}

// ComputeMerkleRootChecked computes the merkle root and additionally
// reports whether the computation duplicated any non-final node at any
// level of the tree (CVE-2012-2459): a level of even length whose last
// two entries are already equal has its duplicate-padding indistinguishable
// from a genuine pair, letting an attacker splice a duplicated leaf into
// a block without changing its merkle root. Callers MUST reject a block
// whose root computation reports mutated = true.
func ComputeMerkleRootChecked(txHashes []types.Hash) (root types.Hash, mutated bool) {
	if len(txHashes) == 0 {
		return types.Hash{}, false
	}
	if len(txHashes) == 1 {
		return txHashes[0], false
	}

	// Work on a copy so we don't mutate the caller's slice.
	level := make([]types.Hash, len(txHashes))
	copy(level, txHashes)

	for len(level) > 1 {
		// An even level ending in two equal entries hashes exactly like an
		// odd level whose last entry was padded by duplication.
		if len(level)%2 == 0 && level[len(level)-1] == level[len(level)-2] {
			mutated = true
		}
		if len(level)%2 != 0 {
			// Duplicating the last element is only safe if it isn't
			// already a duplicate of its neighbour.
			if len(level) >= 2 && level[len(level)-1] == level[len(level)-2] {
				mutated = true
			}
			level = append(level, level[len(level)-1])
		}

		next := make([]types.Hash, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			next[i/2] = crypto.HashConcat(level[i], level[i+1])
		}
		level = next
	}

	return level[0], mutated
}
