package chain

import (
	"sort"
	"sync"

	"github.com/Klingon-tech/klingnet-chain/pkg/bignum"
	"github.com/Klingon-tech/klingnet-chain/pkg/block"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// medianTimeSpan is the number of trailing blocks averaged by
// MedianTimePast, matching the classic 11-block window.
const medianTimeSpan = 11

// BlockIndexNode is the in-memory view of one block's place in the tree of
// all known blocks — main chain and side branches alike. It carries the
// bookkeeping that is cheap to keep in memory and expensive to recompute
// from disk on every query: cumulative chain trust, the PoS stake modifier
// carried forward from the block's kernel, and the proof hash used to
// settle header-level checks before the full block body is even fetched.
type BlockIndexNode struct {
	Hash      types.Hash
	PrevHash  types.Hash
	Height    uint64
	Timestamp uint32
	Bits      uint32
	Version   uint32

	IsProofOfStake bool

	// ChainTrust is chain_trust(prev) + block_trust(this), the quantity
	// best-chain selection maximizes.
	ChainTrust uint64

	// StakeModifier/StakeModifierChecksum carry the PPCoin-style modifier
	// forward between blocks. The checksum lets a peer flag modifier
	// divergence without exchanging the 64-bit value itself.
	StakeModifier         uint64
	StakeModifierChecksum uint32
	StakeModifierTime     uint32 // Timestamp of the block that last regenerated StakeModifier.

	// StakePrevOut/StakeTime identify the kernel input consumed by a PoS
	// block (zero for PoW), the pair the duplicate-stake check compares.
	StakePrevOut types.Outpoint
	StakeTime    uint32

	// HashOfProof is the value header-context checks validate: the block
	// hash itself for PoW, the kernel hash for PoS.
	HashOfProof types.Hash

	prev *BlockIndexNode
	next *BlockIndexNode // Child on the currently active chain, if any.
}

// BlockIndex is the in-memory tree of all known block headers, keyed by
// hash, plus the queries the acceptor needs to validate a block's context
// before touching the UTXO set: median-time-past and super-majority.
//
// This complements, rather than replaces, BlockStore: BlockStore persists
// full blocks and the active-chain height index; BlockIndex is the
// lightweight header tree that also covers blocks on side branches and
// blocks not yet connected to the active chain at all.
type BlockIndex struct {
	mu    sync.RWMutex
	nodes map[types.Hash]*BlockIndexNode
	tip   *BlockIndexNode
}

// NewBlockIndex creates an empty block index.
func NewBlockIndex() *BlockIndex {
	return &BlockIndex{nodes: make(map[types.Hash]*BlockIndexNode)}
}

// BlockIndexParams carries the PoS-specific fields InsertOrGet needs to
// populate a new node. Callers indexing a PoW block pass the zero value.
type BlockIndexParams struct {
	IsProofOfStake        bool
	StakeModifier         uint64
	StakeModifierChecksum uint32
	StakeModifierTime     uint32
	StakePrevOut          types.Outpoint
	StakeTime             uint32
	HashOfProof           types.Hash
}

// InsertOrGet returns the existing node for hdr's hash if already indexed;
// otherwise it builds one, links it to its parent if the parent is already
// indexed, and records it. Chain trust accumulates along prev links, so a
// node's trust is only final once its ancestors are present — callers
// indexing out of height order (e.g. while still resolving a fork) will see
// a node's ChainTrust improve on a later InsertOrGet if that changes the
// ancestry, which is why callers re-fetch via Get rather than caching the
// pointer's field values.
func (idx *BlockIndex) InsertOrGet(hdr *block.Header, p BlockIndexParams) *BlockIndexNode {
	hash := hdr.Hash()

	idx.mu.Lock()
	defer idx.mu.Unlock()

	if existing, ok := idx.nodes[hash]; ok {
		return existing
	}

	node := &BlockIndexNode{
		Hash:                  hash,
		PrevHash:              hdr.PrevHash,
		Height:                hdr.Height,
		Timestamp:             hdr.Timestamp,
		Bits:                  hdr.Bits,
		Version:               hdr.Version,
		IsProofOfStake:        p.IsProofOfStake,
		StakeModifier:         p.StakeModifier,
		StakeModifierChecksum: p.StakeModifierChecksum,
		StakeModifierTime:     p.StakeModifierTime,
		StakePrevOut:          p.StakePrevOut,
		StakeTime:             p.StakeTime,
		HashOfProof:           p.HashOfProof,
	}

	if parent, ok := idx.nodes[hdr.PrevHash]; ok {
		node.prev = parent
		node.ChainTrust = parent.ChainTrust + bignum.BlockTrustUint64(hdr.Bits)
	} else {
		node.ChainTrust = bignum.BlockTrustUint64(hdr.Bits)
	}

	idx.nodes[hash] = node
	if idx.tip == nil || node.ChainTrust > idx.tip.ChainTrust {
		idx.tip = node
	}

	return node
}

// Get returns the node for hash, or nil if it is not indexed.
func (idx *BlockIndex) Get(hash types.Hash) *BlockIndexNode {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.nodes[hash]
}

// BestTip returns the highest chain-trust node known, or nil if the index
// is empty.
func (idx *BlockIndex) BestTip() *BlockIndexNode {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.tip
}

// SetActiveTip marks node as the head of the active chain and relinks next
// pointers down to the fork point, so IterActiveFromTip walks the branch
// that actually won rather than whichever branch was inserted most
// recently. Called after a reorg completes.
func (idx *BlockIndex) SetActiveTip(node *BlockIndexNode) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for n := node; n != nil && n.prev != nil; n = n.prev {
		n.prev.next = n
	}
	idx.tip = node
}

// IterActiveFromTip returns nodes from tip back towards genesis, in
// descending-height order, stopping where ancestry is not indexed.
func (idx *BlockIndex) IterActiveFromTip(tip *BlockIndexNode) []*BlockIndexNode {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	var chain []*BlockIndexNode
	for n := tip; n != nil; n = n.prev {
		chain = append(chain, n)
	}
	return chain
}

// MedianTimePast returns the median timestamp over node and up to its
// preceding medianTimeSpan-1 ancestors. A new block's timestamp must
// exceed this value — a plain "newer than parent" check is forgeable by a
// single lying miner, while the median over a window is not.
func (idx *BlockIndex) MedianTimePast(node *BlockIndexNode) uint32 {
	if node == nil {
		return 0
	}
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var times []uint32
	for n := node; n != nil && len(times) < medianTimeSpan; n = n.prev {
		times = append(times, n.Timestamp)
	}
	sort.Slice(times, func(i, j int) bool { return times[i] < times[j] })
	return times[len(times)/2]
}

// SuperMajority reports whether at least required of the window blocks
// ending at from carry a header Version >= minVersion. Used to gate a
// consensus-rule upgrade on actual adoption rather than a flag day alone.
func (idx *BlockIndex) SuperMajority(from *BlockIndexNode, minVersion uint32, required, window int) bool {
	if from == nil {
		return false
	}
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	count, seen := 0, 0
	for n := from; n != nil && seen < window; n = n.prev {
		seen++
		if n.Version >= minVersion {
			count++
		}
	}
	return count >= required
}

// FindFork walks both branches back via prev links until it finds the
// common ancestor, the simultaneous-walk algorithm the acceptor uses to
// locate a fork point without assuming either branch's height.
func FindFork(a, b *BlockIndexNode) *BlockIndexNode {
	for a != nil && b != nil && a.Hash != b.Hash {
		if a.Height > b.Height {
			a = a.prev
		} else if b.Height > a.Height {
			b = b.prev
		} else {
			a, b = a.prev, b.prev
		}
	}
	if a == nil || b == nil {
		return nil
	}
	return a
}
