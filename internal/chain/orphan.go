package chain

import (
	"math/rand"
	"sync"

	"github.com/Klingon-tech/klingnet-chain/pkg/block"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// maxOrphanBlocks bounds the orphan pool's memory footprint. Without a
// cap, a peer that keeps feeding disconnected chains could grow it
// unboundedly while the real parent never arrives.
const maxOrphanBlocks = 750

// OrphanPool parks blocks whose parent is not yet known, keyed by hash,
// with a secondary index from parent hash to the children waiting on it
// so a newly-connected block can pull in its descendants with one lookup.
type OrphanPool struct {
	mu       sync.Mutex
	byHash   map[types.Hash]*block.Block
	byParent map[types.Hash][]types.Hash
}

// NewOrphanPool creates an empty orphan pool.
func NewOrphanPool() *OrphanPool {
	return &OrphanPool{
		byHash:   make(map[types.Hash]*block.Block),
		byParent: make(map[types.Hash][]types.Hash),
	}
}

// Add parks blk under its parent hash. If the pool is already at capacity,
// one orphan is evicted uniformly at random first — its own children, if
// any, are left parked and simply never resolve, the same tradeoff
// Bitcoin Core's orphan limiter makes.
func (p *OrphanPool) Add(blk *block.Block) {
	p.mu.Lock()
	defer p.mu.Unlock()

	hash := blk.Hash()
	if _, exists := p.byHash[hash]; exists {
		return
	}
	if len(p.byHash) >= maxOrphanBlocks {
		p.evictRandomLocked()
	}

	p.byHash[hash] = blk
	parent := blk.Header.PrevHash
	p.byParent[parent] = append(p.byParent[parent], hash)
}

func (p *OrphanPool) evictRandomLocked() {
	n := rand.Intn(len(p.byHash))
	var victim types.Hash
	i := 0
	for h := range p.byHash {
		if i == n {
			victim = h
			break
		}
		i++
	}
	p.removeLocked(victim)
}

func (p *OrphanPool) removeLocked(hash types.Hash) {
	blk, ok := p.byHash[hash]
	if !ok {
		return
	}
	delete(p.byHash, hash)
	parent := blk.Header.PrevHash
	siblings := p.byParent[parent]
	for i, h := range siblings {
		if h == hash {
			p.byParent[parent] = append(siblings[:i], siblings[i+1:]...)
			break
		}
	}
	if len(p.byParent[parent]) == 0 {
		delete(p.byParent, parent)
	}
}

// Children returns and un-parks the orphans waiting on parentHash, in the
// order they were received, so the caller can replay them against the
// chain now that their parent has connected.
func (p *OrphanPool) Children(parentHash types.Hash) []*block.Block {
	p.mu.Lock()
	defer p.mu.Unlock()

	hashes := p.byParent[parentHash]
	if len(hashes) == 0 {
		return nil
	}
	children := make([]*block.Block, 0, len(hashes))
	for _, h := range hashes {
		if blk, ok := p.byHash[h]; ok {
			children = append(children, blk)
		}
	}
	for _, h := range hashes {
		p.removeLocked(h)
	}
	return children
}

// Has reports whether hash is currently parked.
func (p *OrphanPool) Has(hash types.Hash) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.byHash[hash]
	return ok
}

// Len returns the number of parked orphans.
func (p *OrphanPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.byHash)
}
