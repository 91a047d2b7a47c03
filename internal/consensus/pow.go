package consensus

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/Klingon-tech/klingnet-chain/pkg/bignum"
	"github.com/Klingon-tech/klingnet-chain/pkg/block"
	"github.com/Klingon-tech/klingnet-chain/pkg/crypto"
)

// PoW errors.
var (
	ErrInsufficientWork = errors.New("hash does not meet difficulty target")
	ErrZeroDifficulty   = errors.New("difficulty bits must be nonzero")
	ErrBadDifficulty    = errors.New("block difficulty does not match expected")
)

// PoW implements proof-of-work consensus. The target is carried in each
// header as a compact (nBits) encoding, matching the retarget formulas in
// CalcNextDifficulty. The engine itself holds no mutable state — all
// difficulty is derived from the chain and encoded in each block.
type PoW struct {
	InitialBits     uint32 // Starting compact target (from genesis/registration)
	AdjustInterval  int    // Blocks between difficulty adjustments (0 = no adjustment)
	TargetBlockTime int    // Target seconds between blocks

	// DifficultyFn is called by Prepare to compute the expected target bits
	// for a new block. Set by the node operator. If nil, Prepare uses
	// InitialBits.
	DifficultyFn func(height uint64) uint32

	// Threads controls the number of parallel mining goroutines.
	// 0 or 1 = single-threaded (default). Each goroutine searches a
	// strided partition of the nonce space.
	Threads int
}

// NewPoW creates a new PoW engine from a starting compact target.
func NewPoW(bits uint32, adjustInterval, targetBlockTime int) (*PoW, error) {
	if bits == 0 {
		return nil, ErrZeroDifficulty
	}
	return &PoW{
		InitialBits:     bits,
		AdjustInterval:  adjustInterval,
		TargetBlockTime: targetBlockTime,
	}, nil
}

// ShouldAdjust returns true if difficulty should be recalculated at this height.
func (p *PoW) ShouldAdjust(height uint64) bool {
	return height > 0 && p.AdjustInterval > 0 && height%uint64(p.AdjustInterval) == 0
}

// VerifyHeader checks that the block header hash meets the target encoded
// by its Bits field.
func (p *PoW) VerifyHeader(header *block.Header) error {
	if header.Bits == 0 {
		return ErrZeroDifficulty
	}
	t := bignum.CompactToBig(header.Bits)
	hash := crypto.Hash(header.SigningBytes())
	hashInt := new(big.Int).SetBytes(hash[:])
	if hashInt.Cmp(t) > 0 {
		return ErrInsufficientWork
	}
	return nil
}

// Prepare sets the block header's target bits for mining.
// If DifficultyFn is set, it computes the expected bits from chain state.
// Otherwise, uses InitialBits.
func (p *PoW) Prepare(header *block.Header) error {
	if p.DifficultyFn != nil {
		header.Bits = p.DifficultyFn(header.Height)
	} else {
		header.Bits = p.InitialBits
	}
	return nil
}

// Seal mines the block by iterating the nonce until the header hash meets the target.
// Uses the target bits already set in the block header.
// If Threads > 1, mining runs in parallel goroutines.
func (p *PoW) Seal(blk *block.Block) error {
	return p.SealWithCancel(context.Background(), blk)
}

// SealWithCancel mines the block with cancellation support.
// When the context is cancelled, mining stops and ctx.Err() is returned.
// If Threads > 1, mining runs in parallel goroutines with strided nonce partitioning.
func (p *PoW) SealWithCancel(ctx context.Context, blk *block.Block) error {
	if blk == nil || blk.Header == nil {
		return fmt.Errorf("nil block or header")
	}
	if blk.Header.Bits == 0 {
		return ErrZeroDifficulty
	}

	threads := p.Threads
	if threads <= 1 {
		return p.sealSingle(ctx, blk)
	}
	return p.sealParallel(ctx, blk, threads)
}

// signingPrefix returns the header's signing bytes WITHOUT the trailing nonce.
// This lets each mining goroutine pre-compute the 84-byte prefix once and only
// append+hash the 4-byte nonce per iteration.
func signingPrefix(h *block.Header) []byte {
	buf := make([]byte, 0, 84)
	buf = binary.LittleEndian.AppendUint32(buf, h.Version)
	buf = append(buf, h.PrevHash[:]...)
	buf = append(buf, h.MerkleRoot[:]...)
	buf = binary.LittleEndian.AppendUint32(buf, h.Timestamp)
	buf = binary.LittleEndian.AppendUint64(buf, h.Height)
	buf = binary.LittleEndian.AppendUint32(buf, h.Bits)
	return buf
}

// sealSingle mines with a single goroutine.
func (p *PoW) sealSingle(ctx context.Context, blk *block.Block) error {
	t := bignum.CompactToBig(blk.Header.Bits)
	prefix := signingPrefix(blk.Header)
	buf := make([]byte, len(prefix)+4)
	copy(buf, prefix)
	hashInt := new(big.Int)

	for nonce := uint32(0); ; nonce++ {
		if nonce&0xFFFF == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
		}

		binary.LittleEndian.PutUint32(buf[len(prefix):], nonce)
		hash := crypto.Hash(buf)
		hashInt.SetBytes(hash[:])
		if hashInt.Cmp(t) <= 0 {
			blk.Header.Nonce = nonce
			return nil
		}
		if nonce == ^uint32(0) {
			return fmt.Errorf("nonce space exhausted")
		}
	}
}

// sealParallel mines with multiple goroutines, each searching a strided
// partition of the nonce space (goroutine i starts at nonce=i, step=threads).
func (p *PoW) sealParallel(ctx context.Context, blk *block.Block, threads int) error {
	t := bignum.CompactToBig(blk.Header.Bits)
	prefix := signingPrefix(blk.Header)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		nonce uint32
		err   error
	}
	found := make(chan result, 1)

	var wg sync.WaitGroup
	for i := 0; i < threads; i++ {
		wg.Add(1)
		startNonce := uint32(i)
		stride := uint32(threads)
		go func() {
			defer wg.Done()
			buf := make([]byte, len(prefix)+4)
			copy(buf, prefix)
			hashInt := new(big.Int)

			for nonce := startNonce; ; nonce += stride {
				if (nonce/stride)&0xFFFF == 0 && nonce > 0 {
					select {
					case <-ctx.Done():
						return
					default:
					}
				}

				binary.LittleEndian.PutUint32(buf[len(prefix):], nonce)
				hash := crypto.Hash(buf)
				hashInt.SetBytes(hash[:])
				if hashInt.Cmp(t) <= 0 {
					select {
					case found <- result{nonce: nonce}:
					default:
					}
					cancel()
					return
				}

				// Overflow: would wrap around past max uint32.
				if nonce > ^uint32(0)-stride {
					select {
					case found <- result{err: fmt.Errorf("nonce space exhausted")}:
					default:
					}
					return
				}
			}
		}()
	}

	// Wait in background so goroutines are cleaned up.
	go func() {
		wg.Wait()
		close(found)
	}()

	select {
	case r, ok := <-found:
		if !ok {
			return fmt.Errorf("nonce space exhausted")
		}
		if r.err != nil {
			return r.err
		}
		blk.Header.Nonce = r.nonce
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ExpectedDifficulty computes the correct compact target for a block at the
// given height using a simple ratio retarget. This is used for PoW-only
// chains; the hybrid PoW/PoS chain uses the versioned retargeter in
// retarget.go instead.
// prevBits is the target bits from the block at height-1 (0 for height <= 1).
// getTimestamp retrieves a block's timestamp by height (for adjustment calculation).
func (p *PoW) ExpectedDifficulty(height uint64, prevBits uint32, getTimestamp func(uint64) (uint64, error)) uint32 {
	if height <= 1 || prevBits == 0 {
		return p.InitialBits
	}

	if !p.ShouldAdjust(height) {
		return prevBits
	}

	interval := uint64(p.AdjustInterval)
	startTS, err := getTimestamp(height - interval)
	if err != nil {
		return prevBits
	}
	endTS, err := getTimestamp(height - 1)
	if err != nil {
		return prevBits
	}

	actual := int64(endTS - startTS)
	expected := int64(p.AdjustInterval) * int64(p.TargetBlockTime)
	return CalcNextDifficulty(prevBits, actual, expected)
}

// VerifyDifficulty checks that a block header's stated target bits match
// the expected difficulty computed from chain history.
func (p *PoW) VerifyDifficulty(header *block.Header, prevBits uint32, getTimestamp func(uint64) (uint64, error)) error {
	expected := p.ExpectedDifficulty(header.Height, prevBits, getTimestamp)
	if header.Bits != expected {
		return fmt.Errorf("%w: height %d has bits %#x, want %#x",
			ErrBadDifficulty, header.Height, header.Bits, expected)
	}
	return nil
}

// CalcNextDifficulty computes the new compact target after a retarget period.
// actualTimeSpan is the elapsed seconds for the last interval.
// expectedTimeSpan is interval * targetBlockTime.
// The result is clamped to [target/4, target*4] of the current target.
func CalcNextDifficulty(currentBits uint32, actualTimeSpan, expectedTimeSpan int64) uint32 {
	if actualTimeSpan <= 0 {
		actualTimeSpan = 1
	}
	if expectedTimeSpan <= 0 {
		expectedTimeSpan = 1
	}

	minSpan := expectedTimeSpan / 4
	maxSpan := expectedTimeSpan * 4
	if minSpan == 0 {
		minSpan = 1
	}
	if actualTimeSpan < minSpan {
		actualTimeSpan = minSpan
	}
	if actualTimeSpan > maxSpan {
		actualTimeSpan = maxSpan
	}

	target := bignum.CompactToBig(currentBits)
	if target.Sign() == 0 {
		target = big.NewInt(1)
	}
	target.Mul(target, big.NewInt(actualTimeSpan))
	target.Div(target, big.NewInt(expectedTimeSpan))
	if target.Sign() <= 0 {
		target = big.NewInt(1)
	}
	if target.Cmp(bignum.Max256) > 0 {
		target = new(big.Int).Set(bignum.Max256)
	}
	return bignum.BigToCompact(target)
}
