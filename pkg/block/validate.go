package block

import (
	"errors"
	"fmt"

	"github.com/Klingon-tech/klingnet-chain/config"
	"github.com/Klingon-tech/klingnet-chain/pkg/crypto"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// Validation errors.
var (
	ErrNilHeader           = errors.New("block has nil header")
	ErrNoTransactions      = errors.New("block has no transactions")
	ErrBadMerkleRoot       = errors.New("merkle root mismatch")
	ErrMutatedMerkle       = errors.New("merkle tree mutated (CVE-2012-2459)")
	ErrBadVersion          = errors.New("unsupported block version")
	ErrZeroTimestamp       = errors.New("block timestamp is zero")
	ErrNoCoinbase          = errors.New("first transaction must be coinbase")
	ErrTooManyTxs          = errors.New("too many transactions in block")
	ErrBlockTooLarge       = errors.New("block too large")
	ErrDuplicateBlockInput = errors.New("duplicate input across transactions in block")
	ErrMultipleCoinbase    = errors.New("multiple coinbase transactions in block")
	ErrMissingCoinstake    = errors.New("proof-of-stake block missing coinstake as second transaction")
	ErrBadBlockSignature   = errors.New("block signature does not verify against coinstake key")
)

// Block version constants.
const (
	CurrentVersion = 1 // The current block version produced by this software.
	MaxVersion     = 1 // Bump when a fork introduces a new block version.
)

// maxBlockSizeAt returns the consensus-enforced max block size at height,
// which widens once the Tachyon fork is active (see NetForks).
func maxBlockSizeAt(forks *config.ForkSchedule, height uint64) int {
	if forks != nil && forks.TachyonActive(height) {
		return config.MaxBlockSize * 4
	}
	return config.MaxBlockSize
}

// Validate checks block structure and internal consistency. This does NOT
// verify PoW/PoS proofs or UTXO-dependent rules (see consensus.Engine and
// the chain package's connected-block validation for those).
//
// forks may be nil, in which case the pre-Tachyon block size limit applies.
func (b *Block) Validate(forks *config.ForkSchedule) error {
	if b.Header == nil {
		return ErrNilHeader
	}

	if b.Header.Version < 1 || b.Header.Version > MaxVersion {
		return fmt.Errorf("%w: got %d, want 1..%d", ErrBadVersion, b.Header.Version, MaxVersion)
	}

	if b.Header.Timestamp == 0 {
		return ErrZeroTimestamp
	}

	if len(b.Transactions) == 0 {
		return ErrNoTransactions
	}

	if len(b.Transactions) > config.MaxBlockTxs {
		return fmt.Errorf("%w: %d txs, max %d", ErrTooManyTxs, len(b.Transactions), config.MaxBlockTxs)
	}

	// Check total block size (header signing bytes + all tx signing bytes).
	limit := maxBlockSizeAt(forks, b.Header.Height)
	blockSize := len(b.Header.SigningBytes())
	for _, t := range b.Transactions {
		blockSize += len(t.SigningBytes())
	}
	if blockSize > limit {
		return fmt.Errorf("%w: %d bytes, max %d", ErrBlockTooLarge, blockSize, limit)
	}

	// First transaction must be coinbase; no other transaction may be.
	if !b.Transactions[0].IsCoinbase() {
		return ErrNoCoinbase
	}
	for i, t := range b.Transactions[1:] {
		if t.IsCoinbase() {
			return fmt.Errorf("tx %d: %w", i+1, ErrMultipleCoinbase)
		}
	}

	// Proof-of-stake blocks carry coinstake as the second transaction and
	// a block signature verifying against the key committed in its stake
	// output.
	isPoS := len(b.Transactions) > 1 && b.Transactions[1].IsCoinstake()
	if isPoS {
		if err := b.verifyBlockSignature(); err != nil {
			return err
		}
	}

	// Verify merkle root, rejecting mutated trees (CVE-2012-2459).
	txHashes := make([]types.Hash, len(b.Transactions))
	for i, t := range b.Transactions {
		txHashes[i] = t.Hash()
	}
	expectedRoot, mutated := ComputeMerkleRootChecked(txHashes)
	if mutated {
		return ErrMutatedMerkle
	}
	if b.Header.MerkleRoot != expectedRoot {
		return fmt.Errorf("%w: header=%s computed=%s", ErrBadMerkleRoot, b.Header.MerkleRoot, expectedRoot)
	}

	// Validate each transaction structurally.
	for i, t := range b.Transactions {
		if err := t.Validate(); err != nil {
			return fmt.Errorf("tx %d: %w", i, err)
		}
	}

	// Check for duplicate inputs across different transactions in the block.
	// (Per-tx duplicates are caught by tx.Validate above.)
	allInputs := make(map[types.Outpoint]int) // outpoint -> tx index
	for i, t := range b.Transactions {
		for _, in := range t.Inputs {
			if in.PrevOut.IsZero() {
				continue // Coinbase inputs.
			}
			if prevTx, exists := allInputs[in.PrevOut]; exists {
				return fmt.Errorf("tx %d: %w: outpoint %s also spent in tx %d",
					i, ErrDuplicateBlockInput, in.PrevOut, prevTx)
			}
			allInputs[in.PrevOut] = i
		}
	}

	return nil
}

// verifyBlockSignature checks the block's BlockSig against the public key
// recovered from the coinstake's second output (a ScriptTypeStake script
// whose data is the staker's 33-byte compressed pubkey).
func (b *Block) verifyBlockSignature() error {
	if len(b.Transactions) < 2 || !b.Transactions[1].IsCoinstake() {
		return ErrMissingCoinstake
	}
	stakeOut := b.Transactions[1].Outputs[1]
	if stakeOut.Script.Type != types.ScriptTypeStake || len(stakeOut.Script.Data) != 33 {
		return fmt.Errorf("%w: malformed stake output", ErrBadBlockSignature)
	}
	headerHash := b.Header.Hash()
	if !crypto.VerifySignature(headerHash[:], b.Header.BlockSig, stakeOut.Script.Data) {
		return ErrBadBlockSignature
	}
	return nil
}

// Hash returns the block header hash.
func (b *Block) Hash() types.Hash {
	if b.Header == nil {
		return types.Hash{}
	}
	return b.Header.Hash()
}
