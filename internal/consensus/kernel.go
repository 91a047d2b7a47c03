package consensus

import (
	"encoding/binary"
	"fmt"
	"math/big"

	"github.com/Klingon-tech/klingnet-chain/pkg/bignum"
	"github.com/Klingon-tech/klingnet-chain/pkg/crypto"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// KernelInput describes the previous output a coinstake transaction
// consumes as its stake: the outpoint itself, its value, and the
// timestamp of the block that created it (the input to coin-age weighting).
type KernelInput struct {
	Outpoint  types.Outpoint
	Value     uint64
	BlockTime uint32
}

// KernelEvaluator checks the PPCoin-style proof-of-stake kernel. A
// coinstake transaction is valid proof of stake only if hashing its stake
// input together with the current stake modifier and the transaction's
// own timestamp produces a value below a target scaled by the input's
// value-weighted coin-age — larger or older stakes get a proportionally
// easier time meeting target, so difficulty scales with economic weight
// rather than raw hash power. This is distinct from UTXOStakeChecker,
// which only checks a validator has *some* stake locked; KernelEvaluator
// checks whether a specific stake input is valid *proof* for a specific
// block.
type KernelEvaluator struct {
	stakeMinAge uint32
	stakeMaxAge uint32
}

// NewKernelEvaluator creates a kernel evaluator with the given coin-age
// bounds (seconds).
func NewKernelEvaluator(stakeMinAge, stakeMaxAge uint32) *KernelEvaluator {
	return &KernelEvaluator{stakeMinAge: stakeMinAge, stakeMaxAge: stakeMaxAge}
}

// CoinAge returns the weighted age, in seconds, of a stake input as of
// spendTime: the time since the output matured, capped at stakeMaxAge so
// very old coins do not dominate weight indefinitely. Returns an error if
// the input has not yet cleared stakeMinAge.
func (k *KernelEvaluator) CoinAge(in KernelInput, spendTime uint32) (uint32, error) {
	if spendTime < in.BlockTime {
		return 0, fmt.Errorf("stake spend time %d precedes output time %d", spendTime, in.BlockTime)
	}
	age := spendTime - in.BlockTime
	if age < k.stakeMinAge {
		return 0, fmt.Errorf("stake input age %ds below minimum %ds", age, k.stakeMinAge)
	}
	if age > k.stakeMaxAge {
		age = k.stakeMaxAge
	}
	return age, nil
}

// KernelHash computes H(modifier || output_block_time || prevout_index ||
// prevout_txid || tx_time), the value the kernel target test is run
// against.
func KernelHash(modifier uint64, in KernelInput, txTime uint32) types.Hash {
	buf := make([]byte, 0, 8+4+4+types.HashSize+4)
	buf = binary.LittleEndian.AppendUint64(buf, modifier)
	buf = binary.LittleEndian.AppendUint32(buf, in.BlockTime)
	buf = binary.LittleEndian.AppendUint32(buf, in.Outpoint.Index)
	buf = append(buf, in.Outpoint.TxID[:]...)
	buf = binary.LittleEndian.AppendUint32(buf, txTime)
	return crypto.Hash(buf)
}

// CheckKernel reports whether stake input in satisfies the kernel target
// encoded by bits at the given transaction time: kernel_hash as an
// integer must fall below target * weight, where weight = value *
// coin-age.
func (k *KernelEvaluator) CheckKernel(modifier uint64, in KernelInput, txTime uint32, bits uint32) (bool, error) {
	age, err := k.CoinAge(in, txTime)
	if err != nil {
		return false, err
	}
	if in.Value == 0 {
		return false, fmt.Errorf("stake input has zero value")
	}

	weight := new(big.Int).Mul(big.NewInt(int64(in.Value)), big.NewInt(int64(age)))

	hash := KernelHash(modifier, in, txTime)
	hashInt := new(big.Int).SetBytes(hash[:])

	target := bignum.CompactToBig(bits)
	scaledTarget := new(big.Int).Mul(target, weight)

	return hashInt.Cmp(scaledTarget) < 0, nil
}

// NextStakeModifier derives the stake modifier effective after a block
// timestamped newTimestamp, given the previous modifier and the time it
// was last regenerated. The modifier is regenerated at most once per
// modifierInterval seconds; blocks falling inside the same interval carry
// the previous modifier forward unchanged, so nearby blocks' kernel
// computations share a modifier. proofHash (the new block's proof hash)
// seeds the regenerated value so it cannot be predicted before the block
// that triggers regeneration is known.
func NextStakeModifier(prevModifier uint64, prevModifierTime, newTimestamp, modifierInterval uint32, proofHash types.Hash) (modifier uint64, checksum uint32, regenerated bool) {
	if modifierInterval == 0 || newTimestamp/modifierInterval == prevModifierTime/modifierInterval {
		return prevModifier, modifierChecksum(prevModifier), false
	}

	buf := make([]byte, 0, 8+types.HashSize+4)
	buf = binary.LittleEndian.AppendUint64(buf, prevModifier)
	buf = append(buf, proofHash[:]...)
	buf = binary.LittleEndian.AppendUint32(buf, newTimestamp)
	h := crypto.Hash(buf)

	modifier = binary.LittleEndian.Uint64(h[:8])
	return modifier, modifierChecksum(modifier), true
}

// modifierChecksum derives a short checksum for a stake modifier so peers
// can flag divergence without exchanging the full 64-bit value.
func modifierChecksum(modifier uint64) uint32 {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], modifier)
	h := crypto.Hash(buf[:])
	return binary.LittleEndian.Uint32(h[:4])
}
