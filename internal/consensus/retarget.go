package consensus

import (
	"math/big"
	"sort"

	"github.com/Klingon-tech/klingnet-chain/config"
	"github.com/Klingon-tech/klingnet-chain/pkg/bignum"
)

// BlockTimeSource looks up a recent block's timestamp and height, walking
// backward from the chain tip. height 0 is genesis.
type BlockTimeSource interface {
	// TimestampAt returns the Unix timestamp of the block at height.
	TimestampAt(height uint64) (uint32, error)
}

// NextTarget computes the compact target bits required for the block that
// follows (prevHeight, prevBits, prevTimestamp), given the timestamp of the
// block being built. It dispatches between three historical formulas the
// same way the reference client does: heights below RetargetV1Height
// always use V1; once the RetargetCorrection fork is active, V3 takes
// over; otherwise V2 applies.
func NextTarget(rules *config.ConsensusRules, forks *config.ForkSchedule, src BlockTimeSource, prevHeight uint64, prevBits uint32, newHeight uint64, newTimestamp uint32) (uint32, error) {
	if newHeight < config.RetargetV1Height {
		return nextTargetV1(rules, src, prevHeight, prevBits, newTimestamp)
	}
	if forks != nil && forks.RetargetCorrectionActive(newHeight) {
		return nextTargetV3(rules, forks, src, prevHeight, prevBits, newTimestamp)
	}
	return nextTargetV2(rules, src, prevHeight, prevBits, newTimestamp)
}

// nextTargetV1 is the original, uncorrected retarget: a single-sample
// actual spacing (no floor on negative spacing) blended against the target
// spacing over one full TargetTimeSpan window.
func nextTargetV1(rules *config.ConsensusRules, src BlockTimeSource, prevHeight uint64, prevBits uint32, newTimestamp uint32) (uint32, error) {
	targetSpacing := int64(rules.TargetSpacingSeconds())
	targetTimeSpan := int64(rules.TargetTimeSpanSeconds())
	nInterval := targetTimeSpan / targetSpacing

	prevTS, err := src.TimestampAt(prevHeight)
	if err != nil {
		return 0, err
	}

	actualSpacing := int64(newTimestamp) - int64(prevTS)
	if prevHeight == 0 {
		actualSpacing = targetSpacing
	}

	bnNew := bignum.CompactToBig(prevBits)
	bnNew.Mul(bnNew, big.NewInt((nInterval-1)*targetSpacing+2*actualSpacing))
	bnNew.Div(bnNew, big.NewInt((nInterval+1)*targetSpacing))

	limit := config.GenesisProofTargetLimit()
	if bnNew.Sign() <= 0 || bnNew.Cmp(limit) > 0 {
		bnNew = new(big.Int).Set(limit)
	}
	return bignum.BigToCompact(bnNew), nil
}

// nextTargetV2 adds a floor on negative/implausible spacing (clamped to
// TargetSpacing) over the original V1 formula.
func nextTargetV2(rules *config.ConsensusRules, src BlockTimeSource, prevHeight uint64, prevBits uint32, newTimestamp uint32) (uint32, error) {
	targetSpacing := int64(rules.TargetSpacingSeconds())
	targetTimeSpan := int64(rules.TargetTimeSpanSeconds())
	nInterval := targetTimeSpan / targetSpacing

	prevTS, err := src.TimestampAt(prevHeight)
	if err != nil {
		return 0, err
	}

	actualSpacing := int64(newTimestamp) - int64(prevTS)
	if actualSpacing < 0 {
		actualSpacing = targetSpacing
	}

	bnNew := bignum.CompactToBig(prevBits)
	bnNew.Mul(bnNew, big.NewInt((nInterval-1)*targetSpacing+2*actualSpacing))
	bnNew.Div(bnNew, big.NewInt((nInterval+1)*targetSpacing))

	limit := config.GenesisProofTargetLimit()
	if bnNew.Sign() <= 0 || bnNew.Cmp(limit) > 0 {
		bnNew = new(big.Int).Set(limit)
	}
	return bignum.BigToCompact(bnNew), nil
}

// v3Constants mirror the reference client's tuning for the corrected
// retarget: k widens the harmonic-mean window, l and m bias the blend
// toward the actual multi-block average rather than a single sample.
const (
	v3K = 15
	v3L = 7
	v3M = 90
)

// nextTargetV3 replaces the single-sample spacing with the mean spacing
// over the last few blocks (bounded by TargetAverageBlockCount, counted
// from the RetargetCorrection fork height), smoothing out the single-block
// noise V1/V2 are vulnerable to.
func nextTargetV3(rules *config.ConsensusRules, forks *config.ForkSchedule, src BlockTimeSource, prevHeight uint64, prevBits uint32, newTimestamp uint32) (uint32, error) {
	targetSpacing := int64(rules.TargetSpacingSeconds())
	targetTimeSpan := int64(rules.TargetTimeSpanSeconds())
	nInterval := targetTimeSpan / targetSpacing

	actualSpacing, err := calculateActualBlockSpacingV3(rules, forks, src, prevHeight)
	if err != nil {
		return 0, err
	}

	bnNew := bignum.CompactToBig(prevBits)
	bnNew.Mul(bnNew, big.NewInt((nInterval-v3L+v3K)*targetSpacing+(v3M+v3L)*actualSpacing))
	bnNew.Div(bnNew, big.NewInt((nInterval+v3K)*targetSpacing+v3M*actualSpacing))

	limit := config.GenesisProofTargetLimit()
	if bnNew.Sign() <= 0 || bnNew.Cmp(limit) > 0 {
		bnNew = new(big.Int).Set(limit)
	}
	return bignum.BigToCompact(bnNew), nil
}

// calculateActualBlockSpacingV3 averages the gaps between the last N block
// timestamps (sorted, to resist a single out-of-order timestamp skewing the
// result), where N is bounded to [2, TargetAverageBlockCount] and never
// reaches further back than the RetargetCorrection fork height.
func calculateActualBlockSpacingV3(rules *config.ConsensusRules, forks *config.ForkSchedule, src BlockTimeSource, prevHeight uint64) (int64, error) {
	forkHeight := uint64(0)
	if forks != nil {
		forkHeight = forks.RetargetCorrection
	}

	n := rules.TargetAverageBlockCountBlocks()
	if available := int64(prevHeight) - int64(forkHeight) + 1; available < n {
		n = available
	}
	if n < 2 {
		n = 2
	}

	timestamps := make([]int64, 0, n)
	for i := int64(0); i < n; i++ {
		h := prevHeight - uint64(i)
		ts, err := src.TimestampAt(h)
		if err != nil {
			return int64(rules.TargetSpacingSeconds()), nil
		}
		timestamps = append(timestamps, int64(ts))
	}
	sort.Slice(timestamps, func(i, j int) bool { return timestamps[i] < timestamps[j] })

	// Mean of adjacent differences, skipping the first (a plain copy of the
	// first element, per the adjacent-difference algorithm this mirrors).
	var sum int64
	for i := 1; i < len(timestamps); i++ {
		sum += timestamps[i] - timestamps[i-1]
	}
	if len(timestamps) <= 1 {
		return int64(rules.TargetSpacingSeconds()), nil
	}
	return sum / int64(len(timestamps)-1), nil
}
