package tx

import (
	"errors"
	"fmt"

	"github.com/Klingon-tech/klingnet-chain/config"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// Standardness errors. These are relay/mempool policy, distinct from the
// consensus validity checked by Validate/ValidateWithUTXOs: a transaction
// can be perfectly valid and still rejected here because it is wasteful or
// unusual to relay.
var (
	ErrNonStandardVersion = errors.New("non-standard transaction version")
	ErrNonStandardSize    = errors.New("transaction exceeds standard size")
	ErrNonStandardScript  = errors.New("non-standard script type")
	ErrNonStandardSig     = errors.New("non-standard signature size")
	ErrDustOutput         = errors.New("output below dust threshold")
	ErrTooManyDataOutputs = errors.New("too many data-carrier outputs")
	ErrFutureTimestamp    = errors.New("transaction time too far in the future")
)

// maxStandardSigSize bounds signature+pubkey size on a spending input.
// Consensus places no limit beyond MaxScriptData; this catches scripts
// that are valid but needlessly large to relay.
const maxStandardSigSize = 520

// standardScriptTypes are the output script types relayed by default.
// ScriptTypeBridge is excluded: a bridge lock is only standard once it
// targets a recognized cross-chain anchor, which relay policy alone
// cannot verify.
var standardScriptTypes = map[types.ScriptType]bool{
	types.ScriptTypeP2PKH:    true,
	types.ScriptTypeP2SH:     true,
	types.ScriptTypeMint:     true,
	types.ScriptTypeBurn:     true,
	types.ScriptTypeRegister: true,
	types.ScriptTypeStake:    true,
}

// DustThreshold returns the smallest output value considered economical to
// spend later at the given relay fee rate (base units per byte): three
// times the cost of including a typical spending input, mirroring the
// classic dust rule.
func DustThreshold(relayFeeRate uint64) uint64 {
	const typicalInputSize = 148
	return 3 * relayFeeRate * typicalInputSize
}

// IsStandard applies mempool/relay policy on top of consensus validity:
// a recognized version, bounded size, a timestamp not too far ahead of
// now, standard script types, bounded signature sizes, no dust outputs,
// and at most one data-carrier (burn) output.
func IsStandard(t *Transaction, now uint32, relayFeeRate uint64) error {
	if t.Version != 1 {
		return fmt.Errorf("%w: %d", ErrNonStandardVersion, t.Version)
	}

	if size := len(t.SigningBytes()); size > config.MaxStandardTxSize {
		return fmt.Errorf("%w: %d bytes, max %d", ErrNonStandardSize, size, config.MaxStandardTxSize)
	}

	if t.Time > now+config.FutureDrift {
		return fmt.Errorf("%w: %d exceeds now+drift %d", ErrFutureTimestamp, t.Time, now+config.FutureDrift)
	}

	for i, in := range t.Inputs {
		if in.PrevOut.IsZero() {
			continue // Coinbase.
		}
		if len(in.Signature)+len(in.PubKey) > maxStandardSigSize {
			return fmt.Errorf("input %d: %w: %d bytes", i, ErrNonStandardSig, len(in.Signature)+len(in.PubKey))
		}
	}

	isCoinstakeMarker := t.IsCoinstake()
	var dataOutputs int
	dust := DustThreshold(relayFeeRate)
	for i, out := range t.Outputs {
		if !standardScriptTypes[out.Script.Type] {
			return fmt.Errorf("output %d: %w: %s", i, ErrNonStandardScript, out.Script.Type)
		}
		if out.Script.Type == types.ScriptTypeBurn {
			dataOutputs++
		}
		if i == 0 && isCoinstakeMarker {
			continue // Coinstake marker output is exempt from dust.
		}
		if out.Token == nil && out.Value < dust {
			return fmt.Errorf("output %d: %w: %d < %d", i, ErrDustOutput, out.Value, dust)
		}
	}
	if dataOutputs > 1 {
		return fmt.Errorf("%w: %d", ErrTooManyDataOutputs, dataOutputs)
	}

	return nil
}
