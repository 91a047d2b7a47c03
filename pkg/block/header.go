package block

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"

	"github.com/Klingon-tech/klingnet-chain/pkg/crypto"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// Header contains block metadata.
//
// Bits is the compact (nBits) encoding of the 256-bit target this block
// had to meet: PoW difficulty for PoW blocks, the PoS kernel weighting
// target for PoS blocks. Nonce is a plain search counter for PoW mining;
// PoS blocks carry Nonce = 0 since their proof is the stake kernel, not
// a nonce search.
type Header struct {
	Version    uint32     `json:"version"`
	PrevHash   types.Hash `json:"prev_hash"`
	MerkleRoot types.Hash `json:"merkle_root"`
	Timestamp  uint32     `json:"timestamp"`
	Height     uint64     `json:"height"`
	Bits       uint32     `json:"bits"`
	Nonce      uint32     `json:"nonce"`
	// BlockSig authenticates a PoS block against a public key recovered
	// from the coinstake transaction's second output. Empty for PoW blocks.
	BlockSig []byte `json:"block_sig,omitempty"`
}

// headerJSON is the JSON representation of Header with hex-encoded block sig.
type headerJSON struct {
	Version    uint32     `json:"version"`
	PrevHash   types.Hash `json:"prev_hash"`
	MerkleRoot types.Hash `json:"merkle_root"`
	Timestamp  uint32     `json:"timestamp"`
	Height     uint64     `json:"height"`
	Bits       uint32     `json:"bits"`
	Nonce      uint32     `json:"nonce"`
	BlockSig   string     `json:"block_sig,omitempty"`
}

// MarshalJSON encodes the header with hex-encoded block signature.
func (h *Header) MarshalJSON() ([]byte, error) {
	j := headerJSON{
		Version:    h.Version,
		PrevHash:   h.PrevHash,
		MerkleRoot: h.MerkleRoot,
		Timestamp:  h.Timestamp,
		Height:     h.Height,
		Bits:       h.Bits,
		Nonce:      h.Nonce,
	}
	if h.BlockSig != nil {
		j.BlockSig = hex.EncodeToString(h.BlockSig)
	}
	return json.Marshal(j)
}

// UnmarshalJSON decodes a header with hex-encoded block signature.
func (h *Header) UnmarshalJSON(data []byte) error {
	var j headerJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	h.Version = j.Version
	h.PrevHash = j.PrevHash
	h.MerkleRoot = j.MerkleRoot
	h.Timestamp = j.Timestamp
	h.Height = j.Height
	h.Bits = j.Bits
	h.Nonce = j.Nonce
	if j.BlockSig != "" {
		b, err := hex.DecodeString(j.BlockSig)
		if err != nil {
			return err
		}
		h.BlockSig = b
	}
	return nil
}

// Hash computes the block header hash.
// Excludes BlockSig so the hash is stable for signing.
func (h *Header) Hash() types.Hash {
	return crypto.Hash(h.SigningBytes())
}

// SigningBytes returns the canonical bytes for hashing/signing.
// Format: version(4) | prev_hash(32) | merkle_root(32) | timestamp(4) | height(8) | bits(4) | nonce(4)
func (h *Header) SigningBytes() []byte {
	buf := make([]byte, 0, 88)
	buf = binary.LittleEndian.AppendUint32(buf, h.Version)
	buf = append(buf, h.PrevHash[:]...)
	buf = append(buf, h.MerkleRoot[:]...)
	buf = binary.LittleEndian.AppendUint32(buf, h.Timestamp)
	buf = binary.LittleEndian.AppendUint64(buf, h.Height)
	buf = binary.LittleEndian.AppendUint32(buf, h.Bits)
	buf = binary.LittleEndian.AppendUint32(buf, h.Nonce)
	return buf
}
