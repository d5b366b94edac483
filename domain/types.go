// Package domain holds the wire-level types the world-state synchronizer
// decodes off-chain and on-chain: blocks, rollup proof data, inner proofs,
// and defi interaction notes. The byte layouts here are fixed-endianness
// and shared with client-side decoders, so they must stay bit-exact.
package domain

import (
	"encoding/binary"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// NumBridgeCallsPerBlock is K, the fixed number of defi bridge call slots
// carried by every rollup.
const NumBridgeCallsPerBlock = 32

// VirtualAssetIDSentinel marks a virtual (non-real) asset id and is excluded
// from asset-metrics accounting.
const VirtualAssetIDSentinel = 1 << 30

// ProofID identifies the kind of user action an InnerProof represents.
type ProofID uint8

const (
	ProofPadding ProofID = iota
	ProofDeposit
	ProofWithdraw
	ProofSend
	ProofAccount
	ProofDefiDeposit
	ProofDefiClaim
)

// IsPadding reports whether this proof id marks a padding entry.
func (p ProofID) IsPadding() bool { return p == ProofPadding }

var (
	// ErrTruncatedProofData is returned when a rollup proof byte blob is
	// shorter than its declared layout requires.
	ErrTruncatedProofData = errors.New("domain: rollup proof data truncated")
	// ErrBadInnerProofCount is returned when the inner-proof count field
	// disagrees with the remaining payload length.
	ErrBadInnerProofCount = errors.New("domain: inner proof count does not match payload length")
)

// InnerProof is one user transaction's proof data inside a rollup.
type InnerProof struct {
	ProofID         ProofID
	TxID            common.Hash
	NoteCommitment1 common.Hash
	NoteCommitment2 common.Hash
	Nullifier1      *uint256.Int
	Nullifier2      *uint256.Int
}

// innerProofByteSize is the fixed on-chain width of one inner proof entry:
// 1 (proofId) + 32 (txId) + 32*2 (commitments) + 32*2 (nullifiers).
const innerProofByteSize = 1 + 32 + 32 + 32 + 32 + 32

func decodeInnerProof(b []byte) (InnerProof, error) {
	if len(b) < innerProofByteSize {
		return InnerProof{}, ErrTruncatedProofData
	}
	var ip InnerProof
	ip.ProofID = ProofID(b[0])
	off := 1
	copy(ip.TxID[:], b[off:off+32])
	off += 32
	copy(ip.NoteCommitment1[:], b[off:off+32])
	off += 32
	copy(ip.NoteCommitment2[:], b[off:off+32])
	off += 32
	ip.Nullifier1 = new(uint256.Int).SetBytes(b[off : off+32])
	off += 32
	ip.Nullifier2 = new(uint256.Int).SetBytes(b[off : off+32])
	return ip, nil
}

// Encode serializes an InnerProof to its fixed on-chain byte width, the
// inverse of decodeInnerProof.
func (ip InnerProof) Encode() []byte {
	out := make([]byte, innerProofByteSize)
	out[0] = byte(ip.ProofID)
	off := 1
	copy(out[off:off+32], ip.TxID[:])
	off += 32
	copy(out[off:off+32], ip.NoteCommitment1[:])
	off += 32
	copy(out[off:off+32], ip.NoteCommitment2[:])
	off += 32
	if ip.Nullifier1 != nil {
		b := ip.Nullifier1.Bytes32()
		copy(out[off:off+32], b[:])
	}
	off += 32
	if ip.Nullifier2 != nil {
		b := ip.Nullifier2.Bytes32()
		copy(out[off:off+32], b[:])
	}
	return out
}

// DefiInteractionNote records the outcome of one defi bridge interaction
// slot within a rollup.
type DefiInteractionNote struct {
	BridgeID          uint64
	Nonce             uint64
	TotalInputValue   *big.Int
	TotalOutputValueA *big.Int
	TotalOutputValueB *big.Int
	Result            bool
}

// defiNoteByteSize: bridgeId(8) + nonce(8) + three 32-byte values + result(1).
const defiNoteByteSize = 8 + 8 + 32 + 32 + 32 + 1

// IsZero reports whether this is the canonical empty interaction note
// (all fields zero), the sentinel used to mark "no interaction in this slot".
func (n DefiInteractionNote) IsZero() bool {
	return n.BridgeID == 0 && n.Nonce == 0 && !n.Result &&
		(n.TotalInputValue == nil || n.TotalInputValue.Sign() == 0) &&
		(n.TotalOutputValueA == nil || n.TotalOutputValueA.Sign() == 0) &&
		(n.TotalOutputValueB == nil || n.TotalOutputValueB.Sign() == 0)
}

// DecodeDefiInteractionNote decodes a single defi interaction note from its
// fixed-width encoding, as produced by DefiInteractionNote.Encode.
func DecodeDefiInteractionNote(b []byte) (DefiInteractionNote, error) {
	return decodeDefiInteractionNote(b)
}

func decodeDefiInteractionNote(b []byte) (DefiInteractionNote, error) {
	if len(b) < defiNoteByteSize {
		return DefiInteractionNote{}, ErrTruncatedProofData
	}
	var n DefiInteractionNote
	n.BridgeID = binary.BigEndian.Uint64(b[0:8])
	n.Nonce = binary.BigEndian.Uint64(b[8:16])
	n.TotalInputValue = new(big.Int).SetBytes(b[16:48])
	n.TotalOutputValueA = new(big.Int).SetBytes(b[48:80])
	n.TotalOutputValueB = new(big.Int).SetBytes(b[80:112])
	n.Result = b[112] != 0
	return n, nil
}

// Encode serializes a DefiInteractionNote to its fixed byte width.
func (n DefiInteractionNote) Encode() []byte {
	out := make([]byte, defiNoteByteSize)
	binary.BigEndian.PutUint64(out[0:8], n.BridgeID)
	binary.BigEndian.PutUint64(out[8:16], n.Nonce)
	if n.TotalInputValue != nil {
		putBigEndian32(out[16:48], n.TotalInputValue)
	}
	if n.TotalOutputValueA != nil {
		putBigEndian32(out[48:80], n.TotalOutputValueA)
	}
	if n.TotalOutputValueB != nil {
		putBigEndian32(out[80:112], n.TotalOutputValueB)
	}
	if n.Result {
		out[112] = 1
	}
	return out
}

func putBigEndian32(dst []byte, v *big.Int) {
	b := v.Bytes()
	if len(b) > 32 {
		b = b[len(b)-32:]
	}
	copy(dst[32-len(b):], b)
}

// RollupProofData is the decoded body of a rollup's on-chain proof data blob.
type RollupProofData struct {
	RollupID             uint64
	RollupHash           common.Hash
	DataStartIndex       uint64
	NewDataRoot          common.Hash
	NewNullRoot          common.Hash
	NewDataRootsRoot     common.Hash
	NewDefiRoot          common.Hash
	BridgeIDs            [NumBridgeCallsPerBlock]uint64
	AssetIDs             []uint64
	DefiInteractionNotes [NumBridgeCallsPerBlock]DefiInteractionNote
	InnerProofData       []InnerProof
}

// IndexOfBridge returns the slot index of bridgeID within BridgeIDs, or -1.
func (r *RollupProofData) IndexOfBridge(bridgeID uint64) int {
	for i, id := range r.BridgeIDs {
		if id == bridgeID {
			return i
		}
	}
	return -1
}

// Encode serializes a RollupProofData to the same fixed-endianness layout
// DecodeRollupProofData reads, for use by test fixtures and by proof
// builders assembling a block to publish.
func (r *RollupProofData) Encode() []byte {
	out := make([]byte, 0, rollupProofFixedHeaderSize+
		NumBridgeCallsPerBlock*8+2+len(r.AssetIDs)*8+
		NumBridgeCallsPerBlock*defiNoteByteSize+4+len(r.InnerProofData)*innerProofByteSize)

	var buf8 [8]byte
	binary.BigEndian.PutUint64(buf8[:], r.RollupID)
	out = append(out, buf8[:]...)
	out = append(out, r.RollupHash[:]...)
	binary.BigEndian.PutUint64(buf8[:], r.DataStartIndex)
	out = append(out, buf8[:]...)
	out = append(out, r.NewDataRoot[:]...)
	out = append(out, r.NewNullRoot[:]...)
	out = append(out, r.NewDataRootsRoot[:]...)
	out = append(out, r.NewDefiRoot[:]...)

	for _, id := range r.BridgeIDs {
		binary.BigEndian.PutUint64(buf8[:], id)
		out = append(out, buf8[:]...)
	}

	var buf2 [2]byte
	binary.BigEndian.PutUint16(buf2[:], uint16(len(r.AssetIDs)))
	out = append(out, buf2[:]...)
	for _, id := range r.AssetIDs {
		binary.BigEndian.PutUint64(buf8[:], id)
		out = append(out, buf8[:]...)
	}

	for _, note := range r.DefiInteractionNotes {
		out = append(out, note.Encode()...)
	}

	var buf4 [4]byte
	binary.BigEndian.PutUint32(buf4[:], uint32(len(r.InnerProofData)))
	out = append(out, buf4[:]...)
	for _, ip := range r.InnerProofData {
		out = append(out, ip.Encode()...)
	}

	return out
}

// fixed header layout before the variable-length inner proof list:
// rollupId(8) rollupHash(32) dataStartIndex(8) newDataRoot(32) newNullRoot(32)
// newDataRootsRoot(32) newDefiRoot(32) bridgeIds(K*8) assetIdCount(2)
// assetIds(n*8) defiNotes(K*defiNoteByteSize) innerProofCount(4)
const rollupProofFixedHeaderSize = 8 + 32 + 8 + 32 + 32 + 32 + 32

// DecodeRollupProofData decodes the opaque rollupProofData bytes carried by
// a Block into a RollupProofData. The layout is fixed-endianness and must
// stay bit-exact with client-side decoders.
func DecodeRollupProofData(b []byte) (*RollupProofData, error) {
	if len(b) < rollupProofFixedHeaderSize {
		return nil, ErrTruncatedProofData
	}
	r := &RollupProofData{}
	off := 0
	r.RollupID = binary.BigEndian.Uint64(b[off : off+8])
	off += 8
	copy(r.RollupHash[:], b[off:off+32])
	off += 32
	r.DataStartIndex = binary.BigEndian.Uint64(b[off : off+8])
	off += 8
	copy(r.NewDataRoot[:], b[off:off+32])
	off += 32
	copy(r.NewNullRoot[:], b[off:off+32])
	off += 32
	copy(r.NewDataRootsRoot[:], b[off:off+32])
	off += 32
	copy(r.NewDefiRoot[:], b[off:off+32])
	off += 32

	if len(b) < off+NumBridgeCallsPerBlock*8 {
		return nil, ErrTruncatedProofData
	}
	for i := 0; i < NumBridgeCallsPerBlock; i++ {
		r.BridgeIDs[i] = binary.BigEndian.Uint64(b[off : off+8])
		off += 8
	}

	if len(b) < off+2 {
		return nil, ErrTruncatedProofData
	}
	assetCount := int(binary.BigEndian.Uint16(b[off : off+2]))
	off += 2
	if len(b) < off+assetCount*8 {
		return nil, ErrTruncatedProofData
	}
	r.AssetIDs = make([]uint64, assetCount)
	for i := 0; i < assetCount; i++ {
		r.AssetIDs[i] = binary.BigEndian.Uint64(b[off : off+8])
		off += 8
	}

	for i := 0; i < NumBridgeCallsPerBlock; i++ {
		if len(b) < off+defiNoteByteSize {
			return nil, ErrTruncatedProofData
		}
		note, err := decodeDefiInteractionNote(b[off : off+defiNoteByteSize])
		if err != nil {
			return nil, err
		}
		r.DefiInteractionNotes[i] = note
		off += defiNoteByteSize
	}

	if len(b) < off+4 {
		return nil, ErrTruncatedProofData
	}
	proofCount := int(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4
	if len(b) != off+proofCount*innerProofByteSize {
		return nil, ErrBadInnerProofCount
	}
	r.InnerProofData = make([]InnerProof, proofCount)
	for i := 0; i < proofCount; i++ {
		ip, err := decodeInnerProof(b[off : off+innerProofByteSize])
		if err != nil {
			return nil, err
		}
		r.InnerProofData[i] = ip
		off += innerProofByteSize
	}

	return r, nil
}

// NonPaddingInnerProofs returns the InnerProofData entries that are not
// padding, preserving order.
func (r *RollupProofData) NonPaddingInnerProofs() []InnerProof {
	out := make([]InnerProof, 0, len(r.InnerProofData))
	for _, ip := range r.InnerProofData {
		if !ip.ProofID.IsPadding() {
			out = append(out, ip)
		}
	}
	return out
}

// Block is one on-chain rollup event as delivered by the chain source.
type Block struct {
	RollupID           uint64
	Created            int64 // unix seconds
	EthTxHash           common.Hash
	RollupSize          uint64
	RollupProofData     []byte
	OffchainTxData      [][]byte
	InteractionResult   []DefiInteractionNote
	GasUsed             uint64
	GasPrice            *big.Int
}

// DecodeRollupProofData is a convenience wrapper decoding this block's
// opaque proof bytes.
func (b *Block) DecodeRollupProofData() (*RollupProofData, error) {
	return DecodeRollupProofData(b.RollupProofData)
}
