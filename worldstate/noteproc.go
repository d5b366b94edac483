package worldstate

import (
	"encoding/binary"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/rollupchain/falafel/crypto"
)

// NoteAlgorithms derives claim note commitments and nullifiers for
// DEFI_DEPOSIT processing. The real circuit-level note algorithms are a
// SNARK concern and out of scope for this package; this interface is the
// external collaborator boundary the spec calls for.
type NoteAlgorithms interface {
	ComputeClaimNoteCommitment(bridgeID uint64, depositValue *big.Int, partialState, partialStateSecretEphPubKey common.Hash, interactionNonce uint64) common.Hash
	ComputeNullifier(noteCommitment common.Hash) common.Hash
}

// hashNoteAlgorithms is a deterministic, hash-based stand-in for the real
// note algorithms: domain-separated Keccak256 over the claim's fields.
// Sufficient to exercise claim bookkeeping; not a cryptographic commitment
// scheme. When tracker is non-nil, every commitment/nullifier it derives is
// recorded so the exact preimage bytes can be recovered later -- the debug
// affordance crypto.PreimageTracker exists for (see its doc comment): when
// a rollup's claim bookkeeping diverges from a competitor's, the operator
// can look up the fields that actually produced a given commitment hash.
type hashNoteAlgorithms struct {
	tracker *crypto.PreimageTracker
}

// NewHashNoteAlgorithms returns the default NoteAlgorithms implementation,
// with preimage tracking disabled.
func NewHashNoteAlgorithms() NoteAlgorithms { return hashNoteAlgorithms{} }

// NewHashNoteAlgorithmsWithTracker is like NewHashNoteAlgorithms but records
// every commitment/nullifier preimage into tracker for later lookup.
func NewHashNoteAlgorithmsWithTracker(tracker *crypto.PreimageTracker) NoteAlgorithms {
	return hashNoteAlgorithms{tracker: tracker}
}

var (
	claimNoteDomain = []byte("falafel/claim-note")
	nullifierDomain = []byte("falafel/claim-nullifier")
)

func (a hashNoteAlgorithms) ComputeClaimNoteCommitment(bridgeID uint64, depositValue *big.Int, partialState, partialStateSecretEphPubKey common.Hash, interactionNonce uint64) common.Hash {
	h := crypto.NewIncrementalHasher()
	h.WriteUint64(bridgeID)
	if depositValue != nil {
		h.Write(depositValue.Bytes())
	}
	h.WriteHash(partialState)
	h.WriteHash(partialStateSecretEphPubKey)
	h.WriteUint64(interactionNonce)
	digest := h.Sum256()
	return a.domainHash(claimNoteDomain, digest[:])
}

func (a hashNoteAlgorithms) ComputeNullifier(noteCommitment common.Hash) common.Hash {
	return a.domainHash(nullifierDomain, noteCommitment[:])
}

// domainHash computes crypto.DomainSeparatedHash(domain, data), routing
// through the preimage tracker (when set) so the exact domain-prefixed
// bytes are recoverable by hash. The tracker hashes with plain Keccak256,
// so the bytes handed to it are assembled to match DomainSeparatedHash's
// internal layout exactly, keeping the returned hash identical either way.
func (a hashNoteAlgorithms) domainHash(domain, data []byte) common.Hash {
	if a.tracker == nil {
		return crypto.DomainSeparatedHash(domain, data)
	}
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(domain)))
	combined := make([]byte, 0, len(lenBuf)+len(domain)+len(data))
	combined = append(combined, lenBuf[:]...)
	combined = append(combined, domain...)
	combined = append(combined, data...)
	return a.tracker.Record(combined)
}

// BridgeAssetMap resolves a bridge id to the asset ids of its input and two
// output slots, needed to attribute defi claim/deposit values to an asset in
// asset-metrics accounting. Real bridge configuration lives in the rollup
// contract; this is the external collaborator boundary.
type BridgeAssetMap interface {
	AssetsForBridge(bridgeID uint64) (inputAssetID, outputAssetIDA, outputAssetIDB uint64)
}

// StaticBridgeAssetMap is a BridgeAssetMap backed by a fixed table, suitable
// for tests and for chains whose bridge set is configured at genesis.
type StaticBridgeAssetMap map[uint64][3]uint64

func (m StaticBridgeAssetMap) AssetsForBridge(bridgeID uint64) (uint64, uint64, uint64) {
	if assets, ok := m[bridgeID]; ok {
		return assets[0], assets[1], assets[2]
	}
	return 0, 0, 0
}
