package domain

import (
	"encoding/binary"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// OffchainDefiDepositData is the portion of a DEFI_DEPOSIT inner proof's
// off-chain blob the core reads. The remaining bytes of the blob (proof
// witnesses, encrypted viewing data) are opaque to the synchronizer.
type OffchainDefiDepositData struct {
	BridgeID                    uint64
	TxFee                       *big.Int
	DepositValue                *big.Int
	PartialState                common.Hash
	PartialStateSecretEphPubKey common.Hash
	InputNullifier              common.Hash
}

const offchainDefiDepositDataSize = 8 + 32 + 32 + 32 + 32 + 32

// DecodeOffchainDefiDepositData decodes the fixed-width prefix of a
// DEFI_DEPOSIT inner proof's off-chain data blob.
func DecodeOffchainDefiDepositData(b []byte) (OffchainDefiDepositData, error) {
	if len(b) < offchainDefiDepositDataSize {
		return OffchainDefiDepositData{}, ErrTruncatedProofData
	}
	var d OffchainDefiDepositData
	d.BridgeID = binary.BigEndian.Uint64(b[0:8])
	d.TxFee = new(big.Int).SetBytes(b[8:40])
	d.DepositValue = new(big.Int).SetBytes(b[40:72])
	copy(d.PartialState[:], b[72:104])
	copy(d.PartialStateSecretEphPubKey[:], b[104:136])
	copy(d.InputNullifier[:], b[136:168])
	return d, nil
}

// Encode serializes an OffchainDefiDepositData back to its fixed byte
// width, the inverse of DecodeOffchainDefiDepositData. Used by tests to
// construct synthetic off-chain blobs.
func (d OffchainDefiDepositData) Encode() []byte {
	out := make([]byte, offchainDefiDepositDataSize)
	binary.BigEndian.PutUint64(out[0:8], d.BridgeID)
	if d.TxFee != nil {
		putBigEndian32(out[8:40], d.TxFee)
	}
	if d.DepositValue != nil {
		putBigEndian32(out[40:72], d.DepositValue)
	}
	copy(out[72:104], d.PartialState[:])
	copy(out[104:136], d.PartialStateSecretEphPubKey[:])
	copy(out[136:168], d.InputNullifier[:])
	return out
}

// OffchainValueTxData is the off-chain blob carried by DEPOSIT and WITHDRAW
// inner proofs: which asset moved and by how much.
type OffchainValueTxData struct {
	AssetID uint64
	Value   *big.Int
}

const offchainValueTxDataSize = 8 + 32

// DecodeOffchainValueTxData decodes a DEPOSIT/WITHDRAW off-chain blob.
func DecodeOffchainValueTxData(b []byte) (OffchainValueTxData, error) {
	if len(b) < offchainValueTxDataSize {
		return OffchainValueTxData{}, ErrTruncatedProofData
	}
	var d OffchainValueTxData
	d.AssetID = binary.BigEndian.Uint64(b[0:8])
	d.Value = new(big.Int).SetBytes(b[8:40])
	return d, nil
}

// Encode serializes an OffchainValueTxData back to its fixed byte width.
func (d OffchainValueTxData) Encode() []byte {
	out := make([]byte, offchainValueTxDataSize)
	binary.BigEndian.PutUint64(out[0:8], d.AssetID)
	if d.Value != nil {
		putBigEndian32(out[8:40], d.Value)
	}
	return out
}
