package rollupdb

import (
	"encoding/binary"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/rollupchain/falafel/domain"
)

// Fixed-layout binary encoding for the relational DAOs. bbolt stores opaque
// byte values, so every row needs an explicit codec; a nil *int64 "mined"
// timestamp is encoded as -1 since real unix timestamps are never negative.

var errShortBuffer = errors.New("rollupdb: buffer too short")

const notMined = int64(-1)

func putInt64(buf []byte, v int64) { binary.BigEndian.PutUint64(buf, uint64(v)) }
func getInt64(buf []byte) int64    { return int64(binary.BigEndian.Uint64(buf)) }

func putUint64(buf []byte, v uint64) { binary.BigEndian.PutUint64(buf, v) }
func getUint64(buf []byte) uint64    { return binary.BigEndian.Uint64(buf) }

func putMined(m *int64) int64 {
	if m == nil {
		return notMined
	}
	return *m
}

func readMined(v int64) *int64 {
	if v == notMined {
		return nil
	}
	mined := v
	return &mined
}

func putBytes(dst *[]byte, b []byte) {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b)))
	*dst = append(*dst, lenBuf[:]...)
	*dst = append(*dst, b...)
}

func readBytes(buf []byte, off int) ([]byte, int, error) {
	if len(buf) < off+4 {
		return nil, 0, errShortBuffer
	}
	n := int(binary.BigEndian.Uint32(buf[off : off+4]))
	off += 4
	if len(buf) < off+n {
		return nil, 0, errShortBuffer
	}
	return buf[off : off+n], off + n, nil
}

func putBigInt(dst *[]byte, v *big.Int) {
	if v == nil {
		v = big.NewInt(0)
	}
	putBytes(dst, v.Bytes())
}

func readBigInt(buf []byte, off int) (*big.Int, int, error) {
	b, off, err := readBytes(buf, off)
	if err != nil {
		return nil, 0, err
	}
	return new(big.Int).SetBytes(b), off, nil
}

func putHash(dst *[]byte, h common.Hash) { *dst = append(*dst, h[:]...) }

func readHash(buf []byte, off int) (common.Hash, int, error) {
	if len(buf) < off+32 {
		return common.Hash{}, 0, errShortBuffer
	}
	var h common.Hash
	copy(h[:], buf[off:off+32])
	return h, off + 32, nil
}

// --- TxDao ---

func encodeTx(t *domain.TxDao) []byte {
	buf := make([]byte, 0, 256)
	putHash(&buf, t.ID)
	putBytes(&buf, t.Proof)
	putBytes(&buf, t.OffchainData)
	putHash(&buf, t.Nullifier1)
	putHash(&buf, t.Nullifier2)
	var scratch [8]byte
	putInt64(scratch[:], t.Created)
	buf = append(buf, scratch[:]...)
	putInt64(scratch[:], putMined(t.Mined))
	buf = append(buf, scratch[:]...)
	putUint64(scratch[:], uint64(t.TxType))
	buf = append(buf, scratch[:]...)
	putUint64(scratch[:], t.ExcessGas)
	buf = append(buf, scratch[:]...)
	return buf
}

func decodeTx(buf []byte) (*domain.TxDao, error) {
	t := &domain.TxDao{}
	var off int
	var err error
	if t.ID, off, err = readHash(buf, 0); err != nil {
		return nil, err
	}
	if t.Proof, off, err = readBytes(buf, off); err != nil {
		return nil, err
	}
	if t.OffchainData, off, err = readBytes(buf, off); err != nil {
		return nil, err
	}
	if t.Nullifier1, off, err = readHash(buf, off); err != nil {
		return nil, err
	}
	if t.Nullifier2, off, err = readHash(buf, off); err != nil {
		return nil, err
	}
	if len(buf) < off+32 {
		return nil, errShortBuffer
	}
	t.Created = getInt64(buf[off : off+8])
	off += 8
	t.Mined = readMined(getInt64(buf[off : off+8]))
	off += 8
	t.TxType = domain.TxType(getUint64(buf[off : off+8]))
	off += 8
	t.ExcessGas = getUint64(buf[off : off+8])
	return t, nil
}

// --- RollupProofDao (txs stored as a list of tx ids, resolved via the tx bucket) ---

func encodeRollupProof(p *domain.RollupProofDao, txIDs []common.Hash) []byte {
	buf := make([]byte, 0, 256)
	putHash(&buf, p.RollupHash)
	var scratch [8]byte
	putUint64(scratch[:], p.RollupSize)
	buf = append(buf, scratch[:]...)
	putUint64(scratch[:], p.DataStartIndex)
	buf = append(buf, scratch[:]...)
	putBytes(&buf, p.Proof)
	putUint64(scratch[:], uint64(len(txIDs)))
	buf = append(buf, scratch[:]...)
	for _, id := range txIDs {
		putHash(&buf, id)
	}
	return buf
}

func decodeRollupProof(buf []byte) (*domain.RollupProofDao, []common.Hash, error) {
	p := &domain.RollupProofDao{}
	var off int
	var err error
	if p.RollupHash, off, err = readHash(buf, 0); err != nil {
		return nil, nil, err
	}
	if len(buf) < off+16 {
		return nil, nil, errShortBuffer
	}
	p.RollupSize = getUint64(buf[off : off+8])
	off += 8
	p.DataStartIndex = getUint64(buf[off : off+8])
	off += 8
	if p.Proof, off, err = readBytes(buf, off); err != nil {
		return nil, nil, err
	}
	if len(buf) < off+8 {
		return nil, nil, errShortBuffer
	}
	n := getUint64(buf[off : off+8])
	off += 8
	ids := make([]common.Hash, n)
	for i := range ids {
		if ids[i], off, err = readHash(buf, off); err != nil {
			return nil, nil, err
		}
	}
	return p, ids, nil
}

// --- RollupDao ---

func encodeRollup(r *domain.RollupDao) []byte {
	buf := make([]byte, 0, 512)
	var scratch [8]byte
	putUint64(scratch[:], r.RollupID)
	buf = append(buf, scratch[:]...)
	putHash(&buf, r.DataRoot)
	var proofHash common.Hash
	if r.RollupProof != nil {
		proofHash = r.RollupProof.RollupHash
	}
	putHash(&buf, proofHash)
	putHash(&buf, r.EthTxHash)
	putInt64(scratch[:], r.Created)
	buf = append(buf, scratch[:]...)
	putInt64(scratch[:], putMined(r.Mined))
	buf = append(buf, scratch[:]...)
	putUint64(scratch[:], uint64(len(r.InteractionResult)))
	buf = append(buf, scratch[:]...)
	for _, n := range r.InteractionResult {
		putBytes(&buf, n.Encode())
	}
	putUint64(scratch[:], r.GasUsed)
	buf = append(buf, scratch[:]...)
	putBigInt(&buf, r.GasPrice)
	return buf
}

func decodeRollup(buf []byte) (r *domain.RollupDao, proofHash common.Hash, err error) {
	r = &domain.RollupDao{}
	off := 0
	if len(buf) < 8 {
		return nil, common.Hash{}, errShortBuffer
	}
	r.RollupID = getUint64(buf[0:8])
	off = 8
	if r.DataRoot, off, err = readHash(buf, off); err != nil {
		return nil, common.Hash{}, err
	}
	if proofHash, off, err = readHash(buf, off); err != nil {
		return nil, common.Hash{}, err
	}
	if r.EthTxHash, off, err = readHash(buf, off); err != nil {
		return nil, common.Hash{}, err
	}
	if len(buf) < off+16 {
		return nil, common.Hash{}, errShortBuffer
	}
	r.Created = getInt64(buf[off : off+8])
	off += 8
	r.Mined = readMined(getInt64(buf[off : off+8]))
	off += 8
	if len(buf) < off+8 {
		return nil, common.Hash{}, errShortBuffer
	}
	n := getUint64(buf[off : off+8])
	off += 8
	r.InteractionResult = make([]domain.DefiInteractionNote, n)
	for i := range r.InteractionResult {
		var nb []byte
		if nb, off, err = readBytes(buf, off); err != nil {
			return nil, common.Hash{}, err
		}
		note, derr := decodeDefiNote(nb)
		if derr != nil {
			return nil, common.Hash{}, derr
		}
		r.InteractionResult[i] = note
	}
	if len(buf) < off+8 {
		return nil, common.Hash{}, errShortBuffer
	}
	r.GasUsed = getUint64(buf[off : off+8])
	off += 8
	if r.GasPrice, off, err = readBigInt(buf, off); err != nil {
		return nil, common.Hash{}, err
	}
	return r, proofHash, nil
}

func decodeDefiNote(b []byte) (domain.DefiInteractionNote, error) {
	return domain.DecodeDefiInteractionNote(b)
}

// --- ClaimDao ---

func encodeClaim(c *domain.ClaimDao) []byte {
	buf := make([]byte, 0, 256)
	var scratch [8]byte
	putUint64(scratch[:], c.LeafIndex)
	buf = append(buf, scratch[:]...)
	putHash(&buf, c.Nullifier)
	putUint64(scratch[:], c.BridgeID)
	buf = append(buf, scratch[:]...)
	putBigInt(&buf, c.DepositValue)
	putHash(&buf, c.PartialState)
	putHash(&buf, c.PartialStateSecretEph)
	putHash(&buf, c.InputNullifier)
	putUint64(scratch[:], c.InteractionNonce)
	buf = append(buf, scratch[:]...)
	putBigInt(&buf, c.Fee)
	putInt64(scratch[:], c.Created)
	buf = append(buf, scratch[:]...)
	putInt64(scratch[:], putMined(c.Mined))
	buf = append(buf, scratch[:]...)
	putUint64(scratch[:], putResultRollupID(c.ResultRollupID))
	buf = append(buf, scratch[:]...)
	return buf
}

// noResultRollupID marks an absent ResultRollupID; real rollup ids are
// assigned starting at 0, so the all-ones sentinel can never collide.
const noResultRollupID = ^uint64(0)

func putResultRollupID(v *uint64) uint64 {
	if v == nil {
		return noResultRollupID
	}
	return *v
}

func readResultRollupID(v uint64) *uint64 {
	if v == noResultRollupID {
		return nil
	}
	id := v
	return &id
}

func decodeClaim(buf []byte) (*domain.ClaimDao, error) {
	c := &domain.ClaimDao{}
	var off int
	var err error
	if len(buf) < 8 {
		return nil, errShortBuffer
	}
	c.LeafIndex = getUint64(buf[0:8])
	off = 8
	if c.Nullifier, off, err = readHash(buf, off); err != nil {
		return nil, err
	}
	if len(buf) < off+8 {
		return nil, errShortBuffer
	}
	c.BridgeID = getUint64(buf[off : off+8])
	off += 8
	if c.DepositValue, off, err = readBigInt(buf, off); err != nil {
		return nil, err
	}
	if c.PartialState, off, err = readHash(buf, off); err != nil {
		return nil, err
	}
	if c.PartialStateSecretEph, off, err = readHash(buf, off); err != nil {
		return nil, err
	}
	if c.InputNullifier, off, err = readHash(buf, off); err != nil {
		return nil, err
	}
	if len(buf) < off+8 {
		return nil, errShortBuffer
	}
	c.InteractionNonce = getUint64(buf[off : off+8])
	off += 8
	if c.Fee, off, err = readBigInt(buf, off); err != nil {
		return nil, err
	}
	if len(buf) < off+16 {
		return nil, errShortBuffer
	}
	c.Created = getInt64(buf[off : off+8])
	off += 8
	c.Mined = readMined(getInt64(buf[off : off+8]))
	off += 8
	if len(buf) < off+8 {
		return nil, errShortBuffer
	}
	c.ResultRollupID = readResultRollupID(getUint64(buf[off : off+8]))
	return c, nil
}

// --- AccountDao ---

func encodeAccount(a *domain.AccountDao) []byte {
	buf := make([]byte, 0, 72)
	putHash(&buf, a.AliasHash)
	putHash(&buf, a.AccountPK)
	var scratch [8]byte
	putUint64(scratch[:], a.Nonce)
	buf = append(buf, scratch[:]...)
	return buf
}

func decodeAccount(buf []byte) (*domain.AccountDao, error) {
	a := &domain.AccountDao{}
	var off int
	var err error
	if a.AliasHash, off, err = readHash(buf, 0); err != nil {
		return nil, err
	}
	if a.AccountPK, off, err = readHash(buf, off); err != nil {
		return nil, err
	}
	if len(buf) < off+8 {
		return nil, errShortBuffer
	}
	a.Nonce = getUint64(buf[off : off+8])
	return a, nil
}

// --- AssetMetricsDao ---

func encodeAssetMetrics(a *domain.AssetMetricsDao) []byte {
	buf := make([]byte, 0, 256)
	var scratch [8]byte
	putUint64(scratch[:], a.RollupID)
	buf = append(buf, scratch[:]...)
	putUint64(scratch[:], a.AssetID)
	buf = append(buf, scratch[:]...)
	putBigInt(&buf, a.TotalDeposited)
	putBigInt(&buf, a.TotalWithdrawn)
	putBigInt(&buf, a.TotalDefiDeposited)
	putBigInt(&buf, a.TotalDefiClaimed)
	putBigInt(&buf, a.TotalFees)
	putBigInt(&buf, a.ContractBalance)
	return buf
}

func decodeAssetMetrics(buf []byte) (*domain.AssetMetricsDao, error) {
	a := &domain.AssetMetricsDao{}
	if len(buf) < 16 {
		return nil, errShortBuffer
	}
	a.RollupID = getUint64(buf[0:8])
	a.AssetID = getUint64(buf[8:16])
	off := 16
	var err error
	if a.TotalDeposited, off, err = readBigInt(buf, off); err != nil {
		return nil, err
	}
	if a.TotalWithdrawn, off, err = readBigInt(buf, off); err != nil {
		return nil, err
	}
	if a.TotalDefiDeposited, off, err = readBigInt(buf, off); err != nil {
		return nil, err
	}
	if a.TotalDefiClaimed, off, err = readBigInt(buf, off); err != nil {
		return nil, err
	}
	if a.TotalFees, off, err = readBigInt(buf, off); err != nil {
		return nil, err
	}
	if a.ContractBalance, _, err = readBigInt(buf, off); err != nil {
		return nil, err
	}
	return a, nil
}

func assetMetricsKey(assetID, rollupID uint64) []byte {
	buf := make([]byte, 16)
	putUint64(buf[0:8], assetID)
	putUint64(buf[8:16], rollupID)
	return buf
}
