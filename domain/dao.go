package domain

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// TxType classifies a TxDao by the user action it represents, derived from
// the InnerProof.ProofID that produced it.
type TxType int

const (
	TxDeposit TxType = iota
	TxWithdraw
	TxSend
	TxAccount
	TxDefiDeposit
	TxDefiClaim
)

// TxTypeFromProofID maps an inner-proof kind to the stored tx type.
func TxTypeFromProofID(p ProofID) TxType {
	switch p {
	case ProofDeposit:
		return TxDeposit
	case ProofWithdraw:
		return TxWithdraw
	case ProofAccount:
		return TxAccount
	case ProofDefiDeposit:
		return TxDefiDeposit
	case ProofDefiClaim:
		return TxDefiClaim
	default:
		return TxSend
	}
}

// TxDao is a pending or settled user transaction record.
type TxDao struct {
	ID             common.Hash
	Proof          []byte
	OffchainData   []byte
	Nullifier1     common.Hash
	Nullifier2     common.Hash
	Created        int64
	Mined          *int64
	TxType         TxType
	ExcessGas      uint64
}

// RollupProofDao is a constructed-but-not-necessarily-settled rollup proof,
// keyed by its rollup hash (which may collide across competing rollups at
// the same rollup id).
type RollupProofDao struct {
	RollupHash     common.Hash
	Txs            []*TxDao
	RollupSize     uint64
	DataStartIndex uint64
	Proof          []byte
}

// RollupDao is a settled rollup row.
type RollupDao struct {
	RollupID          uint64
	DataRoot          common.Hash
	RollupProof       *RollupProofDao
	EthTxHash         common.Hash
	Created           int64
	Mined             *int64
	InteractionResult []DefiInteractionNote
	GasUsed           uint64
	GasPrice          *big.Int
	AssetMetrics      []*AssetMetricsDao
}

// ClaimDao records a pending defi interaction output, redeemed later by a
// DEFI_CLAIM inner proof.
type ClaimDao struct {
	LeafIndex             uint64
	Nullifier             common.Hash
	BridgeID              uint64
	DepositValue          *big.Int
	PartialState          common.Hash
	PartialStateSecretEph common.Hash
	InputNullifier        common.Hash
	InteractionNonce      uint64
	Fee                   *big.Int
	Created               int64
	Mined                 *int64
	// ResultRollupID is the id of the rollup whose interaction result
	// slot settled this claim's bridge call, filled in by
	// update_claims_with_result_rollup_id once the defi interaction
	// result is observed on-chain. Nil until then.
	ResultRollupID *uint64
}

// AccountDao is a registered alias -> account-key binding.
type AccountDao struct {
	AliasHash common.Hash
	AccountPK common.Hash
	Nonce     uint64
}

// AssetMetricsDao tracks cumulative per-asset totals as of a given rollup.
type AssetMetricsDao struct {
	RollupID           uint64
	AssetID            uint64
	TotalDeposited     *big.Int
	TotalWithdrawn     *big.Int
	TotalDefiDeposited *big.Int
	TotalDefiClaimed   *big.Int
	TotalFees          *big.Int
	ContractBalance    *big.Int
}

// Clone returns a deep copy suitable for mutating into the next rollup's
// metrics without aliasing the stored previous row.
func (a *AssetMetricsDao) Clone() *AssetMetricsDao {
	cp := *a
	cp.TotalDeposited = new(big.Int).Set(a.TotalDeposited)
	cp.TotalWithdrawn = new(big.Int).Set(a.TotalWithdrawn)
	cp.TotalDefiDeposited = new(big.Int).Set(a.TotalDefiDeposited)
	cp.TotalDefiClaimed = new(big.Int).Set(a.TotalDefiClaimed)
	cp.TotalFees = new(big.Int).Set(a.TotalFees)
	cp.ContractBalance = new(big.Int).Set(a.ContractBalance)
	return &cp
}

// NewAssetMetricsDao returns a zeroed metrics row for assetID at rollupID.
func NewAssetMetricsDao(rollupID, assetID uint64) *AssetMetricsDao {
	return &AssetMetricsDao{
		RollupID:           rollupID,
		AssetID:            assetID,
		TotalDeposited:     big.NewInt(0),
		TotalWithdrawn:     big.NewInt(0),
		TotalDefiDeposited: big.NewInt(0),
		TotalDefiClaimed:   big.NewInt(0),
		TotalFees:          big.NewInt(0),
		ContractBalance:    big.NewInt(0),
	}
}
