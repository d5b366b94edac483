package worldstate

import (
	"errors"
	"math/big"

	"github.com/holiman/uint256"

	"github.com/rollupchain/falafel/domain"
	"github.com/rollupchain/falafel/initfiles"
	"github.com/rollupchain/falafel/rollupdb"
	"github.com/rollupchain/falafel/treestore"
)

// updateDBs is the reconciliation core (§4.5.4). It decodes the block's
// rollup proof data, compares the four current tree roots against the
// block's new roots, and either commits (this was our own published
// rollup) or rolls back and replays the block's leaves (a competitor's
// rollup, or one that raced ahead of us). Defi claim bookkeeping and the
// relational settlement record follow, and finally the block is appended
// to the block cache.
func (s *Synchronizer) updateDBs(block *domain.Block) error {
	proof, err := block.DecodeRollupProofData()
	if err != nil {
		return err
	}

	dataRoot, err := s.trees.GetRoot(treestore.Data)
	if err != nil {
		return err
	}
	nullRoot, err := s.trees.GetRoot(treestore.Null)
	if err != nil {
		return err
	}
	rootsRoot, err := s.trees.GetRoot(treestore.Root)
	if err != nil {
		return err
	}
	defiRoot, err := s.trees.GetRoot(treestore.Defi)
	if err != nil {
		return err
	}

	ours := dataRoot == proof.NewDataRoot &&
		nullRoot == proof.NewNullRoot &&
		rootsRoot == proof.NewDataRootsRoot &&
		defiRoot == proof.NewDefiRoot

	if ours {
		if err := s.trees.Commit(); err != nil {
			return err
		}
	} else {
		if err := s.trees.Rollback(); err != nil {
			return err
		}
		if err := s.applyRollupToTrees(proof); err != nil {
			return err
		}
	}

	if err := s.processDefiProofs(block, proof); err != nil {
		return err
	}
	if err := s.confirmOrAddRollup(block, proof); err != nil {
		return err
	}

	return s.cache.Append(block)
}

// applyRollupToTrees is §4.5.5. If the DATA tree already extends past this
// rollup's leaves (the relational store may have been wiped while the
// trees survived), the leaves are already present and this is a no-op,
// supporting idempotent replay.
func (s *Synchronizer) applyRollupToTrees(proof *domain.RollupProofData) error {
	size, err := s.trees.GetSize(treestore.Data)
	if err != nil {
		return err
	}
	if size > proof.DataStartIndex {
		return nil
	}

	for i, ip := range proof.InnerProofData {
		if ip.ProofID.IsPadding() {
			continue
		}
		idx := proof.DataStartIndex + 2*uint64(i)
		if err := s.trees.Put(treestore.Data, uint256.NewInt(idx), ip.NoteCommitment1[:]); err != nil {
			return err
		}
		if err := s.trees.Put(treestore.Data, uint256.NewInt(idx+1), ip.NoteCommitment2[:]); err != nil {
			return err
		}
		if ip.Nullifier1 != nil && !ip.Nullifier1.IsZero() {
			if err := s.trees.Put(treestore.Null, ip.Nullifier1, initfiles.NullifierLeafValue()); err != nil {
				return err
			}
		}
		if ip.Nullifier2 != nil && !ip.Nullifier2.IsZero() {
			if err := s.trees.Put(treestore.Null, ip.Nullifier2, initfiles.NullifierLeafValue()); err != nil {
				return err
			}
		}
	}

	newDataRoot, err := s.trees.GetRoot(treestore.Data)
	if err != nil {
		return err
	}
	if err := s.trees.Put(treestore.Root, uint256.NewInt(proof.RollupID+1), newDataRoot[:]); err != nil {
		return err
	}

	for i := uint64(0); i < domain.NumBridgeCallsPerBlock; i++ {
		note := proof.DefiInteractionNotes[i]
		if note.IsZero() {
			continue
		}
		idx := proof.RollupID*domain.NumBridgeCallsPerBlock + i
		if err := s.trees.Put(treestore.Defi, uint256.NewInt(idx), note.Encode()); err != nil {
			return err
		}
	}

	return s.trees.Commit()
}

// processDefiProofs is §4.5.6: walk the inner proofs, pairing each
// non-padding entry with its off-chain data blob by offChainIndex (not by
// inner-proof position), recording new defi claims and confirming redeemed
// ones, then backfilling ResultRollupID for every non-zero interaction
// result this block observed.
func (s *Synchronizer) processDefiProofs(block *domain.Block, proof *domain.RollupProofData) error {
	offChainIndex := 0
	for i, ip := range proof.InnerProofData {
		if ip.ProofID.IsPadding() {
			continue
		}
		var offchain []byte
		if offChainIndex < len(block.OffchainTxData) {
			offchain = block.OffchainTxData[offChainIndex]
		}
		offChainIndex++

		switch ip.ProofID {
		case domain.ProofDefiDeposit:
			data, err := domain.DecodeOffchainDefiDepositData(offchain)
			if err != nil {
				return err
			}
			fee := new(big.Int).Sub(data.TxFee, new(big.Int).Rsh(data.TxFee, 1))
			bridgeIdx := proof.IndexOfBridge(data.BridgeID)
			interactionNonce := uint64(bridgeIdx) + proof.RollupID*domain.NumBridgeCallsPerBlock

			noteCommitment := s.noteAlgo.ComputeClaimNoteCommitment(
				data.BridgeID, data.DepositValue, data.PartialState,
				data.PartialStateSecretEphPubKey, interactionNonce)
			nullifier := s.noteAlgo.ComputeNullifier(noteCommitment)

			claim := &domain.ClaimDao{
				LeafIndex:             proof.DataStartIndex + 2*uint64(i),
				Nullifier:             nullifier,
				BridgeID:              data.BridgeID,
				DepositValue:          data.DepositValue,
				PartialState:          data.PartialState,
				PartialStateSecretEph: data.PartialStateSecretEphPubKey,
				InputNullifier:        data.InputNullifier,
				InteractionNonce:      interactionNonce,
				Fee:                   fee,
				Created:               block.Created,
			}
			if err := s.db.AddClaim(claim); err != nil {
				return err
			}

		case domain.ProofDefiClaim:
			if err := s.db.ConfirmClaimed(ip.Nullifier1.Bytes32(), block.Created); err != nil {
				return err
			}
		}
	}

	for _, note := range block.InteractionResult {
		if note.IsZero() {
			continue
		}
		if err := s.db.UpdateClaimsWithResultRollupID(note.Nonce, proof.RollupID); err != nil {
			return err
		}
	}

	return nil
}

// confirmOrAddRollup is §4.5.7: if this rollup's proof is one we published,
// finish settling it and emit settlement durations; otherwise build and
// record it as a competitor's rollup from its inner proofs.
func (s *Synchronizer) confirmOrAddRollup(block *domain.Block, proof *domain.RollupProofData) error {
	proofDao, err := s.db.GetRollupProof(proof.RollupHash, true)
	if err == nil {
		metrics, err := s.computeAssetMetrics(block, proof)
		if err != nil {
			return err
		}
		if err := s.db.ConfirmMined(proof.RollupID, block.EthTxHash, block.Created, block.InteractionResult, block.GasUsed, block.GasPrice); err != nil {
			return err
		}
		for _, m := range metrics {
			if err := s.db.PutAssetMetrics(m); err != nil {
				return err
			}
		}
		for _, tx := range proofDao.Txs {
			s.metrics.TxSettlementDuration(float64(block.Created-tx.Created) * 1000)
		}
		if r, err := s.db.GetRollup(proof.RollupID); err == nil {
			s.metrics.RollupReceived(r)
		}
		return nil
	}
	if !errors.Is(err, rollupdb.ErrNotFound) {
		return err
	}

	txs := buildTxDaos(block, proof)
	rollupProof := &domain.RollupProofDao{
		RollupHash:     proof.RollupHash,
		Txs:            txs,
		RollupSize:     uint64(len(txs)),
		DataStartIndex: proof.DataStartIndex,
	}
	metrics, err := s.computeAssetMetrics(block, proof)
	if err != nil {
		return err
	}
	mined := block.Created
	rollup := &domain.RollupDao{
		RollupID:          proof.RollupID,
		DataRoot:          proof.NewDataRoot,
		EthTxHash:         block.EthTxHash,
		Created:           block.Created,
		Mined:             &mined,
		InteractionResult: block.InteractionResult,
		GasUsed:           block.GasUsed,
		GasPrice:          block.GasPrice,
		AssetMetrics:      metrics,
	}
	if err := s.db.AddRollup(rollup, rollupProof); err != nil {
		return err
	}
	s.metrics.RollupReceived(rollup)
	return nil
}

// buildTxDaos reconstructs the TxDao rows for a competitor's rollup from
// its non-padding inner proofs, pairing each with its off-chain blob by
// offChainIndex.
func buildTxDaos(block *domain.Block, proof *domain.RollupProofData) []*domain.TxDao {
	var txs []*domain.TxDao
	offChainIndex := 0
	for _, ip := range proof.InnerProofData {
		if ip.ProofID.IsPadding() {
			continue
		}
		var offchain []byte
		if offChainIndex < len(block.OffchainTxData) {
			offchain = block.OffchainTxData[offChainIndex]
		}
		offChainIndex++

		mined := block.Created
		txs = append(txs, &domain.TxDao{
			ID:           ip.TxID,
			OffchainData: offchain,
			Nullifier1:   ip.Nullifier1.Bytes32(),
			Nullifier2:   ip.Nullifier2.Bytes32(),
			Created:      block.Created,
			Mined:        &mined,
			TxType:       domain.TxTypeFromProofID(ip.ProofID),
		})
	}
	return txs
}

// computeAssetMetrics is §4.5.8: for every non-virtual asset this rollup
// touches, roll forward the previous asset-metrics row (or start fresh),
// refresh the live contract balance, and accumulate deposit/withdraw/defi
// totals. Attributing a defi deposit or interaction result to an asset
// requires knowing which asset a bridge's input/output slots represent,
// which InnerProof does not carry; that mapping comes from the
// BridgeAssetMap external collaborator.
func (s *Synchronizer) computeAssetMetrics(block *domain.Block, proof *domain.RollupProofData) ([]*domain.AssetMetricsDao, error) {
	var out []*domain.AssetMetricsDao

	for _, assetID := range proof.AssetIDs {
		if assetID == domain.VirtualAssetIDSentinel {
			continue
		}

		metrics, err := s.previousOrFreshMetrics(assetID, proof.RollupID)
		if err != nil {
			return nil, err
		}

		bal, err := s.chain.GetRollupBalance(assetID)
		if err != nil {
			return nil, err
		}
		metrics.ContractBalance = bal

		offChainIndex := 0
		for _, ip := range proof.InnerProofData {
			if ip.ProofID.IsPadding() {
				continue
			}
			var offchain []byte
			if offChainIndex < len(block.OffchainTxData) {
				offchain = block.OffchainTxData[offChainIndex]
			}
			offChainIndex++

			switch ip.ProofID {
			case domain.ProofDeposit:
				v, err := domain.DecodeOffchainValueTxData(offchain)
				if err == nil && v.AssetID == assetID {
					metrics.TotalDeposited.Add(metrics.TotalDeposited, v.Value)
				}
			case domain.ProofWithdraw:
				v, err := domain.DecodeOffchainValueTxData(offchain)
				if err == nil && v.AssetID == assetID {
					metrics.TotalWithdrawn.Add(metrics.TotalWithdrawn, v.Value)
				}
			case domain.ProofDefiDeposit:
				d, err := domain.DecodeOffchainDefiDepositData(offchain)
				if err != nil {
					continue
				}
				inputAsset, _, _ := s.bridgeMap.AssetsForBridge(d.BridgeID)
				if inputAsset == assetID {
					metrics.TotalDefiDeposited.Add(metrics.TotalDefiDeposited, d.DepositValue)
					fee := new(big.Int).Sub(d.TxFee, new(big.Int).Rsh(d.TxFee, 1))
					metrics.TotalFees.Add(metrics.TotalFees, fee)
				}
			}
		}

		for _, note := range block.InteractionResult {
			if note.IsZero() {
				continue
			}
			_, outA, outB := s.bridgeMap.AssetsForBridge(note.BridgeID)
			if outA == assetID && note.TotalOutputValueA != nil {
				metrics.TotalDefiClaimed.Add(metrics.TotalDefiClaimed, note.TotalOutputValueA)
			}
			if outB == assetID && note.TotalOutputValueB != nil {
				metrics.TotalDefiClaimed.Add(metrics.TotalDefiClaimed, note.TotalOutputValueB)
			}
		}

		out = append(out, metrics)
	}

	return out, nil
}

func (s *Synchronizer) previousOrFreshMetrics(assetID, rollupID uint64) (*domain.AssetMetricsDao, error) {
	if rollupID == 0 {
		return domain.NewAssetMetricsDao(rollupID, assetID), nil
	}
	prev, err := s.db.GetAssetMetrics(assetID, rollupID-1)
	if errors.Is(err, rollupdb.ErrNotFound) {
		return domain.NewAssetMetricsDao(rollupID, assetID), nil
	}
	if err != nil {
		return nil, err
	}
	m := prev.Clone()
	m.RollupID = rollupID
	return m, nil
}
