// Package rollupdb implements the relational store: the bbolt-backed tables
// of pending/settled transactions, rollup proofs, rollups, defi claims,
// registered accounts, and per-asset metrics that the world-state
// synchronizer keeps in lockstep with the four tree-store Merkle trees.
//
// Each Store method runs in its own bbolt.DB.Update (or View) transaction,
// so every single call is atomic. Writes from different calls made during
// one synchronizer step are not grouped into a shared transaction.
package rollupdb

import (
	"errors"
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"go.etcd.io/bbolt"

	"github.com/rollupchain/falafel/domain"
)

var (
	bucketTxs            = []byte("txs")
	bucketRollupProofs   = []byte("rollup_proofs")
	bucketRollups        = []byte("rollups")
	bucketClaims         = []byte("claims")
	bucketClaimsByNonce  = []byte("claims_by_nonce")
	bucketAccounts       = []byte("accounts")
	bucketAssetMetrics   = []byte("asset_metrics")
	bucketMeta           = []byte("meta")
	keyNextRollupID      = []byte("next_rollup_id")
)

// ErrNotFound is returned by lookups that find no matching row.
var ErrNotFound = errors.New("rollupdb: not found")

// Config controls where the relational store persists its bbolt database.
type Config struct {
	// Path is the bbolt database file. Empty is rejected: unlike the tree
	// store, the relational store has no in-memory-only mode because its
	// crash-recovery invariants are only meaningful against a real file.
	Path string
}

// Store is the relational store handle.
type Store struct {
	db *bbolt.DB
}

// Open opens (creating if necessary) the bbolt database at cfg.Path and
// ensures all buckets exist.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, errors.New("rollupdb: Config.Path must be set")
	}
	db, err := bbolt.Open(cfg.Path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("rollupdb: opening %s: %w", cfg.Path, err)
	}
	s := &Store{db: db}
	if err := db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{
			bucketTxs, bucketRollupProofs, bucketRollups, bucketClaims,
			bucketClaimsByNonce, bucketAccounts, bucketAssetMetrics, bucketMeta,
		} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database file.
func (s *Store) Close() error { return s.db.Close() }

// GetNextRollupID returns the rollup id the pipeline should use for the next
// rollup it constructs: one past the highest committed rollup id, or 0 if
// the store is empty.
func (s *Store) GetNextRollupID() (uint64, error) {
	var next uint64
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketMeta).Get(keyNextRollupID)
		if v == nil {
			next = 0
			return nil
		}
		next = getUint64(v)
		return nil
	})
	return next, err
}

func setNextRollupID(tx *bbolt.Tx, n uint64) error {
	var buf [8]byte
	putUint64(buf[:], n)
	return tx.Bucket(bucketMeta).Put(keyNextRollupID, buf[:])
}

func rollupKey(id uint64) []byte {
	var buf [8]byte
	putUint64(buf[:], id)
	return buf[:]
}

// GetRollup returns the rollup row for id, or ErrNotFound.
func (s *Store) GetRollup(id uint64) (*domain.RollupDao, error) {
	var out *domain.RollupDao
	err := s.db.View(func(tx *bbolt.Tx) error {
		r, _, derr := s.readRollup(tx, id, true)
		if derr != nil {
			return derr
		}
		out = r
		return nil
	})
	return out, err
}

func (s *Store) readRollup(tx *bbolt.Tx, id uint64, includeProofTxs bool) (*domain.RollupDao, common.Hash, error) {
	v := tx.Bucket(bucketRollups).Get(rollupKey(id))
	if v == nil {
		return nil, common.Hash{}, ErrNotFound
	}
	r, proofHash, err := decodeRollup(v)
	if err != nil {
		return nil, common.Hash{}, err
	}
	if proofHash != (common.Hash{}) {
		proof, err := s.readRollupProof(tx, proofHash, includeProofTxs)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, common.Hash{}, err
		}
		r.RollupProof = proof
	}
	metrics, err := s.readAssetMetricsForRollup(tx, id)
	if err != nil {
		return nil, common.Hash{}, err
	}
	r.AssetMetrics = metrics
	return r, proofHash, nil
}

// GetSettledRollups returns every rollup with RollupID >= from that has
// already been confirmed mined (Mined != nil), ordered by RollupID.
func (s *Store) GetSettledRollups(from uint64) ([]*domain.RollupDao, error) {
	var out []*domain.RollupDao
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketRollups).Cursor()
		for k, v := c.Seek(rollupKey(from)); k != nil; k, v = c.Next() {
			r, proofHash, err := decodeRollup(v)
			if err != nil {
				return err
			}
			if r.Mined == nil {
				continue
			}
			if proofHash != (common.Hash{}) {
				proof, err := s.readRollupProof(tx, proofHash, true)
				if err != nil && !errors.Is(err, ErrNotFound) {
					return err
				}
				r.RollupProof = proof
			}
			metrics, err := s.readAssetMetricsForRollup(tx, r.RollupID)
			if err != nil {
				return err
			}
			r.AssetMetrics = metrics
			out = append(out, r)
		}
		return nil
	})
	return out, err
}

func (s *Store) readRollupProof(tx *bbolt.Tx, hash common.Hash, includeTxs bool) (*domain.RollupProofDao, error) {
	v := tx.Bucket(bucketRollupProofs).Get(hash[:])
	if v == nil {
		return nil, ErrNotFound
	}
	p, txIDs, err := decodeRollupProof(v)
	if err != nil {
		return nil, err
	}
	if includeTxs {
		p.Txs = make([]*domain.TxDao, 0, len(txIDs))
		for _, id := range txIDs {
			txv := tx.Bucket(bucketTxs).Get(id[:])
			if txv == nil {
				continue
			}
			t, err := decodeTx(txv)
			if err != nil {
				return nil, err
			}
			p.Txs = append(p.Txs, t)
		}
	}
	return p, nil
}

// GetRollupProof returns the rollup proof row keyed by hash. If
// includeTxs is false the Txs field is left empty, avoiding a join over
// every transaction in a large rollup.
func (s *Store) GetRollupProof(hash common.Hash, includeTxs bool) (*domain.RollupProofDao, error) {
	var out *domain.RollupProofDao
	err := s.db.View(func(tx *bbolt.Tx) error {
		p, err := s.readRollupProof(tx, hash, includeTxs)
		out = p
		return err
	})
	return out, err
}

// AddRollup inserts a fully-populated, already-mined rollup row, used when
// the synchronizer observes a competing rollup it did not itself publish.
// proof, if non-nil, is persisted alongside, and each of its Txs is written
// into the tx bucket as well.
func (s *Store) AddRollup(r *domain.RollupDao, proof *domain.RollupProofDao) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return s.putRollup(tx, r, proof)
	})
}

func (s *Store) putRollup(tx *bbolt.Tx, r *domain.RollupDao, proof *domain.RollupProofDao) error {
	if proof != nil {
		r.RollupProof = proof
		var txIDs []common.Hash
		for _, t := range proof.Txs {
			txIDs = append(txIDs, t.ID)
			if err := tx.Bucket(bucketTxs).Put(t.ID[:], encodeTx(t)); err != nil {
				return err
			}
		}
		if err := tx.Bucket(bucketRollupProofs).Put(proof.RollupHash[:], encodeRollupProof(proof, txIDs)); err != nil {
			return err
		}
	}
	if err := tx.Bucket(bucketRollups).Put(rollupKey(r.RollupID), encodeRollup(r)); err != nil {
		return err
	}
	for _, m := range r.AssetMetrics {
		if err := tx.Bucket(bucketAssetMetrics).Put(assetMetricsKey(m.AssetID, m.RollupID), encodeAssetMetrics(m)); err != nil {
			return err
		}
	}
	next := r.RollupID + 1
	cur, err := s.getNextRollupIDTx(tx)
	if err != nil {
		return err
	}
	if next > cur {
		if err := setNextRollupID(tx, next); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) getNextRollupIDTx(tx *bbolt.Tx) (uint64, error) {
	v := tx.Bucket(bucketMeta).Get(keyNextRollupID)
	if v == nil {
		return 0, nil
	}
	return getUint64(v), nil
}

// AddPendingRollupProof records a tentatively published rollup: a proof row
// plus an unsettled (Mined == nil) rollup row at rollupID, created by the
// pipeline the moment it submits a rollup to the chain.
func (s *Store) AddPendingRollupProof(rollupID uint64, dataRoot common.Hash, proof *domain.RollupProofDao, created int64) error {
	r := &domain.RollupDao{
		RollupID: rollupID,
		DataRoot: dataRoot,
		Created:  created,
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return s.putRollup(tx, r, proof)
	})
}

// ConfirmMined fills in the on-chain confirmation fields of an already
// pending (unsettled) rollup row, transitioning it to settled. The rollup
// row and its proof must already exist (from AddPendingRollupProof); this
// never creates a new row.
func (s *Store) ConfirmMined(rollupID uint64, ethTxHash common.Hash, mined int64, interactionResult []domain.DefiInteractionNote, gasUsed uint64, gasPrice *big.Int) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketRollups).Get(rollupKey(rollupID))
		if v == nil {
			return ErrNotFound
		}
		r, _, err := decodeRollup(v)
		if err != nil {
			return err
		}
		r.EthTxHash = ethTxHash
		r.Mined = &mined
		r.InteractionResult = interactionResult
		r.GasUsed = gasUsed
		r.GasPrice = gasPrice
		return tx.Bucket(bucketRollups).Put(rollupKey(rollupID), encodeRollup(r))
	})
}

// DeleteUnsettledRollups removes every rollup row that has never been
// confirmed mined. Proof rows are left in place; DeleteOrphanedRollupProofs
// removes the ones no longer referenced. Called at startup, to discard
// optimistic state the synchronizer published but never saw land
// on-chain, and by the operator-initiated pipeline reset.
func (s *Store) DeleteUnsettledRollups() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketRollups)
		var toDelete [][]byte
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			r, _, err := decodeRollup(v)
			if err != nil {
				return err
			}
			if r.Mined == nil {
				kk := make([]byte, len(k))
				copy(kk, k)
				toDelete = append(toDelete, kk)
			}
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// DeleteOrphanedRollupProofs removes rollup proof rows that are no longer
// referenced by any rollup row. Their tx rows are left in place;
// DeletePendingTxs removes the unreferenced ones.
// Run after DeleteUnsettledRollups so a proof whose only rollup row was just
// discarded doesn't linger forever.
func (s *Store) DeleteOrphanedRollupProofs() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		referenced := map[common.Hash]bool{}
		rc := tx.Bucket(bucketRollups).Cursor()
		for k, v := rc.First(); k != nil; k, v = rc.Next() {
			_, proofHash, err := decodeRollup(v)
			if err != nil {
				return err
			}
			if proofHash != (common.Hash{}) {
				referenced[proofHash] = true
			}
		}
		b := tx.Bucket(bucketRollupProofs)
		var orphans []common.Hash
		pc := b.Cursor()
		for k, v := pc.First(); k != nil; k, v = pc.Next() {
			var h common.Hash
			copy(h[:], k)
			if referenced[h] {
				continue
			}
			_ = v
			orphans = append(orphans, h)
		}
		for _, h := range orphans {
			if err := b.Delete(h[:]); err != nil {
				return err
			}
		}
		return nil
	})
}

// DeletePendingTxs removes every tx row not referenced by any remaining
// rollup proof, i.e. transactions the pipeline flushed from its working set.
func (s *Store) DeletePendingTxs() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		referenced := map[common.Hash]bool{}
		pc := tx.Bucket(bucketRollupProofs).Cursor()
		for k, v := pc.First(); k != nil; k, v = pc.Next() {
			_, txIDs, err := decodeRollupProof(v)
			if err != nil {
				return err
			}
			for _, id := range txIDs {
				referenced[id] = true
			}
		}
		b := tx.Bucket(bucketTxs)
		var orphans [][]byte
		c := b.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			var h common.Hash
			copy(h[:], k)
			if referenced[h] {
				continue
			}
			kk := make([]byte, len(k))
			copy(kk, k)
			orphans = append(orphans, kk)
		}
		for _, k := range orphans {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// AddTx inserts or overwrites a pending transaction row, used by the
// pipeline's tx-pool intake before it is ever included in a rollup proof.
func (s *Store) AddTx(t *domain.TxDao) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTxs).Put(t.ID[:], encodeTx(t))
	})
}

// GetTx returns a single tx row by id.
func (s *Store) GetTx(id common.Hash) (*domain.TxDao, error) {
	var out *domain.TxDao
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketTxs).Get(id[:])
		if v == nil {
			return ErrNotFound
		}
		t, err := decodeTx(v)
		out = t
		return err
	})
	return out, err
}

// GetPendingTxs returns every tx row with Mined == nil, ordered by Created.
func (s *Store) GetPendingTxs() ([]*domain.TxDao, error) {
	var out []*domain.TxDao
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketTxs).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			t, err := decodeTx(v)
			if err != nil {
				return err
			}
			if t.Mined == nil {
				out = append(out, t)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Created < out[j].Created })
	return out, err
}

func claimKey(nullifier common.Hash) []byte { return nullifier[:] }

func nonceKey(nonce uint64) []byte {
	var buf [8]byte
	putUint64(buf[:], nonce)
	return buf[:]
}

// AddClaim inserts a new pending defi-interaction claim row, indexed both by
// nullifier (its natural key) and by interaction nonce (for the result-id
// backfill walk in UpdateClaimsWithResultRollupID).
func (s *Store) AddClaim(c *domain.ClaimDao) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketClaims).Put(claimKey(c.Nullifier), encodeClaim(c)); err != nil {
			return err
		}
		return tx.Bucket(bucketClaimsByNonce).Put(nonceKey(c.InteractionNonce), claimKey(c.Nullifier))
	})
}

// GetClaim returns the claim keyed by nullifier, or ErrNotFound.
func (s *Store) GetClaim(nullifier common.Hash) (*domain.ClaimDao, error) {
	var out *domain.ClaimDao
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketClaims).Get(claimKey(nullifier))
		if v == nil {
			return ErrNotFound
		}
		c, err := decodeClaim(v)
		out = c
		return err
	})
	return out, err
}

// ConfirmClaimed marks the claim for nullifier as redeemed by a DEFI_CLAIM
// inner proof observed at minedAt.
func (s *Store) ConfirmClaimed(nullifier common.Hash, minedAt int64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketClaims)
		v := b.Get(claimKey(nullifier))
		if v == nil {
			return ErrNotFound
		}
		c, err := decodeClaim(v)
		if err != nil {
			return err
		}
		c.Mined = &minedAt
		return b.Put(claimKey(nullifier), encodeClaim(c))
	})
}

// UpdateClaimsWithResultRollupID backfills ResultRollupID on the claim
// carrying interactionNonce, called once for every non-zero defi
// interaction result observed while walking a newly confirmed rollup's
// InteractionResult slots.
func (s *Store) UpdateClaimsWithResultRollupID(nonce uint64, rollupID uint64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		nb := tx.Bucket(bucketClaimsByNonce)
		key := nb.Get(nonceKey(nonce))
		if key == nil {
			return nil // no claim registered for this nonce yet; nothing to backfill
		}
		cb := tx.Bucket(bucketClaims)
		v := cb.Get(key)
		if v == nil {
			return nil
		}
		c, err := decodeClaim(v)
		if err != nil {
			return err
		}
		c.ResultRollupID = &rollupID
		return cb.Put(key, encodeClaim(c))
	})
}

// AddAccounts registers a batch of alias -> account-key bindings, keyed by
// alias hash. Later entries for the same alias overwrite earlier ones.
func (s *Store) AddAccounts(accounts []*domain.AccountDao) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketAccounts)
		for _, a := range accounts {
			if err := b.Put(a.AliasHash[:], encodeAccount(a)); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetAccount looks up a registered account by alias hash.
func (s *Store) GetAccount(aliasHash common.Hash) (*domain.AccountDao, error) {
	var out *domain.AccountDao
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketAccounts).Get(aliasHash[:])
		if v == nil {
			return ErrNotFound
		}
		a, err := decodeAccount(v)
		out = a
		return err
	})
	return out, err
}

// PutAssetMetrics stores the asset-metrics row for (assetID, rollupID),
// called once per rollup per touched asset as part of the synchronizer's
// asset-metrics accounting step.
func (s *Store) PutAssetMetrics(m *domain.AssetMetricsDao) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketAssetMetrics).Put(assetMetricsKey(m.AssetID, m.RollupID), encodeAssetMetrics(m))
	})
}

// GetAssetMetrics returns the most recent asset-metrics row for assetID at
// or before asOfRollupID, or ErrNotFound if the asset has never been
// touched.
func (s *Store) GetAssetMetrics(assetID uint64, asOfRollupID uint64) (*domain.AssetMetricsDao, error) {
	var out *domain.AssetMetricsDao
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketAssetMetrics).Cursor()
		prefix := make([]byte, 8)
		putUint64(prefix, assetID)
		var best *domain.AssetMetricsDao
		for k, v := c.Seek(prefix); k != nil && len(k) >= 8 && string(k[:8]) == string(prefix); k, v = c.Next() {
			m, err := decodeAssetMetrics(v)
			if err != nil {
				return err
			}
			if m.RollupID > asOfRollupID {
				break
			}
			best = m
		}
		if best == nil {
			return ErrNotFound
		}
		out = best
		return nil
	})
	return out, err
}

func (s *Store) readAssetMetricsForRollup(tx *bbolt.Tx, rollupID uint64) ([]*domain.AssetMetricsDao, error) {
	var out []*domain.AssetMetricsDao
	c := tx.Bucket(bucketAssetMetrics).Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		m, err := decodeAssetMetrics(v)
		if err != nil {
			return nil, err
		}
		if m.RollupID == rollupID {
			out = append(out, m)
		}
	}
	return out, nil
}
