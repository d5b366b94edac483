// Package crypto collects the hashing helpers shared by the tree store and
// the relational store. Keccak-256 itself is delegated to go-ethereum's
// crypto package; this package adds the domain-separation and incremental
// hashing conventions the rest of the module builds on.
package crypto

import (
	"encoding/binary"
	"hash"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/sha3"
)

// Keccak256 calculates the Keccak-256 hash of the concatenation of data.
func Keccak256(data ...[]byte) []byte {
	return gethcrypto.Keccak256(data...)
}

// Keccak256Hash calculates Keccak-256 and returns it as a common.Hash.
func Keccak256Hash(data ...[]byte) common.Hash {
	return gethcrypto.Keccak256Hash(data...)
}

// Keccak512 calculates the Keccak-512 hash of the given data.
func Keccak512(data ...[]byte) []byte {
	d := sha3.NewLegacyKeccak512()
	for _, b := range data {
		d.Write(b)
	}
	return d.Sum(nil)
}

// DomainSeparatedHash computes Keccak256(domain || data) with a
// length-prefixed domain string, so the same bytes hashed under two
// different domains never collide. Used to separate leaf hashes from node
// hashes within a single tree, and to separate one tree's hash space from
// another's.
func DomainSeparatedHash(domain []byte, data ...[]byte) common.Hash {
	d := sha3.NewLegacyKeccak256()
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(domain)))
	d.Write(lenBuf[:])
	d.Write(domain)
	for _, b := range data {
		d.Write(b)
	}
	var out common.Hash
	copy(out[:], d.Sum(nil))
	return out
}

// IncrementalHasher is an incremental Keccak-256 hasher for building up a
// digest from a sequence of typed fields (hashes, addresses, counters)
// without allocating an intermediate byte slice for each one.
type IncrementalHasher struct {
	state hash.Hash
	size  int
}

// NewIncrementalHasher creates a new incremental Keccak-256 hasher.
func NewIncrementalHasher() *IncrementalHasher {
	return &IncrementalHasher{state: sha3.NewLegacyKeccak256()}
}

// Write feeds data into the hasher.
func (h *IncrementalHasher) Write(data []byte) (int, error) {
	n, err := h.state.Write(data)
	h.size += n
	return n, err
}

// WriteUint64 writes a uint64 in big-endian encoding.
func (h *IncrementalHasher) WriteUint64(v uint64) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	h.state.Write(buf[:])
	h.size += 8
}

// WriteHash writes a 32-byte hash value.
func (h *IncrementalHasher) WriteHash(hash common.Hash) {
	h.state.Write(hash[:])
	h.size += 32
}

// WriteAddress writes a 20-byte address.
func (h *IncrementalHasher) WriteAddress(addr common.Address) {
	h.state.Write(addr[:])
	h.size += 20
}

// Sum256 finalizes the hash. After calling Sum256 the hasher must not be
// reused.
func (h *IncrementalHasher) Sum256() common.Hash {
	var result common.Hash
	sum := h.state.Sum(nil)
	copy(result[:], sum[:32])
	return result
}

// Size returns the total number of bytes written so far.
func (h *IncrementalHasher) Size() int { return h.size }

// Reset resets the hasher to its initial state.
func (h *IncrementalHasher) Reset() {
	h.state.Reset()
	h.size = 0
}

// PreimageTracker records hash preimages for later retrieval. The
// synchronizer's note algorithms use it, when one is configured, to record
// the preimage of every claim note commitment and nullifier they derive.
type PreimageTracker struct {
	mu        sync.RWMutex
	preimages map[common.Hash][]byte
	enabled   bool
}

// NewPreimageTracker creates a new preimage tracker. Tracking starts enabled.
func NewPreimageTracker() *PreimageTracker {
	return &PreimageTracker{preimages: make(map[common.Hash][]byte), enabled: true}
}

// SetEnabled enables or disables preimage tracking. When disabled, Record
// still returns the hash but performs no allocation or storage.
func (pt *PreimageTracker) SetEnabled(enabled bool) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	pt.enabled = enabled
}

// Record computes Keccak256(data) and stores the preimage, returning the hash.
func (pt *PreimageTracker) Record(data []byte) common.Hash {
	h := Keccak256Hash(data)
	pt.mu.Lock()
	defer pt.mu.Unlock()
	if pt.enabled {
		preimage := make([]byte, len(data))
		copy(preimage, data)
		pt.preimages[h] = preimage
	}
	return h
}

// Lookup returns the preimage for the given hash, or nil if not found.
func (pt *PreimageTracker) Lookup(hash common.Hash) []byte {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	data, ok := pt.preimages[hash]
	if !ok {
		return nil
	}
	ret := make([]byte, len(data))
	copy(ret, data)
	return ret
}

// Count returns the number of stored preimages.
func (pt *PreimageTracker) Count() int {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	return len(pt.preimages)
}
