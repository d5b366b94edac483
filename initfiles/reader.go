// Package initfiles reads the per-chain-id genesis artifacts that seed the
// DATA, ROOT, and NULL trees at first startup: an account roster plus the
// three roots that roster must hash to. Absence of the file set is a valid
// no-op, never an error, per the spec's init-from-files contract.
package initfiles

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ethereum/go-ethereum/common"
)

// AccountRecord is one genesis account: its alias/account-key binding plus
// the nullifiers its creation consumes (commonly the account's own padding
// nullifier(s)).
type AccountRecord struct {
	AliasHash   common.Hash   `json:"aliasHash"`
	AccountPK   common.Hash   `json:"accountPk"`
	Nonce       uint64        `json:"nonce"`
	Nullifiers  []common.Hash `json:"nullifiers"`
	DataLeaves  [][]byte      `json:"dataLeaves"`
}

// InitRoots is the triple of expected roots an account roster must produce.
type InitRoots struct {
	DataRoot  common.Hash
	NullRoot  common.Hash
	RootsRoot common.Hash
}

// IsZero reports whether all three roots are unset, meaning no init file
// exists for this chain id.
func (r InitRoots) IsZero() bool {
	return r.DataRoot == (common.Hash{}) && r.NullRoot == (common.Hash{}) && r.RootsRoot == (common.Hash{})
}

// Reader is the init-file adapter contract.
type Reader interface {
	// GetAccountDataFile returns the path to the account roster for
	// chainID, or "" if none exists.
	GetAccountDataFile(chainID uint64) (string, error)
	// ReadAccountTreeData parses the roster at path.
	ReadAccountTreeData(path string) ([]AccountRecord, error)
	// GetInitRoots returns the expected roots for chainID. A zero value
	// (InitRoots.IsZero()) means no init file exists.
	GetInitRoots(chainID uint64) (InitRoots, error)
}

// FileReader is a Reader backed by a directory of per-chain-id JSON files:
// <dir>/<chainID>/accounts.json and <dir>/<chainID>/roots.json.
type FileReader struct {
	Dir string
}

func (f FileReader) chainDir(chainID uint64) string {
	return filepath.Join(f.Dir, fmt.Sprintf("%d", chainID))
}

func (f FileReader) GetAccountDataFile(chainID uint64) (string, error) {
	path := filepath.Join(f.chainDir(chainID), "accounts.json")
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	return path, nil
}

func (f FileReader) ReadAccountTreeData(path string) ([]AccountRecord, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("initfiles: reading %s: %w", path, err)
	}
	var records []AccountRecord
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, fmt.Errorf("initfiles: parsing %s: %w", path, err)
	}
	return records, nil
}

func (f FileReader) GetInitRoots(chainID uint64) (InitRoots, error) {
	path := filepath.Join(f.chainDir(chainID), "roots.json")
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return InitRoots{}, nil
		}
		return InitRoots{}, err
	}
	var roots struct {
		DataRoot  common.Hash `json:"dataRoot"`
		NullRoot  common.Hash `json:"nullRoot"`
		RootsRoot common.Hash `json:"rootsRoot"`
	}
	if err := json.Unmarshal(raw, &roots); err != nil {
		return InitRoots{}, fmt.Errorf("initfiles: parsing %s: %w", path, err)
	}
	return InitRoots{DataRoot: roots.DataRoot, NullRoot: roots.NullRoot, RootsRoot: roots.RootsRoot}, nil
}

var _ Reader = FileReader{}
