package config

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/cita-io/citacore/internal/crypto"
	"github.com/cita-io/citacore/internal/state"
	"github.com/cita-io/citacore/internal/types"
)

// GenesisAccount seeds one account's initial balance, per §3's Account
// model. Supplementing the distilled spec, which left genesis seeding
// unspecified: original_source/chain/libchain/src/genesis.rs loads exactly
// this shape (a validator list plus a prefunded-accounts map) from a JSON
// file at first boot.
type GenesisAccount struct {
	Address string `json:"address"` // hex, no 0x prefix
	Balance string `json:"balance"` // decimal string, parsed as *big.Int
}

// Genesis is the chain-service-only `--genesis` document.
type Genesis struct {
	ChainID    uint64           `json:"chain_id"`
	Validators []string         `json:"validators"` // hex addresses
	Authorized []string         `json:"authorized"` // hex addresses allowed to submit, per §4.2's AuthSet
	Accounts   []GenesisAccount `json:"accounts"`
	SuperAdmin string           `json:"super_admin"`
}

// LoadGenesis reads and parses the genesis JSON document at path.
func LoadGenesis(path string) (*Genesis, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: failed to read genesis %s: %w", path, err)
	}
	var g Genesis
	if err := json.Unmarshal(raw, &g); err != nil {
		return nil, fmt.Errorf("config: failed to parse genesis %s: %w", path, err)
	}
	return &g, nil
}

// ParseAddress decodes a hex-encoded address, as used throughout the
// genesis document and NodeConfig.SuperAdmin.
func ParseAddress(hexAddr string) (crypto.Address, error) {
	b, err := hex.DecodeString(hexAddr)
	if err != nil {
		return crypto.Address{}, fmt.Errorf("config: invalid address %q: %w", hexAddr, err)
	}
	return crypto.BytesToAddress(b), nil
}

// ValidatorAddresses decodes g.Validators, in document order (leader
// election indexes into this order, per §4.3).
func (g *Genesis) ValidatorAddresses() ([]crypto.Address, error) {
	addrs := make([]crypto.Address, len(g.Validators))
	for i, v := range g.Validators {
		a, err := ParseAddress(v)
		if err != nil {
			return nil, err
		}
		addrs[i] = a
	}
	return addrs, nil
}

// StaticAuthSet is an authpool.AuthSet backed by the genesis document's
// Authorized list — the simplified genesis-time PermissionManagement
// configuration SPEC_FULL.md's §4.2 expansion calls for, standing in for
// the full on-chain permission contract the distilled spec defers to the
// executor's reserved-contract dispatch (out of scope for this spine, per
// DESIGN.md).
type StaticAuthSet struct {
	allowed map[crypto.Address]struct{}
}

// NewStaticAuthSet builds a StaticAuthSet from g's Authorized list. An
// empty list authorizes everyone, matching a permission-less test genesis.
func NewStaticAuthSet(g *Genesis) (*StaticAuthSet, error) {
	s := &StaticAuthSet{allowed: make(map[crypto.Address]struct{}, len(g.Authorized))}
	for _, a := range g.Authorized {
		addr, err := ParseAddress(a)
		if err != nil {
			return nil, err
		}
		s.allowed[addr] = struct{}{}
	}
	return s, nil
}

// IsAuthorized implements authpool.AuthSet.
func (s *StaticAuthSet) IsAuthorized(addr crypto.Address) bool {
	if len(s.allowed) == 0 {
		return true
	}
	_, ok := s.allowed[addr]
	return ok
}

// LoadPrivateKey reads a hex-encoded secp256k1 private key from path, per
// NodeConfig.LocalKeyFile — the consensus service's own signing identity.
func LoadPrivateKey(path string) (*crypto.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: failed to read key file %s: %w", path, err)
	}
	b, err := hex.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("config: invalid key file %s: %w", path, err)
	}
	return crypto.PrivateKeyFromBytes(b)
}

// SeedState writes g's prefunded accounts into db and commits them. It does
// not check whether db was already seeded: the mains of citachain and
// citaconsensus call it only while the chain is at height 0, before the
// chain service starts.
func SeedState(db *state.StateDB, g *Genesis) error {
	for _, acc := range g.Accounts {
		addr, err := ParseAddress(acc.Address)
		if err != nil {
			return err
		}
		balance, ok := new(big.Int).SetString(acc.Balance, 10)
		if !ok {
			return fmt.Errorf("config: invalid balance %q for account %s", acc.Balance, acc.Address)
		}
		account := types.NewAccount()
		account.Balance = balance
		if err := db.SetAccount(addr, account); err != nil {
			return fmt.Errorf("config: failed to seed account %s: %w", acc.Address, err)
		}
	}
	return db.Commit()
}
