package types

import (
	"math/big"

	"github.com/cita-io/citacore/internal/crypto"
)

// Account is the per-address leaf stored in the state trie, per §3.
type Account struct {
	Nonce       uint64
	Balance     *big.Int
	CodeHash    crypto.Hash
	AbiHash     crypto.Hash
	StorageRoot crypto.Hash
}

// NewAccount returns a freshly created, zero-balance account.
func NewAccount() *Account {
	return &Account{Balance: big.NewInt(0)}
}

// Clone returns a deep copy so callers can mutate without aliasing trie
// snapshots.
func (a *Account) Clone() *Account {
	if a == nil {
		return NewAccount()
	}
	bal := new(big.Int)
	if a.Balance != nil {
		bal.Set(a.Balance)
	}
	return &Account{
		Nonce:       a.Nonce,
		Balance:     bal,
		CodeHash:    a.CodeHash,
		AbiHash:     a.AbiHash,
		StorageRoot: a.StorageRoot,
	}
}

// Log is a single event emitted by a transaction's execution.
type Log struct {
	Address crypto.Address
	Topics  []crypto.Hash
	Data    []byte
}

// ReceiptStatus records whether a transaction's VM dispatch succeeded.
type ReceiptStatus uint8

const (
	ReceiptOk ReceiptStatus = iota
	ReceiptReverted
)

// Receipt is the per-transaction execution result the executor produces.
type Receipt struct {
	TxHash      crypto.Hash
	Status      ReceiptStatus
	QuotaUsed   uint64
	Logs        []Log
	LogsBloom   [256]byte
	ContractOut crypto.Address // set only for contract-creation transactions
	Error       string
}
