package executor

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/cita-io/citacore/internal/crypto"
	"github.com/cita-io/citacore/internal/state"
)

// AmendKind selects one of the five privileged mutations the amend channel
// supports, mirroring amend.rs's AMEND_ABI/AMEND_CODE/AMEND_KV_H256/
// AMEND_GET_KV_H256/AMEND_ACCOUNT_BALANCE constants.
type AmendKind uint32

const (
	AmendSetABI AmendKind = iota + 1
	AmendSetCode
	AmendSetKV
	AmendGetKV
	AmendSetBalance
)

var (
	ErrAmendNotSuperAdmin = errors.New("executor: amend call from non-admin sender")
	ErrAmendBadPayload    = errors.New("executor: malformed amend payload")
)

// AmendAction is one request submitted over the amend channel.
type AmendAction struct {
	Kind    AmendKind
	Sender  crypto.Address
	Account crypto.Address
	Key     crypto.Hash
	Value   crypto.Hash
	ABI     []byte
	Code    []byte
	Balance *big.Int
}

// AmendResult carries Set's success flag or Get's returned value, mirroring
// amend.rs's AmendResult::{Set,Get}.
type AmendResult struct {
	Set bool
	Got crypto.Hash
}

// Amend applies action against s, after checking action.Sender against
// superAdmin. Amend calls mutate state directly, bypassing nonce/quota
// accounting and normal VM dispatch entirely, per §4.4's amend channel.
func Amend(s *state.StateDB, superAdmin crypto.Address, action AmendAction) (*AmendResult, error) {
	if action.Sender != superAdmin {
		return nil, ErrAmendNotSuperAdmin
	}
	switch action.Kind {
	case AmendSetABI:
		return amendSetABI(s, action)
	case AmendSetCode:
		return amendSetCode(s, action)
	case AmendSetKV:
		return amendSetKV(s, action)
	case AmendGetKV:
		return amendGetKV(s, action)
	case AmendSetBalance:
		return amendSetBalance(s, action)
	default:
		return nil, fmt.Errorf("%w: unknown amend kind %d", ErrAmendBadPayload, action.Kind)
	}
}

func amendSetABI(s *state.StateDB, action AmendAction) (*AmendResult, error) {
	if len(action.ABI) == 0 {
		return nil, fmt.Errorf("%w: empty abi", ErrAmendBadPayload)
	}
	acc, err := s.GetAccount(action.Account)
	if err != nil {
		return nil, err
	}
	acc.AbiHash = crypto.Sum256(action.ABI)
	if err := s.SetAccount(action.Account, acc); err != nil {
		return nil, err
	}
	return &AmendResult{Set: true}, nil
}

func amendSetCode(s *state.StateDB, action AmendAction) (*AmendResult, error) {
	if len(action.Code) == 0 {
		return nil, fmt.Errorf("%w: empty code", ErrAmendBadPayload)
	}
	acc, err := s.GetAccount(action.Account)
	if err != nil {
		return nil, err
	}
	acc.CodeHash = crypto.Sum256(action.Code)
	if err := s.SetAccount(action.Account, acc); err != nil {
		return nil, err
	}
	return &AmendResult{Set: true}, nil
}

func amendSetKV(s *state.StateDB, action AmendAction) (*AmendResult, error) {
	s.SetStorage(action.Account, action.Key, action.Value)
	return &AmendResult{Set: true}, nil
}

func amendGetKV(s *state.StateDB, action AmendAction) (*AmendResult, error) {
	val, err := s.GetStorage(action.Account, action.Key)
	if err != nil {
		return nil, err
	}
	return &AmendResult{Got: val}, nil
}

func amendSetBalance(s *state.StateDB, action AmendAction) (*AmendResult, error) {
	if action.Balance == nil {
		return nil, fmt.Errorf("%w: nil balance", ErrAmendBadPayload)
	}
	acc, err := s.GetAccount(action.Account)
	if err != nil {
		return nil, err
	}
	acc.Balance = new(big.Int).Set(action.Balance)
	if err := s.SetAccount(action.Account, acc); err != nil {
		return nil, err
	}
	return &AmendResult{Set: true}, nil
}
