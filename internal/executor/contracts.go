package executor

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cita-io/citacore/internal/crypto"
	"github.com/cita-io/citacore/internal/state"
)

// ErrBadContractCall is returned when a system contract's input is too short
// or carries an unrecognized opcode.
var ErrBadContractCall = errors.New("executor: malformed system contract call")

// contractOp is the single leading byte every built-in contract call
// dispatches on. citacore's built-ins are deliberately storage-only (get/set
// a key under the contract's own account) rather than a full Solidity ABI
// decoder — the spec treats the VM itself as an opaque interpreter, and the
// account/chain/permission managers in the original only ever read or wrote
// a handful of fixed slots (original_source/cita-executor/core/src/contracts/{account_manager,chain_manager}.rs).
type contractOp byte

const (
	opGet contractOp = iota
	opSet
)

// builtinContract is a system contract dispatched natively instead of
// through the VM. sender is the already-recovered tx signer; data is the
// transaction payload with the reserved-address routing already resolved.
type builtinContract func(s *state.StateDB, addr crypto.Address, sender crypto.Address, data []byte) ([]byte, error)

// systemContracts maps a reserved address to the contract dispatched there.
// ChainManager/QuotaManager/SysConfig share kvContract's generic
// get(key)/set(key,value) shape; NodeManager, PermissionManagement and
// Authorization share setContract's membership-list shape.
var systemContracts = map[crypto.Address]builtinContract{
	SysConfigAddress:            kvContract,
	NodeManagerAddress:          setContract,
	ChainManagerAddress:         kvContract,
	QuotaManagerAddress:         kvContract,
	PermissionManagementAddress: setContract,
	AuthorizationAddress:        setContract,
}

// Dispatch runs the built-in contract at addr, or ErrBadContractCall if
// addr is not a reserved system-contract address.
func Dispatch(s *state.StateDB, addr, sender crypto.Address, data []byte) ([]byte, error) {
	fn, ok := systemContracts[addr]
	if !ok {
		return nil, fmt.Errorf("%w: no system contract at %s", ErrBadContractCall, addr)
	}
	return fn(s, addr, sender, data)
}

// kvContract implements a single key/value slot store: [op][key(32)] to get,
// [op][key(32)][value(32)] to set, grounded on sys_config.rs/chain_manager.rs's
// "a handful of fixed configuration slots" shape.
func kvContract(s *state.StateDB, addr, _ crypto.Address, data []byte) ([]byte, error) {
	if len(data) < 1+32 {
		return nil, fmt.Errorf("%w: kv call too short", ErrBadContractCall)
	}
	op := contractOp(data[0])
	var key crypto.Hash
	copy(key[:], data[1:33])

	switch op {
	case opGet:
		val, err := s.GetStorage(addr, key)
		if err != nil {
			return nil, err
		}
		return val.Bytes(), nil
	case opSet:
		if len(data) < 1+32+32 {
			return nil, fmt.Errorf("%w: kv set missing value", ErrBadContractCall)
		}
		var val crypto.Hash
		copy(val[:], data[33:65])
		s.SetStorage(addr, key, val)
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: unknown kv op %d", ErrBadContractCall, op)
	}
}

// setContract implements an append-only membership list (validators,
// authorized senders, authorized creators): [opGet] returns the count
// followed by each member address; [opSet][address(20)] appends addr unless
// already present, mirroring NodeManager's add_node / AccountManager's
// load_senders membership semantics.
func setContract(s *state.StateDB, addr, _ crypto.Address, data []byte) ([]byte, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("%w: set call too short", ErrBadContractCall)
	}
	op := contractOp(data[0])
	switch op {
	case opGet:
		return encodeMemberList(listMembers(s, addr)), nil
	case opSet:
		if len(data) < 1+crypto.AddressLength {
			return nil, fmt.Errorf("%w: set missing address", ErrBadContractCall)
		}
		member := crypto.BytesToAddress(data[1 : 1+crypto.AddressLength])
		addMember(s, addr, member)
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: unknown set op %d", ErrBadContractCall, op)
	}
}

// countKey is the fixed storage slot under a set-contract address holding
// the member count; member i's address lives at slot hash(i+1).
var countKey = crypto.Hash{}

func memberSlot(i uint64) crypto.Hash {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], i+1)
	return crypto.Sum256(b[:])
}

func listMembers(s *state.StateDB, addr crypto.Address) []crypto.Address {
	countHash, err := s.GetStorage(addr, countKey)
	if err != nil {
		return nil
	}
	count := binary.BigEndian.Uint64(countHash[:8])
	members := make([]crypto.Address, 0, count)
	for i := uint64(0); i < count; i++ {
		slotHash, err := s.GetStorage(addr, memberSlot(i))
		if err != nil {
			continue
		}
		members = append(members, crypto.BytesToAddress(slotHash[len(slotHash)-crypto.AddressLength:]))
	}
	return members
}

func addMember(s *state.StateDB, addr, member crypto.Address) {
	for _, m := range listMembers(s, addr) {
		if m == member {
			return
		}
	}
	countHash, _ := s.GetStorage(addr, countKey)
	count := binary.BigEndian.Uint64(countHash[:8])
	var val crypto.Hash
	copy(val[len(val)-crypto.AddressLength:], member[:])
	s.SetStorage(addr, memberSlot(count), val)

	count++
	var next crypto.Hash
	binary.BigEndian.PutUint64(next[:8], count)
	s.SetStorage(addr, countKey, next)
}

func encodeMemberList(members []crypto.Address) []byte {
	out := make([]byte, 0, 8+len(members)*crypto.AddressLength)
	var countBuf [8]byte
	binary.BigEndian.PutUint64(countBuf[:], uint64(len(members)))
	out = append(out, countBuf[:]...)
	for _, m := range members {
		out = append(out, m.Bytes()...)
	}
	return out
}

// PermissionSet adapts the PermissionManagement system contract to
// authpool.AuthSet, so the AuthPool's authorized-sender check reads live
// on-chain permission state rather than a static config list.
type PermissionSet struct {
	state *state.StateDB
}

// NewPermissionSet wraps s.
func NewPermissionSet(s *state.StateDB) *PermissionSet { return &PermissionSet{state: s} }

// IsAuthorized reports whether addr is a member of the on-chain senders list
// maintained by the PermissionManagement contract.
func (p *PermissionSet) IsAuthorized(addr crypto.Address) bool {
	for _, m := range listMembers(p.state, PermissionManagementAddress) {
		if m == addr {
			return true
		}
	}
	return false
}

// NodeSet adapts NodeManager's membership list to a plain address slice,
// for use as a consensus.ValidatorSet source.
func NodeSet(s *state.StateDB) []crypto.Address {
	return listMembers(s, NodeManagerAddress)
}
