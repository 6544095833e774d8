// Package executor implements deterministic block application: per-tx nonce
// and quota accounting, dispatch to the built-in system contracts that live
// at reserved addresses, and the privileged amend channel, per §4.4.
//
// The reserved address layout and the account/chain/permission manager
// contracts are grounded on original_source/cita-chain/types/src/reserved_addresses.rs
// and original_source/cita-executor/core/src/contracts/{account_manager,chain_manager}.rs;
// the amend channel is grounded on
// original_source/cita-executor/core/src/libexecutor/amend.rs.
package executor

import "github.com/cita-io/citacore/internal/crypto"

// Reserved system contract addresses, mirroring the high range CITA reserves
// at 0xffff...ff02xxxx ("Normal System Contracts"). citacore addresses are
// 20 bytes like the original, but only the low byte distinguishes these
// constants — every other byte is 0xff, matching the original's prefix.
var (
	SysConfigAddress            = reservedAddress(0x00)
	NodeManagerAddress          = reservedAddress(0x01)
	ChainManagerAddress         = reservedAddress(0x02)
	QuotaManagerAddress         = reservedAddress(0x03)
	PermissionManagementAddress = reservedAddress(0x04)
	AuthorizationAddress        = reservedAddress(0x06)
	AmendAddress                = reservedAddress(0xe0)
	AutoExecAddress             = reservedAddress(0xe1)
)

func reservedAddress(lowByte byte) crypto.Address {
	var a crypto.Address
	for i := range a {
		a[i] = 0xff
	}
	a[len(a)-1] = lowByte
	return a
}

// IsReserved reports whether addr falls in the system-contract address
// space this executor dispatches natively instead of running through the VM.
func IsReserved(addr crypto.Address) bool {
	_, ok := systemContracts[addr]
	return ok
}
