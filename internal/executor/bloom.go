package executor

import (
	"crypto/sha256"

	"github.com/cita-io/citacore/internal/types"
)

// bloomLogs folds logs into a 2048-bit (256-byte) Bloom filter, three bits
// per item (address and every topic), the same fixed-size/fixed-hash-count
// shape described by original_source/chain/state/src/trace/bloom.rs,
// re-expressed with SHA-256 since citacore has no Keccak dependency.
func bloomLogs(logs []types.Log) [256]byte {
	var b [256]byte
	for _, log := range logs {
		addBloom(&b, log.Address.Bytes())
		for _, topic := range log.Topics {
			addBloom(&b, topic.Bytes())
		}
	}
	return b
}

func addBloom(b *[256]byte, data []byte) {
	h := sha256.Sum256(data)
	for i := 0; i < 3; i++ {
		bitIndex := (uint16(h[2*i])<<8 | uint16(h[2*i+1])) % 2048
		b[bitIndex/8] |= 1 << (bitIndex % 8)
	}
}

// mergeBloom ORs src into dst, accumulating a block-wide bloom from each
// receipt's bloom.
func mergeBloom(dst *[256]byte, src [256]byte) {
	for i := range dst {
		dst[i] |= src[i]
	}
}
