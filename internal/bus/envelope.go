package bus

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/google/uuid"
)

// SubModule names one of the closed set of CITA micro-services, used as the
// source component of a RoutingKey and the envelope's SubModule field.
type SubModule string

const (
	SubModuleJSONRPC   SubModule = "jsonrpc"
	SubModuleAuth      SubModule = "auth"
	SubModuleConsensus SubModule = "consensus"
	SubModuleChain     SubModule = "chain"
	SubModuleExecutor  SubModule = "executor"
	SubModuleNet       SubModule = "net"
)

// Operation names the payload carried in an envelope's Content, mirroring
// the oneof listed in §6.
type Operation string

const (
	OpRequest         Operation = "request"
	OpResponse        Operation = "response"
	OpSignedProposal  Operation = "signed_proposal"
	OpBlockWithProof  Operation = "block_with_proof"
	OpRichStatus      Operation = "rich_status"
	OpStatus          Operation = "status"
	OpBlock           Operation = "block"
	OpSyncRequest     Operation = "sync_request"
	OpSyncResponse    Operation = "sync_response"
	OpVerifyRequest   Operation = "verify_request"
	OpExecutedResult  Operation = "executed_result"
)

// RoutingKey is the "<source_submodule>.<topic>" string described in §4.1.
// The core uses a closed set; Bus.Publish rejects anything not in that set.
type RoutingKey string

const (
	KeyJSONRPCRequest       RoutingKey = "jsonrpc.request"
	KeyAuthRequest          RoutingKey = "auth.request"
	KeyAuthResponse         RoutingKey = "auth.response"
	KeyConsensusBlockProof  RoutingKey = "consensus.block_with_proof"
	KeyConsensusProposal    RoutingKey = "consensus.signed_proposal"
	KeyConsensusRawBytes    RoutingKey = "consensus.raw_bytes"
	KeyChainRichStatus      RoutingKey = "chain.rich_status"
	KeyChainStatus          RoutingKey = "chain.status"
	KeyChainSyncResponse    RoutingKey = "chain.sync_response"
	KeyChainRequest         RoutingKey = "chain.request"
	KeyExecutorResult       RoutingKey = "executor.executed_result"
	KeyNetSyncRequest       RoutingKey = "net.sync_request"
	KeyNetSyncResponse      RoutingKey = "net.sync_response"
)

// ClosedRoutingKeys is the fixed set of routing keys the core recognizes;
// anything else is dropped with a warning per §4.1.
var ClosedRoutingKeys = map[RoutingKey]struct{}{
	KeyJSONRPCRequest:      {},
	KeyAuthRequest:         {},
	KeyAuthResponse:        {},
	KeyConsensusBlockProof: {},
	KeyConsensusProposal:   {},
	KeyConsensusRawBytes:   {},
	KeyChainRichStatus:     {},
	KeyChainStatus:         {},
	KeyChainSyncResponse:   {},
	KeyChainRequest:        {},
	KeyExecutorResult:      {},
	KeyNetSyncRequest:      {},
	KeyNetSyncResponse:     {},
}

// Envelope is the typed Message from §6: a source sub-module, an operation
// tag, a request id for request/response correlation, and an opaque payload.
type Envelope struct {
	RequestID uuid.UUID
	SubModule SubModule
	Operation Operation
	Payload   []byte
}

// NewEnvelope stamps a fresh request id.
func NewEnvelope(sub SubModule, op Operation, payload []byte) Envelope {
	return Envelope{RequestID: uuid.New(), SubModule: sub, Operation: op, Payload: payload}
}

// EncodeEnvelope serializes an envelope for transport over the bus (and,
// where a real peer link exists, over the wire — §6 leaves that wire format
// itself out of scope, but the in-process envelope shape is this spec's
// contract, so it is encoded concretely with encoding/gob, same choice the
// teacher already made for tx/message serialization).
func EncodeEnvelope(e Envelope) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(e); err != nil {
		return nil, fmt.Errorf("bus: failed to encode envelope: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeEnvelope is the inverse of EncodeEnvelope.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var e Envelope
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&e); err != nil {
		return Envelope{}, fmt.Errorf("bus: failed to decode envelope: %w", err)
	}
	return e, nil
}

// ErrorResponse is the {code, message} error variant described in §7's
// propagation rule.
type ErrorResponse struct {
	Code    int
	Message string
}

func (e *ErrorResponse) Error() string { return fmt.Sprintf("bus: [%d] %s", e.Code, e.Message) }
