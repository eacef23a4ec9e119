// Package chanerr defines the error taxonomy shared by the channel
// processor and the channel stub: the enumerated error kinds, the
// fatal/local split, and a ChannelError value that carries enough
// context for an operator to diagnose a drop or a fatal exit from the
// single-line log record alone.
package chanerr

import "fmt"

// Kind enumerates the error taxonomy.
type Kind int

const (
	ProtocolViolation Kind = iota
	UnknownDevice
	CausalViolation
	ModelError
	FabricError
	RegistrationTimeout
	Shutdown
)

func (k Kind) String() string {
	switch k {
	case ProtocolViolation:
		return "PROTOCOL_VIOLATION"
	case UnknownDevice:
		return "UNKNOWN_DEVICE"
	case CausalViolation:
		return "CAUSAL_VIOLATION"
	case ModelError:
		return "MODEL_ERROR"
	case FabricError:
		return "FABRIC_ERROR"
	case RegistrationTimeout:
		return "REGISTRATION_TIMEOUT"
	case Shutdown:
		return "SHUTDOWN"
	default:
		return fmt.Sprintf("UNKNOWN_KIND(%d)", int(k))
	}
}

// Fatal reports whether an error of this Kind must terminate the
// process. It returns true only for CausalViolation and FabricError;
// every other Kind, ProtocolViolation included, reports false (local:
// drop and continue).
//
// ProtocolViolation itself is context-dependent (header framing errors
// are fatal, single-message validation errors are local); callers that
// need that distinction should not rely on this method for
// ProtocolViolation and should decide fatality explicitly at the call
// site (see channelproc's handling of sequence regressions).
func (k Kind) Fatal() bool {
	switch k {
	case CausalViolation, FabricError:
		return true
	default:
		return false
	}
}

// ChannelError is the explicit result type every public operation in
// this module returns instead of panicking across a component
// boundary.
type ChannelError struct {
	Kind            Kind
	SourceRank      uint32
	MessageType     string
	ContextSequence uint32
	Msg             string
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("%s: rank=%d type=%s seq=%d: %s", e.Kind, e.SourceRank, e.MessageType, e.ContextSequence, e.Msg)
}

// New constructs a ChannelError.
func New(kind Kind, sourceRank uint32, messageType string, contextSequence uint32, msg string) *ChannelError {
	return &ChannelError{Kind: kind, SourceRank: sourceRank, MessageType: messageType, ContextSequence: contextSequence, Msg: msg}
}
