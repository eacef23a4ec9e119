package wire

import (
	"errors"
	"fmt"
)

// ErrDuplicateSequence is returned by SequenceTracker.Observe when a
// sequence number exactly repeats the last one observed on a stream
// (a retransmitted/duplicate message), distinct from a true regression
// (a strictly older sequence number, which is always fatal). A
// duplicate TX_REQUEST is detected and dropped, never treated as a
// protocol-fatal regression.
var ErrDuplicateSequence = errors.New("wire: duplicate sequence number")

// ErrTimestampTolerance is the sentinel ValidateHeader wraps when the
// only rule a header violates is the timestamp tolerance check. A
// timestamp further ahead of safe time than the tolerance allows is
// logged but does not by itself drop the message,
// since the host scheduler is the authority on causality; every other
// header validation rule is a framing-level PROTOCOL_VIOLATION and
// fatal. Callers distinguish the two with
// errors.Is(err, ErrTimestampTolerance).
var ErrTimestampTolerance = errors.New("wire: timestamp_ns exceeds safe time plus tolerance")

// SequenceTracker enforces the per-(source_rank, message_type)
// monotone-sequence-number invariant.
type SequenceTracker struct {
	last map[streamKey]uint32
	seen map[streamKey]bool
}

type streamKey struct {
	sourceRank uint32
	msgType    MessageType
}

// NewSequenceTracker constructs an empty tracker.
func NewSequenceTracker() *SequenceTracker {
	return &SequenceTracker{
		last: make(map[streamKey]uint32),
		seen: make(map[streamKey]bool),
	}
}

// Observe records a newly-arrived sequence number for the given
// stream. An exact repeat of the last sequence number observed (a
// retransmitted message) returns ErrDuplicateSequence; a strictly older
// sequence number (a true regression) returns a plain error. Both are
// errors from Observe's point of view; the caller distinguishes them
// with errors.Is(err, ErrDuplicateSequence) to decide whether to drop
// quietly or treat the message as a fatal protocol violation.
func (st *SequenceTracker) Observe(sourceRank uint32, msgType MessageType, seq uint32) error {
	key := streamKey{sourceRank: sourceRank, msgType: msgType}
	if st.seen[key] {
		switch {
		case seq == st.last[key]:
			return ErrDuplicateSequence
		case seq < st.last[key]:
			return fmt.Errorf("sequence regression on (rank %d, type %s): got %d, last was %d",
				sourceRank, msgType, seq, st.last[key])
		}
	}
	st.last[key] = seq
	st.seen[key] = true
	return nil
}

// ValidationOpts carries the parameters needed to validate a header
// beyond pure syntax: the rank the fabric reports the message arrived
// from, and the current safe simulation time.
type ValidationOpts struct {
	FabricReportedSourceRank uint32
	SafeTimeNS               uint64
	TimestampToleranceNS     uint64 // zero selects the one-second default
}

// DefaultTimestampToleranceNS is the one-second slack allowed for
// lookahead ahead of the safe time.
const DefaultTimestampToleranceNS = uint64(1_000_000_000)

// ValidateHeader applies every header validation rule except the
// sequence-number check (use SequenceTracker.Observe for that, since it
// requires mutable cross-message state). Returns a descriptive error on
// the first rule violated, or nil if the header passes.
//
// A stale-timestamp violation is reported as an error but the caller
// decides whether to log-and-continue or drop; this function only
// detects the condition.
func ValidateHeader(h *Header, opts ValidationOpts) error {
	if !KnownMessageType(h.MessageType) {
		return fmt.Errorf("wire: unknown message_type %d", uint32(h.MessageType))
	}
	if h.TotalLength < HeaderSize || h.TotalLength > MaxMessageSize {
		return fmt.Errorf("wire: total_length %d out of range [%d, %d]", h.TotalLength, HeaderSize, MaxMessageSize)
	}
	if h.SourceRank != opts.FabricReportedSourceRank {
		return fmt.Errorf("wire: header source_rank %d does not match fabric-reported rank %d",
			h.SourceRank, opts.FabricReportedSourceRank)
	}
	tol := opts.TimestampToleranceNS
	if tol == 0 {
		tol = DefaultTimestampToleranceNS
	}
	if h.TimestampNS > opts.SafeTimeNS+tol {
		return fmt.Errorf("%w: timestamp_ns %d exceeds safe time %d plus tolerance %d",
			ErrTimestampTolerance, h.TimestampNS, opts.SafeTimeNS, tol)
	}
	return nil
}
