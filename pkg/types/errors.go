package types

import (
	"fmt"
	"sort"
	"strings"
)

// ErrorReason is the taxonomic reason attached to every protocol failure.
type ErrorReason string

const (
	// Messaging failures. Retriable at driver discretion with a new inbox.
	ReasonMessagingTimeout ErrorReason = "MessagingTimeout"
	ReasonMessagingUnknown ErrorReason = "MessagingUnknown"

	// Validation failures. Fatal for the round.
	ReasonBadNonce              ErrorReason = "BadNonce"
	ReasonBadParticipants       ErrorReason = "BadParticipants"
	ReasonBadSignature          ErrorReason = "BadSignature"
	ReasonConservationViolated  ErrorReason = "ConservationViolated"
	ReasonLockedBalanceMismatch ErrorReason = "LockedBalanceMismatch"
	ReasonMerkleRootMismatch    ErrorReason = "MerkleRootMismatch"

	// Protocol synchronization.
	ReasonStaleUpdate         ErrorReason = "StaleUpdate"
	ReasonMissingUpdates      ErrorReason = "MissingUpdates"
	ReasonTransferNotAccepted ErrorReason = "TransferNotAccepted"
	ReasonTransferNotActive   ErrorReason = "TransferNotActive"

	// External collaborator failures. Retriable at the caller's discretion.
	ReasonChainError   ErrorReason = "ChainError"
	ReasonStorageError ErrorReason = "StorageError"
	ReasonSignerError  ErrorReason = "SignerError"
)

// Error is the single structured error every failed operation returns:
// a reason from the taxonomy, key/value context (offending channel, nonce,
// update kind, counterparty) and optionally the latest known state.
type Error struct {
	Reason  ErrorReason       `json:"reason"`
	Context map[string]string `json:"context,omitempty"`
	State   *FullChannelState `json:"state,omitempty"`
}

// NewError builds an Error from a reason and alternating key/value context
// pairs.
func NewError(reason ErrorReason, kv ...string) *Error {
	e := &Error{Reason: reason, Context: make(map[string]string, len(kv)/2)}
	for i := 0; i+1 < len(kv); i += 2 {
		e.Context[kv[i]] = kv[i+1]
	}
	return e
}

// ConvertError wraps an external failure under the given reason, preserving
// the original message in context.
func ConvertError(err error, reason ErrorReason, kv ...string) *Error {
	e := NewError(reason, kv...)
	if err != nil {
		e.Context["error"] = err.Error()
	}
	return e
}

func (e *Error) Error() string {
	if len(e.Context) == 0 {
		return string(e.Reason)
	}
	keys := make([]string, 0, len(e.Context))
	for k := range e.Context {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	sb.WriteString(string(e.Reason))
	sb.WriteString(" (")
	for i, k := range keys {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "%s=%s", k, e.Context[k])
	}
	sb.WriteString(")")
	return sb.String()
}

// WithContext adds a key/value pair and returns the error for chaining.
func (e *Error) WithContext(key, value string) *Error {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = value
	return e
}

// WithState attaches the latest known channel state.
func (e *Error) WithState(state *FullChannelState) *Error {
	e.State = state
	return e
}

// Retriable reports whether the driver may re-attempt the round: messaging
// and external failures are, validation and synchronization rejections are
// not.
func (e *Error) Retriable() bool {
	switch e.Reason {
	case ReasonMessagingTimeout, ReasonMessagingUnknown,
		ReasonChainError, ReasonStorageError, ReasonSignerError:
		return true
	}
	return false
}

// Is supports errors.Is against another *Error with the same reason.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	return ok && other.Reason == e.Reason
}
