// Package messaging carries protocol updates between the two participants
// over an abstract bus. Every outbound update registers a single-use inbox;
// the first reply bound to that inbox completes the exchange, later replies
// are discarded.
package messaging

import (
	"context"
	"crypto/rand"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/alfredolopez80/vector/pkg/types"
)

// ProtocolPayload is the data section of a protocol message. Exactly one of
// Update or Error is present.
type ProtocolPayload struct {
	Update         *types.ChannelUpdate `json:"update,omitempty"`
	PreviousUpdate *types.ChannelUpdate `json:"previousUpdate,omitempty"`
	Error          *types.Error         `json:"error,omitempty"`
}

// ProtocolMessage is the wire format exchanged between peers. Field order and
// names are part of the interface.
type ProtocolMessage struct {
	To     types.PublicIdentifier `json:"to"`
	From   types.PublicIdentifier `json:"from"`
	Inbox  string                 `json:"inbox"`
	SentBy types.PublicIdentifier `json:"sentBy"`
	Data   ProtocolPayload        `json:"data"`
}

// ProtocolResponse is the positive outcome of a send: the counterparty's
// fully signed update and, when attached, the update preceding it.
type ProtocolResponse struct {
	Update         *types.ChannelUpdate
	PreviousUpdate *types.ChannelUpdate
}

// ProtocolMessageHandler receives inbound protocol requests addressed to the
// subscribed identifier.
type ProtocolMessageHandler func(payload ProtocolPayload, from types.PublicIdentifier, inbox string)

// Messenger is the transport-independent exchange the protocol driver runs
// on.
type Messenger interface {
	// SendProtocolMessage publishes the update to its ToIdentifier, awaits a
	// single correlated reply, and retries with a fresh inbox on timeout.
	// retries is the number of re-sends after the first attempt; 0 means a
	// single attempt.
	SendProtocolMessage(
		ctx context.Context,
		update *types.ChannelUpdate,
		previousUpdate *types.ChannelUpdate,
		timeout time.Duration,
		retries int,
	) (*ProtocolResponse, *types.Error)

	// RespondToProtocolMessage publishes a reply bound to inbox.
	RespondToProtocolMessage(
		ctx context.Context,
		sentBy types.PublicIdentifier,
		update *types.ChannelUpdate,
		previousUpdate *types.ChannelUpdate,
		inbox string,
	) error

	// RespondWithProtocolError publishes a negative reply bound to inbox.
	RespondWithProtocolError(
		ctx context.Context,
		from types.PublicIdentifier,
		to types.PublicIdentifier,
		inbox string,
		protocolError *types.Error,
	) error

	// OnReceiveProtocolMessage invokes handler for every inbound request
	// addressed to self. The returned function cancels the subscription.
	OnReceiveProtocolMessage(self types.PublicIdentifier, handler ProtocolMessageHandler) (func(), error)
}

// NewInbox generates a cryptographically random 32-byte hex inbox
// identifier. Inboxes are single-use and never reused across retries.
func NewInbox() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms
		panic(err)
	}
	return hexutil.Encode(buf)
}
