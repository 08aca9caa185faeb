// Package events delivers typed notifications for every accepted channel
// update. Subscribers observe a channel's events in nonce order; ordering
// across channels is arbitrary.
package events

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alfredolopez80/vector/pkg/types"
)

// Code identifies the kind of channel event.
type Code string

const (
	ChannelSetupCode    Code = "channel-setup"
	ChannelDepositedCode Code = "channel-deposited"
	TransferCreatedCode  Code = "transfer-created"
	TransferResolvedCode Code = "transfer-resolved"
)

// ChannelEvent is the common shape of every event.
type ChannelEvent interface {
	fmt.Stringer
	// Time returns the time that the event occurred
	Time() time.Time
	// Code returns the type of event this is
	Code() Code
	// ChannelAddress returns the channel the event belongs to
	ChannelAddress() common.Address
	// Nonce returns the state nonce the event was produced at
	Nonce() uint64
}

// ChannelEventSubscriber is a function that receives the stream of events
// from all channels the engine advances.
type ChannelEventSubscriber func(event ChannelEvent)

type baseEvent struct {
	at    time.Time
	state *types.FullChannelState
}

func (e baseEvent) Time() time.Time                { return e.at }
func (e baseEvent) ChannelAddress() common.Address { return e.state.ChannelAddress }
func (e baseEvent) Nonce() uint64                  { return e.state.Nonce }

// State returns the channel state after the update that fired the event.
func (e baseEvent) State() *types.FullChannelState { return e.state }

// ChannelSetup fires when a setup round completes.
type ChannelSetup struct {
	baseEvent
}

func NewChannelSetup(at time.Time, state *types.FullChannelState) ChannelSetup {
	return ChannelSetup{baseEvent{at: at, state: state}}
}

func (e ChannelSetup) Code() Code { return ChannelSetupCode }
func (e ChannelSetup) String() string {
	return fmt.Sprintf("ChannelSetup(%s, nonce=%d)", e.ChannelAddress().Hex(), e.Nonce())
}

// ChannelDeposited fires when a deposit round completes.
type ChannelDeposited struct {
	baseEvent
	assetID common.Address
}

func NewChannelDeposited(at time.Time, state *types.FullChannelState, assetID common.Address) ChannelDeposited {
	return ChannelDeposited{baseEvent{at: at, state: state}, assetID}
}

func (e ChannelDeposited) Code() Code              { return ChannelDepositedCode }
func (e ChannelDeposited) AssetID() common.Address { return e.assetID }
func (e ChannelDeposited) String() string {
	return fmt.Sprintf("ChannelDeposited(%s, asset=%s, nonce=%d)", e.ChannelAddress().Hex(), e.assetID.Hex(), e.Nonce())
}

// TransferCreated fires when a create round completes.
type TransferCreated struct {
	baseEvent
	transfer *types.FullTransferState
}

func NewTransferCreated(at time.Time, state *types.FullChannelState, transfer *types.FullTransferState) TransferCreated {
	return TransferCreated{baseEvent{at: at, state: state}, transfer}
}

func (e TransferCreated) Code() Code                         { return TransferCreatedCode }
func (e TransferCreated) Transfer() *types.FullTransferState { return e.transfer }
func (e TransferCreated) String() string {
	return fmt.Sprintf("TransferCreated(%s, transfer=%s, nonce=%d)", e.ChannelAddress().Hex(), e.transfer.TransferID.Hex(), e.Nonce())
}

// TransferResolved fires when a resolve round completes.
type TransferResolved struct {
	baseEvent
	transfer *types.FullTransferState
}

func NewTransferResolved(at time.Time, state *types.FullChannelState, transfer *types.FullTransferState) TransferResolved {
	return TransferResolved{baseEvent{at: at, state: state}, transfer}
}

func (e TransferResolved) Code() Code                          { return TransferResolvedCode }
func (e TransferResolved) Transfer() *types.FullTransferState  { return e.transfer }
func (e TransferResolved) String() string {
	return fmt.Sprintf("TransferResolved(%s, transfer=%s, nonce=%d)", e.ChannelAddress().Hex(), e.transfer.TransferID.Hex(), e.Nonce())
}
