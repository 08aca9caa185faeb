package engine

import (
	"context"
	"fmt"

	"go.opencensus.io/stats"
	octag "go.opencensus.io/tag"

	"github.com/alfredolopez80/vector/pkg/messaging"
	"github.com/alfredolopez80/vector/pkg/metrics"
	"github.com/alfredolopez80/vector/pkg/transition"
	"github.com/alfredolopez80/vector/pkg/types"
	"github.com/alfredolopez80/vector/pkg/validation"
)

// handleProtocolMessage is the responder side of the protocol: it validates
// an inbound half-signed update against local state, counter-signs and
// persists it, or rejects it with a specific reason. A nonce behind ours
// earns a StaleUpdate reply carrying our latest double-signed state; a nonce
// too far ahead earns MissingUpdates.
func (e *Engine) handleProtocolMessage(payload messaging.ProtocolPayload, from types.PublicIdentifier, inbox string) {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.MessagingTimeout)
	defer cancel()

	if payload.Update == nil {
		if payload.Error != nil {
			log.Debugw("inbound protocol error outside any round", "from", from, "reason", payload.Error.Reason)
		}
		return
	}
	update := payload.Update
	if update.ToIdentifier != e.publicIdentifier || update.FromIdentifier != from {
		log.Warnw("dropping misaddressed update", "from", from, "updateFrom", update.FromIdentifier, "updateTo", update.ToIdentifier)
		return
	}

	lease := e.lease(update.ChannelAddress)
	lease.Lock()
	defer lease.Unlock()

	state, transfers, perr := e.loadChannel(ctx, update.ChannelAddress)
	if perr != nil {
		e.reject(ctx, from, inbox, update, perr)
		return
	}

	localNonce := uint64(0)
	if state != nil {
		localNonce = state.Nonce
	}
	switch {
	case update.Nonce == localNonce+1:
		// in sequence, fall through to validation
	case update.Nonce <= localNonce:
		perr := types.NewError(types.ReasonStaleUpdate,
			"channelAddress", update.ChannelAddress.Hex(),
			"localNonce", fmt.Sprintf("%d", localNonce),
			"updateNonce", fmt.Sprintf("%d", update.Nonce),
		).WithState(state)
		e.reject(ctx, from, inbox, update, perr)
		return
	default:
		perr := types.NewError(types.ReasonMissingUpdates,
			"channelAddress", update.ChannelAddress.Hex(),
			"localNonce", fmt.Sprintf("%d", localNonce),
			"updateNonce", fmt.Sprintf("%d", update.Nonce),
		).WithState(state)
		e.reject(ctx, from, inbox, update, perr)
		return
	}

	next, nextTransfers, perr := transition.Apply(state, update, transfers)
	if perr != nil {
		e.reject(ctx, from, inbox, update, perr.WithState(state))
		return
	}

	// Only the proposer's slot can be verified on a half-signed update; make
	// sure that slot is actually the one populated.
	if perr := e.checkProposerSignature(update, next); perr != nil {
		e.reject(ctx, from, inbox, update, perr.WithState(state))
		return
	}
	if perr := validation.ValidateUpdate(state, update, next, transfers, 1); perr != nil {
		e.reject(ctx, from, inbox, update, perr.WithState(state))
		return
	}
	if perr := e.checkUpdateAgainstCollaborators(ctx, state, next, update, transfers, nextTransfers); perr != nil {
		e.reject(ctx, from, inbox, update, perr.WithState(state))
		return
	}

	countersigned := update.Clone()
	if perr := e.signUpdate(countersigned, next); perr != nil {
		e.reject(ctx, from, inbox, update, perr.WithState(state))
		return
	}
	next.LatestUpdate = countersigned

	transfer := e.transferChange(update, transfers, nextTransfers)
	if perr := e.persist(ctx, next, countersigned, transfer); perr != nil {
		e.reject(ctx, from, inbox, update, perr.WithState(state))
		return
	}

	if err := e.messenger.RespondToProtocolMessage(ctx, e.publicIdentifier, countersigned, previousOf(state), inbox); err != nil {
		log.Errorw("failed to send protocol reply", "channelAddress", update.ChannelAddress.Hex(), "inbox", inbox, "error", err)
		return
	}

	tagCtx, _ := octag.New(ctx, octag.Insert(metrics.UpdateType, string(update.Type)))
	stats.Record(tagCtx, metrics.ResponderAcceptCount.M(1))
	e.dispatchEvent(next, transfer)
	log.Debugw("counter-signed inbound update", "channelAddress", update.ChannelAddress.Hex(), "updateType", update.Type, "nonce", next.Nonce)
}

// checkProposerSignature verifies the proposer's slot is populated. Slot
// contents are verified by the validator; this guards against a half-signed
// update carrying only the wrong slot.
func (e *Engine) checkProposerSignature(update *types.ChannelUpdate, next *types.FullChannelState) *types.Error {
	proposerIdx, ok := next.IdentifierIndex(update.FromIdentifier)
	if !ok {
		return types.NewError(types.ReasonBadParticipants,
			"channelAddress", update.ChannelAddress.Hex(),
			"fromIdentifier", update.FromIdentifier.String(),
		)
	}
	if len(update.Signatures[proposerIdx]) == 0 {
		return types.NewError(types.ReasonBadSignature,
			"channelAddress", update.ChannelAddress.Hex(),
			"slot", fmt.Sprintf("%d", proposerIdx),
			"detail", "proposer signature missing",
		)
	}
	return nil
}

// checkUpdateAgainstCollaborators re-derives everything the proposer claims
// from this participant's own view of the chain and the condition program.
func (e *Engine) checkUpdateAgainstCollaborators(
	ctx context.Context,
	state *types.FullChannelState,
	next *types.FullChannelState,
	update *types.ChannelUpdate,
	transfers []*types.FullTransferState,
	nextTransfers []*types.FullTransferState,
) *types.Error {
	switch details := update.Details.(type) {
	case types.DepositDetails:
		balance, depositNonce, perr := e.reconcile(ctx, state, update.AssetID)
		if perr != nil {
			return perr
		}
		if depositNonce != details.LatestDepositNonce {
			return types.NewError(types.ReasonBadNonce,
				"channelAddress", update.ChannelAddress.Hex(),
				"claimedDepositNonce", fmt.Sprintf("%d", details.LatestDepositNonce),
				"chainDepositNonce", fmt.Sprintf("%d", depositNonce),
			)
		}
		for i := 0; i < 2; i++ {
			if balance.Amount[i].Cmp(update.Balance.Amount[i]) != 0 {
				return types.NewError(types.ReasonConservationViolated,
					"channelAddress", update.ChannelAddress.Hex(),
					"assetId", update.AssetID.Hex(),
					"claimedBalance", update.Balance.Amount[i].String(),
					"reconciledBalance", balance.Amount[i].String(),
				)
			}
		}
	case types.CreateDetails:
		transfer := nextTransfers[len(nextTransfers)-1]
		stats.Record(ctx, metrics.ProgramExecutionCount.M(1))
		accepted, err := e.executor.Create(ctx, transfer, state.NetworkContext.ChainID)
		if err != nil {
			return types.ConvertError(err, types.ReasonChainError,
				"transferId", details.TransferID.Hex(),
				"transferDefinition", details.TransferDefinition.Hex(),
			)
		}
		if !accepted {
			return types.NewError(types.ReasonTransferNotAccepted,
				"transferId", details.TransferID.Hex(),
				"transferDefinition", details.TransferDefinition.Hex(),
			)
		}
	case types.ResolveDetails:
		var transfer *types.FullTransferState
		for _, t := range transfers {
			if t.TransferID == details.TransferID {
				transfer = t
				break
			}
		}
		if transfer == nil {
			return types.NewError(types.ReasonTransferNotActive,
				"transferId", details.TransferID.Hex(),
				"channelAddress", update.ChannelAddress.Hex(),
			)
		}
		balance, perr := e.resolveBalance(ctx, state, transfer, details.TransferResolver)
		if perr != nil {
			return perr
		}
		for i := 0; i < 2; i++ {
			if balance.Amount[i].Cmp(update.Balance.Amount[i]) != 0 {
				return types.NewError(types.ReasonConservationViolated,
					"channelAddress", update.ChannelAddress.Hex(),
					"transferId", details.TransferID.Hex(),
					"claimedBalance", update.Balance.Amount[i].String(),
					"derivedBalance", balance.Amount[i].String(),
				)
			}
		}
	}
	return nil
}

// transferChange extracts the transfer-set change a persisted update
// implies: the newly created transfer, or the resolved one with its resolver
// recorded.
func (e *Engine) transferChange(update *types.ChannelUpdate, transfers, nextTransfers []*types.FullTransferState) *types.FullTransferState {
	switch details := update.Details.(type) {
	case types.CreateDetails:
		for _, t := range nextTransfers {
			if t.TransferID == details.TransferID {
				return t
			}
		}
	case types.ResolveDetails:
		for _, t := range transfers {
			if t.TransferID == details.TransferID {
				resolved := t.Clone()
				resolved.TransferResolver = details.TransferResolver
				return resolved
			}
		}
	}
	return nil
}

func (e *Engine) reject(ctx context.Context, to types.PublicIdentifier, inbox string, update *types.ChannelUpdate, perr *types.Error) {
	tagCtx, _ := octag.New(ctx,
		octag.Insert(metrics.UpdateType, string(update.Type)),
		octag.Insert(metrics.FailureReason, string(perr.Reason)),
	)
	stats.Record(tagCtx, metrics.ResponderRejectCount.M(1))
	log.Debugw("rejecting inbound update",
		"channelAddress", update.ChannelAddress.Hex(),
		"updateType", update.Type,
		"nonce", update.Nonce,
		"reason", perr.Reason,
	)
	if err := e.messenger.RespondWithProtocolError(ctx, e.publicIdentifier, to, inbox, perr); err != nil {
		log.Errorw("failed to send protocol rejection", "inbox", inbox, "error", err)
	}
}

func previousOf(state *types.FullChannelState) *types.ChannelUpdate {
	if state == nil {
		return nil
	}
	return state.LatestUpdate
}
