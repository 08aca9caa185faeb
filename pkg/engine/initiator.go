package engine

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.opencensus.io/stats"
	octag "go.opencensus.io/tag"

	"github.com/alfredolopez80/vector/pkg/commitment"
	"github.com/alfredolopez80/vector/pkg/metrics"
	"github.com/alfredolopez80/vector/pkg/transition"
	"github.com/alfredolopez80/vector/pkg/types"
	"github.com/alfredolopez80/vector/pkg/validation"
)

// roundResult is everything a builder derives for one proposed update.
type roundResult struct {
	update        *types.ChannelUpdate
	next          *types.FullChannelState
	nextTransfers []*types.FullTransferState
	// transfer is the transfer-set change to persist alongside the state:
	// the created transfer, or the resolved one with its resolver recorded.
	transfer *types.FullTransferState
}

type roundBuilder func(ctx context.Context, state *types.FullChannelState, activeTransfers []*types.FullTransferState) (*roundResult, *types.Error)

// Setup opens a channel with the counterparty. This participant takes the
// alice slot.
func (e *Engine) Setup(ctx context.Context, params SetupParams) (*types.FullChannelState, *types.Error) {
	channelAddress := types.DeriveChannelAddress(e.signer.Address(), params.CounterpartyAddress, params.NetworkContext)
	return e.executeRound(ctx, channelAddress, types.UpdateTypeSetup,
		func(ctx context.Context, state *types.FullChannelState, activeTransfers []*types.FullTransferState) (*roundResult, *types.Error) {
			if state != nil {
				return nil, types.NewError(types.ReasonBadNonce,
					"channelAddress", channelAddress.Hex(),
					"detail", "channel already set up",
				).WithState(state)
			}
			update := &types.ChannelUpdate{
				Type:           types.UpdateTypeSetup,
				ChannelAddress: channelAddress,
				FromIdentifier: e.publicIdentifier,
				ToIdentifier:   params.CounterpartyIdentifier,
				Nonce:          1,
				Balance:        zeroBalance([2]common.Address{e.signer.Address(), params.CounterpartyAddress}),
				Details: types.SetupDetails{
					Timeout:        params.Timeout,
					NetworkContext: params.NetworkContext,
					Participants:   [2]common.Address{e.signer.Address(), params.CounterpartyAddress},
				},
			}
			next, nextTransfers, perr := transition.Apply(nil, update, activeTransfers)
			if perr != nil {
				return nil, perr
			}
			return &roundResult{update: update, next: next, nextTransfers: nextTransfers}, nil
		})
}

// Deposit reconciles the channel's on-chain holding of one asset into the
// off-chain state.
func (e *Engine) Deposit(ctx context.Context, params DepositParams) (*types.FullChannelState, *types.Error) {
	return e.executeRound(ctx, params.ChannelAddress, types.UpdateTypeDeposit,
		func(ctx context.Context, state *types.FullChannelState, activeTransfers []*types.FullTransferState) (*roundResult, *types.Error) {
			if state == nil {
				return nil, noChannelError(params.ChannelAddress)
			}
			balance, depositNonce, perr := e.reconcile(ctx, state, params.AssetID)
			if perr != nil {
				return nil, perr
			}
			update := &types.ChannelUpdate{
				Type:           types.UpdateTypeDeposit,
				ChannelAddress: params.ChannelAddress,
				FromIdentifier: e.publicIdentifier,
				ToIdentifier:   state.CounterpartyOf(e.publicIdentifier),
				Nonce:          state.Nonce + 1,
				Balance:        balance,
				AssetID:        params.AssetID,
				Details:        types.DepositDetails{LatestDepositNonce: depositNonce},
			}
			next, nextTransfers, perr := transition.Apply(state, update, activeTransfers)
			if perr != nil {
				return nil, perr
			}
			return &roundResult{update: update, next: next, nextTransfers: nextTransfers}, nil
		})
}

// CreateTransfer locks part of this participant's free balance under a
// condition program.
func (e *Engine) CreateTransfer(ctx context.Context, params CreateTransferParams) (*types.FullChannelState, *types.Error) {
	transferID := params.TransferID
	if transferID == (common.Hash{}) {
		transferID = newTransferID()
	}
	return e.executeRound(ctx, params.ChannelAddress, types.UpdateTypeCreate,
		func(ctx context.Context, state *types.FullChannelState, activeTransfers []*types.FullTransferState) (*roundResult, *types.Error) {
			if state == nil {
				return nil, noChannelError(params.ChannelAddress)
			}
			ourIdx, ok := state.IdentifierIndex(e.publicIdentifier)
			if !ok {
				return nil, types.NewError(types.ReasonBadParticipants,
					"channelAddress", params.ChannelAddress.Hex(),
					"fromIdentifier", e.publicIdentifier.String(),
				)
			}
			free := new(big.Int)
			assetBalance := zeroBalance(state.Participants)
			if idx, known := state.AssetIndex(params.AssetID); known {
				assetBalance = state.Balances[idx].Clone()
				free.Set(assetBalance.Amount[ourIdx])
			}
			if free.Cmp(params.Amount) < 0 {
				return nil, types.NewError(types.ReasonConservationViolated,
					"channelAddress", params.ChannelAddress.Hex(),
					"assetId", params.AssetID.Hex(),
					"available", free.String(),
					"requested", params.Amount.String(),
				).WithState(state)
			}

			transferBalance := zeroBalance(state.Participants)
			transferBalance.Amount[ourIdx] = new(big.Int).Set(params.Amount)
			assetBalance.Amount[ourIdx] = new(big.Int).Sub(assetBalance.Amount[ourIdx], params.Amount)

			update := &types.ChannelUpdate{
				Type:           types.UpdateTypeCreate,
				ChannelAddress: params.ChannelAddress,
				FromIdentifier: e.publicIdentifier,
				ToIdentifier:   state.CounterpartyOf(e.publicIdentifier),
				Nonce:          state.Nonce + 1,
				Balance:        assetBalance,
				AssetID:        params.AssetID,
				Details: types.CreateDetails{
					TransferID:           transferID,
					TransferDefinition:   params.TransferDefinition,
					TransferTimeout:      params.TransferTimeout,
					TransferInitialState: params.TransferInitialState,
					TransferEncodings:    params.TransferEncodings,
					TransferBalance:      transferBalance,
					Meta:                 params.Meta,
				},
			}
			next, nextTransfers, perr := transition.Apply(state, update, activeTransfers)
			if perr != nil {
				return nil, perr
			}
			transfer := nextTransfers[len(nextTransfers)-1]
			stats.Record(ctx, metrics.ProgramExecutionCount.M(1))
			accepted, err := e.executor.Create(ctx, transfer, state.NetworkContext.ChainID)
			if err != nil {
				return nil, types.ConvertError(err, types.ReasonChainError,
					"transferId", transferID.Hex(),
					"transferDefinition", params.TransferDefinition.Hex(),
				)
			}
			if !accepted {
				return nil, types.NewError(types.ReasonTransferNotAccepted,
					"transferId", transferID.Hex(),
					"transferDefinition", params.TransferDefinition.Hex(),
				).WithState(state)
			}
			return &roundResult{update: update, next: next, nextTransfers: nextTransfers, transfer: transfer}, nil
		})
}

// ResolveTransfer releases an active transfer per the condition program's
// verdict on the resolver.
func (e *Engine) ResolveTransfer(ctx context.Context, params ResolveTransferParams) (*types.FullChannelState, *types.Error) {
	return e.executeRound(ctx, params.ChannelAddress, types.UpdateTypeResolve,
		func(ctx context.Context, state *types.FullChannelState, activeTransfers []*types.FullTransferState) (*roundResult, *types.Error) {
			if state == nil {
				return nil, noChannelError(params.ChannelAddress)
			}
			var transfer *types.FullTransferState
			for _, t := range activeTransfers {
				if t.TransferID == params.TransferID {
					transfer = t
					break
				}
			}
			if transfer == nil {
				return nil, types.NewError(types.ReasonTransferNotActive,
					"transferId", params.TransferID.Hex(),
					"channelAddress", params.ChannelAddress.Hex(),
				).WithState(state)
			}
			balance, perr := e.resolveBalance(ctx, state, transfer, params.TransferResolver)
			if perr != nil {
				return nil, perr
			}
			update := &types.ChannelUpdate{
				Type:           types.UpdateTypeResolve,
				ChannelAddress: params.ChannelAddress,
				FromIdentifier: e.publicIdentifier,
				ToIdentifier:   state.CounterpartyOf(e.publicIdentifier),
				Nonce:          state.Nonce + 1,
				Balance:        balance,
				AssetID:        transfer.AssetID,
				Details: types.ResolveDetails{
					TransferID:       params.TransferID,
					TransferResolver: params.TransferResolver,
					Meta:             params.Meta,
				},
			}
			next, nextTransfers, perr := transition.Apply(state, update, activeTransfers)
			if perr != nil {
				return nil, perr
			}
			resolved := transfer.Clone()
			resolved.TransferResolver = params.TransferResolver
			return &roundResult{update: update, next: next, nextTransfers: nextTransfers, transfer: resolved}, nil
		})
}

// reconcile runs the deposit reconciliation against the chain reader and
// produces the balance and deposit nonce the update must carry.
func (e *Engine) reconcile(ctx context.Context, state *types.FullChannelState, assetID common.Address) (types.Balance, uint64, *types.Error) {
	chainID := state.NetworkContext.ChainID
	onchainBalance, err := e.reader.GetChannelOnchainBalance(ctx, state.ChannelAddress, chainID, assetID)
	if err != nil {
		return types.Balance{}, 0, types.ConvertError(err, types.ReasonChainError,
			"channelAddress", state.ChannelAddress.Hex(),
			"assetId", assetID.Hex(),
		)
	}
	record, err := e.reader.GetLatestDepositByAssetID(ctx, state.ChannelAddress, chainID, assetID, state.LatestDepositNonce)
	if err != nil {
		return types.Balance{}, 0, types.ConvertError(err, types.ReasonChainError,
			"channelAddress", state.ChannelAddress.Hex(),
			"assetId", assetID.Hex(),
		)
	}
	stats.Record(ctx, metrics.DepositReconcileCount.M(1))
	balance, depositNonce := transition.ReconcileDeposit(state, assetID, onchainBalance, *record)
	return balance, depositNonce, nil
}

// resolveBalance executes the condition program and folds the returned split
// into the channel's post-resolve balance for the transfer's asset.
func (e *Engine) resolveBalance(ctx context.Context, state *types.FullChannelState, transfer *types.FullTransferState, resolver []byte) (types.Balance, *types.Error) {
	stats.Record(ctx, metrics.ProgramExecutionCount.M(1))
	split, err := e.executor.Resolve(ctx, transfer, resolver, state.NetworkContext.ChainID)
	if err != nil {
		return types.Balance{}, types.ConvertError(err, types.ReasonChainError,
			"transferId", transfer.TransferID.Hex(),
			"transferDefinition", transfer.TransferDefinition.Hex(),
		)
	}
	balance := zeroBalance(state.Participants)
	if idx, ok := state.AssetIndex(transfer.AssetID); ok {
		balance = state.Balances[idx].Clone()
	}
	for k := 0; k < 2; k++ {
		if split.Amount[k] == nil || split.Amount[k].Sign() == 0 {
			continue
		}
		idx, ok := state.ParticipantIndex(split.To[k])
		if !ok {
			return types.Balance{}, types.NewError(types.ReasonConservationViolated,
				"transferId", transfer.TransferID.Hex(),
				"payee", split.To[k].Hex(),
				"detail", "program paid a non-participant",
			)
		}
		balance.Amount[idx] = new(big.Int).Add(balance.Amount[idx], split.Amount[k])
	}
	return balance, nil
}

// executeRound runs the initiator flow under the channel lease: build, sign,
// send, validate the counter-signed reply, persist. A StaleUpdate reply
// triggers exactly one resynchronization and restart.
func (e *Engine) executeRound(
	ctx context.Context,
	channelAddress common.Address,
	updateType types.UpdateType,
	build roundBuilder,
) (*types.FullChannelState, *types.Error) {
	lease := e.lease(channelAddress)
	lease.Lock()
	defer lease.Unlock()

	roundID := uuid.New()
	tagCtx, _ := octag.New(ctx, octag.Insert(metrics.UpdateType, string(updateType)))
	stats.Record(tagCtx, metrics.RoundStartedCount.M(1))
	start := e.clock.Now()
	log.Debugw("starting round", "roundId", roundID, "channelAddress", channelAddress.Hex(), "updateType", updateType)

	resynced := false
	for {
		state, transfers, perr := e.loadChannel(ctx, channelAddress)
		if perr != nil {
			recordRound(ctx, updateType, start, perr)
			return nil, perr
		}

		result, perr := build(ctx, state, transfers)
		if perr != nil {
			recordRound(ctx, updateType, start, perr)
			return nil, perr
		}

		if perr := validation.ValidateUpdate(state, result.update, result.next, transfers, 0); perr != nil {
			recordRound(ctx, updateType, start, perr)
			return nil, perr
		}

		if perr := e.signUpdate(result.update, result.next); perr != nil {
			recordRound(ctx, updateType, start, perr)
			return nil, perr
		}

		var previousUpdate *types.ChannelUpdate
		if state != nil {
			previousUpdate = state.LatestUpdate
		}
		response, perr := e.messenger.SendProtocolMessage(ctx, result.update, previousUpdate, e.cfg.MessagingTimeout, e.cfg.MessagingRetries)
		if perr != nil {
			if perr.Reason == types.ReasonStaleUpdate && !resynced {
				log.Infow("counterparty is ahead, resynchronizing", "channelAddress", channelAddress.Hex())
				stats.Record(ctx, metrics.RoundResyncCount.M(1))
				if serr := e.adoptCounterpartyState(ctx, channelAddress, perr.State); serr != nil {
					recordRound(ctx, updateType, start, serr)
					return nil, serr
				}
				resynced = true
				continue
			}
			recordRound(ctx, updateType, start, perr)
			return nil, perr.WithContext("channelAddress", channelAddress.Hex()).
				WithContext("updateType", string(updateType))
		}

		countersigned := response.Update
		if countersigned == nil || countersigned.Nonce != result.update.Nonce {
			perr := types.NewError(types.ReasonMessagingUnknown,
				"channelAddress", channelAddress.Hex(),
				"detail", "reply does not match the proposed update",
			)
			recordRound(ctx, updateType, start, perr)
			return nil, perr
		}
		if perr := validation.ValidateUpdate(state, countersigned, result.next, transfers, 2); perr != nil {
			recordRound(ctx, updateType, start, perr)
			return nil, perr
		}

		result.next.LatestUpdate = countersigned
		if perr := e.persist(ctx, result.next, countersigned, result.transfer); perr != nil {
			recordRound(ctx, updateType, start, perr)
			return nil, perr
		}
		e.dispatchEvent(result.next, result.transfer)
		recordRound(ctx, updateType, start, nil)
		log.Debugw("round complete", "roundId", roundID, "channelAddress", channelAddress.Hex(), "updateType", updateType, "nonce", result.next.Nonce)
		return result.next, nil
	}
}

func (e *Engine) loadChannel(ctx context.Context, channelAddress common.Address) (*types.FullChannelState, []*types.FullTransferState, *types.Error) {
	state, err := e.store.GetChannelState(ctx, channelAddress)
	if err != nil {
		return nil, nil, types.ConvertError(err, types.ReasonStorageError,
			"channelAddress", channelAddress.Hex())
	}
	var transfers []*types.FullTransferState
	if state != nil {
		transfers, err = e.store.GetActiveTransfers(ctx, channelAddress)
		if err != nil {
			return nil, nil, types.ConvertError(err, types.ReasonStorageError,
				"channelAddress", channelAddress.Hex())
		}
	}
	return state, transfers, nil
}

// signUpdate places this participant's signature in its slot.
func (e *Engine) signUpdate(update *types.ChannelUpdate, next *types.FullChannelState) *types.Error {
	digest, err := commitment.SigningDigestForState(next)
	if err != nil {
		return types.ConvertError(err, types.ReasonSignerError,
			"channelAddress", update.ChannelAddress.Hex())
	}
	sig, err := e.signer.SignMessage(digest.Bytes())
	if err != nil {
		return types.ConvertError(err, types.ReasonSignerError,
			"channelAddress", update.ChannelAddress.Hex())
	}
	idx, ok := next.ParticipantIndex(e.signer.Address())
	if !ok {
		return types.NewError(types.ReasonBadParticipants,
			"channelAddress", update.ChannelAddress.Hex(),
			"signerAddress", e.signer.Address().Hex(),
		)
	}
	update.Signatures[idx] = sig
	return nil
}

func (e *Engine) persist(ctx context.Context, state *types.FullChannelState, update *types.ChannelUpdate, transfer *types.FullTransferState) *types.Error {
	commit := types.CommitmentFromState(state)
	commit.Signatures = update.Signatures
	if err := e.store.SaveChannelState(ctx, state, commit, transfer); err != nil {
		return types.ConvertError(err, types.ReasonStorageError,
			"channelAddress", state.ChannelAddress.Hex(),
			"nonce", fmt.Sprintf("%d", state.Nonce),
		)
	}
	return nil
}

// adoptCounterpartyState validates and persists the double-signed latest
// state a StaleUpdate reply carried. Only the attached update's transfer
// change can be reconstructed; the commitment signatures vouch for the rest.
func (e *Engine) adoptCounterpartyState(ctx context.Context, channelAddress common.Address, remote *types.FullChannelState) *types.Error {
	if remote == nil || remote.LatestUpdate == nil {
		return types.NewError(types.ReasonStaleUpdate,
			"channelAddress", channelAddress.Hex(),
			"detail", "stale-update reply carried no state",
		)
	}
	if remote.ChannelAddress != channelAddress {
		return types.NewError(types.ReasonBadParticipants,
			"channelAddress", channelAddress.Hex(),
			"remoteAddress", remote.ChannelAddress.Hex(),
		)
	}
	local, err := e.store.GetChannelState(ctx, channelAddress)
	if err != nil {
		return types.ConvertError(err, types.ReasonStorageError,
			"channelAddress", channelAddress.Hex())
	}
	if local != nil && remote.Nonce <= local.Nonce {
		return types.NewError(types.ReasonStaleUpdate,
			"channelAddress", channelAddress.Hex(),
			"localNonce", fmt.Sprintf("%d", local.Nonce),
			"remoteNonce", fmt.Sprintf("%d", remote.Nonce),
		)
	}

	commit := types.CommitmentFromState(remote)
	commit.Signatures = remote.LatestUpdate.Signatures
	for i := range commit.Signatures {
		if len(commit.Signatures[i]) == 0 {
			return types.NewError(types.ReasonBadSignature,
				"channelAddress", channelAddress.Hex(),
				"slot", fmt.Sprintf("%d", i),
				"detail", "resync state is not double-signed",
			)
		}
		if err := commitment.VerifySlot(commit, i); err != nil {
			return types.ConvertError(err, types.ReasonBadSignature,
				"channelAddress", channelAddress.Hex(),
				"slot", fmt.Sprintf("%d", i),
			)
		}
	}

	var transfer *types.FullTransferState
	switch details := remote.LatestUpdate.Details.(type) {
	case types.CreateDetails:
		transfer = &types.FullTransferState{
			TransferID:         details.TransferID,
			ChannelAddress:     channelAddress,
			TransferDefinition: details.TransferDefinition,
			TransferTimeout:    details.TransferTimeout,
			InitialState:       details.TransferInitialState,
			TransferEncodings:  details.TransferEncodings,
			Balance:            details.TransferBalance.Clone(),
			AssetID:            remote.LatestUpdate.AssetID,
			ChannelNonce:       remote.LatestUpdate.Nonce,
			Meta:               details.Meta,
		}
	case types.ResolveDetails:
		existing, err := e.store.GetTransferState(ctx, details.TransferID)
		if err != nil {
			return types.ConvertError(err, types.ReasonStorageError,
				"transferId", details.TransferID.Hex())
		}
		if existing != nil {
			transfer = existing.Clone()
			transfer.TransferResolver = details.TransferResolver
		}
	}

	adopted := remote.Clone()
	if perr := e.persist(ctx, adopted, adopted.LatestUpdate, transfer); perr != nil {
		return perr
	}
	log.Infow("adopted counterparty state", "channelAddress", channelAddress.Hex(), "nonce", adopted.Nonce)
	return nil
}

func zeroBalance(to [2]common.Address) types.Balance {
	return types.Balance{
		To:     to,
		Amount: [2]*big.Int{new(big.Int), new(big.Int)},
	}
}

func noChannelError(channelAddress common.Address) *types.Error {
	return types.NewError(types.ReasonBadNonce,
		"channelAddress", channelAddress.Hex(),
		"detail", "no channel state",
	)
}
