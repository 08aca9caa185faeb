// Package validation decides whether a proposed update is legal against the
// current channel state. Validation stops at the first failure and returns a
// structured rejection; it never panics and never throws.
package validation

import (
	"fmt"
	"math/big"

	"github.com/alfredolopez80/vector/pkg/commitment"
	"github.com/alfredolopez80/vector/pkg/transition"
	"github.com/alfredolopez80/vector/pkg/types"
)

// ValidateUpdate checks (previous state, proposed update, proposed new state)
// in the fixed order: kind precondition, nonce, identity, conservation and
// locked-balance invariants, signature count, signature validity.
// requiredSigs is 1 for a half-signed intermediate and 2 for a final update;
// 0 validates structure only.
func ValidateUpdate(
	prev *types.FullChannelState,
	update *types.ChannelUpdate,
	next *types.FullChannelState,
	activeTransfers []*types.FullTransferState,
	requiredSigs int,
) *types.Error {
	if err := validatePrecondition(prev, update, activeTransfers); err != nil {
		return err
	}
	if err := validateNonce(prev, update, next); err != nil {
		return err
	}
	if err := validateIdentity(prev, update, next); err != nil {
		return err
	}
	if err := validateInvariants(prev, update, next, activeTransfers); err != nil {
		return err
	}
	if err := validateSignatures(update, next, requiredSigs); err != nil {
		return err
	}
	return nil
}

func validatePrecondition(prev *types.FullChannelState, update *types.ChannelUpdate, activeTransfers []*types.FullTransferState) *types.Error {
	switch details := update.Details.(type) {
	case types.SetupDetails:
		if update.Type != types.UpdateTypeSetup {
			return detailsMismatch(update)
		}
		if prev != nil {
			return types.NewError(types.ReasonBadNonce,
				"updateType", string(update.Type),
				"channelAddress", update.ChannelAddress.Hex(),
				"detail", "channel already set up",
			)
		}
		if details.Timeout == 0 {
			return types.NewError(types.ReasonBadParticipants,
				"channelAddress", update.ChannelAddress.Hex(),
				"detail", "zero dispute timeout",
			)
		}
		derived := types.DeriveChannelAddress(details.Participants[0], details.Participants[1], details.NetworkContext)
		if derived != update.ChannelAddress {
			return types.NewError(types.ReasonBadParticipants,
				"channelAddress", update.ChannelAddress.Hex(),
				"derivedAddress", derived.Hex(),
				"detail", "channel address does not derive from participants",
			)
		}
	case types.DepositDetails:
		if update.Type != types.UpdateTypeDeposit {
			return detailsMismatch(update)
		}
		if prev == nil {
			return noChannel(update)
		}
		// Equal nonces are legal: only participant 1's side of the on-chain
		// holding changed, the deposit counter did not advance.
		if details.LatestDepositNonce < prev.LatestDepositNonce {
			return types.NewError(types.ReasonBadNonce,
				"updateType", string(update.Type),
				"channelAddress", update.ChannelAddress.Hex(),
				"latestDepositNonce", fmt.Sprintf("%d", prev.LatestDepositNonce),
				"proposedDepositNonce", fmt.Sprintf("%d", details.LatestDepositNonce),
			)
		}
	case types.CreateDetails:
		if update.Type != types.UpdateTypeCreate {
			return detailsMismatch(update)
		}
		if prev == nil {
			return noChannel(update)
		}
		for _, t := range activeTransfers {
			if t.TransferID == details.TransferID {
				return types.NewError(types.ReasonTransferNotAccepted,
					"transferId", details.TransferID.Hex(),
					"channelAddress", update.ChannelAddress.Hex(),
					"detail", "transferId already active",
				)
			}
		}
		if details.TransferTimeout > prev.Timeout {
			return types.NewError(types.ReasonTransferNotAccepted,
				"transferId", details.TransferID.Hex(),
				"transferTimeout", fmt.Sprintf("%d", details.TransferTimeout),
				"channelTimeout", fmt.Sprintf("%d", prev.Timeout),
			)
		}
	case types.ResolveDetails:
		if update.Type != types.UpdateTypeResolve {
			return detailsMismatch(update)
		}
		if prev == nil {
			return noChannel(update)
		}
		found := false
		for _, t := range activeTransfers {
			if t.TransferID == details.TransferID {
				found = true
				break
			}
		}
		if !found {
			return types.NewError(types.ReasonTransferNotActive,
				"transferId", details.TransferID.Hex(),
				"channelAddress", update.ChannelAddress.Hex(),
			)
		}
	default:
		return detailsMismatch(update)
	}
	return nil
}

func validateNonce(prev *types.FullChannelState, update *types.ChannelUpdate, next *types.FullChannelState) *types.Error {
	expected := uint64(1)
	if prev != nil {
		expected = prev.Nonce + 1
	}
	if next.Nonce != expected || update.Nonce != expected {
		prevNonce := uint64(0)
		if prev != nil {
			prevNonce = prev.Nonce
		}
		return types.NewError(types.ReasonBadNonce,
			"updateType", string(update.Type),
			"channelAddress", update.ChannelAddress.Hex(),
			"previousNonce", fmt.Sprintf("%d", prevNonce),
			"updateNonce", fmt.Sprintf("%d", update.Nonce),
			"proposedNonce", fmt.Sprintf("%d", next.Nonce),
		)
	}
	return nil
}

func validateIdentity(prev *types.FullChannelState, update *types.ChannelUpdate, next *types.FullChannelState) *types.Error {
	if update.ChannelAddress != next.ChannelAddress {
		return types.NewError(types.ReasonBadParticipants,
			"channelAddress", update.ChannelAddress.Hex(),
			"proposedAddress", next.ChannelAddress.Hex(),
		)
	}
	if prev == nil {
		return nil
	}
	if prev.ChannelAddress != next.ChannelAddress ||
		prev.Participants != next.Participants ||
		prev.PublicIdentifiers != next.PublicIdentifiers ||
		prev.NetworkContext != next.NetworkContext ||
		prev.Timeout != next.Timeout {
		return types.NewError(types.ReasonBadParticipants,
			"channelAddress", update.ChannelAddress.Hex(),
			"detail", "channel identity changed across transition",
		)
	}
	if _, ok := prev.IdentifierIndex(update.FromIdentifier); !ok {
		return types.NewError(types.ReasonBadParticipants,
			"channelAddress", update.ChannelAddress.Hex(),
			"fromIdentifier", update.FromIdentifier.String(),
		)
	}
	return nil
}

// validateInvariants re-derives the transition locally and compares the
// proposal against it, so a malformed proposed state can never be accepted on
// the strength of its signatures alone.
func validateInvariants(
	prev *types.FullChannelState,
	update *types.ChannelUpdate,
	next *types.FullChannelState,
	activeTransfers []*types.FullTransferState,
) *types.Error {
	derived, _, derr := transition.Apply(prev, update, activeTransfers)
	if derr != nil {
		return derr
	}

	if prev != nil && update.Type != types.UpdateTypeDeposit {
		// Conservation: per asset, free balance plus locked balance is
		// unchanged by create and resolve. Deposits are reconciled against the
		// chain instead.
		for i, asset := range next.AssetIDs {
			prevTotal := new(big.Int)
			if pidx, ok := prev.AssetIndex(asset); ok {
				prevTotal.Add(prev.Balances[pidx].Total(), prev.LockedBalance[pidx])
			}
			nextTotal := new(big.Int).Add(next.Balances[i].Total(), next.LockedBalance[i])
			if prevTotal.Cmp(nextTotal) != 0 {
				return types.NewError(types.ReasonConservationViolated,
					"updateType", string(update.Type),
					"channelAddress", update.ChannelAddress.Hex(),
					"assetId", asset.Hex(),
					"previousTotal", prevTotal.String(),
					"proposedTotal", nextTotal.String(),
				)
			}
		}
	}

	for i := range derived.AssetIDs {
		if i >= len(next.Balances) || i >= len(next.LockedBalance) || i >= len(next.AssetIDs) ||
			next.AssetIDs[i] != derived.AssetIDs[i] {
			return types.NewError(types.ReasonConservationViolated,
				"channelAddress", update.ChannelAddress.Hex(),
				"detail", "asset list diverges from derived transition",
			)
		}
		if next.LockedBalance[i].Cmp(derived.LockedBalance[i]) != 0 {
			return types.NewError(types.ReasonLockedBalanceMismatch,
				"channelAddress", update.ChannelAddress.Hex(),
				"assetId", next.AssetIDs[i].Hex(),
				"proposedLocked", next.LockedBalance[i].String(),
				"derivedLocked", derived.LockedBalance[i].String(),
			)
		}
		if next.LockedBalance[i].Sign() < 0 {
			return types.NewError(types.ReasonLockedBalanceMismatch,
				"channelAddress", update.ChannelAddress.Hex(),
				"assetId", next.AssetIDs[i].Hex(),
				"proposedLocked", next.LockedBalance[i].String(),
			)
		}
		for slot := 0; slot < 2; slot++ {
			if next.Balances[i].Amount[slot].Sign() < 0 {
				return types.NewError(types.ReasonConservationViolated,
					"channelAddress", update.ChannelAddress.Hex(),
					"assetId", next.AssetIDs[i].Hex(),
					"detail", "negative free balance",
				)
			}
			if next.Balances[i].Amount[slot].Cmp(derived.Balances[i].Amount[slot]) != 0 {
				return types.NewError(types.ReasonConservationViolated,
					"channelAddress", update.ChannelAddress.Hex(),
					"assetId", next.AssetIDs[i].Hex(),
					"proposedBalance", next.Balances[i].Amount[slot].String(),
					"derivedBalance", derived.Balances[i].Amount[slot].String(),
				)
			}
		}
	}

	if next.LatestDepositNonce != derived.LatestDepositNonce {
		return types.NewError(types.ReasonBadNonce,
			"channelAddress", update.ChannelAddress.Hex(),
			"proposedDepositNonce", fmt.Sprintf("%d", next.LatestDepositNonce),
			"derivedDepositNonce", fmt.Sprintf("%d", derived.LatestDepositNonce),
		)
	}

	if next.MerkleRoot != derived.MerkleRoot {
		return types.NewError(types.ReasonMerkleRootMismatch,
			"channelAddress", update.ChannelAddress.Hex(),
			"proposedRoot", next.MerkleRoot.Hex(),
			"derivedRoot", derived.MerkleRoot.Hex(),
		)
	}
	return nil
}

func validateSignatures(update *types.ChannelUpdate, next *types.FullChannelState, requiredSigs int) *types.Error {
	if update.SignatureCount() < requiredSigs {
		return types.NewError(types.ReasonBadSignature,
			"channelAddress", update.ChannelAddress.Hex(),
			"signatures", fmt.Sprintf("%d", update.SignatureCount()),
			"required", fmt.Sprintf("%d", requiredSigs),
		)
	}
	digest, err := commitment.SigningDigestForState(next)
	if err != nil {
		return types.ConvertError(err, types.ReasonBadSignature,
			"channelAddress", update.ChannelAddress.Hex(),
		)
	}
	for i, sig := range update.Signatures {
		if len(sig) == 0 {
			continue
		}
		signer, err := commitment.RecoverSigner(digest, sig)
		if err != nil {
			return types.ConvertError(err, types.ReasonBadSignature,
				"channelAddress", update.ChannelAddress.Hex(),
				"slot", fmt.Sprintf("%d", i),
			)
		}
		if signer != next.Participants[i] {
			return types.NewError(types.ReasonBadSignature,
				"channelAddress", update.ChannelAddress.Hex(),
				"slot", fmt.Sprintf("%d", i),
				"recovered", signer.Hex(),
				"expected", next.Participants[i].Hex(),
			)
		}
	}
	return nil
}

func detailsMismatch(update *types.ChannelUpdate) *types.Error {
	return types.NewError(types.ReasonBadParticipants,
		"updateType", string(update.Type),
		"channelAddress", update.ChannelAddress.Hex(),
		"detail", "details do not match update type",
	)
}

func noChannel(update *types.ChannelUpdate) *types.Error {
	return types.NewError(types.ReasonBadNonce,
		"updateType", string(update.Type),
		"channelAddress", update.ChannelAddress.Hex(),
		"detail", "no channel state for update",
	)
}
