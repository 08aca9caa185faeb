package transition

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alfredolopez80/vector/pkg/types"
)

// ReconcileDeposit folds on-chain balance changes into the off-chain channel.
// It produces the exact balance and deposit nonce a deposit update must
// carry:
//
//   - participant 0's new balance absorbs the latest recognized deposit
//     record when its nonce advances past the state's;
//   - participant 1's new balance is whatever remains of the on-chain holding
//     after participant 0's share and the locked balance are accounted for.
//
// When the on-chain deposit nonce equals the state's, there is no new
// participant-0 deposit and only participant 1's side can have changed.
func ReconcileDeposit(
	state *types.FullChannelState,
	assetID common.Address,
	onchainBalance *big.Int,
	latest types.DepositRecord,
) (types.Balance, uint64) {
	var existing types.Balance
	var locked *big.Int
	if idx, ok := state.AssetIndex(assetID); ok {
		existing = state.Balances[idx].Clone()
		locked = new(big.Int).Set(state.LockedBalance[idx])
	} else {
		existing = types.Balance{
			To:     state.Participants,
			Amount: [2]*big.Int{new(big.Int), new(big.Int)},
		}
		locked = new(big.Int)
	}

	aliceBalance := new(big.Int).Set(existing.Amount[0])
	if latest.Nonce > state.LatestDepositNonce {
		aliceBalance.Add(aliceBalance, latest.Amount)
	}

	bobBalance := new(big.Int).Set(onchainBalance)
	bobBalance.Sub(bobBalance, aliceBalance)
	bobBalance.Sub(bobBalance, locked)

	return types.Balance{
		To:     state.Participants,
		Amount: [2]*big.Int{aliceBalance, bobBalance},
	}, latest.Nonce
}
