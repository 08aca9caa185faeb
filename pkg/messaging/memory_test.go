package messaging_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/alfredolopez80/vector/pkg/messaging"
	"github.com/alfredolopez80/vector/pkg/types"
)

const (
	aliceID = types.PublicIdentifier("vector6Alice")
	bobID   = types.PublicIdentifier("vector6Bob")
)

func testUpdate(from, to types.PublicIdentifier, nonce uint64) *types.ChannelUpdate {
	return &types.ChannelUpdate{
		Type:           types.UpdateTypeDeposit,
		ChannelAddress: common.HexToAddress("0x1234"),
		FromIdentifier: from,
		ToIdentifier:   to,
		Nonce:          nonce,
		Details:        types.DepositDetails{LatestDepositNonce: 1},
	}
}

func TestRequestReplyRoundTrip(t *testing.T) {
	m := messaging.NewMemoryMessenger()

	unsubscribe, err := m.OnReceiveProtocolMessage(bobID, func(payload messaging.ProtocolPayload, from types.PublicIdentifier, inbox string) {
		require.Equal(t, aliceID, from)
		require.NotNil(t, payload.Update)
		reply := payload.Update.Clone()
		require.NoError(t, m.RespondToProtocolMessage(context.Background(), bobID, reply, nil, inbox))
	})
	require.NoError(t, err)
	defer unsubscribe()

	response, perr := m.SendProtocolMessage(context.Background(), testUpdate(aliceID, bobID, 2), nil, time.Second, 0)
	require.Nil(t, perr)
	require.NotNil(t, response.Update)
	require.Equal(t, uint64(2), response.Update.Nonce)
}

func TestErrorReply(t *testing.T) {
	m := messaging.NewMemoryMessenger()

	unsubscribe, err := m.OnReceiveProtocolMessage(bobID, func(payload messaging.ProtocolPayload, from types.PublicIdentifier, inbox string) {
		perr := types.NewError(types.ReasonStaleUpdate, "localNonce", "4")
		require.NoError(t, m.RespondWithProtocolError(context.Background(), bobID, from, inbox, perr))
	})
	require.NoError(t, err)
	defer unsubscribe()

	_, perr := m.SendProtocolMessage(context.Background(), testUpdate(aliceID, bobID, 2), nil, time.Second, 0)
	require.NotNil(t, perr)
	require.Equal(t, types.ReasonStaleUpdate, perr.Reason)
	require.Equal(t, "4", perr.Context["localNonce"])
}

func TestTimeoutWithoutResponder(t *testing.T) {
	m := messaging.NewMemoryMessenger()

	start := time.Now()
	_, perr := m.SendProtocolMessage(context.Background(), testUpdate(aliceID, bobID, 2), nil, 50*time.Millisecond, 0)
	require.NotNil(t, perr)
	require.Equal(t, types.ReasonMessagingTimeout, perr.Reason)
	require.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestRetryUsesFreshInboxAndDiscardsLateReply(t *testing.T) {
	m := messaging.NewMemoryMessenger()

	var attempts int64
	inboxes := make(chan string, 2)
	unsubscribe, err := m.OnReceiveProtocolMessage(bobID, func(payload messaging.ProtocolPayload, from types.PublicIdentifier, inbox string) {
		attempt := atomic.AddInt64(&attempts, 1)
		inboxes <- inbox
		if attempt == 1 {
			// stay silent past the timeout, then send a late reply to the
			// first inbox; it must be discarded, not delivered
			go func() {
				time.Sleep(300 * time.Millisecond)
				_ = m.RespondToProtocolMessage(context.Background(), bobID, payload.Update.Clone(), nil, inbox)
			}()
			return
		}
		require.NoError(t, m.RespondToProtocolMessage(context.Background(), bobID, payload.Update.Clone(), nil, inbox))
	})
	require.NoError(t, err)
	defer unsubscribe()

	response, perr := m.SendProtocolMessage(context.Background(), testUpdate(aliceID, bobID, 2), nil, 100*time.Millisecond, 1)
	require.Nil(t, perr)
	require.NotNil(t, response.Update)

	first := <-inboxes
	second := <-inboxes
	require.NotEqual(t, first, second)
	require.Equal(t, int64(2), atomic.LoadInt64(&attempts))

	// let the late reply land; nothing should blow up and no new delivery
	// should occur
	time.Sleep(300 * time.Millisecond)
}

func TestInboxIsolation(t *testing.T) {
	m := messaging.NewMemoryMessenger()

	carolID := types.PublicIdentifier("vector6Carol")
	daveID := types.PublicIdentifier("vector6Dave")

	respond := func(id types.PublicIdentifier) {
		_, err := m.OnReceiveProtocolMessage(id, func(payload messaging.ProtocolPayload, from types.PublicIdentifier, inbox string) {
			reply := payload.Update.Clone()
			_ = m.RespondToProtocolMessage(context.Background(), id, reply, nil, inbox)
		})
		require.NoError(t, err)
	}
	respond(bobID)
	respond(daveID)

	type result struct {
		nonce uint64
		perr  *types.Error
	}
	results := make(chan result, 2)
	go func() {
		response, perr := m.SendProtocolMessage(context.Background(), testUpdate(aliceID, bobID, 10), nil, time.Second, 0)
		if perr != nil {
			results <- result{perr: perr}
			return
		}
		results <- result{nonce: response.Update.Nonce}
	}()
	go func() {
		response, perr := m.SendProtocolMessage(context.Background(), testUpdate(carolID, daveID, 20), nil, time.Second, 0)
		if perr != nil {
			results <- result{perr: perr}
			return
		}
		results <- result{nonce: response.Update.Nonce}
	}()

	seen := map[uint64]bool{}
	for i := 0; i < 2; i++ {
		r := <-results
		require.Nil(t, r.perr)
		seen[r.nonce] = true
	}
	// each round got its own reply, never the other channel's
	require.True(t, seen[10])
	require.True(t, seen[20])
}

func TestCancellationDeregistersWaiter(t *testing.T) {
	m := messaging.NewMemoryMessenger()

	released := make(chan string, 1)
	unsubscribe, err := m.OnReceiveProtocolMessage(bobID, func(payload messaging.ProtocolPayload, from types.PublicIdentifier, inbox string) {
		released <- inbox
	})
	require.NoError(t, err)
	defer unsubscribe()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	_, perr := m.SendProtocolMessage(ctx, testUpdate(aliceID, bobID, 2), nil, time.Minute, 0)
	require.NotNil(t, perr)
	require.Equal(t, types.ReasonMessagingUnknown, perr.Reason)

	// a reply after cancellation is discarded without a delivery
	inbox := <-released
	update := testUpdate(aliceID, bobID, 2)
	require.NoError(t, m.RespondToProtocolMessage(context.Background(), bobID, update, nil, inbox))
	time.Sleep(50 * time.Millisecond)
}

func TestNewInboxIsUniqueHex(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 64; i++ {
		inbox := messaging.NewInbox()
		require.Len(t, inbox, 2+64)
		require.False(t, seen[inbox])
		seen[inbox] = true
	}
}
