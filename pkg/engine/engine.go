// Package engine orchestrates full protocol rounds: the initiator builds,
// signs and sends an update; the responder validates, counter-signs or
// rejects; both persist the double-signed result. At most one round is in
// flight per channel; different channels advance independently.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ethereum/go-ethereum/common"
	logging "github.com/ipfs/go-log/v2"
	"go.opencensus.io/stats"
	octag "go.opencensus.io/tag"

	"github.com/alfredolopez80/vector/pkg/chain"
	"github.com/alfredolopez80/vector/pkg/events"
	"github.com/alfredolopez80/vector/pkg/execution"
	"github.com/alfredolopez80/vector/pkg/messaging"
	"github.com/alfredolopez80/vector/pkg/metrics"
	"github.com/alfredolopez80/vector/pkg/signer"
	"github.com/alfredolopez80/vector/pkg/storage"
	"github.com/alfredolopez80/vector/pkg/types"
)

var log = logging.Logger("vector/engine")

const (
	// DefaultMessagingTimeout bounds the wait for a counterparty reply.
	DefaultMessagingTimeout = 30 * time.Second
	// DefaultMessagingRetries is the number of re-sends after the first
	// attempt times out.
	DefaultMessagingRetries = 1
)

// Config carries the tunable knobs of an Engine. The zero value selects the
// defaults.
type Config struct {
	MessagingTimeout time.Duration
	MessagingRetries int
	Clock            clock.Clock
}

// Option mutates the Config during construction.
type Option func(*Config)

// WithMessagingTimeout overrides the reply timeout.
func WithMessagingTimeout(timeout time.Duration) Option {
	return func(cfg *Config) {
		cfg.MessagingTimeout = timeout
	}
}

// WithMessagingRetries overrides the re-send count.
func WithMessagingRetries(retries int) Option {
	return func(cfg *Config) {
		cfg.MessagingRetries = retries
	}
}

// WithClock substitutes the wall clock, letting tests drive time.
func WithClock(clk clock.Clock) Option {
	return func(cfg *Config) {
		cfg.Clock = clk
	}
}

// Engine drives the update protocol for every channel this participant is a
// party to.
type Engine struct {
	cfg              Config
	publicIdentifier types.PublicIdentifier
	signer           signer.Signer
	messenger        messaging.Messenger
	store            storage.Store
	reader           chain.Reader
	executor         execution.Executor
	eventManager     *events.EventManager
	clock            clock.Clock

	lk     sync.Mutex
	leases map[common.Address]*sync.Mutex

	unsubscribe func()
}

// New assembles an engine over its collaborators, starts the event loop and
// subscribes the responder to inbound protocol messages.
func New(
	ctx context.Context,
	publicIdentifier types.PublicIdentifier,
	sig signer.Signer,
	messenger messaging.Messenger,
	store storage.Store,
	reader chain.Reader,
	executor execution.Executor,
	opts ...Option,
) (*Engine, error) {
	cfg := Config{
		MessagingTimeout: DefaultMessagingTimeout,
		MessagingRetries: DefaultMessagingRetries,
		Clock:            clock.New(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	e := &Engine{
		cfg:              cfg,
		publicIdentifier: publicIdentifier,
		signer:           sig,
		messenger:        messenger,
		store:            store,
		reader:           reader,
		executor:         executor,
		eventManager:     events.NewEventManager(ctx),
		clock:            cfg.Clock,
		leases:           make(map[common.Address]*sync.Mutex),
	}
	e.eventManager.Start()

	unsubscribe, err := messenger.OnReceiveProtocolMessage(publicIdentifier, e.handleProtocolMessage)
	if err != nil {
		return nil, fmt.Errorf("subscribing to protocol messages: %w", err)
	}
	e.unsubscribe = unsubscribe
	return e, nil
}

// PublicIdentifier returns this participant's routing identifier.
func (e *Engine) PublicIdentifier() types.PublicIdentifier {
	return e.publicIdentifier
}

// SignerAddress returns this participant's on-chain address.
func (e *Engine) SignerAddress() common.Address {
	return e.signer.Address()
}

// RegisterSubscriber registers a listener for channel events. The returned
// function unregisters it.
func (e *Engine) RegisterSubscriber(subscriber events.ChannelEventSubscriber) func() {
	return e.eventManager.RegisterSubscriber(subscriber)
}

// Stop unsubscribes the responder and stops the event loop.
func (e *Engine) Stop() {
	if e.unsubscribe != nil {
		e.unsubscribe()
	}
	<-e.eventManager.Stop()
}

// GetChannelState returns the latest accepted state for a channel.
func (e *Engine) GetChannelState(ctx context.Context, channelAddress common.Address) (*types.FullChannelState, error) {
	return e.store.GetChannelState(ctx, channelAddress)
}

// GetActiveTransfers returns the channel's active transfers.
func (e *Engine) GetActiveTransfers(ctx context.Context, channelAddress common.Address) ([]*types.FullTransferState, error) {
	return e.store.GetActiveTransfers(ctx, channelAddress)
}

// lease returns the per-channel lock. A channel's state may only be mutated
// while holding its lease; concurrent rounds on one channel queue here.
func (e *Engine) lease(channelAddress common.Address) *sync.Mutex {
	e.lk.Lock()
	defer e.lk.Unlock()
	lease, ok := e.leases[channelAddress]
	if !ok {
		lease = &sync.Mutex{}
		e.leases[channelAddress] = lease
	}
	return lease
}

func (e *Engine) dispatchEvent(state *types.FullChannelState, transfer *types.FullTransferState) {
	now := e.clock.Now()
	switch state.LatestUpdate.Type {
	case types.UpdateTypeSetup:
		stats.Record(context.Background(), metrics.ActiveChannelsCount.M(1))
		e.eventManager.DispatchEvent(events.NewChannelSetup(now, state))
	case types.UpdateTypeDeposit:
		e.eventManager.DispatchEvent(events.NewChannelDeposited(now, state, state.LatestUpdate.AssetID))
	case types.UpdateTypeCreate:
		stats.Record(context.Background(), metrics.ActiveTransfersCount.M(1))
		e.eventManager.DispatchEvent(events.NewTransferCreated(now, state, transfer))
	case types.UpdateTypeResolve:
		stats.Record(context.Background(), metrics.ActiveTransfersCount.M(-1))
		e.eventManager.DispatchEvent(events.NewTransferResolved(now, state, transfer))
	}
}

func recordRound(ctx context.Context, updateType types.UpdateType, start time.Time, perr *types.Error) {
	tagCtx, _ := octag.New(ctx, octag.Insert(metrics.UpdateType, string(updateType)))
	stats.Record(tagCtx, metrics.RoundDuration.M(time.Since(start).Seconds()))
	if perr == nil {
		stats.Record(tagCtx, metrics.RoundSuccessCount.M(1))
		return
	}
	failCtx, _ := octag.New(tagCtx, octag.Insert(metrics.FailureReason, string(perr.Reason)))
	stats.Record(failCtx, metrics.RoundFailCount.M(1))
	if perr.Reason == types.ReasonMessagingTimeout {
		stats.Record(failCtx, metrics.MessagingTimeoutCount.M(1))
	}
}
