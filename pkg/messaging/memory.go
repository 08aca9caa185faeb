package messaging

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hannahhoward/go-pubsub"
	logging "github.com/ipfs/go-log/v2"
	"github.com/jpillora/backoff"
	"go.uber.org/multierr"

	"github.com/alfredolopez80/vector/pkg/types"
)

var log = logging.Logger("vector/messaging")

// envelope is the in-process analogue of a broker subject: requests travel on
// the recipient's protocol subject, replies on the single-use inbox subject.
type envelope struct {
	subject string
	message ProtocolMessage
}

func protocolSubject(to types.PublicIdentifier) string {
	return "protocol." + to.String()
}

func inboxSubject(inbox string) string {
	return "inbox." + inbox
}

type waiter struct {
	self         types.PublicIdentifier
	counterparty types.PublicIdentifier
	inbox        string
	ch           chan ProtocolPayload
}

type registeredHandler struct {
	idx     int
	handler ProtocolMessageHandler
}

// MemoryMessenger is an in-process implementation of Messenger. Both
// participants of a channel share one instance in tests and single-process
// deployments; a broker-backed implementation would replace it without
// touching the protocol driver.
type MemoryMessenger struct {
	clock  clock.Clock
	pubSub *pubsub.PubSub

	mu         sync.Mutex
	waiters    map[string]*waiter
	handlerIdx int
	handlers   map[types.PublicIdentifier][]registeredHandler
}

var _ Messenger = (*MemoryMessenger)(nil)

// MemoryMessengerOption configures a MemoryMessenger.
type MemoryMessengerOption func(*MemoryMessenger)

// WithClock substitutes the wall clock, letting tests drive timeouts.
func WithClock(clk clock.Clock) MemoryMessengerOption {
	return func(m *MemoryMessenger) {
		m.clock = clk
	}
}

// NewMemoryMessenger creates an in-process messenger.
func NewMemoryMessenger(opts ...MemoryMessengerOption) *MemoryMessenger {
	m := &MemoryMessenger{
		clock:    clock.New(),
		waiters:  make(map[string]*waiter),
		handlers: make(map[types.PublicIdentifier][]registeredHandler),
	}
	m.pubSub = pubsub.New(func(evt pubsub.Event, fn pubsub.SubscriberFn) error {
		fn.(func(envelope))(evt.(envelope))
		return nil
	})
	m.pubSub.Subscribe(func(env envelope) {
		m.route(env)
	})
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SendProtocolMessage publishes the update to its recipient and blocks for a
// correlated reply. Each retry is issued with a fresh inbox; an inbox is
// never reused.
func (m *MemoryMessenger) SendProtocolMessage(
	ctx context.Context,
	update *types.ChannelUpdate,
	previousUpdate *types.ChannelUpdate,
	timeout time.Duration,
	retries int,
) (*ProtocolResponse, *types.Error) {
	if update == nil {
		return nil, types.NewError(types.ReasonMessagingUnknown, "detail", "nil update")
	}
	pause := &backoff.Backoff{
		Min:    50 * time.Millisecond,
		Max:    time.Second,
		Factor: 2,
	}
	attempts := retries + 1
	var lastErr *types.Error
	var attemptErrs error
	for attempt := 0; attempt < attempts; attempt++ {
		resp, perr := m.sendOnce(ctx, update, previousUpdate, timeout)
		if perr == nil {
			return resp, nil
		}
		lastErr = perr
		attemptErrs = multierr.Append(attemptErrs, perr)
		if perr.Reason != types.ReasonMessagingTimeout || ctx.Err() != nil {
			return nil, perr
		}
		if attempt+1 < attempts {
			log.Debugw("protocol send timed out, retrying with fresh inbox",
				"to", update.ToIdentifier, "channelAddress", update.ChannelAddress.Hex(), "attempt", attempt+1)
			select {
			case <-ctx.Done():
				return nil, types.ConvertError(ctx.Err(), types.ReasonMessagingUnknown,
					"channelAddress", update.ChannelAddress.Hex())
			case <-m.clock.After(pause.Duration()):
			}
		}
	}
	if attempts > 1 {
		lastErr = lastErr.WithContext("attempts", fmt.Sprintf("%d", attempts)).
			WithContext("attemptErrors", attemptErrs.Error())
	}
	return nil, lastErr
}

func (m *MemoryMessenger) sendOnce(
	ctx context.Context,
	update *types.ChannelUpdate,
	previousUpdate *types.ChannelUpdate,
	timeout time.Duration,
) (*ProtocolResponse, *types.Error) {
	inbox := NewInbox()
	w := &waiter{
		self:         update.FromIdentifier,
		counterparty: update.ToIdentifier,
		inbox:        inbox,
		ch:           make(chan ProtocolPayload, 1),
	}
	m.mu.Lock()
	m.waiters[inbox] = w
	m.mu.Unlock()
	defer m.deregister(inbox)

	msg := ProtocolMessage{
		To:     update.ToIdentifier,
		From:   update.FromIdentifier,
		Inbox:  inbox,
		SentBy: update.FromIdentifier,
		Data: ProtocolPayload{
			Update:         update,
			PreviousUpdate: previousUpdate,
		},
	}
	if err := m.pubSub.Publish(envelope{subject: protocolSubject(msg.To), message: msg}); err != nil {
		return nil, types.ConvertError(err, types.ReasonMessagingUnknown,
			"channelAddress", update.ChannelAddress.Hex())
	}

	timer := m.clock.Timer(timeout)
	defer timer.Stop()
	select {
	case payload := <-w.ch:
		if payload.Error != nil {
			return nil, payload.Error
		}
		return &ProtocolResponse{Update: payload.Update, PreviousUpdate: payload.PreviousUpdate}, nil
	case <-timer.C:
		return nil, types.NewError(types.ReasonMessagingTimeout,
			"channelAddress", update.ChannelAddress.Hex(),
			"to", update.ToIdentifier.String(),
			"timeout", timeout.String(),
		)
	case <-ctx.Done():
		return nil, types.ConvertError(ctx.Err(), types.ReasonMessagingUnknown,
			"channelAddress", update.ChannelAddress.Hex())
	}
}

// RespondToProtocolMessage publishes a positive reply bound to inbox.
func (m *MemoryMessenger) RespondToProtocolMessage(
	ctx context.Context,
	sentBy types.PublicIdentifier,
	update *types.ChannelUpdate,
	previousUpdate *types.ChannelUpdate,
	inbox string,
) error {
	if update == nil {
		return fmt.Errorf("respond: nil update")
	}
	// the reply travels back to the update's proposer
	msg := ProtocolMessage{
		To:     update.FromIdentifier,
		From:   update.ToIdentifier,
		Inbox:  inbox,
		SentBy: sentBy,
		Data: ProtocolPayload{
			Update:         update,
			PreviousUpdate: previousUpdate,
		},
	}
	return m.pubSub.Publish(envelope{subject: inboxSubject(inbox), message: msg})
}

// RespondWithProtocolError publishes a negative reply bound to inbox.
func (m *MemoryMessenger) RespondWithProtocolError(
	ctx context.Context,
	from types.PublicIdentifier,
	to types.PublicIdentifier,
	inbox string,
	protocolError *types.Error,
) error {
	msg := ProtocolMessage{
		To:     to,
		From:   from,
		Inbox:  inbox,
		SentBy: from,
		Data:   ProtocolPayload{Error: protocolError},
	}
	return m.pubSub.Publish(envelope{subject: inboxSubject(inbox), message: msg})
}

// OnReceiveProtocolMessage registers handler for inbound requests addressed
// to self.
func (m *MemoryMessenger) OnReceiveProtocolMessage(self types.PublicIdentifier, handler ProtocolMessageHandler) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := m.handlerIdx
	m.handlerIdx++
	m.handlers[self] = append(m.handlers[self], registeredHandler{idx: idx, handler: handler})
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		registered := m.handlers[self]
		for i, h := range registered {
			if h.idx == idx {
				m.handlers[self] = append(registered[:i], registered[i+1:]...)
				return
			}
		}
	}, nil
}

// route delivers an envelope: inbox subjects go to exactly one waiter or are
// dropped, protocol subjects fan out to the recipient's handlers.
func (m *MemoryMessenger) route(env envelope) {
	msg := env.message
	if env.subject == inboxSubject(msg.Inbox) {
		m.mu.Lock()
		w, ok := m.waiters[msg.Inbox]
		if ok && w.self == msg.To && w.counterparty == msg.From && w.counterparty == msg.SentBy {
			delete(m.waiters, msg.Inbox)
			m.mu.Unlock()
			w.ch <- msg.Data
			return
		}
		m.mu.Unlock()
		log.Debugw("discarding reply with no registered waiter", "inbox", msg.Inbox, "from", msg.From)
		return
	}

	m.mu.Lock()
	handlers := append([]registeredHandler{}, m.handlers[msg.To]...)
	m.mu.Unlock()
	for _, h := range handlers {
		handler := h.handler
		go handler(msg.Data, msg.From, msg.Inbox)
	}
}

func (m *MemoryMessenger) deregister(inbox string) {
	m.mu.Lock()
	delete(m.waiters, inbox)
	m.mu.Unlock()
}
