// Package mailbox dispatches incoming envelopes: it decrypts them through the
// conversation middleware, decodes the payload container and fans the payload
// out to registered receivers. Envelopes for the same conversation are
// processed in arrival order; different conversations proceed concurrently.
package mailbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rally-im/go-rally/auth"
	"github.com/rally-im/go-rally/clock"
	"github.com/rally-im/go-rally/config"
	"github.com/rally-im/go-rally/ids"
	idb "github.com/rally-im/go-rally/internal/db"
	"github.com/rally-im/go-rally/messaging"
	"github.com/rally-im/go-rally/relay"
	"github.com/rally-im/go-rally/wire"
	"go.uber.org/zap"
)

// ErrAwaitTimeout reports that a bounded wait elapsed before the payload
// arrived.
var ErrAwaitTimeout = errors.New("mailbox: await timed out")

// Bundle is what receivers get: a decoded payload plus delivery metadata.
type Bundle struct {
	PayloadType string
	Payload     wire.Payload
	Meta        *wire.PayloadMetaInfo
}

// Receiver consumes one payload. It runs inside the envelope's transaction; a
// returned error is logged and does not block other receivers or envelopes.
type Receiver func(bundle *Bundle) error

// GroupLoader re-fetches authoritative group state. Used to recover when a
// message arrives before the group it belongs to has been synced.
type GroupLoader interface {
	Reload(ctx context.Context, groupID ids.ID) error
}

// ResyncHandler is told when a conversation has been quarantined and a reset
// invitation should go out.
type ResyncHandler func(ctx context.Context, senderID, conversationID ids.ID)

type PostOffice struct {
	log        *zap.SugaredLogger
	config     *config.Config
	clock      clock.Clock
	db         *idb.Database
	client     relay.Client
	engine     *messaging.Engine
	middleware *messaging.Middleware
	groups     GroupLoader
	resync     ResyncHandler
	lock       sync.Mutex
	receivers  map[string][]Receiver
	waiters    map[string]chan wire.Payload
	convLocks  map[string]*sync.Mutex
}

func NewPostOffice(c *config.Config, cl clock.Clock, d *idb.Database, client relay.Client, engine *messaging.Engine, middleware *messaging.Middleware, groups GroupLoader) *PostOffice {
	return &PostOffice{
		log:        c.Logger("mailbox/postoffice"),
		config:     c,
		clock:      cl,
		db:         d,
		client:     client,
		engine:     engine,
		middleware: middleware,
		groups:     groups,
		receivers:  make(map[string][]Receiver),
		waiters:    make(map[string]chan wire.Payload),
		convLocks:  make(map[string]*sync.Mutex),
	}
}

// SetResyncHandler installs the callback invoked when a conversation is
// quarantined.
func (p *PostOffice) SetResyncHandler(h ResyncHandler) {
	p.resync = h
}

// RegisterEnvelopeReceiver adds a receiver for a payload type. Multiple
// receivers for the same type all get the payload.
func (p *PostOffice) RegisterEnvelopeReceiver(payloadType string, r Receiver) {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.receivers[payloadType] = append(p.receivers[payloadType], r)
}

// Subscribe registers a single-slot waiter for a payload type before any
// triggering call is made, so the payload cannot slip past between trigger
// and wait. The returned cancel must be called once done. Only one waiter
// per type at a time.
func (p *PostOffice) Subscribe(payloadType string) (<-chan wire.Payload, func(), error) {
	ch := make(chan wire.Payload, 1)
	p.lock.Lock()
	if _, ok := p.waiters[payloadType]; ok {
		p.lock.Unlock()
		return nil, nil, fmt.Errorf("mailbox: already awaiting %s", payloadType)
	}
	p.waiters[payloadType] = ch
	p.lock.Unlock()
	return ch, func() {
		p.lock.Lock()
		delete(p.waiters, payloadType)
		p.lock.Unlock()
	}, nil
}

// Await blocks until a payload of the given type is dispatched, the timeout
// elapses or the context is canceled. Only one waiter per type at a time.
func (p *PostOffice) Await(ctx context.Context, payloadType string, timeout time.Duration) (wire.Payload, error) {
	ch, cancel, err := p.Subscribe(payloadType)
	if err != nil {
		return nil, err
	}
	defer cancel()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case payload := <-ch:
		return payload, nil
	case <-timer.C:
		return nil, ErrAwaitTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// FetchMessages drains the relay mailbox and processes everything in it.
// Returns how many envelopes were processed.
func (p *PostOffice) FetchMessages(ctx context.Context) (int, error) {
	var selfID ids.ID
	if err := p.db.Run("read identity", func() error {
		ident, err := p.engine.Identity()
		if err != nil {
			return err
		}
		selfID = ident.UserID
		return nil
	}); err != nil {
		return 0, err
	}
	envelopes, err := p.client.GetMessages(ctx, selfID)
	if err != nil {
		return 0, fmt.Errorf("mailbox: error fetching messages: %w", err)
	}

	// same conversation stays in arrival order, different conversations run
	// concurrently
	partitions := make(map[string][]*wire.Envelope)
	for _, env := range envelopes {
		key := conversationKey(env.SenderID, env.ConversationID)
		partitions[key] = append(partitions[key], env)
	}
	var wg sync.WaitGroup
	for _, partition := range partitions {
		wg.Add(1)
		go func(batch []*wire.Envelope) {
			defer wg.Done()
			for _, env := range batch {
				p.HandleEnvelope(ctx, env)
			}
		}(partition)
	}
	wg.Wait()
	return len(envelopes), nil
}

// HandleEnvelope processes one envelope. Failures are isolated to the
// envelope: they are logged, never propagated into the dispatch pipeline.
func (p *PostOffice) HandleEnvelope(ctx context.Context, env *wire.Envelope) {
	unlock := p.lockConversation(env.SenderID, env.ConversationID)
	defer unlock()
	if err := p.processEnvelope(ctx, env); err != nil {
		p.log.Warnf("dropping envelope %s from %s: %s", env.ID, env.SenderID, err)
	}
}

func (p *PostOffice) processEnvelope(ctx context.Context, env *wire.Envelope) error {
	if env.SystemPayload != nil {
		return p.db.Run("handle system envelope", func() error {
			payload, err := wire.DecodeContainer(env.SystemPayload)
			if err != nil {
				return err
			}
			return p.dispatch(env, payload)
		})
	}
	if env.Content == nil {
		return fmt.Errorf("mailbox: envelope has no content")
	}

	err := p.decryptAndDispatch(env)
	if errors.Is(err, auth.ErrCertificateMissing) && p.groups != nil && !env.GroupID.IsZero() {
		// the group may simply not be synced yet; reload and retry once
		if reloadErr := p.groups.Reload(ctx, env.GroupID); reloadErr != nil {
			return fmt.Errorf("mailbox: error reloading group %s: %w (after %s)", env.GroupID, reloadErr, err)
		}
		err = p.decryptAndDispatch(env)
	}
	if errors.Is(err, messaging.ErrConversationResynced) {
		// quarantine runs in its own transaction; the failed envelope's
		// transaction has already rolled back
		var due bool
		if qErr := p.db.Run("quarantine conversation", func() error {
			var qErr error
			due, qErr = p.middleware.Quarantine(env)
			return qErr
		}); qErr != nil {
			return fmt.Errorf("mailbox: error quarantining conversation: %w", qErr)
		}
		if due && p.resync != nil {
			p.resync(ctx, env.SenderID, env.ConversationID)
		}
		return err
	}
	return err
}

// decryptAndDispatch runs decryption, payload decode and receiver fan-out in
// one transaction, so ratchet state only advances when the envelope was
// consumed.
func (p *PostOffice) decryptAndDispatch(env *wire.Envelope) error {
	return p.db.Run("handle envelope", func() error {
		plaintext, err := p.middleware.Decrypt(env)
		if err != nil {
			return err
		}
		payload, err := wire.DecodeContainer(plaintext)
		if err != nil {
			return err
		}
		return p.dispatch(env, payload)
	})
}

func (p *PostOffice) dispatch(env *wire.Envelope, payload wire.Payload) error {
	payloadType := payload.PayloadType()
	if unknown, ok := payload.(*wire.Unknown); ok {
		p.log.Infof("dropping payload with unrecognized type %q from %s", unknown.Type, env.SenderID)
		return nil
	}

	p.lock.Lock()
	receivers := p.receivers[payloadType]
	waiter := p.waiters[payloadType]
	p.lock.Unlock()

	if waiter != nil {
		select {
		case waiter <- payload:
		default:
		}
	}

	bundle := &Bundle{
		PayloadType: payloadType,
		Payload:     payload,
		Meta: &wire.PayloadMetaInfo{
			SenderID:          env.SenderID,
			GroupID:           env.GroupID,
			ConversationID:    env.ConversationID,
			ServerTimestampMs: env.ServerTimestampMs,
			ClientTimestampMs: env.ClientTimestampMs,
		},
	}
	for _, r := range receivers {
		if err := r(bundle); err != nil {
			p.log.Warnf("receiver failed for %s payload from %s: %s", payloadType, env.SenderID, err)
		}
	}
	return nil
}

func (p *PostOffice) lockConversation(senderID, conversationID ids.ID) func() {
	key := conversationKey(senderID, conversationID)
	p.lock.Lock()
	l, ok := p.convLocks[key]
	if !ok {
		l = &sync.Mutex{}
		p.convLocks[key] = l
	}
	p.lock.Unlock()
	l.Lock()
	return l.Unlock
}

func conversationKey(senderID, conversationID ids.ID) string {
	return string(senderID[:]) + string(conversationID[:])
}
