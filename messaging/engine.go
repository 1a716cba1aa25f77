// Package messaging maintains forward-secret per-peer sessions. Each
// conversation is one double-ratchet session scoped to a (remote user,
// conversation id) pair, bootstrapped by an invitation handshake. Skipped and
// out-of-order messages are served from a persistent message-key cache;
// sessions that fail decryption are quarantined until a reset can be staged.
//
// Operations run within the caller's database transaction, except CleanCaches
// which opens its own.
package messaging

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/rally-im/go-rally/clock"
	"github.com/rally-im/go-rally/config"
	"github.com/rally-im/go-rally/crypto"
	"github.com/rally-im/go-rally/ids"
	idb "github.com/rally-im/go-rally/internal/db"
	"github.com/rally-im/go-rally/wire"
	"github.com/status-im/doubleratchet"
	"go.uber.org/zap"
)

var (
	ErrPrekeyExhausted            = errors.New("messaging: peer has no one-time prekeys")
	ErrTooManySkippedMessages     = errors.New("messaging: too many skipped messages")
	ErrConversationNotInitialized = errors.New("messaging: conversation not initialized")
	ErrConversationResynced       = errors.New("messaging: conversation failed decryption")
	ErrInvalidConversation        = errors.New("messaging: conversation is quarantined")
)

// Identity is the local user's long-term key material.
type Identity struct {
	UserID      ids.ID
	DHPub       []byte
	SigningPub  ed25519.PublicKey
	SigningPriv ed25519.PrivateKey
}

type Engine struct {
	log    *zap.SugaredLogger
	config *config.Config
	clock  clock.Clock
	db     *database

	lock      sync.Mutex
	convLocks map[string]*sync.Mutex
}

func NewEngine(c *config.Config, cl clock.Clock, internalDB *idb.Database) (*Engine, error) {
	d, err := newDatabase(internalDB)
	if err != nil {
		return nil, err
	}
	return &Engine{
		log:       c.Logger("messaging"),
		config:    c,
		clock:     cl,
		db:        d,
		convLocks: make(map[string]*sync.Mutex),
	}, nil
}

// lockConversation serializes ratchet mutation per conversation. Distinct
// conversations proceed concurrently.
func (e *Engine) lockConversation(conversationID, userID ids.ID) func() {
	key := string(makeSessionID(conversationID, userID))
	e.lock.Lock()
	m, ok := e.convLocks[key]
	if !ok {
		m = &sync.Mutex{}
		e.convLocks[key] = m
	}
	e.lock.Unlock()
	m.Lock()
	return m.Unlock
}

// Identity returns the local identity, creating one on first use.
func (e *Engine) Identity() (*Identity, error) {
	i, err := e.db.identity()
	if err != nil {
		return nil, err
	}
	if i == nil {
		dhPriv, dhPub, err := crypto.NewDHPair()
		if err != nil {
			return nil, fmt.Errorf("messaging: error generating identity key: %w", err)
		}
		signingPub, signingPriv, err := ed25519.GenerateKey(nil)
		if err != nil {
			return nil, fmt.Errorf("messaging: error generating signing key: %w", err)
		}
		i = &identity{
			UserID:      ids.Zero[:],
			DHPriv:      dhPriv[:],
			DHPub:       dhPub[:],
			SigningPriv: signingPriv,
			SigningPub:  signingPub,
		}
		if err := e.db.insertIdentity(i); err != nil {
			return nil, err
		}
	}
	return &Identity{
		UserID:      ids.IDFromBytes(i.UserID),
		DHPub:       i.DHPub,
		SigningPub:  i.SigningPub,
		SigningPriv: i.SigningPriv,
	}, nil
}

// SetUserID records the relay-assigned id for the local identity.
func (e *Engine) SetUserID(userID ids.ID) error {
	return e.db.updateIdentityUserID(userID)
}

// ConversationWith returns the most recent conversation id for a peer.
func (e *Engine) ConversationWith(userID ids.ID) (ids.ID, bool, error) {
	c, err := e.db.conversationForUser(userID)
	if err != nil {
		return ids.Zero, false, err
	}
	if c == nil {
		return ids.Zero, false, nil
	}
	return ids.IDFromBytes(c.ConversationID), true, nil
}

// Encrypt advances the sending chain for the conversation and returns the
// resulting ratchet message.
func (e *Engine) Encrypt(userID, conversationID ids.ID, plaintext []byte) (*wire.RatchetMessage, error) {
	unlock := e.lockConversation(conversationID, userID)
	defer unlock()

	c, err := e.db.conversation(userID, conversationID)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, ErrConversationNotInitialized
	}

	drSession, err := doubleratchet.Load(c.SessionID, e.db.sessionStorage(e.clock), doubleratchet.WithCrypto(e.db.ratchetCrypto()), doubleratchet.WithKeysStorage(e.db.keysStorage(c.SessionID, e.clock)), doubleratchet.WithMaxSkip(int(e.config.MaxSkip)), doubleratchet.WithMaxMessageKeysPerSession(e.config.MaxMessageKeys))
	if err != nil {
		return nil, fmt.Errorf("messaging: error loading session: %w", err)
	}
	msg, err := drSession.RatchetEncrypt(plaintext, nil)
	if err != nil {
		return nil, fmt.Errorf("messaging: error encrypting: %w", err)
	}
	return &wire.RatchetMessage{
		DH:   msg.Header.DH,
		N:    msg.Header.N,
		PN:   msg.Header.PN,
		Body: msg.Ciphertext,
	}, nil
}

// Decrypt decrypts one ratchet message. Counters already served once come
// back from the message-key cache without advancing state, so duplicate
// delivery is idempotent. Skipping past the configured bound fails with
// ErrTooManySkippedMessages before any state is touched.
func (e *Engine) Decrypt(userID, conversationID ids.ID, rm *wire.RatchetMessage) ([]byte, error) {
	ic, err := e.db.invalidConversation(userID, conversationID)
	if err != nil {
		return nil, err
	}
	if ic != nil {
		return nil, ErrInvalidConversation
	}

	unlock := e.lockConversation(conversationID, userID)
	defer unlock()

	c, err := e.db.conversation(userID, conversationID)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, ErrConversationNotInitialized
	}

	header := doubleratchet.MessageHeader{DH: rm.DH, N: rm.N, PN: rm.PN}

	// cache hit: a previously skipped counter, decrypted without touching
	// session state
	kr, ok, err := e.db.keyByMsgNum(c.SessionID, rm.DH, uint(rm.N))
	if err != nil {
		return nil, err
	}
	if ok {
		plaintext, err := crypto.DecryptWithKey(kr.MessageKey, rm.Body, header.Encode())
		if err != nil {
			return nil, fmt.Errorf("%w: cached key failed: %s", ErrConversationResynced, err)
		}
		return plaintext, nil
	}

	state, err := e.db.ratchetState(c.SessionID)
	if err != nil {
		return nil, err
	}
	skipped, err := skippedCount(state, rm)
	if err != nil {
		return nil, err
	}
	if skipped > e.config.MaxSkip {
		return nil, ErrTooManySkippedMessages
	}

	drSession, err := doubleratchet.Load(c.SessionID, e.db.sessionStorage(e.clock), doubleratchet.WithCrypto(e.db.ratchetCrypto()), doubleratchet.WithKeysStorage(e.db.keysStorage(c.SessionID, e.clock)), doubleratchet.WithMaxSkip(int(e.config.MaxSkip)), doubleratchet.WithMaxMessageKeysPerSession(e.config.MaxMessageKeys))
	if err != nil {
		return nil, fmt.Errorf("messaging: error loading session: %w", err)
	}
	plaintext, err := drSession.RatchetDecrypt(doubleratchet.Message{Header: header, Ciphertext: rm.Body}, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrConversationResynced, err)
	}

	// the conversation is confirmed both ways, staged handshake material is
	// no longer needed
	if err := e.db.deleteInboundInvitation(userID, conversationID); err != nil {
		return nil, err
	}
	if err := e.db.deleteOutboundInvitation(userID, conversationID); err != nil {
		return nil, err
	}
	return plaintext, nil
}

// skippedCount computes how many message keys decrypting rm would skip, from
// the stored receiving-chain counters.
func skippedCount(state *ratchetState, rm *wire.RatchetMessage) (uint, error) {
	if state.Dhr != nil && bytes.Equal(rm.DH, state.Dhr) {
		if rm.N < state.RecvChCount {
			return 0, fmt.Errorf("messaging: message key for counter %d no longer cached", rm.N)
		}
		return uint(rm.N - state.RecvChCount), nil
	}
	// remote key changed: the old chain drains up to PN, then the new chain
	// up to N
	if rm.PN >= state.RecvChCount {
		return uint(rm.PN-state.RecvChCount) + uint(rm.N), nil
	}
	return uint(rm.N), nil
}

// Quarantine marks the conversation invalid after a decryption failure. It
// reports whether a reset invitation should be sent now; resends are
// rate-limited by the resend-reset timeout.
func (e *Engine) Quarantine(userID, conversationID ids.ID, fingerprint []byte) (bool, error) {
	now := e.clock.CurrentTimeSec()
	existing, err := e.db.invalidConversation(userID, conversationID)
	if err != nil {
		return false, err
	}
	if existing != nil && now < existing.ResendAfterSec {
		return false, nil
	}
	if err := e.db.upsertInvalidConversation(&invalidConversation{
		UserID:         userID[:],
		ConversationID: conversationID[:],
		Fingerprint:    fingerprint,
		CtimeSec:       now,
		ResendAfterSec: now + e.config.ResendResetTimeoutSec,
	}); err != nil {
		return false, err
	}
	return true, nil
}

// Reset destroys the session and any staged handshake material for a
// conversation, clearing its quarantine record.
func (e *Engine) Reset(userID, conversationID ids.ID) error {
	unlock := e.lockConversation(conversationID, userID)
	defer unlock()

	if err := e.db.deleteConversation(userID, conversationID); err != nil {
		return err
	}
	if err := e.db.deleteInboundInvitation(userID, conversationID); err != nil {
		return err
	}
	if err := e.db.deleteOutboundInvitation(userID, conversationID); err != nil {
		return err
	}
	return e.db.deleteInvalidConversation(userID, conversationID)
}

// OutboundInvitation returns the staged invitation for a conversation, or nil
// once the peer has confirmed it.
func (e *Engine) OutboundInvitation(userID, conversationID ids.ID) (*wire.Invitation, error) {
	rec, err := e.db.outboundInvitation(userID, conversationID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}
	inv := &wire.Invitation{}
	if err := cbor.Unmarshal(rec.Body, inv); err != nil {
		return nil, fmt.Errorf("messaging: error decoding staged invitation: %w", err)
	}
	return inv, nil
}

// CleanCaches drops message keys past the configured age and expired
// quarantine records. Returns the number of rows removed. Unlike the rest of
// the engine it opens its own transaction, so it can run from a background
// task.
func (e *Engine) CleanCaches() (int64, error) {
	var removed int64
	err := e.db.Run("clean messaging caches", func() error {
		now := e.clock.CurrentTimeSec()
		var cutoff uint64
		if now > e.config.MessageKeyMaxAgeSec {
			cutoff = now - e.config.MessageKeyMaxAgeSec
		}
		keys, err := e.db.deleteKeysOlderThan(cutoff)
		if err != nil {
			return err
		}
		quarantined, err := e.db.deleteExpiredInvalidConversations(now)
		if err != nil {
			return err
		}
		removed = keys + quarantined
		return nil
	})
	return removed, err
}
