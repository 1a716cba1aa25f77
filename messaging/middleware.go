package messaging

import (
	"crypto/ed25519"
	"crypto/sha256"
	"fmt"

	"github.com/rally-im/go-rally/auth"
	"github.com/rally-im/go-rally/clock"
	"github.com/rally-im/go-rally/config"
	"github.com/rally-im/go-rally/crypto"
	"github.com/rally-im/go-rally/ids"
	"github.com/rally-im/go-rally/wire"
	"go.uber.org/zap"
)

// MemberDirectory resolves a group member's signing key from local group
// state.
type MemberDirectory interface {
	SigningKey(groupID, userID ids.ID) (ed25519.PublicKey, error)
}

// Middleware orchestrates the conversation engine across group fan-out. An
// outgoing group message is encrypted once under a random content key, which
// is ratchet-wrapped per recipient; inbound, it resolves which conversation
// unwraps an envelope, bootstrapping from an attached invitation when needed.
type Middleware struct {
	log       *zap.SugaredLogger
	config    *config.Config
	clock     clock.Clock
	engine    *Engine
	authority *auth.Authority
	directory MemberDirectory
}

func NewMiddleware(c *config.Config, cl clock.Clock, engine *Engine, authority *auth.Authority, directory MemberDirectory) *Middleware {
	return &Middleware{
		log:       c.Logger("middleware"),
		config:    c,
		clock:     cl,
		engine:    engine,
		authority: authority,
		directory: directory,
	}
}

// EncryptForGroup produces one shared ciphertext body plus an individually
// wrapped content key per recipient. Recipients with a staged invitation get
// it attached for conversation bootstrap.
func (m *Middleware) EncryptForGroup(plaintext []byte, groupID ids.ID, recipientIDs []ids.ID) (*wire.EncryptedContent, []wire.Recipient, error) {
	contentKey, err := crypto.NewSymmetricKey()
	if err != nil {
		return nil, nil, fmt.Errorf("messaging: error generating content key: %w", err)
	}
	body, err := crypto.EncryptWithKey(contentKey, plaintext, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("messaging: error encrypting body: %w", err)
	}

	recipients := make([]wire.Recipient, 0, len(recipientIDs))
	for _, userID := range recipientIDs {
		conversationID, ok, err := m.engine.ConversationWith(userID)
		if err != nil {
			return nil, nil, err
		}
		if !ok {
			return nil, nil, fmt.Errorf("%w: no conversation with %s", ErrConversationNotInitialized, userID)
		}
		wrapped, err := m.engine.Encrypt(userID, conversationID, contentKey)
		if err != nil {
			return nil, nil, err
		}
		inv, err := m.engine.OutboundInvitation(userID, conversationID)
		if err != nil {
			return nil, nil, err
		}
		recipients = append(recipients, wire.Recipient{
			UserID:         userID,
			ConversationID: conversationID,
			WrappedKey:     *wrapped,
			Invitation:     inv,
		})
	}
	return &wire.EncryptedContent{Body: body}, recipients, nil
}

// Decrypt resolves the conversation for an envelope and decrypts its body.
// Envelopes seen before decrypt again from the content-key cache, so
// duplicate delivery is idempotent.
func (m *Middleware) Decrypt(env *wire.Envelope) ([]byte, error) {
	if env.Content == nil {
		return nil, fmt.Errorf("messaging: envelope %s has no content", env.ID)
	}

	if !env.GroupID.IsZero() {
		signingKey, err := m.directory.SigningKey(env.GroupID, env.SenderID)
		if err != nil {
			return nil, fmt.Errorf("%w: no signing key for %s in group %s", auth.ErrCertificateMissing, env.SenderID, env.GroupID)
		}
		if _, err := m.authority.Validate(env.SelfCert, signingKey); err != nil {
			return nil, fmt.Errorf("messaging: sender certificate for group %s: %w", env.GroupID, err)
		}
	}

	sessionID := makeSessionID(env.ConversationID, env.SenderID)
	wrapped := &env.Content.WrappedKey

	ck, ok, err := m.engine.db.contentKey(sessionID, wrapped.DH, uint(wrapped.N))
	if err != nil {
		return nil, err
	}
	if ok {
		plaintext, err := crypto.DecryptWithKey(ck.ContentKey, env.Content.Body, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: cached content key failed: %s", ErrConversationResynced, err)
		}
		return plaintext, nil
	}

	if env.Invitation != nil {
		if err := m.engine.AcceptHandshake(env.SenderID, env.Invitation); err != nil {
			return nil, err
		}
	}

	keyBytes, err := m.engine.Decrypt(env.SenderID, env.ConversationID, wrapped)
	if err != nil {
		return nil, err
	}
	plaintext, err := crypto.DecryptWithKey(keyBytes, env.Content.Body, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: body decryption failed: %s", ErrConversationResynced, err)
	}
	if err := m.engine.db.upsertContentKey(&contentKey{
		SessionID:     sessionID,
		PublicKey:     wrapped.DH,
		MessageNumber: uint(wrapped.N),
		ContentKey:    keyBytes,
		CtimeSec:      m.clock.CurrentTimeSec(),
	}); err != nil {
		return nil, err
	}
	return plaintext, nil
}

// Quarantine marks a conversation invalid after a decryption failure,
// reporting whether a reset should be staged now. Run it in its own
// transaction: the failed envelope's transaction rolls back.
func (m *Middleware) Quarantine(env *wire.Envelope) (bool, error) {
	fingerprint := make([]byte, 0, sha256.Size)
	if env.Content != nil {
		sum := sha256.Sum256(env.Content.WrappedKey.DH)
		fingerprint = sum[:]
	}
	return m.engine.Quarantine(env.SenderID, env.ConversationID, fingerprint)
}
