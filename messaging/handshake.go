package messaging

import (
	"crypto/ed25519"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/rally-im/go-rally/crypto"
	"github.com/rally-im/go-rally/ids"
	"github.com/rally-im/go-rally/wire"
	"github.com/status-im/doubleratchet"
)

var hkdfInfo = []byte("rally/handshake/v1")

// PeerKeyBundle is a peer's published key material, fetched from the relay.
type PeerKeyBundle struct {
	UserID                ids.ID
	IdentityKey           []byte
	SigningKey            []byte
	SignedPrekey          []byte
	SignedPrekeySignature []byte
	OneTimePrekey         []byte
}

// PrekeyBundle is the local user's published key material, uploaded to the
// relay.
type PrekeyBundle struct {
	IdentityKey           []byte
	SigningKey            []byte
	SignedPrekey          []byte
	SignedPrekeySignature []byte
	OneTimePrekeys        [][]byte
}

// makeSessionID scopes ratchet state to a (conversation, remote user) pair.
func makeSessionID(conversationID, userID ids.ID) []byte {
	id := make([]byte, 0, 32)
	id = append(id, conversationID[:]...)
	id = append(id, userID[:]...)
	return id
}

func deriveSecret(dhs ...[32]byte) ([]byte, error) {
	material := make([]byte, 0, len(dhs)*32)
	for _, dh := range dhs {
		material = append(material, dh[:]...)
	}
	secret := make([]byte, 32)
	if err := crypto.HKDF(material, nil, hkdfInfo, secret); err != nil {
		return nil, fmt.Errorf("messaging: error deriving handshake secret: %w", err)
	}
	return secret, nil
}

// InitiateHandshake derives a fresh forward-secret session with peer for the
// given conversation and stages an invitation for attachment to outgoing
// messages. Any existing session for the conversation is replaced.
func (e *Engine) InitiateHandshake(peer *PeerKeyBundle, conversationID ids.ID) (*wire.Invitation, error) {
	ident, err := e.db.identity()
	if err != nil {
		return nil, err
	}
	if ident == nil {
		return nil, fmt.Errorf("messaging: no local identity")
	}

	if len(peer.SigningKey) != 0 {
		if !ed25519.Verify(peer.SigningKey, peer.SignedPrekey, peer.SignedPrekeySignature) {
			return nil, fmt.Errorf("messaging: signed prekey signature for %s does not verify", peer.UserID)
		}
	}
	if len(peer.OneTimePrekey) == 0 && e.config.RequireOneTimePrekeys {
		return nil, ErrPrekeyExhausted
	}

	unlock := e.lockConversation(conversationID, peer.UserID)
	defer unlock()

	if err := e.db.deleteConversation(peer.UserID, conversationID); err != nil {
		return nil, err
	}

	ekPriv, ekPub, err := crypto.NewDHPair()
	if err != nil {
		return nil, fmt.Errorf("messaging: error generating ephemeral key: %w", err)
	}

	dhs := [][32]byte{
		crypto.DH(ident.DHPriv, peer.SignedPrekey),
		crypto.DH(ekPriv[:], peer.IdentityKey),
		crypto.DH(ekPriv[:], peer.SignedPrekey),
	}
	if len(peer.OneTimePrekey) != 0 {
		dhs = append(dhs, crypto.DH(ekPriv[:], peer.OneTimePrekey))
	}
	secret, err := deriveSecret(dhs...)
	if err != nil {
		return nil, err
	}

	sessionID := makeSessionID(conversationID, peer.UserID)
	if err := e.db.insertConversation(&conversation{
		UserID:         peer.UserID[:],
		ConversationID: conversationID[:],
		SessionID:      sessionID,
		Initiator:      true,
		CtimeSec:       e.clock.CurrentTimeSec(),
	}); err != nil {
		return nil, err
	}
	if _, err := doubleratchet.NewWithRemoteKey(sessionID, secret, peer.SignedPrekey, e.db.sessionStorage(e.clock), doubleratchet.WithCrypto(e.db.ratchetCrypto()), doubleratchet.WithKeysStorage(e.db.keysStorage(sessionID, e.clock)), doubleratchet.WithMaxSkip(int(e.config.MaxSkip)), doubleratchet.WithMaxMessageKeysPerSession(e.config.MaxMessageKeys)); err != nil {
		return nil, fmt.Errorf("messaging: error initializing session: %w", err)
	}

	inv := &wire.Invitation{
		ConversationID: conversationID,
		IdentityKey:    ident.DHPub,
		EphemeralKey:   ekPub[:],
		SignedPrekey:   peer.SignedPrekey,
		OneTimePrekey:  peer.OneTimePrekey,
	}
	body, err := cbor.Marshal(inv)
	if err != nil {
		return nil, fmt.Errorf("messaging: error encoding invitation: %w", err)
	}
	if err := e.db.upsertOutboundInvitation(&outboundInvitation{
		UserID:         peer.UserID[:],
		ConversationID: conversationID[:],
		Body:           body,
		CtimeSec:       e.clock.CurrentTimeSec(),
	}); err != nil {
		return nil, err
	}
	return inv, nil
}

// AcceptHandshake performs the responder's half of the derivation, consuming
// the referenced one-time prekey. Accepting the same invitation twice is a
// no-op.
func (e *Engine) AcceptHandshake(senderID ids.ID, inv *wire.Invitation) error {
	ident, err := e.db.identity()
	if err != nil {
		return err
	}
	if ident == nil {
		return fmt.Errorf("messaging: no local identity")
	}

	unlock := e.lockConversation(inv.ConversationID, senderID)
	defer unlock()

	existing, err := e.db.conversation(senderID, inv.ConversationID)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}

	spk, err := e.db.signedPrekeyByPub(inv.SignedPrekey)
	if err != nil {
		return err
	}
	if spk == nil {
		return fmt.Errorf("messaging: invitation references unknown signed prekey %x", inv.SignedPrekey)
	}

	dhs := [][32]byte{
		crypto.DH(spk.Priv, inv.IdentityKey),
		crypto.DH(ident.DHPriv, inv.EphemeralKey),
		crypto.DH(spk.Priv, inv.EphemeralKey),
	}
	if len(inv.OneTimePrekey) != 0 {
		otk, err := e.db.consumeOneTimePrekey(inv.OneTimePrekey)
		if err != nil {
			return err
		}
		if otk == nil {
			return fmt.Errorf("messaging: invitation references unknown one-time prekey %x", inv.OneTimePrekey)
		}
		dhs = append(dhs, crypto.DH(otk.Priv, inv.EphemeralKey))
	}
	secret, err := deriveSecret(dhs...)
	if err != nil {
		return err
	}

	sessionID := makeSessionID(inv.ConversationID, senderID)
	if err := e.db.insertConversation(&conversation{
		UserID:         senderID[:],
		ConversationID: inv.ConversationID[:],
		SessionID:      sessionID,
		Initiator:      false,
		CtimeSec:       e.clock.CurrentTimeSec(),
	}); err != nil {
		return err
	}
	keyPair := dhPairImpl{privateKey: *crypto.SliceToKey(spk.Priv), publicKey: *crypto.SliceToKey(spk.Pub)}
	if _, err := doubleratchet.New(sessionID, secret, keyPair, e.db.sessionStorage(e.clock), doubleratchet.WithCrypto(e.db.ratchetCrypto()), doubleratchet.WithKeysStorage(e.db.keysStorage(sessionID, e.clock)), doubleratchet.WithMaxSkip(int(e.config.MaxSkip)), doubleratchet.WithMaxMessageKeysPerSession(e.config.MaxMessageKeys)); err != nil {
		return fmt.Errorf("messaging: error initializing session: %w", err)
	}

	// kept until the first message on this conversation decrypts
	return e.db.upsertInboundInvitation(&inboundInvitation{
		UserID:         senderID[:],
		ConversationID: inv.ConversationID[:],
		IdentityKey:    inv.IdentityKey,
		EphemeralKey:   inv.EphemeralKey,
		SignedPrekey:   inv.SignedPrekey,
		OneTimePrekey:  inv.OneTimePrekey,
		CtimeSec:       e.clock.CurrentTimeSec(),
	})
}

// generateSignedPrekey makes and stores a new signed prekey, signed by the
// identity signing key.
func (e *Engine) generateSignedPrekey() (*signedPrekey, error) {
	ident, err := e.db.identity()
	if err != nil {
		return nil, err
	}
	if ident == nil {
		return nil, fmt.Errorf("messaging: no local identity")
	}
	priv, pub, err := crypto.NewDHPair()
	if err != nil {
		return nil, fmt.Errorf("messaging: error generating signed prekey: %w", err)
	}
	sp := &signedPrekey{
		Pub:       pub[:],
		Priv:      priv[:],
		Signature: ed25519.Sign(ident.SigningPriv, pub[:]),
		CtimeSec:  e.clock.CurrentTimeSec(),
	}
	if err := e.db.insertSignedPrekey(sp); err != nil {
		return nil, err
	}
	return sp, nil
}

// generateOneTimePrekeys makes and stores count one-time prekeys, returning
// their public halves for upload.
func (e *Engine) generateOneTimePrekeys(count int) ([][]byte, error) {
	pks := make([]*oneTimePrekey, count)
	pubs := make([][]byte, count)
	for i := 0; i < count; i++ {
		priv, pub, err := crypto.NewDHPair()
		if err != nil {
			return nil, fmt.Errorf("messaging: error generating one-time prekey: %w", err)
		}
		pks[i] = &oneTimePrekey{Pub: pub[:], Priv: priv[:], CtimeSec: e.clock.CurrentTimeSec()}
		pubs[i] = pub[:]
	}
	if err := e.db.insertOneTimePrekeys(pks); err != nil {
		return nil, err
	}
	return pubs, nil
}

// PrekeyBundle assembles the local user's published key material, generating
// the signed prekey and topping up one-time prekeys as needed.
func (e *Engine) PrekeyBundle() (*PrekeyBundle, error) {
	ident, err := e.db.identity()
	if err != nil {
		return nil, err
	}
	if ident == nil {
		return nil, fmt.Errorf("messaging: no local identity")
	}
	sp, err := e.db.latestSignedPrekey()
	if err != nil {
		return nil, err
	}
	if sp == nil {
		if sp, err = e.generateSignedPrekey(); err != nil {
			return nil, err
		}
	}
	count, err := e.db.countOneTimePrekeys()
	if err != nil {
		return nil, err
	}
	var pubs [][]byte
	if count < e.config.OneTimePrekeyCount {
		if pubs, err = e.generateOneTimePrekeys(e.config.OneTimePrekeyCount - count); err != nil {
			return nil, err
		}
	}
	return &PrekeyBundle{
		IdentityKey:           ident.DHPub,
		SigningKey:            ident.SigningPub,
		SignedPrekey:          sp.Pub,
		SignedPrekeySignature: sp.Signature,
		OneTimePrekeys:        pubs,
	}, nil
}
