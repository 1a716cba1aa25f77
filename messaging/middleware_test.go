package messaging

import (
	"crypto/ed25519"
	"fmt"
	"testing"

	"github.com/rally-im/go-rally/auth"
	"github.com/rally-im/go-rally/config"
	"github.com/rally-im/go-rally/ids"
	"github.com/rally-im/go-rally/wire"
	"github.com/stretchr/testify/require"
)

type testDirectory struct {
	keys map[string]ed25519.PublicKey
}

func (d *testDirectory) add(groupID, userID ids.ID, key ed25519.PublicKey) {
	d.keys[groupID.String()+userID.String()] = key
}

func (d *testDirectory) SigningKey(groupID, userID ids.ID) (ed25519.PublicKey, error) {
	k, ok := d.keys[groupID.String()+userID.String()]
	if !ok {
		return nil, fmt.Errorf("no member %s in group %s", userID, groupID)
	}
	return k, nil
}

func newTestMiddleware(t *testing.T, p *testPeer) (*Middleware, *testDirectory) {
	c := config.NewConfig()
	dir := &testDirectory{keys: make(map[string]ed25519.PublicKey)}
	authority := auth.NewAuthority(c, p.clock)
	return NewMiddleware(c, p.clock, p.engine, authority, dir), dir
}

func TestGroupFanOutRoundTrip(t *testing.T) {
	alice := newTestPeer(t)
	bob := newTestPeer(t)
	defer alice.shutdown(t)
	defer bob.shutdown(t)
	connect(t, alice, bob)

	aliceMW, _ := newTestMiddleware(t, alice)
	bobMW, bobDir := newTestMiddleware(t, bob)

	groupID := ids.NewID()
	c := config.NewConfig()
	aliceAuthority := auth.NewAuthority(c, alice.clock)

	var aliceIdent *Identity
	alice.run(t, "identity", func() error {
		var err error
		aliceIdent, err = alice.engine.Identity()
		return err
	})
	bobDir.add(groupID, alice.userID, aliceIdent.SigningPub)
	cert, err := aliceAuthority.Issue(alice.userID, groupID, true, aliceIdent.SigningPriv)
	require.NoError(t, err)

	var content *wire.EncryptedContent
	var recipients []wire.Recipient
	alice.run(t, "encrypt for group", func() error {
		var err error
		content, recipients, err = aliceMW.EncryptForGroup([]byte("meet at noon"), groupID, []ids.ID{bob.userID})
		return err
	})
	require.Len(t, recipients, 1)
	require.NotNil(t, recipients[0].Invitation)

	env := &wire.Envelope{
		ID:             ids.NewID(),
		SenderID:       alice.userID,
		ConversationID: recipients[0].ConversationID,
		GroupID:        groupID,
		SelfCert:       cert,
		Invitation:     recipients[0].Invitation,
		Content: &wire.EncryptedContent{
			WrappedKey: recipients[0].WrappedKey,
			Body:       content.Body,
		},
	}

	var plaintext []byte
	bob.run(t, "decrypt", func() error {
		var err error
		plaintext, err = bobMW.Decrypt(env)
		return err
	})
	require.Equal(t, "meet at noon", string(plaintext))

	// duplicate delivery is served from the content-key cache
	bob.run(t, "decrypt duplicate", func() error {
		var err error
		plaintext, err = bobMW.Decrypt(env)
		return err
	})
	require.Equal(t, "meet at noon", string(plaintext))
}

func TestDecryptUnknownSender(t *testing.T) {
	alice := newTestPeer(t)
	bob := newTestPeer(t)
	defer alice.shutdown(t)
	defer bob.shutdown(t)
	connect(t, alice, bob)

	aliceMW, _ := newTestMiddleware(t, alice)
	bobMW, _ := newTestMiddleware(t, bob)

	groupID := ids.NewID()
	var content *wire.EncryptedContent
	var recipients []wire.Recipient
	alice.run(t, "encrypt for group", func() error {
		var err error
		content, recipients, err = aliceMW.EncryptForGroup([]byte("psst"), groupID, []ids.ID{bob.userID})
		return err
	})

	env := &wire.Envelope{
		ID:             ids.NewID(),
		SenderID:       alice.userID,
		ConversationID: recipients[0].ConversationID,
		GroupID:        groupID,
		Invitation:     recipients[0].Invitation,
		Content: &wire.EncryptedContent{
			WrappedKey: recipients[0].WrappedKey,
			Body:       content.Body,
		},
	}

	// the sender is not a known member of the claimed group
	err := bob.db.Run("decrypt", func() error {
		_, err := bobMW.Decrypt(env)
		return err
	})
	require.ErrorIs(t, err, auth.ErrCertificateMissing)
}

func TestEncryptForGroupWithoutConversation(t *testing.T) {
	alice := newTestPeer(t)
	defer alice.shutdown(t)
	aliceMW, _ := newTestMiddleware(t, alice)

	err := alice.db.Run("encrypt for group", func() error {
		_, _, err := aliceMW.EncryptForGroup([]byte("hi"), ids.NewID(), []ids.ID{ids.NewID()})
		return err
	})
	require.ErrorIs(t, err, ErrConversationNotInitialized)
}
