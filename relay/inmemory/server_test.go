package inmemory

import (
	"context"
	"crypto/ed25519"
	"testing"

	"github.com/rally-im/go-rally/config"
	"github.com/rally-im/go-rally/ids"
	"github.com/rally-im/go-rally/internal/test"
	"github.com/rally-im/go-rally/messaging"
	"github.com/rally-im/go-rally/relay"
	"github.com/rally-im/go-rally/wire"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) *Server {
	s, err := NewServer(config.NewConfig(), test.NewClock())
	require.NoError(t, err)
	return s
}

func TestGroupTagOptimisticConcurrency(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	groupID := ids.NewID()
	owner := ids.NewID()

	tag, err := s.CreateGroup(ctx, groupID, []byte("settings"), relay.EncryptedMembership{UserID: owner, Data: []byte("owner")})
	require.NoError(t, err)

	// first update against the current tag wins
	newTag, err := s.UpdateGroupMember(ctx, groupID, tag, relay.EncryptedMembership{UserID: ids.NewID(), Data: []byte("m1")})
	require.NoError(t, err)

	// second update against the now-stale tag loses
	_, err = s.UpdateGroupMember(ctx, groupID, tag, relay.EncryptedMembership{UserID: ids.NewID(), Data: []byte("m2")})
	require.ErrorIs(t, err, relay.ErrGroupOutdated)

	// a reload fetches the winner's tag
	internals, err := s.GetGroupInternals(ctx, groupID, tag)
	require.NoError(t, err)
	require.Equal(t, newTag, internals.Tag)
	require.Len(t, internals.Memberships, 2)
}

func TestGetGroupInternalsNotModified(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	groupID := ids.NewID()

	tag, err := s.CreateGroup(ctx, groupID, nil, relay.EncryptedMembership{UserID: ids.NewID(), Data: []byte("owner")})
	require.NoError(t, err)

	_, err = s.GetGroupInternals(ctx, groupID, tag)
	require.ErrorIs(t, err, relay.ErrNotModified)

	// a nil tag always fetches
	internals, err := s.GetGroupInternals(ctx, groupID, nil)
	require.NoError(t, err)
	require.Equal(t, tag, internals.Tag)
}

func TestOneTimePrekeyConsumption(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	userID := ids.NewID()

	require.NoError(t, s.CreateUser(ctx, userID, &messaging.PrekeyBundle{
		IdentityKey:    []byte("ik"),
		SigningKey:     []byte("sk"),
		SignedPrekey:   []byte("spk"),
		OneTimePrekeys: [][]byte{[]byte("otk1"), []byte("otk2")},
	}))

	peer, err := s.GetUser(ctx, userID)
	require.NoError(t, err)
	require.Equal(t, []byte("otk1"), peer.OneTimePrekey)

	peer, err = s.GetUser(ctx, userID)
	require.NoError(t, err)
	require.Equal(t, []byte("otk2"), peer.OneTimePrekey)

	peer, err = s.GetUser(ctx, userID)
	require.NoError(t, err)
	require.Nil(t, peer.OneTimePrekey)
}

func TestSendMessageCollapse(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	sender := ids.NewID()
	recipient := ids.NewID()
	conversationID := ids.NewID()
	require.NoError(t, s.CreateUser(ctx, recipient, &messaging.PrekeyBundle{}))

	send := func(collapseID string, body []byte) {
		require.NoError(t, s.SendMessage(ctx, &relay.Sendable{
			SenderID:   sender,
			CollapseID: collapseID,
			Content:    &wire.EncryptedContent{Body: body},
			Recipients: []wire.Recipient{{UserID: recipient, ConversationID: conversationID}},
		}))
	}
	send("loc", []byte("first"))
	send("", []byte("chat"))
	send("loc", []byte("second"))

	envelopes, err := s.GetMessages(ctx, recipient)
	require.NoError(t, err)
	require.Len(t, envelopes, 2)
	require.Equal(t, []byte("second"), envelopes[0].Content.Body)
	require.Equal(t, []byte("chat"), envelopes[1].Content.Body)

	// mailbox drained
	envelopes, err = s.GetMessages(ctx, recipient)
	require.NoError(t, err)
	require.Empty(t, envelopes)
}

func TestRenewCertificateForAnotherSubject(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	admin := ids.NewID()
	member := ids.NewID()
	groupID := ids.NewID()

	adminPub, adminPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	require.NoError(t, s.CreateUser(ctx, admin, &messaging.PrekeyBundle{SigningKey: adminPub}))

	// an admin issues a certificate for another member under their own key;
	// the caller vouches for the subject
	cert, err := s.authority.Issue(member, groupID, false, adminPriv)
	require.NoError(t, err)
	serverCert, err := s.RenewCertificate(ctx, admin, groupID, cert)
	require.NoError(t, err)
	subject, group, admin2, err := s.authority.Subject(serverCert, s.SigningKey())
	require.NoError(t, err)
	require.Equal(t, member, subject)
	require.Equal(t, groupID, group)
	require.False(t, admin2)

	// a certificate for a different group is rejected
	otherGroup, err := s.authority.Issue(member, ids.NewID(), false, adminPriv)
	require.NoError(t, err)
	_, err = s.RenewCertificate(ctx, admin, groupID, otherGroup)
	require.ErrorIs(t, err, relay.ErrUnauthorized)

	// a certificate not signed by the caller's published key is rejected
	_, strangerPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	forged, err := s.authority.Issue(member, groupID, false, strangerPriv)
	require.NoError(t, err)
	_, err = s.RenewCertificate(ctx, admin, groupID, forged)
	require.ErrorIs(t, err, relay.ErrUnauthorized)
}

func TestVerifyPushesProof(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	userID := ids.NewID()
	require.NoError(t, s.CreateUser(ctx, userID, &messaging.PrekeyBundle{}))

	notified := false
	s.Notify(userID, func() { notified = true })
	require.NoError(t, s.Verify(ctx, userID, "device-1", "ios"))
	require.True(t, notified)

	envelopes, err := s.GetMessages(ctx, userID)
	require.NoError(t, err)
	require.Len(t, envelopes, 1)
	payload, err := wire.DecodeContainer(envelopes[0].SystemPayload)
	require.NoError(t, err)
	verification, ok := payload.(*wire.VerificationMessage)
	require.True(t, ok)
	require.Equal(t, "device-1", verification.DeviceID)
	require.Len(t, verification.Proof, 32)
}
