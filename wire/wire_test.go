package wire

import (
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/rally-im/go-rally/ids"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	env := &Envelope{
		ID:                ids.NewID(),
		SenderID:          ids.NewID(),
		ConversationID:    ids.NewID(),
		GroupID:           ids.NewID(),
		SelfCert:          []byte{1, 2, 3},
		ServerCert:        []byte{4, 5, 6},
		ServerTimestampMs: 1000,
		ClientTimestampMs: 999,
		CollapseID:        "loc-update",
		Content: &EncryptedContent{
			WrappedKey: RatchetMessage{DH: []byte{7, 8}, N: 3, PN: 1, Body: []byte{9}},
			Body:       []byte("ciphertext"),
		},
	}
	b, err := EncodeEnvelope(env)
	require.NoError(t, err)
	dec, err := DecodeEnvelope(b)
	require.NoError(t, err)
	require.Equal(t, env, dec)
}

func TestContainerRoundTrip(t *testing.T) {
	groupID := ids.NewID()
	b, err := EncodeContainer(&ChatMessage{GroupID: groupID, Body: "hi", SentMs: 12})
	require.NoError(t, err)
	p, err := DecodeContainer(b)
	require.NoError(t, err)
	chat, ok := p.(*ChatMessage)
	require.True(t, ok)
	require.Equal(t, "hi", chat.Body)
	require.Equal(t, groupID, chat.GroupID)
}

func TestUnknownDiscriminator(t *testing.T) {
	body, err := cbor.Marshal(map[string]string{"future": "field"})
	require.NoError(t, err)
	b, err := cbor.Marshal(&PayloadContainer{Type: "poll_v2", Body: body})
	require.NoError(t, err)
	p, err := DecodeContainer(b)
	require.NoError(t, err)
	u, ok := p.(*Unknown)
	require.True(t, ok)
	require.Equal(t, "poll_v2", u.PayloadType())
}

func TestInvitationOmitsAbsentOneTimePrekey(t *testing.T) {
	inv := &Invitation{
		ConversationID: ids.NewID(),
		IdentityKey:    []byte{1},
		EphemeralKey:   []byte{2},
		SignedPrekey:   []byte{3},
	}
	b, err := cbor.Marshal(inv)
	require.NoError(t, err)
	var dec Invitation
	require.NoError(t, cbor.Unmarshal(b, &dec))
	require.Nil(t, dec.OneTimePrekey)
}
