package crypto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSealWithKeyRoundTrip(t *testing.T) {
	key, err := NewSymmetricKey()
	require.Nil(t, err)

	sealed, err := SealWithKey(key, []byte("meet at the trailhead"), []byte("ad"))
	require.Nil(t, err)
	opened, err := OpenWithKey(key, sealed, []byte("ad"))
	require.Nil(t, err)
	require.Equal(t, []byte("meet at the trailhead"), opened)

	// same key, fresh nonce
	again, err := SealWithKey(key, []byte("meet at the trailhead"), []byte("ad"))
	require.Nil(t, err)
	require.NotEqual(t, sealed, again)
}

func TestOpenWithKeyRejectsWrongAD(t *testing.T) {
	key, err := NewSymmetricKey()
	require.Nil(t, err)

	sealed, err := SealWithKey(key, []byte("payload"), []byte("group-a"))
	require.Nil(t, err)
	_, err = OpenWithKey(key, sealed, []byte("group-b"))
	require.NotNil(t, err)
}

func TestOpenWithKeyRejectsShortCiphertext(t *testing.T) {
	key, err := NewSymmetricKey()
	require.Nil(t, err)
	_, err = OpenWithKey(key, []byte{1, 2, 3}, nil)
	require.NotNil(t, err)
}

func TestDHAgreement(t *testing.T) {
	aPriv, aPub, err := NewDHPair()
	require.Nil(t, err)
	bPriv, bPub, err := NewDHPair()
	require.Nil(t, err)

	enc, err := EncryptWithDH(bPub[:], aPriv[:], []byte("hello"), nil)
	require.Nil(t, err)
	dec, err := DecryptWithDH(aPub[:], bPriv[:], enc, nil)
	require.Nil(t, err)
	require.Equal(t, []byte("hello"), dec)
}
