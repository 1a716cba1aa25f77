package auth

import (
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/rally-im/go-rally/config"
	"github.com/rally-im/go-rally/ids"
	"github.com/rally-im/go-rally/internal/test"
	"github.com/stretchr/testify/require"
)

func newTestAuthority(t *testing.T) (*Authority, *test.Clock) {
	cl := test.NewClock()
	c := config.NewConfig()
	return NewAuthority(c, cl), cl
}

func TestIssueAndValidate(t *testing.T) {
	a, _ := newTestAuthority(t)
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	subject, group := ids.NewID(), ids.NewID()

	cert, err := a.Issue(subject, group, true, priv)
	require.NoError(t, err)
	expiry, err := a.Validate(cert, pub)
	require.NoError(t, err)
	require.Greater(t, expiry, a.clock.Now().Unix())

	gotSubject, gotGroup, admin, err := a.Subject(cert, pub)
	require.NoError(t, err)
	require.Equal(t, subject, gotSubject)
	require.Equal(t, group, gotGroup)
	require.True(t, admin)
}

func TestValidateWrongKey(t *testing.T) {
	a, _ := newTestAuthority(t)
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	otherPub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	cert, err := a.Issue(ids.NewID(), ids.NewID(), false, priv)
	require.NoError(t, err)
	_, err = a.Validate(cert, otherPub)
	require.ErrorIs(t, err, ErrInvalidSignature)
}

func TestValidateExpired(t *testing.T) {
	a, cl := newTestAuthority(t)
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	cert, err := a.Issue(ids.NewID(), ids.NewID(), false, priv)
	require.NoError(t, err)
	cl.Advance(time.Duration(a.config.CertValiditySec)*time.Second + time.Second)
	_, err = a.Validate(cert, pub)
	require.ErrorIs(t, err, ErrExpired)
}

func TestValidateMissing(t *testing.T) {
	a, _ := newTestAuthority(t)
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	_, err = a.Validate(nil, pub)
	require.ErrorIs(t, err, ErrCertificateMissing)
}

func TestNeedsRenewalThreshold(t *testing.T) {
	a, cl := newTestAuthority(t)
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	now := cl.Now().Unix()
	leeway := int64(a.config.CertRenewalLeewaySec)

	// expires just outside the leeway window
	cert, err := a.IssueAt(ids.NewID(), ids.NewID(), false, now, now+leeway+10, priv)
	require.NoError(t, err)
	due, err := a.NeedsRenewal(cert, pub)
	require.NoError(t, err)
	require.False(t, due)

	// just inside
	cert, err = a.IssueAt(ids.NewID(), ids.NewID(), false, now, now+leeway-10, priv)
	require.NoError(t, err)
	due, err = a.NeedsRenewal(cert, pub)
	require.NoError(t, err)
	require.True(t, due)
}
