// Package auth issues and validates membership certificates. A certificate is
// an opaque signed blob binding a subject to a group with an admin flag and a
// validity window; holders prove membership by presenting it alongside their
// signing key. Certificates are validated by signature and expiry only, never
// parsed further by callers.
package auth

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/rally-im/go-rally/clock"
	"github.com/rally-im/go-rally/config"
	"github.com/rally-im/go-rally/ids"
	"go.uber.org/zap"
)

var (
	ErrInvalidSignature   = errors.New("auth: invalid signature")
	ErrExpired            = errors.New("auth: certificate expired")
	ErrCertificateMissing = errors.New("auth: certificate missing")
)

type claims struct {
	Subject ids.ID `cbor:"1,keyasint"`
	Group   ids.ID `cbor:"2,keyasint"`
	Admin   bool   `cbor:"3,keyasint"`
	Issued  int64  `cbor:"4,keyasint"`
	Expires int64  `cbor:"5,keyasint"`
}

type certificate struct {
	Claims    []byte `cbor:"1,keyasint"`
	Signature []byte `cbor:"2,keyasint"`
}

type Authority struct {
	log    *zap.SugaredLogger
	config *config.Config
	clock  clock.Clock
}

func NewAuthority(c *config.Config, cl clock.Clock) *Authority {
	return &Authority{c.Logger("auth"), c, cl}
}

// Issue signs a certificate binding subject to group, valid from now for the
// configured validity window.
func (a *Authority) Issue(subject, group ids.ID, admin bool, priv ed25519.PrivateKey) ([]byte, error) {
	now := a.clock.Now().Unix()
	return a.IssueAt(subject, group, admin, now, now+int64(a.config.CertValiditySec), priv)
}

func (a *Authority) IssueAt(subject, group ids.ID, admin bool, issued, expires int64, priv ed25519.PrivateKey) ([]byte, error) {
	claimBytes, err := cbor.Marshal(&claims{
		Subject: subject,
		Group:   group,
		Admin:   admin,
		Issued:  issued,
		Expires: expires,
	})
	if err != nil {
		return nil, fmt.Errorf("auth: error encoding claims: %w", err)
	}
	certBytes, err := cbor.Marshal(&certificate{
		Claims:    claimBytes,
		Signature: ed25519.Sign(priv, claimBytes),
	})
	if err != nil {
		return nil, fmt.Errorf("auth: error encoding certificate: %w", err)
	}
	return certBytes, nil
}

// Validate checks the signature and validity window of cert against pub,
// returning the expiry in unix seconds.
func (a *Authority) Validate(cert []byte, pub ed25519.PublicKey) (int64, error) {
	c, err := a.parse(cert, pub)
	if err != nil {
		return 0, err
	}
	if a.clock.Now().Unix() >= c.Expires {
		return 0, ErrExpired
	}
	return c.Expires, nil
}

// NeedsRenewal reports whether cert is due for renewal: expiry minus now is
// below the configured leeway. An expired certificate is due.
func (a *Authority) NeedsRenewal(cert []byte, pub ed25519.PublicKey) (bool, error) {
	c, err := a.parse(cert, pub)
	if err != nil {
		return false, err
	}
	remaining := c.Expires - a.clock.Now().Unix()
	due := remaining < int64(a.config.CertRenewalLeewaySec)
	if due {
		a.log.Debugf("certificate for %s/%s due for renewal, %s remaining", c.Subject, c.Group, time.Duration(remaining)*time.Second)
	}
	return due, nil
}

// Subject returns the claimed subject and group without validating expiry.
func (a *Authority) Subject(cert []byte, pub ed25519.PublicKey) (subject, group ids.ID, admin bool, err error) {
	c, err := a.parse(cert, pub)
	if err != nil {
		return ids.Zero, ids.Zero, false, err
	}
	return c.Subject, c.Group, c.Admin, nil
}

func (a *Authority) parse(cert []byte, pub ed25519.PublicKey) (*claims, error) {
	if len(cert) == 0 {
		return nil, ErrCertificateMissing
	}
	var c certificate
	if err := cbor.Unmarshal(cert, &c); err != nil {
		return nil, fmt.Errorf("auth: error decoding certificate: %w", err)
	}
	if !ed25519.Verify(pub, c.Claims, c.Signature) {
		return nil, ErrInvalidSignature
	}
	var cl claims
	if err := cbor.Unmarshal(c.Claims, &cl); err != nil {
		return nil, fmt.Errorf("auth: error decoding claims: %w", err)
	}
	return &cl, nil
}
