// Package relay defines the client interface to the rally relay server. The
// relay stores opaque group state guarded by optimistic-concurrency tags,
// holds per-user mailboxes and published key material, and countersigns
// membership certificates. It never sees plaintext.
package relay

import (
	"context"
	"errors"

	"github.com/rally-im/go-rally/ids"
	"github.com/rally-im/go-rally/messaging"
	"github.com/rally-im/go-rally/wire"
)

var (
	// ErrNotModified reports that group state is unchanged since the supplied
	// tag. It is a success-shaped no-op, not a failure.
	ErrNotModified = errors.New("relay: not modified")
	// ErrNotFound reports that the addressed user or group does not exist.
	ErrNotFound = errors.New("relay: not found")
	// ErrUnauthorized reports that the caller may not perform the operation.
	ErrUnauthorized = errors.New("relay: unauthorized")
	// ErrGroupOutdated reports a tag mismatch on a group mutation. Callers
	// recover by reloading the group and retrying exactly once.
	ErrGroupOutdated = errors.New("relay: group outdated")
)

// EncryptedMembership is one member's record as stored by the relay: the
// member id in the clear for addressing, everything else encrypted under the
// group key.
type EncryptedMembership struct {
	UserID ids.ID
	Data   []byte
}

// GroupInternals is the authoritative group state held by the relay.
type GroupInternals struct {
	GroupID     ids.ID
	Tag         []byte
	Settings    []byte
	Memberships []EncryptedMembership
}

// Sendable is one outgoing group message before per-recipient envelope
// composition. Content carries the shared ciphertext body; the relay fills in
// each recipient's wrapped key and invitation from Recipients.
type Sendable struct {
	SenderID          ids.ID
	GroupID           ids.ID
	SelfCert          []byte
	ServerCert        []byte
	ClientTimestampMs int64
	CollapseID        string
	Priority          uint8
	TTLSec            uint32
	Content           *wire.EncryptedContent
	Recipients        []wire.Recipient
}

// Client is the relay API. All group-mutating calls take the caller's
// last-known tag and fail with ErrGroupOutdated on a mismatch; mutations
// return the new tag.
type Client interface {
	CreateUser(ctx context.Context, userID ids.ID, bundle *messaging.PrekeyBundle) error
	UpdateUser(ctx context.Context, userID ids.ID, bundle *messaging.PrekeyBundle) error
	// GetUser fetches a peer's published key material, consuming one of their
	// one-time prekeys if any remain.
	GetUser(ctx context.Context, userID ids.ID) (*messaging.PeerKeyBundle, error)
	CreateGroup(ctx context.Context, groupID ids.ID, settings []byte, membership EncryptedMembership) ([]byte, error)
	GetGroupInternals(ctx context.Context, groupID ids.ID, tag []byte) (*GroupInternals, error)
	// UpdateGroupMember upserts a membership record. A nil Data removes the
	// member.
	UpdateGroupMember(ctx context.Context, groupID ids.ID, tag []byte, membership EncryptedMembership) ([]byte, error)
	UpdateGroupSettings(ctx context.Context, groupID ids.ID, tag, settings []byte) ([]byte, error)
	DeleteGroup(ctx context.Context, groupID ids.ID, tag []byte) error
	SendMessage(ctx context.Context, s *Sendable) error
	// GetMessages drains the caller's mailbox.
	GetMessages(ctx context.Context, userID ids.ID) ([]*wire.Envelope, error)
	// RenewCertificate submits a fresh self-signed membership certificate and
	// returns the server countersignature for it.
	RenewCertificate(ctx context.Context, userID, groupID ids.ID, selfCert []byte) ([]byte, error)
	// Verify asks the relay to push a device-verification proof back through
	// the caller's mailbox.
	Verify(ctx context.Context, userID ids.ID, deviceID, platform string) error
}
