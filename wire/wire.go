// Package wire defines the envelope and payload formats exchanged through the
// relay. Everything here is CBOR-encoded; payloads are a tagged union keyed by
// a stable type discriminator so unrecognized types decode to an Unknown
// variant instead of failing.
package wire

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/rally-im/go-rally/ids"
)

const (
	TypeChatMessage           = "chat_message"
	TypeLocationUpdate        = "location_update"
	TypeGroupUpdate           = "group_update"
	TypeLocationSharingUpdate = "location_sharing_update"
	TypeGroupInvite           = "group_invite"
	TypeResetConversation     = "reset_conversation"
	TypeVerification          = "verification"
)

// Group lifecycle notification kinds. These are signals to re-fetch
// authoritative group state, never applied directly.
const (
	GroupUpdateMemberAdded       = "MEMBER_ADDED"
	GroupUpdateMemberDeleted     = "MEMBER_DELETED"
	GroupUpdateSettingsUpdated   = "SETTINGS_UPDATED"
	GroupUpdateChildGroupCreated = "CHILD_GROUP_CREATED"
	GroupUpdateChildGroupDeleted = "CHILD_GROUP_DELETED"
	GroupUpdateGroupDeleted      = "GROUP_DELETED"
)

// RatchetMessage is one double-ratchet message: the header fields plus the
// ciphertext body.
type RatchetMessage struct {
	DH   []byte `cbor:"1,keyasint"`
	N    uint32 `cbor:"2,keyasint"`
	PN   uint32 `cbor:"3,keyasint"`
	Body []byte `cbor:"4,keyasint"`
}

// Invitation carries the initiator's half of a handshake: the keys the
// responder needs to derive the shared secret for a new conversation.
type Invitation struct {
	ConversationID ids.ID `cbor:"1,keyasint"`
	IdentityKey    []byte `cbor:"2,keyasint"`
	EphemeralKey   []byte `cbor:"3,keyasint"`
	SignedPrekey   []byte `cbor:"4,keyasint"`
	OneTimePrekey  []byte `cbor:"5,keyasint,omitempty"`
}

// EncryptedContent is the hybrid body of a group message: one ciphertext
// shared by all recipients, encrypted under a random message key which is
// itself ratchet-wrapped per recipient.
type EncryptedContent struct {
	WrappedKey RatchetMessage `cbor:"1,keyasint"`
	Body       []byte         `cbor:"2,keyasint"`
}

// Recipient is one fan-out target of an outgoing group message.
type Recipient struct {
	UserID         ids.ID         `cbor:"1,keyasint"`
	ConversationID ids.ID         `cbor:"2,keyasint"`
	WrappedKey     RatchetMessage `cbor:"3,keyasint"`
	Invitation     *Invitation    `cbor:"4,keyasint,omitempty"`
}

// Envelope is the unit delivered by the relay. Content is end-to-end
// encrypted; SystemPayload is plaintext and only ever set by the relay itself
// (device verification pushes).
type Envelope struct {
	ID                ids.ID            `cbor:"1,keyasint"`
	SenderID          ids.ID            `cbor:"2,keyasint"`
	ConversationID    ids.ID            `cbor:"3,keyasint"`
	GroupID           ids.ID            `cbor:"4,keyasint"`
	SelfCert          []byte            `cbor:"5,keyasint,omitempty"`
	ServerCert        []byte            `cbor:"6,keyasint,omitempty"`
	ServerTimestampMs int64             `cbor:"7,keyasint"`
	ClientTimestampMs int64             `cbor:"8,keyasint"`
	CollapseID        string            `cbor:"9,keyasint,omitempty"`
	Invitation        *Invitation       `cbor:"10,keyasint,omitempty"`
	Content           *EncryptedContent `cbor:"11,keyasint,omitempty"`
	SystemPayload     []byte            `cbor:"12,keyasint,omitempty"`
}

// PayloadContainer tags an encoded payload with its type discriminator.
type PayloadContainer struct {
	Type string          `cbor:"1,keyasint"`
	Body cbor.RawMessage `cbor:"2,keyasint"`
}

// PayloadMetaInfo is delivery metadata handed to receivers alongside a
// decoded payload.
type PayloadMetaInfo struct {
	SenderID          ids.ID
	GroupID           ids.ID
	ConversationID    ids.ID
	ServerTimestampMs int64
	ClientTimestampMs int64
}

type Payload interface {
	PayloadType() string
}

type ChatMessage struct {
	GroupID ids.ID `cbor:"1,keyasint"`
	Body    string `cbor:"2,keyasint"`
	SentMs  int64  `cbor:"3,keyasint"`
}

func (c *ChatMessage) PayloadType() string { return TypeChatMessage }

type LocationUpdate struct {
	GroupID     ids.ID  `cbor:"1,keyasint"`
	Latitude    float64 `cbor:"2,keyasint"`
	Longitude   float64 `cbor:"3,keyasint"`
	Accuracy    float64 `cbor:"4,keyasint"`
	TimestampMs int64   `cbor:"5,keyasint"`
}

func (l *LocationUpdate) PayloadType() string { return TypeLocationUpdate }

type GroupUpdate struct {
	Kind         string `cbor:"1,keyasint"`
	GroupID      ids.ID `cbor:"2,keyasint"`
	ChildGroupID ids.ID `cbor:"3,keyasint"`
}

func (g *GroupUpdate) PayloadType() string { return TypeGroupUpdate }

type LocationSharingUpdate struct {
	GroupID      ids.ID `cbor:"1,keyasint"`
	UserID       ids.ID `cbor:"2,keyasint"`
	Enabled      bool   `cbor:"3,keyasint"`
	LastUpdateMs int64  `cbor:"4,keyasint"`
}

func (l *LocationSharingUpdate) PayloadType() string { return TypeLocationSharingUpdate }

// GroupInvite hands a new member everything needed to bootstrap a group
// locally: the id and the symmetric group key. It travels over the 1:1
// conversation only, never with a group claim on the envelope, since the
// invitee cannot validate group certificates yet.
type GroupInvite struct {
	GroupID  ids.ID `cbor:"1,keyasint"`
	ParentID ids.ID `cbor:"2,keyasint"`
	Kind     uint8  `cbor:"3,keyasint"`
	GroupKey []byte `cbor:"4,keyasint"`
}

func (g *GroupInvite) PayloadType() string { return TypeGroupInvite }

type ResetConversation struct {
	ConversationID ids.ID `cbor:"1,keyasint"`
}

func (r *ResetConversation) PayloadType() string { return TypeResetConversation }

type VerificationMessage struct {
	DeviceID string `cbor:"1,keyasint"`
	Proof    []byte `cbor:"2,keyasint"`
}

func (v *VerificationMessage) PayloadType() string { return TypeVerification }

// Unknown preserves a payload whose discriminator this build doesn't
// recognize.
type Unknown struct {
	Type string
	Body []byte
}

func (u *Unknown) PayloadType() string { return u.Type }

func EncodeEnvelope(e *Envelope) ([]byte, error) {
	b, err := cbor.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("wire: error encoding envelope: %w", err)
	}
	return b, nil
}

func DecodeEnvelope(b []byte) (*Envelope, error) {
	var e Envelope
	if err := cbor.Unmarshal(b, &e); err != nil {
		return nil, fmt.Errorf("wire: error decoding envelope: %w", err)
	}
	return &e, nil
}

// NewContainer encodes a payload into a typed container.
func NewContainer(p Payload) (*PayloadContainer, error) {
	b, err := cbor.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("wire: error encoding %s payload: %w", p.PayloadType(), err)
	}
	return &PayloadContainer{Type: p.PayloadType(), Body: b}, nil
}

func EncodeContainer(p Payload) ([]byte, error) {
	c, err := NewContainer(p)
	if err != nil {
		return nil, err
	}
	b, err := cbor.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("wire: error encoding container: %w", err)
	}
	return b, nil
}

// DecodeContainer decodes a container and its payload. Unrecognized
// discriminators decode to *Unknown rather than erroring; malformed bodies
// error.
func DecodeContainer(b []byte) (Payload, error) {
	var c PayloadContainer
	if err := cbor.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("wire: error decoding container: %w", err)
	}
	return DecodePayload(&c)
}

func DecodePayload(c *PayloadContainer) (Payload, error) {
	var p Payload
	switch c.Type {
	case TypeChatMessage:
		p = &ChatMessage{}
	case TypeLocationUpdate:
		p = &LocationUpdate{}
	case TypeGroupUpdate:
		p = &GroupUpdate{}
	case TypeLocationSharingUpdate:
		p = &LocationSharingUpdate{}
	case TypeGroupInvite:
		p = &GroupInvite{}
	case TypeResetConversation:
		p = &ResetConversation{}
	case TypeVerification:
		p = &VerificationMessage{}
	default:
		return &Unknown{Type: c.Type, Body: c.Body}, nil
	}
	if err := cbor.Unmarshal(c.Body, p); err != nil {
		return nil, fmt.Errorf("wire: error decoding %s payload: %w", c.Type, err)
	}
	return p, nil
}
