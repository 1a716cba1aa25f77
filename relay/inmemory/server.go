// Package inmemory is a complete in-process relay used by tests and the
// end-to-end scenario. It implements the same tag-guarded optimistic
// concurrency and mailbox semantics a real relay provides, minus the network.
package inmemory

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"sort"
	"sync"

	"github.com/rally-im/go-rally/auth"
	"github.com/rally-im/go-rally/clock"
	"github.com/rally-im/go-rally/config"
	"github.com/rally-im/go-rally/ids"
	"github.com/rally-im/go-rally/messaging"
	"github.com/rally-im/go-rally/relay"
	"github.com/rally-im/go-rally/wire"
	"go.uber.org/zap"
)

type userRecord struct {
	bundle *messaging.PrekeyBundle
	inbox  []*wire.Envelope
	notify func()
}

type groupRecord struct {
	tag         []byte
	settings    []byte
	memberships map[ids.ID][]byte
}

// Server holds all relay state in memory behind one lock.
type Server struct {
	log         *zap.SugaredLogger
	config      *config.Config
	clock       clock.Clock
	authority   *auth.Authority
	signingPub  ed25519.PublicKey
	signingPriv ed25519.PrivateKey
	lock        sync.Mutex
	users       map[ids.ID]*userRecord
	groups      map[ids.ID]*groupRecord
}

var _ relay.Client = (*Server)(nil)

func NewServer(c *config.Config, cl clock.Clock) (*Server, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("inmemory: error generating server key: %w", err)
	}
	return &Server{
		log:         c.Logger("relay/inmemory"),
		config:      c,
		clock:       cl,
		authority:   auth.NewAuthority(c, cl),
		signingPub:  pub,
		signingPriv: priv,
		users:       make(map[ids.ID]*userRecord),
		groups:      make(map[ids.ID]*groupRecord),
	}, nil
}

// SigningKey is the key clients validate server-countersigned certificates
// against.
func (s *Server) SigningKey() ed25519.PublicKey {
	return s.signingPub
}

// Notify registers a callback fired whenever a new envelope lands in the
// user's mailbox, standing in for the push channel.
func (s *Server) Notify(userID ids.ID, f func()) {
	s.lock.Lock()
	defer s.lock.Unlock()
	u, ok := s.users[userID]
	if !ok {
		u = &userRecord{}
		s.users[userID] = u
	}
	u.notify = f
}

func (s *Server) CreateUser(_ context.Context, userID ids.ID, bundle *messaging.PrekeyBundle) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	u, ok := s.users[userID]
	if !ok {
		u = &userRecord{}
		s.users[userID] = u
	}
	u.bundle = bundle
	return nil
}

func (s *Server) UpdateUser(ctx context.Context, userID ids.ID, bundle *messaging.PrekeyBundle) error {
	return s.CreateUser(ctx, userID, bundle)
}

func (s *Server) GetUser(_ context.Context, userID ids.ID) (*messaging.PeerKeyBundle, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	u, ok := s.users[userID]
	if !ok || u.bundle == nil {
		return nil, fmt.Errorf("inmemory: getting user %s: %w", userID, relay.ErrNotFound)
	}
	peer := &messaging.PeerKeyBundle{
		UserID:                userID,
		IdentityKey:           u.bundle.IdentityKey,
		SigningKey:            u.bundle.SigningKey,
		SignedPrekey:          u.bundle.SignedPrekey,
		SignedPrekeySignature: u.bundle.SignedPrekeySignature,
	}
	if len(u.bundle.OneTimePrekeys) != 0 {
		peer.OneTimePrekey = u.bundle.OneTimePrekeys[0]
		u.bundle.OneTimePrekeys = u.bundle.OneTimePrekeys[1:]
	}
	return peer, nil
}

func (s *Server) CreateGroup(_ context.Context, groupID ids.ID, settings []byte, membership relay.EncryptedMembership) ([]byte, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if _, ok := s.groups[groupID]; ok {
		return nil, fmt.Errorf("inmemory: creating group %s: %w", groupID, relay.ErrUnauthorized)
	}
	g := &groupRecord{
		tag:         newTag(),
		settings:    settings,
		memberships: map[ids.ID][]byte{membership.UserID: membership.Data},
	}
	s.groups[groupID] = g
	return g.tag, nil
}

func (s *Server) GetGroupInternals(_ context.Context, groupID ids.ID, tag []byte) (*relay.GroupInternals, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	g, ok := s.groups[groupID]
	if !ok {
		return nil, fmt.Errorf("inmemory: getting group %s: %w", groupID, relay.ErrNotFound)
	}
	if len(tag) != 0 && string(tag) == string(g.tag) {
		return nil, relay.ErrNotModified
	}
	internals := &relay.GroupInternals{
		GroupID:  groupID,
		Tag:      g.tag,
		Settings: g.settings,
	}
	for userID, data := range g.memberships {
		internals.Memberships = append(internals.Memberships, relay.EncryptedMembership{UserID: userID, Data: data})
	}
	sort.Slice(internals.Memberships, func(i, j int) bool {
		return internals.Memberships[i].UserID.String() < internals.Memberships[j].UserID.String()
	})
	return internals, nil
}

func (s *Server) UpdateGroupMember(_ context.Context, groupID ids.ID, tag []byte, membership relay.EncryptedMembership) ([]byte, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	g, ok := s.groups[groupID]
	if !ok {
		return nil, fmt.Errorf("inmemory: updating member in group %s: %w", groupID, relay.ErrNotFound)
	}
	if string(tag) != string(g.tag) {
		return nil, fmt.Errorf("inmemory: updating member in group %s: %w", groupID, relay.ErrGroupOutdated)
	}
	if membership.Data == nil {
		delete(g.memberships, membership.UserID)
	} else {
		g.memberships[membership.UserID] = membership.Data
	}
	g.tag = newTag()
	return g.tag, nil
}

func (s *Server) UpdateGroupSettings(_ context.Context, groupID ids.ID, tag, settings []byte) ([]byte, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	g, ok := s.groups[groupID]
	if !ok {
		return nil, fmt.Errorf("inmemory: updating settings of group %s: %w", groupID, relay.ErrNotFound)
	}
	if string(tag) != string(g.tag) {
		return nil, fmt.Errorf("inmemory: updating settings of group %s: %w", groupID, relay.ErrGroupOutdated)
	}
	g.settings = settings
	g.tag = newTag()
	return g.tag, nil
}

func (s *Server) DeleteGroup(_ context.Context, groupID ids.ID, tag []byte) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	g, ok := s.groups[groupID]
	if !ok {
		return fmt.Errorf("inmemory: deleting group %s: %w", groupID, relay.ErrNotFound)
	}
	if string(tag) != string(g.tag) {
		return fmt.Errorf("inmemory: deleting group %s: %w", groupID, relay.ErrGroupOutdated)
	}
	delete(s.groups, groupID)
	return nil
}

func (s *Server) SendMessage(_ context.Context, sendable *relay.Sendable) error {
	s.lock.Lock()
	notifiers := make([]func(), 0, len(sendable.Recipients))
	for _, r := range sendable.Recipients {
		u, ok := s.users[r.UserID]
		if !ok {
			s.lock.Unlock()
			return fmt.Errorf("inmemory: sending to user %s: %w", r.UserID, relay.ErrNotFound)
		}
		env := &wire.Envelope{
			ID:                ids.NewID(),
			SenderID:          sendable.SenderID,
			ConversationID:    r.ConversationID,
			GroupID:           sendable.GroupID,
			SelfCert:          sendable.SelfCert,
			ServerCert:        sendable.ServerCert,
			ServerTimestampMs: int64(s.clock.CurrentTimeMs()),
			ClientTimestampMs: sendable.ClientTimestampMs,
			CollapseID:        sendable.CollapseID,
			Invitation:        r.Invitation,
			Content: &wire.EncryptedContent{
				WrappedKey: r.WrappedKey,
				Body:       sendable.Content.Body,
			},
		}
		s.deliverLocked(u, env)
		if u.notify != nil {
			notifiers = append(notifiers, u.notify)
		}
	}
	s.lock.Unlock()
	for _, f := range notifiers {
		f()
	}
	return nil
}

// deliverLocked appends an envelope, collapsing any pending envelope from the
// same sender with the same collapse id.
func (s *Server) deliverLocked(u *userRecord, env *wire.Envelope) {
	if env.CollapseID != "" {
		for i, pending := range u.inbox {
			if pending.SenderID == env.SenderID && pending.CollapseID == env.CollapseID {
				u.inbox[i] = env
				return
			}
		}
	}
	u.inbox = append(u.inbox, env)
}

func (s *Server) GetMessages(_ context.Context, userID ids.ID) ([]*wire.Envelope, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return nil, fmt.Errorf("inmemory: fetching messages for user %s: %w", userID, relay.ErrNotFound)
	}
	envelopes := u.inbox
	u.inbox = nil
	return envelopes, nil
}

func (s *Server) RenewCertificate(_ context.Context, userID, groupID ids.ID, selfCert []byte) ([]byte, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	u, ok := s.users[userID]
	if !ok || u.bundle == nil {
		return nil, fmt.Errorf("inmemory: renewing certificate for user %s: %w", userID, relay.ErrNotFound)
	}
	// the caller vouches for the subject: admins issue certificates for
	// other members under their own signing key, so the subject may differ
	// from the caller
	subject, group, admin, err := s.authority.Subject(selfCert, u.bundle.SigningKey)
	if err != nil {
		return nil, fmt.Errorf("inmemory: renewing certificate for user %s: %w", userID, relay.ErrUnauthorized)
	}
	if group != groupID {
		return nil, fmt.Errorf("inmemory: renewing certificate for user %s: %w", userID, relay.ErrUnauthorized)
	}
	if _, err := s.authority.Validate(selfCert, u.bundle.SigningKey); err != nil {
		return nil, fmt.Errorf("inmemory: renewing certificate for user %s: %w", userID, relay.ErrUnauthorized)
	}
	serverCert, err := s.authority.Issue(subject, group, admin, s.signingPriv)
	if err != nil {
		return nil, fmt.Errorf("inmemory: countersigning certificate for user %s: %w", userID, err)
	}
	return serverCert, nil
}

func (s *Server) Verify(_ context.Context, userID ids.ID, deviceID, platform string) error {
	proof := make([]byte, 32)
	if _, err := rand.Read(proof); err != nil {
		return fmt.Errorf("inmemory: error making proof: %w", err)
	}
	payload, err := wire.EncodeContainer(&wire.VerificationMessage{DeviceID: deviceID, Proof: proof})
	if err != nil {
		return fmt.Errorf("inmemory: error encoding verification: %w", err)
	}
	s.lock.Lock()
	u, ok := s.users[userID]
	if !ok {
		s.lock.Unlock()
		return fmt.Errorf("inmemory: verifying device for user %s: %w", userID, relay.ErrNotFound)
	}
	s.log.Debugf("pushing %s verification for device %s", platform, deviceID)
	u.inbox = append(u.inbox, &wire.Envelope{
		ID:                ids.NewID(),
		ServerTimestampMs: int64(s.clock.CurrentTimeMs()),
		SystemPayload:     payload,
	})
	notify := u.notify
	s.lock.Unlock()
	if notify != nil {
		notify()
	}
	return nil
}

func newTag() []byte {
	id := ids.NewID()
	return id[:]
}
