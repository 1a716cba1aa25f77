// Package group synchronizes team and meetup state against the relay. Group
// state lives server-side as opaque blobs encrypted under a shared group key,
// guarded by an opaque tag which changes on every accepted mutation. Local
// state is a cache: lifecycle notifications are only signals to reload, the
// relay's tagged internals are the single source of truth.
package group

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/rally-im/go-rally/auth"
	"github.com/rally-im/go-rally/clock"
	"github.com/rally-im/go-rally/config"
	"github.com/rally-im/go-rally/crypto"
	"github.com/rally-im/go-rally/ids"
	idb "github.com/rally-im/go-rally/internal/db"
	"github.com/rally-im/go-rally/messaging"
	"github.com/rally-im/go-rally/relay"
	"github.com/rally-im/go-rally/wire"
	"go.uber.org/zap"
	"golang.org/x/exp/maps"
)

var (
	ErrGroupNotFound = errors.New("group: not found")
	ErrNotAdmin      = errors.New("group: not an admin")
)

// settingsBody is the group settings blob, sealed under the group key with
// the group id as associated data.
type settingsBody struct {
	Name     string `cbor:"1,keyasint"`
	JoinMode uint8  `cbor:"2,keyasint"`
	OwnerID  ids.ID `cbor:"3,keyasint"`
	ChildID  ids.ID `cbor:"4,keyasint"`
	ChildKey []byte `cbor:"5,keyasint,omitempty"`
}

// membershipBody is one member's record, sealed under the group key with the
// group and member ids as associated data. Certificates validate against
// IssuerKey: the signing key of whichever member issued them.
type membershipBody struct {
	SigningKey []byte `cbor:"1,keyasint"`
	IssuerKey  []byte `cbor:"2,keyasint"`
	Admin      bool   `cbor:"3,keyasint"`
	SelfCert   []byte `cbor:"4,keyasint"`
	ServerCert []byte `cbor:"5,keyasint"`
}

// Sender transmits a payload to the given members over their 1:1
// conversations. A zero group id sends without a group claim on the envelope.
type Sender func(ctx context.Context, groupID ids.ID, payload wire.Payload, recipients []ids.ID) error

// Group is the read view handed to callers.
type Group struct {
	ID       ids.ID
	Kind     uint8
	Name     string
	OwnerID  ids.ID
	JoinMode uint8
	ParentID ids.ID
	ChildID  ids.ID
	State    uint8
}

// LocationSharing is one member's sharing state within a group.
type LocationSharing struct {
	UserID       ids.ID
	GroupID      ids.ID
	Enabled      bool
	LastUpdateMs int64
}

type Manager struct {
	log        *zap.SugaredLogger
	config     *config.Config
	clock      clock.Clock
	db         *database
	client     relay.Client
	engine     *messaging.Engine
	authority  *auth.Authority
	serverKey  ed25519.PublicKey
	send       Sender
	lock       sync.Mutex
	groupLocks map[ids.ID]*sync.Mutex
}

func NewManager(c *config.Config, cl clock.Clock, internalDB *idb.Database, client relay.Client, engine *messaging.Engine, authority *auth.Authority, serverKey ed25519.PublicKey, send Sender) (*Manager, error) {
	d, err := newDatabase(internalDB)
	if err != nil {
		return nil, fmt.Errorf("group: error making database: %w", err)
	}
	return &Manager{
		log:        c.Logger("group/manager"),
		config:     c,
		clock:      cl,
		db:         d,
		client:     client,
		engine:     engine,
		authority:  authority,
		serverKey:  serverKey,
		send:       send,
		groupLocks: make(map[ids.ID]*sync.Mutex),
	}, nil
}

// lockGroup serializes reconciliation per group. Tag-based optimistic
// concurrency needs read-modify-write atomicity within this process.
func (m *Manager) lockGroup(id ids.ID) func() {
	m.lock.Lock()
	l, ok := m.groupLocks[id]
	if !ok {
		l = &sync.Mutex{}
		m.groupLocks[id] = l
	}
	m.lock.Unlock()
	l.Lock()
	return l.Unlock
}

// SigningKey resolves the key a member's certificates validate against.
// Runs inside the caller's transaction.
func (m *Manager) SigningKey(groupID, userID ids.ID) (ed25519.PublicKey, error) {
	mem, err := m.db.membership(userID, groupID)
	if err != nil {
		return nil, err
	}
	if mem == nil {
		return nil, fmt.Errorf("group: no membership for user %s in group %s", userID, groupID)
	}
	return ed25519.PublicKey(mem.IssuerKey), nil
}

// Group returns the local view of a group. Runs inside the caller's
// transaction.
func (m *Manager) Group(id ids.ID) (*Group, error) {
	g, err := m.db.group(id)
	if err != nil {
		return nil, err
	}
	if g == nil {
		return nil, fmt.Errorf("group: getting group %s: %w", id, ErrGroupNotFound)
	}
	return viewOf(g), nil
}

// Groups lists all non-deleted groups. Runs inside the caller's transaction.
func (m *Manager) Groups() ([]*Group, error) {
	records, err := m.db.groups()
	if err != nil {
		return nil, err
	}
	groups := make([]*Group, len(records))
	for i, g := range records {
		groups[i] = viewOf(g)
	}
	return groups, nil
}

// MemberIDs lists the members of a group, optionally without the local user.
// Runs inside the caller's transaction.
func (m *Manager) MemberIDs(groupID ids.ID, excludeSelf bool) ([]ids.ID, error) {
	self, err := m.selfID()
	if err != nil {
		return nil, err
	}
	members, err := m.db.memberships(groupID)
	if err != nil {
		return nil, err
	}
	memberIDs := make([]ids.ID, 0, len(members))
	for _, mem := range members {
		id := ids.IDFromBytes(mem.UserID)
		if excludeSelf && id == self {
			continue
		}
		memberIDs = append(memberIDs, id)
	}
	return memberIDs, nil
}

// OwnCertificates returns the local user's certificates for a group. Runs
// inside the caller's transaction.
func (m *Manager) OwnCertificates(groupID ids.ID) (selfCert, serverCert []byte, err error) {
	self, err := m.selfID()
	if err != nil {
		return nil, nil, err
	}
	mem, err := m.db.membership(self, groupID)
	if err != nil {
		return nil, nil, err
	}
	if mem == nil {
		return nil, nil, fmt.Errorf("group: no own membership in group %s", groupID)
	}
	return mem.SelfCert, mem.ServerCert, nil
}

// LocationSharingStates lists sharing state for a group. Runs inside the
// caller's transaction.
func (m *Manager) LocationSharingStates(groupID ids.ID) ([]*LocationSharing, error) {
	records, err := m.db.locationSharing(groupID)
	if err != nil {
		return nil, err
	}
	states := make([]*LocationSharing, len(records))
	for i, r := range records {
		states[i] = &LocationSharing{
			UserID:       ids.IDFromBytes(r.UserID),
			GroupID:      ids.IDFromBytes(r.GroupID),
			Enabled:      r.Enabled,
			LastUpdateMs: r.LastUpdateMs,
		}
	}
	return states, nil
}

// ApplyLocationSharing applies an incoming sharing update with last-write-wins
// by sender timestamp, reporting whether it superseded the stored state. Runs
// inside the caller's transaction.
func (m *Manager) ApplyLocationSharing(u *wire.LocationSharingUpdate) (bool, error) {
	return m.db.upsertLocationSharingIfNewer(&locationSharingRecord{
		UserID:       u.UserID[:],
		GroupID:      u.GroupID[:],
		Enabled:      u.Enabled,
		LastUpdateMs: u.LastUpdateMs,
	})
}

// HandleGroupInvite bootstraps a group the local user was just invited to.
// Runs inside the caller's transaction; the first reload is scheduled after
// commit.
func (m *Manager) HandleGroupInvite(invite *wire.GroupInvite) error {
	g, err := m.db.group(invite.GroupID)
	if err != nil {
		return err
	}
	if g != nil {
		return nil
	}
	if err := m.db.insertGroup(&groupRecord{
		ID:       invite.GroupID[:],
		Kind:     invite.Kind,
		GroupKey: invite.GroupKey,
		OwnerID:  ids.Zero[:],
		ParentID: invite.ParentID[:],
		ChildID:  ids.Zero[:],
		State:    StateUnsynced,
		CtimeSec: m.clock.CurrentTimeSec(),
	}); err != nil {
		return err
	}
	m.scheduleReload(invite.GroupID)
	return nil
}

// HandleGroupUpdate reacts to a lifecycle notification by scheduling a reload
// of the affected groups after commit. The notification body is never applied
// directly. Runs inside the caller's transaction.
func (m *Manager) HandleGroupUpdate(u *wire.GroupUpdate) error {
	m.scheduleReload(u.GroupID)
	if !u.ChildGroupID.IsZero() {
		m.scheduleReload(u.ChildGroupID)
	}
	return nil
}

func (m *Manager) scheduleReload(groupID ids.ID) {
	m.db.AfterCommit(func() {
		if err := m.Reload(context.Background(), groupID); err != nil {
			m.log.Warnf("error reloading group %s: %s", groupID, err)
		}
	})
}

// CreateTeam makes a new team owned by the local user and registers it with
// the relay.
func (m *Manager) CreateTeam(ctx context.Context, name string) (ids.ID, error) {
	return m.createGroup(ctx, KindTeam, name, ids.Zero)
}

// CreateMeetup makes a meetup linked to a team, registers it with the relay
// and publishes the link through the team settings so members pick it up on
// reload. A team has at most one active meetup.
func (m *Manager) CreateMeetup(ctx context.Context, teamID ids.ID, name string) (ids.ID, error) {
	unlock := m.lockGroup(teamID)
	defer unlock()

	var team *groupRecord
	if err := m.db.Run("read team", func() error {
		var err error
		team, err = m.readAdminGroup(teamID)
		return err
	}); err != nil {
		return ids.Zero, err
	}
	if team.Kind != KindTeam {
		return ids.Zero, fmt.Errorf("group: group %s is not a team", teamID)
	}

	meetupID, err := m.createGroup(ctx, KindMeetup, name, teamID)
	if err != nil {
		return ids.Zero, err
	}
	var meetup *groupRecord
	if err := m.db.Run("read meetup", func() error {
		var err error
		meetup, err = m.db.group(meetupID)
		return err
	}); err != nil {
		return ids.Zero, err
	}

	teamTag, err := m.withTagRetry(ctx, teamID, func(g *groupRecord) ([]byte, error) {
		settings, err := sealSettings(g.GroupKey, teamID, &settingsBody{
			Name:     g.Name,
			JoinMode: g.JoinMode,
			OwnerID:  ids.IDFromBytes(g.OwnerID),
			ChildID:  meetupID,
			ChildKey: meetup.GroupKey,
		})
		if err != nil {
			return nil, err
		}
		return m.client.UpdateGroupSettings(ctx, teamID, g.Tag, settings)
	})
	if err != nil {
		return ids.Zero, err
	}
	if err := m.db.Run("link meetup", func() error {
		g, err := m.db.group(teamID)
		if err != nil {
			return err
		}
		g.ChildID = meetupID[:]
		g.Tag = teamTag
		return m.db.updateGroup(g)
	}); err != nil {
		return ids.Zero, err
	}
	if err := m.notifyMembers(ctx, teamID, &wire.GroupUpdate{Kind: wire.GroupUpdateChildGroupCreated, GroupID: teamID, ChildGroupID: meetupID}); err != nil {
		m.log.Warnf("error notifying members of group %s: %s", teamID, err)
	}
	return meetupID, nil
}

func (m *Manager) createGroup(ctx context.Context, kind uint8, name string, parentID ids.ID) (ids.ID, error) {
	groupID := ids.NewID()
	groupKey, err := crypto.NewSymmetricKey()
	if err != nil {
		return ids.Zero, fmt.Errorf("group: error making group key: %w", err)
	}

	var ident *messaging.Identity
	if err := m.db.Run("read identity", func() error {
		var err error
		ident, err = m.engine.Identity()
		return err
	}); err != nil {
		return ids.Zero, err
	}

	selfCert, err := m.authority.Issue(ident.UserID, groupID, true, ident.SigningPriv)
	if err != nil {
		return ids.Zero, err
	}
	serverCert, err := m.client.RenewCertificate(ctx, ident.UserID, groupID, selfCert)
	if err != nil {
		return ids.Zero, fmt.Errorf("group: error countersigning certificate: %w", err)
	}

	body := &membershipBody{
		SigningKey: ident.SigningPub,
		IssuerKey:  ident.SigningPub,
		Admin:      true,
		SelfCert:   selfCert,
		ServerCert: serverCert,
	}
	memberData, err := sealMembership(groupKey, groupID, ident.UserID, body)
	if err != nil {
		return ids.Zero, err
	}
	settings, err := sealSettings(groupKey, groupID, &settingsBody{Name: name, OwnerID: ident.UserID})
	if err != nil {
		return ids.Zero, err
	}
	tag, err := m.client.CreateGroup(ctx, groupID, settings, relay.EncryptedMembership{UserID: ident.UserID, Data: memberData})
	if err != nil {
		return ids.Zero, fmt.Errorf("group: error creating group: %w", err)
	}

	if err := m.db.Run("create group", func() error {
		if err := m.db.insertGroup(&groupRecord{
			ID:       groupID[:],
			Kind:     kind,
			Name:     name,
			GroupKey: groupKey,
			OwnerID:  ident.UserID[:],
			Tag:      tag,
			ParentID: parentID[:],
			ChildID:  ids.Zero[:],
			State:    StateSynced,
			CtimeSec: m.clock.CurrentTimeSec(),
		}); err != nil {
			return err
		}
		return m.db.upsertMembership(&membershipRecord{
			UserID:     ident.UserID[:],
			GroupID:    groupID[:],
			SigningKey: body.SigningKey,
			IssuerKey:  body.IssuerKey,
			Admin:      true,
			SelfCert:   selfCert,
			ServerCert: serverCert,
			CtimeSec:   m.clock.CurrentTimeSec(),
		})
	}); err != nil {
		return ids.Zero, err
	}
	return groupID, nil
}

// Invite adds a user to a group: issues their certificates, registers their
// membership with the relay, hands them the group key over the 1:1
// conversation and signals the rest of the group to reload.
func (m *Manager) Invite(ctx context.Context, groupID, userID ids.ID) error {
	unlock := m.lockGroup(groupID)
	defer unlock()

	var g *groupRecord
	var ident *messaging.Identity
	if err := m.db.Run("read group", func() error {
		var err error
		if g, err = m.readAdminGroup(groupID); err != nil {
			return err
		}
		ident, err = m.engine.Identity()
		return err
	}); err != nil {
		return err
	}

	peer, err := m.client.GetUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("group: error fetching user %s: %w", userID, err)
	}
	if err := m.db.Run("initiate conversation", func() error {
		_, ok, err := m.engine.ConversationWith(userID)
		if err != nil || ok {
			return err
		}
		_, err = m.engine.InitiateHandshake(peer, ids.NewID())
		return err
	}); err != nil {
		return err
	}

	selfCert, err := m.authority.Issue(userID, groupID, false, ident.SigningPriv)
	if err != nil {
		return err
	}
	serverCert, err := m.client.RenewCertificate(ctx, ident.UserID, groupID, selfCert)
	if err != nil {
		return fmt.Errorf("group: error countersigning certificate: %w", err)
	}
	body := &membershipBody{
		SigningKey: peer.SigningKey,
		IssuerKey:  ident.SigningPub,
		Admin:      false,
		SelfCert:   selfCert,
		ServerCert: serverCert,
	}
	memberData, err := sealMembership(g.GroupKey, groupID, userID, body)
	if err != nil {
		return err
	}

	tag, err := m.withTagRetry(ctx, groupID, func(g *groupRecord) ([]byte, error) {
		return m.client.UpdateGroupMember(ctx, groupID, g.Tag, relay.EncryptedMembership{UserID: userID, Data: memberData})
	})
	if err != nil {
		return err
	}

	if err := m.db.Run("add membership", func() error {
		if err := m.db.upsertMembership(&membershipRecord{
			UserID:     userID[:],
			GroupID:    groupID[:],
			SigningKey: body.SigningKey,
			IssuerKey:  body.IssuerKey,
			Admin:      false,
			SelfCert:   selfCert,
			ServerCert: serverCert,
			CtimeSec:   m.clock.CurrentTimeSec(),
		}); err != nil {
			return err
		}
		current, err := m.db.group(groupID)
		if err != nil {
			return err
		}
		current.Tag = tag
		return m.db.updateGroup(current)
	}); err != nil {
		return err
	}

	if err := m.send(ctx, ids.Zero, &wire.GroupInvite{
		GroupID:  groupID,
		ParentID: ids.IDFromBytes(g.ParentID),
		Kind:     g.Kind,
		GroupKey: g.GroupKey,
	}, []ids.ID{userID}); err != nil {
		return fmt.Errorf("group: error sending invite: %w", err)
	}
	if err := m.notifyMembers(ctx, groupID, &wire.GroupUpdate{Kind: wire.GroupUpdateMemberAdded, GroupID: groupID}); err != nil {
		m.log.Warnf("error notifying members of group %s: %s", groupID, err)
	}
	return nil
}

// UpdateSettings changes the group name and join mode, preserving the child
// link.
func (m *Manager) UpdateSettings(ctx context.Context, groupID ids.ID, name string, joinMode uint8) error {
	unlock := m.lockGroup(groupID)
	defer unlock()

	var childKey []byte
	if err := m.db.Run("read child", func() error {
		g, err := m.readAdminGroup(groupID)
		if err != nil {
			return err
		}
		childID := ids.IDFromBytes(g.ChildID)
		if childID.IsZero() {
			return nil
		}
		child, err := m.db.group(childID)
		if err != nil || child == nil {
			return err
		}
		childKey = child.GroupKey
		return nil
	}); err != nil {
		return err
	}

	tag, err := m.withTagRetry(ctx, groupID, func(g *groupRecord) ([]byte, error) {
		settings, err := sealSettings(g.GroupKey, groupID, &settingsBody{
			Name:     name,
			JoinMode: joinMode,
			OwnerID:  ids.IDFromBytes(g.OwnerID),
			ChildID:  ids.IDFromBytes(g.ChildID),
			ChildKey: childKey,
		})
		if err != nil {
			return nil, err
		}
		return m.client.UpdateGroupSettings(ctx, groupID, g.Tag, settings)
	})
	if err != nil {
		return err
	}

	if err := m.db.Run("update settings", func() error {
		g, err := m.db.group(groupID)
		if err != nil {
			return err
		}
		g.Name = name
		g.JoinMode = joinMode
		g.Tag = tag
		return m.db.updateGroup(g)
	}); err != nil {
		return err
	}
	if err := m.notifyMembers(ctx, groupID, &wire.GroupUpdate{Kind: wire.GroupUpdateSettingsUpdated, GroupID: groupID}); err != nil {
		m.log.Warnf("error notifying members of group %s: %s", groupID, err)
	}
	return nil
}

// Leave removes the local user's membership and tombstones the group locally.
func (m *Manager) Leave(ctx context.Context, groupID ids.ID) error {
	unlock := m.lockGroup(groupID)
	defer unlock()

	var self ids.ID
	var others []ids.ID
	if err := m.db.Run("read members", func() error {
		var err error
		if self, err = m.selfID(); err != nil {
			return err
		}
		others, err = m.MemberIDs(groupID, true)
		return err
	}); err != nil {
		return err
	}

	if _, err := m.withTagRetry(ctx, groupID, func(g *groupRecord) ([]byte, error) {
		return m.client.UpdateGroupMember(ctx, groupID, g.Tag, relay.EncryptedMembership{UserID: self})
	}); err != nil {
		return err
	}

	if err := m.sendTo(ctx, groupID, &wire.GroupUpdate{Kind: wire.GroupUpdateMemberDeleted, GroupID: groupID}, others); err != nil {
		m.log.Warnf("error notifying members of group %s: %s", groupID, err)
	}
	return m.db.Run("leave group", func() error {
		return m.db.markGroupDeleted(groupID)
	})
}

// DeleteGroup removes the group at the relay. Only the owner may delete.
func (m *Manager) DeleteGroup(ctx context.Context, groupID ids.ID) error {
	unlock := m.lockGroup(groupID)
	defer unlock()

	var self ids.ID
	var others []ids.ID
	if err := m.db.Run("read group", func() error {
		g, err := m.db.group(groupID)
		if err != nil {
			return err
		}
		if g == nil {
			return fmt.Errorf("group: deleting group %s: %w", groupID, ErrGroupNotFound)
		}
		if self, err = m.selfID(); err != nil {
			return err
		}
		if ids.IDFromBytes(g.OwnerID) != self {
			return fmt.Errorf("group: deleting group %s: %w", groupID, ErrNotAdmin)
		}
		others, err = m.MemberIDs(groupID, true)
		return err
	}); err != nil {
		return err
	}

	var retryErr error
	if _, retryErr = m.withTagRetry(ctx, groupID, func(g *groupRecord) ([]byte, error) {
		return nil, m.client.DeleteGroup(ctx, groupID, g.Tag)
	}); retryErr != nil {
		return retryErr
	}

	if err := m.sendTo(ctx, groupID, &wire.GroupUpdate{Kind: wire.GroupUpdateGroupDeleted, GroupID: groupID}, others); err != nil {
		m.log.Warnf("error notifying members of group %s: %s", groupID, err)
	}
	return m.db.Run("delete group", func() error {
		return m.db.markGroupDeleted(groupID)
	})
}

// Reload fetches authoritative group state from the relay and reconciles
// local storage. A tag match short-circuits with zero local mutations; a
// relay-side deletion tombstones the group.
func (m *Manager) Reload(ctx context.Context, groupID ids.ID) error {
	unlock := m.lockGroup(groupID)
	defer unlock()
	return m.reload(ctx, groupID)
}

// reload is Reload without the group lock, for callers already holding it.
func (m *Manager) reload(ctx context.Context, groupID ids.ID) error {
	var g *groupRecord
	if err := m.db.Run("read group", func() error {
		var err error
		g, err = m.db.group(groupID)
		return err
	}); err != nil {
		return err
	}
	if g == nil {
		return fmt.Errorf("group: reloading group %s: %w", groupID, ErrGroupNotFound)
	}
	if g.State == StateDeleted {
		return nil
	}

	internals, err := m.client.GetGroupInternals(ctx, groupID, g.Tag)
	if errors.Is(err, relay.ErrNotModified) {
		return nil
	}
	if errors.Is(err, relay.ErrNotFound) {
		return m.db.Run("tombstone group", func() error {
			return m.db.markGroupDeleted(groupID)
		})
	}
	if err != nil {
		return fmt.Errorf("group: error reloading group %s: %w", groupID, err)
	}

	settings, err := openSettings(g.GroupKey, groupID, internals.Settings)
	if err != nil {
		return err
	}
	remote := make(map[ids.ID]*membershipBody, len(internals.Memberships))
	for _, em := range internals.Memberships {
		body, err := openMembership(g.GroupKey, groupID, em.UserID, em.Data)
		if err != nil {
			return err
		}
		remote[em.UserID] = body
	}

	// membership diff and tag commit atomically or not at all
	if err := m.db.Run("apply reload", func() error {
		current, err := m.db.group(groupID)
		if err != nil {
			return err
		}
		local, err := m.db.memberships(groupID)
		if err != nil {
			return err
		}
		diff := diffMemberships(local, remote)
		for _, userID := range diff.removed {
			if err := m.db.deleteMembership(userID, groupID); err != nil {
				return err
			}
		}
		for _, userID := range append(diff.added, diff.replaced...) {
			body := remote[userID]
			if err := m.db.upsertMembership(&membershipRecord{
				UserID:     userID[:],
				GroupID:    groupID[:],
				SigningKey: body.SigningKey,
				IssuerKey:  body.IssuerKey,
				Admin:      body.Admin,
				SelfCert:   body.SelfCert,
				ServerCert: body.ServerCert,
				CtimeSec:   m.clock.CurrentTimeSec(),
			}); err != nil {
				return err
			}
		}
		current.Name = settings.Name
		current.JoinMode = settings.JoinMode
		current.OwnerID = settings.OwnerID[:]
		current.ChildID = settings.ChildID[:]
		current.Tag = internals.Tag
		current.State = StateSynced
		return m.db.updateGroup(current)
	}); err != nil {
		return err
	}

	if !settings.ChildID.IsZero() && g.Kind == KindTeam {
		if err := m.AddOrReloadMeetup(ctx, settings.ChildID, groupID, settings.ChildKey); err != nil {
			m.log.Warnf("error reloading meetup %s: %s", settings.ChildID, err)
		}
	}
	return nil
}

// AddOrReloadMeetup makes sure the linked meetup exists locally, then reloads
// it.
func (m *Manager) AddOrReloadMeetup(ctx context.Context, meetupID, teamID ids.ID, meetupKey []byte) error {
	unlock := m.lockGroup(meetupID)
	defer unlock()

	if err := m.db.Run("ensure meetup", func() error {
		g, err := m.db.group(meetupID)
		if err != nil || g != nil {
			return err
		}
		return m.db.insertGroup(&groupRecord{
			ID:       meetupID[:],
			Kind:     KindMeetup,
			GroupKey: meetupKey,
			OwnerID:  ids.Zero[:],
			ParentID: teamID[:],
			ChildID:  ids.Zero[:],
			State:    StateUnsynced,
			CtimeSec: m.clock.CurrentTimeSec(),
		})
	}); err != nil {
		return err
	}
	return m.reload(ctx, meetupID)
}

// RenewCertificates renews every due membership certificate the local user is
// able to re-issue: their own everywhere, every member's where they are an
// admin. Per-membership failures are logged and skipped. Returns how many
// memberships were renewed.
func (m *Manager) RenewCertificates(ctx context.Context) (int, error) {
	var ident *messaging.Identity
	type candidate struct {
		groupID ids.ID
		userID  ids.ID
		admin   bool
	}
	var due []candidate
	if err := m.db.Run("find due certificates", func() error {
		var err error
		if ident, err = m.engine.Identity(); err != nil {
			return err
		}
		groups, err := m.db.groups()
		if err != nil {
			return err
		}
		for _, g := range groups {
			groupID := ids.IDFromBytes(g.ID)
			own, err := m.db.membership(ident.UserID, groupID)
			if err != nil {
				return err
			}
			if own == nil {
				continue
			}
			candidates := []*membershipRecord{own}
			if own.Admin {
				if candidates, err = m.db.memberships(groupID); err != nil {
					return err
				}
			}
			for _, mem := range candidates {
				isDue, err := m.membershipDue(mem)
				if err != nil {
					m.log.Warnf("error checking certificates for user %s in group %s: %s", ids.IDFromBytes(mem.UserID), groupID, err)
					continue
				}
				if isDue {
					due = append(due, candidate{groupID: groupID, userID: ids.IDFromBytes(mem.UserID), admin: mem.Admin})
				}
			}
		}
		return nil
	}); err != nil {
		return 0, err
	}

	renewed := 0
	for _, c := range due {
		if err := m.renewMembership(ctx, ident, c.groupID, c.userID, c.admin); err != nil {
			m.log.Warnf("error renewing membership for user %s in group %s: %s", c.userID, c.groupID, err)
			continue
		}
		renewed++
	}
	return renewed, nil
}

// membershipDue reports whether either certificate needs renewal. Either one
// being due renews both, since the server certificate countersigns the
// client-issued one.
func (m *Manager) membershipDue(mem *membershipRecord) (bool, error) {
	selfDue, err := m.authority.NeedsRenewal(mem.SelfCert, ed25519.PublicKey(mem.IssuerKey))
	if err != nil {
		return false, err
	}
	if selfDue {
		return true, nil
	}
	return m.authority.NeedsRenewal(mem.ServerCert, m.serverKey)
}

func (m *Manager) renewMembership(ctx context.Context, ident *messaging.Identity, groupID, userID ids.ID, admin bool) error {
	unlock := m.lockGroup(groupID)
	defer unlock()

	var g *groupRecord
	var mem *membershipRecord
	if err := m.db.Run("read membership", func() error {
		var err error
		if g, err = m.db.group(groupID); err != nil {
			return err
		}
		mem, err = m.db.membership(userID, groupID)
		return err
	}); err != nil {
		return err
	}
	if g == nil || mem == nil {
		return fmt.Errorf("group: renewing membership: %w", ErrGroupNotFound)
	}

	selfCert, err := m.authority.Issue(userID, groupID, admin, ident.SigningPriv)
	if err != nil {
		return err
	}
	serverCert, err := m.client.RenewCertificate(ctx, ident.UserID, groupID, selfCert)
	if err != nil {
		return fmt.Errorf("group: error countersigning certificate: %w", err)
	}
	body := &membershipBody{
		SigningKey: mem.SigningKey,
		IssuerKey:  ident.SigningPub,
		Admin:      admin,
		SelfCert:   selfCert,
		ServerCert: serverCert,
	}
	memberData, err := sealMembership(g.GroupKey, groupID, userID, body)
	if err != nil {
		return err
	}
	tag, err := m.withTagRetry(ctx, groupID, func(g *groupRecord) ([]byte, error) {
		return m.client.UpdateGroupMember(ctx, groupID, g.Tag, relay.EncryptedMembership{UserID: userID, Data: memberData})
	})
	if err != nil {
		return err
	}
	return m.db.Run("renew membership", func() error {
		mem.IssuerKey = body.IssuerKey
		mem.SelfCert = selfCert
		mem.ServerCert = serverCert
		if err := m.db.upsertMembership(mem); err != nil {
			return err
		}
		current, err := m.db.group(groupID)
		if err != nil {
			return err
		}
		current.Tag = tag
		return m.db.updateGroup(current)
	})
}

// withTagRetry runs a tag-guarded relay mutation, reloading and retrying
// exactly once on a tag mismatch. Callers hold the group lock.
func (m *Manager) withTagRetry(ctx context.Context, groupID ids.ID, f func(g *groupRecord) ([]byte, error)) ([]byte, error) {
	read := func() (*groupRecord, error) {
		var g *groupRecord
		err := m.db.Run("read tag", func() error {
			var err error
			g, err = m.db.group(groupID)
			return err
		})
		if err != nil {
			return nil, err
		}
		if g == nil {
			return nil, fmt.Errorf("group: mutating group %s: %w", groupID, ErrGroupNotFound)
		}
		return g, nil
	}

	g, err := read()
	if err != nil {
		return nil, err
	}
	tag, err := f(g)
	if !errors.Is(err, relay.ErrGroupOutdated) {
		return tag, err
	}
	if err := m.reload(ctx, groupID); err != nil {
		return nil, err
	}
	if g, err = read(); err != nil {
		return nil, err
	}
	return f(g)
}

func (m *Manager) notifyMembers(ctx context.Context, groupID ids.ID, u *wire.GroupUpdate) error {
	var others []ids.ID
	if err := m.db.Run("read members", func() error {
		var err error
		others, err = m.MemberIDs(groupID, true)
		return err
	}); err != nil {
		return err
	}
	return m.sendTo(ctx, groupID, u, others)
}

func (m *Manager) sendTo(ctx context.Context, groupID ids.ID, u *wire.GroupUpdate, recipients []ids.ID) error {
	if len(recipients) == 0 {
		return nil
	}
	return m.send(ctx, groupID, u, recipients)
}

func (m *Manager) selfID() (ids.ID, error) {
	ident, err := m.engine.Identity()
	if err != nil {
		return ids.Zero, err
	}
	return ident.UserID, nil
}

// readAdminGroup loads a group and checks the local user administers it.
// Runs inside the caller's transaction.
func (m *Manager) readAdminGroup(groupID ids.ID) (*groupRecord, error) {
	g, err := m.db.group(groupID)
	if err != nil {
		return nil, err
	}
	if g == nil {
		return nil, fmt.Errorf("group: getting group %s: %w", groupID, ErrGroupNotFound)
	}
	self, err := m.selfID()
	if err != nil {
		return nil, err
	}
	mem, err := m.db.membership(self, groupID)
	if err != nil {
		return nil, err
	}
	if mem == nil || !mem.Admin {
		return nil, fmt.Errorf("group: mutating group %s: %w", groupID, ErrNotAdmin)
	}
	return g, nil
}

type membershipsDiff struct {
	added    []ids.ID
	removed  []ids.ID
	replaced []ids.ID
}

func diffMemberships(local []*membershipRecord, remote map[ids.ID]*membershipBody) *membershipsDiff {
	diff := &membershipsDiff{}
	seen := make(map[ids.ID]bool, len(local))
	for _, mem := range local {
		userID := ids.IDFromBytes(mem.UserID)
		seen[userID] = true
		body, ok := remote[userID]
		switch {
		case !ok:
			diff.removed = append(diff.removed, userID)
		case !membershipEqual(mem, body):
			diff.replaced = append(diff.replaced, userID)
		}
	}
	for _, userID := range maps.Keys(remote) {
		if !seen[userID] {
			diff.added = append(diff.added, userID)
		}
	}
	return diff
}

func membershipEqual(mem *membershipRecord, body *membershipBody) bool {
	return string(mem.SigningKey) == string(body.SigningKey) &&
		string(mem.IssuerKey) == string(body.IssuerKey) &&
		mem.Admin == body.Admin &&
		string(mem.SelfCert) == string(body.SelfCert) &&
		string(mem.ServerCert) == string(body.ServerCert)
}

func viewOf(g *groupRecord) *Group {
	return &Group{
		ID:       ids.IDFromBytes(g.ID),
		Kind:     g.Kind,
		Name:     g.Name,
		OwnerID:  ids.IDFromBytes(g.OwnerID),
		JoinMode: g.JoinMode,
		ParentID: ids.IDFromBytes(g.ParentID),
		ChildID:  ids.IDFromBytes(g.ChildID),
		State:    g.State,
	}
}

func sealSettings(groupKey []byte, groupID ids.ID, body *settingsBody) ([]byte, error) {
	b, err := cbor.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("group: error encoding settings: %w", err)
	}
	sealed, err := crypto.SealWithKey(groupKey, b, groupID[:])
	if err != nil {
		return nil, fmt.Errorf("group: error sealing settings: %w", err)
	}
	return sealed, nil
}

func openSettings(groupKey []byte, groupID ids.ID, sealed []byte) (*settingsBody, error) {
	b, err := crypto.OpenWithKey(groupKey, sealed, groupID[:])
	if err != nil {
		return nil, fmt.Errorf("group: error opening settings: %w", err)
	}
	body := &settingsBody{}
	if err := cbor.Unmarshal(b, body); err != nil {
		return nil, fmt.Errorf("group: error decoding settings: %w", err)
	}
	return body, nil
}

func sealMembership(groupKey []byte, groupID, userID ids.ID, body *membershipBody) ([]byte, error) {
	b, err := cbor.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("group: error encoding membership: %w", err)
	}
	sealed, err := crypto.SealWithKey(groupKey, b, append(groupID[:], userID[:]...))
	if err != nil {
		return nil, fmt.Errorf("group: error sealing membership: %w", err)
	}
	return sealed, nil
}

func openMembership(groupKey []byte, groupID, userID ids.ID, sealed []byte) (*membershipBody, error) {
	b, err := crypto.OpenWithKey(groupKey, sealed, append(groupID[:], userID[:]...))
	if err != nil {
		return nil, fmt.Errorf("group: error opening membership: %w", err)
	}
	body := &membershipBody{}
	if err := cbor.Unmarshal(b, body); err != nil {
		return nil, fmt.Errorf("group: error decoding membership: %w", err)
	}
	return body, nil
}
