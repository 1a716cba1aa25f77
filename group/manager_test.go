package group

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/rally-im/go-rally/auth"
	"github.com/rally-im/go-rally/config"
	"github.com/rally-im/go-rally/ids"
	idb "github.com/rally-im/go-rally/internal/db"
	"github.com/rally-im/go-rally/internal/test"
	"github.com/rally-im/go-rally/messaging"
	"github.com/rally-im/go-rally/relay/inmemory"
	"github.com/rally-im/go-rally/wire"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	os.Exit(test.DBCleanup(m.Run))
}

type sentPayload struct {
	groupID    ids.ID
	payload    wire.Payload
	recipients []ids.ID
}

type stubSender struct {
	lock sync.Mutex
	sent []sentPayload
}

func (s *stubSender) send(_ context.Context, groupID ids.ID, payload wire.Payload, recipients []ids.ID) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.sent = append(s.sent, sentPayload{groupID: groupID, payload: payload, recipients: recipients})
	return nil
}

func (s *stubSender) byType(payloadType string) []sentPayload {
	s.lock.Lock()
	defer s.lock.Unlock()
	var matched []sentPayload
	for _, p := range s.sent {
		if p.payload.PayloadType() == payloadType {
			matched = append(matched, p)
		}
	}
	return matched
}

type testMember struct {
	userID    ids.ID
	manager   *Manager
	engine    *messaging.Engine
	db        *idb.Database
	clock     *test.Clock
	authority *auth.Authority
	sender    *stubSender
}

func newTestMember(t *testing.T, server *inmemory.Server, cl *test.Clock) *testMember {
	c := config.NewConfig()
	d := test.NewTestDatabase(c)
	engine, err := messaging.NewEngine(c, cl, d)
	require.NoError(t, err)
	authority := auth.NewAuthority(c, cl)

	userID := ids.NewID()
	var bundle *messaging.PrekeyBundle
	require.NoError(t, d.Run("create identity", func() error {
		if _, err := engine.Identity(); err != nil {
			return err
		}
		if err := engine.SetUserID(userID); err != nil {
			return err
		}
		bundle, err = engine.PrekeyBundle()
		return err
	}))
	require.NoError(t, server.CreateUser(context.Background(), userID, bundle))

	sender := &stubSender{}
	manager, err := NewManager(c, cl, d, server, engine, authority, server.SigningKey(), sender.send)
	require.NoError(t, err)
	return &testMember{
		userID:    userID,
		manager:   manager,
		engine:    engine,
		db:        d,
		clock:     cl,
		authority: authority,
		sender:    sender,
	}
}

func (m *testMember) shutdown(t *testing.T) {
	require.NoError(t, m.db.Shutdown())
}

func (m *testMember) groupRecord(t *testing.T, groupID ids.ID) *groupRecord {
	var g *groupRecord
	require.NoError(t, m.db.Run("read group", func() error {
		var err error
		g, err = m.manager.db.group(groupID)
		return err
	}))
	return g
}

func (m *testMember) membershipRecord(t *testing.T, userID, groupID ids.ID) *membershipRecord {
	var mem *membershipRecord
	require.NoError(t, m.db.Run("read membership", func() error {
		var err error
		mem, err = m.manager.db.membership(userID, groupID)
		return err
	}))
	return mem
}

func TestCreateTeamAndReloadIdempotence(t *testing.T) {
	cl := test.NewClock()
	server, err := inmemory.NewServer(config.NewConfig(), cl)
	require.NoError(t, err)
	alice := newTestMember(t, server, cl)
	defer alice.shutdown(t)
	ctx := context.Background()

	teamID, err := alice.manager.CreateTeam(ctx, "climbing club")
	require.NoError(t, err)

	g := alice.groupRecord(t, teamID)
	require.Equal(t, StateSynced, g.State)
	require.Equal(t, "climbing club", g.Name)

	// no server-side change: reload is a no-op, twice
	require.NoError(t, alice.manager.Reload(ctx, teamID))
	require.NoError(t, alice.manager.Reload(ctx, teamID))
	after := alice.groupRecord(t, teamID)
	require.Equal(t, g.Tag, after.Tag)

	mem := alice.membershipRecord(t, alice.userID, teamID)
	require.True(t, mem.Admin)
	_, err = alice.authority.Validate(mem.SelfCert, mem.IssuerKey)
	require.NoError(t, err)
	_, err = alice.authority.Validate(mem.ServerCert, server.SigningKey())
	require.NoError(t, err)
}

func TestInviteAndMemberBootstrap(t *testing.T) {
	cl := test.NewClock()
	server, err := inmemory.NewServer(config.NewConfig(), cl)
	require.NoError(t, err)
	alice := newTestMember(t, server, cl)
	bob := newTestMember(t, server, cl)
	defer alice.shutdown(t)
	defer bob.shutdown(t)
	ctx := context.Background()

	teamID, err := alice.manager.CreateTeam(ctx, "book club")
	require.NoError(t, err)
	require.NoError(t, alice.manager.Invite(ctx, teamID, bob.userID))

	// the invite payload went to bob over the 1:1 conversation, without a
	// group claim
	invites := alice.sender.byType(wire.TypeGroupInvite)
	require.Len(t, invites, 1)
	require.Equal(t, ids.Zero, invites[0].groupID)
	require.Equal(t, []ids.ID{bob.userID}, invites[0].recipients)
	invite := invites[0].payload.(*wire.GroupInvite)
	require.Equal(t, teamID, invite.GroupID)

	// bob bootstraps from the invite and reloads authoritative state
	require.NoError(t, bob.db.Run("handle invite", func() error {
		return bob.manager.HandleGroupInvite(invite)
	}))
	require.NoError(t, bob.manager.Reload(ctx, teamID))

	g := bob.groupRecord(t, teamID)
	require.Equal(t, StateSynced, g.State)
	require.Equal(t, "book club", g.Name)
	require.Equal(t, alice.userID[:], g.OwnerID)

	// bob's certificates validate against alice's issuer key
	mem := bob.membershipRecord(t, bob.userID, teamID)
	require.NotNil(t, mem)
	require.False(t, mem.Admin)
	_, err = bob.authority.Validate(mem.SelfCert, mem.IssuerKey)
	require.NoError(t, err)
	_, err = bob.authority.Validate(mem.ServerCert, server.SigningKey())
	require.NoError(t, err)
	require.NotNil(t, bob.membershipRecord(t, alice.userID, teamID))
}

func TestUpdateSettingsTagRetry(t *testing.T) {
	cl := test.NewClock()
	server, err := inmemory.NewServer(config.NewConfig(), cl)
	require.NoError(t, err)
	alice := newTestMember(t, server, cl)
	defer alice.shutdown(t)
	ctx := context.Background()

	teamID, err := alice.manager.CreateTeam(ctx, "runners")
	require.NoError(t, err)

	// bump the tag behind alice's back with a settings-only change
	stale := alice.groupRecord(t, teamID)
	_, err = server.UpdateGroupSettings(ctx, teamID, stale.Tag, mustSealSettings(t, stale, "runners"))
	require.NoError(t, err)

	// the stale tag forces one reload-then-retry inside UpdateSettings
	require.NoError(t, alice.manager.UpdateSettings(ctx, teamID, "trail runners", 1))

	g := alice.groupRecord(t, teamID)
	require.Equal(t, "trail runners", g.Name)
	require.Equal(t, uint8(1), g.JoinMode)
	require.NoError(t, alice.manager.Reload(ctx, teamID))
	require.Equal(t, "trail runners", alice.groupRecord(t, teamID).Name)
}

func mustSealSettings(t *testing.T, g *groupRecord, name string) []byte {
	sealed, err := sealSettings(g.GroupKey, ids.IDFromBytes(g.ID), &settingsBody{
		Name:    name,
		OwnerID: ids.IDFromBytes(g.OwnerID),
		ChildID: ids.Zero,
	})
	require.NoError(t, err)
	return sealed
}

func TestCreateMeetupCascade(t *testing.T) {
	cl := test.NewClock()
	server, err := inmemory.NewServer(config.NewConfig(), cl)
	require.NoError(t, err)
	alice := newTestMember(t, server, cl)
	bob := newTestMember(t, server, cl)
	defer alice.shutdown(t)
	defer bob.shutdown(t)
	ctx := context.Background()

	teamID, err := alice.manager.CreateTeam(ctx, "cyclists")
	require.NoError(t, err)
	require.NoError(t, alice.manager.Invite(ctx, teamID, bob.userID))
	invite := alice.sender.byType(wire.TypeGroupInvite)[0].payload.(*wire.GroupInvite)
	require.NoError(t, bob.db.Run("handle invite", func() error {
		return bob.manager.HandleGroupInvite(invite)
	}))
	require.NoError(t, bob.manager.Reload(ctx, teamID))

	meetupID, err := alice.manager.CreateMeetup(ctx, teamID, "sunday ride")
	require.NoError(t, err)
	require.Equal(t, meetupID[:], alice.groupRecord(t, teamID).ChildID)

	// a member reloading the team picks up the meetup through its settings
	require.NoError(t, bob.manager.Reload(ctx, teamID))
	meetup := bob.groupRecord(t, meetupID)
	require.NotNil(t, meetup)
	require.Equal(t, KindMeetup, meetup.Kind)
	require.Equal(t, StateSynced, meetup.State)
	require.Equal(t, "sunday ride", meetup.Name)
	require.Equal(t, teamID[:], meetup.ParentID)
}

func TestLeaveRemovesMembership(t *testing.T) {
	cl := test.NewClock()
	server, err := inmemory.NewServer(config.NewConfig(), cl)
	require.NoError(t, err)
	alice := newTestMember(t, server, cl)
	bob := newTestMember(t, server, cl)
	defer alice.shutdown(t)
	defer bob.shutdown(t)
	ctx := context.Background()

	teamID, err := alice.manager.CreateTeam(ctx, "sailors")
	require.NoError(t, err)
	require.NoError(t, alice.manager.Invite(ctx, teamID, bob.userID))
	invite := alice.sender.byType(wire.TypeGroupInvite)[0].payload.(*wire.GroupInvite)
	require.NoError(t, bob.db.Run("handle invite", func() error {
		return bob.manager.HandleGroupInvite(invite)
	}))
	require.NoError(t, bob.manager.Reload(ctx, teamID))

	require.NoError(t, bob.manager.Leave(ctx, teamID))
	require.Equal(t, StateDeleted, bob.groupRecord(t, teamID).State)

	require.NoError(t, alice.manager.Reload(ctx, teamID))
	require.Nil(t, alice.membershipRecord(t, bob.userID, teamID))
}

func TestRenewalThresholdAndIsolation(t *testing.T) {
	cl := test.NewClock()
	c := config.NewConfig()
	server, err := inmemory.NewServer(c, cl)
	require.NoError(t, err)
	alice := newTestMember(t, server, cl)
	bob := newTestMember(t, server, cl)
	defer alice.shutdown(t)
	defer bob.shutdown(t)
	ctx := context.Background()

	teamID, err := alice.manager.CreateTeam(ctx, "chess club")
	require.NoError(t, err)
	require.NoError(t, alice.manager.Invite(ctx, teamID, bob.userID))

	aliceCertBefore := alice.membershipRecord(t, alice.userID, teamID).SelfCert

	// nothing due yet
	renewed, err := alice.manager.RenewCertificates(ctx)
	require.NoError(t, err)
	require.Zero(t, renewed)

	// shorten bob's certificate so only his falls inside the renewal leeway
	var ident *messaging.Identity
	require.NoError(t, alice.db.Run("read identity", func() error {
		var err error
		ident, err = alice.engine.Identity()
		return err
	}))
	now := int64(cl.CurrentTimeSec())
	shortCert, err := alice.authority.IssueAt(bob.userID, teamID, false, now, now+int64(c.CertRenewalLeewaySec)-10, ident.SigningPriv)
	require.NoError(t, err)
	require.NoError(t, alice.db.Run("shorten cert", func() error {
		mem, err := alice.manager.db.membership(bob.userID, teamID)
		if err != nil {
			return err
		}
		mem.SelfCert = shortCert
		return alice.manager.db.upsertMembership(mem)
	}))

	renewed, err = alice.manager.RenewCertificates(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, renewed)

	// bob's certificate was re-issued, alice's own is untouched
	bobCert := alice.membershipRecord(t, bob.userID, teamID).SelfCert
	require.NotEqual(t, shortCert, bobCert)
	due, err := alice.authority.NeedsRenewal(bobCert, ident.SigningPub)
	require.NoError(t, err)
	require.False(t, due)
	require.Equal(t, aliceCertBefore, alice.membershipRecord(t, alice.userID, teamID).SelfCert)
}

func TestLocationSharingLastWriteWins(t *testing.T) {
	cl := test.NewClock()
	server, err := inmemory.NewServer(config.NewConfig(), cl)
	require.NoError(t, err)
	alice := newTestMember(t, server, cl)
	defer alice.shutdown(t)

	groupID := ids.NewID()
	userID := ids.NewID()
	apply := func(enabled bool, ms int64) bool {
		var applied bool
		require.NoError(t, alice.db.Run("apply", func() error {
			var err error
			applied, err = alice.manager.ApplyLocationSharing(&wire.LocationSharingUpdate{
				GroupID:      groupID,
				UserID:       userID,
				Enabled:      enabled,
				LastUpdateMs: ms,
			})
			return err
		}))
		return applied
	}

	require.True(t, apply(true, 100))
	// an older update loses regardless of receipt order
	require.False(t, apply(false, 50))
	require.True(t, apply(false, 200))

	var states []*LocationSharing
	require.NoError(t, alice.db.Run("read", func() error {
		var err error
		states, err = alice.manager.LocationSharingStates(groupID)
		return err
	}))
	require.Len(t, states, 1)
	require.False(t, states[0].Enabled)
	require.Equal(t, int64(200), states[0].LastUpdateMs)
}
