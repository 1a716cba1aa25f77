package rally

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/rally-im/go-rally/clock"
	"github.com/rally-im/go-rally/config"
	"github.com/rally-im/go-rally/group"
	"github.com/rally-im/go-rally/internal/test"
	"github.com/rally-im/go-rally/relay/inmemory"
	"github.com/stretchr/testify/require"
)

var (
	password1 = []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20, 21, 22, 23, 24, 25, 26, 27, 28, 29, 30, 31}
	password2 = []byte{1, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20, 21, 22, 23, 24, 25, 26, 27, 28, 29, 30, 30}
)

func TestMain(m *testing.M) {
	test.DeleteAll("r1")
	test.DeleteAll("r2")
	os.Exit(test.DBCleanup(m.Run))
}

func newServer(t *testing.T) *inmemory.Server {
	server, err := inmemory.NewServer(config.NewConfig(), clock.NewSystemClock())
	require.Nil(t, err)
	return server
}

func newRally(t *testing.T, p string, server *inmemory.Server) *Rally {
	c := config.NewConfig(
		config.WithRootDir(p),
		config.WithLoggingPrefix(p),
		config.WithVerifyTimeoutMs(5000),
	)
	r, err := NewRally(c, server, server.SigningKey())
	require.Nil(t, err)
	return r
}

func teardownRally(r *Rally) {
	if err := r.Shutdown(); err != nil {
		panic(err)
	}
	test.DeleteAll(r.config.RootDir)
}

// awaitUpdate drains the updates channel until an event matches.
func awaitUpdate(t *testing.T, r *Rally, match func(interface{}) bool) interface{} {
	timeout := time.After(5 * time.Second)
	for {
		select {
		case u := <-r.Updates():
			if match(u) {
				return u
			}
		case <-timeout:
			t.Fatal("timed out waiting for update")
			return nil
		}
	}
}

func TestSameRallyTwice(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	server := newServer(t)

	r1 := newRally(t, "r1", server)
	defer teardownRally(r1)

	require.False(r1.Initialized())
	require.Nil(r1.Initialize(ctx, password1))

	r2 := newRally(t, "r1", server)
	require.True(r2.Initialized())
	require.ErrorContains(r2.Open(ctx, password1), "database is locked")
}

func TestTwoPartyRally(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	server := newServer(t)

	r1 := newRally(t, "r1", server)
	defer teardownRally(r1)
	r2 := newRally(t, "r2", server)
	defer teardownRally(r2)

	require.Nil(r1.Initialize(ctx, password1))
	require.Nil(r2.Initialize(ctx, password2))
	require.True(r1.Running())
	require.True(r2.Running())

	teamID, err := r1.CreateTeam(ctx, "ski trip")
	require.Nil(err)

	u2, err := r2.UserID()
	require.Nil(err)
	require.Nil(r1.Invite(ctx, teamID, u2))

	// the invite bootstraps the group; the first reload is scheduled after
	// commit, so the synced state lands shortly after the fetch
	_, err = r2.FetchMessages(ctx)
	require.Nil(err)
	require.Eventually(func() bool {
		g, err := r2.Group(teamID)
		return err == nil && g.State == group.StateSynced
	}, 5*time.Second, 50*time.Millisecond)

	g, err := r2.Group(teamID)
	require.Nil(err)
	require.Equal("ski trip", g.Name)

	// chat both ways
	require.Nil(r1.SendChatMessage(ctx, teamID, "first tracks at 8"))
	_, err = r2.FetchMessages(ctx)
	require.Nil(err)
	chat := awaitUpdate(t, r2, func(u interface{}) bool {
		_, ok := u.(*ChatEvent)
		return ok
	}).(*ChatEvent)
	require.Equal("first tracks at 8", chat.Body)
	require.Equal(teamID, chat.GroupID)

	require.Nil(r2.SendChatMessage(ctx, teamID, "see you there"))
	_, err = r1.FetchMessages(ctx)
	require.Nil(err)
	reply := awaitUpdate(t, r1, func(u interface{}) bool {
		_, ok := u.(*ChatEvent)
		return ok
	}).(*ChatEvent)
	require.Equal("see you there", reply.Body)
	require.Equal(u2, reply.SenderID)

	// location sharing, then a fix
	require.Nil(r2.SetLocationSharing(ctx, teamID, true))
	_, err = r1.FetchMessages(ctx)
	require.Nil(err)
	sharing := awaitUpdate(t, r1, func(u interface{}) bool {
		_, ok := u.(*LocationSharingEvent)
		return ok
	}).(*LocationSharingEvent)
	require.Equal(u2, sharing.UserID)
	require.True(sharing.Enabled)

	states, err := r1.LocationSharingStates(teamID)
	require.Nil(err)
	require.Len(states, 1)
	require.Equal(u2, states[0].UserID)
	require.True(states[0].Enabled)

	require.Nil(r2.PublishLocation(ctx, teamID, 46.93, 7.42, 12.5))
	_, err = r1.FetchMessages(ctx)
	require.Nil(err)
	loc := awaitUpdate(t, r1, func(u interface{}) bool {
		_, ok := u.(*LocationEvent)
		return ok
	}).(*LocationEvent)
	require.Equal(46.93, loc.Latitude)
	require.Equal(7.42, loc.Longitude)
	require.Equal(u2, loc.SenderID)
}

func TestMeetupCascadeAcrossClients(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	server := newServer(t)

	r1 := newRally(t, "r1", server)
	defer teardownRally(r1)
	r2 := newRally(t, "r2", server)
	defer teardownRally(r2)

	require.Nil(r1.Initialize(ctx, password1))
	require.Nil(r2.Initialize(ctx, password2))

	teamID, err := r1.CreateTeam(ctx, "team")
	require.Nil(err)
	u2, err := r2.UserID()
	require.Nil(err)
	require.Nil(r1.Invite(ctx, teamID, u2))
	_, err = r2.FetchMessages(ctx)
	require.Nil(err)
	require.Eventually(func() bool {
		g, err := r2.Group(teamID)
		return err == nil && g.State == group.StateSynced
	}, 5*time.Second, 50*time.Millisecond)

	meetupID, err := r1.CreateMeetup(ctx, teamID, "trailhead")
	require.Nil(err)

	// the child-created notification triggers a team reload, which carries
	// the meetup key down to every member
	_, err = r2.FetchMessages(ctx)
	require.Nil(err)
	require.Eventually(func() bool {
		g, err := r2.Group(meetupID)
		return err == nil && g.State == group.StateSynced
	}, 5*time.Second, 50*time.Millisecond)

	meetup, err := r2.Group(meetupID)
	require.Nil(err)
	require.Equal("trailhead", meetup.Name)
	require.Equal(teamID, meetup.ParentID)
	require.Equal(group.KindMeetup, meetup.Kind)
}

func TestVerifyRoundTrip(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	server := newServer(t)

	r1 := newRally(t, "r1", server)
	defer teardownRally(r1)
	require.Nil(r1.Initialize(ctx, password1))

	proof, err := r1.Verify(ctx, "device-1", "ios")
	require.Nil(err)
	require.Len(proof, 32)
}
