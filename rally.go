// This package provides the high-level interface to the rally client engine.
// It wires the conversation engine, group synchronization, mailbox dispatch
// and the push transport together over one encrypted database, and exposes
// the operations an application needs: creating teams and meetups, inviting
// members, chatting and sharing location.
package rally

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/rally-im/go-rally/auth"
	"github.com/rally-im/go-rally/clock"
	"github.com/rally-im/go-rally/config"
	"github.com/rally-im/go-rally/group"
	"github.com/rally-im/go-rally/ids"
	"github.com/rally-im/go-rally/internal/db"
	"github.com/rally-im/go-rally/mailbox"
	"github.com/rally-im/go-rally/messaging"
	"github.com/rally-im/go-rally/relay"
	"github.com/rally-im/go-rally/tasks"
	"github.com/rally-im/go-rally/transport/heya"
	"github.com/rally-im/go-rally/wire"
	"go.uber.org/zap"
)

// Constants for application state.
const (
	StateNew = iota
	StateInitialized
	StateRunning
)

// GroupJoined reports that the local user was added to a group via an invite.
const GroupJoined = "GROUP_JOINED"

// An event carrying a received chat message.
type ChatEvent struct {
	SenderID   ids.ID
	GroupID    ids.ID
	Body       string
	SentMs     int64
	ReceivedMs int64
}

// An event carrying a received location fix.
type LocationEvent struct {
	SenderID    ids.ID
	GroupID     ids.ID
	Latitude    float64
	Longitude   float64
	Accuracy    float64
	TimestampMs int64
}

// An event indicating a member changed their location-sharing state.
type LocationSharingEvent struct {
	GroupID      ids.ID
	UserID       ids.ID
	Enabled      bool
	LastUpdateMs int64
}

// An event indicating a change in a group. Kind is one of the group update
// kinds, or GroupJoined.
type GroupEvent struct {
	GroupID      ids.ID
	ChildGroupID ids.ID
	Kind         string
}

// An event indicating a change in the push transport connection state.
type PushStateUpdate struct {
	URL   string
	State string
}

type Rally struct {
	DB *db.Database

	config     *config.Config
	log        *zap.SugaredLogger
	clock      clock.Clock
	state      int
	client     relay.Client
	serverKey  ed25519.PublicKey
	engine     *messaging.Engine
	middleware *messaging.Middleware
	authority  *auth.Authority
	groups     *group.Manager
	mailbox    *mailbox.PostOffice
	pushes     *heya.Manager
	tasks      *tasks.Runner
	updates    chan interface{}
	cancelFunc context.CancelFunc
	finished   sync.WaitGroup
}

// Create a rally instance talking to the given relay. serverKey is the
// relay's certificate countersigning key.
func NewRally(c *config.Config, client relay.Client, serverKey ed25519.PublicKey) (*Rally, error) {
	log := c.Logger("")
	absRootPath, err := filepath.Abs(c.RootDir)
	if err != nil {
		return nil, err
	}
	c.RootDir = absRootPath
	log.Debugf("making rally, using root path of %s", c.RootDir)

	if err := os.MkdirAll(c.RootDir, 0o700); err != nil {
		return nil, err
	}
	database, err := db.NewDatabase(c, path.Join(c.RootDir, "data"))
	if err != nil {
		return nil, err
	}

	state := StateNew
	if database.Initialized() {
		state = StateInitialized
	}

	return &Rally{
		DB:        database,
		config:    c,
		log:       log,
		clock:     clock.NewSystemClock(),
		state:     state,
		client:    client,
		serverKey: serverKey,
		updates:   make(chan interface{}, 100),
	}, nil
}

// Gets various updates which must be dealt with. This will produce
// *ChatEvent, *LocationEvent, *LocationSharingEvent, *GroupEvent or
// *PushStateUpdate.
func (r *Rally) Updates() chan interface{} {
	return r.updates
}

// Returns true if rally is in NEW state.
func (r *Rally) New() bool {
	return r.state == StateNew
}

// Returns true if rally is in INITIALIZED state.
func (r *Rally) Initialized() bool {
	return r.state == StateInitialized
}

// Returns true if rally is in RUNNING state.
func (r *Rally) Running() bool {
	return r.state == StateRunning
}

// Initialize rally with a given key.
func (r *Rally) Initialize(ctx context.Context, key []byte) error {
	if r.state != StateNew {
		return errors.New("cannot initialize unless in state new")
	}
	if err := r.DB.Initialize(key); err != nil {
		return err
	}
	r.state = StateInitialized
	return r.Open(ctx, key)
}

// Open an existing rally with a given key.
func (r *Rally) Open(ctx context.Context, key []byte) error {
	if r.state != StateInitialized {
		return errors.New("cannot open unless in state initialized")
	}

	if err := r.DB.Open(key); err != nil {
		return err
	}

	engine, err := messaging.NewEngine(r.config, r.clock, r.DB)
	if err != nil {
		return err
	}
	r.engine = engine
	r.authority = auth.NewAuthority(r.config, r.clock)
	groups, err := group.NewManager(r.config, r.clock, r.DB, r.client, r.engine, r.authority, r.serverKey, r.sendPayload)
	if err != nil {
		return err
	}
	r.groups = groups
	r.middleware = messaging.NewMiddleware(r.config, r.clock, r.engine, r.authority, r.groups)
	r.mailbox = mailbox.NewPostOffice(r.config, r.clock, r.DB, r.client, r.engine, r.middleware, r.groups)
	r.mailbox.SetResyncHandler(r.resyncConversation)
	pushes, err := heya.NewManager(r.config, r.DB, func(body []byte) error {
		env, err := wire.DecodeEnvelope(body)
		if err != nil {
			return err
		}
		r.mailbox.HandleEnvelope(context.Background(), env)
		return nil
	})
	if err != nil {
		return err
	}
	r.pushes = pushes
	r.tasks = tasks.NewRunner(r.config, r.groups, r.engine)

	if err := r.register(ctx); err != nil {
		return err
	}
	r.registerReceivers()

	runCtx, cancelFunc := context.WithCancel(context.Background())
	r.cancelFunc = cancelFunc
	if err := r.pushes.Start(); err != nil {
		return err
	}
	r.tasks.Start()
	r.startUpdatePassing(runCtx)
	r.state = StateRunning
	return nil
}

// Gracefully stop a running rally instance.
func (r *Rally) Shutdown() error {
	if r.state != StateRunning {
		return nil
	}
	// try to clean up memory after a shutdown
	defer runtime.GC()

	errs := make([]string, 0)
	r.cancelFunc()
	r.tasks.Shutdown()
	if err := r.pushes.Shutdown(); err != nil {
		errs = append(errs, err.Error())
	}
	r.finished.Wait()
	if err := r.DB.Shutdown(); err != nil {
		errs = append(errs, err.Error())
	}
	if len(errs) != 0 {
		return fmt.Errorf("error during shutdown: %s", strings.Join(errs, ", "))
	}

	r.cancelFunc = nil
	r.engine = nil
	r.middleware = nil
	r.groups = nil
	r.mailbox = nil
	r.pushes = nil
	r.tasks = nil
	r.state = StateInitialized

	close(r.updates)
	r.updates = make(chan interface{}, 100)
	return nil
}

// UserID returns the local user's relay-registered id.
func (r *Rally) UserID() (ids.ID, error) {
	ident, err := r.identity()
	if err != nil {
		return ids.Zero, err
	}
	return ident.UserID, nil
}

// Create a new team.
func (r *Rally) CreateTeam(ctx context.Context, name string) (ids.ID, error) {
	if err := r.requireRunning(); err != nil {
		return ids.Zero, err
	}
	return r.groups.CreateTeam(ctx, name)
}

// Create a meetup under an existing team. Every team member picks it up on
// their next reload.
func (r *Rally) CreateMeetup(ctx context.Context, teamID ids.ID, name string) (ids.ID, error) {
	if err := r.requireRunning(); err != nil {
		return ids.Zero, err
	}
	return r.groups.CreateMeetup(ctx, teamID, name)
}

// Invite a user to a group. The invitee receives the group key over the 1:1
// conversation and bootstraps from the relay.
func (r *Rally) Invite(ctx context.Context, groupID, userID ids.ID) error {
	if err := r.requireRunning(); err != nil {
		return err
	}
	return r.groups.Invite(ctx, groupID, userID)
}

// Update a group's name and join mode.
func (r *Rally) UpdateGroupSettings(ctx context.Context, groupID ids.ID, name string, joinMode uint8) error {
	if err := r.requireRunning(); err != nil {
		return err
	}
	return r.groups.UpdateSettings(ctx, groupID, name, joinMode)
}

// Leave a group.
func (r *Rally) LeaveGroup(ctx context.Context, groupID ids.ID) error {
	if err := r.requireRunning(); err != nil {
		return err
	}
	return r.groups.Leave(ctx, groupID)
}

// Delete a group at the relay. Only the owner may delete.
func (r *Rally) DeleteGroup(ctx context.Context, groupID ids.ID) error {
	if err := r.requireRunning(); err != nil {
		return err
	}
	return r.groups.DeleteGroup(ctx, groupID)
}

// Get all groups.
func (r *Rally) Groups() ([]*group.Group, error) {
	var groups []*group.Group
	if err := r.DB.Run("get groups", func() error {
		var err error
		groups, err = r.groups.Groups()
		return err
	}); err != nil {
		return nil, err
	}
	return groups, nil
}

// Get a specific group.
func (r *Rally) Group(groupID ids.ID) (*group.Group, error) {
	var g *group.Group
	if err := r.DB.Run("get group", func() error {
		var err error
		g, err = r.groups.Group(groupID)
		return err
	}); err != nil {
		return nil, err
	}
	return g, nil
}

// Re-fetch a group's authoritative state from the relay.
func (r *Rally) ReloadGroup(ctx context.Context, groupID ids.ID) error {
	if err := r.requireRunning(); err != nil {
		return err
	}
	return r.groups.Reload(ctx, groupID)
}

// Send a chat message to every member of a group.
func (r *Rally) SendChatMessage(ctx context.Context, groupID ids.ID, body string) error {
	if err := r.requireRunning(); err != nil {
		return err
	}
	members, err := r.otherMembers(groupID)
	if err != nil {
		return err
	}
	return r.sendPayload(ctx, groupID, &wire.ChatMessage{
		GroupID: groupID,
		Body:    body,
		SentMs:  int64(r.clock.CurrentTimeMs()),
	}, members)
}

// Publish a location fix to every member of a group. Pending fixes collapse
// at the relay, so members only ever get the latest one per sender.
func (r *Rally) PublishLocation(ctx context.Context, groupID ids.ID, latitude, longitude, accuracy float64) error {
	if err := r.requireRunning(); err != nil {
		return err
	}
	members, err := r.otherMembers(groupID)
	if err != nil {
		return err
	}
	return r.send(ctx, groupID, &wire.LocationUpdate{
		GroupID:     groupID,
		Latitude:    latitude,
		Longitude:   longitude,
		Accuracy:    accuracy,
		TimestampMs: int64(r.clock.CurrentTimeMs()),
	}, members, "location", 0, 3600)
}

// Change the local user's location-sharing state for a group and broadcast
// it to the members.
func (r *Rally) SetLocationSharing(ctx context.Context, groupID ids.ID, enabled bool) error {
	if err := r.requireRunning(); err != nil {
		return err
	}
	u := &wire.LocationSharingUpdate{
		GroupID:      groupID,
		Enabled:      enabled,
		LastUpdateMs: int64(r.clock.CurrentTimeMs()),
	}
	var members []ids.ID
	if err := r.DB.Run("set location sharing", func() error {
		ident, err := r.engine.Identity()
		if err != nil {
			return err
		}
		u.UserID = ident.UserID
		if _, err := r.groups.ApplyLocationSharing(u); err != nil {
			return err
		}
		members, err = r.groups.MemberIDs(groupID, true)
		return err
	}); err != nil {
		return err
	}
	return r.sendPayload(ctx, groupID, u, members)
}

// Get the location-sharing state of every member of a group.
func (r *Rally) LocationSharingStates(groupID ids.ID) ([]*group.LocationSharing, error) {
	var states []*group.LocationSharing
	if err := r.DB.Run("get location sharing", func() error {
		var err error
		states, err = r.groups.LocationSharingStates(groupID)
		return err
	}); err != nil {
		return nil, err
	}
	return states, nil
}

// Drain the relay mailbox and process everything in it. Returns how many
// envelopes were processed.
func (r *Rally) FetchMessages(ctx context.Context) (int, error) {
	if err := r.requireRunning(); err != nil {
		return 0, err
	}
	return r.mailbox.FetchMessages(ctx)
}

// Renew every membership certificate nearing expiry: the local user's own,
// plus other members' in groups where the local user is an admin. The
// background task does this on an interval; this forces a pass now.
func (r *Rally) RenewMemberships(ctx context.Context) (int, error) {
	if err := r.requireRunning(); err != nil {
		return 0, err
	}
	return r.groups.RenewCertificates(ctx)
}

// Verify asks the relay to push a device-verification proof back through the
// mailbox and waits for it, bounded by the configured verify timeout.
func (r *Rally) Verify(ctx context.Context, deviceID, platform string) ([]byte, error) {
	if err := r.requireRunning(); err != nil {
		return nil, err
	}
	ident, err := r.identity()
	if err != nil {
		return nil, err
	}

	ch, cancel, err := r.mailbox.Subscribe(wire.TypeVerification)
	if err != nil {
		return nil, err
	}
	defer cancel()

	if err := r.client.Verify(ctx, ident.UserID, deviceID, platform); err != nil {
		return nil, fmt.Errorf("rally: error requesting verification: %w", err)
	}

	timer := time.NewTimer(time.Duration(r.config.VerifyTimeoutMs) * time.Millisecond)
	defer timer.Stop()
	for {
		if _, err := r.mailbox.FetchMessages(ctx); err != nil {
			r.log.Debugf("error fetching messages during verify: %s", err)
		}
		select {
		case payload := <-ch:
			vm, ok := payload.(*wire.VerificationMessage)
			if !ok {
				return nil, fmt.Errorf("rally: unexpected verification payload %T", payload)
			}
			return vm.Proof, nil
		case <-timer.C:
			return nil, mailbox.ErrAwaitTimeout
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(250 * time.Millisecond):
		}
	}
}

// Register a heya push transport.
func (r *Rally) RegisterHeyaTransport(authToken, host string, port int) error {
	if err := r.requireRunning(); err != nil {
		return err
	}
	return r.pushes.CreateTransport(authToken, host, port)
}

// PushAddresses lists the push inbox addresses for this device.
func (r *Rally) PushAddresses() []string {
	return r.pushes.InboxURLs()
}

// Reconcile the device's APNs tokens with every push transport.
func (r *Rally) SetIOSPushTokens(tokens []string) error {
	if err := r.requireRunning(); err != nil {
		return err
	}
	return r.pushes.SetIOSPushTokens(tokens)
}

func (r *Rally) requireRunning() error {
	if r.state != StateRunning {
		return fmt.Errorf("expected state %d, was %d", StateRunning, r.state)
	}
	return nil
}

// register makes sure the local identity exists and its key material is
// published at the relay. First open creates the user; later opens top up
// one-time prekeys, tolerating being offline.
func (r *Rally) register(ctx context.Context) error {
	var ident *messaging.Identity
	var bundle *messaging.PrekeyBundle
	fresh := false
	if err := r.DB.Run("load identity", func() error {
		var err error
		if ident, err = r.engine.Identity(); err != nil {
			return err
		}
		if ident.UserID.IsZero() {
			fresh = true
			ident.UserID = ids.NewID()
			if err := r.engine.SetUserID(ident.UserID); err != nil {
				return err
			}
		}
		bundle, err = r.engine.PrekeyBundle()
		return err
	}); err != nil {
		return err
	}

	if fresh {
		if err := r.client.CreateUser(ctx, ident.UserID, bundle); err != nil {
			return fmt.Errorf("rally: error registering user: %w", err)
		}
		return nil
	}
	if err := r.client.UpdateUser(ctx, ident.UserID, bundle); err != nil {
		r.log.Warnf("error republishing key material: %s", err)
	}
	return nil
}

func (r *Rally) registerReceivers() {
	r.mailbox.RegisterEnvelopeReceiver(wire.TypeChatMessage, func(b *mailbox.Bundle) error {
		cm := b.Payload.(*wire.ChatMessage)
		r.emitAfterCommit(&ChatEvent{
			SenderID:   b.Meta.SenderID,
			GroupID:    cm.GroupID,
			Body:       cm.Body,
			SentMs:     cm.SentMs,
			ReceivedMs: b.Meta.ServerTimestampMs,
		})
		return nil
	})
	r.mailbox.RegisterEnvelopeReceiver(wire.TypeLocationUpdate, func(b *mailbox.Bundle) error {
		lu := b.Payload.(*wire.LocationUpdate)
		r.emitAfterCommit(&LocationEvent{
			SenderID:    b.Meta.SenderID,
			GroupID:     lu.GroupID,
			Latitude:    lu.Latitude,
			Longitude:   lu.Longitude,
			Accuracy:    lu.Accuracy,
			TimestampMs: lu.TimestampMs,
		})
		return nil
	})
	r.mailbox.RegisterEnvelopeReceiver(wire.TypeLocationSharingUpdate, func(b *mailbox.Bundle) error {
		u := b.Payload.(*wire.LocationSharingUpdate)
		applied, err := r.groups.ApplyLocationSharing(u)
		if err != nil {
			return err
		}
		if applied {
			r.emitAfterCommit(&LocationSharingEvent{
				GroupID:      u.GroupID,
				UserID:       u.UserID,
				Enabled:      u.Enabled,
				LastUpdateMs: u.LastUpdateMs,
			})
		}
		return nil
	})
	r.mailbox.RegisterEnvelopeReceiver(wire.TypeGroupUpdate, func(b *mailbox.Bundle) error {
		u := b.Payload.(*wire.GroupUpdate)
		if err := r.groups.HandleGroupUpdate(u); err != nil {
			return err
		}
		r.emitAfterCommit(&GroupEvent{GroupID: u.GroupID, ChildGroupID: u.ChildGroupID, Kind: u.Kind})
		return nil
	})
	r.mailbox.RegisterEnvelopeReceiver(wire.TypeGroupInvite, func(b *mailbox.Bundle) error {
		invite := b.Payload.(*wire.GroupInvite)
		if err := r.groups.HandleGroupInvite(invite); err != nil {
			return err
		}
		r.emitAfterCommit(&GroupEvent{GroupID: invite.GroupID, Kind: GroupJoined})
		return nil
	})
	r.mailbox.RegisterEnvelopeReceiver(wire.TypeResetConversation, func(b *mailbox.Bundle) error {
		rc := b.Payload.(*wire.ResetConversation)
		return r.engine.Reset(b.Meta.SenderID, rc.ConversationID)
	})
}

// sendPayload transmits a payload to the given members over their 1:1
// conversations. This is the sender the group manager fans out through.
func (r *Rally) sendPayload(ctx context.Context, groupID ids.ID, payload wire.Payload, recipients []ids.ID) error {
	return r.send(ctx, groupID, payload, recipients, "", 1, 0)
}

func (r *Rally) send(ctx context.Context, groupID ids.ID, payload wire.Payload, recipients []ids.ID, collapseID string, priority uint8, ttlSec uint32) error {
	if len(recipients) == 0 {
		return nil
	}
	body, err := wire.EncodeContainer(payload)
	if err != nil {
		return err
	}

	var s *relay.Sendable
	if err := r.DB.Run("compose message", func() error {
		ident, err := r.engine.Identity()
		if err != nil {
			return err
		}
		content, recs, err := r.middleware.EncryptForGroup(body, groupID, recipients)
		if err != nil {
			return err
		}
		s = &relay.Sendable{
			SenderID:          ident.UserID,
			GroupID:           groupID,
			ClientTimestampMs: int64(r.clock.CurrentTimeMs()),
			CollapseID:        collapseID,
			Priority:          priority,
			TTLSec:            ttlSec,
			Content:           content,
			Recipients:        recs,
		}
		if !groupID.IsZero() {
			if s.SelfCert, s.ServerCert, err = r.groups.OwnCertificates(groupID); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return err
	}
	if err := r.client.SendMessage(ctx, s); err != nil {
		return fmt.Errorf("rally: error sending %s message: %w", payload.PayloadType(), err)
	}
	return nil
}

// resyncConversation rebuilds a quarantined conversation: it resets local
// state, stages a fresh handshake and tells the peer to drop the old session.
func (r *Rally) resyncConversation(ctx context.Context, senderID, conversationID ids.ID) {
	r.log.Infof("resyncing conversation %s with %s", conversationID, senderID)
	peer, err := r.client.GetUser(ctx, senderID)
	if err != nil {
		r.log.Warnf("error fetching peer %s for resync: %s", senderID, err)
		return
	}
	if err := r.DB.Run("reset conversation", func() error {
		if err := r.engine.Reset(senderID, conversationID); err != nil {
			return err
		}
		_, err := r.engine.InitiateHandshake(peer, ids.NewID())
		return err
	}); err != nil {
		r.log.Warnf("error resetting conversation %s: %s", conversationID, err)
		return
	}
	if err := r.sendPayload(ctx, ids.Zero, &wire.ResetConversation{ConversationID: conversationID}, []ids.ID{senderID}); err != nil {
		r.log.Warnf("error sending reset for conversation %s: %s", conversationID, err)
	}
}

func (r *Rally) otherMembers(groupID ids.ID) ([]ids.ID, error) {
	var members []ids.ID
	if err := r.DB.Run("read members", func() error {
		var err error
		members, err = r.groups.MemberIDs(groupID, true)
		return err
	}); err != nil {
		return nil, err
	}
	return members, nil
}

func (r *Rally) identity() (*messaging.Identity, error) {
	var ident *messaging.Identity
	if err := r.DB.Run("read identity", func() error {
		var err error
		ident, err = r.engine.Identity()
		return err
	}); err != nil {
		return nil, err
	}
	return ident, nil
}

func (r *Rally) emitAfterCommit(e interface{}) {
	r.DB.AfterCommit(func() {
		r.emit(e)
	})
}

func (r *Rally) emit(e interface{}) {
	select {
	case r.updates <- e:
	default:
		r.log.Warnf("dropping update %#v", e)
	}
}

func (r *Rally) startUpdatePassing(ctx context.Context) {
	r.finished.Add(1)
	go func() {
		defer r.finished.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case e := <-r.pushes.Updates():
				switch v := e.(type) {
				case *heya.StateUpdate:
					r.emit(&PushStateUpdate{
						URL:   fmt.Sprintf("heya://%s:%d", v.Host, v.Port),
						State: v.State,
					})
				}
			}
		}
	}()
}
