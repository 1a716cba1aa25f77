package mailbox

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/rally-im/go-rally/auth"
	"github.com/rally-im/go-rally/config"
	"github.com/rally-im/go-rally/ids"
	idb "github.com/rally-im/go-rally/internal/db"
	"github.com/rally-im/go-rally/internal/test"
	"github.com/rally-im/go-rally/messaging"
	"github.com/rally-im/go-rally/relay"
	"github.com/rally-im/go-rally/relay/inmemory"
	"github.com/rally-im/go-rally/wire"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	os.Exit(test.DBCleanup(m.Run))
}

type testNode struct {
	userID     ids.ID
	db         *idb.Database
	clock      *test.Clock
	engine     *messaging.Engine
	middleware *messaging.Middleware
	post       *PostOffice
	server     *inmemory.Server
}

func newTestNode(t *testing.T, server *inmemory.Server, cl *test.Clock) *testNode {
	c := config.NewConfig()
	d := test.NewTestDatabase(c)
	engine, err := messaging.NewEngine(c, cl, d)
	require.NoError(t, err)

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

	middleware := messaging.NewMiddleware(c, cl, engine, auth.NewAuthority(c, cl), nil)
	post := NewPostOffice(c, cl, d, server, engine, middleware, nil)
	return &testNode{
		userID:     userID,
		db:         d,
		clock:      cl,
		engine:     engine,
		middleware: middleware,
		post:       post,
		server:     server,
	}
}

func (n *testNode) shutdown(t *testing.T) {
	require.NoError(t, n.db.Shutdown())
}

// sendPayload encrypts a payload for one recipient over the 1:1 conversation
// and hands it to the relay, bootstrapping the conversation if needed.
func (n *testNode) sendPayload(t *testing.T, to ids.ID, payload wire.Payload) {
	ctx := context.Background()
	var content *wire.EncryptedContent
	var recipients []wire.Recipient
	require.NoError(t, n.db.Run("send payload", func() error {
		if _, ok, err := n.engine.ConversationWith(to); err != nil {
			return err
		} else if !ok {
			peer, err := n.server.GetUser(ctx, to)
			if err != nil {
				return err
			}
			if _, err := n.engine.InitiateHandshake(peer, ids.NewID()); err != nil {
				return err
			}
		}
		plaintext, err := wire.EncodeContainer(payload)
		if err != nil {
			return err
		}
		content, recipients, err = n.middleware.EncryptForGroup(plaintext, ids.Zero, []ids.ID{to})
		return err
	}))
	require.NoError(t, n.server.SendMessage(ctx, &relay.Sendable{
		SenderID:          n.userID,
		ClientTimestampMs: int64(n.clock.CurrentTimeMs()),
		Content:           content,
		Recipients:        recipients,
	}))
}

func TestFanOutToMultipleReceivers(t *testing.T) {
	cl := test.NewClock()
	server, err := inmemory.NewServer(config.NewConfig(), cl)
	require.NoError(t, err)
	alice := newTestNode(t, server, cl)
	bob := newTestNode(t, server, cl)
	defer alice.shutdown(t)
	defer bob.shutdown(t)

	var first, second []string
	bob.post.RegisterEnvelopeReceiver(wire.TypeChatMessage, func(b *Bundle) error {
		first = append(first, b.Payload.(*wire.ChatMessage).Body)
		return nil
	})
	bob.post.RegisterEnvelopeReceiver(wire.TypeChatMessage, func(b *Bundle) error {
		second = append(second, b.Payload.(*wire.ChatMessage).Body)
		return nil
	})

	alice.sendPayload(t, bob.userID, &wire.ChatMessage{Body: "hello"})
	alice.sendPayload(t, bob.userID, &wire.ChatMessage{Body: "anyone there?"})

	count, err := bob.post.FetchMessages(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, count)
	require.Equal(t, []string{"hello", "anyone there?"}, first)
	require.Equal(t, []string{"hello", "anyone there?"}, second)
}

func TestReceiverFailureIsolated(t *testing.T) {
	cl := test.NewClock()
	server, err := inmemory.NewServer(config.NewConfig(), cl)
	require.NoError(t, err)
	alice := newTestNode(t, server, cl)
	bob := newTestNode(t, server, cl)
	defer alice.shutdown(t)
	defer bob.shutdown(t)

	var delivered []string
	bob.post.RegisterEnvelopeReceiver(wire.TypeChatMessage, func(b *Bundle) error {
		return context.DeadlineExceeded
	})
	bob.post.RegisterEnvelopeReceiver(wire.TypeChatMessage, func(b *Bundle) error {
		delivered = append(delivered, b.Payload.(*wire.ChatMessage).Body)
		return nil
	})

	alice.sendPayload(t, bob.userID, &wire.ChatMessage{Body: "still works"})
	_, err = bob.post.FetchMessages(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"still works"}, delivered)
}

func TestUnknownPayloadDropped(t *testing.T) {
	cl := test.NewClock()
	server, err := inmemory.NewServer(config.NewConfig(), cl)
	require.NoError(t, err)
	alice := newTestNode(t, server, cl)
	bob := newTestNode(t, server, cl)
	defer alice.shutdown(t)
	defer bob.shutdown(t)

	received := 0
	bob.post.RegisterEnvelopeReceiver("poll_open", func(b *Bundle) error {
		received++
		return nil
	})

	body, err := cbor.Marshal(map[string]string{"question": "lunch?"})
	require.NoError(t, err)
	alice.sendPayload(t, bob.userID, &wire.Unknown{Type: "poll_open", Body: body})

	count, err := bob.post.FetchMessages(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, count)
	require.Zero(t, received)
}

func TestDuplicateEnvelopeRedelivered(t *testing.T) {
	cl := test.NewClock()
	server, err := inmemory.NewServer(config.NewConfig(), cl)
	require.NoError(t, err)
	alice := newTestNode(t, server, cl)
	bob := newTestNode(t, server, cl)
	defer alice.shutdown(t)
	defer bob.shutdown(t)

	var delivered []string
	bob.post.RegisterEnvelopeReceiver(wire.TypeChatMessage, func(b *Bundle) error {
		delivered = append(delivered, b.Payload.(*wire.ChatMessage).Body)
		return nil
	})

	alice.sendPayload(t, bob.userID, &wire.ChatMessage{Body: "once"})
	envelopes, err := server.GetMessages(context.Background(), bob.userID)
	require.NoError(t, err)
	require.Len(t, envelopes, 1)

	// at-least-once delivery: the same envelope twice decrypts both times
	bob.post.HandleEnvelope(context.Background(), envelopes[0])
	bob.post.HandleEnvelope(context.Background(), envelopes[0])
	require.Equal(t, []string{"once", "once"}, delivered)
}

func TestQuarantineOnUndecryptableEnvelope(t *testing.T) {
	cl := test.NewClock()
	server, err := inmemory.NewServer(config.NewConfig(), cl)
	require.NoError(t, err)
	alice := newTestNode(t, server, cl)
	bob := newTestNode(t, server, cl)
	defer alice.shutdown(t)
	defer bob.shutdown(t)

	var resyncs []ids.ID
	bob.post.SetResyncHandler(func(_ context.Context, senderID, conversationID ids.ID) {
		resyncs = append(resyncs, conversationID)
	})

	// establish the conversation
	alice.sendPayload(t, bob.userID, &wire.ChatMessage{Body: "hi"})
	_, err = bob.post.FetchMessages(context.Background())
	require.NoError(t, err)

	// corrupt the next message's wrapped key
	alice.sendPayload(t, bob.userID, &wire.ChatMessage{Body: "garbled"})
	envelopes, err := server.GetMessages(context.Background(), bob.userID)
	require.NoError(t, err)
	require.Len(t, envelopes, 1)
	envelopes[0].Content.WrappedKey.Body[0] ^= 0xff

	bob.post.HandleEnvelope(context.Background(), envelopes[0])
	require.Len(t, resyncs, 1)

	// a second failure inside the resend timeout is rate-limited
	bob.post.HandleEnvelope(context.Background(), envelopes[0])
	require.Len(t, resyncs, 1)
}

func TestAwaitDeliversSystemPayload(t *testing.T) {
	cl := test.NewClock()
	server, err := inmemory.NewServer(config.NewConfig(), cl)
	require.NoError(t, err)
	bob := newTestNode(t, server, cl)
	defer bob.shutdown(t)
	ctx := context.Background()

	done := make(chan wire.Payload, 1)
	go func() {
		payload, err := bob.post.Await(ctx, wire.TypeVerification, 5*time.Second)
		if err != nil {
			close(done)
			return
		}
		done <- payload
	}()

	// wait for the waiter to register, then push the proof
	require.Eventually(t, func() bool {
		bob.post.lock.Lock()
		defer bob.post.lock.Unlock()
		return bob.post.waiters[wire.TypeVerification] != nil
	}, time.Second, time.Millisecond)

	require.NoError(t, server.Verify(ctx, bob.userID, "device-9", "ios"))
	_, err = bob.post.FetchMessages(ctx)
	require.NoError(t, err)

	payload, ok := <-done
	require.True(t, ok)
	verification := payload.(*wire.VerificationMessage)
	require.Equal(t, "device-9", verification.DeviceID)
}

func TestAwaitTimeout(t *testing.T) {
	cl := test.NewClock()
	server, err := inmemory.NewServer(config.NewConfig(), cl)
	require.NoError(t, err)
	bob := newTestNode(t, server, cl)
	defer bob.shutdown(t)

	_, err = bob.post.Await(context.Background(), wire.TypeVerification, 10*time.Millisecond)
	require.ErrorIs(t, err, ErrAwaitTimeout)
}
