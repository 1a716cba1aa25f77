// Package heya maintains the push channel. A heya server holds an inbox the
// relay pushes envelope blobs into; this manager keeps the connection alive,
// drains the inbox on notification and hands the blobs to the mailbox. It
// also reconciles iOS push tokens with the server.
package heya

import (
	"context"
	"database/sql"
	"encoding/base64"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/kevinburke/nacl"
	"github.com/kevinburke/nacl/scalarmult"
	heya_client "github.com/meow-io/heya/client"
	"github.com/rally-im/go-rally/config"
	"github.com/rally-im/go-rally/crypto"
	"github.com/rally-im/go-rally/ids"
	db "github.com/rally-im/go-rally/internal/db"
	"github.com/rally-im/go-rally/migration"
	"go.uber.org/zap"
)

const (
	stateNew   = 0
	stateReady = 1

	HeyaScheme  = "heya"
	DefaultPort = heya_client.DefaultPort

	requestTimeout = 10 * time.Second
)

// StateUpdate reports a connection state change for a host.
type StateUpdate struct {
	Host  string
	Port  int
	State string
}

// ParsedURL is a heya inbox address: host, port, the inbox's public key and
// its send token.
type ParsedURL struct {
	Host        string
	Port        int
	PublicBytes [32]byte
	SendToken   [32]byte
}

func (pu *ParsedURL) URL() string {
	return fmt.Sprintf("heya://%s:%d/%s/%s",
		pu.Host,
		pu.Port,
		base64.RawURLEncoding.EncodeToString(pu.PublicBytes[:]),
		base64.RawURLEncoding.EncodeToString(pu.SendToken[:]))
}

func ParseURL(u string) (*ParsedURL, error) {
	pu, err := url.Parse(u)
	if err != nil {
		return nil, err
	}
	if pu.Scheme != HeyaScheme {
		return nil, fmt.Errorf("heya: expected scheme %s, got %s", HeyaScheme, pu.Scheme)
	}
	parts := strings.Split(pu.Path, "/")
	if len(parts) != 3 {
		return nil, fmt.Errorf("heya: malformed path %q", pu.Path)
	}
	publicKeyBytes, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, err
	}
	sendTokenBytes, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, err
	}
	if len(publicKeyBytes) != 32 || len(sendTokenBytes) != 32 {
		return nil, fmt.Errorf("heya: expected 32-byte key and token, got %d and %d", len(publicKeyBytes), len(sendTokenBytes))
	}

	parsed := &ParsedURL{Host: pu.Hostname(), Port: DefaultPort}
	copy(parsed.PublicBytes[:], publicKeyBytes)
	copy(parsed.SendToken[:], sendTokenBytes)
	if pu.Port() != "" {
		port, err := strconv.ParseUint(pu.Port(), 10, 16)
		if err != nil {
			return nil, err
		}
		parsed.Port = int(port)
	}
	return parsed, nil
}

// pushEnvelope is the outer layer of a pushed blob: an ephemeral public key
// plus the body encrypted against the inbox key.
type pushEnvelope struct {
	PublicKey []byte `cbor:"1,keyasint"`
	Body      []byte `cbor:"2,keyasint"`
}

type transportRecord struct {
	ID              []byte `db:"id"`
	PrivateKeyPKCS1 []byte `db:"private_key_pkcs1"`
	Certificate     []byte `db:"certificate"`
	Host            string `db:"host"`
	Port            int    `db:"port"`

	client *heya_client.Client
}

func (t *transportRecord) hostPort() string {
	return fmt.Sprintf("%s:%d", t.Host, t.Port)
}

type inboxToken struct {
	ID          []byte `db:"id"`
	TransportID []byte `db:"transport_id"`
	State       int    `db:"state"`
	ExpiresAt   uint64 `db:"expires_at"`
	Token       []byte `db:"token"`
	PrivateKey  []byte `db:"private_key"`
	NextSeq     uint64 `db:"next_seq"`
}

func (s *inboxToken) url(t *transportRecord) string {
	var priv [32]byte
	copy(priv[:], s.PrivateKey)
	return fmt.Sprintf("heya://%s:%d/%s/%s",
		t.Host,
		t.Port,
		base64.RawURLEncoding.EncodeToString(scalarmult.Base(&priv)[:]),
		base64.RawURLEncoding.EncodeToString(s.Token))
}

// EnvelopeProcessor consumes one pushed envelope blob. It must not be called
// inside a transaction; processors run their own.
type EnvelopeProcessor func(body []byte) error

type Manager struct {
	config     *config.Config
	db         *db.Database
	log        *zap.SugaredLogger
	processor  EnvelopeProcessor
	cancelFunc context.CancelFunc
	finished   sync.WaitGroup
	updates    chan interface{}
	lock       sync.RWMutex
	transports map[ids.ID]*transportRecord
	tokens     map[[32]byte]*inboxToken
	ready      chan *transportRecord
}

func NewManager(c *config.Config, d *db.Database, processor EnvelopeProcessor) (*Manager, error) {
	log := c.Logger("transport/heya")

	if err := d.MigrateNoLock("_transport_heya", []*migration.Migration{
		{
			Name: "Create initial tables",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
	CREATE TABLE _heya_transports (
		id BLOB PRIMARY KEY,
		private_key_pkcs1 BLOB NOT NULL,
		certificate BLOB NOT NULL,
		host STRING NOT NULL,
		port INTEGER NOT NULL
	);

	CREATE TABLE _heya_inbox_tokens (
		id BLOB PRIMARY KEY,
		transport_id BLOB NOT NULL,
		state INTEGER NOT NULL,
		expires_at INTEGER NOT NULL,
		token BLOB NOT NULL,
		private_key BLOB NOT NULL,
		next_seq INTEGER NOT NULL,
		FOREIGN KEY(transport_id) REFERENCES _heya_transports(id) ON DELETE CASCADE
	);
	CREATE UNIQUE INDEX inbox_tokens_token on _heya_inbox_tokens (token);
	`)
				return err
			},
		},
	}); err != nil {
		return nil, err
	}

	return &Manager{
		config:     c,
		db:         d,
		log:        log,
		processor:  processor,
		updates:    make(chan interface{}, 100),
		transports: make(map[ids.ID]*transportRecord),
		tokens:     make(map[[32]byte]*inboxToken),
		ready:      make(chan *transportRecord, 100),
	}, nil
}

func (m *Manager) Start() error {
	m.lock.Lock()
	defer m.lock.Unlock()
	if err := m.db.Run("load heya transports", func() error {
		transports, err := m.transportRecords()
		if err != nil {
			return err
		}
		for i := range transports {
			t := transports[i]
			client, err := heya_client.NewClientFromKey(&heya_client.Config{
				Host:            t.Host,
				Port:            t.Port,
				Reconnect:       true,
				Ping:            true,
				NewState:        m.stateUpdater(t.Host, t.Port),
				PrivateKeyPKCS1: t.PrivateKeyPKCS1,
				Cert:            t.Certificate,
			})
			if err != nil {
				return err
			}
			t.client = client
			m.transports[ids.IDFromBytes(t.ID)] = t
			m.db.AfterCommit(func() {
				m.ready <- t
			})
		}

		tokens, err := m.inboxTokens()
		if err != nil {
			return err
		}
		for _, s := range tokens {
			if _, ok := m.transports[ids.IDFromBytes(s.TransportID)]; !ok {
				if err := m.deleteInboxToken(s.ID); err != nil {
					return err
				}
				continue
			}
			if len(s.Token) == 32 {
				m.tokens[[32]byte(s.Token)] = s
			}
		}
		return nil
	}); err != nil {
		return err
	}

	ctx, cancelFunc := context.WithCancel(context.Background())
	m.cancelFunc = cancelFunc
	m.startReceiver(ctx)
	return nil
}

func (m *Manager) Shutdown() error {
	if m.cancelFunc != nil {
		m.cancelFunc()
		m.finished.Wait()
	}
	m.lock.Lock()
	defer m.lock.Unlock()
	for _, t := range m.transports {
		if t.client != nil {
			t.client.CloseWithoutReconnect()
		}
	}
	return nil
}

func (m *Manager) Updates() chan interface{} {
	return m.updates
}

// CreateTransport registers this device with a heya server and provisions an
// inbox token for it.
func (m *Manager) CreateTransport(authToken, host string, port int) error {
	client, err := heya_client.NewClient(&heya_client.Config{
		Host:      host,
		Port:      port,
		Reconnect: true,
		Ping:      true,
		NewState:  m.stateUpdater(host, port),
	})
	if err != nil {
		return err
	}
	ctx, cancelFn := context.WithTimeout(context.Background(), requestTimeout)
	defer cancelFn()
	if err := client.Connect(ctx); err != nil {
		return err
	}
	if _, err := client.RegisterIncoming(ctx, authToken); err != nil {
		return err
	}

	id := ids.NewID()
	t := &transportRecord{
		ID:              id[:],
		PrivateKeyPKCS1: client.PrivateKeyPKCS1,
		Certificate:     client.Certificate,
		Host:            host,
		Port:            port,
		client:          client,
	}
	tokenID := ids.NewID()
	key := nacl.NewKey()
	start := time.Now()
	end := start.Add(365 * 24 * time.Hour)
	token, err := client.MakeSendToken(ctx, start, end)
	if err != nil {
		return fmt.Errorf("heya: error making inbox token: %w", err)
	}
	s := &inboxToken{
		ID:          tokenID[:],
		TransportID: id[:],
		State:       stateReady,
		ExpiresAt:   uint64(end.Unix()),
		Token:       token,
		PrivateKey:  key[:],
	}

	if err := m.db.Run("create heya transport", func() error {
		if err := m.insertTransport(t); err != nil {
			return err
		}
		return m.upsertInboxToken(s)
	}); err != nil {
		return err
	}

	m.lock.Lock()
	m.transports[id] = t
	m.tokens[[32]byte(token)] = s
	m.lock.Unlock()
	m.ready <- t
	return nil
}

// InboxURLs lists the push addresses for this device, in the form handed to
// the relay so it can wake us.
func (m *Manager) InboxURLs() []string {
	m.lock.RLock()
	defer m.lock.RUnlock()
	urls := make([]string, 0, len(m.tokens))
	for _, s := range m.tokens {
		t, ok := m.transports[ids.IDFromBytes(s.TransportID)]
		if !ok {
			continue
		}
		urls = append(urls, s.url(t))
	}
	return urls
}

// Send pushes a blob to a heya inbox address, sealing it against the inbox
// key with a fresh ephemeral key.
func (m *Manager) Send(to string, body []byte) error {
	parsed, err := ParseURL(to)
	if err != nil {
		return err
	}
	priv, pub, err := crypto.NewDHPair()
	if err != nil {
		return err
	}
	sealed, err := crypto.EncryptWithDH(parsed.PublicBytes[:], priv[:], body, nil)
	if err != nil {
		return err
	}
	envBytes, err := cbor.Marshal(&pushEnvelope{PublicKey: pub[:], Body: sealed})
	if err != nil {
		return err
	}

	t := m.transportForHostPort(fmt.Sprintf("%s:%d", parsed.Host, parsed.Port))
	if t == nil {
		return fmt.Errorf("heya: no transport for %s", parsed.Host)
	}
	ctx, cancelFn := context.WithTimeout(context.Background(), requestTimeout)
	defer cancelFn()
	return t.client.Send(ctx, parsed.SendToken[:], envBytes)
}

// SetIOSPushTokens reconciles the device's APNs tokens with every server:
// missing ones are added, stale ones removed.
func (m *Manager) SetIOSPushTokens(tokens []string) error {
	m.lock.RLock()
	defer m.lock.RUnlock()
	for _, t := range m.transports {
		wanted := make(map[string]bool, len(tokens))
		for _, token := range tokens {
			wanted[token] = true
		}
		ctx, cancelFn := context.WithTimeout(context.Background(), requestTimeout)
		defer cancelFn()
		existing, err := t.client.ListIOSPushTokens(ctx)
		if err != nil {
			return err
		}
		for _, pushToken := range existing {
			if wanted[pushToken.Value] {
				delete(wanted, pushToken.Value)
				continue
			}
			if err := t.client.DeleteIOSPushToken(ctx, pushToken.Value); err != nil {
				return err
			}
		}
		for token := range wanted {
			if err := t.client.AddIOSPushToken(ctx, token); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *Manager) startReceiver(ctx context.Context) {
	m.finished.Add(1)
	go func() {
		defer m.finished.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case t := <-m.ready:
				m.finished.Add(1)
				go func() {
					defer m.finished.Done()
					m.runTransport(ctx, t)
				}()
			}
		}
	}()
}

func (m *Manager) runTransport(ctx context.Context, t *transportRecord) {
	connectCtx, cancelFn := context.WithTimeout(ctx, requestTimeout)
	err := t.client.Connect(connectCtx)
	cancelFn()
	if err != nil {
		m.log.Warnf("error connecting to %s: %s", t.hostPort(), err)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case notification := <-t.client.Notifications():
			n, ok := notification.(*heya_client.Notification)
			if !ok {
				continue
			}
			m.lock.RLock()
			s, ok := m.tokens[[32]byte(n.Token)]
			m.lock.RUnlock()
			if !ok || n.Seq < s.NextSeq {
				continue
			}
			if err := m.drainInbox(ctx, t, s, n.Seq); err != nil {
				m.log.Warnf("error draining inbox on %s: %s", t.hostPort(), err)
			}
		}
	}
}

// drainInbox pulls every pending blob up to seq, hands each to the processor
// and trims the server-side queue.
func (m *Manager) drainInbox(ctx context.Context, t *transportRecord, s *inboxToken, seq uint64) error {
	for i := s.NextSeq; i < seq; i++ {
		reqCtx, cancelFn := context.WithTimeout(ctx, requestTimeout)
		message, err := t.client.Want(reqCtx, s.Token, i)
		cancelFn()
		if err != nil {
			return fmt.Errorf("heya: error fetching message %d: %w", i, err)
		}
		if message != nil {
			if err := m.processPush(s, message.Body); err != nil {
				m.log.Warnf("dropping pushed message %d: %s", i, err)
			}
		}
		s.NextSeq = i + 1
		if err := m.db.Run("advance inbox seq", func() error {
			return m.upsertInboxToken(s)
		}); err != nil {
			return err
		}
	}
	trimCtx, cancelFn := context.WithTimeout(ctx, requestTimeout)
	defer cancelFn()
	if _, err := t.client.Trim(trimCtx, s.Token, s.NextSeq); err != nil {
		m.log.Debugf("error trimming inbox: %s", err)
	}
	return nil
}

func (m *Manager) processPush(s *inboxToken, body []byte) error {
	env := &pushEnvelope{}
	if err := cbor.Unmarshal(body, env); err != nil {
		return fmt.Errorf("heya: error decoding push envelope: %w", err)
	}
	plaintext, err := crypto.DecryptWithDH(env.PublicKey, s.PrivateKey, env.Body, nil)
	if err != nil {
		return fmt.Errorf("heya: error decrypting push envelope: %w", err)
	}
	return m.processor(plaintext)
}

func (m *Manager) transportForHostPort(hostPort string) *transportRecord {
	m.lock.RLock()
	defer m.lock.RUnlock()
	for _, t := range m.transports {
		if t.hostPort() == hostPort {
			return t
		}
	}
	return nil
}

func (m *Manager) stateUpdater(host string, port int) func(int) {
	return func(state int) {
		var s string
		switch state {
		case heya_client.Closed:
			s = "closed"
		case heya_client.Closing:
			s = "closing"
		case heya_client.Open:
			s = "open"
		case heya_client.Reconnecting:
			s = "reconnecting"
		}
		select {
		case m.updates <- &StateUpdate{host, port, s}:
		default:
		}
	}
}

func (m *Manager) transportRecords() ([]*transportRecord, error) {
	var ts []*transportRecord
	if err := m.db.Tx.Select(&ts, "SELECT * FROM _heya_transports"); err != nil {
		return nil, fmt.Errorf("heya: error getting transports: %w", err)
	}
	return ts, nil
}

func (m *Manager) insertTransport(t *transportRecord) error {
	if _, err := m.db.Tx.NamedExec("INSERT INTO _heya_transports (id, private_key_pkcs1, certificate, host, port) VALUES (:id, :private_key_pkcs1, :certificate, :host, :port)", t); err != nil {
		return fmt.Errorf("heya: error inserting transport: %w", err)
	}
	return nil
}

func (m *Manager) inboxTokens() ([]*inboxToken, error) {
	var tokens []*inboxToken
	if err := m.db.Tx.Select(&tokens, "SELECT * FROM _heya_inbox_tokens"); err != nil {
		return nil, fmt.Errorf("heya: error getting inbox tokens: %w", err)
	}
	return tokens, nil
}

func (m *Manager) upsertInboxToken(s *inboxToken) error {
	if _, err := m.db.Tx.NamedExec("INSERT INTO _heya_inbox_tokens (id, transport_id, state, expires_at, token, private_key, next_seq) VALUES (:id, :transport_id, :state, :expires_at, :token, :private_key, :next_seq) ON CONFLICT(id) DO UPDATE SET transport_id = :transport_id, state = :state, expires_at = :expires_at, token = :token, private_key = :private_key, next_seq = :next_seq", s); err != nil {
		return fmt.Errorf("heya: error upserting inbox token: %w", err)
	}
	return nil
}

func (m *Manager) deleteInboxToken(id []byte) error {
	if _, err := m.db.Tx.Exec("DELETE FROM _heya_inbox_tokens WHERE id = $1", id); err != nil {
		return fmt.Errorf("heya: error deleting inbox token: %w", err)
	}
	return nil
}
