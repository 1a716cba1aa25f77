package messaging

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/rally-im/go-rally/clock"
	"github.com/rally-im/go-rally/ids"
	"github.com/rally-im/go-rally/internal/db"
	"github.com/rally-im/go-rally/migration"
	"github.com/status-im/doubleratchet"
)

type identity struct {
	ID          int    `db:"id"`
	UserID      []byte `db:"user_id"`
	DHPriv      []byte `db:"dh_priv"`
	DHPub       []byte `db:"dh_pub"`
	SigningPriv []byte `db:"signing_priv"`
	SigningPub  []byte `db:"signing_pub"`
}

type conversation struct {
	UserID         []byte `db:"user_id"`
	ConversationID []byte `db:"conversation_id"`
	SessionID      []byte `db:"session_id"`
	Initiator      bool   `db:"initiator"`
	CtimeSec       uint64 `db:"ctime_sec"`
}

type ratchetKey struct {
	PublicKey      []byte `db:"pub_key"`
	MessageKey     []byte `db:"message_key"`
	MessageNumber  uint   `db:"msg_num"`
	SessionID      []byte `db:"session_id"`
	SequenceNumber uint   `db:"seq_num"`
	CtimeSec       uint64 `db:"ctime_sec"`
}

type contentKey struct {
	SessionID     []byte `db:"session_id"`
	PublicKey     []byte `db:"pub_key"`
	MessageNumber uint   `db:"msg_num"`
	ContentKey    []byte `db:"content_key"`
	CtimeSec      uint64 `db:"ctime_sec"`
}

type ratchetState struct {
	ID                       []byte `db:"id"`
	Dhr                      []byte `db:"dhr"`
	DhsPub                   []byte `db:"dhs_pub"`
	DhsPriv                  []byte `db:"dhs_priv"`
	RootChKey                []byte `db:"root_ch_key"`
	SendChKey                []byte `db:"send_ch_key"`
	SendChCount              uint32 `db:"send_ch_count"`
	RecvChKey                []byte `db:"recv_ch_key"`
	RecvChCount              uint32 `db:"recv_ch_count"`
	PN                       uint32 `db:"pn"`
	MaxSkip                  uint   `db:"max_skip"`
	HKr                      []byte `db:"hkr"`
	NHKr                     []byte `db:"nhkr"`
	HKs                      []byte `db:"hks"`
	NHKs                     []byte `db:"nhks"`
	MaxKeep                  uint   `db:"max_keep"`
	MaxMessageKeysPerSession int    `db:"mmk_per_session"`
	Step                     uint   `db:"step"`
	KeysCount                uint   `db:"keys_count"`
}

type inboundInvitation struct {
	UserID         []byte `db:"user_id"`
	ConversationID []byte `db:"conversation_id"`
	IdentityKey    []byte `db:"identity_key"`
	EphemeralKey   []byte `db:"ephemeral_key"`
	SignedPrekey   []byte `db:"signed_prekey"`
	OneTimePrekey  []byte `db:"one_time_prekey"`
	CtimeSec       uint64 `db:"ctime_sec"`
}

type outboundInvitation struct {
	UserID         []byte `db:"user_id"`
	ConversationID []byte `db:"conversation_id"`
	Body           []byte `db:"body"`
	CtimeSec       uint64 `db:"ctime_sec"`
}

type invalidConversation struct {
	UserID         []byte `db:"user_id"`
	ConversationID []byte `db:"conversation_id"`
	Fingerprint    []byte `db:"fingerprint"`
	CtimeSec       uint64 `db:"ctime_sec"`
	ResendAfterSec uint64 `db:"resend_after_sec"`
}

type signedPrekey struct {
	Pub       []byte `db:"pub"`
	Priv      []byte `db:"priv"`
	Signature []byte `db:"signature"`
	CtimeSec  uint64 `db:"ctime_sec"`
}

type oneTimePrekey struct {
	Pub      []byte `db:"pub"`
	Priv     []byte `db:"priv"`
	CtimeSec uint64 `db:"ctime_sec"`
}

type database struct {
	*db.Database
}

func newDatabase(internalDB *db.Database) (*database, error) {
	d := &database{internalDB}

	if err := internalDB.MigrateNoLock("_messaging", []*migration.Migration{
		{
			Name: "Create initial tables",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE _identity (
						id INTEGER PRIMARY KEY CHECK (id = 0),
						user_id BLOB NOT NULL,
						dh_priv BLOB NOT NULL,
						dh_pub BLOB NOT NULL,
						signing_priv BLOB NOT NULL,
						signing_pub BLOB NOT NULL
					);

					CREATE TABLE _conversations (
						user_id BLOB NOT NULL,
						conversation_id BLOB NOT NULL,
						session_id BLOB NOT NULL,
						initiator INTEGER NOT NULL,
						ctime_sec INTEGER NOT NULL,
						PRIMARY KEY(user_id, conversation_id)
					);
					CREATE UNIQUE INDEX conversations_session_id on _conversations (session_id);

					CREATE TABLE _ratchet_states (
						id BLOB NOT NULL PRIMARY KEY,
						dhr BLOB,
						dhs_pub BLOB NOT NULL,
						dhs_priv BLOB NOT NULL,
						root_ch_key BLOB NOT NULL,
						send_ch_key BLOB NOT NULL,
						send_ch_count INTEGER NOT NULL,
						recv_ch_key BLOB NOT NULL,
						recv_ch_count INTEGER NOT NULL,
						pn INTEGER NOT NULL,
						max_skip INTEGER NOT NULL,
						hkr BLOB,
						nhkr BLOB,
						hks BLOB,
						nhks BLOB,
						max_keep INTEGER NOT NULL,
						mmk_per_session INTEGER NOT NULL,
						step INTEGER NOT NULL,
						keys_count INTEGER NOT NULL
					);

					CREATE TABLE _ratchet_keys (
						pub_key BLOB NOT NULL,
						message_key BLOB NOT NULL,
						msg_num INTEGER NOT NULL,
						session_id BLOB NOT NULL,
						seq_num INTEGER NOT NULL,
						ctime_sec INTEGER NOT NULL
					);
					CREATE UNIQUE INDEX ratchet_keys_pubkey_msg_num on _ratchet_keys (pub_key, msg_num);
					CREATE UNIQUE INDEX ratchet_keys_session_id_seq_num on _ratchet_keys (session_id, seq_num);
					CREATE INDEX ratchet_keys_ctime on _ratchet_keys (ctime_sec);

					CREATE TABLE _content_keys (
						session_id BLOB NOT NULL,
						pub_key BLOB NOT NULL,
						msg_num INTEGER NOT NULL,
						content_key BLOB NOT NULL,
						ctime_sec INTEGER NOT NULL,
						PRIMARY KEY(session_id, pub_key, msg_num)
					);
					CREATE INDEX content_keys_ctime on _content_keys (ctime_sec);

					CREATE TABLE _inbound_invitations (
						user_id BLOB NOT NULL,
						conversation_id BLOB NOT NULL,
						identity_key BLOB NOT NULL,
						ephemeral_key BLOB NOT NULL,
						signed_prekey BLOB NOT NULL,
						one_time_prekey BLOB,
						ctime_sec INTEGER NOT NULL,
						PRIMARY KEY(user_id, conversation_id)
					);

					CREATE TABLE _outbound_invitations (
						user_id BLOB NOT NULL,
						conversation_id BLOB NOT NULL,
						body BLOB NOT NULL,
						ctime_sec INTEGER NOT NULL,
						PRIMARY KEY(user_id, conversation_id)
					);

					CREATE TABLE _invalid_conversations (
						user_id BLOB NOT NULL,
						conversation_id BLOB NOT NULL,
						fingerprint BLOB NOT NULL,
						ctime_sec INTEGER NOT NULL,
						resend_after_sec INTEGER NOT NULL,
						PRIMARY KEY(user_id, conversation_id)
					);
					CREATE INDEX invalid_conversations_resend on _invalid_conversations (resend_after_sec);

					CREATE TABLE _signed_prekeys (
						pub BLOB PRIMARY KEY,
						priv BLOB NOT NULL,
						signature BLOB NOT NULL,
						ctime_sec INTEGER NOT NULL
					);

					CREATE TABLE _one_time_prekeys (
						pub BLOB PRIMARY KEY,
						priv BLOB NOT NULL,
						ctime_sec INTEGER NOT NULL
					);
				`)
				return err
			},
		},
	}); err != nil {
		return nil, err
	}

	return d, nil
}

func (db *database) identity() (*identity, error) {
	i := &identity{}
	if err := db.Tx.Get(i, "SELECT * FROM _identity WHERE id = 0"); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("messaging: error getting identity: %w", err)
	}
	return i, nil
}

func (db *database) insertIdentity(i *identity) error {
	if _, err := db.Tx.NamedExec("INSERT INTO _identity (id, user_id, dh_priv, dh_pub, signing_priv, signing_pub) VALUES (0, :user_id, :dh_priv, :dh_pub, :signing_priv, :signing_pub)", i); err != nil {
		return fmt.Errorf("messaging: error inserting identity: %w", err)
	}
	return nil
}

func (db *database) updateIdentityUserID(userID ids.ID) error {
	if _, err := db.Tx.Exec("UPDATE _identity SET user_id = $1 WHERE id = 0", userID); err != nil {
		return fmt.Errorf("messaging: error updating identity user id: %w", err)
	}
	return nil
}

func (db *database) conversation(userID, conversationID ids.ID) (*conversation, error) {
	c := &conversation{}
	if err := db.Tx.Get(c, "SELECT * FROM _conversations WHERE user_id = $1 AND conversation_id = $2", userID, conversationID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("messaging: error getting conversation: %w", err)
	}
	return c, nil
}

func (db *database) conversationForUser(userID ids.ID) (*conversation, error) {
	c := &conversation{}
	if err := db.Tx.Get(c, "SELECT * FROM _conversations WHERE user_id = $1 ORDER BY ctime_sec DESC LIMIT 1", userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("messaging: error getting conversation for user: %w", err)
	}
	return c, nil
}

func (db *database) insertConversation(c *conversation) error {
	if _, err := db.Tx.NamedExec("INSERT INTO _conversations (user_id, conversation_id, session_id, initiator, ctime_sec) VALUES (:user_id, :conversation_id, :session_id, :initiator, :ctime_sec)", c); err != nil {
		return fmt.Errorf("messaging: error inserting conversation: %w", err)
	}
	return nil
}

func (db *database) deleteConversation(userID, conversationID ids.ID) error {
	c, err := db.conversation(userID, conversationID)
	if err != nil {
		return err
	}
	if c == nil {
		return nil
	}
	if _, err := db.Tx.Exec("DELETE FROM _ratchet_keys WHERE session_id = $1", c.SessionID); err != nil {
		return fmt.Errorf("messaging: error deleting ratchet keys: %w", err)
	}
	if _, err := db.Tx.Exec("DELETE FROM _content_keys WHERE session_id = $1", c.SessionID); err != nil {
		return fmt.Errorf("messaging: error deleting content keys: %w", err)
	}
	if _, err := db.Tx.Exec("DELETE FROM _ratchet_states WHERE id = $1", c.SessionID); err != nil {
		return fmt.Errorf("messaging: error deleting ratchet state: %w", err)
	}
	if _, err := db.Tx.Exec("DELETE FROM _conversations WHERE user_id = $1 AND conversation_id = $2", userID, conversationID); err != nil {
		return fmt.Errorf("messaging: error deleting conversation: %w", err)
	}
	return nil
}

func (db *database) ratchetState(id []byte) (*ratchetState, error) {
	s := &ratchetState{}
	if err := db.Tx.Get(s, "SELECT * FROM _ratchet_states WHERE id = $1", id); err != nil {
		return nil, fmt.Errorf("messaging: error getting ratchet state: %w", err)
	}
	return s, nil
}

func (db *database) upsertRatchetState(s *ratchetState) error {
	if _, err := db.Tx.NamedExec("INSERT INTO _ratchet_states (id, dhr, dhs_pub, dhs_priv, root_ch_key, send_ch_key, send_ch_count, recv_ch_key, recv_ch_count, pn, max_skip, hkr, nhkr, hks, nhks, max_keep, mmk_per_session, step, keys_count) VALUES (:id, :dhr, :dhs_pub, :dhs_priv, :root_ch_key, :send_ch_key, :send_ch_count, :recv_ch_key, :recv_ch_count, :pn, :max_skip, :hkr, :nhkr, :hks, :nhks, :max_keep, :mmk_per_session, :step, :keys_count) ON CONFLICT(id) DO UPDATE SET dhr = :dhr, dhs_pub = :dhs_pub, dhs_priv = :dhs_priv, root_ch_key = :root_ch_key, send_ch_key = :send_ch_key, send_ch_count = :send_ch_count, recv_ch_key = :recv_ch_key, recv_ch_count = :recv_ch_count, pn = :pn, max_skip = :max_skip, hkr = :hkr, nhkr = :nhkr, hks = :hks, nhks = :nhks, max_keep = :max_keep, mmk_per_session = :mmk_per_session, step = :step, keys_count = :keys_count", s); err != nil {
		return fmt.Errorf("messaging: error upserting ratchet state: %w", err)
	}
	return nil
}

func (db *database) sessionStorage(cl clock.Clock) doubleratchet.SessionStorage {
	return &sessionStorageImpl{db: db, clock: cl}
}

func (db *database) ratchetCrypto() doubleratchet.Crypto {
	return &cryptoImpl{}
}

func (db *database) keysStorage(sessionID []byte, cl clock.Clock) doubleratchet.KeysStorage {
	return &keysStorageImpl{sessionID: sessionID, db: db, clock: cl}
}

func (db *database) keyByMsgNum(sessionID []byte, k doubleratchet.Key, msgNum uint) (*ratchetKey, bool, error) {
	kr := &ratchetKey{}
	err := db.Tx.Get(kr, "SELECT * FROM _ratchet_keys WHERE pub_key = ? AND msg_num = ? AND session_id = ?", k, msgNum, sessionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return kr, true, nil
}

func (db *database) insertKeyByMsgNum(sessionID []byte, k doubleratchet.Key, msgNum uint, mk doubleratchet.Key, keySeqNum uint, ctimeSec uint64) error {
	_, err := db.Tx.Exec("INSERT INTO _ratchet_keys (pub_key, message_key, msg_num, session_id, seq_num, ctime_sec) VALUES (?, ?, ?, ?, ?, ?)", k, mk, msgNum, sessionID, keySeqNum, ctimeSec)
	if err != nil {
		return fmt.Errorf("messaging: error inserting key by msgnum: %w", err)
	}
	return nil
}

func (db *database) deleteKeyByMsgNum(sessionID []byte, k doubleratchet.Key, msgNum uint) error {
	_, err := db.Tx.Exec("DELETE FROM _ratchet_keys WHERE pub_key = ? AND msg_num = ? AND session_id = ?", k, msgNum, sessionID)
	if err != nil {
		return fmt.Errorf("messaging: error deleting key by msgnum: %w", err)
	}
	return nil
}

func (db *database) deleteOldMks(sessionID []byte, deleteUntilSeqKey uint) error {
	_, err := db.Tx.Exec("DELETE FROM _ratchet_keys WHERE session_id = ? AND seq_num < ?", sessionID, deleteUntilSeqKey)
	if err != nil {
		return fmt.Errorf("messaging: error deleting old keys: %w", err)
	}
	return nil
}

func (db *database) truncateMks(sessionID []byte, maxKeys int) error {
	_, err := db.Tx.Exec("DELETE FROM _ratchet_keys WHERE session_id = ? AND seq_num NOT IN (SELECT seq_num FROM _ratchet_keys WHERE session_id = ? ORDER BY seq_num DESC LIMIT ?)", sessionID, sessionID, maxKeys)
	if err != nil {
		return fmt.Errorf("messaging: error truncating keys: %w", err)
	}
	return nil
}

func (db *database) countKeys(k doubleratchet.Key) (uint, error) {
	counter := &struct {
		Count uint `db:"keys_count"`
	}{Count: 0}
	if err := db.Tx.Get(counter, "SELECT count(*) AS keys_count FROM _ratchet_keys WHERE pub_key = ?", k); err != nil {
		return 0, fmt.Errorf("messaging: error counting keys: %w", err)
	}
	return counter.Count, nil
}

func (db *database) deleteKeysOlderThan(ctimeSec uint64) (int64, error) {
	r1, err := db.Tx.Exec("DELETE FROM _ratchet_keys WHERE ctime_sec < ?", ctimeSec)
	if err != nil {
		return 0, fmt.Errorf("messaging: error deleting aged ratchet keys: %w", err)
	}
	r2, err := db.Tx.Exec("DELETE FROM _content_keys WHERE ctime_sec < ?", ctimeSec)
	if err != nil {
		return 0, fmt.Errorf("messaging: error deleting aged content keys: %w", err)
	}
	n1, err := r1.RowsAffected()
	if err != nil {
		return 0, err
	}
	n2, err := r2.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n1 + n2, nil
}

func (db *database) contentKey(sessionID, pubKey []byte, msgNum uint) (*contentKey, bool, error) {
	ck := &contentKey{}
	err := db.Tx.Get(ck, "SELECT * FROM _content_keys WHERE session_id = ? AND pub_key = ? AND msg_num = ?", sessionID, pubKey, msgNum)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return ck, true, nil
}

func (db *database) upsertContentKey(ck *contentKey) error {
	if _, err := db.Tx.NamedExec("INSERT INTO _content_keys (session_id, pub_key, msg_num, content_key, ctime_sec) VALUES (:session_id, :pub_key, :msg_num, :content_key, :ctime_sec) ON CONFLICT(session_id, pub_key, msg_num) DO NOTHING", ck); err != nil {
		return fmt.Errorf("messaging: error upserting content key: %w", err)
	}
	return nil
}

func (db *database) inboundInvitation(userID, conversationID ids.ID) (*inboundInvitation, error) {
	inv := &inboundInvitation{}
	if err := db.Tx.Get(inv, "SELECT * FROM _inbound_invitations WHERE user_id = $1 AND conversation_id = $2", userID, conversationID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("messaging: error getting inbound invitation: %w", err)
	}
	return inv, nil
}

func (db *database) upsertInboundInvitation(inv *inboundInvitation) error {
	if _, err := db.Tx.NamedExec("INSERT INTO _inbound_invitations (user_id, conversation_id, identity_key, ephemeral_key, signed_prekey, one_time_prekey, ctime_sec) VALUES (:user_id, :conversation_id, :identity_key, :ephemeral_key, :signed_prekey, :one_time_prekey, :ctime_sec) ON CONFLICT(user_id, conversation_id) DO UPDATE SET identity_key = :identity_key, ephemeral_key = :ephemeral_key, signed_prekey = :signed_prekey, one_time_prekey = :one_time_prekey, ctime_sec = :ctime_sec", inv); err != nil {
		return fmt.Errorf("messaging: error upserting inbound invitation: %w", err)
	}
	return nil
}

func (db *database) deleteInboundInvitation(userID, conversationID ids.ID) error {
	if _, err := db.Tx.Exec("DELETE FROM _inbound_invitations WHERE user_id = $1 AND conversation_id = $2", userID, conversationID); err != nil {
		return fmt.Errorf("messaging: error deleting inbound invitation: %w", err)
	}
	return nil
}

func (db *database) outboundInvitation(userID, conversationID ids.ID) (*outboundInvitation, error) {
	inv := &outboundInvitation{}
	if err := db.Tx.Get(inv, "SELECT * FROM _outbound_invitations WHERE user_id = $1 AND conversation_id = $2", userID, conversationID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("messaging: error getting outbound invitation: %w", err)
	}
	return inv, nil
}

func (db *database) upsertOutboundInvitation(inv *outboundInvitation) error {
	if _, err := db.Tx.NamedExec("INSERT INTO _outbound_invitations (user_id, conversation_id, body, ctime_sec) VALUES (:user_id, :conversation_id, :body, :ctime_sec) ON CONFLICT(user_id, conversation_id) DO UPDATE SET body = :body, ctime_sec = :ctime_sec", inv); err != nil {
		return fmt.Errorf("messaging: error upserting outbound invitation: %w", err)
	}
	return nil
}

func (db *database) deleteOutboundInvitation(userID, conversationID ids.ID) error {
	if _, err := db.Tx.Exec("DELETE FROM _outbound_invitations WHERE user_id = $1 AND conversation_id = $2", userID, conversationID); err != nil {
		return fmt.Errorf("messaging: error deleting outbound invitation: %w", err)
	}
	return nil
}

func (db *database) invalidConversation(userID, conversationID ids.ID) (*invalidConversation, error) {
	ic := &invalidConversation{}
	if err := db.Tx.Get(ic, "SELECT * FROM _invalid_conversations WHERE user_id = $1 AND conversation_id = $2", userID, conversationID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("messaging: error getting invalid conversation: %w", err)
	}
	return ic, nil
}

func (db *database) upsertInvalidConversation(ic *invalidConversation) error {
	if _, err := db.Tx.NamedExec("INSERT INTO _invalid_conversations (user_id, conversation_id, fingerprint, ctime_sec, resend_after_sec) VALUES (:user_id, :conversation_id, :fingerprint, :ctime_sec, :resend_after_sec) ON CONFLICT(user_id, conversation_id) DO UPDATE SET fingerprint = :fingerprint, ctime_sec = :ctime_sec, resend_after_sec = :resend_after_sec", ic); err != nil {
		return fmt.Errorf("messaging: error upserting invalid conversation: %w", err)
	}
	return nil
}

func (db *database) deleteInvalidConversation(userID, conversationID ids.ID) error {
	if _, err := db.Tx.Exec("DELETE FROM _invalid_conversations WHERE user_id = $1 AND conversation_id = $2", userID, conversationID); err != nil {
		return fmt.Errorf("messaging: error deleting invalid conversation: %w", err)
	}
	return nil
}

func (db *database) deleteExpiredInvalidConversations(nowSec uint64) (int64, error) {
	r, err := db.Tx.Exec("DELETE FROM _invalid_conversations WHERE resend_after_sec < ?", nowSec)
	if err != nil {
		return 0, fmt.Errorf("messaging: error deleting expired invalid conversations: %w", err)
	}
	return r.RowsAffected()
}

func (db *database) insertSignedPrekey(sp *signedPrekey) error {
	if _, err := db.Tx.NamedExec("INSERT INTO _signed_prekeys (pub, priv, signature, ctime_sec) VALUES (:pub, :priv, :signature, :ctime_sec)", sp); err != nil {
		return fmt.Errorf("messaging: error inserting signed prekey: %w", err)
	}
	return nil
}

func (db *database) signedPrekeyByPub(pub []byte) (*signedPrekey, error) {
	sp := &signedPrekey{}
	if err := db.Tx.Get(sp, "SELECT * FROM _signed_prekeys WHERE pub = $1", pub); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("messaging: error getting signed prekey: %w", err)
	}
	return sp, nil
}

func (db *database) latestSignedPrekey() (*signedPrekey, error) {
	sp := &signedPrekey{}
	if err := db.Tx.Get(sp, "SELECT * FROM _signed_prekeys ORDER BY ctime_sec DESC LIMIT 1"); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("messaging: error getting latest signed prekey: %w", err)
	}
	return sp, nil
}

func (db *database) insertOneTimePrekeys(pks []*oneTimePrekey) error {
	for _, pk := range pks {
		if _, err := db.Tx.NamedExec("INSERT INTO _one_time_prekeys (pub, priv, ctime_sec) VALUES (:pub, :priv, :ctime_sec)", pk); err != nil {
			return fmt.Errorf("messaging: error inserting one-time prekey: %w", err)
		}
	}
	return nil
}

// consumeOneTimePrekey deletes and returns the prekey for pub, if present.
func (db *database) consumeOneTimePrekey(pub []byte) (*oneTimePrekey, error) {
	pk := &oneTimePrekey{}
	if err := db.Tx.Get(pk, "SELECT * FROM _one_time_prekeys WHERE pub = $1", pub); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("messaging: error getting one-time prekey: %w", err)
	}
	if _, err := db.Tx.Exec("DELETE FROM _one_time_prekeys WHERE pub = $1", pub); err != nil {
		return nil, fmt.Errorf("messaging: error consuming one-time prekey: %w", err)
	}
	return pk, nil
}

func (db *database) countOneTimePrekeys() (int, error) {
	counter := &struct {
		Count int `db:"prekey_count"`
	}{}
	if err := db.Tx.Get(counter, "SELECT count(*) AS prekey_count FROM _one_time_prekeys"); err != nil {
		return 0, fmt.Errorf("messaging: error counting one-time prekeys: %w", err)
	}
	return counter.Count, nil
}
