package group

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/rally-im/go-rally/ids"
	"github.com/rally-im/go-rally/internal/db"
	"github.com/rally-im/go-rally/migration"
)

const (
	KindTeam   uint8 = 0
	KindMeetup uint8 = 1
)

const (
	StateUnsynced uint8 = 0
	StateSynced   uint8 = 1
	StateDeleted  uint8 = 2
)

type groupRecord struct {
	ID       []byte `db:"id"`
	Kind     uint8  `db:"kind"`
	Name     string `db:"name"`
	GroupKey []byte `db:"group_key"`
	OwnerID  []byte `db:"owner_id"`
	JoinMode uint8  `db:"join_mode"`
	Tag      []byte `db:"tag"`
	ParentID []byte `db:"parent_id"`
	ChildID  []byte `db:"child_id"`
	State    uint8  `db:"state"`
	CtimeSec uint64 `db:"ctime_sec"`
}

type membershipRecord struct {
	UserID     []byte `db:"user_id"`
	GroupID    []byte `db:"group_id"`
	SigningKey []byte `db:"signing_key"`
	IssuerKey  []byte `db:"issuer_key"`
	Admin      bool   `db:"admin"`
	SelfCert   []byte `db:"self_cert"`
	ServerCert []byte `db:"server_cert"`
	CtimeSec   uint64 `db:"ctime_sec"`
}

type locationSharingRecord struct {
	UserID       []byte `db:"user_id"`
	GroupID      []byte `db:"group_id"`
	Enabled      bool   `db:"enabled"`
	LastUpdateMs int64  `db:"last_update_ms"`
}

type database struct {
	*db.Database
}

func newDatabase(internalDB *db.Database) (*database, error) {
	d := &database{internalDB}

	if err := internalDB.MigrateNoLock("_group", []*migration.Migration{
		{
			Name: "Create initial tables",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE _groups (
						id BLOB PRIMARY KEY,
						kind INTEGER NOT NULL,
						name STRING NOT NULL DEFAULT '',
						group_key BLOB NOT NULL,
						owner_id BLOB NOT NULL,
						join_mode INTEGER NOT NULL DEFAULT 0,
						tag BLOB,
						parent_id BLOB,
						child_id BLOB,
						state INTEGER NOT NULL DEFAULT 0,
						ctime_sec INTEGER NOT NULL
					);

					CREATE TABLE _memberships (
						user_id BLOB NOT NULL,
						group_id BLOB NOT NULL,
						signing_key BLOB NOT NULL,
						issuer_key BLOB NOT NULL,
						admin INTEGER NOT NULL,
						self_cert BLOB,
						server_cert BLOB,
						ctime_sec INTEGER NOT NULL,
						PRIMARY KEY(user_id, group_id)
					);
					CREATE INDEX memberships_group_id on _memberships (group_id);

					CREATE TABLE _location_sharing (
						user_id BLOB NOT NULL,
						group_id BLOB NOT NULL,
						enabled INTEGER NOT NULL,
						last_update_ms INTEGER NOT NULL,
						PRIMARY KEY(user_id, group_id)
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

func (db *database) group(id ids.ID) (*groupRecord, error) {
	g := &groupRecord{}
	if err := db.Tx.Get(g, "SELECT * FROM _groups WHERE id = $1", id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("group: error getting group: %w", err)
	}
	return g, nil
}

func (db *database) groups() ([]*groupRecord, error) {
	var groups []*groupRecord
	if err := db.Tx.Select(&groups, "SELECT * FROM _groups WHERE state != $1 ORDER BY ctime_sec", StateDeleted); err != nil {
		return nil, fmt.Errorf("group: error getting groups: %w", err)
	}
	return groups, nil
}

func (db *database) insertGroup(g *groupRecord) error {
	if _, err := db.Tx.NamedExec("INSERT INTO _groups (id, kind, name, group_key, owner_id, join_mode, tag, parent_id, child_id, state, ctime_sec) VALUES (:id, :kind, :name, :group_key, :owner_id, :join_mode, :tag, :parent_id, :child_id, :state, :ctime_sec)", g); err != nil {
		return fmt.Errorf("group: error inserting group: %w", err)
	}
	return nil
}

func (db *database) updateGroup(g *groupRecord) error {
	if _, err := db.Tx.NamedExec("UPDATE _groups SET kind = :kind, name = :name, group_key = :group_key, owner_id = :owner_id, join_mode = :join_mode, tag = :tag, parent_id = :parent_id, child_id = :child_id, state = :state WHERE id = :id", g); err != nil {
		return fmt.Errorf("group: error updating group: %w", err)
	}
	return nil
}

func (db *database) markGroupDeleted(id ids.ID) error {
	if _, err := db.Tx.Exec("UPDATE _groups SET state = $1 WHERE id = $2", StateDeleted, id); err != nil {
		return fmt.Errorf("group: error marking group deleted: %w", err)
	}
	if _, err := db.Tx.Exec("DELETE FROM _memberships WHERE group_id = $1", id); err != nil {
		return fmt.Errorf("group: error deleting memberships: %w", err)
	}
	if _, err := db.Tx.Exec("DELETE FROM _location_sharing WHERE group_id = $1", id); err != nil {
		return fmt.Errorf("group: error deleting location sharing: %w", err)
	}
	return nil
}

func (db *database) membership(userID, groupID ids.ID) (*membershipRecord, error) {
	m := &membershipRecord{}
	if err := db.Tx.Get(m, "SELECT * FROM _memberships WHERE user_id = $1 AND group_id = $2", userID, groupID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("group: error getting membership: %w", err)
	}
	return m, nil
}

func (db *database) memberships(groupID ids.ID) ([]*membershipRecord, error) {
	var members []*membershipRecord
	if err := db.Tx.Select(&members, "SELECT * FROM _memberships WHERE group_id = $1 ORDER BY ctime_sec", groupID); err != nil {
		return nil, fmt.Errorf("group: error getting memberships: %w", err)
	}
	return members, nil
}

func (db *database) upsertMembership(m *membershipRecord) error {
	if _, err := db.Tx.NamedExec("INSERT INTO _memberships (user_id, group_id, signing_key, issuer_key, admin, self_cert, server_cert, ctime_sec) VALUES (:user_id, :group_id, :signing_key, :issuer_key, :admin, :self_cert, :server_cert, :ctime_sec) ON CONFLICT(user_id, group_id) DO UPDATE SET signing_key = :signing_key, issuer_key = :issuer_key, admin = :admin, self_cert = :self_cert, server_cert = :server_cert", m); err != nil {
		return fmt.Errorf("group: error upserting membership: %w", err)
	}
	return nil
}

func (db *database) deleteMembership(userID, groupID ids.ID) error {
	if _, err := db.Tx.Exec("DELETE FROM _memberships WHERE user_id = $1 AND group_id = $2", userID, groupID); err != nil {
		return fmt.Errorf("group: error deleting membership: %w", err)
	}
	return nil
}

func (db *database) locationSharing(groupID ids.ID) ([]*locationSharingRecord, error) {
	var records []*locationSharingRecord
	if err := db.Tx.Select(&records, "SELECT * FROM _location_sharing WHERE group_id = $1", groupID); err != nil {
		return nil, fmt.Errorf("group: error getting location sharing: %w", err)
	}
	return records, nil
}

// upsertLocationSharingIfNewer applies last-write-wins by the sender-asserted
// timestamp, reporting whether the update was applied.
func (db *database) upsertLocationSharingIfNewer(r *locationSharingRecord) (bool, error) {
	res, err := db.Tx.NamedExec("INSERT INTO _location_sharing (user_id, group_id, enabled, last_update_ms) VALUES (:user_id, :group_id, :enabled, :last_update_ms) ON CONFLICT(user_id, group_id) DO UPDATE SET enabled = :enabled, last_update_ms = :last_update_ms WHERE :last_update_ms > last_update_ms", r)
	if err != nil {
		return false, fmt.Errorf("group: error upserting location sharing: %w", err)
	}
	count, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("group: error upserting location sharing: %w", err)
	}
	return count != 0, nil
}
