package db

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/rally-im/go-rally/config"
	"github.com/rally-im/go-rally/migration"
	"go.uber.org/zap"
)

type migrator struct {
	log        *zap.SugaredLogger
	db         *Database
	name       string
	migrations []*migration.Migration
	lock       bool
}

func newMigrator(c *config.Config, db *Database, name string, migrations []*migration.Migration, lock bool) (*migrator, error) {
	if strings.ContainsRune(name, '"') {
		return nil, fmt.Errorf("migrator: name cannot contain a double quote: %s", name)
	}
	return &migrator{c.Logger("migrator"), db, name, migrations, lock}, nil
}

func (m *migrator) migrate() error {
	tableName := fmt.Sprintf("_migration_%s_seq", m.name)
	runner := func() error {
		if _, err := m.db.Tx.Exec(fmt.Sprintf(`CREATE TABLE IF NOT EXISTS "%s" (
			seq INTEGER NOT NULL PRIMARY KEY
		)`, tableName)); err != nil {
			return fmt.Errorf("migrator: error creating migration table: %w", err)
		}

		seq := 0
		if err := m.db.Tx.Get(&seq, fmt.Sprintf(`SELECT seq FROM "%s"`, tableName)); err != nil {
			if err != sql.ErrNoRows {
				return fmt.Errorf("migrator: error getting migration seq: %w", err)
			}
			if _, err := m.db.Tx.Exec(fmt.Sprintf(`INSERT INTO "%s" (seq) VALUES (0)`, tableName)); err != nil {
				return fmt.Errorf("migrator: error initializing migration seq: %w", err)
			}
		}

		for i := seq; i < len(m.migrations); i++ {
			mig := m.migrations[i]
			m.log.Debugf("running migration %s/%s", m.name, mig)
			if err := mig.Func(m.db.Tx.Tx); err != nil {
				return fmt.Errorf("migrator: error running migration %s: %w", mig, err)
			}
		}

		if _, err := m.db.Tx.Exec(fmt.Sprintf(`UPDATE "%s" SET seq = ?`, tableName), len(m.migrations)); err != nil {
			return fmt.Errorf("migrator: error updating migration seq: %w", err)
		}
		return nil
	}
	if m.lock {
		return m.db.Run(fmt.Sprintf("migrating %s", m.name), runner)
	}
	return m.db.runTx(fmt.Sprintf("migrating %s", m.name), &sql.TxOptions{Isolation: sql.LevelDefault, ReadOnly: false}, runner)
}
