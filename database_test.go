package main

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectToDBSqlite(t *testing.T) {
	cnf := DatabaseConfig{Driver: driverSqlite, Name: filepath.Join(t.TempDir(), "custodian.db")}

	db, err := ConnectToDB(cnf, NewLoggerIPFS("root.test"))
	require.NoError(t, err)

	for _, model := range []any{&CustodyLedger{}, &LedgerAction{}, &CustodyRoot{}, &RPCRecord{}} {
		assert.True(t, db.Migrator().HasTable(model), "%T", model)
	}

	_, err = ConnectToDB(DatabaseConfig{Driver: "mysql"}, NewLoggerIPFS("root.test"))
	require.EqualError(t, err, "unsupported driver: mysql")
}

func TestWithRetries(t *testing.T) {
	logger := NewLoggerIPFS("root.test")

	t.Run("succeeds after a failure", func(t *testing.T) {
		calls := 0
		err := withRetries(3, logger, func() error {
			calls++
			if calls < 2 {
				return errors.New("not ready")
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 2, calls)
	})

	t.Run("returns the last error", func(t *testing.T) {
		calls := 0
		err := withRetries(0, logger, func() error {
			calls++
			return errors.New("down")
		})
		require.EqualError(t, err, "down")
		assert.Equal(t, 1, calls, "at least one attempt")
	})

	t.Run("stops at the attempt bound", func(t *testing.T) {
		calls := 0
		err := withRetries(2, logger, func() error {
			calls++
			return errors.New("still down")
		})
		require.EqualError(t, err, "still down")
		assert.Equal(t, 2, calls)
	})
}

func TestPostgresqlDSN(t *testing.T) {
	cnf := DatabaseConfig{Username: "u", Password: "p", Host: "h", Port: "5432", Name: "custodian"}
	assert.Equal(t, "user=u password=p host=h port=5432 dbname=custodian sslmode=disable", postgresqlDSN(cnf))

	cnf.Schema = "ledgers"
	assert.Equal(t, "user=u password=p host=h port=5432 dbname=custodian sslmode=disable search_path=ledgers", postgresqlDSN(cnf))
}
