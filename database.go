package main

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
	"github.com/sethvargo/go-retry"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

const (
	driverPostgres = "postgres"
	driverSqlite   = "sqlite"

	defaultPostgresPort = "5432"
	dbRetryBackoff      = time.Second
)

// DatabaseConfig selects the ledger store.
//
// Postgres needs every field. SQLite only needs the "sqlite" driver and keeps
// the store in memory unless CUSTODIAN_DATABASE_NAME names a file.
// CUSTODIAN_DATABASE_URL takes precedence over the individual variables, see ParseConnectionString.
type DatabaseConfig struct {
	URL      string `env:"CUSTODIAN_DATABASE_URL" env-default:""`
	Name     string `env:"CUSTODIAN_DATABASE_NAME" env-default:""`
	Schema   string `env:"CUSTODIAN_DATABASE_SCHEMA" env-default:""`
	Driver   string `env:"CUSTODIAN_DATABASE_DRIVER" env-default:"postgres"`
	Username string `env:"CUSTODIAN_DATABASE_USERNAME" env-default:"postgres"`
	Password string `env:"CUSTODIAN_DATABASE_PASSWORD" env-default:"your-super-secret-and-long-postgres-password"`
	Host     string `env:"CUSTODIAN_DATABASE_HOST" env-default:"localhost"`
	Port     string `env:"CUSTODIAN_DATABASE_PORT" env-default:"5432"`
	Retries  int    `env:"CUSTODIAN_DATABASE_RETRIES" env-default:"5"`
}

// ParseConnectionString accepts "file:<path>" for SQLite and postgres:// or
// postgresql:// URLs. The search_path and retries query parameters map to
// Schema and Retries.
func ParseConnectionString(connStr string) (DatabaseConfig, error) {
	if path, ok := strings.CutPrefix(connStr, "file:"); ok {
		name, _, _ := strings.Cut(path, "?")
		return DatabaseConfig{Name: name, Driver: driverSqlite, Retries: 1}, nil
	}

	parsedURL, err := url.Parse(connStr)
	if err != nil {
		return DatabaseConfig{}, fmt.Errorf("invalid connection string: %w", err)
	}
	if parsedURL.Scheme != "postgres" && parsedURL.Scheme != "postgresql" {
		return DatabaseConfig{}, fmt.Errorf("unsupported scheme: %s", parsedURL.Scheme)
	}

	cnf := DatabaseConfig{
		Name:    strings.TrimPrefix(parsedURL.Path, "/"),
		Driver:  driverPostgres,
		Host:    parsedURL.Hostname(),
		Port:    parsedURL.Port(),
		Retries: 5,
	}
	if cnf.Port == "" {
		cnf.Port = defaultPostgresPort
	}
	if user := parsedURL.User; user != nil {
		cnf.Username = user.Username()
		cnf.Password, _ = user.Password()
	}

	query := parsedURL.Query()
	cnf.Schema = query.Get("search_path")
	if r := query.Get("retries"); r != "" {
		if retries, err := strconv.Atoi(r); err == nil {
			cnf.Retries = retries
		}
	}
	return cnf, nil
}

// ConnectToDB opens the ledger store and brings its schema up to date:
// goose migrations for Postgres, gorm auto-migration for SQLite.
func ConnectToDB(cnf DatabaseConfig, logger Logger) (*gorm.DB, error) {
	logger = logger.NewSystem("database").With("driver", cnf.Driver)

	switch cnf.Driver {
	case driverPostgres:
		return connectToPostgresql(cnf, logger)
	case driverSqlite, "":
		return connectToSqlite(cnf, logger)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cnf.Driver)
	}
}

func connectToPostgresql(cnf DatabaseConfig, logger Logger) (*gorm.DB, error) {
	var db *gorm.DB
	err := withRetries(cnf.Retries, logger, func() error {
		if err := ensurePostgresqlSchema(cnf, logger); err != nil {
			return fmt.Errorf("failed to ensure Postgresql schema: %w", err)
		}
		if err := migratePostgres(cnf, logger); err != nil {
			return fmt.Errorf("failed to apply Postgresql migrations: %w", err)
		}

		var err error
		db, err = gorm.Open(postgres.Open(postgresqlDSN(cnf)), &gorm.Config{NamingStrategy: namingStrategy(cnf)})
		return err
	})
	if err != nil {
		return nil, err
	}

	logger.Info("connected to database", "host", cnf.Host, "name", cnf.Name, "schema", cnf.Schema)
	return db, nil
}

func connectToSqlite(cnf DatabaseConfig, logger Logger) (*gorm.DB, error) {
	dsn := "file::memory:?cache=shared"
	if cnf.Name != "" {
		dsn = fmt.Sprintf("file:%s?cache=shared", cnf.Name)
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{NamingStrategy: namingStrategy(cnf)})
	if err != nil {
		return nil, err
	}
	if err := migrateSqlite(db); err != nil {
		return nil, fmt.Errorf("failed to migrate sqlite: %w", err)
	}

	logger.Info("connected to database", "name", cnf.Name, "inMemory", cnf.Name == "")
	return db, nil
}

// withRetries runs fn up to attempts times with a linearly growing pause.
func withRetries(attempts int, logger Logger, fn func() error) error {
	attempts = max(attempts, 1)
	backoff := retry.WithMaxRetries(uint64(attempts-1), retry.NewLinear(dbRetryBackoff))

	attempt := 0
	return retry.Do(context.Background(), backoff, func(context.Context) error {
		attempt++
		err := fn()
		if err == nil {
			return nil
		}
		if attempt < attempts {
			logger.Warn("database not ready, retrying", "attempt", attempt, "of", attempts, "error", err)
		}
		return retry.RetryableError(err)
	})
}

func namingStrategy(cnf DatabaseConfig) schema.NamingStrategy {
	if cnf.Schema == "" {
		return schema.NamingStrategy{}
	}
	return schema.NamingStrategy{TablePrefix: cnf.Schema + "."}
}

func postgresqlDSN(cnf DatabaseConfig) string {
	dsn := fmt.Sprintf(
		"user=%s password=%s host=%s port=%s dbname=%s sslmode=disable",
		cnf.Username, cnf.Password, cnf.Host, cnf.Port, cnf.Name,
	)
	if cnf.Schema != "" {
		dsn += " search_path=" + cnf.Schema
	}
	return dsn
}

func ensurePostgresqlSchema(cnf DatabaseConfig, logger Logger) error {
	if cnf.Schema == "" {
		return nil
	}

	withoutSchema := cnf
	withoutSchema.Schema = ""
	db, err := sqlx.Connect(driverPostgres, postgresqlDSN(withoutSchema))
	if err != nil {
		return err
	}
	defer db.Close()

	var exists []int
	if err := db.Select(&exists, "SELECT 1 FROM information_schema.schemata WHERE schema_name = $1", cnf.Schema); err != nil {
		return fmt.Errorf("error while checking schema existence: %w", err)
	}
	if len(exists) > 0 {
		return nil
	}

	if _, err = db.Exec(fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", cnf.Schema)); err != nil {
		return fmt.Errorf("error while creating schema: %w", err)
	}
	logger.Info("schema created", "schema", cnf.Schema)
	return nil
}

func migratePostgres(cnf DatabaseConfig, logger Logger) error {
	db, err := goose.OpenDBWithDriver(driverPostgres, postgresqlDSN(cnf))
	if err != nil {
		return err
	}
	defer db.Close()

	if cnf.Schema != "" {
		if _, err := db.Exec(fmt.Sprintf("SET search_path TO %s", cnf.Schema)); err != nil {
			return fmt.Errorf("failed to set search path: %w", err)
		}
	}

	goose.SetBaseFS(embedMigrations)
	if err := goose.SetDialect(driverPostgres); err != nil {
		return err
	}
	if err := goose.Up(db, "config/migrations/"+driverPostgres); err != nil {
		return fmt.Errorf("goose up: %w", err)
	}

	version, err := goose.GetDBVersion(db)
	if err != nil {
		return err
	}
	logger.Info("migrations applied", "version", version)
	return nil
}

func migrateSqlite(db *gorm.DB) error {
	return db.AutoMigrate(&CustodyLedger{}, &LedgerAction{}, &CustodyRoot{}, &RPCRecord{})
}
