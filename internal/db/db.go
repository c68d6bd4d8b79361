package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	sqlite3 "github.com/mattn/go-sqlite3"
	log "github.com/sirupsen/logrus"
)

// DB wraps a sql.DB together with the dialect knowledge the stores need.
// Supported drivers are "postgres" (production) and "sqlite3" (tests and
// single-node embedded deployments).
type DB struct {
	sql    *sql.DB
	driver string
}

// Open connects to the database and verifies the connection.
func Open(driver, dsn string) (*DB, error) {
	if driver != "postgres" && driver != "sqlite3" {
		return nil, fmt.Errorf("db: unsupported driver %q", driver)
	}
	h, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("db: open: %w", err)
	}
	if driver == "sqlite3" {
		// In-memory databases break with multiple connections, and sqlite
		// only honors ON DELETE CASCADE with the pragma on.
		h.SetMaxOpenConns(1)
		if _, err := h.Exec("PRAGMA foreign_keys = ON"); err != nil {
			h.Close()
			return nil, fmt.Errorf("db: enable foreign keys: %w", err)
		}
	}
	if err := h.Ping(); err != nil {
		h.Close()
		return nil, fmt.Errorf("db: ping: %w", err)
	}
	log.WithFields(log.Fields{"subsystem": "db", "driver": driver}).Info("database connected")
	return &DB{sql: h, driver: driver}, nil
}

// Close closes the underlying pool.
func (d *DB) Close() error { return d.sql.Close() }

// Handle exposes the raw sql.DB for stores in other packages.
func (d *DB) Handle() *sql.DB { return d.sql }

// Driver returns the active driver name.
func (d *DB) Driver() string { return d.driver }

// rebind converts ?-style placeholders to the dialect's form. Queries are
// written with ? throughout; postgres needs $1..$N.
func (d *DB) rebind(query string) string {
	if d.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// insertReturningID runs an INSERT and returns the generated surrogate key.
func (d *DB) insertReturningID(ctx context.Context, q queryer, query string, args ...interface{}) (int64, error) {
	if d.driver == "postgres" {
		var id int64
		err := q.QueryRowContext(ctx, d.rebind(query+" RETURNING id"), args...).Scan(&id)
		return id, mapError(err)
	}
	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, mapError(err)
	}
	return res.LastInsertId()
}

// withTx runs fn inside a transaction, rolling back on error or panic.
func (d *DB) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("db: begin: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("db: commit: %w", err)
	}
	return nil
}

// mapError normalizes driver errors onto the store error kinds.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	var sqErr sqlite3.Error
	if errors.As(err, &sqErr) &&
		(sqErr.ExtendedCode == sqlite3.ErrConstraintUnique || sqErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey) {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return err
}

// nowMillis is the single clock the stores use, overridable in tests.
var nowMillis = func() int64 { return time.Now().UnixMilli() }

// Migrate creates the schema if it does not exist. DDL is written portable
// between sqlite and postgres; the serial primary key is the one dialect
// split.
func (d *DB) Migrate(ctx context.Context) error {
	pk := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if d.driver == "postgres" {
		pk = "BIGSERIAL PRIMARY KEY"
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS boxes (
			id ` + pk + `,
			name TEXT NOT NULL,
			token TEXT NOT NULL,
			baseurl TEXT NOT NULL,
			sendmethod TEXT NOT NULL,
			online BOOLEAN NOT NULL DEFAULT FALSE,
			lastcontact BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_unique_box_name ON boxes (name)`,
		`CREATE TABLE IF NOT EXISTS outgoingtransactions (
			id ` + pk + `,
			boxid BIGINT NOT NULL,
			boxname TEXT NOT NULL,
			sentimagecount BIGINT NOT NULL DEFAULT 0,
			totalimagecount BIGINT NOT NULL,
			created BIGINT NOT NULL,
			updated BIGINT NOT NULL,
			status TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS outgoingimages (
			id ` + pk + `,
			outgoingtransactionid BIGINT NOT NULL REFERENCES outgoingtransactions(id) ON DELETE CASCADE,
			imageid BIGINT NOT NULL,
			sequencenumber BIGINT NOT NULL,
			sent BOOLEAN NOT NULL DEFAULT FALSE
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_unique_outgoing_image
			ON outgoingimages (outgoingtransactionid, sequencenumber)`,
		`CREATE TABLE IF NOT EXISTS outgoingtagvalues (
			id ` + pk + `,
			outgoingimageid BIGINT NOT NULL REFERENCES outgoingimages(id) ON DELETE CASCADE,
			tag BIGINT NOT NULL,
			value TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS incomingtransactions (
			id ` + pk + `,
			boxid BIGINT NOT NULL,
			boxname TEXT NOT NULL,
			outgoingtransactionid BIGINT NOT NULL,
			receivedimagecount BIGINT NOT NULL DEFAULT 0,
			addedimagecount BIGINT NOT NULL DEFAULT 0,
			totalimagecount BIGINT NOT NULL,
			created BIGINT NOT NULL,
			updated BIGINT NOT NULL,
			status TEXT NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_unique_incoming_transaction
			ON incomingtransactions (boxid, outgoingtransactionid)`,
		`CREATE TABLE IF NOT EXISTS incomingimages (
			id ` + pk + `,
			incomingtransactionid BIGINT NOT NULL REFERENCES incomingtransactions(id) ON DELETE CASCADE,
			imageid BIGINT NOT NULL,
			sequencenumber BIGINT NOT NULL,
			overwrite BOOLEAN NOT NULL DEFAULT FALSE
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_unique_incoming_image
			ON incomingimages (incomingtransactionid, sequencenumber)`,
		`CREATE TABLE IF NOT EXISTS anonymizationkeys (
			id ` + pk + `,
			created BIGINT NOT NULL,
			imageid BIGINT NOT NULL,
			patientname TEXT NOT NULL,
			anonpatientname TEXT NOT NULL,
			patientid TEXT NOT NULL,
			anonpatientid TEXT NOT NULL,
			patientbirthdate TEXT NOT NULL,
			studyinstanceuid TEXT NOT NULL,
			anonstudyinstanceuid TEXT NOT NULL,
			studydescription TEXT NOT NULL,
			studyid TEXT NOT NULL,
			accessionnumber TEXT NOT NULL,
			seriesinstanceuid TEXT NOT NULL,
			anonseriesinstanceuid TEXT NOT NULL,
			seriesdescription TEXT NOT NULL,
			protocolname TEXT NOT NULL,
			frameofreferenceuid TEXT NOT NULL,
			anonframeofreferenceuid TEXT NOT NULL,
			sopinstanceuid TEXT NOT NULL,
			anonsopinstanceuid TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_anonkey_image ON anonymizationkeys (imageid)`,
		`CREATE TABLE IF NOT EXISTS patients (
			id ` + pk + `,
			patientname TEXT NOT NULL,
			patientid TEXT NOT NULL,
			patientbirthdate TEXT NOT NULL DEFAULT '',
			patientsex TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_unique_patient ON patients (patientname, patientid)`,
		`CREATE TABLE IF NOT EXISTS studies (
			id ` + pk + `,
			patientid BIGINT NOT NULL REFERENCES patients(id) ON DELETE CASCADE,
			studyinstanceuid TEXT NOT NULL,
			studydescription TEXT NOT NULL DEFAULT '',
			studyid TEXT NOT NULL DEFAULT '',
			accessionnumber TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_unique_study ON studies (studyinstanceuid)`,
		`CREATE TABLE IF NOT EXISTS series (
			id ` + pk + `,
			studyid BIGINT NOT NULL REFERENCES studies(id) ON DELETE CASCADE,
			seriesinstanceuid TEXT NOT NULL,
			seriesdescription TEXT NOT NULL DEFAULT '',
			protocolname TEXT NOT NULL DEFAULT '',
			frameofreferenceuid TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_unique_series ON series (seriesinstanceuid)`,
		`CREATE TABLE IF NOT EXISTS images (
			id ` + pk + `,
			seriesid BIGINT NOT NULL REFERENCES series(id) ON DELETE CASCADE,
			sopinstanceuid TEXT NOT NULL,
			sopclassuid TEXT NOT NULL DEFAULT '',
			transfersyntaxuid TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_unique_image ON images (seriesid, sopinstanceuid)`,
	}
	for _, stmt := range stmts {
		if _, err := d.sql.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("db: migrate: %w", err)
		}
	}
	return nil
}
