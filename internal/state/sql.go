package state

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/paguebem/infra/internal/deployerr"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

var sqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS deployer_states (
		state_key  TEXT PRIMARY KEY,
		serial     BIGINT NOT NULL,
		data       TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS deployer_locks (
		state_key TEXT PRIMARY KEY,
		lock_id   TEXT NOT NULL,
		info      TEXT NOT NULL
	)`,
}

type sqlBackend struct {
	db     *sql.DB
	driver string
	key    string
}

// OpenSQL opens a SQL backed state store. The lock is a row in deployer_locks
// keyed by the state key, so the primary key constraint gives mutual exclusion.
func OpenSQL(ctx context.Context, driver, dsn, key string) (Backend, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	if driver == DriverSQLite {
		// sqlite serializes writers anyway; one connection also keeps :memory: databases shared
		db.SetMaxOpenConns(1)
	}
	b := &sqlBackend{db: db, driver: driver, key: key}
	for _, stmt := range sqlSchema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("unable to create state schema: %w", err)
		}
	}
	return b, nil
}

func (b *sqlBackend) Key() string { return b.key }

func (b *sqlBackend) Close() error { return b.db.Close() }

// rebind rewrites ? placeholders into the driver's syntax.
func (b *sqlBackend) rebind(query string) string {
	if b.driver != DriverPostgres {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteString("$" + strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

func (b *sqlBackend) Get(ctx context.Context) (*State, error) {
	var data string
	err := b.db.QueryRowContext(ctx,
		b.rebind(`SELECT data FROM deployer_states WHERE state_key = ?`), b.key).Scan(&data)
	if err == sql.ErrNoRows {
		return New(), nil
	}
	if err != nil {
		return nil, err
	}
	return decode([]byte(data))
}

func (b *sqlBackend) Put(ctx context.Context, st *State) error {
	st.Serial++
	st.UpdatedAt = time.Now().UTC()
	data, err := encode(st)
	if err != nil {
		return err
	}
	_, err = b.db.ExecContext(ctx, b.rebind(`
		INSERT INTO deployer_states (state_key, serial, data, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (state_key) DO UPDATE SET serial = excluded.serial, data = excluded.data, updated_at = excluded.updated_at`),
		b.key, st.Serial, string(data), st.UpdatedAt)
	return err
}

func (b *sqlBackend) Lock(ctx context.Context, info *LockInfo) (string, error) {
	_, err := b.db.ExecContext(ctx,
		b.rebind(`INSERT INTO deployer_locks (state_key, lock_id, info) VALUES (?, ?, ?)`),
		b.key, info.ID, info.marshal())
	if err == nil {
		return info.ID, nil
	}

	var holder string
	lookupErr := b.db.QueryRowContext(ctx,
		b.rebind(`SELECT info FROM deployer_locks WHERE state_key = ?`), b.key).Scan(&holder)
	if lookupErr != nil {
		return "", fmt.Errorf("unable to acquire state lock: %w", err)
	}
	return "", &deployerr.LockError{Key: b.key, Holder: unmarshalLockInfo(holder).String(), Err: err}
}

func (b *sqlBackend) Unlock(ctx context.Context, id string) error {
	res, err := b.db.ExecContext(ctx,
		b.rebind(`DELETE FROM deployer_locks WHERE state_key = ? AND lock_id = ?`), b.key, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("lock %s is not held", id)
	}
	return nil
}
