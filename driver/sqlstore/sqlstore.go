// Package sqlstore is the SQL driver. It speaks Postgres (via the pgx stdlib
// adapter) and SQLite (via modernc.org/sqlite) through database/sql.
//
// Schema: one `cache` table keyed by (bank, key, cluster) with the payload in
// a blob column and created_at/expires_at timestamps (unix nanos). Postgres
// uses a single-statement upsert; engines without one attempt an optimistic
// INSERT and fall back to an UPDATE on conflict, which bounds the race window
// to two statements instead of check-then-act.
//
// Writes and reads can use separate handles so list/fetch traffic can be
// pointed at a read replica. Operations that hit transient backend errors are
// retried a bounded number of times with a fixed delay.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver "pgx"
	_ "modernc.org/sqlite"             // database/sql driver "sqlite"

	"github.com/unkn0wn-root/bankcache/driver"
	"github.com/unkn0wn-root/bankcache/internal/retry"
)

func init() {
	driver.Register("sqlstore", func(ctx context.Context, p driver.Params) (driver.Driver, error) {
		return New(ctx, Config{
			Engine:     p.String("engine", "sqlite"),
			DSN:        p.String("dsn", ""),
			ReadDSN:    p.String("read_dsn", ""),
			Table:      p.String("table", ""),
			Cluster:    p.String("cluster", ""),
			Expire:     p.Duration("expire", 0),
			MaxRetries: p.Int("max_retries", 0),
		})
	})
}

const (
	defaultTable      = "cache"
	defaultMaxRetries = 3
	defaultRetryDelay = 200 * time.Millisecond
)

type dialect struct {
	name          string
	sqlDriver     string
	blobType      string
	nativeUpsert  bool
	advisoryLocks bool
}

var dialects = map[string]dialect{
	"postgres": {name: "postgres", sqlDriver: "pgx", blobType: "BYTEA", nativeUpsert: true, advisoryLocks: true},
	"sqlite":   {name: "sqlite", sqlDriver: "sqlite", blobType: "BLOB"},
}

type Driver struct {
	write *sql.DB
	read  *sql.DB // == write unless a read replica is configured
	d     dialect
	table string
	clust string

	expire     time.Duration
	maxRetries int
	retryDelay time.Duration

	slowQuery time.Duration
	onSlow    func(op string, elapsed time.Duration)
}

var (
	_ driver.Driver       = (*Driver)(nil)
	_ driver.ExpiryPurger = (*Driver)(nil)
)

type Config struct {
	// Engine selects the SQL dialect: "postgres" or "sqlite".
	Engine string
	// DSN is the read-write connection string. For sqlite, "" or ":memory:"
	// opens an in-memory database.
	DSN string
	// ReadDSN optionally points reads at a replica.
	ReadDSN string

	Table   string        // "" => "cache"
	Cluster string        // partition tag for masters sharing one table
	Expire  time.Duration // row TTL stamped into expires_at; 0 => rows never expire

	MaxRetries int           // transient-error retries per operation; 0 => 3
	RetryDelay time.Duration // 0 => 200ms

	// SlowQueryThreshold/SlowConnectThreshold fire OnSlow when an operation
	// takes longer; 0 disables.
	SlowQueryThreshold   time.Duration
	SlowConnectThreshold time.Duration
	OnSlow               func(op string, elapsed time.Duration)
}

func New(ctx context.Context, cfg Config) (*Driver, error) {
	dia, ok := dialects[strings.ToLower(coalesceStr(cfg.Engine, "sqlite"))]
	if !ok {
		return nil, fmt.Errorf("sqlstore: unsupported engine %q", cfg.Engine)
	}

	dsn := cfg.DSN
	if dia.name == "sqlite" && dsn == "" {
		dsn = ":memory:"
	}

	start := time.Now()
	write, err := sql.Open(dia.sqlDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open: %w", err)
	}
	if dia.name == "sqlite" && strings.Contains(dsn, ":memory:") {
		// Every pooled conn would otherwise get its own private in-memory DB.
		write.SetMaxOpenConns(1)
	}
	if err := write.PingContext(ctx); err != nil {
		write.Close()
		return nil, fmt.Errorf("sqlstore: connect: %w", err)
	}
	if cfg.SlowConnectThreshold > 0 && cfg.OnSlow != nil {
		if elapsed := time.Since(start); elapsed > cfg.SlowConnectThreshold {
			cfg.OnSlow("connect", elapsed)
		}
	}

	read := write
	if cfg.ReadDSN != "" {
		read, err = sql.Open(dia.sqlDriver, cfg.ReadDSN)
		if err != nil {
			write.Close()
			return nil, fmt.Errorf("sqlstore: open read replica: %w", err)
		}
		if err := read.PingContext(ctx); err != nil {
			write.Close()
			read.Close()
			return nil, fmt.Errorf("sqlstore: connect read replica: %w", err)
		}
	}

	d := &Driver{
		write:      write,
		read:       read,
		d:          dia,
		table:      coalesceStr(cfg.Table, defaultTable),
		clust:      cfg.Cluster,
		expire:     cfg.Expire,
		maxRetries: coalesceInt(cfg.MaxRetries, defaultMaxRetries),
		retryDelay: cfg.RetryDelay,
		slowQuery:  cfg.SlowQueryThreshold,
		onSlow:     cfg.OnSlow,
	}
	if d.retryDelay <= 0 {
		d.retryDelay = defaultRetryDelay
	}

	if err := d.ensureSchema(ctx); err != nil {
		d.Close(ctx)
		return nil, err
	}
	return d, nil
}

func (d *Driver) ensureSchema(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			bank TEXT NOT NULL,
			key TEXT NOT NULL,
			cluster TEXT NOT NULL DEFAULT '',
			data %s NOT NULL,
			created_at BIGINT NOT NULL,
			expires_at BIGINT,
			PRIMARY KEY (bank, key, cluster)
		)`, d.table, d.d.blobType),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_expires_at ON %s (expires_at)`, d.table, d.table),
	}
	for _, stmt := range stmts {
		if _, err := d.write.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlstore: ensure schema: %w", err)
		}
	}
	return nil
}

// rebind converts ?-placeholders to the engine's style ($1, $2, ... for pg).
func (d *Driver) rebind(q string) string {
	if d.d.sqlDriver != "pgx" {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (d *Driver) Store(ctx context.Context, bank, key string, data []byte) error {
	now := time.Now().UnixNano()
	var expires any // nil => never expires
	if d.expire > 0 {
		expires = now + d.expire.Nanoseconds()
	}

	return d.do(ctx, "store", func() error {
		if d.d.nativeUpsert {
			q := d.rebind(fmt.Sprintf(`INSERT INTO %s (bank, key, cluster, data, created_at, expires_at)
				VALUES (?, ?, ?, ?, ?, ?)
				ON CONFLICT (bank, key, cluster) DO UPDATE SET
					data = excluded.data,
					created_at = excluded.created_at,
					expires_at = excluded.expires_at`, d.table))
			_, err := d.write.ExecContext(ctx, q, bank, key, d.clust, data, now, expires)
			return err
		}

		// Optimistic insert; a uniqueness violation falls through to UPDATE.
		// Two statements instead of check-then-act: a concurrent insert can
		// still win between them and lose to this update (last writer wins).
		ins := d.rebind(fmt.Sprintf(`INSERT INTO %s (bank, key, cluster, data, created_at, expires_at)
			VALUES (?, ?, ?, ?, ?, ?)`, d.table))
		_, insErr := d.write.ExecContext(ctx, ins, bank, key, d.clust, data, now, expires)
		if insErr == nil {
			return nil
		}
		upd := d.rebind(fmt.Sprintf(`UPDATE %s SET data = ?, created_at = ?, expires_at = ?
			WHERE bank = ? AND key = ? AND cluster = ?`, d.table))
		res, updErr := d.write.ExecContext(ctx, upd, data, now, expires, bank, key, d.clust)
		if updErr != nil {
			return updErr
		}
		if n, _ := res.RowsAffected(); n == 0 {
			// Not a conflict after all; surface the original failure.
			return insErr
		}
		return nil
	})
}

func (d *Driver) Fetch(ctx context.Context, bank, key string) ([]byte, bool, error) {
	var data []byte
	var expires sql.NullInt64
	q := d.rebind(fmt.Sprintf(`SELECT data, expires_at FROM %s
		WHERE bank = ? AND key = ? AND cluster = ?`, d.table))

	err := d.do(ctx, "fetch", func() error {
		return d.read.QueryRowContext(ctx, q, bank, key, d.clust).Scan(&data, &expires)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("sqlstore: fetch %s/%s: %w", bank, key, err)
	}
	if expires.Valid && expires.Int64 <= time.Now().UnixNano() {
		_ = d.Flush(ctx, bank, key) // lazy delete of the lapsed row
		return nil, false, nil
	}
	return data, true, nil
}

func (d *Driver) Updated(ctx context.Context, bank, key string) (time.Time, bool, error) {
	var created int64
	var expires sql.NullInt64
	q := d.rebind(fmt.Sprintf(`SELECT created_at, expires_at FROM %s
		WHERE bank = ? AND key = ? AND cluster = ?`, d.table))

	err := d.do(ctx, "updated", func() error {
		return d.read.QueryRowContext(ctx, q, bank, key, d.clust).Scan(&created, &expires)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("sqlstore: updated %s/%s: %w", bank, key, err)
	}
	if expires.Valid && expires.Int64 <= time.Now().UnixNano() {
		return time.Time{}, false, nil
	}
	return time.Unix(0, created), true, nil
}

func (d *Driver) List(ctx context.Context, bank string) ([]string, error) {
	q := d.rebind(fmt.Sprintf(`SELECT key FROM %s
		WHERE bank = ? AND cluster = ? AND (expires_at IS NULL OR expires_at > ?)`, d.table))

	var keys []string
	err := d.do(ctx, "list", func() error {
		keys = keys[:0]
		rows, err := d.read.QueryContext(ctx, q, bank, d.clust, time.Now().UnixNano())
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var k string
			if err := rows.Scan(&k); err != nil {
				return err
			}
			keys = append(keys, k)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("sqlstore: list %s: %w", bank, err)
	}
	sort.Strings(keys)
	if keys == nil {
		keys = []string{}
	}
	return keys, nil
}

func (d *Driver) Contains(ctx context.Context, bank, key string) (bool, error) {
	var q string
	args := []any{bank, d.clust, time.Now().UnixNano()}
	if key == "" {
		q = fmt.Sprintf(`SELECT COUNT(1) FROM %s
			WHERE bank = ? AND cluster = ? AND (expires_at IS NULL OR expires_at > ?)`, d.table)
	} else {
		q = fmt.Sprintf(`SELECT COUNT(1) FROM %s
			WHERE bank = ? AND cluster = ? AND (expires_at IS NULL OR expires_at > ?) AND key = ?`, d.table)
		args = append(args, key)
	}

	var n int64
	err := d.do(ctx, "contains", func() error {
		return d.read.QueryRowContext(ctx, d.rebind(q), args...).Scan(&n)
	})
	if err != nil {
		return false, fmt.Errorf("sqlstore: contains %s/%s: %w", bank, key, err)
	}
	return n > 0, nil
}

func (d *Driver) Flush(ctx context.Context, bank, key string) error {
	var q string
	args := []any{bank, d.clust}
	if key == "" {
		q = fmt.Sprintf(`DELETE FROM %s WHERE bank = ? AND cluster = ?`, d.table)
	} else {
		q = fmt.Sprintf(`DELETE FROM %s WHERE bank = ? AND cluster = ? AND key = ?`, d.table)
		args = append(args, key)
	}
	err := d.do(ctx, "flush", func() error {
		_, err := d.write.ExecContext(ctx, d.rebind(q), args...)
		return err
	})
	if err != nil {
		return fmt.Errorf("sqlstore: flush %s/%s: %w", bank, key, err)
	}
	return nil
}

// PurgeExpired deletes up to limit rows of bank whose expiry has lapsed and
// returns the keys it removed so the caller can cascade cleanup elsewhere.
func (d *Driver) PurgeExpired(ctx context.Context, bank string, limit int) ([]string, error) {
	now := time.Now().UnixNano()

	var q string
	var args []any
	if limit > 0 {
		q = fmt.Sprintf(`DELETE FROM %s
			WHERE bank = ? AND cluster = ? AND expires_at IS NOT NULL AND expires_at <= ?
			AND key IN (
				SELECT key FROM %s
				WHERE bank = ? AND cluster = ? AND expires_at IS NOT NULL AND expires_at <= ?
				ORDER BY expires_at LIMIT ?
			)
			RETURNING key`, d.table, d.table)
		args = []any{bank, d.clust, now, bank, d.clust, now, limit}
	} else {
		q = fmt.Sprintf(`DELETE FROM %s
			WHERE bank = ? AND cluster = ? AND expires_at IS NOT NULL AND expires_at <= ?
			RETURNING key`, d.table)
		args = []any{bank, d.clust, now}
	}

	var deleted []string
	err := d.do(ctx, "purge_expired", func() error {
		deleted = deleted[:0]
		rows, err := d.write.QueryContext(ctx, d.rebind(q), args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var k string
			if err := rows.Scan(&k); err != nil {
				return err
			}
			deleted = append(deleted, k)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("sqlstore: purge expired %s: %w", bank, err)
	}
	sort.Strings(deleted)
	return deleted, nil
}

func (d *Driver) Close(context.Context) error {
	var errs []error
	if d.read != nil && d.read != d.write {
		errs = append(errs, d.read.Close())
	}
	if d.write != nil {
		errs = append(errs, d.write.Close())
	}
	return errors.Join(errs...)
}

// do wraps an operation with transient-error retries and slow-op accounting.
func (d *Driver) do(ctx context.Context, op string, fn func() error) error {
	start := time.Now()
	err := retry.Do(ctx, d.maxRetries, d.retryDelay, isTransient, fn)
	if d.slowQuery > 0 && d.onSlow != nil {
		if elapsed := time.Since(start); elapsed > d.slowQuery {
			d.onSlow(op, elapsed)
		}
	}
	return err
}

// isTransient reports whether the operation is worth retrying: connection
// level failures, postgres connection-exception/serialization/deadlock codes,
// and sqlite lock contention. Anything else (constraint violations, syntax,
// missing rows) surfaces immediately.
func isTransient(err error) bool {
	if err == nil || errors.Is(err, sql.ErrNoRows) || errors.Is(err, context.Canceled) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"): // connection exception
			return true
		case pgErr.Code == "40001" || pgErr.Code == "40P01": // serialization, deadlock
			return true
		}
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "connection refused")
}

func coalesceStr(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func coalesceInt(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}
