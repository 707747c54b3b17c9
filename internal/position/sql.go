package position

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	// SQL 驱动，按 Driver 选择
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

var log = logrus.WithField("component", "position")

// OpenSQL 支持的驱动名
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

const schema = `CREATE TABLE IF NOT EXISTS positions (
	symbol     TEXT PRIMARY KEY,
	quantity   BIGINT NOT NULL DEFAULT 0,
	updated_at TEXT NOT NULL
)`

// SQLStore 持仓存于单张 "positions" 表。Adjust 是一条 upsert 语句，
// 由数据库串行化并发增量
type SQLStore struct {
	db     *sql.DB
	driver string
	now    func() time.Time
}

// OpenSQL 用指定驱动打开 dsn 并确保表结构存在
func OpenSQL(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	switch driver {
	case DriverSQLite, DriverPostgres:
	default:
		return nil, fmt.Errorf("position: unsupported sql driver %q", driver)
	}
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("position: %s dsn is empty", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", driver)
	}
	if driver == DriverSQLite {
		// 单连接写入，sqlite 本身串行写，避免 SQLITE_BUSY
		db.SetMaxOpenConns(1)
		for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
			if _, err := db.ExecContext(ctx, pragma); err != nil {
				_ = db.Close()
				return nil, errors.Wrap(err, pragma)
			}
		}
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrapf(err, "ping %s", driver)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "create positions table")
	}
	log.Infof("position store ready (driver=%s)", driver)
	return &SQLStore{db: db, driver: driver, now: time.Now}, nil
}

// rebind 为 postgres 将 '?' 占位符改写为 '$n'
func (s *SQLStore) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
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

func (s *SQLStore) stamp() string {
	return s.now().UTC().Format(time.RFC3339Nano)
}

func (s *SQLStore) Get(ctx context.Context, symbol string) (int64, error) {
	sym, err := normalize(symbol)
	if err != nil {
		return 0, err
	}
	var qty int64
	err = s.db.QueryRowContext(ctx, s.rebind(`SELECT quantity FROM positions WHERE symbol = ?`), sym).Scan(&qty)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrapf(err, "get position %s", sym)
	}
	return qty, nil
}

func (s *SQLStore) Set(ctx context.Context, symbol string, qty int64) error {
	sym, err := normalize(symbol)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`INSERT INTO positions (symbol, quantity, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(symbol) DO UPDATE SET quantity = excluded.quantity, updated_at = excluded.updated_at`),
		sym, qty, s.stamp())
	return errors.Wrapf(err, "set position %s", sym)
}

func (s *SQLStore) Adjust(ctx context.Context, symbol string, delta int64) (int64, error) {
	sym, err := normalize(symbol)
	if err != nil {
		return 0, err
	}
	var qty int64
	err = s.db.QueryRowContext(ctx, s.rebind(`INSERT INTO positions (symbol, quantity, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(symbol) DO UPDATE SET quantity = positions.quantity + excluded.quantity, updated_at = excluded.updated_at
		RETURNING quantity`),
		sym, delta, s.stamp()).Scan(&qty)
	if err != nil {
		return 0, errors.Wrapf(err, "adjust position %s", sym)
	}
	return qty, nil
}

func (s *SQLStore) List(ctx context.Context) ([]Position, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT symbol, quantity, updated_at FROM positions ORDER BY symbol`)
	if err != nil {
		return nil, errors.Wrap(err, "list positions")
	}
	defer rows.Close()

	var out []Position
	for rows.Next() {
		var (
			p  Position
			ts string
		)
		if err := rows.Scan(&p.Symbol, &p.Quantity, &ts); err != nil {
			return nil, errors.Wrap(err, "scan position")
		}
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			p.UpdatedAt = t
		}
		out = append(out, p)
	}
	return out, errors.Wrap(rows.Err(), "list positions")
}

func (s *SQLStore) Delete(ctx context.Context, symbol string) error {
	sym, err := normalize(symbol)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`DELETE FROM positions WHERE symbol = ?`), sym)
	return errors.Wrapf(err, "delete position %s", sym)
}

func (s *SQLStore) Clear(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM positions`)
	return errors.Wrap(err, "clear positions")
}

// Ping 检查数据库连接
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
