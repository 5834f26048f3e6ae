package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"  // PostgreSQL driver.
	_ "modernc.org/sqlite" // Pure-Go SQLite driver.

	"tradingbot/internal/domain"
)

// Compile-time interface check.
var _ Persister = (*SQLStore)(nil)

// SQLStore implements Persister on database/sql. The "sqlite" and
// "postgres" drivers are supported; both accept the same upsert syntax, so
// the only dialect difference is the placeholder style.
type SQLStore struct {
	db       *sql.DB
	postgres bool
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS positions (
		symbol          TEXT PRIMARY KEY,
		side            TEXT NOT NULL,
		size            DOUBLE PRECISION NOT NULL,
		avg_entry_price DOUBLE PRECISION NOT NULL,
		market_price    DOUBLE PRECISION NOT NULL,
		realized_pnl    DOUBLE PRECISION NOT NULL,
		unrealized_pnl  DOUBLE PRECISION NOT NULL,
		opened_at       BIGINT NOT NULL,
		updated_at      BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS trades (
		id           TEXT PRIMARY KEY,
		order_id     TEXT NOT NULL,
		symbol       TEXT NOT NULL,
		side         TEXT NOT NULL,
		amount       DOUBLE PRECISION NOT NULL,
		price        DOUBLE PRECISION NOT NULL,
		fee          DOUBLE PRECISION NOT NULL,
		cost         DOUBLE PRECISION NOT NULL,
		realized_pnl DOUBLE PRECISION NOT NULL,
		strategy     TEXT NOT NULL,
		ts           BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS trades_ts ON trades (ts)`,
	`CREATE TABLE IF NOT EXISTS portfolio_metrics (
		ts              BIGINT PRIMARY KEY,
		total_balance   DOUBLE PRECISION NOT NULL,
		cash            DOUBLE PRECISION NOT NULL,
		positions_value DOUBLE PRECISION NOT NULL,
		realized_pnl    DOUBLE PRECISION NOT NULL,
		unrealized_pnl  DOUBLE PRECISION NOT NULL,
		daily_pnl       DOUBLE PRECISION NOT NULL,
		drawdown        DOUBLE PRECISION NOT NULL,
		max_drawdown    DOUBLE PRECISION NOT NULL,
		open_positions  INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS orders (
		id             TEXT PRIMARY KEY,
		exchange_id    TEXT NOT NULL,
		symbol         TEXT NOT NULL,
		side           TEXT NOT NULL,
		type           TEXT NOT NULL,
		amount         DOUBLE PRECISION NOT NULL,
		price          DOUBLE PRECISION NOT NULL,
		stop_price     DOUBLE PRECISION NOT NULL,
		status         TEXT NOT NULL,
		filled_amount  DOUBLE PRECISION NOT NULL,
		avg_fill_price DOUBLE PRECISION NOT NULL,
		fee            DOUBLE PRECISION NOT NULL,
		strategy       TEXT NOT NULL,
		tag            TEXT NOT NULL,
		parent_id      TEXT NOT NULL,
		role           TEXT NOT NULL,
		created_at     BIGINT NOT NULL,
		updated_at     BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS orders_status ON orders (status)`,
	`CREATE TABLE IF NOT EXISTS bot_state (
		key        TEXT PRIMARY KEY,
		data       TEXT NOT NULL,
		updated_at BIGINT NOT NULL
	)`,
}

// NewSQLStore opens the database, verifies the connection and creates the
// schema when missing.
func NewSQLStore(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	switch driver {
	case "sqlite":
		if dsn != ":memory:" && !strings.HasPrefix(dsn, "file:") {
			if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
				return nil, fmt.Errorf("%w: %v", domain.ErrDatabase, err)
			}
		}
	case "postgres":
	default:
		return nil, fmt.Errorf("%w: unsupported driver %q", domain.ErrConfiguration, driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", domain.ErrDatabase, driver, err)
	}
	if driver == "sqlite" {
		// One writer; also keeps a ":memory:" database on a single connection.
		db.SetMaxOpenConns(1)
	}

	s := &SQLStore{db: db, postgres: driver == "postgres"}
	if err := s.Ping(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLStore, error) {
	return NewSQLStore(ctx, "sqlite", dbPath)
}

func (s *SQLStore) migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%w: migrate: %v", domain.ErrDatabase, err)
		}
	}
	return nil
}

// Ping checks the database connection.
func (s *SQLStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: ping: %v", domain.ErrDatabase, err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// ---------------------------------------------------------------------------
// Positions
// ---------------------------------------------------------------------------

func (s *SQLStore) SavePosition(ctx context.Context, p domain.Position) error {
	if p.IsFlat() {
		return s.exec(ctx, "delete position", `DELETE FROM positions WHERE symbol = ?`, p.Symbol)
	}
	return s.exec(ctx, "save position", `
		INSERT INTO positions (symbol, side, size, avg_entry_price, market_price, realized_pnl, unrealized_pnl, opened_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (symbol) DO UPDATE SET
			side = excluded.side, size = excluded.size, avg_entry_price = excluded.avg_entry_price,
			market_price = excluded.market_price, realized_pnl = excluded.realized_pnl,
			unrealized_pnl = excluded.unrealized_pnl, opened_at = excluded.opened_at,
			updated_at = excluded.updated_at`,
		p.Symbol, string(p.Side), p.Size, p.AvgEntryPrice, p.MarketPrice, p.RealizedPnL, p.UnrealizedPnL,
		toMillis(p.OpenedAt), toMillis(p.UpdatedAt))
}

func (s *SQLStore) LoadPositions(ctx context.Context) ([]domain.Position, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT symbol, side, size, avg_entry_price, market_price, realized_pnl, unrealized_pnl, opened_at, updated_at
		FROM positions ORDER BY symbol`))
	if err != nil {
		return nil, fmt.Errorf("%w: load positions: %v", domain.ErrDatabase, err)
	}
	defer rows.Close()

	var out []domain.Position
	for rows.Next() {
		var (
			p              domain.Position
			side           string
			opened, update int64
		)
		if err := rows.Scan(&p.Symbol, &side, &p.Size, &p.AvgEntryPrice, &p.MarketPrice,
			&p.RealizedPnL, &p.UnrealizedPnL, &opened, &update); err != nil {
			return nil, fmt.Errorf("%w: scan position: %v", domain.ErrDatabase, err)
		}
		p.Side = domain.PositionSide(side)
		p.OpenedAt, p.UpdatedAt = fromMillis(opened), fromMillis(update)
		out = append(out, p)
	}
	return out, rowsErr(rows, "load positions")
}

// ---------------------------------------------------------------------------
// Trades
// ---------------------------------------------------------------------------

func (s *SQLStore) SaveTrade(ctx context.Context, t domain.Trade) error {
	return s.exec(ctx, "save trade", `
		INSERT INTO trades (id, order_id, symbol, side, amount, price, fee, cost, realized_pnl, strategy, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		t.ID, t.OrderID, t.Symbol, string(t.Side), t.Amount, t.Price, t.Fee, t.Cost, t.RealizedPnL,
		t.Strategy, toMillis(t.Timestamp))
}

func (s *SQLStore) LoadTrades(ctx context.Context, limit int) ([]domain.Trade, error) {
	query := `SELECT id, order_id, symbol, side, amount, price, fee, cost, realized_pnl, strategy, ts
		FROM trades ORDER BY ts DESC, id DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("%w: load trades: %v", domain.ErrDatabase, err)
	}
	defer rows.Close()

	var out []domain.Trade
	for rows.Next() {
		var (
			t    domain.Trade
			side string
			ts   int64
		)
		if err := rows.Scan(&t.ID, &t.OrderID, &t.Symbol, &side, &t.Amount, &t.Price, &t.Fee,
			&t.Cost, &t.RealizedPnL, &t.Strategy, &ts); err != nil {
			return nil, fmt.Errorf("%w: scan trade: %v", domain.ErrDatabase, err)
		}
		t.Side = domain.Side(side)
		t.Timestamp = fromMillis(ts)
		out = append(out, t)
	}
	if err := rowsErr(rows, "load trades"); err != nil {
		return nil, err
	}
	// Newest-first from the query; callers want chronological order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Metrics
// ---------------------------------------------------------------------------

func (s *SQLStore) SavePortfolioMetrics(ctx context.Context, m domain.PortfolioMetrics) error {
	return s.exec(ctx, "save metrics", `
		INSERT INTO portfolio_metrics (ts, total_balance, cash, positions_value, realized_pnl, unrealized_pnl, daily_pnl, drawdown, max_drawdown, open_positions)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (ts) DO UPDATE SET
			total_balance = excluded.total_balance, cash = excluded.cash,
			positions_value = excluded.positions_value, realized_pnl = excluded.realized_pnl,
			unrealized_pnl = excluded.unrealized_pnl, daily_pnl = excluded.daily_pnl,
			drawdown = excluded.drawdown, max_drawdown = excluded.max_drawdown,
			open_positions = excluded.open_positions`,
		toMillis(m.Timestamp), m.TotalBalance, m.Cash, m.PositionsValue, m.RealizedPnL, m.UnrealizedPnL,
		m.DailyPnL, m.Drawdown, m.MaxDrawdown, m.OpenPositions)
}

func (s *SQLStore) LatestMetrics(ctx context.Context) (*domain.PortfolioMetrics, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT ts, total_balance, cash, positions_value, realized_pnl, unrealized_pnl, daily_pnl, drawdown, max_drawdown, open_positions
		FROM portfolio_metrics ORDER BY ts DESC LIMIT 1`)
	var (
		m  domain.PortfolioMetrics
		ts int64
	)
	err := row.Scan(&ts, &m.TotalBalance, &m.Cash, &m.PositionsValue, &m.RealizedPnL, &m.UnrealizedPnL,
		&m.DailyPnL, &m.Drawdown, &m.MaxDrawdown, &m.OpenPositions)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: latest metrics: %v", domain.ErrDatabase, err)
	}
	m.Timestamp = fromMillis(ts)
	return &m, nil
}

// ---------------------------------------------------------------------------
// Orders
// ---------------------------------------------------------------------------

func (s *SQLStore) SaveOrder(ctx context.Context, o domain.Order) error {
	return s.exec(ctx, "save order", `
		INSERT INTO orders (id, exchange_id, symbol, side, type, amount, price, stop_price, status, filled_amount, avg_fill_price, fee, strategy, tag, parent_id, role, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			exchange_id = excluded.exchange_id, status = excluded.status,
			filled_amount = excluded.filled_amount, avg_fill_price = excluded.avg_fill_price,
			fee = excluded.fee, amount = excluded.amount, updated_at = excluded.updated_at`,
		o.ID, o.ExchangeID, o.Symbol, string(o.Side), string(o.Type), o.Amount, o.Price, o.StopPrice,
		string(o.Status), o.FilledAmount, o.AvgFillPrice, o.Fee, o.Strategy, o.Tag, o.ParentID,
		string(o.Role), toMillis(o.CreatedAt), toMillis(o.UpdatedAt))
}

func (s *SQLStore) ListOrders(ctx context.Context, status domain.OrderStatus) ([]domain.Order, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, exchange_id, symbol, side, type, amount, price, stop_price, status, filled_amount, avg_fill_price, fee, strategy, tag, parent_id, role, created_at, updated_at
		FROM orders WHERE status = ? ORDER BY created_at, id`), string(status))
	if err != nil {
		return nil, fmt.Errorf("%w: list orders: %v", domain.ErrDatabase, err)
	}
	defer rows.Close()

	var out []domain.Order
	for rows.Next() {
		var (
			o                   domain.Order
			side, typ, st, role string
			created, updated    int64
		)
		if err := rows.Scan(&o.ID, &o.ExchangeID, &o.Symbol, &side, &typ, &o.Amount, &o.Price, &o.StopPrice,
			&st, &o.FilledAmount, &o.AvgFillPrice, &o.Fee, &o.Strategy, &o.Tag, &o.ParentID, &role,
			&created, &updated); err != nil {
			return nil, fmt.Errorf("%w: scan order: %v", domain.ErrDatabase, err)
		}
		o.Side, o.Type, o.Status, o.Role = domain.Side(side), domain.OrderType(typ), domain.OrderStatus(st), domain.OrderRole(role)
		o.CreatedAt, o.UpdatedAt = fromMillis(created), fromMillis(updated)
		out = append(out, o)
	}
	return out, rowsErr(rows, "list orders")
}

// ---------------------------------------------------------------------------
// State blobs
// ---------------------------------------------------------------------------

func (s *SQLStore) SaveState(ctx context.Context, key string, data []byte) error {
	return s.exec(ctx, "save state", `
		INSERT INTO bot_state (key, data, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		key, string(data), time.Now().UnixMilli())
}

func (s *SQLStore) LoadState(ctx context.Context, key string) ([]byte, error) {
	var data string
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT data FROM bot_state WHERE key = ?`), key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: load state %s: %v", domain.ErrDatabase, key, err)
	}
	return []byte(data), nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func (s *SQLStore) exec(ctx context.Context, op, query string, args ...any) error {
	if _, err := s.db.ExecContext(ctx, s.rebind(query), args...); err != nil {
		return fmt.Errorf("%w: %s: %v", domain.ErrDatabase, op, err)
	}
	return nil
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (s *SQLStore) rebind(query string) string {
	if !s.postgres {
		return query
	}
	return rebindDollar(query)
}

func rebindDollar(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
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

func rowsErr(rows *sql.Rows, op string) error {
	if err := rows.Err(); err != nil {
		return fmt.Errorf("%w: %s: %v", domain.ErrDatabase, op, err)
	}
	return nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
