package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"trade-narrator/inventory"
)

// Schema closed_trades 表；id 为 ULID，重复写入忽略。
const Schema = `
CREATE TABLE IF NOT EXISTS closed_trades (
	id                    TEXT PRIMARY KEY,
	asset                 TEXT NOT NULL,
	avg_buy_price         REAL NOT NULL,
	avg_sell_price        REAL NOT NULL,
	roi                   REAL NOT NULL,
	duration_days         REAL NOT NULL,
	entry_capital_percent REAL NOT NULL,
	closed_at_ms          INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_closed_trades_closed_at ON closed_trades(closed_at_ms);
`

// SQLiteJournal 已平仓交易的 sqlite 镜像。JSON 历史文件仍是唯一可信来源。
type SQLiteJournal struct {
	db *sql.DB
}

// NewSQLite 打开（或创建）数据库并建表
func NewSQLite(path string) (*SQLiteJournal, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	// sqlite 单写者
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create journal schema: %w", err)
	}
	return &SQLiteJournal{db: db}, nil
}

// Record 写入一笔已平仓交易；实现 store.HistorySink。
func (j *SQLiteJournal) Record(t inventory.ClosedTrade) error {
	_, err := j.db.Exec(`
		INSERT OR IGNORE INTO closed_trades
		(id, asset, avg_buy_price, avg_sell_price, roi, duration_days, entry_capital_percent, closed_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Asset, t.AvgBuyPrice, t.AvgSellPrice, t.ROIPercent,
		t.DurationDays, t.EntryCapitalPercent, t.ClosedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("record trade %s: %w", t.ID, err)
	}
	return nil
}

// List 返回 since 之后平仓的交易，按平仓时间升序
func (j *SQLiteJournal) List(ctx context.Context, since time.Time) ([]inventory.ClosedTrade, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, asset, avg_buy_price, avg_sell_price, roi, duration_days, entry_capital_percent, closed_at_ms
		FROM closed_trades
		WHERE closed_at_ms > ?
		ORDER BY closed_at_ms ASC, id ASC`, since.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("query closed trades: %w", err)
	}
	defer rows.Close()

	out := make([]inventory.ClosedTrade, 0)
	for rows.Next() {
		var (
			t        inventory.ClosedTrade
			closedMs int64
		)
		if err := rows.Scan(&t.ID, &t.Asset, &t.AvgBuyPrice, &t.AvgSellPrice, &t.ROIPercent,
			&t.DurationDays, &t.EntryCapitalPercent, &closedMs); err != nil {
			return nil, fmt.Errorf("scan closed trade: %w", err)
		}
		t.ClosedAt = time.UnixMilli(closedMs).UTC()
		out = append(out, t)
	}
	return out, rows.Err()
}

// Count 表内记录数
func (j *SQLiteJournal) Count(ctx context.Context) (int, error) {
	var n int
	err := j.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM closed_trades`).Scan(&n)
	return n, err
}

func (j *SQLiteJournal) Close() error {
	return j.db.Close()
}
