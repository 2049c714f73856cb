package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"crypto-snipper/internal/model"

	"go.uber.org/multierr"
	_ "modernc.org/sqlite" // SQLite driver
)

// Store 基于 SQLite 的本地存储：价格历史、订单簿分析快照、剥头皮归档
type Store struct {
	db *sql.DB

	insertPrice    *sql.Stmt
	insertAnalysis *sql.Stmt
}

// Open 打开 (必要时创建) 数据库并应用 schema；path 为 ":memory:" 时用于测试
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite 单写者；:memory: 每个连接是独立的库
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	s := &Store{db: db}
	s.insertPrice, err = db.Prepare(`INSERT OR IGNORE INTO price_history
		(symbol, ts, interval, open, high, low, close, volume, end_ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return nil, multierr.Append(fmt.Errorf("prepare price insert: %w", err), db.Close())
	}
	s.insertAnalysis, err = db.Prepare(`INSERT INTO orderbook_analysis
		(symbol, bid_depth, ask_depth, bid_ask_ratio, imbalance, spread, support, resistance, whale, signal, confidence, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return nil, multierr.Combine(fmt.Errorf("prepare analysis insert: %w", err), s.insertPrice.Close(), db.Close())
	}
	return s, nil
}

// Close 释放语句和连接
func (s *Store) Close() error {
	return multierr.Combine(
		s.insertPrice.Close(),
		s.insertAnalysis.Close(),
		s.db.Close(),
	)
}

// InsertMany 写入 K 线；(symbol, ts) 重复的记录被忽略，返回实际新增条数
func (s *Store) InsertMany(ctx context.Context, klines []model.KLine) (int64, error) {
	if len(klines) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	stmt := tx.StmtContext(ctx, s.insertPrice)
	var inserted int64
	for _, k := range klines {
		res, err := stmt.ExecContext(ctx, k.Symbol, k.StartTime.UnixMilli(), k.Interval,
			k.Open, k.High, k.Low, k.Close, k.Volume, k.EndTime.UnixMilli())
		if err != nil {
			return 0, fmt.Errorf("insert kline %s@%d: %w", k.Symbol, k.StartTime.UnixMilli(), err)
		}
		n, _ := res.RowsAffected()
		inserted += n
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return inserted, nil
}

// GetLatestPrices 返回最近 limit 根 K 线，按时间从旧到新
func (s *Store) GetLatestPrices(ctx context.Context, symbol string, limit int) ([]model.KLine, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT ts, interval, open, high, low, close, volume, end_ts
		FROM price_history WHERE symbol = ? ORDER BY ts DESC LIMIT ?`, symbol, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.KLine
	for rows.Next() {
		var ts, endTs int64
		k := model.KLine{Symbol: symbol}
		if err := rows.Scan(&ts, &k.Interval, &k.Open, &k.High, &k.Low, &k.Close, &k.Volume, &endTs); err != nil {
			return nil, err
		}
		k.StartTime = time.UnixMilli(ts)
		k.EndTime = time.UnixMilli(endTs)
		out = append(out, k)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// SaveAnalysis 追加一条订单簿分析快照
func (s *Store) SaveAnalysis(ctx context.Context, r model.AnalysisRecord) error {
	_, err := s.insertAnalysis.ExecContext(ctx, r.Symbol, r.BidDepth, r.AskDepth, r.BidAskRatio,
		r.Imbalance, r.Spread, r.Support, r.Resistance, r.Whale, r.Signal, r.Confidence, r.CreatedAt.UnixMilli())
	return err
}

// LatestAnalyses 最近 n 条快照，最新在前
func (s *Store) LatestAnalyses(ctx context.Context, symbol string, n int) ([]model.AnalysisRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT bid_depth, ask_depth, bid_ask_ratio, imbalance, spread,
		support, resistance, whale, signal, confidence, created_at
		FROM orderbook_analysis WHERE symbol = ? ORDER BY id DESC LIMIT ?`, symbol, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.AnalysisRecord
	for rows.Next() {
		var created int64
		r := model.AnalysisRecord{Symbol: symbol}
		if err := rows.Scan(&r.BidDepth, &r.AskDepth, &r.BidAskRatio, &r.Imbalance, &r.Spread,
			&r.Support, &r.Resistance, &r.Whale, &r.Signal, &r.Confidence, &created); err != nil {
			return nil, err
		}
		r.CreatedAt = time.UnixMilli(created)
		out = append(out, r)
	}
	return out, rows.Err()
}

// SaveScalp 归档一个已结束的剥头皮单；终态不可变，重复写入被忽略
func (s *Store) SaveScalp(ctx context.Context, a model.ActiveScalp) error {
	if !a.Status.Terminal() {
		return fmt.Errorf("scalp %s is still %s", a.Signal.ID, a.Status)
	}
	_, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO scalp_history
		(id, symbol, direction, status, entry_price, exit_price, take_profit, stop_loss, confidence, pnl_percent, reasons, entry_time, exit_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.Signal.ID, a.Signal.Symbol, string(a.Signal.Direction), string(a.Status), a.EntryPrice, a.ExitPrice,
		a.Signal.TakeProfit, a.Signal.StopLoss, a.Signal.Confidence, a.PnLPercent,
		strings.Join(a.Signal.Reasons, "; "), a.EntryTime.UnixMilli(), a.ExitTime.UnixMilli())
	return err
}

// CountScalps 按状态统计归档数量
func (s *Store) CountScalps(ctx context.Context, status model.ScalpStatus) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM scalp_history WHERE status = ?`, string(status)).Scan(&n)
	return n, err
}
