package storage

const schema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS price_history (
    symbol TEXT NOT NULL,
    ts INTEGER NOT NULL,
    interval TEXT NOT NULL,
    open REAL NOT NULL,
    high REAL NOT NULL,
    low REAL NOT NULL,
    close REAL NOT NULL,
    volume REAL NOT NULL,
    end_ts INTEGER NOT NULL,
    PRIMARY KEY (symbol, ts)
);

CREATE TABLE IF NOT EXISTS orderbook_analysis (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    symbol TEXT NOT NULL,
    bid_depth REAL NOT NULL,
    ask_depth REAL NOT NULL,
    bid_ask_ratio REAL NOT NULL,
    imbalance REAL NOT NULL,
    spread REAL NOT NULL,
    support REAL,
    resistance REAL,
    whale TEXT,
    signal TEXT NOT NULL,
    confidence REAL NOT NULL,
    created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_orderbook_analysis_symbol ON orderbook_analysis(symbol, id);

CREATE TABLE IF NOT EXISTS scalp_history (
    id TEXT PRIMARY KEY,
    symbol TEXT NOT NULL,
    direction TEXT NOT NULL,
    status TEXT NOT NULL,
    entry_price REAL NOT NULL,
    exit_price REAL NOT NULL,
    take_profit REAL NOT NULL,
    stop_loss REAL NOT NULL,
    confidence REAL NOT NULL,
    pnl_percent REAL NOT NULL,
    reasons TEXT,
    entry_time INTEGER NOT NULL,
    exit_time INTEGER NOT NULL
);
`
