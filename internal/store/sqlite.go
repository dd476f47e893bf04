package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"autotrader/internal/config"
)

// Store 封装 SQLite 连接。
type Store struct {
	db *sql.DB
}

// NewSQLite 根据配置初始化 SQLite 存储并建表。
func NewSQLite(cfg config.DatabaseConfig) (*Store, error) {
	dsn := cfg.Path
	if cfg.InMemory {
		dsn = ":memory:"
	} else {
		if err := ensureDir(filepath.Dir(cfg.Path)); err != nil {
			return nil, err
		}
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", dsn))
	if err != nil {
		return nil, fmt.Errorf("打开 SQLite 数据库失败: %w", err)
	}

	if cfg.InMemory {
		// 内存库每条连接都是独立实例，必须钉死在单连接上。
		conn.SetMaxOpenConns(1)
	} else {
		conn.SetMaxOpenConns(cfg.MaxOpenConns)
		conn.SetMaxIdleConns(cfg.MaxIdleConns)
		conn.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if _, err := conn.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("设置 SQLite WAL 模式失败: %w", err)
	}

	if _, err := conn.Exec("PRAGMA synchronous=NORMAL;"); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("设置 SQLite 同步级别失败: %w", err)
	}

	s := &Store{db: conn}
	if err := s.initSchema(); err != nil {
		_ = conn.Close()
		return nil, err
	}

	return s, nil
}

func (s *Store) initSchema() error {
	stmt := `
CREATE TABLE IF NOT EXISTS transactions (
	id TEXT PRIMARY KEY,
	expert_id TEXT NOT NULL,
	symbol TEXT NOT NULL,
	side TEXT NOT NULL,
	status TEXT NOT NULL,
	open_price REAL NOT NULL,
	close_price REAL NOT NULL DEFAULT 0,
	quantity REAL NOT NULL,
	take_profit REAL,
	stop_loss REAL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transactions_expert_symbol ON transactions(expert_id, symbol, status);

CREATE TABLE IF NOT EXISTS trading_orders (
	id TEXT PRIMARY KEY,
	transaction_id TEXT NOT NULL REFERENCES transactions(id),
	side TEXT NOT NULL,
	quantity REAL NOT NULL,
	order_type TEXT NOT NULL,
	limit_price REAL NOT NULL DEFAULT 0,
	stop_price REAL NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	broker_order_id TEXT,
	depends_on_order TEXT,
	depends_status_trigger TEXT,
	is_closing_order INTEGER NOT NULL DEFAULT 0,
	is_resize_order INTEGER NOT NULL DEFAULT 0,
	recommendation_id TEXT,
	metadata TEXT NOT NULL DEFAULT '{}',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_orders_transaction ON trading_orders(transaction_id, status);
CREATE INDEX IF NOT EXISTS idx_orders_status ON trading_orders(status);

CREATE TABLE IF NOT EXISTS recommendations (
	id TEXT PRIMARY KEY,
	expert_id TEXT NOT NULL,
	use_case TEXT NOT NULL,
	symbol TEXT NOT NULL,
	action TEXT NOT NULL,
	confidence REAL NOT NULL,
	expected_profit_percent REAL NOT NULL,
	risk_level TEXT NOT NULL,
	time_horizon TEXT NOT NULL,
	price_at_date REAL NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_recommendations_scope ON recommendations(expert_id, use_case, symbol, created_at);
`
	if _, err := s.db.Exec(stmt); err != nil {
		return fmt.Errorf("初始化表结构失败: %w", err)
	}
	return nil
}

// DB 返回底层 *sql.DB.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close 关闭数据库连接。
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func ensureDir(path string) error {
	if path == "" || path == "." {
		return nil
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("创建目录 %q 失败: %w", path, err)
	}
	return nil
}
