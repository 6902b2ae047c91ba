// Package sqlite SQLite 数据库驱动
//
// 提供 SQLite 连接管理、方言实现和自动 Schema 迁移。
// 适用于开发、测试和轻量级部署场景。
package sqlite

import (
	"database/sql"
	"fmt"
	"strings"

	"botfleet-admin/internal/storage/dbutil"

	_ "modernc.org/sqlite"
)

// Dialect SQLite 方言实现
type Dialect struct{}

var _ dbutil.Dialect = (*Dialect)(nil)

func (d *Dialect) DriverType() dbutil.DriverType {
	return dbutil.DriverSQLite
}

func (d *Dialect) Rebind(query string) string {
	return dbutil.RebindToQuestion(query)
}

func (d *Dialect) CurrentTimestamp() string {
	return "datetime('now')"
}

func (d *Dialect) IsUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (d *Dialect) AutoMigrate(db *sql.DB) error {
	_, err := db.Exec(schema)
	return err
}

// Open 创建 SQLite 数据库连接
// dsn 示例: "file:botfleet.db?cache=shared&mode=rwc" 或 ":memory:"
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	// SQLite 优化设置
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return nil, fmt.Errorf("failed to set pragma %s: %w", p, err)
		}
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping sqlite: %w", err)
	}

	return db, nil
}

// NewDialect 创建 SQLite 方言
func NewDialect() *Dialect {
	return &Dialect{}
}

// schema SQLite 完整建表语句（等价于 PostgreSQL 迁移文件）
const schema = `
-- accounts
CREATE TABLE IF NOT EXISTS accounts (
    account_id VARCHAR(64) PRIMARY KEY,
    login_email VARCHAR(200) NOT NULL,
    owner_id VARCHAR(64) NOT NULL,
    status VARCHAR(32) DEFAULT 'pending_verification',
    ingame_name VARCHAR(64),
    created_at DATETIME DEFAULT (datetime('now')),
    updated_at DATETIME DEFAULT (datetime('now')),
    UNIQUE (login_email, owner_id)
);

-- bot_sessions
CREATE TABLE IF NOT EXISTS bot_sessions (
    account_id VARCHAR(64) PRIMARY KEY REFERENCES accounts(account_id) ON DELETE CASCADE,
    status VARCHAR(32) DEFAULT 'offline',
    is_active INTEGER DEFAULT 0,
    last_known_server_address VARCHAR(200),
    last_known_server_port INTEGER,
    last_known_version VARCHAR(32),
    last_kick_reason TEXT,
    last_seen_at DATETIME,
    updated_at DATETIME DEFAULT (datetime('now'))
);
`
