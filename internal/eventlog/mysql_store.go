package eventlog

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"Agora-Substrate/deploy/migrations"
)

// MySQLConfig 描述 MySQL 事件日志存储的连接参数。
type MySQLConfig struct {
	DSN             string        `json:"dsn"`
	MaxOpenConns    int           `json:"max_open_conns"`
	MaxIdleConns    int           `json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `json:"conn_max_idle_time"`
}

// MySQLStore 使用真实的 MySQL 数据库保存事件日志。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 创建连接池并初始化数据表。
func NewMySQLStore(ctx context.Context, cfg MySQLConfig) (*MySQLStore, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	store := &MySQLStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func openDatabase(ctx context.Context, cfg MySQLConfig) (*sql.DB, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("连接 MySQL 失败: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(20)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(10)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(30 * time.Minute)
	}
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("无法连接到 MySQL: %w", err)
	}
	return db, nil
}

// initSchema 按文件名顺序执行 deploy/migrations 下的全部迁移。
func (s *MySQLStore) initSchema() error {
	entries, err := fs.Glob(migrations.Files, "*.sql")
	if err != nil {
		return fmt.Errorf("枚举迁移文件失败: %w", err)
	}
	sort.Strings(entries)

	for _, name := range entries {
		content, err := migrations.Files.ReadFile(name)
		if err != nil {
			return fmt.Errorf("读取迁移文件 %s 失败: %w", name, err)
		}
		for _, stmt := range strings.Split(string(content), ";") {
			stmt = strings.TrimSpace(stmt)
			if stmt == "" {
				continue
			}
			if _, err := s.db.Exec(stmt); err != nil {
				return fmt.Errorf("执行迁移 %s 失败: %w", name, err)
			}
		}
	}
	return nil
}

// Append 将事件记录写入 MySQL。
func (s *MySQLStore) Append(ctx context.Context, rec *Record) error {
	const stmt = `INSERT INTO events
        (event_id, tick, timestamp, proposer, action_type, summary, outcome, reason, error_code, proxy_cost, settled_cost, scrip_cost, effect)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	if _, err := s.db.ExecContext(ctx, stmt,
		rec.ID,
		rec.Tick,
		rec.Timestamp,
		rec.Proposer,
		rec.ActionType,
		rec.Summary,
		string(rec.Outcome),
		rec.Reason,
		rec.ErrorCode,
		rec.ProxyCost,
		rec.SettledCost,
		rec.ScripCost,
		rec.Effect,
	); err != nil {
		return fmt.Errorf("写入 MySQL 失败: %w", err)
	}
	return nil
}

// ListLatest 查询最近的若干条事件记录。
func (s *MySQLStore) ListLatest(ctx context.Context, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx, `SELECT event_id, tick, timestamp, proposer, action_type, summary, outcome, reason, error_code, proxy_cost, settled_cost, scrip_cost, effect
        FROM events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("查询事件记录失败: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		var rec Record
		var outcome string
		var reason, effect sql.NullString
		if err := rows.Scan(&rec.ID, &rec.Tick, &rec.Timestamp, &rec.Proposer, &rec.ActionType, &rec.Summary, &outcome, &reason, &rec.ErrorCode, &rec.ProxyCost, &rec.SettledCost, &rec.ScripCost, &effect); err != nil {
			return nil, fmt.Errorf("解析事件记录失败: %w", err)
		}
		rec.Outcome = Outcome(outcome)
		rec.Reason = reason.String
		rec.Effect = effect.String
		records = append(records, &rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历事件记录失败: %w", err)
	}
	return records, nil
}

// Close 关闭底层数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
