package eventlog

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Store 抽象事件日志的持久化接口。日志只追加，不更新不删除。
type Store interface {
	Append(ctx context.Context, rec *Record) error
	ListLatest(ctx context.Context, limit int) ([]*Record, error)
}

// MemoryStore 使用本地 JSON 行文件保存事件日志，方便迭代开发。
type MemoryStore struct {
	mu       sync.RWMutex
	dataFile string
	records  []*Record
}

// NewMemoryStore 创建文件后端的事件日志存储。
func NewMemoryStore(dataDir string) (*MemoryStore, error) {
	if dataDir == "" {
		dataDir = "."
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}
	path := filepath.Join(dataDir, "events.log")
	store := &MemoryStore{dataFile: path}
	if err := store.loadFromDisk(); err != nil {
		return nil, err
	}
	return store, nil
}

// Append 以追加写的方式记录事件。
func (m *MemoryStore) Append(_ context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	file, err := os.OpenFile(m.dataFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("打开事件日志失败: %w", err)
	}
	defer file.Close()

	encoded, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("序列化事件记录失败: %w", err)
	}
	if _, err := file.Write(append(encoded, '\n')); err != nil {
		return fmt.Errorf("写入事件日志失败: %w", err)
	}

	m.records = append([]*Record{rec}, m.records...)
	if len(m.records) > 1024 {
		m.records = m.records[:1024]
	}
	return nil
}

// ListLatest 返回最近的事件记录，按时间倒序排列。
func (m *MemoryStore) ListLatest(_ context.Context, limit int) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 || limit > len(m.records) {
		limit = len(m.records)
	}
	results := make([]*Record, limit)
	copy(results, m.records[:limit])
	return results, nil
}

func (m *MemoryStore) loadFromDisk() error {
	file, err := os.OpenFile(m.dataFile, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("读取事件日志失败: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	var restored []*Record
	for scanner.Scan() {
		var rec Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			continue
		}
		restored = append([]*Record{&rec}, restored...)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("解析事件日志失败: %w", err)
	}

	if len(restored) > 1024 {
		restored = restored[:1024]
	}
	if len(restored) > 0 {
		m.records = restored
	}
	return nil
}
