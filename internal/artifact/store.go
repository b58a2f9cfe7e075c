package artifact

import (
	"sort"
	"sync"
	"time"

	xerrors "Agora-Substrate/internal/errors"
)

// Store 以内存方式保存全部 Artifact。读取返回深拷贝：
// 删除发生在一次调用执行中途时，执行继续使用自己的缓存副本，
// 后续调用才会观察到 Artifact 消失。
type Store struct {
	mu        sync.RWMutex
	artifacts map[string]*Artifact
	now       func() time.Time
}

// StoreOption 定义可选配置。
type StoreOption func(*Store)

// WithStoreClock 注入时钟，用于测试。
func WithStoreClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// NewStore 创建空的 Artifact 存储。
func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		artifacts: make(map[string]*Artifact),
		now:       time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// CreateInput 描述一次创建请求。
type CreateInput struct {
	ID               string
	Creator          string
	Content          string
	Kind             Kind
	Body             string
	Language         Language
	AccessContractID string
}

// Create 写入一条新 Artifact。ID 冲突返回错误，永不覆盖。
func (s *Store) Create(in CreateInput) (*Artifact, error) {
	if in.ID == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "artifact ID 不能为空")
	}
	if in.Kind != KindData && in.Kind != KindExecutable {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未知的 artifact 类型: "+string(in.Kind))
	}
	if in.Kind == KindExecutable && in.Body == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "可执行 artifact 必须携带可执行体")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.artifacts[in.ID]; ok {
		return nil, ErrExists
	}
	now := s.now().Unix()
	a := &Artifact{
		ID:               in.ID,
		Creator:          in.Creator,
		Content:          in.Content,
		Kind:             in.Kind,
		Body:             in.Body,
		Language:         in.Language,
		AccessContractID: in.AccessContractID,
		Size:             ByteSize(in.Content, in.Body),
		ContentHash:      HashContent(in.Content, in.Body),
		CreatedAt:        now,
		ModifiedAt:       now,
		Version:          1,
	}
	// 自治理：空引用指向自身。
	if a.AccessContractID == "" {
		a.AccessContractID = a.ID
	}
	s.artifacts[a.ID] = a
	return cloneArtifact(a), nil
}

// Get 返回 Artifact 的深拷贝。
func (s *Store) Get(id string) (*Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.artifacts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneArtifact(a), nil
}

// Exists 判断 Artifact 是否存在。
func (s *Store) Exists(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.artifacts[id]
	return ok
}

// UpdateContent 覆盖内容与可执行体，并返回更新前后的尺寸差。
// 调用方负责先对尺寸差做存量配额检查。
func (s *Store) UpdateContent(id, content, body string) (sizeDelta int64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.artifacts[id]
	if !ok {
		return 0, ErrNotFound
	}
	newSize := ByteSize(content, body)
	sizeDelta = newSize - a.Size
	a.Content = content
	if a.Kind == KindExecutable && body != "" {
		a.Body = body
	}
	a.Size = ByteSize(a.Content, a.Body)
	a.ContentHash = HashContent(a.Content, a.Body)
	a.ModifiedAt = s.now().Unix()
	a.Version++
	return sizeDelta, nil
}

// Delete 移除 Artifact 并返回其占用的尺寸，供调用方释放存量配额。
func (s *Store) Delete(id string) (freedSize int64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.artifacts[id]
	if !ok {
		return 0, ErrNotFound
	}
	delete(s.artifacts, id)
	return a.Size, nil
}

// AppendHistory 在 Artifact 的只追加历史上记录一次调用或所有权变更。
func (s *Store) AppendHistory(id string, entry HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.artifacts[id]
	if !ok {
		return ErrNotFound
	}
	if entry.Timestamp == 0 {
		entry.Timestamp = s.now().Unix()
	}
	a.History = append(a.History, entry)
	return nil
}

// List 返回全部 Artifact 的拷贝，按 ID 排序，保证遍历可复现。
func (s *Store) List() []*Artifact {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Artifact, 0, len(s.artifacts))
	for _, a := range s.artifacts {
		out = append(out, cloneArtifact(a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Restore 从快照重建存储内容。
func (s *Store) Restore(artifacts []*Artifact) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.artifacts = make(map[string]*Artifact, len(artifacts))
	for _, a := range artifacts {
		s.artifacts[a.ID] = cloneArtifact(a)
	}
}

func cloneArtifact(a *Artifact) *Artifact {
	clone := *a
	if len(a.History) > 0 {
		clone.History = make([]HistoryEntry, len(a.History))
		copy(clone.History, a.History)
	}
	return &clone
}
