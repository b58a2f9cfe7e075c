package snapshot

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"Agora-Substrate/internal/artifact"
	"Agora-Substrate/internal/auction"
	xerrors "Agora-Substrate/internal/errors"
	"Agora-Substrate/internal/ledger"
)

// Checkpoint 是一次全量状态快照：账本、Artifact 存储、
// 待结算出价与已见内容哈希。足以恢复一次被中断的运行。
type Checkpoint struct {
	CreatedAt  int64               `json:"created_at"`
	Tick       int64               `json:"tick"`
	Principals []ledger.Snapshot   `json:"principals"`
	Artifacts  []*artifact.Artifact `json:"artifacts"`
	Auction    auction.State       `json:"auction"`
}

// Pauser 在快照写盘期间暂停新动作准入，返回恢复函数。
// 调度器的 stop-the-world 闸门实现了它。
type Pauser interface {
	PauseAdmission() func()
}

// Manager 负责检查点的写入与恢复。
type Manager struct {
	path   string
	ledger *ledger.Ledger
	store  *artifact.Store
	oracle *auction.Oracle
	pauser Pauser
}

// New 构造快照管理器。pauser 可以为 nil（无调度器的离线恢复场景）。
func New(path string, led *ledger.Ledger, store *artifact.Store, oracle *auction.Oracle, pauser Pauser) *Manager {
	return &Manager{path: path, ledger: led, store: store, oracle: oracle, pauser: pauser}
}

// Save 写出一份检查点。写盘期间准入被暂停（有界的 stop-the-world）；
// 先写临时文件再原子改名，崩溃时不会留下半个快照。
func (m *Manager) Save(tick int64) error {
	if m.pauser != nil {
		resume := m.pauser.PauseAdmission()
		defer resume()
	}

	cp := Checkpoint{
		CreatedAt:  time.Now().Unix(),
		Tick:       tick,
		Principals: m.ledger.Export(),
		Artifacts:  m.store.List(),
	}
	if m.oracle != nil {
		cp.Auction = m.oracle.Export()
	}

	encoded, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化检查点失败")
	}

	dir := filepath.Dir(m.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建快照目录失败")
	}
	tmp, err := os.CreateTemp(dir, "checkpoint-*.tmp")
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建临时快照文件失败")
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(encoded); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入快照失败")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "关闭快照文件失败")
	}
	if err := os.Rename(tmpName, m.path); err != nil {
		os.Remove(tmpName)
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "替换快照文件失败")
	}
	return nil
}

// Load 读入检查点文件。
func (m *Manager) Load() (*Checkpoint, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, xerrors.New(xerrors.CodeNotFound, "快照文件不存在: "+m.path)
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取快照失败")
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("解析快照 %s 失败", m.path))
	}
	return &cp, nil
}

// Restore 把检查点内容应用回各组件，返回恢复到的 tick。
func (m *Manager) Restore(cp *Checkpoint) (int64, error) {
	if cp == nil {
		return 0, xerrors.New(xerrors.CodeInvalidArgument, "检查点不能为空")
	}
	if err := m.ledger.Restore(cp.Principals); err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "恢复账本失败")
	}
	m.store.Restore(cp.Artifacts)
	if m.oracle != nil {
		m.oracle.Restore(cp.Auction)
	}
	return cp.Tick, nil
}
