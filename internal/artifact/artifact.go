package artifact

import (
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "Agora-Substrate/internal/errors"
)

// Kind 区分数据 Artifact 与可执行 Artifact。
type Kind string

const (
	KindData       Kind = "data"
	KindExecutable Kind = "executable"
)

// Language 标记可执行体的语言，决定沙箱的执行后端。
type Language string

const (
	// LanguageCEL 表示以 CEL 表达式书写的纯函数体。
	LanguageCEL Language = "cel"
	// LanguageWASM 表示以 WebAssembly 模块给出的可执行体。
	LanguageWASM Language = "wasm"
)

var (
	// ErrNotFound 表示 Artifact 不存在。
	ErrNotFound = xerrors.New(xerrors.CodeNotFound, "artifact not found")
	// ErrExists 表示 ID 冲突。冲突永远不会被静默覆盖。
	ErrExists = xerrors.New(xerrors.CodeConflict, "artifact id already exists")
)

// HistoryEntry 是 Artifact 的一条只追加历史记录（调用或所有权变更）。
type HistoryEntry struct {
	Tick      int64  `json:"tick"`
	Actor     string `json:"actor"`
	Action    string `json:"action"`
	Timestamp int64  `json:"timestamp"`
}

// Artifact 是一条可寻址、带版本的持久状态。
// Creator 是不可变的历史事实：存储层不会据此授予任何隐式特权，
// 只有治理合约自己选择是否参考它。
type Artifact struct {
	ID               string         `json:"id"`
	Creator          string         `json:"creator"`
	Content          string         `json:"content"`
	Kind             Kind           `json:"kind"`
	Body             string         `json:"body,omitempty"`
	Language         Language       `json:"language,omitempty"`
	AccessContractID string         `json:"access_contract_id"`
	Size             int64          `json:"size"`
	ContentHash      string         `json:"content_hash"`
	CreatedAt        int64          `json:"created_at"`
	ModifiedAt       int64          `json:"modified_at"`
	Version          int64          `json:"version"`
	History          []HistoryEntry `json:"history,omitempty"`
}

// Executable 判断 Artifact 是否可被调用。
func (a *Artifact) Executable() bool {
	return a.Kind == KindExecutable && a.Body != ""
}

// ByteSize 返回 Artifact 占用的存量配额（内容加可执行体）。
func ByteSize(content, body string) int64 {
	return int64(len(content) + len(body))
}

// HashContent 返回内容与可执行体拼接后的 Keccak-256 哈希，
// 用于内容寻址与拍卖中的重复提交判定。
func HashContent(content, body string) string {
	return crypto.Keccak256Hash([]byte(content), []byte(body)).Hex()
}
