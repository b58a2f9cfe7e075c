package intent

import (
	"strings"

	"Agora-Substrate/internal/artifact"
	xerrors "Agora-Substrate/internal/errors"
)

// Kind 枚举基底支持的动作类型。未知类型在校验阶段被拒绝，
// 不产生任何费用。
type Kind string

const (
	KindNoop     Kind = "noop"
	KindRead     Kind = "read_artifact"
	KindWrite    Kind = "write_artifact"
	KindInvoke   Kind = "invoke_artifact"
	KindDelete   Kind = "delete_artifact"
	KindSpawn    Kind = "spawn_principal"
	KindTransfer Kind = "transfer_scrip"
)

// Intent 是一次结构化的动作请求。它不携带任何执行语义，
// 只在一次流水线流程内存活；其结局由事件日志永久保留。
type Intent struct {
	Proposer   string `json:"proposer"`
	ActionType Kind   `json:"action_type"`

	// read/write/invoke/delete 的目标。
	ArtifactID string `json:"artifact_id,omitempty"`

	// write_artifact 的声明参数。
	Content      string            `json:"content,omitempty"`
	ArtifactKind artifact.Kind     `json:"kind,omitempty"`
	Body         string            `json:"body,omitempty"`
	Language     artifact.Language `json:"language,omitempty"`
	PolicyRef    string            `json:"policy_ref,omitempty"`

	// invoke_artifact 的声明参数。
	Method string         `json:"method,omitempty"`
	Args   map[string]any `json:"args,omitempty"`

	// transfer_scrip 与 spawn_principal 的声明参数。
	To     string `json:"to,omitempty"`
	Amount int64  `json:"amount,omitempty"`
}

var validKinds = map[Kind]struct{}{
	KindNoop: {}, KindRead: {}, KindWrite: {}, KindInvoke: {},
	KindDelete: {}, KindSpawn: {}, KindTransfer: {},
}

// Validate 做纯粹的模式校验：动作类型合法、必填参数齐全。
// 校验失败的动作在收费之前即被拒绝。
func (in *Intent) Validate() error {
	if in == nil {
		return xerrors.New(xerrors.CodeSchemaInvalid, "intent 不能为空")
	}
	if strings.TrimSpace(in.Proposer) == "" {
		return xerrors.New(xerrors.CodeSchemaInvalid, "proposer 不能为空")
	}
	if _, ok := validKinds[in.ActionType]; !ok {
		return xerrors.New(xerrors.CodeSchemaInvalid, "未知的动作类型: "+string(in.ActionType))
	}

	switch in.ActionType {
	case KindRead, KindDelete:
		if in.ArtifactID == "" {
			return xerrors.New(xerrors.CodeSchemaInvalid, "artifact_id 不能为空")
		}
	case KindWrite:
		if in.ArtifactID == "" {
			return xerrors.New(xerrors.CodeSchemaInvalid, "artifact_id 不能为空")
		}
		if in.ArtifactKind == "" {
			in.ArtifactKind = artifact.KindData
		}
		if in.ArtifactKind != artifact.KindData && in.ArtifactKind != artifact.KindExecutable {
			return xerrors.New(xerrors.CodeSchemaInvalid, "未知的 artifact 类型: "+string(in.ArtifactKind))
		}
		if in.ArtifactKind == artifact.KindExecutable {
			if in.Body == "" {
				return xerrors.New(xerrors.CodeSchemaInvalid, "可执行 artifact 必须携带可执行体")
			}
			if in.Language != artifact.LanguageCEL && in.Language != artifact.LanguageWASM {
				return xerrors.New(xerrors.CodeSchemaInvalid, "未知的可执行体语言: "+string(in.Language))
			}
		}
	case KindInvoke:
		if in.ArtifactID == "" {
			return xerrors.New(xerrors.CodeSchemaInvalid, "artifact_id 不能为空")
		}
		if in.Method == "" {
			return xerrors.New(xerrors.CodeSchemaInvalid, "method 不能为空")
		}
	case KindSpawn:
		if in.To == "" {
			return xerrors.New(xerrors.CodeSchemaInvalid, "新主体 ID 不能为空")
		}
		if in.Amount < 0 {
			return xerrors.New(xerrors.CodeSchemaInvalid, "初始划拨不能为负数")
		}
	case KindTransfer:
		if in.To == "" {
			return xerrors.New(xerrors.CodeSchemaInvalid, "转账对象不能为空")
		}
		if in.Amount <= 0 {
			return xerrors.New(xerrors.CodeSchemaInvalid, "转账数额必须为正数")
		}
	}
	return nil
}

// Summary 返回可安全写入事件日志的意图摘要。
// 写入内容与可执行体一律不出现：日志只记录"发生了一次写"这一事实。
func (in *Intent) Summary() string {
	switch in.ActionType {
	case KindWrite:
		return string(KindWrite) + " " + in.ArtifactID + " (content redacted)"
	case KindInvoke:
		return string(KindInvoke) + " " + in.ArtifactID + "." + in.Method
	case KindRead, KindDelete:
		return string(in.ActionType) + " " + in.ArtifactID
	case KindSpawn, KindTransfer:
		return string(in.ActionType) + " -> " + in.To
	default:
		return string(in.ActionType)
	}
}
