package eventlog

import (
	"time"

	"github.com/google/uuid"

	xerrors "Agora-Substrate/internal/errors"
	"Agora-Substrate/internal/intent"
)

// Outcome 表示一次动作的最终结局。
type Outcome string

const (
	OutcomeAccepted Outcome = "accepted"
	OutcomeRejected Outcome = "rejected"
	OutcomeModified Outcome = "modified"
)

// Record 是事件日志中的一条不可变记录。意图本身不持久化，
// 只有经过脱敏的摘要进入日志；写入内容永远不落盘。
type Record struct {
	ID          string  `json:"id"`
	Tick        int64   `json:"tick"`
	Timestamp   int64   `json:"timestamp"`
	Proposer    string  `json:"proposer"`
	ActionType  string  `json:"action_type"`
	Summary     string  `json:"summary"`
	Outcome     Outcome `json:"outcome"`
	Reason      string  `json:"reason,omitempty"`
	ErrorCode   string  `json:"error_code,omitempty"`
	ProxyCost   int64   `json:"proxy_cost"`
	SettledCost int64   `json:"settled_cost"`
	ScripCost   int64   `json:"scrip_cost"`
	Effect      string  `json:"effect,omitempty"`
}

// NewRecord 从意图构造日志记录。摘要由 intent.Summary 生成，
// 构造即脱敏：调用方拿不到写入原文的落盘通道。
func NewRecord(in *intent.Intent, tick int64, outcome Outcome) *Record {
	rec := &Record{
		ID:        uuid.NewString(),
		Tick:      tick,
		Timestamp: time.Now().UnixMilli(),
		Outcome:   outcome,
	}
	if in != nil {
		rec.Proposer = in.Proposer
		rec.ActionType = string(in.ActionType)
		rec.Summary = in.Summary()
	}
	return rec
}

// WithFailure 记录拒绝或降级原因与错误码。
func (r *Record) WithFailure(reason string, err error) *Record {
	r.Reason = reason
	if err != nil {
		if r.Reason == "" {
			r.Reason = err.Error()
		}
		r.ErrorCode = string(xerrors.CodeOf(err))
	}
	return r
}

// WithCosts 记录准入阶段的预估费用与结算阶段的真实费用。
func (r *Record) WithCosts(proxy, settled int64) *Record {
	r.ProxyCost = proxy
	r.SettledCost = settled
	return r
}

// WithScripCost 记录合约裁决产生的 scrip 费用。
func (r *Record) WithScripCost(cost int64) *Record {
	r.ScripCost = cost
	return r
}

// WithEffect 记录状态变更的摘要描述。
func (r *Record) WithEffect(effect string) *Record {
	r.Effect = effect
	return r
}
