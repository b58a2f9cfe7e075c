package contract

import (
	"context"

	"Agora-Substrate/internal/artifact"
	"Agora-Substrate/internal/ledger"
)

// PayerKind 指明一次被许可动作的资源支付方。
type PayerKind string

const (
	// PayerCaller 表示由发起动作的主体付费（默认）。
	PayerCaller PayerKind = "caller"
	// PayerArtifact 表示由 Artifact 自身担负费用，支持订阅/赞助模式。
	PayerArtifact PayerKind = "artifact"
)

// Request 描述一次等待裁决的动作。Action 是开放字符串：
// 合约自行解释其语义，内核不对任何动作名做特殊处理。
type Request struct {
	Caller  string
	Action  string
	Target  *artifact.Artifact
	Context map[string]any
	Depth   int
}

// Decision 是治理合约对一次动作的裁决。
type Decision struct {
	Allowed      bool
	Reason       string
	ScripCost    int64
	Payer        PayerKind
	PaymentDest  string
	PaymentSplit map[string]float64
}

// Deny 构造一条带理由的拒绝裁决。
func Deny(reason string) Decision {
	return Decision{Allowed: false, Reason: reason, Payer: PayerCaller}
}

// Allow 构造一条零成本的放行裁决。
func Allow() Decision {
	return Decision{Allowed: true, Payer: PayerCaller}
}

// AccessContract 是统一的治理能力接口。内置策略与沙箱化的
// 用户合约实现同一接口，没有子类层级。
type AccessContract interface {
	CheckPermission(ctx context.Context, req Request) (Decision, error)
}

// openPolicy 放行一切动作，零成本。
type openPolicy struct{}

func (openPolicy) CheckPermission(context.Context, Request) (Decision, error) {
	return Allow(), nil
}

// ownerPolicy 只允许创建者修改与删除，读取与调用对所有人开放。
// 创建者身份来自 Artifact 上的不可变历史事实。
type ownerPolicy struct{}

func (ownerPolicy) CheckPermission(_ context.Context, req Request) (Decision, error) {
	if req.Target == nil {
		return Deny("目标 artifact 缺失"), nil
	}
	switch req.Action {
	case "write", "delete":
		if req.Caller != req.Target.Creator {
			return Deny("仅创建者可以修改或删除"), nil
		}
	}
	return Allow(), nil
}

// sealedPolicy 拒绝一切动作，用于永久封存的 Artifact。
type sealedPolicy struct{}

func (sealedPolicy) CheckPermission(context.Context, Request) (Decision, error) {
	return Deny("artifact 已封存"), nil
}

// 内置策略 ID。配置中的 default_contract_id 可引用其中任意一个。
const (
	PolicyOpen   = "policy.open"
	PolicyOwner  = "policy.owner"
	PolicySealed = "policy.sealed"
)

// NativePolicies 返回全部内置策略。
func NativePolicies() map[string]AccessContract {
	return map[string]AccessContract{
		PolicyOpen:   openPolicy{},
		PolicyOwner:  ownerPolicy{},
		PolicySealed: sealedPolicy{},
	}
}

// Invoker 允许合约在裁决过程中以 depth+1 调用其它 Artifact。
// 由动作流水线实现；深度上限由评估器统一裁决。
type Invoker interface {
	Invoke(ctx context.Context, caller, billing, artifactID, method string, args map[string]any, depth int) (any, error)
}

// LedgerView 是合约代码可见的账本只读能力。
type LedgerView = ledger.View
