package ledger

// View 是账本的只读投影，是唯一允许进入合约与沙箱代码的账本句柄。
// 它不暴露任何修改方法，保证策略代码无法伪造转账。
type View interface {
	Balance(principal, resource string) (float64, error)
	CanAfford(principal, resource string, amount float64) bool
	Exists(principal string) bool
	IsFrozen(principal string) bool
}

// ReadOnly 返回账本的只读视图。
func (l *Ledger) ReadOnly() View {
	return readOnlyView{l}
}

// readOnlyView 通过嵌入限制可达方法集合，防止向下转型拿到写接口。
type readOnlyView struct {
	inner *Ledger
}

func (v readOnlyView) Balance(principal, resource string) (float64, error) {
	return v.inner.Balance(principal, resource)
}

func (v readOnlyView) CanAfford(principal, resource string, amount float64) bool {
	return v.inner.CanAfford(principal, resource, amount)
}

func (v readOnlyView) Exists(principal string) bool {
	return v.inner.Exists(principal)
}

func (v readOnlyView) IsFrozen(principal string) bool {
	return v.inner.IsFrozen(principal)
}
