package bridge

import "sync/atomic"

// State 是引擎实例所处的生命周期阶段。
// 正常推进为 New → Initing → Ready → Disposing → Closed；
// 初始化失败不回退，直接落到 Closed。
type State int32

const (
	StateNew State = iota
	StateIniting
	StateReady
	StateDisposing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateIniting:
		return "initing"
	case StateReady:
		return "ready"
	case StateDisposing:
		return "disposing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Lifecycle 用原子状态机约束并发的 Init/Dispose：
// 状态推进一律走 CompareAndSwap，竞争失败的一方放弃本次操作。
type Lifecycle struct {
	state atomic.Int32
}

func NewLifecycle() *Lifecycle {
	l := &Lifecycle{}
	l.state.Store(int32(StateNew))
	return l
}

// State 返回当前状态。
func (l *Lifecycle) State() State {
	return State(l.state.Load())
}

// CompareAndSwap 原子推进状态，当前状态与 oldState 不符时返回 false。
func (l *Lifecycle) CompareAndSwap(oldState, newState State) bool {
	return l.state.CompareAndSwap(int32(oldState), int32(newState))
}

// Store 无条件落到指定状态，仅供错误路径收尾使用。
func (l *Lifecycle) Store(s State) {
	l.state.Store(int32(s))
}
