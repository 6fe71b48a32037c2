package quickjs

import "jsbridge-core/bridge"

// runtimeBackend 定义 QuickJS 运行时后端最小能力。
// Adapter 只做生命周期与错误类别约束，求值与封送都在后端。
type runtimeBackend interface {
	Dispose() error
	Eval(source string, sourceName string) (bridge.HostValue, error)
	RegisterFunc(name string, cb bridge.HostCallback) error
	RegisterBinaryFunc(name string, cb bridge.HostBinaryCallback, binaryArgIndex int, returnsBinary bool) error
	CallGlobal(name string, args []*string, binary []byte, binaryArgIndex int) (bridge.HostValue, bool, error)
	ExecutePendingJob() (bool, error)
	Reset() error
}

// newRuntimeBackend 用于创建具体后端实现。
// 具体实现由带构建标签的文件提供：
// - backend_noqjs.go: 默认降级实现
// - backend_qjs.go: quickjs (github.com/buke/quickjs-go) CGO 实现
var newRuntimeBackend func(cfg bridge.Config, opt Options) (runtimeBackend, error)
