package goja

import "jsbridge-core/bridge"

// runtimeBackend 定义 goja 运行时后端最小能力。
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

// newRuntimeBackend 用于创建具体后端实现，测试可替换为假后端。
// 默认实现由 backend_goja.go 的 init 安装。
var newRuntimeBackend func(cfg bridge.Config) (runtimeBackend, error)
