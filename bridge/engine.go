package bridge

import (
	"context"

	"go.uber.org/zap"

	"jsbridge-core/hostrt"
)

// EngineName 标识 JS 引擎实现类型。
type EngineName string

const (
	EngineGoja    EngineName = "goja"
	EngineQuickJS EngineName = "quickjs"
)

// Config 是引擎实现使用的最小运行配置。
// 该结构应保持小且与具体引擎无关，仅在需要时扩展字段。
type Config struct {
	Name EngineName
	// Logger 为空时使用 nop logger。
	Logger *zap.SugaredLogger
	// Host 持有回调 Pin 引用与线程依附守卫；为空时由 Init 自建。
	Host *hostrt.Runtime
	// MemoryLimitBytes 运行时内存上限（字节），0 表示不限制。
	MemoryLimitBytes int64
	// TranspileTS 为 true 时，Eval 先将源码按 TypeScript 转译。
	TranspileTS bool
}

// HostCallback 是宿主注册给脚本的纯文本回调。
// 参数为脚本实参逐个字符串化的结果；返回 nil 表示脚本侧得到 undefined。
type HostCallback func(args []string) *string

// HostBinaryCallback 是带二进制槽位的宿主回调。
// binaryArgIndex 对应的实参以字节切片传入（缺失或非缓冲时为 nil，且对应
// 字符串槽位为 nil）；其余实参字符串化。返回按注册时的 returnsBinary 二选一。
type HostBinaryCallback func(args []*string, binary []byte) (text *string, data []byte)

// ErrorKind 定义引擎层统一的错误类别。
type ErrorKind string

const (
	ErrInit     ErrorKind = "init"
	ErrScript   ErrorKind = "script"
	ErrRuntime  ErrorKind = "runtime"
	ErrInternal ErrorKind = "internal"
)

// EngineError 是引擎适配层返回的统一错误结构。
// 脚本抛出的异常一律以 ErrScript 返回，Message 为尽力而为的异常文本。
type EngineError struct {
	Kind    ErrorKind
	Message string
	Stack   string
	Cause   error
}

func (e *EngineError) Error() string {
	if e == nil {
		return ""
	}
	if e.Message != "" {
		return string(e.Kind) + ": " + e.Message
	}
	return string(e.Kind)
}

func (e *EngineError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Engine 是脚本引擎统一抽象接口。
// - 生命周期管理
// - 脚本执行与求值
// - 宿主函数注册（文本 / 二进制）
// - 宿主调用脚本全局函数
// - pending job 泵
type Engine interface {
	Name() EngineName
	Init(ctx context.Context, cfg Config) error
	Dispose() error

	// Eval 在全局作用域执行脚本文本，返回转换后的结果值。
	// sourceName 仅用于异常与堆栈中的来源标注。
	Eval(source string, sourceName string) (HostValue, error)

	// RegisterFunc 以 name 在脚本全局暴露一个文本回调。
	RegisterFunc(name string, cb HostCallback) error
	// RegisterBinaryFunc 暴露一个带二进制槽位的回调。
	// binaryArgIndex 指明哪个脚本实参按缓冲读取，-1 表示没有；
	// returnsBinary 指明回调返回值按缓冲还是文本写回脚本。
	RegisterBinaryFunc(name string, cb HostBinaryCallback, binaryArgIndex int, returnsBinary bool) error

	// CallGlobal 调用脚本侧的全局函数。
	// args 中的 nil 元素作为 undefined 传入；binaryArgIndex 指定的槽位
	// （若 binary 非 nil）以缓冲副本替换。全局不存在或不可调用时
	// found=false 且 err=nil。脚本返回缓冲时结果为字节，否则按标量转换。
	CallGlobal(name string, args []*string, binary []byte, binaryArgIndex int) (ret HostValue, found bool, err error)

	// ExecutePendingJob 推进至多一个排队中的引擎任务，返回是否还有剩余。
	// 循环由宿主负责，这里不做内部轮询。
	ExecutePendingJob() (hasMore bool, err error)

	Reset() error
}
