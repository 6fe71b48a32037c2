package goja

import (
	"errors"
	"fmt"
	"sync"

	gj "github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/console"
	"github.com/dop251/goja_nodejs/require"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"jsbridge-core/bridge"
	"jsbridge-core/hostrt"
)

type nativeBackend struct {
	vm     *gj.Runtime
	logger *zap.SugaredLogger
	host   *hostrt.Runtime

	transpileTS bool

	bindings *bridge.BindingTable
	// 全局名 → binding id。同名重注册时旧函数对脚本不再可达，由此回收。
	nameIDs map[string]int64
	regs    []pendingReg

	// goja Runtime 非线程安全，所有求值/注册/调用必须串行。
	vmMu sync.Mutex
}

func init() {
	newRuntimeBackend = func(cfg bridge.Config) (runtimeBackend, error) {
		return newNativeBackend(cfg)
	}
}

func newNativeBackend(cfg bridge.Config) (*nativeBackend, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	host := cfg.Host
	if host == nil {
		host = hostrt.New()
	}
	n := &nativeBackend{
		logger:      logger,
		host:        host,
		transpileTS: cfg.TranspileTS,
		bindings:    bridge.NewBindingTable(),
		nameIDs:     map[string]int64{},
	}
	// goja 没有运行时内存上限开关，MemoryLimitBytes 仅 quickjs 后端生效。
	n.buildVMLocked()
	logger.Debugf("goja 后端就绪")
	return n, nil
}

func (n *nativeBackend) buildVMLocked() {
	vm := gj.New()
	reg := new(require.Registry)
	reg.RegisterNativeModule(console.ModuleName, console.RequireWithPrinter(&zapPrinter{log: n.logger}))
	reg.Enable(vm)
	console.Enable(vm)
	n.vm = vm
}

// zapPrinter 把脚本 console 输出接到宿主日志。
type zapPrinter struct {
	log *zap.SugaredLogger
}

func (p *zapPrinter) Log(s string)  { p.log.Info(s) }
func (p *zapPrinter) Warn(s string) { p.log.Warn(s) }

// Error 表示脚本业务侧的错误输出，不打印 Go 运行栈。
func (p *zapPrinter) Error(s string) { p.log.Warn("[JS] " + s) }

func (n *nativeBackend) Dispose() error {
	n.vmMu.Lock()
	defer n.vmMu.Unlock()
	n.bindings.FinalizeAll()
	n.nameIDs = map[string]int64{}
	n.vm = nil
	n.logger.Debugf("goja 后端已释放")
	return nil
}

func (n *nativeBackend) Eval(source string, sourceName string) (bridge.HostValue, error) {
	src := source
	if n.transpileTS {
		out, err := bridge.TranspileTS(source, sourceName)
		if err != nil {
			return bridge.Absent(), err
		}
		src = out
	}
	n.vmMu.Lock()
	defer n.vmMu.Unlock()
	if n.vm == nil {
		return bridge.Absent(), fmt.Errorf("goja VM 未初始化")
	}
	v, err := n.vm.RunScript(sourceName, src)
	if err != nil {
		return bridge.Absent(), n.scriptError(err)
	}
	return scriptToHost(v), nil
}

// scriptError 把脚本抛出的异常翻译为统一错误。
// goja 返回 error 时自身异常态已出清，这里只提取异常文本。
func (n *nativeBackend) scriptError(err error) error {
	msg := err.Error()
	var ex *gj.Exception
	if errors.As(err, &ex) {
		if v := ex.Value(); v != nil {
			msg = v.String()
		}
	}
	return &bridge.EngineError{Kind: bridge.ErrScript, Message: msg, Cause: err}
}

// scriptToHost 把脚本值投影为宿主标量。
// 顺序：null/undefined → 空值；布尔；数值（整型窗口拆分）；字符串；
// 其余对象按脚本语义字符串化兜底。
func scriptToHost(v gj.Value) bridge.HostValue {
	if v == nil || gj.IsUndefined(v) || gj.IsNull(v) {
		return bridge.Absent()
	}
	switch ev := v.Export().(type) {
	case bool:
		return bridge.BoolValue(ev)
	case int64:
		return bridge.NumberValue(float64(ev))
	case float64:
		return bridge.NumberValue(ev)
	case string:
		return bridge.StringValue(ev)
	default:
		return bridge.StringValue(v.String())
	}
}

// bufferFromScript 按两步法识别缓冲：先整块 ArrayBuffer，再取类型化
// 视图的 buffer/byteOffset/byteLength。命中时返回独立副本，绝不与
// 引擎内部存储共享。
func bufferFromScript(v gj.Value) ([]byte, bool) {
	if v == nil {
		return nil, false
	}
	if ab, ok := v.Export().(gj.ArrayBuffer); ok {
		return append([]byte(nil), ab.Bytes()...), true
	}
	obj, ok := v.(*gj.Object)
	if !ok {
		return nil, false
	}
	bufVal := obj.Get("buffer")
	if bufVal == nil {
		return nil, false
	}
	ab, ok := bufVal.Export().(gj.ArrayBuffer)
	if !ok {
		return nil, false
	}
	offVal := obj.Get("byteOffset")
	lenVal := obj.Get("byteLength")
	if offVal == nil || lenVal == nil {
		return nil, false
	}
	off := int(offVal.ToInteger())
	length := int(lenVal.ToInteger())
	raw := ab.Bytes()
	if off < 0 || length < 0 || off+length > len(raw) {
		return nil, false
	}
	return append([]byte(nil), raw[off:off+length]...), true
}

// newBuffer 以副本向脚本侧送入字节数据。
func (n *nativeBackend) newBuffer(data []byte) gj.Value {
	return n.vm.ToValue(n.vm.NewArrayBuffer(append([]byte(nil), data...)))
}

func (n *nativeBackend) RegisterFunc(name string, cb bridge.HostCallback) error {
	n.vmMu.Lock()
	defer n.vmMu.Unlock()
	if err := n.installTextLocked(name, cb); err != nil {
		return err
	}
	n.regs = append(n.regs, pendingReg{name: name, text: cb, binaryArgIndex: -1})
	return nil
}

func (n *nativeBackend) RegisterBinaryFunc(name string, cb bridge.HostBinaryCallback, binaryArgIndex int, returnsBinary bool) error {
	n.vmMu.Lock()
	defer n.vmMu.Unlock()
	if err := n.installBinaryLocked(name, cb, binaryArgIndex, returnsBinary); err != nil {
		return err
	}
	n.regs = append(n.regs, pendingReg{
		name:           name,
		binary:         cb,
		binaryArgIndex: binaryArgIndex,
		returnsBinary:  returnsBinary,
	})
	return nil
}

func (n *nativeBackend) installTextLocked(name string, cb bridge.HostCallback) error {
	if n.vm == nil {
		return fmt.Errorf("goja VM 未初始化")
	}
	id := n.bindings.Register(&bridge.CallbackBinding{
		Ref:            n.host.Pin(cb),
		BinaryArgIndex: -1,
	})
	// 脚本函数只闭包 binding id，回调本体钉在宿主运行时里。
	fn := func(call gj.FunctionCall) gj.Value {
		return n.dispatchText(id, call)
	}
	if err := n.vm.GlobalObject().Set(name, fn); err != nil {
		n.bindings.Finalize(id)
		return err
	}
	n.replaceNameLocked(name, id)
	return nil
}

func (n *nativeBackend) installBinaryLocked(name string, cb bridge.HostBinaryCallback, binaryArgIndex int, returnsBinary bool) error {
	if n.vm == nil {
		return fmt.Errorf("goja VM 未初始化")
	}
	id := n.bindings.Register(&bridge.CallbackBinding{
		Ref:            n.host.Pin(cb),
		Binary:         true,
		BinaryArgIndex: binaryArgIndex,
		ReturnsBinary:  returnsBinary,
	})
	fn := func(call gj.FunctionCall) gj.Value {
		return n.dispatchBinary(id, call)
	}
	if err := n.vm.GlobalObject().Set(name, fn); err != nil {
		n.bindings.Finalize(id)
		return err
	}
	n.replaceNameLocked(name, id)
	return nil
}

// replaceNameLocked 记录全局名当前的 binding；被覆盖的旧 binding 立即回收。
func (n *nativeBackend) replaceNameLocked(name string, id int64) {
	if old, ok := n.nameIDs[name]; ok {
		n.bindings.Finalize(old)
	}
	n.nameIDs[name] = id
}

func (n *nativeBackend) dispatchText(id int64, call gj.FunctionCall) gj.Value {
	bind, ok := n.bindings.Lookup(id)
	if !ok || bind.Ref == nil {
		panic(n.vm.NewGoError(fmt.Errorf("Callback data not found")))
	}
	cb, _ := bind.Ref.Value().(bridge.HostCallback)
	if cb == nil {
		panic(n.vm.NewGoError(fmt.Errorf("Callback data not found")))
	}
	detach := n.host.Attach()
	defer detach()
	defer func() {
		if r := recover(); r != nil {
			if v, isJS := r.(gj.Value); isJS {
				panic(v)
			}
			panic(n.vm.NewGoError(fmt.Errorf("宿主回调 panic: %v", r)))
		}
	}()
	args := lo.Map(call.Arguments, func(a gj.Value, _ int) string {
		return a.String()
	})
	out := cb(args)
	if out == nil {
		return gj.Undefined()
	}
	return n.vm.ToValue(*out)
}

func (n *nativeBackend) dispatchBinary(id int64, call gj.FunctionCall) gj.Value {
	bind, ok := n.bindings.Lookup(id)
	if !ok || bind.Ref == nil {
		panic(n.vm.NewGoError(fmt.Errorf("Callback data not found")))
	}
	cb, _ := bind.Ref.Value().(bridge.HostBinaryCallback)
	if cb == nil {
		panic(n.vm.NewGoError(fmt.Errorf("Callback data not found")))
	}
	detach := n.host.Attach()
	defer detach()
	defer func() {
		if r := recover(); r != nil {
			if v, isJS := r.(gj.Value); isJS {
				panic(v)
			}
			panic(n.vm.NewGoError(fmt.Errorf("宿主回调 panic: %v", r)))
		}
	}()
	args := make([]*string, len(call.Arguments))
	var binary []byte
	for i, a := range call.Arguments {
		if i == bind.BinaryArgIndex {
			// 二进制槽位：非缓冲实参时保持 nil，字符串槽位同样留空。
			if data, ok := bufferFromScript(a); ok {
				binary = data
			}
			continue
		}
		s := a.String()
		args[i] = &s
	}
	text, data := cb(args, binary)
	if bind.ReturnsBinary {
		if data == nil {
			return gj.Undefined()
		}
		return n.newBuffer(data)
	}
	if text == nil {
		return gj.Undefined()
	}
	return n.vm.ToValue(*text)
}

func (n *nativeBackend) CallGlobal(name string, args []*string, binary []byte, binaryArgIndex int) (bridge.HostValue, bool, error) {
	n.vmMu.Lock()
	defer n.vmMu.Unlock()
	if n.vm == nil {
		return bridge.Absent(), false, fmt.Errorf("goja VM 未初始化")
	}
	fn, ok := gj.AssertFunction(n.vm.GlobalObject().Get(name))
	if !ok {
		// 全局不存在或不可调用不算错误，按未找到返回。
		return bridge.Absent(), false, nil
	}
	jsArgs := make([]gj.Value, len(args))
	for i, a := range args {
		switch {
		case i == binaryArgIndex && binary != nil:
			jsArgs[i] = n.newBuffer(binary)
		case a == nil:
			jsArgs[i] = gj.Undefined()
		default:
			jsArgs[i] = n.vm.ToValue(*a)
		}
	}
	ret, err := fn(n.vm.GlobalObject(), jsArgs...)
	if err != nil {
		return bridge.Absent(), true, n.scriptError(err)
	}
	// 返回值先按缓冲探测，再退回标量转换。
	if data, ok := bufferFromScript(ret); ok {
		return bridge.BytesValue(data), true, nil
	}
	return scriptToHost(ret), true, nil
}

// ExecutePendingJob 推进队列中的引擎任务。
// goja 在触发脚本的入口内同步清空 promise 微任务，宿主可见的队列
// 始终为空，因此恒返回无剩余。
func (n *nativeBackend) ExecutePendingJob() (bool, error) {
	return false, nil
}

// Reset 软重置：旧上下文整体废弃并回收全部旧 binding，
// 在新 VM 上重放已注册的宿主函数。
func (n *nativeBackend) Reset() error {
	n.vmMu.Lock()
	defer n.vmMu.Unlock()
	n.bindings.FinalizeAll()
	n.nameIDs = map[string]int64{}
	n.buildVMLocked()
	for _, reg := range n.regs {
		var err error
		if reg.binary != nil {
			err = n.installBinaryLocked(reg.name, reg.binary, reg.binaryArgIndex, reg.returnsBinary)
		} else {
			err = n.installTextLocked(reg.name, reg.text)
		}
		if err != nil {
			return err
		}
	}
	return nil
}
