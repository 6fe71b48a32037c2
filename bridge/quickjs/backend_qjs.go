//go:build quickjs

package quickjs

import (
	"fmt"
	"sync"

	bq "github.com/buke/quickjs-go"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"jsbridge-core/bridge"
	"jsbridge-core/hostrt"
)

type nativeBackend struct {
	runtime *bq.Runtime
	ctx     *bq.Context
	logger  *zap.SugaredLogger
	host    *hostrt.Runtime

	opt         Options
	transpileTS bool

	bindings *bridge.BindingTable
	// 全局名 → binding id。同名重注册时旧函数对脚本不再可达，由此回收。
	nameIDs map[string]int64
	regs    []pendingReg

	// QuickJS Context 非线程安全，所有 Eval/JS 调用必须串行。
	vmMu sync.Mutex
}

func init() {
	newRuntimeBackend = func(cfg bridge.Config, opt Options) (runtimeBackend, error) {
		return newNativeBackend(cfg, opt)
	}
}

func newNativeBackend(cfg bridge.Config, opt Options) (*nativeBackend, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	host := cfg.Host
	if host == nil {
		host = hostrt.New()
	}
	rt := bq.NewRuntime()
	if rt == nil {
		return nil, fmt.Errorf("创建 QuickJS Runtime 失败")
	}
	if opt.MemoryLimitBytes > 0 {
		rt.SetMemoryLimit(uint64(opt.MemoryLimitBytes))
	}
	ctx := rt.NewContext()
	if ctx == nil {
		rt.Close()
		return nil, fmt.Errorf("创建 QuickJS Context 失败")
	}

	n := &nativeBackend{
		runtime:     rt,
		ctx:         ctx,
		logger:      logger,
		host:        host,
		opt:         opt,
		transpileTS: cfg.TranspileTS,
		bindings:    bridge.NewBindingTable(),
		nameIDs:     map[string]int64{},
	}
	logger.Debugf("quickjs 后端就绪")
	return n, nil
}

func (n *nativeBackend) Dispose() error {
	n.vmMu.Lock()
	defer n.vmMu.Unlock()
	if n.ctx != nil {
		n.ctx.Close()
		n.ctx = nil
	}
	if n.runtime != nil {
		n.runtime.Close()
		n.runtime = nil
	}
	n.bindings.FinalizeAll()
	n.nameIDs = map[string]int64{}
	n.logger.Debugf("quickjs 后端已释放")
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
	if n.ctx == nil {
		return bridge.Absent(), fmt.Errorf("QuickJS VM 未初始化")
	}
	v := n.ctx.Eval(src, bq.EvalFlagGlobal(true), bq.EvalFileName(sourceName))
	defer v.Free()
	if v.IsException() {
		return bridge.Absent(), n.scriptErrorLocked()
	}
	return scriptToHost(v), nil
}

// scriptErrorLocked 取出并清空挂起的引擎异常，翻译为统一错误。
func (n *nativeBackend) scriptErrorLocked() error {
	err := n.ctx.Exception()
	if err == nil {
		err = fmt.Errorf("quickjs exception")
	}
	return &bridge.EngineError{Kind: bridge.ErrScript, Message: err.Error(), Cause: err}
}

// scriptToHost 把脚本值投影为宿主标量。
// 顺序：null/undefined → 空值；布尔；数值（整型窗口拆分）；其余（含
// 字符串）按脚本语义字符串化。
func scriptToHost(v *bq.Value) bridge.HostValue {
	switch {
	case v == nil || v.IsNull() || v.IsUndefined():
		return bridge.Absent()
	case v.IsBool():
		return bridge.BoolValue(v.ToBool())
	case v.IsNumber():
		return bridge.NumberValue(v.ToFloat64())
	default:
		return bridge.StringValue(v.ToString())
	}
}

// bufferFromScript 按两步法识别缓冲：先整块 ArrayBuffer，再取类型化
// 视图的 buffer/byteOffset/byteLength。命中时返回独立副本。
func bufferFromScript(v *bq.Value) ([]byte, bool) {
	if v == nil {
		return nil, false
	}
	if v.IsByteArray() {
		data, err := v.ToByteArray(uint(v.ByteLen()))
		if err != nil {
			return nil, false
		}
		return data, true
	}
	if !v.IsObject() {
		return nil, false
	}
	buf := v.Get("buffer")
	defer buf.Free()
	if !buf.IsByteArray() {
		return nil, false
	}
	offV := v.Get("byteOffset")
	lenV := v.Get("byteLength")
	defer offV.Free()
	defer lenV.Free()
	off := int(offV.ToInt64())
	length := int(lenV.ToInt64())
	raw, err := buf.ToByteArray(uint(buf.ByteLen()))
	if err != nil {
		return nil, false
	}
	if off < 0 || length < 0 || off+length > len(raw) {
		return nil, false
	}
	return append([]byte(nil), raw[off:off+length]...), true
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
	if n.ctx == nil {
		return fmt.Errorf("QuickJS VM 未初始化")
	}
	id := n.bindings.Register(&bridge.CallbackBinding{
		Ref:            n.host.Pin(cb),
		BinaryArgIndex: -1,
	})
	// 脚本函数只闭包 binding id，回调本体钉在宿主运行时里。
	wrapped := n.ctx.NewFunction(func(ctx *bq.Context, this *bq.Value, args []*bq.Value) *bq.Value {
		return n.dispatchText(id, ctx, args)
	})
	defer wrapped.Free()
	n.ctx.Globals().Set(name, wrapped)
	n.replaceNameLocked(name, id)
	return nil
}

func (n *nativeBackend) installBinaryLocked(name string, cb bridge.HostBinaryCallback, binaryArgIndex int, returnsBinary bool) error {
	if n.ctx == nil {
		return fmt.Errorf("QuickJS VM 未初始化")
	}
	id := n.bindings.Register(&bridge.CallbackBinding{
		Ref:            n.host.Pin(cb),
		Binary:         true,
		BinaryArgIndex: binaryArgIndex,
		ReturnsBinary:  returnsBinary,
	})
	wrapped := n.ctx.NewFunction(func(ctx *bq.Context, this *bq.Value, args []*bq.Value) *bq.Value {
		return n.dispatchBinary(id, ctx, args)
	})
	defer wrapped.Free()
	n.ctx.Globals().Set(name, wrapped)
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

func (n *nativeBackend) dispatchText(id int64, ctx *bq.Context, args []*bq.Value) *bq.Value {
	bind, ok := n.bindings.Lookup(id)
	if !ok || bind.Ref == nil {
		return ctx.ThrowInternalError("Callback data not found")
	}
	cb, _ := bind.Ref.Value().(bridge.HostCallback)
	if cb == nil {
		return ctx.ThrowInternalError("Callback data not found")
	}
	detach := n.host.Attach()
	defer detach()
	strs := lo.Map(args, func(a *bq.Value, _ int) string {
		return a.ToString()
	})
	out, err := safeInvokeText(cb, strs)
	if err != nil {
		return ctx.ThrowError(err)
	}
	if out == nil {
		return ctx.Undefined()
	}
	return ctx.String(*out)
}

func (n *nativeBackend) dispatchBinary(id int64, ctx *bq.Context, args []*bq.Value) *bq.Value {
	bind, ok := n.bindings.Lookup(id)
	if !ok || bind.Ref == nil {
		return ctx.ThrowInternalError("Callback data not found")
	}
	cb, _ := bind.Ref.Value().(bridge.HostBinaryCallback)
	if cb == nil {
		return ctx.ThrowInternalError("Callback data not found")
	}
	detach := n.host.Attach()
	defer detach()
	strs := make([]*string, len(args))
	var binary []byte
	for i, a := range args {
		if i == bind.BinaryArgIndex {
			// 二进制槽位：非缓冲实参时保持 nil，字符串槽位同样留空。
			if data, ok := bufferFromScript(a); ok {
				binary = data
			}
			continue
		}
		s := a.ToString()
		strs[i] = &s
	}
	text, data, err := safeInvokeBinary(cb, strs, binary)
	if err != nil {
		return ctx.ThrowError(err)
	}
	if bind.ReturnsBinary {
		if data == nil {
			return ctx.Undefined()
		}
		return ctx.ArrayBuffer(data)
	}
	if text == nil {
		return ctx.Undefined()
	}
	return ctx.String(*text)
}

func safeInvokeText(cb bridge.HostCallback, args []string) (out *string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("宿主回调 panic: %v", r)
		}
	}()
	return cb(args), nil
}

func safeInvokeBinary(cb bridge.HostBinaryCallback, args []*string, binary []byte) (text *string, data []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("宿主回调 panic: %v", r)
		}
	}()
	text, data = cb(args, binary)
	return text, data, nil
}

func (n *nativeBackend) CallGlobal(name string, args []*string, binary []byte, binaryArgIndex int) (bridge.HostValue, bool, error) {
	n.vmMu.Lock()
	defer n.vmMu.Unlock()
	if n.ctx == nil {
		return bridge.Absent(), false, fmt.Errorf("QuickJS VM 未初始化")
	}
	globals := n.ctx.Globals()
	fn := globals.Get(name)
	defer fn.Free()
	if !fn.IsFunction() {
		// 全局不存在或不可调用不算错误，按未找到返回。
		return bridge.Absent(), false, nil
	}
	jsArgs := make([]*bq.Value, len(args))
	for i, a := range args {
		switch {
		case i == binaryArgIndex && binary != nil:
			jsArgs[i] = n.ctx.ArrayBuffer(binary)
		case a == nil:
			jsArgs[i] = n.ctx.Undefined()
		default:
			jsArgs[i] = n.ctx.String(*a)
		}
	}
	ret := n.ctx.Invoke(fn, globals, jsArgs...)
	defer ret.Free()
	for _, ja := range jsArgs {
		ja.Free()
	}
	if ret.IsException() {
		return bridge.Absent(), true, n.scriptErrorLocked()
	}
	// 返回值先按缓冲探测，再退回标量转换。
	if data, ok := bufferFromScript(ret); ok {
		return bridge.BytesValue(data), true, nil
	}
	return scriptToHost(ret), true, nil
}

// ExecutePendingJob 推进排队中的引擎任务。
// 绑定层只暴露整体 Loop，这里借其清空队列后报告无剩余；
// 循环节奏仍由宿主控制，本方法不做内部轮询等待。
func (n *nativeBackend) ExecutePendingJob() (bool, error) {
	n.vmMu.Lock()
	defer n.vmMu.Unlock()
	if n.ctx == nil {
		return false, fmt.Errorf("QuickJS VM 未初始化")
	}
	n.ctx.Loop()
	return false, nil
}

// Reset 软重置：复用 Runtime，重建 Context 并重放已注册的宿主函数。
// 旧上下文的 binding 全部回收。
func (n *nativeBackend) Reset() error {
	n.vmMu.Lock()
	defer n.vmMu.Unlock()
	if n.ctx != nil {
		n.ctx.Close()
		n.ctx = nil
	}
	n.bindings.FinalizeAll()
	n.nameIDs = map[string]int64{}
	if n.runtime == nil {
		rt := bq.NewRuntime()
		if rt == nil {
			return fmt.Errorf("创建 QuickJS Runtime 失败")
		}
		if n.opt.MemoryLimitBytes > 0 {
			rt.SetMemoryLimit(uint64(n.opt.MemoryLimitBytes))
		}
		n.runtime = rt
	}
	ctx := n.runtime.NewContext()
	if ctx == nil {
		return fmt.Errorf("创建 QuickJS Context 失败")
	}
	n.ctx = ctx
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
