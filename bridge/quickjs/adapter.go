package quickjs

import (
	"context"
	"errors"
	"sync"

	"jsbridge-core/bridge"
)

type pendingReg struct {
	name           string
	text           bridge.HostCallback
	binary         bridge.HostBinaryCallback
	binaryArgIndex int
	returnsBinary  bool
}

// Adapter 是 QuickJS 引擎的生命周期外壳。
type Adapter struct {
	mu sync.RWMutex

	cfg bridge.Config
	lc  *bridge.Lifecycle

	pending []pendingReg
	opt     Options
	backend runtimeBackend
}

func init() {
	bridge.Register(bridge.EngineQuickJS, func() bridge.Engine {
		return NewAdapter()
	})
}

// NewAdapter 创建 QuickJS 适配器实例。
func NewAdapter() *Adapter {
	return &Adapter{
		lc:      bridge.NewLifecycle(),
		pending: make([]pendingReg, 0, 8),
	}
}

func (a *Adapter) Name() bridge.EngineName {
	return bridge.EngineQuickJS
}

func (a *Adapter) Init(_ context.Context, cfg bridge.Config) error {
	if !a.lc.CompareAndSwap(bridge.StateNew, bridge.StateIniting) {
		return &bridge.EngineError{
			Kind:    bridge.ErrInit,
			Message: "引擎初始化状态非法",
		}
	}

	a.mu.Lock()
	a.cfg = cfg
	a.opt = Options{MemoryLimitBytes: cfg.MemoryLimitBytes}
	opt := a.opt
	pending := append([]pendingReg(nil), a.pending...)
	a.mu.Unlock()

	backend, err := newRuntimeBackend(cfg, opt)
	if err != nil {
		a.lc.Store(bridge.StateClosed)
		return &bridge.EngineError{
			Kind:    bridge.ErrInit,
			Message: "QuickJS 后端初始化失败",
			Cause:   err,
		}
	}
	for _, reg := range pending {
		if err := installPending(backend, reg); err != nil {
			_ = backend.Dispose()
			a.lc.Store(bridge.StateClosed)
			return &bridge.EngineError{
				Kind:    bridge.ErrInit,
				Message: "QuickJS 注入宿主函数失败",
				Cause:   err,
			}
		}
	}

	a.mu.Lock()
	a.backend = backend
	a.mu.Unlock()

	a.lc.Store(bridge.StateReady)
	return nil
}

func installPending(backend runtimeBackend, reg pendingReg) error {
	if reg.binary != nil {
		return backend.RegisterBinaryFunc(reg.name, reg.binary, reg.binaryArgIndex, reg.returnsBinary)
	}
	return backend.RegisterFunc(reg.name, reg.text)
}

func (a *Adapter) Dispose() error {
	st := a.lc.State()
	if st == bridge.StateClosed {
		return nil
	}
	if st != bridge.StateReady && st != bridge.StateIniting {
		return &bridge.EngineError{
			Kind:    bridge.ErrRuntime,
			Message: "引擎未处于可释放状态",
		}
	}
	if !a.lc.CompareAndSwap(st, bridge.StateDisposing) {
		return &bridge.EngineError{
			Kind:    bridge.ErrRuntime,
			Message: "引擎释放状态切换失败",
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.backend != nil {
		if err := a.backend.Dispose(); err != nil {
			a.lc.Store(bridge.StateReady)
			return &bridge.EngineError{
				Kind:    bridge.ErrRuntime,
				Message: "QuickJS 后端释放失败",
				Cause:   err,
			}
		}
		a.backend = nil
	}

	a.lc.Store(bridge.StateClosed)
	return nil
}

func (a *Adapter) Eval(source string, sourceName string) (bridge.HostValue, error) {
	if a.lc.State() != bridge.StateReady {
		return bridge.Absent(), &bridge.EngineError{
			Kind:    bridge.ErrRuntime,
			Message: "引擎未初始化完成",
		}
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.backend == nil {
		return bridge.Absent(), &bridge.EngineError{
			Kind:    bridge.ErrInternal,
			Message: "QuickJS 后端不可用",
		}
	}
	ret, err := a.backend.Eval(source, sourceName)
	if err != nil {
		return bridge.Absent(), passOrWrap(err, "QuickJS Eval 执行失败")
	}
	return ret, nil
}

func (a *Adapter) RegisterFunc(name string, cb bridge.HostCallback) error {
	return a.register(pendingReg{name: name, text: cb, binaryArgIndex: -1})
}

func (a *Adapter) RegisterBinaryFunc(name string, cb bridge.HostBinaryCallback, binaryArgIndex int, returnsBinary bool) error {
	return a.register(pendingReg{
		name:           name,
		binary:         cb,
		binaryArgIndex: binaryArgIndex,
		returnsBinary:  returnsBinary,
	})
}

func (a *Adapter) register(reg pendingReg) error {
	a.mu.Lock()
	backend := a.backend
	defer a.mu.Unlock()
	a.pending = append(a.pending, reg)
	if backend != nil {
		if err := installPending(backend, reg); err != nil {
			return passOrWrap(err, "QuickJS 动态注册宿主函数失败")
		}
	}
	return nil
}

func (a *Adapter) CallGlobal(name string, args []*string, binary []byte, binaryArgIndex int) (bridge.HostValue, bool, error) {
	if a.lc.State() != bridge.StateReady {
		return bridge.Absent(), false, &bridge.EngineError{
			Kind:    bridge.ErrRuntime,
			Message: "引擎未初始化完成",
		}
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.backend == nil {
		return bridge.Absent(), false, &bridge.EngineError{
			Kind:    bridge.ErrInternal,
			Message: "QuickJS 后端不可用",
		}
	}
	ret, found, err := a.backend.CallGlobal(name, args, binary, binaryArgIndex)
	if err != nil {
		return bridge.Absent(), found, passOrWrap(err, "QuickJS 调用全局函数失败")
	}
	return ret, found, nil
}

func (a *Adapter) ExecutePendingJob() (bool, error) {
	if a.lc.State() != bridge.StateReady {
		return false, &bridge.EngineError{
			Kind:    bridge.ErrRuntime,
			Message: "引擎未初始化完成",
		}
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.backend == nil {
		return false, &bridge.EngineError{
			Kind:    bridge.ErrInternal,
			Message: "QuickJS 后端不可用",
		}
	}
	hasMore, err := a.backend.ExecutePendingJob()
	if err != nil {
		return hasMore, passOrWrap(err, "QuickJS 推进 pending job 失败")
	}
	return hasMore, nil
}

func (a *Adapter) Reset() error {
	if a.lc.State() != bridge.StateReady {
		return &bridge.EngineError{
			Kind:    bridge.ErrRuntime,
			Message: "引擎未初始化完成",
		}
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.backend == nil {
		return &bridge.EngineError{
			Kind:    bridge.ErrInternal,
			Message: "QuickJS 后端不可用",
		}
	}
	if err := a.backend.Reset(); err != nil {
		return passOrWrap(err, "QuickJS Reset 执行失败")
	}
	return nil
}

// passOrWrap 保留后端已归类的 EngineError（脚本异常等），
// 其余错误按运行时类别包装。
func passOrWrap(err error, msg string) error {
	var ee *bridge.EngineError
	if errors.As(err, &ee) {
		return ee
	}
	return &bridge.EngineError{
		Kind:    bridge.ErrRuntime,
		Message: msg + ": " + err.Error(),
		Cause:   err,
	}
}
