package bridge

import (
	"fmt"
	"sort"
	"sync"
)

// Constructor 构造一个尚未初始化的引擎实例。
type Constructor func() Engine

var (
	ctorMu sync.RWMutex
	ctors  = map[EngineName]Constructor{}
)

// Register 登记引擎构造器。后端包在各自 init 中调用，进程内天然只跑一次；
// 同名重复登记以后者为准。
func Register(name EngineName, ctor Constructor) {
	ctorMu.Lock()
	defer ctorMu.Unlock()
	ctors[name] = ctor
}

// Registered 返回已登记的引擎名，按字典序。
func Registered() []EngineName {
	ctorMu.RLock()
	defer ctorMu.RUnlock()
	names := make([]EngineName, 0, len(ctors))
	for name := range ctors {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// New 按配置名创建引擎实例；实例需再经 Init 才可用。
// 名字未登记时返回 ErrInit。
func New(cfg Config) (Engine, error) {
	ctorMu.RLock()
	ctor, ok := ctors[cfg.Name]
	ctorMu.RUnlock()
	if !ok || ctor == nil {
		return nil, &EngineError{
			Kind:    ErrInit,
			Message: fmt.Sprintf("不支持的引擎类型: %s", cfg.Name),
		}
	}
	return ctor(), nil
}
