// Package hostrt 提供宿主运行时能力：
//   - Pin/Release 持久引用，保证回调对象在引擎持有期间不被回收；
//   - Attach 线程依附守卫，回调派发期间把 goroutine 固定在当前 OS 线程。
//
// 两者对应嵌入式桥接里“引擎一侧长期持有宿主对象、派发前先依附宿主
// 线程环境”的老规矩，引用释放与线程解绑都必须恰好一次。
package hostrt

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// Runtime 承载一组持久引用与线程依附计数。
// 一个引擎实例对应一个 Runtime；并发安全。
type Runtime struct {
	mu   sync.Mutex
	seq  int64
	refs map[int64]any

	attachDepth atomic.Int64
}

// New 创建宿主运行时。
func New() *Runtime {
	return &Runtime{refs: map[int64]any{}}
}

// Ref 是一条持久引用。Release 幂等，只有第一次调用真正释放。
type Ref struct {
	rt       *Runtime
	id       int64
	released atomic.Bool
}

// Pin 登记 v 并返回持久引用。v 在 Release 之前始终可经 Value 取回。
func (r *Runtime) Pin(v any) *Ref {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	id := r.seq
	r.refs[id] = v
	return &Ref{rt: r, id: id}
}

// Value 返回被引用的对象；已释放时返回 nil。
func (ref *Ref) Value() any {
	if ref == nil || ref.released.Load() {
		return nil
	}
	ref.rt.mu.Lock()
	defer ref.rt.mu.Unlock()
	return ref.rt.refs[ref.id]
}

// Release 释放引用。重复调用无效果。
func (ref *Ref) Release() {
	if ref == nil || !ref.released.CompareAndSwap(false, true) {
		return
	}
	ref.rt.mu.Lock()
	defer ref.rt.mu.Unlock()
	delete(ref.rt.refs, ref.id)
}

// Live 返回当前存活（未释放）的引用数量。
func (r *Runtime) Live() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.refs)
}

// Attach 把当前 goroutine 依附到它所在的 OS 线程，返回解除函数。
// 返回的 detach 幂等，必须在同一 goroutine 上 defer 调用，
// 包括回调 panic、参数转换失败等提前退出路径。
// 依附可嵌套：已依附时再次 Attach 只增加计数，不重复绑定语义。
func (r *Runtime) Attach() (detach func()) {
	runtime.LockOSThread()
	r.attachDepth.Add(1)
	var once sync.Once
	return func() {
		once.Do(func() {
			r.attachDepth.Add(-1)
			runtime.UnlockOSThread()
		})
	}
}

// AttachDepth 返回当前未配对的依附层数。全部回调返回后应为 0。
func (r *Runtime) AttachDepth() int64 {
	return r.attachDepth.Load()
}
