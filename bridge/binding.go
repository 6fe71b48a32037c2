package bridge

import (
	"sync"

	"jsbridge-core/hostrt"
)

// CallbackBinding 是一条已注册回调在引擎侧的元数据。
// 脚本函数只闭包 binding id，不直接持有宿主回调；真正的回调对象
// 经 Ref 钉在宿主运行时里，由 finalize 释放。
type CallbackBinding struct {
	Ref *hostrt.Ref
	// Binary 为 true 时 Ref 指向 HostBinaryCallback，否则 HostCallback。
	Binary         bool
	BinaryArgIndex int
	ReturnsBinary  bool
}

// BindingTable 维护 id → binding 的映射。
// Finalize 恰好释放一次；对未知 id 或已释放的 binding 再次调用是空操作，
// finalize 只做宿主侧清理，不会回到脚本执行环境。
type BindingTable struct {
	mu      sync.Mutex
	seq     int64
	entries map[int64]*CallbackBinding
}

// NewBindingTable 创建空表。
func NewBindingTable() *BindingTable {
	return &BindingTable{entries: map[int64]*CallbackBinding{}}
}

// Register 登记 binding 并返回其 id。
func (t *BindingTable) Register(b *CallbackBinding) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.seq++
	id := t.seq
	t.entries[id] = b
	return id
}

// Lookup 按 id 取 binding。
func (t *BindingTable) Lookup(id int64) (*CallbackBinding, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok := t.entries[id]
	return b, ok
}

// Finalize 释放 id 对应的 binding。未知 id 为空操作。
func (t *BindingTable) Finalize(id int64) {
	t.mu.Lock()
	b, ok := t.entries[id]
	if ok {
		delete(t.entries, id)
	}
	t.mu.Unlock()
	if ok && b != nil && b.Ref != nil {
		b.Ref.Release()
	}
}

// FinalizeAll 释放表内全部 binding，用于上下文销毁/重建。
func (t *BindingTable) FinalizeAll() {
	t.mu.Lock()
	entries := t.entries
	t.entries = map[int64]*CallbackBinding{}
	t.mu.Unlock()
	for _, b := range entries {
		if b != nil && b.Ref != nil {
			b.Ref.Release()
		}
	}
}

// Live 返回存活 binding 数量。
func (t *BindingTable) Live() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
