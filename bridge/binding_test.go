package bridge

import (
	"testing"

	"jsbridge-core/hostrt"
)

func TestBindingTableRegisterLookup(t *testing.T) {
	host := hostrt.New()
	table := NewBindingTable()

	cb := HostCallback(func(_ []string) *string { return nil })
	id := table.Register(&CallbackBinding{Ref: host.Pin(cb), BinaryArgIndex: -1})
	if table.Live() != 1 || host.Live() != 1 {
		t.Fatalf("注册后计数错误: table=%d host=%d", table.Live(), host.Live())
	}

	bind, ok := table.Lookup(id)
	if !ok || bind == nil {
		t.Fatal("Lookup 未命中已注册 binding")
	}
	if _, ok := bind.Ref.Value().(HostCallback); !ok {
		t.Fatal("binding 引用的回调类型错误")
	}

	if _, ok := table.Lookup(id + 100); ok {
		t.Fatal("未知 id 不应命中")
	}
}

func TestBindingTableFinalizeOnce(t *testing.T) {
	host := hostrt.New()
	table := NewBindingTable()
	cb := HostCallback(func(_ []string) *string { return nil })
	id := table.Register(&CallbackBinding{Ref: host.Pin(cb), BinaryArgIndex: -1})

	table.Finalize(id)
	if table.Live() != 0 || host.Live() != 0 {
		t.Fatalf("Finalize 后计数错误: table=%d host=%d", table.Live(), host.Live())
	}

	// 重复 finalize 与未知 id 均为空操作
	table.Finalize(id)
	table.Finalize(id + 7)
	if host.Live() != 0 {
		t.Fatalf("重复 Finalize 改变了引用计数: %d", host.Live())
	}
}

func TestBindingTableFinalizeAll(t *testing.T) {
	host := hostrt.New()
	table := NewBindingTable()
	cb := HostCallback(func(_ []string) *string { return nil })
	for i := 0; i < 5; i++ {
		table.Register(&CallbackBinding{Ref: host.Pin(cb), BinaryArgIndex: -1})
	}
	if table.Live() != 5 || host.Live() != 5 {
		t.Fatalf("批量注册计数错误: table=%d host=%d", table.Live(), host.Live())
	}

	table.FinalizeAll()
	if table.Live() != 0 || host.Live() != 0 {
		t.Fatalf("FinalizeAll 后计数错误: table=%d host=%d", table.Live(), host.Live())
	}
	// 再次清空应无副作用
	table.FinalizeAll()
}
