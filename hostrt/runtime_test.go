package hostrt

import "testing"

func TestPinReleaseOnce(t *testing.T) {
	rt := New()
	ref := rt.Pin("payload")
	if rt.Live() != 1 {
		t.Fatalf("Pin 后存活计数错误: %d", rt.Live())
	}
	if v, ok := ref.Value().(string); !ok || v != "payload" {
		t.Fatalf("Value 取回错误: %v", ref.Value())
	}

	ref.Release()
	if rt.Live() != 0 {
		t.Fatalf("Release 后存活计数错误: %d", rt.Live())
	}
	if ref.Value() != nil {
		t.Fatal("已释放引用仍能取回对象")
	}

	// 重复释放应为空操作
	ref.Release()
	if rt.Live() != 0 {
		t.Fatalf("重复 Release 改变了计数: %d", rt.Live())
	}
}

func TestPinIndependentRefs(t *testing.T) {
	rt := New()
	r1 := rt.Pin(1)
	r2 := rt.Pin(2)
	r1.Release()
	if rt.Live() != 1 {
		t.Fatalf("释放一个引用后计数错误: %d", rt.Live())
	}
	if v, ok := r2.Value().(int); !ok || v != 2 {
		t.Fatalf("另一引用受影响: %v", r2.Value())
	}
	r2.Release()
}

func TestAttachDetachPaired(t *testing.T) {
	rt := New()
	detach := rt.Attach()
	if rt.AttachDepth() != 1 {
		t.Fatalf("依附深度错误: %d", rt.AttachDepth())
	}

	// 嵌套依附
	inner := rt.Attach()
	if rt.AttachDepth() != 2 {
		t.Fatalf("嵌套依附深度错误: %d", rt.AttachDepth())
	}
	inner()
	detach()
	if rt.AttachDepth() != 0 {
		t.Fatalf("全部解除后深度应为 0: %d", rt.AttachDepth())
	}

	// detach 幂等
	detach()
	if rt.AttachDepth() != 0 {
		t.Fatalf("重复 detach 改变了深度: %d", rt.AttachDepth())
	}
}

func TestAttachPairedOnPanic(t *testing.T) {
	rt := New()
	func() {
		defer func() { _ = recover() }()
		detach := rt.Attach()
		defer detach()
		panic("回调炸了")
	}()
	if rt.AttachDepth() != 0 {
		t.Fatalf("panic 路径未配对解除依附: %d", rt.AttachDepth())
	}
}
