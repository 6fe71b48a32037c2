package goja

import (
	"context"
	"math"
	"strings"
	"testing"

	"jsbridge-core/bridge"
	"jsbridge-core/hostrt"
)

func newReadyEngine(t *testing.T, cfg bridge.Config) *Adapter {
	t.Helper()
	cfg.Name = bridge.EngineGoja
	a := NewAdapter()
	if err := a.Init(context.Background(), cfg); err != nil {
		t.Fatalf("Init 失败: %v", err)
	}
	t.Cleanup(func() { _ = a.Dispose() })
	return a
}

func mustEval(t *testing.T, a *Adapter, code string) bridge.HostValue {
	t.Helper()
	ret, err := a.Eval(code, "test.js")
	if err != nil {
		t.Fatalf("Eval 失败: %v\n%s", err, code)
	}
	return ret
}

func strptr(s string) *string { return &s }

func TestEvalScalarConversion(t *testing.T) {
	a := newReadyEngine(t, bridge.Config{})

	cases := []struct {
		code string
		want bridge.HostValue
	}{
		{"null", bridge.Absent()},
		{"undefined", bridge.Absent()},
		{"true", bridge.BoolValue(true)},
		{"false", bridge.BoolValue(false)},
		{"1 + 1", bridge.HostValue{Kind: bridge.HostInt, Int: 2}},
		{"-7", bridge.HostValue{Kind: bridge.HostInt, Int: -7}},
		{"2147483647", bridge.HostValue{Kind: bridge.HostInt, Int: 2147483647}},
		{"-2147483648", bridge.HostValue{Kind: bridge.HostInt, Int: -2147483648}},
		{"2147483648", bridge.HostValue{Kind: bridge.HostDouble, Float: 2147483648}},
		{"0.5", bridge.HostValue{Kind: bridge.HostDouble, Float: 0.5}},
		{"-0", bridge.HostValue{Kind: bridge.HostInt, Int: 0}},
		{`"hi"`, bridge.StringValue("hi")},
		{`""`, bridge.StringValue("")},
	}
	for _, c := range cases {
		got := mustEval(t, a, c.code)
		if got.Kind != c.want.Kind || got.Bool != c.want.Bool ||
			got.Int != c.want.Int || got.Float != c.want.Float || got.Str != c.want.Str {
			t.Fatalf("转换结果错误: code=%q got=%+v want=%+v", c.code, got, c.want)
		}
	}
}

func TestEvalNonFiniteNumbers(t *testing.T) {
	a := newReadyEngine(t, bridge.Config{})

	inf := mustEval(t, a, "1/0")
	if inf.Kind != bridge.HostDouble || !math.IsInf(inf.Float, 1) {
		t.Fatalf("Infinity 应走 double: %+v", inf)
	}
	nan := mustEval(t, a, "0/0")
	if nan.Kind != bridge.HostDouble || !math.IsNaN(nan.Float) {
		t.Fatalf("NaN 应走 double: %+v", nan)
	}
}

func TestEvalObjectFallbackStringCoercion(t *testing.T) {
	a := newReadyEngine(t, bridge.Config{})

	if got := mustEval(t, a, "[1, 2, 3]"); got.Kind != bridge.HostString || got.Str != "1,2,3" {
		t.Fatalf("数组兜底字符串化错误: %+v", got)
	}
	if got := mustEval(t, a, "({a: 1})"); got.Kind != bridge.HostString || got.Str != "[object Object]" {
		t.Fatalf("对象兜底字符串化错误: %+v", got)
	}
}

func TestEvalScriptException(t *testing.T) {
	a := newReadyEngine(t, bridge.Config{})

	_, err := a.Eval(`throw new Error("boom")`, "test.js")
	if err == nil {
		t.Fatal("脚本 throw 应返回错误")
	}
	ee, ok := err.(*bridge.EngineError)
	if !ok || ee.Kind != bridge.ErrScript {
		t.Fatalf("异常类别错误: %T %v", err, err)
	}
	if !strings.Contains(ee.Message, "boom") {
		t.Fatalf("异常消息未包含脚本内容: %q", ee.Message)
	}

	// 异常态已出清，引擎应继续可用
	if got := mustEval(t, a, "1 + 1"); got.Kind != bridge.HostInt || got.Int != 2 {
		t.Fatalf("异常后引擎不可用: %+v", got)
	}
}

func TestEvalSyntaxError(t *testing.T) {
	a := newReadyEngine(t, bridge.Config{})
	_, err := a.Eval("function (", "bad.js")
	ee, ok := err.(*bridge.EngineError)
	if !ok || ee.Kind != bridge.ErrScript {
		t.Fatalf("语法错误类别不正确: %T %v", err, err)
	}
}

func TestRegisterFuncEcho(t *testing.T) {
	a := newReadyEngine(t, bridge.Config{})

	var seen []string
	err := a.RegisterFunc("echo", func(args []string) *string {
		seen = args
		joined := strings.Join(args, "|")
		return &joined
	})
	if err != nil {
		t.Fatalf("注册失败: %v", err)
	}

	got := mustEval(t, a, `echo("hi", 42, true)`)
	if got.Kind != bridge.HostString || got.Str != "hi|42|true" {
		t.Fatalf("回调返回值错误: %+v", got)
	}
	if len(seen) != 3 || seen[0] != "hi" || seen[1] != "42" || seen[2] != "true" {
		t.Fatalf("回调实参字符串化错误: %v", seen)
	}
}

func TestRegisterFuncNilResultIsUndefined(t *testing.T) {
	a := newReadyEngine(t, bridge.Config{})

	if err := a.RegisterFunc("void0", func(_ []string) *string { return nil }); err != nil {
		t.Fatalf("注册失败: %v", err)
	}
	got := mustEval(t, a, "void0() === undefined")
	if got.Kind != bridge.HostBool || !got.Bool {
		t.Fatalf("nil 返回值未映射为 undefined: %+v", got)
	}
}

func TestRegisterBinaryFuncRoundTrip(t *testing.T) {
	a := newReadyEngine(t, bridge.Config{})

	var gotArgs []*string
	var gotBinary []byte
	err := a.RegisterBinaryFunc("rev", func(args []*string, binary []byte) (*string, []byte) {
		gotArgs = args
		gotBinary = binary
		out := make([]byte, len(binary))
		for i, b := range binary {
			out[len(binary)-1-i] = b
		}
		return nil, out
	}, 1, true)
	if err != nil {
		t.Fatalf("注册失败: %v", err)
	}

	got := mustEval(t, a, `(function(){
	const src = new Uint8Array([1, 2, 3]);
	const out = new Uint8Array(rev("tag", src));
	return out.length === 3 && out[0] === 3 && out[1] === 2 && out[2] === 1;
})()`)
	if got.Kind != bridge.HostBool || !got.Bool {
		t.Fatalf("二进制回调往返失败: %+v", got)
	}
	if len(gotArgs) != 2 || gotArgs[0] == nil || *gotArgs[0] != "tag" || gotArgs[1] != nil {
		t.Fatalf("二进制槽位的字符串参数处理错误: %v", gotArgs)
	}
	if len(gotBinary) != 3 || gotBinary[0] != 1 {
		t.Fatalf("二进制入参错误: %v", gotBinary)
	}
}

func TestRegisterBinaryFuncTypedViewOffset(t *testing.T) {
	a := newReadyEngine(t, bridge.Config{})

	var gotBinary []byte
	err := a.RegisterBinaryFunc("take", func(_ []*string, binary []byte) (*string, []byte) {
		gotBinary = binary
		return nil, nil
	}, 0, false)
	if err != nil {
		t.Fatalf("注册失败: %v", err)
	}

	mustEval(t, a, `take(new Uint8Array([9, 8, 7, 6]).subarray(1, 3))`)
	if len(gotBinary) != 2 || gotBinary[0] != 8 || gotBinary[1] != 7 {
		t.Fatalf("类型化视图偏移读取错误: %v", gotBinary)
	}
}

func TestRegisterBinaryFuncNonBufferSlot(t *testing.T) {
	a := newReadyEngine(t, bridge.Config{})

	called := false
	var gotBinary []byte
	err := a.RegisterBinaryFunc("take", func(_ []*string, binary []byte) (*string, []byte) {
		called = true
		gotBinary = binary
		return strptr("ok"), nil
	}, 0, false)
	if err != nil {
		t.Fatalf("注册失败: %v", err)
	}

	// 槽位不是缓冲时二进制入参保持 nil，调用照常
	got := mustEval(t, a, `take("not a buffer")`)
	if !called || gotBinary != nil {
		t.Fatalf("非缓冲槽位处理错误: called=%v binary=%v", called, gotBinary)
	}
	if got.Kind != bridge.HostString || got.Str != "ok" {
		t.Fatalf("文本返回错误: %+v", got)
	}
}

func TestCallbackPanicBecomesScriptException(t *testing.T) {
	host := hostrt.New()
	a := newReadyEngine(t, bridge.Config{Host: host})

	if err := a.RegisterFunc("boomcb", func(_ []string) *string {
		panic("宿主侧炸了")
	}); err != nil {
		t.Fatalf("注册失败: %v", err)
	}

	got := mustEval(t, a, `(function(){
	try { boomcb(); return "no-throw"; } catch (e) { return "caught"; }
})()`)
	if got.Kind != bridge.HostString || got.Str != "caught" {
		t.Fatalf("宿主 panic 未转化为脚本异常: %+v", got)
	}
	if host.AttachDepth() != 0 {
		t.Fatalf("panic 路径依附未配对解除: %d", host.AttachDepth())
	}
}

func TestAttachDepthZeroAfterCallbacks(t *testing.T) {
	host := hostrt.New()
	a := newReadyEngine(t, bridge.Config{Host: host})

	if err := a.RegisterFunc("noop", func(_ []string) *string { return nil }); err != nil {
		t.Fatalf("注册失败: %v", err)
	}
	mustEval(t, a, "for (let i = 0; i < 10; i++) noop()")
	if host.AttachDepth() != 0 {
		t.Fatalf("回调结束后依附深度应为 0: %d", host.AttachDepth())
	}
}

func TestCallGlobalString(t *testing.T) {
	a := newReadyEngine(t, bridge.Config{})
	mustEval(t, a, `function greet(name){ return "hi " + name; }`)

	ret, found, err := a.CallGlobal("greet", []*string{strptr("bob")}, nil, -1)
	if err != nil || !found {
		t.Fatalf("CallGlobal 失败: found=%v err=%v", found, err)
	}
	if ret.Kind != bridge.HostString || ret.Str != "hi bob" {
		t.Fatalf("返回值错误: %+v", ret)
	}
}

func TestCallGlobalNotFound(t *testing.T) {
	a := newReadyEngine(t, bridge.Config{})
	mustEval(t, a, "var notFn = 42")

	// 未定义与不可调用都按未找到处理，不是错误
	if _, found, err := a.CallGlobal("nope", nil, nil, -1); err != nil || found {
		t.Fatalf("未定义全局: found=%v err=%v", found, err)
	}
	if _, found, err := a.CallGlobal("notFn", nil, nil, -1); err != nil || found {
		t.Fatalf("不可调用全局: found=%v err=%v", found, err)
	}
}

func TestCallGlobalNilArgIsUndefined(t *testing.T) {
	a := newReadyEngine(t, bridge.Config{})
	mustEval(t, a, "function isU(x){ return x === undefined; }")

	ret, found, err := a.CallGlobal("isU", []*string{nil}, nil, -1)
	if err != nil || !found {
		t.Fatalf("CallGlobal 失败: found=%v err=%v", found, err)
	}
	if ret.Kind != bridge.HostBool || !ret.Bool {
		t.Fatalf("nil 实参未映射为 undefined: %+v", ret)
	}
}

func TestCallGlobalBinaryArg(t *testing.T) {
	a := newReadyEngine(t, bridge.Config{})
	mustEval(t, a, "function blen(b){ return b.byteLength; }")

	ret, found, err := a.CallGlobal("blen", []*string{nil}, []byte{1, 2, 3}, 0)
	if err != nil || !found {
		t.Fatalf("CallGlobal 失败: found=%v err=%v", found, err)
	}
	if ret.Kind != bridge.HostInt || ret.Int != 3 {
		t.Fatalf("二进制实参长度错误: %+v", ret)
	}
}

func TestCallGlobalBinaryResultProbe(t *testing.T) {
	a := newReadyEngine(t, bridge.Config{})
	mustEval(t, a, `
function mkRaw(){ return new Uint8Array([7, 8]).buffer; }
function mkView(){ return new Uint8Array([5]); }
`)

	ret, found, err := a.CallGlobal("mkRaw", nil, nil, -1)
	if err != nil || !found {
		t.Fatalf("CallGlobal 失败: found=%v err=%v", found, err)
	}
	if ret.Kind != bridge.HostBytes || len(ret.Bytes) != 2 || ret.Bytes[0] != 7 || ret.Bytes[1] != 8 {
		t.Fatalf("ArrayBuffer 返回值错误: %+v", ret)
	}

	ret, _, err = a.CallGlobal("mkView", nil, nil, -1)
	if err != nil {
		t.Fatalf("CallGlobal 失败: %v", err)
	}
	if ret.Kind != bridge.HostBytes || len(ret.Bytes) != 1 || ret.Bytes[0] != 5 {
		t.Fatalf("类型化视图返回值错误: %+v", ret)
	}
}

func TestCallGlobalScriptException(t *testing.T) {
	a := newReadyEngine(t, bridge.Config{})
	mustEval(t, a, `function boom(){ throw "bad"; }`)

	_, found, err := a.CallGlobal("boom", nil, nil, -1)
	if !found {
		t.Fatal("已定义函数应命中")
	}
	ee, ok := err.(*bridge.EngineError)
	if !ok || ee.Kind != bridge.ErrScript {
		t.Fatalf("异常类别错误: %T %v", err, err)
	}
	if !strings.Contains(ee.Message, "bad") {
		t.Fatalf("异常消息错误: %q", ee.Message)
	}
}

func TestBufferNeverAliased(t *testing.T) {
	a := newReadyEngine(t, bridge.Config{})
	mustEval(t, a, `
var saved;
function keep(b){ saved = new Uint8Array(b); return true; }
function first(){ return saved[0]; }
var bb = new Uint8Array([4]).buffer;
function give(){ return bb; }
function readbb(){ return new Uint8Array(bb)[0]; }
`)

	// 宿主 → 脚本：传入后修改宿主切片，脚本侧副本不受影响
	buf := []byte{5}
	if _, _, err := a.CallGlobal("keep", []*string{nil}, buf, 0); err != nil {
		t.Fatalf("keep 调用失败: %v", err)
	}
	buf[0] = 9
	ret, _, err := a.CallGlobal("first", nil, nil, -1)
	if err != nil {
		t.Fatalf("first 调用失败: %v", err)
	}
	if ret.Kind != bridge.HostInt || ret.Int != 5 {
		t.Fatalf("宿主到脚本缓冲被共享: %+v", ret)
	}

	// 脚本 → 宿主：修改宿主拿到的副本，脚本侧原缓冲不受影响
	ret, _, err = a.CallGlobal("give", nil, nil, -1)
	if err != nil || ret.Kind != bridge.HostBytes {
		t.Fatalf("give 调用失败: %+v %v", ret, err)
	}
	ret.Bytes[0] = 9
	ret, _, err = a.CallGlobal("readbb", nil, nil, -1)
	if err != nil {
		t.Fatalf("readbb 调用失败: %v", err)
	}
	if ret.Kind != bridge.HostInt || ret.Int != 4 {
		t.Fatalf("脚本到宿主缓冲被共享: %+v", ret)
	}
}

func TestExecutePendingJobEmptyQueue(t *testing.T) {
	a := newReadyEngine(t, bridge.Config{})

	// goja 在脚本入口内同步清空微任务，泵应报告队列为空
	mustEval(t, a, "var flag = 0; Promise.resolve().then(() => { flag = 1; }); 0")
	if got := mustEval(t, a, "flag"); got.Kind != bridge.HostInt || got.Int != 1 {
		t.Fatalf("微任务未在脚本入口内完成: %+v", got)
	}

	hasMore, err := a.ExecutePendingJob()
	if err != nil {
		t.Fatalf("ExecutePendingJob 失败: %v", err)
	}
	if hasMore {
		t.Fatal("队列应为空")
	}
}

func TestBindingFinalization(t *testing.T) {
	host := hostrt.New()
	a := newReadyEngine(t, bridge.Config{Host: host})

	for _, name := range []string{"f1", "f2", "f3"} {
		if err := a.RegisterFunc(name, func(_ []string) *string { return nil }); err != nil {
			t.Fatalf("注册失败: %v", err)
		}
	}
	if host.Live() != 3 {
		t.Fatalf("注册后引用计数错误: %d", host.Live())
	}

	// 同名覆盖：旧 binding 应被回收，计数不增长
	if err := a.RegisterFunc("f1", func(_ []string) *string { return nil }); err != nil {
		t.Fatalf("覆盖注册失败: %v", err)
	}
	if host.Live() != 3 {
		t.Fatalf("覆盖注册后旧 binding 未回收: %d", host.Live())
	}

	if err := a.Dispose(); err != nil {
		t.Fatalf("Dispose 失败: %v", err)
	}
	if host.Live() != 0 {
		t.Fatalf("Dispose 后仍有存活引用: %d", host.Live())
	}
}

func TestResetKeepsRegistrations(t *testing.T) {
	host := hostrt.New()
	a := newReadyEngine(t, bridge.Config{Host: host})

	if err := a.RegisterFunc("echo", func(args []string) *string {
		if len(args) == 0 {
			return nil
		}
		return &args[0]
	}); err != nil {
		t.Fatalf("注册失败: %v", err)
	}
	mustEval(t, a, "var marker = 1")

	if err := a.Reset(); err != nil {
		t.Fatalf("Reset 失败: %v", err)
	}

	// 脚本状态清空，注册函数保留
	if got := mustEval(t, a, "typeof marker"); got.Str != "undefined" {
		t.Fatalf("Reset 未清空脚本状态: %+v", got)
	}
	if got := mustEval(t, a, `echo("still here")`); got.Kind != bridge.HostString || got.Str != "still here" {
		t.Fatalf("Reset 后注册函数丢失: %+v", got)
	}
	if host.Live() != 1 {
		t.Fatalf("Reset 后引用计数错误: %d", host.Live())
	}
}

func TestTranspileTSOption(t *testing.T) {
	src := "const x: number = 1; x + 1"

	a := newReadyEngine(t, bridge.Config{TranspileTS: true})
	got := mustEval(t, a, src)
	if got.Kind != bridge.HostInt || got.Int != 2 {
		t.Fatalf("TS 转译求值错误: %+v", got)
	}

	plain := newReadyEngine(t, bridge.Config{})
	if _, err := plain.Eval(src, "test.ts"); err == nil {
		t.Fatal("未开启转译时 TS 源码应报脚本错误")
	}
}

func TestConsoleGoesThroughWithoutError(t *testing.T) {
	a := newReadyEngine(t, bridge.Config{})
	mustEval(t, a, `console.log("hello"); console.warn("w"); console.error("e"); 0`)
}
