package bridge

// HostKind 标识 HostValue 的具体形态。
type HostKind int

const (
	// HostAbsent 对应脚本侧的 null / undefined（以及空返回）。
	HostAbsent HostKind = iota
	HostBool
	HostInt
	HostDouble
	HostString
	HostBytes
)

func (k HostKind) String() string {
	switch k {
	case HostAbsent:
		return "absent"
	case HostBool:
		return "bool"
	case HostInt:
		return "int"
	case HostDouble:
		return "double"
	case HostString:
		return "string"
	case HostBytes:
		return "bytes"
	}
	return "unknown"
}

// HostValue 是脚本值到宿主侧的标量投影。
// 同一时刻只有 Kind 对应的字段有意义；Bytes 永远是独立副本，
// 不与引擎内部缓冲共享存储。
type HostValue struct {
	Kind  HostKind
	Bool  bool
	Int   int32
	Float float64
	Str   string
	Bytes []byte
}

// Absent 返回空值。
func Absent() HostValue { return HostValue{Kind: HostAbsent} }

// BoolValue 包装布尔值。
func BoolValue(b bool) HostValue { return HostValue{Kind: HostBool, Bool: b} }

// StringValue 包装字符串。
func StringValue(s string) HostValue { return HostValue{Kind: HostString, Str: s} }

// BytesValue 包装字节结果。调用方须保证 b 已经是副本。
func BytesValue(b []byte) HostValue { return HostValue{Kind: HostBytes, Bytes: b} }

// NumberValue 按整型窗口拆分脚本数值：
// 值为整数且落在 int32 范围内时投影为 HostInt，否则保留 HostDouble。
// 范围判断先于整数转换，NaN 与 ±Inf 因此总是走 double 分支。
func NumberValue(d float64) HostValue {
	if d >= -2147483648 && d <= 2147483647 && d == float64(int64(d)) {
		return HostValue{Kind: HostInt, Int: int32(d)}
	}
	return HostValue{Kind: HostDouble, Float: d}
}
