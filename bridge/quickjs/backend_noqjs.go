//go:build !quickjs

package quickjs

import (
	"fmt"

	"jsbridge-core/bridge"
)

type unavailableBackend struct{}

func (b *unavailableBackend) Dispose() error { return nil }

func (b *unavailableBackend) Eval(_ string, _ string) (bridge.HostValue, error) {
	return bridge.Absent(), fmt.Errorf("QuickJS backend 不可用")
}

func (b *unavailableBackend) RegisterFunc(_ string, _ bridge.HostCallback) error {
	return fmt.Errorf("QuickJS backend 不可用")
}

func (b *unavailableBackend) RegisterBinaryFunc(_ string, _ bridge.HostBinaryCallback, _ int, _ bool) error {
	return fmt.Errorf("QuickJS backend 不可用")
}

func (b *unavailableBackend) CallGlobal(_ string, _ []*string, _ []byte, _ int) (bridge.HostValue, bool, error) {
	return bridge.Absent(), false, fmt.Errorf("QuickJS backend 不可用")
}

func (b *unavailableBackend) ExecutePendingJob() (bool, error) {
	return false, fmt.Errorf("QuickJS backend 不可用")
}

func (b *unavailableBackend) Reset() error { return fmt.Errorf("QuickJS backend 不可用") }

func init() {
	// 未启用 quickjs 标签时，使用降级后端，明确返回错误。
	newRuntimeBackend = func(_ bridge.Config, _ Options) (runtimeBackend, error) {
		return &unavailableBackend{}, fmt.Errorf("QuickJS backend 不可用：需要 -tags quickjs")
	}
}
