package bridge

import (
	"strings"

	esbuild "github.com/evanw/esbuild/pkg/api"
	"github.com/pkg/errors"
)

// TranspileTS 将 TypeScript 源码转译为可直接求值的 JS。
// 转译失败归为脚本错误，错误链底层保留 esbuild 的全部诊断文本。
func TranspileTS(source string, sourceName string) (string, error) {
	result := esbuild.Transform(source, esbuild.TransformOptions{
		Sourcefile: sourceName,
		Loader:     esbuild.LoaderTS,
	})
	if len(result.Errors) > 0 {
		var msg strings.Builder
		for i, e := range result.Errors {
			if i > 0 {
				msg.WriteString("; ")
			}
			msg.WriteString(e.Text)
		}
		cause := errors.Wrapf(errors.New(msg.String()), "TypeScript 转译 %s 失败", sourceName)
		return "", &EngineError{
			Kind:    ErrScript,
			Message: cause.Error(),
			Cause:   cause,
		}
	}
	return string(result.Code), nil
}
