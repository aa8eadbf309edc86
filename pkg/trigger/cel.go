package trigger

import (
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/checker/decls"

	"github.com/haolipeng/diag_collect_engine/pkg/types"
)

// newCELEnv 创建表达式触发器使用的CEL环境，声明所有可用的样本变量
func newCELEnv() (*cel.Env, error) {
	env, err := cel.NewEnv(
		cel.Declarations(
			// 计数器样本字段
			decls.NewVar("counter.provider", decls.String),
			decls.NewVar("counter.name", decls.String),
			decls.NewVar("counter.value", decls.Double),

			// 请求样本字段
			decls.NewVar("request.duration_ms", decls.Double),
			decls.NewVar("request.status", decls.Int),

			// 通用字段
			decls.NewVar("sample.kind", decls.String),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create cel env failed: %v", err)
	}
	return env, nil
}

// compileExpression 编译CEL表达式
func compileExpression(env *cel.Env, expression string) (cel.Program, error) {
	// 1.编译表达式，生成AST
	ast, iss := env.Compile(expression)
	if iss.Err() != nil {
		return nil, fmt.Errorf("compile expression failed: %v", iss.Err())
	}

	// 2.检查表达式是否正确
	checked, iss := env.Check(ast)
	if iss.Err() != nil {
		return nil, fmt.Errorf("check expression failed: %v", iss.Err())
	}

	// 3.表达式必须返回布尔值
	if !checked.OutputType().IsAssignableType(cel.BoolType) {
		return nil, fmt.Errorf("expression must return bool, got: %s", checked.OutputType().String())
	}

	// 4.将AST转换为程序Program
	program, err := env.Program(checked)
	if err != nil {
		return nil, fmt.Errorf("create program failed: %v", err)
	}

	return program, nil
}

// buildEvalVars 根据样本构建评估变量
func buildEvalVars(sample types.Sample) map[string]interface{} {
	vars := map[string]interface{}{
		"counter.provider":    "",
		"counter.name":        "",
		"counter.value":       float64(0),
		"request.duration_ms": float64(0),
		"request.status":      int64(0),
	}

	switch sample.Kind {
	case types.SampleCounter:
		vars["sample.kind"] = "counter"
		vars["counter.provider"] = sample.Provider
		vars["counter.name"] = sample.Counter
		vars["counter.value"] = sample.Value
	case types.SampleRequest:
		vars["sample.kind"] = "request"
		vars["request.duration_ms"] = sample.DurationMs
		vars["request.status"] = int64(sample.Status)
	default:
		vars["sample.kind"] = "unknown"
	}

	return vars
}

// evaluateExpression 对单条样本执行表达式程序
func evaluateExpression(program cel.Program, sample types.Sample) (bool, error) {
	if program == nil {
		return false, fmt.Errorf("program is nil")
	}

	result, _, err := program.Eval(buildEvalVars(sample))
	if err != nil {
		return false, fmt.Errorf("evaluate expression failed: %v", err)
	}

	matched, ok := result.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expression result is not boolean: %v", result.Value())
	}

	return matched, nil
}
