package execution

import (
	"fmt"
	"regexp"
	"strconv"

	"AgentFleet-Chain/internal/agent"
	xerrors "AgentFleet-Chain/internal/errors"
)

// BuildArgs 按函数参数声明的顺序组装调用参数，
// 缺失的参数回填默认值，并逐一应用校验规则。
func BuildArgs(fn *agent.Function, provided map[string]any) ([]any, map[string]any, error) {
	ordered := make([]any, 0, len(fn.Params))
	resolved := make(map[string]any, len(fn.Params))

	for _, param := range fn.Params {
		value, ok := provided[param.Name]
		if !ok {
			if param.Default != nil {
				value = *param.Default
				ok = true
			}
		}
		if err := applyRules(param, value, ok); err != nil {
			return nil, nil, err
		}
		if !ok {
			return nil, nil, xerrors.New(CodeArgValidation,
				"参数 "+param.Name+" 缺失且没有默认值")
		}
		ordered = append(ordered, value)
		resolved[param.Name] = value
	}

	for name := range provided {
		if _, ok := resolved[name]; !ok {
			return nil, nil, xerrors.New(CodeArgValidation, "收到未声明的参数: "+name)
		}
	}
	return ordered, resolved, nil
}

// applyRules 执行单个参数的校验规则。
func applyRules(param agent.Param, value any, present bool) error {
	rules := param.Rules
	if rules == nil {
		return nil
	}
	if rules.Required && !present {
		return xerrors.New(CodeArgValidation, "参数 "+param.Name+" 为必填")
	}
	if !present {
		return nil
	}

	if rules.Min != nil || rules.Max != nil {
		number, err := toNumber(value)
		if err != nil {
			return xerrors.New(CodeArgValidation,
				fmt.Sprintf("参数 %s 需要数值以应用范围校验: %v", param.Name, err))
		}
		if rules.Min != nil && number < *rules.Min {
			return xerrors.New(CodeArgValidation,
				fmt.Sprintf("参数 %s 的值 %v 小于下限 %v", param.Name, number, *rules.Min))
		}
		if rules.Max != nil && number > *rules.Max {
			return xerrors.New(CodeArgValidation,
				fmt.Sprintf("参数 %s 的值 %v 大于上限 %v", param.Name, number, *rules.Max))
		}
	}

	if rules.Pattern != "" {
		text, ok := value.(string)
		if !ok {
			return xerrors.New(CodeArgValidation,
				"参数 "+param.Name+" 需要字符串以应用正则校验")
		}
		matched, err := regexp.MatchString(rules.Pattern, text)
		if err != nil {
			return xerrors.Wrap(CodeArgValidation, err, "参数 "+param.Name+" 的正则非法")
		}
		if !matched {
			return xerrors.New(CodeArgValidation,
				"参数 "+param.Name+" 的值不匹配模式 "+rules.Pattern)
		}
	}
	return nil
}

func toNumber(value any) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case string:
		return strconv.ParseFloat(v, 64)
	default:
		return 0, fmt.Errorf("不支持的数值类型 %T", value)
	}
}
