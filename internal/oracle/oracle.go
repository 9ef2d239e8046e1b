// Package oracle 定义执行管线的决策层。
// 每轮执行前由决策器根据智能体的配置、链上快照与近期历史，
// 选出本轮要调用的合约函数及参数。
package oracle

import (
	"context"
	"strings"

	xerrors "AgentFleet-Chain/internal/errors"
)

// CodeOracleFailure 表示决策器调用失败。
const CodeOracleFailure xerrors.Code = "ORACLE_DECISION_FAILED"

func init() {
	xerrors.Register(CodeOracleFailure, xerrors.Attributes{
		Message:   "oracle failed to produce a decision",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     false,
	})
}

// ParamView 是提供给决策器的参数描述。
type ParamView struct {
	Name    string  `json:"name"`
	Type    string  `json:"type"`
	Default *string `json:"default,omitempty"`
}

// FunctionView 是提供给决策器的函数描述。
type FunctionView struct {
	Name      string      `json:"name"`
	Signature string      `json:"signature"`
	Direction string      `json:"direction"`
	Params    []ParamView `json:"params,omitempty"`
}

// HistoryEntry 描述一次近期执行，为决策器提供上下文记忆。
type HistoryEntry struct {
	Function  string `json:"function"`
	Outcome   string `json:"outcome"`
	Output    string `json:"output,omitempty"`
	CreatedAt int64  `json:"created_at"`
}

// Snapshot 汇总一轮决策所需的全部上下文。
type Snapshot struct {
	AgentID         string         `json:"agent_id"`
	AgentName       string         `json:"agent_name"`
	Goal            string         `json:"goal,omitempty"`
	ContractAddress string         `json:"contract_address"`
	Chain           string         `json:"chain,omitempty"`
	ChainID         string         `json:"chain_id,omitempty"`
	BlockNumber     string         `json:"block_number,omitempty"`
	Functions       []FunctionView `json:"functions"`
	History         []HistoryEntry `json:"history,omitempty"`
}

// Decision 是决策器的结构化输出。
// Skip 为 true 时本轮不调用任何函数，执行按成功记账。
type Decision struct {
	Function  string         `json:"function"`
	Args      map[string]any `json:"args,omitempty"`
	Reasoning string         `json:"reasoning,omitempty"`
	Skip      bool           `json:"skip,omitempty"`
}

// Client 定义了决策器的统一接口。
type Client interface {
	Decide(ctx context.Context, snapshot Snapshot) (*Decision, error)
}

// StaticClient 是无外部依赖的兜底决策器：
// 总是选择第一个函数并使用参数默认值。
type StaticClient struct{}

// Decide 实现 Client。
func (StaticClient) Decide(_ context.Context, snapshot Snapshot) (*Decision, error) {
	if len(snapshot.Functions) == 0 {
		return nil, xerrors.New(CodeOracleFailure, "没有可供选择的函数")
	}
	fn := snapshot.Functions[0]
	args := make(map[string]any, len(fn.Params))
	for _, param := range fn.Params {
		if param.Default == nil {
			return &Decision{
				Skip:      true,
				Reasoning: "参数 " + param.Name + " 没有默认值，静态决策器无法填充",
			}, nil
		}
		args[param.Name] = *param.Default
	}
	return &Decision{
		Function:  fn.Name,
		Args:      args,
		Reasoning: "静态决策：选择首个启用函数 " + fn.Name,
	}, nil
}

// Validate 检查决策是否指向快照中的某个函数。
func (d *Decision) Validate(snapshot Snapshot) error {
	if d == nil {
		return xerrors.New(CodeOracleFailure, "决策为空")
	}
	if d.Skip {
		return nil
	}
	name := strings.TrimSpace(d.Function)
	if name == "" {
		return xerrors.New(CodeOracleFailure, "决策未指定函数")
	}
	for _, fn := range snapshot.Functions {
		if fn.Name == name {
			return nil
		}
	}
	return xerrors.New(CodeOracleFailure, "决策指向了未启用的函数: "+name)
}
