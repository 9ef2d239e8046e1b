package agent

import (
	"encoding/json"
	"regexp"
	"strings"

	xerrors "AgentFleet-Chain/internal/errors"
)

// Status 表示智能体在生命周期中的状态。
type Status string

const (
	StatusCreated    Status = "created"
	StatusConfigured Status = "configured"
	StatusRunning    Status = "running"
	StatusStopped    Status = "stopped"
	StatusError      Status = "error"
)

// Direction 表示合约函数的调用方向。
type Direction string

const (
	DirectionRead  Direction = "read"
	DirectionWrite Direction = "write"
)

// ValidationRule 描述单个参数的校验约束。
type ValidationRule struct {
	Required bool     `json:"required,omitempty"`
	Min      *float64 `json:"min,omitempty"`
	Max      *float64 `json:"max,omitempty"`
	Pattern  string   `json:"pattern,omitempty"`
}

// Param 描述合约函数的一个入参。
type Param struct {
	Name    string          `json:"name"`
	Type    string          `json:"type"`
	Default *string         `json:"default,omitempty"`
	Rules   *ValidationRule `json:"rules,omitempty"`
}

// Function 描述智能体可调用的一个合约函数。
type Function struct {
	ID        string          `json:"function_id"`
	AgentID   string          `json:"agent_id"`
	Name      string          `json:"name"`
	Signature string          `json:"signature"`
	Direction Direction       `json:"direction"`
	Enabled   bool            `json:"enabled"`
	Params    []Param         `json:"params,omitempty"`
	ABI       json.RawMessage `json:"abi,omitempty"`
	CreatedAt int64           `json:"created_at"`
	UpdatedAt int64           `json:"updated_at"`
}

// Agent 描述一个绑定到合约的自治智能体及其全部配置。
type Agent struct {
	ID              string          `json:"agent_id"`
	Name            string          `json:"name"`
	Description     string          `json:"description,omitempty"`
	Owner           string          `json:"owner"`
	ContractAddress string          `json:"contract_address"`
	Chain           string          `json:"chain,omitempty"`
	ABI             json.RawMessage `json:"abi,omitempty"`
	GasLimit        string          `json:"gas_limit,omitempty"`
	MaxPriorityFee  string          `json:"max_priority_fee,omitempty"`
	Functions       []Function      `json:"functions,omitempty"`
	Schedule        *Schedule       `json:"schedule,omitempty"`
	Status          Status          `json:"status"`
	LastExecutedAt  int64           `json:"last_executed_at,omitempty"`
	NextDueAt       int64           `json:"next_due_at,omitempty"`
	CreatedAt       int64           `json:"created_at"`
	UpdatedAt       int64           `json:"updated_at"`
}

var (
	// ErrAgentNotFound 表示指定的智能体不存在。
	ErrAgentNotFound = xerrors.New(CodeAgentNotFound, "agent not found")
	// ErrFunctionNotFound 表示指定的函数不存在。
	ErrFunctionNotFound = xerrors.New(CodeFunctionNotFound, "function not found")
	// ErrAgentConflict 表示智能体在当前状态下无法进行所请求的操作。
	ErrAgentConflict = xerrors.New(CodeAgentConflict, "agent conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrAgentPrecondition 表示智能体缺少启动所需的子资源。
	ErrAgentPrecondition = xerrors.New(CodeAgentPrecondition, "agent precondition failed")
)

const (
	CodeAgentNotFound     xerrors.Code = "AGENT_NOT_FOUND"
	CodeFunctionNotFound  xerrors.Code = "AGENT_FUNCTION_NOT_FOUND"
	CodeAgentConflict     xerrors.Code = "AGENT_CONFLICT"
	CodeAgentPrecondition xerrors.Code = "AGENT_PRECONDITION_FAILED"
	CodeAgentValidation   xerrors.Code = "AGENT_VALIDATION_FAILED"
	CodeScheduleInvalid   xerrors.Code = "AGENT_SCHEDULE_INVALID"
)

func init() {
	xerrors.Register(CodeAgentNotFound, xerrors.Attributes{
		Message:   "agent not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeFunctionNotFound, xerrors.Attributes{
		Message:   "function not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeAgentConflict, xerrors.Attributes{
		Message:   "operation conflicts with agent state",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeAgentPrecondition, xerrors.Attributes{
		Message:   "agent is missing an enabled function or schedule",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeAgentValidation, xerrors.Attributes{
		Message:   "agent configuration is invalid",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeScheduleInvalid, xerrors.Attributes{
		Message:   "agent schedule is invalid",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}

// signaturePattern 约束函数签名形如 name(type1,type2)。
var signaturePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*\([^()]*\)$`)

// IsValidStatus 检查给定的状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusCreated, StatusConfigured, StatusRunning, StatusStopped, StatusError:
		return true
	default:
		return false
	}
}

// IsValidDirection 检查函数方向是否合法。
func IsValidDirection(direction Direction) bool {
	return direction == DirectionRead || direction == DirectionWrite
}

// ValidateSignature 校验函数签名的结构。
func ValidateSignature(signature string) error {
	if !signaturePattern.MatchString(strings.TrimSpace(signature)) {
		return xerrors.New(CodeAgentValidation, "函数签名格式非法: "+signature)
	}
	return nil
}

// Validate 检查函数定义自身的不变量。
// 写方向的函数要求所有没有默认值的参数都必须携带校验规则。
func (f *Function) Validate() error {
	if strings.TrimSpace(f.Name) == "" {
		return xerrors.New(CodeAgentValidation, "函数名称不能为空")
	}
	if err := ValidateSignature(f.Signature); err != nil {
		return err
	}
	if !IsValidDirection(f.Direction) {
		return xerrors.New(CodeAgentValidation, "未知的函数方向: "+string(f.Direction))
	}
	if f.Direction == DirectionWrite {
		for _, param := range f.Params {
			if param.Default == nil && param.Rules == nil {
				return xerrors.New(CodeAgentValidation,
					"写函数 "+f.Name+" 的参数 "+param.Name+" 缺少校验规则")
			}
		}
	}
	return nil
}

// EnabledFunctions 返回当前启用的函数列表。
func (a *Agent) EnabledFunctions() []Function {
	enabled := make([]Function, 0, len(a.Functions))
	for _, fn := range a.Functions {
		if fn.Enabled {
			enabled = append(enabled, fn)
		}
	}
	return enabled
}

// FindFunction 按名称查找函数。
func (a *Agent) FindFunction(name string) (*Function, bool) {
	for i := range a.Functions {
		if a.Functions[i].Name == name {
			return &a.Functions[i], true
		}
	}
	return nil, false
}

// Executable 判断智能体是否满足执行条件：
// 状态为 running，至少一个启用函数，且调度配置合法。
func (a *Agent) Executable() bool {
	if a.Status != StatusRunning {
		return false
	}
	if len(a.EnabledFunctions()) == 0 {
		return false
	}
	return a.Schedule != nil && a.Schedule.Validate() == nil
}

// Clone 返回智能体的深拷贝，避免调用方持有内部切片。
func (a *Agent) Clone() *Agent {
	if a == nil {
		return nil
	}
	clone := *a
	if len(a.Functions) > 0 {
		clone.Functions = make([]Function, len(a.Functions))
		copy(clone.Functions, a.Functions)
	}
	if a.Schedule != nil {
		schedule := *a.Schedule
		clone.Schedule = &schedule
	}
	if len(a.ABI) > 0 {
		clone.ABI = append(json.RawMessage(nil), a.ABI...)
	}
	return &clone
}
