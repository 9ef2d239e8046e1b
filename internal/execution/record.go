package execution

import (
	"context"

	xerrors "AgentFleet-Chain/internal/errors"
)

// Trigger 表示一次执行的触发来源。
type Trigger string

const (
	TriggerScheduled Trigger = "scheduled"
	TriggerManual    Trigger = "manual"
)

// Status 表示执行记录的状态。
type Status string

const (
	StatusStarted   Status = "started"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	// StatusSkipped 表示决策器选择本轮不调用任何函数。
	StatusSkipped Status = "skipped"
)

// Record 是一次执行的完整留痕。
// 每次被派发的执行都会产生一条记录；被跳过的到期触发不会。
type Record struct {
	ID           string         `json:"execution_id"`
	AgentID      string         `json:"agent_id"`
	Trigger      Trigger        `json:"trigger"`
	Status       Status         `json:"status"`
	Function     string         `json:"function,omitempty"`
	Args         map[string]any `json:"args,omitempty"`
	Outputs      []any          `json:"outputs,omitempty"`
	TxHash       string         `json:"tx_hash,omitempty"`
	Reasoning    string         `json:"reasoning,omitempty"`
	Error        string         `json:"error,omitempty"`
	ErrorCode    string         `json:"error_code,omitempty"`
	ScheduledFor int64          `json:"scheduled_for,omitempty"`
	StartedAt    int64          `json:"started_at"`
	FinishedAt   int64          `json:"finished_at,omitempty"`
	DurationMS   int64          `json:"duration_ms,omitempty"`
}

// RecordStore 抽象执行记录的持久化能力。
type RecordStore interface {
	InsertRecord(ctx context.Context, rec *Record) error
	CompleteRecord(ctx context.Context, rec *Record) error
	ListRecords(ctx context.Context, agentID string, limit int) ([]*Record, error)
}

// Broadcaster 在执行开始与结束时向控制通道的订阅方推送。
type Broadcaster interface {
	ExecutionStarted(rec *Record)
	ExecutionFinished(rec *Record)
}

var (
	// ErrRecordNotFound 表示执行记录不存在。
	ErrRecordNotFound = xerrors.New(CodeRecordNotFound, "execution record not found")
)

const (
	CodeRecordNotFound xerrors.Code = "EXECUTION_RECORD_NOT_FOUND"
	CodeArgValidation  xerrors.Code = "EXECUTION_VALIDATION_FAILED"
	CodePipeline       xerrors.Code = "EXECUTION_PIPELINE_FAILED"
)

func init() {
	xerrors.Register(CodeRecordNotFound, xerrors.Attributes{
		Message:   "execution record not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeArgValidation, xerrors.Attributes{
		Message:   "execution arguments failed validation",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodePipeline, xerrors.Attributes{
		Message:   "execution pipeline failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
}

// IsValidStatus 检查执行状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusStarted, StatusCompleted, StatusFailed, StatusSkipped:
		return true
	default:
		return false
	}
}

// Clone 返回记录的浅层安全拷贝。
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	clone := *r
	if len(r.Args) > 0 {
		clone.Args = make(map[string]any, len(r.Args))
		for k, v := range r.Args {
			clone.Args[k] = v
		}
	}
	if len(r.Outputs) > 0 {
		clone.Outputs = append([]any(nil), r.Outputs...)
	}
	return &clone
}
