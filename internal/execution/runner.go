package execution

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"AgentFleet-Chain/internal/agent"
	xerrors "AgentFleet-Chain/internal/errors"
	"AgentFleet-Chain/internal/events"
	"AgentFleet-Chain/internal/observability/metrics"
	"AgentFleet-Chain/pkg/logger"
)

// Manager 定义了执行层需要的智能体管理能力。
type Manager interface {
	Get(agentID string) (*agent.Agent, error)
	ReportOutcome(ctx context.Context, agentID string, failed bool) (agent.Status, error)
}

// Dispatcher 定义了手动触发所需的调度能力。
type Dispatcher interface {
	TryRunNow(ctx context.Context, agentID string, run func(ctx context.Context)) error
}

// Runner 把调度器的触发转换为管线执行，并回报结果。
type Runner struct {
	manager  Manager
	pipeline *Pipeline
	sink     events.Sink
	dispatch Dispatcher
}

// RunnerOption 定义可选配置。
type RunnerOption func(*Runner)

// WithEventSink 配置出站事件通道。
func WithEventSink(sink events.Sink) RunnerOption {
	return func(r *Runner) {
		r.sink = sink
	}
}

// NewRunner 构造 Runner。
func NewRunner(manager Manager, pipeline *Pipeline, opts ...RunnerOption) *Runner {
	r := &Runner{manager: manager, pipeline: pipeline}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// BindDispatcher 绑定调度器。Runner 与调度器互相引用，构造后注入。
func (r *Runner) BindDispatcher(dispatch Dispatcher) {
	r.dispatch = dispatch
}

// Run 是调度触发的入口，签名与调度器的 RunFunc 对齐。
func (r *Runner) Run(ctx context.Context, agentID string, scheduledFor time.Time) {
	ag, err := r.manager.Get(agentID)
	if err != nil {
		logger.L().Debug("调度触发时智能体已不存在", slog.String("agent_id", agentID))
		return
	}
	if !ag.Executable() {
		// 到期与停止之间存在窗口，此时静默放弃本次触发。
		logger.L().Debug("调度触发时智能体不可执行",
			slog.String("agent_id", agentID),
			slog.String("status", string(ag.Status)),
		)
		return
	}

	rec, execErr := r.pipeline.Execute(ctx, Request{
		Agent:        ag,
		Trigger:      TriggerScheduled,
		ScheduledFor: scheduledFor,
	})
	r.settle(ctx, agentID, rec, execErr, TriggerScheduled)
}

// Manual 发起一次手动执行，立即返回预生成的执行 ID。
// 执行在后台进行，结果通过控制通道与事件通道推送。
func (r *Runner) Manual(ctx context.Context, agentID, function string, args map[string]any) (string, error) {
	ag, err := r.manager.Get(agentID)
	if err != nil {
		return "", err
	}
	if ag.Status != agent.StatusRunning {
		return "", xerrors.New(agent.CodeAgentPrecondition, "手动执行要求智能体处于 running 状态")
	}
	if function != "" {
		fn, ok := ag.FindFunction(function)
		if !ok {
			return "", agent.ErrFunctionNotFound
		}
		if !fn.Enabled {
			return "", xerrors.New(CodeArgValidation, "函数未启用: "+function)
		}
	}
	if r.dispatch == nil {
		return "", xerrors.New(xerrors.CodeInitializationFailure, "执行层未绑定调度器")
	}

	executionID := uuid.NewString()
	// 手动执行脱离请求生命周期，连接断开不影响在途执行。
	runCtx := context.WithoutCancel(ctx)
	err = r.dispatch.TryRunNow(runCtx, agentID, func(dispatchCtx context.Context) {
		rec, execErr := r.pipeline.Execute(dispatchCtx, Request{
			Agent:       ag,
			Trigger:     TriggerManual,
			ExecutionID: executionID,
			Function:    function,
			Args:        args,
		})
		r.settle(dispatchCtx, agentID, rec, execErr, TriggerManual)
	})
	if err != nil {
		return "", err
	}
	return executionID, nil
}

// settle 回报执行结果并发布出站事件。
func (r *Runner) settle(ctx context.Context, agentID string, rec *Record, execErr error, trigger Trigger) {
	failed := execErr != nil
	if _, err := r.manager.ReportOutcome(ctx, agentID, failed); err != nil {
		logger.L().Error("回报执行结果失败",
			slog.Any("error", err),
			slog.String("agent_id", agentID),
		)
	}

	if rec != nil {
		metrics.ObserveExecution(agentID, string(rec.Status), string(trigger),
			time.Duration(rec.DurationMS)*time.Millisecond)
		r.publish(ctx, rec)
	}
}

func (r *Runner) publish(ctx context.Context, rec *Record) {
	if r.sink == nil {
		return
	}
	event := events.Event{
		Kind:    events.KindExecution,
		AgentID: rec.AgentID,
		Payload: map[string]any{
			"execution_id": rec.ID,
			"status":       string(rec.Status),
			"trigger":      string(rec.Trigger),
			"function":     rec.Function,
			"duration_ms":  rec.DurationMS,
		},
		OccurredAt: rec.FinishedAt,
	}
	if rec.Error != "" {
		event.Payload["error"] = rec.Error
		event.Payload["error_code"] = rec.ErrorCode
	}
	if rec.TxHash != "" {
		event.Payload["tx_hash"] = rec.TxHash
	}
	if err := r.sink.Publish(ctx, event); err != nil {
		logger.L().Warn("发布执行事件失败",
			slog.Any("error", err),
			slog.String("execution_id", rec.ID),
		)
	}
}
