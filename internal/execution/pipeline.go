package execution

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"AgentFleet-Chain/internal/agent"
	xerrors "AgentFleet-Chain/internal/errors"
	"AgentFleet-Chain/internal/oracle"
	"AgentFleet-Chain/internal/web3"
	"AgentFleet-Chain/pkg/logger"
)

// Chains 抽象按名称获取链客户端的能力。
type Chains interface {
	Client(name string) (web3.Client, error)
}

// defaultExecutionTimeout 是单次执行的默认超时。
const defaultExecutionTimeout = 2 * time.Minute

// defaultHistoryDepth 是提供给决策器的历史条数。
const defaultHistoryDepth = 5

// Pipeline 串联一次执行的全部阶段：
// 留痕、链上快照、函数决策、参数校验、合约调用、结果回写。
type Pipeline struct {
	chains       Chains
	oracle       oracle.Client
	records      RecordStore
	broadcaster  Broadcaster
	timeout      time.Duration
	historyDepth int
}

// PipelineOption 定义可选配置。
type PipelineOption func(*Pipeline)

// WithExecutionTimeout 设置单次执行的超时时间。
func WithExecutionTimeout(timeout time.Duration) PipelineOption {
	return func(p *Pipeline) {
		if timeout > 0 {
			p.timeout = timeout
		}
	}
}

// WithBroadcaster 配置执行事件的推送端。
func WithBroadcaster(broadcaster Broadcaster) PipelineOption {
	return func(p *Pipeline) {
		p.broadcaster = broadcaster
	}
}

// WithHistoryDepth 设置提供给决策器的历史条数。
func WithHistoryDepth(depth int) PipelineOption {
	return func(p *Pipeline) {
		if depth > 0 {
			p.historyDepth = depth
		}
	}
}

// NewPipeline 构造执行管线。
func NewPipeline(chains Chains, oracleClient oracle.Client, records RecordStore, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		chains:       chains,
		oracle:       oracleClient,
		records:      records,
		timeout:      defaultExecutionTimeout,
		historyDepth: defaultHistoryDepth,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Request 描述一次待执行的请求。
// Function 为空时由决策器选择函数，否则按显式指定执行。
type Request struct {
	Agent        *agent.Agent
	Trigger      Trigger
	ExecutionID  string
	ScheduledFor time.Time
	Function     string
	Args         map[string]any
}

// Execute 运行一次完整的执行。返回的记录无论成败都已持久化。
func (p *Pipeline) Execute(ctx context.Context, req Request) (*Record, error) {
	if req.Agent == nil {
		return nil, xerrors.New(CodePipeline, "执行请求缺少智能体快照")
	}
	ag := req.Agent

	executionID := req.ExecutionID
	if executionID == "" {
		executionID = uuid.NewString()
	}
	startedAt := time.Now()
	rec := &Record{
		ID:        executionID,
		AgentID:   ag.ID,
		Trigger:   req.Trigger,
		Status:    StatusStarted,
		StartedAt: startedAt.Unix(),
	}
	if !req.ScheduledFor.IsZero() {
		rec.ScheduledFor = req.ScheduledFor.Unix()
	}

	if p.records != nil {
		if err := p.records.InsertRecord(ctx, rec); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入执行记录失败")
		}
	}
	if p.broadcaster != nil {
		p.broadcaster.ExecutionStarted(rec.Clone())
	}

	runCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	err := p.run(runCtx, ag, req, rec)
	p.finish(ctx, rec, startedAt, err)
	return rec, err
}

// run 执行决策与链上调用，结果写入 rec。
func (p *Pipeline) run(ctx context.Context, ag *agent.Agent, req Request, rec *Record) error {
	client, err := p.chains.Client(ag.Chain)
	if err != nil {
		return xerrors.Wrap(CodePipeline, err, "解析链客户端失败")
	}

	fn, args, err := p.resolveCall(ctx, ag, req, client, rec)
	if err != nil {
		return err
	}
	if fn == nil {
		// 决策器选择跳过：本轮不调用函数，记录为 skipped。
		rec.Status = StatusSkipped
		return nil
	}

	ordered, resolved, err := BuildArgs(fn, args)
	if err != nil {
		return err
	}
	rec.Function = fn.Name
	rec.Args = resolved

	callReq := web3.CallRequest{
		From:            ag.Owner,
		ContractAddress: ag.ContractAddress,
		ABI:             callABI(fn, ag),
		Function:        fn.Name,
		Args:            ordered,
		GasLimit:        ag.GasLimit,
		MaxPriorityFee:  ag.MaxPriorityFee,
	}

	var result web3.CallResult
	if fn.Direction == agent.DirectionWrite {
		result, err = client.WriteContract(ctx, callReq)
	} else {
		result, err = client.ReadContract(ctx, callReq)
	}
	if err != nil {
		return err
	}
	rec.Outputs = result.Outputs
	rec.TxHash = result.TxHash
	return nil
}

// resolveCall 确定本轮调用的函数与参数。
// 显式指定时直接校验；否则交给决策器。决策器选择跳过时返回 (nil, nil, nil)。
func (p *Pipeline) resolveCall(ctx context.Context, ag *agent.Agent, req Request, client web3.Client, rec *Record) (*agent.Function, map[string]any, error) {
	if req.Function != "" {
		fn, ok := ag.FindFunction(req.Function)
		if !ok {
			return nil, nil, agent.ErrFunctionNotFound
		}
		if !fn.Enabled {
			return nil, nil, xerrors.New(CodeArgValidation, "函数未启用: "+fn.Name)
		}
		return fn, req.Args, nil
	}

	enabled := ag.EnabledFunctions()
	if len(enabled) == 0 {
		return nil, nil, xerrors.New(CodePipeline, "智能体没有任何启用的函数")
	}

	snapshot := p.buildSnapshot(ctx, ag, enabled, client)
	decision, err := p.oracle.Decide(ctx, snapshot)
	if err != nil {
		return nil, nil, xerrors.Wrap(oracle.CodeOracleFailure, err, "函数决策失败")
	}
	if err := decision.Validate(snapshot); err != nil {
		return nil, nil, err
	}
	rec.Reasoning = decision.Reasoning
	if decision.Skip {
		return nil, nil, nil
	}

	fn, ok := ag.FindFunction(decision.Function)
	if !ok || !fn.Enabled {
		return nil, nil, xerrors.New(oracle.CodeOracleFailure, "决策指向了不可用的函数: "+decision.Function)
	}
	return fn, decision.Args, nil
}

// buildSnapshot 汇总决策所需的上下文，链上快照失败时降级为空。
func (p *Pipeline) buildSnapshot(ctx context.Context, ag *agent.Agent, enabled []agent.Function, client web3.Client) oracle.Snapshot {
	snapshot := oracle.Snapshot{
		AgentID:         ag.ID,
		AgentName:       ag.Name,
		Goal:            ag.Description,
		ContractAddress: ag.ContractAddress,
		Chain:           ag.Chain,
		Functions:       make([]oracle.FunctionView, 0, len(enabled)),
	}
	for _, fn := range enabled {
		view := oracle.FunctionView{
			Name:      fn.Name,
			Signature: fn.Signature,
			Direction: string(fn.Direction),
			Params:    make([]oracle.ParamView, 0, len(fn.Params)),
		}
		for _, param := range fn.Params {
			view.Params = append(view.Params, oracle.ParamView{
				Name:    param.Name,
				Type:    param.Type,
				Default: param.Default,
			})
		}
		snapshot.Functions = append(snapshot.Functions, view)
	}

	if chain, err := client.FetchChainSnapshot(ctx); err == nil {
		snapshot.ChainID = chain.ChainID
		snapshot.BlockNumber = chain.BlockNumber
	} else {
		logger.L().Debug("获取链上快照失败，决策降级",
			slog.String("agent_id", ag.ID),
			slog.Any("error", err),
		)
	}

	if p.records != nil {
		if history, err := p.records.ListRecords(ctx, ag.ID, p.historyDepth); err == nil {
			for _, item := range history {
				entry := oracle.HistoryEntry{
					Function:  item.Function,
					Outcome:   string(item.Status),
					CreatedAt: item.StartedAt,
				}
				if item.Error != "" {
					entry.Output = item.Error
				} else if len(item.Outputs) > 0 {
					if encoded, encodeErr := json.Marshal(item.Outputs); encodeErr == nil {
						entry.Output = string(encoded)
					}
				}
				snapshot.History = append(snapshot.History, entry)
			}
		}
	}
	return snapshot
}

// finish 回写终态、持久化并广播。
func (p *Pipeline) finish(ctx context.Context, rec *Record, startedAt time.Time, execErr error) {
	rec.FinishedAt = time.Now().Unix()
	rec.DurationMS = time.Since(startedAt).Milliseconds()

	if execErr != nil {
		rec.Status = StatusFailed
		rec.Error = execErr.Error()
		code := xerrors.CodeOf(execErr)
		if stdErrors.Is(execErr, context.DeadlineExceeded) {
			code = xerrors.CodeTimeout
		}
		if code == xerrors.CodeUnknown {
			code = CodePipeline
		}
		rec.ErrorCode = string(code)
	} else if rec.Status != StatusSkipped {
		rec.Status = StatusCompleted
	}

	if p.records != nil {
		if err := p.records.CompleteRecord(ctx, rec); err != nil {
			logger.L().Error("回写执行记录失败",
				slog.Any("error", err),
				slog.String("execution_id", rec.ID),
				slog.String("agent_id", rec.AgentID),
			)
		}
	}
	if p.broadcaster != nil {
		p.broadcaster.ExecutionFinished(rec.Clone())
	}

	if execErr != nil {
		logger.Audit().Warn("执行失败",
			slog.String("execution_id", rec.ID),
			slog.String("agent_id", rec.AgentID),
			slog.String("function", rec.Function),
			slog.String("error_code", rec.ErrorCode),
			slog.String("error", rec.Error),
		)
	} else {
		logger.Audit().Info("执行完成",
			slog.String("execution_id", rec.ID),
			slog.String("agent_id", rec.AgentID),
			slog.String("function", rec.Function),
			slog.Int64("duration_ms", rec.DurationMS),
		)
	}
}

// callABI 函数自带 ABI 时优先使用，否则回落到智能体级 ABI。
func callABI(fn *agent.Function, ag *agent.Agent) json.RawMessage {
	if len(fn.ABI) > 0 {
		return fn.ABI
	}
	return ag.ABI
}
