package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	xerrors "AgentFleet-Chain/internal/errors"
	"AgentFleet-Chain/internal/observability/alerting"
	"AgentFleet-Chain/pkg/logger"
)

// Trigger 定义了调度器需要向管理器暴露的能力。
type Trigger interface {
	// Register 注册一个智能体的首次到期时间以及后续到期时间的计算函数。
	Register(agentID string, next time.Time, nextFn func(time.Time) time.Time)
	// Deregister 将智能体从调度结构中移除，不会中断在途执行。
	Deregister(agentID string)
	// NextDue 返回智能体当前登记的到期时间。
	NextDue(agentID string) (time.Time, bool)
}

// Repository 抽象了智能体配置的持久化接口。
type Repository interface {
	SaveAgent(ctx context.Context, ag *Agent) error
	DeleteAgent(ctx context.Context, agentID string) error
}

// StatusNotifier 在智能体状态变化时向订阅方广播。
type StatusNotifier interface {
	StatusChanged(agentID string, status Status, detail map[string]any)
}

// Manager 独占持有智能体记录表，是状态字段的唯一修改者。
type Manager struct {
	mu      sync.Mutex
	agents  map[string]*Agent
	streaks map[string]int

	trigger          Trigger
	repo             Repository
	notifier         StatusNotifier
	alerter          alerting.Dispatcher
	failureThreshold int
}

// ManagerOption 定义可选配置。
type ManagerOption func(*Manager)

// WithRepository 配置配置持久化后端。
func WithRepository(repo Repository) ManagerOption {
	return func(m *Manager) {
		m.repo = repo
	}
}

// WithStatusNotifier 配置状态变更通知。
func WithStatusNotifier(notifier StatusNotifier) ManagerOption {
	return func(m *Manager) {
		m.notifier = notifier
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ManagerOption {
	return func(m *Manager) {
		m.alerter = dispatcher
	}
}

// WithFailureThreshold 设置连续失败多少次后将智能体置为 error。
func WithFailureThreshold(threshold int) ManagerOption {
	return func(m *Manager) {
		if threshold > 0 {
			m.failureThreshold = threshold
		}
	}
}

// defaultFailureThreshold 是连续失败升级阈值的默认值。
const defaultFailureThreshold = 3

// NewManager 创建智能体管理器。
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		agents:           make(map[string]*Agent),
		streaks:          make(map[string]int),
		failureThreshold: defaultFailureThreshold,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// BindTrigger 绑定调度器。管理器与调度器互相引用，因此在构造后注入。
func (m *Manager) BindTrigger(trigger Trigger) {
	m.lock()
	defer m.unlock()
	m.trigger = trigger
}

func (m *Manager) lock()   { m.mu.Lock() }
func (m *Manager) unlock() { m.mu.Unlock() }

// CreateSpec 描述创建智能体所需的字段。
type CreateSpec struct {
	Name            string          `json:"name"`
	Description     string          `json:"description,omitempty"`
	Owner           string          `json:"owner"`
	ContractAddress string          `json:"contract_address"`
	Chain           string          `json:"chain,omitempty"`
	ABI             json.RawMessage `json:"abi,omitempty"`
	GasLimit        string          `json:"gas_limit,omitempty"`
	MaxPriorityFee  string          `json:"max_priority_fee,omitempty"`
}

// FunctionSpec 描述新增函数所需的字段。
type FunctionSpec struct {
	Name      string          `json:"name"`
	Signature string          `json:"signature"`
	Direction Direction       `json:"direction"`
	Enabled   bool            `json:"enabled"`
	Params    []Param         `json:"params,omitempty"`
	ABI       json.RawMessage `json:"abi,omitempty"`
}

// ScheduleSpec 描述新增或替换调度所需的字段。
type ScheduleSpec struct {
	Kind            ScheduleKind `json:"kind"`
	IntervalSeconds int64        `json:"interval_seconds,omitempty"`
	CronExpr        string       `json:"cron_expr,omitempty"`
	Active          bool         `json:"active"`
}

// Create 校验并插入一个新的智能体记录，初始状态为 created。
func (m *Manager) Create(ctx context.Context, spec CreateSpec) (*Agent, error) {
	if strings.TrimSpace(spec.Name) == "" {
		return nil, xerrors.New(CodeAgentValidation, "智能体名称不能为空")
	}
	if strings.TrimSpace(spec.Owner) == "" {
		return nil, xerrors.New(CodeAgentValidation, "owner 地址不能为空")
	}
	if strings.TrimSpace(spec.ContractAddress) == "" {
		return nil, xerrors.New(CodeAgentValidation, "合约地址不能为空")
	}
	if isEmptyABI(spec.ABI) {
		return nil, xerrors.New(CodeAgentValidation, "合约接口描述不能为空")
	}

	now := time.Now().Unix()
	ag := &Agent{
		ID:              uuid.NewString(),
		Name:            spec.Name,
		Description:     spec.Description,
		Owner:           spec.Owner,
		ContractAddress: spec.ContractAddress,
		Chain:           spec.Chain,
		ABI:             spec.ABI,
		GasLimit:        spec.GasLimit,
		MaxPriorityFee:  spec.MaxPriorityFee,
		Status:          StatusCreated,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	m.lock()
	m.agents[ag.ID] = ag
	m.unlock()

	if err := m.persist(ctx, ag); err != nil {
		return nil, err
	}
	logger.Audit().Info("智能体已创建",
		slog.String("agent_id", ag.ID),
		slog.String("name", ag.Name),
		slog.String("contract", ag.ContractAddress),
	)
	return ag.Clone(), nil
}

// AddFunction 向已有智能体追加一个合约函数。
func (m *Manager) AddFunction(ctx context.Context, agentID string, spec FunctionSpec) (*Function, error) {
	fn := Function{
		ID:        uuid.NewString(),
		AgentID:   agentID,
		Name:      spec.Name,
		Signature: spec.Signature,
		Direction: spec.Direction,
		Enabled:   spec.Enabled,
		Params:    spec.Params,
		ABI:       spec.ABI,
	}
	if err := fn.Validate(); err != nil {
		return nil, err
	}

	m.lock()
	ag, ok := m.agents[agentID]
	if !ok {
		m.unlock()
		return nil, ErrAgentNotFound
	}
	now := time.Now().Unix()
	fn.CreatedAt = now
	fn.UpdatedAt = now
	ag.Functions = append(ag.Functions, fn)
	ag.UpdatedAt = now
	m.refreshConfigured(ag)
	snapshot := ag.Clone()
	m.unlock()

	if err := m.persist(ctx, snapshot); err != nil {
		return nil, err
	}
	return &fn, nil
}

// SetSchedule 设置或替换智能体的调度。运行中的智能体调度不可变。
func (m *Manager) SetSchedule(ctx context.Context, agentID string, spec ScheduleSpec) (*Schedule, error) {
	schedule := &Schedule{
		ID:              uuid.NewString(),
		AgentID:         agentID,
		Kind:            spec.Kind,
		IntervalSeconds: spec.IntervalSeconds,
		CronExpr:        spec.CronExpr,
		Active:          spec.Active,
	}
	if err := schedule.Validate(); err != nil {
		return nil, err
	}

	m.lock()
	ag, ok := m.agents[agentID]
	if !ok {
		m.unlock()
		return nil, ErrAgentNotFound
	}
	if ag.Status == StatusRunning {
		m.unlock()
		return nil, xerrors.New(CodeAgentConflict, "运行中的智能体不允许修改调度")
	}
	now := time.Now().Unix()
	schedule.CreatedAt = now
	schedule.UpdatedAt = now
	ag.Schedule = schedule
	ag.UpdatedAt = now
	m.refreshConfigured(ag)
	snapshot := ag.Clone()
	m.unlock()

	if err := m.persist(ctx, snapshot); err != nil {
		return nil, err
	}
	return schedule, nil
}

// Start 将智能体转入 running 状态并登记到调度器。
func (m *Manager) Start(ctx context.Context, agentID string) (*Agent, error) {
	m.lock()
	ag, ok := m.agents[agentID]
	if !ok {
		m.unlock()
		return nil, ErrAgentNotFound
	}
	switch ag.Status {
	case StatusRunning:
		m.unlock()
		return nil, xerrors.New(CodeAgentConflict, "智能体已在运行中")
	case StatusError:
		m.unlock()
		return nil, xerrors.New(CodeAgentConflict, "智能体处于 error 状态，需先执行 stop")
	}
	if len(ag.EnabledFunctions()) == 0 {
		m.unlock()
		return nil, xerrors.New(CodeAgentPrecondition, "智能体没有任何启用的函数")
	}
	if ag.Schedule == nil || !ag.Schedule.Active {
		m.unlock()
		return nil, xerrors.New(CodeAgentPrecondition, "智能体缺少有效的调度")
	}
	if err := ag.Schedule.Validate(); err != nil {
		m.unlock()
		return nil, xerrors.Wrap(CodeAgentPrecondition, err, "智能体调度不可用")
	}

	now := time.Now()
	next, err := ag.Schedule.NextRun(now)
	if err != nil {
		m.unlock()
		return nil, err
	}
	ag.Status = StatusRunning
	ag.NextDueAt = next.Unix()
	ag.UpdatedAt = now.Unix()
	m.streaks[agentID] = 0

	// 运行期间调度不可变，闭包捕获副本是安全的。
	schedule := *ag.Schedule
	trigger := m.trigger
	snapshot := ag.Clone()
	m.unlock()

	if trigger != nil {
		trigger.Register(agentID, next, func(from time.Time) time.Time {
			due, nextErr := schedule.NextRun(from)
			if nextErr != nil {
				return time.Time{}
			}
			return due
		})
	}

	if err := m.persist(ctx, snapshot); err != nil {
		return nil, err
	}
	m.notifyStatus(agentID, StatusRunning, map[string]any{"next_due_at": next.Unix()})
	logger.Audit().Info("智能体已启动",
		slog.String("agent_id", agentID),
		slog.Int64("next_due_at", next.Unix()),
	)
	return snapshot, nil
}

// Stop 将智能体转出 running/error 状态。在途执行允许自然结束。
func (m *Manager) Stop(ctx context.Context, agentID string) (*Agent, error) {
	m.lock()
	ag, ok := m.agents[agentID]
	if !ok {
		m.unlock()
		return nil, ErrAgentNotFound
	}
	if ag.Status != StatusRunning && ag.Status != StatusError {
		m.unlock()
		return nil, xerrors.New(CodeAgentConflict, "智能体当前未在运行")
	}
	ag.Status = StatusStopped
	ag.NextDueAt = 0
	ag.UpdatedAt = time.Now().Unix()
	m.streaks[agentID] = 0
	trigger := m.trigger
	snapshot := ag.Clone()
	m.unlock()

	if trigger != nil {
		trigger.Deregister(agentID)
	}
	if err := m.persist(ctx, snapshot); err != nil {
		return nil, err
	}
	m.notifyStatus(agentID, StatusStopped, nil)
	logger.Audit().Info("智能体已停止", slog.String("agent_id", agentID))
	return snapshot, nil
}

// Remove 删除智能体及其全部子资源。运行中的智能体必须先停止。
func (m *Manager) Remove(ctx context.Context, agentID string) error {
	m.lock()
	ag, ok := m.agents[agentID]
	if !ok {
		m.unlock()
		return ErrAgentNotFound
	}
	if ag.Status == StatusRunning {
		m.unlock()
		return xerrors.New(CodeAgentConflict, "运行中的智能体不允许删除，请先执行 stop")
	}
	delete(m.agents, agentID)
	delete(m.streaks, agentID)
	trigger := m.trigger
	m.unlock()

	if trigger != nil {
		trigger.Deregister(agentID)
	}
	if m.repo != nil {
		if err := m.repo.DeleteAgent(ctx, agentID); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除智能体持久化记录失败")
		}
	}
	logger.Audit().Info("智能体已删除", slog.String("agent_id", agentID))
	return nil
}

// Get 返回智能体的当前快照。
func (m *Manager) Get(agentID string) (*Agent, error) {
	m.lock()
	ag, ok := m.agents[agentID]
	if !ok {
		m.unlock()
		return nil, ErrAgentNotFound
	}
	snapshot := ag.Clone()
	trigger := m.trigger
	m.unlock()

	if trigger != nil && snapshot.Status == StatusRunning {
		if due, ok := trigger.NextDue(agentID); ok {
			snapshot.NextDueAt = due.Unix()
		}
	}
	return snapshot, nil
}

// List 返回全部智能体快照，按创建时间排序。
func (m *Manager) List() []*Agent {
	m.lock()
	agents := make([]*Agent, 0, len(m.agents))
	for _, ag := range m.agents {
		agents = append(agents, ag.Clone())
	}
	m.unlock()

	sort.Slice(agents, func(i, j int) bool {
		if agents[i].CreatedAt == agents[j].CreatedAt {
			return agents[i].ID < agents[j].ID
		}
		return agents[i].CreatedAt < agents[j].CreatedAt
	})
	return agents
}

// ReportOutcome 由执行管线回报一次执行结果。
// 连续失败达到阈值时将智能体升级为 error 并摘除调度。
func (m *Manager) ReportOutcome(ctx context.Context, agentID string, failed bool) (Status, error) {
	m.lock()
	ag, ok := m.agents[agentID]
	if !ok {
		m.unlock()
		return "", ErrAgentNotFound
	}
	now := time.Now().Unix()
	ag.LastExecutedAt = now
	ag.UpdatedAt = now

	escalated := false
	if failed {
		m.streaks[agentID]++
		if m.streaks[agentID] >= m.failureThreshold && ag.Status == StatusRunning {
			ag.Status = StatusError
			ag.NextDueAt = 0
			escalated = true
		}
	} else {
		m.streaks[agentID] = 0
	}
	status := ag.Status
	streak := m.streaks[agentID]
	trigger := m.trigger
	snapshot := ag.Clone()
	m.unlock()

	if escalated {
		if trigger != nil {
			trigger.Deregister(agentID)
		}
		m.notifyStatus(agentID, StatusError, map[string]any{"consecutive_failures": streak})
		logger.Audit().Warn("智能体连续失败，已升级为 error",
			slog.String("agent_id", agentID),
			slog.Int("consecutive_failures", streak),
		)
		m.emitAlert(ctx, agentID, streak)
	}
	if err := m.persist(ctx, snapshot); err != nil {
		return status, err
	}
	return status, nil
}

// Restore 从持久化层恢复智能体记录，运行中的智能体重新登记调度。
func (m *Manager) Restore(ctx context.Context, agents []*Agent) {
	for _, ag := range agents {
		if ag == nil || ag.ID == "" {
			continue
		}
		clone := ag.Clone()
		m.lock()
		m.agents[clone.ID] = clone
		m.unlock()
		if clone.Status != StatusRunning {
			continue
		}
		// 重启后视为重新 start：重新计算首次到期时间。
		m.lock()
		m.agents[clone.ID].Status = StatusStopped
		m.unlock()
		if _, err := m.Start(ctx, clone.ID); err != nil {
			logger.L().Warn("恢复运行态智能体失败",
				slog.String("agent_id", clone.ID),
				slog.Any("error", err),
			)
		}
	}
}

// refreshConfigured 在拥有函数与调度后把 created 推进到 configured。
func (m *Manager) refreshConfigured(ag *Agent) {
	if ag.Status == StatusCreated && len(ag.Functions) > 0 && ag.Schedule != nil {
		ag.Status = StatusConfigured
	}
}

func (m *Manager) persist(ctx context.Context, ag *Agent) error {
	if m.repo == nil {
		return nil
	}
	if err := m.repo.SaveAgent(ctx, ag); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "保存智能体配置失败")
	}
	return nil
}

func (m *Manager) notifyStatus(agentID string, status Status, detail map[string]any) {
	if m.notifier == nil {
		return
	}
	m.notifier.StatusChanged(agentID, status, detail)
}

func (m *Manager) emitAlert(ctx context.Context, agentID string, streak int) {
	if m.alerter == nil {
		return
	}
	event := alerting.Event{
		Code:       xerrors.CodeExecutionFailure,
		Message:    "agent escalated to error after consecutive execution failures",
		Severity:   xerrors.SeverityCritical,
		AgentID:    agentID,
		Streak:     streak,
		Metadata:   map[string]string{"threshold": "reached"},
		OccurredAt: time.Now(),
	}
	if err := m.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("告警通知失败",
			slog.Any("error", err),
			slog.String("agent_id", agentID),
		)
	}
}

func isEmptyABI(raw json.RawMessage) bool {
	trimmed := strings.TrimSpace(string(raw))
	return trimmed == "" || trimmed == "null" || trimmed == "[]" || trimmed == "{}"
}
