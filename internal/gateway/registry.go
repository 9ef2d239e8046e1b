package gateway

import (
	"log/slog"
	"sync"
	"time"

	"AgentFleet-Chain/internal/agent"
	"AgentFleet-Chain/internal/execution"
	"AgentFleet-Chain/internal/protocol"
	"AgentFleet-Chain/pkg/logger"
)

// Registry 维护存活连接与按智能体的隐式订阅。
// 连接在首次提及某个 agent_id 时自动订阅该智能体，
// 断开时移除全部订阅。智能体本身不受连接存亡影响。
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Conn
	// subs: agentID -> connID -> 连接。
	subs map[string]map[string]*Conn
}

// NewRegistry 创建连接注册表。
func NewRegistry() *Registry {
	return &Registry{
		conns: make(map[string]*Conn),
		subs:  make(map[string]map[string]*Conn),
	}
}

// Add 登记一条新连接。
func (r *Registry) Add(conn *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[conn.ID()] = conn
}

// Remove 注销连接并清理其全部订阅。
func (r *Registry) Remove(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, connID)
	for agentID, set := range r.subs {
		delete(set, connID)
		if len(set) == 0 {
			delete(r.subs, agentID)
		}
	}
}

// Subscribe 将连接订阅到指定智能体。重复订阅幂等。
func (r *Registry) Subscribe(agentID string, conn *Conn) {
	if agentID == "" || conn == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.subs[agentID]
	if !ok {
		set = make(map[string]*Conn)
		r.subs[agentID] = set
	}
	set[conn.ID()] = conn
}

// DropSubscriptions 移除某个智能体的全部订阅（智能体被删除时调用）。
func (r *Registry) DropSubscriptions(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subs, agentID)
}

// Count 返回存活连接数。
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Broadcast 将一帧推送给订阅了该智能体的全部连接。
func (r *Registry) Broadcast(agentID string, frame []byte) {
	r.mu.RLock()
	targets := make([]*Conn, 0, len(r.subs[agentID]))
	for _, conn := range r.subs[agentID] {
		targets = append(targets, conn)
	}
	r.mu.RUnlock()

	for _, conn := range targets {
		conn.Send(frame)
	}
}

// StatusChanged 实现 agent.StatusNotifier：
// 以 agent_status 帧向订阅方广播状态迁移。
func (r *Registry) StatusChanged(agentID string, status agent.Status, detail map[string]any) {
	payload := map[string]any{
		"agent_id":   agentID,
		"status":     string(status),
		"changed_at": time.Now().Unix(),
	}
	for k, v := range detail {
		payload[k] = v
	}
	frame, err := protocol.Encode(protocol.TypeAgentStatus, payload)
	if err != nil {
		logger.L().Error("编码状态广播失败", slog.Any("error", err), slog.String("agent_id", agentID))
		return
	}
	r.Broadcast(agentID, frame)
}

// ExecutionStarted 实现 execution.Broadcaster。
// 手动执行的 started 帧由请求应答直接给出，这里只广播调度触发的。
func (r *Registry) ExecutionStarted(rec *execution.Record) {
	if rec == nil || rec.Trigger == execution.TriggerManual {
		return
	}
	frame, err := protocol.Encode(protocol.TypeExecutionResponse, executionPayload(rec))
	if err != nil {
		logger.L().Error("编码执行广播失败", slog.Any("error", err), slog.String("execution_id", rec.ID))
		return
	}
	r.Broadcast(rec.AgentID, frame)
}

// ExecutionFinished 实现 execution.Broadcaster。
func (r *Registry) ExecutionFinished(rec *execution.Record) {
	if rec == nil {
		return
	}
	frame, err := protocol.Encode(protocol.TypeExecutionResponse, executionPayload(rec))
	if err != nil {
		logger.L().Error("编码执行广播失败", slog.Any("error", err), slog.String("execution_id", rec.ID))
		return
	}
	r.Broadcast(rec.AgentID, frame)
}

// executionPayload 把执行记录映射为 execution_response 的 data。
// 线缆上的 status 只有 started/completed 两种，
// 失败与跳过都按 completed 上报，由 success/skipped 字段区分。
func executionPayload(rec *execution.Record) map[string]any {
	status := "completed"
	if rec.Status == execution.StatusStarted {
		status = "started"
	}
	payload := map[string]any{
		"execution_id": rec.ID,
		"agent_id":     rec.AgentID,
		"status":       status,
		"trigger":      string(rec.Trigger),
		"success":      rec.Status != execution.StatusFailed,
	}
	if rec.Status == execution.StatusSkipped {
		payload["skipped"] = true
	}
	if rec.Function != "" {
		payload["function"] = rec.Function
	}
	if rec.Outputs != nil {
		payload["outputs"] = rec.Outputs
	}
	if rec.TxHash != "" {
		payload["tx_hash"] = rec.TxHash
	}
	if rec.Reasoning != "" {
		payload["reasoning"] = rec.Reasoning
	}
	if rec.Error != "" {
		payload["error"] = rec.Error
		payload["error_code"] = rec.ErrorCode
	}
	if rec.FinishedAt > 0 {
		payload["duration_ms"] = rec.DurationMS
	}
	return payload
}

var (
	_ agent.StatusNotifier  = (*Registry)(nil)
	_ execution.Broadcaster = (*Registry)(nil)
)
