// Package gateway 实现控制通道：WebSocket 接入、逐帧分发、
// 连接注册表与面向订阅方的结果推送。
package gateway

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"AgentFleet-Chain/internal/agent"
	xerrors "AgentFleet-Chain/internal/errors"
	"AgentFleet-Chain/internal/execution"
	"AgentFleet-Chain/internal/observability/metrics"
	"AgentFleet-Chain/internal/protocol"
	"AgentFleet-Chain/pkg/logger"
)

// Server 承载控制通道与健康检查端点。
type Server struct {
	addr     string
	manager  *agent.Manager
	runner   *execution.Runner
	records  execution.RecordStore
	registry *Registry
	upgrader websocket.Upgrader
}

// NewServer 构造网关服务。
func NewServer(addr string, manager *agent.Manager, runner *execution.Runner, records execution.RecordStore, registry *Registry) *Server {
	return &Server{
		addr:     addr,
		manager:  manager,
		runner:   runner,
		records:  records,
		registry: registry,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// 控制通道面向自有客户端，不做跨域限制。
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Handler 返回网关的 HTTP 路由。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

// Start 启动网关监听，ctx 取消后优雅退出。
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.Handler()}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !stdErrors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	logger.L().Info("控制通道已启动", slog.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}

// handleWS 升级连接并运行逐帧读循环。
// 单条连接上的帧严格按到达顺序处理。
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.L().Warn("WebSocket 升级失败", slog.Any("error", err))
		return
	}

	conn := newConn(uuid.NewString(), ws)
	conn.prepare()
	s.registry.Add(conn)
	go conn.writePump()

	defer func() {
		s.registry.Remove(conn.ID())
		conn.Close()
		metrics.ConnectionClosed()
		logger.L().Info("连接已断开", slog.String("conn_id", conn.ID()))
	}()
	logger.L().Info("连接已建立", slog.String("conn_id", conn.ID()))

	for {
		raw, ok := conn.readFrame()
		if !ok {
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))

		env, err := protocol.Decode(raw)
		if err != nil {
			if stdErrors.Is(err, protocol.ErrMalformed) {
				// 完全不可解码的帧意味着对端已失去协议同步，关闭连接。
				logger.L().Warn("收到不可解码的帧，关闭连接", slog.String("conn_id", conn.ID()))
				return
			}
			s.sendError(conn, "", err)
			continue
		}
		metrics.ObserveFrame(env.Type)
		s.dispatch(r.Context(), conn, env)
	}
}

// dispatch 把一帧映射到唯一的一次管理器或执行层操作。
func (s *Server) dispatch(ctx context.Context, conn *Conn, env *protocol.Envelope) {
	canonical, ok := protocol.Canonical(env.Type)
	if !ok {
		s.sendError(conn, env.AgentID, xerrors.New(protocol.CodeUnknownType, "不支持的消息类型: "+env.Type))
		return
	}

	var err error
	switch canonical {
	case protocol.TypeCreateAgent:
		err = s.handleCreateAgent(ctx, conn, env)
	case protocol.TypeCreateFunction:
		err = s.handleCreateFunction(ctx, conn, env)
	case protocol.TypeCreateSchedule:
		err = s.handleCreateSchedule(ctx, conn, env)
	case protocol.TypeConfigureAgent:
		err = s.handleConfigureAgent(ctx, conn, env)
	case protocol.TypeStartAgent:
		err = s.handleStart(ctx, conn, env)
	case protocol.TypeStopAgent:
		err = s.handleStop(ctx, conn, env)
	case protocol.TypeRemoveAgent:
		err = s.handleRemove(ctx, conn, env)
	case protocol.TypeExecute:
		err = s.handleExecute(ctx, conn, env)
	case protocol.TypeGetAgent:
		err = s.handleGetAgent(conn, env)
	case protocol.TypeListAgents:
		err = s.handleListAgents(conn)
	case protocol.TypeListExecutions:
		err = s.handleListExecutions(ctx, conn, env)
	}
	if err != nil {
		s.sendError(conn, env.AgentID, err)
	}
}

func (s *Server) handleCreateAgent(ctx context.Context, conn *Conn, env *protocol.Envelope) error {
	var spec agent.CreateSpec
	if err := protocol.DecodeData(env, &spec); err != nil {
		return err
	}
	ag, err := s.manager.Create(ctx, spec)
	if err != nil {
		return err
	}
	s.registry.Subscribe(ag.ID, conn)
	return s.reply(conn, protocol.ResponseType(protocol.TypeCreateAgent), map[string]any{
		"success": true,
		"agent":   ag,
	})
}

func (s *Server) handleCreateFunction(ctx context.Context, conn *Conn, env *protocol.Envelope) error {
	var payload struct {
		AgentID string `json:"agent_id"`
		agent.FunctionSpec
	}
	if err := protocol.DecodeData(env, &payload); err != nil {
		return err
	}
	agentID := firstNonEmpty(env.AgentID, payload.AgentID)
	s.registry.Subscribe(agentID, conn)
	fn, err := s.manager.AddFunction(ctx, agentID, payload.FunctionSpec)
	if err != nil {
		return err
	}
	return s.reply(conn, protocol.ResponseType(protocol.TypeCreateFunction), map[string]any{
		"success":  true,
		"agent_id": agentID,
		"function": fn,
	})
}

func (s *Server) handleCreateSchedule(ctx context.Context, conn *Conn, env *protocol.Envelope) error {
	var payload struct {
		AgentID string `json:"agent_id"`
		agent.ScheduleSpec
	}
	if err := protocol.DecodeData(env, &payload); err != nil {
		return err
	}
	agentID := firstNonEmpty(env.AgentID, payload.AgentID)
	s.registry.Subscribe(agentID, conn)
	schedule, err := s.manager.SetSchedule(ctx, agentID, payload.ScheduleSpec)
	if err != nil {
		return err
	}
	return s.reply(conn, protocol.ResponseType(protocol.TypeCreateSchedule), map[string]any{
		"success":  true,
		"agent_id": agentID,
		"schedule": schedule,
	})
}

// handleConfigureAgent 以单帧完成智能体、函数与调度的创建。
// 中途失败时回滚已创建的智能体。
func (s *Server) handleConfigureAgent(ctx context.Context, conn *Conn, env *protocol.Envelope) error {
	var payload struct {
		agent.CreateSpec
		Functions []agent.FunctionSpec `json:"functions,omitempty"`
		Schedule  *agent.ScheduleSpec  `json:"schedule,omitempty"`
		AutoStart bool                 `json:"auto_start,omitempty"`
	}
	if err := protocol.DecodeData(env, &payload); err != nil {
		return err
	}

	ag, err := s.manager.Create(ctx, payload.CreateSpec)
	if err != nil {
		return err
	}
	rollback := func() {
		if removeErr := s.manager.Remove(ctx, ag.ID); removeErr != nil {
			logger.L().Warn("回滚 configure_agent 失败",
				slog.Any("error", removeErr),
				slog.String("agent_id", ag.ID),
			)
		}
	}

	for _, fnSpec := range payload.Functions {
		if _, err := s.manager.AddFunction(ctx, ag.ID, fnSpec); err != nil {
			rollback()
			return err
		}
	}
	if payload.Schedule != nil {
		if _, err := s.manager.SetSchedule(ctx, ag.ID, *payload.Schedule); err != nil {
			rollback()
			return err
		}
	}
	if payload.AutoStart {
		if _, err := s.manager.Start(ctx, ag.ID); err != nil {
			rollback()
			return err
		}
	}

	s.registry.Subscribe(ag.ID, conn)
	snapshot, err := s.manager.Get(ag.ID)
	if err != nil {
		return err
	}
	return s.reply(conn, protocol.ResponseType(protocol.TypeConfigureAgent), map[string]any{
		"success": true,
		"agent":   snapshot,
	})
}

func (s *Server) handleStart(ctx context.Context, conn *Conn, env *protocol.Envelope) error {
	agentID, err := s.agentID(env)
	if err != nil {
		return err
	}
	s.registry.Subscribe(agentID, conn)
	ag, err := s.manager.Start(ctx, agentID)
	if err != nil {
		return err
	}
	return s.reply(conn, protocol.ResponseType(protocol.TypeStartAgent), map[string]any{
		"success": true,
		"agent":   ag,
	})
}

func (s *Server) handleStop(ctx context.Context, conn *Conn, env *protocol.Envelope) error {
	agentID, err := s.agentID(env)
	if err != nil {
		return err
	}
	s.registry.Subscribe(agentID, conn)
	ag, err := s.manager.Stop(ctx, agentID)
	if err != nil {
		return err
	}
	return s.reply(conn, protocol.ResponseType(protocol.TypeStopAgent), map[string]any{
		"success": true,
		"agent":   ag,
	})
}

func (s *Server) handleRemove(ctx context.Context, conn *Conn, env *protocol.Envelope) error {
	agentID, err := s.agentID(env)
	if err != nil {
		return err
	}
	if err := s.manager.Remove(ctx, agentID); err != nil {
		return err
	}
	s.registry.DropSubscriptions(agentID)
	return s.reply(conn, protocol.ResponseType(protocol.TypeRemoveAgent), map[string]any{
		"success":  true,
		"agent_id": agentID,
	})
}

// handleExecute 发起一次手动执行并立即应答 started，
// 完成帧由执行管线异步推送给订阅方。
func (s *Server) handleExecute(ctx context.Context, conn *Conn, env *protocol.Envelope) error {
	var payload struct {
		AgentID  string         `json:"agent_id"`
		Function string         `json:"function,omitempty"`
		Args     map[string]any `json:"args,omitempty"`
	}
	if len(env.Data) > 0 {
		if err := protocol.DecodeData(env, &payload); err != nil {
			return err
		}
	}
	agentID := firstNonEmpty(env.AgentID, payload.AgentID)
	if agentID == "" {
		return xerrors.New(protocol.CodeBadRequest, "消息缺少 agent_id")
	}
	s.registry.Subscribe(agentID, conn)

	executionID, err := s.runner.Manual(ctx, agentID, payload.Function, payload.Args)
	if err != nil {
		return err
	}
	return s.reply(conn, protocol.TypeExecutionResponse, map[string]any{
		"success":      true,
		"status":       "started",
		"execution_id": executionID,
		"agent_id":     agentID,
		"trigger":      string(execution.TriggerManual),
	})
}

func (s *Server) handleGetAgent(conn *Conn, env *protocol.Envelope) error {
	agentID, err := s.agentID(env)
	if err != nil {
		return err
	}
	s.registry.Subscribe(agentID, conn)
	ag, err := s.manager.Get(agentID)
	if err != nil {
		return err
	}
	return s.reply(conn, protocol.ResponseType(protocol.TypeGetAgent), map[string]any{
		"success": true,
		"agent":   ag,
	})
}

func (s *Server) handleListAgents(conn *Conn) error {
	agents := s.manager.List()
	return s.reply(conn, protocol.ResponseType(protocol.TypeListAgents), map[string]any{
		"success": true,
		"agents":  agents,
		"count":   len(agents),
	})
}

func (s *Server) handleListExecutions(ctx context.Context, conn *Conn, env *protocol.Envelope) error {
	var payload struct {
		AgentID string `json:"agent_id"`
		Limit   int    `json:"limit,omitempty"`
	}
	if len(env.Data) > 0 {
		if err := protocol.DecodeData(env, &payload); err != nil {
			return err
		}
	}
	agentID := firstNonEmpty(env.AgentID, payload.AgentID)
	if agentID == "" {
		return xerrors.New(protocol.CodeBadRequest, "消息缺少 agent_id")
	}
	if _, err := s.manager.Get(agentID); err != nil {
		return err
	}
	s.registry.Subscribe(agentID, conn)

	records, err := s.records.ListRecords(ctx, agentID, payload.Limit)
	if err != nil {
		return err
	}
	return s.reply(conn, protocol.ResponseType(protocol.TypeListExecutions), map[string]any{
		"success":    true,
		"agent_id":   agentID,
		"executions": records,
		"count":      len(records),
	})
}

// agentID 从信封顶层或 data 中解析 agent_id。
func (s *Server) agentID(env *protocol.Envelope) (string, error) {
	if env.AgentID != "" {
		return env.AgentID, nil
	}
	var payload struct {
		AgentID string `json:"agent_id"`
	}
	if len(env.Data) > 0 {
		if err := protocol.DecodeData(env, &payload); err != nil {
			return "", err
		}
	}
	if payload.AgentID == "" {
		return "", xerrors.New(protocol.CodeBadRequest, "消息缺少 agent_id")
	}
	return payload.AgentID, nil
}

func (s *Server) reply(conn *Conn, messageType string, payload any) error {
	frame, err := protocol.Encode(messageType, payload)
	if err != nil {
		return err
	}
	conn.Send(frame)
	return nil
}

func (s *Server) sendError(conn *Conn, agentID string, err error) {
	frame, encodeErr := protocol.ErrorFrame(agentID, err)
	if encodeErr != nil {
		logger.L().Error("编码 error 帧失败", slog.Any("error", encodeErr))
		return
	}
	conn.Send(frame)
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}
