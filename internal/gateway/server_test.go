package gateway

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"AgentFleet-Chain/internal/agent"
	"AgentFleet-Chain/internal/execution"
	"AgentFleet-Chain/internal/oracle"
	"AgentFleet-Chain/internal/protocol"
	"AgentFleet-Chain/internal/scheduler"
	"AgentFleet-Chain/internal/store"
	"AgentFleet-Chain/internal/web3"
)

type stubChainClient struct{}

func (stubChainClient) ReadContract(_ context.Context, _ web3.CallRequest) (web3.CallResult, error) {
	return web3.CallResult{Outputs: []any{"1"}}, nil
}

func (stubChainClient) WriteContract(_ context.Context, _ web3.CallRequest) (web3.CallResult, error) {
	return web3.CallResult{TxHash: "0xstub"}, nil
}

func (stubChainClient) FetchChainSnapshot(_ context.Context) (web3.ChainSnapshot, error) {
	return web3.ChainSnapshot{ChainID: "0x1", BlockNumber: "0x10"}, nil
}

func (stubChainClient) Close() {}

type stubChains struct{}

func (stubChains) Client(_ string) (web3.Client, error) {
	return stubChainClient{}, nil
}

// gatewayStack 暴露网关背后的内存组件，供测试在连接之外直接观测状态。
type gatewayStack struct {
	url      string
	manager  *agent.Manager
	sched    *scheduler.Scheduler
	registry *Registry
}

// newGatewayStack wires a complete in-memory stack behind the gateway.
func newGatewayStack(t *testing.T) *gatewayStack {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	mem := store.NewMemoryStore()
	registry := NewRegistry()
	manager := agent.NewManager(
		agent.WithRepository(mem),
		agent.WithStatusNotifier(registry),
	)
	pipeline := execution.NewPipeline(stubChains{}, oracle.StaticClient{}, mem,
		execution.WithBroadcaster(registry))
	runner := execution.NewRunner(manager, pipeline)
	sched := scheduler.New(runner.Run)
	manager.BindTrigger(sched)
	runner.BindDispatcher(sched)
	sched.Start(ctx)

	server := NewServer("127.0.0.1:0", manager, runner, mem, registry)
	httpSrv := httptest.NewServer(server.Handler())
	t.Cleanup(httpSrv.Close)

	return &gatewayStack{
		url:      "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/ws",
		manager:  manager,
		sched:    sched,
		registry: registry,
	}
}

func (g *gatewayStack) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(g.url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

// dialTestServer returns a connected control-channel client against a
// fresh stack.
func dialTestServer(t *testing.T) *websocket.Conn {
	return newGatewayStack(t).dial(t)
}

func send(t *testing.T, ws *websocket.Conn, frameType string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	frame, _ := json.Marshal(protocol.Envelope{Type: frameType, Data: data})
	if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

// recv reads the next frame, skipping agent_status and log pushes that
// interleave with request responses on a subscribed connection.
func recv(t *testing.T, ws *websocket.Conn) (*protocol.Envelope, map[string]any) {
	t.Helper()
	for {
		_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, raw, err := ws.ReadMessage()
		if err != nil {
			t.Fatalf("read frame: %v", err)
		}
		env, err := protocol.Decode(raw)
		if err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		if env.Type == protocol.TypeAgentStatus || env.Type == protocol.TypeLog {
			continue
		}
		payload := map[string]any{}
		if len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, &payload); err != nil {
				t.Fatalf("decode payload: %v", err)
			}
		}
		return env, payload
	}
}

func roundTrip(t *testing.T, ws *websocket.Conn, frameType string, payload any) map[string]any {
	t.Helper()
	send(t, ws, frameType, payload)
	env, data := recv(t, ws)
	if env.Type == protocol.TypeError {
		t.Fatalf("%s failed: %v", frameType, data)
	}
	if env.Type != protocol.ResponseType(frameType) {
		t.Fatalf("expected %s, got %s", protocol.ResponseType(frameType), env.Type)
	}
	return data
}

func provisionAgent(t *testing.T, ws *websocket.Conn) string {
	t.Helper()
	data := roundTrip(t, ws, protocol.TypeCreateAgent, map[string]any{
		"name":             "keeper",
		"owner":            "0x00000000000000000000000000000000000000aa",
		"contract_address": "0x00000000000000000000000000000000000000bb",
		"chain":            "sepolia",
		"abi":              json.RawMessage(`[{"type":"function","name":"poke","inputs":[]}]`),
	})
	ag, ok := data["agent"].(map[string]any)
	if !ok {
		t.Fatalf("response carries no agent: %v", data)
	}
	agentID, _ := ag["agent_id"].(string)
	if agentID == "" {
		t.Fatalf("agent has no id: %v", ag)
	}

	roundTrip(t, ws, protocol.TypeCreateFunction, map[string]any{
		"agent_id":  agentID,
		"name":      "poke",
		"signature": "poke()",
		"direction": "read",
		"enabled":   true,
	})
	roundTrip(t, ws, protocol.TypeCreateSchedule, map[string]any{
		"agent_id":         agentID,
		"kind":             "interval",
		"interval_seconds": 3600,
		"active":           true,
	})
	return agentID
}

func TestGatewayAgentLifecycle(t *testing.T) {
	ws := dialTestServer(t)
	agentID := provisionAgent(t, ws)

	data := roundTrip(t, ws, protocol.TypeStartAgent, map[string]any{"agent_id": agentID})
	ag := data["agent"].(map[string]any)
	if ag["status"] != string(agent.StatusRunning) {
		t.Fatalf("expected running agent, got %v", ag["status"])
	}

	data = roundTrip(t, ws, protocol.TypeGetAgent, map[string]any{"agent_id": agentID})
	ag = data["agent"].(map[string]any)
	if ag["status"] != string(agent.StatusRunning) {
		t.Fatalf("get_agent disagrees: %v", ag["status"])
	}

	data = roundTrip(t, ws, protocol.TypeListAgents, map[string]any{})
	if count, _ := data["count"].(float64); count != 1 {
		t.Fatalf("expected one agent, got %v", data["count"])
	}

	roundTrip(t, ws, protocol.TypeStopAgent, map[string]any{"agent_id": agentID})
	roundTrip(t, ws, protocol.TypeRemoveAgent, map[string]any{"agent_id": agentID})

	send(t, ws, protocol.TypeGetAgent, map[string]any{"agent_id": agentID})
	env, payload := recv(t, ws)
	if env.Type != protocol.TypeError {
		t.Fatalf("expected error frame after removal, got %s", env.Type)
	}
	if payload["code"] != string(agent.CodeAgentNotFound) {
		t.Fatalf("unexpected error code %v", payload["code"])
	}
}

func TestGatewayManualExecution(t *testing.T) {
	ws := dialTestServer(t)
	agentID := provisionAgent(t, ws)
	roundTrip(t, ws, protocol.TypeStartAgent, map[string]any{"agent_id": agentID})

	send(t, ws, protocol.TypeExecute, map[string]any{
		"agent_id": agentID,
		"function": "poke",
	})

	// The started acknowledgement and the asynchronous completion push
	// both arrive as execution_response frames, in either order.
	var executionID string
	var sawStarted, sawCompleted bool
	for i := 0; i < 2; i++ {
		env, payload := recv(t, ws)
		if env.Type != protocol.TypeExecutionResponse {
			t.Fatalf("unexpected frame %s: %v", env.Type, payload)
		}
		switch payload["status"] {
		case "started":
			sawStarted = true
			executionID, _ = payload["execution_id"].(string)
		case "completed":
			sawCompleted = true
			if payload["success"] != true {
				t.Fatalf("execution failed: %v", payload)
			}
		default:
			t.Fatalf("unexpected execution status %v", payload["status"])
		}
	}
	if !sawStarted || !sawCompleted {
		t.Fatal("missing started acknowledgement or completion push")
	}
	if executionID == "" {
		t.Fatal("started acknowledgement carries no execution id")
	}

	data := roundTrip(t, ws, protocol.TypeListExecutions, map[string]any{"agent_id": agentID})
	executions, _ := data["executions"].([]any)
	if len(executions) != 1 {
		t.Fatalf("expected one execution record, got %d", len(executions))
	}
	rec := executions[0].(map[string]any)
	if rec["execution_id"] != executionID {
		t.Fatalf("record id %v does not match acknowledgement %s", rec["execution_id"], executionID)
	}
}

func TestGatewayDisconnectLeavesAgentRunning(t *testing.T) {
	stack := newGatewayStack(t)
	ws := stack.dial(t)
	agentID := provisionAgent(t, ws)
	roundTrip(t, ws, protocol.TypeStartAgent, map[string]any{"agent_id": agentID})

	dueBefore, ok := stack.sched.NextDue(agentID)
	if !ok {
		t.Fatal("started agent has no scheduled due time")
	}

	_ = ws.Close()
	deadline := time.Now().Add(2 * time.Second)
	for stack.registry.Count() > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if stack.registry.Count() != 0 {
		t.Fatal("connection was not unregistered after close")
	}

	ag, err := stack.manager.Get(agentID)
	if err != nil {
		t.Fatalf("get agent after disconnect: %v", err)
	}
	if ag.Status != agent.StatusRunning {
		t.Fatalf("disconnect changed agent status to %s", ag.Status)
	}
	if ag.Schedule == nil {
		t.Fatal("disconnect dropped the schedule")
	}
	dueAfter, ok := stack.sched.NextDue(agentID)
	if !ok {
		t.Fatal("agent fell out of the scheduler after disconnect")
	}
	if !dueAfter.Equal(dueBefore) {
		t.Fatalf("disconnect moved the due time: %v -> %v", dueBefore, dueAfter)
	}

	// A fresh connection still sees the agent running headless.
	ws2 := stack.dial(t)
	data := roundTrip(t, ws2, protocol.TypeGetAgent, map[string]any{"agent_id": agentID})
	if status := data["agent"].(map[string]any)["status"]; status != string(agent.StatusRunning) {
		t.Fatalf("agent no longer running after reconnect: %v", status)
	}
}

func TestGatewayStartWithoutScheduleFails(t *testing.T) {
	ws := dialTestServer(t)
	data := roundTrip(t, ws, protocol.TypeCreateAgent, map[string]any{
		"name":             "bare",
		"owner":            "0x00000000000000000000000000000000000000aa",
		"contract_address": "0x00000000000000000000000000000000000000bb",
		"abi":              json.RawMessage(`[{"type":"function","name":"poke","inputs":[]}]`),
	})
	agentID := data["agent"].(map[string]any)["agent_id"].(string)

	send(t, ws, protocol.TypeStartAgent, map[string]any{"agent_id": agentID})
	env, payload := recv(t, ws)
	if env.Type != protocol.TypeError {
		t.Fatalf("expected error frame, got %s", env.Type)
	}
	if payload["code"] != string(agent.CodeAgentPrecondition) {
		t.Fatalf("unexpected error code %v", payload["code"])
	}
}

func TestGatewayUnknownTypeAnswersError(t *testing.T) {
	ws := dialTestServer(t)

	send(t, ws, "self_destruct", map[string]any{})
	env, payload := recv(t, ws)
	if env.Type != protocol.TypeError {
		t.Fatalf("expected error frame, got %s", env.Type)
	}
	if payload["code"] != string(protocol.CodeUnknownType) {
		t.Fatalf("unexpected error code %v", payload["code"])
	}
}

func TestGatewayMalformedFrameClosesConnection(t *testing.T) {
	ws := dialTestServer(t)

	if err := ws.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := ws.ReadMessage(); err == nil {
		t.Fatal("expected the server to close the connection")
	}
}

func TestGatewayWebsocketExecutionAlias(t *testing.T) {
	ws := dialTestServer(t)
	agentID := provisionAgent(t, ws)
	roundTrip(t, ws, protocol.TypeStartAgent, map[string]any{"agent_id": agentID})

	send(t, ws, protocol.TypeWebsocketExecution, map[string]any{
		"agent_id": agentID,
		"function": "poke",
	})
	env, payload := recv(t, ws)
	if env.Type != protocol.TypeExecutionResponse {
		t.Fatalf("alias did not reach the execute handler: %s %v", env.Type, payload)
	}
}
