package gateway

import (
	"encoding/json"
	"testing"
	"time"

	"AgentFleet-Chain/internal/agent"
	"AgentFleet-Chain/internal/execution"
	"AgentFleet-Chain/internal/protocol"
)

func recvFrame(t *testing.T, conn *Conn) *protocol.Envelope {
	t.Helper()
	select {
	case frame := <-conn.send:
		env, err := protocol.Decode(frame)
		if err != nil {
			t.Fatalf("decode pushed frame: %v", err)
		}
		return env
	case <-time.After(time.Second):
		t.Fatal("no frame was pushed")
		return nil
	}
}

func assertNoFrame(t *testing.T, conn *Conn) {
	t.Helper()
	select {
	case frame := <-conn.send:
		t.Fatalf("unexpected frame: %s", frame)
	default:
	}
}

func TestBroadcastReachesSubscribersOnly(t *testing.T) {
	r := NewRegistry()
	a := newConn("conn-a", nil)
	b := newConn("conn-b", nil)
	r.Add(a)
	r.Add(b)
	r.Subscribe("agent-1", a)
	r.Subscribe("agent-2", b)

	r.Broadcast("agent-1", []byte(`{"type":"log"}`))

	if env := recvFrame(t, a); env.Type != protocol.TypeLog {
		t.Fatalf("unexpected frame type %s", env.Type)
	}
	assertNoFrame(t, b)
}

func TestSubscribeIsIdempotent(t *testing.T) {
	r := NewRegistry()
	conn := newConn("conn-a", nil)
	r.Add(conn)
	r.Subscribe("agent-1", conn)
	r.Subscribe("agent-1", conn)

	r.Broadcast("agent-1", []byte(`{"type":"log"}`))

	recvFrame(t, conn)
	assertNoFrame(t, conn)
}

func TestRemoveClearsSubscriptions(t *testing.T) {
	r := NewRegistry()
	conn := newConn("conn-a", nil)
	r.Add(conn)
	r.Subscribe("agent-1", conn)

	r.Remove(conn.ID())
	if r.Count() != 0 {
		t.Fatalf("expected no live connections, got %d", r.Count())
	}

	r.Broadcast("agent-1", []byte(`{"type":"log"}`))
	assertNoFrame(t, conn)
}

func TestDropSubscriptionsSilencesAgent(t *testing.T) {
	r := NewRegistry()
	conn := newConn("conn-a", nil)
	r.Add(conn)
	r.Subscribe("agent-1", conn)
	r.Subscribe("agent-2", conn)

	r.DropSubscriptions("agent-1")

	r.Broadcast("agent-1", []byte(`{"type":"log"}`))
	assertNoFrame(t, conn)

	r.Broadcast("agent-2", []byte(`{"type":"log"}`))
	recvFrame(t, conn)
}

func TestStatusChangedBroadcastsAgentStatus(t *testing.T) {
	r := NewRegistry()
	conn := newConn("conn-a", nil)
	r.Add(conn)
	r.Subscribe("agent-1", conn)

	r.StatusChanged("agent-1", agent.StatusError, map[string]any{"reason": "consecutive failures"})

	env := recvFrame(t, conn)
	if env.Type != protocol.TypeAgentStatus {
		t.Fatalf("expected agent_status frame, got %s", env.Type)
	}
	var payload map[string]any
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload["agent_id"] != "agent-1" || payload["status"] != string(agent.StatusError) {
		t.Fatalf("unexpected payload: %v", payload)
	}
	if payload["reason"] != "consecutive failures" {
		t.Fatalf("detail fields missing: %v", payload)
	}
}

func TestExecutionStartedSuppressesManualTrigger(t *testing.T) {
	r := NewRegistry()
	conn := newConn("conn-a", nil)
	r.Add(conn)
	r.Subscribe("agent-1", conn)

	r.ExecutionStarted(&execution.Record{
		ID:      "exec-1",
		AgentID: "agent-1",
		Trigger: execution.TriggerManual,
		Status:  execution.StatusStarted,
	})
	assertNoFrame(t, conn)

	r.ExecutionStarted(&execution.Record{
		ID:      "exec-2",
		AgentID: "agent-1",
		Trigger: execution.TriggerScheduled,
		Status:  execution.StatusStarted,
	})
	env := recvFrame(t, conn)
	if env.Type != protocol.TypeExecutionResponse {
		t.Fatalf("expected execution_response frame, got %s", env.Type)
	}
	var payload map[string]any
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload["status"] != "started" || payload["execution_id"] != "exec-2" {
		t.Fatalf("unexpected payload: %v", payload)
	}
}

func TestExecutionFinishedPayloadShapes(t *testing.T) {
	r := NewRegistry()
	conn := newConn("conn-a", nil)
	r.Add(conn)
	r.Subscribe("agent-1", conn)

	// 失败按 completed 上报，success=false 并携带错误信息。
	r.ExecutionFinished(&execution.Record{
		ID:         "exec-1",
		AgentID:    "agent-1",
		Trigger:    execution.TriggerScheduled,
		Status:     execution.StatusFailed,
		Error:      "execution reverted",
		ErrorCode:  "CHAIN_CALL_REVERTED",
		FinishedAt: time.Now().Unix(),
		DurationMS: 120,
	})
	env := recvFrame(t, conn)
	var payload map[string]any
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload["status"] != "completed" {
		t.Fatalf("failed execution must report completed, got %v", payload["status"])
	}
	if payload["success"] != false {
		t.Fatalf("expected success=false, got %v", payload["success"])
	}
	if payload["error_code"] != "CHAIN_CALL_REVERTED" {
		t.Fatalf("error code missing: %v", payload)
	}

	// 跳过同样按 completed 上报，skipped=true。
	r.ExecutionFinished(&execution.Record{
		ID:        "exec-2",
		AgentID:   "agent-1",
		Trigger:   execution.TriggerScheduled,
		Status:    execution.StatusSkipped,
		Reasoning: "nothing to do",
	})
	env = recvFrame(t, conn)
	payload = map[string]any{}
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload["status"] != "completed" || payload["skipped"] != true || payload["success"] != true {
		t.Fatalf("unexpected skip payload: %v", payload)
	}
}
