package protocol

import (
	"encoding/json"
	"errors"
	"testing"

	xerrors "AgentFleet-Chain/internal/errors"
)

func TestDecodeMalformedFrame(t *testing.T) {
	for _, raw := range []string{
		"not json",
		`{"type": 42}`,
		`{"type": "execute"`,
	} {
		if _, err := Decode([]byte(raw)); !errors.Is(err, ErrMalformed) {
			t.Fatalf("expected malformed error for %q, got %v", raw, err)
		}
	}
}

func TestDecodeMissingTypeIsBadRequest(t *testing.T) {
	_, err := Decode([]byte(`{"data": {"agent_id": "a-1"}}`))
	if errors.Is(err, ErrMalformed) {
		t.Fatal("missing type must not close the connection")
	}
	if xerrors.CodeOf(err) != CodeBadRequest {
		t.Fatalf("expected bad request, got %v", err)
	}
}

func TestDecodeValidEnvelope(t *testing.T) {
	env, err := Decode([]byte(`{"type":"start_agent","agent_id":"a-1","data":{"agent_id":"a-1"}}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Type != TypeStartAgent || env.AgentID != "a-1" {
		t.Fatalf("unexpected envelope: %+v", env)
	}
}

func TestCanonicalFoldsLegacyAlias(t *testing.T) {
	canonical, ok := Canonical(TypeWebsocketExecution)
	if !ok || canonical != TypeExecute {
		t.Fatalf("expected alias to fold into execute, got %q %v", canonical, ok)
	}
	if _, ok := Canonical("self_destruct"); ok {
		t.Fatal("unknown type must not be canonicalized")
	}
}

func TestResponseType(t *testing.T) {
	if got := ResponseType(TypeCreateAgent); got != "create_agent_response" {
		t.Fatalf("unexpected response type %q", got)
	}
	if got := ResponseType(TypeExecute); got != TypeExecutionResponse {
		t.Fatalf("execute must answer with execution_response, got %q", got)
	}
	if got := ResponseType(TypeWebsocketExecution); got != TypeExecutionResponse {
		t.Fatalf("alias must answer with execution_response, got %q", got)
	}
}

func TestErrorFrameCarriesCode(t *testing.T) {
	frame, err := ErrorFrame("a-1", xerrors.New(CodeBadRequest, "bad payload"))
	if err != nil {
		t.Fatalf("error frame: %v", err)
	}

	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	if env.Type != TypeError {
		t.Fatalf("expected error frame, got %s", env.Type)
	}

	var payload ErrorPayload
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.Success || payload.Code != string(CodeBadRequest) || payload.AgentID != "a-1" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	frame, err := Encode(TypeAgentStatus, map[string]any{"agent_id": "a-1", "status": "running"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	env, err := Decode(frame)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Type != TypeAgentStatus {
		t.Fatalf("unexpected type %s", env.Type)
	}
}
