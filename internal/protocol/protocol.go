// Package protocol 实现控制通道的消息编解码。
// 线缆格式为 JSON 信封 {"type": <string>, "data": <object>}，
// 每个 WebSocket 帧承载一条消息。本包无状态。
package protocol

import (
	"encoding/json"
	"strings"

	xerrors "AgentFleet-Chain/internal/errors"
)

// 入站消息类型。
const (
	TypeCreateAgent    = "create_agent"
	TypeCreateFunction = "create_function"
	TypeCreateSchedule = "create_schedule"
	TypeConfigureAgent = "configure_agent"
	TypeStartAgent     = "start_agent"
	TypeStopAgent      = "stop_agent"
	TypeRemoveAgent    = "remove_agent"
	TypeExecute        = "execute"
	TypeGetAgent       = "get_agent"
	TypeListAgents     = "list_agents"
	TypeListExecutions = "list_executions"

	// TypeWebsocketExecution 是 execute 的历史别名，仅入站接受。
	TypeWebsocketExecution = "websocket_execution"
)

// 出站消息类型。应答类型统一为 <入站类型>_response，
// 另有三类异步推送。
const (
	TypeExecutionResponse = "execution_response"
	TypeAgentStatus       = "agent_status"
	TypeError             = "error"
	TypeLog               = "log"
)

// 协议层错误码。
const (
	// CodeMalformed 表示帧完全无法解码，连接应当关闭。
	CodeMalformed xerrors.Code = "PROTOCOL_MALFORMED_FRAME"
	// CodeUnknownType 表示消息类型不在支持的集合内。
	CodeUnknownType xerrors.Code = "PROTOCOL_UNKNOWN_TYPE"
	// CodeBadRequest 表示信封可解码但内容不合法。
	CodeBadRequest xerrors.Code = "PROTOCOL_BAD_REQUEST"
)

func init() {
	xerrors.Register(CodeMalformed, xerrors.Attributes{
		Message:   "frame is not decodable",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeUnknownType, xerrors.Attributes{
		Message:   "unknown message type",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeBadRequest, xerrors.Attributes{
		Message:   "request payload is invalid",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}

// ErrMalformed 表示帧结构完全不可解码。
var ErrMalformed = xerrors.New(CodeMalformed, "frame is not decodable")

// Envelope 是线缆上的消息信封。
// AgentID 既可出现在信封顶层，也可出现在 data 内部。
type Envelope struct {
	Type    string          `json:"type"`
	Data    json.RawMessage `json:"data,omitempty"`
	AgentID string          `json:"agent_id,omitempty"`
}

// inboundTypes 是支持的入站消息类型集合（含别名）。
var inboundTypes = map[string]string{
	TypeCreateAgent:        TypeCreateAgent,
	TypeCreateFunction:     TypeCreateFunction,
	TypeCreateSchedule:     TypeCreateSchedule,
	TypeConfigureAgent:     TypeConfigureAgent,
	TypeStartAgent:         TypeStartAgent,
	TypeStopAgent:          TypeStopAgent,
	TypeRemoveAgent:        TypeRemoveAgent,
	TypeExecute:            TypeExecute,
	TypeGetAgent:           TypeGetAgent,
	TypeListAgents:         TypeListAgents,
	TypeListExecutions:     TypeListExecutions,
	TypeWebsocketExecution: TypeExecute,
}

// Decode 解析一帧。返回 ErrMalformed 时调用方应关闭连接；
// 其余错误仅代表该帧不合法，以 error 帧应答即可。
func Decode(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, ErrMalformed
	}
	if strings.TrimSpace(env.Type) == "" {
		return nil, xerrors.New(CodeBadRequest, "消息缺少 type 字段")
	}
	return &env, nil
}

// Canonical 把入站类型规约为标准类型，别名在此折叠。
// 未知类型返回 false。
func Canonical(messageType string) (string, bool) {
	canonical, ok := inboundTypes[messageType]
	return canonical, ok
}

// ResponseType 返回入站类型对应的应答类型。
// execute 的应答是异步的 execution_response。
func ResponseType(requestType string) string {
	if requestType == TypeExecute || requestType == TypeWebsocketExecution {
		return TypeExecutionResponse
	}
	return requestType + "_response"
}

// DecodeData 将信封的 data 解码到目标结构。
func DecodeData(env *Envelope, target any) error {
	if len(env.Data) == 0 {
		return xerrors.New(CodeBadRequest, "消息缺少 data 字段")
	}
	if err := json.Unmarshal(env.Data, target); err != nil {
		return xerrors.Wrap(CodeBadRequest, err, "解析 data 失败")
	}
	return nil
}

// Encode 序列化一个出站信封。
func Encode(messageType string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, xerrors.Wrap(CodeBadRequest, err, "序列化应答失败")
	}
	return json.Marshal(Envelope{Type: messageType, Data: data})
}

// ErrorPayload 是 error 帧的 data 内容。
type ErrorPayload struct {
	Success bool   `json:"success"`
	Code    string `json:"code"`
	Message string `json:"message"`
	AgentID string `json:"agent_id,omitempty"`
}

// ErrorFrame 根据统一错误构造 error 帧。
func ErrorFrame(agentID string, err error) ([]byte, error) {
	payload := ErrorPayload{
		Success: false,
		Code:    string(xerrors.CodeOf(err)),
		Message: err.Error(),
		AgentID: agentID,
	}
	return Encode(TypeError, payload)
}
