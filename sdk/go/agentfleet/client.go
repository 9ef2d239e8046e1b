// Package agentfleet provides a Go client for the AgentFleet control
// channel. All interactions happen over a single WebSocket connection
// carrying JSON envelopes of the form {"type": ..., "data": ...}.
package agentfleet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// DefaultDialTimeout bounds the WebSocket handshake when the caller does
// not provide a deadline through the context.
const DefaultDialTimeout = 15 * time.Second

// eventBuffer is the number of unsolicited pushes retained before the
// oldest ones are dropped.
const eventBuffer = 256

// APIError represents an error frame returned by the server.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	AgentID string `json:"agent_id,omitempty"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.AgentID != "" {
		return fmt.Sprintf("agentfleet api error %s (agent %s): %s", e.Code, e.AgentID, e.Message)
	}
	return fmt.Sprintf("agentfleet api error %s: %s", e.Code, e.Message)
}

// Event is an unsolicited push from the server: execution results for
// subscribed agents, agent status transitions, or server log lines.
type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// ValidationRule constrains the values accepted for a parameter.
type ValidationRule struct {
	Required bool     `json:"required,omitempty"`
	Min      *float64 `json:"min,omitempty"`
	Max      *float64 `json:"max,omitempty"`
	Pattern  string   `json:"pattern,omitempty"`
}

// Param mirrors a declared function parameter.
type Param struct {
	Name    string          `json:"name"`
	Type    string          `json:"type"`
	Default *string         `json:"default,omitempty"`
	Rules   *ValidationRule `json:"rules,omitempty"`
}

// Function mirrors a contract function bound to an agent.
type Function struct {
	ID        string          `json:"function_id,omitempty"`
	AgentID   string          `json:"agent_id,omitempty"`
	Name      string          `json:"name"`
	Signature string          `json:"signature"`
	Direction string          `json:"direction"`
	Enabled   bool            `json:"enabled"`
	Params    []Param         `json:"params,omitempty"`
	ABI       json.RawMessage `json:"abi,omitempty"`
}

// Schedule mirrors an agent schedule.
type Schedule struct {
	ID              string `json:"schedule_id,omitempty"`
	AgentID         string `json:"agent_id,omitempty"`
	Kind            string `json:"kind"`
	IntervalSeconds int64  `json:"interval_seconds,omitempty"`
	CronExpr        string `json:"cron_expr,omitempty"`
	Active          bool   `json:"active"`
}

// Agent is the server-side snapshot of an agent.
type Agent struct {
	ID              string          `json:"agent_id"`
	Name            string          `json:"name"`
	Description     string          `json:"description,omitempty"`
	Owner           string          `json:"owner"`
	ContractAddress string          `json:"contract_address"`
	Chain           string          `json:"chain,omitempty"`
	ABI             json.RawMessage `json:"abi,omitempty"`
	Status          string          `json:"status"`
	Functions       []Function      `json:"functions,omitempty"`
	Schedule        *Schedule       `json:"schedule,omitempty"`
	NextDueAt       int64           `json:"next_due_at,omitempty"`
	CreatedAt       int64           `json:"created_at"`
	UpdatedAt       int64           `json:"updated_at"`
}

// ExecutionRecord is one persisted execution outcome.
type ExecutionRecord struct {
	ID           string         `json:"execution_id"`
	AgentID      string         `json:"agent_id"`
	Trigger      string         `json:"trigger"`
	Status       string         `json:"status"`
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

// CreateAgentRequest carries the fields accepted by create_agent.
type CreateAgentRequest struct {
	Name            string          `json:"name"`
	Description     string          `json:"description,omitempty"`
	Owner           string          `json:"owner"`
	ContractAddress string          `json:"contract_address"`
	Chain           string          `json:"chain,omitempty"`
	ABI             json.RawMessage `json:"abi"`
	GasLimit        string          `json:"gas_limit,omitempty"`
	MaxPriorityFee  string          `json:"max_priority_fee,omitempty"`
}

// FunctionRequest carries the fields accepted by create_function.
type FunctionRequest struct {
	Name      string          `json:"name"`
	Signature string          `json:"signature"`
	Direction string          `json:"direction"`
	Enabled   bool            `json:"enabled"`
	Params    []Param         `json:"params,omitempty"`
	ABI       json.RawMessage `json:"abi,omitempty"`
}

// ScheduleRequest carries the fields accepted by create_schedule.
type ScheduleRequest struct {
	Kind            string `json:"kind"`
	IntervalSeconds int64  `json:"interval_seconds,omitempty"`
	CronExpr        string `json:"cron_expr,omitempty"`
	Active          bool   `json:"active"`
}

// ConfigureAgentRequest provisions an agent, its functions and its
// schedule in a single round trip.
type ConfigureAgentRequest struct {
	CreateAgentRequest
	Functions []FunctionRequest `json:"functions,omitempty"`
	Schedule  *ScheduleRequest  `json:"schedule,omitempty"`
	AutoStart bool              `json:"auto_start,omitempty"`
}

type envelope struct {
	Type    string          `json:"type"`
	Data    json.RawMessage `json:"data,omitempty"`
	AgentID string          `json:"agent_id,omitempty"`
}

// Client is a control-channel client. Request methods are safe for
// concurrent use; they are serialized over the underlying connection.
type Client struct {
	ws     *websocket.Conn
	events chan Event

	reqMu sync.Mutex // one request in flight at a time

	mu       sync.Mutex
	waiting  chan envelope // response channel of the in-flight request
	wantType string        // response type the in-flight request expects
	closed   bool
	readErr error
	done    chan struct{}
}

// Dial connects to a server control endpoint, e.g.
// "ws://localhost:8080/ws".
func Dial(ctx context.Context, rawURL string) (*Client, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultDialTimeout)
		defer cancel()
	}

	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, rawURL, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", rawURL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", rawURL, err)
	}

	c := &Client{
		ws:     ws,
		events: make(chan Event, eventBuffer),
		done:   make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Events returns the stream of unsolicited pushes. The channel is closed
// when the connection terminates. Slow consumers lose the oldest events.
func (c *Client) Events() <-chan Event {
	return c.events
}

// Close terminates the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.ws.Close()
}

// CreateAgent registers a new agent.
func (c *Client) CreateAgent(ctx context.Context, req CreateAgentRequest) (*Agent, error) {
	var out struct {
		Agent *Agent `json:"agent"`
	}
	if err := c.request(ctx, "create_agent", req, "create_agent_response", &out); err != nil {
		return nil, err
	}
	return out.Agent, nil
}

// CreateFunction binds a contract function to an agent.
func (c *Client) CreateFunction(ctx context.Context, agentID string, req FunctionRequest) (*Function, error) {
	payload := struct {
		AgentID string `json:"agent_id"`
		FunctionRequest
	}{AgentID: agentID, FunctionRequest: req}
	var out struct {
		Function *Function `json:"function"`
	}
	if err := c.request(ctx, "create_function", payload, "create_function_response", &out); err != nil {
		return nil, err
	}
	return out.Function, nil
}

// CreateSchedule sets or replaces an agent schedule.
func (c *Client) CreateSchedule(ctx context.Context, agentID string, req ScheduleRequest) (*Schedule, error) {
	payload := struct {
		AgentID string `json:"agent_id"`
		ScheduleRequest
	}{AgentID: agentID, ScheduleRequest: req}
	var out struct {
		Schedule *Schedule `json:"schedule"`
	}
	if err := c.request(ctx, "create_schedule", payload, "create_schedule_response", &out); err != nil {
		return nil, err
	}
	return out.Schedule, nil
}

// ConfigureAgent provisions an agent, functions and schedule at once.
func (c *Client) ConfigureAgent(ctx context.Context, req ConfigureAgentRequest) (*Agent, error) {
	var out struct {
		Agent *Agent `json:"agent"`
	}
	if err := c.request(ctx, "configure_agent", req, "configure_agent_response", &out); err != nil {
		return nil, err
	}
	return out.Agent, nil
}

// StartAgent transitions an agent into the running state.
func (c *Client) StartAgent(ctx context.Context, agentID string) (*Agent, error) {
	return c.agentOp(ctx, "start_agent", agentID)
}

// StopAgent halts scheduling for an agent.
func (c *Client) StopAgent(ctx context.Context, agentID string) (*Agent, error) {
	return c.agentOp(ctx, "stop_agent", agentID)
}

// RemoveAgent deletes a stopped agent and its configuration.
func (c *Client) RemoveAgent(ctx context.Context, agentID string) error {
	return c.request(ctx, "remove_agent", agentRef{AgentID: agentID}, "remove_agent_response", nil)
}

// Execute triggers a manual execution. The returned execution ID can be
// matched against the asynchronous execution_response completion push.
func (c *Client) Execute(ctx context.Context, agentID, function string, args map[string]any) (string, error) {
	payload := struct {
		AgentID  string         `json:"agent_id"`
		Function string         `json:"function,omitempty"`
		Args     map[string]any `json:"args,omitempty"`
	}{AgentID: agentID, Function: function, Args: args}
	var out struct {
		ExecutionID string `json:"execution_id"`
	}
	if err := c.request(ctx, "execute", payload, "execution_response", &out); err != nil {
		return "", err
	}
	return out.ExecutionID, nil
}

// GetAgent fetches a single agent snapshot.
func (c *Client) GetAgent(ctx context.Context, agentID string) (*Agent, error) {
	return c.agentOp(ctx, "get_agent", agentID)
}

// ListAgents fetches all registered agents.
func (c *Client) ListAgents(ctx context.Context) ([]Agent, error) {
	var out struct {
		Agents []Agent `json:"agents"`
	}
	if err := c.request(ctx, "list_agents", struct{}{}, "list_agents_response", &out); err != nil {
		return nil, err
	}
	return out.Agents, nil
}

// ListExecutions fetches the most recent execution records of an agent,
// newest first. A non-positive limit uses the server default.
func (c *Client) ListExecutions(ctx context.Context, agentID string, limit int) ([]ExecutionRecord, error) {
	payload := struct {
		AgentID string `json:"agent_id"`
		Limit   int    `json:"limit,omitempty"`
	}{AgentID: agentID, Limit: limit}
	var out struct {
		Executions []ExecutionRecord `json:"executions"`
	}
	if err := c.request(ctx, "list_executions", payload, "list_executions_response", &out); err != nil {
		return nil, err
	}
	return out.Executions, nil
}

type agentRef struct {
	AgentID string `json:"agent_id"`
}

func (c *Client) agentOp(ctx context.Context, reqType, agentID string) (*Agent, error) {
	var out struct {
		Agent *Agent `json:"agent"`
	}
	if err := c.request(ctx, reqType, agentRef{AgentID: agentID}, reqType+"_response", &out); err != nil {
		return nil, err
	}
	return out.Agent, nil
}

// request performs one request/response round trip. The server answers
// frames on a connection in order, so a single waiter slot suffices.
func (c *Client) request(ctx context.Context, reqType string, payload any, wantType string, out any) error {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	frame, err := json.Marshal(envelope{Type: reqType, Data: data})
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}

	waiter := make(chan envelope, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("agentfleet: connection is closed")
	}
	c.waiting = waiter
	c.wantType = wantType
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.waiting = nil
		c.wantType = ""
		c.mu.Unlock()
	}()

	if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("write request: %w", err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		c.mu.Lock()
		readErr := c.readErr
		c.mu.Unlock()
		if readErr != nil {
			return fmt.Errorf("connection lost: %w", readErr)
		}
		return errors.New("agentfleet: connection is closed")
	case env := <-waiter:
		if env.Type == "error" {
			apiErr := &APIError{}
			if err := json.Unmarshal(env.Data, apiErr); err != nil {
				return fmt.Errorf("decode error frame: %w", err)
			}
			return apiErr
		}
		if env.Type != wantType {
			return fmt.Errorf("unexpected response type %s (want %s)", env.Type, wantType)
		}
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	}
}

// readLoop routes incoming frames either to the in-flight request waiter
// or to the event stream.
func (c *Client) readLoop() {
	defer func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.done)
		close(c.events)
		_ = c.ws.Close()
	}()

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			c.mu.Lock()
			c.readErr = err
			c.mu.Unlock()
			return
		}

		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			continue
		}

		c.mu.Lock()
		waiter := c.waiting
		wantType := c.wantType
		c.mu.Unlock()
		if waiter != nil && resolves(env, wantType) {
			select {
			case waiter <- env:
				continue
			default:
			}
		}

		select {
		case c.events <- Event{Type: env.Type, Data: env.Data}:
		default:
			// Drop the oldest buffered event instead of blocking reads.
			select {
			case <-c.events:
			default:
			}
			select {
			case c.events <- Event{Type: env.Type, Data: env.Data}:
			default:
			}
		}
	}
}

// resolves reports whether a frame should answer the in-flight request.
// Completion pushes for earlier manual executions carry a finished
// status and must not be mistaken for the started acknowledgement.
func resolves(env envelope, wantType string) bool {
	if env.Type == "error" {
		return true
	}
	if env.Type != wantType {
		return false
	}
	if env.Type != "execution_response" {
		return true
	}
	var probe struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(env.Data, &probe); err != nil {
		return false
	}
	return probe.Status == "started"
}
