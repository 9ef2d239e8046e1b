package execution

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"AgentFleet-Chain/internal/agent"
	xerrors "AgentFleet-Chain/internal/errors"
	"AgentFleet-Chain/internal/oracle"
	"AgentFleet-Chain/internal/web3"
)

type fakeRecordStore struct {
	mu        sync.Mutex
	inserted  []*Record
	completed []*Record
	history   []*Record
}

func (f *fakeRecordStore) InsertRecord(_ context.Context, rec *Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inserted = append(f.inserted, rec.Clone())
	return nil
}

func (f *fakeRecordStore) CompleteRecord(_ context.Context, rec *Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, rec.Clone())
	return nil
}

func (f *fakeRecordStore) ListRecords(_ context.Context, _ string, _ int) ([]*Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.history, nil
}

type fakeChainClient struct {
	readResult  web3.CallResult
	readErr     error
	writeResult web3.CallResult
	writeErr    error
	snapshot    web3.ChainSnapshot

	mu       sync.Mutex
	lastReq  web3.CallRequest
	reads    int
	writes   int
	blocking bool
}

func (f *fakeChainClient) ReadContract(ctx context.Context, req web3.CallRequest) (web3.CallResult, error) {
	f.mu.Lock()
	f.lastReq = req
	f.reads++
	f.mu.Unlock()
	if f.blocking {
		<-ctx.Done()
		return web3.CallResult{}, ctx.Err()
	}
	return f.readResult, f.readErr
}

func (f *fakeChainClient) WriteContract(_ context.Context, req web3.CallRequest) (web3.CallResult, error) {
	f.mu.Lock()
	f.lastReq = req
	f.writes++
	f.mu.Unlock()
	return f.writeResult, f.writeErr
}

func (f *fakeChainClient) FetchChainSnapshot(_ context.Context) (web3.ChainSnapshot, error) {
	return f.snapshot, nil
}

func (f *fakeChainClient) Close() {}

type fakeChains struct {
	client web3.Client
	err    error
}

func (f *fakeChains) Client(_ string) (web3.Client, error) {
	return f.client, f.err
}

type fakeOracle struct {
	decision *oracle.Decision
	err      error
	called   bool
}

func (f *fakeOracle) Decide(_ context.Context, _ oracle.Snapshot) (*oracle.Decision, error) {
	f.called = true
	return f.decision, f.err
}

type fakeBroadcaster struct {
	mu       sync.Mutex
	started  []*Record
	finished []*Record
}

func (f *fakeBroadcaster) ExecutionStarted(rec *Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, rec)
}

func (f *fakeBroadcaster) ExecutionFinished(rec *Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finished = append(f.finished, rec)
}

func runningAgent() *agent.Agent {
	def := "5"
	return &agent.Agent{
		ID:              "agent-1",
		Name:            "keeper",
		Owner:           "0x00000000000000000000000000000000000000aa",
		ContractAddress: "0x00000000000000000000000000000000000000bb",
		Chain:           "sepolia",
		ABI:             json.RawMessage(`[{"type":"function","name":"poke","inputs":[]}]`),
		Status:          agent.StatusRunning,
		Functions: []agent.Function{
			{
				Name:      "poke",
				Signature: "poke()",
				Direction: agent.DirectionRead,
				Enabled:   true,
			},
			{
				Name:      "bump",
				Signature: "bump(uint256)",
				Direction: agent.DirectionWrite,
				Enabled:   true,
				Params: []agent.Param{
					{Name: "amount", Type: "uint256", Default: &def},
				},
			},
			{
				Name:      "legacy",
				Signature: "legacy()",
				Direction: agent.DirectionRead,
				Enabled:   false,
			},
		},
		Schedule: &agent.Schedule{Kind: agent.ScheduleInterval, IntervalSeconds: 60, Active: true},
	}
}

func TestExecuteExplicitReadFunction(t *testing.T) {
	client := &fakeChainClient{readResult: web3.CallResult{Outputs: []any{"42"}}}
	store := &fakeRecordStore{}
	caster := &fakeBroadcaster{}
	p := NewPipeline(&fakeChains{client: client}, &fakeOracle{}, store, WithBroadcaster(caster))

	rec, err := p.Execute(context.Background(), Request{
		Agent:    runningAgent(),
		Trigger:  TriggerManual,
		Function: "poke",
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if rec.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", rec.Status)
	}
	if rec.Function != "poke" {
		t.Fatalf("expected function poke, got %s", rec.Function)
	}
	if len(rec.Outputs) != 1 || rec.Outputs[0] != "42" {
		t.Fatalf("unexpected outputs: %v", rec.Outputs)
	}
	if client.reads != 1 || client.writes != 0 {
		t.Fatalf("expected a single read call, reads=%d writes=%d", client.reads, client.writes)
	}
	if len(store.inserted) != 1 || len(store.completed) != 1 {
		t.Fatalf("expected record insert and complete, got %d/%d", len(store.inserted), len(store.completed))
	}
	if len(caster.started) != 1 || len(caster.finished) != 1 {
		t.Fatalf("expected started and finished broadcasts, got %d/%d", len(caster.started), len(caster.finished))
	}
	if caster.started[0].Status != StatusStarted {
		t.Fatalf("started broadcast carries status %s", caster.started[0].Status)
	}
}

func TestExecuteWriteFunctionUsesWritePath(t *testing.T) {
	client := &fakeChainClient{writeResult: web3.CallResult{TxHash: "0xdead"}}
	p := NewPipeline(&fakeChains{client: client}, &fakeOracle{}, &fakeRecordStore{})

	rec, err := p.Execute(context.Background(), Request{
		Agent:    runningAgent(),
		Trigger:  TriggerManual,
		Function: "bump",
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if rec.TxHash != "0xdead" {
		t.Fatalf("expected tx hash, got %q", rec.TxHash)
	}
	if client.writes != 1 {
		t.Fatalf("expected write call, writes=%d", client.writes)
	}
	// Default value flows into the resolved args.
	if rec.Args["amount"] != "5" {
		t.Fatalf("default arg missing: %v", rec.Args)
	}
}

func TestExecuteOracleDecidesFunction(t *testing.T) {
	client := &fakeChainClient{readResult: web3.CallResult{Outputs: []any{"ok"}}}
	decider := &fakeOracle{decision: &oracle.Decision{
		Function:  "poke",
		Reasoning: "price deviation above threshold",
	}}
	p := NewPipeline(&fakeChains{client: client}, decider, &fakeRecordStore{})

	rec, err := p.Execute(context.Background(), Request{
		Agent:   runningAgent(),
		Trigger: TriggerScheduled,
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !decider.called {
		t.Fatal("oracle was not consulted")
	}
	if rec.Reasoning != "price deviation above threshold" {
		t.Fatalf("reasoning missing: %q", rec.Reasoning)
	}
	if rec.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", rec.Status)
	}
}

func TestExecuteOracleSkip(t *testing.T) {
	client := &fakeChainClient{}
	decider := &fakeOracle{decision: &oracle.Decision{Skip: true, Reasoning: "nothing to do"}}
	p := NewPipeline(&fakeChains{client: client}, decider, &fakeRecordStore{})

	rec, err := p.Execute(context.Background(), Request{
		Agent:   runningAgent(),
		Trigger: TriggerScheduled,
	})
	if err != nil {
		t.Fatalf("skip is not a failure: %v", err)
	}
	if rec.Status != StatusSkipped {
		t.Fatalf("expected skipped, got %s", rec.Status)
	}
	if client.reads != 0 || client.writes != 0 {
		t.Fatal("skip must not touch the chain")
	}
}

func TestExecuteUnknownFunctionFails(t *testing.T) {
	p := NewPipeline(&fakeChains{client: &fakeChainClient{}}, &fakeOracle{}, &fakeRecordStore{})

	rec, err := p.Execute(context.Background(), Request{
		Agent:    runningAgent(),
		Trigger:  TriggerManual,
		Function: "missing",
	})
	if xerrors.CodeOf(err) != agent.CodeFunctionNotFound {
		t.Fatalf("expected function-not-found, got %v", err)
	}
	if rec.Status != StatusFailed {
		t.Fatalf("expected failed record, got %s", rec.Status)
	}
	if rec.ErrorCode == "" {
		t.Fatal("failed record must carry an error code")
	}
}

func TestExecuteDisabledFunctionFails(t *testing.T) {
	p := NewPipeline(&fakeChains{client: &fakeChainClient{}}, &fakeOracle{}, &fakeRecordStore{})

	_, err := p.Execute(context.Background(), Request{
		Agent:    runningAgent(),
		Trigger:  TriggerManual,
		Function: "legacy",
	})
	if xerrors.CodeOf(err) != CodeArgValidation {
		t.Fatalf("expected rejection of disabled function, got %v", err)
	}
}

func TestExecuteChainErrorMapsToRecord(t *testing.T) {
	client := &fakeChainClient{readErr: xerrors.New(web3.CodeChainReverted, "execution reverted")}
	store := &fakeRecordStore{}
	p := NewPipeline(&fakeChains{client: client}, &fakeOracle{}, store)

	rec, err := p.Execute(context.Background(), Request{
		Agent:    runningAgent(),
		Trigger:  TriggerManual,
		Function: "poke",
	})
	if err == nil {
		t.Fatal("expected chain error to surface")
	}
	if rec.Status != StatusFailed {
		t.Fatalf("expected failed record, got %s", rec.Status)
	}
	if rec.ErrorCode != string(web3.CodeChainReverted) {
		t.Fatalf("expected revert error code, got %s", rec.ErrorCode)
	}
	if len(store.completed) != 1 {
		t.Fatal("failed execution must still be persisted")
	}
}

func TestExecuteTimeout(t *testing.T) {
	client := &fakeChainClient{blocking: true}
	p := NewPipeline(&fakeChains{client: client}, &fakeOracle{}, &fakeRecordStore{},
		WithExecutionTimeout(20*time.Millisecond))

	rec, err := p.Execute(context.Background(), Request{
		Agent:    runningAgent(),
		Trigger:  TriggerManual,
		Function: "poke",
	})
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if rec.ErrorCode != string(xerrors.CodeTimeout) {
		t.Fatalf("expected timeout error code, got %s", rec.ErrorCode)
	}
}
