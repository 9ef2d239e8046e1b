package store

import (
	"context"
	"sort"
	"strings"
	"sync"

	"AgentFleet-Chain/internal/agent"
	xerrors "AgentFleet-Chain/internal/errors"
	"AgentFleet-Chain/internal/execution"
)

// MemoryStore 在内存中保存智能体与执行记录。
type MemoryStore struct {
	mu      sync.RWMutex
	agents  map[string]*agent.Agent
	records map[string]*execution.Record
	// byAgent 按插入顺序保存每个智能体的记录 ID。
	byAgent map[string][]string
}

// NewMemoryStore 创建内存存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		agents:  make(map[string]*agent.Agent),
		records: make(map[string]*execution.Record),
		byAgent: make(map[string][]string),
	}
}

// SaveAgent 插入或覆盖智能体配置。
func (s *MemoryStore) SaveAgent(_ context.Context, ag *agent.Agent) error {
	if ag == nil || strings.TrimSpace(ag.ID) == "" {
		return xerrors.New(xerrors.CodeValidation, "agent 及其 ID 不能为空")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[ag.ID] = ag.Clone()
	return nil
}

// DeleteAgent 删除智能体及其执行记录。
func (s *MemoryStore) DeleteAgent(_ context.Context, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.agents, agentID)
	for _, recordID := range s.byAgent[agentID] {
		delete(s.records, recordID)
	}
	delete(s.byAgent, agentID)
	return nil
}

// LoadAgents 返回全部智能体，按创建时间排序。
func (s *MemoryStore) LoadAgents(_ context.Context) ([]*agent.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	agents := make([]*agent.Agent, 0, len(s.agents))
	for _, ag := range s.agents {
		agents = append(agents, ag.Clone())
	}
	sort.Slice(agents, func(i, j int) bool {
		if agents[i].CreatedAt == agents[j].CreatedAt {
			return agents[i].ID < agents[j].ID
		}
		return agents[i].CreatedAt < agents[j].CreatedAt
	})
	return agents, nil
}

// InsertRecord 插入一条新的执行记录。
func (s *MemoryStore) InsertRecord(_ context.Context, rec *execution.Record) error {
	if rec == nil || strings.TrimSpace(rec.ID) == "" {
		return xerrors.New(xerrors.CodeValidation, "record 及其 ID 不能为空")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.ID]; ok {
		return xerrors.New(xerrors.CodeConflict, "执行记录已存在: "+rec.ID)
	}
	s.records[rec.ID] = rec.Clone()
	s.byAgent[rec.AgentID] = append(s.byAgent[rec.AgentID], rec.ID)
	return nil
}

// CompleteRecord 以终态覆盖执行记录。
func (s *MemoryStore) CompleteRecord(_ context.Context, rec *execution.Record) error {
	if rec == nil || strings.TrimSpace(rec.ID) == "" {
		return xerrors.New(xerrors.CodeValidation, "record 及其 ID 不能为空")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.ID]; !ok {
		return execution.ErrRecordNotFound
	}
	s.records[rec.ID] = rec.Clone()
	return nil
}

// ListRecords 返回指定智能体最近的执行记录，新者在前。
func (s *MemoryStore) ListRecords(_ context.Context, agentID string, limit int) ([]*execution.Record, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byAgent[agentID]
	records := make([]*execution.Record, 0, limit)
	for i := len(ids) - 1; i >= 0 && len(records) < limit; i-- {
		if rec, ok := s.records[ids[i]]; ok {
			records = append(records, rec.Clone())
		}
	}
	return records, nil
}

// GetRecord 返回指定的执行记录。
func (s *MemoryStore) GetRecord(_ context.Context, recordID string) (*execution.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[recordID]
	if !ok {
		return nil, execution.ErrRecordNotFound
	}
	return rec.Clone(), nil
}

// Close 实现 Store。
func (s *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
