// Package store 提供智能体配置与执行记录的持久化实现。
// 内存实现用于测试与单机部署，mysql 子包提供生产级实现。
package store

import (
	"context"

	"AgentFleet-Chain/internal/agent"
	"AgentFleet-Chain/internal/execution"
)

// Store 汇总持久化层的全部能力。
// agent.Repository 与 execution.RecordStore 是它的子集，
// 上层按各自需要的窄接口依赖。
type Store interface {
	SaveAgent(ctx context.Context, ag *agent.Agent) error
	DeleteAgent(ctx context.Context, agentID string) error
	LoadAgents(ctx context.Context) ([]*agent.Agent, error)

	InsertRecord(ctx context.Context, rec *execution.Record) error
	CompleteRecord(ctx context.Context, rec *execution.Record) error
	ListRecords(ctx context.Context, agentID string, limit int) ([]*execution.Record, error)

	Close() error
}
