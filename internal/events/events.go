// Package events 负责把智能体生命周期与执行结果
// 以结构化事件的形式投递到外部系统（Redis、RabbitMQ 等），
// 供审计与下游消费。控制通道的实时推送不经过本包。
package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Kind 表示事件类型。
type Kind string

const (
	KindAgentStatus Kind = "agent_status"
	KindExecution   Kind = "execution"
)

// Event 是一条出站事件。
type Event struct {
	Kind       Kind           `json:"kind"`
	AgentID    string         `json:"agent_id"`
	Payload    map[string]any `json:"payload,omitempty"`
	OccurredAt int64          `json:"occurred_at"`
}

// Sink 抽象一个出站事件通道。
type Sink interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// Fanout 把事件同时投递到多个 Sink。
type Fanout struct {
	sinks []Sink
}

// NewFanout 创建事件广播器，nil 的 sink 会被忽略。
func NewFanout(sinks ...Sink) *Fanout {
	out := &Fanout{}
	for _, sink := range sinks {
		if sink != nil {
			out.sinks = append(out.sinks, sink)
		}
	}
	return out
}

// Publish 将事件投递到全部通道，返回聚合错误。
func (f *Fanout) Publish(ctx context.Context, event Event) error {
	if f == nil {
		return nil
	}
	if event.OccurredAt == 0 {
		event.OccurredAt = time.Now().Unix()
	}
	var errs []error
	for _, sink := range f.sinks {
		if err := sink.Publish(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("sink %T: %w", sink, err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Close 关闭全部通道。
func (f *Fanout) Close() error {
	if f == nil {
		return nil
	}
	var errs []error
	for _, sink := range f.sinks {
		if err := sink.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// MemorySink 把事件保存在内存里，用于测试与单机部署。
type MemorySink struct {
	mu     sync.Mutex
	events []Event
	limit  int
}

// NewMemorySink 创建内存事件通道，limit 为保留条数上限。
func NewMemorySink(limit int) *MemorySink {
	if limit <= 0 {
		limit = 1024
	}
	return &MemorySink{limit: limit}
}

// Publish 实现 Sink。
func (s *MemorySink) Publish(_ context.Context, event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	if len(s.events) > s.limit {
		s.events = s.events[len(s.events)-s.limit:]
	}
	return nil
}

// Close 实现 Sink。
func (s *MemorySink) Close() error { return nil }

// Events 返回当前保留的事件副本。
func (s *MemorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}
