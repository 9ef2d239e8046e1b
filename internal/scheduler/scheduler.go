// Package scheduler 实现智能体的到期调度。
// 每个智能体按自己的节奏独立触发，单个调度循环负责派发，
// 执行本身在独立的 goroutine 中进行，互不阻塞。
package scheduler

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"time"

	xerrors "AgentFleet-Chain/internal/errors"
	"AgentFleet-Chain/pkg/logger"
)

// CodeDispatchConflict 表示智能体已有一次在途执行。
const CodeDispatchConflict xerrors.Code = "SCHEDULER_DISPATCH_CONFLICT"

func init() {
	xerrors.Register(CodeDispatchConflict, xerrors.Attributes{
		Message:   "agent already has an execution in flight",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     false,
	})
}

// RunFunc 是一次执行的入口。scheduledFor 为本次触发的计划时间。
type RunFunc func(ctx context.Context, agentID string, scheduledFor time.Time)

// entry 是堆中的一个调度项。惰性删除：Deregister 只打标记，
// 出堆时发现 removed 即丢弃。
type entry struct {
	agentID string
	due     time.Time
	nextFn  func(time.Time) time.Time
	removed bool
	index   int
}

type entryHeap []*entry

func (h entryHeap) Len() int            { return len(h) }
func (h entryHeap) Less(i, j int) bool  { return h[i].due.Before(h[j].due) }
func (h entryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *entryHeap) Push(x interface{}) { e := x.(*entry); e.index = len(*h); *h = append(*h, e) }
func (h *entryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Scheduler 维护到期堆与在途集合。
type Scheduler struct {
	mu       sync.Mutex
	heap     entryHeap
	entries  map[string]*entry
	inflight map[string]bool
	wake     chan struct{}
	run      RunFunc
	now      func() time.Time
	wg       sync.WaitGroup
	started  bool
}

// Option 定义可选配置。
type Option func(*Scheduler)

// WithNowFunc 注入时间源，测试用。
func WithNowFunc(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// New 创建调度器。
func New(run RunFunc, opts ...Option) *Scheduler {
	s := &Scheduler{
		entries:  make(map[string]*entry),
		inflight: make(map[string]bool),
		wake:     make(chan struct{}, 1),
		run:      run,
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Register 登记智能体的首次到期时间与后续到期计算函数。
// 重复登记会替换旧的调度项。
func (s *Scheduler) Register(agentID string, next time.Time, nextFn func(time.Time) time.Time) {
	s.mu.Lock()
	if old, ok := s.entries[agentID]; ok {
		old.removed = true
	}
	e := &entry{agentID: agentID, due: next, nextFn: nextFn}
	s.entries[agentID] = e
	heap.Push(&s.heap, e)
	s.mu.Unlock()
	s.kick()
}

// Deregister 将智能体摘出调度，不中断在途执行。
func (s *Scheduler) Deregister(agentID string) {
	s.mu.Lock()
	if e, ok := s.entries[agentID]; ok {
		e.removed = true
		delete(s.entries, agentID)
	}
	s.mu.Unlock()
	s.kick()
}

// NextDue 返回智能体当前登记的到期时间。
func (s *Scheduler) NextDue(agentID string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[agentID]
	if !ok || e.removed {
		return time.Time{}, false
	}
	return e.due, true
}

// InFlight 报告智能体是否有在途执行。
func (s *Scheduler) InFlight(agentID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight[agentID]
}

// TryRunNow 立即触发一次手动执行。若已有在途执行则返回冲突错误，
// 不影响既有的到期时间。run 为空时走注册的 RunFunc。
func (s *Scheduler) TryRunNow(ctx context.Context, agentID string, run func(ctx context.Context)) error {
	s.mu.Lock()
	if s.inflight[agentID] {
		s.mu.Unlock()
		return xerrors.New(CodeDispatchConflict, "智能体已有在途执行: "+agentID)
	}
	s.inflight[agentID] = true
	now := s.now()
	s.mu.Unlock()

	if run == nil {
		s.dispatch(ctx, agentID, now)
		return nil
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.inflight, agentID)
			s.mu.Unlock()
		}()
		run(ctx)
	}()
	return nil
}

// Start 启动调度循环，ctx 取消后循环退出并等待在途执行结束。
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop(ctx)
	}()
}

// Wait 阻塞直到调度循环与全部在途执行结束。
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		s.fireDue(ctx)

		wait := s.untilNext()
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		case <-timer.C:
		}
	}
}

// untilNext 返回距离最近到期项的等待时长。
func (s *Scheduler) untilNext() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	for s.heap.Len() > 0 {
		head := s.heap[0]
		if head.removed {
			heap.Pop(&s.heap)
			continue
		}
		wait := head.due.Sub(s.now())
		if wait < 0 {
			wait = 0
		}
		return wait
	}
	return time.Hour
}

// fireDue 派发所有已到期的调度项。
// 在途的智能体本轮跳过，直接滚动到下一次到期时间。
func (s *Scheduler) fireDue(ctx context.Context) {
	for {
		s.mu.Lock()
		if s.heap.Len() == 0 {
			s.mu.Unlock()
			return
		}
		head := s.heap[0]
		if head.removed {
			heap.Pop(&s.heap)
			s.mu.Unlock()
			continue
		}
		now := s.now()
		if head.due.After(now) {
			s.mu.Unlock()
			return
		}
		heap.Pop(&s.heap)

		scheduledFor := head.due
		busy := s.inflight[head.agentID]
		if !busy {
			s.inflight[head.agentID] = true
		}

		// 先滚动到下一次到期时间，保证节奏不依赖执行时长。
		if head.nextFn != nil {
			next := head.nextFn(now)
			if !next.IsZero() {
				head.due = next
				heap.Push(&s.heap, head)
			} else {
				delete(s.entries, head.agentID)
			}
		} else {
			delete(s.entries, head.agentID)
		}
		s.mu.Unlock()

		if busy {
			// 上一次执行尚未结束，本次触发静默跳过。
			logger.L().Debug("跳过到期触发：存在在途执行",
				slog.String("agent_id", head.agentID),
				slog.Time("scheduled_for", scheduledFor),
			)
			continue
		}
		s.dispatch(ctx, head.agentID, scheduledFor)
	}
}

// dispatch 在独立 goroutine 中运行一次执行，结束后清除在途标记。
func (s *Scheduler) dispatch(ctx context.Context, agentID string, scheduledFor time.Time) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.inflight, agentID)
			s.mu.Unlock()
		}()
		s.run(ctx, agentID, scheduledFor)
	}()
}
