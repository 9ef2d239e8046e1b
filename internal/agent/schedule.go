package agent

import (
	"strconv"
	"strings"
	"time"

	xerrors "AgentFleet-Chain/internal/errors"
)

// ScheduleKind 表示调度的类型。
type ScheduleKind string

const (
	ScheduleInterval ScheduleKind = "interval"
	ScheduleCron     ScheduleKind = "cron"
)

// Schedule 描述智能体的执行节奏。
// 要么是固定间隔（秒），要么是 5 段式 cron 表达式（分钟粒度）。
type Schedule struct {
	ID              string       `json:"schedule_id"`
	AgentID         string       `json:"agent_id"`
	Kind            ScheduleKind `json:"kind"`
	IntervalSeconds int64        `json:"interval_seconds,omitempty"`
	CronExpr        string       `json:"cron_expr,omitempty"`
	Active          bool         `json:"active"`
	CreatedAt       int64        `json:"created_at"`
	UpdatedAt       int64        `json:"updated_at"`
}

// Validate 检查调度配置是否合法。
func (s *Schedule) Validate() error {
	if s == nil {
		return xerrors.New(CodeScheduleInvalid, "调度未配置")
	}
	switch s.Kind {
	case ScheduleInterval:
		if s.IntervalSeconds <= 0 {
			return xerrors.New(CodeScheduleInvalid, "执行间隔必须为正数")
		}
		return nil
	case ScheduleCron:
		if _, err := parseCron(s.CronExpr); err != nil {
			return err
		}
		return nil
	default:
		return xerrors.New(CodeScheduleInvalid, "未知的调度类型: "+string(s.Kind))
	}
}

// NextRun 计算 now 之后的下一次到期时间。
func (s *Schedule) NextRun(now time.Time) (time.Time, error) {
	if err := s.Validate(); err != nil {
		return time.Time{}, err
	}
	if s.Kind == ScheduleInterval {
		return now.Add(time.Duration(s.IntervalSeconds) * time.Second), nil
	}
	spec, err := parseCron(s.CronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return spec.next(now), nil
}

// cronSpec 保存 5 段式 cron 各字段允许的取值集合。
type cronSpec struct {
	minutes  map[int]bool
	hours    map[int]bool
	days     map[int]bool
	months   map[int]bool
	weekdays map[int]bool
}

// parseCron 解析 "分 时 日 月 周" 表达式，支持 *、逗号列表、区间与步进。
func parseCron(expr string) (*cronSpec, error) {
	fields := strings.Fields(strings.TrimSpace(expr))
	if len(fields) != 5 {
		return nil, xerrors.New(CodeScheduleInvalid, "cron 表达式必须包含 5 个字段: "+expr)
	}
	bounds := [5][2]int{{0, 59}, {0, 23}, {1, 31}, {1, 12}, {0, 6}}
	sets := make([]map[int]bool, 5)
	for i, field := range fields {
		set, err := parseCronField(field, bounds[i][0], bounds[i][1])
		if err != nil {
			return nil, err
		}
		sets[i] = set
	}
	return &cronSpec{
		minutes:  sets[0],
		hours:    sets[1],
		days:     sets[2],
		months:   sets[3],
		weekdays: sets[4],
	}, nil
}

func parseCronField(field string, min, max int) (map[int]bool, error) {
	set := make(map[int]bool)
	for _, part := range strings.Split(field, ",") {
		step := 1
		if idx := strings.IndexByte(part, '/'); idx >= 0 {
			parsed, err := strconv.Atoi(part[idx+1:])
			if err != nil || parsed <= 0 {
				return nil, xerrors.New(CodeScheduleInvalid, "cron 步进值非法: "+part)
			}
			step = parsed
			part = part[:idx]
		}
		lo, hi := min, max
		switch {
		case part == "*" || part == "":
		case strings.Contains(part, "-"):
			pieces := strings.SplitN(part, "-", 2)
			parsedLo, err1 := strconv.Atoi(pieces[0])
			parsedHi, err2 := strconv.Atoi(pieces[1])
			if err1 != nil || err2 != nil {
				return nil, xerrors.New(CodeScheduleInvalid, "cron 区间非法: "+part)
			}
			lo, hi = parsedLo, parsedHi
		default:
			parsed, err := strconv.Atoi(part)
			if err != nil {
				return nil, xerrors.New(CodeScheduleInvalid, "cron 字段非法: "+part)
			}
			lo, hi = parsed, parsed
		}
		if lo < min || hi > max || lo > hi {
			return nil, xerrors.New(CodeScheduleInvalid, "cron 字段越界: "+field)
		}
		for v := lo; v <= hi; v += step {
			set[v] = true
		}
	}
	if len(set) == 0 {
		return nil, xerrors.New(CodeScheduleInvalid, "cron 字段为空: "+field)
	}
	return set, nil
}

// next 逐分钟向前扫描，返回严格晚于 now 的下一次触发时间。
func (c *cronSpec) next(now time.Time) time.Time {
	t := now.Truncate(time.Minute).Add(time.Minute)
	// 上限四年，足以覆盖 2 月 29 日这类最稀疏的组合。
	limit := t.AddDate(4, 0, 0)
	for t.Before(limit) {
		if !c.months[int(t.Month())] {
			t = time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location()).AddDate(0, 1, 0)
			continue
		}
		if !c.days[t.Day()] || !c.weekdays[int(t.Weekday())] {
			t = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location()).AddDate(0, 0, 1)
			continue
		}
		if !c.hours[t.Hour()] {
			t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, t.Location()).Add(time.Hour)
			continue
		}
		if !c.minutes[t.Minute()] {
			t = t.Add(time.Minute)
			continue
		}
		return t
	}
	return time.Time{}
}
