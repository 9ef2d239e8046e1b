package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type executionKey struct {
	agentID string
	outcome string
	trigger string
}

type durationKey struct {
	agentID string
}

type histogram struct {
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

type collector struct {
	mu          sync.Mutex
	executions  map[executionKey]uint64
	durations   map[durationKey]*histogram
	connections int64
	frames      map[string]uint64
}

var fleetCollector = &collector{
	executions: make(map[executionKey]uint64),
	durations:  make(map[durationKey]*histogram),
	frames:     make(map[string]uint64),
}

// ObserveExecution records the outcome and duration of one pipeline run.
func ObserveExecution(agentID, outcome, trigger string, duration time.Duration) {
	fleetCollector.observeExecution(agentID, outcome, trigger, duration)
}

// ConnectionOpened increments the active WebSocket connection gauge.
func ConnectionOpened() {
	fleetCollector.mu.Lock()
	fleetCollector.connections++
	fleetCollector.mu.Unlock()
}

// ConnectionClosed decrements the active WebSocket connection gauge.
func ConnectionClosed() {
	fleetCollector.mu.Lock()
	fleetCollector.connections--
	fleetCollector.mu.Unlock()
}

// ObserveFrame counts one inbound control frame by message type.
func ObserveFrame(messageType string) {
	fleetCollector.mu.Lock()
	fleetCollector.frames[messageType]++
	fleetCollector.mu.Unlock()
}

func (c *collector) observeExecution(agentID, outcome, trigger string, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := executionKey{agentID: agentID, outcome: outcome, trigger: trigger}
	c.executions[key]++

	durKey := durationKey{agentID: agentID}
	hist := c.durations[durKey]
	if hist == nil {
		hist = newHistogram()
		c.durations[durKey] = hist
	}
	hist.observe(duration.Seconds())
}

func newHistogram() *histogram {
	buckets := []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}
	return &histogram{
		buckets: buckets,
		counts:  make([]uint64, len(buckets)),
	}
}

func (h *histogram) observe(value float64) {
	h.count++
	h.sum += value
	for idx, bound := range h.buckets {
		if value <= bound {
			for i := idx; i < len(h.counts); i++ {
				h.counts[i]++
			}
			break
		}
	}
}

// Handler exposes the metrics in Prometheus text exposition format.
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = fmt.Fprint(w, fleetCollector.render())
	})
}

func (c *collector) render() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	type executionMetric struct {
		executionKey
		value uint64
	}
	type durationMetric struct {
		durationKey
		buckets []float64
		counts  []uint64
		sum     float64
		count   uint64
	}
	type frameMetric struct {
		messageType string
		value       uint64
	}

	execs := make([]executionMetric, 0, len(c.executions))
	for key, value := range c.executions {
		execs = append(execs, executionMetric{executionKey: key, value: value})
	}
	durs := make([]durationMetric, 0, len(c.durations))
	for key, hist := range c.durations {
		durs = append(durs, durationMetric{
			durationKey: key,
			buckets:     append([]float64(nil), hist.buckets...),
			counts:      append([]uint64(nil), hist.counts...),
			sum:         hist.sum,
			count:       hist.count,
		})
	}
	frames := make([]frameMetric, 0, len(c.frames))
	for key, value := range c.frames {
		frames = append(frames, frameMetric{messageType: key, value: value})
	}

	sort.Slice(execs, func(i, j int) bool {
		if execs[i].agentID == execs[j].agentID {
			if execs[i].outcome == execs[j].outcome {
				return execs[i].trigger < execs[j].trigger
			}
			return execs[i].outcome < execs[j].outcome
		}
		return execs[i].agentID < execs[j].agentID
	})
	sort.Slice(durs, func(i, j int) bool {
		return durs[i].agentID < durs[j].agentID
	})
	sort.Slice(frames, func(i, j int) bool {
		return frames[i].messageType < frames[j].messageType
	})

	var builder strings.Builder
	builder.Grow(1024)

	builder.WriteString("# HELP agentfleet_executions_total Total number of agent executions by outcome.\n")
	builder.WriteString("# TYPE agentfleet_executions_total counter\n")
	for _, metric := range execs {
		builder.WriteString(fmt.Sprintf("agentfleet_executions_total{agent_id=\"%s\",outcome=\"%s\",trigger=\"%s\"} %d\n",
			escape(metric.agentID), escape(metric.outcome), escape(metric.trigger), metric.value))
	}

	builder.WriteString("# HELP agentfleet_execution_duration_seconds Agent execution duration in seconds.\n")
	builder.WriteString("# TYPE agentfleet_execution_duration_seconds histogram\n")
	for _, metric := range durs {
		for idx, bound := range metric.buckets {
			builder.WriteString(fmt.Sprintf("agentfleet_execution_duration_seconds_bucket{agent_id=\"%s\",le=\"%s\"} %d\n",
				escape(metric.agentID), formatFloat(bound), metric.counts[idx]))
		}
		builder.WriteString(fmt.Sprintf("agentfleet_execution_duration_seconds_bucket{agent_id=\"%s\",le=\"+Inf\"} %d\n",
			escape(metric.agentID), metric.count))
		builder.WriteString(fmt.Sprintf("agentfleet_execution_duration_seconds_sum{agent_id=\"%s\"} %s\n",
			escape(metric.agentID), formatFloat(metric.sum)))
		builder.WriteString(fmt.Sprintf("agentfleet_execution_duration_seconds_count{agent_id=\"%s\"} %d\n",
			escape(metric.agentID), metric.count))
	}

	builder.WriteString("# HELP agentfleet_ws_connections Current number of open control connections.\n")
	builder.WriteString("# TYPE agentfleet_ws_connections gauge\n")
	builder.WriteString(fmt.Sprintf("agentfleet_ws_connections %d\n", c.connections))

	builder.WriteString("# HELP agentfleet_ws_frames_total Total inbound control frames by message type.\n")
	builder.WriteString("# TYPE agentfleet_ws_frames_total counter\n")
	for _, metric := range frames {
		builder.WriteString(fmt.Sprintf("agentfleet_ws_frames_total{type=\"%s\"} %d\n",
			escape(metric.messageType), metric.value))
	}

	return builder.String()
}

func escape(value string) string {
	value = strings.ReplaceAll(value, "\\", "\\\\")
	value = strings.ReplaceAll(value, "\"", "\\\"")
	value = strings.ReplaceAll(value, "\n", "")
	return value
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}

// StartServer launches a standalone HTTP server exposing the /metrics endpoint.
func StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{Addr: addr, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
