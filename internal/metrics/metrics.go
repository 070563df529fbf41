package metrics

import (
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
)

// labeledCounter 一个总数加按标签细分的计数
type labeledCounter struct {
	total   uint64
	mu      sync.Mutex
	byLabel map[string]uint64
}

func (c *labeledCounter) inc(label string) {
	atomic.AddUint64(&c.total, 1)
	c.mu.Lock()
	if c.byLabel == nil {
		c.byLabel = make(map[string]uint64)
	}
	c.byLabel[label]++
	c.mu.Unlock()
}

func (c *labeledCounter) snapshot() (uint64, map[string]uint64) {
	total := atomic.LoadUint64(&c.total)
	c.mu.Lock()
	defer c.mu.Unlock()
	by := make(map[string]uint64, len(c.byLabel))
	for k, v := range c.byLabel {
		by[k] = v
	}
	return total, by
}

var (
	aiOutcomes   labeledCounter
	quotaDenials labeledCounter
	undoOutcomes labeledCounter
	rateDrops    labeledCounter
)

// AI 调用结果标签
const (
	AIOutcomeOK        = "ok"
	AIOutcomeFallback  = "fallback"
	AIOutcomeDiscarded = "discarded"
)

// IncAIOutcome 记录一次 AI 调用结果
func IncAIOutcome(outcome string) {
	if outcome == "" {
		outcome = "unknown"
	}
	aiOutcomes.inc(outcome)
}

// IncQuotaDenied 记录一次配额拒绝，reason 为拒绝原因
func IncQuotaDenied(reason string) {
	quotaDenials.inc(reason)
}

// IncUndo 记录撤销结果：restored / expired / superseded
func IncUndo(outcome string) {
	undoOutcomes.inc(outcome)
}

// IncRateLimitDrop 记录一次限流拒绝
func IncRateLimitDrop(scope string) {
	rateDrops.inc(scope)
}

// AISnapshot returns a copy of the AI outcome counters.
func AISnapshot() (uint64, map[string]uint64) { return aiOutcomes.snapshot() }

// QuotaSnapshot returns a copy of the quota denial counters.
func QuotaSnapshot() (uint64, map[string]uint64) { return quotaDenials.snapshot() }

// UndoSnapshot returns a copy of the undo outcome counters.
func UndoSnapshot() (uint64, map[string]uint64) { return undoOutcomes.snapshot() }

// WritePrometheus 以 Prometheus 文本格式输出全部计数
func WritePrometheus(w io.Writer) error {
	series := []struct {
		name  string
		label string
		c     *labeledCounter
	}{
		{"nexusdesk_ai_responses_total", "outcome", &aiOutcomes},
		{"nexusdesk_quota_denied_total", "reason", &quotaDenials},
		{"nexusdesk_appointment_undo_total", "outcome", &undoOutcomes},
		{"nexusdesk_rate_limit_dropped_total", "scope", &rateDrops},
	}
	for _, s := range series {
		total, by := s.c.snapshot()
		if _, err := fmt.Fprintf(w, "# TYPE %s counter\n", s.name); err != nil {
			return err
		}
		keys := make([]string, 0, len(by))
		for k := range by {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if _, err := fmt.Fprintf(w, "%s{%s=%q} %d\n", s.name, s.label, k, by[k]); err != nil {
				return err
			}
		}
		if len(keys) == 0 {
			if _, err := fmt.Fprintf(w, "%s %d\n", s.name, total); err != nil {
				return err
			}
		}
	}
	return nil
}

// reset 仅供测试
func reset() {
	aiOutcomes = labeledCounter{}
	quotaDenials = labeledCounter{}
	undoOutcomes = labeledCounter{}
	rateDrops = labeledCounter{}
}
