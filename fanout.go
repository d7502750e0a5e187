package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync/atomic"
	"time"

	http "github.com/bogdanfinn/fhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// fanOut runs fn over items with at most limit in flight and returns the
// results in input order. fn reports failure inside R, so one item can never
// cancel its siblings.
func fanOut[T, R any](ctx context.Context, limit int, items []T, fn func(ctx context.Context, item T) R) []R {
	results := make([]R, len(items))
	var g errgroup.Group
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i, item := range items {
		g.Go(func() error {
			results[i] = fn(ctx, item)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// Summarizer extracts summable figures from a successful task's body.
type Summarizer func(body []byte) map[string]float64

// TaskSpec is one independent read issued during a collection.
type TaskSpec struct {
	Name      string
	Call      DataCall
	Summarize Summarizer
}

// TaskStatus is the per-task entry of a MergedResult.
type TaskStatus struct {
	Name     string
	OK       bool
	Kind     ErrorKind
	Error    string
	Status   int
	Data     json.RawMessage
	Summary  map[string]float64
	Duration time.Duration
}

// MergedResult holds one entry per task. Summary only sums successful
// tasks; a failed task is visible in Tasks, never as a zero in Summary.
type MergedResult struct {
	SessionID   string
	Tasks       map[string]TaskStatus
	Summary     map[string]float64
	Succeeded   int
	Failed      int
	CollectedAt time.Time
	// CSRF is the newest anti-forgery token any task saw.
	CSRF string
}

type callExecutor interface {
	Execute(ctx context.Context, spec RequestSpec, policy RetryPolicy) (RequestOutcome, error)
}

// Collector issues task specs concurrently against one authenticated session.
type Collector struct {
	Limit  int
	Policy RetryPolicy
	Logger *zap.Logger
	now    func() time.Time
}

func validateSpecs(specs []TaskSpec) error {
	if len(specs) == 0 {
		return fmt.Errorf("%w: no task specs", ErrInvalidCall)
	}
	seen := make(map[string]bool, len(specs))
	for _, s := range specs {
		if s.Name == "" {
			return fmt.Errorf("%w: task spec without a name", ErrInvalidCall)
		}
		if seen[s.Name] {
			return fmt.Errorf("%w: duplicate task %q", ErrInvalidCall, s.Name)
		}
		seen[s.Name] = true
	}
	return nil
}

type taskResult struct {
	status TaskStatus
	csrf   string
	seq    int64
}

// Collect runs specs against exec using rc. rc is a value, so every task
// reads the same credentials and none can alter what another sends.
func (c Collector) Collect(ctx context.Context, sessionID string, exec callExecutor, rc RequestContext, specs []TaskSpec) (MergedResult, error) {
	if err := validateSpecs(specs); err != nil {
		return MergedResult{}, newEngineError(KindFatal, "collect", 0, err)
	}
	logger := c.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := c.now
	if now == nil {
		now = time.Now
	}
	logger = logger.Named("fanout").With(zap.String("session_id", sessionID))

	var seq atomic.Int64
	results := fanOut(ctx, c.Limit, specs, func(ctx context.Context, spec TaskSpec) taskResult {
		call := spec.Call
		if call.Name == "" {
			call.Name = spec.Name
		}
		start := now()
		out, err := exec.Execute(ctx, RequestSpec{Call: call, Context: rc}, c.Policy)
		st := TaskStatus{Name: spec.Name, Status: out.Status, Duration: now().Sub(start)}
		if err != nil {
			st.Kind = KindOf(err)
			st.Error = err.Error()
			logger.Warn("Task failed", zap.String("task", spec.Name), zap.Error(err))
		} else {
			st.OK = true
			if json.Valid(out.Body) {
				st.Data = json.RawMessage(out.Body)
			}
			if spec.Summarize != nil {
				st.Summary = spec.Summarize(out.Body)
			}
		}
		return taskResult{status: st, csrf: out.CSRF, seq: seq.Add(1)}
	})

	merged := MergedResult{
		SessionID:   sessionID,
		Tasks:       make(map[string]TaskStatus, len(results)),
		Summary:     make(map[string]float64),
		CollectedAt: now(),
	}
	var newest int64
	for _, r := range results {
		merged.Tasks[r.status.Name] = r.status
		if r.csrf != "" && r.seq > newest {
			newest = r.seq
			merged.CSRF = r.csrf
		}
		if !r.status.OK {
			merged.Failed++
			continue
		}
		merged.Succeeded++
		for k, v := range r.status.Summary {
			merged.Summary[k] += v
		}
	}
	logger.Info("Collection finished", zap.Int("succeeded", merged.Succeeded), zap.Int("failed", merged.Failed))
	return merged, nil
}

// numericFields sums the named numeric fields of a JSON object and, when
// itemsKey names an array, counts its entries under "<itemsKey>_count".
func numericFields(itemsKey string, fields ...string) Summarizer {
	return func(body []byte) map[string]float64 {
		obj := jsonObject(body)
		out := make(map[string]float64)
		for _, f := range fields {
			if v, ok := obj[f].(float64); ok {
				out[f] += v
			}
		}
		if itemsKey != "" {
			if items, ok := obj[itemsKey].([]any); ok {
				out[itemsKey+"_count"] = float64(len(items))
			}
		}
		return out
	}
}

// DefaultTaskSpecs are the reads issued after a login: profile, permissions,
// a seven-day daily statistics window ending at now, and settlements.
func DefaultTaskSpecs(now time.Time) []TaskSpec {
	to := now.UTC().Truncate(24 * time.Hour)
	from := to.AddDate(0, 0, -7)
	statsQuery := url.Values{
		"from":        {from.Format("2006-01-02")},
		"to":          {to.Format("2006-01-02")},
		"granularity": {"DAY"},
	}
	return []TaskSpec{
		{Name: "profile", Call: DataCall{Method: http.MethodGet, Path: "/api/v1/profile"}},
		{Name: "permissions", Call: DataCall{Method: http.MethodGet, Path: "/api/v1/permissions"}},
		{
			Name:      "statistics",
			Call:      DataCall{Method: http.MethodGet, Path: "/api/v1/statistics", Query: statsQuery},
			Summarize: numericFields("", "totalAmount", "transactionCount"),
		},
		{
			Name:      "settlements",
			Call:      DataCall{Method: http.MethodGet, Path: "/api/v1/settlements"},
			Summarize: numericFields("settlements", "settledAmount"),
		},
	}
}
